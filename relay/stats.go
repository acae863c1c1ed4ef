package relay

import "go.uber.org/atomic"

// stats is the full management-surface counter set spec.md §6 calls out:
// counts of forwarded/relayed/delivered messages with nanosecond time
// accumulators, mirroring RELAY2's AverageMinMax/COUNTER fields.
type stats struct {
	forwardToSiteMaster     atomic.Int64
	timeForwardingToSM      atomic.Int64
	forwardToLocalMbr       atomic.Int64
	timeForwardingToLocalMbr atomic.Int64
	relayed                 atomic.Int64
	timeRelaying            atomic.Int64
	noRouteErrors           atomic.Int64
}

func (s *stats) Reset() {
	s.forwardToSiteMaster.Store(0)
	s.timeForwardingToSM.Store(0)
	s.forwardToLocalMbr.Store(0)
	s.timeForwardingToLocalMbr.Store(0)
	s.relayed.Store(0)
	s.timeRelaying.Store(0)
	s.noRouteErrors.Store(0)
}

// Snapshot is an immutable read of every counter, for the /metrics and
// /debug surfaces.
type Snapshot struct {
	NumForwardedToSiteMaster   int64
	TimeForwardingToSMNanos    int64
	AvgMsgsForwardingToSMNanos int64
	NumForwardedToLocalMbr     int64
	TimeForwardingToLocalMbrNanos int64
	AvgMsgsForwardingToLocalMbrNanos int64
	NumRelayed                 int64
	TimeRelayingNanos          int64
	AvgMsgsRelayingNanos       int64
	NumberOfNoRouteErrors      int64
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

func (s *stats) Snapshot() Snapshot {
	fsm, tfsm := s.forwardToSiteMaster.Load(), s.timeForwardingToSM.Load()
	flm, tflm := s.forwardToLocalMbr.Load(), s.timeForwardingToLocalMbr.Load()
	rel, trel := s.relayed.Load(), s.timeRelaying.Load()
	return Snapshot{
		NumForwardedToSiteMaster:         fsm,
		TimeForwardingToSMNanos:          tfsm,
		AvgMsgsForwardingToSMNanos:       avg(tfsm, fsm),
		NumForwardedToLocalMbr:           flm,
		TimeForwardingToLocalMbrNanos:    tflm,
		AvgMsgsForwardingToLocalMbrNanos: avg(tflm, flm),
		NumRelayed:                       rel,
		TimeRelayingNanos:                trel,
		AvgMsgsRelayingNanos:             avg(trel, rel),
		NumberOfNoRouteErrors:            s.noRouteErrors.Load(),
	}
}
