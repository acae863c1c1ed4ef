// Package bundler accumulates outbound messages per destination under a
// byte budget and flushes them as single sends or batches, with a
// self-loopback fast path for locally addressed messages. It is grounded
// directly on org.jgroups.protocols.BaseBundler: the accumulate/flush/
// loopback primitives are a straight port, the mutex-guarded map of
// destination -> queued messages included.
package bundler

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Dest identifies a destination (or, as the nil value, "the whole
// cluster"/multicast). Implementations are expected to be comparable.
type Dest interface{}

// Message is the unit the bundler queues. Payload and Headers are opaque
// to the bundler — serialization is the Transport's concern, out of scope
// for this package, matching the relay's own "message (de)serialization
// is an external contract" stance.
type Message struct {
	Dest         Dest
	Src          Dest
	OOB          bool
	DontLoopback bool
	Payload      interface{}
	Headers      map[string]interface{}
}

// Sender is the enqueue surface a caller needs from a Base or SizeBundler
// — just enough to hand it outbound traffic without depending on which
// flush policy is in effect.
type Sender interface {
	Send(msg *Message, payloadSize int)
}

// ProcessingPolicy is where loopback-dispatched batches land; REG and OOB
// batches are handed over independently so OOB traffic is never stuck
// behind REG traffic queued ahead of it.
type ProcessingPolicy interface {
	Loopback(batch []*Message, oob bool)
}

// Transport is the hot-path collaborator the bundler sends through. Its
// serialization of individual messages/lists is out of scope here; the
// bundler only asks it to turn a destination + list into bytes and ship
// them.
type Transport interface {
	Address() Dest
	LoopbackSeparateThread() bool
	StatsEnabled() bool
	MessageOverhead() int
	SerializeOne(msg *Message) ([]byte, error)
	SerializeList(dest, src Dest, msgs []*Message) ([]byte, error)
	DoSend(buf []byte, dest Dest) error
	ProcessingPolicy() ProcessingPolicy
}

// sendTimes is a minimal min/max/avg histogram over nanosecond flush
// durations, the Go analogue of JGroups' AverageMinMax.
type sendTimes struct {
	mu        sync.Mutex
	count     int64
	sum       int64
	min, max  int64
}

func (s *sendTimes) add(ns int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 || ns < s.min {
		s.min = ns
	}
	if ns > s.max {
		s.max = ns
	}
	s.sum += ns
	s.count++
}

func (s *sendTimes) Avg() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0
	}
	return s.sum / s.count
}

func (s *sendTimes) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s = sendTimes{}
}

// Base implements the primitive accumulate/send/loopback steps shared by
// every bundler strategy. It never decides *when* to flush on its own;
// concrete bundlers (e.g. SizeBundler) embed it and specialize that
// policy, exactly as BaseBundler's Javadoc describes.
type Base struct {
	mu    sync.Mutex
	msgs  map[Dest][]*Message
	count int64

	MaxSize          int
	Capacity         int
	ProcessLoopbacks bool

	transport Transport
	logger    *zap.Logger
	avgSend   sendTimes

	flushes atomic.Int64
}

func NewBase(logger *zap.Logger) *Base {
	return &Base{
		msgs:             map[Dest][]*Message{},
		MaxSize:          64000,
		Capacity:         16384,
		ProcessLoopbacks: true,
		logger:           logger,
	}
}

// Init binds the bundler to its transport. Mirrors BaseBundler.init.
func (b *Base) Init(t Transport) {
	b.transport = t
}

func (b *Base) Start() {}
func (b *Base) Stop()  {}

func (b *Base) ResetStats() {
	b.avgSend.clear()
}

func (b *Base) AvgSendTimeNanos() int64 { return b.avgSend.Avg() }
func (b *Base) Flushes() int64          { return b.flushes.Load() }

// Size returns the total number of queued-but-unsent messages across all
// destinations.
func (b *Base) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, list := range b.msgs {
		n += len(list)
	}
	return n
}

// addMessage appends msg to its destination's queue and accounts size
// bytes toward count. Must be called with mu held.
func (b *Base) addMessage(msg *Message, size int) {
	b.msgs[msg.Dest] = append(b.msgs[msg.Dest], msg)
	b.count += int64(size)
}

// Send queues msg under the transport's per-message overhead without
// triggering a flush; callers that want size-triggered flushing should use
// SizeBundler instead.
func (b *Base) Send(msg *Message, payloadSize int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addMessage(msg, payloadSize+b.transport.MessageOverhead())
}

// Count returns the accumulated byte total under the budget, guarded by
// the same lock as addMessage/flush.
func (b *Base) Count() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Flush serializes and sends every non-empty destination queue, in
// unspecified cross-destination order but FIFO within a destination, then
// zeroes count. Flush takes mu itself; flushLocked does the work and must be
// called with mu already held (SizeBundler.Send reuses it that way).
func (b *Base) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Base) flushLocked() {
	statsEnabled := b.transport.StatsEnabled()
	var start time.Time
	if statsEnabled {
		start = time.Now()
	}

	for dest, list := range b.msgs {
		if len(list) == 0 {
			continue
		}
		loopback := dest == nil || dest == b.transport.Address()

		if len(list) == 1 {
			msg := list[0]
			b.sendSingle(msg)
			if b.ProcessLoopbacks && loopback && !msg.DontLoopback && b.transport.LoopbackSeparateThread() {
				b.loopbackDispatch(dest, []*Message{msg})
			}
		} else {
			b.sendList(dest, list[0].Src, list)
			if b.ProcessLoopbacks && loopback && b.transport.LoopbackSeparateThread() {
				b.loopbackDispatch(dest, list)
			}
		}
		b.msgs[dest] = list[:0]
	}
	b.count = 0
	b.flushes.Inc()
	promFlushes.Inc()

	if statsEnabled {
		elapsed := time.Since(start)
		b.avgSend.add(elapsed.Nanoseconds())
		promFlushSeconds.Observe(elapsed.Seconds())
	}
}

// loopbackDispatch partitions list into OOB and REG batches (skipping
// DONT_LOOPBACK messages) and hands each non-empty batch to the
// transport's processing policy independently, so OOB traffic can never be
// stuck behind REG traffic.
func (b *Base) loopbackDispatch(dest Dest, list []*Message) {
	var oob, reg []*Message
	for _, msg := range list {
		if msg.DontLoopback {
			continue
		}
		if msg.OOB {
			oob = append(oob, msg)
		} else {
			reg = append(reg, msg)
		}
	}
	policy := b.transport.ProcessingPolicy()
	if policy == nil {
		return
	}
	if len(reg) > 0 {
		policy.Loopback(reg, false)
	}
	if len(oob) > 0 {
		policy.Loopback(oob, true)
	}
}

func (b *Base) sendSingle(msg *Message) {
	buf, err := b.transport.SerializeOne(msg)
	if err != nil {
		b.logger.Debug("failed to serialize message, dropping", zap.Any("dest", msg.Dest), zap.Error(err))
		return
	}
	if err := b.transport.DoSend(buf, msg.Dest); err != nil {
		b.logger.Debug("send failure, message dropped",
			zap.Any("src", msg.Src), zap.Any("dest", msg.Dest), zap.Int("size", len(buf)), zap.Error(err))
	}
}

func (b *Base) sendList(dest, src Dest, list []*Message) {
	buf, err := b.transport.SerializeList(dest, src, list)
	if err != nil {
		b.logger.Debug("failed to serialize message bundle, dropping", zap.Any("dest", dest), zap.Error(err))
		return
	}
	if err := b.transport.DoSend(buf, dest); err != nil {
		b.logger.Debug("failure sending message bundle", zap.Any("dest", dest), zap.Error(err))
	}
}

// SizeBundler flushes as soon as the accumulated byte count reaches MaxSize,
// mirroring JGroups' default transfer-queue-style bundler policy.
type SizeBundler struct {
	*Base
}

func NewSizeBundler(logger *zap.Logger) *SizeBundler {
	return &SizeBundler{Base: NewBase(logger)}
}

// Send queues msg and flushes immediately (msg included) if doing so
// brought the accumulated byte count to MaxSize or above, keeping the invariant
// count <= MaxSize at the end of any Send call that doesn't itself flush.
func (s *SizeBundler) Send(msg *Message, payloadSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := payloadSize + s.transport.MessageOverhead()
	s.addMessage(msg, size)
	if s.count >= int64(s.MaxSize) {
		s.flushLocked()
	}
}
