// Package scheduler provides the single primitive the relay core needs
// from a timer/scheduler collaborator: run a task once, off the caller's
// goroutine, without blocking it. It stands in for the timer/scheduler
// external collaborator named out of scope by the relay's own spec, giving
// handleView a concrete, non-blocking way to kick off async bridge
// startup.
package scheduler

// One runs fn exactly once, on its own goroutine, and never blocks the
// caller. It is the Go analogue of a TimeScheduler.execute(Runnable) used
// to fire-and-forget the relayer's asynchronous start.
func One(fn func()) {
	go fn()
}
