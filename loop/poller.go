package loop

// IOEvent is a readiness interest/result mask. Accept readiness is surfaced
// as EventRead on a listening handle.
type IOEvent uint32

const (
	EventRead  IOEvent = 1 << 0
	EventWrite IOEvent = 1 << 1
)

// PollEvent is one readiness result reported by a Poller.
type PollEvent struct {
	FD     int
	Events IOEvent
}

// Poller abstracts the OS readiness facility. All methods except Wakeup are
// called only from the owning loop goroutine; Wakeup may be called from any
// goroutine to interrupt a blocked Wait.
type Poller interface {
	Add(fd int, events IOEvent) error
	Mod(fd int, events IOEvent) error
	Delete(fd int) error

	// Wait blocks for up to timeoutNanos (indefinitely if negative, not at
	// all if zero) and fills events with ready handles.
	Wait(events []PollEvent, timeoutNanos int64) (int, error)

	Wakeup() error
	Close() error
}

// IOHandle is a pollable handle registered with an EventLoop. HandleEvent
// and PrepareShutdown are always invoked on the loop goroutine.
type IOHandle interface {
	FD() int

	// InterestOps is the initial readiness interest requested at
	// registration.
	InterestOps() IOEvent

	HandleEvent(events IOEvent)

	// PrepareShutdown is invoked once when the owning loop begins a graceful
	// shutdown, giving the handle a chance to flush and deregister itself.
	PrepareShutdown()
}
