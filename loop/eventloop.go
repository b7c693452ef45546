package loop

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/fzft/go-netloop/concurrent"
	"github.com/fzft/go-netloop/log"
	"go.uber.org/zap"
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

var (
	ErrNotRunning        = errors.New("event loop is not running")
	ErrAlreadyStarted    = errors.New("event loop already started")
	ErrAlreadyRegistered = errors.New("handle already registered")
	ErrNotRegistered     = errors.New("handle not registered")

	errNegativeInitialDelay = errors.New("initial delay must be >= 0")
	errNonPositivePeriod    = errors.New("period must be > 0")
	errNonPositiveDelay     = errors.New("delay must be > 0")
)

const (
	// DefaultMaxTasksPerRun bounds how many pending tasks run per cycle so a
	// task flood cannot starve I/O.
	DefaultMaxTasksPerRun = 4096

	// DefaultQuietPeriod is how long the loop must stay idle during a
	// graceful shutdown before it terminates.
	DefaultQuietPeriod = 100 * time.Millisecond

	defaultEventsCap = 128
)

type Config struct {
	// Poller overrides the platform poller; mainly for tests.
	Poller         Poller
	MaxTasksPerRun int
	QuietPeriod    time.Duration
}

// EventLoop runs all I/O and task processing for its registered handles on a
// single goroutine pinned to an OS thread. Task submission is safe from any
// goroutine; everything else loop-owned is mutated only on the loop
// goroutine, with cross-goroutine calls marshaled as tasks.
type EventLoop struct {
	poller Poller
	tasks  taskQueue
	sched  *concurrent.ScheduledQueue

	handles   map[int]IOHandle
	interests map[int]IOEvent

	state          atomic.Int32
	gid            atomic.Int64
	maxTasksPerRun int
	quietPeriod    time.Duration

	shutdownNotified bool
	lastWorkNanos    int64

	termination *concurrent.Promise[struct{}]
}

func NewEventLoop(cfg Config) (*EventLoop, error) {
	p := cfg.Poller
	if p == nil {
		var err error
		p, err = openPoller()
		if err != nil {
			return nil, fmt.Errorf("open poller: %w", err)
		}
	}
	if cfg.MaxTasksPerRun <= 0 {
		cfg.MaxTasksPerRun = DefaultMaxTasksPerRun
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	l := &EventLoop{
		poller:         p,
		sched:          concurrent.NewScheduledQueue(),
		handles:        make(map[int]IOHandle),
		interests:      make(map[int]IOEvent),
		maxTasksPerRun: cfg.MaxTasksPerRun,
		quietPeriod:    cfg.QuietPeriod,
		termination:    concurrent.NewPromise[struct{}](),
	}
	l.gid.Store(-1)
	return l, nil
}

func (l *EventLoop) State() State { return State(l.state.Load()) }

// InEventLoop reports whether the caller is running on the loop goroutine.
func (l *EventLoop) InEventLoop() bool {
	return l.gid.Load() == goid()
}

// Terminated completes once the loop has fully terminated.
func (l *EventLoop) Terminated() *concurrent.Future[struct{}] {
	return l.termination.Future()
}

func (l *EventLoop) Start() error {
	if !l.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	go l.run()
	return nil
}

// Execute submits a task for execution on the loop goroutine, waking the
// poll if the loop may be blocked. Tasks submitted to the same loop execute
// in submission order.
func (l *EventLoop) Execute(f func()) error {
	return l.execute(f, true)
}

// ExecuteNonWakeup submits a task without interrupting the I/O poll. Used
// for routine internal work where the submitter knows the loop is not
// blocked (for example follow-up flush tasks submitted from the loop
// itself).
func (l *EventLoop) ExecuteNonWakeup(f func()) error {
	return l.execute(f, false)
}

func (l *EventLoop) execute(f func(), wakeup bool) error {
	if l.State() == StateTerminated {
		return ErrNotRunning
	}
	l.tasks.add(f)
	if wakeup && !l.InEventLoop() {
		if err := l.poller.Wakeup(); err != nil {
			log.Logger.Warn("failed to wake up event loop", zap.Error(err))
		}
	}
	return nil
}

// ScheduleOnce schedules a one-shot task. A negative delay is treated as
// zero.
func (l *EventLoop) ScheduleOnce(f func(), delay time.Duration) (*concurrent.ScheduledTask, error) {
	if delay < 0 {
		delay = 0
	}
	t := concurrent.NewScheduledTask(f,
		concurrent.DeadlineNanos(concurrent.NowNanos(), delay.Nanoseconds()), 0)
	return t, l.enqueueScheduled(t)
}

// ScheduleFixedRate schedules a task firing at a fixed rate: the Nth target
// deadline is initialDelay + N*period regardless of execution jitter.
func (l *EventLoop) ScheduleFixedRate(f func(), initialDelay, period time.Duration) (*concurrent.ScheduledTask, error) {
	if initialDelay < 0 {
		return nil, errNegativeInitialDelay
	}
	if period <= 0 {
		return nil, errNonPositivePeriod
	}
	t := concurrent.NewScheduledTask(f,
		concurrent.DeadlineNanos(concurrent.NowNanos(), initialDelay.Nanoseconds()), period.Nanoseconds())
	return t, l.enqueueScheduled(t)
}

// ScheduleFixedDelay schedules a task that re-fires a fixed delay after each
// completion.
func (l *EventLoop) ScheduleFixedDelay(f func(), initialDelay, delay time.Duration) (*concurrent.ScheduledTask, error) {
	if initialDelay < 0 {
		return nil, errNegativeInitialDelay
	}
	if delay <= 0 {
		return nil, errNonPositiveDelay
	}
	t := concurrent.NewScheduledTask(f,
		concurrent.DeadlineNanos(concurrent.NowNanos(), initialDelay.Nanoseconds()), -delay.Nanoseconds())
	return t, l.enqueueScheduled(t)
}

// enqueueScheduled puts the task into the loop-owned queue, marshaling when
// called from another goroutine.
func (l *EventLoop) enqueueScheduled(t *concurrent.ScheduledTask) error {
	if l.InEventLoop() {
		l.sched.Push(t)
		return nil
	}
	return l.Execute(func() { l.sched.Push(t) })
}

// Register registers a pollable handle with this loop. The returned future
// completes on the loop goroutine; a failed registration attempt fails the
// future and never crashes the loop.
func (l *EventLoop) Register(h IOHandle) *concurrent.Future[struct{}] {
	p := concurrent.NewPromise[struct{}]()
	l.submit(p, func() error { return l.register0(h) })
	return p.Future()
}

// Deregister removes a previously registered handle.
func (l *EventLoop) Deregister(h IOHandle) *concurrent.Future[struct{}] {
	p := concurrent.NewPromise[struct{}]()
	l.submit(p, func() error { return l.deregister0(h) })
	return p.Future()
}

func (l *EventLoop) submit(p *concurrent.Promise[struct{}], op func() error) {
	task := func() {
		if err := op(); err != nil {
			p.SetFailure(err)
			return
		}
		p.SetSuccess(struct{}{})
	}
	if l.InEventLoop() {
		task()
		return
	}
	if err := l.Execute(task); err != nil {
		p.SetFailure(err)
	}
}

func (l *EventLoop) register0(h IOHandle) error {
	fd := h.FD()
	if _, ok := l.handles[fd]; ok {
		return fmt.Errorf("%w: fd %d", ErrAlreadyRegistered, fd)
	}
	ops := h.InterestOps()
	if err := l.poller.Add(fd, ops); err != nil {
		return err
	}
	l.handles[fd] = h
	l.interests[fd] = ops
	return nil
}

func (l *EventLoop) deregister0(h IOHandle) error {
	fd := h.FD()
	if _, ok := l.handles[fd]; !ok {
		return fmt.Errorf("%w: fd %d", ErrNotRegistered, fd)
	}
	delete(l.handles, fd)
	delete(l.interests, fd)
	return l.poller.Delete(fd)
}

// SetInterest changes the readiness interest of a registered fd. Must be
// called on the loop goroutine; pumps use it to arm and clear write
// readiness.
func (l *EventLoop) SetInterest(fd int, ops IOEvent) error {
	cur, ok := l.interests[fd]
	if !ok {
		return fmt.Errorf("%w: fd %d", ErrNotRegistered, fd)
	}
	if cur == ops {
		return nil
	}
	if err := l.poller.Mod(fd, ops); err != nil {
		return err
	}
	l.interests[fd] = ops
	return nil
}

// Interest returns the current readiness interest of a registered fd.
func (l *EventLoop) Interest(fd int) IOEvent {
	return l.interests[fd]
}

// ShutdownGracefully asks the loop to stop: scheduled tasks are cancelled,
// handles get a chance to flush, queues are drained, and the loop terminates
// once it has been quiescent for the configured quiet period.
func (l *EventLoop) ShutdownGracefully() *concurrent.Future[struct{}] {
	if l.state.CompareAndSwap(int32(StateCreated), int32(StateTerminated)) {
		// The loop never ran, so nothing else will close the poller opened
		// at construction.
		if err := l.poller.Close(); err != nil {
			log.Logger.Warn("failed to close poller", zap.Error(err))
		}
		l.termination.SetSuccess(struct{}{})
		return l.termination.Future()
	}
	if l.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown)) {
		if !l.InEventLoop() {
			if err := l.poller.Wakeup(); err != nil {
				log.Logger.Warn("failed to wake up event loop for shutdown", zap.Error(err))
			}
		}
	}
	return l.termination.Future()
}

func (l *EventLoop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	l.gid.Store(goid())
	l.lastWorkNanos = concurrent.NowNanos()

	events := make([]PollEvent, defaultEventsCap)
	for {
		n, err := l.poller.Wait(events, l.pollTimeoutNanos())
		if err != nil {
			log.Logger.Error("poll failed", zap.Error(err))
			l.state.Store(int32(StateShuttingDown))
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if h, ok := l.handles[ev.FD]; ok {
				l.safeRun(func() { h.HandleEvent(ev.Events) })
			}
		}
		ran := l.runTasks(l.maxTasksPerRun)
		if n > 0 || ran > 0 {
			l.lastWorkNanos = concurrent.NowNanos()
		}
		if l.State() == StateShuttingDown && l.confirmShutdown() {
			break
		}
	}
	l.terminate()
}

// pollTimeoutNanos bounds the poll: zero when work is pending, the time to
// the next scheduled deadline otherwise, indefinite when there is none.
// During shutdown the loop never blocks so the quiet period keeps elapsing.
func (l *EventLoop) pollTimeoutNanos() int64 {
	if !l.tasks.empty() {
		return 0
	}
	now := concurrent.NowNanos()
	if l.sched.HasReady(now) {
		return 0
	}
	if l.State() == StateShuttingDown {
		return int64(time.Millisecond)
	}
	return l.sched.NextDelayNanos(now)
}

func (l *EventLoop) runTasks(max int) int {
	ran := 0
	for ran < max {
		if t := l.sched.PollReady(concurrent.NowNanos()); t != nil {
			l.safeRun(func() {
				if t.Fire(concurrent.NowNanos) {
					l.sched.Push(t)
				}
			})
			ran++
			continue
		}
		f := l.tasks.poll()
		if f == nil {
			break
		}
		l.safeRun(f)
		ran++
	}
	return ran
}

// safeRun isolates user-code panics: one failing task or callback must not
// take the loop down.
func (l *EventLoop) safeRun(f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error("task panicked on event loop", zap.Any("panic", r))
		}
	}()
	f()
}

func (l *EventLoop) confirmShutdown() bool {
	if !l.shutdownNotified {
		l.shutdownNotified = true
		for _, h := range l.handles {
			h := h
			l.safeRun(h.PrepareShutdown)
		}
		// Give deregistration tasks submitted by the handles a cycle to run.
		return false
	}
	l.sched.CancelAll()
	if !l.tasks.empty() {
		return false
	}
	if concurrent.NowNanos()-l.lastWorkNanos < l.quietPeriod.Nanoseconds() {
		return false
	}
	return true
}

func (l *EventLoop) terminate() {
	// Handles that never deregistered are forcibly detached.
	for fd := range l.handles {
		if err := l.poller.Delete(fd); err != nil {
			log.Logger.Warn("failed to detach handle at termination",
				zap.Int("fd", fd), zap.Error(err))
		}
		delete(l.handles, fd)
		delete(l.interests, fd)
	}
	for f := l.tasks.poll(); f != nil; f = l.tasks.poll() {
		l.safeRun(f)
	}
	if err := l.poller.Close(); err != nil {
		log.Logger.Warn("failed to close poller", zap.Error(err))
	}
	l.state.Store(int32(StateTerminated))
	l.termination.SetSuccess(struct{}{})
	log.Logger.Info("event loop terminated")
}
