package loop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakePoller satisfies Poller without touching the OS. Wait blocks on the
// wakeup channel so the loop parks instead of busy-spinning.
type fakePoller struct {
	mu   sync.Mutex
	ops  map[int]IOEvent
	wake chan struct{}

	wakeups atomic.Int64
	closed  atomic.Bool
}

func newFakePoller() *fakePoller {
	return &fakePoller{ops: make(map[int]IOEvent), wake: make(chan struct{}, 1)}
}

func (p *fakePoller) Add(fd int, events IOEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops[fd] = events
	return nil
}

func (p *fakePoller) Mod(fd int, events IOEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops[fd] = events
	return nil
}

func (p *fakePoller) Delete(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ops, fd)
	return nil
}

func (p *fakePoller) Wait(events []PollEvent, timeoutNanos int64) (int, error) {
	if timeoutNanos == 0 {
		return 0, nil
	}
	if timeoutNanos < 0 {
		<-p.wake
		return 0, nil
	}
	select {
	case <-p.wake:
	case <-time.After(time.Duration(timeoutNanos)):
	}
	return 0, nil
}

func (p *fakePoller) Wakeup() error {
	p.wakeups.Add(1)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakePoller) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakePoller) interest(fd int) (IOEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.ops[fd]
	return ev, ok
}

type stubHandle struct {
	fd       int
	prepared atomic.Bool
}

func (h *stubHandle) FD() int              { return h.fd }
func (h *stubHandle) InterestOps() IOEvent { return EventRead }
func (h *stubHandle) HandleEvent(IOEvent)  {}
func (h *stubHandle) PrepareShutdown()     { h.prepared.Store(true) }

func startTestLoop(t *testing.T) (*EventLoop, *fakePoller) {
	t.Helper()
	p := newFakePoller()
	l, err := NewEventLoop(Config{Poller: p, QuietPeriod: time.Millisecond})
	assert.NoError(t, err)
	assert.NoError(t, l.Start())
	t.Cleanup(func() {
		select {
		case <-l.ShutdownGracefully().Done():
		case <-time.After(3 * time.Second):
			t.Error("loop did not terminate")
		}
	})
	return l, p
}

func sync0(t *testing.T, l *EventLoop) {
	t.Helper()
	done := make(chan struct{})
	assert.NoError(t, l.Execute(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop task timed out")
	}
}

func TestExecuteRunsInSubmissionOrder(t *testing.T) {
	l, _ := startTestLoop(t)

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		assert.NoError(t, l.Execute(func() { order = append(order, i) }))
	}
	sync0(t, l)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestExecuteBeforeStartQueues(t *testing.T) {
	p := newFakePoller()
	l, err := NewEventLoop(Config{Poller: p, QuietPeriod: time.Millisecond})
	assert.NoError(t, err)

	ran := make(chan struct{})
	assert.NoError(t, l.Execute(func() { close(ran) }), "Tasks may queue before the loop starts")

	assert.NoError(t, l.Start())
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("queued task never ran")
	}
	<-l.ShutdownGracefully().Done()
}

func TestStartTwiceFails(t *testing.T) {
	l, _ := startTestLoop(t)
	assert.ErrorIs(t, l.Start(), ErrAlreadyStarted)
}

func TestInEventLoop(t *testing.T) {
	l, _ := startTestLoop(t)
	assert.False(t, l.InEventLoop())

	var inside bool
	sync0(t, l) // make sure the loop goroutine is up
	done := make(chan struct{})
	assert.NoError(t, l.Execute(func() {
		inside = l.InEventLoop()
		close(done)
	}))
	<-done
	assert.True(t, inside)
}

func TestExecuteNonWakeupDoesNotInterruptPoll(t *testing.T) {
	l, p := startTestLoop(t)
	sync0(t, l) // park the loop in the poll

	before := p.wakeups.Load()
	ran := atomic.Bool{}
	assert.NoError(t, l.ExecuteNonWakeup(func() { ran.Store(true) }))
	assert.Equal(t, before, p.wakeups.Load(), "Non-wakeup submission must not touch the poller")

	// A regular submission wakes the loop, which then drains both tasks.
	sync0(t, l)
	assert.True(t, ran.Load())
	assert.Greater(t, p.wakeups.Load(), before)
}

func TestScheduleOnceFires(t *testing.T) {
	l, _ := startTestLoop(t)

	task, err := l.ScheduleOnce(func() {}, 0)
	assert.NoError(t, err)
	select {
	case <-task.Future().Done():
	case <-time.After(3 * time.Second):
		t.Fatal("zero-delay task never fired")
	}
	assert.True(t, task.Future().IsSuccess())
}

func TestScheduleOnceNegativeDelayClampsToZero(t *testing.T) {
	l, _ := startTestLoop(t)

	task, err := l.ScheduleOnce(func() {}, -time.Hour)
	assert.NoError(t, err)
	select {
	case <-task.Future().Done():
	case <-time.After(3 * time.Second):
		t.Fatal("negative-delay task never fired")
	}
}

func TestScheduleValidation(t *testing.T) {
	l, _ := startTestLoop(t)

	_, err := l.ScheduleFixedRate(func() {}, -time.Second, time.Second)
	assert.Error(t, err)
	_, err = l.ScheduleFixedRate(func() {}, 0, 0)
	assert.Error(t, err)
	_, err = l.ScheduleFixedDelay(func() {}, -time.Second, time.Second)
	assert.Error(t, err)
	_, err = l.ScheduleFixedDelay(func() {}, 0, 0)
	assert.Error(t, err)
}

func TestFixedRateFiresUntilCancelled(t *testing.T) {
	l, _ := startTestLoop(t)

	var fired atomic.Int64
	task, err := l.ScheduleFixedRate(func() { fired.Add(1) }, 0, 2*time.Millisecond)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool { return fired.Load() >= 3 },
		3*time.Second, time.Millisecond)

	task.Cancel()
	assert.True(t, task.Future().IsCancelled())
	sync0(t, l)
	settled := fired.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, fired.Load(), "A cancelled periodic task stops firing")
}

func TestCancelBeforeDeadlinePreventsRun(t *testing.T) {
	l, _ := startTestLoop(t)

	var ran atomic.Bool
	task, err := l.ScheduleOnce(func() { ran.Store(true) }, 20*time.Millisecond)
	assert.NoError(t, err)
	task.Cancel()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.True(t, task.Future().IsCancelled())
}

func TestRegisterAndDeregister(t *testing.T) {
	l, p := startTestLoop(t)
	h := &stubHandle{fd: 7}

	f := l.Register(h)
	<-f.Done()
	assert.True(t, f.IsSuccess())
	ev, ok := p.interest(7)
	assert.True(t, ok)
	assert.Equal(t, EventRead, ev)

	dup := l.Register(h)
	<-dup.Done()
	assert.ErrorIs(t, dup.Cause(), ErrAlreadyRegistered)

	d := l.Deregister(h)
	<-d.Done()
	assert.True(t, d.IsSuccess())
	_, ok = p.interest(7)
	assert.False(t, ok)

	again := l.Deregister(h)
	<-again.Done()
	assert.ErrorIs(t, again.Cause(), ErrNotRegistered)
}

func TestSetInterestRequiresRegistration(t *testing.T) {
	l, p := startTestLoop(t)
	h := &stubHandle{fd: 9}
	<-l.Register(h).Done()

	var err error
	done := make(chan struct{})
	assert.NoError(t, l.Execute(func() {
		err = l.SetInterest(9, EventRead|EventWrite)
		close(done)
	}))
	<-done
	assert.NoError(t, err)
	ev, _ := p.interest(9)
	assert.Equal(t, EventRead|EventWrite, ev)

	done = make(chan struct{})
	assert.NoError(t, l.Execute(func() {
		err = l.SetInterest(1234, EventRead)
		close(done)
	}))
	<-done
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestShutdownBeforeStartTerminatesImmediately(t *testing.T) {
	p := newFakePoller()
	l, err := NewEventLoop(Config{Poller: p})
	assert.NoError(t, err)

	f := l.ShutdownGracefully()
	assert.True(t, f.IsSuccess())
	assert.True(t, p.closed.Load(), "A never-started loop still owns its poller")
}

func TestGracefulShutdown(t *testing.T) {
	p := newFakePoller()
	l, err := NewEventLoop(Config{Poller: p, QuietPeriod: time.Millisecond})
	assert.NoError(t, err)
	assert.NoError(t, l.Start())

	h := &stubHandle{fd: 7}
	<-l.Register(h).Done()
	pending, err := l.ScheduleOnce(func() {}, time.Hour)
	assert.NoError(t, err)

	f := l.ShutdownGracefully()
	select {
	case <-f.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not terminate")
	}
	assert.Equal(t, StateTerminated, l.State())
	assert.True(t, h.prepared.Load(), "Handles are told to prepare for shutdown")
	assert.True(t, pending.Future().IsCancelled(), "Outstanding scheduled tasks are cancelled")

	assert.ErrorIs(t, l.Execute(func() {}), ErrNotRunning)
}

func TestGroupRejectsSharedPoller(t *testing.T) {
	_, err := NewGroup(2, Config{Poller: newFakePoller()})
	assert.ErrorIs(t, err, errSharedPoller)

	g, err := NewGroup(1, Config{Poller: newFakePoller(), QuietPeriod: time.Millisecond})
	assert.NoError(t, err, "A single loop may own an injected poller")
	select {
	case <-g.ShutdownGracefully().Done():
	case <-time.After(3 * time.Second):
		t.Fatal("group did not terminate")
	}
}

func TestGroupRoundRobinAndShutdown(t *testing.T) {
	g, err := NewGroup(3, Config{Poller: nil, QuietPeriod: time.Millisecond})
	if err != nil {
		t.Skipf("platform poller unavailable: %v", err)
	}
	assert.Len(t, g.Loops(), 3)

	seen := map[*EventLoop]int{}
	for i := 0; i < 9; i++ {
		seen[g.Next()]++
	}
	assert.Len(t, seen, 3, "Round-robin touches every loop")
	for _, n := range seen {
		assert.Equal(t, 3, n)
	}

	f := g.ShutdownGracefully()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("group did not terminate")
	}
}
