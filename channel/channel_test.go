package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/fzft/go-netloop/buffer"
	"github.com/fzft/go-netloop/concurrent"
	"github.com/fzft/go-netloop/loop"
	"github.com/stretchr/testify/assert"
)

// fakePoller satisfies loop.Poller without touching the OS. Wait blocks on
// the wakeup channel so loops run their task queues without busy-spinning.
type fakePoller struct {
	mu   sync.Mutex
	ops  map[int]loop.IOEvent
	wake chan struct{}
}

func newFakePoller() *fakePoller {
	return &fakePoller{ops: make(map[int]loop.IOEvent), wake: make(chan struct{}, 1)}
}

func (p *fakePoller) Add(fd int, events loop.IOEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops[fd] = events
	return nil
}

func (p *fakePoller) Mod(fd int, events loop.IOEvent) error {
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

func (p *fakePoller) Wait(events []loop.PollEvent, timeoutNanos int64) (int, error) {
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
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakePoller) Close() error { return nil }

func newTestLoop(t *testing.T) *loop.EventLoop {
	t.Helper()
	l, err := loop.NewEventLoop(loop.Config{Poller: newFakePoller(), QuietPeriod: time.Millisecond})
	assert.NoError(t, err)
	assert.NoError(t, l.Start())
	t.Cleanup(func() {
		awaitFuture(t, l.ShutdownGracefully())
	})
	return l
}

func runOnLoop(t *testing.T, l *loop.EventLoop, f func()) {
	t.Helper()
	done := make(chan struct{})
	assert.NoError(t, l.Execute(func() {
		f()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("loop task timed out")
	}
}

func awaitFuture(t *testing.T, f *concurrent.Future[struct{}]) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("future timed out")
	}
}

func registerAndWait(t *testing.T, ch Channel) {
	t.Helper()
	f := ch.Register()
	awaitFuture(t, f)
	assert.True(t, f.IsSuccess(), "registration should succeed")
}

// recordingHandler captures pump events. Byte buffers are copied out and
// released so ownership rules hold during tests.
type recordingHandler struct {
	BaseHandler

	mu            sync.Mutex
	reads         [][]byte
	msgs          []any
	readCompletes int
	errs          []error
	active        int
	inactive      int
	shutdowns     []ShutdownDirection
}

func (h *recordingHandler) ChannelActive(Channel)   { h.mu.Lock(); h.active++; h.mu.Unlock() }
func (h *recordingHandler) ChannelInactive(Channel) { h.mu.Lock(); h.inactive++; h.mu.Unlock() }

func (h *recordingHandler) ChannelRead(c Channel, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if buf, ok := msg.(*buffer.Buffer); ok {
		data := make([]byte, buf.ReadableBytes())
		copy(data, buf.Bytes())
		h.reads = append(h.reads, data)
		buf.Release()
		return
	}
	h.msgs = append(h.msgs, msg)
}

func (h *recordingHandler) ChannelReadComplete(Channel) {
	h.mu.Lock()
	h.readCompletes++
	h.mu.Unlock()
}

func (h *recordingHandler) ExceptionCaught(c Channel, err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recordingHandler) ChannelShutdown(c Channel, dir ShutdownDirection) {
	h.mu.Lock()
	h.shutdowns = append(h.shutdowns, dir)
	h.mu.Unlock()
}

func (h *recordingHandler) readSizes() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	sizes := make([]int, len(h.reads))
	for i, r := range h.reads {
		sizes[i] = len(r)
	}
	return sizes
}

func (h *recordingHandler) readCompleteCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readCompletes
}

func (h *recordingHandler) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *recordingHandler) shutdownDirs() []ShutdownDirection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ShutdownDirection(nil), h.shutdowns...)
}

func (h *recordingHandler) messages() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.msgs...)
}
