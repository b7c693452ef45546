package channel

import (
	"errors"
	"io"
	"testing"

	"github.com/fzft/go-netloop/loop"
	"github.com/stretchr/testify/assert"
)

// msgResult is one scripted outcome of fakeMessageTransport.ReadMessage.
type msgResult struct {
	msg  any
	size int
	err  error
}

// writeOutcome scripts one WriteMessage call; the zero value accepts the
// message.
type writeOutcome struct {
	full bool
	err  error
}

type fakeMessageTransport struct {
	fd      int
	inbound []msgResult

	writeScript []writeOutcome
	written     []any

	closed bool
}

func (f *fakeMessageTransport) FD() int { return f.fd }

func (f *fakeMessageTransport) ReadMessage(int) (any, int, error) {
	if len(f.inbound) == 0 {
		return nil, 0, ErrWouldBlock
	}
	r := f.inbound[0]
	f.inbound = f.inbound[1:]
	return r.msg, r.size, r.err
}

func (f *fakeMessageTransport) WriteMessage(msg any) (bool, error) {
	var out writeOutcome
	if len(f.writeScript) > 0 {
		out = f.writeScript[0]
		f.writeScript = f.writeScript[1:]
	}
	if out.err != nil {
		return false, out.err
	}
	if out.full {
		return false, nil
	}
	f.written = append(f.written, msg)
	return true, nil
}

func (f *fakeMessageTransport) Close() error {
	f.closed = true
	return nil
}

func messageFixture(t *testing.T, tr *fakeMessageTransport, policy MessagePolicy) (*MessageChannel, *recordingHandler, *loop.EventLoop) {
	t.Helper()
	l := newTestLoop(t)
	ch := NewMessageChannel(nil, l, tr, nil, policy)
	h := &recordingHandler{}
	ch.Pipeline().AddLast(h)
	return ch, h, l
}

func TestMessageReadDispatchesInArrivalOrder(t *testing.T) {
	tr := &fakeMessageTransport{fd: 5, inbound: []msgResult{
		{msg: "a", size: 1},
		{msg: "b", size: 1},
		{msg: "c", size: 1},
	}}
	ch, h, l := messageFixture(t, tr, MessagePolicy{AlwaysContinueReading: true})
	registerAndWait(t, ch)

	runOnLoop(t, l, func() { ch.HandleEvent(loop.EventRead) })

	assert.Equal(t, []any{"a", "b", "c"}, h.messages())
	assert.Equal(t, 1, h.readCompleteCount(), "One read-complete per cycle, not per message")
	assert.True(t, ch.IsOpen(), "A drained socket is not end-of-stream")
}

func TestMessageEOFClosesChannel(t *testing.T) {
	tr := &fakeMessageTransport{fd: 5, inbound: []msgResult{
		{msg: "last", size: 4},
		{err: io.EOF},
	}}
	ch, h, l := messageFixture(t, tr, MessagePolicy{AlwaysContinueReading: true})
	registerAndWait(t, ch)

	runOnLoop(t, l, func() { ch.HandleEvent(loop.EventRead) })

	assert.Equal(t, []any{"last"}, h.messages(), "Messages before EOF still get dispatched")
	assert.False(t, ch.IsOpen())
	assert.True(t, tr.closed)
}

func TestMessageReadErrorClassification(t *testing.T) {
	cause := errors.New("transient peer error")
	tr := &fakeMessageTransport{fd: 5, inbound: []msgResult{{err: cause}}}
	ch, h, l := messageFixture(t, tr, MessagePolicy{
		CloseOnReadError: func(error) bool { return false },
	})
	registerAndWait(t, ch)

	runOnLoop(t, l, func() { ch.HandleEvent(loop.EventRead) })

	assert.Equal(t, []error{cause}, h.errors())
	assert.True(t, ch.IsOpen(), "The policy kept the channel alive through the failure")
}

func TestMessageReadErrorClosesByDefault(t *testing.T) {
	cause := errors.New("fatal")
	tr := &fakeMessageTransport{fd: 5, inbound: []msgResult{{err: cause}}}
	ch, h, l := messageFixture(t, tr, MessagePolicy{})
	registerAndWait(t, ch)

	runOnLoop(t, l, func() { ch.HandleEvent(loop.EventRead) })

	assert.Equal(t, []error{cause}, h.errors())
	assert.False(t, ch.IsOpen())
}

func TestMessageContinueOnWriteError(t *testing.T) {
	cause := errors.New("peer unreachable")
	tr := &fakeMessageTransport{fd: 5, writeScript: []writeOutcome{{err: cause}}}
	ch, _, l := messageFixture(t, tr, MessagePolicy{ContinueOnWriteError: true})
	registerAndWait(t, ch)

	f1 := ch.Write("first")
	f2 := ch.Write("second")
	ch.Flush()

	awaitFuture(t, f1)
	awaitFuture(t, f2)
	assert.True(t, f1.IsFailed(), "The failing message fails alone")
	assert.Equal(t, cause, f1.Cause())
	assert.True(t, f2.IsSuccess(), "The batch keeps draining past the failure")
	assert.True(t, ch.IsOpen())

	runOnLoop(t, l, func() {})
	assert.Equal(t, []any{"second"}, tr.written)
}

func TestMessageWriteErrorClosesWithoutPolicy(t *testing.T) {
	cause := errors.New("send failed")
	tr := &fakeMessageTransport{fd: 5, writeScript: []writeOutcome{{err: cause}}}
	ch, h, l := messageFixture(t, tr, MessagePolicy{})
	registerAndWait(t, ch)

	f := ch.WriteAndFlush("doomed")
	awaitFuture(t, f)
	assert.True(t, f.IsFailed())

	runOnLoop(t, l, func() {})
	assert.Equal(t, []error{cause}, h.errors())
	assert.False(t, ch.IsOpen())
}

func TestMessageFullSendBufferArmsWriteInterest(t *testing.T) {
	tr := &fakeMessageTransport{fd: 5, writeScript: []writeOutcome{
		// The spin budget retries the same message within one flush.
		{full: true}, {full: true}, {full: true}, {full: true},
		{full: true}, {full: true}, {full: true}, {full: true},
		{full: true}, {full: true}, {full: true}, {full: true},
		{full: true}, {full: true}, {full: true}, {full: true},
	}}
	ch, _, l := messageFixture(t, tr, MessagePolicy{})
	registerAndWait(t, ch)

	f := ch.WriteAndFlush("stuck")
	var interest loop.IOEvent
	runOnLoop(t, l, func() { interest = l.Interest(tr.fd) })
	assert.NotZero(t, interest&loop.EventWrite)
	assert.False(t, f.IsDone())

	runOnLoop(t, l, func() { ch.HandleEvent(loop.EventWrite) })
	awaitFuture(t, f)
	assert.True(t, f.IsSuccess())
	runOnLoop(t, l, func() { interest = l.Interest(tr.fd) })
	assert.Zero(t, interest&loop.EventWrite)
}

func TestMessageMaxMessagesPerWriteBoundsFlush(t *testing.T) {
	tr := &fakeMessageTransport{fd: 5}
	ch, _, l := messageFixture(t, tr, MessagePolicy{})
	assert.NoError(t, ch.SetOption(OptionMaxMessagesPerWrite, 1))
	registerAndWait(t, ch)

	f1 := ch.Write("one")
	f2 := ch.Write("two")
	ch.Flush()
	awaitFuture(t, f1)
	assert.False(t, f2.IsDone(), "The per-flush budget leaves the second message queued")

	runOnLoop(t, l, func() { ch.HandleEvent(loop.EventWrite) })
	awaitFuture(t, f2)
	assert.Equal(t, []any{"one", "two"}, tr.written)
}

func TestMessageOutboundFilterRejects(t *testing.T) {
	bad := errors.New("wrong message kind")
	tr := &fakeMessageTransport{fd: 5}
	ch, _, _ := messageFixture(t, tr, MessagePolicy{
		FilterOutbound: func(msg any) error {
			if _, ok := msg.(string); !ok {
				return bad
			}
			return nil
		},
	})
	registerAndWait(t, ch)

	f := ch.Write(42)
	assert.True(t, f.IsFailed())
	assert.ErrorIs(t, f.Cause(), bad)

	ok := ch.Write("fine")
	assert.False(t, ok.IsFailed())
}

func TestMessageHalfCloseUnsupported(t *testing.T) {
	tr := &fakeMessageTransport{fd: 5}
	ch, _, _ := messageFixture(t, tr, MessagePolicy{})
	assert.ErrorIs(t, ch.transportShutdown(Inbound), errHalfCloseUnsupported)
}
