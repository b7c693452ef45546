package channel

import (
	"errors"
	"io"

	"github.com/fzft/go-netloop/buffer"
	"github.com/fzft/go-netloop/loop"
)

var errHalfCloseUnsupported = errors.New("half-close not supported on message channels")

// MessageTransport is the platform primitive set of a message-oriented
// channel (datagram sockets, listening sockets).
//
// ReadMessage returns one inbound message and its byte size (listening
// channels report an accepted connection with size 1); sizeHint is the
// receive-policy budget for this read. It returns ErrWouldBlock when nothing
// is pending and io.EOF when the input is terminally exhausted.
// WriteMessage reports done=false with a nil error when the send buffer
// accepts nothing.
type MessageTransport interface {
	FD() int
	ReadMessage(sizeHint int) (msg any, size int, err error)
	WriteMessage(msg any) (done bool, err error)
	Close() error
}

// MessagePolicy is the per-channel-kind policy hook set.
type MessagePolicy struct {
	// AlwaysContinueReading installs the always-true continuation predicate:
	// a short datagram says nothing about follow-up datagrams.
	AlwaysContinueReading bool

	// CloseOnReadError classifies a read failure; nil closes on every
	// failure. Listening channels return false for generic I/O errors so
	// they keep accepting; datagram channels return false for
	// address-unreachable errors.
	CloseOnReadError func(err error) bool

	// ContinueOnWriteError keeps draining the batch past an individual
	// message failure (datagram channels tolerate unreachable peers).
	ContinueOnWriteError bool

	// FilterOutbound validates outbound messages; nil accepts anything.
	FilterOutbound func(msg any) error
}

// MessageChannel runs the message-oriented read and write pumps over a
// MessageTransport.
type MessageChannel struct {
	core
	tr      MessageTransport
	policy  MessagePolicy
	readBuf []any
}

func NewMessageChannel(parent Channel, l *loop.EventLoop, tr MessageTransport, alloc buffer.Allocator, policy MessagePolicy) *MessageChannel {
	c := &MessageChannel{tr: tr, policy: policy}
	c.init(parent, l, c, c, alloc)
	if policy.AlwaysContinueReading {
		c.recvHandle.SetMoreDataPredicate(func(*RecvHandle) bool { return true })
	}
	return c
}

func (c *MessageChannel) Transport() MessageTransport { return c.tr }

func (c *MessageChannel) FD() int { return c.tr.FD() }

func (c *MessageChannel) InterestOps() loop.IOEvent { return loop.EventRead }

func (c *MessageChannel) HandleEvent(events loop.IOEvent) {
	if events&loop.EventWrite != 0 && !c.closed {
		c.flushNow()
	}
	if events&loop.EventRead != 0 && !c.closed {
		c.readNow()
	}
}

func (c *MessageChannel) PrepareShutdown() {
	c.flushNow()
	c.close0()
}

func (c *MessageChannel) transportClose() error { return c.tr.Close() }

func (c *MessageChannel) transportShutdown(ShutdownDirection) error {
	return errHalfCloseUnsupported
}

func (c *MessageChannel) filterOutbound(msg any) error {
	if c.policy.FilterOutbound != nil {
		return c.policy.FilterOutbound(msg)
	}
	return nil
}

func (c *MessageChannel) closeOnReadError(err error) bool {
	if !c.active {
		return true
	}
	if c.policy.CloseOnReadError != nil {
		return c.policy.CloseOnReadError(err)
	}
	return true
}

// readNow accumulates zero or more discrete messages, dispatches them in
// arrival order, then fires read-complete exactly once.
func (c *MessageChannel) readNow() {
	if c.inboundShutdown {
		c.readPending = false
		c.completeReadCycle()
		return
	}
	h := c.recvHandle
	h.Reset()

	eof := false
	var readErr error
	for {
		h.AttemptedBytesRead(h.Guess())
		msg, size, err := c.tr.ReadMessage(h.Guess())
		if err == ErrWouldBlock {
			// A zero-length result stops the loop without marking EOF.
			break
		}
		if err == io.EOF {
			eof = true
			break
		}
		if err != nil {
			readErr = err
			break
		}
		c.readBuf = append(c.readBuf, msg)
		h.LastBytesRead(size)
		h.IncMessagesRead(1)
		if !h.ContinueReading() || c.inboundShutdown {
			break
		}
	}

	for _, msg := range c.readBuf {
		c.readPending = false
		c.pipeline.FireChannelRead(msg)
	}
	c.readBuf = c.readBuf[:0]
	c.pipeline.FireChannelReadComplete()

	if readErr != nil {
		if c.closeOnReadError(readErr) {
			eof = true
		}
		c.pipeline.FireExceptionCaught(readErr)
	}

	if eof {
		c.inboundShutdown = true
		c.readPending = false
		if !c.closed {
			c.close0()
		}
	} else {
		c.readIfAutoRead()
	}
	c.completeReadCycle()
}

// flushNow drains the outbound queue bounded by both the per-flush message
// budget and the per-message spin count.
func (c *MessageChannel) flushNow() {
	maxMessages := int(c.maxMessagesPerWrite.Load())
	for maxMessages > 0 {
		w := c.out.Current()
		if w == nil {
			break
		}
		done := false
		var writeErr error
		for i := int(c.writeSpinCount.Load()); i > 0; i-- {
			ok, err := c.tr.WriteMessage(w.Msg())
			if err != nil {
				writeErr = err
				break
			}
			if ok {
				done = true
				break
			}
		}
		if writeErr != nil {
			if c.policy.ContinueOnWriteError {
				maxMessages--
				c.out.RemoveWithError(writeErr)
				continue
			}
			c.out.RemoveWithError(writeErr)
			c.pipeline.FireExceptionCaught(writeErr)
			c.close0()
			return
		}
		if !done {
			// Send buffer full.
			break
		}
		maxMessages--
		releaseMsg(w.Msg())
		c.out.Remove()
	}
	if c.out.IsEmpty() {
		c.clearWriteInterest()
	} else {
		c.setWriteInterest()
	}
}
