package channel

import (
	"io"
	"math"

	"github.com/fzft/go-netloop/buffer"
	"github.com/fzft/go-netloop/loop"
)

// writeStatusSndbufFull is the spin-budget cost of a write attempt that made
// no progress: it forces the flush loop to stop and arm write readiness.
const writeStatusSndbufFull = math.MaxInt32

// ByteTransport is the platform primitive set of a byte-stream channel.
//
// ReadBytes fills p and returns the byte count; it returns ErrWouldBlock
// when no data is available and io.EOF (with n == 0) at end-of-stream.
// WriteBytes and SendFile return ErrWouldBlock when the send buffer accepts
// nothing.
type ByteTransport interface {
	FD() int
	ReadBytes(p []byte) (int, error)
	WriteBytes(p []byte) (int, error)
	SendFile(r *buffer.FileRegion) (int64, error)
	Shutdown(dir ShutdownDirection) error
	Close() error
}

// StreamChannel runs the byte-stream read and write pumps over a
// ByteTransport.
type StreamChannel struct {
	core
	tr ByteTransport
}

func NewStreamChannel(parent Channel, l *loop.EventLoop, tr ByteTransport, alloc buffer.Allocator) *StreamChannel {
	c := &StreamChannel{tr: tr}
	c.init(parent, l, c, c, alloc)
	return c
}

// Transport exposes the underlying transport, mainly for tests and
// transports layered on top.
func (c *StreamChannel) Transport() ByteTransport { return c.tr }

func (c *StreamChannel) FD() int { return c.tr.FD() }

func (c *StreamChannel) InterestOps() loop.IOEvent { return loop.EventRead }

func (c *StreamChannel) HandleEvent(events loop.IOEvent) {
	if events&loop.EventWrite != 0 && !c.closed {
		c.flushNow()
	}
	if events&loop.EventRead != 0 && !c.closed {
		c.readNow()
	}
}

func (c *StreamChannel) PrepareShutdown() {
	c.flushNow()
	c.close0()
}

func (c *StreamChannel) transportClose() error { return c.tr.Close() }

func (c *StreamChannel) transportShutdown(dir ShutdownDirection) error {
	return c.tr.Shutdown(dir)
}

func (c *StreamChannel) filterOutbound(msg any) error {
	switch msg.(type) {
	case *buffer.Buffer, *buffer.FileRegion:
		return nil
	default:
		return ErrUnsupportedMessage
	}
}

func (c *StreamChannel) shouldBreakReadReady() bool {
	return c.inboundShutdown && (c.inputClosedSeenErrorOnRead || !c.allowHalfClosure.Load())
}

// closeOnRead converts end-of-stream into a lifecycle transition: a
// half-close when permitted, a full close otherwise.
func (c *StreamChannel) closeOnRead() {
	if !c.inboundShutdown {
		if c.allowHalfClosure.Load() {
			c.shutdownInbound()
		} else {
			c.close0()
		}
		return
	}
	c.inputClosedSeenErrorOnRead = true
}

// readNow is one byte-stream read cycle: allocate by Guess, read, dispatch,
// repeat while the policy allows, then fire read-complete exactly once.
func (c *StreamChannel) readNow() {
	if c.shouldBreakReadReady() {
		c.readPending = false
		c.completeReadCycle()
		return
	}
	h := c.recvHandle
	h.Reset()

	var buf *buffer.Buffer
	eof := false
	var readErr error
	for {
		buf = c.alloc.Allocate(h.Guess())
		p := buf.WritableSlice()
		h.AttemptedBytesRead(len(p))
		n, err := c.tr.ReadBytes(p)
		if n > 0 {
			// Data that arrived alongside an error still gets dispatched.
			buf.WrittenTo(n)
			h.LastBytesRead(n)
		}
		if err != nil && err != io.EOF && err != ErrWouldBlock {
			readErr = err
			break
		}
		if n <= 0 {
			// Nothing was read; release the buffer.
			if err == io.EOF {
				h.LastBytesRead(-1)
				eof = true
				c.readPending = false
			} else {
				h.LastBytesRead(0)
			}
			buf.Release()
			buf = nil
			break
		}
		h.IncMessagesRead(1)
		c.readPending = false
		c.pipeline.FireChannelRead(buf)
		buf = nil
		if !h.ContinueReading() || c.inboundShutdown {
			break
		}
	}

	if readErr != nil {
		c.handleReadError(buf, readErr)
		c.completeReadCycle()
		return
	}
	c.pipeline.FireChannelReadComplete()
	if eof {
		c.closeOnRead()
	} else {
		c.readIfAutoRead()
	}
	c.completeReadCycle()
}

// handleReadError dispatches a partially filled buffer before reporting the
// failure, fires the error event exactly once, and forces a close for
// unrecoverable causes.
func (c *StreamChannel) handleReadError(buf *buffer.Buffer, cause error) {
	if buf != nil {
		if buf.ReadableBytes() > 0 {
			c.readPending = false
			c.pipeline.FireChannelRead(buf)
		} else {
			buf.Release()
		}
	}
	c.pipeline.FireChannelReadComplete()
	c.pipeline.FireExceptionCaught(cause)
	if unrecoverable(cause) {
		c.closeOnRead()
	} else {
		c.readIfAutoRead()
	}
}

// flushNow drains the outbound queue within the write-spin budget.
func (c *StreamChannel) flushNow() {
	spin := int(c.writeSpinCount.Load())
	for {
		w := c.out.Current()
		if w == nil {
			// Wrote all pending data; stop watching for write readiness.
			c.clearWriteInterest()
			return
		}
		res, err := c.doWriteInternal(w)
		if err != nil {
			c.handleWriteError(err)
			return
		}
		spin -= res
		if spin <= 0 {
			break
		}
	}
	c.incompleteWrite(spin < 0)
}

// doWriteInternal writes as much of one entry as the platform accepts.
// Returns the spin cost: 0 for an empty entry, 1 for a productive write,
// writeStatusSndbufFull for a zero-progress attempt.
func (c *StreamChannel) doWriteInternal(w *PendingWrite) (int, error) {
	switch m := w.Msg().(type) {
	case *buffer.Buffer:
		if m.ReadableBytes() == 0 {
			m.Release()
			c.out.Remove()
			return 0, nil
		}
		n, err := c.tr.WriteBytes(m.Bytes())
		if err == ErrWouldBlock || (err == nil && n == 0) {
			return writeStatusSndbufFull, nil
		}
		if err != nil {
			return 0, err
		}
		m.Skip(n)
		c.out.Progress(int64(n))
		if m.ReadableBytes() == 0 {
			m.Release()
			c.out.Remove()
		}
		return 1, nil
	case *buffer.FileRegion:
		if m.Transferred() >= m.Count {
			c.out.Remove()
			return 0, nil
		}
		n, err := c.tr.SendFile(m)
		if err == ErrWouldBlock || (err == nil && n == 0) {
			return writeStatusSndbufFull, nil
		}
		if err != nil {
			return 0, err
		}
		m.Progress(n)
		c.out.Progress(n)
		if m.Transferred() >= m.Count {
			c.out.Remove()
		}
		return 1, nil
	default:
		return 0, ErrUnsupportedMessage
	}
}

// incompleteWrite decides how the unfinished flush resumes: wait for write
// readiness when the send buffer is full, otherwise hand the rest to a
// follow-up task so other pending work is not starved. The follow-up skips
// the poll wakeup since the loop is already awake.
func (c *StreamChannel) incompleteWrite(sndbufFull bool) {
	if sndbufFull {
		c.setWriteInterest()
		return
	}
	c.clearWriteInterest()
	c.loop.ExecuteNonWakeup(func() {
		if !c.closed {
			c.flushNow()
		}
	})
}

func (c *StreamChannel) handleWriteError(cause error) {
	c.out.RemoveWithError(cause)
	c.pipeline.FireExceptionCaught(cause)
	c.close0()
}
