package channel

import (
	"errors"

	"github.com/fzft/go-netloop/buffer"
	"github.com/fzft/go-netloop/concurrent"
)

// ErrChannelClosed fails pending writes when a channel closes before they
// drain.
var ErrChannelClosed = errors.New("channel closed")

const (
	defaultHighWaterMark = 64 * 1024
	defaultLowWaterMark  = 32 * 1024
)

// releasable is implemented by outbound messages holding pooled storage,
// directly (*buffer.Buffer) or through a wrapper (datagrams).
type releasable interface {
	Release() error
}

func releaseMsg(msg any) {
	if r, ok := msg.(releasable); ok {
		r.Release()
	}
}

// PendingWrite is one outbound queue entry: a byte buffer, a file region, or
// an opaque message for message-oriented channels.
type PendingWrite struct {
	msg      any
	total    int64
	progress int64
	promise  *concurrent.Promise[struct{}]
}

func (w *PendingWrite) Msg() any { return w.msg }

// Progressed is the cumulative bytes written for this entry. It never
// exceeds the entry's total length.
func (w *PendingWrite) Progressed() int64 { return w.progress }

func (w *PendingWrite) Total() int64 { return w.total }

// OutboundBuffer is the pending-write queue of one channel, owned
// exclusively by the channel and touched only on its loop goroutine.
type OutboundBuffer struct {
	queue        []*PendingWrite
	pendingBytes int64

	highWaterMark int64
	lowWaterMark  int64
	unwritable    bool
}

func newOutboundBuffer() *OutboundBuffer {
	return &OutboundBuffer{
		highWaterMark: defaultHighWaterMark,
		lowWaterMark:  defaultLowWaterMark,
	}
}

// sizedMessage lets wrapper messages report their payload size for
// watermark accounting.
type sizedMessage interface {
	PendingSize() int64
}

func writeSize(msg any) int64 {
	switch m := msg.(type) {
	case *buffer.Buffer:
		return int64(m.ReadableBytes())
	case *buffer.FileRegion:
		return m.Count
	case sizedMessage:
		return m.PendingSize()
	default:
		return 0
	}
}

// Add appends an entry whose completion is reported through the given
// promise.
func (b *OutboundBuffer) Add(msg any, p *concurrent.Promise[struct{}]) {
	w := &PendingWrite{
		msg:     msg,
		total:   writeSize(msg),
		promise: p,
	}
	b.queue = append(b.queue, w)
	b.pendingBytes += w.total
	if b.pendingBytes > b.highWaterMark {
		b.unwritable = true
	}
}

// Current is the head entry, or nil when the queue is drained.
func (b *OutboundBuffer) Current() *PendingWrite {
	if len(b.queue) == 0 {
		return nil
	}
	return b.queue[0]
}

// Progress records n more bytes written for the head entry. Progress is
// monotonic and idempotent to report: excess beyond the entry total is
// clamped.
func (b *OutboundBuffer) Progress(n int64) {
	w := b.Current()
	if w == nil || n <= 0 {
		return
	}
	if remaining := w.total - w.progress; n > remaining {
		n = remaining
	}
	w.progress += n
	b.pendingBytes -= n
	if b.unwritable && b.pendingBytes < b.lowWaterMark {
		b.unwritable = false
	}
}

// Remove pops the head entry and succeeds its future. Each entry is removed
// exactly once.
func (b *OutboundBuffer) Remove() {
	w := b.Current()
	if w == nil {
		return
	}
	b.pendingBytes -= w.total - w.progress
	b.queue = b.queue[1:]
	w.promise.SetSuccess(struct{}{})
	if b.unwritable && b.pendingBytes < b.lowWaterMark {
		b.unwritable = false
	}
}

// RemoveWithError pops the head entry, releases its payload, and fails its
// future.
func (b *OutboundBuffer) RemoveWithError(err error) {
	w := b.Current()
	if w == nil {
		return
	}
	b.pendingBytes -= w.total - w.progress
	b.queue = b.queue[1:]
	releaseMsg(w.msg)
	w.promise.SetFailure(err)
	if b.unwritable && b.pendingBytes < b.lowWaterMark {
		b.unwritable = false
	}
}

// FailAll fails every remaining entry, releasing buffered payloads.
func (b *OutboundBuffer) FailAll(err error) {
	for _, w := range b.queue {
		releaseMsg(w.msg)
		w.promise.SetFailure(err)
	}
	b.queue = nil
	b.pendingBytes = 0
	b.unwritable = false
}

func (b *OutboundBuffer) IsEmpty() bool { return len(b.queue) == 0 }

func (b *OutboundBuffer) PendingBytes() int64 { return b.pendingBytes }

// IsWritable reports hysteresis against the high/low watermarks.
func (b *OutboundBuffer) IsWritable() bool { return !b.unwritable }

func (b *OutboundBuffer) setWaterMarks(high, low int64) {
	b.highWaterMark = high
	b.lowWaterMark = low
}
