package buffer

import (
	"errors"
	"os"

	hbuffer "github.com/hslam/buffer"
)

// ErrReleased is returned when a buffer is released twice. Release is safe
// to call on an already-released buffer; the duplicate is detected and
// reported instead of corrupting the pool.
var ErrReleased = errors.New("buffer already released")

// Allocator is the allocate/release capability consumed by the read pumps.
// Buffers are exclusively owned by the caller until released or handed off.
type Allocator interface {
	Allocate(sizeHint int) *Buffer
}

// Buffer is a byte region with reader/writer indexes. Ownership transfers
// when a buffer is fired into a handler chain: the pump drops its reference
// and the chain becomes responsible for the eventual Release.
type Buffer struct {
	data     []byte
	r, w     int
	pool     *hbuffer.Pool
	released bool
}

// New returns an unpooled buffer of the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Wrap returns an unpooled buffer whose readable region is p.
func Wrap(p []byte) *Buffer {
	return &Buffer{data: p, w: len(p)}
}

// WritableSlice is the spare region a read can fill.
func (b *Buffer) WritableSlice() []byte { return b.data[b.w:] }

// WrittenTo advances the writer index after n bytes were read into
// WritableSlice.
func (b *Buffer) WrittenTo(n int) { b.w += n }

// Bytes is the readable region.
func (b *Buffer) Bytes() []byte { return b.data[b.r:b.w] }

func (b *Buffer) ReadableBytes() int { return b.w - b.r }

// Skip advances the reader index by n, used for partial-write accounting.
func (b *Buffer) Skip(n int) { b.r += n }

// Release returns the backing storage to its pool. The second and later
// calls return ErrReleased and do nothing.
func (b *Buffer) Release() error {
	if b.released {
		return ErrReleased
	}
	b.released = true
	if b.pool != nil {
		b.pool.PutBuffer(b.data)
	}
	b.data = nil
	return nil
}

// PooledAllocator allocates from size-classed pools.
type PooledAllocator struct{}

// Default is the allocator used when a channel has none configured.
var Default Allocator = PooledAllocator{}

func (PooledAllocator) Allocate(sizeHint int) *Buffer {
	if sizeHint <= 0 {
		sizeHint = 1
	}
	pool := hbuffer.AssignPool(sizeHint)
	data := pool.GetBuffer(sizeHint)
	return &Buffer{data: data[:sizeHint], pool: pool}
}

// FileRegion references a file span for zero-copy writes. Transfer progress
// is monotonic.
type FileRegion struct {
	File        *os.File
	Pos         int64
	Count       int64
	transferred int64
}

func (r *FileRegion) Transferred() int64 { return r.transferred }

func (r *FileRegion) Progress(n int64) {
	if n > 0 {
		r.transferred += n
	}
}
