package channel

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/fzft/go-netloop/buffer"
	"github.com/fzft/go-netloop/concurrent"
	"github.com/fzft/go-netloop/log"
	"github.com/fzft/go-netloop/loop"
	"go.uber.org/zap"
)

type ShutdownDirection int

const (
	Inbound ShutdownDirection = iota
	Outbound
)

func (d ShutdownDirection) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

var (
	// ErrWouldBlock is the transient "try again later" result of a
	// non-blocking transport call. It is a loop-continuation signal, never
	// surfaced as a failure.
	ErrWouldBlock = errors.New("operation would block")

	ErrUnsupportedMessage = errors.New("unsupported outbound message type")
)

const defaultWriteSpinCount = 16

// channelIDGen hands out channel identities. Initialized once at process
// start, never reset.
var channelIDGen atomic.Int64

// Channel is a pollable connection pinned to one event loop for its
// lifetime.
type Channel interface {
	loop.IOHandle

	ID() int64
	Parent() Channel
	EventLoop() *loop.EventLoop
	Pipeline() *Pipeline
	Alloc() buffer.Allocator

	IsOpen() bool
	IsActive() bool
	IsRegistered() bool
	IsShutdown(dir ShutdownDirection) bool
	IsWritable() bool

	SetOption(opt *Option, v any) error
	GetOption(opt *Option) (any, error)
	SetAttr(key string, v any)
	Attr(key string) (any, bool)

	Register() *concurrent.Future[struct{}]
	Close() *concurrent.Future[struct{}]
	CloseFuture() *concurrent.Future[struct{}]

	Write(msg any) *concurrent.Future[struct{}]
	WriteAndFlush(msg any) *concurrent.Future[struct{}]
	Flush()

	// Read requests one read cycle; the pull-mode entry point when auto-read
	// is disabled.
	Read()
}

// transportOps are the kind-specific operations the core needs from a
// concrete channel.
type transportOps interface {
	transportClose() error
	transportShutdown(dir ShutdownDirection) error
	readNow()
	flushNow()
	filterOutbound(msg any) error
}

// core carries the state shared by all channel kinds. Fields below the
// "loop-confined" marker are mutated only on the loop goroutine.
type core struct {
	id       int64
	parent   Channel
	loop     *loop.EventLoop
	self     Channel
	ops      transportOps
	pipeline *Pipeline
	alloc    buffer.Allocator

	recvAlloc  *MaxBytesRecvAllocator
	recvHandle *RecvHandle
	out        *OutboundBuffer

	autoRead            atomic.Bool
	allowHalfClosure    atomic.Bool
	writeSpinCount      atomic.Int32
	maxMessagesPerWrite atomic.Int32

	attrsMu sync.Mutex
	attrs   map[string]any

	closeP *concurrent.Promise[struct{}]

	// loop-confined state.
	registered                 bool
	active                     bool
	closed                     bool
	readPending                bool
	inboundShutdown            bool
	outboundShutdown           bool
	inputClosedSeenErrorOnRead bool
}

func (c *core) init(parent Channel, l *loop.EventLoop, self Channel, ops transportOps, alloc buffer.Allocator) {
	c.id = channelIDGen.Add(1)
	c.parent = parent
	c.loop = l
	c.self = self
	c.ops = ops
	if alloc == nil {
		alloc = buffer.Default
	}
	c.alloc = alloc
	c.pipeline = newPipeline(self)
	c.recvAlloc = DefaultRecvAllocator()
	c.recvHandle = c.recvAlloc.NewHandle()
	c.out = newOutboundBuffer()
	c.attrs = make(map[string]any)
	c.closeP = concurrent.NewPromise[struct{}]()
	c.autoRead.Store(true)
	c.writeSpinCount.Store(defaultWriteSpinCount)
	c.maxMessagesPerWrite.Store(math.MaxInt32)
}

func (c *core) ID() int64                  { return c.id }
func (c *core) Parent() Channel            { return c.parent }
func (c *core) EventLoop() *loop.EventLoop { return c.loop }
func (c *core) Pipeline() *Pipeline        { return c.pipeline }
func (c *core) Alloc() buffer.Allocator    { return c.alloc }

func (c *core) IsOpen() bool       { return !c.closed }
func (c *core) IsActive() bool     { return c.active }
func (c *core) IsRegistered() bool { return c.registered }

func (c *core) IsShutdown(dir ShutdownDirection) bool {
	if dir == Inbound {
		return c.inboundShutdown
	}
	return c.outboundShutdown
}

func (c *core) IsWritable() bool { return c.out.IsWritable() }

func (c *core) CloseFuture() *concurrent.Future[struct{}] { return c.closeP.Future() }

func (c *core) SetAttr(key string, v any) {
	c.attrsMu.Lock()
	c.attrs[key] = v
	c.attrsMu.Unlock()
}

func (c *core) Attr(key string) (any, bool) {
	c.attrsMu.Lock()
	defer c.attrsMu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

// invokeLater runs f on the loop goroutine, immediately when already there.
func (c *core) invokeLater(f func()) {
	if c.loop.InEventLoop() {
		f()
		return
	}
	if err := c.loop.Execute(f); err != nil {
		log.Logger.Warn("failed to submit channel task", zap.Int64("channel", c.id), zap.Error(err))
	}
}

func (c *core) SetOption(opt *Option, v any) error {
	if err := opt.validate(v); err != nil {
		return fmt.Errorf("%s: %w", opt.name, err)
	}
	switch opt {
	case OptionAutoRead:
		on := v.(bool)
		was := c.autoRead.Swap(on)
		if on && !was {
			c.Read()
		} else if !on && was {
			c.invokeLater(c.clearReadInterest)
		}
	case OptionAllowHalfClosure:
		c.allowHalfClosure.Store(v.(bool))
	case OptionWriteSpinCount:
		c.writeSpinCount.Store(int32(v.(int)))
	case OptionMaxMessagesPerWrite:
		c.maxMessagesPerWrite.Store(int32(v.(int)))
	case OptionRecvTotalBytes:
		return c.recvAlloc.SetMaxBytesPerRead(v.(int))
	case OptionRecvMaxBytesPerRead:
		return c.recvAlloc.SetMaxBytesPerIndividualRead(v.(int))
	case OptionWriteBufferHighWaterMark:
		high := int64(v.(int))
		c.invokeLater(func() { c.out.setWaterMarks(high, c.out.lowWaterMark) })
	case OptionWriteBufferLowWaterMark:
		low := int64(v.(int))
		c.invokeLater(func() { c.out.setWaterMarks(c.out.highWaterMark, low) })
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOption, opt.name)
	}
	return nil
}

func (c *core) GetOption(opt *Option) (any, error) {
	switch opt {
	case OptionAutoRead:
		return c.autoRead.Load(), nil
	case OptionAllowHalfClosure:
		return c.allowHalfClosure.Load(), nil
	case OptionWriteSpinCount:
		return int(c.writeSpinCount.Load()), nil
	case OptionMaxMessagesPerWrite:
		return int(c.maxMessagesPerWrite.Load()), nil
	case OptionRecvTotalBytes:
		return c.recvAlloc.MaxBytesPerRead(), nil
	case OptionRecvMaxBytesPerRead:
		return c.recvAlloc.MaxBytesPerIndividualRead(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOption, opt.name)
	}
}

// Register registers the channel with its loop. On success the channel
// becomes active and, with auto-read enabled, immediately starts reading.
func (c *core) Register() *concurrent.Future[struct{}] {
	p := concurrent.NewPromise[struct{}]()
	c.loop.Register(c.self).AddListener(func(f *concurrent.Future[struct{}]) {
		if f.IsFailed() || f.IsCancelled() {
			p.SetFailure(f.Cause())
			return
		}
		c.registered = true
		c.active = true
		p.SetSuccess(struct{}{})
		c.pipeline.FireChannelActive()
		c.readIfAutoRead()
	})
	return p.Future()
}

func (c *core) Close() *concurrent.Future[struct{}] {
	c.invokeLater(c.close0)
	return c.closeP.Future()
}

func (c *core) close0() {
	if c.closed {
		return
	}
	c.closed = true
	wasActive := c.active
	c.active = false
	c.inboundShutdown = true
	c.outboundShutdown = true
	if c.registered {
		c.registered = false
		c.loop.Deregister(c.self).AddListener(func(f *concurrent.Future[struct{}]) {
			if f.IsFailed() {
				log.Logger.Warn("deregister on close failed",
					zap.Int64("channel", c.id), zap.Error(f.Cause()))
			}
		})
	}
	c.out.FailAll(ErrChannelClosed)
	if err := c.ops.transportClose(); err != nil {
		log.Logger.Warn("transport close failed", zap.Int64("channel", c.id), zap.Error(err))
	}
	if wasActive {
		c.pipeline.FireChannelInactive()
	}
	c.closeP.SetSuccess(struct{}{})
}

// shutdownInbound half-closes the read side, leaving the write side usable.
func (c *core) shutdownInbound() {
	if c.inboundShutdown {
		return
	}
	c.inboundShutdown = true
	if err := c.ops.transportShutdown(Inbound); err != nil {
		log.Logger.Warn("inbound shutdown failed", zap.Int64("channel", c.id), zap.Error(err))
	}
	c.clearReadInterest()
	c.pipeline.FireChannelShutdown(Inbound)
}

func (c *core) Write(msg any) *concurrent.Future[struct{}] {
	p := concurrent.NewPromise[struct{}]()
	if err := c.ops.filterOutbound(msg); err != nil {
		p.SetFailure(err)
		return p.Future()
	}
	c.invokeLater(func() {
		if c.closed || c.outboundShutdown {
			releaseMsg(msg)
			p.SetFailure(ErrChannelClosed)
			return
		}
		c.out.Add(msg, p)
	})
	return p.Future()
}

func (c *core) Flush() {
	c.invokeLater(func() {
		if c.closed {
			return
		}
		c.ops.flushNow()
	})
}

func (c *core) WriteAndFlush(msg any) *concurrent.Future[struct{}] {
	f := c.Write(msg)
	c.Flush()
	return f
}

func (c *core) Read() {
	c.invokeLater(func() {
		if c.closed || c.inboundShutdown {
			return
		}
		c.readPending = true
		c.setReadInterest()
	})
}

func (c *core) readIfAutoRead() {
	if c.autoRead.Load() {
		c.Read()
	}
}

func (c *core) setReadInterest() {
	if !c.registered {
		return
	}
	fd := c.self.FD()
	if err := c.loop.SetInterest(fd, c.loop.Interest(fd)|loop.EventRead); err != nil {
		log.Logger.Warn("failed to arm read interest", zap.Int64("channel", c.id), zap.Error(err))
	}
}

func (c *core) clearReadInterest() {
	if !c.registered {
		return
	}
	fd := c.self.FD()
	if err := c.loop.SetInterest(fd, c.loop.Interest(fd)&^loop.EventRead); err != nil {
		log.Logger.Warn("failed to clear read interest", zap.Int64("channel", c.id), zap.Error(err))
	}
}

func (c *core) setWriteInterest() {
	if !c.registered {
		return
	}
	fd := c.self.FD()
	if err := c.loop.SetInterest(fd, c.loop.Interest(fd)|loop.EventWrite); err != nil {
		log.Logger.Warn("failed to arm write interest", zap.Int64("channel", c.id), zap.Error(err))
	}
}

func (c *core) clearWriteInterest() {
	if !c.registered {
		return
	}
	fd := c.self.FD()
	if err := c.loop.SetInterest(fd, c.loop.Interest(fd)&^loop.EventWrite); err != nil {
		log.Logger.Warn("failed to clear write interest", zap.Int64("channel", c.id), zap.Error(err))
	}
}

// completeReadCycle applies pull-mode backpressure: when no explicit read
// request is outstanding and auto-read is off, stop waiting for read
// readiness until asked again.
func (c *core) completeReadCycle() {
	if !c.readPending && !c.autoRead.Load() {
		c.clearReadInterest()
	}
}

// unrecoverable classifies failures that force an unconditional close:
// allocation failure and I/O-class errors, where the resource state of the
// connection is suspect.
func unrecoverable(err error) bool {
	var errno syscall.Errno
	var sysErr *os.SyscallError
	return errors.As(err, &errno) ||
		errors.As(err, &sysErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe)
}
