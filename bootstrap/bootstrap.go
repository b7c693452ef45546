package bootstrap

import (
	"errors"
	"time"

	"github.com/fzft/go-netloop/channel"
	"github.com/fzft/go-netloop/concurrent"
	"github.com/fzft/go-netloop/log"
	"go.uber.org/zap"
)

// acceptCooldown is how long accepting stays paused after a resource
// exhaustion failure (for example hitting the fd limit), giving the process
// a chance to recover.
const acceptCooldown = time.Second

// AttrValue pairs an attribute key with a value so child attributes apply in
// a deterministic order.
type AttrValue struct {
	Key   string
	Value any
}

// ServerBootstrap collects the configuration applied to every accepted child
// connection.
type ServerBootstrap struct {
	childOptions []channel.OptionValue
	childAttrs   []AttrValue
	childHandler channel.Handler
	cooldown     time.Duration
}

func NewServerBootstrap() *ServerBootstrap {
	return &ServerBootstrap{cooldown: acceptCooldown}
}

// ChildOption records an option applied to each accepted connection.
// Options apply in the order they were added; they may be mutually
// dependent.
func (b *ServerBootstrap) ChildOption(opt *channel.Option, v any) *ServerBootstrap {
	b.childOptions = append(b.childOptions, channel.OptionValue{Option: opt, Value: v})
	return b
}

func (b *ServerBootstrap) ChildAttr(key string, v any) *ServerBootstrap {
	b.childAttrs = append(b.childAttrs, AttrValue{Key: key, Value: v})
	return b
}

func (b *ServerBootstrap) ChildHandler(h channel.Handler) *ServerBootstrap {
	b.childHandler = h
	return b
}

// Cooldown overrides the admission-backpressure pause; mainly for tests.
func (b *ServerBootstrap) Cooldown(d time.Duration) *ServerBootstrap {
	b.cooldown = d
	return b
}

func (b *ServerBootstrap) Validate() error {
	if b.childHandler == nil {
		return errors.New("childHandler not set")
	}
	return nil
}

// Acceptor builds the handler appended to a listening channel's chain. It
// configures and registers each accepted child and applies admission
// backpressure when the acceptor itself fails.
func (b *ServerBootstrap) Acceptor() (*Acceptor, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Acceptor{
		childOptions: b.childOptions,
		childAttrs:   b.childAttrs,
		childHandler: b.childHandler,
		cooldown:     b.cooldown,
	}, nil
}

// Acceptor receives accepted child channels as inbound messages on the
// listening channel.
type Acceptor struct {
	channel.BaseHandler

	childOptions []channel.OptionValue
	childAttrs   []AttrValue
	childHandler channel.Handler
	cooldown     time.Duration
}

func (a *Acceptor) ChannelRead(c channel.Channel, msg any) {
	child, ok := msg.(channel.Channel)
	if !ok {
		log.Logger.Warn("acceptor received a non-channel message")
		return
	}
	childLoop := child.EventLoop()
	// Always configure and register on the child's own loop.
	if childLoop.InEventLoop() {
		a.initChild(child)
		return
	}
	if err := childLoop.Execute(func() { a.initChild(child) }); err != nil {
		forceClose(child, err)
	}
}

func (a *Acceptor) initChild(child channel.Channel) {
	for _, ov := range a.childOptions {
		if err := child.SetOption(ov.Option, ov.Value); err != nil {
			forceClose(child, err)
			return
		}
	}
	for _, av := range a.childAttrs {
		child.SetAttr(av.Key, av.Value)
	}
	child.Pipeline().AddLast(a.childHandler)
	child.Register().AddListener(func(f *concurrent.Future[struct{}]) {
		if f.IsFailed() || f.IsCancelled() {
			forceClose(child, f.Cause())
		}
	})
}

// ExceptionCaught pauses accepting for the cooldown after a failure on the
// listening channel, most notably resource exhaustion, then lets the event
// keep flowing to the remaining handlers.
func (a *Acceptor) ExceptionCaught(c channel.Channel, err error) {
	v, optErr := c.GetOption(channel.OptionAutoRead)
	if optErr == nil && v == true {
		if setErr := c.SetOption(channel.OptionAutoRead, false); setErr != nil {
			log.Logger.Warn("failed to pause accepting", zap.Error(setErr))
			return
		}
		log.Logger.Warn("accept failed; pausing accepting",
			zap.Duration("cooldown", a.cooldown), zap.Error(err))
		if _, schedErr := c.EventLoop().ScheduleOnce(func() {
			c.SetOption(channel.OptionAutoRead, true)
		}, a.cooldown); schedErr != nil {
			log.Logger.Warn("failed to schedule accept resume", zap.Error(schedErr))
			c.SetOption(channel.OptionAutoRead, true)
		}
	}
}

func forceClose(child channel.Channel, cause error) {
	child.Close()
	log.Logger.Warn("failed to register an accepted channel",
		zap.Int64("channel", child.ID()), zap.Error(cause))
}
