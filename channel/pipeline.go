package channel

import (
	"sync"

	"github.com/fzft/go-netloop/log"
	"go.uber.org/zap"
)

// Handler receives lifecycle events fired by the pumps. All callbacks run on
// the channel's loop goroutine.
type Handler interface {
	ChannelActive(c Channel)
	ChannelInactive(c Channel)
	ChannelRead(c Channel, msg any)
	ChannelReadComplete(c Channel)
	ExceptionCaught(c Channel, err error)
	ChannelShutdown(c Channel, dir ShutdownDirection)
}

// BaseHandler is a no-op Handler for embedding.
type BaseHandler struct{}

func (BaseHandler) ChannelActive(Channel)                      {}
func (BaseHandler) ChannelInactive(Channel)                    {}
func (BaseHandler) ChannelRead(Channel, any)                   {}
func (BaseHandler) ChannelReadComplete(Channel)                {}
func (BaseHandler) ExceptionCaught(Channel, error)             {}
func (BaseHandler) ChannelShutdown(Channel, ShutdownDirection) {}

// Pipeline is the ordered handler chain of one channel. The pumps are the
// sole drivers of inbound events; handlers call back into the channel only
// through the outbound write/flush entry points.
type Pipeline struct {
	ch Channel

	mu       sync.Mutex
	handlers []Handler
}

func newPipeline(ch Channel) *Pipeline {
	return &Pipeline{ch: ch}
}

func (p *Pipeline) AddLast(hs ...Handler) *Pipeline {
	p.mu.Lock()
	p.handlers = append(p.handlers, hs...)
	p.mu.Unlock()
	return p
}

func (p *Pipeline) snapshot() []Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[:len(p.handlers):len(p.handlers)]
}

// each invokes f per handler, isolating panics so one failing handler cannot
// stop the others or the loop.
func (p *Pipeline) each(f func(Handler)) {
	for _, h := range p.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Logger.Error("handler panicked", zap.Any("panic", r))
				}
			}()
			f(h)
		}()
	}
}

func (p *Pipeline) FireChannelActive() {
	p.each(func(h Handler) { h.ChannelActive(p.ch) })
}

func (p *Pipeline) FireChannelInactive() {
	p.each(func(h Handler) { h.ChannelInactive(p.ch) })
}

func (p *Pipeline) FireChannelRead(msg any) {
	p.each(func(h Handler) { h.ChannelRead(p.ch, msg) })
}

func (p *Pipeline) FireChannelReadComplete() {
	p.each(func(h Handler) { h.ChannelReadComplete(p.ch) })
}

func (p *Pipeline) FireExceptionCaught(err error) {
	p.each(func(h Handler) { h.ExceptionCaught(p.ch, err) })
}

func (p *Pipeline) FireChannelShutdown(dir ShutdownDirection) {
	p.each(func(h Handler) { h.ChannelShutdown(p.ch, dir) })
}
