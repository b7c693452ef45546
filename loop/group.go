package loop

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/fzft/go-netloop/concurrent"
)

var errSharedPoller = errors.New("Config.Poller cannot be shared across multiple loops")

// Group is a fixed set of event loops with round-robin assignment. Channels
// obtained via Next are pinned to the returned loop for their lifetime.
type Group struct {
	loops []*EventLoop
	next  atomic.Uint64
}

func NewGroup(n int, cfg Config) (*Group, error) {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	// Every loop closes its poller at termination, so an injected poller
	// can back at most one loop.
	if cfg.Poller != nil && n > 1 {
		return nil, errSharedPoller
	}
	g := &Group{loops: make([]*EventLoop, 0, n)}
	for i := 0; i < n; i++ {
		l, err := NewEventLoop(cfg)
		if err != nil {
			g.ShutdownGracefully()
			return nil, err
		}
		if err := l.Start(); err != nil {
			g.ShutdownGracefully()
			return nil, err
		}
		g.loops = append(g.loops, l)
	}
	return g, nil
}

func (g *Group) Next() *EventLoop {
	return g.loops[g.next.Add(1)%uint64(len(g.loops))]
}

func (g *Group) Loops() []*EventLoop { return g.loops }

// ShutdownGracefully shuts down every loop; the returned future completes
// when all of them have terminated.
func (g *Group) ShutdownGracefully() *concurrent.Future[struct{}] {
	p := concurrent.NewPromise[struct{}]()
	remaining := atomic.Int64{}
	remaining.Store(int64(len(g.loops)))
	if len(g.loops) == 0 {
		p.SetSuccess(struct{}{})
		return p.Future()
	}
	for _, l := range g.loops {
		l.ShutdownGracefully().AddListener(func(*concurrent.Future[struct{}]) {
			if remaining.Add(-1) == 0 {
				p.SetSuccess(struct{}{})
			}
		})
	}
	return p.Future()
}
