package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fzft/go-netloop/bootstrap"
	"github.com/fzft/go-netloop/buffer"
	"github.com/fzft/go-netloop/channel"
	"github.com/fzft/go-netloop/log"
	"github.com/fzft/go-netloop/loop"
	"github.com/fzft/go-netloop/transport"
	"go.uber.org/zap"
)

// echoHandler writes every inbound buffer straight back to the peer.
type echoHandler struct {
	channel.BaseHandler
}

func (echoHandler) ChannelRead(c channel.Channel, msg any) {
	c.WriteAndFlush(msg)
}

func (echoHandler) ExceptionCaught(c channel.Channel, err error) {
	log.Logger.Warn("connection error", zap.Int64("channel", c.ID()), zap.Error(err))
	c.Close()
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	workers := flag.Int("workers", 0, "worker loop count (0 = NumCPU)")
	reusePort := flag.Bool("reuseport", false, "bind with SO_REUSEPORT")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(versionString())
		return
	}

	log.Init()

	if err := run(*addr, *workers, *reusePort); err != nil {
		log.Logger.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(addr string, workers int, reusePort bool) error {
	boss, err := loop.NewEventLoop(loop.Config{})
	if err != nil {
		return err
	}
	if err := boss.Start(); err != nil {
		return err
	}
	group, err := loop.NewGroup(workers, loop.Config{})
	if err != nil {
		return err
	}

	acceptor, err := bootstrap.NewServerBootstrap().
		ChildOption(channel.OptionAllowHalfClosure, true).
		ChildHandler(echoHandler{}).
		Acceptor()
	if err != nil {
		return err
	}

	listener, err := transport.NewTCPListener(boss, addr, transport.ListenerConfig{
		ReusePort: reusePort,
		ChildLoop: group.Next,
		Alloc:     buffer.Default,
	})
	if err != nil {
		return err
	}
	listener.Pipeline().AddLast(acceptor)
	f := listener.Register()
	<-f.Done()
	if f.IsFailed() {
		return f.Cause()
	}
	log.Logger.Info("listening", zap.String("addr", addr), zap.Int("workers", len(group.Loops())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigCh
	log.Logger.Info("shutting down", zap.String("signal", sig.String()))

	workersDone := group.ShutdownGracefully()
	bossDone := boss.ShutdownGracefully()
	select {
	case <-bossDone.Done():
	case <-time.After(10 * time.Second):
		log.Logger.Warn("acceptor loop did not terminate in time")
	}
	select {
	case <-workersDone.Done():
	case <-time.After(10 * time.Second):
		log.Logger.Warn("worker loops did not terminate in time")
	}
	return nil
}
