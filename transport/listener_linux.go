//go:build linux
// +build linux

package transport

import (
	"errors"
	"net"
	"os"

	"github.com/fzft/go-netloop/buffer"
	"github.com/fzft/go-netloop/channel"
	"github.com/fzft/go-netloop/loop"
	"golang.org/x/sys/unix"
)

const defaultBacklog = 128

var errListenerWrite = errors.New("listening channels do not write")

// ListenerConfig shapes a TCP listening channel and the children it accepts.
type ListenerConfig struct {
	// Backlog is the accept backlog passed to listen(2).
	Backlog int

	// ReusePort binds the listening socket with SO_REUSEPORT so multiple
	// acceptors can share one port.
	ReusePort bool

	// ChildLoop picks the event loop each accepted child is pinned to,
	// distinct from the acceptor's own loop. Required.
	ChildLoop func() *loop.EventLoop

	Alloc buffer.Allocator
}

// listenerTransport accepts connections as discrete inbound messages: every
// ReadMessage yields one registered-elsewhere child channel.
type listenerTransport struct {
	fd     int
	cfg    ListenerConfig
	parent channel.Channel
}

func (t *listenerTransport) FD() int { return t.fd }

func (t *listenerTransport) ReadMessage(int) (any, int, error) {
	connFd, _, err := unix.Accept4(t.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, 0, channel.ErrWouldBlock
		}
		return nil, 0, os.NewSyscallError("accept4", err)
	}
	child := NewTCPChannel(t.parent, t.cfg.ChildLoop(), connFd, t.cfg.Alloc)
	return child, 1, nil
}

func (t *listenerTransport) WriteMessage(any) (bool, error) {
	return false, errListenerWrite
}

func (t *listenerTransport) Close() error {
	return os.NewSyscallError("close", unix.Close(t.fd))
}

// NewTCPListener opens a listening channel on the given loop. Accepted
// children surface as inbound messages; append a bootstrap.Acceptor to the
// returned channel's chain to configure and register them.
func NewTCPListener(l *loop.EventLoop, addr string, cfg ListenerConfig) (*channel.MessageChannel, error) {
	if cfg.ChildLoop == nil {
		return nil, errors.New("ListenerConfig.ChildLoop is required")
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = defaultBacklog
	}
	fd, err := listenFd(addr, cfg)
	if err != nil {
		return nil, err
	}
	t := &listenerTransport{fd: fd, cfg: cfg}
	ch := channel.NewMessageChannel(nil, l, t, cfg.Alloc, channel.MessagePolicy{
		// Each accept reports size 1, never the requested size, so the
		// default short-read predicate would stop after one connection.
		// Keep draining the backlog until EAGAIN or the budget runs out.
		AlwaysContinueReading: true,
		// A listening channel keeps accepting through generic I/O errors
		// such as fd exhaustion; admission backpressure handles recovery.
		CloseOnReadError: func(err error) bool { return !isIOError(err) },
		FilterOutbound:   func(any) error { return errListenerWrite },
	})
	t.parent = ch
	return ch, nil
}

func listenFd(addr string, cfg ListenerConfig) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt reuseaddr", err)
	}
	if cfg.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, os.NewSyscallError("setsockopt reuseport", err)
		}
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

// isIOError covers syscall-level failures, including the resource
// exhaustion family (EMFILE/ENFILE) seen when the process hits its fd
// limit.
func isIOError(err error) bool {
	var sysErr *os.SyscallError
	var errno unix.Errno
	return errors.As(err, &sysErr) || errors.As(err, &errno)
}
