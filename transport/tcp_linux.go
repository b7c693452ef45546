//go:build linux
// +build linux

package transport

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/fzft/go-netloop/buffer"
	"github.com/fzft/go-netloop/channel"
	"github.com/fzft/go-netloop/loop"
	"github.com/hslam/reuse"
	"golang.org/x/sys/unix"
)

// tcpTransport drives a non-blocking TCP fd with the byte-stream pump
// conventions: ErrWouldBlock for EAGAIN, io.EOF when the peer finished
// writing.
type tcpTransport struct {
	fd int
}

func (t *tcpTransport) FD() int { return t.fd }

func (t *tcpTransport) ReadBytes(p []byte) (int, error) {
	n, err := unix.Read(t.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, channel.ErrWouldBlock
		}
		return 0, os.NewSyscallError("read", err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (t *tcpTransport) WriteBytes(p []byte) (int, error) {
	n, err := unix.Write(t.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, channel.ErrWouldBlock
		}
		return 0, os.NewSyscallError("write", err)
	}
	return n, nil
}

func (t *tcpTransport) SendFile(r *buffer.FileRegion) (int64, error) {
	offset := r.Pos + r.Transferred()
	remain := r.Count - r.Transferred()
	n, err := unix.Sendfile(t.fd, int(r.File.Fd()), &offset, int(remain))
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, channel.ErrWouldBlock
		}
		return 0, os.NewSyscallError("sendfile", err)
	}
	return int64(n), nil
}

func (t *tcpTransport) Shutdown(dir channel.ShutdownDirection) error {
	how := unix.SHUT_RD
	if dir == channel.Outbound {
		how = unix.SHUT_WR
	}
	return os.NewSyscallError("shutdown", unix.Shutdown(t.fd, how))
}

func (t *tcpTransport) Close() error {
	return os.NewSyscallError("close", unix.Close(t.fd))
}

// NewTCPChannel wraps an already-connected non-blocking fd in a stream
// channel pinned to the given loop.
func NewTCPChannel(parent channel.Channel, l *loop.EventLoop, fd int, alloc buffer.Allocator) *channel.StreamChannel {
	return channel.NewStreamChannel(parent, l, &tcpTransport{fd: fd}, alloc)
}

// DialTCP connects a new stream channel. With reusePort the local port is
// bound with SO_REUSEPORT so several clients can share it.
func DialTCP(l *loop.EventLoop, network, localAddr, remoteAddr string, reusePort bool, alloc buffer.Allocator) (*channel.StreamChannel, error) {
	d := net.Dialer{}
	if localAddr != "" {
		laddr, err := net.ResolveTCPAddr(network, localAddr)
		if err != nil {
			return nil, err
		}
		d.LocalAddr = laddr
	}
	if reusePort {
		d.Control = reuse.Control
	}
	conn, err := d.Dial(network, remoteAddr)
	if err != nil {
		return nil, err
	}
	fd, err := dupFd(conn.(*net.TCPConn))
	conn.Close()
	if err != nil {
		return nil, err
	}
	return NewTCPChannel(nil, l, fd, alloc), nil
}

// dupFd extracts a private non-blocking duplicate of the connection's fd so
// the channel owns it independently of the net.Conn.
func dupFd(conn *net.TCPConn) (int, error) {
	f, err := conn.File()
	if err != nil {
		return -1, fmt.Errorf("get conn file: %w", err)
	}
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return -1, os.NewSyscallError("dup", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("set nonblock", err)
	}
	return fd, nil
}
