//go:build linux
// +build linux

package transport

import (
	"errors"
	"net"
	"os"
	"sync"

	"github.com/fzft/go-netloop/buffer"
	"github.com/fzft/go-netloop/channel"
	"github.com/fzft/go-netloop/loop"
	"golang.org/x/sys/unix"
)

// Datagram is one UDP message together with its peer address.
type Datagram struct {
	Payload *buffer.Buffer
	Addr    *net.UDPAddr
}

// Release returns the payload's storage to its pool.
func (d *Datagram) Release() error { return d.Payload.Release() }

// PendingSize reports the payload size for outbound watermark accounting.
func (d *Datagram) PendingSize() int64 { return int64(d.Payload.ReadableBytes()) }

var errNotDatagram = errors.New("message is not a *transport.Datagram")

// udpTransport drives a non-blocking UDP fd. Every read yields a complete
// datagram; a short one says nothing about the next, so the channel's receive
// policy always continues reading until the budget runs out.
type udpTransport struct {
	fd    int
	alloc buffer.Allocator

	mu     sync.Mutex
	groups map[string]*unix.IPMreq
}

func (t *udpTransport) FD() int { return t.fd }

func (t *udpTransport) ReadMessage(sizeHint int) (any, int, error) {
	buf := t.alloc.Allocate(sizeHint)
	n, from, err := unix.Recvfrom(t.fd, buf.WritableSlice(), 0)
	if err != nil {
		buf.Release()
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, 0, channel.ErrWouldBlock
		}
		return nil, 0, os.NewSyscallError("recvfrom", err)
	}
	buf.WrittenTo(n)
	return &Datagram{Payload: buf, Addr: sockaddrToUDP(from)}, n, nil
}

func (t *udpTransport) WriteMessage(msg any) (bool, error) {
	d, ok := msg.(*Datagram)
	if !ok {
		return false, errNotDatagram
	}
	err := unix.Sendto(t.fd, d.Payload.Bytes(), 0, udpToSockaddr(d.Addr))
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, os.NewSyscallError("sendto", err)
	}
	return true, nil
}

func (t *udpTransport) Close() error {
	return os.NewSyscallError("close", unix.Close(t.fd))
}

// JoinGroup subscribes the socket to a multicast group. Joining the same
// group twice is a no-op.
func (t *udpTransport) JoinGroup(group net.IP) error {
	ip4 := group.To4()
	if ip4 == nil {
		return errors.New("multicast group must be an IPv4 address")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ip4.String()
	if _, ok := t.groups[key]; ok {
		return nil
	}
	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], ip4)
	if err := unix.SetsockoptIPMreq(t.fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		return os.NewSyscallError("setsockopt add membership", err)
	}
	if t.groups == nil {
		t.groups = make(map[string]*unix.IPMreq)
	}
	t.groups[key] = mreq
	return nil
}

// LeaveGroup drops a membership added by JoinGroup.
func (t *udpTransport) LeaveGroup(group net.IP) error {
	ip4 := group.To4()
	if ip4 == nil {
		return errors.New("multicast group must be an IPv4 address")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ip4.String()
	mreq, ok := t.groups[key]
	if !ok {
		return nil
	}
	delete(t.groups, key)
	if err := unix.SetsockoptIPMreq(t.fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, mreq); err != nil {
		return os.NewSyscallError("setsockopt drop membership", err)
	}
	return nil
}

// NewUDPChannel binds a datagram channel on the given loop. An empty addr
// binds an ephemeral local port.
func NewUDPChannel(l *loop.EventLoop, addr string, reusePort bool, alloc buffer.Allocator) (*channel.MessageChannel, error) {
	if alloc == nil {
		alloc = buffer.Default
	}
	fd, err := udpFd(addr, reusePort)
	if err != nil {
		return nil, err
	}
	t := &udpTransport{fd: fd, alloc: alloc}
	ch := channel.NewMessageChannel(nil, l, t, alloc, channel.MessagePolicy{
		AlwaysContinueReading: true,
		// Unreachable-peer errors surface per datagram and do not poison
		// the socket.
		CloseOnReadError:     func(err error) bool { return !isUnreachable(err) },
		ContinueOnWriteError: true,
		FilterOutbound: func(msg any) error {
			if _, ok := msg.(*Datagram); !ok {
				return errNotDatagram
			}
			return nil
		},
	})
	return ch, nil
}

func udpFd(addr string, reusePort bool) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt reuseaddr", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, os.NewSyscallError("setsockopt reuseport", err)
		}
	}
	sa := &unix.SockaddrInet4{}
	if addr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			unix.Close(fd)
			return -1, err
		}
		sa.Port = udpAddr.Port
		if ip4 := udpAddr.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	return fd, nil
}

func sockaddrToUDP(sa unix.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return nil
}

func udpToSockaddr(addr *net.UDPAddr) unix.Sockaddr {
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa
}

func isUnreachable(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ENETUNREACH)
}
