//go:build linux
// +build linux

package transport

import (
	"errors"
	"net"
	"os"

	"github.com/fzft/go-netloop/channel"
	"golang.org/x/sys/unix"
)

// LocalAddr reports the address a channel's socket is bound to, resolving
// kernel-assigned ephemeral ports.
func LocalAddr(ch channel.Channel) (net.IP, int, error) {
	sa, err := unix.Getsockname(ch.FD())
	if err != nil {
		return nil, 0, os.NewSyscallError("getsockname", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]), a.Port, nil
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]), a.Port, nil
	}
	return nil, 0, errors.New("unsupported socket address family")
}
