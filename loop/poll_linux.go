//go:build linux
// +build linux

package loop

import (
	"encoding/binary"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
)

// epollPoller is the linux Poller. A level-triggered epoll instance plus an
// eventfd used to interrupt a blocked wait when a task is submitted from
// another goroutine.
type epollPoller struct {
	epollFd     int
	wakeFd      int
	wakePending atomic.Bool
	events      []unix.EpollEvent
}

func openPoller() (Poller, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &epollPoller{
		epollFd: epollFd,
		wakeFd:  wakeFd,
		events:  make([]unix.EpollEvent, defaultEventsCap),
	}
	if err := p.Add(wakeFd, EventRead); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func epollMask(events IOEvent) uint32 {
	var mask uint32
	if events&EventRead != 0 {
		mask |= uint32(readEvents)
	}
	if events&EventWrite != 0 {
		mask |= uint32(writeEvents)
	}
	return mask
}

func (p *epollPoller) Add(fd int, events IOEvent) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd,
			&unix.EpollEvent{Fd: int32(fd), Events: epollMask(events)}))
}

func (p *epollPoller) Mod(fd int, events IOEvent) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_MOD, fd,
			&unix.EpollEvent{Fd: int32(fd), Events: epollMask(events)}))
}

func (p *epollPoller) Delete(fd int) error {
	return os.NewSyscallError("epoll_ctl del",
		unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

func (p *epollPoller) Wait(events []PollEvent, timeoutNanos int64) (int, error) {
	if cap(p.events) < len(events) {
		p.events = make([]unix.EpollEvent, len(events))
	}
	msec := -1
	if timeoutNanos >= 0 {
		// Round up so a timer never fires before its deadline.
		msec = int((timeoutNanos + int64(time.Millisecond) - 1) / int64(time.Millisecond))
	}
	n, err := unix.EpollWait(p.epollFd, p.events[:len(events)], msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakeFd {
			p.drainWakeup()
			continue
		}
		var mask IOEvent
		if ev.Events&(uint32(readEvents)|unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			mask |= EventRead
		}
		if ev.Events&(uint32(writeEvents)|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= EventWrite
		}
		events[out] = PollEvent{FD: fd, Events: mask}
		out++
	}
	return out, nil
}

// Wakeup interrupts a blocked Wait. Duplicate wakeups collapse onto one
// eventfd write until the loop drains it.
func (p *epollPoller) Wakeup() error {
	if !p.wakePending.CompareAndSwap(false, true) {
		return nil
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.wakeFd, one[:])
	if err == unix.EAGAIN {
		err = nil
	}
	return os.NewSyscallError("eventfd write", err)
}

func (p *epollPoller) drainWakeup() {
	var buf [8]byte
	unix.Read(p.wakeFd, buf[:])
	p.wakePending.Store(false)
}

func (p *epollPoller) Close() error {
	if err := unix.Close(p.wakeFd); err != nil {
		return os.NewSyscallError("close eventfd", err)
	}
	return os.NewSyscallError("close epoll", unix.Close(p.epollFd))
}
