//go:build linux

package sylar

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// epollReadyEvent is one fd/mask pair returned by a single epoll_wait call.
type epollReadyEvent struct {
	fd     int32
	events uint32
}

func newEpoll() (int, error) {
	return unix.EpollCreate1(unix.EPOLL_CLOEXEC)
}

func epollAdd(epfd, fd int, mask uint32) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: mask, Fd: int32(fd)})
}

func epollMod(epfd, fd int, mask uint32) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: mask, Fd: int32(fd)})
}

func epollDel(epfd, fd int) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// epollWaitOnce blocks for at most timeoutMs (or indefinitely if negative)
// and returns the ready set, retrying transparently on EINTR the way the
// teacher's PollIO does.
func epollWaitOnce(epfd int, buf []unix.EpollEvent, timeoutMs int) ([]epollReadyEvent, error) {
	for {
		n, err := unix.EpollWait(epfd, buf, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		out := make([]epollReadyEvent, n)
		for i := 0; i < n; i++ {
			out[i] = epollReadyEvent{fd: buf[i].Fd, events: buf[i].Events}
		}
		return out, nil
	}
}

// newWakeFd creates an eventfd used purely to interrupt a blocked
// epoll_wait, the same primitive the teacher's wakeup_linux.go uses for its
// run-loop tickle.
func newWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

func wakeWrite(fd int) {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(fd, buf[:])
}

// wakeDrain reads every pending wake-up off fd so the next epoll_wait blocks
// normally instead of returning immediately on stale readiness.
func wakeDrain(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

const (
	epollinMask  = unix.EPOLLIN
	epolloutMask = unix.EPOLLOUT
	epollerrMask = unix.EPOLLERR
	epollhupMask = unix.EPOLLHUP
)
