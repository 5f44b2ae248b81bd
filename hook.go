package sylar

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jinkezhen/sylar-go/internal/gls"
)

// hookEnabled is the hook layer's per-fiber-tree enable flag. sylar's C++
// hook.cc keys this off thread-local storage, since a POSIX thread either
// has hooking on or off for its whole life; here, since a fiber tree can
// span several goroutines over its life (Reset reuses one, but Resume
// always targets a distinct backing goroutine per fiber), Fiber.Resume
// propagates the flag from resumer to resumee (see fiber.go) so the
// semantics an application sees — "hooking follows the logical control
// flow" — match even though the underlying storage is goroutine-keyed.
var hookEnabled = gls.NewMap[bool]()

// HookEnable turns on hooked (yield-on-block) behavior for the calling
// fiber and anything it resumes from here on.
func HookEnable() { hookEnabled.Set(true) }

// HookDisable turns hooking back off; hooked functions fall back to the
// plain blocking syscall.
func HookDisable() { hookEnabled.Set(false) }

// HookEnabled reports the calling fiber's current hook state.
func HookEnabled() bool {
	v, _ := hookEnabled.Get()
	return v
}

// waitEvent parks the calling fiber until fd is ready for ev, or until
// timeout elapses (a non-positive timeout waits indefinitely). It reports
// whether the wait ended because the event fired (true), or because it
// timed out or the event could not be registered (false).
func waitEvent(io *IOManager, fd int, ev IOEvent, timeout time.Duration) bool {
	var timedOut atomic.Bool
	var timer *Timer
	if timeout > 0 {
		timer = io.TimerManager.Add(timeout, false, func() {
			timedOut.Store(true)
			io.CancelEvent(fd, ev)
		})
	}
	if err := io.AddEvent(fd, ev, nil); err != nil {
		if timer != nil {
			io.TimerManager.Cancel(timer)
		}
		return false
	}
	Current().YieldToHold()
	if timer != nil {
		io.TimerManager.Cancel(timer)
	}
	return !timedOut.Load()
}

// ioRetry runs attempt, silently retrying on EINTR, and if it reports
// EAGAIN/EWOULDBLOCK on a hooked socket, parks the calling fiber until fd is
// ready for ev and tries again. Outside a hooked fiber (or on a non-socket
// fd, an fd with no FdState, or a socket the user has put in non-blocking
// mode) it simply returns the EAGAIN, exactly like the unhooked syscall would.
func ioRetry(fd int, ev IOEvent, attempt func() (int, error)) (int, error) {
	st, _ := Fds().Get(fd, true)
	for {
		if st != nil && st.Closed() {
			return -1, ErrClosed
		}
		n, err := attempt()
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, err
		}
		io := CurrentIOManager()
		if !HookEnabled() || io == nil || st == nil || !st.IsSocket() || st.UserNonBlocking() {
			return n, err
		}
		timeout := st.RecvTimeout()
		if ev == EventWrite {
			timeout = st.SendTimeout()
		}
		if !waitEvent(io, fd, ev, timeout) {
			return -1, ErrTimedOut
		}
	}
}

// Read is a hook-aware replacement for unix.Read: on a hooked, non-ready
// socket it yields the calling fiber instead of blocking the worker.
func Read(fd int, buf []byte) (int, error) {
	return ioRetry(fd, EventRead, func() (int, error) { return unix.Read(fd, buf) })
}

// Write is a hook-aware replacement for unix.Write.
func Write(fd int, buf []byte) (int, error) {
	return ioRetry(fd, EventWrite, func() (int, error) { return unix.Write(fd, buf) })
}

// Accept is a hook-aware replacement for unix.Accept.
func Accept(fd int) (int, unix.Sockaddr, error) {
	st, _ := Fds().Get(fd, true)
	for {
		if st != nil && st.Closed() {
			return -1, nil, ErrClosed
		}
		nfd, sa, err := unix.Accept(fd)
		if err == nil {
			return nfd, sa, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return -1, nil, err
		}
		io := CurrentIOManager()
		if !HookEnabled() || io == nil || st == nil || !st.IsSocket() || st.UserNonBlocking() {
			return -1, nil, err
		}
		if !waitEvent(io, fd, EventRead, st.RecvTimeout()) {
			return -1, nil, ErrTimedOut
		}
	}
}

// Connect is a hook-aware replacement for unix.Connect, applying timeout as
// the maximum time to wait for the connection to complete. A zero timeout
// uses DefaultConnectTimeoutMs; a negative one waits without limit.
func Connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	if timeout == 0 {
		timeout = time.Duration(DefaultConnectTimeoutMs()) * time.Millisecond
	}
	st, _ := Fds().Get(fd, true)
	err := unix.Connect(fd, sa)
	if err == nil || err != unix.EINPROGRESS {
		return err
	}

	io := CurrentIOManager()
	if !HookEnabled() || io == nil || !st.IsSocket() {
		return err
	}
	if !waitEvent(io, fd, EventWrite, timeout) {
		return ErrTimedOut
	}
	soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// Socket is a hook-aware replacement for unix.Socket: it registers the new
// fd with the FdRegistry (forcing it kernel-non-blocking) before returning,
// so a subsequent hooked Read/Write/Connect/Accept sees consistent state.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	Fds().Get(fd, true)
	return fd, nil
}

// Close is a hook-aware replacement for unix.Close: it marks the fd closed
// (so any retry loop still holding its *FdState sees ErrClosed on its next
// iteration instead of retrying against a descriptor that no longer exists),
// cancels any outstanding epoll registrations for fd (waking parked fibers),
// then releases the descriptor.
func Close(fd int) error {
	if st, ok := Fds().Get(fd, false); ok {
		st.SetClosed(true)
	}
	if io := CurrentIOManager(); io != nil {
		io.CancelAll(fd)
	}
	Fds().Del(fd)
	return unix.Close(fd)
}

// Fcntl is a hook-aware replacement for unix.FcntlInt. F_SETFL/F_GETFL on a
// hooked socket report the user's requested non-blocking intent rather than
// the real kernel flag, which the hook layer always forces on for sockets
// so it can multiplex them.
func Fcntl(fd, cmd, arg int) (int, error) {
	st, ok := Fds().Get(fd, false)
	switch {
	case ok && cmd == unix.F_SETFL && st.IsSocket():
		st.SetUserNonBlocking(arg&unix.O_NONBLOCK != 0)
		return unix.FcntlInt(uintptr(fd), cmd, arg|unix.O_NONBLOCK)
	case ok && cmd == unix.F_GETFL && st.IsSocket():
		flags, err := unix.FcntlInt(uintptr(fd), cmd, arg)
		if err != nil {
			return flags, err
		}
		if !st.UserNonBlocking() {
			flags &^= unix.O_NONBLOCK
		}
		return flags, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl hooks FIONBIO, the ioctl-based equivalent of fcntl(F_SETFL,
// O_NONBLOCK), the same way Fcntl does; every other request passes through
// unmodified.
func Ioctl(fd int, request uint, nonBlocking *int) error {
	if request == unix.FIONBIO && nonBlocking != nil {
		st, _ := Fds().Get(fd, true)
		st.SetUserNonBlocking(*nonBlocking != 0)
		if st.IsSocket() {
			return nil
		}
	}
	var v int
	if nonBlocking != nil {
		v = *nonBlocking
	}
	return unix.IoctlSetInt(fd, uint(request), v)
}

// Setsockopt hooks SO_RCVTIMEO/SO_SNDTIMEO, capturing the requested timeout
// in the FdRegistry instead of letting it reach the kernel: a kernel-level
// receive/send timeout makes no sense once the hook layer has forced the
// socket non-blocking, since the kernel would just return EAGAIN instantly.
// value must be a struct timeval-shaped 16 bytes (two 8-byte fields, the
// layout unix.Timeval has on amd64/arm64) for the two timeout options;
// every other option passes through as a 4-byte int, sylar's own scope for
// setsockopt hooking. When hooking is off for the calling fiber, the two
// timeout options go to the kernel unchanged.
func Setsockopt(fd, level, optname int, value []byte) error {
	if level == unix.SOL_SOCKET && (optname == unix.SO_RCVTIMEO || optname == unix.SO_SNDTIMEO) && len(value) >= 16 {
		sec := int64(binary.NativeEndian.Uint64(value[0:8]))
		usec := int64(binary.NativeEndian.Uint64(value[8:16]))
		if !HookEnabled() {
			tv := unix.NsecToTimeval(sec*int64(time.Second) + usec*int64(time.Microsecond))
			return unix.SetsockoptTimeval(fd, level, optname, &tv)
		}
		d := sockoptTimeoutToDuration(sec, usec)
		st, _ := Fds().Get(fd, true)
		if optname == unix.SO_RCVTIMEO {
			st.SetRecvTimeout(d)
		} else {
			st.SetSendTimeout(d)
		}
		return nil
	}
	if len(value) >= 4 {
		return unix.SetsockoptInt(fd, level, optname, int(binary.NativeEndian.Uint32(value[0:4])))
	}
	return nil
}

// Sleep is a hook-aware replacement for time.Sleep: on a hooked fiber it
// parks via a timer instead of blocking the worker thread.
func Sleep(d time.Duration) {
	io := CurrentIOManager()
	if !HookEnabled() || io == nil {
		time.Sleep(d)
		return
	}
	f := Current()
	io.TimerManager.Add(d, false, func() { _ = io.Scheduler.ScheduleFiber(f) })
	f.YieldToHold()
}

// Usleep sleeps for usec microseconds; see Sleep.
func Usleep(usec int64) { Sleep(time.Duration(usec) * time.Microsecond) }

// Nanosleep sleeps for nsec nanoseconds; see Sleep.
func Nanosleep(nsec int64) { Sleep(time.Duration(nsec)) }
