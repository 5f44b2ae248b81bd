package sylar

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FdState tracks the hook layer's bookkeeping for one file descriptor: is it
// a socket, did the user explicitly ask for (or against) non-blocking mode,
// and what send/receive timeouts has the user configured via setsockopt.
// Every blocking syscall the hook layer intercepts consults this before
// deciding whether to park the calling fiber or hand off to the kernel
// directly.
type FdState struct {
	fd int

	isSocket     bool
	sysNonBlock  bool // the fd's actual kernel O_NONBLOCK bit, forced on by us
	userNonBlock bool // what the user asked for, independent of sysNonBlock
	closed       bool

	recvTimeout time.Duration
	sendTimeout time.Duration
}

// IsSocket reports whether fstat identified this fd as a socket.
func (s *FdState) IsSocket() bool { return s.isSocket }

// UserNonBlocking reports whether the user has asked for non-blocking
// semantics on this fd (via Fcntl F_SETFL or Ioctl FIONBIO), independent of
// the kernel-level non-blocking flag the hook layer forces on every socket
// so it can multiplex blocking-looking calls through the IOManager.
func (s *FdState) UserNonBlocking() bool { return s.userNonBlock }

// SetUserNonBlocking records the user's intent, without touching the real
// kernel flag (which the hook layer always forces non-blocking for
// sockets).
func (s *FdState) SetUserNonBlocking(v bool) { s.userNonBlock = v }

// RecvTimeout returns the SO_RCVTIMEO the user configured, or 0 if none.
func (s *FdState) RecvTimeout() time.Duration { return s.recvTimeout }

// SetRecvTimeout records a SO_RCVTIMEO value captured from setsockopt,
// rather than letting it reach the kernel (which would otherwise make the
// now-nonblocking socket's blocking syscalls behave inconsistently).
func (s *FdState) SetRecvTimeout(d time.Duration) { s.recvTimeout = d }

// SendTimeout returns the SO_SNDTIMEO the user configured, or 0 if none.
func (s *FdState) SendTimeout() time.Duration { return s.sendTimeout }

// SetSendTimeout records a SO_SNDTIMEO value captured from setsockopt.
func (s *FdState) SetSendTimeout(d time.Duration) { s.sendTimeout = d }

// Closed reports whether the hook layer's Close has already run for this
// fd. A *FdState captured by an in-flight Read/Write/Accept retry loop stays
// valid (and observable) even after the registry itself forgets the fd, so
// the loop can still notice a concurrent close and fail with ErrClosed
// instead of retrying a syscall against a descriptor that no longer exists.
func (s *FdState) Closed() bool { return s.closed }

// SetClosed marks the fd closed.
func (s *FdState) SetClosed(v bool) { s.closed = v }

// FdRegistry is the process-wide table of hooked file descriptors, mirroring
// sylar's FdManager singleton. Entries grow geometrically as higher fds are
// first seen, same tradeoff the teacher's direct-indexed poller array makes
// the other way (a fixed 65536-slot array): here the table starts small and
// grows, since a hooked process may never open a high fd at all.
type FdRegistry struct {
	mu    sync.RWMutex
	table []*FdState
}

var globalFdRegistry = &FdRegistry{}

// Fds returns the process-wide FdRegistry singleton.
func Fds() *FdRegistry { return globalFdRegistry }

// Get returns the FdState for fd, creating it via fstat-based socket
// detection if autoCreate is true and no entry exists yet. ok is false when
// fd is negative, or when autoCreate is false and no entry exists.
func (r *FdRegistry) Get(fd int, autoCreate bool) (state *FdState, ok bool) {
	if fd < 0 {
		return nil, false
	}

	r.mu.RLock()
	if fd < len(r.table) && r.table[fd] != nil {
		s := r.table[fd]
		r.mu.RUnlock()
		return s, true
	}
	r.mu.RUnlock()

	if !autoCreate {
		return nil, false
	}

	s := &FdState{fd: fd, isSocket: detectSocket(fd)}
	if s.isSocket {
		forceNonBlocking(fd)
		s.sysNonBlock = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if fd < len(r.table) && r.table[fd] != nil {
		return r.table[fd], true
	}
	r.grow(fd)
	r.table[fd] = s
	return s, true
}

// Del removes fd's entry, e.g. once the hook layer's Close wrapper has
// closed the underlying descriptor.
func (r *FdRegistry) Del(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd >= 0 && fd < len(r.table) {
		r.table[fd] = nil
	}
}

// grow must be called with mu held for writing. It expands table by at
// least 1.5x so that a process opening fds in a tight loop doesn't pay for a
// reallocation on every single one.
func (r *FdRegistry) grow(fd int) {
	if fd < len(r.table) {
		return
	}
	newLen := len(r.table) + len(r.table)/2 + 1
	if newLen <= fd {
		newLen = fd + 1
	}
	grown := make([]*FdState, newLen)
	copy(grown, r.table)
	r.table = grown
}

func detectSocket(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFSOCK
}

func forceNonBlocking(fd int) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return
	}
	if flags&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	}
}

// sockoptTimeoutToDuration converts a struct timeval-shaped SO_RCVTIMEO /
// SO_SNDTIMEO value (seconds + microseconds) into a time.Duration truncated
// to whole milliseconds. The microsecond field counts in full (usec*1000
// nanoseconds); a usec%1000/1000 conversion would always yield zero and drop
// it entirely.
func sockoptTimeoutToDuration(sec, usec int64) time.Duration {
	d := time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
	return d.Truncate(time.Millisecond)
}
