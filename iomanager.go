package sylar

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinkezhen/sylar-go/internal/gls"
	"golang.org/x/sys/unix"
)

// ioManagerRegistry gives the hook layer a way to find "the IOManager
// driving the current goroutine" without threading a handle through every
// hooked syscall, the same goroutine-local trick Fiber's Current() uses.
var ioManagerRegistry = gls.NewMap[*IOManager]()

// CurrentIOManager returns the IOManager whose worker pool is driving the
// calling goroutine, or nil if none (e.g. called from outside any worker
// fiber, or a goroutine never dispatched by an IOManager).
func CurrentIOManager() *IOManager {
	io, _ := ioManagerRegistry.Get()
	return io
}

// IOEvent identifies one edge a caller can register interest in on a file
// descriptor.
type IOEvent uint32

const (
	// EventRead fires when fd becomes readable (or has an error/hangup
	// condition, so a blocked reader can observe it via the real read call).
	EventRead IOEvent = 1 << iota
	// EventWrite fires when fd becomes writable (or has an error/hangup
	// condition).
	EventWrite
)

// eventWaiter is what's registered against one (fd, event) pair: either an
// explicit callback, or (if nil) the fiber to resume, captured via Current()
// at registration time.
type eventWaiter struct {
	cb    func()
	fiber *Fiber
}

// fdContext is the per-fd bookkeeping an IOManager keeps: which events are
// currently registered with epoll, and who to notify for each.
type fdContext struct {
	mu          sync.Mutex
	fd          int
	registered  uint32 // the epoll mask currently installed, 0 if not in epoll at all
	read, write *eventWaiter
}

func (c *fdContext) wantedMask() uint32 {
	var m uint32
	if c.read != nil {
		m |= epollinMask
	}
	if c.write != nil {
		m |= epolloutMask
	}
	return m
}

// IOManager is a Scheduler whose idle behavior is "block in epoll_wait",
// plus a TimerManager whose expirations are drained on every wake. This
// mirrors the teacher's FastPoller plus its loop's timer integration, welded
// onto sylar's fiber-resuming event model instead of FastPoller's plain
// callback-invocation one: here, AddEvent can resume a parked fiber directly
// instead of requiring the caller to supply a callback.
type IOManager struct {
	*Scheduler
	TimerManager

	epfd   int
	wakeFd int

	mu       sync.RWMutex
	contexts map[int]*fdContext

	pending atomic.Int32 // outstanding (fd,event) registrations
}

// NewIOManager constructs an IOManager with n workers, wiring its epoll
// instance and wake eventfd, and starting the worker pool.
func NewIOManager(n int, opts ...SchedulerOption) (*IOManager, error) {
	epfd, err := newEpoll()
	if err != nil {
		return nil, osError("epoll_create1", err)
	}
	wakeFd, err := newWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, osError("eventfd", err)
	}
	if err := epollAdd(epfd, wakeFd, epollinMask); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, osError("epoll_ctl(wakeFd)", err)
	}

	io := &IOManager{
		epfd:     epfd,
		wakeFd:   wakeFd,
		contexts: make(map[int]*fdContext),
	}
	io.Scheduler = NewScheduler(n, opts...)
	io.Scheduler.idleFactory = io.newIdleFiber
	io.Scheduler.stoppingExtra = io.stoppingExtra
	io.Scheduler.tickleFunc = io.tickle
	io.Scheduler.onWorkerStart = func(int) { ioManagerRegistry.Set(io) }
	io.TimerManager.onFrontChanged = io.tickle

	if err := io.Scheduler.Start(); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, err
	}
	return io, nil
}

func (io *IOManager) getContext(fd int, autoCreate bool) *fdContext {
	io.mu.RLock()
	c := io.contexts[fd]
	io.mu.RUnlock()
	if c != nil || !autoCreate {
		return c
	}
	io.mu.Lock()
	defer io.mu.Unlock()
	if c := io.contexts[fd]; c != nil {
		return c
	}
	c = &fdContext{fd: fd}
	io.contexts[fd] = c
	return c
}

// AddEvent registers interest in ev on fd. If cb is nil, the calling fiber
// is captured and resumed (via the Scheduler) once the event fires; cb must
// only be nil when called from a non-main fiber, matching YieldToHold's
// restriction. Registering an already-registered (fd, ev) pair is a
// programming error — the caller must DelEvent/CancelEvent (or wait for the
// event to fire) first — and panics via invariant, rather than silently
// replacing the existing waiter.
func (io *IOManager) AddEvent(fd int, ev IOEvent, cb func()) error {
	c := io.getContext(fd, true)

	var w eventWaiter
	if cb != nil {
		w.cb = cb
	} else {
		w.fiber = Current()
	}

	c.mu.Lock()
	before := c.registered
	switch ev {
	case EventRead:
		if c.read != nil {
			c.mu.Unlock()
			invariant(false, "AddEvent: fd already has a registered read waiter")
		}
		c.read = &w
	case EventWrite:
		if c.write != nil {
			c.mu.Unlock()
			invariant(false, "AddEvent: fd already has a registered write waiter")
		}
		c.write = &w
	default:
		c.mu.Unlock()
		invariant(false, "AddEvent requires exactly one of EventRead/EventWrite")
	}
	after := c.wantedMask()
	c.registered = after
	c.mu.Unlock()

	io.pending.Add(1)

	var err error
	switch {
	case before == 0:
		err = epollAdd(io.epfd, fd, after)
	case after != before:
		err = epollMod(io.epfd, fd, after)
	}
	return osError("epoll_ctl", err)
}

// DelEvent removes a registered interest without notifying its waiter. It
// returns ErrNotRegistered if (fd, ev) had no registered waiter.
func (io *IOManager) DelEvent(fd int, ev IOEvent) error {
	return io.removeEvent(fd, ev, false)
}

// CancelEvent removes a registered interest and immediately schedules its
// waiter as if the event had fired, the idiomatic way for a caller (e.g. a
// connect-with-timeout implementation) to force a parked fiber to wake up
// with nothing to read. It returns ErrNotRegistered if (fd, ev) had no
// registered waiter.
func (io *IOManager) CancelEvent(fd int, ev IOEvent) error {
	return io.removeEvent(fd, ev, true)
}

func (io *IOManager) removeEvent(fd int, ev IOEvent, notify bool) error {
	c := io.getContext(fd, false)
	if c == nil {
		return ErrNotRegistered
	}

	c.mu.Lock()
	var w *eventWaiter
	switch ev {
	case EventRead:
		w, c.read = c.read, nil
	case EventWrite:
		w, c.write = c.write, nil
	}
	before := c.registered
	after := c.wantedMask()
	c.registered = after
	c.mu.Unlock()

	if w == nil {
		return ErrNotRegistered
	}
	io.pending.Add(-1)

	switch {
	case after == 0 && before != 0:
		_ = epollDel(io.epfd, fd)
	case after != before:
		_ = epollMod(io.epfd, fd, after)
	}

	if notify {
		io.notify(w)
	}
	return nil
}

// CancelAll removes every registered interest on fd (notifying both
// waiters, if any) and forgets fd entirely, typically called right before
// closing it.
func (io *IOManager) CancelAll(fd int) {
	io.CancelEvent(fd, EventRead)
	io.CancelEvent(fd, EventWrite)
	io.mu.Lock()
	delete(io.contexts, fd)
	io.mu.Unlock()
}

func (io *IOManager) notify(w *eventWaiter) {
	if w.cb != nil {
		_ = io.Scheduler.ScheduleFunc(w.cb)
		return
	}
	_ = io.Scheduler.ScheduleFiber(w.fiber)
}

func (io *IOManager) tickle() {
	wakeWrite(io.wakeFd)
}

func (io *IOManager) stoppingExtra() bool {
	return io.pending.Load() == 0 && !io.TimerManager.HasTimers()
}

// newIdleFiber is installed as the Scheduler's idleFactory: instead of
// parking on a condition variable, each idle worker blocks in epoll_wait,
// dispatching ready fds and expired timers on every wake.
func (io *IOManager) newIdleFiber(workerID int) *Fiber {
	buf := make([]unix.EpollEvent, 256)
	return New(func() {
		for {
			if io.Scheduler.Stopping() {
				return
			}

			timeoutMs := -1
			if d, ok := io.TimerManager.NextTimeout(); ok {
				timeoutMs = int(d / time.Millisecond)
				if d%time.Millisecond != 0 || timeoutMs == 0 {
					timeoutMs++
				}
			}

			events, err := epollWaitOnce(io.epfd, buf, timeoutMs)

			// Timer expiry is scheduled before epoll readiness within the
			// same idle iteration, so a timer due at the same moment an fd
			// becomes ready always runs first.
			for _, cb := range io.TimerManager.ListExpired() {
				_ = io.Scheduler.ScheduleFunc(cb)
			}

			if err == nil {
				for _, e := range events {
					if int(e.fd) == io.wakeFd {
						wakeDrain(io.wakeFd)
						continue
					}
					io.dispatch(int(e.fd), e.events)
				}
			}

			Current().YieldToHold()
		}
	}, SchedulerOwned(true))
}

func (io *IOManager) dispatch(fd int, mask uint32) {
	c := io.getContext(fd, false)
	if c == nil {
		return
	}

	errorish := mask&(epollerrMask|epollhupMask) != 0

	c.mu.Lock()
	var ready []*eventWaiter
	if (mask&epollinMask != 0 || errorish) && c.read != nil {
		ready = append(ready, c.read)
		c.read = nil
	}
	if (mask&epolloutMask != 0 || errorish) && c.write != nil {
		ready = append(ready, c.write)
		c.write = nil
	}
	before := c.registered
	after := c.wantedMask()
	c.registered = after
	c.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	io.pending.Add(int32(-len(ready)))

	switch {
	case after == 0 && before != 0:
		_ = epollDel(io.epfd, fd)
	case after != before:
		_ = epollMod(io.epfd, fd, after)
	}

	for _, w := range ready {
		io.notify(w)
	}
}

// Close releases the epoll instance and wake fd. Stop should be called
// first so no worker is still polling them.
func (io *IOManager) Close() error {
	err1 := unix.Close(io.epfd)
	err2 := unix.Close(io.wakeFd)
	if err1 != nil {
		return osError("close(epfd)", err1)
	}
	return osError("close(wakeFd)", err2)
}
