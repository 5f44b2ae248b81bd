// Package sylar is a user-space cooperative coroutine ("fiber") runtime for
// Linux, providing an N:M scheduler, an epoll-backed I/O manager, a timer
// heap, and a syscall-hooking layer that lets ordinary blocking-style code
// (Read, Write, Accept, Connect, Sleep) run on a small pool of worker
// goroutines without ever blocking one.
//
// # Architecture
//
// [Fiber] is the stackful unit of execution: each one runs on its own
// backing goroutine, handed control via an unbuffered channel so that only
// one of {the fiber, its resumer} ever runs at a time. [Scheduler] owns a
// fixed pool of worker goroutines (each pinned to its OS thread via
// runtime.LockOSThread, matching sylar's thread-per-worker model) that pull
// ready fibers and callbacks off a shared queue and resume them in turn,
// falling back to an idle fiber when the queue is empty.
//
// [IOManager] embeds a [Scheduler] and layers epoll-driven readiness
// notification and a [TimerManager] on top: its idle fiber blocks in
// epoll_wait instead of parking on a condition variable, waking on fd
// readiness, an explicit tickle (a write to an eventfd), or the next timer
// deadline. [HookEnable] turns on yield-on-block behavior for the calling
// fiber and anything it resumes; the hooked Read/Write/Accept/Connect/Sleep
// functions then park the fiber instead of blocking the worker whenever the
// underlying syscall would have.
//
// # Platform support
//
// The I/O manager is Linux-only (epoll, eventfd); the fiber, scheduler, and
// timer layers have no OS-specific dependencies.
//
// # Thread safety
//
// [Scheduler.Schedule], [Scheduler.ScheduleFunc], [Scheduler.ScheduleFiber],
// and [IOManager.AddEvent]/[IOManager.CancelEvent] are safe to call from any
// goroutine. A [Fiber] itself is not: only its current resumer may call
// [Fiber.Resume], and only the fiber's own running code may call
// [Fiber.YieldToHold] or [Fiber.YieldToReady].
//
// # Usage
//
//	io, err := sylar.NewIOManager(4, sylar.WithName("server"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer io.Stop()
//
//	f := sylar.New(func() {
//		sylar.HookEnable()
//		fd, _ := sylar.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
//		defer sylar.Close(fd)
//		// ... Accept/Read/Write as if they were blocking calls
//	})
//	io.ScheduleFiber(f)
package sylar
