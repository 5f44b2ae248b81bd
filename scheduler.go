package sylar

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ReadyTask is one unit of work waiting in a Scheduler's ready queue: either
// a fiber to resume, or a plain callback to run on a reusable per-worker
// callback fiber. ThreadID pins the task to a specific worker (-1 for "any
// idle worker"), mirroring the thread-affinity hint sylar's scheduler takes
// per task.
type ReadyTask struct {
	Fiber    *Fiber
	Callback func()
	ThreadID int
}

// Scheduler is an N:M cooperative dispatcher: a fixed pool of worker
// goroutines, each running a loop that resumes whatever ready fiber or
// callback it finds, falling back to an idle fiber (see idleFactory) when
// the queue is empty. IOManager embeds a Scheduler and overrides idleFactory
// and stoppingExtra to turn "idle" into "block in epoll_wait".
type Scheduler struct {
	name      string
	useCaller bool

	mu    sync.Mutex
	ready []ReadyTask
	cond  *sync.Cond

	stopFlag atomic.Bool
	active   atomic.Int32
	idle     atomic.Int32

	workerCount int
	eg          errgroup.Group

	rootFiber *Fiber
	rootRan   atomic.Bool

	// idleFactory builds the per-worker idle fiber. Overridable so IOManager
	// can substitute an epoll-driven idle loop for the default park-on-cond
	// one.
	idleFactory func(workerID int) *Fiber
	// stoppingExtra, when set, is ANDed into Stopping() — IOManager uses this
	// to also require its pending-event and timer sets be empty.
	stoppingExtra func() bool
	// tickleFunc wakes idle workers. The default broadcasts cond; IOManager
	// replaces it with a write to its wake eventfd so a worker blocked in
	// epoll_wait notices.
	tickleFunc func()
	// onWorkerStart, when set, runs once at the top of each worker's
	// dispatch loop, on that worker's own goroutine. IOManager uses this to
	// register itself as "the IOManager owning this goroutine" (see
	// CurrentIOManager) so hook-layer code can find it without a handle
	// being threaded through every call.
	onWorkerStart func(workerID int)
}

// NewScheduler constructs a Scheduler with n workers. Workers are not
// started until Start is called, so embedders (IOManager) can install their
// hooks first.
func NewScheduler(n int, opts ...SchedulerOption) *Scheduler {
	invariant(n > 0, "scheduler worker count must be positive")
	cfg := resolveSchedulerOptions(opts)
	s := &Scheduler{
		name:        cfg.name,
		useCaller:   cfg.useCaller,
		workerCount: n,
	}
	s.cond = sync.NewCond(&s.mu)
	s.idleFactory = s.defaultIdleFiber
	s.tickleFunc = s.defaultTickle
	return s
}

// Start spawns the worker pool. If the scheduler was built with
// WithUseCaller, n-1 goroutines are spawned and the n'th worker is wrapped
// in a root fiber that the caller must drive via RunCaller (Stop does this
// automatically for a scheduler that is being stopped from its own caller
// goroutine).
func (s *Scheduler) Start() error {
	spawn := s.workerCount
	if s.useCaller {
		spawn--
		s.rootFiber = New(func() { s.workerLoop(s.workerCount - 1) }, SchedulerOwned(true))
	}
	for i := 0; i < spawn; i++ {
		id := i
		s.eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("sylar: scheduler %q worker %d crashed: %v", s.name, id, r)
				}
			}()
			s.workerLoop(id)
			return nil
		})
	}
	return nil
}

// RunCaller drives the root fiber created for WithUseCaller(true) schedulers
// on the calling goroutine. It blocks until that worker's dispatch loop
// exits (i.e. until the scheduler is stopping and drained). Calling it more
// than once, or on a scheduler not built with WithUseCaller, is a no-op.
func (s *Scheduler) RunCaller() {
	if !s.useCaller || s.rootFiber == nil {
		return
	}
	if s.rootRan.CompareAndSwap(false, true) {
		s.rootFiber.Resume()
	}
}

// Schedule enqueues a single task.
func (s *Scheduler) Schedule(task ReadyTask) error {
	return s.ScheduleAll([]ReadyTask{task})
}

// ScheduleFunc enqueues cb to run on a reusable per-worker callback fiber.
func (s *Scheduler) ScheduleFunc(cb func()) error {
	return s.Schedule(ReadyTask{Callback: cb, ThreadID: -1})
}

// ScheduleFiber enqueues an existing fiber for resumption.
func (s *Scheduler) ScheduleFiber(f *Fiber) error {
	return s.Schedule(ReadyTask{Fiber: f, ThreadID: -1})
}

// ScheduleAll enqueues a batch of tasks atomically with respect to the
// empty-queue tickle check: a batch submitted into an empty queue tickles
// workers exactly once, not once per task.
func (s *Scheduler) ScheduleAll(tasks []ReadyTask) error {
	if s.stopFlag.Load() {
		return ErrSchedulerStopped
	}
	s.mu.Lock()
	wasEmpty := len(s.ready) == 0
	s.ready = append(s.ready, tasks...)
	s.mu.Unlock()
	if wasEmpty {
		s.tickleFunc()
	}
	return nil
}

// Stopping reports whether the scheduler has been told to stop, has no
// queued work, and has no worker actively executing a fiber or callback
// (plus any embedder-supplied extra condition, e.g. IOManager's pending
// event/timer sets).
func (s *Scheduler) Stopping() bool {
	if !s.stopFlag.Load() {
		return false
	}
	s.mu.Lock()
	empty := len(s.ready) == 0
	s.mu.Unlock()
	if !empty || s.active.Load() != 0 {
		return false
	}
	if s.stoppingExtra != nil && !s.stoppingExtra() {
		return false
	}
	return true
}

// Stop requests a graceful shutdown and waits for every worker to drain and
// exit. It is safe to call more than once. If the scheduler uses a caller
// worker that has not yet been driven via RunCaller, Stop drives it itself
// so the caller's own goroutine contributes to draining the final work
// before everyone joins.
func (s *Scheduler) Stop() error {
	s.stopFlag.Store(true)
	s.tickleFunc()
	s.RunCaller()
	return s.eg.Wait()
}

// ActiveCount returns the number of workers currently executing a fiber or
// callback (as opposed to idle).
func (s *Scheduler) ActiveCount() int32 { return s.active.Load() }

// IdleCount returns the number of workers currently parked in their idle
// fiber.
func (s *Scheduler) IdleCount() int32 { return s.idle.Load() }

func (s *Scheduler) defaultTickle() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// defaultIdleFiber is the base Scheduler's idle behavior: park on cond until
// new work arrives or a stop is requested, then yield back to the dispatch
// loop so it can re-scan the ready queue. IOManager replaces this with a
// factory whose fiber blocks in epoll_wait instead of sync.Cond.Wait.
func (s *Scheduler) defaultIdleFiber(workerID int) *Fiber {
	return New(func() {
		for {
			if s.Stopping() {
				return
			}
			s.mu.Lock()
			for len(s.ready) == 0 && !s.stopFlag.Load() {
				s.cond.Wait()
			}
			s.mu.Unlock()
			Current().YieldToHold()
		}
	}, SchedulerOwned(true))
}

// popReadyTask removes and returns the first task in the ready queue whose
// thread affinity matches workerID and whose fiber (if any) is not already
// running elsewhere. tickleAfter reports whether a skipped task was pinned
// to a different worker, meaning that worker should be nudged in case it is
// idle.
func (s *Scheduler) popReadyTask(workerID int) (task ReadyTask, tickleAfter bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.ready {
		if t.ThreadID != -1 && t.ThreadID != workerID {
			tickleAfter = true
			continue
		}
		if t.Fiber != nil && t.Fiber.State() == StateExec {
			continue
		}
		s.ready = append(s.ready[:i], s.ready[i+1:]...)
		return t, tickleAfter, true
	}
	return ReadyTask{}, tickleAfter, false
}

// workerLoop is the body of one worker: repeatedly take a ready task and run
// it, falling back to the idle fiber when the queue has nothing for this
// worker. It pins itself to an OS thread for the run's duration, matching
// the one-worker-per-native-thread model the spec describes (Go's runtime
// would otherwise happily migrate the goroutine between Ms, which is
// harmless for correctness here but not in the spirit of "N:M onto OS
// threads").
func (s *Scheduler) workerLoop(id int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if s.onWorkerStart != nil {
		s.onWorkerStart(id)
	}

	idleFiber := s.idleFactory(id)
	var cbFiber *Fiber

	for {
		task, tickleAfter, ok := s.popReadyTask(id)
		if tickleAfter {
			s.tickleFunc()
		}
		if ok {
			switch {
			case task.Fiber != nil:
				if st := task.Fiber.State(); st == StateTerm || st == StateExcept {
					continue
				}
				s.runFiberTask(task.Fiber)
			default:
				if cbFiber == nil {
					cbFiber = New(task.Callback, SchedulerOwned(true))
				} else {
					cbFiber.Reset(task.Callback)
				}
				s.runFiberTask(cbFiber)
				if st := cbFiber.State(); st != StateTerm && st != StateExcept {
					// The callback yielded; settle has either resubmitted it
					// as an ordinary fiber task (YieldToReady) or left it HOLD
					// for whoever resumes it (YieldToHold). Our cached slot can't be
					// reused until that continuation finishes, so drop it
					// and let the next callback get a fresh fiber.
					cbFiber = nil
				}
			}
			continue
		}

		s.idle.Add(1)
		idleFiber.Resume()
		s.idle.Add(-1)
		s.settle(idleFiber)
		if idleFiber.State() == StateTerm {
			break
		}
	}
}

// runFiberTask resumes f, then applies the spec's post-resume bookkeeping
// via settle.
func (s *Scheduler) runFiberTask(f *Fiber) {
	s.active.Add(1)
	f.Resume()
	s.active.Add(-1)
	s.settle(f)
}

// settle applies the spec's post-resume bookkeeping: a fiber still EXEC
// (because it called YieldToHold) is flipped to HOLD so a later Resume is
// legal; a fiber that called YieldToReady is immediately re-enqueued.
// TERM/EXCEPT fibers are left alone.
func (s *Scheduler) settle(f *Fiber) {
	switch f.State() {
	case StateExec:
		f.setState(StateHold)
	case StateReady:
		_ = s.ScheduleFiber(f)
	}
}
