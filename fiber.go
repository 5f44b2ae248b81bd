package sylar

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/jinkezhen/sylar-go/internal/gls"
)

// State is a Fiber's position in the spec's state machine:
// INIT -> EXEC -> {READY, HOLD, TERM, EXCEPT}, with READY/HOLD looping back
// to EXEC on resume, and TERM/EXCEPT resettable back to INIT.
type State int32

const (
	StateInit State = iota
	StateReady
	StateExec
	StateHold
	StateTerm
	StateExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateExec:
		return "EXEC"
	case StateHold:
		return "HOLD"
	case StateTerm:
		return "TERM"
	case StateExcept:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

var fiberIDs atomic.Uint64

// fiberRegistry maps the goroutine backing a Fiber to that Fiber, giving
// Current() its thread-local behavior. See internal/gls for why.
var fiberRegistry = gls.NewMap[*Fiber]()

// Fiber is a stackful coroutine.
//
// Go's runtime already gives every goroutine a growable, independently
// scheduled stack — the hard part sylar's C++ ancestor solves with hand
// written assembly (ucontext/fcontext register save-restore) Go gets for
// free. A Fiber therefore wraps exactly one goroutine, parked on a pair of
// unbuffered "handoff" channels that stand in for the context-switch
// primitive: Resume sends on resumeCh and blocks on yieldCh, the goroutine's
// body (or a mid-callback yield point) does the mirror image. Exactly one
// side of the pair is ever runnable at a time, which reproduces the
// single-threaded-per-worker guarantee the spec's state machine depends on.
type Fiber struct {
	id             uint64
	state          atomic.Int32
	cb             func()
	schedulerOwned bool
	isMain         bool

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  atomic.Bool

	panicValue any

	// ioMgr carries the ambient IOManager (see CurrentIOManager) from
	// whichever fiber calls Resume across to the target fiber's own
	// goroutine. A Fiber's backing goroutine is distinct from its resumer's,
	// so without this a hook-layer call made from inside f would not find
	// the IOManager its resumer belongs to.
	ioMgr *IOManager
	// hookOn mirrors the resumer's HookEnabled() flag across the same
	// goroutine boundary, giving the hook layer's enable bit fiber-tree
	// inheritance in place of sylar's literal thread-local storage.
	hookOn bool
}

// Option configures a Fiber at construction.
type Option func(*Fiber)

// SchedulerOwned marks a fiber as created by Scheduler.Schedule, so that a
// worker's dispatch loop (rather than application code) is the one expected
// to resume it. This is bookkeeping for the Scheduler, not the swap
// mechanism itself: see the package doc for why Resume always hands control
// back to whichever fiber called it.
func SchedulerOwned(owned bool) Option {
	return func(f *Fiber) { f.schedulerOwned = owned }
}

// New allocates a fiber wrapping cb. The stack-size configuration variable
// is consulted by callers that care about sizing (see DefaultStackSize);
// Fiber itself does not pre-allocate a stack, since goroutine stacks grow
// on demand.
func New(cb func(), opts ...Option) *Fiber {
	f := &Fiber{
		cb:       cb,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
	}
	f.id = fiberIDs.Add(1)
	f.state.Store(int32(StateInit))
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ID returns the fiber's unique, monotonically increasing identifier.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

func (f *Fiber) setState(s State) { f.state.Store(int32(s)) }

// SchedulerOwned reports whether this fiber was created via Schedule
// (resume target convention: a worker's dispatch loop) as opposed to being
// resumed directly by application code.
func (f *Fiber) SchedulerOwned() bool { return f.schedulerOwned }

// IsMain reports whether this is a thread/goroutine's main fiber: the
// zero-stack fiber representing "whatever was already running here",
// lazily created by Current() and permanently EXEC.
func (f *Fiber) IsMain() bool { return f.isMain }

// PanicValue returns the recovered panic value if the fiber ended in
// StateExcept, and nil otherwise.
func (f *Fiber) PanicValue() any { return f.panicValue }

// Current returns the fiber currently executing on the calling goroutine,
// lazily creating that goroutine's main fiber on first call.
func Current() *Fiber {
	if f, ok := fiberRegistry.Get(); ok {
		return f
	}
	f := &Fiber{isMain: true}
	f.id = fiberIDs.Add(1)
	f.state.Store(int32(StateExec))
	f.started.Store(true)
	fiberRegistry.Set(f)
	return f
}

// Resume transitions the fiber INIT/READY/HOLD -> EXEC and swaps execution
// into it, blocking the calling fiber until this fiber next yields (or
// terminates). The calling fiber is the resume target: when f later calls
// YieldToReady/YieldToHold, control returns here.
func (f *Fiber) Resume() {
	invariant(!f.isMain, "cannot resume a main fiber")
	caller := Current()
	invariant(caller.State() == StateExec, "resume called from a fiber that is not EXEC")
	st := f.State()
	invariant(st == StateInit || st == StateReady || st == StateHold,
		"resume called on fiber in state "+st.String())

	f.ensureStarted()
	caller.setState(StateHold)
	f.setState(StateExec)
	f.ioMgr = CurrentIOManager()
	f.hookOn = HookEnabled()

	f.resumeCh <- struct{}{}
	<-f.yieldCh

	caller.setState(StateExec)
}

// ensureStarted lazily spawns the goroutine backing this fiber. It runs
// exactly once per Fiber value, even across Reset: the same parked
// goroutine is reused for the fiber's whole lifetime.
func (f *Fiber) ensureStarted() {
	if f.started.CompareAndSwap(false, true) {
		go f.run()
	}
}

// run is the body of the fiber's backing goroutine. It registers itself as
// the current fiber for this goroutine once, then loops: wait to be
// resumed, run the trampoline to completion (which blocks internally for
// every yield), hand control back, and wait again — so that a later Reset
// can restart the same goroutine from the top.
func (f *Fiber) run() {
	fiberRegistry.Set(f)
	<-f.resumeCh
	for {
		if f.ioMgr != nil {
			ioManagerRegistry.Set(f.ioMgr)
		}
		hookEnabled.Set(f.hookOn)
		f.trampoline()
		f.yieldCh <- struct{}{}
		<-f.resumeCh
	}
}

// trampoline wraps the user callback in a top-level recover, matching the
// spec's requirement that an uncaught failure transitions EXEC->EXCEPT
// (never crashes the worker) while a normal return transitions EXEC->TERM.
func (f *Fiber) trampoline() {
	defer func() {
		if r := recover(); r != nil {
			f.panicValue = r
			f.setState(StateExcept)
			logger().Error("fiber terminated by panic",
				F("fiber_id", f.id), F("panic", r), F("stack", string(debug.Stack())))
		}
	}()
	f.cb()
	if f.State() == StateExec {
		f.setState(StateTerm)
	}
}

// YieldToReady suspends the calling fiber, marking it READY so a scheduler
// will pick it back up, and swaps back to whichever fiber resumed it.
// Must be called on Current().
func (f *Fiber) YieldToReady() {
	invariant(f == Current(), "YieldToReady called on a fiber other than Current()")
	invariant(!f.isMain, "main fiber cannot yield")
	f.setState(StateReady)
	f.yieldCh <- struct{}{}
	<-f.resumeCh
}

// YieldToHold suspends the calling fiber without requesting a reschedule;
// per spec it remains externally EXEC until whoever is driving resume
// (typically a Scheduler) explicitly observes the return and flips it to
// HOLD. Must be called on Current().
func (f *Fiber) YieldToHold() {
	invariant(f == Current(), "YieldToHold called on a fiber other than Current()")
	invariant(!f.isMain, "main fiber cannot yield")
	f.yieldCh <- struct{}{}
	<-f.resumeCh
}

// Reset rebinds the fiber to a new callback, reusing its backing goroutine.
// Valid only from TERM, EXCEPT, or INIT (a no-op rebind before first run).
func (f *Fiber) Reset(cb func()) {
	st := f.State()
	invariant(st == StateInit || st == StateTerm || st == StateExcept,
		"reset called on fiber in state "+st.String())
	f.cb = cb
	f.panicValue = nil
	f.setState(StateInit)
}
