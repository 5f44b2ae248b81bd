package sylar

import (
	"container/heap"
	"sync"
	"time"
	"weak"
)

// clockRollbackThreshold is how far backward the wall clock must jump,
// between two ListExpired calls, before every outstanding timer is treated
// as expired. A well-behaved clock only moves backward by small NTP
// corrections; anything larger means an operator (or a misbehaving VM host)
// stepped the clock, and waiting for the "original" deadlines could hang
// forever.
const clockRollbackThreshold = time.Hour

// Timer is a single scheduled callback managed by a TimerManager.
type Timer struct {
	mgr       *TimerManager
	at        time.Time
	interval  time.Duration
	recurring bool
	cb        func()
	alive     func() bool // nil for unconditional timers
	index     int         // heap.Interface bookkeeping
	cancelled bool
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerManager maintains an ordered set of future callbacks, grounded on
// the same container/heap min-heap approach the teacher uses for its
// promise-expiry bookkeeping, generalized here to recurring timers and to
// conditions that may go away before they fire.
//
// It is designed to be embedded (IOManager embeds one alongside Scheduler),
// not used standalone: ListExpired hands back callbacks for the embedder to
// schedule, it does not run them itself.
type TimerManager struct {
	mu      sync.Mutex
	timers  timerHeap
	lastNow time.Time

	// onFrontChanged, when set, is invoked whenever a newly added timer
	// becomes the soonest outstanding one, so an IOManager can tickle its
	// wait so NextTimeout is recomputed immediately rather than after the
	// previous (now stale) timeout value elapses.
	onFrontChanged func()
}

// Add schedules cb to run once after d, or repeatedly every d if recurring.
func (tm *TimerManager) Add(d time.Duration, recurring bool, cb func()) *Timer {
	return tm.add(d, recurring, cb, nil)
}

// AddCondition schedules cb to run after d, but only if obj is still
// reachable (has not been garbage collected) at expiry. This is the
// idiomatic Go replacement for the teacher's weak_ptr-gated timer: a
// condition timer whose target object has already gone away is simply
// dropped by ListExpired instead of invoking cb.
func AddCondition[T any](tm *TimerManager, d time.Duration, obj *T, cb func()) *Timer {
	wp := weak.Make(obj)
	return tm.add(d, false, cb, func() bool { return wp.Value() != nil })
}

func (tm *TimerManager) add(d time.Duration, recurring bool, cb func(), alive func() bool) *Timer {
	invariant(cb != nil, "timer callback must not be nil")
	t := &Timer{
		mgr:       tm,
		at:        time.Now().Add(d),
		interval:  d,
		recurring: recurring,
		cb:        cb,
		alive:     alive,
	}
	tm.mu.Lock()
	wasFront := tm.timers.Len() == 0 || t.at.Before(tm.timers[0].at)
	heap.Push(&tm.timers, t)
	tm.mu.Unlock()
	if wasFront && tm.onFrontChanged != nil {
		tm.onFrontChanged()
	}
	return t
}

// Cancel removes t from the set. It is a no-op if t has already fired or
// been cancelled.
func (tm *TimerManager) Cancel(t *Timer) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t.cancelled || t.index < 0 {
		return
	}
	heap.Remove(&tm.timers, t.index)
	t.cancelled = true
}

// Refresh re-arms t to fire one interval (for a one-shot, its original
// delay) from now, keeping the same callback.
func (tm *TimerManager) Refresh(t *Timer) {
	tm.Reset(t, t.interval, true)
}

// Reset re-arms t to fire after d. If fromNow is false, d is measured from
// t's original start (its previous expiry minus its previous interval)
// rather than the current time, matching sylar's reset(), which computes
// start := m_next - m_ms before reassigning m_ms so phase is preserved for
// recurring timers instead of always rebasing on "now".
func (tm *TimerManager) Reset(t *Timer, d time.Duration, fromNow bool) {
	tm.mu.Lock()
	if !t.cancelled && t.index >= 0 {
		heap.Remove(&tm.timers, t.index)
	}
	t.cancelled = false
	if fromNow {
		t.interval = d
		t.at = time.Now().Add(d)
	} else {
		start := t.at.Add(-t.interval)
		t.interval = d
		t.at = start.Add(d)
	}
	wasFront := tm.timers.Len() == 0 || t.at.Before(tm.timers[0].at)
	heap.Push(&tm.timers, t)
	tm.mu.Unlock()
	if wasFront && tm.onFrontChanged != nil {
		tm.onFrontChanged()
	}
}

// NextTimeout returns how long until the soonest outstanding timer expires.
// ok is false when there are no outstanding timers at all.
func (tm *TimerManager) NextTimeout() (d time.Duration, ok bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.timers.Len() == 0 {
		return 0, false
	}
	until := time.Until(tm.timers[0].at)
	if until < 0 {
		return 0, true
	}
	return until, true
}

// HasTimers reports whether any timer is outstanding, used by IOManager's
// Stopping() override.
func (tm *TimerManager) HasTimers() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.timers.Len() > 0
}

// ListExpired pops every timer due at or before now (or, if the wall clock
// has jumped backward by more than clockRollbackThreshold since the last
// call, every outstanding timer regardless of its nominal deadline) and
// returns their callbacks. Condition timers whose target has been collected
// are dropped silently. Recurring timers are re-armed for their next
// interval before their callback is returned.
func (tm *TimerManager) ListExpired() []func() {
	now := time.Now()

	tm.mu.Lock()
	rollback := !tm.lastNow.IsZero() && now.Before(tm.lastNow.Add(-clockRollbackThreshold))
	tm.lastNow = now

	var due []*Timer
	for tm.timers.Len() > 0 {
		next := tm.timers[0]
		if !rollback && next.at.After(now) {
			break
		}
		heap.Pop(&tm.timers)
		due = append(due, next)
	}

	var cbs []func()
	for _, t := range due {
		if t.alive != nil && !t.alive() {
			continue
		}
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.at = now.Add(t.interval)
			heap.Push(&tm.timers, t)
		} else {
			t.cancelled = true
		}
	}
	tm.mu.Unlock()

	return cbs
}
