package sylar

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerManager_AddAndListExpired(t *testing.T) {
	var tm TimerManager
	var fired atomic.Bool
	tm.Add(10*time.Millisecond, false, func() { fired.Store(true) })

	assert.Empty(t, tm.ListExpired(), "should not be due yet")
	time.Sleep(20 * time.Millisecond)
	cbs := tm.ListExpired()
	require.Len(t, cbs, 1)
	cbs[0]()
	assert.True(t, fired.Load())

	assert.Empty(t, tm.ListExpired(), "one-shot timer should not fire twice")
}

func TestTimerManager_RecurringReArms(t *testing.T) {
	var tm TimerManager
	var count atomic.Int32
	tm.Add(5*time.Millisecond, true, func() { count.Add(1) })

	time.Sleep(12 * time.Millisecond)
	for _, cb := range tm.ListExpired() {
		cb()
	}
	assert.True(t, tm.HasTimers(), "recurring timer re-arms itself")

	time.Sleep(12 * time.Millisecond)
	for _, cb := range tm.ListExpired() {
		cb()
	}
	assert.GreaterOrEqual(t, count.Load(), int32(2))
}

func TestTimerManager_CancelPreventsFiring(t *testing.T) {
	var tm TimerManager
	var fired atomic.Bool
	timer := tm.Add(5*time.Millisecond, false, func() { fired.Store(true) })
	tm.Cancel(timer)

	time.Sleep(15 * time.Millisecond)
	assert.Empty(t, tm.ListExpired())
	assert.False(t, fired.Load())
}

func TestTimerManager_RefreshPostponesExpiry(t *testing.T) {
	var tm TimerManager
	timer := tm.Add(10*time.Millisecond, false, func() {})

	time.Sleep(5 * time.Millisecond)
	tm.Refresh(timer)

	time.Sleep(7 * time.Millisecond)
	assert.Empty(t, tm.ListExpired(), "refreshed timer should not have expired yet")

	time.Sleep(6 * time.Millisecond)
	assert.Len(t, tm.ListExpired(), 1)
}

func TestTimerManager_ResetNotFromNowRebasesOnOriginalStart(t *testing.T) {
	var tm TimerManager
	timer := tm.Add(20*time.Millisecond, false, func() {})
	originalStart := timer.at.Add(-timer.interval)

	// fromNow=false must rebase on the timer's original start, not on
	// time.Now() and not on the timer's current (already-elapsed-towards)
	// deadline, or every such Reset would drift the deadline forward by a
	// full extra interval.
	tm.Reset(timer, 30*time.Millisecond, false)

	assert.WithinDuration(t, originalStart.Add(30*time.Millisecond), timer.at, 2*time.Millisecond)
}

func TestTimerManager_NextTimeoutReflectsSoonestTimer(t *testing.T) {
	var tm TimerManager
	_, ok := tm.NextTimeout()
	assert.False(t, ok, "empty manager has no next timeout")

	tm.Add(50*time.Millisecond, false, func() {})
	tm.Add(5*time.Millisecond, false, func() {})

	d, ok := tm.NextTimeout()
	require.True(t, ok)
	assert.Less(t, d, 50*time.Millisecond)
}

func TestAddCondition_SkipsCallbackWhenTargetCollected(t *testing.T) {
	var tm TimerManager
	var fired atomic.Bool

	func() {
		obj := new(int)
		AddCondition(&tm, 5*time.Millisecond, obj, func() { fired.Store(true) })
		runtime.KeepAlive(obj)
	}()
	// obj is now unreachable.
	runtime.GC()
	runtime.GC()

	time.Sleep(15 * time.Millisecond)
	cbs := tm.ListExpired()
	for _, cb := range cbs {
		cb()
	}
	assert.False(t, fired.Load(), "condition timer must not fire once its target is collected")
}

func TestAddCondition_FiresWhenTargetStillAlive(t *testing.T) {
	var tm TimerManager
	var fired atomic.Bool
	obj := new(int)
	AddCondition(&tm, 5*time.Millisecond, obj, func() { fired.Store(true) })

	time.Sleep(15 * time.Millisecond)
	for _, cb := range tm.ListExpired() {
		cb()
	}
	assert.True(t, fired.Load())
	runtime.KeepAlive(obj)
}

func TestTimerManager_OnFrontChangedFiresOnlyWhenFrontMoves(t *testing.T) {
	var tm TimerManager
	var calls atomic.Int32
	tm.onFrontChanged = func() { calls.Add(1) }

	tm.Add(50*time.Millisecond, false, func() {})
	assert.Equal(t, int32(1), calls.Load(), "first timer is always the new front")

	tm.Add(100*time.Millisecond, false, func() {})
	assert.Equal(t, int32(1), calls.Load(), "later, non-front timer should not notify")

	tm.Add(5*time.Millisecond, false, func() {})
	assert.Equal(t, int32(2), calls.Load(), "a new soonest timer should notify")
}
