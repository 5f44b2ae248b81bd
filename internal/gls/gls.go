// Package gls supplies goroutine-local storage.
//
// Go has no thread-local storage primitive, and sylar's fiber/scheduler
// duality needs one: "the current fiber" and "the current scheduler" are
// meaningful only relative to whichever goroutine is asking. Since every
// Fiber owns exactly one goroutine for its whole lifetime (reset reuses the
// same parked goroutine rather than spawning a new one), keying a map by the
// calling goroutine's runtime ID gives exactly the thread-local semantics the
// spec describes, without requiring every call site to thread a context
// value through.
package gls

import (
	"runtime"
	"strconv"
	"sync"
)

// id returns the runtime-assigned id of the calling goroutine.
//
// This parses the header line of runtime.Stack, the conventional Go
// workaround for the absence of a runtime.GoroutineID() intrinsic. It is
// slower than a field read, and every Map operation calls it once.
func id() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	// "goroutine 123 [running]:\n..."
	const prefix = "goroutine "
	if len(b) <= len(prefix) || string(b[:len(prefix)]) != prefix {
		panic("gls: unexpected runtime.Stack header: " + string(b))
	}
	b = b[len(prefix):]
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	gid, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		panic("gls: could not parse goroutine id: " + err.Error())
	}
	return gid
}

// Map is a goroutine-keyed store of a single value type.
type Map[T any] struct {
	mu sync.RWMutex
	m  map[int64]T
}

// NewMap constructs an empty Map.
func NewMap[T any]() *Map[T] {
	return &Map[T]{m: make(map[int64]T)}
}

// Get returns the value associated with the calling goroutine, if any.
func (m *Map[T]) Get() (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[id()]
	return v, ok
}

// Set associates v with the calling goroutine.
func (m *Map[T]) Set(v T) {
	gid := id()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[gid] = v
}

// Clear removes any value associated with the calling goroutine.
func (m *Map[T]) Clear() {
	gid := id()
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, gid)
}

// ID exposes the calling goroutine's runtime id for callers that need to remember "the goroutine I was first run on" across calls.
func ID() int64 {
	return id()
}
