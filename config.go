package sylar

import "sync/atomic"

// Config variables consumed by the runtime (spec.md §6). These are package
// level because fibers and the hook layer are themselves package-level
// concerns (every hooked syscall needs to see the same live value without
// plumbing a config object through every call site) — the same scope the
// teacher gives its package-level Logger. Values are stored atomically so
// that a config-reload listener (the external configuration-variable
// facility, out of scope per spec §1) can update them from any goroutine
// while fibers are running.
var (
	defaultStackSize     atomic.Uint32
	defaultConnectTimeMs atomic.Int32
)

func init() {
	defaultStackSize.Store(131072)
	defaultConnectTimeMs.Store(5000)
}

// DefaultStackSize returns the current value of fiber.stack_size, in bytes.
// In sylar-go this is advisory: nothing in this package reads it, since Fiber
// does not pre-allocate a stack (Go goroutine stacks already grow and shrink
// on demand).
func DefaultStackSize() uint32 {
	return defaultStackSize.Load()
}

// SetDefaultStackSize hot-reloads fiber.stack_size.
func SetDefaultStackSize(n uint32) {
	defaultStackSize.Store(n)
}

// DefaultConnectTimeoutMs returns the current value of tcp.connect.timeout,
// in milliseconds; used by the hooked Connect when the caller passes no
// explicit timeout.
func DefaultConnectTimeoutMs() int32 {
	return defaultConnectTimeMs.Load()
}

// SetDefaultConnectTimeoutMs hot-reloads tcp.connect.timeout.
func SetDefaultConnectTimeoutMs(ms int32) {
	defaultConnectTimeMs.Store(ms)
}
