package sylar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestHookEnabled_DefaultsFalse(t *testing.T) {
	assert.False(t, HookEnabled())
}

func TestHookEnabled_InheritedAcrossFiberResume(t *testing.T) {
	HookEnable()
	defer HookDisable()

	var sawEnabled bool
	f := New(func() {
		sawEnabled = HookEnabled()
	})
	f.Resume()
	assert.True(t, sawEnabled, "a resumed fiber should inherit its resumer's hook state")
}

func TestSleep_FallsBackToRealSleepWhenHooksOff(t *testing.T) {
	start := time.Now()
	Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestReadWrite_SocketPairUnderIOManager(t *testing.T) {
	io, err := NewIOManager(2, WithName("hooktest"))
	require.NoError(t, err)
	defer io.Stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a, b := fds[0], fds[1]
	defer unix.Close(a)
	defer unix.Close(b)

	done := make(chan string, 1)
	f := New(func() {
		HookEnable()
		buf := make([]byte, 16)
		n, err := Read(a, buf)
		require.NoError(t, err)
		done <- string(buf[:n])
	})
	require.NoError(t, io.ScheduleFiber(f))

	// Give the read a moment to park before data arrives, so this actually
	// exercises the epoll wait path and not just a lucky immediate read.
	time.Sleep(20 * time.Millisecond)
	_, err = unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("hooked Read never unblocked")
	}
}

func TestSleep_HookedFiberYieldsInsteadOfBlockingWorker(t *testing.T) {
	io, err := NewIOManager(1, WithName("sleeptest"))
	require.NoError(t, err)
	defer io.Stop()

	start := time.Now()
	done := make(chan struct{})
	f := New(func() {
		HookEnable()
		Sleep(15 * time.Millisecond)
		close(done)
	})
	require.NoError(t, io.ScheduleFiber(f))

	select {
	case <-done:
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("hooked Sleep never woke up")
	}
}

func TestIoRetry_RetriesSilentlyOnEINTR(t *testing.T) {
	var attempts int
	n, err := ioRetry(-1, EventRead, func() (int, error) {
		attempts++
		if attempts < 3 {
			return -1, unix.EINTR
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 3, attempts, "EINTR must be retried silently, not surfaced to the caller")
}

func TestIoRetry_ClosedFdFailsWithErrClosed(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	fd := fds[0]
	defer unix.Close(fds[1])
	defer unix.Close(fd)

	st, ok := Fds().Get(fd, true)
	require.True(t, ok)
	st.SetClosed(true)

	_, err = ioRetry(fd, EventRead, func() (int, error) { return unix.Read(fd, make([]byte, 1)) })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClose_MarksFdStateClosed(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	fd, peer := fds[0], fds[1]
	defer unix.Close(peer)

	st, ok := Fds().Get(fd, true)
	require.True(t, ok)

	require.NoError(t, Close(fd))
	assert.True(t, st.Closed(), "Close should mark the captured FdState closed even after the registry forgets fd")
}

func TestFcntl_SocketReportsUserRequestedFlagNotForcedKernelFlag(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	fd := fds[0]
	defer unix.Close(fd)
	defer unix.Close(fds[1])

	Fds().Get(fd, true) // registers as a socket, forcing the real kernel flag non-blocking

	_, err = Fcntl(fd, unix.F_SETFL, 0) // user asks to clear O_NONBLOCK
	require.NoError(t, err)

	flags, err := Fcntl(fd, unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_NONBLOCK, "Fcntl should report the user's intent, not the forced kernel flag")

	realFlags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, realFlags&unix.O_NONBLOCK, "the real kernel flag must stay non-blocking regardless of user intent")
}
