package quiesce_test

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmcore-dev/quiesce-go/quiesce"
)

// startMutator runs a worker's user-code loop with poll checks until
// the returned stop function is called. stop must be called with no
// safepoint in progress.
func startMutator(r *quiesce.Runtime, w *quiesce.Worker) (stop func()) {
	var stopped atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for !stopped.Load() {
			r.Poll(w)
			runtime.Gosched()
		}
	}()
	return func() {
		stopped.Store(true)
		<-done
	}
}

func TestSafepointStopsMutator(t *testing.T) {
	r, err := quiesce.Open()
	require.NoError(t, err)

	w := r.Register("mutator")
	stop := startMutator(r, w)
	defer stop()

	var ran bool
	r.Execute("test-op", func() {
		ran = true
	})
	require.True(t, ran)

	stats := r.Stats()
	require.EqualValues(t, 1, stats.Safepoints)
	require.EqualValues(t, 1, stats.OpCounts["test-op"])
	require.NotEmpty(t, stats.Fingerprint)
}

func TestMonitorContentionAcrossSafepoint(t *testing.T) {
	r, err := quiesce.Open()
	require.NoError(t, err)

	a := r.Register("holder")
	b := r.Register("contender")
	m := r.CreateMonitor("shared")

	var release atomic.Bool
	held := make(chan struct{})
	aDone := make(chan struct{})
	go func() {
		defer close(aDone)
		if err := m.Enter(a); err != nil {
			t.Errorf("enter: %v", err)
			return
		}
		close(held)
		for !release.Load() {
			r.Poll(a)
			runtime.Gosched()
		}
		if err := m.Exit(a); err != nil {
			t.Errorf("exit: %v", err)
		}
	}()

	<-held
	bAcquired := make(chan struct{})
	go func() {
		defer close(bAcquired)
		if err := m.Enter(b); err != nil {
			t.Errorf("enter: %v", err)
			return
		}
		if err := m.Exit(b); err != nil {
			t.Errorf("exit: %v", err)
		}
	}()

	// Let the contender park on the monitor's entry queue.
	time.Sleep(20 * time.Millisecond)

	// Both workers must be accounted safe: the holder via its poll, the
	// contender via its blocked mode. No deadlock.
	var ran bool
	r.Execute("contended-op", func() { ran = true })
	require.True(t, ran)

	// After the safepoint, the monitor drains normally.
	release.Store(true)
	select {
	case <-aDone:
	case <-time.After(5 * time.Second):
		t.Fatal("holder never exited the monitor")
	}
	select {
	case <-bAcquired:
	case <-time.After(5 * time.Second):
		t.Fatal("contender never acquired the monitor after the safepoint")
	}
}

func TestWorkerInPrivilegedCallDoesNotDelaySafepoint(t *testing.T) {
	r, err := quiesce.Open()
	require.NoError(t, err)

	w := r.Register("native-caller")
	r.EnterPrivileged(w)

	// The worker takes no action during the safepoint.
	r.Execute("op", func() {})

	r.ExitPrivileged(w)
	r.Unregister(w)
}

func TestCleanupTasksRunDuringSafepoint(t *testing.T) {
	r, err := quiesce.Open(quiesce.WithCleanupParallelism(4))
	require.NoError(t, err)

	w := r.Register("w")
	stop := startMutator(r, w)
	defer stop()

	// Inline cache updates are buffered until the window.
	r.RecordInlineCache(0x40a0, 0x7001)
	_, applied := r.InlineCacheTarget(0x40a0)
	require.False(t, applied, "inline cache applied outside the window")

	// Hotness decays inside the window.
	for i := 0; i < 8; i++ {
		r.NoteInvocation()
	}

	// A defunct loader's symbols are purged inside the window.
	loader := r.RegisterLoader()
	r.InternSymbol(loader, "plugin/Frobnicate")
	r.InternSymbol(0, "core/Object")
	r.UnloadLoader(loader)

	// A destroyed monitor is deflated inside the window.
	m := r.CreateMonitor("short-lived")
	require.NoError(t, r.DestroyMonitor(m))
	require.Equal(t, 1, r.TrackedMonitors())

	require.True(t, r.CleanupNeeded())
	r.Execute("cleanup", func() {})

	target, applied := r.InlineCacheTarget(0x40a0)
	require.True(t, applied)
	require.EqualValues(t, 0x7001, target)
	require.EqualValues(t, 4, r.Hotness())
	require.False(t, r.SymbolInterned("plugin/Frobnicate"))
	require.True(t, r.SymbolInterned("core/Object"))
	require.Equal(t, 0, r.TrackedMonitors())
}

func TestDestroyedMonitorHandleIsRejected(t *testing.T) {
	r, err := quiesce.Open()
	require.NoError(t, err)
	w := r.Register("agent")

	m := r.CreateMonitor("m")
	require.NoError(t, m.Enter(w))
	require.NoError(t, m.Exit(w))

	require.NoError(t, r.DestroyMonitor(m))
	require.ErrorIs(t, r.DestroyMonitor(m), quiesce.ErrInvalidHandle)
	require.ErrorIs(t, m.Enter(w), quiesce.ErrInvalidHandle)
}

func TestOptionsOverrideConfig(t *testing.T) {
	r, err := quiesce.Open(
		quiesce.WithTimeout(time.Second),
		quiesce.WithAbortOnTimeout(false),
		quiesce.WithCleanupParallelism(2),
		quiesce.WithLogFuncs(t.Logf, t.Logf, t.Logf),
	)
	require.NoError(t, err)

	w := r.Register("w")
	stop := startMutator(r, w)
	defer stop()
	r.Execute("op", func() {})
}

func TestRepeatedSafepoints(t *testing.T) {
	r, err := quiesce.Open()
	require.NoError(t, err)

	ws := make([]*quiesce.Worker, 4)
	stops := make([]func(), 4)
	for i := range ws {
		ws[i] = r.Register("w")
		stops[i] = startMutator(r, ws[i])
	}
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	for i := 0; i < 20; i++ {
		r.Execute("churn", func() {})
	}
	require.EqualValues(t, 20, r.Stats().Safepoints)
}
