package rawmonitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmcore-dev/quiesce-go/internal/registry"
)

func newWorkers(names ...string) []*registry.Worker {
	reg := registry.New()
	ws := make([]*registry.Worker, len(names))
	for i, n := range names {
		ws[i] = reg.Register(n)
	}
	return ws
}

func TestRecursiveEnterExitParity(t *testing.T) {
	w := newWorkers("a")[0]
	m := New("parity")

	const depth = 5
	for i := 0; i < depth; i++ {
		require.NoError(t, m.Enter(w))
		require.Equal(t, w, m.Owner())
	}
	require.Equal(t, depth-1, m.Recursions())

	for i := 0; i < depth-1; i++ {
		require.NoError(t, m.Exit(w))
		require.Equal(t, w, m.Owner(), "owner dropped before the last exit")
	}
	require.NoError(t, m.Exit(w))
	require.Nil(t, m.Owner(), "owner not cleared by the last exit")
}

func TestExitByNonOwner(t *testing.T) {
	ws := newWorkers("a", "b")
	m := New("m")
	require.NoError(t, m.Enter(ws[0]))
	require.ErrorIs(t, m.Exit(ws[1]), ErrIllegalMonitorState)
	require.ErrorIs(t, m.Notify(ws[1]), ErrIllegalMonitorState)
	require.ErrorIs(t, m.Wait(ws[1], 0), ErrIllegalMonitorState)
	require.NoError(t, m.Exit(ws[0]))
	require.ErrorIs(t, m.Exit(ws[0]), ErrIllegalMonitorState)
}

func TestDestroyedHandleFailsValidation(t *testing.T) {
	w := newWorkers("a")[0]
	m := New("gone")
	require.True(t, m.Valid())
	m.Destroy()
	require.False(t, m.Valid())
	require.ErrorIs(t, m.Enter(w), ErrInvalidHandle)
	require.ErrorIs(t, m.Exit(w), ErrInvalidHandle)
	require.ErrorIs(t, m.Wait(w, 0), ErrInvalidHandle)
	require.ErrorIs(t, m.Notify(w), ErrInvalidHandle)
	require.ErrorIs(t, m.NotifyAll(w), ErrInvalidHandle)
}

func TestTwoContendersBothAcquire(t *testing.T) {
	ws := newWorkers("a", "b")
	m := New("contended")

	var acquired [2]atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 100; round++ {
				if err := m.Enter(ws[i]); err != nil {
					t.Errorf("enter: %v", err)
					return
				}
				acquired[i].Add(1)
				if err := m.Exit(ws[i]); err != nil {
					t.Errorf("exit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.EqualValues(t, 100, acquired[i].Load())
	}
	require.Nil(t, m.Owner())
}

func TestWaitNotify(t *testing.T) {
	ws := newWorkers("waiter", "notifier")
	waiter, notifier := ws[0], ws[1]
	m := New("cond")

	woke := make(chan error, 1)
	entered := make(chan struct{})
	go func() {
		if err := m.Enter(waiter); err != nil {
			woke <- err
			return
		}
		close(entered)
		err := m.Wait(waiter, 0)
		if m.Owner() != waiter {
			err = errors.New("wait returned without ownership")
		}
		_ = m.Exit(waiter)
		woke <- err
	}()

	<-entered
	// Wait until the waiter has released the monitor into its wait.
	for m.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, m.Enter(notifier))
	require.NoError(t, m.Notify(notifier))
	require.NoError(t, m.Exit(notifier))

	select {
	case err := <-woke:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("notified waiter never woke")
	}
}

func TestNotifyAllWakesEveryWaiter(t *testing.T) {
	ws := newWorkers("w1", "w2", "w3", "boss")
	m := New("cond")

	var woke atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Enter(ws[i]); err != nil {
				t.Errorf("enter: %v", err)
				return
			}
			if err := m.Wait(ws[i], 0); err != nil {
				t.Errorf("wait: %v", err)
			}
			woke.Add(1)
			if err := m.Exit(ws[i]); err != nil {
				t.Errorf("exit: %v", err)
			}
		}()
	}

	for m.Waiters() != 3 {
		time.Sleep(time.Millisecond)
	}
	boss := ws[3]
	require.NoError(t, m.Enter(boss))
	require.NoError(t, m.NotifyAll(boss))
	require.NoError(t, m.Exit(boss))

	wg.Wait()
	require.EqualValues(t, 3, woke.Load())
}

func TestWaitTimeout(t *testing.T) {
	w := newWorkers("a")[0]
	m := New("timed")
	require.NoError(t, m.Enter(w))
	start := time.Now()
	require.NoError(t, m.Wait(w, 50))
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("timed wait returned early without notify")
	}
	require.Equal(t, w, m.Owner())
	require.NoError(t, m.Exit(w))
}

func TestInterruptedWait(t *testing.T) {
	ws := newWorkers("w", "other")
	w := ws[0]
	m := New("interruptible")

	// Build up a recursion count so we can check it survives the wait.
	require.NoError(t, m.Enter(w))
	require.NoError(t, m.Enter(w))
	original := m.Recursions()

	result := make(chan error, 1)
	go func() {
		result <- m.Wait(w, 10_000)
	}()

	for m.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	w.Interrupt()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("interrupt did not wake the waiter")
	}

	// The monitor is reacquired with the recursion count restored.
	require.Equal(t, w, m.Owner())
	require.Equal(t, original, m.Recursions())
	require.NoError(t, m.Exit(w))
	require.NoError(t, m.Exit(w))
	require.Nil(t, m.Owner())
}

func TestInterruptBeforeWait(t *testing.T) {
	w := newWorkers("w")[0]
	m := New("pre")
	require.NoError(t, m.Enter(w))
	w.Interrupt()
	require.ErrorIs(t, m.Wait(w, 0), ErrInterrupted)
	require.Equal(t, w, m.Owner())
	require.NoError(t, m.Exit(w))
}

func TestEnterHonorsExternalSuspension(t *testing.T) {
	ws := newWorkers("suspended", "holder")
	s, holder := ws[0], ws[1]
	m := New("susp")

	require.NoError(t, m.Enter(holder))
	s.SetSuspended(true)

	acquired := make(chan struct{})
	go func() {
		_ = m.Enter(s)
		close(acquired)
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Exit(holder))

	// Still suspended: the worker must not take the lock.
	select {
	case <-acquired:
		t.Fatal("suspended worker acquired the monitor")
	case <-time.After(50 * time.Millisecond):
	}

	s.SetSuspended(false)
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("resumed worker never acquired the monitor")
	}
	require.NoError(t, m.Exit(s))
}
