package registry

import (
	"sync"
	"sync/atomic"

	"github.com/vmcore-dev/quiesce-go/internal/ordering"
	"github.com/vmcore-dev/quiesce-go/internal/parker"
)

// Mode is a worker's execution mode. The coordinator samples it when
// deciding whether the worker is already safe; the worker stores it on
// every transition edge.
type Mode uint32

const (
	// ModeUserCode: executing user code; must be stopped by the poll.
	ModeUserCode Mode = iota
	// ModePrivileged: blocked in a privileged call with a walkable
	// activation record. Safe: user code cannot run until the call
	// returns, and the return edge checks the poll.
	ModePrivileged
	// ModeTransition: on an edge between user code and a privileged
	// call. Not safe; the worker will self-block at the edge's poll.
	ModeTransition
	// ModeBlocked: blocked on the wait barrier, a raw monitor or some
	// other runtime lock. Safe.
	ModeBlocked
	// ModeTerminated: unregistered or exiting. Safe.
	ModeTerminated
)

func (m Mode) String() string {
	switch m {
	case ModeUserCode:
		return "user-code"
	case ModePrivileged:
		return "privileged-call"
	case ModeTransition:
		return "transition"
	case ModeBlocked:
		return "blocked"
	case ModeTerminated:
		return "terminated"
	}
	return "unknown"
}

// Worker is the per-thread record the coordinator manipulates. One is
// created when a thread registers with the runtime and destroyed when
// it unregisters.
type Worker struct {
	id   uint64
	name string

	// poll is the word the inline fast path loads. Nonzero means a
	// safepoint is pending and the slow path must be taken.
	poll uint32

	mode      uint32
	walkable  atomic.Bool
	suspended atomic.Bool

	interrupted atomic.Bool
	critical    atomic.Int32

	// park is used both for the wait barrier and for raw-monitor
	// queueing; a thread is only ever parked in one place at a time.
	park *parker.Event

	// sp is the opaque safepoint state attached at registration. The
	// coordinator handle is passed in at registration time so neither
	// side needs to import the other.
	sp any

	// pollSlow is the coordinator's block entry point, installed at
	// registration alongside sp. SafepointCheck routes armed polls
	// through it.
	pollSlow func(*Worker)

	asyncMu      sync.Mutex
	asyncPending []func(*Worker)
}

// ID returns the worker's registration id.
func (w *Worker) ID() uint64 { return w.id }

// Name returns the name given at registration.
func (w *Worker) Name() string { return w.name }

// Park returns the worker's owned park event.
func (w *Worker) Park() *parker.Event { return w.park }

// PollArmed is the worker fast path: a single load and branch. Callers
// inline this at poll sites and jump to the slow path only when it
// reports true.
func (w *Worker) PollArmed() bool {
	return atomic.LoadUint32(&w.poll) != 0
}

// ArmPoll flips the poll word so the worker's next poll check takes
// the slow path. Coordinator only.
func (w *Worker) ArmPoll() {
	ordering.StoreRelease32(&w.poll, 1)
}

// DisarmPoll clears the poll word. Coordinator only.
func (w *Worker) DisarmPoll() {
	atomic.StoreUint32(&w.poll, 0)
}

// Mode returns the worker's current execution mode.
func (w *Worker) Mode() Mode {
	return Mode(ordering.LoadAcquire32(&w.mode))
}

// SetMode stores the worker's execution mode with release semantics.
func (w *Worker) SetMode(m Mode) {
	ordering.StoreRelease32(&w.mode, uint32(m))
}

// SetModeFence stores the mode and then issues a full fence, so the
// store cannot be reordered with a subsequent load.
func (w *Worker) SetModeFence(m Mode) {
	ordering.StoreRelease32(&w.mode, uint32(m))
	ordering.FullFence()
}

// Walkable reports whether the worker's activation record can be
// walked without the worker executing.
func (w *Worker) Walkable() bool { return w.walkable.Load() }

// SetWalkable marks the activation record walkable or not. The worker
// sets it on the way into a privileged call or a block, and clears it
// when resuming user code.
func (w *Worker) SetWalkable(v bool) { w.walkable.Store(v) }

// Suspended reports whether an external suspension is requested.
func (w *Worker) Suspended() bool { return w.suspended.Load() }

// SetSuspended requests or clears external suspension. Raw-monitor
// Enter and Wait honor it; the safepoint poll and the transition edges
// do not check it.
func (w *Worker) SetSuspended(v bool) { w.suspended.Store(v) }

// Interrupted reports the worker's interrupt flag, clearing it when
// clear is true.
func (w *Worker) Interrupted(clear bool) bool {
	if clear {
		return w.interrupted.Swap(false)
	}
	return w.interrupted.Load()
}

// Interrupt sets the interrupt flag and wakes the worker if it is
// parked in an interruptible wait.
func (w *Worker) Interrupt() {
	w.interrupted.Store(true)
	w.park.Unpark()
}

// EnterCritical marks entry into a critical region holding a resource
// the collector must know about.
func (w *Worker) EnterCritical() { w.critical.Add(1) }

// ExitCritical leaves the innermost critical region.
func (w *Worker) ExitCritical() {
	if w.critical.Add(-1) < 0 {
		panic("registry: critical region underflow")
	}
}

// InCritical reports whether the worker holds a critical resource.
func (w *Worker) InCritical() bool { return w.critical.Load() > 0 }

// SetSafepointState attaches the coordinator's per-worker state. Set
// once at registration, before the worker runs.
func (w *Worker) SetSafepointState(s any) { w.sp = s }

// SafepointState returns the state attached at registration.
func (w *Worker) SafepointState() any { return w.sp }

// SetPollHandler installs the slow path SafepointCheck dispatches to.
// Set once at registration, before the worker runs.
func (w *Worker) SetPollHandler(fn func(*Worker)) { w.pollSlow = fn }

// SafepointCheck honors a pending safepoint, if any. Primitives that
// park a worker outside the coordinator's view call this on their way
// back so a worker woken inside the quiesced window cannot slip back
// into user code.
func (w *Worker) SafepointCheck() {
	if w.pollSlow != nil && w.PollArmed() {
		w.pollSlow(w)
	}
}

// DeferAsync queues fn to run on this worker at its next safepoint
// exit where async delivery is permitted.
func (w *Worker) DeferAsync(fn func(*Worker)) {
	w.asyncMu.Lock()
	w.asyncPending = append(w.asyncPending, fn)
	w.asyncMu.Unlock()
}

// HasPendingAsync reports whether deferred notifications are queued.
func (w *Worker) HasPendingAsync() bool {
	w.asyncMu.Lock()
	defer w.asyncMu.Unlock()
	return len(w.asyncPending) > 0
}

// DrainAsync runs and clears the deferred notifications. Called by the
// worker itself at permitted delivery points.
func (w *Worker) DrainAsync() {
	w.asyncMu.Lock()
	pending := w.asyncPending
	w.asyncPending = nil
	w.asyncMu.Unlock()
	for _, fn := range pending {
		fn(w)
	}
}
