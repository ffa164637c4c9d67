package safepoint

import (
	"github.com/vmcore-dev/quiesce-go/internal/ordering"
	"github.com/vmcore-dev/quiesce-go/internal/registry"
)

// InactiveGeneration is the generation value a worker publishes when
// it is not blocked in the safepoint protocol.
const InactiveGeneration uint64 = 0

// WorkerState is the coordinator's view of one worker. running and
// safe are written only by the coordinator; gen and atPoll are written
// by the worker inside the block protocol.
type WorkerState struct {
	w *registry.Worker

	// running is true while the coordinator still waits for the worker
	// to reach safety. safe is its complement, kept as a distinct field
	// and flipped in a distinct step so a torn observation shows up as
	// running==safe.
	running bool
	safe    bool

	// gen is the generation the worker has acknowledged, or
	// InactiveGeneration. Release-stored by the worker, acquire-loaded
	// by the coordinator's stable read.
	gen uint64

	// atPoll is set while the worker executes the explicit poll-check
	// handler.
	atPoll uint32

	// origin is the worker's execution mode at the moment the
	// coordinator (or the worker itself, on the block path) sampled it.
	origin registry.Mode

	// next threads the coordinator's still-running list through the
	// states; only the coordinator touches it, under the registry lock.
	next *WorkerState
}

func newWorkerState(w *registry.Worker) *WorkerState {
	return &WorkerState{w: w, running: true}
}

// Worker returns the worker this state belongs to.
func (s *WorkerState) Worker() *registry.Worker { return s.w }

// Running reports whether the coordinator is still waiting for this
// worker.
func (s *WorkerState) Running() bool { return s.running }

// ObservedGeneration returns the generation the worker last
// acknowledged, with acquire semantics.
func (s *WorkerState) ObservedGeneration() uint64 {
	return ordering.LoadAcquire(&s.gen)
}

func (s *WorkerState) setObservedGeneration(g uint64) {
	ordering.StoreRelease(&s.gen, g)
}

// AtPoll reports whether the worker is inside the poll-check handler.
func (s *WorkerState) AtPoll() bool {
	return ordering.LoadAcquire32(&s.atPoll) != 0
}

func (s *WorkerState) setAtPoll(v bool) {
	var word uint32
	if v {
		word = 1
	}
	ordering.StoreRelease32(&s.atPoll, word)
}

// stableLoadMode performs the double-checked stable read of the
// worker's execution mode: mode, acquire-load of the observed
// generation, mode again. It fails when the two mode reads differ or
// when the observed generation belongs to another safepoint.
//
// The worker leaves ModeBlocked before resetting its observed
// generation on the backedge out of the barrier, so re-reading the
// mode after the generation load guarantees the second read reflects a
// worker that has moved on. Seeing ModeBlocked twice with an inactive
// generation is safe: the worker is blocked on a lock, on the barrier
// of this safepoint, or looped straight back into the block path.
func (s *WorkerState) stableLoadMode(g uint64) (registry.Mode, bool) {
	m := s.w.Mode()
	sid := s.ObservedGeneration()
	if sid != InactiveGeneration && sid != g {
		// Still publishing a previous safepoint's generation; state not
		// relevant yet.
		return m, false
	}
	return m, m == s.w.Mode()
}

// safeWith classifies a stably-read mode.
func safeWith(w *registry.Worker, m registry.Mode) bool {
	switch m {
	case registry.ModePrivileged:
		// Safe only with a walkable activation record; the return edge
		// checks the poll before user code can run again.
		return w.Walkable()
	case registry.ModeBlocked, registry.ModeTerminated:
		return true
	default:
		return false
	}
}

// examine is the coordinator's attempt to account this worker safe for
// generation g. An unstable read leaves the worker running; it will be
// examined again on the next pass.
func (c *Coordinator) examine(s *WorkerState, g uint64) {
	if !s.running {
		panic("safepoint: examine on non-running worker")
	}

	m, stable := s.stableLoadMode(g)
	if !stable {
		return
	}

	s.origin = m

	// External suspension is checked without any lock: the flag is set
	// atomically, and resume cannot race us because it needs the
	// registry lock we hold. Missing it on this pass only means another
	// pass.
	if s.w.Suspended() {
		c.accountSafe(s)
		return
	}

	if safeWith(s.w, m) {
		c.accountSafe(s)
	}
}

// accountSafe moves the worker from running to safe and does the
// coordinator-side bookkeeping.
func (c *Coordinator) accountSafe(s *WorkerState) {
	if c.waitingToBlock <= 0 {
		panic("safepoint: waiting_to_block underflow")
	}
	c.waitingToBlock--
	if s.w.InCritical() {
		// Forwarded to the collector-locker count once synchronized.
		c.criticalCount++
	}
	if s.safe {
		panic("safepoint: worker accounted safe twice")
	}
	s.safe = true
	s.running = false
}

// restart returns the worker to its resting running state at safepoint
// exit.
func (s *WorkerState) restart() {
	if !s.safe {
		panic("safepoint: restart on non-safe worker")
	}
	s.safe = false
	s.running = true
}
