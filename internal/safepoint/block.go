package safepoint

import (
	"fmt"

	"github.com/vmcore-dev/quiesce-go/internal/ordering"
	"github.com/vmcore-dev/quiesce-go/internal/registry"
)

// Block is the worker slow path: the code a worker executes when it
// notices its poll is armed. It parks the worker on the wait barrier
// until the coordinator disarms it, then restores the worker's mode.
//
// The entry points are the explicit poll check and the forced checks
// on the transition edges between user code and privileged calls; the
// fast path stays a single load and branch so it can be inlined at the
// call site.
func (c *Coordinator) Block(w *registry.Worker) {
	s := stateOf(w)

	// A worker already gone from the registry blocks no further;
	// termination is handled by its terminated mode.
	if w.Mode() == registry.ModeTerminated {
		return
	}

	g := c.Generation()
	if g%2 == 0 {
		// Stale poll: the safepoint we noticed is already over. We may
		// miss this one and stop at the next.
		return
	}

	origin := w.Mode()
	wasWalkable := w.Walkable()
	w.SetWalkable(true)

	// Publish the generation we are acknowledging, then our blocked
	// mode. The coordinator's stable read depends on this order: it
	// sees the generation before it trusts the mode.
	s.setObservedGeneration(g)
	ordering.FullFence()
	w.SetModeFence(registry.ModeBlocked)

	// May return immediately if the coordinator already disarmed.
	c.barrier.Wait(int64(g), w.Park())

	if c.State() == StateSynchronized {
		panic("safepoint: worker released while synchronized")
	}

	// Keep the mode store from floating above the barrier's loads.
	ordering.FullFence()
	w.SetMode(origin)
	w.SetWalkable(wasWalkable)

	// Reset the generation only after leaving ModeBlocked; the
	// coordinator's double-checked read relies on this edge.
	s.setObservedGeneration(InactiveGeneration)
	ordering.FullFence()

	if s.ObservedGeneration() != InactiveGeneration {
		panic("safepoint: observed generation set outside block path")
	}

	// Deferred async notifications are never delivered on a
	// privileged-call transition edge: the caller on the other side of
	// the edge is not prepared for them. They stay queued for the next
	// permitted point.
	if origin != registry.ModeTransition && w.HasPendingAsync() {
		w.DrainAsync()
	}
}

// BlockAtPoll wraps Block for the explicit poll-check handler, marking
// the worker as inside the handler for the duration.
func (c *Coordinator) BlockAtPoll(w *registry.Worker) {
	s := stateOf(w)
	s.setAtPoll(true)
	c.Block(w)
	s.setAtPoll(false)
}

// Poll is the combined check: fast-path load of the worker's poll
// word, slow path into the block protocol when armed.
func (c *Coordinator) Poll(w *registry.Worker) {
	if w.PollArmed() {
		c.BlockAtPoll(w)
	}
}

// HandshakeSafe reports whether the worker is in a stable mode that
// counts as safe without the worker taking any action. The caller
// holds the registry lock, so an externally suspended worker cannot be
// resumed while we look.
func (c *Coordinator) HandshakeSafe(w *registry.Worker) bool {
	if w.Suspended() || w.Mode() == registry.ModeTerminated {
		return true
	}
	s := stateOf(w)
	m, stable := s.stableLoadMode(InactiveGeneration)
	if !stable {
		return false
	}
	return safeWith(w, m)
}

// Transition moves the worker across a user-code/privileged-call edge,
// honoring a pending safepoint at the edge. Walkability follows the
// destination mode.
func (c *Coordinator) Transition(w *registry.Worker, to registry.Mode) {
	if to != registry.ModeUserCode && to != registry.ModePrivileged {
		panic(fmt.Sprintf("safepoint: illegal transition target %s", to))
	}
	w.SetModeFence(registry.ModeTransition)
	if w.PollArmed() {
		c.Block(w)
	}
	switch to {
	case registry.ModePrivileged:
		w.SetWalkable(true)
	case registry.ModeUserCode:
		w.SetWalkable(false)
	}
	w.SetModeFence(to)
	// The return edge into user code is a permitted async delivery
	// point even when no safepoint intervened.
	if to == registry.ModeUserCode && w.HasPendingAsync() {
		w.DrainAsync()
	}
}
