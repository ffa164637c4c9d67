// Package parker provides the per-thread blocking primitive the
// safepoint barrier and the raw-monitor queues park on.
package parker

import "time"

// Event is a one-shot, reusable park/unpark event owned by a single
// thread. Only the owner may call Park, ParkFor or Reset; any thread
// may call Unpark.
//
// Unpark is idempotent: at most one permit is retained, so unparking
// an event twice before a park wakes the owner once. Parks may return
// spuriously relative to the caller's condition; callers re-check.
type Event struct {
	permit chan struct{}
}

// NewEvent returns a fresh event with no pending permit.
func NewEvent() *Event {
	return &Event{permit: make(chan struct{}, 1)}
}

// Park blocks until a permit is available and consumes it.
func (e *Event) Park() {
	<-e.permit
}

// ParkFor blocks until a permit is available or d elapses. It reports
// whether a permit was consumed. d <= 0 parks indefinitely.
func (e *Event) ParkFor(d time.Duration) bool {
	if d <= 0 {
		e.Park()
		return true
	}
	select {
	case <-e.permit:
		return true
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.permit:
		return true
	case <-t.C:
		return false
	}
}

// Unpark makes a permit available, waking the owner if it is parked.
// A permit already pending is not duplicated.
func (e *Event) Unpark() {
	select {
	case e.permit <- struct{}{}:
	default:
	}
}

// Reset discards a pending permit, if any. Called by the owner before
// a park sequence so that a stale unpark from a previous use of the
// event cannot satisfy the new park.
func (e *Event) Reset() {
	select {
	case <-e.permit:
	default:
	}
}
