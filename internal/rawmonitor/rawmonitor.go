// Package rawmonitor implements the recursive lock with wait/notify
// handed out to diagnostic agents. It is entirely distinct from the
// runtime's own locks and must interoperate with the safepoint without
// deadlocking against it: the internal queue lock is never held across
// a park, and every park happens in a mode the coordinator counts as
// safe.
package rawmonitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmcore-dev/quiesce-go/internal/ordering"
	"github.com/vmcore-dev/quiesce-go/internal/parker"
	"github.com/vmcore-dev/quiesce-go/internal/registry"
)

var (
	// ErrIllegalMonitorState is returned when an operation requiring
	// ownership is attempted by a non-owner.
	ErrIllegalMonitorState = errors.New("raw monitor operation by non-owner")

	// ErrInterrupted is returned from Wait when the waiting worker was
	// interrupted. The monitor has been reacquired by the time it is
	// returned.
	ErrInterrupted = errors.New("raw monitor wait interrupted")

	// ErrInvalidHandle is returned when the handle fails magic
	// validation: never a monitor, or already destroyed.
	ErrInvalidHandle = errors.New("invalid raw monitor handle")
)

// magicPattern is the four-byte validity sentinel ("QRMN"). Handles
// come from untrusted agents and may outlive their monitor; a single
// aligned load of this word is the only defense.
const magicPattern uint32 = 0x51524d4e

// queueLock protects the entry and wait queues of all monitors. Raw
// monitor usage is rare enough that one lock is not a scalability
// concern; critical sections are short and bounded, and the lock is
// acquired without any safepoint check.
var queueLock sync.Mutex

const (
	tsRun uint32 = iota
	tsEnter
	tsWait
)

// qnode lives on the contending worker's stack. Its lifetime ends the
// moment state leaves tsEnter/tsWait, so a waker must extract the park
// event before flipping the state and never touch the node after.
type qnode struct {
	next  *qnode
	ev    *parker.Event
	state uint32
}

// Monitor is a recursive lock with wait/notify.
type Monitor struct {
	magic uint32
	name  string

	owner      atomic.Pointer[registry.Worker]
	recursions int

	entryList *qnode
	waitSet   *qnode
	waiters   int32
}

// New creates a monitor with a valid magic sentinel.
func New(name string) *Monitor {
	m := &Monitor{name: name}
	atomic.StoreUint32(&m.magic, magicPattern)
	return m
}

// Destroy invalidates the monitor. Later operations through any handle
// fail validation.
func (m *Monitor) Destroy() {
	atomic.StoreUint32(&m.magic, 0)
}

// Valid reports whether the handle still refers to a live monitor.
func (m *Monitor) Valid() bool {
	return atomic.LoadUint32(&m.magic) == magicPattern
}

// Name returns the name given at creation.
func (m *Monitor) Name() string { return m.name }

// Owner returns the current owner, or nil.
func (m *Monitor) Owner() *registry.Worker { return m.owner.Load() }

// Recursions returns the owner's reentry count. Meaningful only to the
// owner and to tests.
func (m *Monitor) Recursions() int { return m.recursions }

// Waiters returns the number of workers in Wait.
func (m *Monitor) Waiters() int { return int(atomic.LoadInt32(&m.waiters)) }

// waitWhileSuspended parks the worker in a safepoint-safe mode until
// the external suspension is cleared.
func waitWhileSuspended(self *registry.Worker) {
	prev := self.Mode()
	self.SetModeFence(registry.ModeBlocked)
	for self.Suspended() {
		time.Sleep(100 * time.Microsecond)
	}
	self.SetMode(prev)
}

// simpleEnter acquires the bare lock, queueing on contention. Workers
// arrive here already in ModeBlocked.
func (m *Monitor) simpleEnter(self *registry.Worker) {
	for {
		if m.owner.CompareAndSwap(nil, self) {
			return
		}

		n := qnode{ev: self.Park(), state: tsEnter}
		self.Park().Reset()

		queueLock.Lock()
		n.next = m.entryList
		m.entryList = &n
		ordering.FullFence()
		// Retry under the lock so an exit that missed our enqueue
		// cannot strand us.
		if m.owner.Load() == nil && m.owner.CompareAndSwap(nil, self) {
			m.entryList = n.next
			queueLock.Unlock()
			return
		}
		queueLock.Unlock()

		for atomic.LoadUint32(&n.state) == tsEnter {
			self.Park().Park()
		}
	}
}

// simpleExit releases the bare lock and wakes one queued contender.
func (m *Monitor) simpleExit(self *registry.Worker) {
	if m.owner.Load() != self {
		panic("rawmonitor: exit by non-owner")
	}
	m.owner.Store(nil)
	ordering.FullFence()

	queueLock.Lock()
	w := m.entryList
	if w != nil {
		m.entryList = w.next
	}
	queueLock.Unlock()
	if w != nil {
		if atomic.LoadUint32(&w.state) != tsEnter {
			panic("rawmonitor: entry node in wrong state")
		}
		// Once state becomes tsRun the waking worker can return from
		// simpleEnter and the node is gone with its stack frame.
		// Extract the park event first; it outlives the node.
		ev := w.ev
		ordering.CompilerBarrier()
		atomic.StoreUint32(&w.state, tsRun)
		ordering.FullFence()
		ev.Unpark()
	}
}

func (m *Monitor) enqueueWaiter(n *qnode) {
	queueLock.Lock()
	n.next = m.waitSet
	m.waitSet = n
	queueLock.Unlock()
}

// dequeueWaiter unlinks n from the wait set if a notifier has not
// already done so. Double-checked on the node state: the lock/unlock
// pairs serialize the state flips.
func (m *Monitor) dequeueWaiter(n *qnode) {
	if atomic.LoadUint32(&n.state) == tsWait {
		queueLock.Lock()
		if atomic.LoadUint32(&n.state) == tsWait {
			var prev *qnode
			p := m.waitSet
			for p != nil && p != n {
				prev = p
				p = p.next
			}
			if p != n {
				panic("rawmonitor: waiter not on wait set")
			}
			if prev == nil {
				m.waitSet = n.next
			} else {
				prev.next = n.next
			}
			atomic.StoreUint32(&n.state, tsRun)
		}
		queueLock.Unlock()
	}
	if atomic.LoadUint32(&n.state) != tsRun {
		panic("rawmonitor: waiter left in wrong state")
	}
}

// simpleWait releases the monitor, parks until notify, timeout or
// interrupt, and reacquires. Interrupt state is checked on both sides
// of the park.
func (m *Monitor) simpleWait(self *registry.Worker, millis int64) error {
	n := qnode{ev: self.Park(), state: tsWait}
	m.enqueueWaiter(&n)

	m.simpleExit(self)

	var err error
	if self.Interrupted(true) {
		err = ErrInterrupted
	} else {
		if millis <= 0 {
			self.Park().Park()
		} else {
			self.Park().ParkFor(time.Duration(millis) * time.Millisecond)
		}
		if self.Interrupted(true) {
			err = ErrInterrupted
		}
	}

	m.dequeueWaiter(&n)

	m.simpleEnter(self)
	if m.owner.Load() != self {
		panic("rawmonitor: wait reacquire failed")
	}
	return err
}

// simpleNotify moves one waiter (or all) off the wait set and unparks
// them. The park event is extracted before the state flip for the same
// stack-lifetime reason as in simpleExit. A notified waiter still
// contends for the monitor in simpleWait's reacquire; this induces
// futile wakeups but keeps the transfer trivially correct.
func (m *Monitor) simpleNotify(self *registry.Worker, all bool) {
	if m.owner.Load() != self {
		panic("rawmonitor: notify by non-owner")
	}

	var ev *parker.Event
	queueLock.Lock()
	for {
		w := m.waitSet
		if w == nil {
			break
		}
		m.waitSet = w.next
		if ev != nil {
			ev.Unpark()
			ev = nil
		}
		ev = w.ev
		ordering.CompilerBarrier()
		atomic.StoreUint32(&w.state, tsRun)
		ordering.FullFence()
		if !all {
			break
		}
	}
	queueLock.Unlock()
	if ev != nil {
		ev.Unpark()
	}
}

// Enter acquires the monitor, reentering if self already owns it. A
// worker under external suspension yields to the suspension before
// contending, and again after every acquisition while suspended, so a
// suspender never observes a "suspended" worker taking a lock.
func (m *Monitor) Enter(self *registry.Worker) error {
	if !m.Valid() {
		return ErrInvalidHandle
	}

	for self.Suspended() {
		waitWhileSuspended(self)
	}

	if m.owner.Load() == self {
		m.recursions++
		return nil
	}
	if m.owner.CompareAndSwap(nil, self) {
		m.recursions = 0
		return nil
	}

	prev := self.Mode()
	self.SetModeFence(registry.ModeBlocked)
	for {
		m.simpleEnter(self)
		if !self.Suspended() {
			break
		}
		// Suspended while we were queued: don't hold the monitor
		// through the suspension, it would surprise the suspender.
		m.simpleExit(self)
		waitWhileSuspended(self)
	}

	// A wakeup can arrive inside a quiesced window (the privileged
	// operation may exit this monitor); honor a pending safepoint on
	// the edge back out before resuming in the previous mode.
	self.SetModeFence(registry.ModeTransition)
	self.SafepointCheck()
	self.SetMode(prev)

	m.recursions = 0
	return nil
}

// Exit releases one level of the monitor.
func (m *Monitor) Exit(self *registry.Worker) error {
	if !m.Valid() {
		return ErrInvalidHandle
	}
	if m.owner.Load() != self {
		return ErrIllegalMonitorState
	}
	if m.recursions > 0 {
		m.recursions--
		return nil
	}
	m.simpleExit(self)
	return nil
}

// Wait releases the monitor and blocks until notified, interrupted or
// millis milliseconds elapse; millis <= 0 waits indefinitely. The
// monitor is reacquired and the recursion count restored before any
// return, including ErrInterrupted. Spurious returns are permitted;
// callers re-verify their condition.
func (m *Monitor) Wait(self *registry.Worker, millis int64) error {
	if !m.Valid() {
		return ErrInvalidHandle
	}
	if m.owner.Load() != self {
		return ErrIllegalMonitorState
	}

	// Clear any stale permit so an old unpark cannot satisfy this
	// wait. Callers tolerate spurious returns regardless.
	self.Park().Reset()
	ordering.FullFence()

	save := m.recursions
	m.recursions = 0
	atomic.AddInt32(&m.waiters, 1)

	prev := self.Mode()
	self.SetModeFence(registry.ModeBlocked)

	err := m.simpleWait(self, millis)

	// Owner again; visible state must be restored before we handle
	// late suspension.
	m.recursions = save
	atomic.AddInt32(&m.waiters, -1)

	for self.Suspended() {
		m.simpleExit(self)
		waitWhileSuspended(self)
		if self.Interrupted(true) {
			err = ErrInterrupted
		}
		m.simpleEnter(self)
	}

	// Same edge as Enter: the notify may have come from inside the
	// quiesced window.
	self.SetModeFence(registry.ModeTransition)
	self.SafepointCheck()
	self.SetMode(prev)

	if m.owner.Load() != self {
		panic("rawmonitor: wait exit without ownership")
	}
	return err
}

// Notify wakes one waiter.
func (m *Monitor) Notify(self *registry.Worker) error {
	if !m.Valid() {
		return ErrInvalidHandle
	}
	if m.owner.Load() != self {
		return ErrIllegalMonitorState
	}
	m.simpleNotify(self, false)
	return nil
}

// NotifyAll wakes every waiter.
func (m *Monitor) NotifyAll(self *registry.Worker) error {
	if !m.Valid() {
		return ErrInvalidHandle
	}
	if m.owner.Load() != self {
		return ErrIllegalMonitorState
	}
	m.simpleNotify(self, true)
	return nil
}
