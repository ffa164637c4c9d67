// Package safepoint implements the global safepoint coordinator: the
// state machine that brings every worker to a quiesced,
// memory-consistent state, runs cleanup and a privileged operation
// while all workers are halted, then releases them.
package safepoint

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vmcore-dev/quiesce-go/internal/cleanup"
	"github.com/vmcore-dev/quiesce-go/internal/config"
	"github.com/vmcore-dev/quiesce-go/internal/logging"
	"github.com/vmcore-dev/quiesce-go/internal/nanotime"
	"github.com/vmcore-dev/quiesce-go/internal/ordering"
	"github.com/vmcore-dev/quiesce-go/internal/registry"
	"github.com/vmcore-dev/quiesce-go/internal/waitbarrier"
)

// State is the global safepoint state. Transitions happen only on the
// coordinator.
type State uint32

const (
	StateNotSynchronized State = iota
	StateSynchronizing
	StateSynchronized
)

func (s State) String() string {
	switch s {
	case StateNotSynchronized:
		return "not-synchronized"
	case StateSynchronizing:
		return "synchronizing"
	case StateSynchronized:
		return "synchronized"
	}
	return "unknown"
}

// Coordinator drives safepoints over the workers in a registry. The
// coordinator role is not pinned to a thread: whichever goroutine wins
// the coordinator lock in Begin acts as the coordinator until the
// matching End.
type Coordinator struct {
	reg        *registry.Registry
	cfg        config.Config
	log        logging.Logger
	dispatcher *cleanup.Dispatcher

	// coordMu serializes the coordinator role across whole Begin/End
	// windows. The registry lock alone is not enough: End releases it
	// before disarming the barrier, and the next coordinator must not
	// arm a barrier that is still being disarmed.
	coordMu sync.Mutex

	barrier waitbarrier.Barrier

	// gen is the safepoint generation counter G: odd while a safepoint
	// is active, even otherwise. 0 is never active.
	gen uint64

	// state is the global state S, stored as a uint32 for atomic
	// access.
	state uint32

	// Coordinator-only fields, valid between Begin and End while the
	// registry lock is held.
	waitingToBlock  int
	criticalCount   int
	timeoutReported bool

	// collectorLockers is the count of workers that held a critical
	// resource when this safepoint synchronized; forwarded to the
	// collector.
	collectorLockers int

	trace    *tracing
	inflight singleflight.Group
}

// New returns a coordinator over reg. The dispatcher's tasks must be
// bound before the first Begin.
func New(reg *registry.Registry, cfg config.Config, log logging.Logger, dispatcher *cleanup.Dispatcher) *Coordinator {
	if log == nil {
		log = logging.Nop()
	}
	return &Coordinator{
		reg:        reg,
		cfg:        cfg,
		log:        log,
		dispatcher: dispatcher,
		trace:      newTracing(log),
	}
}

// Generation returns G with acquire semantics. Odd means a safepoint
// is active.
func (c *Coordinator) Generation() uint64 {
	return ordering.LoadAcquire(&c.gen)
}

// State returns S.
func (c *Coordinator) State() State {
	return State(ordering.LoadAcquire32(&c.state))
}

func (c *Coordinator) setState(s State) {
	ordering.StoreRelease32(&c.state, uint32(s))
}

// AttachWorker creates the safepoint state for a newly registered
// worker and installs the block protocol as its poll slow path. Must
// run before the worker executes.
func (c *Coordinator) AttachWorker(w *registry.Worker) {
	w.SetSafepointState(newWorkerState(w))
	w.SetPollHandler(c.Block)
}

func stateOf(w *registry.Worker) *WorkerState {
	s, ok := w.SafepointState().(*WorkerState)
	if !ok {
		panic(fmt.Sprintf("safepoint: worker %d has no safepoint state", w.ID()))
	}
	return s
}

// Execute requests a safepoint for op and runs fn inside the quiesced
// window. Concurrent Execute calls for the same op type while one is
// in flight share its window instead: their own fn is not run, and
// they are counted as coalesced.
func (c *Coordinator) Execute(op OpType, fn func()) {
	executed := false
	_, _, _ = c.inflight.Do(string(op), func() (any, error) {
		executed = true
		c.Begin(op)
		defer c.End()
		fn()
		return nil, nil
	})
	if !executed {
		// This caller rode along on another caller's window.
		c.trace.coalescedInc()
	}
}

// Begin rolls every worker forward to a safepoint and returns with the
// system synchronized and cleanup done. The caller is the coordinator
// until it calls End.
func (c *Coordinator) Begin(op OpType) {
	c.coordMu.Lock()

	// No worker can register or unregister until End releases this.
	c.reg.Lock()

	c.trace.begin(op)

	if s := c.State(); s != StateNotSynchronized {
		panic(fmt.Sprintf("safepoint: begin in state %s", s))
	}

	workers := c.reg.LenLocked()
	c.waitingToBlock = workers
	c.criticalCount = 0
	c.timeoutReported = false

	var deadline int64
	if d := c.cfg.TimeoutDelay(); d > 0 {
		deadline = nanotime.Now() + int64(d)
	}

	c.arm()

	initialRunning, iterations := c.synchronizeWorkers(c.Generation(), deadline)
	if c.waitingToBlock != 0 {
		panic("safepoint: workers still running after synchronization")
	}

	c.setState(StateSynchronized)
	ordering.FullFence()

	c.collectorLockers = c.criticalCount

	c.trace.synchronized(workers, initialRunning, c.waitingToBlock, iterations)

	c.dispatcher.Prepare()
	parallelism := c.cfg.CleanupParallelism
	c.dispatcher.Run(parallelism)
	c.trace.cleanupDone()
}

// arm publishes the pending safepoint: barrier first, then the odd
// generation, then the synchronizing state, then every worker's poll
// word. A worker that sees its poll armed is guaranteed to see the odd
// generation and all coordinator setup before it.
func (c *Coordinator) arm() {
	g := c.gen
	if g%2 != 0 {
		panic("safepoint: generation must be even before arming")
	}

	// The barrier must be armed for the generation about to be
	// published, after waiting_to_block and the critical count reset,
	// so no worker can wait with the right tag before setup is visible.
	c.barrier.Arm(int64(g + 1))

	ordering.StoreRelease(&c.gen, g+1)

	c.setState(StateSynchronizing)

	c.reg.DoLocked(func(w *registry.Worker) {
		w.ArmPoll()
	})
	// Single trailing fence: the poll-word stores retire before any
	// later load. See the package ordering notes.
	ordering.FullFence()
}

// synchronizeWorkers spins until every worker is accounted safe,
// backing off between passes, and returns how many workers were still
// running after the first pass and the number of passes.
func (c *Coordinator) synchronizeWorkers(g uint64, deadline int64) (initialRunning int, iterations uint64) {
	// First pass: examine everyone, keep the still-running on an
	// intrusive list so later passes touch only them.
	var head *WorkerState
	still := 0
	c.reg.DoLocked(func(w *registry.Worker) {
		s := stateOf(w)
		if c.workerNotRunning(s, g) {
			return
		}
		s.next = head
		head = s
		still++
	})
	initialRunning = still
	iterations = 1

	start := nanotime.Now()
	for still > 0 {
		if deadline > 0 && nanotime.Now() > deadline {
			c.reportTimeout(head)
		}

		pp := &head
		for s := *pp; s != nil; s = *pp {
			if c.workerNotRunning(s, g) {
				*pp = s.next
				s.next = nil
				still--
			} else {
				pp = &s.next
			}
		}

		if still > 0 {
			backOff(start, c.cfg.FineBackoffBand())
		}
		iterations++
	}
	return initialRunning, iterations
}

func (c *Coordinator) workerNotRunning(s *WorkerState, g uint64) bool {
	if !s.running {
		return true
	}
	c.examine(s, g)
	return !s.running
}

// backOff sleeps between synchronization passes: fine-grained sleeps
// inside the first band, then millisecond sleeps. The transition point
// is not safety-critical but shapes tail latency.
func backOff(start int64, band time.Duration) {
	if time.Duration(nanotime.Since(start)) < band {
		time.Sleep(10 * time.Microsecond)
	} else {
		time.Sleep(time.Millisecond)
	}
}

// reportTimeout logs every worker that has not reached safety. It
// fires once per safepoint unless aborting is configured, in which
// case it is fatal.
func (c *Coordinator) reportTimeout(head *WorkerState) {
	if c.timeoutReported && !c.cfg.AbortOnTimeout {
		return
	}
	c.timeoutReported = true

	c.log.Warnf("safepoint: timed out while spinning to reach a safepoint (%v)", c.cfg.TimeoutDelay())
	for s := head; s != nil; s = s.next {
		if s.running {
			c.log.Warnf("safepoint: worker %d (%s) did not reach the safepoint, mode %s",
				s.w.ID(), s.w.Name(), s.w.Mode())
		}
	}

	if c.cfg.AbortOnTimeout {
		panic(fmt.Sprintf("safepoint: sync time longer than %v while executing %q",
			c.cfg.TimeoutDelay(), c.trace.currentOp))
	}
}

// End exits the quiesced window: state back to not-synchronized, even
// generation published, per-worker state reset, registry lock
// released, and only then the barrier disarmed so workers resume
// against fully reset local state.
func (c *Coordinator) End() {
	ordering.FullFence()
	if s := c.State(); s != StateSynchronized {
		panic(fmt.Sprintf("safepoint: end in state %s", s))
	}

	// No worker may observe synchronized while running again.
	c.setState(StateNotSynchronized)

	g := c.gen
	if g%2 != 1 {
		panic("safepoint: generation must be odd before disarming")
	}
	ordering.StoreRelease(&c.gen, g+1)

	ordering.FullFence()

	c.reg.DoLocked(func(w *registry.Worker) {
		s := stateOf(w)
		s.restart()
		w.DisarmPoll()
	})

	c.reg.Unlock()

	// Wake workers only after local state is correctly reset.
	c.barrier.Disarm()

	c.trace.end(g + 1)

	c.coordMu.Unlock()
}

// CollectorLockers returns the critical-resource holder count captured
// at the last synchronization.
func (c *Coordinator) CollectorLockers() int {
	return c.collectorLockers
}

// Stats returns the diagnostics snapshot.
func (c *Coordinator) Stats() Stats {
	return c.trace.stats()
}
