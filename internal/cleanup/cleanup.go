// Package cleanup runs the fixed set of housekeeping subtasks inside
// the quiesced window. Each subtask runs exactly once per safepoint: a
// per-task claimed bit is taken with a compare-and-swap and only the
// winner runs the task. Subtasks mutate data that workers read without
// extra locking; exclusion comes from the safepoint itself.
package cleanup

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vmcore-dev/quiesce-go/internal/logging"
	"github.com/vmcore-dev/quiesce-go/internal/nanotime"
	"github.com/vmcore-dev/quiesce-go/internal/ordering"
)

// Task identifies one cleanup subtask. The set is closed at build
// time; dispatch goes through a table of bound functions rather than
// any polymorphic indirection.
type Task int

const (
	DeflateIdleMonitors Task = iota
	UpdateInlineCaches
	CompilationPolicyTick
	RehashSymbolTable
	RehashStringTable
	PurgeLoaderGraph
	ResizeDictionary

	numTasks
)

var taskNames = [numTasks]string{
	DeflateIdleMonitors:   "deflating idle monitors",
	UpdateInlineCaches:    "updating inline caches",
	CompilationPolicyTick: "compilation policy tick",
	RehashSymbolTable:     "rehashing symbol table",
	RehashStringTable:     "rehashing string table",
	PurgeLoaderGraph:      "purging loader graph",
	ResizeDictionary:      "resizing dictionary",
}

func (t Task) String() string {
	if t < 0 || t >= numTasks {
		return fmt.Sprintf("task(%d)", int(t))
	}
	return taskNames[t]
}

// Dispatcher owns the dispatch table and the claim bits. Bind the
// tasks once at runtime construction; Prepare and Run are called by
// the coordinator every safepoint.
type Dispatcher struct {
	log     logging.Logger
	table   [numTasks]func()
	claimed [numTasks]uint32
}

// NewDispatcher returns a dispatcher with an empty table.
func NewDispatcher(log logging.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Bind installs the function run when t is claimed. A task left
// unbound is claimed and skipped.
func (d *Dispatcher) Bind(t Task, fn func()) {
	d.table[t] = fn
}

// Prepare resets the claim bits for a new safepoint.
func (d *Dispatcher) Prepare() {
	for i := range d.claimed {
		ordering.StoreRelease32(&d.claimed[i], 0)
	}
}

// Run executes the full task set and returns when every task has
// completed. With parallelism <= 1 the coordinator runs the set
// serially; otherwise that many dispatcher workers race to claim
// tasks, and Run is the completion barrier.
func (d *Dispatcher) Run(parallelism int) {
	if parallelism <= 1 {
		d.work()
		return
	}
	var g errgroup.Group
	for i := 0; i < parallelism; i++ {
		g.Go(func() error {
			d.work()
			return nil
		})
	}
	// Tasks do not fail; the group is the all-tasks-completed barrier.
	_ = g.Wait()
}

func (d *Dispatcher) work() {
	for t := Task(0); t < numTasks; t++ {
		if !d.tryClaim(t) {
			continue
		}
		fn := d.table[t]
		if fn == nil {
			continue
		}
		start := nanotime.Now()
		fn()
		d.log.Debugf("safepoint cleanup: %s, %v", t, time.Duration(nanotime.Since(start)))
	}
}

// tryClaim takes the claim bit for t; exactly one caller per Prepare
// succeeds.
func (d *Dispatcher) tryClaim(t Task) bool {
	return ordering.Cas32(&d.claimed[t], 0, 1)
}

// Claimed reports whether t has been claimed this safepoint.
func (d *Dispatcher) Claimed(t Task) bool {
	return ordering.LoadAcquire32(&d.claimed[t]) != 0
}

// Tasks returns the number of tasks in the closed set.
func Tasks() int { return int(numTasks) }
