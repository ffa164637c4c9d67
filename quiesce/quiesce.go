// Package quiesce contains the global safepoint coordination core of
// an embeddable managed runtime: the machinery that brings every
// worker thread to a quiesced, memory-consistent state, runs a
// privileged operation and the safepoint cleanup while all workers are
// halted, then releases them. It also provides the raw-monitor
// primitive exposed to diagnostic agents.
package quiesce

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmcore-dev/quiesce-go/internal/cleanup"
	"github.com/vmcore-dev/quiesce-go/internal/config"
	"github.com/vmcore-dev/quiesce-go/internal/icache"
	"github.com/vmcore-dev/quiesce-go/internal/interning"
	"github.com/vmcore-dev/quiesce-go/internal/logging"
	"github.com/vmcore-dev/quiesce-go/internal/rawmonitor"
	"github.com/vmcore-dev/quiesce-go/internal/registry"
	"github.com/vmcore-dev/quiesce-go/internal/safepoint"
)

// Logger receives diagnostic output from the runtime. See WithLogger.
type Logger = logging.Logger

// OpType tags the operation a safepoint is requested for; it feeds
// tracing and coalescing only.
type OpType = safepoint.OpType

// Stats is the diagnostics snapshot returned by (*Runtime).Stats.
type Stats = safepoint.Stats

// Worker is the per-thread record returned by Register.
type Worker = registry.Worker

// Option configures a Runtime.
type Option interface {
	apply(*options)
}

type options struct {
	logger             logging.Logger
	configFile         string
	timeout            *time.Duration
	abortOnTimeout     *bool
	cleanupParallelism *int
}

type optionFunc func(o *options)

func (f optionFunc) apply(o *options) {
	f(o)
}

// WithLogger sets the logger diagnostic output goes to. The default
// discards everything.
func WithLogger(l Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}

// WithLogFuncs is WithLogger for callers that prefer plain printf
// functions; nil functions discard their level.
func WithLogFuncs(debugf, infof, warnf func(format string, args ...any)) Option {
	return optionFunc(func(o *options) {
		o.logger = logging.Funcs{Debug: debugf, Info: infof, Warn: warnf}
	})
}

// WithConfigFile names the YAML tunables file. Defaults to the
// QUIESCE_CONFIG environment variable; no file at all is fine.
func WithConfigFile(path string) Option {
	return optionFunc(func(o *options) {
		o.configFile = path
	})
}

// WithTimeout bounds how long the coordinator waits for workers to
// reach safety before reporting a timeout. 0 disables the report.
func WithTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.timeout = &d
	})
}

// WithAbortOnTimeout makes a safepoint timeout fatal.
func WithAbortOnTimeout(abort bool) Option {
	return optionFunc(func(o *options) {
		o.abortOnTimeout = &abort
	})
}

// WithCleanupParallelism sets the number of dispatcher workers that
// claim cleanup subtasks; 0 or 1 runs them serially on the
// coordinator.
func WithCleanupParallelism(n int) Option {
	return optionFunc(func(o *options) {
		o.cleanupParallelism = &n
	})
}

// Runtime is a process-wide handle over the safepoint machinery. Every
// worker is attached to its coordinator at registration. The one piece
// of state shared by all runtimes in a process is the raw-monitor
// queue lock.
type Runtime struct {
	cfg config.Config
	log logging.Logger

	reg   *registry.Registry
	coord *safepoint.Coordinator

	symbols *interning.Table
	strings *interning.Table
	icache  *icache.Buffer

	// hotness is the compilation-policy decay counter; invocations
	// raise it, the policy tick decays it.
	hotness atomic.Int64

	loaderMu   sync.Mutex
	nextLoader uint64
	defunct    map[uint64]bool

	monMu    sync.Mutex
	monitors map[*rawmonitor.Monitor]struct{}
}

// Open builds a runtime from the options and the configuration
// environment.
func Open(opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}

	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.timeout != nil {
		cfg.TimeoutDelayMillis = o.timeout.Milliseconds()
	}
	if o.abortOnTimeout != nil {
		cfg.AbortOnTimeout = *o.abortOnTimeout
	}
	if o.cleanupParallelism != nil {
		cfg.CleanupParallelism = *o.cleanupParallelism
	}

	r := &Runtime{
		cfg:      cfg,
		log:      o.logger,
		reg:      registry.New(),
		symbols:  interning.NewTable(1024, 8),
		strings:  interning.NewTable(4096, 12),
		icache:   icache.NewBuffer(),
		defunct:  make(map[uint64]bool),
		monitors: make(map[*rawmonitor.Monitor]struct{}),
	}

	dispatcher := cleanup.NewDispatcher(o.logger)
	r.bindCleanupTasks(dispatcher)
	r.coord = safepoint.New(r.reg, cfg, o.logger, dispatcher)
	return r, nil
}

// Register creates a worker record for the calling thread. The worker
// starts in user-code mode.
func (r *Runtime) Register(name string) *Worker {
	return r.reg.RegisterWith(name, r.coord.AttachWorker)
}

// Unregister removes the worker. Blocks while a safepoint is in
// progress; a worker must not unregister between its own Begin and
// End.
func (r *Runtime) Unregister(w *Worker) {
	r.reg.Unregister(w)
}

// Execute requests a safepoint tagged op and runs fn inside the
// quiesced window. Concurrent requests for the same op share one
// window; only the fn of the request that opened it runs.
func (r *Runtime) Execute(op OpType, fn func()) {
	r.coord.Execute(op, fn)
}

// Begin enters the quiesced window for split-phase callers. The caller
// is the coordinator until End.
func (r *Runtime) Begin(op OpType) {
	r.coord.Begin(op)
}

// End exits the quiesced window entered by Begin.
func (r *Runtime) End() {
	r.coord.End()
}

// Poll is the worker poll check: a single load on the fast path, the
// block protocol on the slow path.
func (r *Runtime) Poll(w *Worker) {
	r.coord.Poll(w)
}

// Block runs the worker block protocol directly; exposed for entry
// points that have already observed the armed poll.
func (r *Runtime) Block(w *Worker) {
	r.coord.Block(w)
}

// EnterPrivileged moves the worker from user code into a privileged
// call, honoring a pending safepoint on the edge.
func (r *Runtime) EnterPrivileged(w *Worker) {
	r.coord.Transition(w, registry.ModePrivileged)
}

// ExitPrivileged returns the worker from a privileged call to user
// code, honoring a pending safepoint on the edge.
func (r *Runtime) ExitPrivileged(w *Worker) {
	r.coord.Transition(w, registry.ModeUserCode)
}

// HandshakeSafe reports whether the worker is in a stable mode that is
// safe without the worker taking any action.
func (r *Runtime) HandshakeSafe(w *Worker) bool {
	return r.coord.HandshakeSafe(w)
}

// CollectorLockers returns the count of workers that held a critical
// resource when the last safepoint synchronized.
func (r *Runtime) CollectorLockers() int {
	return r.coord.CollectorLockers()
}

// Stats returns the diagnostics counters.
func (r *Runtime) Stats() Stats {
	return r.coord.Stats()
}
