package quiesce

import (
	"github.com/vmcore-dev/quiesce-go/internal/cleanup"
	"github.com/vmcore-dev/quiesce-go/internal/icache"
	"github.com/vmcore-dev/quiesce-go/internal/rawmonitor"
)

// bindCleanupTasks wires the closed cleanup-task set to the runtime
// state each task maintains. The set is fixed at build time; every
// task runs exactly once per safepoint under the dispatcher's
// single-claim protocol.
func (r *Runtime) bindCleanupTasks(d *cleanup.Dispatcher) {
	d.Bind(cleanup.DeflateIdleMonitors, r.deflateMonitors)
	d.Bind(cleanup.UpdateInlineCaches, func() {
		r.icache.Drain()
	})
	d.Bind(cleanup.CompilationPolicyTick, func() {
		// Exponential decay of the invocation counter.
		r.hotness.Store(r.hotness.Load() / 2)
	})
	d.Bind(cleanup.RehashSymbolTable, func() {
		if r.symbols.NeedsRehash() {
			r.symbols.Rehash()
		}
	})
	d.Bind(cleanup.RehashStringTable, func() {
		if r.strings.NeedsRehash() {
			r.strings.Rehash()
		}
	})
	d.Bind(cleanup.PurgeLoaderGraph, r.purgeLoaders)
	d.Bind(cleanup.ResizeDictionary, func() {
		if r.symbols.NeedsResize() {
			r.symbols.Resize()
		}
		if r.strings.NeedsResize() {
			r.strings.Resize()
		}
	})
}

// CleanupNeeded reports whether the next safepoint has housekeeping to
// do beyond the requested operation.
func (r *Runtime) CleanupNeeded() bool {
	if !r.icache.IsEmpty() {
		return true
	}
	if r.symbols.NeedsRehash() || r.symbols.NeedsResize() {
		return true
	}
	if r.strings.NeedsRehash() || r.strings.NeedsResize() {
		return true
	}
	r.loaderMu.Lock()
	defunct := len(r.defunct) > 0
	r.loaderMu.Unlock()
	return defunct
}

// deflateMonitors drops destroyed monitors from the tracked set so
// their queues and names become collectable.
func (r *Runtime) deflateMonitors() {
	r.monMu.Lock()
	for m := range r.monitors {
		if !m.Valid() {
			delete(r.monitors, m)
		}
	}
	r.monMu.Unlock()
}

// purgeLoaders removes interned entries owned by defunct loaders and
// forgets the loaders.
func (r *Runtime) purgeLoaders() {
	r.loaderMu.Lock()
	if len(r.defunct) == 0 {
		r.loaderMu.Unlock()
		return
	}
	defunct := r.defunct
	r.defunct = make(map[uint64]bool)
	r.loaderMu.Unlock()

	dead := func(owner uint64) bool { return defunct[owner] }
	r.symbols.Purge(dead)
	r.strings.Purge(dead)
}

// InternSymbol interns a symbol on behalf of a loader. owner 0 pins
// the symbol for the life of the process.
func (r *Runtime) InternSymbol(owner uint64, s string) string {
	return r.symbols.Intern(owner, s)
}

// InternString interns a user-visible string.
func (r *Runtime) InternString(s string) string {
	return r.strings.Intern(0, s)
}

// SymbolInterned reports whether s is present in the symbol table.
func (r *Runtime) SymbolInterned(s string) bool {
	return r.symbols.Contains(s)
}

// TrackedMonitors returns the number of raw monitors tracked for idle
// deflation.
func (r *Runtime) TrackedMonitors() int {
	r.monMu.Lock()
	defer r.monMu.Unlock()
	return len(r.monitors)
}

// RecordInlineCache queues an inline-cache patch to be applied at the
// next safepoint.
func (r *Runtime) RecordInlineCache(site, target uint64) {
	r.icache.Push(icache.Update{Site: site, Target: target})
}

// InlineCacheTarget returns the applied target for a call site.
func (r *Runtime) InlineCacheTarget(site uint64) (uint64, bool) {
	return r.icache.Target(site)
}

// NoteInvocation feeds the compilation policy's hotness counter.
func (r *Runtime) NoteInvocation() {
	r.hotness.Add(1)
}

// Hotness returns the current decayed invocation counter.
func (r *Runtime) Hotness() int64 {
	return r.hotness.Load()
}

// RegisterLoader allocates a loader id for interning ownership.
func (r *Runtime) RegisterLoader() uint64 {
	r.loaderMu.Lock()
	defer r.loaderMu.Unlock()
	r.nextLoader++
	return r.nextLoader
}

// UnloadLoader marks a loader defunct; its interned entries are purged
// at the next safepoint.
func (r *Runtime) UnloadLoader(id uint64) {
	r.loaderMu.Lock()
	r.defunct[id] = true
	r.loaderMu.Unlock()
}

// Monitor is the raw-monitor handle handed to diagnostic agents.
type Monitor = rawmonitor.Monitor

// Raw-monitor results. ErrInterrupted is returned with the monitor
// reacquired.
var (
	ErrIllegalMonitorState = rawmonitor.ErrIllegalMonitorState
	ErrInterrupted         = rawmonitor.ErrInterrupted
	ErrInvalidHandle       = rawmonitor.ErrInvalidHandle
)

// CreateMonitor creates a raw monitor and tracks it for idle
// deflation.
func (r *Runtime) CreateMonitor(name string) *Monitor {
	m := rawmonitor.New(name)
	r.monMu.Lock()
	r.monitors[m] = struct{}{}
	r.monMu.Unlock()
	return m
}

// DestroyMonitor invalidates the handle. The tracked entry is dropped
// by the deflation cleanup task.
func (r *Runtime) DestroyMonitor(m *Monitor) error {
	if !m.Valid() {
		return ErrInvalidHandle
	}
	m.Destroy()
	return nil
}
