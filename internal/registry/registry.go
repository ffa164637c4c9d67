// Package registry tracks every worker thread known to the runtime and
// owns the lock that serializes registration against the safepoint
// coordinator.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/vmcore-dev/quiesce-go/internal/parker"
)

// Registry is the set of live workers. The registry lock is held by
// the coordinator for the full duration of a safepoint, so no worker
// can register or unregister while the system is synchronizing.
type Registry struct {
	mu      sync.Mutex
	workers map[uint64]*Worker
	nextID  atomic.Uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{workers: make(map[uint64]*Worker)}
}

// Lock acquires the registry lock. Only the coordinator may hold it
// across blocking operations.
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the registry lock.
func (r *Registry) Unlock() { r.mu.Unlock() }

// Register creates a worker record and adds it to the registry.
func (r *Registry) Register(name string) *Worker {
	return r.RegisterWith(name, nil)
}

// RegisterWith creates a worker record, runs init on it, and only then
// publishes it to the registry. The coordinator attaches its
// per-worker state through init so no safepoint can observe a worker
// without one.
func (r *Registry) RegisterWith(name string, init func(*Worker)) *Worker {
	w := &Worker{
		id:   r.nextID.Add(1),
		name: name,
		park: parker.NewEvent(),
	}
	w.SetMode(ModeUserCode)
	if init != nil {
		init(w)
	}
	r.mu.Lock()
	r.workers[w.id] = w
	r.mu.Unlock()
	return w
}

// Unregister marks the worker terminated and removes it. A safepoint
// in progress has already accounted the worker by the time the
// registry lock is available here.
func (r *Registry) Unregister(w *Worker) {
	w.SetModeFence(ModeTerminated)
	r.mu.Lock()
	delete(r.workers, w.id)
	r.mu.Unlock()
}

// Len returns the number of registered workers. Callers that need a
// stable count hold the registry lock.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// LenLocked returns the worker count. The caller holds the lock.
func (r *Registry) LenLocked() int { return len(r.workers) }

// DoLocked calls fn for every registered worker. The caller holds the
// registry lock.
func (r *Registry) DoLocked(fn func(*Worker)) {
	for _, w := range r.workers {
		fn(w)
	}
}
