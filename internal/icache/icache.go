// Package icache buffers inline-cache updates produced while workers
// run. The buffer is drained and applied by a cleanup subtask inside
// the quiesced window, where call sites can be patched without any
// worker observing a half-written entry.
package icache

import (
	"sync"

	"github.com/vmcore-dev/quiesce-go/internal/fifo"
)

// Update is one pending inline-cache patch: call site to new target.
type Update struct {
	Site   uint64
	Target uint64
}

// Buffer collects pending updates. Push is called by workers under the
// buffer lock; Drain runs inside the quiesced window where the lock is
// uncontended by construction but still taken for the race detector's
// benefit.
type Buffer struct {
	mu      sync.Mutex
	pending fifo.Queue[Update]

	// sites is the applied state: the live target per call site.
	sites map[uint64]uint64
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{sites: make(map[uint64]uint64)}
}

// Push queues a patch for the next safepoint.
func (b *Buffer) Push(u Update) {
	b.mu.Lock()
	b.pending.PushBack(u)
	b.mu.Unlock()
}

// IsEmpty reports whether any updates are pending. Feeds the
// is-cleanup-needed decision.
func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len() == 0
}

// Drain applies every pending update and returns how many were
// applied. Later pushes for the same site win.
func (b *Buffer) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.pending.Len()
	for b.pending.Len() > 0 {
		u := b.pending.PopFront()
		b.sites[u.Site] = u.Target
	}
	return n
}

// Target returns the applied target for a call site.
func (b *Buffer) Target(site uint64) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.sites[site]
	return t, ok
}
