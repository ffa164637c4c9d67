// Package waitbarrier implements the generation-tagged barrier workers
// park on while a safepoint is in progress.
//
// The coordinator arms the barrier with the generation it is about to
// publish, workers wait for that specific tag, and disarming releases
// every waiter at once. Waiting for a tag that is not the armed one
// returns immediately, which protects late arrivals from a previous
// generation against parking on a barrier that will never be disarmed
// for them.
package waitbarrier

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vmcore-dev/quiesce-go/internal/parker"
)

// Barrier is a generation-counted wait barrier. The zero value is
// disarmed and ready for use.
type Barrier struct {
	// tag is 0 when disarmed, otherwise the generation being waited
	// for. Written only under mu; read lock-free on the wait fast path.
	tag atomic.Int64

	mu      sync.Mutex
	waiters []*parker.Event
}

// Arm arms the barrier with the given tag. The barrier must be
// disarmed and tag must be nonzero.
//
// The store of the tag is ordered after every store the caller made
// before Arm, so a worker that blocks on this tag also observes the
// coordinator's setup.
func (b *Barrier) Arm(tag int64) {
	if tag == 0 {
		panic("waitbarrier: cannot arm with tag 0")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.tag.CompareAndSwap(0, tag) {
		panic(fmt.Sprintf("waitbarrier: arm while armed with tag %d", b.tag.Load()))
	}
}

// Wait blocks the caller on ev until the barrier is no longer armed
// with expected. If the armed tag already differs from expected, Wait
// returns immediately.
//
// ev must be the caller's own park event with no pending permit shared
// with another use; Wait resets it before registering.
func (b *Barrier) Wait(expected int64, ev *parker.Event) {
	if b.tag.Load() != expected {
		return
	}
	ev.Reset()
	b.mu.Lock()
	if b.tag.Load() != expected {
		b.mu.Unlock()
		return
	}
	b.waiters = append(b.waiters, ev)
	b.mu.Unlock()

	for b.tag.Load() == expected {
		ev.Park()
	}
}

// Disarm clears the tag and wakes every registered waiter. Stores the
// caller made before Disarm are observed by the woken waiters.
func (b *Barrier) Disarm() {
	b.mu.Lock()
	if b.tag.Load() == 0 {
		panic("waitbarrier: disarm while disarmed")
	}
	b.tag.Store(0)
	ws := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	for _, ev := range ws {
		ev.Unpark()
	}
}

// Armed reports whether the barrier is currently armed.
func (b *Barrier) Armed() bool {
	return b.tag.Load() != 0
}
