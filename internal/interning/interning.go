// Package interning implements the runtime's symbol and string tables:
// hash tables keyed by a seeded 64-bit hash. When probe chains grow
// past a threshold (an adversarial or just unlucky key distribution)
// the table asks for a rehash, which swaps in a fresh random key and
// redistributes every entry. Rehash and resize only run inside the
// quiesced window, so readers never observe a table mid-move.
package interning

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/minio/highwayhash"
)

// BootOwner tags entries that do not belong to any unloadable owner.
const BootOwner uint64 = 0

type entry struct {
	hash  uint64
	sym   string
	owner uint64
}

// Table is one interning table. Every operation takes the table lock,
// the maintenance operations (Rehash, Resize, Purge) included. Those
// are called only from cleanup tasks inside the quiesced window; they
// do not check that they are.
type Table struct {
	mu       sync.Mutex
	key      [32]byte
	buckets  [][]entry
	count    int
	maxChain int

	// chainLimit triggers NeedsRehash; loadNum/loadDen trigger
	// NeedsResize when count > len(buckets)*loadNum/loadDen.
	chainLimit int
	loadNum    int
	loadDen    int
}

// NewTable returns a table with the given initial bucket count and
// probe-chain rehash threshold.
func NewTable(buckets, chainLimit int) *Table {
	if buckets <= 0 || chainLimit <= 0 {
		panic("interning: invalid table parameters")
	}
	t := &Table{
		buckets:    make([][]entry, buckets),
		chainLimit: chainLimit,
		loadNum:    3,
		loadDen:    4,
	}
	t.key = freshKey()
	return t
}

func freshKey() [32]byte {
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		panic(fmt.Sprintf("interning: failed to read hash key: %v", err))
	}
	return k
}

func (t *Table) hash(s string) uint64 {
	return highwayhash.Sum64([]byte(s), t.key[:])
}

// Intern returns the canonical copy of s, inserting it for owner if it
// was not present.
func (t *Table) Intern(owner uint64, s string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.hash(s)
	i := h % uint64(len(t.buckets))
	for _, e := range t.buckets[i] {
		if e.hash == h && e.sym == s {
			return e.sym
		}
	}
	t.buckets[i] = append(t.buckets[i], entry{hash: h, sym: s, owner: owner})
	t.count++
	if n := len(t.buckets[i]); n > t.maxChain {
		t.maxChain = n
	}
	return s
}

// Contains reports whether s is interned.
func (t *Table) Contains(s string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.hash(s)
	for _, e := range t.buckets[h%uint64(len(t.buckets))] {
		if e.hash == h && e.sym == s {
			return true
		}
	}
	return false
}

// Len returns the number of interned entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// NeedsRehash reports whether some probe chain has exceeded the limit.
func (t *Table) NeedsRehash() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxChain > t.chainLimit
}

// Rehash swaps in a fresh random key and redistributes every entry.
// Cleanup-task only; workers are excluded by the safepoint.
func (t *Table) Rehash() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.key = freshKey()
	t.redistribute(len(t.buckets))
}

// NeedsResize reports whether the load factor has been exceeded.
func (t *Table) NeedsResize() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count*t.loadDen > len(t.buckets)*t.loadNum
}

// Resize doubles the bucket array. Cleanup-task only.
func (t *Table) Resize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.redistribute(len(t.buckets) * 2)
}

// redistribute rebuilds the bucket array at the given size using the
// current key. Caller holds the lock.
func (t *Table) redistribute(size int) {
	old := t.buckets
	t.buckets = make([][]entry, size)
	t.maxChain = 0
	for _, chain := range old {
		for _, e := range chain {
			e.hash = t.hash(e.sym)
			i := e.hash % uint64(size)
			t.buckets[i] = append(t.buckets[i], e)
			if n := len(t.buckets[i]); n > t.maxChain {
				t.maxChain = n
			}
		}
	}
}

// Purge removes every entry whose owner dead reports defunct and
// returns how many were removed. Cleanup-task only.
func (t *Table) Purge(dead func(owner uint64) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for i, chain := range t.buckets {
		kept := chain[:0]
		for _, e := range chain {
			if e.owner != BootOwner && dead(e.owner) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		t.buckets[i] = kept
	}
	t.count -= removed
	return removed
}
