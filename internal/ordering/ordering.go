// Package ordering names the memory-ordering primitives the safepoint
// protocol is written in terms of.
//
// Go's sync/atomic operations are sequentially consistent, which is
// stronger than any of the named primitives below. The names exist so
// that every call site in the protocol states the minimum ordering it
// relies on, keeping the code auditable against the protocol steps.
package ordering

import "sync/atomic"

// LoadAcquire reads *addr. Loads and stores sequenced after the call
// cannot be reordered before it.
func LoadAcquire(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}

// StoreRelease writes v to *addr. Loads and stores sequenced before
// the call cannot be reordered after it.
func StoreRelease(addr *uint64, v uint64) {
	atomic.StoreUint64(addr, v)
}

// LoadAcquire32 is LoadAcquire for 32-bit words.
func LoadAcquire32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

// StoreRelease32 is StoreRelease for 32-bit words.
func StoreRelease32(addr *uint32, v uint32) {
	atomic.StoreUint32(addr, v)
}

// Cas performs a compare-and-swap on *addr. On success it has both
// acquire and release semantics.
func Cas(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}

// Cas32 is Cas for 32-bit words.
func Cas32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}

// FetchAdd atomically adds delta to *addr and returns the new value.
func FetchAdd(addr *uint64, delta uint64) uint64 {
	return atomic.AddUint64(addr, delta)
}

var fenceWord uint32

// FullFence is a StoreLoad barrier: a store sequenced before the fence
// is ordered before a load sequenced after it, cross-thread.
func FullFence() {
	atomic.AddUint32(&fenceWord, 1)
}

// CompilerBarrier prevents the compiler from reordering memory
// accesses across the call. It compiles to a single atomic load.
func CompilerBarrier() {
	_ = atomic.LoadUint32(&fenceWord)
}
