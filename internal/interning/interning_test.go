package interning

import (
	"fmt"
	"testing"
)

func TestInternReturnsCanonicalEntry(t *testing.T) {
	tbl := NewTable(16, 4)
	a := tbl.Intern(BootOwner, "java/lang/Object")
	b := tbl.Intern(BootOwner, "java/lang/Object")
	if a != b {
		t.Fatal("second intern did not return the canonical entry")
	}
	if tbl.Len() != 1 {
		t.Fatalf("table holds %d entries, want 1", tbl.Len())
	}
	if !tbl.Contains("java/lang/Object") {
		t.Fatal("interned entry not found")
	}
}

func TestRehashPreservesEntries(t *testing.T) {
	tbl := NewTable(8, 2)
	for i := 0; i < 100; i++ {
		tbl.Intern(BootOwner, fmt.Sprintf("sym-%d", i))
	}
	if !tbl.NeedsRehash() {
		t.Skip("chains stayed short; nothing to rehash")
	}
	tbl.Rehash()
	if tbl.Len() != 100 {
		t.Fatalf("rehash lost entries: %d of 100", tbl.Len())
	}
	for i := 0; i < 100; i++ {
		if !tbl.Contains(fmt.Sprintf("sym-%d", i)) {
			t.Fatalf("sym-%d missing after rehash", i)
		}
	}
}

func TestResizePreservesEntries(t *testing.T) {
	tbl := NewTable(4, 64)
	for i := 0; i < 64; i++ {
		tbl.Intern(BootOwner, fmt.Sprintf("s%d", i))
	}
	if !tbl.NeedsResize() {
		t.Fatal("table over load factor but NeedsResize is false")
	}
	tbl.Resize()
	if tbl.Len() != 64 {
		t.Fatalf("resize lost entries: %d of 64", tbl.Len())
	}
	for i := 0; i < 64; i++ {
		if !tbl.Contains(fmt.Sprintf("s%d", i)) {
			t.Fatalf("s%d missing after resize", i)
		}
	}
}

func TestPurgeRemovesDefunctOwnersOnly(t *testing.T) {
	tbl := NewTable(16, 8)
	tbl.Intern(BootOwner, "boot")
	tbl.Intern(7, "plugin-a")
	tbl.Intern(7, "plugin-b")
	tbl.Intern(9, "kept")

	removed := tbl.Purge(func(owner uint64) bool { return owner == 7 })
	if removed != 2 {
		t.Fatalf("purged %d entries, want 2", removed)
	}
	if tbl.Contains("plugin-a") || tbl.Contains("plugin-b") {
		t.Fatal("defunct owner's entries survived the purge")
	}
	if !tbl.Contains("boot") || !tbl.Contains("kept") {
		t.Fatal("purge removed live entries")
	}
	if tbl.Len() != 2 {
		t.Fatalf("table holds %d entries, want 2", tbl.Len())
	}
}
