package codecache

import (
	"testing"

	"github.com/xyproto/grr32/internal/abi"
)

func TestKeyRoundTrip(t *testing.T) {
	k := NewKey(0xDEADBEEF, 0x7A, 0x00ABCDEF)
	if got := k.PC32(); got != 0xDEADBEEF {
		t.Fatalf("PC32() = 0x%x, want 0xDEADBEEF", uint32(got))
	}
	if got := k.PID(); got != 0x7A {
		t.Fatalf("PID() = 0x%x, want 0x7A", got)
	}
	if got := k.CodeHash(); got != 0x00ABCDEF {
		t.Fatalf("CodeHash() = 0x%x, want 0x00abcdef", got)
	}
}

func TestKeyCodeHashIsMaskedTo24Bits(t *testing.T) {
	k := NewKey(0, 0, 0xFFFFFFFF)
	if got := k.CodeHash(); got != 0x00FFFFFF {
		t.Fatalf("CodeHash() = 0x%x, want the low 24 bits only", got)
	}
}

func TestValueRoundTrip(t *testing.T) {
	v := NewValue(0x1000, abi.CacheOffset(0x2000))
	if got := v.BlockPC32(); got != 0x1000 {
		t.Fatalf("BlockPC32() = 0x%x, want 0x1000", uint32(got))
	}
	if got := v.CacheOffset(); got != 0x2000 {
		t.Fatalf("CacheOffset() = 0x%x, want 0x2000", uint32(got))
	}
	if v.IsTraceHead() || v.IsTraceBlock() || v.HasOneSuccessor() || v.EndsWithSyscall() || v.EndsWithError() {
		t.Fatalf("freshly packed Value should have every flag clear: %+v", v)
	}
}

func TestValueCacheOffsetIsMaskedTo27Bits(t *testing.T) {
	v := NewValue(0, abi.CacheOffset(0xFFFFFFFF))
	if got := v.CacheOffset(); got != 0x07FFFFFF {
		t.Fatalf("CacheOffset() = 0x%x, want the low 27 bits only", uint32(got))
	}
}

func TestValueFlagsAreIndependentlySettable(t *testing.T) {
	v := NewValue(0x100, 0)
	v = v.WithTraceHead(true)
	v = v.WithOneSuccessor(true)

	if !v.IsTraceHead() || !v.HasOneSuccessor() {
		t.Fatal("expected both TraceHead and OneSuccessor set")
	}
	if v.IsTraceBlock() || v.EndsWithSyscall() || v.EndsWithError() {
		t.Fatal("unrelated flags must stay clear")
	}

	v = v.WithTraceHead(false)
	if v.IsTraceHead() {
		t.Fatal("WithTraceHead(false) should clear the flag")
	}
	if !v.HasOneSuccessor() {
		t.Fatal("clearing TraceHead must not disturb OneSuccessor")
	}
}

// TestValueEndsWithSyscallAndErrorAreMutuallyExclusive locks down the bit
// layout comment in key.go: a block cannot be marked as ending in both a
// syscall and a decode error.
func TestValueEndsWithSyscallAndErrorAreMutuallyExclusive(t *testing.T) {
	v := NewValue(0, 0).WithEndsWithSyscall(true)
	if !v.EndsWithSyscall() || v.EndsWithError() {
		t.Fatalf("after WithEndsWithSyscall(true): syscall=%v error=%v, want true/false",
			v.EndsWithSyscall(), v.EndsWithError())
	}

	v = v.WithEndsWithError(true)
	if v.EndsWithSyscall() || !v.EndsWithError() {
		t.Fatalf("after WithEndsWithError(true): syscall=%v error=%v, want false/true",
			v.EndsWithSyscall(), v.EndsWithError())
	}

	v = v.WithEndsWithSyscall(true)
	if !v.EndsWithSyscall() || v.EndsWithError() {
		t.Fatal("re-setting EndsWithSyscall must clear EndsWithError again")
	}
}

func TestIndexFindInsertAndOverwrite(t *testing.T) {
	idx := NewIndex()
	k := NewKey(0x400, 3, 0)

	if _, ok := idx.Find(k); ok {
		t.Fatal("Find on empty index should miss")
	}

	v1 := NewValue(0x400, 10)
	idx.Insert(k, v1)
	if got, ok := idx.Find(k); !ok || got != v1 {
		t.Fatalf("Find after Insert = %v, %v, want %v, true", got, ok, v1)
	}
	if idx.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", idx.Count())
	}

	v2 := NewValue(0x400, 20)
	idx.Insert(k, v2)
	if got, ok := idx.Find(k); !ok || got != v2 {
		t.Fatalf("Find after overwrite = %v, %v, want %v, true", got, ok, v2)
	}
	if idx.Count() != 1 {
		t.Fatalf("Count() after overwrite = %d, want still 1", idx.Count())
	}
}

// TestIndexHandlesCollisionChainAndResize drives enough distinct keys
// through the index to force both bucket chaining and at least one resize,
// checking every entry remains independently retrievable throughout.
func TestIndexHandlesCollisionChainAndResize(t *testing.T) {
	idx := NewIndex()
	const n = 2000
	keys := make([]Key, n)
	for i := 0; i < n; i++ {
		keys[i] = NewKey(abi.Addr32(i*4), uint8(i%8), 0)
		idx.Insert(keys[i], NewValue(abi.Addr32(i*4), abi.CacheOffset(i)))
	}
	if idx.Count() != n {
		t.Fatalf("Count() = %d, want %d", idx.Count(), n)
	}
	for i := 0; i < n; i++ {
		v, ok := idx.Find(keys[i])
		if !ok {
			t.Fatalf("key %d missing after resize", i)
		}
		if v.CacheOffset() != abi.CacheOffset(i) {
			t.Fatalf("key %d: CacheOffset() = %d, want %d", i, v.CacheOffset(), i)
		}
	}
}

func TestIndexClearRemovesOnlyMatchingEntries(t *testing.T) {
	idx := NewIndex()
	for i := 0; i < 50; i++ {
		idx.Insert(NewKey(abi.Addr32(i*4), uint8(i%3), 0), NewValue(abi.Addr32(i*4), abi.CacheOffset(i)))
	}
	before := idx.Count()

	idx.Clear(func(k Key) bool { return k.PID() == 1 })

	after := idx.Count()
	if after >= before {
		t.Fatalf("Count() after Clear = %d, want fewer than %d", after, before)
	}
	for _, e := range idx.Entries() {
		if e.Key.PID() == 1 {
			t.Fatalf("entry with PID 1 survived Clear: %v", e.Key)
		}
	}
}

func TestInlineCacheLookupAndInsert(t *testing.T) {
	ic := &InlineCache{}
	pc := abi.Addr32(0x8000)

	if _, ok := ic.Lookup(pc); ok {
		t.Fatal("Lookup on empty cache should miss")
	}

	v := NewValue(pc, 42)
	ic.Insert(pc, v)
	if got, ok := ic.Lookup(pc); !ok || got != v {
		t.Fatalf("Lookup after Insert = %v, %v, want %v, true", got, ok, v)
	}
}

// TestInlineCacheProbesWithinSlotBeforeEviction checks that up to
// InlineCacheProbes distinct pcs mapping to the same home slot can all be
// looked up, the direct-mapped-with-linear-probe behavior spec.md assigns
// this structure.
func TestInlineCacheProbesWithinSlotBeforeEviction(t *testing.T) {
	ic := &InlineCache{}
	base := abi.Addr32(0x1000)

	var pcs []abi.Addr32
	for i := 0; len(pcs) < InlineCacheProbes; i++ {
		pc := base + abi.Addr32(i*4*InlineCacheSlots)
		if ic.slot(pc) != ic.slot(base) {
			continue
		}
		pcs = append(pcs, pc)
	}

	for i, pc := range pcs {
		ic.Insert(pc, NewValue(pc, abi.CacheOffset(i)))
	}
	for i, pc := range pcs {
		v, ok := ic.Lookup(pc)
		if !ok {
			t.Fatalf("pc[%d]=0x%x should still be present within the probe window", i, uint32(pc))
		}
		if v.CacheOffset() != abi.CacheOffset(i) {
			t.Fatalf("pc[%d]: CacheOffset() = %d, want %d", i, v.CacheOffset(), i)
		}
	}
}

func TestInlineCacheClearEmptiesAllSlots(t *testing.T) {
	ic := &InlineCache{}
	pc := abi.Addr32(0x3000)
	ic.Insert(pc, NewValue(pc, 7))

	ic.Clear()

	if _, ok := ic.Lookup(pc); ok {
		t.Fatal("Lookup after Clear should miss")
	}
}
