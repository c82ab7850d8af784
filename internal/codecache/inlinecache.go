package codecache

import "github.com/xyproto/grr32/internal/abi"

// InlineCacheSlots is the number of entries in an indirect-branch site's
// small direct-mapped inline cache (N=2048 in the spec), and
// InlineCacheProbes is how many linear-probe slots are checked before
// falling back to the full Index lookup (P=4).
const (
	InlineCacheSlots  = 2048
	InlineCacheProbes = 4
)

// InlineCache is a small direct-mapped cache in front of the full Index,
// consulted by every indirect branch site before it pays for a hashmap
// lookup. Grounded on the original's InsertIntoInlineCache/ClearInlineCache
// (granary/code/cache.h), realized here as a plain Go slice rather than a
// pointer directly embedded in generated code, since the dispatcher (not
// the translated code itself) performs the probe.
type InlineCache struct {
	slots [InlineCacheSlots]icEntry
}

type icEntry struct {
	valid bool
	pc    abi.Addr32
	value Value
}

func (ic *InlineCache) slot(pc abi.Addr32) int {
	return int(uint32(pc)>>2) % InlineCacheSlots
}

// Lookup probes up to InlineCacheProbes consecutive slots starting at pc's
// home slot, returning the cached Value on a hit.
func (ic *InlineCache) Lookup(pc abi.Addr32) (Value, bool) {
	base := ic.slot(pc)
	for i := 0; i < InlineCacheProbes; i++ {
		e := &ic.slots[(base+i)%InlineCacheSlots]
		if e.valid && e.pc == pc {
			return e.value, true
		}
	}
	return 0, false
}

// Insert records pc->value, evicting whichever of the probe slots is
// currently empty, or the first probed slot if all are occupied.
func (ic *InlineCache) Insert(pc abi.Addr32, value Value) {
	base := ic.slot(pc)
	for i := 0; i < InlineCacheProbes; i++ {
		e := &ic.slots[(base+i)%InlineCacheSlots]
		if !e.valid {
			e.valid, e.pc, e.value = true, pc, value
			return
		}
	}
	e := &ic.slots[base]
	e.valid, e.pc, e.value = true, pc, value
}

// Clear empties every slot, called once per scheduler dispatch cycle
// (ClearInlineCache in the original) so a stale indirect-branch target
// from a process that has since been descheduled can't be consulted by
// the next process sharing this dispatcher -- the spec's per-process
// isolation requirement for the inline cache.
func (ic *InlineCache) Clear() {
	for i := range ic.slots {
		ic.slots[i] = icEntry{}
	}
}
