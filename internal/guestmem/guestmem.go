// Package guestmem manages the flat 4 GiB address space a guest process
// sees: a single mmap reservation, a sorted free/allocated page-range
// table, and the RWX/hash bookkeeping the fault handler and translator
// both need when guest code is self-modifying. Grounded on the teacher's
// Arena bump allocator (arena.go) for the raw mmap/size-tracking shape,
// generalized from a single growable region to a page-range table that
// supports allocate-anywhere and deallocate-with-merge.
package guestmem

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/xyproto/grr32/internal/abi"
)

// MaxAddress is the highest guest address this host will ever map;
// addresses above it are reserved the way the original DECREE ABI reserves
// the top of the 32-bit space for its own bookkeeping.
const MaxAddress = 0xB8000000

// PageState tracks the RWX posture of a mapped page as the translator and
// fault handler see it: freshly allocated pages are lazily mapped (no
// physical backing until first touch), code pages execute read-only, and a
// page can flip to writable when guest code legitimately writes to it
// (self-modifying code), forcing retranslation on the next execution.
type PageState int

const (
	StateUnmapped PageState = iota
	StateLazy               // reserved, PROT_NONE until first touch
	StateRX                 // mapped, executable, not writable
	StateRW                 // mapped, writable, not executable
)

// PageRange describes one contiguous run of guest pages sharing a state.
// Ranges are kept sorted descending by Base the way the original
// allocator favors high addresses first, leaving low memory open for the
// guest's own heap growth.
type PageRange struct {
	Base  abi.Addr32
	Pages uint32 // number of PageSize pages covered
	State PageState
}

func (r PageRange) End() abi.Addr32 {
	return abi.Addr32(uint32(r.Base) + r.Pages*abi.PageSize)
}

// GuestMemory reserves a full 4 GiB address space with one mmap call and
// tracks which parts of it are allocated, lazily mapped, or free.
type GuestMemory struct {
	base   uintptr
	ranges []PageRange // sorted descending by Base
}

// New reserves a 4 GiB PROT_NONE mapping to back the guest's entire address
// space; individual pages are made accessible lazily as the guest touches
// them, exactly as TryLazyMap expects to be called from the fault handler.
func New() (*GuestMemory, error) {
	const size = uint64(1) << 32
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("guestmem: reserve 4GiB: %w", err)
	}
	return &GuestMemory{base: uintptr(unsafePointer(b))}, nil
}

// Base returns the host address corresponding to guest address 0; adding a
// guest Addr32 to this yields MEM64+Addr32 per the fixed host ABI.
func (g *GuestMemory) Base() uintptr {
	return g.base
}

// HostAddr converts a guest address to its host address under the current
// mapping.
func (g *GuestMemory) HostAddr(a abi.Addr32) abi.Addr64 {
	return abi.Addr64(g.base + uintptr(a))
}

// Allocate reserves `pages` pages of guest address space, preferring the
// highest available free range below MaxAddress the way the original
// allocator does, and returns the base address of the new range in state
// StateLazy (no physical page touched yet). It returns ok=false if no
// sufficiently large gap exists.
func (g *GuestMemory) Allocate(pages uint32) (abi.Addr32, bool) {
	if pages == 0 {
		return 0, false
	}
	needed := uint64(pages) * abi.PageSize

	sort.Slice(g.ranges, func(i, j int) bool { return g.ranges[i].Base > g.ranges[j].Base })

	prevBase := uint64(MaxAddress)
	for _, r := range g.ranges {
		end := uint64(r.End())
		gap := prevBase - end
		if gap >= needed {
			base := abi.Addr32(prevBase - needed)
			g.insert(PageRange{Base: base, Pages: pages, State: StateLazy})
			return base, true
		}
		prevBase = uint64(r.Base)
	}
	if prevBase >= needed {
		base := abi.Addr32(prevBase - needed)
		g.insert(PageRange{Base: base, Pages: pages, State: StateLazy})
		return base, true
	}
	return 0, false
}

// Deallocate releases a previously allocated range, merging it back into
// the free space it vacates (there is no explicit free list; any address
// not covered by an entry in g.ranges is implicitly free).
func (g *GuestMemory) Deallocate(base abi.Addr32, pages uint32) error {
	for i, r := range g.ranges {
		if r.Base == base && r.Pages == pages {
			if r.State != StateLazy {
				if err := unix.Mprotect(g.slice(r), unix.PROT_NONE); err != nil {
					return fmt.Errorf("guestmem: deallocate mprotect: %w", err)
				}
			}
			g.ranges = append(g.ranges[:i], g.ranges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("guestmem: no exact range [0x%x,+%d) to deallocate", uint32(base), pages)
}

// Ranges returns every currently allocated PageRange, sorted ascending by
// Base, for a snapshot writer to walk the whole address space without
// knowing individual addresses in advance.
func (g *GuestMemory) Ranges() []PageRange {
	out := make([]PageRange, len(g.ranges))
	copy(out, g.ranges)
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// Find returns the PageRange covering addr, if any.
func (g *GuestMemory) Find(addr abi.Addr32) (PageRange, bool) {
	for _, r := range g.ranges {
		if addr >= r.Base && addr < r.End() {
			return r, true
		}
	}
	return PageRange{}, false
}

// Restore re-creates a range at its exact original Base, used only when
// reviving a process from a snapshot: unlike Allocate, which always picks
// the highest free address itself, a restored range must land at the
// address the guest's code and stack pointers already assume. data, if
// non-empty, is copied into the start of the range before its final
// protection is applied (so a restored RX range can still be written to
// during setup); StateLazy ranges are left PROT_NONE and data must be
// empty, matching a freshly Allocate'd range that hasn't been touched yet.
func (g *GuestMemory) Restore(r PageRange, data []byte) error {
	if r.State == StateLazy {
		g.insert(r)
		return nil
	}
	if err := unix.Mprotect(g.slice(r), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("guestmem: restore mprotect rw: %w", err)
	}
	copy(g.slice(r), data)

	if r.State == StateRX {
		if err := unix.Mprotect(g.slice(r), unix.PROT_READ|unix.PROT_EXEC); err != nil {
			return fmt.Errorf("guestmem: restore mprotect rx: %w", err)
		}
	}
	g.insert(r)
	return nil
}

func (g *GuestMemory) insert(r PageRange) {
	g.ranges = append(g.ranges, r)
	sort.Slice(g.ranges, func(i, j int) bool { return g.ranges[i].Base > g.ranges[j].Base })
}

// TryLazyMap upgrades the whole StateLazy range containing addr to
// StateRW in one step, backing it with real memory via mprotect (the
// reservation is already mapped PROT_NONE, so no new mmap is needed); it
// does not map page by page. Returns false if addr isn't inside a
// StateLazy range, including a range an earlier call already upgraded.
func (g *GuestMemory) TryLazyMap(addr abi.Addr32) bool {
	for i, r := range g.ranges {
		if r.State == StateLazy && addr >= r.Base && addr < r.End() {
			if unix.Mprotect(g.slice(r), unix.PROT_READ|unix.PROT_WRITE) != nil {
				return false
			}
			g.ranges[i].State = StateRW
			return true
		}
	}
	return false
}

// TryMakeExecutable flips the single page containing addr from writable to
// read+execute, used after retranslating a page of self-modifying code.
// The containing range is first split so only that one page changes state
// -- the rest of a multi-page allocation (e.g. a whole .text segment)
// keeps whatever state it already had.
func (g *GuestMemory) TryMakeExecutable(addr abi.Addr32) bool {
	if _, ok := g.Find(addr); !ok {
		return false
	}
	i, ok := g.isolatePage(addr)
	if !ok {
		return false
	}
	r := g.ranges[i]
	if unix.Mprotect(g.slice(r), unix.PROT_READ|unix.PROT_EXEC) != nil {
		return false
	}
	g.ranges[i].State = StateRX
	return true
}

// TryMakeWritable flips the single RX page containing addr to RW; the
// fault handler calls this when guest code writes to a page it had marked
// executable, signalling self-modifying code. As with TryMakeExecutable,
// the containing range is split first so a sibling page sharing the same
// range never flips RX->RW just because this one did. The caller must
// invalidate any cached translations for this page's instructions after
// this succeeds (see codecache.Cache.Invalidate).
func (g *GuestMemory) TryMakeWritable(addr abi.Addr32) bool {
	r0, ok := g.Find(addr)
	if !ok || r0.State != StateRX {
		return false
	}
	i, ok := g.isolatePage(addr)
	if !ok {
		return false
	}
	r := g.ranges[i]
	if unix.Mprotect(g.slice(r), unix.PROT_READ|unix.PROT_WRITE) != nil {
		return false
	}
	g.ranges[i].State = StateRW
	return true
}

// isolatePage splits the range containing addr, if necessary, so that the
// single PageSize-aligned page holding addr is its own PageRange entry
// with the same State the larger range had, then returns that entry's
// current index in g.ranges. The caller must already know addr is covered
// by some range (e.g. via Find) -- isolatePage itself reports ok=false
// only if that invariant doesn't hold.
func (g *GuestMemory) isolatePage(addr abi.Addr32) (int, bool) {
	for i, r := range g.ranges {
		if addr < r.Base || addr >= r.End() {
			continue
		}
		if r.Pages == 1 {
			return i, true
		}

		pageBase := abi.Addr32(abi.AlignDown(uint32(addr)))
		pageEnd := abi.Addr32(uint32(pageBase) + abi.PageSize)

		g.ranges = append(g.ranges[:i], g.ranges[i+1:]...)
		if pageBase > r.Base {
			g.insert(PageRange{Base: r.Base, Pages: (uint32(pageBase) - uint32(r.Base)) / abi.PageSize, State: r.State})
		}
		g.insert(PageRange{Base: pageBase, Pages: 1, State: r.State})
		if pageEnd < r.End() {
			g.insert(PageRange{Base: pageEnd, Pages: (uint32(r.End()) - uint32(pageEnd)) / abi.PageSize, State: r.State})
		}

		for j, rr := range g.ranges {
			if rr.Base == pageBase && rr.Pages == 1 {
				return j, true
			}
		}
		return -1, false
	}
	return -1, false
}

func (g *GuestMemory) slice(r PageRange) []byte {
	return unsafeSlice(g.base+uintptr(r.Base), int(uint64(r.Pages)*abi.PageSize))
}

// Close releases the entire 4 GiB reservation.
func (g *GuestMemory) Close() error {
	return unix.Munmap(unsafeSlice(g.base, 1<<32))
}
