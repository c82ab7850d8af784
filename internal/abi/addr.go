// Package abi defines the fixed host ABI register assignment the
// translator and dispatcher both consult, the strongly typed guest/host
// address types, and the DECREE system call ABI constants.
package abi

import "fmt"

// Addr32 is a guest (32-bit x86) virtual address.
type Addr32 uint32

// Addr64 is a host (64-bit) virtual address, typically MEM64+Addr32.
type Addr64 uintptr

// CacheOffset is a byte offset into the code cache arena. Persisted
// CacheValue.cache_offset fields are CacheOffset, valid only while the
// arena is mapped at a stable base.
type CacheOffset uint32

func (a Addr32) String() string {
	return fmt.Sprintf("0x%08x", uint32(a))
}

func (a Addr64) String() string {
	return fmt.Sprintf("0x%016x", uintptr(a))
}

func (o CacheOffset) String() string {
	return fmt.Sprintf("cache+0x%x", uint32(o))
}

// PageSize is the guest (and host) page granularity.
const PageSize = 4096

// AlignDown rounds addr down to the nearest page boundary.
func AlignDown(addr uint32) uint32 {
	return addr &^ (PageSize - 1)
}

// AlignUp rounds addr up to the nearest page boundary.
func AlignUp(addr uint32) uint32 {
	return AlignDown(addr+PageSize-1)
}

// IsPageAligned reports whether addr lands exactly on a page boundary.
func IsPageAligned(addr uint32) bool {
	return addr&(PageSize-1) == 0
}

// Fixed regions of the DECREE guest memory map (spec.md 6): the task
// region is ordinary allocatable space, the stack is a high-mapped 8 MiB
// range with only its top 2 MiB resident at any time, and the magic page
// is a single reserved page that can never be deallocated.
const (
	TaskRegionBegin Addr32 = 0x00001000
	TaskRegionEnd   Addr32 = 0xFFFFE000

	StackBegin      Addr32 = 0xB2AAA000
	StackEnd        Addr32 = 0xBAAAB000
	MappedStackSize uint32 = 2 << 20

	MagicPageBase Addr32 = 0x4347C000
)
