// Package codecache is the persistent store of translated guest blocks: a
// packed-key index from (pid, guest pc, page content hash) to a cache
// location, a growable mmap'd arena holding the actual host machine code,
// a direct-jump patcher, and a trace recorder that stitches single-
// successor block chains together. Grounded on granary/code/index.h and
// cache.h (original_source) for the Key/Value bit layout and the
// Index/Cache operation names, and on the teacher's hashmap.go (chaining
// hashmap) and arena.go (bump allocator with growth factor) for the Go
// realizations of each.
package codecache

import "github.com/xyproto/grr32/internal/abi"

// Key packs the lookup identity of a translated block: which process, at
// which guest PC, over which page content hash. Matches the original's
// bitfield union: pc32:32, pid:8, code_hash:24.
type Key uint64

// NewKey packs a lookup key from its components.
func NewKey(pc32 abi.Addr32, pid uint8, codeHash uint32) Key {
	return Key(uint64(pc32) | uint64(pid)<<32 | uint64(codeHash&0xFFFFFF)<<40)
}

func (k Key) PC32() abi.Addr32 { return abi.Addr32(uint32(k)) }
func (k Key) PID() uint8       { return uint8(k >> 32) }
func (k Key) CodeHash() uint32 { return uint32(k>>40) & 0xFFFFFF }

// Value packs everything the dispatcher needs to resume execution of a
// cached block: the guest PC the block starts at (redundant with the key's
// pc32 but kept so a Value can be interpreted standalone, e.g. by the
// inline cache), the byte offset into the code cache arena, and four flag
// bits. Matches the original's Value union: block_pc32:32, cache_offset:27,
// is_trace_head:1, is_trace_block:1, has_one_successor:1, ends_with_syscall:1.
// A fifth bit, ends_with_error, has its own slot (bit 63) just above
// ends_with_syscall; the two are mutually exclusive outcomes of a block
// (see EndsWithError), matching the spec's rule that a syscall-terminated
// block can never also be an error block.
type Value uint64

const (
	valueFlagTraceHead     = 1 << 59
	valueFlagTraceBlock    = 1 << 60
	valueFlagOneSuccessor  = 1 << 61
	valueFlagEndsSyscall   = 1 << 62
	valueFlagEndsError     = 1 << 63
)

// NewValue packs a cache entry.
func NewValue(blockPC abi.Addr32, offset abi.CacheOffset) Value {
	return Value(uint64(blockPC) | (uint64(offset)&0x7FFFFFF)<<32)
}

func (v Value) BlockPC32() abi.Addr32      { return abi.Addr32(uint32(v)) }
func (v Value) CacheOffset() abi.CacheOffset { return abi.CacheOffset((uint64(v) >> 32) & 0x7FFFFFF) }
func (v Value) IsTraceHead() bool          { return v&valueFlagTraceHead != 0 }
func (v Value) IsTraceBlock() bool         { return v&valueFlagTraceBlock != 0 }
func (v Value) HasOneSuccessor() bool      { return v&valueFlagOneSuccessor != 0 }
func (v Value) EndsWithSyscall() bool      { return v&valueFlagEndsSyscall != 0 }
func (v Value) EndsWithError() bool        { return v&valueFlagEndsError != 0 }

func (v Value) WithTraceHead(b bool) Value     { return setFlag(v, valueFlagTraceHead, b) }
func (v Value) WithTraceBlock(b bool) Value    { return setFlag(v, valueFlagTraceBlock, b) }
func (v Value) WithOneSuccessor(b bool) Value  { return setFlag(v, valueFlagOneSuccessor, b) }

// WithEndsWithSyscall and WithEndsWithError are mutually exclusive: a block
// cannot both trap into a syscall and end in a decode error, so setting
// ends_with_syscall always clears ends_with_error and vice versa.
func (v Value) WithEndsWithSyscall(b bool) Value {
	v = setFlag(v, valueFlagEndsSyscall, b)
	if b {
		v = setFlag(v, valueFlagEndsError, false)
	}
	return v
}

func (v Value) WithEndsWithError(b bool) Value {
	v = setFlag(v, valueFlagEndsError, b)
	if b {
		v = setFlag(v, valueFlagEndsSyscall, false)
	}
	return v
}

func setFlag(v Value, bit Value, set bool) Value {
	if set {
		return v | bit
	}
	return v &^ bit
}
