// Package faulthandler implements the recoverable half of spec.md 4.13's
// fault classification order: lazy-mapping a guest page on first touch and
// flipping a written RX page back to RW (invalidating the translations the
// old, now-stale bytes produced). Grounded on granary/os/schedule.cc's
// CatchFault/CatchCrash (original_source) for the step order.
//
// A real hardware SIGSEGV/SIGBUS trapped inside JIT-generated code and
// resumed by rewriting a ucontext_t's RIP needs a hand-written assembly
// signal trampoline -- Go cannot register a raw C-ABI signal handler
// without cgo. Authoring that blind, with no toolchain available to verify
// the generated machine code or the ucontext_t layout it depends on, is a
// correctness risk this package does not take on; see DESIGN.md. Instead,
// every fault this package recovers from is driven synchronously by the
// code that's about to touch guest memory (the dispatcher, before
// building a block; internal/decree's allocate, which already mediates
// its own page-state transitions) rather than delivered as an actual
// signal -- a direct substitute that's exact for the single-threaded
// cooperative model this scheduler runs under, since nothing else could
// have run between the access and the classification anyway.
package faulthandler

import (
	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/codecache"
	"github.com/xyproto/grr32/internal/guestmem"
	"github.com/xyproto/grr32/internal/process"
)

// Outcome reports which classification step, if any, resolved a fault.
type Outcome int

const (
	OutcomeUnhandled Outcome = iota
	OutcomeLazyMapped
	OutcomeMadeWritable
)

// invalidateSentinel is a code-hash value no translation ever carries
// (every block is keyed with codeHash=0, per internal/dispatch's design),
// so passing it to Cache.Invalidate drops every cached entry for the page
// regardless of the hash it was keyed under -- the forced full purge a
// just-written RX page needs, since the bytes it was translated from no
// longer exist.
const invalidateSentinel = 1

// EnsureMapped is called before the dispatcher reads guest code at pc: if
// pc falls in an allocated-but-untouched (StateLazy) range, it backs that
// page with real memory, the synchronous equivalent of spec.md 4.1's
// "fault in this region -> try_lazy_map -> resume." A pc that's already
// mapped, or that isn't covered by any range at all, passes through
// unchanged -- the latter is a genuine decode error for the caller to
// report, not something this function can fix.
func EnsureMapped(proc *process.Process, pc abi.Addr32) Outcome {
	r, ok := proc.Mem.Find(pc)
	if !ok || r.State != guestmem.StateLazy {
		return OutcomeUnhandled
	}
	if proc.Mem.TryLazyMap(pc) {
		return OutcomeLazyMapped
	}
	return OutcomeUnhandled
}

// HandleWrite is called before a write to guest address addr that might
// land on a currently read-execute page -- the self-modifying-code case.
// On success the page becomes writable and every cached translation built
// from its old bytes is dropped, so the next lookup at any PC inside it
// naturally misses and retranslates.
func HandleWrite(proc *process.Process, cache *codecache.Cache, addr abi.Addr32) Outcome {
	if !proc.Mem.TryMakeWritable(addr) {
		return OutcomeUnhandled
	}
	page := abi.Addr32(abi.AlignDown(uint32(addr)))
	cache.Invalidate(proc.PID, page, invalidateSentinel)
	return OutcomeMadeWritable
}
