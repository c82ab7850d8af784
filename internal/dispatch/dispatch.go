// Package dispatch drives one guest process's block lookup/translate/
// execute cycle: given the process's current guest PC, it resolves or
// builds the host translation, hands control to the trampoline, and loops
// internally across hot-patched chains and fresh-translation stops until
// the guest reaches a boundary the scheduler must see. Grounded on the
// Execute loop described for granary/os/dispatch.cc (original_source) and
// on the teacher's own request/response loop shape in server.go, adapted
// from a network accept loop to a translate-and-run loop with the same
// "keep going until a boundary condition" structure.
package dispatch

import (
	"fmt"
	"unsafe"

	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/block"
	"github.com/xyproto/grr32/internal/codecache"
	"github.com/xyproto/grr32/internal/coverage"
	"github.com/xyproto/grr32/internal/faulthandler"
	"github.com/xyproto/grr32/internal/process"
	"github.com/xyproto/grr32/internal/trampoline"
	"github.com/xyproto/grr32/internal/translator"
)

// Reason identifies why Execute returned control to the scheduler.
type Reason int

const (
	ReasonSyscall Reason = iota
	ReasonError
)

func (r Reason) String() string {
	switch r {
	case ReasonSyscall:
		return "syscall"
	case ReasonError:
		return "error"
	default:
		return "unknown"
	}
}

// int80 is the two-byte encoding of the guest's only software-interrupt
// instruction; DECREE's ABI never raises any vector but 0x80.
var int80 = [2]byte{0xCD, 0x80}

// codeHash is the content-hash component of every cache key this
// dispatcher uses. Self-modifying code is handled by the fault handler
// purging stale entries outright (codecache.Cache.Invalidate) rather than
// by differentiating keys on content hash, so every lookup and
// translation here keys on 0 -- matching what the Patcher and
// TraceRecorder already assume when they resolve a successor's key.
const codeHash = 0

// Options gates the three optional fast paths spec.md 6's
// `--disable_patching`, `--disable_tracing`, and `--disable_inline_cache`
// flags name, plus the shared path-coverage recorder `--path_coverage`
// wires in; the zero value runs with everything enabled and no coverage.
type Options struct {
	DisablePatching    bool
	DisableTracing     bool
	DisableInlineCache bool
	Coverage           *coverage.Recorder
}

// Dispatcher owns one process's translator, patcher, trace recorder, and
// inline cache over a shared code cache. Not safe for concurrent use; the
// scheduler's round-robin loop only ever runs one process's Dispatcher at
// a time.
type Dispatcher struct {
	Proc    *process.Process
	Cache   *codecache.Cache
	Patcher *codecache.Patcher
	Trace   *codecache.TraceRecorder
	IC      *codecache.InlineCache

	// Coverage, if set, receives a (lastBranch, from, to) callback for
	// every multi-way branch this dispatcher resolves -- the caller
	// wires this to a shared coverage.Recorder when --path_coverage is
	// set, leaving it nil otherwise so step stays a plain no-op check.
	Coverage *coverage.Recorder

	opts Options

	builder *block.Builder
	tr      *translator.Translator

	guestMemBase  uintptr
	pendingFrom   abi.Addr32
	pendingBranch bool
}

// New builds a dispatcher for proc over cache. Multiple processes sharing
// one cache each get their own Dispatcher but reuse the cache's single
// installed dispatch-return stub. opts is optional; omitting it runs with
// patching, tracing, and the inline cache all enabled.
func New(proc *process.Process, cache *codecache.Cache, opts ...Options) *Dispatcher {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	patcher := codecache.NewPatcher(cache)
	stub := translator.DispatchStub{Offset: cache.DispatchStub()}
	return &Dispatcher{
		Proc:         proc,
		Cache:        cache,
		Patcher:      patcher,
		Trace:        codecache.NewTraceRecorder(proc.PID),
		IC:           &codecache.InlineCache{},
		Coverage:     o.Coverage,
		opts:         o,
		builder:      block.NewBuilder(proc),
		tr:           translator.New(proc.PID, cache, patcher, stub),
		guestMemBase: proc.Mem.Base(),
	}
}

// MaybeClearInlineCache clears IC unless --disable_inline_cache was set,
// called by the scheduler at the top of every turn.
func (d *Dispatcher) MaybeClearInlineCache() {
	if !d.opts.DisableInlineCache {
		d.IC.Clear()
	}
}

// Execute runs Proc starting at its current Regs.EIP until a syscall or a
// decode error returns control here. Ordinary block boundaries -- a
// hot-patched chain running dry, an indirect branch needing a fresh
// lookup, a cold successor needing translation -- are resolved and
// re-entered internally and never surface to the caller, matching the
// scheduler's expectation that Execute "may suspend for arbitrarily long
// during guest execution but only returns on a clean boundary."
func (d *Dispatcher) Execute() (Reason, error) {
	for {
		val, err := d.step()
		if err != nil {
			return ReasonError, err
		}
		if val.EndsWithError() {
			return ReasonError, fmt.Errorf("dispatch: decode error at guest pc %s", val.BlockPC32())
		}

		eip := abi.Addr32(d.Proc.Regs.EIP)
		if d.sawInt80At(eip) {
			return ReasonSyscall, nil
		}
	}
}

// step resolves (translating if necessary) the block at the process's
// current EIP, enters it through the trampoline, and flushes any patch
// points that became resolvable as a result. It returns the Value for the
// block it entered -- not necessarily the block execution actually
// stopped in, since a resolved direct-jump chain may silently run through
// several more blocks before landing back here.
func (d *Dispatcher) step() (codecache.Value, error) {
	pc := abi.Addr32(d.Proc.Regs.EIP)

	if d.Coverage != nil && d.pendingBranch {
		d.Coverage.Record(d.Proc.LastBranchPC, d.pendingFrom, pc)
		d.Proc.LastBranchPC = d.pendingFrom
		d.pendingBranch = false
	}

	val, err := d.resolve(pc)
	if err != nil {
		return 0, err
	}

	if d.Coverage != nil && !val.HasOneSuccessor() {
		d.pendingFrom = pc
		d.pendingBranch = true
	}

	entry := d.Cache.EntryPointer(val.CacheOffset())
	trampoline.Enter(entry, unsafe.Pointer(d.Proc), d.guestMemBase)

	if !d.opts.DisablePatching {
		d.Patcher.Flush()
	}
	return val, nil
}

// resolve looks up pc, translating a fresh block on a miss and feeding that
// freshly translated block to the trace recorder; a block found in the
// inline cache or the Index is not fed to the recorder. The inline cache
// is checked first --
// up to InlineCacheProbes direct-mapped slots -- before paying for the
// full Index lookup, the same order every indirect-branch return takes in
// the spec; a hit at either level re-populates the inline cache so the
// next return through this pc skips the Index entirely.
func (d *Dispatcher) resolve(pc abi.Addr32) (codecache.Value, error) {
	if !d.opts.DisableInlineCache {
		if val, ok := d.IC.Lookup(pc); ok {
			return val, nil
		}
	}

	key := codecache.NewKey(pc, d.Proc.PID, codeHash)
	if val, ok := d.Cache.Find(key); ok {
		if !d.opts.DisableInlineCache {
			d.IC.Insert(pc, val)
		}
		return val, nil
	}

	// A block starting in an allocated-but-untouched page needs lazy
	// mapping before anything can be read from it -- the synchronous
	// equivalent of spec.md 4.1's "fault in this region -> try_lazy_map
	// -> resume", since this scheduler has no real fault to catch.
	faulthandler.EnsureMapped(d.Proc, pc)

	blk := d.builder.Build(pc)
	val, err := d.tr.Translate(blk, codeHash)
	if err != nil {
		return 0, err
	}
	if !d.opts.DisableInlineCache {
		d.IC.Insert(pc, val)
	}
	d.recordTrace(blk, val)
	return val, nil
}

// recordTrace feeds one freshly translated block into the trace recorder,
// following the same start/extend/finish rules the spec gives for
// coalescing a run of single-successor blocks: a trace starts at a block
// with exactly one successor, extends while successive blocks keep that
// property, and ends at a syscall, an error, more than one successor, a
// loop back into the trace, or the recorder's length cap.
func (d *Dispatcher) recordTrace(blk *block.Block, val codecache.Value) {
	if d.opts.DisableTracing {
		return
	}
	if !d.Trace.Active() {
		if blk.HasOneSuccessor() {
			d.Trace.Begin(blk.Start)
		}
		return
	}

	if val.EndsWithSyscall() || val.EndsWithError() || !blk.HasOneSuccessor() {
		d.Trace.Finish(d.Cache)
		return
	}
	if !d.Trace.Extend(blk.Start) {
		d.Trace.Finish(d.Cache)
	}
}

// sawInt80At reports whether the two guest bytes immediately before eip
// are the INT 0x80 encoding, meaning eip is a syscall return point. This
// needs no bookkeeping beyond the guest's own code bytes, so it stays
// correct no matter how many direct-jump-chained blocks ran between the
// last time the dispatcher looked and now.
func (d *Dispatcher) sawInt80At(eip abi.Addr32) bool {
	if eip < 2 {
		return false
	}
	buf, ok := d.Proc.TryRead(eip-2, 2)
	if !ok {
		return false
	}
	return buf[0] == int80[0] && buf[1] == int80[1]
}
