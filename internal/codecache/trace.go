package codecache

import "github.com/xyproto/grr32/internal/abi"

// MaxTraceLength bounds how many chained single-successor blocks a trace
// can coalesce before it's finalized, keeping a pathological straight-line
// chain from growing the recorder's buffer unboundedly.
const MaxTraceLength = 32

// TraceRecorder coalesces a run of blocks that each have exactly one
// successor (block.Block.HasOneSuccessor) into a single trace, so the
// dispatcher can fall straight through the whole chain instead of
// round-tripping through the index once per block. Finish marks a trace's
// first block IsTraceHead in the index; a trace ends either at
// MaxTraceLength, at a block with more than one successor, or by looping
// back to an address already in the trace.
type TraceRecorder struct {
	pid     uint8
	pcs     []abi.Addr32
	active  bool
}

// NewTraceRecorder creates an idle recorder for one process.
func NewTraceRecorder(pid uint8) *TraceRecorder {
	return &TraceRecorder{pid: pid}
}

// Begin starts recording a new trace rooted at headPC.
func (t *TraceRecorder) Begin(headPC abi.Addr32) {
	t.pcs = t.pcs[:0]
	t.pcs = append(t.pcs, headPC)
	t.active = true
}

// Active reports whether a trace is currently being recorded.
func (t *TraceRecorder) Active() bool {
	return t.active
}

// Extend appends the next block's PC to the in-progress trace. It returns
// false if the trace should be finalized instead -- because it already
// contains pc (a loop), or because it has reached MaxTraceLength.
func (t *TraceRecorder) Extend(pc abi.Addr32) bool {
	if len(t.pcs) >= MaxTraceLength {
		return false
	}
	for _, seen := range t.pcs {
		if seen == pc {
			return false
		}
	}
	t.pcs = append(t.pcs, pc)
	return true
}

// traceSlotBytes is the fixed size of one slot in an inlined trace run: a
// one-byte CALL/JMP opcode plus a 4-byte rel32 displacement.
const traceSlotBytes = 5

// Finish ends the current trace. With fewer than two collected blocks
// there's nothing to inline, so it just flags the lone block IsTraceHead.
// Otherwise it allocates a trace_length*5-byte run in cache's arena --
// CALL rel32 to each intermediate block's original translation, JMP rel32
// to the final one -- then redirects every intermediate block's Index
// entry to point into that run, propagating the final block's
// ends_with_syscall/has_one_successor/block_pc32 bits into each redirected
// value the same way the original translated blocks are left untouched,
// only the Index is redirected. The final entry keeps its own original
// cache_offset and simply gains is_trace_block. Resets to idle either way.
func (t *TraceRecorder) Finish(cache *Cache) {
	defer func() { t.active = false }()
	if len(t.pcs) == 0 {
		return
	}
	index := cache.Index()

	if len(t.pcs) == 1 {
		head := NewKey(t.pcs[0], t.pid, 0)
		if v, ok := index.Find(head); ok {
			index.Insert(head, v.WithTraceHead(true))
		}
		return
	}

	orig := make([]Value, len(t.pcs))
	for i, pc := range t.pcs {
		v, ok := index.Find(NewKey(pc, t.pid, 0))
		if !ok {
			// A constituent block vanished from the Index (e.g. a
			// concurrent invalidation) between being dispatched and the
			// trace finalizing; abandon inlining rather than build a run
			// pointing at stale or absent code.
			return
		}
		orig[i] = v
	}

	runOffset, err := cache.WriteStub(make([]byte, len(t.pcs)*traceSlotBytes))
	if err != nil {
		// Arena exhaustion on a diagnostic optimization path: leave every
		// block at its own original offset rather than fail the run.
		return
	}

	// rel32 is relative to the end of each slot's instruction, at its real
	// arena offset, so the run is filled in place once its offset is known.
	run := cache.Bytes(runOffset, len(t.pcs)*traceSlotBytes)
	for i, v := range orig {
		slot := i * traceSlotBytes
		rel := int32(v.CacheOffset()) - int32(int(runOffset)+slot+traceSlotBytes)
		opcode := byte(0xE8) // CALL rel32
		if i == len(orig)-1 {
			opcode = 0xE9 // JMP rel32
		}
		run[slot] = opcode
		run[slot+1] = byte(rel)
		run[slot+2] = byte(rel >> 8)
		run[slot+3] = byte(rel >> 16)
		run[slot+4] = byte(rel >> 24)
	}

	final := orig[len(orig)-1]
	for i := 0; i < len(t.pcs)-1; i++ {
		slotOffset := abi.CacheOffset(int(runOffset) + i*traceSlotBytes)
		redirected := NewValue(final.BlockPC32(), slotOffset).
			WithOneSuccessor(final.HasOneSuccessor()).
			WithEndsWithSyscall(final.EndsWithSyscall()).
			WithEndsWithError(final.EndsWithError()).
			WithTraceBlock(true)
		if i == 0 {
			redirected = redirected.WithTraceHead(true)
		}
		index.Insert(NewKey(t.pcs[i], t.pid, 0), redirected)
	}
	finalKey := NewKey(t.pcs[len(t.pcs)-1], t.pid, 0)
	index.Insert(finalKey, final.WithTraceBlock(true))
}

// PCs returns the sequence of block-head addresses collected so far.
func (t *TraceRecorder) PCs() []abi.Addr32 {
	return t.pcs
}
