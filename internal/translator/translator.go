// Package translator turns one decoded guest block.Block into host
// machine code in a codecache.Transaction. Grounded on
// granary/arch/x86/block.cc (original_source) for the virtualization
// rules (Rebase, VirtualizeStack, ResizeLegacy8, Relativize). Push/pop
// balance is not tracked during emission.
package translator

import (
	"fmt"

	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/block"
	"github.com/xyproto/grr32/internal/codecache"
	"github.com/xyproto/grr32/internal/encoder"
	"github.com/xyproto/grr32/internal/xed"
)

// DispatchStub is the cache offset of a small trampoline stub that, once
// jumped to, returns control from the cache to the Go scheduling loop.
// Every block's final branch is first emitted as a JMP to this stub (a
// 5-byte E9 rel32 the Patcher can later rewrite in place to jump directly
// at a known successor block instead), so a block is always immediately
// executable even before any of its successors exist.
type DispatchStub struct {
	Offset abi.CacheOffset
}

// Translator encodes blocks for one process's code cache. A Translator is
// not safe for concurrent use; the scheduler's single-threaded dispatch
// loop never needs it to be.
type Translator struct {
	PID     uint8
	Cache   *codecache.Cache
	Patcher *codecache.Patcher
	Stub    DispatchStub

	tx *codecache.Transaction // valid only during a Translate call
}

// New creates a Translator bound to a cache/patcher pair and dispatch stub.
func New(pid uint8, cache *codecache.Cache, patcher *codecache.Patcher, stub DispatchStub) *Translator {
	return &Translator{PID: pid, Cache: cache, Patcher: patcher, Stub: stub}
}

// Translate encodes blk into a fresh cache transaction and commits it,
// returning the packed Value other code can look up blk.Start under.
func (t *Translator) Translate(blk *block.Block, codeHash uint32) (codecache.Value, error) {
	const maxBytesPerGuestInsn = 48 // generous upper bound per instruction for the host expansion
	tx, err := t.Cache.Begin(len(blk.Insns)*maxBytesPerGuestInsn + 64)
	if err != nil {
		return 0, err
	}
	t.tx = tx
	defer func() { t.tx = nil }()

	e := encoder.New(tx)

	for _, di := range blk.Insns {
		t.emitPCUpdate(e, di.PC+abi.Addr32(uint32(di.Insn.Length)))
		if err := t.emitInsn(e, di); err != nil {
			tx.Abandon()
			return 0, err
		}
	}

	if len(blk.Insns) == 0 || !blk.Insns[len(blk.Insns)-1].Insn.IsControlFlow() {
		// Ran off the instruction cap with no branch: fall through to End.
		t.emitPCUpdate(e, blk.End)
		t.emitExitToDispatch(e)
	}

	val := codecache.NewValue(blk.Start, tx.Offset()).
		WithOneSuccessor(blk.HasOneSuccessor()).
		WithEndsWithSyscall(blk.HasSyscall).
		WithEndsWithError(blk.HasError)

	key := codecache.NewKey(blk.Start, t.PID, codeHash)
	tx.Commit(key, val)
	return val, nil
}

// emitPCUpdate stores pc into the process's virtualized EIP field so a
// fault or syscall trap taken mid-block reports an accurate guest PC.
func (t *Translator) emitPCUpdate(e *encoder.Emitter, pc abi.Addr32) {
	e.MovRegImm32(abi.Encoding[abi.VAL64], int32(uint32(pc)))
	e.StoreMem32(abi.Encoding[abi.PROCESS64], abi.Encoding[abi.VAL64], int32(abi.OffEIP))
}

// emitExitToDispatch emits an unconditional patchable tail jump to the
// dispatch stub with no known successor PC (used for the instruction-cap
// fallthrough case, which the Patcher can't yet key by target).
func (t *Translator) emitExitToDispatch(e *encoder.Emitter) {
	e.JmpRel32(int32(t.Stub.Offset) - int32(t.tx.Pos()) - 5)
}

// emitBranchTo updates the virtualized EIP to targetPC -- so a block that
// lands back in the dispatcher along this edge, patched or not, always
// reports the right guest PC -- then emits the tail jump to the dispatch
// stub and registers the jump's rel32 field with the Patcher so it can
// later be rewritten to jump straight into targetPC's translation instead.
func (t *Translator) emitBranchTo(e *encoder.Emitter, targetPC abi.Addr32) {
	t.emitPCUpdate(e, targetPC)
	siteStart := int(t.tx.Pos())
	fieldOffInBlock := e.JmpRel32(int32(t.Stub.Offset) - int32(t.tx.Pos()) - 5)
	t.Patcher.AddPatchPoint(abi.CacheOffset(siteStart+fieldOffInBlock), targetPC, t.PID)
}

func (t *Translator) emitInsn(e *encoder.Emitter, di block.DecodedInsn) error {
	in := di.Insn
	nextPC := di.PC + abi.Addr32(uint32(in.Length))

	switch in.Class {
	case xed.IclNop, xed.IclBndOp:
		e.Nop()
	case xed.IclMov:
		t.emitMov(e, in)
	case xed.IclMovzx:
		t.emitMovx(e, in, false)
	case xed.IclMovsx:
		t.emitMovx(e, in, true)
	case xed.IclLea:
		t.emitLea(e, in)
	case xed.IclAdd, xed.IclSub, xed.IclAnd, xed.IclOr, xed.IclXor, xed.IclCmp:
		t.emitAluBinOp(e, in)
	case xed.IclTest:
		t.emitTest(e, in)
	case xed.IclNeg, xed.IclNot, xed.IclInc, xed.IclDec:
		t.emitAluUnOp(e, in)
	case xed.IclMul, xed.IclImul, xed.IclDiv, xed.IclIdiv:
		t.emitMulDiv(e, in)
	case xed.IclShl, xed.IclShr, xed.IclSar:
		t.emitShift(e, in)
	case xed.IclPush:
		t.emitPush(e, in)
	case xed.IclPop:
		t.emitPop(e, in)
	case xed.IclPusha:
		t.emitPusha(e)
	case xed.IclPopa:
		t.emitPopa(e)
	case xed.IclPushf:
		t.emitPushf(e)
	case xed.IclPopf:
		t.emitPopf(e)
	case xed.IclEnter:
		t.emitEnter(e, in)
	case xed.IclLeave:
		t.emitLeave(e)

	case xed.IclJmp:
		t.emitBranchTo(e, branchTarget(di.PC, in))
	case xed.IclJcc:
		t.emitJcc(e, di.PC, in, nextPC)
	case xed.IclJrcxz:
		t.emitJrcxz(e, di.PC, in, nextPC)
	case xed.IclCall:
		t.emitCall(e, di.PC, in, nextPC)
	case xed.IclJmpInd:
		t.emitJmpIndirect(e, in)
	case xed.IclCallInd:
		t.emitCallIndirect(e, in, nextPC)
	case xed.IclRet:
		t.emitRet(e, in)

	case xed.IclInt:
		// The EIP update above already recorded the instruction after the
		// INT; the scheduler reads EAX/EBX.. directly from Process.Regs to
		// service the syscall once this block returns to the dispatcher.
		t.emitExitToDispatch(e)
	case xed.IclIretd:
		t.emitIretd(e)
		t.emitExitToDispatch(e)
	case xed.IclSyscall, xed.IclUd2:
		// SYSCALL/SYSENTER/SYSRET/SYSEXIT (and any raw decode failure the
		// decoder already folded into IclUd2) should never actually execute
		// under this guest ABI; trap immediately rather than falling
		// through to whatever PC the block last wrote.
		e.Ud2()

	case xed.IclMovs, xed.IclStos, xed.IclCmps, xed.IclScas, xed.IclLods:
		t.emitStringOp(e, in)
	case xed.IclIns, xed.IclOuts:
		// Port I/O has no meaning under this guest ABI.
		t.emitExitToDispatch(e)

	default:
		return fmt.Errorf("translator: unhandled instruction class %v at 0x%x", in.Class, di.PC)
	}
	return nil
}

func branchTarget(pc abi.Addr32, in xed.Instruction) abi.Addr32 {
	next := uint32(pc) + uint32(in.Length)
	return abi.Addr32(uint32(int64(next) + in.Operands[0].Value))
}
