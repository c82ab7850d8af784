package translator

import (
	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/encoder"
	"github.com/xyproto/grr32/internal/xed"
)

// emitJcc emits a conditional jump (Jcc rel32) that, taken, skips over the
// not-taken path into a taken trampoline -- matching the host's real
// condition flags (set as a side effect of whatever ALU/TEST emission
// preceded this in the block, since those run as genuine host
// instructions) against neither edge's PC32 update having happened yet.
// Both edges then run their own PC32 update and patchable exit
// independently via emitBranchTo, so whichever edge executes always
// reports the correct guest PC to the dispatcher even before the Patcher
// has chained it to a translated successor.
func (t *Translator) emitJcc(e *encoder.Emitter, pc abi.Addr32, in xed.Instruction, nextPC abi.Addr32) {
	t.emitJccEdges(e, uint8(in.Cond), branchTarget(pc, in), nextPC)
}

func (t *Translator) emitJrcxz(e *encoder.Emitter, pc abi.Addr32, in xed.Instruction, nextPC abi.Addr32) {
	process := abi.Encoding[abi.PROCESS64]
	e.LoadMem32(scratch1, process, int32(abi.OffECX))
	e.Test(scratch1, scratch1)
	t.emitJccEdges(e, uint8(xed.CondE), branchTarget(pc, in), nextPC)
}

// emitJccEdges emits the jump-around sequence shared by emitJcc and
// emitJrcxz: a conditional jump whose rel32 field is back-patched (via
// Transaction.PatchAt, once the not-taken path's length is known) to land
// exactly at the taken path emitted right after it.
func (t *Translator) emitJccEdges(e *encoder.Emitter, cond uint8, taken, notTaken abi.Addr32) {
	jccSite := t.tx.Pos()
	fieldOff := e.JccRel32(cond, 0) // placeholder, patched below
	jccField := jccSite + abi.CacheOffset(fieldOff)

	t.emitBranchTo(e, notTaken)

	takenStart := t.tx.Pos()
	rel32 := int32(takenStart) - int32(jccField) - 4
	writeRel32(t.tx.PatchAt(jccField, 4), rel32)

	t.emitBranchTo(e, taken)
}

func writeRel32(field []byte, rel32 int32) {
	field[0] = byte(rel32)
	field[1] = byte(rel32 >> 8)
	field[2] = byte(rel32 >> 16)
	field[3] = byte(rel32 >> 24)
}

func (t *Translator) emitCall(e *encoder.Emitter, pc abi.Addr32, in xed.Instruction, nextPC abi.Addr32) {
	target := branchTarget(pc, in)
	e.MovRegImm32(scratch1, int32(uint32(nextPC)))
	t.pushValue(e, scratch1)
	t.emitBranchTo(e, target)
}

// emitJmpIndirect computes the guest target at runtime and must exit to the
// dispatcher (no fixed successor the Patcher could hot-patch to).
func (t *Translator) emitJmpIndirect(e *encoder.Emitter, in xed.Instruction) {
	t.loadOperand(e, in.Operands[0], scratch1, false)
	process := abi.Encoding[abi.PROCESS64]
	e.StoreMem32(process, scratch1, int32(abi.OffEIP))
	t.emitExitToDispatch(e)
}

func (t *Translator) emitCallIndirect(e *encoder.Emitter, in xed.Instruction, nextPC abi.Addr32) {
	e.MovRegImm32(scratch2, int32(uint32(nextPC)))
	t.pushValue(e, scratch2)
	t.loadOperand(e, in.Operands[0], scratch1, false)
	process := abi.Encoding[abi.PROCESS64]
	e.StoreMem32(process, scratch1, int32(abi.OffEIP))
	t.emitExitToDispatch(e)
}

func (t *Translator) emitRet(e *encoder.Emitter, in xed.Instruction) {
	t.popValue(e, scratch1)
	if in.NumOps > 0 {
		process := abi.Encoding[abi.PROCESS64]
		sp := abi.Encoding[abi.SP32]
		imm := int32(in.Operands[0].Value)
		e.LoadMem32(sp, process, int32(abi.OffESP))
		e.RegImm32(encoder.AluAdd, sp, imm)
		e.StoreMem32(process, sp, int32(abi.OffESP))
	}
	process := abi.Encoding[abi.PROCESS64]
	e.StoreMem32(process, scratch1, int32(abi.OffEIP))
	t.emitExitToDispatch(e)
}
