package translator

import (
	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/encoder"
	"github.com/xyproto/grr32/internal/xed"
)

func (t *Translator) emitMov(e *encoder.Emitter, in xed.Instruction) {
	t.loadOperand(e, in.Operands[1], scratch1, false)
	t.storeOperand(e, in.Operands[0], scratch1)
}

// emitMovx handles MOVZX/MOVSX: the destination is always a register wider
// than the source, so extending on load and truncating nothing on store
// (storeOperand writes exactly dst.Width bits) produces the right value.
func (t *Translator) emitMovx(e *encoder.Emitter, in xed.Instruction, signed bool) {
	t.loadOperand(e, in.Operands[1], scratch1, signed)
	t.storeOperand(e, in.Operands[0], scratch1)
}

func (t *Translator) emitLea(e *encoder.Emitter, in xed.Instruction) {
	t.guestEA(e, in.Operands[1], scratch1)
	t.storeOperand(e, in.Operands[0], scratch1)
}

func iclassToAluOp(c xed.IClass) encoder.AluOp {
	switch c {
	case xed.IclAdd:
		return encoder.AluAdd
	case xed.IclOr:
		return encoder.AluOr
	case xed.IclAnd:
		return encoder.AluAnd
	case xed.IclSub, xed.IclCmp:
		return encoder.AluSub
	case xed.IclXor:
		return encoder.AluXor
	default:
		return encoder.AluAdd
	}
}

// emitAluBinOp handles ADD/SUB/AND/OR/XOR/CMP. Both operands are loaded
// into scratch registers and the real host ALU instruction runs, so the
// resulting host EFLAGS exactly mirror what the guest instruction would
// have produced -- a subsequent Jcc in the same block can read them
// directly without this translator maintaining a virtualized EFLAGS image.
func (t *Translator) emitAluBinOp(e *encoder.Emitter, in xed.Instruction) {
	dstOp, srcOp := in.Operands[0], in.Operands[1]
	t.loadOperand(e, srcOp, scratch2, false)
	t.loadOperand(e, dstOp, scratch1, false)
	e.RegReg32(iclassToAluOp(in.Class), scratch1, scratch2)
	if in.Class != xed.IclCmp {
		t.storeOperand(e, dstOp, scratch1)
	}
}

func (t *Translator) emitTest(e *encoder.Emitter, in xed.Instruction) {
	dstOp, srcOp := in.Operands[0], in.Operands[1]
	t.loadOperand(e, srcOp, scratch2, false)
	t.loadOperand(e, dstOp, scratch1, false)
	e.Test(scratch1, scratch2)
}

func (t *Translator) emitAluUnOp(e *encoder.Emitter, in xed.Instruction) {
	op := in.Operands[0]
	t.loadOperand(e, op, scratch1, false)
	switch in.Class {
	case xed.IclNeg:
		e.Neg(scratch1)
	case xed.IclNot:
		e.Not(scratch1)
	case xed.IclInc:
		e.Inc(scratch1)
	case xed.IclDec:
		e.Dec(scratch1)
	}
	t.storeOperand(e, op, scratch1)
}

// emitMulDiv virtualizes MUL/IMUL/DIV/IDIV's implicit EDX:EAX operand pair.
// BLOCK64 (rdx) is not required to stay live mid-block -- the dispatcher
// only consults it at block entry -- so rdx is free to hold guest EDX for
// the duration of this one instruction.
func (t *Translator) emitMulDiv(e *encoder.Emitter, in xed.Instruction) {
	process := abi.Encoding[abi.PROCESS64]
	val := abi.Encoding[abi.VAL64]
	edx := abi.Encoding[abi.BLOCK64]

	e.LoadMem32(val, process, int32(abi.OffEAX))
	e.LoadMem32(edx, process, int32(abi.OffEDX))
	t.loadOperand(e, in.Operands[0], scratch1, false)
	switch in.Class {
	case xed.IclMul:
		e.Mul(scratch1)
	case xed.IclImul:
		e.Imul(scratch1)
	case xed.IclDiv:
		e.Div(scratch1)
	case xed.IclIdiv:
		e.Idiv(scratch1)
	}
	e.StoreMem32(process, val, int32(abi.OffEAX))
	e.StoreMem32(process, edx, int32(abi.OffEDX))
}

func iclassToShiftOp(c xed.IClass) encoder.ShiftOp {
	switch c {
	case xed.IclShl:
		return encoder.ShlOp
	case xed.IclShr:
		return encoder.ShrOp
	default:
		return encoder.SarOp
	}
}

func (t *Translator) emitShift(e *encoder.Emitter, in xed.Instruction) {
	dstOp, countOp := in.Operands[0], in.Operands[1]
	op := iclassToShiftOp(in.Class)
	t.loadOperand(e, dstOp, scratch1, false)
	if countOp.Kind == xed.OpImm {
		e.ShiftImm(op, scratch1, uint8(countOp.Value))
	} else {
		process := abi.Encoding[abi.PROCESS64]
		e.LoadMem8Zx(1, process, int32(abi.OffECX)) // CL lives at encoding 1
		e.ShiftByCL(op, scratch1)
	}
	t.storeOperand(e, dstOp, scratch1)
}
