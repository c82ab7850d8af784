package encoder

// AluOp identifies an arithmetic/logic opcode group by its ModRM.reg
// selector in the 0x80/0x81/0x83 immediate-group encoding, the same
// numbering xed.decodeAluImm reads back out.
type AluOp uint8

const (
	AluAdd AluOp = 0
	AluOr  AluOp = 1
	AluAnd AluOp = 4
	AluSub AluOp = 5
	AluXor AluOp = 6
	AluCmp AluOp = 7
)

// RegReg32 emits a 32-bit ALU instruction between two registers (dst op= src),
// e.g. AluOp 0 (ADD) -> ADD dst, src.
func (e *Emitter) RegReg32(op AluOp, dst, src uint8) {
	if needsRex(false, dst, src) {
		e.b1(rex(false, src >= 8, false, dst >= 8))
	}
	e.b1(aluOpcodeRM(op))
	e.b1(modrmDirect(src, dst))
}

// RegReg64 is RegReg32's 64-bit-width counterpart.
func (e *Emitter) RegReg64(op AluOp, dst, src uint8) {
	e.b1(rex(true, src >= 8, false, dst >= 8))
	e.b1(aluOpcodeRM(op))
	e.b1(modrmDirect(src, dst))
}

// RegImm32 emits dst op= imm32 at 32-bit width (0x81 /op).
func (e *Emitter) RegImm32(op AluOp, dst uint8, imm int32) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0x81)
	e.b1(modrmDirect(uint8(op), dst))
	e.imm32(imm)
}

// RegImm8 emits dst op= imm8 (sign-extended) at 32-bit width (0x83 /op).
func (e *Emitter) RegImm8(op AluOp, dst uint8, imm int8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0x83)
	e.b1(modrmDirect(uint8(op), dst))
	e.imm8(imm)
}

func aluOpcodeRM(op AluOp) byte {
	// r/m32, r32 form of each group (.. + 1 selects that encoding row).
	return byte(op)*8 + 0x01
}

// Not emits NOT dst (F7 /2) at 32-bit width.
func (e *Emitter) Not(dst uint8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xF7)
	e.b1(modrmDirect(2, dst))
}

// Neg emits NEG dst (F7 /3) at 32-bit width.
func (e *Emitter) Neg(dst uint8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xF7)
	e.b1(modrmDirect(3, dst))
}

// Inc emits INC dst (FF /0) at 32-bit width.
func (e *Emitter) Inc(dst uint8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xFF)
	e.b1(modrmDirect(0, dst))
}

// Dec emits DEC dst (FF /1) at 32-bit width.
func (e *Emitter) Dec(dst uint8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xFF)
	e.b1(modrmDirect(1, dst))
}

// Test emits TEST dst, src (85 /r) at 32-bit width.
func (e *Emitter) Test(dst, src uint8) {
	if needsRex(false, dst, src) {
		e.b1(rex(false, src >= 8, false, dst >= 8))
	}
	e.b1(0x85)
	e.b1(modrmDirect(src, dst))
}

// Mul emits MUL dst (unsigned, F7 /4); result goes to EDX:EAX per the x86
// architecture, so the translator must ensure EAX/EDX hold the virtualized
// guest values before calling this.
func (e *Emitter) Mul(dst uint8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xF7)
	e.b1(modrmDirect(4, dst))
}

// Imul emits IMUL dst (signed, F7 /5).
func (e *Emitter) Imul(dst uint8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xF7)
	e.b1(modrmDirect(5, dst))
}

// Div emits DIV dst (unsigned, F7 /6).
func (e *Emitter) Div(dst uint8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xF7)
	e.b1(modrmDirect(6, dst))
}

// Idiv emits IDIV dst (signed, F7 /7).
func (e *Emitter) Idiv(dst uint8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xF7)
	e.b1(modrmDirect(7, dst))
}

// ShiftOp identifies a shift-group selector (C1 /op).
type ShiftOp uint8

const (
	ShlOp ShiftOp = 4
	ShrOp ShiftOp = 5
	SarOp ShiftOp = 7
)

// ShiftImm emits dst <<=/>>= imm8 at 32-bit width.
func (e *Emitter) ShiftImm(op ShiftOp, dst uint8, imm uint8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	if imm == 1 {
		e.b1(0xD1)
		e.b1(modrmDirect(uint8(op), dst))
		return
	}
	e.b1(0xC1)
	e.b1(modrmDirect(uint8(op), dst))
	e.b1(imm)
}

// ShiftByCL emits dst <<=/>>= cl at 32-bit width (D3 /op).
func (e *Emitter) ShiftByCL(op ShiftOp, dst uint8) {
	if dst >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xD3)
	e.b1(modrmDirect(uint8(op), dst))
}
