package translator

import (
	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/encoder"
	"github.com/xyproto/grr32/internal/xed"
)

// scratch host registers not assigned any ABI role; free for the
// translator to use within a single emitted instruction's sequence.
const (
	scratch1 uint8 = 8  // r8
	scratch2 uint8 = 9  // r9
	scratch3 uint8 = 10 // r10
)

// gprByteOffset returns the byte offset within Process.Regs of an 8/16/32-bit
// guest GPR operand, accounting for the legacy AH/CH/DH/BH high-byte
// encodings (4-7) guest code uses when width==8 and no REX prefix applies.
func gprByteOffset(value int64, width int) int32 {
	if width == 8 && value >= 4 {
		return int32(abi.GPR32Offset[value-4]) + 1
	}
	return int32(abi.GPR32Offset[value])
}

// guestEA computes the 32-bit guest address described by mem into dst,
// without adding MEM64 -- this is the value an LEA instruction itself
// produces. ADDR64's role is not used here so guestEA can run is isolation
// from loadEA's host-address variant.
func (t *Translator) guestEA(e *encoder.Emitter, mem xed.Operand, dst uint8) {
	process := abi.Encoding[abi.PROCESS64]
	if mem.BaseReg != xed.HasNoReg {
		e.LoadMem32(dst, process, int32(abi.GPR32Offset[mem.BaseReg]))
	} else {
		e.MovRegImm32(dst, 0)
	}
	if mem.IndexReg != xed.HasNoReg {
		e.LoadMem32(scratch2, process, int32(abi.GPR32Offset[mem.IndexReg]))
		e.LeaSIB(dst, dst, scratch2, mem.Scale, mem.Disp)
	} else if mem.Disp != 0 {
		e.RegImm32(encoder.AluAdd, dst, mem.Disp)
	}
}

// loadEA computes the host address of a memory operand into ADDR64: the
// guest base/index registers (if present) are loaded from Process.Regs,
// scaled and summed, MEM64 is added, and the result is directly usable as
// the base of a Load/StoreMemXX with disp 0. Grounded on
// granary/arch/x86/block.cc's Rebase/VirtualizeMem.
func (t *Translator) loadEA(e *encoder.Emitter, mem xed.Operand) {
	addr := abi.Encoding[abi.ADDR64]
	t.guestEA(e, mem, addr)
	e.LeaSIB(addr, addr, abi.Encoding[abi.MEM64], 1, 0)
}

// loadOperand loads op's value, zero-extended to 64 bits unless signed is
// true, into the host register dst.
func (t *Translator) loadOperand(e *encoder.Emitter, op xed.Operand, dst uint8, signed bool) {
	process := abi.Encoding[abi.PROCESS64]
	switch op.Kind {
	case xed.OpReg:
		off := gprByteOffset(op.Value, op.Width)
		switch {
		case op.Width == 8 && signed:
			e.LoadMem8Sx(dst, process, off)
		case op.Width == 8:
			e.LoadMem8Zx(dst, process, off)
		case op.Width == 16 && signed:
			e.LoadMem16Sx(dst, process, off)
		case op.Width == 16:
			e.LoadMem16Zx(dst, process, off)
		default:
			e.LoadMem32(dst, process, off)
		}
	case xed.OpMem:
		t.loadEA(e, op)
		addr := abi.Encoding[abi.ADDR64]
		switch {
		case op.Width == 8 && signed:
			e.LoadMem8Sx(dst, addr, 0)
		case op.Width == 8:
			e.LoadMem8Zx(dst, addr, 0)
		case op.Width == 16 && signed:
			e.LoadMem16Sx(dst, addr, 0)
		case op.Width == 16:
			e.LoadMem16Zx(dst, addr, 0)
		default:
			e.LoadMem32(dst, addr, 0)
		}
	case xed.OpImm, xed.OpRel:
		e.MovRegImm64(dst, op.Value)
	}
}

// storeOperand stores the low bits of src (width op.Width) into op, which
// must be OpReg or OpMem.
func (t *Translator) storeOperand(e *encoder.Emitter, op xed.Operand, src uint8) {
	process := abi.Encoding[abi.PROCESS64]
	switch op.Kind {
	case xed.OpReg:
		off := gprByteOffset(op.Value, op.Width)
		switch op.Width {
		case 8:
			e.StoreMem8(process, src, off)
		case 16:
			e.StoreMem16(process, src, off)
		default:
			e.StoreMem32(process, src, off)
		}
	case xed.OpMem:
		t.loadEA(e, op)
		addr := abi.Encoding[abi.ADDR64]
		switch op.Width {
		case 8:
			e.StoreMem8(addr, src, 0)
		case 16:
			e.StoreMem16(addr, src, 0)
		default:
			e.StoreMem32(addr, src, 0)
		}
	}
}
