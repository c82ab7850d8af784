package translator

import (
	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/encoder"
	"github.com/xyproto/grr32/internal/xed"
)

// esi/edi hold the virtualized guest source/destination pointers for the
// duration of one string-op emission; cnt repurposes ADDR64 as the host
// repeat counter, matching REP's own use of RCX.
const (
	stringEsi  uint8 = 6 // rsi
	stringEdi  uint8 = 7 // rdi
	stringTmp  uint8 = scratch1
	stringTmp2 uint8 = scratch2
	stringAddr uint8 = scratch3
)

func loadFromHostPtr(e *encoder.Emitter, width int, dst, mem64, ptr uint8) {
	e.LeaSIB(stringAddr, ptr, mem64, 1, 0)
	switch width {
	case 8:
		e.LoadMem8Zx(dst, stringAddr, 0)
	case 16:
		e.LoadMem16Zx(dst, stringAddr, 0)
	default:
		e.LoadMem32(dst, stringAddr, 0)
	}
}

func storeToHostPtr(e *encoder.Emitter, width int, mem64, ptr, src uint8) {
	e.LeaSIB(stringAddr, ptr, mem64, 1, 0)
	switch width {
	case 8:
		e.StoreMem8(stringAddr, src, 0)
	case 16:
		e.StoreMem16(stringAddr, src, 0)
	default:
		e.StoreMem32(stringAddr, src, 0)
	}
}

func advancePtr(e *encoder.Emitter, reg uint8, width int) {
	e.RegImm32(encoder.AluAdd, reg, int32(width/8))
}

// emitStringOp virtualizes MOVS/STOS/LODS/CMPS/SCAS. REP-prefixed forms run
// as a real host loop emitted inline (a backward JccRel32 whose target is a
// fixed local offset known at emission time, so it needs no Patcher entry).
// The direction flag is not modeled: guest code that sets STD before a
// string op will not reverse correctly under this translator.
func (t *Translator) emitStringOp(e *encoder.Emitter, in xed.Instruction) {
	process := abi.Encoding[abi.PROCESS64]
	mem64 := abi.Encoding[abi.MEM64]
	cnt := abi.Encoding[abi.ADDR64]
	width := in.Operands[0].Width
	repeated := in.RepPrefix || in.RepnePrefix

	loopTop := 0
	if repeated {
		e.LoadMem32(cnt, process, int32(abi.OffECX))
		loopTop = int(t.tx.Pos())
	}

	switch in.Class {
	case xed.IclMovs:
		e.LoadMem32(stringEsi, process, int32(abi.OffESI))
		e.LoadMem32(stringEdi, process, int32(abi.OffEDI))
		loadFromHostPtr(e, width, stringTmp, mem64, stringEsi)
		storeToHostPtr(e, width, mem64, stringEdi, stringTmp)
		advancePtr(e, stringEsi, width)
		advancePtr(e, stringEdi, width)
		e.StoreMem32(process, stringEsi, int32(abi.OffESI))
		e.StoreMem32(process, stringEdi, int32(abi.OffEDI))
	case xed.IclStos:
		e.LoadMem32(stringTmp, process, int32(abi.OffEAX))
		e.LoadMem32(stringEdi, process, int32(abi.OffEDI))
		storeToHostPtr(e, width, mem64, stringEdi, stringTmp)
		advancePtr(e, stringEdi, width)
		e.StoreMem32(process, stringEdi, int32(abi.OffEDI))
	case xed.IclLods:
		e.LoadMem32(stringEsi, process, int32(abi.OffESI))
		loadFromHostPtr(e, width, stringTmp, mem64, stringEsi)
		e.StoreMem32(process, stringTmp, int32(abi.OffEAX))
		advancePtr(e, stringEsi, width)
		e.StoreMem32(process, stringEsi, int32(abi.OffESI))
	case xed.IclCmps:
		e.LoadMem32(stringEsi, process, int32(abi.OffESI))
		e.LoadMem32(stringEdi, process, int32(abi.OffEDI))
		loadFromHostPtr(e, width, stringTmp, mem64, stringEsi)
		loadFromHostPtr(e, width, stringTmp2, mem64, stringEdi)
		e.RegReg32(encoder.AluCmp, stringTmp, stringTmp2)
		advancePtr(e, stringEsi, width)
		advancePtr(e, stringEdi, width)
		e.StoreMem32(process, stringEsi, int32(abi.OffESI))
		e.StoreMem32(process, stringEdi, int32(abi.OffEDI))
	case xed.IclScas:
		e.LoadMem32(stringTmp, process, int32(abi.OffEAX))
		e.LoadMem32(stringEdi, process, int32(abi.OffEDI))
		loadFromHostPtr(e, width, stringTmp2, mem64, stringEdi)
		e.RegReg32(encoder.AluCmp, stringTmp, stringTmp2)
		advancePtr(e, stringEdi, width)
		e.StoreMem32(process, stringEdi, int32(abi.OffEDI))
	}

	if repeated {
		e.RegImm32(encoder.AluSub, cnt, 1)
		e.StoreMem32(process, cnt, int32(abi.OffECX))
		rel := int32(loopTop) - int32(t.tx.Pos()) - 6
		e.JccRel32(uint8(xed.CondNE), rel)
	}
}
