package translator

import (
	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/encoder"
	"github.com/xyproto/grr32/internal/xed"
)

// pushValue decrements the virtualized guest ESP by 4 and stores v at the
// new top of stack. Despite SP32 being reserved in the ABI register table
// for a resident-ESP optimization, this translator keeps guest ESP in
// Process.Regs like any other GPR and uses SP32 only as scratch here, so
// ESP observed through ordinary loads/stores (e.g. `mov eax, esp`) is
// always consistent with push/pop, at the cost of the optimization.
func (t *Translator) pushValue(e *encoder.Emitter, v uint8) {
	process := abi.Encoding[abi.PROCESS64]
	sp := abi.Encoding[abi.SP32]
	addr := abi.Encoding[abi.ADDR64]
	e.LoadMem32(sp, process, int32(abi.OffESP))
	e.RegImm32(encoder.AluSub, sp, 4)
	e.StoreMem32(process, sp, int32(abi.OffESP))
	e.LeaSIB(addr, sp, abi.Encoding[abi.MEM64], 1, 0)
	e.StoreMem32(addr, v, 0)
}

// popValue loads the current top of stack into dst and increments ESP by 4.
func (t *Translator) popValue(e *encoder.Emitter, dst uint8) {
	process := abi.Encoding[abi.PROCESS64]
	sp := abi.Encoding[abi.SP32]
	addr := abi.Encoding[abi.ADDR64]
	e.LoadMem32(sp, process, int32(abi.OffESP))
	e.LeaSIB(addr, sp, abi.Encoding[abi.MEM64], 1, 0)
	e.LoadMem32(dst, addr, 0)
	e.RegImm32(encoder.AluAdd, sp, 4)
	e.StoreMem32(process, sp, int32(abi.OffESP))
}

func (t *Translator) emitPush(e *encoder.Emitter, in xed.Instruction) {
	t.loadOperand(e, in.Operands[0], scratch1, false)
	t.pushValue(e, scratch1)
}

func (t *Translator) emitPop(e *encoder.Emitter, in xed.Instruction) {
	t.popValue(e, scratch1)
	t.storeOperand(e, in.Operands[0], scratch1)
}

func (t *Translator) emitPusha(e *encoder.Emitter) {
	process := abi.Encoding[abi.PROCESS64]
	e.LoadMem32(scratch1, process, int32(abi.OffESP)) // original ESP, pushed mid-sequence per PUSHA semantics
	for _, off := range []abi.RegOffset{abi.OffEAX, abi.OffECX, abi.OffEDX, abi.OffEBX} {
		e.LoadMem32(scratch2, process, int32(off))
		t.pushValue(e, scratch2)
	}
	t.pushValue(e, scratch1)
	for _, off := range []abi.RegOffset{abi.OffEBP, abi.OffESI, abi.OffEDI} {
		e.LoadMem32(scratch2, process, int32(off))
		t.pushValue(e, scratch2)
	}
}

func (t *Translator) emitPopa(e *encoder.Emitter) {
	process := abi.Encoding[abi.PROCESS64]
	for _, off := range []abi.RegOffset{abi.OffEDI, abi.OffESI, abi.OffEBP} {
		t.popValue(e, scratch1)
		e.StoreMem32(process, scratch1, int32(off))
	}
	t.popValue(e, scratch1) // discarded: POPA does not restore ESP
	for _, off := range []abi.RegOffset{abi.OffEBX, abi.OffEDX, abi.OffECX, abi.OffEAX} {
		t.popValue(e, scratch1)
		e.StoreMem32(process, scratch1, int32(off))
	}
}

func (t *Translator) emitPushf(e *encoder.Emitter) {
	process := abi.Encoding[abi.PROCESS64]
	e.LoadMem32(scratch1, process, int32(abi.OffEFlags))
	t.pushValue(e, scratch1)
}

// emitPopf additionally AND-masks the popped value with 0xFFDFFFFF before
// storing it to EFLAGS, clearing the ID flag (bit 21) the same way POPFD
// does on real hardware.
func (t *Translator) emitPopf(e *encoder.Emitter) {
	process := abi.Encoding[abi.PROCESS64]
	t.popValue(e, scratch1)
	e.RegImm32(encoder.AluAnd, scratch1, int32(0xFFDFFFFF))
	e.StoreMem32(process, scratch1, int32(abi.OffEFlags))
}

// emitIretd pops EFLAGS into the ABI-local flags image (masking off the ID
// flag the same way POPFD does), discards the popped CS (this host never
// models a segment register), and pops the return PC32 -- the real
// emulation sequence a guest IRETD needs, as opposed to the UD2 the
// SYSCALL/SYSENTER/SYSRET/SYSEXIT family gets.
func (t *Translator) emitIretd(e *encoder.Emitter) {
	process := abi.Encoding[abi.PROCESS64]
	t.popValue(e, scratch1)
	e.RegImm32(encoder.AluAnd, scratch1, int32(0xFFDFFFFF))
	e.StoreMem32(process, scratch1, int32(abi.OffEFlags))
	t.popValue(e, scratch2) // CS, discarded
	t.popValue(e, scratch1)
	e.StoreMem32(process, scratch1, int32(abi.OffEIP))
}

// emitEnter supports the common ENTER imm16, 0 form (no nested stack
// frames); nonzero nesting levels are rare in compiler-generated code and
// are simply treated the same way.
func (t *Translator) emitEnter(e *encoder.Emitter, in xed.Instruction) {
	process := abi.Encoding[abi.PROCESS64]
	sp := abi.Encoding[abi.SP32]
	e.LoadMem32(scratch1, process, int32(abi.OffEBP))
	t.pushValue(e, scratch1)
	e.LoadMem32(sp, process, int32(abi.OffESP))
	e.StoreMem32(process, sp, int32(abi.OffEBP))
	size := int32(in.Operands[0].Value)
	if size != 0 {
		e.RegImm32(encoder.AluSub, sp, size)
		e.StoreMem32(process, sp, int32(abi.OffESP))
	}
}

func (t *Translator) emitLeave(e *encoder.Emitter) {
	process := abi.Encoding[abi.PROCESS64]
	sp := abi.Encoding[abi.SP32]
	e.LoadMem32(sp, process, int32(abi.OffEBP))
	e.StoreMem32(process, sp, int32(abi.OffESP))
	t.popValue(e, scratch1)
	e.StoreMem32(process, scratch1, int32(abi.OffEBP))
}
