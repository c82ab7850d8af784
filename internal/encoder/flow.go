package encoder

// PushReg64 emits PUSH r64.
func (e *Emitter) PushReg64(reg uint8) {
	if reg >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0x50 + (reg & 7))
}

// PopReg64 emits POP r64.
func (e *Emitter) PopReg64(reg uint8) {
	if reg >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0x58 + (reg & 7))
}

// Ret emits a near RET.
func (e *Emitter) Ret() {
	e.b1(0xC3)
}

// Nop emits a single-byte NOP.
func (e *Emitter) Nop() {
	e.b1(0x90)
}

// JmpRel32 emits JMP rel32 (E9) and returns the byte offset (relative to
// the start of this call's output) of the 4-byte rel32 field, so the
// caller can register it with a codecache.Patcher for later hot-patching.
func (e *Emitter) JmpRel32(rel int32) (fieldOffset int) {
	e.b1(0xE9)
	fieldOffset = 1
	e.imm32(rel)
	return fieldOffset
}

// CallRel32 emits CALL rel32 (E8).
func (e *Emitter) CallRel32(rel int32) (fieldOffset int) {
	e.b1(0xE8)
	fieldOffset = 1
	e.imm32(rel)
	return fieldOffset
}

// JmpIndirect emits JMP r/m64 (FF /4) for an indirect branch through a
// register holding a computed host address.
func (e *Emitter) JmpIndirect(reg uint8) {
	if reg >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xFF)
	e.b1(modrmDirect(4, reg))
}

// CallIndirect emits CALL r/m64 (FF /2).
func (e *Emitter) CallIndirect(reg uint8) {
	if reg >= 8 {
		e.b1(rex(false, false, false, true))
	}
	e.b1(0xFF)
	e.b1(modrmDirect(2, reg))
}

// JccRel32 emits a near conditional jump (0F 8x rel32); cond is the x86
// condition-code nibble (0x0-0xF), matching xed.Condition's numbering.
func (e *Emitter) JccRel32(cond uint8, rel int32) (fieldOffset int) {
	e.bytes(0x0F, 0x80+cond)
	fieldOffset = 2
	e.imm32(rel)
	return fieldOffset
}

// Pushfq/Popfq save/restore the host flags register, used around
// sequences that must not disturb the translator's own use of the flags
// (e.g. bracketing a guest PUSHF/POPF that only wants a 32-bit image).
func (e *Emitter) Pushfq() { e.b1(0x9C) }
func (e *Emitter) Popfq()  { e.b1(0x9D) }

// Ud2 emits the two-byte undefined-instruction trap (0F 0B), used to make
// a translated block fault immediately if control ever actually reaches a
// guest opcode the host never expects to execute (SYSCALL/SYSENTER/SYSRET/
// SYSEXIT, or a raw decode failure).
func (e *Emitter) Ud2() { e.bytes(0x0F, 0x0B) }
