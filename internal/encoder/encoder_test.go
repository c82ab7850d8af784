package encoder

import (
	"bytes"
	"testing"
)

// sink adapts a bytes.Buffer to the Sink interface (Write with no return
// values), since *bytes.Buffer's own Write returns (int, error) and can't
// satisfy Sink directly.
type sink struct{ buf bytes.Buffer }

func (s *sink) Write(p []byte) { s.buf.Write(p) }

func newEmitter() (*Emitter, *sink) {
	s := &sink{}
	return New(s), s
}

func TestMovRegImm32LowRegisterHasNoREX(t *testing.T) {
	e, s := newEmitter()
	e.MovRegImm32(0, 0x2A) // rax, no REX needed
	want := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00}
	if !bytes.Equal(s.buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", s.buf.Bytes(), want)
	}
}

func TestMovRegImm32HighRegisterNeedsREX(t *testing.T) {
	e, s := newEmitter()
	e.MovRegImm32(13, 7) // r13 (PC32), needs REX.B
	want := []byte{0x41, 0xB8 + 5, 0x07, 0x00, 0x00, 0x00}
	if !bytes.Equal(s.buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", s.buf.Bytes(), want)
	}
}

// TestStoreMem32ToProcessRegisterEmitsSIB locks down the exact encoding the
// translator relies on for every guest-register store: PROCESS64 is r12,
// and r12's low 3 bits (4) collide with the ModRM encoding that means
// "read a SIB byte instead," so every [r12+disp] access needs one even
// though r12 has no index/scale role here.
func TestStoreMem32ToProcessRegisterEmitsSIB(t *testing.T) {
	e, s := newEmitter()
	e.StoreMem32(12, 0, 32) // mov [r12+32], eax (process, val, OffEIP)
	want := []byte{
		0x41,       // REX.B (base r12 >= 8)
		0x89,       // MOV r/m32, r32
		0x40 | 0<<3 | 4, // mod=01, reg=eax(0), rm=4 (SIB follows)
		0x24,       // SIB: scale=0, index=100(none), base=100(rm continuation for r12)
		32,         // disp8
	}
	if !bytes.Equal(s.buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", s.buf.Bytes(), want)
	}
}

// TestModrmDispThreeWaySplit checks disp0/disp8/disp32 selection through
// LoadMem32 for a low (no-REX) base register, and confirms the rm==5
// special case (would otherwise be confused with "no displacement") always
// forces at least a disp8.
func TestModrmDispThreeWaySplit(t *testing.T) {
	cases := []struct {
		name string
		base uint8
		disp int32
		want []byte
	}{
		{"disp0", 0, 0, []byte{0x8B, 0x00}},                         // mov eax,[rax]
		{"disp8", 0, 100, []byte{0x8B, 0x40, 100}},                  // mov eax,[rax+100]
		{"disp32", 0, 70000, []byte{0x8B, 0x80, 0x70, 0x11, 0x01, 0x00}}, // mov eax,[rax+70000]
		{"rbp-disp0-forces-disp8", 5, 0, []byte{0x8B, 0x45, 0x00}},  // mov eax,[rbp+0]
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e, s := newEmitter()
			e.LoadMem32(0, c.base, c.disp)
			if !bytes.Equal(s.buf.Bytes(), c.want) {
				t.Fatalf("got % x, want % x", s.buf.Bytes(), c.want)
			}
		})
	}
}

func TestRegImm32EncodesAluOpInModRMReg(t *testing.T) {
	e, s := newEmitter()
	e.RegImm32(AluAnd, 8, int32(-1)) // r8 &= 0xFFFFFFFF
	want := []byte{
		0x41,      // REX.B (dst r8 >= 8)
		0x81,      // 0x81 /op group
		0xC0 | 4<<3 | 0, // mod=11 (direct), reg=AluAnd(4), rm=r8&7=0
		0xFF, 0xFF, 0xFF, 0xFF,
	}
	if !bytes.Equal(s.buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", s.buf.Bytes(), want)
	}
}

func TestJmpRel32AndCallRel32FieldOffsets(t *testing.T) {
	e, s := newEmitter()
	off := e.JmpRel32(0x11223344)
	if off != 1 {
		t.Fatalf("JmpRel32 fieldOffset = %d, want 1", off)
	}
	want := []byte{0xE9, 0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(s.buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", s.buf.Bytes(), want)
	}

	e2, s2 := newEmitter()
	off2 := e2.CallRel32(0x05)
	if off2 != 1 {
		t.Fatalf("CallRel32 fieldOffset = %d, want 1", off2)
	}
	want2 := []byte{0xE8, 0x05, 0x00, 0x00, 0x00}
	if !bytes.Equal(s2.buf.Bytes(), want2) {
		t.Fatalf("got % x, want % x", s2.buf.Bytes(), want2)
	}
}

func TestJccRel32FieldOffsetAndCondEncoding(t *testing.T) {
	e, s := newEmitter()
	off := e.JccRel32(0x4, 0x7F) // JE rel32
	if off != 2 {
		t.Fatalf("JccRel32 fieldOffset = %d, want 2", off)
	}
	want := []byte{0x0F, 0x84, 0x7F, 0x00, 0x00, 0x00}
	if !bytes.Equal(s.buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", s.buf.Bytes(), want)
	}
}

func TestUd2EmitsTwoByteTrap(t *testing.T) {
	e, s := newEmitter()
	e.Ud2()
	want := []byte{0x0F, 0x0B}
	if !bytes.Equal(s.buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", s.buf.Bytes(), want)
	}
}

func TestNopEmitsSingleByte(t *testing.T) {
	e, s := newEmitter()
	e.Nop()
	if !bytes.Equal(s.buf.Bytes(), []byte{0x90}) {
		t.Fatalf("got % x, want [90]", s.buf.Bytes())
	}
}

// TestLeaSIBZeroDisplacementOmitsDispBytes checks the addr==0/rm!=5 fast
// path the translator's guest-memory-operand addressing leans on heavily
// (MEM64+ADDR64*1, no displacement, the common case for a plain [reg] EA).
func TestLeaSIBZeroDisplacementOmitsDispBytes(t *testing.T) {
	e, s := newEmitter()
	e.LeaSIB(1, 1, 15, 1, 0) // lea rcx, [rcx + r15*1 + 0]
	want := []byte{
		0x4A,             // REX.X (index r15 >= 8), base/dst < 8
		0x8D,             // LEA
		0x04 | 1<<3,      // mod=00, reg=rcx(1), rm=100 (SIB follows)
		0<<6 | 7<<3 | 1,  // SIB: scale=1(00), index=r15&7=7, base=rcx&7=1
	}
	if !bytes.Equal(s.buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", s.buf.Bytes(), want)
	}
}

func TestShiftImmUsesShortFormForUnitShift(t *testing.T) {
	e, s := newEmitter()
	e.ShiftImm(ShlOp, 0, 1)
	want := []byte{0xD1, 0xC0 | 4<<3} // D1 /4, mod=11 reg=ShlOp(4) rm=eax(0)
	if !bytes.Equal(s.buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", s.buf.Bytes(), want)
	}

	e2, s2 := newEmitter()
	e2.ShiftImm(ShlOp, 0, 3)
	want2 := []byte{0xC1, 0xC0 | 4<<3, 3}
	if !bytes.Equal(s2.buf.Bytes(), want2) {
		t.Fatalf("got % x, want % x", s2.buf.Bytes(), want2)
	}
}
