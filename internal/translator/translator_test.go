package translator_test

import (
	"testing"

	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/block"
	"github.com/xyproto/grr32/internal/codecache"
	"github.com/xyproto/grr32/internal/dispatch"
	"github.com/xyproto/grr32/internal/process"
	"github.com/xyproto/grr32/internal/translator"
	"github.com/xyproto/grr32/internal/xed"
)

// newGuestProgram mirrors internal/dispatch's own test helper: allocate one
// guest page, write code into it, and leave it mapped read+execute.
func newGuestProgram(t *testing.T, code []byte) (*process.Process, abi.Addr32) {
	t.Helper()
	proc, err := process.New(1)
	if err != nil {
		t.Fatalf("process.New: %v", err)
	}
	t.Cleanup(func() { proc.Close() })

	base, ok := proc.Mem.Allocate(1)
	if !ok {
		t.Fatal("guestmem.Allocate failed")
	}
	if !proc.Mem.TryLazyMap(base) {
		t.Fatal("TryLazyMap failed")
	}
	if !proc.TryWrite(base, code) {
		t.Fatal("TryWrite failed")
	}
	if !proc.Mem.TryMakeExecutable(base) {
		t.Fatal("TryMakeExecutable failed")
	}
	proc.Regs.EIP = uint32(base)
	return proc, base
}

func runToSyscall(t *testing.T, proc *process.Process) {
	t.Helper()
	cache, err := codecache.New()
	if err != nil {
		t.Fatalf("codecache.New: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	d := dispatch.New(proc, cache)
	reason, err := d.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reason != dispatch.ReasonSyscall {
		t.Fatalf("reason = %v, want ReasonSyscall", reason)
	}
}

// TestTranslateJecxzTakenWhenEcxIsZero exercises JCXZ-via-JECXZ's taken
// edge: with ECX == 0 the branch must be followed, landing on the "taken"
// path's instructions instead of falling through.
func TestTranslateJecxzTakenWhenEcxIsZero(t *testing.T) {
	code := []byte{
		0xB9, 0x00, 0x00, 0x00, 0x00, // mov ecx, 0
		0xE3, 0x0A, // jecxz +10 (to the "taken" mov eax,2 below)
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1 (not-taken path)
		0xE9, 0x05, 0x00, 0x00, 0x00, // jmp +5 (skip the taken path)
		0xB8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2 (taken path)
		0xCD, 0x80, // int 0x80
	}
	proc, _ := newGuestProgram(t, code)
	runToSyscall(t, proc)

	if proc.Regs.EAX != 2 {
		t.Fatalf("EAX = %d, want 2 (JECXZ should have branched since ECX==0)", proc.Regs.EAX)
	}
}

// TestTranslateJecxzNotTakenWhenEcxIsNonzero exercises the fallthrough edge.
func TestTranslateJecxzNotTakenWhenEcxIsNonzero(t *testing.T) {
	code := []byte{
		0xB9, 0x05, 0x00, 0x00, 0x00, // mov ecx, 5
		0xE3, 0x0A, // jecxz +10
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1 (not-taken path)
		0xE9, 0x05, 0x00, 0x00, 0x00, // jmp +5
		0xB8, 0x02, 0x00, 0x00, 0x00, // mov eax, 2 (taken path)
		0xCD, 0x80, // int 0x80
	}
	proc, _ := newGuestProgram(t, code)
	runToSyscall(t, proc)

	if proc.Regs.EAX != 1 {
		t.Fatalf("EAX = %d, want 1 (JECXZ must not branch since ECX!=0)", proc.Regs.EAX)
	}
}

// TestTranslatePopfdClearsIDFlag drives a real POPFD through the dispatcher
// and reads the result back out via PUSHFD, checking bit 21 (the ID flag)
// is cleared from the popped value while an unrelated bit survives.
func TestTranslatePopfdClearsIDFlag(t *testing.T) {
	const pushed = 0x00200001 // bit21 (ID) set, bit0 also set
	const want = 0x00000001   // bit21 masked off, bit0 untouched
	code := []byte{
		0xB8, byte(pushed), byte(pushed >> 8), byte(pushed >> 16), byte(pushed >> 24), // mov eax, pushed
		0x50,       // push eax
		0x9D,       // popfd
		0x9C,       // pushfd
		0x5B,       // pop ebx
		0xCD, 0x80, // int 0x80
	}
	proc, _ := newGuestProgram(t, code)
	stack, ok := proc.Mem.Allocate(1)
	if !ok || !proc.Mem.TryLazyMap(stack) {
		t.Fatal("stack page setup failed")
	}
	proc.Regs.ESP = uint32(stack) + uint32(abi.PageSize)
	runToSyscall(t, proc)

	if proc.Regs.EBX != want {
		t.Fatalf("EBX = 0x%x, want 0x%x (POPFD must clear the ID flag)", proc.Regs.EBX, want)
	}
}

// TestTranslateIretdSetsEipAndMasksFlags builds a guest stack by hand (no
// real guest CALL/interrupt precedes it) and runs a bare IRETD, checking it
// pops EFLAGS (ID flag masked, same as POPFD), discards CS, and sets EIP to
// the popped return address -- which then executes as the start of a fresh
// block, landing on the INT 0x80 planted there.
func TestTranslateIretdSetsEipAndMasksFlags(t *testing.T) {
	proc, _ := newGuestProgram(t, []byte{
		0xCF, // iretd
	})

	// Lay out a second page to land on after IRETD, holding the actual
	// syscall this test observes.
	landing, ok := proc.Mem.Allocate(1)
	if !ok {
		t.Fatal("second guestmem.Allocate failed")
	}
	if !proc.Mem.TryLazyMap(landing) {
		t.Fatal("TryLazyMap (landing) failed")
	}
	landingCode := []byte{
		0xBB, 0x2A, 0x00, 0x00, 0x00, // mov ebx, 42
		0xCD, 0x80, // int 0x80
	}
	if !proc.TryWrite(landing, landingCode) {
		t.Fatal("TryWrite (landing) failed")
	}
	if !proc.Mem.TryMakeExecutable(landing) {
		t.Fatal("TryMakeExecutable (landing) failed")
	}

	const pushedFlags = 0x00200046 // ID flag plus a couple of harmless bits
	const wantFlags = 0x00000046

	// Seed ESP and lay out the three words emitIretd pops in turn: EFLAGS
	// first (top of stack), then CS, then the return PC -- matching
	// emitIretd's own pop order, not real hardware's EIP/CS/EFLAGS order.
	// The stack lives on its own RW page: the code page is RX, and TryWrite
	// refuses RX pages.
	stack, ok := proc.Mem.Allocate(1)
	if !ok || !proc.Mem.TryLazyMap(stack) {
		t.Fatal("stack page setup failed")
	}
	sp := uint32(stack) + uint32(abi.PageSize) - 64
	write32 := func(addr uint32, v uint32) {
		b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
		if !proc.TryWrite(abi.Addr32(addr), b) {
			t.Fatalf("TryWrite(0x%x) failed", addr)
		}
	}
	write32(sp, pushedFlags)
	write32(sp+4, 0) // CS, discarded
	write32(sp+8, uint32(landing))
	proc.Regs.ESP = sp

	runToSyscall(t, proc)

	if proc.Regs.EBX != 42 {
		t.Fatalf("EBX = %d, want 42 (IRETD should have landed on the second page)", proc.Regs.EBX)
	}
	if proc.Regs.EFlags != wantFlags {
		t.Fatalf("EFlags = 0x%x, want 0x%x (IRETD must mask the ID flag the same way POPFD does)", proc.Regs.EFlags, wantFlags)
	}
}

// TestTranslateRunsOffInstructionCapFallsThroughToNextBlock lowers
// block.MaxInstructions so a straight run of NOPs with no branch is forced
// to split into two translated blocks, and checks execution still carries
// on correctly across that forced boundary (the "ran off the cap with no
// terminating branch" path in Translate, which falls through to the
// dispatch stub and re-enters at the next guest pc exactly like any other
// block exit).
func TestTranslateRunsOffInstructionCapFallsThroughToNextBlock(t *testing.T) {
	old := block.MaxInstructions
	block.MaxInstructions = 4
	t.Cleanup(func() { block.MaxInstructions = old })

	code := []byte{
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, // six nops: splits into two 4/2-insn blocks
		0xB8, 0x09, 0x00, 0x00, 0x00, // mov eax, 9
		0xCD, 0x80, // int 0x80
	}
	proc, _ := newGuestProgram(t, code)

	cache, err := codecache.New()
	if err != nil {
		t.Fatalf("codecache.New: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	d := dispatch.New(proc, cache)
	reason, err := d.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reason != dispatch.ReasonSyscall {
		t.Fatalf("reason = %v, want ReasonSyscall", reason)
	}
	if proc.Regs.EAX != 9 {
		t.Fatalf("EAX = %d, want 9", proc.Regs.EAX)
	}
	// Six nops with MaxInstructions=4 must have split into at least two
	// cached blocks (four nops, then the remaining two nops + mov + int).
	if cache.Count() < 2 {
		t.Fatalf("cache.Count() = %d, want at least 2 (the instruction cap should have split the block)", cache.Count())
	}
}

// TestTranslateSyscallFamilyAndUd2EmitTrap checks, at the byte level rather
// than by executing it (a real UD2 raises SIGILL, which this guest's
// dispatcher never catches -- the scheduler only traps SIGINT/SIGTERM/
// SIGALRM/SIGPIPE/SIGUSR1, and a raw illegal-instruction fault would take
// the whole test binary down with it), that the translator emits a literal
// UD2 (0x0F 0x0B) as the last two bytes of a block ending in SYSCALL,
// SYSENTER, or an unclassifiable opcode -- the same degrade-to-trap path
// for both, confirming neither ever falls through to whatever PC the block
// last wrote.
func TestTranslateSyscallFamilyAndUd2EmitTrap(t *testing.T) {
	cases := []struct {
		name string
		code []byte
	}{
		{"syscall", []byte{0x0F, 0x05}},
		{"sysenter", []byte{0x0F, 0x34}},
		{"unclassified-opcode", []byte{0xD8}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			in, err := xed.Decode(c.code)
			if err != nil {
				t.Fatalf("xed.Decode: %v", err)
			}

			cache, err := codecache.New()
			if err != nil {
				t.Fatalf("codecache.New: %v", err)
			}
			t.Cleanup(func() { cache.Close() })
			patcher := codecache.NewPatcher(cache)
			stub := translator.DispatchStub{Offset: cache.DispatchStub()}
			tr := translator.New(1, cache, patcher, stub)

			const pc = abi.Addr32(0x10000)
			blk := &block.Block{
				Start: pc,
				End:   pc + abi.Addr32(in.Length),
				Insns: []block.DecodedInsn{{PC: pc, Insn: in}},
			}

			val, err := tr.Translate(blk, 0)
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}

			// emitPCUpdate always costs exactly 10 bytes (a 5-byte
			// MovRegImm32 into VAL64 followed by a 5-byte StoreMem32 into
			// PROCESS64+OffEIP, since PROCESS64's r12 encoding forces a
			// SIB byte); Ud2 follows directly with no further emission.
			const pcUpdateBytes = 10
			got := cache.Bytes(val.CacheOffset()+pcUpdateBytes, 2)
			if got[0] != 0x0F || got[1] != 0x0B {
				t.Fatalf("trailing bytes = % x, want 0f 0b (UD2)", got)
			}
		})
	}
}
