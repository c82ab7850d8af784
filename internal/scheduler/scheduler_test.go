package scheduler

import (
	"testing"

	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/codecache"
	"github.com/xyproto/grr32/internal/process"
)

// terminateOnSyscall is a SyscallHandler stub that marks any process
// trapping a syscall as done immediately, standing in for
// internal/decree's real dispatch table.
type terminateOnSyscall struct {
	calls int
}

func (h *terminateOnSyscall) HandleSyscall(proc *process.Process) (process.ExecStatus, error) {
	h.calls++
	proc.Status = process.StatusDone
	return process.ExecReady, nil
}

func newRunnableProcess(t *testing.T, eaxImm uint32) *process.Process {
	t.Helper()
	proc, err := process.New(1)
	if err != nil {
		t.Fatalf("process.New: %v", err)
	}
	t.Cleanup(func() { proc.Close() })

	code := []byte{
		0xB8, byte(eaxImm), byte(eaxImm >> 8), byte(eaxImm >> 16), byte(eaxImm >> 24),
		0xCD, 0x80,
	}
	base, ok := proc.Mem.Allocate(1)
	if !ok {
		t.Fatal("guestmem.Allocate failed")
	}
	if !proc.Mem.TryLazyMap(base) || !proc.TryWrite(base, code) || !proc.Mem.TryMakeExecutable(base) {
		t.Fatal("program setup failed")
	}
	proc.Regs.EIP = uint32(base)
	return proc
}

// TestRunDrivesEveryProcessToDone exercises the round-robin loop across two
// independent processes sharing one handler, checking both trap their
// syscall and that Run stops once nothing is left to progress.
func TestRunDrivesEveryProcessToDone(t *testing.T) {
	cache, err := codecache.New()
	if err != nil {
		t.Fatalf("codecache.New: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	handler := &terminateOnSyscall{}
	s := New(handler)

	p1 := newRunnableProcess(t, 11)
	p2 := newRunnableProcess(t, 22)
	s.Add(p1, cache)
	s.Add(p2, cache)

	s.Run()

	if !s.Done() {
		t.Fatal("Done() = false after Run returned")
	}
	if handler.calls != 2 {
		t.Fatalf("handler.calls = %d, want 2", handler.calls)
	}
	if p1.Status != process.StatusDone || p2.Status != process.StatusDone {
		t.Fatalf("statuses = %v, %v, want both StatusDone", p1.Status, p2.Status)
	}
	if p1.Regs.EAX != 11 || p2.Regs.EAX != 22 {
		t.Fatalf("EAX = %d, %d, want 11, 22", p1.Regs.EAX, p2.Regs.EAX)
	}
}

// TestRunStopsWithNoProcesses guards against an infinite loop when nothing
// is scheduled: the first pass makes no progress by definition, so Run
// must return immediately.
func TestRunStopsWithNoProcesses(t *testing.T) {
	s := New(&terminateOnSyscall{})
	s.Run()
	if !s.Done() {
		t.Fatal("Done() = false with no scheduled processes")
	}
}

// TestRunReportsErrorAsTerminal checks that a process whose dispatcher hits
// a decode error is marked StatusError and excluded from further passes
// rather than looping forever.
func TestRunReportsErrorAsTerminal(t *testing.T) {
	cache, err := codecache.New()
	if err != nil {
		t.Fatalf("codecache.New: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	proc, err := process.New(1)
	if err != nil {
		t.Fatalf("process.New: %v", err)
	}
	t.Cleanup(func() { proc.Close() })
	proc.Regs.EIP = uint32(abi.Addr32(0x1000)) // never mapped

	s := New(&terminateOnSyscall{})
	s.Add(proc, cache)
	s.Run()

	if proc.Status != process.StatusError {
		t.Fatalf("Status = %v, want StatusError", proc.Status)
	}
}
