// Package process models one guest process: its general-purpose and FPU
// register state, its 4 GiB memory mapping, and fault-address
// bookkeeping fields. Grounded on
// granary/os/process.h (original_source), adapted into a plain Go struct
// with explicit error returns in place of C++ exceptions/asserts, and on
// the teacher's CompilerState (compiler_state.go) for the
// phase/options-holder shape of a central per-run struct.
package process

import (
	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/guestmem"
)

// Status is the coarse process lifecycle state the scheduler checks each
// iteration of its round-robin loop.
type Status int

const (
	StatusError           Status = iota // unrecoverable fault, drop the process
	StatusIgnorableError                 // recovered from a benign fault, keep scheduling
	StatusDone                           // terminated normally
	StatusSystemCall                     // blocked on a syscall in progress
)

// ExecStatus distinguishes a live process that's ready to run from one
// that's blocked waiting on I/O or a timer.
type ExecStatus int

const (
	ExecInvalid ExecStatus = iota
	ExecReady
	ExecBlocked
)

// GPRs holds the eight 32-bit guest general-purpose registers plus EIP and
// EFLAGS. Field order and widths fix the byte offsets abi.OffEAX through
// abi.OffEFlags that translated code uses to address each register; the
// snapshot file format serializes these fields explicitly rather than
// taking their memory layout as wire format.
type GPRs struct {
	EAX, ECX, EDX, EBX uint32
	ESP, EBP, ESI, EDI uint32
	EIP                uint32
	EFlags             uint32
}

// FPUState is the saved x87/SSE state around a guest block's execution,
// large enough to hold a user_fpxregs_struct-equivalent image. Contents are
// opaque to this package; only SaveFPUState/RestoreFPUState touch them,
// via the trampoline that actually executes translated code.
type FPUState struct {
	Data [512]byte // 16-byte aligned FXSAVE-format image
}

// Process is one guest process's full emulated state.
type Process struct {
	// Regs is the first field, so translated code's [PROCESS64+abi.Off*]
	// accesses (offsets within GPRs) land on it.
	Regs GPRs

	PID uint8

	FPU    FPUState
	Status Status
	Exec   ExecStatus

	TextBase     abi.Addr32
	LastBranchPC abi.Addr32

	// Fault-address bookkeeping fields; no code in this module sets or
	// reads them.
	FaultAddr      abi.Addr32
	FaultBaseAddr  abi.Addr32
	FaultIndexAddr abi.Addr32

	PageHash      uint32
	PageHashValid bool

	Mem *guestmem.GuestMemory

	interruptible bool
}

// New creates a process bound to its own 4 GiB guest memory reservation.
func New(pid uint8) (*Process, error) {
	mem, err := guestmem.New()
	if err != nil {
		return nil, err
	}
	return &Process{PID: pid, Mem: mem, Exec: ExecReady, interruptible: true}, nil
}

// Close releases the process's guest memory mapping.
func (p *Process) Close() error {
	return p.Mem.Close()
}

// Bind marks this process as the one currently executing, mirroring the
// original's PushProcess32 RAII binder as an explicit Bind/Unbind pair; the
// scheduler calls Bind before entering the cache and Unbind (via defer)
// right after, so a signal arriving mid-dispatch can identify gCurrentProcess.
func (p *Process) Bind(slot **Process) func() {
	prev := *slot
	*slot = p
	return func() { *slot = prev }
}

// SetInterruptible toggles whether a maskable interrupt may deliver
// immediately (true) or must queue until the next interruptible region
// (false). Mirrors IsInterruptible()/the Uninterruptible RAII guard in the
// original scheduler, expressed as plain state Go code can check from a
// signal-adjacent goroutine without sigsetjmp.
func (p *Process) SetInterruptible(v bool) {
	p.interruptible = v
}

// Interruptible reports the current interruptibility. The scheduler's
// signal delivery tracks regions in its own interruptState and does not
// consult this flag.
func (p *Process) Interruptible() bool {
	return p.interruptible
}

// ConvertPC converts a guest PC to its host address under this process's
// mapping.
func (p *Process) ConvertPC(pc abi.Addr32) abi.Addr64 {
	return p.Mem.HostAddr(pc)
}

// ConvertAddress converts an arbitrary guest address to a host address.
func (p *Process) ConvertAddress(addr abi.Addr32) abi.Addr64 {
	return p.Mem.HostAddr(addr)
}
