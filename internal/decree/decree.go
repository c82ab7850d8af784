// Package decree services the seven DECREE-ABI syscalls a guest reaches
// through INT 0x80, implementing scheduler.SyscallHandler. Grounded on
// granary/os/decree_user/syscall.cc (original_source) for the selector
// table, argument order, and error codes, and on the teacher's CLI flag
// gating (cli.go's VerboseMode pattern) for the -strace trace output.
package decree

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/filetable"
	"github.com/xyproto/grr32/internal/process"
)

// SnapshotWriter is the optional hook Handler calls on terminate when
// --output_dir is set; internal/snapshot implements it. Declared
// here rather than imported directly so neither package depends on the
// other.
type SnapshotWriter interface {
	WriteSnapshot(proc *process.Process) error
}

// Handler services every trapped syscall for every process sharing one set
// of standard streams, tracing, and snapshot policy.
type Handler struct {
	Stdin, Stdout, Stderr io.ReadWriter

	// Trace, when true, prints selector/args/result to Stderr for every
	// syscall, matching -strace.
	Trace bool

	// Snapshot, if set, is invoked on every terminate() so the final
	// state can be captured before the process is dropped.
	Snapshot SnapshotWriter

	// SnapshotBeforeInputByte, when >= 0, makes receive() call Snapshot
	// just before the cumulative byte count read from fd 0 would cross
	// this threshold, matching `--snapshot_before_input_byte`. -1 (the
	// zero value's complement, set explicitly by the caller) disables it.
	SnapshotBeforeInputByte int

	tables        map[uint8]*filetable.FileTable
	emptyReceives map[uint8]int
	stdinReceived map[uint8]uint32
}

// NewHandler creates a Handler bound to the given standard streams (pass
// os.Stdin/os.Stdout/os.Stderr for a live run, or in-memory buffers for
// replay/testing). SnapshotBeforeInputByte starts disabled (-1).
func NewHandler(stdin, stdout, stderr io.ReadWriter) *Handler {
	return &Handler{
		SnapshotBeforeInputByte: -1,
		Stdin:                   stdin,
		Stdout:                  stdout,
		Stderr:                  stderr,
		tables:                  make(map[uint8]*filetable.FileTable),
		emptyReceives:           make(map[uint8]int),
		stdinReceived:           make(map[uint8]uint32),
	}
}

func (h *Handler) tableFor(pid uint8) *filetable.FileTable {
	ft, ok := h.tables[pid]
	if !ok {
		ft = filetable.NewStd(h.Stdin, h.Stdout, h.Stderr)
		h.tables[pid] = ft
	}
	return ft
}

// HandleSyscall implements scheduler.SyscallHandler: it reads the selector
// and arguments out of the process's virtualized GPRs, performs the call,
// writes EAX, and reports the process's resulting execution status.
func (h *Handler) HandleSyscall(proc *process.Process) (process.ExecStatus, error) {
	sel := abi.SyscallSelector(proc.Regs.EAX)
	if !sel.Valid() {
		proc.Regs.EAX = abi.ENOSYS
		return process.ExecReady, nil
	}

	var errno uint32
	var exec = process.ExecReady

	switch sel {
	case abi.SysTerminate:
		errno = h.terminate(proc)
	case abi.SysTransmit:
		errno = h.transmit(proc)
	case abi.SysReceive:
		errno = h.receive(proc)
	case abi.SysFDWait:
		errno = h.fdwait(proc)
	case abi.SysAllocate:
		errno = h.allocate(proc)
	case abi.SysDeallocate:
		errno = h.deallocate(proc)
	case abi.SysRandom:
		errno = h.random(proc)
	}

	if h.Trace {
		fmt.Fprintf(h.Stderr, "[pid %d] %s(ebx=0x%x ecx=0x%x edx=0x%x esi=0x%x) = %d\n",
			proc.PID, sel, proc.Regs.EBX, proc.Regs.ECX, proc.Regs.EDX, proc.Regs.ESI, errno)
	}

	proc.Regs.EAX = errno
	return exec, nil
}

func (h *Handler) terminate(proc *process.Process) uint32 {
	proc.Status = process.StatusDone
	if h.Snapshot != nil {
		// Best-effort: a snapshot failure doesn't change the guest's own
		// observable exit status.
		_ = h.Snapshot.WriteSnapshot(proc)
	}
	return 0
}

// transmit(fd, buf, count, tx_bytes) writes count bytes from the guest
// buffer at buf to fd, storing the number actually written at tx_bytes.
func (h *Handler) transmit(proc *process.Process) uint32 {
	fd := int(proc.Regs.EBX)
	bufAddr := abi.Addr32(proc.Regs.ECX)
	count := proc.Regs.EDX
	txBytesAddr := abi.Addr32(proc.Regs.ESI)

	ft := h.tableFor(proc.PID)
	f, ok := ft.Get(fd)
	if !ok {
		return abi.EBADF
	}

	data, ok := proc.TryRead(bufAddr, int(count))
	if !ok {
		return abi.EFAULT
	}

	n, err := f.Write(data)
	if err != nil {
		return abi.EPIPE
	}

	if !writeU32(proc, txBytesAddr, uint32(n)) {
		return abi.EFAULT
	}
	return 0
}

// receive(fd, buf, count, rx_bytes) reads up to count bytes from fd into
// the guest buffer at buf, storing the number actually read at rx_bytes.
// kMaxTrailingEmptyReceives consecutive zero-byte reads resolve the
// original's end-of-input ambiguity by synthesizing termination, since a
// replayed input that has truly run dry will otherwise spin the guest (and
// this scheduler) on receive() forever.
func (h *Handler) receive(proc *process.Process) uint32 {
	fd := int(proc.Regs.EBX)
	bufAddr := abi.Addr32(proc.Regs.ECX)
	count := proc.Regs.EDX
	rxBytesAddr := abi.Addr32(proc.Regs.ESI)

	ft := h.tableFor(proc.PID)
	f, ok := ft.Get(fd)
	if !ok {
		return abi.EBADF
	}

	buf := make([]byte, count)
	n, err := f.Read(buf)
	if err != nil {
		return abi.EPIPE
	}

	if fd == 0 && h.SnapshotBeforeInputByte >= 0 && h.Snapshot != nil {
		before := h.stdinReceived[proc.PID]
		threshold := uint32(h.SnapshotBeforeInputByte)
		if before < threshold && threshold <= before+uint32(n) {
			h.Snapshot.WriteSnapshot(proc)
		}
		h.stdinReceived[proc.PID] = before + uint32(n)
	}

	if n == 0 {
		h.emptyReceives[proc.PID]++
		if h.emptyReceives[proc.PID] >= abi.MaxTrailingEmptyReceives {
			proc.Status = process.StatusDone
		}
	} else {
		h.emptyReceives[proc.PID] = 0
	}

	if n > 0 && !proc.TryWrite(bufAddr, buf[:n]) {
		return abi.EFAULT
	}
	if !writeU32(proc, rxBytesAddr, uint32(n)) {
		return abi.EFAULT
	}
	return 0
}

// fdwait(nfds, readfds, writefds, timeout, readyfds) is simplified from the
// original's real select()-style multiplexing: every requested descriptor
// is reported ready immediately. This exercise's File implementations never
// genuinely block (a std-stream read blocks the single scheduler thread
// directly and a ring-buffer read/write always returns instantly, full or
// not), so there is no pending-readiness state to actually multiplex over;
// the schedule-delay-counter/timeout path described in spec.md has no
// observable effect with no descriptor ever reporting not-ready.
func (h *Handler) fdwait(proc *process.Process) uint32 {
	nfds := proc.Regs.EBX
	readyFdsAddr := abi.Addr32(proc.Regs.EDI)
	if !writeU32(proc, readyFdsAddr, nfds) {
		return abi.EFAULT
	}
	return 0
}

// allocate(length, is_executable, addr) reserves length bytes (rounded up
// to whole pages) of fresh guest memory, writing its base address to addr.
// An executable request is realized as the guestmem RX state (readable and
// executable, not writable); a self-modifying guest that later writes to
// it triggers the RX->RW transition the fault handler and translator's
// cache-invalidation path already expect (internal/guestmem.
// TryMakeWritable), so dropping true simultaneous RWX costs nothing this
// system's fault model doesn't already handle.
func (h *Handler) allocate(proc *process.Process) uint32 {
	length := proc.Regs.EBX
	executable := proc.Regs.ECX != 0
	addrPtr := abi.Addr32(proc.Regs.EDX)

	if length == 0 {
		return abi.EINVAL
	}
	pages := abi.AlignUp(length) / abi.PageSize

	base, ok := proc.Mem.Allocate(pages)
	if !ok {
		return abi.ENOMEM
	}
	if !proc.Mem.TryLazyMap(base) {
		return abi.ENOMEM
	}
	if executable && !proc.Mem.TryMakeExecutable(base) {
		return abi.ENOMEM
	}

	if !writeU32(proc, addrPtr, uint32(base)) {
		return abi.EFAULT
	}
	return 0
}

// deallocate(addr, length) releases a previously allocated range; an
// unaligned address or a range overlapping abi.MagicPageBase is EINVAL,
// mirroring the original's special-cased magic page that backs DECREE's
// secret/random seed delivery and can never be unmapped.
func (h *Handler) deallocate(proc *process.Process) uint32 {
	addr := abi.Addr32(proc.Regs.EBX)
	length := proc.Regs.ECX

	if !abi.IsPageAligned(uint32(addr)) {
		return abi.EINVAL
	}
	pages := abi.AlignUp(length) / abi.PageSize
	end := abi.Addr32(uint32(addr) + pages*abi.PageSize)
	if addr <= abi.MagicPageBase && abi.MagicPageBase < end {
		return abi.EINVAL
	}

	if err := proc.Mem.Deallocate(addr, pages); err != nil {
		return abi.EINVAL
	}
	return 0
}

// random(buf, count, rnd_bytes) fills count guest bytes with randomness,
// storing how many bytes were actually generated at rnd_bytes.
func (h *Handler) random(proc *process.Process) uint32 {
	bufAddr := abi.Addr32(proc.Regs.EBX)
	count := proc.Regs.ECX
	rndBytesAddr := abi.Addr32(proc.Regs.EDX)

	buf := make([]byte, count)
	if _, err := rand.Read(buf); err != nil {
		return abi.ENOSYS
	}
	if !proc.TryWrite(bufAddr, buf) {
		return abi.EFAULT
	}
	if !writeU32(proc, rndBytesAddr, count) {
		return abi.EFAULT
	}
	return 0
}

func writeU32(proc *process.Process, addr abi.Addr32, v uint32) bool {
	var b [4]byte
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return proc.TryWrite(addr, b[:])
}
