package process

import (
	"unsafe"

	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/guestmem"
)

// TryRead reads n bytes from guest address addr, returning ok=false
// instead of faulting if any byte of the range falls outside a currently
// readable mapping. Unlike the original's sigsetjmp-based TryRead, this
// consults the page-range table directly rather than attempting the access
// and recovering from a hardware fault -- the table is authoritative here
// because every mapping change in this package goes through
// guestmem.GuestMemory, so a direct range check can never be stale. No
// SIGSEGV handler is installed: a hardware fault raised by translated guest
// code during in-cache execution is not caught.
func (p *Process) TryRead(addr abi.Addr32, n int) ([]byte, bool) {
	if !p.rangeAccessible(addr, n, false) {
		return nil, false
	}
	host := p.Mem.HostAddr(addr)
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(host))), n), true
}

// TryReadBytes adapts TryRead to block.Reader.
func (p *Process) TryReadBytes(addr abi.Addr32, n int) ([]byte, bool) {
	buf, ok := p.TryRead(addr, n)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, true
}

// TryWrite writes data to guest address addr, returning ok=false if any
// byte of the range falls outside a currently writable mapping.
func (p *Process) TryWrite(addr abi.Addr32, data []byte) bool {
	if !p.rangeAccessible(addr, len(data), true) {
		return false
	}
	host := p.Mem.HostAddr(addr)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(host))), len(data))
	copy(dst, data)
	return true
}

func (p *Process) rangeAccessible(addr abi.Addr32, n int, forWrite bool) bool {
	if n == 0 {
		return true
	}
	end := uint64(addr) + uint64(n)
	for cur := uint64(abi.AlignDown(uint32(addr))); cur < end; cur += abi.PageSize {
		r, ok := p.Mem.Find(abi.Addr32(cur))
		if !ok {
			return false
		}
		switch r.State {
		case guestmem.StateRW:
			// always readable and writable
		case guestmem.StateRX:
			if forWrite {
				return false
			}
		default: // StateLazy, StateUnmapped
			return false
		}
	}
	return true
}
