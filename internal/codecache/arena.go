package codecache

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Default and growth parameters mirror the teacher's Arena (arena.go):
// start small, grow by 1.3x on overflow, cap total growth so a runaway
// translation loop can't consume unbounded memory.
const (
	defaultArenaSize = 16 << 20
	maxArenaSize      = 1 << 30
	growthNumerator   = 13
	growthDenominator = 10
)

// arena is the raw byte store backing translated code, optionally
// persisted to a growable MAP_SHARED file so a later run can reopen the
// same cache. Exercised only through Cache, which adds the
// single-transaction Encode/Commit discipline on top.
type arena struct {
	mem  []byte
	used int
	file *os.File
}

func newArena() (*arena, error) {
	mem, err := unix.Mmap(-1, 0, defaultArenaSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("codecache: arena mmap: %w", err)
	}
	return &arena{mem: mem}, nil
}

// newPersistentArena backs the arena with a file at path, growing it with
// ftruncate as needed and mapping it MAP_SHARED so writes are durable
// without an explicit flush, matching the teacher's HotReloadManager's
// preference for direct mmap'd execution pages (hotreload_unix.go) extended
// here with on-disk persistence.
func newPersistentArena(path string) (*arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("codecache: open persist file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size < defaultArenaSize {
		size = defaultArenaSize
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("codecache: arena mmap file: %w", err)
	}
	return &arena{mem: mem, file: f}, nil
}

// alloc bump-allocates n bytes, growing the arena (by remapping, for the
// anonymous case, or by truncate+remap for the persistent case) if the
// current mapping is exhausted. Returns the byte offset the allocation
// starts at.
func (a *arena) alloc(n int) (int, error) {
	if a.used+n > len(a.mem) {
		if err := a.grow(n); err != nil {
			return 0, err
		}
	}
	off := a.used
	a.used += n
	return off, nil
}

func (a *arena) grow(atLeast int) error {
	newSize := len(a.mem) * growthNumerator / growthDenominator
	if newSize < len(a.mem)+atLeast {
		newSize = len(a.mem) + atLeast
	}
	if newSize > maxArenaSize {
		return fmt.Errorf("codecache: arena would exceed %d bytes", maxArenaSize)
	}

	if a.file == nil {
		newMem, err := unix.Mmap(-1, 0, newSize,
			unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return fmt.Errorf("codecache: arena regrow mmap: %w", err)
		}
		copy(newMem, a.mem)
		unix.Munmap(a.mem)
		a.mem = newMem
		return nil
	}

	if err := a.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("codecache: arena regrow truncate: %w", err)
	}
	unix.Munmap(a.mem)
	newMem, err := unix.Mmap(int(a.file.Fd()), 0, newSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("codecache: arena regrow mmap file: %w", err)
	}
	a.mem = newMem
	return nil
}

// bytesAt returns a slice view of n bytes at offset off, for in-place
// patching (the Patcher rewrites a rel32 field in already-committed code).
func (a *arena) bytesAt(off, n int) []byte {
	return a.mem[off : off+n]
}

// ptrAt returns the live host address of offset off, for handing a code
// offset to the trampoline as a callable entry point. Only valid to take
// immediately before a call; a later grow() remaps the whole arena and
// invalidates any pointer taken before it.
func (a *arena) ptrAt(off int) uintptr {
	return uintptr(unsafe.Pointer(&a.mem[off]))
}

func (a *arena) sync() error {
	if a.file == nil {
		return nil
	}
	return unix.Msync(a.mem, unix.MS_SYNC)
}

func (a *arena) close() error {
	err := unix.Munmap(a.mem)
	if a.file != nil {
		if cerr := a.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
