package guestmem

import "unsafe"

// unsafePointer extracts the base pointer of a just-mmap'd slice.
func unsafePointer(b []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b))
}

// unsafeSlice reinterprets a raw host address and length as a byte slice,
// used only to hand golang.org/x/sys/unix.Mprotect/Munmap the []byte view
// they require over memory this package obtained via direct mmap.
func unsafeSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
