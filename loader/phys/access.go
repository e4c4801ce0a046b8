package phys

import "github.com/aejsmith/kboot-sub001/loader"

// AccessFn maps size bytes of physical memory starting at addr into the
// loader's own address space and returns them as a byte slice. On real
// platforms this is backed by the loader's identity (or fixed-offset)
// mapping of physical memory; tests back it with plain buffers.
type AccessFn func(addr, size uint64) []byte

var (
	// accessFn is the registered physical access function. It is set by
	// the platform entry code before any page tables are built.
	accessFn AccessFn

	errNoAccessFn = &loader.Error{Module: "phys", Message: "no physical access function registered"}
)

// SetAccessFn registers the physical memory access function used by the MMU
// code to write page tables and kernel data into allocated physical pages.
func SetAccessFn(fn AccessFn) {
	accessFn = fn
}

// Access returns the loader-visible bytes of the physical range
// [addr, addr+size). Calling it before SetAccessFn is an internal error.
func Access(addr, size uint64) []byte {
	if accessFn == nil {
		loader.Crash(errNoAccessFn)
	}
	return accessFn(addr, size)
}
