// Package mmu builds page tables for a target kernel's address space before
// that kernel runs. Each architecture backend implements the same Context
// contract so the boot sequencer can populate and inspect the being-built
// address space without knowing the page-table format. Table pages come from
// the physical allocator and are written through the loader's physical
// access function; the tables being edited are never the loader's own, so a
// context has no active/inactive state.
package mmu

import (
	"encoding/binary"

	"github.com/aejsmith/kboot-sub001/loader"
	"github.com/aejsmith/kboot-sub001/loader/phys"
)

// Mode selects the paging mode a context is built for.
type Mode uint32

const (
	// Mode64 builds a 64-bit address space (long mode / AArch64).
	Mode64 Mode = iota

	// Mode32 identifies a 32-bit kernel image. Neither backend builds
	// 32-bit table formats; loaders negotiate the mode before creating a
	// context and reject images this core cannot serve.
	Mode32
)

// Context is the architecture-neutral page-table builder contract.
//
// Map and the byte-access operations return boot errors for requests that
// violate the architecture's address-space rules; callers promote these to
// load failures. Exhaustion of the physical allocator while populating
// intermediate tables is fatal, not returned.
type Context interface {
	// Map populates page-table entries covering [virt, virt+size),
	// mapping them to [phys, phys+size). All three values must be page
	// aligned.
	Map(virt, physAddr, size uint64) *loader.Error

	// Memset writes size copies of value at virt in the target address
	// space, resolving physical pages through the being-built tables.
	Memset(virt uint64, value byte, size uint64) *loader.Error

	// CopyTo copies data into the target address space at virt.
	CopyTo(virt uint64, data []byte) *loader.Error

	// CopyFrom copies len(buf) bytes out of the target address space at
	// virt.
	CopyFrom(buf []byte, virt uint64) *loader.Error

	// IsValidAddr reports whether addr is a valid virtual address for
	// the context's architecture and mode.
	IsValidAddr(addr uint64) bool

	// IsKernelAddr reports whether addr lies in the architecture's
	// kernel (high) half.
	IsKernelAddr(addr uint64) bool

	// Root returns the physical address of the context's primary root
	// table (PML4 for x86-64, TTL0 of the high half for ARM64).
	Root() uint64
}

const (
	// entrySize is the size in bytes of a page-table entry. Both
	// supported formats use 64-bit entries.
	entrySize = 8

	// TableEntries is the number of entries in one table page. Exported so
	// protocol loaders can scan root-table slots.
	TableEntries = phys.PageSize / entrySize
)

// readEntry returns entry idx of the table page at physical address table.
func readEntry(table uint64, idx uint64) uint64 {
	page := phys.Access(table, phys.PageSize)
	return binary.LittleEndian.Uint64(page[idx*entrySize:])
}

// writeEntry stores entry idx of the table page at physical address table.
func writeEntry(table uint64, idx uint64, entry uint64) {
	page := phys.Access(table, phys.PageSize)
	binary.LittleEndian.PutUint64(page[idx*entrySize:], entry)
}

// allocTable allocates and zeroes one page-table page of the given kind.
func allocTable(mp *phys.Map, kind phys.RangeKind) uint64 {
	addr, _ := mp.Alloc(phys.PageSize, 0, 0, 0, kind, 0)

	page := phys.Access(addr, phys.PageSize)
	for i := range page {
		page[i] = 0
	}

	return addr
}
