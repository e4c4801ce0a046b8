package mmu

import (
	"github.com/aejsmith/kboot-sub001/loader"
	"github.com/aejsmith/kboot-sub001/loader/phys"
)

// x86-64 page-table entry flags and masks. Bits 12-51 of an entry hold the
// physical page address.
const (
	x86EntryPresent = uint64(1) << 0
	x86EntryWrite   = uint64(1) << 1
	x86EntryLarge   = uint64(1) << 7

	x86PhysMask = uint64(0x000ffffffffff000)

	// x86LargeSize is the mapping granularity of a PD-level large page.
	x86LargeSize = uint64(2) << 20

	x86PageLevels = 4
)

var (
	errX86Mode        = &loader.Error{Module: "mmu", Message: "x86 context only supports 64-bit mode"}
	errX86InvalidAddr = &loader.Error{Module: "mmu", Message: "address range is not canonical"}
	errX86InvalidArgs = &loader.Error{Module: "mmu", Message: "addresses and size must be page aligned"}
	errX86NotMapped   = &loader.Error{Module: "mmu", Message: "address is not mapped in target context"}
)

// AMD64Context builds a 4-level x86-64 (long mode) page-table hierarchy.
// The zero value is not usable; create contexts with NewAMD64Context.
type AMD64Context struct {
	mp       *phys.Map
	physKind phys.RangeKind

	// pml4 is the physical address of the root table, loaded into CR3 by
	// the entry trampoline.
	pml4 uint64
}

// NewAMD64Context creates an x86-64 MMU context. Table pages are allocated
// from mp and recorded with the supplied range kind so the booted kernel can
// locate (and potentially reclaim) its own tables from the memory tags.
func NewAMD64Context(mode Mode, mp *phys.Map, physKind phys.RangeKind) (*AMD64Context, *loader.Error) {
	if mode != Mode64 {
		return nil, errX86Mode
	}

	return &AMD64Context{
		mp:       mp,
		physKind: physKind,
		pml4:     allocTable(mp, physKind),
	}, nil
}

// Root returns the physical address of the PML4.
func (c *AMD64Context) Root() uint64 {
	return c.pml4
}

// IsValidAddr reports whether addr is canonical: bits 63-47 must all equal
// bit 47.
func (c *AMD64Context) IsValidAddr(addr uint64) bool {
	top := addr >> 47
	return top == 0 || top == 0x1ffff
}

// IsKernelAddr reports whether addr lies in the canonical high half.
func (c *AMD64Context) IsKernelAddr(addr uint64) bool {
	return addr>>47 == 0x1ffff
}

// levelIndex extracts the table index for the given level (0 = PML4).
func x86LevelIndex(virt uint64, level int) uint64 {
	return (virt >> uint(39-level*9)) & (TableEntries - 1)
}

// getTable walks to the table at the given depth covering virt, allocating
// and linking missing intermediate tables on the way. It returns the
// physical address of the table.
func (c *AMD64Context) getTable(virt uint64, depth int) uint64 {
	table := c.pml4
	for level := 0; level < depth; level++ {
		idx := x86LevelIndex(virt, level)
		entry := readEntry(table, idx)
		if entry&x86EntryPresent == 0 {
			next := allocTable(c.mp, c.physKind)
			writeEntry(table, idx, (next&x86PhysMask)|x86EntryPresent|x86EntryWrite)
			table = next
			continue
		}
		table = entry & x86PhysMask
	}
	return table
}

// checkRange validates a mapping request against long-mode addressing
// rules: both ends canonical and in the same half, and the physical range
// representable in a table entry.
func (c *AMD64Context) checkRange(virt, physAddr, size uint64) *loader.Error {
	if size == 0 || virt%phys.PageSize != 0 || physAddr%phys.PageSize != 0 || size%phys.PageSize != 0 {
		return errX86InvalidArgs
	}

	last := virt + size - 1
	if last < virt || !c.IsValidAddr(virt) || !c.IsValidAddr(last) || c.IsKernelAddr(virt) != c.IsKernelAddr(last) {
		return errX86InvalidAddr
	}

	if physAddr+size-1 > x86PhysMask|0xfff {
		return errX86InvalidAddr
	}

	return nil
}

// Map populates table entries mapping [virt, virt+size) to physAddr. Runs
// that are 2MB aligned are mapped with large pages.
func (c *AMD64Context) Map(virt, physAddr, size uint64) *loader.Error {
	if err := c.checkRange(virt, physAddr, size); err != nil {
		return err
	}

	for size > 0 {
		if virt%x86LargeSize == 0 && physAddr%x86LargeSize == 0 && size >= x86LargeSize {
			pd := c.getTable(virt, 2)
			writeEntry(pd, x86LevelIndex(virt, 2), (physAddr&x86PhysMask)|x86EntryPresent|x86EntryWrite|x86EntryLarge)
			virt, physAddr, size = virt+x86LargeSize, physAddr+x86LargeSize, size-x86LargeSize
			continue
		}

		pt := c.getTable(virt, 3)
		writeEntry(pt, x86LevelIndex(virt, 3), (physAddr&x86PhysMask)|x86EntryPresent|x86EntryWrite)
		virt, physAddr, size = virt+phys.PageSize, physAddr+phys.PageSize, size-phys.PageSize
	}

	return nil
}

// RootEntryPresent reports whether PML4 entry idx is populated.
func (c *AMD64Context) RootEntryPresent(idx uint64) bool {
	return readEntry(c.pml4, idx)&x86EntryPresent != 0
}

// MapRecursive points PML4 entry idx back at the PML4 itself, giving the
// booted kernel access to its own page tables through ordinary virtual
// addresses.
func (c *AMD64Context) MapRecursive(idx uint64) {
	writeEntry(c.pml4, idx, (c.pml4&x86PhysMask)|x86EntryPresent|x86EntryWrite)
}

// translate resolves virt to a physical address through the being-built
// tables.
func (c *AMD64Context) translate(virt uint64) (uint64, *loader.Error) {
	if !c.IsValidAddr(virt) {
		return 0, errX86InvalidAddr
	}

	table := c.pml4
	for level := 0; level < x86PageLevels; level++ {
		entry := readEntry(table, x86LevelIndex(virt, level))
		if entry&x86EntryPresent == 0 {
			return 0, errX86NotMapped
		}

		if level == 2 && entry&x86EntryLarge != 0 {
			return (entry & x86PhysMask &^ (x86LargeSize - 1)) + virt%x86LargeSize, nil
		}
		if level == x86PageLevels-1 {
			return (entry & x86PhysMask) + virt%phys.PageSize, nil
		}

		table = entry & x86PhysMask
	}

	return 0, errX86NotMapped
}

// eachPage invokes fn for each physical chunk backing [virt, virt+size),
// honouring page boundaries.
func (c *AMD64Context) eachPage(virt, size uint64, fn func(physAddr, chunk uint64)) *loader.Error {
	for size > 0 {
		physAddr, err := c.translate(virt)
		if err != nil {
			return err
		}

		chunk := phys.PageSize - virt%phys.PageSize
		if chunk > size {
			chunk = size
		}

		fn(physAddr, chunk)
		virt, size = virt+chunk, size-chunk
	}
	return nil
}

// Memset writes size copies of value at virt in the target address space.
func (c *AMD64Context) Memset(virt uint64, value byte, size uint64) *loader.Error {
	return c.eachPage(virt, size, func(physAddr, chunk uint64) {
		region := phys.Access(physAddr, chunk)
		for i := range region {
			region[i] = value
		}
	})
}

// CopyTo copies data into the target address space at virt.
func (c *AMD64Context) CopyTo(virt uint64, data []byte) *loader.Error {
	return c.eachPage(virt, uint64(len(data)), func(physAddr, chunk uint64) {
		copy(phys.Access(physAddr, chunk), data[:chunk])
		data = data[chunk:]
	})
}

// CopyFrom copies len(buf) bytes out of the target address space at virt.
func (c *AMD64Context) CopyFrom(buf []byte, virt uint64) *loader.Error {
	return c.eachPage(virt, uint64(len(buf)), func(physAddr, chunk uint64) {
		copy(buf[:chunk], phys.Access(physAddr, chunk))
		buf = buf[chunk:]
	})
}
