package mmu

import (
	"github.com/aejsmith/kboot-sub001/loader"
	"github.com/aejsmith/kboot-sub001/loader/phys"
)

// ARM64 translation table descriptor bits (4K granule, 48-bit addresses).
// Bits 47-12 of a descriptor hold the output address. A descriptor at levels
// 0-2 with bit 1 set points to the next-level table; at level 3 bit 1 must
// be set for a page descriptor. Leaf descriptors need the access flag or the
// first touch faults.
const (
	armEntryValid = uint64(1) << 0
	armEntryTable = uint64(1) << 1
	armEntryPage  = uint64(1) << 1
	armEntryAF    = uint64(1) << 10

	armPhysMask = uint64(0x0000fffffffff000)

	// armBlockSize is the mapping granularity of a level-2 block
	// descriptor.
	armBlockSize = uint64(2) << 20

	armPageLevels = 4

	// armLowerTop and armUpperBottom bound the two halves of the address
	// space translated through TTL0Lo and TTL0Hi respectively.
	armLowerTop    = uint64(0x0000ffffffffffff)
	armUpperBottom = uint64(0xffff000000000000)
)

var (
	errArmMode        = &loader.Error{Module: "mmu", Message: "arm64 context only supports 64-bit mode"}
	errArmInvalidAddr = &loader.Error{Module: "mmu", Message: "address range outside translatable halves"}
	errArmInvalidArgs = &loader.Error{Module: "mmu", Message: "addresses and size must be page aligned"}
	errArmNotMapped   = &loader.Error{Module: "mmu", Message: "address is not mapped in target context"}
)

// ARM64Context builds the translation tables for an AArch64 EL1 address
// space: one TTL0 for the TTBR0 (low) half and one for the TTBR1 (high)
// half.
type ARM64Context struct {
	mp       *phys.Map
	physKind phys.RangeKind

	ttl0Lo uint64
	ttl0Hi uint64
}

// NewARM64Context creates an ARM64 MMU context. Both root tables are
// allocated from mp with the supplied range kind.
func NewARM64Context(mode Mode, mp *phys.Map, physKind phys.RangeKind) (*ARM64Context, *loader.Error) {
	if mode != Mode64 {
		return nil, errArmMode
	}

	return &ARM64Context{
		mp:       mp,
		physKind: physKind,
		ttl0Lo:   allocTable(mp, physKind),
		ttl0Hi:   allocTable(mp, physKind),
	}, nil
}

// Root returns the physical address of the high-half root table, which the
// trampoline loads into TTBR1_EL1.
func (c *ARM64Context) Root() uint64 {
	return c.ttl0Hi
}

// LowRoot returns the physical address of the low-half root table, which
// the trampoline loads into TTBR0_EL1.
func (c *ARM64Context) LowRoot() uint64 {
	return c.ttl0Lo
}

// IsValidAddr reports whether addr falls inside either translatable half:
// the top 16 bits must be all zeroes or all ones.
func (c *ARM64Context) IsValidAddr(addr uint64) bool {
	return addr <= armLowerTop || addr >= armUpperBottom
}

// IsKernelAddr reports whether addr lies in the TTBR1 (high) half.
func (c *ARM64Context) IsKernelAddr(addr uint64) bool {
	return addr >= armUpperBottom
}

// root selects the root table translating addr.
func (c *ARM64Context) root(addr uint64) uint64 {
	if c.IsKernelAddr(addr) {
		return c.ttl0Hi
	}
	return c.ttl0Lo
}

func armLevelIndex(virt uint64, level int) uint64 {
	return (virt >> uint(39-level*9)) & (TableEntries - 1)
}

// getTable walks to the table at the given depth covering virt, allocating
// and linking missing intermediate tables on the way.
func (c *ARM64Context) getTable(virt uint64, depth int) uint64 {
	table := c.root(virt)
	for level := 0; level < depth; level++ {
		idx := armLevelIndex(virt, level)
		entry := readEntry(table, idx)
		if entry&armEntryValid == 0 {
			next := allocTable(c.mp, c.physKind)
			writeEntry(table, idx, (next&armPhysMask)|armEntryValid|armEntryTable)
			table = next
			continue
		}
		table = entry & armPhysMask
	}
	return table
}

func (c *ARM64Context) checkRange(virt, physAddr, size uint64) *loader.Error {
	if size == 0 || virt%phys.PageSize != 0 || physAddr%phys.PageSize != 0 || size%phys.PageSize != 0 {
		return errArmInvalidArgs
	}

	last := virt + size - 1
	if last < virt || !c.IsValidAddr(virt) || !c.IsValidAddr(last) || c.IsKernelAddr(virt) != c.IsKernelAddr(last) {
		return errArmInvalidAddr
	}

	if physAddr+size-1 > armPhysMask|0xfff {
		return errArmInvalidAddr
	}

	return nil
}

// Map populates table entries mapping [virt, virt+size) to physAddr. Runs
// that are 2MB aligned are mapped with level-2 block descriptors.
func (c *ARM64Context) Map(virt, physAddr, size uint64) *loader.Error {
	if err := c.checkRange(virt, physAddr, size); err != nil {
		return err
	}

	for size > 0 {
		if virt%armBlockSize == 0 && physAddr%armBlockSize == 0 && size >= armBlockSize {
			ttl2 := c.getTable(virt, 2)
			writeEntry(ttl2, armLevelIndex(virt, 2), (physAddr&armPhysMask)|armEntryValid|armEntryAF)
			virt, physAddr, size = virt+armBlockSize, physAddr+armBlockSize, size-armBlockSize
			continue
		}

		ttl3 := c.getTable(virt, 3)
		writeEntry(ttl3, armLevelIndex(virt, 3), (physAddr&armPhysMask)|armEntryValid|armEntryPage|armEntryAF)
		virt, physAddr, size = virt+phys.PageSize, physAddr+phys.PageSize, size-phys.PageSize
	}

	return nil
}

// translate resolves virt to a physical address through the being-built
// tables.
func (c *ARM64Context) translate(virt uint64) (uint64, *loader.Error) {
	if !c.IsValidAddr(virt) {
		return 0, errArmInvalidAddr
	}

	table := c.root(virt)
	for level := 0; level < armPageLevels; level++ {
		entry := readEntry(table, armLevelIndex(virt, level))
		if entry&armEntryValid == 0 {
			return 0, errArmNotMapped
		}

		if level == 2 && entry&armEntryTable == 0 {
			return (entry & armPhysMask &^ (armBlockSize - 1)) + virt%armBlockSize, nil
		}
		if level == armPageLevels-1 {
			return (entry & armPhysMask) + virt%phys.PageSize, nil
		}

		table = entry & armPhysMask
	}

	return 0, errArmNotMapped
}

func (c *ARM64Context) eachPage(virt, size uint64, fn func(physAddr, chunk uint64)) *loader.Error {
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
func (c *ARM64Context) Memset(virt uint64, value byte, size uint64) *loader.Error {
	return c.eachPage(virt, size, func(physAddr, chunk uint64) {
		region := phys.Access(physAddr, chunk)
		for i := range region {
			region[i] = value
		}
	})
}

// CopyTo copies data into the target address space at virt.
func (c *ARM64Context) CopyTo(virt uint64, data []byte) *loader.Error {
	return c.eachPage(virt, uint64(len(data)), func(physAddr, chunk uint64) {
		copy(phys.Access(physAddr, chunk), data[:chunk])
		data = data[chunk:]
	})
}

// CopyFrom copies len(buf) bytes out of the target address space at virt.
func (c *ARM64Context) CopyFrom(buf []byte, virt uint64) *loader.Error {
	return c.eachPage(virt, uint64(len(buf)), func(physAddr, chunk uint64) {
		copy(buf[:chunk], phys.Access(physAddr, chunk))
		buf = buf[chunk:]
	})
}
