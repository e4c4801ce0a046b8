// Package virt lays out a target kernel's virtual address space before any
// of its page tables exist. A Space tracks one contiguous span as an ordered
// list of free and allocated regions; the list always covers the whole span
// with no gaps and no overlaps, so every address in the span belongs to
// exactly one region at all times. Regions are only ever carved up, never
// merged back: reservations are one-directional for the lifetime of a boot
// attempt and the allocator is discarded once the page tables are populated.
package virt

import (
	"github.com/aejsmith/kboot-sub001/loader"
	"github.com/aejsmith/kboot-sub001/loader/phys"
)

// Region describes one interval of a Space. A Size of zero denotes a region
// covering the entire 64-bit address space (the size wraps).
type Region struct {
	Start     uint64
	Size      uint64
	Allocated bool
}

// region is the internal representation, using the inclusive last byte
// address so that spans reaching the top of the address space need no
// special casing.
type region struct {
	start, last uint64
	allocated   bool
}

// Space is a virtual address-space allocator over [start, start+size).
type Space struct {
	start, last uint64
	regions     []region
}

var (
	errSpaceArgs = &loader.Error{Module: "virt", Message: "address space start/size not page aligned"}
	errAllocArgs = &loader.Error{Module: "virt", Message: "allocation size/alignment not page multiples"}
)

// NewSpace creates an allocator covering [start, start+size). Both values
// must be page aligned; passing zero for both covers the entire 64-bit
// address space. The whole span starts out free.
func NewSpace(start, size uint64) *Space {
	if start%phys.PageSize != 0 || size%phys.PageSize != 0 {
		loader.Crash(errSpaceArgs)
	}

	var last uint64
	if start == 0 && size == 0 {
		last = ^uint64(0)
	} else {
		last = start + size - 1
	}

	return &Space{
		start:   start,
		last:    last,
		regions: []region{{start: start, last: last}},
	}
}

// Regions returns the current region list.
func (s *Space) Regions() []Region {
	out := make([]Region, len(s.regions))
	for i, r := range s.regions {
		out[i] = Region{Start: r.start, Size: r.last - r.start + 1, Allocated: r.allocated}
	}
	return out
}

// Alloc allocates size bytes with the given alignment at the lowest suitable
// address. size must be a non-zero page multiple; align defaults to the page
// size when zero and must be a page-multiple power of two. Alloc reports
// failure when no free region can satisfy the request; the caller decides
// whether that is fatal.
func (s *Space) Alloc(size, align uint64) (uint64, bool) {
	if size == 0 || size%phys.PageSize != 0 || align%phys.PageSize != 0 || align&(align-1) != 0 {
		loader.Crash(errAllocArgs)
	}
	if align == 0 {
		align = phys.PageSize
	}

	for _, r := range s.regions {
		if r.allocated {
			continue
		}

		addr := (r.start + align - 1) &^ (align - 1)
		if addr < r.start {
			// Alignment pushed the address past the top of the
			// address space.
			continue
		}
		if addr > r.last || r.last-addr < size-1 {
			continue
		}

		s.carve(addr, addr+size-1)
		return addr, true
	}

	return 0, false
}

// Insert allocates [addr, addr+size) at the caller-chosen address, used when
// an image mandates a fixed load address. It reports failure without
// modifying the space when any part of the requested span lies outside it or
// conflicts with an existing allocation.
func (s *Space) Insert(addr, size uint64) bool {
	if size == 0 || addr%phys.PageSize != 0 || size%phys.PageSize != 0 {
		loader.Crash(errAllocArgs)
	}

	last := addr + size - 1
	if addr < s.start || last > s.last || last < addr {
		return false
	}

	for _, r := range s.regions {
		if r.allocated && r.start <= last && addr <= r.last {
			return false
		}
	}

	s.carve(addr, last)
	return true
}

// Reserve unconditionally marks [addr, addr+size) as allocated, clamping the
// range to the allocator's span. It is used to blacklist addresses claimed
// outside the allocator's control, e.g. by explicit virtual mappings in the
// kernel image.
func (s *Space) Reserve(addr, size uint64) {
	if size == 0 {
		return
	}

	last := addr + size - 1
	if last < addr {
		last = ^uint64(0)
	}

	if addr < s.start {
		addr = s.start
	}
	if last > s.last {
		last = s.last
	}
	if addr > last || addr > s.last || last < s.start {
		return
	}

	s.carve(addr, last)
}

// carve rewrites the region list so that [addr, last] is a single allocated
// region, splitting any regions that extend past either edge. Total coverage
// of the span is preserved by construction.
func (s *Space) carve(addr, last uint64) {
	out := make([]region, 0, len(s.regions)+2)
	inserted := false

	for _, r := range s.regions {
		if r.last < addr || r.start > last {
			out = append(out, r)
			continue
		}

		if r.start < addr {
			out = append(out, region{start: r.start, last: addr - 1, allocated: r.allocated})
		}

		if !inserted {
			out = append(out, region{start: addr, last: last, allocated: true})
			inserted = true
		}

		if r.last > last {
			out = append(out, region{start: last + 1, last: r.last, allocated: r.allocated})
		}
	}

	s.regions = out
}
