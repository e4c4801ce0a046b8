package phys

import "github.com/aejsmith/kboot-sub001/loader"

const (
	// PageShift is log2(PageSize). Both supported architectures use 4K
	// pages for loader allocations.
	PageShift = 12

	// PageSize is the allocation granularity of the physical allocator.
	PageSize = uint64(1) << PageShift
)

// AllocFlag alters the behaviour of Alloc.
type AllocFlag uint32

const (
	// AllocHigh places the allocation at the highest usable address
	// inside the requested window instead of the lowest.
	AllocHigh AllocFlag = 1 << iota

	// AllocCanFail makes allocation failure recoverable: Alloc reports
	// failure to the caller instead of treating it as fatal. Without it
	// exhaustion halts the loader, since nothing can be freed mid-boot to
	// make room.
	AllocCanFail
)

var (
	errAllocNoMemory = &loader.Error{Module: "phys", Message: "insufficient memory for allocation"}
	errAllocArgs     = &loader.Error{Module: "phys", Message: "allocation size/alignment not page multiples"}
	errBadFree       = &loader.Error{Module: "phys", Message: "free of memory that is not allocated"}
)

// Alloc allocates size bytes of physical memory with the given alignment
// inside the window [minAddr, maxAddr]. size and align must be multiples of
// the page size; align defaults to the page size when zero, and maxAddr
// defaults to the top of the physical address space when zero. The allocated
// range is recorded in the map with the supplied kind.
//
// The boolean result is false only when the request cannot be satisfied and
// flags contains AllocCanFail; any other failure is fatal.
func (m *Map) Alloc(size, align, minAddr, maxAddr uint64, kind RangeKind, flags AllocFlag) (uint64, bool) {
	if size == 0 || size%PageSize != 0 || align%PageSize != 0 {
		loader.Crash(errAllocArgs)
	}
	if align == 0 {
		align = PageSize
	}
	if maxAddr == 0 {
		maxAddr = ^uint64(0)
	}

	if flags&AllocHigh != 0 {
		for i := len(m.ranges) - 1; i >= 0; i-- {
			if addr, ok := m.fitRange(m.ranges[i], size, align, minAddr, maxAddr, true); ok {
				m.Insert(addr, size, kind)
				return addr, true
			}
		}
	} else {
		for _, r := range m.ranges {
			if addr, ok := m.fitRange(r, size, align, minAddr, maxAddr, false); ok {
				m.Insert(addr, size, kind)
				return addr, true
			}
		}
	}

	if flags&AllocCanFail == 0 {
		loader.Crash(errAllocNoMemory)
	}
	return 0, false
}

// fitRange computes the lowest (or highest) aligned start inside r that
// satisfies the size and window constraints.
func (m *Map) fitRange(r Range, size, align, minAddr, maxAddr uint64, high bool) (uint64, bool) {
	if r.Kind != KindFree {
		return 0, false
	}

	start, last := r.Start, r.last()
	if start < minAddr {
		start = minAddr
	}
	if last > maxAddr {
		last = maxAddr
	}
	if start > last || last-start+1 < size {
		return 0, false
	}

	if high {
		addr := (last - size + 1) &^ (align - 1)
		if addr < start {
			return 0, false
		}
		return addr, true
	}

	addr := (start + align - 1) &^ (align - 1)
	if addr < start || addr > last || last-addr+1 < size {
		return 0, false
	}
	return addr, true
}

// Free returns an allocated range to the free pool. The range must lie
// wholly within a single non-free range, previously handed out by Alloc or
// recorded via Insert; freeing anything else is an internal error. Exact
// bounds are not required since adjacent same-kind allocations coalesce in
// the range list.
func (m *Map) Free(addr, size uint64) {
	if size == 0 || addr%PageSize != 0 || size%PageSize != 0 {
		loader.Crash(errBadFree)
	}

	last := addr + size - 1
	covered := false
	for _, r := range m.ranges {
		if r.Start <= addr && r.last() >= last {
			covered = r.Kind != KindFree
			break
		}
	}
	if !covered {
		loader.Crash(errBadFree)
	}

	m.Insert(addr, size, KindFree)
}
