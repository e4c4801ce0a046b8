// Package phys tracks physical memory as a sorted list of typed,
// non-overlapping ranges and satisfies the loader's physical allocation
// requests against it. One Map instance exists per boot attempt; it is built
// from the firmware memory probe, mutated by every allocation, and a final
// snapshot of it is handed to the booted kernel through the tag list.
package phys

import "github.com/aejsmith/kboot-sub001/loader"

// RangeKind describes the ownership of a physical memory range.
type RangeKind uint32

const (
	// KindFree marks memory available for allocation.
	KindFree RangeKind = iota

	// KindAllocated marks memory allocated to the kernel image or other
	// data that remains in use after the kernel is entered.
	KindAllocated

	// KindReclaimable marks memory holding boot information (tag list,
	// loaded sections) that the kernel may free once it has consumed it.
	KindReclaimable

	// KindPageTables marks memory holding the kernel's page tables.
	KindPageTables

	// KindStack marks memory holding the kernel's boot stack.
	KindStack

	// KindModules marks memory holding loaded kernel modules.
	KindModules

	// KindInternal marks loader scratch memory. It is handed back as free
	// memory when the map is finalized, immediately before kernel entry.
	KindInternal
)

// String implements fmt.Stringer for RangeKind.
func (k RangeKind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindAllocated:
		return "allocated"
	case KindReclaimable:
		return "reclaimable"
	case KindPageTables:
		return "page tables"
	case KindStack:
		return "stack"
	case KindModules:
		return "modules"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Range describes a physical memory range. A range never has zero size, and
// start+size may wrap to zero only when the range extends to the top of the
// 64-bit physical address space.
type Range struct {
	Start uint64
	Size  uint64
	Kind  RangeKind
}

// End returns the exclusive range end. The result wraps to 0 for a range
// that extends to the top of the address space.
func (r Range) End() uint64 {
	return r.Start + r.Size
}

// last returns the address of the final byte covered by the range. Unlike
// End this can never wrap, which makes it safe for overlap comparisons.
func (r Range) last() uint64 {
	return r.Start + r.Size - 1
}

// Map tracks all known physical memory for one boot attempt. The range list
// is kept sorted by start address with no overlaps; adjacent ranges of the
// same kind are merged.
type Map struct {
	ranges    []Range
	finalized bool
}

var (
	errAlreadyFinalized = &loader.Error{Module: "phys", Message: "memory map finalized twice"}
)

// NewMap returns an empty physical memory map. The platform memory probe is
// expected to Insert a free range for each usable RAM region and Remove any
// firmware-reserved areas before the first allocation is made.
func NewMap() *Map {
	return &Map{}
}

// Ranges returns the live range list. The returned slice must not be
// mutated; use Snapshot for a stable copy.
func (m *Map) Ranges() []Range {
	return m.ranges
}

// Insert adds a range of the given kind, unconditionally overwriting any
// existing coverage of [start, start+size). Existing ranges fully inside the
// new one are removed, ranges overlapping an edge are truncated, and a range
// fully containing the new one is split into up to two remnants. A zero size
// is a no-op.
func (m *Map) Insert(start, size uint64, kind RangeKind) {
	if size == 0 {
		return
	}

	m.clear(start, size)

	// Find the insertion point keeping the list sorted by start address.
	idx := len(m.ranges)
	for i, r := range m.ranges {
		if r.Start > start {
			idx = i
			break
		}
	}

	m.ranges = append(m.ranges, Range{})
	copy(m.ranges[idx+1:], m.ranges[idx:])
	m.ranges[idx] = Range{Start: start, Size: size, Kind: kind}

	m.coalesce(idx)
}

// Remove clears any coverage of [start, start+size). It is used to punch out
// firmware-reserved regions before free memory is known, and as the
// implementation of overwriting inserts.
func (m *Map) Remove(start, size uint64) {
	if size == 0 {
		return
	}
	m.clear(start, size)
}

// clear removes all coverage of [start, start+size), truncating or splitting
// ranges that extend past either edge.
func (m *Map) clear(start, size uint64) {
	newLast := start + size - 1

	// A split emits two remnants for one range read, so the rewrite must
	// not reuse the backing array being iterated.
	out := make([]Range, 0, len(m.ranges)+1)
	for _, r := range m.ranges {
		if r.last() < start || r.Start > newLast {
			out = append(out, r)
			continue
		}

		// Leading remnant below the cleared span.
		if r.Start < start {
			out = append(out, Range{Start: r.Start, Size: start - r.Start, Kind: r.Kind})
		}

		// Trailing remnant above the cleared span.
		if r.last() > newLast {
			out = append(out, Range{Start: newLast + 1, Size: r.last() - newLast, Kind: r.Kind})
		}
	}

	m.ranges = out
}

// coalesce merges the range at idx with its neighbours when they are
// adjacent and share the same kind.
func (m *Map) coalesce(idx int) {
	// Merge with the following range first so idx stays valid.
	if idx+1 < len(m.ranges) {
		next := m.ranges[idx+1]
		if m.ranges[idx].Kind == next.Kind && m.ranges[idx].End() == next.Start && m.ranges[idx].End() != 0 {
			m.ranges[idx].Size += next.Size
			m.ranges = append(m.ranges[:idx+1], m.ranges[idx+2:]...)
		}
	}

	if idx > 0 {
		prev := m.ranges[idx-1]
		if prev.Kind == m.ranges[idx].Kind && prev.End() == m.ranges[idx].Start && prev.End() != 0 {
			m.ranges[idx-1].Size += m.ranges[idx].Size
			m.ranges = append(m.ranges[:idx], m.ranges[idx+1:]...)
		}
	}
}

// Snapshot produces a point-in-time copy of the map.
func (m *Map) Snapshot() *Map {
	clone := &Map{ranges: make([]Range, len(m.ranges))}
	copy(clone.ranges, m.ranges)
	return clone
}

// Finalize converts loader-internal scratch ranges to free memory and
// returns the resulting range list for the kernel's memory tags. It must be
// called exactly once, immediately before kernel entry: reclaiming any
// earlier would let later allocations reuse memory the loader still needs.
func (m *Map) Finalize() []Range {
	if m.finalized {
		loader.Crash(errAlreadyFinalized)
	}
	m.finalized = true

	for {
		converted := false
		for _, r := range m.ranges {
			if r.Kind == KindInternal {
				m.Insert(r.Start, r.Size, KindFree)
				converted = true
				break
			}
		}
		if !converted {
			break
		}
	}

	return m.ranges
}
