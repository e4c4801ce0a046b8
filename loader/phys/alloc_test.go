package phys

import "testing"

func TestAlloc(t *testing.T) {
	t.Run("first fit low", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x10000, KindFree)

		addr, ok := m.Alloc(0x1000, 0, 0, 0, KindAllocated, 0)
		if !ok || addr != 0x0 {
			t.Fatalf("expected allocation at 0x0; got 0x%x (ok=%t)", addr, ok)
		}

		addr, ok = m.Alloc(0x2000, 0x2000, 0, 0, KindAllocated, 0)
		if !ok || addr != 0x2000 {
			t.Fatalf("expected aligned allocation at 0x2000; got 0x%x (ok=%t)", addr, ok)
		}

		checkRanges(t, m, []Range{
			{Start: 0x0, Size: 0x1000, Kind: KindAllocated},
			{Start: 0x1000, Size: 0x1000, Kind: KindFree},
			{Start: 0x2000, Size: 0x2000, Kind: KindAllocated},
			{Start: 0x4000, Size: 0xc000, Kind: KindFree},
		})
	})

	t.Run("high allocation", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x10000, KindFree)

		addr, ok := m.Alloc(0x1000, 0, 0, 0, KindAllocated, AllocHigh)
		if !ok || addr != 0xf000 {
			t.Fatalf("expected high allocation at 0xf000; got 0x%x (ok=%t)", addr, ok)
		}
	})

	t.Run("window constraints", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x100000, KindFree)

		addr, ok := m.Alloc(0x2000, 0x4000, 0x5000, 0x20000, KindAllocated, 0)
		if !ok {
			t.Fatal("expected allocation to succeed")
		}
		if addr%0x4000 != 0 {
			t.Errorf("expected aligned address; got 0x%x", addr)
		}
		if addr < 0x5000 || addr+0x2000-1 > 0x20000 {
			t.Errorf("expected allocation inside [0x5000, 0x20000]; got 0x%x", addr)
		}
		if exp := uint64(0x8000); addr != exp {
			t.Errorf("expected first fit at 0x%x; got 0x%x", exp, addr)
		}
	})

	t.Run("high allocation respects max address", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x100000, KindFree)

		addr, ok := m.Alloc(0x1000, 0, 0, 0x7fff, KindAllocated, AllocHigh)
		if !ok || addr != 0x7000 {
			t.Fatalf("expected high allocation at 0x7000; got 0x%x (ok=%t)", addr, ok)
		}
	})

	t.Run("skips non-free and too-small ranges", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x1000, KindFree)
		m.Insert(0x1000, 0x4000, KindAllocated)
		m.Insert(0x5000, 0x4000, KindFree)

		addr, ok := m.Alloc(0x2000, 0, 0, 0, KindPageTables, 0)
		if !ok || addr != 0x5000 {
			t.Fatalf("expected allocation at 0x5000; got 0x%x (ok=%t)", addr, ok)
		}
	})

	t.Run("can-fail exhaustion", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x4000, KindFree)

		if _, ok := m.Alloc(0x8000, 0, 0, 0, KindAllocated, AllocCanFail); ok {
			t.Fatal("expected allocation to fail")
		}

		// The failed attempt must leave the map untouched.
		checkRanges(t, m, []Range{
			{Start: 0x0, Size: 0x4000, Kind: KindFree},
		})
	})

	t.Run("fatal exhaustion", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x4000, KindFree)

		crashed := catchCrash(t, func() {
			m.Alloc(0x8000, 0, 0, 0, KindAllocated, 0)
		})
		if !crashed {
			t.Fatal("expected exhaustion without AllocCanFail to crash")
		}

		checkRanges(t, m, []Range{
			{Start: 0x0, Size: 0x4000, Kind: KindFree},
		})
	})

	t.Run("non page multiple arguments are fatal", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x4000, KindFree)

		if !catchCrash(t, func() { m.Alloc(0x123, 0, 0, 0, KindAllocated, 0) }) {
			t.Fatal("expected non page-multiple size to crash")
		}
		if !catchCrash(t, func() { m.Alloc(0x1000, 0x800, 0, 0, KindAllocated, 0) }) {
			t.Fatal("expected non page-multiple alignment to crash")
		}
	})
}

func TestFree(t *testing.T) {
	t.Run("round trip restores the map", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x10000, KindFree)
		m.Insert(0x20000, 0x10000, KindFree)

		before := m.Snapshot()

		a1, _ := m.Alloc(0x1000, 0, 0, 0, KindAllocated, 0)
		a2, _ := m.Alloc(0x4000, 0x4000, 0, 0, KindPageTables, 0)
		a3, _ := m.Alloc(0x2000, 0, 0, 0, KindStack, AllocHigh)

		// No two live allocations may overlap.
		allocs := [][2]uint64{{a1, 0x1000}, {a2, 0x4000}, {a3, 0x2000}}
		for i := range allocs {
			for j := i + 1; j < len(allocs); j++ {
				iStart, iEnd := allocs[i][0], allocs[i][0]+allocs[i][1]
				jStart, jEnd := allocs[j][0], allocs[j][0]+allocs[j][1]
				if iStart < jEnd && jStart < iEnd {
					t.Fatalf("allocations %d and %d overlap", i, j)
				}
			}
		}

		m.Free(a2, 0x4000)
		m.Free(a1, 0x1000)
		m.Free(a3, 0x2000)

		checkRanges(t, m, before.Ranges())
	})

	t.Run("coalesced allocations free individually", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x10000, KindFree)

		// Adjacent same-kind allocations merge into one range, so Free
		// only requires coverage, not exact bounds.
		a1, _ := m.Alloc(0x1000, 0, 0, 0, KindAllocated, 0)
		a2, _ := m.Alloc(0x1000, 0, 0, 0, KindAllocated, 0)

		m.Free(a1, 0x1000)
		m.Free(a2, 0x1000)

		checkRanges(t, m, []Range{{Start: 0x0, Size: 0x10000, Kind: KindFree}})
	})

	t.Run("double free is fatal", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x10000, KindFree)

		addr, _ := m.Alloc(0x1000, 0, 0, 0, KindAllocated, 0)
		m.Free(addr, 0x1000)

		if !catchCrash(t, func() { m.Free(addr, 0x1000) }) {
			t.Fatal("expected double free to crash")
		}
	})

	t.Run("free of never-allocated memory is fatal", func(t *testing.T) {
		m := NewMap()
		m.Insert(0x0, 0x10000, KindFree)

		if !catchCrash(t, func() { m.Free(0x20000, 0x1000) }) {
			t.Fatal("expected free outside the map to crash")
		}
	})
}
