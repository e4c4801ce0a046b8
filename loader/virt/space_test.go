package virt

import (
	"testing"

	"github.com/aejsmith/kboot-sub001/loader"
)

type haltSentinel struct{}

func catchCrash(t *testing.T, fn func()) (crashed bool) {
	t.Helper()

	loader.SetHaltFn(func() { panic(haltSentinel{}) })
	defer func() {
		loader.SetHaltFn(func() { panic("unexpected crash") })
		if r := recover(); r != nil {
			if _, ok := r.(haltSentinel); !ok {
				panic(r)
			}
			crashed = true
		}
	}()

	fn()
	return false
}

// checkCoverage verifies the total-coverage invariant: the region list must
// exactly tile the configured span in ascending order.
func checkCoverage(t *testing.T, s *Space) {
	t.Helper()

	regions := s.regions
	if len(regions) == 0 {
		t.Fatal("expected at least one region")
	}

	if regions[0].start != s.start {
		t.Fatalf("expected first region to start at 0x%x; got 0x%x", s.start, regions[0].start)
	}
	if regions[len(regions)-1].last != s.last {
		t.Fatalf("expected final region to end at 0x%x; got 0x%x", s.last, regions[len(regions)-1].last)
	}

	for i := 1; i < len(regions); i++ {
		if regions[i].start != regions[i-1].last+1 {
			t.Fatalf("gap or overlap between region %d (ends 0x%x) and region %d (starts 0x%x)",
				i-1, regions[i-1].last, i, regions[i].start)
		}
	}
}

func checkRegions(t *testing.T, s *Space, exp []Region) {
	t.Helper()

	checkCoverage(t, s)

	got := s.Regions()
	if len(got) != len(exp) {
		t.Fatalf("expected %d regions; got %d: %+v", len(exp), len(got), got)
	}
	for i, r := range got {
		if r != exp[i] {
			t.Errorf("region %d: expected %+v; got %+v", i, exp[i], r)
		}
	}
}

func TestSpaceAlloc(t *testing.T) {
	t.Run("split allocation", func(t *testing.T) {
		s := NewSpace(0x0, 0x10000)

		a1, ok := s.Alloc(0x1000, 0)
		if !ok || a1 != 0x0 {
			t.Fatalf("expected first allocation at 0x0; got 0x%x (ok=%t)", a1, ok)
		}

		a2, ok := s.Alloc(0x2000, 0x2000)
		if !ok || a2 != 0x2000 {
			t.Fatalf("expected aligned allocation at 0x2000; got 0x%x (ok=%t)", a2, ok)
		}

		checkRegions(t, s, []Region{
			{Start: 0x0, Size: 0x1000, Allocated: true},
			{Start: 0x1000, Size: 0x1000, Allocated: false},
			{Start: 0x2000, Size: 0x2000, Allocated: true},
			{Start: 0x4000, Size: 0xc000, Allocated: false},
		})
	})

	t.Run("exhaustion is reported, not fatal", func(t *testing.T) {
		s := NewSpace(0x0, 0x4000)

		if _, ok := s.Alloc(0x8000, 0); ok {
			t.Fatal("expected oversized allocation to fail")
		}
		checkRegions(t, s, []Region{
			{Start: 0x0, Size: 0x4000, Allocated: false},
		})
	})

	t.Run("skips too-small free region", func(t *testing.T) {
		s := NewSpace(0x0, 0x20000)
		if !s.Insert(0x2000, 0x2000) {
			t.Fatal("Insert failed")
		}

		// Free regions: [0,0x2000) and [0x4000,0x20000); only the
		// second can hold the request.
		addr, ok := s.Alloc(0x4000, 0)
		if !ok || addr != 0x4000 {
			t.Fatalf("expected allocation at 0x4000; got 0x%x (ok=%t)", addr, ok)
		}
		checkCoverage(t, s)
	})

	t.Run("alignment advances inside a free region", func(t *testing.T) {
		s := NewSpace(0x0, 0x20000)
		if !s.Insert(0x0, 0x1000) {
			t.Fatal("Insert failed")
		}

		addr, ok := s.Alloc(0x1000, 0x10000)
		if !ok || addr != 0x10000 {
			t.Fatalf("expected allocation at 0x10000; got 0x%x (ok=%t)", addr, ok)
		}
		checkCoverage(t, s)
	})

	t.Run("invalid arguments are fatal", func(t *testing.T) {
		s := NewSpace(0x0, 0x10000)

		if !catchCrash(t, func() { s.Alloc(0x123, 0) }) {
			t.Fatal("expected non page-multiple size to crash")
		}
		if !catchCrash(t, func() { s.Alloc(0x1000, 0x3000) }) {
			t.Fatal("expected non power-of-two alignment to crash")
		}
	})

	t.Run("full address space span", func(t *testing.T) {
		s := NewSpace(0, 0)

		addr, ok := s.Alloc(0x1000, 0)
		if !ok || addr != 0 {
			t.Fatalf("expected allocation at 0x0; got 0x%x (ok=%t)", addr, ok)
		}
		checkCoverage(t, s)

		if exp, got := ^uint64(0), s.regions[1].last; got != exp {
			t.Fatalf("expected free remainder to reach 0x%x; got 0x%x", exp, got)
		}
	})
}

func TestSpaceInsert(t *testing.T) {
	t.Run("conflict rejection", func(t *testing.T) {
		s := NewSpace(0x0, 0x10000)
		if !s.Insert(0x2000, 0x2000) {
			t.Fatal("expected insert to succeed")
		}

		before := s.Regions()
		if s.Insert(0x3000, 0x1000) {
			t.Fatal("expected conflicting insert to fail")
		}

		after := s.Regions()
		if len(before) != len(after) {
			t.Fatalf("expected region list to be unchanged; had %d regions, have %d", len(before), len(after))
		}
		for i := range before {
			if before[i] != after[i] {
				t.Errorf("region %d changed: %+v -> %+v", i, before[i], after[i])
			}
		}
	})

	t.Run("outside span is rejected", func(t *testing.T) {
		s := NewSpace(0x10000, 0x10000)

		if s.Insert(0x8000, 0x1000) {
			t.Fatal("expected insert below the span to fail")
		}
		if s.Insert(0x1f000, 0x2000) {
			t.Fatal("expected insert crossing the span end to fail")
		}
		checkRegions(t, s, []Region{
			{Start: 0x10000, Size: 0x10000, Allocated: false},
		})
	})

	t.Run("adjacent inserts", func(t *testing.T) {
		s := NewSpace(0x0, 0x10000)

		if !s.Insert(0x0, 0x1000) || !s.Insert(0x1000, 0x1000) {
			t.Fatal("expected adjacent inserts to succeed")
		}
		checkRegions(t, s, []Region{
			{Start: 0x0, Size: 0x1000, Allocated: true},
			{Start: 0x1000, Size: 0x1000, Allocated: true},
			{Start: 0x2000, Size: 0xe000, Allocated: false},
		})
	})
}

func TestSpaceReserve(t *testing.T) {
	t.Run("clamps to span", func(t *testing.T) {
		s := NewSpace(0x10000, 0x10000)

		s.Reserve(0x0, 0x14000)
		checkRegions(t, s, []Region{
			{Start: 0x10000, Size: 0x4000, Allocated: true},
			{Start: 0x14000, Size: 0xc000, Allocated: false},
		})
	})

	t.Run("overwrites existing allocations", func(t *testing.T) {
		s := NewSpace(0x0, 0x10000)
		if !s.Insert(0x2000, 0x2000) {
			t.Fatal("Insert failed")
		}

		s.Reserve(0x1000, 0x4000)
		checkRegions(t, s, []Region{
			{Start: 0x0, Size: 0x1000, Allocated: false},
			{Start: 0x1000, Size: 0x4000, Allocated: true},
			{Start: 0x5000, Size: 0xb000, Allocated: false},
		})
	})

	t.Run("entirely outside span is a no-op", func(t *testing.T) {
		s := NewSpace(0x10000, 0x10000)

		s.Reserve(0x0, 0x1000)
		s.Reserve(0x30000, 0x1000)
		checkRegions(t, s, []Region{
			{Start: 0x10000, Size: 0x10000, Allocated: false},
		})
	})

	t.Run("zero size is a no-op", func(t *testing.T) {
		s := NewSpace(0x0, 0x10000)
		s.Reserve(0x1000, 0)
		checkRegions(t, s, []Region{
			{Start: 0x0, Size: 0x10000, Allocated: false},
		})
	})
}

func TestNewSpaceValidation(t *testing.T) {
	if !catchCrash(t, func() { NewSpace(0x123, 0x1000) }) {
		t.Fatal("expected unaligned start to crash")
	}
	if !catchCrash(t, func() { NewSpace(0x1000, 0x123) }) {
		t.Fatal("expected unaligned size to crash")
	}
}
