package mmu

import (
	"bytes"
	"testing"

	"github.com/aejsmith/kboot-sub001/loader/phys"
)

func TestARM64ContextCreate(t *testing.T) {
	m, _ := testEnv(t, 0x100000)

	ctx, err := NewARM64Context(Mode64, m, phys.KindPageTables)
	if err != nil {
		t.Fatal(err)
	}

	if ctx.Root() == ctx.LowRoot() {
		t.Fatal("expected distinct root tables for the two halves")
	}

	var tableBytes uint64
	for _, r := range m.Ranges() {
		if r.Kind == phys.KindPageTables {
			tableBytes += r.Size
		}
	}
	if exp := uint64(2 * phys.PageSize); tableBytes != exp {
		t.Fatalf("expected 0x%x bytes of root tables; got 0x%x", exp, tableBytes)
	}

	t.Run("32-bit mode rejected", func(t *testing.T) {
		if _, err := NewARM64Context(Mode32, m, phys.KindPageTables); err != errArmMode {
			t.Fatalf("expected errArmMode; got %v", err)
		}
	})
}

func TestARM64Map(t *testing.T) {
	t.Run("halves use separate roots", func(t *testing.T) {
		m, backing := testEnv(t, 0x400000)
		ctx, _ := NewARM64Context(Mode64, m, phys.KindPageTables)

		if err := ctx.Map(0x0, 0x100000, phys.PageSize); err != nil {
			t.Fatal(err)
		}
		if err := ctx.Map(0xffff000000000000, 0x200000, phys.PageSize); err != nil {
			t.Fatal(err)
		}

		// Low mapping populates the TTBR0 root only.
		if entry := tableEntry(backing, ctx.LowRoot(), 0); entry&armEntryValid == 0 {
			t.Fatal("expected low root entry 0 to be valid")
		}
		if entry := tableEntry(backing, ctx.Root(), 0); entry&armEntryValid == 0 {
			t.Fatal("expected high root entry 0 to be valid")
		}
	})

	t.Run("4K page walk", func(t *testing.T) {
		m, backing := testEnv(t, 0x400000)
		ctx, _ := NewARM64Context(Mode64, m, phys.KindPageTables)

		virt := uint64(0xffff000000000000) + 0x40201000
		if err := ctx.Map(virt, 0x300000, phys.PageSize); err != nil {
			t.Fatal(err)
		}

		table := ctx.Root()
		for level := 0; level < 3; level++ {
			entry := tableEntry(backing, table, armLevelIndex(virt, level))
			if entry&armEntryValid == 0 || entry&armEntryTable == 0 {
				t.Fatalf("level %d: expected valid table descriptor; got 0x%x", level, entry)
			}
			table = entry & armPhysMask
		}

		leaf := tableEntry(backing, table, armLevelIndex(virt, 3))
		if leaf&armEntryValid == 0 || leaf&armEntryPage == 0 || leaf&armEntryAF == 0 {
			t.Fatalf("expected valid page descriptor with AF; got 0x%x", leaf)
		}
		if leaf&armPhysMask != 0x300000 {
			t.Fatalf("expected leaf to point at 0x300000; got 0x%x", leaf&armPhysMask)
		}
	})

	t.Run("2MB block mapping", func(t *testing.T) {
		m, backing := testEnv(t, 0x100000)
		ctx, _ := NewARM64Context(Mode64, m, phys.KindPageTables)

		virt := uint64(0xffff000040000000)
		if err := ctx.Map(virt, 0x40000000, armBlockSize); err != nil {
			t.Fatal(err)
		}

		table := ctx.Root()
		for level := 0; level < 2; level++ {
			entry := tableEntry(backing, table, armLevelIndex(virt, level))
			table = entry & armPhysMask
		}

		entry := tableEntry(backing, table, armLevelIndex(virt, 2))
		if entry&armEntryValid == 0 || entry&armEntryTable != 0 {
			t.Fatalf("expected block descriptor; got 0x%x", entry)
		}
	})

	t.Run("invalid ranges rejected", func(t *testing.T) {
		m, _ := testEnv(t, 0x100000)
		ctx, _ := NewARM64Context(Mode64, m, phys.KindPageTables)

		specs := []struct {
			virt, phys, size uint64
		}{
			// Inside the untranslatable hole.
			{0x0001000000000000, 0, phys.PageSize},
			// Crossing out of the low half.
			{0x0000fffffffff000, 0, 2 * phys.PageSize},
			// Unaligned.
			{0x1234, 0, phys.PageSize},
			// Physical address beyond 48 bits.
			{0, uint64(1) << 48, phys.PageSize},
		}

		for specIndex, spec := range specs {
			if err := ctx.Map(spec.virt, spec.phys, spec.size); err == nil {
				t.Errorf("[spec %d] expected mapping to be rejected", specIndex)
			}
		}
	})
}

func TestARM64AddrPredicates(t *testing.T) {
	m, _ := testEnv(t, 0x10000)
	ctx, _ := NewARM64Context(Mode64, m, phys.KindPageTables)

	specs := []struct {
		addr                uint64
		expValid, expKernel bool
	}{
		{0x0, true, false},
		{0x0000ffffffffffff, true, false},
		{0x0001000000000000, false, false},
		{0xfffeffffffffffff, false, false},
		{0xffff000000000000, true, true},
		{0xffffffffffffffff, true, true},
	}

	for _, spec := range specs {
		if got := ctx.IsValidAddr(spec.addr); got != spec.expValid {
			t.Errorf("IsValidAddr(0x%x): expected %t; got %t", spec.addr, spec.expValid, got)
		}
		if got := ctx.IsKernelAddr(spec.addr); got != spec.expKernel {
			t.Errorf("IsKernelAddr(0x%x): expected %t; got %t", spec.addr, spec.expKernel, got)
		}
	}
}

func TestARM64TargetAccess(t *testing.T) {
	m, _ := testEnv(t, 0x400000)
	ctx, _ := NewARM64Context(Mode64, m, phys.KindPageTables)

	virt := uint64(0xffff000000200000)
	if err := ctx.Map(virt, 0x300000, phys.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Map(virt+phys.PageSize, 0x280000, phys.PageSize); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Map(virt+2*phys.PageSize, 0x2c0000, phys.PageSize); err != nil {
		t.Fatal(err)
	}

	// The copy starts near the end of the first page and runs into the
	// third, so every page-boundary case in the target walk is hit.
	data := make([]byte, 0x1234)
	for i := range data {
		data[i] = byte(i * 7)
	}

	if err := ctx.CopyTo(virt+0xf00, data); err != nil {
		t.Fatal(err)
	}

	readBack := make([]byte, len(data))
	if err := ctx.CopyFrom(readBack, virt+0xf00); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, readBack) {
		t.Fatal("expected CopyFrom to return the bytes written by CopyTo")
	}

	if err := ctx.Memset(virt, 0x5a, phys.PageSize); err != nil {
		t.Fatal(err)
	}
	if got := phys.Access(0x300000, 1)[0]; got != 0x5a {
		t.Fatalf("expected memset byte 0x5a; got 0x%x", got)
	}

	if err := ctx.CopyFrom(readBack, 0xffff000080000000); err != errArmNotMapped {
		t.Fatalf("expected errArmNotMapped; got %v", err)
	}
}
