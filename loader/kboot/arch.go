package kboot

import (
	"github.com/aejsmith/kboot-sub001/initium"
	"github.com/aejsmith/kboot-sub001/loader"
	"github.com/aejsmith/kboot-sub001/loader/mmu"
)

// amd64Setup chooses a free PML4 slot for the recursive page-table mapping.
// Slots are scanned from the highest index downward and the first free one
// taken, biasing away from the low addresses fixed-address kernels occupy.
func amd64Setup(l *Loader) (initium.PagetablesTag, *loader.Error) {
	c := l.ctx.(*mmu.AMD64Context)

	for idx := mmu.TableEntries; idx > 0; idx-- {
		slot := idx - 1
		if c.RootEntryPresent(slot) {
			continue
		}
		c.MapRecursive(slot)

		// Virtual base of the recursive window: the slot index shifted
		// to the top-level position, sign-extended into the high half
		// for slots with bit 47 set.
		addr := slot << 39
		if slot >= mmu.TableEntries/2 {
			addr |= 0xffff000000000000
		}
		return initium.PagetablesTag{Root: c.Root(), Mapping: addr}, nil
	}
	return initium.PagetablesTag{}, errNoRootSlot
}

// arm64Setup reports the split translation-table roots. ARM64 needs no
// recursive mapping; the kernel receives both root tables directly.
func arm64Setup(l *Loader) (initium.PagetablesTag, *loader.Error) {
	c := l.ctx.(*mmu.ARM64Context)
	return initium.PagetablesTag{Root: c.Root(), Mapping: c.LowRoot()}, nil
}
