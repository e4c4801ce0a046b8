package mmu

import (
	"testing"

	"github.com/aejsmith/kboot-sub001/loader/phys"
)

// testEnv backs the physical access function with a plain buffer and
// prepares a memory map with a single free range over it.
func testEnv(t *testing.T, size uint64) (*phys.Map, []byte) {
	t.Helper()

	backing := make([]byte, size)
	phys.SetAccessFn(func(addr, size uint64) []byte {
		return backing[addr : addr+size]
	})
	t.Cleanup(func() { phys.SetAccessFn(nil) })

	m := phys.NewMap()
	m.Insert(0, size, phys.KindFree)
	return m, backing
}

// tableEntry reads a raw page-table entry out of the backing buffer.
func tableEntry(backing []byte, table, idx uint64) uint64 {
	off := table + idx*entrySize
	var entry uint64
	for i := uint64(0); i < entrySize; i++ {
		entry |= uint64(backing[off+i]) << (8 * i)
	}
	return entry
}

func countKind(m *phys.Map, kind phys.RangeKind) int {
	count := 0
	for _, r := range m.Ranges() {
		if r.Kind == kind {
			count++
		}
	}
	return count
}
