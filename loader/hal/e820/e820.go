// Package e820 decodes BIOS E820 memory-probe buffers and seeds a physical
// memory map from them. The probe itself (INT 15h/AX=E820h) belongs to the
// platform glue; this package only interprets the raw entry buffer it
// produces.
package e820

import (
	"encoding/binary"

	"github.com/aejsmith/kboot-sub001/loader/phys"
)

// entrySize is the size of one raw E820 entry: base and length as uint64
// plus a uint32 type.
const entrySize = 20

// EntryType classifies one E820 range.
type EntryType uint32

const (
	TypeUsable          EntryType = 1
	TypeReserved        EntryType = 2
	TypeACPIReclaimable EntryType = 3
	TypeACPINVS         EntryType = 4
	TypeBad             EntryType = 5
)

// Entry is one decoded E820 range.
type Entry struct {
	Base   uint64
	Length uint64
	Type   EntryType
}

// Visit decodes buf entry by entry, calling fn for each complete one.
// Trailing bytes that do not form a whole entry are ignored, as are
// zero-length entries.
func Visit(buf []byte, fn func(Entry)) {
	for off := 0; off+entrySize <= len(buf); off += entrySize {
		entry := Entry{
			Base:   binary.LittleEndian.Uint64(buf[off:]),
			Length: binary.LittleEndian.Uint64(buf[off+8:]),
			Type:   EntryType(binary.LittleEndian.Uint32(buf[off+16:])),
		}
		if entry.Length == 0 {
			continue
		}
		fn(entry)
	}
}

// Decode returns the decoded entries of buf.
func Decode(buf []byte) []Entry {
	var entries []Entry
	Visit(buf, func(e Entry) {
		entries = append(entries, e)
	})
	return entries
}

// Populate seeds m from an E820 buffer. Usable ranges are inserted as free
// memory clamped inward to whole pages (partial pages are unusable); every
// other range is then removed with outward clamping, so a reserved range
// overlapping a usable one always wins.
func Populate(m *phys.Map, buf []byte) {
	Visit(buf, func(e Entry) {
		if e.Type != TypeUsable {
			return
		}
		start := (e.Base + phys.PageSize - 1) &^ (phys.PageSize - 1)
		// end wraps to 0 for a range reaching the top of the address
		// space; end-start then still yields the right size.
		end := (e.Base + e.Length) &^ (phys.PageSize - 1)
		if end != start && (end > start || end == 0) {
			m.Insert(start, end-start, phys.KindFree)
		}
	})

	Visit(buf, func(e Entry) {
		if e.Type == TypeUsable {
			return
		}
		start := e.Base &^ (phys.PageSize - 1)
		end := (e.Base + e.Length + phys.PageSize - 1) &^ (phys.PageSize - 1)
		if end != start && (end > start || end == 0) {
			m.Remove(start, end-start)
		}
	})
}
