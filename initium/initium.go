// Package initium defines the Initium boot protocol: the typed tag list
// handed to a booted kernel and the ELF image notes through which a kernel
// image declares its load parameters. Tag and note layouts are bit-exact;
// the booted kernel parses them from raw memory with no further negotiation.
package initium

import "encoding/binary"

// Protocol version understood by this loader.
const Version = 1

// Tag types. Every tag starts with a {type uint32, size uint32} header; size
// counts the header plus payload but not the padding that aligns the next
// tag to an 8-byte boundary. A TagNone header terminates the list.
const (
	TagNone uint32 = iota
	TagCore
	TagMemory
	TagVMem
	TagPagetables
	TagModule
	TagSections
	TagE820
	TagSerial
)

// tagHeaderSize is the size of the {type, size} header preceding each tag.
const tagHeaderSize = 8

// CoreTag describes the essential hand-off state: where the tag list and
// kernel were placed and the boot stack the kernel starts on. TagsSize is
// filled in by TagList.Close; the value given here is a placeholder.
type CoreTag struct {
	TagsPhys   uint64
	TagsSize   uint32
	Flags      uint32
	KernelPhys uint64
	StackBase  uint64
	StackPhys  uint64
	StackSize  uint64
}

// MemoryTag describes one physical memory range in the final memory map.
type MemoryTag struct {
	Start uint64
	Size  uint64
	Kind  uint32
}

// VMemTag describes one virtual mapping established for the kernel. A Phys
// of ^0 marks a mapping not backed by physical memory (e.g. guard ranges).
type VMemTag struct {
	Start uint64
	Size  uint64
	Phys  uint64
}

// PagetablesTag tells the kernel where its page tables live. On x86-64 Root
// holds the PML4 and Mapping the virtual address of the recursive mapping;
// on ARM64 Root holds TTL0Hi and Mapping the TTL0Lo physical address.
type PagetablesTag struct {
	Root    uint64
	Mapping uint64
}

// ModuleTag describes one loaded module; the module name follows the fixed
// part as a NUL-terminated string counted by NameSize.
type ModuleTag struct {
	Addr     uint64
	Size     uint32
	NameSize uint32
}

// SectionsTag carries the kernel image's ELF section headers so the kernel
// can locate its own symbol tables; the raw section header table follows
// the fixed part.
type SectionsTag struct {
	Num      uint32
	EntSize  uint32
	ShStrIdx uint32
}

// SerialTag describes the debug serial port the loader was using.
type SerialTag struct {
	Addr uint64
	Type uint32
}

// Serial port types for SerialTag.
const (
	SerialTypeNS16550 uint32 = iota
	SerialTypePL011
)

// TagList incrementally builds a protocol tag list. The zero value is ready
// to use; Close terminates the list and returns the wire bytes.
type TagList struct {
	buf []byte
}

// align8 pads the buffer so the next tag header lands on an 8-byte boundary.
func (l *TagList) align8() {
	for len(l.buf)%8 != 0 {
		l.buf = append(l.buf, 0)
	}
}

// appendHeader appends a tag header for a payload of the given size.
func (l *TagList) appendHeader(tagType uint32, payloadSize int) {
	l.align8()

	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], tagType)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+payloadSize))
	l.buf = append(l.buf, hdr[:]...)
}

func (l *TagList) appendUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	l.buf = append(l.buf, b[:]...)
}

func (l *TagList) appendUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	l.buf = append(l.buf, b[:]...)
}

// AppendCore appends the core tag. It must be the first tag in the list;
// the kernel rejects tag lists that do not start with it.
func (l *TagList) AppendCore(tag CoreTag) {
	l.appendHeader(TagCore, 48)
	l.appendUint64(tag.TagsPhys)
	l.appendUint32(tag.TagsSize)
	l.appendUint32(tag.Flags)
	l.appendUint64(tag.KernelPhys)
	l.appendUint64(tag.StackBase)
	l.appendUint64(tag.StackPhys)
	l.appendUint64(tag.StackSize)
}

// AppendMemory appends one memory map entry.
func (l *TagList) AppendMemory(tag MemoryTag) {
	l.appendHeader(TagMemory, 24)
	l.appendUint64(tag.Start)
	l.appendUint64(tag.Size)
	l.appendUint32(tag.Kind)
	l.appendUint32(0)
}

// AppendVMem appends one virtual mapping record.
func (l *TagList) AppendVMem(tag VMemTag) {
	l.appendHeader(TagVMem, 24)
	l.appendUint64(tag.Start)
	l.appendUint64(tag.Size)
	l.appendUint64(tag.Phys)
}

// AppendPagetables appends the page table locations.
func (l *TagList) AppendPagetables(tag PagetablesTag) {
	l.appendHeader(TagPagetables, 16)
	l.appendUint64(tag.Root)
	l.appendUint64(tag.Mapping)
}

// AppendModule appends a module record. The name is written NUL-terminated.
func (l *TagList) AppendModule(addr uint64, size uint32, name string) {
	l.appendHeader(TagModule, 16+len(name)+1)
	l.appendUint64(addr)
	l.appendUint32(size)
	l.appendUint32(uint32(len(name) + 1))
	l.buf = append(l.buf, name...)
	l.buf = append(l.buf, 0)
}

// AppendSections appends the kernel's section header table.
func (l *TagList) AppendSections(tag SectionsTag, table []byte) {
	l.appendHeader(TagSections, 16+len(table))
	l.appendUint32(tag.Num)
	l.appendUint32(tag.EntSize)
	l.appendUint32(tag.ShStrIdx)
	l.appendUint32(0)
	l.buf = append(l.buf, table...)
}

// AppendE820 appends the raw BIOS E820 buffer so the kernel can consult
// firmware ranges the loader's own map does not describe.
func (l *TagList) AppendE820(data []byte) {
	l.appendHeader(TagE820, len(data))
	l.buf = append(l.buf, data...)
}

// AppendSerial appends the debug serial port description.
func (l *TagList) AppendSerial(tag SerialTag) {
	l.appendHeader(TagSerial, 16)
	l.appendUint64(tag.Addr)
	l.appendUint32(tag.Type)
	l.appendUint32(0)
}

// Size returns the current list size in bytes, including the terminating
// tag that Close will append.
func (l *TagList) Size() int {
	size := len(l.buf)
	size += (8 - size%8) % 8
	return size + tagHeaderSize
}

// Close appends the terminating TagNone header and returns the final wire
// bytes. When the list starts with a core tag its TagsSize field is patched
// with the final list size, which is only known once the list is closed.
func (l *TagList) Close() []byte {
	l.appendHeader(TagNone, 0)
	if len(l.buf) >= tagHeaderSize && binary.LittleEndian.Uint32(l.buf) == TagCore {
		binary.LittleEndian.PutUint32(l.buf[16:], uint32(len(l.buf)))
	}
	return l.buf
}
