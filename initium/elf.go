package initium

import (
	"encoding/binary"

	"github.com/aejsmith/kboot-sub001/loader"
)

// ELF constants used when validating kernel images. Only little-endian
// ELF64 executables for the two supported machines are loadable.
const (
	elfClass64    = 2
	elfData2LSB   = 1
	elfHeaderSize = 64

	// MachineX8664 and MachineAArch64 are the e_machine values accepted
	// by the respective architecture loaders.
	MachineX8664   = 62
	MachineAArch64 = 183

	// Program header types.
	phTypeLoad = 1
	phTypeNote = 4

	phEntSize = 56
)

// noteName identifies Initium image notes inside a PT_NOTE segment.
var noteName = []byte("INITIUM\x00")

// Image note types.
const (
	noteTypeImage = 0
	noteTypeLoad  = 1
)

// LoadFlags alter how an image is placed in memory.
type LoadFlags uint32

const (
	// LoadFlagFixed loads every segment at its linked physical address
	// instead of allocating anywhere suitable.
	LoadFlagFixed LoadFlags = 1 << 0
)

// ProgHeader is one ELF64 program header.
type ProgHeader struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	Vaddr    uint64
	Paddr    uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// LoadParams carries the load parameters declared by the image's load note,
// normalized by the loader when fields are left zero.
type LoadParams struct {
	Flags        LoadFlags
	Alignment    uint64
	MinAlignment uint64
	VirtMapBase  uint64
	VirtMapSize  uint64
}

// Image is a validated Initium kernel image.
type Image struct {
	Machine uint16
	Entry   uint64
	Phdrs   []ProgHeader

	// Section header table details, captured for the sections tag.
	SectionCount   uint32
	SectionEntSize uint32
	ShStrIdx       uint32

	// ImageVersion is the protocol version from the image note.
	ImageVersion uint32

	// Load holds the image's load note, or defaults when the image did
	// not carry one.
	Load    LoadParams
	HasLoad bool

	raw []byte
}

var (
	errNotELF     = &loader.Error{Module: "initium", Message: "image is not a valid ELF file"}
	errBadClass   = &loader.Error{Module: "initium", Message: "image is not a little-endian ELF64 executable"}
	errBadMachine = &loader.Error{Module: "initium", Message: "image was built for an unsupported machine"}
	errTruncated  = &loader.Error{Module: "initium", Message: "image file is truncated"}
	errNotInitium = &loader.Error{Module: "initium", Message: "image does not carry an Initium image note"}
	errBadNote    = &loader.Error{Module: "initium", Message: "image note is malformed"}
	errBadVersion = &loader.Error{Module: "initium", Message: "image requires an unsupported protocol version"}
)

// ParseImage validates data as an Initium kernel image: a little-endian
// ELF64 executable carrying an INITIUM image note with a supported protocol
// version.
func ParseImage(data []byte) (*Image, *loader.Error) {
	if len(data) < elfHeaderSize || data[0] != 0x7f || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return nil, errNotELF
	}
	if data[4] != elfClass64 || data[5] != elfData2LSB {
		return nil, errBadClass
	}

	img := &Image{
		Machine: binary.LittleEndian.Uint16(data[0x12:]),
		Entry:   binary.LittleEndian.Uint64(data[0x18:]),
		raw:     data,
	}

	if img.Machine != MachineX8664 && img.Machine != MachineAArch64 {
		return nil, errBadMachine
	}

	var (
		phOff   = binary.LittleEndian.Uint64(data[0x20:])
		phEntSz = uint64(binary.LittleEndian.Uint16(data[0x36:]))
		phNum   = uint64(binary.LittleEndian.Uint16(data[0x38:]))
	)
	// Compare against the remaining length so huge offsets cannot wrap
	// past the guard.
	if phEntSz != phEntSize || phOff > uint64(len(data)) || phNum*phEntSize > uint64(len(data))-phOff {
		return nil, errTruncated
	}

	for i := uint64(0); i < phNum; i++ {
		ph := data[phOff+i*phEntSize:]
		img.Phdrs = append(img.Phdrs, ProgHeader{
			Type:     binary.LittleEndian.Uint32(ph[0:]),
			Flags:    binary.LittleEndian.Uint32(ph[4:]),
			Offset:   binary.LittleEndian.Uint64(ph[8:]),
			Vaddr:    binary.LittleEndian.Uint64(ph[16:]),
			Paddr:    binary.LittleEndian.Uint64(ph[24:]),
			FileSize: binary.LittleEndian.Uint64(ph[32:]),
			MemSize:  binary.LittleEndian.Uint64(ph[40:]),
			Align:    binary.LittleEndian.Uint64(ph[48:]),
		})
	}

	img.SectionCount = uint32(binary.LittleEndian.Uint16(data[0x3c:]))
	img.SectionEntSize = uint32(binary.LittleEndian.Uint16(data[0x3a:]))
	img.ShStrIdx = uint32(binary.LittleEndian.Uint16(data[0x3e:]))

	hasImageNote := false
	for _, ph := range img.Phdrs {
		if ph.Type != phTypeNote {
			continue
		}
		if ph.Offset > uint64(len(data)) || ph.FileSize > uint64(len(data))-ph.Offset {
			return nil, errTruncated
		}

		found, err := img.parseNotes(data[ph.Offset : ph.Offset+ph.FileSize])
		if err != nil {
			return nil, err
		}
		hasImageNote = hasImageNote || found
	}

	if !hasImageNote {
		return nil, errNotInitium
	}
	if img.ImageVersion != Version {
		return nil, errBadVersion
	}

	return img, nil
}

// parseNotes scans one PT_NOTE segment for INITIUM notes, filling in the
// image version and load parameters.
func (img *Image) parseNotes(notes []byte) (bool, *loader.Error) {
	const align4 = 3

	found := false
	for len(notes) >= 12 {
		var (
			nameSz   = binary.LittleEndian.Uint32(notes[0:])
			descSz   = binary.LittleEndian.Uint32(notes[4:])
			noteType = binary.LittleEndian.Uint32(notes[8:])

			nameOff = uint64(12)
			descOff = nameOff + (uint64(nameSz)+align4)&^uint64(align4)
			nextOff = descOff + (uint64(descSz)+align4)&^uint64(align4)
		)
		if nextOff > uint64(len(notes)) {
			return found, errBadNote
		}

		name := notes[nameOff : nameOff+uint64(nameSz)]
		desc := notes[descOff : descOff+uint64(descSz)]
		notes = notes[nextOff:]

		if len(name) != len(noteName) {
			continue
		}
		match := true
		for i := range name {
			if name[i] != noteName[i] {
				match = false
				break
			}
		}
		if !match {
			continue
		}

		switch noteType {
		case noteTypeImage:
			if len(desc) < 8 {
				return found, errBadNote
			}
			img.ImageVersion = binary.LittleEndian.Uint32(desc[0:])
			found = true
		case noteTypeLoad:
			if len(desc) < 40 {
				return found, errBadNote
			}
			img.Load = LoadParams{
				Flags:        LoadFlags(binary.LittleEndian.Uint32(desc[0:])),
				Alignment:    binary.LittleEndian.Uint64(desc[8:]),
				MinAlignment: binary.LittleEndian.Uint64(desc[16:]),
				VirtMapBase:  binary.LittleEndian.Uint64(desc[24:]),
				VirtMapSize:  binary.LittleEndian.Uint64(desc[32:]),
			}
			img.HasLoad = true
		}
	}

	return found, nil
}

// LoadSegments returns the PT_LOAD program headers.
func (img *Image) LoadSegments() []ProgHeader {
	var segs []ProgHeader
	for _, ph := range img.Phdrs {
		if ph.Type == phTypeLoad && ph.MemSize > 0 {
			segs = append(segs, ph)
		}
	}
	return segs
}

// SegmentData returns the file bytes of a segment.
func (img *Image) SegmentData(ph ProgHeader) ([]byte, *loader.Error) {
	if ph.Offset > uint64(len(img.raw)) || ph.FileSize > uint64(len(img.raw))-ph.Offset {
		return nil, errTruncated
	}
	return img.raw[ph.Offset : ph.Offset+ph.FileSize], nil
}

// SectionTable returns the raw section header table, used to build the
// sections tag.
func (img *Image) SectionTable() []byte {
	shOff := binary.LittleEndian.Uint64(img.raw[0x28:])
	size := uint64(img.SectionCount) * uint64(img.SectionEntSize)
	if shOff == 0 || size == 0 || shOff > uint64(len(img.raw)) || size > uint64(len(img.raw))-shOff {
		return nil
	}
	return img.raw[shOff : shOff+size]
}
