// Package linux loads kernels using the Linux/x86 boot protocol. The
// protocol is a fixed-offset binary header inside the image's real-mode
// setup code: fields are read at documented byte offsets and a boot-params
// page carrying a copy of the header is handed to the kernel.
//
// Only the memory placement side of the protocol is implemented here:
// header validation, placement of the protected-mode kernel with the
// relocation retry policy, and synthesis of the boot-params and command
// line areas. The real-mode entry path is the platform trampoline's
// business.
package linux

import (
	"encoding/binary"

	"github.com/aejsmith/kboot-sub001/loader"
	"github.com/aejsmith/kboot-sub001/loader/klog"
	"github.com/aejsmith/kboot-sub001/loader/phys"
)

// Setup header field offsets within the image. The header proper starts at
// 0x1f1; everything before it is the boot sector.
const (
	offSetupSects   = 0x1f1
	offBootFlag     = 0x1fe
	offHeaderMagic  = 0x202
	offVersion      = 0x206
	offTypeOfLoader = 0x210
	offCmdLinePtr   = 0x228
	offAlignment    = 0x230
	offRelocatable  = 0x234
	offMinAlignment = 0x235
	offPrefAddress  = 0x258
	offInitSize     = 0x260

	headerEnd = 0x268

	// bootFlag is the boot-sector signature; headerMagic is "HdrS".
	bootFlag    = 0xaa55
	headerMagic = 0x53726448

	// minProtocol is the oldest boot protocol version accepted. 2.06
	// introduced the large command line field layout relied on here.
	minProtocol = 0x0206

	// prefProtocol is the version that introduced pref_address and
	// min_alignment.
	prefProtocol = 0x020a

	// defaultPrefAddr is the traditional load address used when the
	// image predates pref_address.
	defaultPrefAddr = 0x100000

	// typeOfLoaderOther marks a boot loader without an assigned ID.
	typeOfLoaderOther = 0xff
)

var (
	errNotLinux    = &loader.Error{Module: "linux", Message: "image is not a Linux kernel"}
	errOldProtocol = &loader.Error{Module: "linux", Message: "kernel boot protocol is too old"}
	errNoMemory    = &loader.Error{Module: "linux", Message: "insufficient memory to place the kernel"}
)

// Loader aggregates the state of one Linux load attempt.
type Loader struct {
	data []byte
	mem  *phys.Map

	version     uint16
	relocatable bool
	alignment   uint64
	minAlign    uint64
	prefAddr    uint64
	initSize    uint64
	setupSize   uint64

	cmdline string

	kernelPhys  uint64
	paramsPhys  uint64
	cmdlinePhys uint64
}

// NewLoader validates data as a Linux kernel image and captures its setup
// header fields.
func NewLoader(data []byte, mem *phys.Map) (*Loader, *loader.Error) {
	if len(data) < headerEnd {
		return nil, errNotLinux
	}
	if binary.LittleEndian.Uint16(data[offBootFlag:]) != bootFlag {
		return nil, errNotLinux
	}
	if binary.LittleEndian.Uint32(data[offHeaderMagic:]) != headerMagic {
		return nil, errNotLinux
	}

	l := &Loader{
		data:    data,
		mem:     mem,
		version: binary.LittleEndian.Uint16(data[offVersion:]),
	}
	if l.version < minProtocol {
		return nil, errOldProtocol
	}

	// Zero setup_sects means the traditional 4-sector setup code.
	setupSects := uint64(data[offSetupSects])
	if setupSects == 0 {
		setupSects = 4
	}
	l.setupSize = (setupSects + 1) * 512

	// The file must extend past the setup area or there is no
	// protected-mode kernel to load.
	if l.setupSize >= uint64(len(data)) {
		return nil, errNotLinux
	}

	l.relocatable = data[offRelocatable] != 0

	// An alignment that is not a page-multiple power of two is treated
	// as absent rather than handed to the allocator.
	l.alignment = uint64(binary.LittleEndian.Uint32(data[offAlignment:]))
	if l.alignment == 0 || l.alignment%phys.PageSize != 0 || l.alignment&(l.alignment-1) != 0 {
		l.alignment = phys.PageSize
	}

	if l.version >= prefProtocol {
		l.prefAddr = binary.LittleEndian.Uint64(data[offPrefAddress:])
		l.minAlign = uint64(1) << data[offMinAlignment]
	} else {
		l.prefAddr = defaultPrefAddr
		l.minAlign = phys.PageSize
	}
	if l.minAlign < phys.PageSize {
		l.minAlign = phys.PageSize
	}

	l.initSize = uint64(binary.LittleEndian.Uint32(data[offInitSize:]))
	if l.initSize == 0 {
		l.initSize = uint64(len(data)) - l.setupSize
	}

	return l, nil
}

// Version returns the image's boot protocol version.
func (l *Loader) Version() uint16 { return l.version }

// Relocatable reports whether the kernel may be placed away from its
// preferred address.
func (l *Loader) Relocatable() bool { return l.relocatable }

// KernelPhys returns the physical placement chosen by Load.
func (l *Loader) KernelPhys() uint64 { return l.kernelPhys }

// ParamsPhys returns the physical address of the boot-params page.
func (l *Loader) ParamsPhys() uint64 { return l.paramsPhys }

// CmdlinePhys returns the physical address of the command line, or zero
// when none was set.
func (l *Loader) CmdlinePhys() uint64 { return l.cmdlinePhys }

// SetCmdline records the kernel command line placed by Load.
func (l *Loader) SetCmdline(cmdline string) {
	l.cmdline = cmdline
}

// placeKernel chooses the physical load address: the preferred address if
// it is available, otherwise the relocation policy of retrying at
// successively halved alignments down to the image minimum.
func (l *Loader) placeKernel(size uint64) *loader.Error {
	addr, ok := l.mem.Alloc(size, 0, l.prefAddr, l.prefAddr+size-1,
		phys.KindAllocated, phys.AllocCanFail)
	if ok {
		l.kernelPhys = addr
		return nil
	}
	if !l.relocatable {
		return errNoMemory
	}

	for align := l.alignment; align >= l.minAlign; align /= 2 {
		if addr, ok := l.mem.Alloc(size, align, defaultPrefAddr, 0,
			phys.KindAllocated, phys.AllocCanFail); ok {
			l.kernelPhys = addr
			return nil
		}
	}
	return errNoMemory
}

// Load places the protected-mode kernel, the boot-params page and the
// command line in physical memory.
func (l *Loader) Load() *loader.Error {
	size := (l.initSize + phys.PageSize - 1) &^ (phys.PageSize - 1)
	if err := l.placeKernel(size); err != nil {
		return err
	}

	kernel := l.data[l.setupSize:]
	dest := phys.Access(l.kernelPhys, size)
	for i := range dest {
		dest[i] = 0
	}
	copy(dest, kernel)

	if l.cmdline != "" {
		// Skip page zero: a zero cmd_line_ptr means no command line.
		cmdSize := (uint64(len(l.cmdline)) + 1 + phys.PageSize - 1) &^ (phys.PageSize - 1)
		addr, ok := l.mem.Alloc(cmdSize, 0, phys.PageSize, 0xffffffff, phys.KindReclaimable, phys.AllocCanFail)
		if !ok {
			return errNoMemory
		}
		l.cmdlinePhys = addr

		buf := phys.Access(addr, cmdSize)
		copy(buf, l.cmdline)
		buf[len(l.cmdline)] = 0
	}

	if err := l.buildParams(); err != nil {
		return err
	}

	klog.Printf("linux: kernel %d.%d placed at %16x params %16x\n",
		l.version>>8, l.version&0xff, l.kernelPhys, l.paramsPhys)
	return nil
}

// buildParams synthesizes the boot-params ("zero page") area: one zeroed
// page carrying a copy of the setup header with the loader's own fields
// filled in.
func (l *Loader) buildParams() *loader.Error {
	addr, ok := l.mem.Alloc(phys.PageSize, 0, phys.PageSize, 0xffffffff, phys.KindReclaimable, phys.AllocCanFail)
	if !ok {
		return errNoMemory
	}
	l.paramsPhys = addr

	page := phys.Access(addr, phys.PageSize)
	for i := range page {
		page[i] = 0
	}
	copy(page[offSetupSects:headerEnd], l.data[offSetupSects:headerEnd])

	page[offTypeOfLoader] = typeOfLoaderOther
	binary.LittleEndian.PutUint32(page[offCmdLinePtr:], uint32(l.cmdlinePhys))
	return nil
}
