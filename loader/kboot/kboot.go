// Package kboot drives one load-and-enter attempt for the native Initium
// boot protocol. A Loader aggregates everything belonging to the attempt:
// the validated kernel image, the physical memory map, the target address
// space being built and the mapping records that end up in the tag list.
//
// Loading is an ordered pipeline with no backward transitions: check the
// kernel, normalize its load parameters, construct the virtual layout,
// run the architecture setup hook, finalize the memory map and enter.
// Every step up to entry can fail with a boot error returned to the
// caller; entry itself never returns.
package kboot

import (
	"github.com/aejsmith/kboot-sub001/initium"
	"github.com/aejsmith/kboot-sub001/loader"
	"github.com/aejsmith/kboot-sub001/loader/klog"
	"github.com/aejsmith/kboot-sub001/loader/mmu"
	"github.com/aejsmith/kboot-sub001/loader/phys"
	"github.com/aejsmith/kboot-sub001/loader/virt"
)

const (
	// defaultAlignment is the physical alignment used when the image's
	// load note leaves it unset. Matches the large-page size so the
	// kernel image can be mapped with large pages.
	defaultAlignment = uint64(2) << 20

	// defaultStackSize is the size of the boot stack handed to the
	// kernel.
	defaultStackSize = uint64(4) * phys.PageSize
)

var (
	errBadMachine    = &loader.Error{Module: "kboot", Message: "kernel image machine does not match this loader"}
	errBadLoadParams = &loader.Error{Module: "kboot", Message: "kernel image specifies an invalid virtual map window"}
	errBadSegments   = &loader.Error{Module: "kboot", Message: "kernel image segments lie outside the valid address range"}
	errBadEntry      = &loader.Error{Module: "kboot", Message: "kernel entry point lies outside the loaded image"}
	errNoMemory      = &loader.Error{Module: "kboot", Message: "insufficient memory to place the kernel image"}
	errVirtConflict  = &loader.Error{Module: "kboot", Message: "kernel virtual addresses conflict with an existing mapping"}
	errNoRootSlot    = &loader.Error{Module: "kboot", Message: "no free root-table slot for the recursive mapping"}

	errTagOverflow = &loader.Error{Module: "kboot", Message: "tag list exceeded its reserved space"}
	errNoEnterFn   = &loader.Error{Module: "kboot", Message: "no trampoline entry hook registered"}
	errEnterBack   = &loader.Error{Module: "kboot", Message: "trampoline entry hook returned"}
)

// enterFn performs the final mode switch through the architecture
// trampoline and jumps to the kernel. It is registered by platform startup
// code and must never return.
var enterFn func(l *Loader)

// SetEnterFn registers the trampoline entry hook.
func SetEnterFn(fn func(l *Loader)) {
	enterFn = fn
}

// cpuCheckFn verifies the running CPU can enter the mode the kernel
// requires (e.g. long-mode availability). Platform startup code replaces
// it; the default accepts everything, which is what the tests want.
var cpuCheckFn = func(machine uint16) *loader.Error {
	return nil
}

// SetCPUCheckFn registers the CPU feature check run before loading.
func SetCPUCheckFn(fn func(machine uint16) *loader.Error) {
	cpuCheckFn = fn
}

// Module is one kernel module loaded alongside the image.
type Module struct {
	Name string
	Data []byte

	// addr is the physical placement chosen by Load.
	addr uint64
}

// mapping records one virtual-to-physical mapping established for the
// kernel, reported through a VMem tag.
type mapping struct {
	virt uint64
	phys uint64
	size uint64
}

// archOps is the per-architecture part of the pipeline.
type archOps struct {
	machine uint16

	// defaultMapBase/Size describe the virtual map window used when the
	// image's load note does not specify one.
	defaultMapBase uint64
	defaultMapSize uint64

	newContext func(mp *phys.Map, kind phys.RangeKind) (mmu.Context, *loader.Error)

	// setup runs the architecture setup hook after the virtual layout is
	// complete and returns the page-table locations for the tag list.
	setup func(l *Loader) (initium.PagetablesTag, *loader.Error)
}

// archTable lists the supported architectures, selected by the image's ELF
// machine value.
var archTable = []archOps{
	{
		machine:        initium.MachineX8664,
		defaultMapBase: 0xffff800000000000,
		defaultMapSize: uint64(1) << 47,
		newContext: func(mp *phys.Map, kind phys.RangeKind) (mmu.Context, *loader.Error) {
			return mmu.NewAMD64Context(mmu.Mode64, mp, kind)
		},
		setup: amd64Setup,
	},
	{
		machine:        initium.MachineAArch64,
		defaultMapBase: 0xffff000000000000,
		defaultMapSize: uint64(1) << 48,
		newContext: func(mp *phys.Map, kind phys.RangeKind) (mmu.Context, *loader.Error) {
			return mmu.NewARM64Context(mmu.Mode64, mp, kind)
		},
		setup: arm64Setup,
	},
}

// Loader aggregates the state of one native-protocol load attempt. Create
// it with NewLoader, configure modules and the serial description, then
// call Load followed by Enter.
type Loader struct {
	img  *initium.Image
	mem  *phys.Map
	mode mmu.Mode
	arch archOps

	modules []Module
	serial  *initium.SerialTag
	e820    []byte

	ctx   mmu.Context
	tramp mmu.Context
	space *virt.Space

	load     initium.LoadParams
	mappings []mapping

	kernelPhys uint64
	entry      uint64
	stackBase  uint64
	stackPhys  uint64
	stackSize  uint64
	trampPhys  uint64
	tagsPhys   uint64
	tagsSize   uint64
	pagetables initium.PagetablesTag
}

// NewLoader creates a load attempt for img against the physical memory map
// mem. It fails if the image was built for a machine this loader has no
// backend for.
func NewLoader(img *initium.Image, mem *phys.Map) (*Loader, *loader.Error) {
	for _, arch := range archTable {
		if arch.machine == img.Machine {
			return &Loader{
				img:  img,
				mem:  mem,
				mode: mmu.Mode64,
				arch: arch,
			}, nil
		}
	}
	return nil, errBadMachine
}

// AddModule queues a module to be placed in memory and described to the
// kernel through a module tag.
func (l *Loader) AddModule(name string, data []byte) {
	l.modules = append(l.modules, Module{Name: name, Data: data})
}

// SetSerial records the debug serial port description passed to the kernel.
func (l *Loader) SetSerial(tag initium.SerialTag) {
	serial := tag
	l.serial = &serial
}

// SetE820 records the raw BIOS E820 buffer passed through to the kernel.
func (l *Loader) SetE820(buf []byte) {
	l.e820 = buf
}

// Entry returns the kernel entry point chosen by Load.
func (l *Loader) Entry() uint64 { return l.entry }

// Mode returns the negotiated load mode.
func (l *Loader) Mode() mmu.Mode { return l.mode }

// StackBase returns the virtual base of the boot stack.
func (l *Loader) StackBase() uint64 { return l.stackBase }

// TagsPhys returns the physical address of the tag list.
func (l *Loader) TagsPhys() uint64 { return l.tagsPhys }

// Context returns the target kernel's MMU context.
func (l *Loader) Context() mmu.Context { return l.ctx }

// TrampolineContext returns the minimal MMU context used during the mode
// switch; it identity-maps only the trampoline page.
func (l *Loader) TrampolineContext() mmu.Context { return l.tramp }

// TrampolinePhys returns the physical address of the trampoline page.
func (l *Loader) TrampolinePhys() uint64 { return l.trampPhys }

// Mappings returns the established virtual mappings as VMem tag records.
func (l *Loader) Mappings() []initium.VMemTag {
	out := make([]initium.VMemTag, len(l.mappings))
	for i, m := range l.mappings {
		out[i] = initium.VMemTag{Start: m.virt, Size: m.size, Phys: m.phys}
	}
	return out
}

// Load runs the pipeline up to and including memory map finalization.
// After Load succeeds the only remaining step is Enter; on failure the map
// may contain allocations made by the partial attempt and the caller
// returns to the configuration layer, which discards the whole attempt.
func (l *Loader) Load() *loader.Error {
	if err := cpuCheckFn(l.img.Machine); err != nil {
		return err
	}

	ctx, err := l.arch.newContext(l.mem, phys.KindPageTables)
	if err != nil {
		return err
	}
	l.ctx = ctx

	if err := l.checkLoadParams(); err != nil {
		return err
	}
	if err := l.loadKernel(); err != nil {
		return err
	}
	if err := l.allocStack(); err != nil {
		return err
	}

	l.pagetables, err = l.arch.setup(l)
	if err != nil {
		return err
	}

	l.loadModules()

	if err := l.allocTrampoline(); err != nil {
		return err
	}

	// Reserve space for the tag list before finalizing: finalization is
	// the last point at which allocation is allowed.
	l.tagsSize = l.estimateTagsSize()
	l.tagsPhys, _ = l.mem.Alloc(l.tagsSize, 0, 0, 0, phys.KindReclaimable, 0)

	finalRanges := l.mem.Finalize()
	l.buildTags(finalRanges)

	klog.Printf("kboot: kernel loaded, entry %16x stack %16x tags %16x\n",
		l.entry, l.stackBase, l.tagsPhys)
	return nil
}

// Enter transfers control to the loaded kernel through the registered
// trampoline hook. It never returns.
func (l *Loader) Enter() {
	if enterFn == nil {
		loader.Crash(errNoEnterFn)
	}
	enterFn(l)
	loader.Crash(errEnterBack)
}

// checkLoadParams fills in defaults for load-note fields the image left
// zero and validates an image-specified virtual map window against the
// architecture's address rules.
func (l *Loader) checkLoadParams() *loader.Error {
	l.load = l.img.Load

	if l.load.Alignment == 0 {
		l.load.Alignment = defaultAlignment
	}
	if l.load.MinAlignment == 0 {
		l.load.MinAlignment = phys.PageSize
	}
	if l.load.Alignment%phys.PageSize != 0 || l.load.Alignment&(l.load.Alignment-1) != 0 ||
		l.load.MinAlignment > l.load.Alignment {
		return errBadLoadParams
	}

	if l.load.VirtMapBase == 0 && l.load.VirtMapSize == 0 {
		l.load.VirtMapBase = l.arch.defaultMapBase
		l.load.VirtMapSize = l.arch.defaultMapSize
	}

	base, size := l.load.VirtMapBase, l.load.VirtMapSize
	if size == 0 || base%phys.PageSize != 0 || size%phys.PageSize != 0 {
		return errBadLoadParams
	}
	last := base + size - 1
	if last < base || !l.ctx.IsValidAddr(base) || !l.ctx.IsValidAddr(last) ||
		l.ctx.IsKernelAddr(base) != l.ctx.IsKernelAddr(last) {
		return errBadLoadParams
	}

	l.space = virt.NewSpace(base, size)
	return nil
}

// imageExtent returns the page-aligned virtual extent covered by the
// image's load segments.
func (l *Loader) imageExtent() (uint64, uint64, bool) {
	segs := l.img.LoadSegments()
	if len(segs) == 0 {
		return 0, 0, false
	}

	start, end := ^uint64(0), uint64(0)
	for _, ph := range segs {
		if ph.Vaddr < start {
			start = ph.Vaddr
		}
		if ph.Vaddr+ph.MemSize > end {
			end = ph.Vaddr + ph.MemSize
		}
	}

	start &^= phys.PageSize - 1
	end = (end + phys.PageSize - 1) &^ (phys.PageSize - 1)
	return start, end, true
}

// allocKernelPhys places the kernel's physical memory. Relocatable images
// retry at successively halved alignments down to the image minimum before
// failing; fixed images must get exactly their linked physical address.
func (l *Loader) allocKernelPhys(size uint64) (uint64, *loader.Error) {
	if l.load.Flags&initium.LoadFlagFixed != 0 {
		base := l.img.LoadSegments()[0].Paddr &^ (phys.PageSize - 1)
		addr, ok := l.mem.Alloc(size, 0, base, base+size-1, phys.KindAllocated, phys.AllocCanFail)
		if !ok {
			return 0, errNoMemory
		}
		return addr, nil
	}

	for align := l.load.Alignment; align >= l.load.MinAlignment; align /= 2 {
		if addr, ok := l.mem.Alloc(size, align, 0, 0, phys.KindAllocated, phys.AllocCanFail); ok {
			return addr, nil
		}
	}
	return 0, errNoMemory
}

// loadKernel places the kernel image: one contiguous physical allocation
// covering the whole segment extent, mapped at the image's linked virtual
// addresses, zeroed and then filled segment by segment.
func (l *Loader) loadKernel() *loader.Error {
	virtBase, virtEnd, ok := l.imageExtent()
	if !ok {
		return errBadSegments
	}
	size := virtEnd - virtBase

	if !l.ctx.IsValidAddr(virtBase) || !l.ctx.IsValidAddr(virtEnd-1) ||
		l.ctx.IsKernelAddr(virtBase) != l.ctx.IsKernelAddr(virtEnd-1) {
		return errBadSegments
	}

	physBase, err := l.allocKernelPhys(size)
	if err != nil {
		return err
	}
	l.kernelPhys = physBase

	if !l.space.Insert(virtBase, size) {
		return errVirtConflict
	}
	if err := l.ctx.Map(virtBase, physBase, size); err != nil {
		return err
	}
	l.mappings = append(l.mappings, mapping{virt: virtBase, phys: physBase, size: size})

	if err := l.ctx.Memset(virtBase, 0, size); err != nil {
		return err
	}
	for _, ph := range l.img.LoadSegments() {
		data, err := l.img.SegmentData(ph)
		if err != nil {
			return err
		}
		if err := l.ctx.CopyTo(ph.Vaddr, data); err != nil {
			return err
		}
	}

	l.entry = l.img.Entry
	if l.entry < virtBase || l.entry >= virtEnd {
		return errBadEntry
	}
	return nil
}

// allocStack allocates and maps the kernel's boot stack.
func (l *Loader) allocStack() *loader.Error {
	l.stackSize = defaultStackSize
	l.stackPhys, _ = l.mem.Alloc(l.stackSize, 0, 0, 0, phys.KindStack, 0)

	addr, ok := l.space.Alloc(l.stackSize, 0)
	if !ok {
		return errVirtConflict
	}
	l.stackBase = addr

	if err := l.ctx.Map(addr, l.stackPhys, l.stackSize); err != nil {
		return err
	}
	l.mappings = append(l.mappings, mapping{virt: addr, phys: l.stackPhys, size: l.stackSize})
	return nil
}

// loadModules copies each module into a physically contiguous allocation.
// Modules are described physically; the kernel maps them itself.
func (l *Loader) loadModules() {
	for i := range l.modules {
		mod := &l.modules[i]
		size := (uint64(len(mod.Data)) + phys.PageSize - 1) &^ (phys.PageSize - 1)
		addr, _ := l.mem.Alloc(size, 0, 0, 0, phys.KindModules, 0)
		copy(phys.Access(addr, size), mod.Data)
		mod.addr = addr
	}
}

// allocTrampoline allocates the trampoline page below 4GB (the mode switch
// executes with limited addressing) and builds the minimal context that
// identity-maps it.
func (l *Loader) allocTrampoline() *loader.Error {
	l.trampPhys, _ = l.mem.Alloc(phys.PageSize, 0, 0, 0xffffffff, phys.KindInternal, 0)

	tramp, err := l.arch.newContext(l.mem, phys.KindInternal)
	if err != nil {
		return err
	}
	l.tramp = tramp
	return l.tramp.Map(l.trampPhys, l.trampPhys, phys.PageSize)
}

// estimateTagsSize returns a page-aligned upper bound on the final tag
// list size. The reservation itself splits at most two ranges, hence the
// headroom on the range count.
func (l *Loader) estimateTagsSize() uint64 {
	size := 64 + 24 + 8 // core + pagetables + terminator

	size += 32 * (len(l.mem.Ranges()) + 4)
	size += 32 * len(l.mappings)

	if table := l.img.SectionTable(); table != nil {
		size += 24 + len(table) + 8
	}
	if l.serial != nil {
		size += 24
	}
	if l.e820 != nil {
		size += 8 + len(l.e820) + 8
	}
	for _, mod := range l.modules {
		size += 24 + len(mod.Name) + 1 + 8
	}

	return (uint64(size) + phys.PageSize - 1) &^ (phys.PageSize - 1)
}

// buildTags synthesizes the tag list from the finalized memory map and
// copies it into its reserved physical region.
func (l *Loader) buildTags(ranges []phys.Range) {
	var tags initium.TagList

	tags.AppendCore(initium.CoreTag{
		TagsPhys:   l.tagsPhys,
		KernelPhys: l.kernelPhys,
		StackBase:  l.stackBase,
		StackPhys:  l.stackPhys,
		StackSize:  l.stackSize,
	})

	for _, r := range ranges {
		tags.AppendMemory(initium.MemoryTag{
			Start: r.Start,
			Size:  r.Size,
			Kind:  uint32(r.Kind),
		})
	}
	for _, m := range l.mappings {
		tags.AppendVMem(initium.VMemTag{Start: m.virt, Size: m.size, Phys: m.phys})
	}

	tags.AppendPagetables(l.pagetables)

	if table := l.img.SectionTable(); table != nil {
		tags.AppendSections(initium.SectionsTag{
			Num:      l.img.SectionCount,
			EntSize:  l.img.SectionEntSize,
			ShStrIdx: l.img.ShStrIdx,
		}, table)
	}
	for _, mod := range l.modules {
		tags.AppendModule(mod.addr, uint32(len(mod.Data)), mod.Name)
	}
	if l.serial != nil {
		tags.AppendSerial(*l.serial)
	}
	if l.e820 != nil {
		tags.AppendE820(l.e820)
	}

	data := tags.Close()
	if uint64(len(data)) > l.tagsSize {
		loader.Crash(errTagOverflow)
	}
	copy(phys.Access(l.tagsPhys, l.tagsSize), data)
}
