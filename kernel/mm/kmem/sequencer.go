// Package kmem boots the memory manager and exposes the resulting instance
// to the rest of the kernel.
package kmem

import (
	"helium/bootboot"
	"helium/kernel"
	"helium/kernel/cpu"
	"helium/kernel/gdt"
	"helium/kernel/kfmt"
	"helium/kernel/mm"
	"helium/kernel/mm/pmm"
	"helium/kernel/mm/vcache"
	"helium/kernel/mm/vmm"
	"helium/kernel/smp"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activePDTFn       = cpu.ActivePDT
	supports1GPagesFn = cpu.Supports1GPages
	loadDescriptorsFn = gdt.Load

	// ErrBootOrder is returned when a boot step is invoked before its
	// predecessor completed.
	ErrBootOrder = &kernel.Error{Module: "kmem", Code: kernel.CodeBootOrder, Message: "boot step invoked out of order"}
)

// State identifies the last boot step that completed.
type State uint8

// The boot steps in the order they must run.
const (
	Uninitialized State = iota
	DescriptorsLoaded
	SegmentsDiscovered
	MetadataPlaced
	VCacheReady
	MetadataMapped
	IdentityMapRemoved
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case DescriptorsLoaded:
		return "descriptors loaded"
	case SegmentsDiscovered:
		return "segments discovered"
	case MetadataPlaced:
		return "metadata placed"
	case VCacheReady:
		return "vcache ready"
	case MetadataMapped:
		return "metadata mapped"
	case IdentityMapRemoved:
		return "identity map removed"
	default:
		return "unknown"
	}
}

// Platform supplies the views of memory the sequencer works through.
type Platform struct {
	// Phys accesses physical addresses through the boot loader identity
	// map. It is only valid until the identity map is removed.
	Phys mm.Memory

	// DirectMap accesses physical addresses through the direct map
	// window. It is used once the identity map is removed.
	DirectMap mm.Memory

	// Virt accesses kernel virtual addresses.
	Virt mm.Memory
}

// Sequencer runs the boot steps of the memory manager. Each step is only
// legal once its predecessor completed; a failing step leaves the state
// unchanged.
type Sequencer struct {
	state    State
	platform Platform

	orders mm.OrderTable
	layout *pmm.Layout

	// directMapEnd is the end of the physical range covered by the direct
	// map.
	directMapEnd uintptr

	pmm       pmm.BitmapAllocator
	mapper    *vmm.Mapper
	vcache    vcache.Cache
	shootdown smp.Shootdown
}

// NewSequencer returns a Sequencer that accesses memory through p.
func NewSequencer(p Platform) *Sequencer {
	return &Sequencer{platform: p}
}

// State returns the last completed boot step.
func (s *Sequencer) State() State {
	return s.state
}

// expect fails with ErrBootOrder unless prev is the last completed step.
func (s *Sequencer) expect(prev State) *kernel.Error {
	if s.state != prev {
		kfmt.Printf("[kmem] boot step requires state %q; current state is %q\n", prev.String(), s.state.String())
		return ErrBootOrder
	}
	return nil
}

func (s *Sequencer) advance(next State) {
	s.state = next
	kfmt.Printf("[kmem] %s\n", next.String())
}

// LoadDescriptors derives the page order table and installs the kernel
// descriptor table.
func (s *Sequencer) LoadDescriptors() *kernel.Error {
	if err := s.expect(Uninitialized); err != nil {
		return err
	}

	s.orders = mm.NewOrderTable()
	loadDescriptorsFn()

	s.advance(DescriptorsLoaded)
	return nil
}

// DiscoverSegments builds the physical segment list from the boot loader
// memory map.
func (s *Sequencer) DiscoverSegments(info *bootboot.Info) *kernel.Error {
	if err := s.expect(DescriptorsLoaded); err != nil {
		return err
	}

	layout, err := pmm.Discover(info.MemoryMap)
	if err != nil {
		return err
	}

	var end uintptr
	for _, seg := range layout.Segments {
		if segEnd := uintptr(seg.End()); segEnd > end {
			end = segEnd
		}
	}

	s.layout, s.directMapEnd = layout, end
	s.advance(SegmentsDiscovered)
	return nil
}

// PlaceMetadata carves the allocator metadata out of physical memory and
// initializes the segment headers through the identity map.
func (s *Sequencer) PlaceMetadata() *kernel.Error {
	if err := s.expect(SegmentsDiscovered); err != nil {
		return err
	}

	layout := *s.layout
	layout.Segments = append([]pmm.Segment(nil), s.layout.Segments...)
	if err := pmm.PlaceMetadata(&layout); err != nil {
		return err
	}

	if err := s.pmm.Init(s.platform.Phys, uintptr(layout.MetadataBase), layout.Segments); err != nil {
		return err
	}

	*s.layout = layout
	s.advance(MetadataPlaced)
	return nil
}

// InitVCache creates the mapper over the active page tables, hands the
// kernel heap window to the virtual range cache and reserves the fixed
// kernel windows.
func (s *Sequencer) InitVCache() *kernel.Error {
	if err := s.expect(MetadataPlaced); err != nil {
		return err
	}

	heap := vmm.Window{Name: "kernel heap", Start: mm.KernelHeapBase, Size: mm.KernelHeapSize}
	if err := s.vcache.Init(heap); err != nil {
		return err
	}

	root := mm.FrameFromAddress(activePDTFn())
	s.mapper = vmm.NewMapper(s.platform.Phys, root, s.orders, &s.pmm)
	s.mapper.Reserve(vmm.Window{Name: "direct map", Start: mm.KernelSpaceBase, Size: mm.DirectMapSize})
	s.mapper.Reserve(vmm.Window{Name: "segment headers", Start: mm.SegmentHeaderBase, Size: mm.SegmentHeaderWindowSize})
	s.mapper.Reserve(heap)
	s.mapper.SetManaged(&s.vcache)

	s.shootdown.SetActiveCores(1)
	s.mapper.SetBroadcaster(&s.shootdown)

	s.advance(VCacheReady)
	return nil
}

// MapMetadata maps the allocator metadata into the segment header window,
// maps physical memory into the direct map window and switches the
// allocator to its virtual view.
func (s *Sequencer) MapMetadata() *kernel.Error {
	if err := s.expect(VCacheReady); err != nil {
		return err
	}

	// The mapper keeps using the boot loader tables of the upper half
	// through the direct map once the identity map is gone.
	directEnd := s.directMapEnd
	if tablesEnd := s.mapper.TablesEnd(); tablesEnd > directEnd {
		directEnd = tablesEnd
	}

	metaSize := mm.AlignUp(s.pmm.MetadataSize(), mm.PageSize)
	err := s.mapper.MapOwned(mm.SegmentHeaderBase, s.layout.MetadataBase, metaSize, vmm.FlagRead|vmm.FlagWrite|vmm.FlagGlobal)
	if err != nil {
		return err
	}

	flags := vmm.FlagRead | vmm.FlagWrite | vmm.FlagGlobal | vmm.FlagHuge1G
	frameSize := s.orders.Size(mm.Order1G)
	if !supports1GPagesFn() {
		flags = flags&^vmm.FlagHuge1G | vmm.FlagHuge2M
		frameSize = s.orders.Size(mm.Order2M)
	}

	directSize := mm.AlignUp(directEnd, frameSize)
	if directSize > mm.DirectMapSize {
		kfmt.Printf("[kmem] physical memory above 0x%x is not reachable through the direct map\n", mm.DirectMapSize)
		directSize = mm.DirectMapSize
	}

	if err = s.mapper.MapOwned(mm.KernelSpaceBase, 0, directSize, flags); err != nil {
		unwindErr("segment header mapping", s.mapper.UnmapOwned(mm.SegmentHeaderBase, metaSize))
		return err
	}

	s.pmm.Rebase(s.platform.Virt, uintptr(mm.SegmentHeaderBase))
	kfmt.Printf("[kmem] direct map: [0x%x - 0x%x)\n", uintptr(mm.KernelSpaceBase), uintptr(mm.KernelSpaceBase)+directSize)

	s.advance(MetadataMapped)
	return nil
}

// RemoveIdentityMap drops the boot loader identity mapping and switches the
// mapper to the direct map. The step cannot be undone.
func (s *Sequencer) RemoveIdentityMap() *kernel.Error {
	if err := s.expect(MetadataMapped); err != nil {
		return err
	}

	s.mapper.RemoveLowerHalf()
	s.mapper.SetTables(s.platform.DirectMap)

	s.advance(IdentityMapRemoved)
	return nil
}

// Run executes every boot step in order and stops at the first error.
func (s *Sequencer) Run(info *bootboot.Info) *kernel.Error {
	steps := []func() *kernel.Error{
		s.LoadDescriptors,
		func() *kernel.Error { return s.DiscoverSegments(info) },
		s.PlaceMetadata,
		s.InitVCache,
		s.MapMetadata,
		s.RemoveIdentityMap,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	return nil
}

// Manager returns the memory manager once every boot step completed.
func (s *Sequencer) Manager() (*Manager, *kernel.Error) {
	if err := s.expect(IdentityMapRemoved); err != nil {
		return nil, err
	}

	return &Manager{seq: s}, nil
}
