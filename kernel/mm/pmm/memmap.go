package pmm

import (
	"helium/bootboot"
	"helium/kernel"
	"helium/kernel/kfmt"
	"helium/kernel/mm"
)

// Layout is the physical memory model built from the boot loader memory
// map.
type Layout struct {
	// Segments lists the usable segments, highest physical address first
	// so that allocations prefer high memory and leave low memory to
	// devices that need it.
	Segments []Segment

	// MetadataSize is the number of bytes needed for the headers and
	// bitmaps of all segments.
	MetadataSize uintptr

	// MetadataBase is the physical address of the metadata region. It is
	// only valid after PlaceMetadata succeeds.
	MetadataBase mm.PhysAddr
}

// Discover translates the boot loader memory map into a Layout. Only free
// regions that cover at least one whole page after aligning their start up
// and their end down to a page boundary are kept.
func Discover(entries []bootboot.MemoryMapEntry) (*Layout, *kernel.Error) {
	printMemoryMap(entries)

	layout := &Layout{}
	for i := len(entries) - 1; i >= 0; i-- {
		entry := &entries[i]
		if entry.Type != bootboot.MemFree {
			continue
		}

		start := mm.AlignUp(uintptr(entry.PhysAddress), mm.PageSize)
		end := mm.AlignDown(uintptr(entry.PhysAddress+entry.Length), mm.PageSize)
		if end <= start {
			continue
		}

		seg := Segment{Base: mm.PhysAddr(start), Size: end - start}
		layout.Segments = append(layout.Segments, seg)
		layout.MetadataSize += HeaderSize + BitmapSize(seg.Size)
	}

	if len(layout.Segments) == 0 {
		kfmt.Printf("[pmm] boot memory map has no usable regions\n")
		return nil, mm.ErrOutOfPhysicalSpace
	}

	return layout, nil
}

// PlaceMetadata reserves room for the allocator metadata at the start of the
// first segment that can fit it. The reserved pages are removed from the
// segment; a segment left without pages is dropped.
func PlaceMetadata(layout *Layout) *kernel.Error {
	reserve := mm.AlignUp(layout.MetadataSize, mm.PageSize)

	for i := range layout.Segments {
		seg := &layout.Segments[i]
		if seg.Size < reserve {
			continue
		}

		layout.MetadataBase = seg.Base
		seg.Base += mm.PhysAddr(reserve)
		seg.Size -= reserve

		if seg.Size == 0 {
			layout.Segments = append(layout.Segments[:i], layout.Segments[i+1:]...)
		}

		kfmt.Printf("[pmm] metadata: base=0x%x size=%d segments=%d\n", uintptr(layout.MetadataBase), layout.MetadataSize, len(layout.Segments))
		return nil
	}

	kfmt.Printf("[pmm] no segment can host %d bytes of metadata\n", layout.MetadataSize)
	return mm.ErrOutOfPhysicalSpace
}

// printMemoryMap logs the memory map reported by the boot loader.
func printMemoryMap(entries []bootboot.MemoryMapEntry) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree uint64
	for _, region := range entries {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == bootboot.MemFree {
			totalFree += region.Length
		}
	}
	kfmt.Printf("[pmm] available memory: %dKb\n", totalFree>>10)
}
