// Package mm contains the address, frame and layout definitions shared by
// the physical and virtual memory managers of the kernel. The kernel targets
// amd64 with 4-level paging.
package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// canonicalBits is the number of significant virtual address bits.
	// Bits [canonicalBits, 64) must be copies of bit canonicalBits-1.
	canonicalBits = 48
)

// Fixed kernel virtual windows. They do not overlap and are established once
// while the memory manager boots.
const (
	// KernelSpaceBase is the start of the kernel half of the address space.
	// The first window at this address is a direct map of physical memory
	// which replaces the boot loader identity mapping.
	KernelSpaceBase = VirtAddr(0xFFFF800000000000)

	// DirectMapSize is the size of the direct map window.
	DirectMapSize = uintptr(256 << 30)

	// SegmentHeaderBase is the virtual address where the physical segment
	// headers and bitmaps are mapped.
	SegmentHeaderBase = VirtAddr(0xFFFF804000000000)

	// SegmentHeaderWindowSize is the size of the segment header window.
	SegmentHeaderWindowSize = uintptr(256 << 30)

	// KernelHeapBase is the start of the kernel heap window that is handed
	// out by the virtual range cache.
	KernelHeapBase = VirtAddr(0xFFFF808000000000)

	// KernelHeapSize is the size of the kernel heap window (one top-level
	// table entry).
	KernelHeapSize = uintptr(512 << 30)
)
