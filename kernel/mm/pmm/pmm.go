// Package pmm implements the physical memory manager. Usable physical memory
// is split into segments; each segment is described by a header followed by
// a bitmap with one bit per page. Headers and bitmaps live back to back in a
// metadata region carved out of one of the segments.
package pmm

import (
	"helium/kernel/mm"
)

const (
	// SegmentMagic is stored in the first word of every segment header.
	SegmentMagic = uint64(0xA55AA55AA55AA55A)

	// HeaderSize is the size of a segment header (magic, base, size).
	HeaderSize = uintptr(24)

	hdrMagicOffset = 0
	hdrBaseOffset  = 8
	hdrSizeOffset  = 16
)

// Segment describes a page-aligned range of usable physical memory.
type Segment struct {
	Base mm.PhysAddr
	Size uintptr
}

// Pages returns the number of pages in the segment.
func (s Segment) Pages() uintptr {
	return s.Size >> mm.PageShift
}

// End returns the first address past the segment.
func (s Segment) End() mm.PhysAddr {
	return s.Base + mm.PhysAddr(s.Size)
}

// BitmapSize returns the number of bytes required for the bitmap of a
// segment with the given size. The bitmap is stored as 64-bit words.
func BitmapSize(size uintptr) uintptr {
	return mm.AlignUp(size>>mm.PageShift, 64) >> 3
}

// MetadataSize returns the number of bytes needed to store the headers and
// bitmaps for segs.
func MetadataSize(segs []Segment) uintptr {
	var total uintptr
	for _, seg := range segs {
		total += HeaderSize + BitmapSize(seg.Size)
	}
	return total
}

// Selector picks the segment an allocation request is served from.
type Selector int

// AnySegment lets the allocator pick the first segment that can serve a
// request.
const AnySegment = Selector(-1)

// Request describes a physical allocation.
type Request struct {
	// Size in bytes; rounded up to whole pages.
	Size uintptr

	// Align is the required alignment of the physical address. It must
	// be a power of two; values below mm.PageSize (including 0) select
	// page alignment.
	Align uintptr

	// Contiguous requires the whole Size to be granted as a single run.
	// When false the allocator grants the first free aligned run which
	// may be shorter than Size.
	Contiguous bool

	// Below, if non-zero, requires Addr+Size <= Below.
	Below mm.PhysAddr
}

// Allocation describes a granted physical range.
type Allocation struct {
	Addr    mm.PhysAddr
	Segment int
	Size    uintptr
}

// End returns the first address past the allocation.
func (a Allocation) End() mm.PhysAddr {
	return a.Addr + mm.PhysAddr(a.Size)
}

// SegmentInfo reports the state of a segment.
type SegmentInfo struct {
	Base       mm.PhysAddr
	Size       uintptr
	TotalPages uintptr
	UsedPages  uintptr
	FreePages  uintptr
}
