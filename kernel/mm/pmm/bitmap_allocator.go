package pmm

import (
	"helium/kernel"
	"helium/kernel/kfmt"
	"helium/kernel/mm"
	"helium/kernel/sync"
	"math/bits"
	"sync/atomic"
)

const allUsed = ^uint64(0)

// segmentState caches where a segment header lives inside the metadata
// region. The header contents are always read back from memory so that a
// corrupted header is detected on use.
type segmentState struct {
	lock sync.Spinlock

	// offset of the header from the metadata base.
	offset uintptr
}

// BitmapAllocator implements a physical page allocator that tracks page
// reservations across the available memory segments using bitmaps. Bit i of
// bitmap word w tracks page w*64+i of the segment; a set bit marks a used
// page.
type BitmapAllocator struct {
	// mem is the view through which the metadata is accessed and base is
	// the metadata address within that view.
	mem  mm.Memory
	base uintptr

	segs []segmentState

	// poisoned is set once a header fails validation. Every call that
	// follows reports ErrCorruption.
	poisoned atomic.Bool
}

// Init writes a header and an empty bitmap for each segment to the metadata
// region at base. Bitmap bits that do not correspond to a page of the segment
// are marked as used.
func (alloc *BitmapAllocator) Init(mem mm.Memory, base uintptr, segs []Segment) *kernel.Error {
	if len(segs) == 0 {
		return mm.ErrOutOfPhysicalSpace
	}

	alloc.mem = mem
	alloc.base = base
	alloc.segs = make([]segmentState, len(segs))
	alloc.poisoned.Store(false)

	var offset uintptr
	for i, seg := range segs {
		hdr := base + offset
		mem.SetUint64(hdr+hdrMagicOffset, SegmentMagic)
		mem.SetUint64(hdr+hdrBaseOffset, uint64(seg.Base))
		mem.SetUint64(hdr+hdrSizeOffset, uint64(seg.Size))

		bitmapBytes := BitmapSize(seg.Size)
		mem.Memset(hdr+HeaderSize, 0, bitmapBytes)
		if tail := seg.Pages() % 64; tail != 0 {
			mem.SetUint64(hdr+HeaderSize+bitmapBytes-8, allUsed<<tail)
		}

		alloc.segs[i].offset = offset
		offset += HeaderSize + bitmapBytes

		kfmt.Printf("[pmm] segment %d: header=0x%x base=0x%x pages=%d\n", i, hdr, uintptr(seg.Base), seg.Pages())
	}

	return nil
}

// Rebase switches the view used to access the metadata. The metadata itself
// is not moved; base is its address in the new view.
func (alloc *BitmapAllocator) Rebase(mem mm.Memory, base uintptr) {
	for i := range alloc.segs {
		alloc.segs[i].lock.Acquire()
	}

	alloc.mem = mem
	alloc.base = base

	for i := len(alloc.segs) - 1; i >= 0; i-- {
		alloc.segs[i].lock.Release()
	}
}

// SegmentCount returns the number of segments managed by the allocator.
func (alloc *BitmapAllocator) SegmentCount() int {
	return len(alloc.segs)
}

// MetadataSize returns the number of bytes occupied by headers and bitmaps.
func (alloc *BitmapAllocator) MetadataSize() uintptr {
	if len(alloc.segs) == 0 {
		return 0
	}

	last := len(alloc.segs) - 1
	hdr := alloc.base + alloc.segs[last].offset
	return alloc.segs[last].offset + HeaderSize + BitmapSize(uintptr(alloc.mem.Uint64(hdr+hdrSizeOffset)))
}

// header validates the header of segment i and returns its address together
// with the segment it describes. The caller must hold the segment lock.
func (alloc *BitmapAllocator) header(i int) (uintptr, Segment, *kernel.Error) {
	hdr := alloc.base + alloc.segs[i].offset
	if magic := alloc.mem.Uint64(hdr + hdrMagicOffset); magic != SegmentMagic {
		alloc.poisoned.Store(true)
		kfmt.Printf("[pmm] segment %d: header at 0x%x has bad magic 0x%x\n", i, hdr, magic)
		return 0, Segment{}, mm.ErrCorruption
	}

	return hdr, Segment{
		Base: mm.PhysAddr(alloc.mem.Uint64(hdr + hdrBaseOffset)),
		Size: uintptr(alloc.mem.Uint64(hdr + hdrSizeOffset)),
	}, nil
}

func (alloc *BitmapAllocator) word(hdr, index uintptr) uint64 {
	return alloc.mem.Uint64(hdr + HeaderSize + index<<3)
}

func (alloc *BitmapAllocator) used(hdr, page uintptr) bool {
	return alloc.word(hdr, page>>6)&(1<<(page&63)) != 0
}

// markRange sets or clears the bits for pages [first, first+count).
func (alloc *BitmapAllocator) markRange(hdr, first, count uintptr, used bool) {
	for page := first; page < first+count; {
		index := page >> 6
		bit := page & 63
		n := 64 - bit
		if rem := first + count - page; rem < n {
			n = rem
		}

		mask := allUsed
		if n < 64 {
			mask = ((1 << n) - 1) << bit
		}

		addr := hdr + HeaderSize + index<<3
		w := alloc.mem.Uint64(addr)
		if used {
			w |= mask
		} else {
			w &^= mask
		}
		alloc.mem.SetUint64(addr, w)
		page += n
	}
}

// Alloc reserves physical pages according to req. Segments are scanned in
// order; sel restricts the scan to a single segment.
func (alloc *BitmapAllocator) Alloc(sel Selector, req Request) (Allocation, *kernel.Error) {
	if alloc.poisoned.Load() {
		return Allocation{}, mm.ErrCorruption
	}

	if req.Size == 0 {
		return Allocation{}, mm.ErrNullSize
	}

	align := req.Align
	if align < mm.PageSize {
		align = mm.PageSize
	}
	if !mm.IsPowerOfTwo(align) {
		return Allocation{}, mm.ErrAlignment
	}

	pages := mm.AlignUp(req.Size, mm.PageSize) >> mm.PageShift

	if sel != AnySegment {
		if int(sel) < 0 || int(sel) >= len(alloc.segs) {
			return Allocation{}, mm.ErrCorruption
		}
		return alloc.allocFrom(int(sel), pages, align, req)
	}

	for i := range alloc.segs {
		a, err := alloc.allocFrom(i, pages, align, req)
		if err != mm.ErrOutOfPhysicalSpace {
			return a, err
		}
	}

	return Allocation{}, mm.ErrOutOfPhysicalSpace
}

// allocFrom performs a first-fit scan of segment i.
func (alloc *BitmapAllocator) allocFrom(i int, pages, align uintptr, req Request) (Allocation, *kernel.Error) {
	alloc.segs[i].lock.Acquire()
	defer alloc.segs[i].lock.Release()

	hdr, seg, err := alloc.header(i)
	if err != nil {
		return Allocation{}, err
	}

	var (
		total = seg.Pages()
		step  = align >> mm.PageShift
		start = (mm.AlignUp(uintptr(seg.Base), align) - uintptr(seg.Base)) >> mm.PageShift
	)

	for page := start; page < total; {
		addr := seg.Base + mm.PhysAddr(page<<mm.PageShift)
		if req.Below != 0 && addr >= req.Below {
			break
		}

		// Skip fully used words when candidates are denser than one
		// per word.
		if step < 64 && page&63 == 0 && alloc.word(hdr, page>>6) == allUsed {
			page += 64
			continue
		}

		if alloc.used(hdr, page) {
			page += step
			continue
		}

		want := pages
		if req.Below != 0 {
			if limit := uintptr(req.Below-addr) >> mm.PageShift; limit < want {
				if req.Contiguous {
					break
				}
				want = limit
			}
		}
		if want == 0 {
			break
		}

		run := uintptr(1)
		for run < want && page+run < total && !alloc.used(hdr, page+run) {
			run++
		}

		if run < want && req.Contiguous {
			if page+run >= total {
				break
			}
			page += (run/step + 1) * step
			continue
		}

		alloc.markRange(hdr, page, run, true)
		return Allocation{Addr: addr, Segment: i, Size: run << mm.PageShift}, nil
	}

	return Allocation{}, mm.ErrOutOfPhysicalSpace
}

// Free releases the pages of a. The call fails with ErrCorruption without
// modifying the bitmap if any page of a is not currently allocated, if a does
// not fit inside its segment or if sel names a different segment.
func (alloc *BitmapAllocator) Free(sel Selector, a Allocation) *kernel.Error {
	if alloc.poisoned.Load() {
		return mm.ErrCorruption
	}

	if a.Size == 0 {
		return mm.ErrNullSize
	}

	if (sel != AnySegment && int(sel) != a.Segment) || a.Segment < 0 || a.Segment >= len(alloc.segs) {
		return mm.ErrCorruption
	}

	alloc.segs[a.Segment].lock.Acquire()
	defer alloc.segs[a.Segment].lock.Release()

	hdr, seg, err := alloc.header(a.Segment)
	if err != nil {
		return err
	}

	size := mm.AlignUp(a.Size, mm.PageSize)
	if !a.Addr.PageAligned() || a.Addr < seg.Base || size > seg.Size || a.Addr > seg.End()-mm.PhysAddr(size) {
		kfmt.Printf("[pmm] segment %d: free of [0x%x, 0x%x) outside segment\n", a.Segment, uintptr(a.Addr), uintptr(a.End()))
		return mm.ErrCorruption
	}

	first := uintptr(a.Addr-seg.Base) >> mm.PageShift
	count := size >> mm.PageShift
	for page := first; page < first+count; page++ {
		if !alloc.used(hdr, page) {
			kfmt.Printf("[pmm] segment %d: double free of page 0x%x\n", a.Segment, uintptr(seg.Base)+page<<mm.PageShift)
			return mm.ErrCorruption
		}
	}

	alloc.markRange(hdr, first, count, false)
	return nil
}

// AllocFrame reserves a single page from any segment.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	a, err := alloc.Alloc(AnySegment, Request{Size: mm.PageSize})
	if err != nil {
		return mm.InvalidFrame, err
	}
	return a.Addr.Frame(), nil
}

// FreeFrame releases a page obtained via AllocFrame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	addr := frame.PhysAddr()
	for i := range alloc.segs {
		alloc.segs[i].lock.Acquire()
		_, seg, err := alloc.header(i)
		alloc.segs[i].lock.Release()

		if err != nil {
			return err
		}

		if addr >= seg.Base && addr < seg.End() {
			return alloc.Free(Selector(i), Allocation{Addr: addr, Segment: i, Size: mm.PageSize})
		}
	}

	return mm.ErrCorruption
}

// Segment reports the state of segment i.
func (alloc *BitmapAllocator) Segment(i int) (SegmentInfo, *kernel.Error) {
	if i < 0 || i >= len(alloc.segs) {
		return SegmentInfo{}, mm.ErrCorruption
	}

	alloc.segs[i].lock.Acquire()
	defer alloc.segs[i].lock.Release()

	hdr, seg, err := alloc.header(i)
	if err != nil {
		return SegmentInfo{}, err
	}

	var (
		words = BitmapSize(seg.Size) >> 3
		total = seg.Pages()
		set   uintptr
	)
	for w := uintptr(0); w < words; w++ {
		set += uintptr(bits.OnesCount64(alloc.word(hdr, w)))
	}

	used := set - (words*64 - total)
	return SegmentInfo{
		Base:       seg.Base,
		Size:       seg.Size,
		TotalPages: total,
		UsedPages:  used,
		FreePages:  total - used,
	}, nil
}

// Bitmap copies the bitmap words of segment i into dst and returns the
// filled slice.
func (alloc *BitmapAllocator) Bitmap(i int, dst []uint64) ([]uint64, *kernel.Error) {
	if i < 0 || i >= len(alloc.segs) {
		return nil, mm.ErrCorruption
	}

	alloc.segs[i].lock.Acquire()
	defer alloc.segs[i].lock.Release()

	hdr, seg, err := alloc.header(i)
	if err != nil {
		return nil, err
	}

	dst = dst[:0]
	for w := uintptr(0); w < BitmapSize(seg.Size)>>3; w++ {
		dst = append(dst, alloc.word(hdr, w))
	}
	return dst, nil
}

// Check validates every segment header and verifies that the bitmap bits
// past the last page of each segment are still marked as used.
func (alloc *BitmapAllocator) Check() *kernel.Error {
	if alloc.poisoned.Load() {
		return mm.ErrCorruption
	}

	for i := range alloc.segs {
		alloc.segs[i].lock.Acquire()
		hdr, seg, err := alloc.header(i)
		if err == nil {
			if tail := seg.Pages() % 64; tail != 0 {
				last := alloc.word(hdr, BitmapSize(seg.Size)>>3-1)
				if last&(allUsed<<tail) != allUsed<<tail {
					kfmt.Printf("[pmm] segment %d: padding bits cleared\n", i)
					err = mm.ErrCorruption
				}
			}
		}
		alloc.segs[i].lock.Release()

		if err != nil {
			return err
		}
	}

	return nil
}
