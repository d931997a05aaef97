package mm

import (
	"math"
)

// PhysAddr is a physical memory address.
type PhysAddr uintptr

// VirtAddr is a virtual memory address.
type VirtAddr uintptr

// Frame returns the physical frame that contains this address.
func (a PhysAddr) Frame() Frame { return FrameFromAddress(uintptr(a)) }

// PageAligned returns true if the address is a multiple of PageSize.
func (a PhysAddr) PageAligned() bool { return uintptr(a)&(PageSize-1) == 0 }

// Page returns the virtual page that contains this address.
func (a VirtAddr) Page() Page { return PageFromAddress(uintptr(a)) }

// PageAligned returns true if the address is a multiple of PageSize.
func (a VirtAddr) PageAligned() bool { return uintptr(a)&(PageSize-1) == 0 }

// Canonical returns true if the address sign-extends bit 47 into the upper
// 16 bits as required by the MMU.
func (a VirtAddr) Canonical() bool {
	upper := uintptr(a) >> (canonicalBits - 1)
	return upper == 0 || upper == (1<<(64-canonicalBits+1))-1
}

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// PhysAddr returns the typed physical address of the frame start.
func (f Frame) PhysAddr() PhysAddr {
	return PhysAddr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// AlignUp rounds v up to the next multiple of align which must be a power
// of two.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align which must be a power of
// two.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}
