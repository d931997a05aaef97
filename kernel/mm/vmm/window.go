package vmm

import (
	"helium/kernel"
	"helium/kernel/mm"
)

// Window is a fixed range of the kernel address space that is owned by a
// specific kernel system. Only the owner may map or unmap inside it, using
// MapOwned and UnmapOwned.
type Window struct {
	Name  string
	Start mm.VirtAddr
	Size  uintptr
}

// End returns the first address past the window.
func (w Window) End() mm.VirtAddr {
	return w.Start + mm.VirtAddr(w.Size)
}

// Overlaps returns true if [start, end) intersects the window.
func (w Window) Overlaps(start, end mm.VirtAddr) bool {
	return start < w.End() && w.Start < end
}

// Contains returns true if [start, end) lies entirely inside the window.
func (w Window) Contains(start, end mm.VirtAddr) bool {
	return start >= w.Start && end <= w.End() && start < end
}

// ManagedRegions reports whether a virtual range has been handed out by a
// range allocator such as the virtual range cache.
type ManagedRegions interface {
	Manages(start, end mm.VirtAddr) bool
}

// FrameSource supplies the physical frames used for page tables.
type FrameSource interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	FreeFrame(mm.Frame) *kernel.Error
}

// Broadcaster propagates TLB invalidations to the other active cores and
// waits for them to acknowledge.
type Broadcaster interface {
	Broadcast(start mm.VirtAddr, pages uintptr, global, fullReload bool)
}
