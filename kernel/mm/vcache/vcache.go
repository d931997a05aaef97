// Package vcache hands out page-aligned virtual address ranges from a fixed
// kernel window. Ranges are placed first-fit; the cache never maps anything
// itself.
package vcache

import (
	"helium/kernel"
	"helium/kernel/kfmt"
	"helium/kernel/mm"
	"helium/kernel/mm/vmm"
	"helium/kernel/sync"
	"sort"
)

var (
	errInvalidWindow = &kernel.Error{Module: "vcache", Code: kernel.CodeAlignment, Message: "window must be page-aligned and non-empty"}
	errUnknownRange  = &kernel.Error{Module: "vcache", Code: kernel.CodeCorruption, Message: "range was not allocated by this cache"}
)

// Range is a virtual address range handed out by the cache.
type Range struct {
	Start mm.VirtAddr
	Size  uintptr
}

// End returns the first address past the range.
func (r Range) End() mm.VirtAddr {
	return r.Start + mm.VirtAddr(r.Size)
}

// Constraints restrict the placement of an allocated range.
type Constraints struct {
	// Align is the required alignment of the range start. Values below
	// mm.PageSize select page alignment.
	Align uintptr
}

// Cache tracks the allocated ranges inside a single window.
type Cache struct {
	lock   sync.Spinlock
	window vmm.Window

	// used is kept sorted by start address.
	used []Range
}

// Init resets the cache to manage the supplied window.
func (c *Cache) Init(window vmm.Window) *kernel.Error {
	if window.Size == 0 || !window.Start.PageAligned() || window.Size&(mm.PageSize-1) != 0 {
		return errInvalidWindow
	}

	c.lock.Acquire()
	c.window = window
	c.used = c.used[:0]
	c.lock.Release()

	kfmt.Printf("[vcache] managing window %s: [0x%x - 0x%x)\n", window.Name, uintptr(window.Start), uintptr(window.End()))
	return nil
}

// Window returns the window managed by the cache.
func (c *Cache) Window() vmm.Window {
	return c.window
}

// AllocateRange reserves size bytes, rounded up to a page multiple, at the
// lowest address inside the window that satisfies the constraints. It
// returns mm.ErrOutOfVCacheSpace if no gap is large enough.
func (c *Cache) AllocateRange(size uintptr, cons Constraints) (Range, *kernel.Error) {
	if size == 0 {
		return Range{}, mm.ErrNullSize
	}

	align := cons.Align
	if align < mm.PageSize {
		align = mm.PageSize
	}
	if !mm.IsPowerOfTwo(align) {
		return Range{}, mm.ErrAlignment
	}

	size = mm.AlignUp(size, mm.PageSize)
	if size == 0 || size > c.window.Size {
		return Range{}, mm.ErrOutOfVCacheSpace
	}

	c.lock.Acquire()
	defer c.lock.Release()

	var (
		gapStart = uintptr(c.window.Start)
		index    int
	)
	for ; index <= len(c.used); index++ {
		gapEnd := uintptr(c.window.End())
		if index < len(c.used) {
			gapEnd = uintptr(c.used[index].Start)
		}

		start := mm.AlignUp(gapStart, align)
		if start >= gapStart && start <= gapEnd && gapEnd-start >= size {
			r := Range{Start: mm.VirtAddr(start), Size: size}
			c.used = append(c.used, Range{})
			copy(c.used[index+1:], c.used[index:])
			c.used[index] = r
			return r, nil
		}

		if index < len(c.used) {
			gapStart = uintptr(c.used[index].End())
		}
	}

	return Range{}, mm.ErrOutOfVCacheSpace
}

// FreeRange releases a range previously returned by AllocateRange.
func (c *Cache) FreeRange(r Range) *kernel.Error {
	c.lock.Acquire()
	defer c.lock.Release()

	index := c.search(r.Start)
	if index == len(c.used) || c.used[index] != r {
		kfmt.Printf("[vcache] rejecting free of unknown range [0x%x - 0x%x)\n", uintptr(r.Start), uintptr(r.End()))
		return errUnknownRange
	}

	c.used = append(c.used[:index], c.used[index+1:]...)
	return nil
}

// Manages returns true if [start, end) overlaps a range handed out by the
// cache.
func (c *Cache) Manages(start, end mm.VirtAddr) bool {
	c.lock.Acquire()
	defer c.lock.Release()

	// First range that ends after start
	index := sort.Search(len(c.used), func(i int) bool {
		return c.used[i].End() > start
	})

	return index < len(c.used) && c.used[index].Start < end
}

// Allocated returns the number of bytes currently handed out.
func (c *Cache) Allocated() uintptr {
	c.lock.Acquire()
	defer c.lock.Release()

	var total uintptr
	for _, r := range c.used {
		total += r.Size
	}
	return total
}

// search returns the index of the first range starting at or after start.
func (c *Cache) search(start mm.VirtAddr) int {
	return sort.Search(len(c.used), func(i int) bool {
		return c.used[i].Start >= start
	})
}
