// Package vmm manages the kernel page tables. A Mapper installs and removes
// translations in a 4-level page table hierarchy whose tables are reached
// through an mm.Memory view of physical memory.
package vmm

import (
	"helium/kernel"
	"helium/kernel/cpu"
	"helium/kernel/kfmt"
	"helium/kernel/mm"
	"helium/kernel/sync"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	reloadPDTFn     = cpu.ReloadPDT
)

// Mapper installs and removes mappings in the page table hierarchy rooted
// at a single top-level table.
//
// Each top-level entry is guarded by its own lock. Calls take the locks of
// every top-level entry their range spans in ascending order so concurrent
// calls on disjoint ranges do not contend.
type Mapper struct {
	// tables is the view used to read and write page table entries.
	// Addresses passed to it are physical.
	tables mm.Memory
	root   mm.Frame
	orders mm.OrderTable
	frames FrameSource

	windows   []Window
	managed   ManagedRegions
	shootdown Broadcaster

	locks [entriesPerTable]sync.Spinlock
}

// NewMapper returns a Mapper for the hierarchy rooted at root. New tables
// are obtained from frames.
func NewMapper(tables mm.Memory, root mm.Frame, orders mm.OrderTable, frames FrameSource) *Mapper {
	return &Mapper{
		tables: tables,
		root:   root,
		orders: orders,
		frames: frames,
	}
}

// Root returns the frame of the top-level table.
func (m *Mapper) Root() mm.Frame {
	return m.root
}

// SetTables switches the view used to access the page tables.
func (m *Mapper) SetTables(tables mm.Memory) {
	m.lockSlots(0, entriesPerTable-1)
	m.tables = tables
	m.unlockSlots(0, entriesPerTable-1)
}

// Reserve registers a window that general Map and Unmap calls must not
// touch.
func (m *Mapper) Reserve(w Window) {
	m.windows = append(m.windows, w)
	kfmt.Printf("[vmm] reserved window %s: [0x%x - 0x%x)\n", w.Name, uintptr(w.Start), uintptr(w.End()))
}

// Windows returns the reserved windows.
func (m *Mapper) Windows() []Window {
	return m.windows
}

// SetManaged attaches the oracle for ranges handed out by the virtual range
// cache.
func (m *Mapper) SetManaged(r ManagedRegions) {
	m.managed = r
}

// SetBroadcaster attaches the cross-core invalidation protocol.
func (m *Mapper) SetBroadcaster(b Broadcaster) {
	m.shootdown = b
}

// Map establishes a mapping of size bytes from v to p. The frame size is
// selected by flags; both addresses must be aligned to it and size is
// rounded up to a multiple of it. Missing tables are allocated from the
// frame source.
//
// Map either installs the whole range or, on error, restores every entry it
// touched and releases the tables it allocated.
func (m *Mapper) Map(v mm.VirtAddr, p mm.PhysAddr, size uintptr, flags MapFlag) *kernel.Error {
	return m.mapRange(v, p, size, flags, false)
}

// MapOwned behaves like Map but is allowed to touch reserved windows. It is
// reserved for the kernel systems that own those windows.
func (m *Mapper) MapOwned(v mm.VirtAddr, p mm.PhysAddr, size uintptr, flags MapFlag) *kernel.Error {
	return m.mapRange(v, p, size, flags, true)
}

// Unmap removes the mappings in [v, v+size). Unmapped pages inside the
// range are skipped. Huge frames must be fully covered by the range.
func (m *Mapper) Unmap(v mm.VirtAddr, size uintptr) *kernel.Error {
	return m.unmapRange(v, size, false)
}

// UnmapOwned behaves like Unmap but is allowed to touch reserved windows.
func (m *Mapper) UnmapOwned(v mm.VirtAddr, size uintptr) *kernel.Error {
	return m.unmapRange(v, size, true)
}

// Translate returns the physical address that corresponds to the supplied
// virtual address together with the permissions of its mapping, or
// ErrInvalidMapping if the virtual address is not mapped.
func (m *Mapper) Translate(v mm.VirtAddr) (mm.PhysAddr, MapFlag, *kernel.Error) {
	if !v.Canonical() {
		return 0, 0, mm.ErrInvalidVirtualAddress
	}

	slot := int(entryIndex(uintptr(v), 0))
	m.lockSlots(slot, slot)
	defer m.unlockSlots(slot, slot)

	return translate(m.tables, m.root, v)
}

// RemoveLowerHalf clears every top-level entry of the lower half of the
// address space and reloads the root table. The tables that were referenced
// by the cleared entries are not released.
func (m *Mapper) RemoveLowerHalf() {
	m.lockSlots(0, lowerHalfEntries-1)
	m.tables.Memset(m.root.Address(), 0, lowerHalfEntries<<mm.PointerShift)
	reloadPDTFn()
	m.unlockSlots(0, lowerHalfEntries-1)

	if m.shootdown != nil {
		m.shootdown.Broadcast(0, 0, false, true)
	}
}

// TablesEnd returns the end address of the highest table frame that stays
// reachable once the lower half is removed: the root table and every table
// referenced from the upper half.
func (m *Mapper) TablesEnd() uintptr {
	m.lockSlots(lowerHalfEntries, entriesPerTable-1)
	defer m.unlockSlots(lowerHalfEntries, entriesPerTable-1)

	end := m.root.Address() + mm.PageSize

	var visit func(table uintptr, level uint8, first uintptr)
	visit = func(table uintptr, level uint8, first uintptr) {
		for index := first; index < entriesPerTable; index++ {
			pte := pageTableEntry(m.tables.Uint64(table + index<<mm.PointerShift))
			if !pte.HasFlags(FlagPresent) || pte.isLeaf(level) {
				continue
			}

			next := pte.Frame().Address()
			if next+mm.PageSize > end {
				end = next + mm.PageSize
			}
			visit(next, level+1, 0)
		}
	}
	visit(m.root.Address(), 0, lowerHalfEntries)

	return end
}

// checkRange verifies that [v, v+size) is a non-empty range of canonical
// addresses inside a single half of the address space.
func checkRange(v mm.VirtAddr, size uintptr) *kernel.Error {
	if !v.Canonical() {
		return mm.ErrInvalidVirtualAddress
	}

	if size == 0 {
		return mm.ErrNullSize
	}

	last := v + mm.VirtAddr(size-1)
	if last < v || !last.Canonical() || (uintptr(v)^uintptr(last))>>63 != 0 {
		return mm.ErrInvalidVirtualAddress
	}

	return nil
}

// conflicts returns true if [v, v+size) overlaps a reserved window or a
// range managed by the virtual range cache.
func (m *Mapper) conflicts(v mm.VirtAddr, size uintptr) bool {
	end := v + mm.VirtAddr(size)
	for _, w := range m.windows {
		if w.Overlaps(v, end) {
			return true
		}
	}

	return m.managed != nil && m.managed.Manages(v, end)
}

// lockRange acquires the locks for every top-level entry spanned by
// [v, v+size) and returns the first and last slot.
func (m *Mapper) lockRange(v mm.VirtAddr, size uintptr) (int, int) {
	first := int(entryIndex(uintptr(v), 0))
	last := int(entryIndex(uintptr(v)+size-1, 0))
	m.lockSlots(first, last)
	return first, last
}

func (m *Mapper) lockSlots(first, last int) {
	for slot := first; slot <= last; slot++ {
		m.locks[slot].Acquire()
	}
}

func (m *Mapper) unlockSlots(first, last int) {
	for slot := last; slot >= first; slot-- {
		m.locks[slot].Release()
	}
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the address of the entry and
// the entry itself. If the function returns false, then the page walk is
// aborted.
type pageTableWalker func(level uint8, entryAddr uintptr, pte pageTableEntry) bool

// walk performs a page table walk for the given virtual address calling
// walkFn with the entry that corresponds to each page table level.
func (m *Mapper) walk(virtAddr uintptr, walkFn pageTableWalker) {
	walkTables(m.tables, m.root, virtAddr, walkFn)
}

// walkTables walks the hierarchy rooted at root. The walk stops after
// visiting a non-present or leaf entry or when walkFn returns false.
func walkTables(tables mm.Memory, root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	table := root.Address()
	for level := uint8(0); level < pageLevels; level++ {
		entryAddr := table + entryIndex(virtAddr, level)<<mm.PointerShift
		pte := pageTableEntry(tables.Uint64(entryAddr))

		if !walkFn(level, entryAddr, pte) || !pte.HasFlags(FlagPresent) || pte.isLeaf(level) {
			return
		}

		table = pte.Frame().Address()
	}
}

// translate resolves v through the hierarchy rooted at root.
func translate(tables mm.Memory, root mm.Frame, v mm.VirtAddr) (mm.PhysAddr, MapFlag, *kernel.Error) {
	var (
		phys  mm.PhysAddr
		flags MapFlag
		err   = mm.ErrInvalidMapping
	)

	walkTables(tables, root, uintptr(v), func(level uint8, _ uintptr, pte pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pte.isLeaf(level) {
			offset := uintptr(v) & (levelSize(level) - 1)
			phys = mm.PhysAddr(pte.Frame().Address() + offset)
			flags = flagsForEntry(pte, level)
			err = nil
		}
		return true
	})

	return phys, flags, err
}
