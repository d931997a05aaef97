package vmm

import (
	"helium/kernel"
	"helium/kernel/kfmt"
	"helium/kernel/mm"
)

// journalEntry records the previous value of a page table entry.
type journalEntry struct {
	addr uintptr
	old  pageTableEntry
}

// journal tracks the changes made by a single mapping call so they can be
// undone if the call fails.
type journal struct {
	writes []journalEntry
	tables []mm.Frame

	// replaced lists the pages whose existing leaf was overwritten.
	replaced []mm.VirtAddr
	global   bool
}

// write stores value at addr and records the previous entry.
func (j *journal) write(tables mm.Memory, addr uintptr, old, value pageTableEntry) {
	j.writes = append(j.writes, journalEntry{addr: addr, old: old})
	tables.SetUint64(addr, uint64(value))
}

func (m *Mapper) mapRange(v mm.VirtAddr, p mm.PhysAddr, size uintptr, flags MapFlag, owned bool) *kernel.Error {
	order, err := flags.Order()
	if err != nil {
		return err
	}

	if err = checkRange(v, size); err != nil {
		return err
	}

	frameSize := m.orders.Size(order)
	if uintptr(v)&(frameSize-1) != 0 || uintptr(p)&(frameSize-1) != 0 {
		return mm.ErrAlignment
	}

	size = mm.AlignUp(size, frameSize)
	if err = checkRange(v, size); err != nil {
		return err
	}

	if !owned && m.conflicts(v, size) {
		return mm.ErrManagedRegionConflict
	}

	first, last := m.lockRange(v, size)
	defer m.unlockSlots(first, last)

	var j journal
	for off := uintptr(0); off < size; off += frameSize {
		if err = m.install(v+mm.VirtAddr(off), p+mm.PhysAddr(off), order, flags, &j); err != nil {
			m.rollback(&j)
			return err
		}
	}

	if len(j.replaced) != 0 {
		for _, page := range j.replaced {
			flushTLBEntryFn(uintptr(page))
		}

		if m.shootdown != nil {
			m.shootdown.Broadcast(v, size>>mm.PageShift, j.global, false)
		}
	}

	return nil
}

// install maps a single frame of the given order, creating any missing
// intermediate tables.
func (m *Mapper) install(v mm.VirtAddr, p mm.PhysAddr, order mm.Order, flags MapFlag, j *journal) *kernel.Error {
	var (
		target = leafLevel(order)
		table  = m.root.Address()
	)

	for level := uint8(0); level < target; level++ {
		entryAddr := table + entryIndex(uintptr(v), level)<<mm.PointerShift
		pte := pageTableEntry(m.tables.Uint64(entryAddr))

		switch {
		case !pte.HasFlags(FlagPresent):
			// Next table does not yet exist; we need to allocate a
			// physical frame for it and clear its contents.
			frame, err := m.frames.AllocFrame()
			if err != nil {
				return err
			}
			j.tables = append(j.tables, frame)
			m.tables.Memset(frame.Address(), 0, mm.PageSize)

			next := pageTableEntry(0)
			next.SetFrame(frame)
			next.SetFlags(FlagPresent | FlagRW)
			if flags&FlagUser != 0 {
				next.SetFlags(FlagUserAccessible)
			}
			j.write(m.tables, entryAddr, pte, next)
			pte = next
		case pte.isLeaf(level):
			// A larger frame already covers this address
			return mm.ErrAlignment
		case flags&FlagUser != 0 && !pte.HasFlags(FlagUserAccessible):
			next := pte
			next.SetFlags(FlagUserAccessible)
			j.write(m.tables, entryAddr, pte, next)
			pte = next
		}

		table = pte.Frame().Address()
	}

	entryAddr := table + entryIndex(uintptr(v), target)<<mm.PointerShift
	old := pageTableEntry(m.tables.Uint64(entryAddr))
	if old.HasFlags(FlagPresent) {
		// A table of smaller frames is in the way of a huge frame
		if !old.isLeaf(target) {
			return mm.ErrAlignment
		}

		j.replaced = append(j.replaced, v)
		if old.HasFlags(FlagGlobalPage) {
			j.global = true
		}
	}

	j.write(m.tables, entryAddr, old, flags.leafEntry(p.Frame(), order))
	return nil
}

// rollback restores the entries recorded by j in reverse order and releases
// the tables it allocated.
func (m *Mapper) rollback(j *journal) {
	for i := len(j.writes) - 1; i >= 0; i-- {
		m.tables.SetUint64(j.writes[i].addr, uint64(j.writes[i].old))
	}

	for _, page := range j.replaced {
		flushTLBEntryFn(uintptr(page))
	}

	for _, frame := range j.tables {
		if err := m.frames.FreeFrame(frame); err != nil {
			kfmt.Printf("[vmm] rollback could not release table frame 0x%x: %s\n", frame.Address(), err.Message)
		}
	}
}
