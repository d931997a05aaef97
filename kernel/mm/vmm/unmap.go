package vmm

import (
	"helium/kernel"
	"helium/kernel/mm"
)

// leafVisitor is invoked by visitLeaves for every present leaf entry. off
// is the offset of va from the start of the visited range.
type leafVisitor func(va, off uintptr, level uint8, entryAddr uintptr, pte pageTableEntry) *kernel.Error

// visitLeaves calls visitFn for every present leaf that maps an address in
// [v, v+size). Holes are skipped one table entry at a time.
func (m *Mapper) visitLeaves(v mm.VirtAddr, size uintptr, visitFn leafVisitor) *kernel.Error {
	for off := uintptr(0); off < size; {
		var (
			va   = uintptr(v) + off
			step uintptr
			err  *kernel.Error
		)

		m.walk(va, func(level uint8, entryAddr uintptr, pte pageTableEntry) bool {
			present := pte.HasFlags(FlagPresent)
			if present && !pte.isLeaf(level) {
				return true
			}

			step = levelSize(level) - va&(levelSize(level)-1)
			if present {
				err = visitFn(va, off, level, entryAddr, pte)
			}
			return false
		})

		if err != nil {
			return err
		}

		if step >= size-off {
			break
		}
		off += step
	}

	return nil
}

func (m *Mapper) unmapRange(v mm.VirtAddr, size uintptr, owned bool) *kernel.Error {
	if err := checkRange(v, size); err != nil {
		return err
	}

	if !v.PageAligned() {
		return mm.ErrAlignment
	}

	size = mm.AlignUp(size, mm.PageSize)
	if err := checkRange(v, size); err != nil {
		return err
	}

	if !owned && m.conflicts(v, size) {
		return mm.ErrManagedRegionConflict
	}

	first, last := m.lockRange(v, size)
	defer m.unlockSlots(first, last)

	// Validate the whole range before clearing anything so a partially
	// covered huge frame leaves the tables untouched. Huge frames count
	// as the number of pages they span.
	var (
		pages  uintptr
		global bool
	)
	err := m.visitLeaves(v, size, func(va, off uintptr, level uint8, _ uintptr, pte pageTableEntry) *kernel.Error {
		frameSize := levelSize(level)
		if va&(frameSize-1) != 0 || size-off < frameSize {
			return mm.ErrAlignment
		}

		pages += frameSize >> mm.PageShift
		global = global || pte.HasFlags(FlagGlobalPage)
		return nil
	})
	if err != nil {
		return err
	}

	if pages == 0 {
		return nil
	}

	// Global entries survive a root reload so they must always be flushed
	// one by one.
	perPage := global || pages <= ReloadThreshold

	// Other cores flush every page between the first and the last cleared
	// leaf so holes at either end of the range are not described to them.
	var (
		lo, end uintptr
		seen       bool
	)
	_ = m.visitLeaves(v, size, func(va, _ uintptr, level uint8, entryAddr uintptr, _ pageTableEntry) *kernel.Error {
		m.tables.SetUint64(entryAddr, 0)
		if perPage {
			flushTLBEntryFn(va)
		}

		if !seen {
			lo, seen = va, true
		}
		end = va + levelSize(level)
		return nil
	})

	if !perPage {
		reloadPDTFn()
	}

	if m.shootdown != nil {
		m.shootdown.Broadcast(mm.VirtAddr(lo), (end-lo)>>mm.PageShift, global, !perPage)
	}

	return nil
}
