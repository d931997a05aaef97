package vmm

import (
	"helium/kernel"
	"helium/kernel/mm"
)

// MapFlag describes the permissions and frame size of a mapping request.
type MapFlag uint8

const (
	// FlagRead is implied by every mapping; it is accepted for clarity.
	FlagRead MapFlag = 1 << iota

	// FlagWrite allows writes to the mapped range.
	FlagWrite

	// FlagExec allows instruction fetches from the mapped range.
	FlagExec

	// FlagUser allows user-mode access to the mapped range.
	FlagUser

	// FlagHuge2M maps the range with 2MiB frames.
	FlagHuge2M

	// FlagHuge1G maps the range with 1GiB frames.
	FlagHuge1G

	// FlagGlobal keeps the translation cached across root table reloads.
	FlagGlobal
)

// Order returns the frame order selected by the flags. Requesting both huge
// frame sizes is an ErrAlignment error.
func (f MapFlag) Order() (mm.Order, *kernel.Error) {
	switch f & (FlagHuge2M | FlagHuge1G) {
	case 0:
		return mm.Order4K, nil
	case FlagHuge2M:
		return mm.Order2M, nil
	case FlagHuge1G:
		return mm.Order1G, nil
	default:
		return 0, mm.ErrAlignment
	}
}

// leafEntry builds the leaf entry mapping frame with the permissions in f.
func (f MapFlag) leafEntry(frame mm.Frame, order mm.Order) pageTableEntry {
	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent)

	if f&FlagWrite != 0 {
		pte.SetFlags(FlagRW)
	}
	if f&FlagUser != 0 {
		pte.SetFlags(FlagUserAccessible)
	}
	if f&FlagGlobal != 0 {
		pte.SetFlags(FlagGlobalPage)
	}
	if f&FlagExec == 0 {
		pte.SetFlags(FlagNoExecute)
	}
	if order != mm.Order4K {
		pte.SetFlags(FlagHugePage)
	}

	return pte
}

// flagsForEntry converts a leaf entry at level back to a MapFlag set.
func flagsForEntry(pte pageTableEntry, level uint8) MapFlag {
	f := FlagRead
	if pte.HasFlags(FlagRW) {
		f |= FlagWrite
	}
	if !pte.HasFlags(FlagNoExecute) {
		f |= FlagExec
	}
	if pte.HasFlags(FlagUserAccessible) {
		f |= FlagUser
	}
	if pte.HasFlags(FlagGlobalPage) {
		f |= FlagGlobal
	}

	switch level {
	case leafLevel(mm.Order2M):
		f |= FlagHuge2M
	case leafLevel(mm.Order1G):
		f |= FlagHuge1G
	}

	return f
}
