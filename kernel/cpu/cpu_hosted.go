//go:build !kernel

package cpu

import "sync/atomic"

// State is a snapshot of the registers modelled by the hosted CPU.
type State struct {
	InterruptsEnabled bool

	// ActivePDT holds the physical address loaded into CR3.
	ActivePDT uintptr

	// GDTBase and GDTLimit mirror the GDTR contents.
	GDTBase  uintptr
	GDTLimit uint16

	CodeSelector uint16
	DataSelector uint16

	// TLBFlushes counts single-entry invalidations and PDTReloads counts
	// full root reloads (including switches).
	TLBFlushes uint64
	PDTReloads uint64
}

var hosted struct {
	interrupts uint32
	cr3        uintptr
	gdtBase    uintptr
	gdtLimit   uint16
	codeSel    uint16
	dataSel    uint16
	tlbFlushes uint64
	pdtReloads uint64
}

// Snapshot returns the current hosted register state.
func Snapshot() State {
	return State{
		InterruptsEnabled: atomic.LoadUint32(&hosted.interrupts) == 1,
		ActivePDT:         hosted.cr3,
		GDTBase:           hosted.gdtBase,
		GDTLimit:          hosted.gdtLimit,
		CodeSelector:      hosted.codeSel,
		DataSelector:      hosted.dataSel,
		TLBFlushes:        atomic.LoadUint64(&hosted.tlbFlushes),
		PDTReloads:        atomic.LoadUint64(&hosted.pdtReloads),
	}
}

// Reset clears the hosted register state.
func Reset() {
	atomic.StoreUint32(&hosted.interrupts, 0)
	atomic.StoreUint64(&hosted.tlbFlushes, 0)
	atomic.StoreUint64(&hosted.pdtReloads, 0)
	hosted.cr3 = 0
	hosted.gdtBase, hosted.gdtLimit = 0, 0
	hosted.codeSel, hosted.dataSel = 0, 0
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { atomic.StoreUint32(&hosted.interrupts, 1) }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { atomic.StoreUint32(&hosted.interrupts, 0) }

// Halt stops instruction execution. A hosted CPU cannot stop so Halt panics
// to unwind the calling goroutine.
func Halt() {
	DisableInterrupts()
	panic("cpu: halted")
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(_ uintptr) { atomic.AddUint64(&hosted.tlbFlushes, 1) }

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	hosted.cr3 = pdtPhysAddr
	atomic.AddUint64(&hosted.pdtReloads, 1)
}

// ReloadPDT reloads the active root page table which flushes all non-global
// TLB entries.
func ReloadPDT() { atomic.AddUint64(&hosted.pdtReloads, 1) }

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr { return hosted.cr3 }

// LoadGDT installs the descriptor table at base (limit is the table size
// minus one) and reloads the segment registers with the supplied selectors.
func LoadGDT(base uintptr, limit uint16, codeSelector, dataSelector uint16) {
	hosted.gdtBase, hosted.gdtLimit = base, limit
	hosted.codeSel, hosted.dataSel = codeSelector, dataSelector
}

// ID emulates the CPUID instruction. The hosted CPU reports a GenuineIntel
// vendor string and advertises 1GiB page support.
func ID(leaf uint32) (uint32, uint32, uint32, uint32) {
	switch leaf {
	case 0:
		return 0xd, 0x756e6547, 0x6c65746e, 0x49656e69
	case extendedFeaturesLeaf:
		return 0, 0, 0, pdpe1gbBit
	default:
		return 0, 0, 0, 0
	}
}
