//go:build kernel

package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ReloadPDT reloads the active root page table which flushes all non-global
// TLB entries.
func ReloadPDT()

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// LoadGDT installs the descriptor table at base (limit is the table size
// minus one) and reloads the segment registers with the supplied selectors.
func LoadGDT(base uintptr, limit uint16, codeSelector, dataSelector uint16)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)
