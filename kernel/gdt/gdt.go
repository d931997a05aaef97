// Package gdt builds and installs the kernel segment descriptor table. The
// table replaces the one set up by the boot loader before the memory manager
// touches any other processor state.
package gdt

import (
	"helium/kernel/cpu"
	"helium/kernel/kfmt"
	"unsafe"
)

// Entry is a segment descriptor. In long mode base and limit are ignored for
// code and data segments so only the access byte and flags matter.
type Entry uint64

// Descriptor bits.
const (
	BitAccessed     = Entry(1 << 40)
	BitWritable     = Entry(1 << 41) // data segments; readable for code segments
	BitConforming   = Entry(1 << 42) // direction for data segments
	BitExecutable   = Entry(1 << 43)
	BitNonSystem    = Entry(1 << 44)
	BitPresent      = Entry(1 << 47)
	BitLongMode     = Entry(1 << 53)
	BitDefaultSize  = Entry(1 << 54)
	BitGranularity4 = Entry(1 << 55)

	dplShift = 45
	dplMask  = Entry(3 << dplShift)
)

// Selectors for the kernel segments.
const (
	KernelCodeSelector = uint16(1 << 3)
	KernelDataSelector = uint16(2 << 3)
)

// EntryCount is the number of descriptors in the kernel table.
const EntryCount = 3

// HasFlags returns true if all of the given bits are set.
func (e Entry) HasFlags(flags Entry) bool {
	return e&flags == flags
}

// Present returns true if the segment is present.
func (e Entry) Present() bool { return e.HasFlags(BitPresent) }

// Executable returns true for code segments.
func (e Entry) Executable() bool { return e.HasFlags(BitExecutable) }

// LongMode returns true for 64-bit code segments.
func (e Entry) LongMode() bool { return e.HasFlags(BitLongMode) }

// Writable returns true for writable data segments.
func (e Entry) Writable() bool { return e.HasFlags(BitWritable) }

// DPL returns the descriptor privilege level.
func (e Entry) DPL() uint8 { return uint8((e & dplMask) >> dplShift) }

// WithDPL returns a copy of e with the privilege level set to dpl.
func (e Entry) WithDPL(dpl uint8) Entry {
	return (e &^ dplMask) | (Entry(dpl&3) << dplShift)
}

// Table is the kernel descriptor table.
type Table [EntryCount]Entry

var (
	// kernelTable is the table loaded by Load. It must outlive the call
	// since the processor keeps referencing it.
	kernelTable Table

	// loadGDTFn is mocked by tests and is automatically inlined by the compiler.
	loadGDTFn = cpu.LoadGDT
)

// KernelTable returns the descriptor table used by the kernel: a null
// entry, a ring 0 long mode code segment and a ring 0 data segment.
func KernelTable() Table {
	return Table{
		0,
		(BitNonSystem | BitExecutable | BitLongMode | BitPresent).WithDPL(0),
		(BitNonSystem | BitWritable | BitPresent).WithDPL(0),
	}
}

// Limit returns the value for the GDTR limit field.
func (t *Table) Limit() uint16 {
	return uint16(unsafe.Sizeof(*t) - 1)
}

// Bytes returns the little-endian encoding of the table.
func (t *Table) Bytes() []byte {
	out := make([]byte, 0, len(t)*8)
	for _, e := range t {
		for shift := 0; shift < 64; shift += 8 {
			out = append(out, byte(e>>shift))
		}
	}
	return out
}

// Load installs the kernel descriptor table and reloads the segment
// registers.
func Load() {
	kernelTable = KernelTable()
	loadGDTFn(uintptr(unsafe.Pointer(&kernelTable[0])), kernelTable.Limit(), KernelCodeSelector, KernelDataSelector)
	kfmt.Printf("[gdt] loaded kernel descriptor table (code=0x%x, data=0x%x)\n", KernelCodeSelector, KernelDataSelector)
}
