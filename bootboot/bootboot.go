// Package bootboot decodes the boot descriptor that the BOOTBOOT loader
// places in memory before jumping to the kernel entry point.
package bootboot

import (
	"encoding/binary"
	"helium/kernel"
	"unsafe"
)

const (
	// Magic is the signature found in the first 4 bytes of the descriptor.
	Magic = "BOOT"

	// HeaderSize is the size of the fixed descriptor part. Memory map
	// entries start right after it.
	HeaderSize = 128

	// EntrySize is the size of each memory map entry.
	EntrySize = 16

	// typeMask selects the entry type which is stored in the low 4 bits of
	// the entry size field.
	typeMask = 0xf
)

var (
	errBadMagic  = &kernel.Error{Module: "bootboot", Code: kernel.CodeInvalidBootInfo, Message: "descriptor signature mismatch"}
	errTruncated = &kernel.Error{Module: "bootboot", Code: kernel.CodeInvalidBootInfo, Message: "descriptor shorter than its declared size"}
	errBadSize   = &kernel.Error{Module: "bootboot", Code: kernel.CodeInvalidBootInfo, Message: "descriptor size is not a header plus whole memory map entries"}
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint8

const (
	// MemUsed indicates a region that is in use or reserved by firmware.
	MemUsed MemoryEntryType = iota

	// MemFree indicates that the memory region is available for use.
	MemFree

	// MemACPI indicates a region holding ACPI tables.
	MemACPI

	// MemMMIO indicates a memory mapped device region.
	MemMMIO

	// Any value >= memUnknown will be mapped to MemUsed.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemUsed:
		return "used"
	case MemFree:
		return "free"
	case MemACPI:
		return "ACPI"
	case MemMMIO:
		return "MMIO"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// FramebufferInfo describes the framebuffer set up by the loader.
type FramebufferInfo struct {
	Type     uint8
	PhysAddr uint64
	Size     uint32
	Width    uint32
	Height   uint32
	Scanline uint32
}

// ArchInfo holds the x86_64 firmware table pointers.
type ArchInfo struct {
	ACPI   uint64
	SMBIOS uint64
	EFI    uint64
	MP     uint64
}

// Info is the decoded boot descriptor. The memory manager only consumes
// MemoryMap; the remaining fields are handed to the subsystems that own them.
type Info struct {
	Protocol    uint8
	NumCores    uint16
	BSPID       uint16
	Timezone    int16
	DateTime    [8]byte
	InitrdPtr   uint64
	InitrdSize  uint64
	Framebuffer FramebufferInfo
	Arch        ArchInfo
	MemoryMap   []MemoryMapEntry
}

// decodeEntry decodes the memory map entry stored in b.
func decodeEntry(b []byte, entry *MemoryMapEntry) {
	sizeAndType := binary.LittleEndian.Uint64(b[8:])
	entry.PhysAddress = binary.LittleEndian.Uint64(b)
	entry.Length = sizeAndType &^ typeMask
	entry.Type = MemoryEntryType(sizeAndType & typeMask)

	// Mark unknown entry types as used
	if entry.Type >= memUnknown {
		entry.Type = MemUsed
	}
}

// validate checks the descriptor signature and size and returns the size
// declared by the descriptor.
func validate(data []byte) (int, *kernel.Error) {
	if len(data) < HeaderSize {
		return 0, errTruncated
	}

	if string(data[0:4]) != Magic {
		return 0, errBadMagic
	}

	size := int(binary.LittleEndian.Uint32(data[4:]))
	switch {
	case size < HeaderSize || (size-HeaderSize)%EntrySize != 0:
		return 0, errBadSize
	case size > len(data):
		return 0, errTruncated
	}

	return size, nil
}

// VisitMemRegions invokes the supplied visitor for each memory region
// defined by the descriptor in data. It does not allocate so it can be used
// before the memory manager is initialized.
func VisitMemRegions(data []byte, visitor MemRegionVisitor) *kernel.Error {
	size, err := validate(data)
	if err != nil {
		return err
	}

	var entry MemoryMapEntry
	for off := HeaderSize; off < size; off += EntrySize {
		decodeEntry(data[off:off+EntrySize], &entry)
		if !visitor(&entry) {
			break
		}
	}

	return nil
}

// Parse decodes the descriptor stored in data.
func Parse(data []byte) (*Info, *kernel.Error) {
	size, err := validate(data)
	if err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	info := &Info{
		Protocol:   data[8],
		NumCores:   le.Uint16(data[10:]),
		BSPID:      le.Uint16(data[12:]),
		Timezone:   int16(le.Uint16(data[14:])),
		InitrdPtr:  le.Uint64(data[24:]),
		InitrdSize: le.Uint64(data[32:]),
		Framebuffer: FramebufferInfo{
			Type:     data[9],
			PhysAddr: le.Uint64(data[40:]),
			Size:     le.Uint32(data[48:]),
			Width:    le.Uint32(data[52:]),
			Height:   le.Uint32(data[56:]),
			Scanline: le.Uint32(data[60:]),
		},
		Arch: ArchInfo{
			ACPI:   le.Uint64(data[64:]),
			SMBIOS: le.Uint64(data[72:]),
			EFI:    le.Uint64(data[80:]),
			MP:     le.Uint64(data[88:]),
		},
		MemoryMap: make([]MemoryMapEntry, (size-HeaderSize)/EntrySize),
	}
	copy(info.DateTime[:], data[16:24])

	for i := range info.MemoryMap {
		off := HeaderSize + i*EntrySize
		decodeEntry(data[off:off+EntrySize], &info.MemoryMap[i])
	}

	return info, nil
}

// FromPointer decodes the descriptor that the loader placed at ptr.
func FromPointer(ptr uintptr) (*Info, *kernel.Error) {
	header := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), HeaderSize)
	if string(header[0:4]) != Magic {
		return nil, errBadMagic
	}

	size := binary.LittleEndian.Uint32(header[4:])
	if size < HeaderSize {
		return nil, errBadSize
	}
	return Parse(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size))
}

// VisitMemRegions invokes the supplied visitor for each decoded memory region.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for idx := range i.MemoryMap {
		entry := i.MemoryMap[idx]
		if !visitor(&entry) {
			return
		}
	}
}

// MarshalBinary encodes the descriptor in the layout produced by the loader.
// Entry lengths lose their low 4 bits since those carry the entry type.
func (i *Info) MarshalBinary() ([]byte, error) {
	size := HeaderSize + len(i.MemoryMap)*EntrySize
	data := make([]byte, size)
	le := binary.LittleEndian

	copy(data[0:4], Magic)
	le.PutUint32(data[4:], uint32(size))
	data[8] = i.Protocol
	data[9] = i.Framebuffer.Type
	le.PutUint16(data[10:], i.NumCores)
	le.PutUint16(data[12:], i.BSPID)
	le.PutUint16(data[14:], uint16(i.Timezone))
	copy(data[16:24], i.DateTime[:])
	le.PutUint64(data[24:], i.InitrdPtr)
	le.PutUint64(data[32:], i.InitrdSize)
	le.PutUint64(data[40:], i.Framebuffer.PhysAddr)
	le.PutUint32(data[48:], i.Framebuffer.Size)
	le.PutUint32(data[52:], i.Framebuffer.Width)
	le.PutUint32(data[56:], i.Framebuffer.Height)
	le.PutUint32(data[60:], i.Framebuffer.Scanline)
	le.PutUint64(data[64:], i.Arch.ACPI)
	le.PutUint64(data[72:], i.Arch.SMBIOS)
	le.PutUint64(data[80:], i.Arch.EFI)
	le.PutUint64(data[88:], i.Arch.MP)

	for idx, entry := range i.MemoryMap {
		off := HeaderSize + idx*EntrySize
		le.PutUint64(data[off:], entry.PhysAddress)
		le.PutUint64(data[off+8:], (entry.Length&^typeMask)|uint64(entry.Type&typeMask))
	}

	return data, nil
}
