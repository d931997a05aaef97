package mm

import (
	"encoding/binary"
	"unsafe"
)

// Memory provides word and block access to a range of addresses. The kernel
// reaches physical memory through different views while it boots (boot
// loader identity map, then the direct map) and the header metadata through
// its virtual window; each view is a Memory implementation.
type Memory interface {
	// Uint64 reads the 64-bit little-endian word at addr.
	Uint64(addr uintptr) uint64

	// SetUint64 writes the 64-bit little-endian word at addr.
	SetUint64(addr uintptr, value uint64)

	// Memset sets size bytes starting at addr to value.
	Memset(addr uintptr, value byte, size uintptr)
}

// DirectMap is a Memory that dereferences addr+Offset. With a zero offset
// it accesses addresses as-is which is only valid while the boot loader
// identity map is active; after the cutover the offset is set to
// KernelSpaceBase.
type DirectMap struct {
	Offset uintptr
}

// Uint64 implements Memory.
func (m DirectMap) Uint64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr + m.Offset))
}

// SetUint64 implements Memory.
func (m DirectMap) SetUint64(addr uintptr, value uint64) {
	*(*uint64)(unsafe.Pointer(addr + m.Offset)) = value
}

// Memset implements Memory. Instead of using a for loop, this function uses
// log2(size) copy calls which should give us a speed boost as page addresses
// are always aligned.
func (m DirectMap) Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr+m.Offset)), size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// RAM is a Memory backed by a byte slice that covers the addresses
// [Base, Base+len(data)). Accesses outside that range panic the same way a
// fault would stop the kernel.
type RAM struct {
	base uintptr
	data []byte
}

// NewRAM returns a RAM that exposes data at addresses starting from base.
func NewRAM(base uintptr, data []byte) *RAM {
	return &RAM{base: base, data: data}
}

// Base returns the first address covered by the RAM.
func (r *RAM) Base() uintptr { return r.base }

// Size returns the number of bytes covered by the RAM.
func (r *RAM) Size() uintptr { return uintptr(len(r.data)) }

// Bytes returns the backing slice.
func (r *RAM) Bytes() []byte { return r.data }

func (r *RAM) slice(addr, size uintptr) []byte {
	if addr < r.base || addr-r.base+size > uintptr(len(r.data)) || addr-r.base+size < size {
		panic("mm: RAM access out of range")
	}
	off := addr - r.base
	return r.data[off : off+size]
}

// Uint64 implements Memory.
func (r *RAM) Uint64(addr uintptr) uint64 {
	return binary.LittleEndian.Uint64(r.slice(addr, 8))
}

// SetUint64 implements Memory.
func (r *RAM) SetUint64(addr uintptr, value uint64) {
	binary.LittleEndian.PutUint64(r.slice(addr, 8), value)
}

// Memset implements Memory.
func (r *RAM) Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}
	target := r.slice(addr, size)
	for i := range target {
		target[i] = value
	}
}
