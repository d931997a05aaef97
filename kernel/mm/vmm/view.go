package vmm

import (
	"helium/kernel"
	"helium/kernel/mm"
)

var errPageFault = &kernel.Error{Module: "vmm", Code: kernel.CodeInvalidMapping, Message: "page fault"}

// WalkView is a Memory that resolves every virtual address with a software
// page walk and accesses the backing physical memory. It performs what the
// processor MMU does and is used wherever the kernel runs without one.
// Accessing an unmapped address panics with a page fault error.
type WalkView struct {
	// Phys accesses physical memory; page tables are read through it.
	Phys mm.Memory

	// Root returns the frame of the active top-level table.
	Root func() mm.Frame

	// Offset is added to every address before it is translated.
	Offset uintptr
}

func (w WalkView) resolve(addr uintptr) uintptr {
	phys, _, err := translate(w.Phys, w.Root(), mm.VirtAddr(addr+w.Offset))
	if err != nil {
		panic(errPageFault)
	}
	return uintptr(phys)
}

// Uint64 implements mm.Memory.
func (w WalkView) Uint64(addr uintptr) uint64 {
	return w.Phys.Uint64(w.resolve(addr))
}

// SetUint64 implements mm.Memory.
func (w WalkView) SetUint64(addr uintptr, value uint64) {
	w.Phys.SetUint64(w.resolve(addr), value)
}

// Memset implements mm.Memory. The range is resolved one page at a time.
func (w WalkView) Memset(addr uintptr, value byte, size uintptr) {
	for size != 0 {
		chunk := mm.PageSize - (addr+w.Offset)&(mm.PageSize-1)
		if chunk > size {
			chunk = size
		}

		w.Phys.Memset(w.resolve(addr), value, chunk)
		addr += chunk
		size -= chunk
	}
}
