package kmain

import (
	"helium/bootboot"
	"helium/kernel"
	"helium/kernel/kfmt"
	"helium/kernel/mm"
	"helium/kernel/mm/kmem"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	bootInfoFn = bootboot.FromPointer
	kmemInitFn = kmem.Init

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// nativePlatform accesses memory through the processor MMU. Physical
// addresses are dereferenced as-is while the boot loader identity map is
// active and through the direct map afterwards.
func nativePlatform() kmem.Platform {
	return kmem.Platform{
		Phys:      mm.DirectMap{},
		DirectMap: mm.DirectMap{Offset: uintptr(mm.KernelSpaceBase)},
		Virt:      mm.DirectMap{},
	}
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the address of the BOOTBOOT
// descriptor provided by the boot loader.
//
// The memory manager boot path allocates, so the platform must have set up
// the Go heap before jumping here.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(bootInfoPtr uintptr) {
	info, err := bootInfoFn(bootInfoPtr)
	if err != nil {
		kfmt.Panic(err)
	}

	kfmt.Printf("[kmain] booted with %d cores (bsp %d)\n", info.NumCores, info.BSPID)
	if _, err = kmemInitFn(info, nativePlatform()); err != nil {
		kfmt.Panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
