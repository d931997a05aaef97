package main

import "helium/kernel/kmain"

// bootInfoPtr is never written; the loader entry point calls Kmain with the
// real descriptor address.
var bootInfoPtr uintptr

// main keeps Kmain reachable so the linker does not drop the kernel. Passing
// a global prevents the call from being inlined away.
func main() {
	kmain.Kmain(bootInfoPtr)
}
