// Package cpu exposes the processor operations required by the memory
// management code. Two implementations exist: the bare-metal one (built with
// the "kernel" tag) which issues the actual instructions and a hosted one
// which models the affected registers in software so that the kernel
// packages can run inside an ordinary process.
package cpu

const (
	// extendedFeaturesLeaf is the CPUID leaf that reports the extended
	// processor feature bits.
	extendedFeaturesLeaf = 0x80000001

	// pdpe1gbBit is set in EDX for extendedFeaturesLeaf when the processor
	// supports 1GiB page mappings.
	pdpe1gbBit = 1 << 26
)

var (
	cpuidFn = ID
)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// Supports1GPages returns true if the processor can map 1GiB frames from a
// page directory pointer table entry.
func Supports1GPages() bool {
	_, _, _, edx := cpuidFn(extendedFeaturesLeaf)
	return edx&pdpe1gbBit != 0
}
