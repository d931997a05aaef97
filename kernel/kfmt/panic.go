package kfmt

import (
	"helium/kernel"
	"helium/kernel/cpu"
)

const panicRule = "\n-----------------------------------\n"

var (
	// cpuHaltFn is swapped by tests so Panic can return.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic prints e and halts the CPU; on hardware it never returns. Every
// failure raised while the memory manager boots ends up here since nothing
// can handle errors that early.
func Panic(e interface{}) {
	Printf(panicRule)
	if err := asKernelError(e); err != nil {
		if err.Code != kernel.CodeUnknown {
			Printf("[%s] unrecoverable error (%s): %s\n", err.Module, err.Code, err.Message)
		} else {
			Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
		}
	}
	Printf("*** kernel panic: system halted ***")
	Printf(panicRule)

	cpuHaltFn()
}

// asKernelError converts the value passed to Panic. Strings and plain errors
// are reported under the "rt" module.
func asKernelError(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case *kernel.Error:
		return t
	case string:
		errRuntimePanic.Message = t
	case error:
		errRuntimePanic.Message = t.Error()
	default:
		return nil
	}
	return errRuntimePanic
}
