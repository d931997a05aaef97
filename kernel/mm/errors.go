package mm

import "helium/kernel"

// Errors surfaced by the memory management sub-systems. Each error maps to
// exactly one kernel.ErrorCode.
var (
	ErrAlignment             = &kernel.Error{Module: "mm", Code: kernel.CodeAlignment, Message: "misaligned address or inconsistent frame size"}
	ErrOutOfPhysicalSpace    = &kernel.Error{Module: "mm", Code: kernel.CodeOutOfPhysicalSpace, Message: "no physical space left to satisfy request"}
	ErrNullSize              = &kernel.Error{Module: "mm", Code: kernel.CodeNullSize, Message: "allocation or mapping of size 0"}
	ErrInvalidVirtualAddress = &kernel.Error{Module: "mm", Code: kernel.CodeInvalidVirtualAddress, Message: "non-canonical virtual address"}
	ErrManagedRegionConflict = &kernel.Error{Module: "mm", Code: kernel.CodeManagedRegionConflict, Message: "virtual range is managed by another kernel system"}
	ErrOutOfVCacheSpace      = &kernel.Error{Module: "mm", Code: kernel.CodeOutOfVCacheSpace, Message: "no virtual range cache space left"}
	ErrCorruption            = &kernel.Error{Module: "mm", Code: kernel.CodeCorruption, Message: "allocator corruption detected"}
	ErrInvalidMapping        = &kernel.Error{Module: "mm", Code: kernel.CodeInvalidMapping, Message: "virtual address does not point to a mapped physical page"}
)
