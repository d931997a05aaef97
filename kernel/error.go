package kernel

// ErrorCode classifies the cause of an Error. Each code maps to exactly one
// failure cause so callers can branch on it without string matching.
type ErrorCode uint8

const (
	// CodeUnknown is used by errors that do not belong to a specific class.
	CodeUnknown ErrorCode = iota

	// CodeAlignment indicates a misaligned address or an inconsistent
	// frame-size request.
	CodeAlignment

	// CodeOutOfPhysicalSpace indicates that no physical pages can satisfy
	// the request.
	CodeOutOfPhysicalSpace

	// CodeNullSize indicates an allocation or mapping request of size 0.
	CodeNullSize

	// CodeInvalidVirtualAddress indicates a non-canonical virtual address.
	CodeInvalidVirtualAddress

	// CodeManagedRegionConflict indicates a request touching a virtual
	// window owned by another kernel system.
	CodeManagedRegionConflict

	// CodeOutOfVCacheSpace indicates that the virtual range cache could not
	// hand out a range.
	CodeOutOfVCacheSpace

	// CodeCorruption indicates a corrupted allocator header or a double free.
	CodeCorruption

	// CodeInvalidMapping indicates a lookup of an address that is not mapped.
	CodeInvalidMapping

	// CodeBootOrder indicates a boot step invoked out of sequence.
	CodeBootOrder

	// CodeInvalidBootInfo indicates a malformed boot loader descriptor.
	CodeInvalidBootInfo
)

// String implements fmt.Stringer for ErrorCode.
func (c ErrorCode) String() string {
	switch c {
	case CodeAlignment:
		return "alignment error"
	case CodeOutOfPhysicalSpace:
		return "out of physical space"
	case CodeNullSize:
		return "null size"
	case CodeInvalidVirtualAddress:
		return "invalid virtual address"
	case CodeManagedRegionConflict:
		return "managed region conflict"
	case CodeOutOfVCacheSpace:
		return "out of vcache space"
	case CodeCorruption:
		return "corruption"
	case CodeInvalidMapping:
		return "invalid mapping"
	case CodeBootOrder:
		return "boot order violation"
	case CodeInvalidBootInfo:
		return "invalid boot info"
	default:
		return "unknown"
	}
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error class.
	Code ErrorCode

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Recoverable returns true if the error reports resource exhaustion. Such
// errors can be retried by the caller with relaxed constraints; all other
// errors indicate a contract violation by the caller.
func (e *Error) Recoverable() bool {
	return e.Code == CodeOutOfPhysicalSpace || e.Code == CodeOutOfVCacheSpace
}
