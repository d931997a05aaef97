//go:build !unix

package sim

import (
	"errors"

	"helium/kernel/mm"
)

// NewMappedRAM is only available on unix hosts.
func NewMappedRAM(_ uintptr) (*mm.RAM, func() error, error) {
	return nil, nil, errors.New("mmap backed RAM is not supported on this platform")
}
