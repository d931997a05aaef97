//go:build unix

package sim

import (
	"helium/kernel/mm"

	"golang.org/x/sys/unix"
)

// NewMappedRAM backs size bytes of simulated RAM with an anonymous private
// mapping so large machines do not inflate the Go heap. The returned
// function unmaps the RAM.
func NewMappedRAM(size uintptr) (*mm.RAM, func() error, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return mm.NewRAM(0, data), func() error { return unix.Munmap(data) }, nil
}
