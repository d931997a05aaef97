// Package sim runs the memory manager against simulated RAM. A Machine
// plays the role of the boot loader: it lays out the BOOTBOOT descriptor and
// the identity mapped page tables the kernel expects to find at entry.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.yaml.in/yaml/v3"
	"helium/bootboot"
	"helium/kernel/smp"
)

const (
	// FormatConstraint selects the machine description formats understood
	// by this package.
	FormatConstraint = "^1"

	// BackingHeap and BackingMmap select how simulated RAM is allocated.
	BackingHeap = "heap"
	BackingMmap = "mmap"

	// MaxRAM bounds the simulated RAM; it matches the range identity
	// mapped by the simulated boot loader.
	MaxRAM = IdentityMapSize
)

// RegionConfig describes one memory map entry.
type RegionConfig struct {
	Type   string `yaml:"type"`
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
}

// MachineConfig describes a simulated machine.
type MachineConfig struct {
	Format     string         `yaml:"format"`
	Cores      int            `yaml:"cores"`
	BSP        int            `yaml:"bsp"`
	RAMBacking string         `yaml:"ram_backing"`
	MemoryMap  []RegionConfig `yaml:"memory_map"`
}

// DefaultConfig returns a single core machine with 128MiB of RAM laid out
// the way QEMU reports it.
func DefaultConfig() *MachineConfig {
	return &MachineConfig{
		Format:     "1.0.0",
		Cores:      1,
		RAMBacking: BackingHeap,
		MemoryMap: []RegionConfig{
			{Type: "used", Base: 0, Length: 0x100000},
			{Type: "free", Base: 0x100000, Length: 0x7ee0000},
			{Type: "acpi", Base: 0x7fe0000, Length: 0x20000},
		},
	}
}

// LoadMachine reads the machine description at path. Missing fields keep
// the values of DefaultConfig.
func LoadMachine(path string) (*MachineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := ParseMachine(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseMachine decodes and validates a YAML machine description.
func ParseMachine(data []byte) (*MachineConfig, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document selects the defaults
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the description for values the simulator cannot model.
func (cfg *MachineConfig) Validate() error {
	version, err := semver.NewVersion(cfg.Format)
	if err != nil {
		return fmt.Errorf("invalid format version %q: %w", cfg.Format, err)
	}

	constraint, err := semver.NewConstraint(FormatConstraint)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("unsupported format version %s (want %s)", version, FormatConstraint)
	}

	if cfg.Cores < 1 || cfg.Cores > smp.MaxCores {
		return fmt.Errorf("cores must be in [1, %d]; got %d", smp.MaxCores, cfg.Cores)
	}

	if cfg.BSP < 0 || cfg.BSP >= cfg.Cores {
		return fmt.Errorf("bsp %d is not one of the %d cores", cfg.BSP, cfg.Cores)
	}

	if cfg.RAMBacking != BackingHeap && cfg.RAMBacking != BackingMmap {
		return fmt.Errorf("unknown ram backing %q", cfg.RAMBacking)
	}

	if len(cfg.MemoryMap) == 0 {
		return fmt.Errorf("empty memory map")
	}

	for i, region := range cfg.MemoryMap {
		typ, err := parseRegionType(region.Type)
		if err != nil {
			return fmt.Errorf("memory map entry %d: %w", i, err)
		}

		if region.Length == 0 {
			return fmt.Errorf("memory map entry %d: zero length", i)
		}

		// The descriptor stores the entry type in the low bits of the length
		if region.Length%bootboot.EntrySize != 0 {
			return fmt.Errorf("memory map entry %d: length 0x%x is not a multiple of %d", i, region.Length, bootboot.EntrySize)
		}

		if region.Base+region.Length > MaxRAM || region.Base+region.Length < region.Base {
			return fmt.Errorf("memory map entry %d: ends past 0x%x", i, uint64(MaxRAM))
		}

		if typ == bootboot.MemFree && region.Base < LowMemoryEnd {
			return fmt.Errorf("memory map entry %d: free memory below 0x%x is reserved for the boot loader", i, LowMemoryEnd)
		}
	}

	return nil
}

// RAMSize returns the amount of RAM needed to back every memory map entry.
func (cfg *MachineConfig) RAMSize() uintptr {
	var end uint64
	for _, region := range cfg.MemoryMap {
		if regionEnd := region.Base + region.Length; regionEnd > end {
			end = regionEnd
		}
	}

	if end < LowMemoryEnd {
		end = LowMemoryEnd
	}
	return uintptr(end+0xfff) &^ 0xfff
}

func parseRegionType(name string) (bootboot.MemoryEntryType, error) {
	for _, typ := range []bootboot.MemoryEntryType{bootboot.MemUsed, bootboot.MemFree, bootboot.MemACPI, bootboot.MemMMIO} {
		if strings.EqualFold(name, typ.String()) {
			return typ, nil
		}
	}
	return bootboot.MemUsed, fmt.Errorf("unknown region type %q", name)
}
