//go:build !kernel

package sim

import (
	"fmt"
	"sync"

	"helium/bootboot"
	"helium/kernel/cpu"
	"helium/kernel/mm"
	"helium/kernel/mm/kmem"
	"helium/kernel/mm/vmm"
	"helium/kernel/smp"
)

const (
	// LowMemoryEnd is the end of the region used by the simulated boot
	// loader. It must be reported as used by the memory map.
	LowMemoryEnd = 0x100000

	// DescriptorAddr is the physical address of the BOOTBOOT descriptor.
	DescriptorAddr = uintptr(0x8000)

	// BootTablesAddr is the physical address of the boot loader top-level
	// page table. The tables for the identity map follow it.
	BootTablesAddr = uintptr(0x10000)

	// IdentityMapSize is the size of the range the boot loader identity
	// maps with 2MiB frames.
	IdentityMapSize = 16 << 30

	bootTableFlags = 0x3  // present, writable
	bootLeafFlags  = 0x83 // present, writable, huge
)

// Machine is simulated RAM prepared the way the boot loader leaves it when
// it jumps to the kernel.
type Machine struct {
	Config *MachineConfig
	RAM    *mm.RAM
	Info   *bootboot.Info

	release func() error
	seq     *kmem.Sequencer
	mgr     *kmem.Manager
}

var (
	// live tracks the booted machines that have not been closed.
	liveLock sync.Mutex
	live     = map[*Machine]struct{}{}
)

// NewMachine allocates the RAM described by cfg and writes the boot
// descriptor and the identity mapped page tables into it.
func NewMachine(cfg *MachineConfig) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		Config:  cfg,
		release: func() error { return nil },
		Info: &bootboot.Info{
			Protocol: 1,
			NumCores: uint16(cfg.Cores),
			BSPID:    uint16(cfg.BSP),
		},
	}

	for _, region := range cfg.MemoryMap {
		typ, _ := parseRegionType(region.Type)
		m.Info.MemoryMap = append(m.Info.MemoryMap, bootboot.MemoryMapEntry{
			PhysAddress: region.Base,
			Length:      region.Length,
			Type:        typ,
		})
	}

	switch cfg.RAMBacking {
	case BackingMmap:
		ram, release, err := NewMappedRAM(cfg.RAMSize())
		if err != nil {
			return nil, err
		}
		m.RAM, m.release = ram, release
	default:
		m.RAM = mm.NewRAM(0, make([]byte, cfg.RAMSize()))
	}

	descriptor, err := m.Info.MarshalBinary()
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	if DescriptorAddr+uintptr(len(descriptor)) > BootTablesAddr {
		_ = m.Close()
		return nil, fmt.Errorf("memory map with %d entries does not fit the boot descriptor area", len(m.Info.MemoryMap))
	}
	copy(m.RAM.Bytes()[DescriptorAddr:], descriptor)

	m.writeBootTables()
	return m, nil
}

// writeBootTables identity maps [0, IdentityMapSize) with 2MiB frames.
func (m *Machine) writeBootTables() {
	var (
		pml4 = BootTablesAddr
		pdpt = pml4 + mm.PageSize
		pds  = pdpt + mm.PageSize
	)

	m.RAM.SetUint64(pml4, uint64(pdpt|bootTableFlags))
	for dir := uintptr(0); dir < IdentityMapSize>>30; dir++ {
		pd := pds + dir*mm.PageSize
		m.RAM.SetUint64(pdpt+dir<<3, uint64(pd|bootTableFlags))

		for slot := uintptr(0); slot < 512; slot++ {
			m.RAM.SetUint64(pd+slot<<3, uint64(dir<<30|slot<<21|bootLeafFlags))
		}
	}
}

// root returns the frame of the page tables the kernel runs on. The kernel
// keeps using the boot loader root table after boot.
func (m *Machine) root() mm.Frame {
	return mm.FrameFromAddress(BootTablesAddr)
}

// Virt returns a view of the kernel virtual address space.
func (m *Machine) Virt() mm.Memory {
	return vmm.WalkView{Phys: m.RAM, Root: m.root}
}

// Platform returns the memory views the kernel uses while it boots.
func (m *Machine) Platform() kmem.Platform {
	return kmem.Platform{
		Phys:      m.RAM,
		DirectMap: vmm.WalkView{Phys: m.RAM, Root: m.root, Offset: uintptr(mm.KernelSpaceBase)},
		Virt:      m.Virt(),
	}
}

// Boot performs the kernel entry: it decodes the boot descriptor from RAM,
// loads the boot page tables into the simulated CPU and runs every memory
// manager boot step.
//
// The simulated CPU is shared by every machine in the process. Booting a
// machine resets it, so its counters and active root table describe the
// most recently booted machine. Machines must not boot concurrently.
func (m *Machine) Boot() (*kmem.Manager, error) {
	if m.seq != nil {
		return nil, fmt.Errorf("machine already booted")
	}

	info, kerr := bootboot.Parse(m.RAM.Bytes()[DescriptorAddr:BootTablesAddr])
	if kerr != nil {
		return nil, kerr
	}

	cpu.Reset()
	cpu.SwitchPDT(BootTablesAddr)

	m.seq = kmem.NewSequencer(m.Platform())
	if kerr = m.seq.Run(info); kerr != nil {
		return nil, fmt.Errorf("boot failed in state %q: %w", m.seq.State(), kerr)
	}

	mgr, kerr := m.seq.Manager()
	if kerr != nil {
		return nil, kerr
	}

	for core := 1; core < m.Config.Cores; core++ {
		mgr.CoreOnline()
	}

	liveLock.Lock()
	m.mgr = mgr
	live[m] = struct{}{}
	liveLock.Unlock()

	smp.SetIPISender(deliverIPI)
	return mgr, nil
}

// deliverIPI runs the shootdown handler of every simulated core
// synchronously. The IPI sender is process wide so the request is offered
// to every live machine; managers without a pending request ignore it.
func deliverIPI(issuer int) {
	liveLock.Lock()
	machines := make([]*Machine, 0, len(live))
	for m := range live {
		machines = append(machines, m)
	}
	liveLock.Unlock()

	for _, m := range machines {
		for core := 0; core < m.Config.Cores; core++ {
			if core != issuer {
				m.mgr.Acknowledge(core)
			}
		}
	}
}

// State returns the last completed boot step.
func (m *Machine) State() kmem.State {
	if m.seq == nil {
		return kmem.Uninitialized
	}
	return m.seq.State()
}

// Close releases the RAM backing. The machine stops receiving IPIs.
func (m *Machine) Close() error {
	liveLock.Lock()
	delete(live, m)
	liveLock.Unlock()

	return m.release()
}
