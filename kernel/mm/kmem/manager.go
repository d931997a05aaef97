package kmem

import (
	"helium/bootboot"
	"helium/kernel"
	"helium/kernel/kfmt"
	"helium/kernel/mm"
	"helium/kernel/mm/pmm"
	"helium/kernel/mm/vcache"
	"helium/kernel/mm/vmm"
	"helium/kernel/sync"
)

var (
	// ErrAlreadyInitialized is returned by a second call to Init.
	ErrAlreadyInitialized = &kernel.Error{Module: "kmem", Code: kernel.CodeBootOrder, Message: "memory manager already initialized"}

	initLock sync.Spinlock
	instance *Manager
)

// Init boots the memory manager using the boot loader descriptor and
// publishes the resulting instance. Init succeeds at most once.
func Init(info *bootboot.Info, p Platform) (*Manager, *kernel.Error) {
	initLock.Acquire()
	defer initLock.Release()

	if instance != nil {
		return nil, ErrAlreadyInitialized
	}

	seq := NewSequencer(p)
	if err := seq.Run(info); err != nil {
		return nil, err
	}

	mgr, err := seq.Manager()
	if err != nil {
		return nil, err
	}

	instance = mgr
	return mgr, nil
}

// Get returns the memory manager published by Init or nil if Init has not
// completed yet.
func Get() *Manager {
	initLock.Acquire()
	defer initLock.Release()
	return instance
}

// VBlock is a virtually contiguous block backed by physically contiguous
// memory, as needed when loading kernel modules.
type VBlock struct {
	Range vcache.Range
	Phys  pmm.Allocation
	Flags vmm.MapFlag
}

// Manager is the entry point for every memory request made after boot.
type Manager struct {
	seq *Sequencer
}

// Orders returns the page order table.
func (m *Manager) Orders() mm.OrderTable {
	return m.seq.orders
}

// PMM returns the physical segment allocator.
func (m *Manager) PMM() *pmm.BitmapAllocator {
	return &m.seq.pmm
}

// Mapper returns the kernel page table mapper.
func (m *Manager) Mapper() *vmm.Mapper {
	return m.seq.mapper
}

// VCache returns the kernel heap range cache.
func (m *Manager) VCache() *vcache.Cache {
	return &m.seq.vcache
}

// Alloc allocates physical memory. See pmm.BitmapAllocator.Alloc.
func (m *Manager) Alloc(sel pmm.Selector, req pmm.Request) (pmm.Allocation, *kernel.Error) {
	return m.seq.pmm.Alloc(sel, req)
}

// Free releases physical memory. See pmm.BitmapAllocator.Free.
func (m *Manager) Free(sel pmm.Selector, a pmm.Allocation) *kernel.Error {
	return m.seq.pmm.Free(sel, a)
}

// Map maps [v, v+size) to p. See vmm.Mapper.Map.
func (m *Manager) Map(v mm.VirtAddr, p mm.PhysAddr, size uintptr, flags vmm.MapFlag) *kernel.Error {
	return m.seq.mapper.Map(v, p, size, flags)
}

// Unmap removes the mappings in [v, v+size). See vmm.Mapper.Unmap.
func (m *Manager) Unmap(v mm.VirtAddr, size uintptr) *kernel.Error {
	return m.seq.mapper.Unmap(v, size)
}

// Translate resolves v. See vmm.Mapper.Translate.
func (m *Manager) Translate(v mm.VirtAddr) (mm.PhysAddr, vmm.MapFlag, *kernel.Error) {
	return m.seq.mapper.Translate(v)
}

// CoreOnline registers an additional core with the shootdown protocol and
// returns the number of active cores.
func (m *Manager) CoreOnline() int {
	return m.seq.shootdown.CoreOnline()
}

// Acknowledge must be called by the IPI handler of every core that receives
// a shootdown request.
func (m *Manager) Acknowledge(core int) {
	m.seq.shootdown.Acknowledge(core)
}

// AllocVBlock reserves a range in the kernel heap window, backs it with
// physically contiguous memory and maps it with flags. Any failure undoes
// the steps that already completed.
func (m *Manager) AllocVBlock(size uintptr, flags vmm.MapFlag) (VBlock, *kernel.Error) {
	order, err := flags.Order()
	if err != nil {
		return VBlock{}, err
	}
	frameSize := m.seq.orders.Size(order)

	r, err := m.seq.vcache.AllocateRange(mm.AlignUp(size, frameSize), vcache.Constraints{Align: frameSize})
	if err != nil {
		return VBlock{}, err
	}

	phys, err := m.seq.pmm.Alloc(pmm.AnySegment, pmm.Request{Size: r.Size, Align: frameSize, Contiguous: true})
	if err != nil {
		unwindErr("virtual range", m.seq.vcache.FreeRange(r))
		return VBlock{}, err
	}

	if err = m.seq.mapper.MapOwned(r.Start, phys.Addr, r.Size, flags); err != nil {
		unwindErr("physical block", m.seq.pmm.Free(pmm.Selector(phys.Segment), phys))
		unwindErr("virtual range", m.seq.vcache.FreeRange(r))
		return VBlock{}, err
	}

	return VBlock{Range: r, Phys: phys, Flags: flags}, nil
}

// FreeVBlock unmaps a block returned by AllocVBlock and releases its
// physical and virtual ranges.
func (m *Manager) FreeVBlock(b VBlock) *kernel.Error {
	if err := m.seq.mapper.UnmapOwned(b.Range.Start, b.Range.Size); err != nil {
		return err
	}

	if err := m.seq.pmm.Free(pmm.Selector(b.Phys.Segment), b.Phys); err != nil {
		return err
	}

	return m.seq.vcache.FreeRange(b.Range)
}

// unwindErr reports a failure to release a resource while undoing a
// partially completed request.
func unwindErr(what string, err *kernel.Error) {
	if err != nil {
		kfmt.Printf("[kmem] unwind could not release %s: %s\n", what, err.Message)
	}
}
