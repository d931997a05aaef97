// Package smp coordinates TLB invalidations across the active cores.
package smp

import (
	"helium/kernel"
	"helium/kernel/cpu"
	"helium/kernel/kfmt"
	"helium/kernel/mm"
	"helium/kernel/sync"
	"sync/atomic"
)

// MaxCores is the number of cores the shootdown protocol can track.
const MaxCores = 64

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	reloadPDTFn     = cpu.ReloadPDT

	// sendIPIFn signals every active core except issuer to call
	// Acknowledge. It is installed by the interrupt controller driver.
	sendIPIFn func(issuer int)

	// currentCoreFn returns the index of the core running the caller.
	currentCoreFn = func() int { return 0 }

	errInvalidCoreCount = &kernel.Error{Module: "smp", Message: "active core count out of range"}
	errNoIPISender      = &kernel.Error{Module: "smp", Message: "no IPI sender registered for a multi-core broadcast"}
)

// SetIPISender registers the function used to interrupt the other cores.
func SetIPISender(fn func(issuer int)) { sendIPIFn = fn }

// SetCurrentCoreFn registers the function that identifies the calling core.
func SetCurrentCoreFn(fn func() int) { currentCoreFn = fn }

// Request describes a pending invalidation.
type Request struct {
	Issuer     int
	Start      mm.VirtAddr
	Pages      uintptr
	Global     bool
	FullReload bool
}

// Shootdown propagates TLB invalidations issued on one core to every other
// active core and waits until each of them has applied it.
type Shootdown struct {
	// lock serializes broadcasts; only one request is in flight.
	lock sync.Spinlock

	active  uint32
	pending int32

	// generation is bumped for every broadcast so a core acknowledges a
	// request at most once.
	generation uint64
	acked      [MaxCores]uint64
	req        Request
}

// SetActiveCores updates the number of cores that take part in broadcasts.
func (s *Shootdown) SetActiveCores(n int) {
	if n < 1 || n > MaxCores {
		kfmt.Panic(errInvalidCoreCount)
	}

	s.lock.Acquire()
	atomic.StoreUint32(&s.active, uint32(n))
	s.lock.Release()
}

// CoreOnline registers one more active core and returns the new count.
func (s *Shootdown) CoreOnline() int {
	s.lock.Acquire()
	defer s.lock.Release()

	n := atomic.LoadUint32(&s.active) + 1
	if n > MaxCores {
		kfmt.Panic(errInvalidCoreCount)
	}
	atomic.StoreUint32(&s.active, n)
	kfmt.Printf("[smp] %d active cores\n", n)
	return int(n)
}

// ActiveCores returns the number of cores taking part in broadcasts.
func (s *Shootdown) ActiveCores() int {
	return int(atomic.LoadUint32(&s.active))
}

// Broadcast asks every other active core to invalidate the translations for
// pages pages starting at start, or to reload its root table when fullReload
// is set, and spins until all of them acknowledge. It returns immediately
// when a single core is active.
func (s *Shootdown) Broadcast(start mm.VirtAddr, pages uintptr, global, fullReload bool) {
	if atomic.LoadUint32(&s.active) <= 1 || (pages == 0 && !fullReload) {
		return
	}

	s.lock.Acquire()
	defer s.lock.Release()

	others := int32(atomic.LoadUint32(&s.active)) - 1
	if others <= 0 {
		return
	}

	issuer := currentCoreFn()
	s.req = Request{
		Issuer:     issuer,
		Start:      start,
		Pages:      pages,
		Global:     global,
		FullReload: fullReload,
	}
	atomic.StoreInt32(&s.pending, others)
	atomic.AddUint64(&s.generation, 1)

	if sendIPIFn == nil {
		kfmt.Panic(errNoIPISender)
	}
	sendIPIFn(issuer)

	for atomic.LoadInt32(&s.pending) > 0 {
		sync.Yield()
	}
}

// Acknowledge applies the pending request on the calling core and notifies
// the issuer. It is invoked by the IPI handler of each receiving core.
// Calls by the issuer or repeated calls for the same request are ignored.
func (s *Shootdown) Acknowledge(core int) {
	gen := atomic.LoadUint64(&s.generation)
	if core < 0 || core >= MaxCores || atomic.LoadInt32(&s.pending) <= 0 {
		return
	}

	req := s.req
	if core == req.Issuer || atomic.SwapUint64(&s.acked[core], gen) == gen {
		return
	}

	if req.FullReload {
		reloadPDTFn()
	} else {
		for page := uintptr(0); page < req.Pages; page++ {
			flushTLBEntryFn(uintptr(req.Start) + page<<mm.PageShift)
		}
	}

	atomic.AddInt32(&s.pending, -1)
}
