package pmm

import (
	"helium/kernel"
	"helium/kernel/mm"
	"math/rand"
	"testing"
)

const testMetaBase = uintptr(0x7000)

// newTestAllocator returns an allocator whose metadata lives in a RAM
// region starting at testMetaBase.
func newTestAllocator(t *testing.T, segs ...Segment) (*BitmapAllocator, *mm.RAM) {
	ram := mm.NewRAM(testMetaBase, make([]byte, mm.AlignUp(MetadataSize(segs), mm.PageSize)))

	// Fill with junk so that Init has to clear the bitmaps
	for i := range ram.Bytes() {
		ram.Bytes()[i] = 0xf0
	}

	alloc := new(BitmapAllocator)
	if err := alloc.Init(ram, testMetaBase, segs); err != nil {
		t.Fatal(err)
	}
	return alloc, ram
}

func snapshot(t *testing.T, alloc *BitmapAllocator) [][]uint64 {
	var out [][]uint64
	for i := 0; i < alloc.SegmentCount(); i++ {
		words, err := alloc.Bitmap(i, nil)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, words)
	}
	return out
}

func sameBitmaps(a, b [][]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func TestBitmapAllocatorInit(t *testing.T) {
	alloc, ram := newTestAllocator(t,
		Segment{Base: 0x400000, Size: 100 * mm.PageSize},
		Segment{Base: 0x100000, Size: 128 * mm.PageSize},
	)

	if got := alloc.SegmentCount(); got != 2 {
		t.Fatalf("expected 2 segments; got %d", got)
	}

	if exp, got := (HeaderSize+16)+(HeaderSize+16), alloc.MetadataSize(); got != exp {
		t.Fatalf("expected metadata size %d; got %d", exp, got)
	}

	if got := ram.Uint64(testMetaBase); got != SegmentMagic {
		t.Fatalf("expected first header magic 0x%x; got 0x%x", SegmentMagic, got)
	}

	// 100 pages leave 28 padding bits in the second bitmap word
	if exp, got := uint64(0xfffffff000000000), ram.Uint64(testMetaBase+HeaderSize+8); got != exp {
		t.Fatalf("expected padding word 0x%x; got 0x%x", exp, got)
	}

	// 128 pages fill both words exactly so nothing is pre-set
	secondHdr := testMetaBase + HeaderSize + 16
	if got := ram.Uint64(secondHdr + hdrBaseOffset); got != 0x100000 {
		t.Fatalf("expected second header base 0x100000; got 0x%x", got)
	}
	if got := ram.Uint64(secondHdr + HeaderSize + 8); got != 0 {
		t.Fatalf("expected second bitmap tail word to be clear; got 0x%x", got)
	}

	for i, expPages := range []uintptr{100, 128} {
		info, err := alloc.Segment(i)
		if err != nil {
			t.Fatal(err)
		}

		if info.TotalPages != expPages || info.FreePages != expPages || info.UsedPages != 0 {
			t.Errorf("[segment %d] unexpected info %+v", i, info)
		}
	}

	if err := alloc.Check(); err != nil {
		t.Fatalf("unexpected Check error: %v", err)
	}

	if err := new(BitmapAllocator).Init(ram, testMetaBase, nil); err != mm.ErrOutOfPhysicalSpace {
		t.Fatalf("expected ErrOutOfPhysicalSpace; got %v", err)
	}
}

func TestBitmapAllocatorAlloc(t *testing.T) {
	specs := []struct {
		sel     Selector
		req     Request
		expAddr mm.PhysAddr
		expSeg  int
		expSize uintptr
		expErr  *kernel.Error
	}{
		// high segment is preferred
		{AnySegment, Request{Size: 1}, 0x1000000, 0, mm.PageSize, nil},
		// explicit segment selection
		{Selector(1), Request{Size: 3 * mm.PageSize}, 0x101000, 1, 3 * mm.PageSize, nil},
		// 2MiB alignment inside the low segment
		{Selector(1), Request{Size: mm.PageSize, Align: 2 << 20}, 0x200000, 1, mm.PageSize, nil},
		// ceiling excludes the high segment
		{AnySegment, Request{Size: 2 * mm.PageSize, Below: 0x200000, Contiguous: true}, 0x101000, 1, 2 * mm.PageSize, nil},
		// ceiling clamps a non-contiguous grant
		{AnySegment, Request{Size: 8 * mm.PageSize, Below: 0x103000}, 0x101000, 1, 2 * mm.PageSize, nil},
		// ceiling below every segment
		{AnySegment, Request{Size: mm.PageSize, Below: 0x1000}, 0, 0, 0, mm.ErrOutOfPhysicalSpace},
		// too large for any segment
		{AnySegment, Request{Size: 64 << 20, Contiguous: true}, 0, 0, 0, mm.ErrOutOfPhysicalSpace},
		{AnySegment, Request{Size: 0}, 0, 0, 0, mm.ErrNullSize},
		{AnySegment, Request{Size: mm.PageSize, Align: 3 * mm.PageSize}, 0, 0, 0, mm.ErrAlignment},
		{Selector(7), Request{Size: mm.PageSize}, 0, 0, 0, mm.ErrCorruption},
	}

	for specIndex, spec := range specs {
		alloc, _ := newTestAllocator(t,
			Segment{Base: 0x1000000, Size: 4 << 20},
			Segment{Base: 0x101000, Size: 4 << 20},
		)

		a, err := alloc.Alloc(spec.sel, spec.req)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		if err != nil {
			if a != (Allocation{}) {
				t.Errorf("[spec %d] expected zero allocation on error; got %+v", specIndex, a)
			}
			continue
		}

		exp := Allocation{Addr: spec.expAddr, Segment: spec.expSeg, Size: spec.expSize}
		if a != exp {
			t.Errorf("[spec %d] expected allocation %+v; got %+v", specIndex, exp, a)
		}
	}
}

func TestBitmapAllocatorContiguousSkipsFragments(t *testing.T) {
	alloc, _ := newTestAllocator(t, Segment{Base: 0x0, Size: 256 * mm.PageSize})

	// Allocate pages 0..9 and free every other page to fragment the
	// first 10 pages of the segment.
	var pages []Allocation
	for i := 0; i < 10; i++ {
		a, err := alloc.Alloc(AnySegment, Request{Size: mm.PageSize})
		if err != nil {
			t.Fatal(err)
		}
		pages = append(pages, a)
	}
	for i := 0; i < 10; i += 2 {
		if err := alloc.Free(AnySegment, pages[i]); err != nil {
			t.Fatal(err)
		}
	}

	a, err := alloc.Alloc(AnySegment, Request{Size: 2 * mm.PageSize, Contiguous: true})
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.PhysAddr(10 * mm.PageSize); a.Addr != exp {
		t.Fatalf("expected contiguous run at 0x%x; got 0x%x", exp, a.Addr)
	}

	// A best effort request takes the first free page and stops at the
	// next used one.
	a, err = alloc.Alloc(AnySegment, Request{Size: 4 * mm.PageSize})
	if err != nil {
		t.Fatal(err)
	}
	if a.Addr != 0 || a.Size != mm.PageSize {
		t.Fatalf("expected a single page at 0x0; got %+v", a)
	}
}

func TestBitmapAllocatorAlignment(t *testing.T) {
	alloc, _ := newTestAllocator(t, Segment{Base: 0x3000, Size: 16 << 20})

	const align = uintptr(2 << 20)
	for i := 0; i < 7; i++ {
		a, err := alloc.Alloc(AnySegment, Request{Size: 5 * mm.PageSize, Align: align, Contiguous: true})
		if err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}

		if uintptr(a.Addr)%align != 0 {
			t.Fatalf("[alloc %d] expected address 0x%x to be 2MiB aligned", i, a.Addr)
		}
	}
}

func TestBitmapAllocatorFree(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		alloc, _ := newTestAllocator(t,
			Segment{Base: 0x800000, Size: 300 * mm.PageSize},
			Segment{Base: 0x0, Size: 70 * mm.PageSize},
		)

		if _, err := alloc.Alloc(AnySegment, Request{Size: 65 * mm.PageSize}); err != nil {
			t.Fatal(err)
		}

		before := snapshot(t, alloc)
		a, err := alloc.Alloc(AnySegment, Request{Size: 130 * mm.PageSize, Contiguous: true})
		if err != nil {
			t.Fatal(err)
		}

		if err = alloc.Free(Selector(a.Segment), a); err != nil {
			t.Fatal(err)
		}

		if after := snapshot(t, alloc); !sameBitmaps(before, after) {
			t.Fatal("expected bitmaps to be restored after alloc/free round trip")
		}
	})

	t.Run("double free", func(t *testing.T) {
		alloc, _ := newTestAllocator(t, Segment{Base: 0x0, Size: 64 * mm.PageSize})

		a, err := alloc.Alloc(AnySegment, Request{Size: 4 * mm.PageSize})
		if err != nil {
			t.Fatal(err)
		}

		// Free the middle pages so a full free hits clear bits
		mid := Allocation{Addr: a.Addr + mm.PhysAddr(mm.PageSize), Segment: a.Segment, Size: 2 * mm.PageSize}
		if err = alloc.Free(AnySegment, mid); err != nil {
			t.Fatal(err)
		}

		before := snapshot(t, alloc)
		if err = alloc.Free(AnySegment, a); err != mm.ErrCorruption {
			t.Fatalf("expected ErrCorruption; got %v", err)
		}

		if after := snapshot(t, alloc); !sameBitmaps(before, after) {
			t.Fatal("expected failed free to leave the bitmap untouched")
		}

		if err = alloc.Free(AnySegment, mid); err != mm.ErrCorruption {
			t.Fatalf("expected ErrCorruption; got %v", err)
		}
	})

	t.Run("invalid allocations", func(t *testing.T) {
		alloc, _ := newTestAllocator(t,
			Segment{Base: 0x100000, Size: 64 * mm.PageSize},
			Segment{Base: 0x0, Size: 64 * mm.PageSize},
		)

		a, err := alloc.Alloc(AnySegment, Request{Size: mm.PageSize})
		if err != nil {
			t.Fatal(err)
		}

		specs := []struct {
			sel    Selector
			a      Allocation
			expErr *kernel.Error
		}{
			{Selector(1), a, mm.ErrCorruption},
			{AnySegment, Allocation{Addr: a.Addr, Segment: 5, Size: mm.PageSize}, mm.ErrCorruption},
			{AnySegment, Allocation{Addr: a.Addr, Segment: 1, Size: mm.PageSize}, mm.ErrCorruption},
			{AnySegment, Allocation{Addr: a.Addr + 0x10, Segment: 0, Size: mm.PageSize}, mm.ErrCorruption},
			{AnySegment, Allocation{Addr: a.Addr, Segment: 0, Size: 65 * mm.PageSize}, mm.ErrCorruption},
			{AnySegment, Allocation{Addr: a.Addr, Segment: 0}, mm.ErrNullSize},
		}

		for specIndex, spec := range specs {
			if err := alloc.Free(spec.sel, spec.a); err != spec.expErr {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			}
		}

		if err = alloc.Free(AnySegment, a); err != nil {
			t.Fatalf("expected valid free to succeed; got %v", err)
		}
	})
}

func TestBitmapAllocatorCorruptedMagic(t *testing.T) {
	alloc, ram := newTestAllocator(t,
		Segment{Base: 0x100000, Size: 64 * mm.PageSize},
		Segment{Base: 0x0, Size: 64 * mm.PageSize},
	)

	a, err := alloc.Alloc(Selector(1), Request{Size: mm.PageSize})
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the second header
	ram.SetUint64(testMetaBase+HeaderSize+8, 0xbadf00d)

	// The first segment is still usable until the bad header is visited
	if _, err = alloc.Alloc(Selector(0), Request{Size: mm.PageSize}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err = alloc.Free(Selector(1), a); err != mm.ErrCorruption {
		t.Fatalf("expected ErrCorruption; got %v", err)
	}

	// The allocator is now poisoned
	if _, err = alloc.Alloc(Selector(0), Request{Size: mm.PageSize}); err != mm.ErrCorruption {
		t.Fatalf("expected ErrCorruption from poisoned allocator; got %v", err)
	}

	if err = alloc.Check(); err != mm.ErrCorruption {
		t.Fatalf("expected Check to report ErrCorruption; got %v", err)
	}

	if _, err = alloc.AllocFrame(); err != mm.ErrCorruption {
		t.Fatalf("expected ErrCorruption; got %v", err)
	}
}

func TestBitmapAllocatorCheckPadding(t *testing.T) {
	alloc, ram := newTestAllocator(t, Segment{Base: 0x0, Size: 10 * mm.PageSize})

	ram.SetUint64(testMetaBase+HeaderSize, 0)
	if err := alloc.Check(); err != mm.ErrCorruption {
		t.Fatalf("expected ErrCorruption; got %v", err)
	}
}

func TestBitmapAllocatorFrames(t *testing.T) {
	alloc, _ := newTestAllocator(t,
		Segment{Base: 0x200000, Size: 2 * mm.PageSize},
		Segment{Base: 0x0, Size: mm.PageSize},
	)

	var frames []mm.Frame
	for {
		frame, err := alloc.AllocFrame()
		if err == mm.ErrOutOfPhysicalSpace {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if !frame.Valid() {
			t.Fatal("expected a valid frame")
		}
		frames = append(frames, frame)
	}

	exp := []mm.Frame{0x200, 0x201, 0x0}
	if len(frames) != len(exp) {
		t.Fatalf("expected frames %v; got %v", exp, frames)
	}
	for i := range exp {
		if frames[i] != exp[i] {
			t.Fatalf("expected frames %v; got %v", exp, frames)
		}
	}

	for _, frame := range frames {
		if err := alloc.FreeFrame(frame); err != nil {
			t.Fatal(err)
		}
	}

	if err := alloc.FreeFrame(mm.Frame(0x100)); err != mm.ErrCorruption {
		t.Fatalf("expected ErrCorruption for frame outside all segments; got %v", err)
	}

	if err := alloc.FreeFrame(exp[0]); err != mm.ErrCorruption {
		t.Fatalf("expected ErrCorruption for double free; got %v", err)
	}
}

func TestBitmapAllocatorRebase(t *testing.T) {
	alloc, ram := newTestAllocator(t, Segment{Base: 0x0, Size: 64 * mm.PageSize})

	if _, err := alloc.Alloc(AnySegment, Request{Size: 3 * mm.PageSize}); err != nil {
		t.Fatal(err)
	}

	// Expose the same bytes at a different address
	const newBase = uintptr(0xffff804000000000)
	alloc.Rebase(mm.NewRAM(newBase, ram.Bytes()), newBase)

	a, err := alloc.Alloc(AnySegment, Request{Size: mm.PageSize})
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.PhysAddr(3 * mm.PageSize); a.Addr != exp {
		t.Fatalf("expected allocation at 0x%x after rebase; got 0x%x", exp, a.Addr)
	}
}

func TestBitmapAllocatorRandomSequence(t *testing.T) {
	segs := []Segment{
		{Base: 0x10000000, Size: 1000 * mm.PageSize},
		{Base: 0x4000000, Size: 513 * mm.PageSize},
		{Base: 0x1000, Size: 77 * mm.PageSize},
	}
	alloc, _ := newTestAllocator(t, segs...)

	var (
		rng       = rand.New(rand.NewSource(42))
		live      []Allocation
		usedBySeg = make([]uintptr, len(segs))
	)

	overlaps := func(a Allocation) bool {
		for _, b := range live {
			if a.Addr < b.End() && b.Addr < a.End() {
				return true
			}
		}
		return false
	}

	for step := 0; step < 2000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(live))
			a := live[idx]
			if err := alloc.Free(Selector(a.Segment), a); err != nil {
				t.Fatalf("[step %d] unexpected free error: %v", step, err)
			}
			live = append(live[:idx], live[idx+1:]...)
			usedBySeg[a.Segment] -= a.Size >> mm.PageShift
		} else {
			req := Request{
				Size:       uintptr(rng.Intn(40)+1) * mm.PageSize,
				Align:      mm.PageSize << uint(rng.Intn(4)),
				Contiguous: rng.Intn(2) == 0,
			}
			a, err := alloc.Alloc(AnySegment, req)
			if err == mm.ErrOutOfPhysicalSpace {
				continue
			}
			if err != nil {
				t.Fatalf("[step %d] unexpected alloc error: %v", step, err)
			}

			if uintptr(a.Addr)%req.Align != 0 {
				t.Fatalf("[step %d] allocation 0x%x violates alignment 0x%x", step, a.Addr, req.Align)
			}
			if req.Contiguous && a.Size != req.Size {
				t.Fatalf("[step %d] expected contiguous grant of %d bytes; got %d", step, req.Size, a.Size)
			}
			if seg := segs[a.Segment]; a.Addr < seg.Base || a.End() > seg.End() {
				t.Fatalf("[step %d] allocation %+v outside segment %+v", step, a, seg)
			}
			if overlaps(a) {
				t.Fatalf("[step %d] allocation %+v overlaps a live allocation", step, a)
			}

			live = append(live, a)
			usedBySeg[a.Segment] += a.Size >> mm.PageShift
		}

		for i := range segs {
			info, err := alloc.Segment(i)
			if err != nil {
				t.Fatal(err)
			}
			if info.UsedPages+info.FreePages != info.TotalPages || info.UsedPages != usedBySeg[i] {
				t.Fatalf("[step %d] segment %d: expected %d used pages; got %+v", step, i, usedBySeg[i], info)
			}
		}
	}

	if err := alloc.Check(); err != nil {
		t.Fatal(err)
	}
}
