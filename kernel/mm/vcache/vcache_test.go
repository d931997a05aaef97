package vcache

import (
	"helium/kernel"
	"helium/kernel/mm"
	"helium/kernel/mm/vmm"
	"math/rand"
	"testing"
)

const testWindowBase = mm.VirtAddr(0xffff808000000000)

func newTestCache(t *testing.T, pages uintptr) *Cache {
	var c Cache
	if err := c.Init(vmm.Window{Name: "test", Start: testWindowBase, Size: pages * mm.PageSize}); err != nil {
		t.Fatal(err)
	}
	return &c
}

func TestInit(t *testing.T) {
	specs := []struct {
		window vmm.Window
		expErr *kernel.Error
	}{
		{vmm.Window{Start: testWindowBase, Size: mm.PageSize}, nil},
		{vmm.Window{Start: testWindowBase, Size: 0}, errInvalidWindow},
		{vmm.Window{Start: testWindowBase + 1, Size: mm.PageSize}, errInvalidWindow},
		{vmm.Window{Start: testWindowBase, Size: mm.PageSize + 1}, errInvalidWindow},
	}

	for specIndex, spec := range specs {
		var c Cache
		if err := c.Init(spec.window); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestAllocateRange(t *testing.T) {
	c := newTestCache(t, 1024)

	specs := []struct {
		size     uintptr
		cons     Constraints
		expStart mm.VirtAddr
		expSize  uintptr
		expErr   *kernel.Error
	}{
		{1, Constraints{}, testWindowBase, mm.PageSize, nil},
		{3 * mm.PageSize, Constraints{Align: 1}, testWindowBase + 0x1000, 3 * mm.PageSize, nil},
		{mm.PageSize, Constraints{Align: 0x10000}, testWindowBase + 0x10000, mm.PageSize, nil},
		// fills the gap left by the aligned request
		{4 * mm.PageSize, Constraints{}, testWindowBase + 0x4000, 4 * mm.PageSize, nil},
		{0, Constraints{}, 0, 0, mm.ErrNullSize},
		{mm.PageSize, Constraints{Align: 0x3000}, 0, 0, mm.ErrAlignment},
		{1025 * mm.PageSize, Constraints{}, 0, 0, mm.ErrOutOfVCacheSpace},
		{mm.PageSize, Constraints{Align: 1 << 30}, 0, 0, mm.ErrOutOfVCacheSpace},
	}

	for specIndex, spec := range specs {
		r, err := c.AllocateRange(spec.size, spec.cons)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		if err == nil && (r.Start != spec.expStart || r.Size != spec.expSize) {
			t.Errorf("[spec %d] expected range [0x%x, +0x%x); got [0x%x, +0x%x)", specIndex, spec.expStart, spec.expSize, r.Start, r.Size)
		}
	}

	if got, exp := c.Allocated(), 9*mm.PageSize; got != exp {
		t.Fatalf("expected 0x%x allocated bytes; got 0x%x", exp, got)
	}
}

func TestExhaustionAndReuse(t *testing.T) {
	c := newTestCache(t, 4)

	var ranges []Range
	for i := 0; i < 4; i++ {
		r, err := c.AllocateRange(mm.PageSize, Constraints{})
		if err != nil {
			t.Fatal(err)
		}
		ranges = append(ranges, r)
	}

	if _, err := c.AllocateRange(mm.PageSize, Constraints{}); err != mm.ErrOutOfVCacheSpace {
		t.Fatalf("expected ErrOutOfVCacheSpace; got %v", err)
	}

	if !mm.ErrOutOfVCacheSpace.Recoverable() {
		t.Fatal("expected vcache exhaustion to be recoverable")
	}

	if err := c.FreeRange(ranges[2]); err != nil {
		t.Fatal(err)
	}

	r, err := c.AllocateRange(mm.PageSize, Constraints{})
	if err != nil || r != ranges[2] {
		t.Fatalf("expected the freed range to be reused; got %+v, %v", r, err)
	}
}

func TestFreeRangeErrors(t *testing.T) {
	c := newTestCache(t, 16)

	r, err := c.AllocateRange(2*mm.PageSize, Constraints{})
	if err != nil {
		t.Fatal(err)
	}

	specs := []Range{
		{Start: r.Start, Size: mm.PageSize},
		{Start: r.Start + 0x1000, Size: mm.PageSize},
		{Start: r.End(), Size: mm.PageSize},
	}

	for specIndex, spec := range specs {
		if err := c.FreeRange(spec); err != errUnknownRange {
			t.Errorf("[spec %d] expected errUnknownRange; got %v", specIndex, err)
		}
	}

	if err := c.FreeRange(r); err != nil {
		t.Fatal(err)
	}

	if err := c.FreeRange(r); err != errUnknownRange {
		t.Fatalf("expected double free to fail; got %v", err)
	}
}

func TestManages(t *testing.T) {
	c := newTestCache(t, 16)

	if _, err := c.AllocateRange(mm.PageSize, Constraints{}); err != nil {
		t.Fatal(err)
	}
	r, err := c.AllocateRange(2*mm.PageSize, Constraints{Align: 0x4000})
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		start, end mm.VirtAddr
		exp        bool
	}{
		{testWindowBase, testWindowBase + 1, true},
		{testWindowBase + 0x1000, r.Start, false},
		{r.Start - 1, r.Start + 1, true},
		{r.End() - 1, r.End(), true},
		{r.End(), r.End() + 0x10000, false},
		{0, testWindowBase, false},
	}

	for specIndex, spec := range specs {
		if got := c.Manages(spec.start, spec.end); got != spec.exp {
			t.Errorf("[spec %d] expected Manages(0x%x, 0x%x) to return %t", specIndex, spec.start, spec.end, spec.exp)
		}
	}
}

func TestRandomSequence(t *testing.T) {
	c := newTestCache(t, 256)
	rng := rand.New(rand.NewSource(7))

	var live []Range
	for step := 0; step < 2000; step++ {
		if len(live) != 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(live))
			if err := c.FreeRange(live[index]); err != nil {
				t.Fatalf("[step %d] unexpected free error: %v", step, err)
			}
			live = append(live[:index], live[index+1:]...)
			continue
		}

		size := uintptr(rng.Intn(8)+1) * mm.PageSize
		align := uintptr(1) << uint(12+rng.Intn(3))
		r, err := c.AllocateRange(size, Constraints{Align: align})
		if err == mm.ErrOutOfVCacheSpace {
			continue
		} else if err != nil {
			t.Fatalf("[step %d] unexpected alloc error: %v", step, err)
		}

		if uintptr(r.Start)&(align-1) != 0 || r.Start < testWindowBase || r.End() > c.Window().End() {
			t.Fatalf("[step %d] range %+v violates its constraints", step, r)
		}

		for _, other := range live {
			if r.Start < other.End() && other.Start < r.End() {
				t.Fatalf("[step %d] range %+v overlaps %+v", step, r, other)
			}
		}
		live = append(live, r)
	}

	var total uintptr
	for _, r := range live {
		total += r.Size
	}
	if got := c.Allocated(); got != total {
		t.Fatalf("expected 0x%x allocated bytes; got 0x%x", total, got)
	}
}
