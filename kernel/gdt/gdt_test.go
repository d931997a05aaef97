package gdt

import (
	"testing"
	"unsafe"
)

func TestKernelTable(t *testing.T) {
	table := KernelTable()

	if table[0] != 0 {
		t.Fatalf("expected null descriptor; got 0x%x", uint64(table[0]))
	}

	specs := []struct {
		entry      Entry
		executable bool
		writable   bool
		longMode   bool
	}{
		{table[1], true, false, true},
		{table[2], false, true, false},
	}

	for specIndex, spec := range specs {
		if !spec.entry.Present() || !spec.entry.HasFlags(BitNonSystem) {
			t.Errorf("[spec %d] expected a present non-system descriptor", specIndex)
		}

		if got := spec.entry.DPL(); got != 0 {
			t.Errorf("[spec %d] expected DPL 0; got %d", specIndex, got)
		}

		if got := spec.entry.Executable(); got != spec.executable {
			t.Errorf("[spec %d] expected Executable() to return %t", specIndex, spec.executable)
		}

		if got := spec.entry.Writable(); got != spec.writable {
			t.Errorf("[spec %d] expected Writable() to return %t", specIndex, spec.writable)
		}

		if got := spec.entry.LongMode(); got != spec.longMode {
			t.Errorf("[spec %d] expected LongMode() to return %t", specIndex, spec.longMode)
		}
	}

	// Access byte 0x98 with the L flag for code and access byte 0x92 for data
	if exp := uint64(0x0020980000000000); uint64(table[1]) != exp {
		t.Errorf("expected code descriptor 0x%016x; got 0x%016x", exp, uint64(table[1]))
	}
	if exp := uint64(0x0000920000000000); uint64(table[2]) != exp {
		t.Errorf("expected data descriptor 0x%016x; got 0x%016x", exp, uint64(table[2]))
	}
}

func TestEntryDPL(t *testing.T) {
	e := BitPresent
	for dpl := uint8(0); dpl < 4; dpl++ {
		if got := e.WithDPL(dpl).DPL(); got != dpl {
			t.Errorf("expected DPL %d; got %d", dpl, got)
		}
	}

	if got := e.WithDPL(3).WithDPL(1); got != e.WithDPL(1) {
		t.Errorf("expected WithDPL to replace the previous level")
	}
}

func TestTableBytes(t *testing.T) {
	table := KernelTable()
	b := table.Bytes()

	if len(b) != 24 {
		t.Fatalf("expected 24 bytes; got %d", len(b))
	}

	// access byte is the 6th byte of each descriptor
	if b[8+5] != 0x98 || b[16+5] != 0x92 {
		t.Fatalf("unexpected access bytes 0x%x, 0x%x", b[8+5], b[16+5])
	}

	if b[8+6] != 0x20 {
		t.Fatalf("expected code flags nibble 0x2; got 0x%x", b[8+6]>>4)
	}

	if got := table.Limit(); got != 23 {
		t.Fatalf("expected limit 23; got %d", got)
	}
}

func TestLoad(t *testing.T) {
	defer func(orig func(uintptr, uint16, uint16, uint16)) {
		loadGDTFn = orig
	}(loadGDTFn)

	var (
		calls          int
		gotBase        uintptr
		gotLimit       uint16
		gotCS, gotData uint16
	)
	loadGDTFn = func(base uintptr, limit uint16, cs, ds uint16) {
		calls++
		gotBase, gotLimit, gotCS, gotData = base, limit, cs, ds
	}

	Load()

	if calls != 1 {
		t.Fatalf("expected loadGDTFn to be called once; called %d", calls)
	}

	if exp := uintptr(unsafe.Pointer(&kernelTable[0])); gotBase != exp {
		t.Fatalf("expected table base 0x%x; got 0x%x", exp, gotBase)
	}

	if gotLimit != 23 || gotCS != 0x08 || gotData != 0x10 {
		t.Fatalf("unexpected GDTR contents: limit=%d cs=0x%x ds=0x%x", gotLimit, gotCS, gotData)
	}

	if kernelTable != KernelTable() {
		t.Fatal("expected the kernel table to be installed")
	}
}
