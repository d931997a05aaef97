package mm

import (
	"testing"
	"unsafe"
)

func TestRAM(t *testing.T) {
	ram := NewRAM(0x1000, make([]byte, 2*PageSize))

	ram.SetUint64(0x1008, 0xa55aa55aa55aa55a)
	if got := ram.Uint64(0x1008); got != 0xa55aa55aa55aa55a {
		t.Fatalf("expected to read back 0xa55aa55aa55aa55a; got 0x%x", got)
	}

	if got := ram.Bytes()[8]; got != 0x5a {
		t.Fatalf("expected little-endian layout; first byte is 0x%x", got)
	}

	ram.Memset(0x1000, 0xff, PageSize)
	if got := ram.Uint64(0x1ff8); got != ^uint64(0) {
		t.Fatalf("expected memset to cover the first page; got 0x%x", got)
	}

	if got := ram.Uint64(0x2000); got != 0 {
		t.Fatalf("expected memset not to touch the second page; got 0x%x", got)
	}

	if ram.Base() != 0x1000 || ram.Size() != 2*PageSize {
		t.Fatalf("unexpected RAM bounds: base 0x%x size 0x%x", ram.Base(), ram.Size())
	}

	for _, addr := range []uintptr{0, 0xff8, 0x2ffc, 0x3000} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("expected access to 0x%x to panic", addr)
				}
			}()
			ram.Uint64(addr)
		}()
	}
}

func TestDirectMap(t *testing.T) {
	var buf [64]uint64
	base := uintptr(unsafe.Pointer(&buf[0]))

	specs := []DirectMap{
		{Offset: 0},
		{Offset: base - 0x1000},
	}

	for specIndex, m := range specs {
		buf = [64]uint64{}
		addr := base - m.Offset

		m.SetUint64(addr+8, 0xbadf00d)
		if buf[1] != 0xbadf00d {
			t.Errorf("[spec %d] expected write to land in the target buffer", specIndex)
		}

		if got := m.Uint64(addr + 8); got != 0xbadf00d {
			t.Errorf("[spec %d] expected to read 0xbadf00d; got 0x%x", specIndex, got)
		}

		m.Memset(addr+16, 0xff, 40*8)
		for i, v := range buf {
			exp := uint64(0)
			switch {
			case i == 1:
				exp = 0xbadf00d
			case i >= 2 && i < 42:
				exp = ^uint64(0)
			}
			if v != exp {
				t.Errorf("[spec %d] expected word %d to be 0x%x; got 0x%x", specIndex, i, exp, v)
				break
			}
		}
	}
}
