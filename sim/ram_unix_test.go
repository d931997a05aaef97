//go:build unix && !kernel

package sim

import "testing"

func TestNewMappedRAM(t *testing.T) {
	ram, release, err := NewMappedRAM(4 << 20)
	if err != nil {
		t.Fatal(err)
	}

	if got := ram.Size(); got != 4<<20 {
		t.Fatalf("expected 4MiB; got 0x%x", got)
	}

	ram.SetUint64(0x3ffff8, 0x1122334455667788)
	if got := ram.Uint64(0x3ffff8); got != 0x1122334455667788 {
		t.Fatalf("unexpected value 0x%x", got)
	}

	if err = release(); err != nil {
		t.Fatal(err)
	}
}

func TestMachineWithMappedRAM(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RAMBacking = BackingMmap

	m, mgr := bootMachine(t, cfg)
	if _, _, err := mgr.Translate(0xffff800000100000); err != nil {
		t.Fatal(err)
	}

	if got := m.RAM.Size(); got != cfg.RAMSize() {
		t.Fatalf("expected 0x%x bytes of RAM; got 0x%x", cfg.RAMSize(), got)
	}
}
