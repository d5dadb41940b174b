package codebuf

import "testing"

func TestEmitU8WithinCapacity(t *testing.T) {
	b := New(4)
	b.EmitU8(0x11)
	b.EmitU8(0x22)
	if b.Size() != 2 {
		t.Fatalf("size = %d, want 2", b.Size())
	}
	if b.Error() {
		t.Fatalf("unexpected error after in-bounds writes")
	}
	if got := b.Bytes(); got[0] != 0x11 || got[1] != 0x22 {
		t.Fatalf("bytes = %x, want [11 22]", got)
	}
}

func TestEmitU8Overflow(t *testing.T) {
	b := New(2)
	b.EmitU8(1)
	b.EmitU8(2)
	b.EmitU8(3) // overflow, suppressed
	if !b.Error() {
		t.Fatalf("expected overflow error")
	}
	if b.Size() != 2 {
		t.Fatalf("size = %d, want 2 (overflowing byte must be dropped)", b.Size())
	}
	if got := b.Bytes(); got[0] != 1 || got[1] != 2 {
		t.Fatalf("bytes written before overflow must be kept, got %v", got)
	}
}

func TestEmitU32LELittleEndian(t *testing.T) {
	b := New(8)
	b.EmitU32LE(0x04030201)
	want := []byte{0x01, 0x02, 0x03, 0x04}
	got := b.Bytes()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %x, want %x", i, got[i], want[i])
		}
	}
}

func TestEmitU64LELittleEndian(t *testing.T) {
	b := New(8)
	b.EmitU64LE(0x0807060504030201)
	got := b.Bytes()
	for i := 0; i < 8; i++ {
		want := byte(i + 1)
		if got[i] != want {
			t.Fatalf("byte %d = %x, want %x", i, got[i], want)
		}
	}
}

func TestEmitU32LEPartialOverflowKeepsPriorBytes(t *testing.T) {
	b := New(2)
	b.EmitU32LE(0x04030201) // only 2 of 4 bytes fit
	if !b.Error() {
		t.Fatalf("expected overflow error")
	}
	if b.Size() != 2 {
		t.Fatalf("size = %d, want 2", b.Size())
	}
	got := b.Bytes()
	if got[0] != 0x01 || got[1] != 0x02 {
		t.Fatalf("bytes = %x, want [01 02]", got)
	}
}

func TestResetClearsStateForReuse(t *testing.T) {
	b := New(4)
	b.EmitU8(1)
	b.EmitU8(2)
	b.EmitU8(3)
	b.EmitU8(4)
	b.EmitU8(5) // overflow
	if !b.Error() || b.Size() != 4 {
		t.Fatalf("setup failed: size=%d err=%v", b.Size(), b.Error())
	}
	b.Reset()
	if b.Size() != 0 || b.Error() {
		t.Fatalf("Reset did not clear state: size=%d err=%v", b.Size(), b.Error())
	}
	b.EmitU8(9)
	if b.Size() != 1 || b.Bytes()[0] != 9 {
		t.Fatalf("buffer not reusable after Reset")
	}
}

func TestPatchU32LE(t *testing.T) {
	b := New(8)
	b.EmitU32LE(0)
	b.EmitU32LE(0xAABBCCDD)
	b.PatchU32LE(0, 0x11223344)
	got := b.Bytes()
	want := []byte{0x44, 0x33, 0x22, 0x11}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("patched byte %d = %x, want %x", i, got[i], want[i])
		}
	}
}
