package bios

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIVTSetupAndOverride(t *testing.T) {
	var ivt IVT
	def := Entry{Offset: 0, Segment: 0xF000}
	ivt.Setup(def)

	for i := 0; i < 256; i++ {
		if got := ivt.Get(i); got != def {
			t.Fatalf("vector %d = %+v, want %+v", i, got, def)
		}
	}

	override := Entry{Offset: 0x10, Segment: 0x0050}
	ivt.Set(0x10, override)

	if got := ivt.Get(0x10); got != override {
		t.Fatalf("vector 0x10 = %+v, want %+v", got, override)
	}

	if got := ivt.Get(0x11); got != def {
		t.Fatalf("vector 0x11 was disturbed: %+v", got)
	}
}

func TestIVTCopyToRoundTrip(t *testing.T) {
	var ivt IVT
	ivt.Setup(Entry{Offset: 0, Segment: 0xF000})
	ivt.Set(0x10, Entry{Offset: 0x20, Segment: 0x0040})
	ivt.Set(0x15, Entry{Offset: 0x30, Segment: 0x0060})

	buf := make([]byte, 1024)
	ivt.CopyTo(buf)

	got := FromBytes(buf)
	if diff := cmp.Diff(ivt, got); diff != "" {
		t.Fatalf("round trip through CopyTo/FromBytes changed the table (-want +got):\n%s", diff)
	}
}

func TestInstallPlacesStubsAndVectors(t *testing.T) {
	mem := make([]byte, 1<<20)
	ivt := Install(mem)

	fake := ivt.Get(0)
	if fake == (Entry{}) {
		t.Fatal("vector 0 left as the zero descriptor")
	}

	for _, vec := range []int{1, 2, 9, 0x14, 0x20, 0xFF} {
		if got := ivt.Get(vec); got != fake {
			t.Fatalf("vector %#x = %+v, want default %+v", vec, got, fake)
		}
	}

	int10 := ivt.Get(0x10)
	if int10 == fake {
		t.Fatal("vector 0x10 was not overridden")
	}

	int15 := ivt.Get(0x15)
	if int15 == fake || int15 == int10 {
		t.Fatal("vector 0x15 was not overridden to its own stub")
	}

	onDisk := FromBytes(mem[0:1024])
	if onDisk != ivt {
		t.Fatal("the table written to linear 0x0 doesn't match the returned IVT")
	}
}

func TestE820QueryMapJumpTarget(t *testing.T) {
	// The JMP at the tail of Int15E820 is a near jump that falls straight
	// into E820QueryMap with no relocation, since Install places the two
	// back to back.
	jmpAt := -1
	for i, b := range Int15E820 {
		if b == 0xEB {
			jmpAt = i
			break
		}
	}

	if jmpAt < 0 {
		t.Fatal("no short JMP opcode found in Int15E820")
	}

	disp := int8(Int15E820[jmpAt+1])
	nextInsn := jmpAt + 2
	target := nextInsn + int(disp)

	if target != len(Int15E820) {
		t.Fatalf("JMP targets offset %d, want %d (the start of E820QueryMap)", target, len(Int15E820))
	}
}

func TestE820QueryMapRAMSizePatchOffset(t *testing.T) {
	mem := make([]byte, 2<<20)
	ivt := Install(mem)

	int15 := ivt.Get(0x15)
	base := uint32(int15.Segment) << 4

	patched := mem[int(base)+len(Int15E820)+e820QueryMapRAMSizeOff:]
	got := uint32(patched[0]) | uint32(patched[1])<<8 | uint32(patched[2])<<16 | uint32(patched[3])<<24

	if got != uint32(len(mem)) {
		t.Fatalf("patched RAM size = %#x, want %#x", got, len(mem))
	}
}
