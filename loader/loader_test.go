package loader

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/kvmlite/kvmlite/bios"
)

// buildSetupHeader returns a minimal bzImage-shaped header of hdrLen bytes
// with the given setup_sects and cmdline_size, magic and version already
// filled in.
func buildSetupHeader(hdrLen, setupSects int, cmdlineSize uint32) []byte {
	b := make([]byte, hdrLen)
	b[offSetupSects] = byte(setupSects)
	copy(b[offMagic:], bzMagic)
	binary.LittleEndian.PutUint16(b[offVersion:], 0x0203)
	binary.LittleEndian.PutUint32(b[offCmdlineSize:], cmdlineSize)

	return b
}

func TestLoadBzImageRejectsMissingMagic(t *testing.T) {
	mem := make([]byte, 4<<20)
	hdr := buildSetupHeader(1024, 4, 256)
	copy(hdr[offMagic:], "xxxx")

	_, _, err := LoadBzImage(mem, bytes.NewReader(hdr), "")
	if err != ErrNotBzImage {
		t.Fatalf("got %v, want ErrNotBzImage", err)
	}
}

func TestLoadBzImageRejectsOldProtocol(t *testing.T) {
	mem := make([]byte, 4<<20)
	hdr := buildSetupHeader(1024, 4, 256)
	binary.LittleEndian.PutUint16(hdr[offVersion:], 0x0100)

	_, _, err := LoadBzImage(mem, bytes.NewReader(hdr), "")
	if err != ErrKernelTooOld {
		t.Fatalf("got %v, want ErrKernelTooOld", err)
	}
}

// A file too short to even carry the magic/version probe can't be a
// bzImage at all; that's the soft ErrNotBzImage signal Load uses to try
// the flat-binary path next, not a hard I/O failure.
func TestLoadBzImageTooShortForProbeIsNotBzImage(t *testing.T) {
	mem := make([]byte, 4<<20)
	short := make([]byte, 100)

	_, _, err := LoadBzImage(mem, bytes.NewReader(short), "")
	if err != ErrNotBzImage {
		t.Fatalf("got %v, want ErrNotBzImage", err)
	}
}

// Once the magic and protocol version are confirmed valid, any further
// short read (here: the file is truncated right after the probed region)
// is a hard I/O failure, per the resolved Open Question on short reads.
func TestLoadBzImageShortSetupHeaderIsUnexpectedEOF(t *testing.T) {
	mem := make([]byte, 4<<20)
	full := buildSetupHeader(1024, 4, 256)
	truncated := full[:offVersion+2]

	_, _, err := LoadBzImage(mem, bytes.NewReader(truncated), "")
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestLoadBzImageDefaultsSetupSects(t *testing.T) {
	mem := make([]byte, 4<<20)
	hdr := buildSetupHeader(5*512, 0, 256)

	entry, _, err := LoadBzImage(mem, bytes.NewReader(hdr), "")
	if err != nil {
		t.Fatalf("LoadBzImage: %v", err)
	}

	if entry.Selector != BootLoaderSelector || entry.IP != 0x0200 || entry.SP != BootLoaderSP {
		t.Fatalf("entry = %+v, unexpected", entry)
	}

	setupAddr := BootLoaderSelector*16 + BootLoaderIP
	if !bytes.Equal(mem[setupAddr+offMagic:setupAddr+offMagic+4], bzMagic) {
		t.Fatal("setup header was not copied into guest RAM")
	}
}

func TestLoadBzImagePatchesHeaderAndCmdline(t *testing.T) {
	mem := make([]byte, 4<<20)
	hdr := buildSetupHeader(5*512, 4, 32)

	_, _, err := LoadBzImage(mem, bytes.NewReader(hdr), "console=ttyS0")
	if err != nil {
		t.Fatalf("LoadBzImage: %v", err)
	}

	cmdline := mem[BootCmdlineOffset : BootCmdlineOffset+32]
	got := string(bytes.TrimRight(cmdline, "\x00"))
	if got != "console=ttyS0" {
		t.Fatalf("cmdline = %q, want %q", got, "console=ttyS0")
	}

	setupAddr := BootLoaderSelector*16 + BootLoaderIP
	setup := mem[setupAddr:]

	if got := binary.LittleEndian.Uint32(setup[offCmdLinePtr:]); got != BootCmdlineOffset {
		t.Fatalf("cmd_line_ptr = %#x, want %#x", got, BootCmdlineOffset)
	}

	if setup[offTypeOfLoader] != typeOfLoaderValue {
		t.Fatalf("type_of_loader = %#x, want %#x", setup[offTypeOfLoader], typeOfLoaderValue)
	}

	if got := binary.LittleEndian.Uint16(setup[offHeapEndPtr:]); got != heapEndPtrValue {
		t.Fatalf("heap_end_ptr = %#x, want %#x", got, heapEndPtrValue)
	}

	if setup[offLoadflags]&canUseHeapBit == 0 {
		t.Fatal("CAN_USE_HEAP bit not set in loadflags")
	}
}

func TestLoadBzImageTruncatesOversizedCmdline(t *testing.T) {
	mem := make([]byte, 4<<20)
	hdr := buildSetupHeader(5*512, 4, 8)

	_, _, err := LoadBzImage(mem, bytes.NewReader(hdr), "way too long for eight bytes")
	if err != nil {
		t.Fatalf("LoadBzImage: %v", err)
	}

	cmdline := mem[BootCmdlineOffset : BootCmdlineOffset+8]
	if cmdline[7] != 0 {
		t.Fatalf("cmdline not NUL-terminated within its reserved size: %q", cmdline)
	}
}

func TestLoadFallsBackToFlatBinary(t *testing.T) {
	mem := make([]byte, 4<<20)
	payload := []byte{0xF4} // hlt

	entry, ivt, err := Load(mem, bytes.NewReader(payload), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if entry.Selector != BootLoaderSelector || entry.IP != BootLoaderIP || entry.SP != BootLoaderSP {
		t.Fatalf("entry = %+v, unexpected", entry)
	}

	var zero bios.IVT
	if ivt != zero {
		t.Fatal("flat-binary path must not install BIOS stubs or an IVT")
	}

	loaded := mem[BootLoaderSelector*16+BootLoaderIP]
	if loaded != 0xF4 {
		t.Fatalf("payload byte = %#x, want 0xf4", loaded)
	}
}
