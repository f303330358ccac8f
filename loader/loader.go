// Package loader recognizes and loads a guest kernel image — either a Linux
// bzImage or a flat real-mode binary — into guest RAM, following the
// protocol-mandated offsets documented in the Linux kernel's boot protocol.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/kvmlite/kvmlite/bios"
)

// Real-mode entry-point constants mandated by the boot protocol; these
// never change between kernels.
const (
	BootLoaderSelector = 0x1000
	BootLoaderIP       = 0x0000
	BootLoaderSP       = 0x8000
	BootCmdlineOffset  = 0x00020000
	BZKernelStart      = 0x00100000
)

const (
	defaultSetupSects  = 4
	bootProtoMinVer    = 0x0202
	typeOfLoaderValue  = 0xFF
	heapEndPtrValue    = 0xFE00
	canUseHeapBit      = 0x80
	defaultCmdlineSize = 255
)

// setup_header field offsets within a bzImage, per Documentation/x86/boot.txt.
const (
	offSetupSects   = 0x1f1
	offMagic        = 0x202
	offVersion      = 0x206
	offTypeOfLoader = 0x210
	offLoadflags    = 0x211
	offHeapEndPtr   = 0x224
	offCmdLinePtr   = 0x228
	offCmdlineSize  = 0x238
)

var bzMagic = []byte("HdrS")

// ErrNotBzImage means the image lacks the bzImage setup-header magic; the
// caller should fall back to LoadFlatBinary.
var ErrNotBzImage = errors.New("loader: not a bzImage")

// ErrKernelTooOld means the setup header's protocol version predates what
// this loader speaks.
var ErrKernelTooOld = errors.New("loader: kernel too old")

// Entry is where the loader left the image ready to run: a real-mode
// segment:offset entry point and an initial stack pointer.
type Entry struct {
	Selector uint16
	IP       uint16
	SP       uint16
}

// Load tries LoadBzImage first, falling back to LoadFlatBinary if the image
// doesn't carry bzImage's magic. Any other error is fatal; callers should
// not attempt the flat-binary path themselves.
func Load(mem []byte, r io.ReaderAt, cmdline string) (Entry, bios.IVT, error) {
	e, ivt, err := LoadBzImage(mem, r, cmdline)
	if err == nil {
		return e, ivt, nil
	}

	if !errors.Is(err, ErrNotBzImage) {
		return Entry{}, bios.IVT{}, err
	}

	e, err = LoadFlatBinary(mem, r)
	return e, bios.IVT{}, err
}

// LoadBzImage loads a Linux bzImage: the real-mode setup code at
// BootLoaderSelector:BootLoaderIP, the protected-mode payload at
// BZKernelStart, cmdline (truncated and NUL-terminated to the header's
// cmdline_size) at BootCmdlineOffset, then patches the setup header's
// loader-identification fields and installs the BIOS stub and IVT.
func LoadBzImage(mem []byte, r io.ReaderAt, cmdline string) (Entry, bios.IVT, error) {
	// A file too short to even carry the magic/version fields can't be a
	// bzImage; that's ErrNotBzImage (soft fail, try flat binary next), not
	// the hard failure a short read gets once we know we're committed to
	// the bzImage path. Only a genuine I/O error (not a short file) is
	// fatal at this stage.
	probeLen := offVersion + 2
	probe := make([]byte, probeLen)
	n, err := r.ReadAt(probe, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return Entry{}, bios.IVT{}, err
	}

	if n < probeLen {
		return Entry{}, bios.IVT{}, ErrNotBzImage
	}

	if !bytes.Equal(probe[offMagic:offMagic+4], bzMagic) {
		return Entry{}, bios.IVT{}, ErrNotBzImage
	}

	if binary.LittleEndian.Uint16(probe[offVersion:]) < bootProtoMinVer {
		return Entry{}, bios.IVT{}, ErrKernelTooOld
	}

	hdr := make([]byte, 1024)
	if _, err := readFullAt(r, hdr, 0); err != nil {
		return Entry{}, bios.IVT{}, err
	}

	setupSects := int(hdr[offSetupSects])
	if setupSects == 0 {
		setupSects = defaultSetupSects
	}

	setupSize := (setupSects + 1) * 512
	setup := make([]byte, setupSize)
	if _, err := readFullAt(r, setup, 0); err != nil {
		return Entry{}, bios.IVT{}, err
	}

	cmdlineSize := int(binary.LittleEndian.Uint32(setup[offCmdlineSize:]))
	if cmdlineSize == 0 {
		cmdlineSize = defaultCmdlineSize
	}

	// cmdlineSize comes straight from the untrusted setup header; clamp it
	// to what's actually left of guest RAM so a malformed header claiming
	// an enormous cmdline_size can't run the slice below out of bounds.
	if max := len(mem) - BootCmdlineOffset; cmdlineSize > max {
		cmdlineSize = max
	}

	dst := mem[BootCmdlineOffset : BootCmdlineOffset+cmdlineSize]
	for i := range dst {
		dst[i] = 0
	}

	maxLen := cmdlineSize - 1
	if len(cmdline) < maxLen {
		maxLen = len(cmdline)
	}
	copy(dst, cmdline[:maxLen])

	binary.LittleEndian.PutUint32(setup[offCmdLinePtr:], BootCmdlineOffset)
	setup[offTypeOfLoader] = typeOfLoaderValue
	binary.LittleEndian.PutUint16(setup[offHeapEndPtr:], heapEndPtrValue)
	setup[offLoadflags] |= canUseHeapBit

	copy(mem[BootLoaderSelector*16+BootLoaderIP:], setup)

	if _, err := readAt(r, mem[BZKernelStart:], int64(setupSize)); err != nil {
		return Entry{}, bios.IVT{}, err
	}

	ivt := bios.Install(mem)

	return Entry{
		Selector: BootLoaderSelector,
		IP:       BootLoaderIP + 0x200,
		SP:       BootLoaderSP,
	}, ivt, nil
}

// LoadFlatBinary copies the whole of r into guest RAM starting at
// BootLoaderSelector:BootLoaderIP. No BIOS stubs are installed; the image
// is expected to run entirely on its own.
func LoadFlatBinary(mem []byte, r io.ReaderAt) (Entry, error) {
	if _, err := readAt(r, mem[BootLoaderSelector*16+BootLoaderIP:], 0); err != nil {
		return Entry{}, err
	}

	return Entry{
		Selector: BootLoaderSelector,
		IP:       BootLoaderIP,
		SP:       BootLoaderSP,
	}, nil
}

// readFullAt reads exactly len(dst) bytes at off, turning a short read into
// io.ErrUnexpectedEOF rather than silently returning a partial header.
func readFullAt(r io.ReaderAt, dst []byte, off int64) (int, error) {
	n, err := r.ReadAt(dst, off)
	if err == io.EOF && n < len(dst) {
		return n, io.ErrUnexpectedEOF
	}

	return n, err
}

// readAt copies the remainder of r, starting at off, into dst, stopping
// cleanly at EOF (the payload need not fill dst).
func readAt(r io.ReaderAt, dst []byte, off int64) (int, error) {
	total := 0
	for total < len(dst) {
		n, err := r.ReadAt(dst[total:], off+int64(total))
		total += n

		if err != nil {
			if err == io.EOF {
				return total, nil
			}

			return total, err
		}

		if n == 0 {
			break
		}
	}

	return total, nil
}
