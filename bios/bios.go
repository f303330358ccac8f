// Package bios assembles the miniature real-mode BIOS the monitor installs
// into guest RAM: a handful of position-independent interrupt handlers and
// the real-mode interrupt vector table (IVT) that points at them.
package bios

import "encoding/binary"

// BDAStart is the conventional start of the BIOS Data Area. The monitor
// reuses it to host the stub code rather than any genuine BDA contents.
const BDAStart = 0x400

// stubAlign is the alignment every stub is placed at. 16 bytes keeps every
// stub's own offset within its segment at 0, which keeps the IVT entries
// that point at them simple (offset always 0, segment carries the address).
const stubAlign = 16

// IntFake is the default interrupt handler for every vector: a bare IRET.
var IntFake = []byte{
	0xCF, // iret
}

// Int10 handles INT 10h (video services). It only implements AH=0x0E
// (teletype output): AL is forwarded to the 8250 UART's data port so guest
// console writes before the virtio/serial driver attaches still appear on
// the host. Every other subfunction returns immediately with no effect.
var Int10 = []byte{
	0x80, 0xFC, 0x0E, // cmp ah, 0x0e
	0x75, 0x04, //       jnz +4        ; not teletype, skip straight to iret
	0xBA, 0xF8, 0x03, // mov dx, 0x3f8 ; COM1 data register
	0xEE, //             out dx, al
	0xCF, //             iret
}

// e820QueryMapRAMSizeOff is the byte offset, within E820QueryMap, of the
// little-endian dword the loader patches with the guest's configured RAM
// size before installing the stub. The map this trampoline reports always
// describes a single usable region covering all of guest RAM; there is
// exactly one memory slot, so one E820_RAM entry is a faithful map.
const e820QueryMapRAMSizeOff = 20

// Int15E820 handles INT 15h subfunction E820 (AX=0xE820, EDX='SMAP' query
// magic in its low word): on a match it falls through into E820QueryMap:
// the two are installed back to back, sharing one segment, so the plain
// near JMP below never needs a relocation. Every other INT 15h call, and
// any E820 call with the wrong magic, returns immediately with the carry
// flag set.
//
// Go has no analog of the C convention of begin/end symbols bracketing an
// assembled blob; a []byte's own length already marks where it ends, so
// Int15E820 and E820QueryMap are simply two separate slices, concatenated
// by Install in the order they execute.
var Int15E820 = []byte{
	0x8B, 0xEC, //             mov bp, sp
	0x3D, 0x20, 0xE8, //       cmp ax, 0xe820
	0x75, 0x08, //             jnz fail
	0x81, 0xFA, 0x50, 0x41, // cmp dx, 0x4150 ; low word of 'SMAP'
	0x75, 0x02, //             jnz fail
	0xEB, 0x05, //             jmp e820QueryMap (falls through, no relocation needed)
	// fail:
	0x83, 0x4E, 0x04, 0x01, // or word [bp+4], 0x0001 ; set CF in the saved flags
	0xCF, //                   iret
}

// E820QueryMap fills the one E820 entry at es:di, clears the carry flag in
// the saved EFLAGS image, and returns. It is reached only by falling
// through the end of Int15E820; it carries no INT vector of its own.
//
// The carry flag has to be patched into the saved EFLAGS image on the
// interrupt stack frame (at [BP+4], set up by Int15E820's MOV BP,SP):
// IRET pops FLAGS from that frame, so a bare CLC/STC executed here would
// be overwritten the instant the handler returns.
var E820QueryMap = []byte{
	0x31, 0xC0, //             xor ax, ax
	0xB9, 0x14, 0x00, //       mov cx, 20          ; entry size in bytes
	0x31, 0xDB, //             xor bx, bx          ; no more entries after this one
	0x26, 0x66, 0xC7, 0x05, 0x00, 0x00, 0x00, 0x00, // mov dword es:[di], 0 ; base addr low
	0x26, 0x66, 0xC7, 0x45, 0x08, 0x00, 0x00, 0x00, 0x00, // mov dword es:[di+8], 0 ; length low, patched by Install
	0x26, 0x66, 0xC7, 0x45, 0x04, 0x00, 0x00, 0x00, 0x00, // mov dword es:[di+4], 0 ; base addr high
	0x26, 0x66, 0xC7, 0x45, 0x0C, 0x00, 0x00, 0x00, 0x00, // mov dword es:[di+12], 0 ; length high
	0x26, 0x66, 0xC7, 0x45, 0x10, 0x01, 0x00, 0x00, 0x00, // mov dword es:[di+16], 1 ; type = E820_RAM
	0x83, 0x66, 0x04, 0xFE, //                         and word [bp+4], 0xfffe ; clear CF
	0xCF, //                                           iret
}

// Entry is one real-mode interrupt descriptor: a 16-bit segment:offset pair.
type Entry struct {
	Offset  uint16
	Segment uint16
}

// RealSegment returns the real-mode segment whose base is addr, which must
// be 16-byte aligned.
func RealSegment(addr uint32) uint16 {
	return uint16(addr >> 4)
}

// IVT is the 256-entry real-mode interrupt vector table. The zero value has
// every vector zeroed; call Setup before installing it.
type IVT [256]Entry

// Setup fills every vector with def.
func (t *IVT) Setup(def Entry) {
	for i := range t {
		t[i] = def
	}
}

// Set overwrites a single vector.
func (t *IVT) Set(vec int, e Entry) {
	t[vec] = e
}

// Get returns a single vector's descriptor.
func (t *IVT) Get(vec int) Entry {
	return t[vec]
}

// CopyTo writes the table into dst in canonical real-mode layout: 256
// entries of 4 bytes each, offset first, then segment, both little-endian.
// dst must be at least 1024 bytes.
func (t *IVT) CopyTo(dst []byte) {
	for i, e := range t {
		binary.LittleEndian.PutUint16(dst[i*4:], e.Offset)
		binary.LittleEndian.PutUint16(dst[i*4+2:], e.Segment)
	}
}

// FromBytes reconstructs an IVT from a 1024-byte real-mode table image, the
// inverse of CopyTo.
func FromBytes(src []byte) IVT {
	var t IVT
	for i := range t {
		t[i] = Entry{
			Offset:  binary.LittleEndian.Uint16(src[i*4:]),
			Segment: binary.LittleEndian.Uint16(src[i*4+2:]),
		}
	}

	return t
}

func alignUp(off, align int) int {
	if r := off % align; r != 0 {
		off += align - r
	}

	return off
}

// Install copies the BIOS stubs into mem starting at BDAStart, builds the
// IVT pointing every vector at IntFake except 0x10 and 0x15, patches the
// E820 trampoline's reported RAM size to len(mem), and writes the table to
// linear 0x0. mem must be at least BDAStart plus the stub footprint plus
// 1024 bytes.
func Install(mem []byte) IVT {
	addr := alignUp(BDAStart, stubAlign)
	copy(mem[addr:], IntFake)

	var ivt IVT
	ivt.Setup(Entry{Offset: 0, Segment: RealSegment(uint32(addr))})

	addr = alignUp(addr+len(IntFake), stubAlign)
	copy(mem[addr:], Int10)
	ivt.Set(0x10, Entry{Offset: 0, Segment: RealSegment(uint32(addr))})

	addr = alignUp(addr+len(Int10), stubAlign)
	copy(mem[addr:], Int15E820)

	queryMap := make([]byte, len(E820QueryMap))
	copy(queryMap, E820QueryMap)
	binary.LittleEndian.PutUint32(queryMap[e820QueryMapRAMSizeOff:], uint32(len(mem)))
	copy(mem[addr+len(Int15E820):], queryMap)

	ivt.Set(0x15, Entry{Offset: 0, Segment: RealSegment(uint32(addr))})

	ivt.CopyTo(mem[0:1024])

	return ivt
}
