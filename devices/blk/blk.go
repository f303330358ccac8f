// Package blk implements a legacy virtio block device: the pre-1.0,
// transitional virtio-pci register layout and split virtqueue, the form a
// real-mode guest configured with pci=conf1 and no modern-virtio driver
// negotiation can drive. The teacher's virtio stack targets virtio-mmio
// with packed queues, a different wire format end to end, so the ring
// consumer here is written from the legacy spec layout directly rather
// than adapted from that code; the device-level constants (feature bits,
// request header, op types, status codes) are the same protocol either
// transport carries, and are grounded on the teacher's definitions.
package blk

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/kvmlite/kvmlite/devices"
	"github.com/kvmlite/kvmlite/memory"
)

// Register layout, offsets from the device's assigned I/O base. 20 bytes
// of common legacy-virtio-pci header, followed by device-specific config.
const (
	regHostFeatures  = 0 // 4 bytes, RO
	regGuestFeatures = 4 // 4 bytes, RW
	regQueueAddr     = 8 // 4 bytes, RW: PFN of the queue's first page
	regQueueSize     = 12 // 2 bytes, RO
	regQueueSelect   = 14 // 2 bytes, RW
	regQueueNotify   = 16 // 2 bytes, RW
	regDeviceStatus  = 18 // 1 byte, RW
	regISRStatus     = 19 // 1 byte, RO, read-to-clear
	regConfigStart   = 20

	// PortSize is the total I/O window size this device occupies: the
	// common header plus the block config struct.
	PortSize = regConfigStart + configLen
)

const pageSize = 4096

// QueueSize is the number of descriptors in the single queue this device
// exposes. The guest is free to negotiate a smaller one, but this monitor
// only ever runs one guest driver instance per boot and 256 comfortably
// covers it without the complication of a variable-size ring.
const QueueSize = 256

// Status bits written to regDeviceStatus by the guest driver during
// negotiation; the device itself only reads these, it never sets them.
const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFailed      = 128
)

// Feature bits, a subset of virtio_blk's; see the teacher's virtio/block.go
// for the full set this is drawn from.
const (
	featRO = 1 << 5 // device is read-only
)

// Request op types and status codes, unchanged from the virtio-blk wire
// protocol regardless of transport.
const (
	reqIn    = 0
	reqOut   = 1
	reqFlush = 4

	statusOK     = 0
	statusIOErr  = 1
	statusUnsupp = 2
)

// Storage is the backing store for a Device. An *os.File has no Size
// method, so it needs a small wrapper to satisfy it; WriteAt is optional and detected with an interface assertion,
// the same pattern the teacher's virtio/block.go uses for read-only media.
type Storage interface {
	io.ReaderAt
	Size() (int64, error)
}

// Device is a legacy virtio block device mapped into port-I/O space.
type Device struct {
	mem      *memory.RAM
	storage  Storage
	writerAt io.WriterAt
	readOnly bool

	base uint16

	hostFeatures  uint32
	guestFeatures uint32
	queuePFN      uint32
	queueSel      uint16
	status        uint8
	isr           uint8

	avail struct {
		seen uint16 // last avail.idx this device has consumed
	}

	irqFD int
}

// New returns a block device backed by storage at the given port base.
// irqFD, if nonnegative, is an eventfd bound to the device's assigned
// legacy IRQ via KVM_IRQFD.
func New(mem *memory.RAM, storage Storage, readOnly bool, base uint16, irqFD int) *Device {
	d := &Device{
		mem:      mem,
		storage:  storage,
		readOnly: readOnly,
		base:     base,
		irqFD:    irqFD,
	}

	if !readOnly {
		d.writerAt, _ = storage.(io.WriterAt)
	}

	if d.writerAt == nil {
		d.hostFeatures = featRO
	}

	return d
}

// In handles a port-I/O read within [base, base+PortSize).
func (d *Device) In(port uint16, data []byte) bool {
	off := int(port - d.base)

	switch {
	case off == regHostFeatures:
		putLE(data, d.hostFeatures)

	case off == regQueueSize:
		putLE16(data, QueueSize)

	case off == regQueueSelect:
		putLE16(data, d.queueSel)

	case off == regDeviceStatus:
		data[0] = d.status

	case off == regISRStatus:
		data[0] = d.isr
		d.isr = 0

	case off >= regConfigStart && off < regConfigStart+configLen:
		cfg := d.config()
		copy(data, cfg[off-regConfigStart:])

	default:
		for i := range data {
			data[i] = 0
		}
	}

	return true
}

// Out handles a port-I/O write within [base, base+PortSize).
func (d *Device) Out(port uint16, data []byte) bool {
	off := int(port - d.base)

	switch {
	case off == regGuestFeatures:
		d.guestFeatures = getLE(data)

	case off == regQueueAddr:
		d.queuePFN = getLE(data)

	case off == regQueueSelect:
		d.queueSel = getLE16(data)

	case off == regQueueNotify:
		if getLE16(data) == 0 {
			d.processQueue()
		}

	case off == regDeviceStatus:
		d.status = data[0]
		if d.status == 0 {
			d.reset()
		}

	default:
		// Config-space writes and anything else: this device's config is
		// read-only from the driver's point of view.
	}

	return true
}

func (d *Device) reset() {
	d.queuePFN = 0
	d.queueSel = 0
	d.isr = 0
	d.avail.seen = 0
}

// vring layout offsets, computed from QueueSize the same way the legacy
// virtio spec lays out a split ring: descriptor table, then avail ring,
// then padding up to the next page boundary, then the used ring.
const descSize = 16

func (d *Device) ringOffsets() (descOff, availOff, usedOff uint64) {
	base := uint64(d.queuePFN) * pageSize
	descOff = base
	availOff = descOff + QueueSize*descSize
	usedRaw := availOff + 4 + QueueSize*2
	usedOff = (usedRaw + pageSize - 1) &^ (pageSize - 1)
	return
}

// processQueue drains every newly available descriptor chain, each of
// which is expected to carry the three-part virtio-blk request shape: a
// read-only 16-byte header, a data buffer, and a write-only 1-byte status.
func (d *Device) processQueue() {
	descOff, availOff, usedOff := d.ringOffsets()

	availHdr, ok := d.mem.FlatSlice(availOff, 4+QueueSize*2)
	if !ok {
		return
	}

	availIdx := binary.LittleEndian.Uint16(availHdr[2:])

	for d.avail.seen != availIdx {
		ringSlot := d.avail.seen % QueueSize
		headDesc := binary.LittleEndian.Uint16(availHdr[4+int(ringSlot)*2:])

		n, err := d.handleChain(descOff, headDesc)
		if err != nil {
			slog.Error("blk: request failed", "err", err)
		}

		d.publishUsed(usedOff, headDesc, n)
		d.avail.seen++
	}

	d.isr |= 1
	d.raiseIRQ()
}

// handleChain walks one descriptor chain starting at head and carries out
// the request it describes, returning the byte count to report in the
// used ring (the data bytes transferred plus the one status byte; just the
// status byte for a failed or unsupported request).
func (d *Device) handleChain(descOff uint64, head uint16) (uint32, error) {
	descs, err := d.readChain(descOff, head)
	if err != nil {
		return 0, err
	}

	if len(descs) != 3 {
		return 0, fmt.Errorf("blk: descriptor chain has %d legs, want 3", len(descs))
	}

	hdr, data, status := descs[0], descs[1], descs[2]

	if len(hdr.bytes) != 16 {
		return 0, fmt.Errorf("blk: header descriptor is %d bytes, want 16", len(hdr.bytes))
	}

	if len(status.bytes) != 1 {
		return 0, fmt.Errorf("blk: status descriptor is %d bytes, want 1", len(status.bytes))
	}

	optype := binary.LittleEndian.Uint32(hdr.bytes)
	sector := binary.LittleEndian.Uint64(hdr.bytes[8:])

	var n int
	var opErr error

	switch optype {
	case reqIn:
		n, opErr = d.storage.ReadAt(data.bytes, int64(sector)*512)
		if opErr == io.EOF {
			opErr = nil
		}

	case reqOut:
		if d.writerAt == nil {
			status.bytes[0] = statusUnsupp
			return uint32(len(status.bytes)), nil
		}

		n, opErr = d.writerAt.WriteAt(data.bytes, int64(sector)*512)

	case reqFlush:
		// Nothing to flush: writes land directly in the backing file.

	default:
		status.bytes[0] = statusUnsupp
		return uint32(len(status.bytes)), nil
	}

	if opErr != nil {
		status.bytes[0] = statusIOErr
		return uint32(len(status.bytes)), opErr
	}

	status.bytes[0] = statusOK
	return uint32(n + len(status.bytes)), nil
}

type chainLeg struct {
	bytes []byte
}

// readChain follows the descriptor linked list starting at head, returning
// each leg's guest-backed byte slice in order. virtio caps a chain at
// QueueSize descriptors; anything longer than that can only be a
// malformed or hostile ring, so readChain bails out rather than looping
// forever.
func (d *Device) readChain(descOff uint64, head uint16) ([]chainLeg, error) {
	const flagNext = 1

	var legs []chainLeg
	idx := head

	for i := 0; i < QueueSize; i++ {
		raw, ok := d.mem.FlatSlice(descOff+uint64(idx)*descSize, descSize)
		if !ok {
			return nil, fmt.Errorf("blk: descriptor %d out of range", idx)
		}

		addr := binary.LittleEndian.Uint64(raw)
		length := binary.LittleEndian.Uint32(raw[8:])
		flags := binary.LittleEndian.Uint16(raw[12:])
		next := binary.LittleEndian.Uint16(raw[14:])

		buf, ok := d.mem.FlatSlice(addr, int(length))
		if !ok {
			return nil, fmt.Errorf("blk: descriptor %d data out of range", idx)
		}

		legs = append(legs, chainLeg{bytes: buf})

		if flags&flagNext == 0 {
			return legs, nil
		}

		idx = next
	}

	return nil, fmt.Errorf("blk: descriptor chain starting at %d exceeds queue size", head)
}

func (d *Device) publishUsed(usedOff uint64, id uint16, n uint32) {
	slot, ok := d.mem.FlatSlice(usedOff+4+uint64(d.avail.seen%QueueSize)*8, 8)
	if !ok {
		return
	}

	binary.LittleEndian.PutUint32(slot, uint32(id))
	binary.LittleEndian.PutUint32(slot[4:], n)

	idxField, ok := d.mem.FlatSlice(usedOff+2, 2)
	if !ok {
		return
	}

	binary.LittleEndian.PutUint16(idxField, d.avail.seen+1)
}

func (d *Device) raiseIRQ() {
	if d.irqFD < 0 {
		return
	}

	unix.Write(d.irqFD, eventfdOne[:])
}

var eventfdOne = [8]byte{1}

// configLen is the size of the device-specific config space following the
// common legacy-virtio-pci header: just virtio_blk_config's capacity
// field. The monitor never advertises any of the feature bits (geometry,
// topology, multiqueue, discard) whose fields would follow it, so nothing
// past byte 8 needs to exist.
const configLen = 8

// config returns the device-specific config space: capacity, in 512-byte
// sectors, little-endian.
func (d *Device) config() []byte {
	var buf [configLen]byte

	sz, err := d.storage.Size()
	if err != nil {
		slog.Error("blk: stat backing storage", "err", err)
	}

	binary.LittleEndian.PutUint64(buf[:], uint64(sz/512))
	return buf[:]
}

func getLE(data []byte) uint32 {
	var buf [4]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint32(buf[:])
}

func getLE16(data []byte) uint16 {
	var buf [2]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint16(buf[:])
}

func putLE(data []byte, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[:])
}

func putLE16(data []byte, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	copy(data, buf[:])
}

var _ devices.Handler = (*Device)(nil)
