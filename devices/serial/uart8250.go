// Package serial implements a minimal 16450-compatible UART, enough to
// give a real-mode Linux guest a working ttyS0 console.
package serial

import (
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kvmlite/kvmlite/devices"
)

// COM1 is the conventional base port and legacy IRQ for the first serial
// port, the values BIOS and Linux both assume absent an ACPI table saying
// otherwise.
const (
	COM1Base = 0x3F8
	COM1Size = 8
	COM1IRQ  = 4
)

// Register offsets, relative to the port base, when LCR's DLAB bit is 0.
const (
	regData   = 0 // RBR (read) / THR (write)
	regIER    = 1
	regIIR    = 2 // read; FCR on write
	regLCR    = 3
	regMCR    = 4
	regLSR    = 5
	regMSR    = 6
	regSCR    = 7
)

const (
	lcrDLAB = 1 << 7

	lsrTHRE = 1 << 5 // transmitter holding register empty
	lsrTEMT = 1 << 6 // transmitter empty

	ierTHRE = 1 << 1 // transmitter holding register empty interrupt

	iirNoInterrupt = 1
	iirTHRE        = 1 << 1
)

// UART8250 is a transmit-only 8250: it accepts guest output and has no
// path for guest input. That's sufficient for a kernel console and for the
// BIOS teletype stub in the bios package, the two things that write to it.
type UART8250 struct {
	mu sync.Mutex

	out io.Writer

	ier uint8
	lcr uint8
	mcr uint8
	scr uint8
	dll uint8
	dlm uint8

	irqFD int
}

// New creates a UART writing guest output to out. irqFD, if nonnegative,
// is an eventfd bound to COM1IRQ via KVM_IRQFD; Tick writes to it to raise
// the line. Passing -1 disables interrupt delivery, which is harmless
// since Linux's 8250 driver works in polled mode too.
func New(out io.Writer, irqFD int) *UART8250 {
	return &UART8250{out: out, irqFD: irqFD}
}

// In handles a port-I/O read from the guest.
func (u *UART8250) In(port uint16, data []byte) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(data) != 1 {
		return true
	}

	switch off := port - COM1Base; off {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			data[0] = u.dll
		} else {
			data[0] = 0
		}

	case regIER:
		if u.lcr&lcrDLAB != 0 {
			data[0] = u.dlm
		} else {
			data[0] = u.ier
		}

	case regIIR:
		if u.ier&ierTHRE != 0 {
			data[0] = iirTHRE
		} else {
			data[0] = iirNoInterrupt
		}

	case regLCR:
		data[0] = u.lcr

	case regMCR:
		data[0] = u.mcr

	case regLSR:
		data[0] = lsrTHRE | lsrTEMT

	case regMSR:
		data[0] = 0

	case regSCR:
		data[0] = u.scr

	default:
		data[0] = 0
	}

	return true
}

// Out handles a port-I/O write from the guest.
func (u *UART8250) Out(port uint16, data []byte) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(data) != 1 {
		return true
	}

	switch off := port - COM1Base; off {
	case regData:
		if u.lcr&lcrDLAB != 0 {
			u.dll = data[0]
		} else {
			u.mu.Unlock()
			u.Write(data[0])
			u.mu.Lock()
		}

	case regIER:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = data[0]
		} else {
			u.ier = data[0]
		}

	case regIIR: // FCR on write
		// FIFO control: this UART has no FIFO to enable or clear.

	case regLCR:
		u.lcr = data[0]

	case regMCR:
		u.mcr = data[0]

	case regSCR:
		u.scr = data[0]

	default:
	}

	return true
}

// Write sends a single byte of guest console output to the host. Out calls
// it for a guest write to THR, which is also how the BIOS teletype stub's
// OUT to the data port arrives.
func (u *UART8250) Write(b byte) {
	u.out.Write([]byte{b})
}

// Tick is called on every periodic-timer INTR exit. It raises COM1's
// interrupt line if the guest has enabled the transmitter-empty
// interrupt; since this UART is always ready to transmit, that's the only
// condition that ever applies.
func (u *UART8250) Tick() error {
	u.mu.Lock()
	fire := u.ier&ierTHRE != 0 && u.irqFD >= 0
	fd := u.irqFD
	u.mu.Unlock()

	if !fire {
		return nil
	}

	_, err := unix.Write(fd, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	return err
}

var _ devices.Handler = (*UART8250)(nil)
