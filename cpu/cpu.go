// Package cpu brings a freshly created VCPU into the state a real-mode
// Linux kernel expects at its entry point.
package cpu

import (
	"fmt"

	"github.com/kvmlite/kvmlite/kvm"
)

// Model-specific register indices zeroed during reset. TSC is zeroed last
// so it reads as close to boot time as the ioctl sequence allows.
const (
	msrSysenterCS  = 0x174
	msrSysenterESP = 0x175
	msrSysenterEIP = 0x176
	msrSTAR        = 0xC0000081
	msrLSTAR       = 0xC0000082
	msrCSTAR       = 0xC0000083
	msrFMASK       = 0xC0000084
	msrKernelGSBase = 0xC0000102
	msrTSC         = 0x10
)

const (
	rflagsReserved = 0x2
	realModeMaxIP  = 0xFFFF
	fpuFCW         = 0x037F
	fpuMXCSR       = 0x1F80
)

// Entry is the real-mode address a VCPU should resume at: a segment to
// load into every data/code segment register plus an instruction and
// stack pointer within it.
type Entry struct {
	Selector uint16
	IP       uint16
	SP       uint16
}

// ErrIPOutOfRange is returned when Entry.IP exceeds what real mode can
// address (0xFFFF), a caller bug the hypervisor itself would not catch
// until the guest crashed in a much more confusing way.
var ErrIPOutOfRange = fmt.Errorf("cpu: entry IP exceeds 0x%x", realModeMaxIP)

// Reset brings vcpu to a clean real-mode state at entry. It performs
// segment, general-purpose, floating-point, and MSR setup in that order,
// matching the order the hypervisor's own reset path expects; running it
// twice with the same entry produces the identical resulting state.
func Reset(vcpu *kvm.VCPU, entry Entry) error {
	if entry.IP > realModeMaxIP {
		return ErrIPOutOfRange
	}

	if err := resetSregs(vcpu, entry.Selector); err != nil {
		return fmt.Errorf("cpu: sregs: %w", err)
	}

	if err := resetRegs(vcpu, entry); err != nil {
		return fmt.Errorf("cpu: regs: %w", err)
	}

	if err := resetFPU(vcpu); err != nil {
		return fmt.Errorf("cpu: fpu: %w", err)
	}

	if err := resetMSRs(vcpu); err != nil {
		return fmt.Errorf("cpu: msrs: %w", err)
	}

	return nil
}

func resetSregs(vcpu *kvm.VCPU, selector uint16) error {
	var sregs kvm.Sregs
	if err := kvm.GetSregs(vcpu, &sregs); err != nil {
		return err
	}

	base := uint64(selector) * 16
	for _, seg := range []*kvm.Segment{&sregs.CS, &sregs.SS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS} {
		seg.Selector = selector
		seg.Base = base
	}

	return kvm.SetSregs(vcpu, &sregs)
}

func resetRegs(vcpu *kvm.VCPU, entry Entry) error {
	sp := uint64(entry.SP)

	regs := kvm.Regs{
		RFlags: rflagsReserved,
		RIP:    uint64(entry.IP),
		RSP:    sp,
		RBP:    sp,
	}

	return kvm.SetRegs(vcpu, &regs)
}

func resetFPU(vcpu *kvm.VCPU) error {
	fpu := kvm.FPU{
		FCW:   fpuFCW,
		MXCSR: fpuMXCSR,
	}

	return kvm.SetFPU(vcpu, &fpu)
}

func resetMSRs(vcpu *kvm.VCPU) error {
	indices := []uint32{msrSysenterCS, msrSysenterESP, msrSysenterEIP}
	indices = append(indices, msr64BitHost()...)
	indices = append(indices, msrTSC)

	entries := make([]kvm.MSREntry, len(indices))
	for i, idx := range indices {
		entries[i] = kvm.MSREntry{Index: idx, Data: 0}
	}

	return kvm.SetMSRs(vcpu, entries)
}

// msr64BitHost lists the additional MSRs only a 64-bit host exposes. This
// package only builds on amd64, so the host is always 64-bit; it's split
// out purely to keep the correspondence with the MSR list's documented
// ordering legible.
func msr64BitHost() []uint32 {
	return []uint32{msrSTAR, msrLSTAR, msrCSTAR, msrFMASK, msrKernelGSBase}
}
