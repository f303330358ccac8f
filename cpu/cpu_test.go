//go:build linux && amd64

package cpu_test

import (
	"testing"

	"github.com/kvmlite/kvmlite/cpu"
	"github.com/kvmlite/kvmlite/kvm"
)

func newVCPU(t *testing.T) (*kvm.System, *kvm.VM, *kvm.VCPU) {
	t.Helper()

	sys, err := kvm.Open()
	if err != nil {
		t.Fatal(err)
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		sys.Close()
		t.Fatal(err)
	}

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		vm.Close()
		sys.Close()
		t.Fatal(err)
	}

	return sys, vm, vcpu
}

func TestResetRejectsOutOfRangeIP(t *testing.T) {
	sys, vm, vcpu := newVCPU(t)
	defer sys.Close()
	defer vm.Close()
	defer vcpu.Close()

	err := cpu.Reset(vcpu, cpu.Entry{Selector: 0x1000, IP: 0x10000, SP: 0x8000})
	if err != cpu.ErrIPOutOfRange {
		t.Fatalf("Reset with IP > 0xffff = %v, want ErrIPOutOfRange", err)
	}
}

func TestResetSetsSegmentsRegsAndFPU(t *testing.T) {
	sys, vm, vcpu := newVCPU(t)
	defer sys.Close()
	defer vm.Close()
	defer vcpu.Close()

	entry := cpu.Entry{Selector: 0x1000, IP: 0x0200, SP: 0x8000}
	if err := cpu.Reset(vcpu, entry); err != nil {
		t.Fatal(err)
	}

	var sregs kvm.Sregs
	if err := kvm.GetSregs(vcpu, &sregs); err != nil {
		t.Fatal(err)
	}

	wantBase := uint64(entry.Selector) * 16
	for name, seg := range map[string]kvm.Segment{
		"CS": sregs.CS, "SS": sregs.SS, "DS": sregs.DS,
		"ES": sregs.ES, "FS": sregs.FS, "GS": sregs.GS,
	} {
		if seg.Selector != entry.Selector {
			t.Errorf("%s.Selector = %#x, want %#x", name, seg.Selector, entry.Selector)
		}
		if seg.Base != wantBase {
			t.Errorf("%s.Base = %#x, want %#x", name, seg.Base, wantBase)
		}
	}

	var regs kvm.Regs
	if err := kvm.GetRegs(vcpu, &regs); err != nil {
		t.Fatal(err)
	}

	if regs.RFlags != 0x2 {
		t.Errorf("RFlags = %#x, want 0x2", regs.RFlags)
	}
	if regs.RIP != uint64(entry.IP) {
		t.Errorf("RIP = %#x, want %#x", regs.RIP, entry.IP)
	}
	if regs.RSP != uint64(entry.SP) || regs.RBP != uint64(entry.SP) {
		t.Errorf("RSP/RBP = %#x/%#x, want both %#x", regs.RSP, regs.RBP, entry.SP)
	}

	var fpu kvm.FPU
	if err := kvm.GetFPU(vcpu, &fpu); err != nil {
		t.Fatal(err)
	}

	if fpu.FCW != 0x37F {
		t.Errorf("FCW = %#x, want 0x37f", fpu.FCW)
	}
	if fpu.MXCSR != 0x1F80 {
		t.Errorf("MXCSR = %#x, want 0x1f80", fpu.MXCSR)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	sys, vm, vcpu := newVCPU(t)
	defer sys.Close()
	defer vm.Close()
	defer vcpu.Close()

	entry := cpu.Entry{Selector: 0x1000, IP: 0x0200, SP: 0x8000}

	if err := cpu.Reset(vcpu, entry); err != nil {
		t.Fatal(err)
	}

	var first kvm.Regs
	if err := kvm.GetRegs(vcpu, &first); err != nil {
		t.Fatal(err)
	}

	if err := cpu.Reset(vcpu, entry); err != nil {
		t.Fatal(err)
	}

	var second kvm.Regs
	if err := kvm.GetRegs(vcpu, &second); err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Fatalf("Reset was not idempotent: %+v != %+v", first, second)
	}
}
