package monitor

import (
	"fmt"

	"github.com/kvmlite/kvmlite/kvm"
)

const (
	cr0PE = 1 << 0

	codeBytes    = 64
	codePrologue = 43
)

// Dump writes a diagnostic snapshot of the vCPU to Diag without otherwise
// disturbing the run loop. It's exported for SIGQUIT handling, which wants
// the same dump a fatal exit produces; the SIGQUIT handler then stops the
// monitor itself.
func (m *Monitor) Dump(reason string) {
	m.dumpState(reason)
}

// dumpState prints the vCPU's registers, a code window around RIP, the
// stack, and (if the guest is in protected mode) its page tables to Diag.
// It's called on every fatal exit and on a SIGQUIT-triggered inspection;
// reason labels which case this is.
func (m *Monitor) dumpState(reason string) {
	fmt.Fprintf(m.diag, "--- diagnostic dump (%s) ---\n", reason)

	var regs kvm.Regs
	if err := kvm.GetRegs(m.vcpu, &regs); err != nil {
		fmt.Fprintf(m.diag, "KVM_GET_REGS failed: %v\n", err)
		return
	}

	var sregs kvm.Sregs
	if err := kvm.GetSregs(m.vcpu, &sregs); err != nil {
		fmt.Fprintf(m.diag, "KVM_GET_SREGS failed: %v\n", err)
		return
	}

	m.dumpRegisters(&regs, &sregs)
	m.dumpCode(&regs, &sregs)
	m.dumpPageTables(&sregs)
}

func (m *Monitor) dumpRegisters(regs *kvm.Regs, sregs *kvm.Sregs) {
	w := m.diag

	fmt.Fprintln(w, "Registers:")
	fmt.Fprintf(w, " rip: %016x   rsp: %016x flags: %016x\n", regs.RIP, regs.RSP, regs.RFlags)
	fmt.Fprintf(w, " rax: %016x   rbx: %016x   rcx: %016x\n", regs.RAX, regs.RBX, regs.RCX)
	fmt.Fprintf(w, " rdx: %016x   rsi: %016x   rdi: %016x\n", regs.RDX, regs.RSI, regs.RDI)
	fmt.Fprintf(w, " rbp: %016x   r8:  %016x   r9:  %016x\n", regs.RBP, regs.R8, regs.R9)
	fmt.Fprintf(w, " r10: %016x   r11: %016x   r12: %016x\n", regs.R10, regs.R11, regs.R12)
	fmt.Fprintf(w, " r13: %016x   r14: %016x   r15: %016x\n", regs.R13, regs.R14, regs.R15)

	fmt.Fprintf(w, " cr0: %016x   cr2: %016x   cr3: %016x\n", sregs.CR0, sregs.CR2, sregs.CR3)
	fmt.Fprintf(w, " cr4: %016x   cr8: %016x\n", sregs.CR4, sregs.CR8)

	fmt.Fprintln(w, "Segment registers:")
	fmt.Fprintln(w, " register  selector  base              limit     type")
	m.dumpSegment("cs ", &sregs.CS)
	m.dumpSegment("ss ", &sregs.SS)
	m.dumpSegment("ds ", &sregs.DS)
	m.dumpSegment("es ", &sregs.ES)
	m.dumpSegment("fs ", &sregs.FS)
	m.dumpSegment("gs ", &sregs.GS)
	m.dumpSegment("tr ", &sregs.TR)
	m.dumpSegment("ldt", &sregs.LDT)

	fmt.Fprintf(w, " gdt: %016x/%04x   idt: %016x/%04x\n",
		sregs.GDT.Base, sregs.GDT.Limit, sregs.IDT.Base, sregs.IDT.Limit)
	fmt.Fprintf(w, " [ efer: %016x  apic base: %016x ]\n", sregs.EFER, sregs.APICBase)

	fmt.Fprint(w, "Interrupt bitmap:")
	for _, word := range sregs.InterruptBitmap {
		fmt.Fprintf(w, " %016x", word)
	}
	fmt.Fprintln(w)
}

func (m *Monitor) dumpSegment(name string, seg *kvm.Segment) {
	fmt.Fprintf(m.diag, " %s        %04x      %016x  %08x  %02x\n",
		name, seg.Selector, seg.Base, seg.Limit, seg.Type)
}

// dumpCode prints a code window around the guest's current instruction and
// the top of its stack, both read at their real-mode linear address:
// segment base (CS for code, SS for the stack) plus the register's
// segment-relative offset. RIP and RSP alone are only offsets into CS/SS
// in real mode, not linear addresses on their own.
func (m *Monitor) dumpCode(regs *kvm.Regs, sregs *kvm.Sregs) {
	ripFlat := sregs.CS.Base + regs.RIP
	start := ripFlat - uint64(codePrologue)

	fmt.Fprint(m.diag, "Code: ")

	for i := 0; i < codeBytes; i++ {
		addr := start + uint64(i)

		b, ok := m.mem.FlatSlice(addr, 1)
		if !ok {
			break
		}

		if addr == ripFlat {
			fmt.Fprintf(m.diag, "<%02x> ", b[0])
		} else {
			fmt.Fprintf(m.diag, "%02x ", b[0])
		}
	}

	fmt.Fprintln(m.diag)

	fmt.Fprintln(m.diag, "Stack:")
	m.dumpMem(sregs.SS.Base+regs.RSP, 32)
}

func (m *Monitor) dumpMem(addr uint64, size uint64) {
	size &^= 7

	for n := uint64(0); n < size; n += 8 {
		row, ok := m.mem.FlatSlice(addr+n, 8)
		if !ok {
			break
		}

		fmt.Fprintf(m.diag, "  %#08x: %02x %02x %02x %02x  %02x %02x %02x %02x\n",
			addr+n, row[0], row[1], row[2], row[3], row[4], row[5], row[6], row[7])
	}
}

func (m *Monitor) dumpPageTables(sregs *kvm.Sregs) {
	if sregs.CR0&cr0PE == 0 {
		return
	}

	pte4, ok := m.mem.FlatSlice(sregs.CR3, 8)
	if !ok {
		return
	}

	pte3Addr := leUint64(pte4) &^ 0xfff
	pte3, ok := m.mem.FlatSlice(pte3Addr, 8)
	if !ok {
		return
	}

	pte2Addr := leUint64(pte3) &^ 0xfff
	pte2, ok := m.mem.FlatSlice(pte2Addr, 8)
	if !ok {
		return
	}

	fmt.Fprintln(m.diag, "Page Tables:")

	if leUint64(pte2)&(1<<7) != 0 {
		fmt.Fprintf(m.diag, " pte4: %016x   pte3: %016x   pte2: %016x\n",
			leUint64(pte4), leUint64(pte3), leUint64(pte2))

		return
	}

	pte1Addr := leUint64(pte2) &^ 0xfff
	pte1, ok := m.mem.FlatSlice(pte1Addr, 8)
	if !ok {
		return
	}

	fmt.Fprintf(m.diag, " pte4: %016x   pte3: %016x   pte2: %016x   pte1: %016x\n",
		leUint64(pte4), leUint64(pte3), leUint64(pte2), leUint64(pte1))
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v
}
