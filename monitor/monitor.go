// Package monitor assembles the pieces the rest of the tree only
// describes in isolation — KVM handles, guest RAM, the BIOS/loader, the
// boot-time vCPU reset, and the port-I/O device set — into one VM a
// caller can Run to completion, mirroring the shape of the teacher's
// vmm.VM but built around real-mode boot instead of ELF/PVH entry.
package monitor

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kvmlite/kvmlite/cpu"
	"github.com/kvmlite/kvmlite/devices"
	"github.com/kvmlite/kvmlite/devices/blk"
	"github.com/kvmlite/kvmlite/devices/pci"
	"github.com/kvmlite/kvmlite/devices/serial"
	"github.com/kvmlite/kvmlite/kvm"
	"github.com/kvmlite/kvmlite/loader"
	"github.com/kvmlite/kvmlite/memory"
)

// Config describes the guest to boot.
type Config struct {
	// KVMDevPath is the KVM device node to open. Empty means /dev/kvm.
	KVMDevPath string

	// MemSize is the guest RAM size in bytes. It must already be a
	// multiple of the host page size.
	MemSize int

	// Kernel is the guest image: a bzImage or, failing that, a flat
	// real-mode binary.
	Kernel io.ReaderAt

	// Cmdline is the kernel command line.
	Cmdline string

	// Image, if non-nil, backs a legacy virtio block device.
	Image io.ReaderAt
	// ImageSize is Image's size in bytes; required when Image is set,
	// since io.ReaderAt alone can't report it.
	ImageSize int64
	// ImageWriter, if non-nil, makes Image writable. It must read and
	// write the same backing storage Image does.
	ImageWriter io.WriterAt

	// Console receives the guest's serial console output. Nil means
	// os.Stdout.
	Console io.Writer

	// Diag receives fatal-exit diagnostic dumps (registers, code, page
	// tables) and SIGQUIT-triggered dumps. Nil means os.Stderr.
	Diag io.Writer

	// IOPortDebug logs every port-I/O access to Diag before dispatching
	// it.
	IOPortDebug bool

	// SingleStep enables guest single-stepping via the debug registers,
	// surfacing one KVM_EXIT_DEBUG per instruction.
	SingleStep bool
}

const (
	com1Base = serial.COM1Base
	com1Size = serial.COM1Size
	com1IRQ  = serial.COM1IRQ

	blkPortBase = 0xC000
	blkIRQ      = 5

	pciConfigAddr = pci.ConfigAddr
	pciConfigData = pci.ConfigData
)

// Monitor owns one VM's worth of KVM state from creation through exit.
type Monitor struct {
	sys  *kvm.System
	vm   *kvm.VM
	vcpu *kvm.VCPU
	mem  *memory.RAM

	runArea []byte
	state   *kvm.VCPUState

	ports *devices.PortBus
	mmio  *devices.MMIOBus

	uart *serial.UART8250

	diag        io.Writer
	ioPortDebug bool

	uartIRQFD int
	blkIRQFD  int
}

// New opens KVM, creates a VM and a single vCPU, maps guest RAM, wires up
// the device set, loads the guest image, and resets the vCPU to its entry
// point. The returned Monitor is ready for Run.
func New(cfg Config) (*Monitor, error) {
	path := cfg.KVMDevPath
	if path == "" {
		path = "/dev/kvm"
	}

	sys, err := kvm.OpenPath(path)
	if err != nil {
		return nil, fmt.Errorf("monitor: open %s: %w", path, err)
	}

	m, err := newFromSystem(sys, cfg)
	if err != nil {
		sys.Close()
		return nil, err
	}

	return m, nil
}

// requiredCaps is the mandatory capability set this monitor refuses to run
// without. Some of them gate a specific setup step below (irqchip, TSS
// address, PIT2, user memory regions); the rest are only probed. Absence of
// any single one is fatal at init, before a VM even exists.
var requiredCaps = []kvm.Cap{
	kvm.CapCoalescedMMIO,
	kvm.CapSetTSSAddr,
	kvm.CapPIT2,
	kvm.CapUserMemory,
	kvm.CapIRQRouting,
	kvm.CapIRQChip,
	kvm.CapHLT,
	kvm.CapIRQInjectStatus,
	kvm.CapExtCPUID,
}

func newFromSystem(sys *kvm.System, cfg Config) (*Monitor, error) {
	if v, err := kvm.GetAPIVersion(sys); err != nil {
		return nil, fmt.Errorf("monitor: get api version: %w", err)
	} else if v != kvm.StableAPIVersion {
		return nil, fmt.Errorf("monitor: unsupported KVM API version %d", v)
	}

	if err := kvm.RequireCaps(sys, requiredCaps...); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}

	vm, err := kvm.CreateVM(sys)
	if err != nil {
		return nil, fmt.Errorf("monitor: create vm: %w", err)
	}

	m := &Monitor{
		sys:       sys,
		vm:        vm,
		ports:     devices.NewPortBus(),
		mmio:      devices.NewMMIOBus(),
		diag:      cfg.Diag,
		uartIRQFD: -1,
		blkIRQFD:  -1,
	}

	if m.diag == nil {
		m.diag = os.Stderr
	}

	m.ioPortDebug = cfg.IOPortDebug

	if err := m.setupVM(sys, vm); err != nil {
		m.Close()
		return nil, err
	}

	if err := m.setupMemory(vm, cfg.MemSize); err != nil {
		m.Close()
		return nil, err
	}

	if err := m.setupVCPU(sys, vm); err != nil {
		m.Close()
		return nil, err
	}

	if err := m.setupDevices(vm, cfg); err != nil {
		m.Close()
		return nil, err
	}

	entry, err := m.loadGuest(cfg)
	if err != nil {
		m.Close()
		return nil, err
	}

	if err := cpu.Reset(m.vcpu, cpu.Entry(entry)); err != nil {
		m.Close()
		return nil, fmt.Errorf("monitor: reset vcpu: %w", err)
	}

	if cfg.SingleStep {
		if err := m.enableSingleStep(); err != nil {
			m.Close()
			return nil, err
		}
	}

	return m, nil
}

// enableSingleStep arms the vCPU to report a KVM_EXIT_DEBUG after every
// instruction, which the run loop's ExitDebug case turns into a
// diagnostic dump.
func (m *Monitor) enableSingleStep() error {
	dbg := kvm.GuestDebug{Control: kvm.GuestDebugEnable | kvm.GuestDebugSingleStep}
	return kvm.SetGuestDebug(m.vcpu, &dbg)
}

func (m *Monitor) setupVM(sys *kvm.System, vm *kvm.VM) error {
	// requiredCaps already guaranteed IRQCHIP, SET_TSS_ADDR and PIT2 are
	// present; none of these three calls need a per-call capability check.
	if err := kvm.CreateIRQChip(vm); err != nil {
		return fmt.Errorf("monitor: create irqchip: %w", err)
	}

	if err := kvm.SetTSSAddr(vm, tssAddr); err != nil {
		return fmt.Errorf("monitor: set tss addr: %w", err)
	}

	if ok, _ := kvm.CheckExtension(sys, kvm.CapSetIdentityMapAddr); ok != 0 {
		if err := kvm.SetIdentityMapAddr(vm, identityMapAddr); err != nil {
			return fmt.Errorf("monitor: set identity map addr: %w", err)
		}
	}

	if err := kvm.CreatePIT2(vm, &kvm.PITConfig{}); err != nil {
		return fmt.Errorf("monitor: create pit2: %w", err)
	}

	return nil
}

// tssAddr and identityMapAddr sit just below the memory hole every x86
// KVM guest keeps clear for them; this monitor never maps guest RAM up
// that high, so any fixed address up there is free.
const (
	identityMapAddr = 0xFFFBC000
	tssAddr         = 0xFFFBD000
)

func (m *Monitor) setupMemory(vm *kvm.VM, size int) error {
	mem, err := memory.Alloc(size)
	if err != nil {
		return fmt.Errorf("monitor: alloc guest memory: %w", err)
	}

	m.mem = mem

	region := kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(mem.Len()),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem.Bytes()[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vm, &region); err != nil {
		return fmt.Errorf("monitor: set user memory region: %w", err)
	}

	return nil
}

func (m *Monitor) setupVCPU(sys *kvm.System, vm *kvm.VM) error {
	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		return fmt.Errorf("monitor: create vcpu: %w", err)
	}

	m.vcpu = vcpu

	mmapSize, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		return fmt.Errorf("monitor: get vcpu mmap size: %w", err)
	}

	runArea, err := unix.Mmap(int(vcpu.Fd()), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("monitor: mmap vcpu run area: %w", err)
	}

	m.runArea = runArea
	m.state = (*kvm.VCPUState)(unsafe.Pointer(&runArea[0]))

	return nil
}

func (m *Monitor) setupDevices(vm *kvm.VM, cfg Config) error {
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	uartFD, err := newIRQEventfd(vm, com1IRQ)
	if err != nil {
		return fmt.Errorf("monitor: uart irqfd: %w", err)
	}

	m.uartIRQFD = uartFD
	m.uart = serial.New(console, uartFD)
	m.ports.Register(com1Base, com1Size, m.uart)

	configSpace := pci.New()
	m.ports.Register(pciConfigAddr, 4, configSpace)
	m.ports.Register(pciConfigData, 4, configSpace)

	if cfg.Image != nil {
		storage := &readerAtStorage{r: cfg.Image, w: cfg.ImageWriter, size: cfg.ImageSize}

		blkFD, err := newIRQEventfd(vm, blkIRQ)
		if err != nil {
			return fmt.Errorf("monitor: blk irqfd: %w", err)
		}

		m.blkIRQFD = blkFD

		readOnly := cfg.ImageWriter == nil
		dev := blk.New(m.mem, storage, readOnly, blkPortBase, blkFD)
		m.ports.Register(blkPortBase, blk.PortSize, dev)

		fn := &pci.Function{}
		fn.Header(0x1AF4, 0x1001, 0x01800000, blkPortBase)
		configSpace.Add(1, 0, fn)
	}

	return nil
}

func newIRQEventfd(vm *kvm.VM, gsi uint32) (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return -1, err
	}

	if err := kvm.IRQFD(vm, fd, gsi); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

func (m *Monitor) loadGuest(cfg Config) (loader.Entry, error) {
	entry, _, err := loader.Load(m.mem.Bytes(), cfg.Kernel, cfg.Cmdline)
	if err != nil {
		return loader.Entry{}, fmt.Errorf("monitor: load kernel: %w", err)
	}

	return entry, nil
}

// readerAtStorage adapts an io.ReaderAt (+ optional io.WriterAt) and a
// known size into blk.Storage.
type readerAtStorage struct {
	r    io.ReaderAt
	w    io.WriterAt
	size int64
}

func (s *readerAtStorage) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }
func (s *readerAtStorage) Size() (int64, error)                    { return s.size, nil }
func (s *readerAtStorage) WriteAt(p []byte, off int64) (int, error) {
	if s.w == nil {
		return 0, fmt.Errorf("monitor: backing image is read-only")
	}

	return s.w.WriteAt(p, off)
}

// Close tears down every resource New acquired, in reverse order except
// that the VM is closed before guest RAM is unmapped. It is safe to call on
// a partially constructed Monitor, and safe to call more than once.
func (m *Monitor) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.uartIRQFD >= 0 {
		keep(unix.Close(m.uartIRQFD))
		m.uartIRQFD = -1
	}

	if m.blkIRQFD >= 0 {
		keep(unix.Close(m.blkIRQFD))
		m.blkIRQFD = -1
	}

	if m.runArea != nil {
		keep(unix.Munmap(m.runArea))
		m.runArea = nil
	}

	if m.vcpu != nil {
		keep(m.vcpu.Close())
		m.vcpu = nil
	}

	if m.vm != nil {
		keep(m.vm.Close())
		m.vm = nil
	}

	if m.mem != nil {
		keep(m.mem.Close())
		m.mem = nil
	}

	if m.sys != nil {
		keep(m.sys.Close())
		m.sys = nil
	}

	return firstErr
}
