//go:build linux && amd64

// Package kvm wraps the ioctls exposed by /dev/kvm and the file descriptors
// KVM hands back for a VM and its VCPUs. Every operation maps to exactly one
// ioctl; none of them retain state beyond the underlying fd.
package kvm

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StableAPIVersion is the only value KVM_GET_API_VERSION is ever expected to
// return. Anything else means the host kernel's KVM ABI is incompatible.
const StableAPIVersion = 12

const kvmIOMagic = 0xae

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | (size&0x1fff)<<16 | kvmIOMagic<<8 | nr
}

func ioNone(nr uintptr) uintptr            { return ioc(iocNone, nr, 0) }
func ioR(nr, size uintptr) uintptr         { return ioc(iocRead, nr, size) }
func ioW(nr, size uintptr) uintptr         { return ioc(iocWrite, nr, size) }
func ioWR(nr, size uintptr) uintptr        { return ioc(iocWrite|iocRead, nr, size) }

var (
	kGetAPIVersion          = ioNone(0x00)
	kCreateVM               = ioNone(0x01)
	kGetMSRIndexList        = ioWR(0x02, unsafe.Sizeof(kvm_msr_list{}))
	kCheckExtension         = ioNone(0x03)
	kGetVCPUMmapSize        = ioNone(0x04)
	kGetSupportedCPUID      = ioWR(0x05, unsafe.Sizeof(kvm_cpuid2{}))
	kGetMSRFeatureIndexList = ioWR(0x0a, unsafe.Sizeof(kvm_msr_list{}))
	kCreateVCPU             = ioNone(0x41)
	kSetUserMemoryRegion    = ioW(0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	kSetTSSAddr             = ioNone(0x47)
	kSetIdentityMapAddr     = ioW(0x48, unsafe.Sizeof(uint64(0)))
	kCreateIRQChip          = ioNone(0x60)
	kIRQFD                  = ioW(0x76, unsafe.Sizeof(irqfd{}))
	kSetClock               = ioW(0x7b, unsafe.Sizeof(ClockData{}))
	kGetClock               = ioR(0x7c, unsafe.Sizeof(ClockData{}))
	kCreatePIT2             = ioW(0x77, unsafe.Sizeof(PITConfig{}))
	kRun                    = ioNone(0x80)
	kGetRegs                = ioR(0x81, unsafe.Sizeof(Regs{}))
	kSetRegs                = ioW(0x82, unsafe.Sizeof(Regs{}))
	kGetSregs               = ioR(0x83, unsafe.Sizeof(Sregs{}))
	kSetSregs               = ioW(0x84, unsafe.Sizeof(Sregs{}))
	kGetMSRs                = ioWR(0x88, unsafe.Sizeof(kvm_msrs{}))
	kSetMSRs                = ioW(0x89, unsafe.Sizeof(kvm_msrs{}))
	kSetCPUID2              = ioW(0x90, unsafe.Sizeof(kvm_cpuid2{}))
	kGetFPU                 = ioR(0x8c, unsafe.Sizeof(FPU{}))
	kSetFPU                 = ioW(0x8d, unsafe.Sizeof(FPU{}))
	kSetGuestDebug          = ioW(0x9b, unsafe.Sizeof(GuestDebug{}))
)

// irqfd has the same layout as the C struct kvm_irqfd.
type irqfd struct {
	FD    uint32
	GSI   uint32
	Flags uint32
	_     [20]byte
}

// fder is satisfied by *os.File and by this package's own handle types, so
// functions that only need the fd can accept either.
type fder interface {
	Fd() uintptr
}

// System is a handle to /dev/kvm itself, as opposed to any one VM.
type System struct {
	f *os.File
}

// VM is a handle to a single virtual machine created with CreateVM.
type VM struct {
	f *os.File
}

// VCPU is a handle to a single virtual CPU created with CreateVCPU.
type VCPU struct {
	f *os.File
}

// Open opens the default KVM device, /dev/kvm.
func Open() (*System, error) {
	return OpenPath("/dev/kvm")
}

// OpenPath opens the KVM device at path, which need not be the default
// /dev/kvm (a monitor's --kvm-dev flag may point elsewhere).
func OpenPath(path string) (*System, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return &System{f: f}, nil
}

func (s *System) Fd() uintptr { return s.f.Fd() }
func (s *System) Close() error { return s.f.Close() }

func (vm *VM) Fd() uintptr { return vm.f.Fd() }
func (vm *VM) Close() error { return vm.f.Close() }

func (vcpu *VCPU) Fd() uintptr { return vcpu.f.Fd() }
func (vcpu *VCPU) Close() error { return vcpu.f.Close() }

// GetAPIVersion returns the KVM ABI version the host kernel implements.
// Callers should compare the result against StableAPIVersion.
func GetAPIVersion(sys fder) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetAPIVersion, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// CreateVM asks KVM for a new virtual machine and wraps the fd it returns.
func CreateVM(sys fder) (*VM, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kCreateVM, 0)
	if errno != 0 {
		return nil, errno
	}

	return &VM{f: os.NewFile(r, "kvm-vm")}, nil
}

// CreateVCPU asks vm for a new virtual CPU in the given slot and wraps the
// fd it returns. Slots are numbered from 0; KVM_CAP_MAX_VCPUS bounds them.
func CreateVCPU(vm *VM, slot int) (*VCPU, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateVCPU, uintptr(slot))
	if errno != 0 {
		return nil, errno
	}

	return &VCPU{f: os.NewFile(r, "kvm-vcpu")}, nil
}

// CheckExtension reports the degree to which f supports the given
// capability. A result of 0 means unsupported; interpretation of nonzero
// results is capability-specific (often, but not always, a boolean).
func CheckExtension(f fder, cap Cap) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), kCheckExtension, uintptr(cap))
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// RequireCaps checks every capability in caps against f, in order, and
// fails on the first one CheckExtension reports as unsupported (a result
// of 0). There is no partial credit: the monitor treats every capability
// in its mandatory list as load-bearing, so the first absence aborts
// before any later one is even probed.
func RequireCaps(f fder, caps ...Cap) error {
	for _, c := range caps {
		ok, err := CheckExtension(f, c)
		if err != nil {
			return fmt.Errorf("kvm: check extension %v: %w", c, err)
		}

		if ok == 0 {
			return fmt.Errorf("kvm: missing required capability %v", c)
		}
	}

	return nil
}

// GetVCPUMmapSize returns the size in bytes of the shared memory region a
// VCPU's fd must be mmapped with to reach its run area.
func GetVCPUMmapSize(sys fder) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// UserspaceMemoryRegion has the same layout as the C struct
// kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion installs or updates one of the VM's guest-physical
// memory slots to back onto a host userspace range.
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	if errno != 0 {
		return errno
	}

	return nil
}

// CreateIRQChip creates an in-kernel interrupt controller model. Several
// other ioctls, including CreatePIT2 and IRQFD, require it to have run first.
func CreateIRQChip(vm *VM) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateIRQChip, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// IRQFD binds an eventfd to a guest interrupt line (gsi): writes to fd
// raise the line without any further syscall from the monitor.
func IRQFD(vm *VM, fd int, gsi uint32) error {
	req := irqfd{FD: uint32(fd), GSI: gsi}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kIRQFD, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return errno
	}

	return nil
}

// Run invokes the VCPU and blocks until the guest exits to userspace or a
// signal interrupts the call. On success, the exit is described by the
// VCPUState mmapped over the VCPU's fd. A signal-interrupted call returns
// an error satisfying errors.Is(err, unix.EINTR); the caller, not Run, is
// responsible for acting on that.
func Run(vcpu *VCPU) error {
	_, _, errno := unix.Syscall(syscall.SYS_IOCTL, vcpu.Fd(), kRun, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// Cap identifies a KVM capability queryable with CheckExtension.
type Cap int

const (
	CapIRQChip            Cap = 0
	CapHLT                Cap = 1
	CapUserMemory         Cap = 3
	CapSetTSSAddr         Cap = 4
	CapCoalescedMMIO      Cap = 15
	CapExtCPUID           Cap = 7
	CapNRMemSlots         Cap = 10
	CapIRQRouting         Cap = 25
	CapIRQInjectStatus    Cap = 26
	CapIRQFD              Cap = 32
	CapPIT2               Cap = 33
	CapAdjustClock        Cap = 39
	CapSetIdentityMapAddr Cap = 37
	CapMaxVCPUs           Cap = 66
	CapCheckExtensionVM   Cap = 105
	CapGetMSRFeatures     Cap = 153
	CapImmediateExit      Cap = 136
)

var capNames = map[Cap]string{
	CapIRQChip:            "KVM_CAP_IRQCHIP",
	CapHLT:                "KVM_CAP_HLT",
	CapUserMemory:         "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:         "KVM_CAP_SET_TSS_ADDR",
	CapCoalescedMMIO:      "KVM_CAP_COALESCED_MMIO",
	CapExtCPUID:           "KVM_CAP_EXT_CPUID",
	CapNRMemSlots:         "KVM_CAP_NR_MEMSLOTS",
	CapIRQRouting:         "KVM_CAP_IRQ_ROUTING",
	CapIRQInjectStatus:    "KVM_CAP_IRQ_INJECT_STATUS",
	CapIRQFD:              "KVM_CAP_IRQFD",
	CapPIT2:               "KVM_CAP_PIT2",
	CapAdjustClock:        "KVM_CAP_ADJUST_CLOCK",
	CapSetIdentityMapAddr: "KVM_CAP_SET_IDENTITY_MAP_ADDR",
	CapMaxVCPUs:           "KVM_CAP_MAX_VCPUS",
	CapCheckExtensionVM:   "KVM_CAP_CHECK_EXTENSION_VM",
	CapGetMSRFeatures:     "KVM_CAP_GET_MSR_FEATURES",
	CapImmediateExit:      "KVM_CAP_IMMEDIATE_EXIT",
}

// String returns the capability's C name, e.g. "KVM_CAP_HLT", or
// "Cap(N)" if it isn't one this package names.
func (c Cap) String() string {
	if name, ok := capNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Cap(%d)", int(c))
}

// AllCaps returns every capability this package has a name for, in no
// particular order.
func AllCaps() []Cap {
	caps := make([]Cap, 0, len(capNames))
	for c := range capNames {
		caps = append(caps, c)
	}

	return caps
}

// Exit identifies why a call to Run returned.
type Exit uint32

const (
	ExitUnknown       Exit = 0
	ExitException     Exit = 1
	ExitIO            Exit = 2
	ExitHypercall     Exit = 3
	ExitDebug         Exit = 4
	ExitHLT           Exit = 5
	ExitMMIO          Exit = 6
	ExitIRQWindowOpen Exit = 7
	ExitShutdown      Exit = 8
	ExitFailEntry     Exit = 9
	ExitIntr          Exit = 10
	ExitSetTPR        Exit = 11
	ExitTPRAccess     Exit = 12
	ExitInternalError Exit = 17
)

var exitNames = map[Exit]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHLT:           "KVM_EXIT_HLT",
	ExitMMIO:          "KVM_EXIT_MMIO",
	ExitIRQWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitSetTPR:        "KVM_EXIT_SET_TPR",
	ExitTPRAccess:     "KVM_EXIT_TPR_ACCESS",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
}

// String returns the exit reason's C name, e.g. "KVM_EXIT_HLT", or
// "Exit(N)" if it isn't one this package names.
func (e Exit) String() string {
	if name, ok := exitNames[e]; ok {
		return name
	}

	return fmt.Sprintf("Exit(%d)", uint32(e))
}

const nrInterrupts = 256

// PITSpeakerDummy disables the in-kernel PIT's connection to a real PC
// speaker; the monitor has no audio device to wire it to.
const PITSpeakerDummy = 1 << 0
