// Package memory manages the monitor's single guest-RAM allocation and the
// address translations device models and the loader need to reach into it.
package memory

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HostPtr is a host virtual address reached by translating a guest address.
// It carries no guarantee of validity on its own; pair it with HostInRAM
// before dereferencing anything derived from guest input.
type HostPtr uintptr

// RAM is a host-anonymous mapping backing a guest's physical address space
// starting at guest-physical 0. There is exactly one memory slot; the
// monitor never partitions RAM into multiple regions.
type RAM struct {
	bytes []byte
	base  HostPtr
}

// Alloc maps size bytes of anonymous, zeroed memory for use as guest RAM.
// size must already be a multiple of the host page size; KVM's user memory
// region registration rejects a misaligned backing pointer, and there is no
// way to recover from that short of re-allocating, so Alloc checks instead
// of rounding up silently.
func Alloc(size int) (*RAM, error) {
	pgsz := os.Getpagesize()
	if size%pgsz != 0 {
		return nil, fmt.Errorf("memory: size %d is not a multiple of the page size (%d)", size, pgsz)
	}

	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("memory: mmap: %w", err)
	}

	r := &RAM{bytes: b}
	if len(b) > 0 {
		r.base = HostPtr(uintptr(unsafe.Pointer(&b[0])))
	}

	return r, nil
}

// Bytes returns the backing slice. Its host address is what gets handed to
// KVM_SET_USER_MEMORY_REGION as UserspaceAddr.
func (r *RAM) Bytes() []byte { return r.bytes }

// Len is the RAM size in bytes.
func (r *RAM) Len() int { return len(r.bytes) }

// Close unmaps the backing memory. The caller must have already torn down
// any VM holding a reference to it (the hypervisor's mapping does not
// survive a process-side munmap that happens while it's still installed).
func (r *RAM) Close() error {
	if r.bytes == nil {
		return nil
	}

	err := unix.Munmap(r.bytes)
	r.bytes = nil

	return err
}

// FlatToHost translates a guest-physical offset into a host pointer by
// adding RAM's base address. It never faults, even when off lies outside
// RAM; pair it with HostInRAM when off came from the guest.
func (r *RAM) FlatToHost(off uint64) HostPtr {
	return r.base + HostPtr(off)
}

// SegOffToHost translates a real-mode segment:offset pair into a host
// pointer. Like FlatToHost, it performs no bounds check.
func (r *RAM) SegOffToHost(seg, off uint16) HostPtr {
	return r.FlatToHost(uint64(seg)*16 + uint64(off))
}

// HostInRAM reports whether p, as returned by FlatToHost or SegOffToHost,
// falls within RAM's backing allocation.
func (r *RAM) HostInRAM(p HostPtr) bool {
	return p >= r.base && p < r.base+HostPtr(len(r.bytes))
}

// Slice returns a byte slice of length n rooted at p. The caller must have
// already verified HostInRAM(p) and that the whole range [p, p+n) fits;
// Slice itself does not re-check, since by the time a caller has a HostPtr
// it has already paid for the bounds check this would duplicate.
func (r *RAM) Slice(p HostPtr, n int) []byte {
	off := int(p - r.base)
	return r.bytes[off : off+n]
}

// FlatSlice returns a byte slice of length n at guest-physical offset off,
// performing the bounds check FlatToHost itself skips. It reports false
// instead of slicing when any part of [off, off+n) falls outside RAM, the
// shape device models reading guest-supplied addresses need.
func (r *RAM) FlatSlice(off uint64, n int) ([]byte, bool) {
	if n < 0 || off > uint64(len(r.bytes)) || uint64(len(r.bytes))-off < uint64(n) {
		return nil, false
	}

	return r.Slice(r.FlatToHost(off), n), true
}
