// Package dma implements MMIO window acquisition and DMA streams. It is
// independent machinery reused by (hypothetical, out of scope) drivers,
// sharing package mem's frame and address vocabulary.
package dma

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"vmkernel/arch"
	"vmkernel/defs"
	"vmkernel/klog"
	"vmkernel/mem"
	"vmkernel/util"
)

var log = klog.For("dma")

// Sensitivity marks whether a window's contents may be touched through safe
// typed I/O or only through unsafe kernel primitives.
type Sensitivity int

const (
	// Insensitive windows are safe for typed reads/writes.
	Insensitive Sensitivity = iota
	// Sensitive windows may only be touched by the kernel via unsafe
	// primitives (raw byte copies).
	Sensitive
)

// PRange is a half-open physical address range.
type PRange struct {
	Start mem.PAddr
	End   mem.PAddr
}

func (r PRange) overlaps(o PRange) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r PRange) pages() int {
	return int((r.End - r.Start + mem.PAddr(mem.PageSize) - 1) / mem.PAddr(mem.PageSize))
}

// IoMem is a kernel-virtual window over a device MMIO range. No real device registers back this module, so the
// window's contents live in a shadow byte store; the access primitives over
// it are the real contract (word-at-a-time copies, non-tearing typed
// loads/stores).
type IoMem struct {
	alloc  *Allocator
	rng    PRange
	policy arch.CachePolicy
	sens   Sensitivity
	shadow []byte
}

// Allocator is the global single-writer MMIO-range allocator.
type Allocator struct {
	a            arch.Arch
	confidential bool

	mu   sync.Mutex
	held []PRange
}

// NewAllocator constructs the global MMIO allocator over the given arch.
func NewAllocator(a arch.Arch, confidentialVM bool) *Allocator {
	return &Allocator{a: a, confidential: confidentialVM}
}

// Acquire maps rng as a kernel-virtual window under policy, rejecting
// already-held ranges with AccessDenied. On confidential-VM targets it issues the "unprotect GPA"
// hypercall at acquisition.
func (al *Allocator) Acquire(rng PRange, policy arch.CachePolicy) (*IoMem, error) {
	alignedStart := rng.Start.PageAlignedDown()
	alignedEnd := util.Roundup(rng.End, mem.PAddr(mem.PageSize))
	rng = PRange{Start: alignedStart, End: alignedEnd}

	al.mu.Lock()
	defer al.mu.Unlock()
	for _, h := range al.held {
		if h.overlaps(rng) {
			return nil, fmt.Errorf("dma: mmio range %v already held: %w", rng, errAccessDenied{})
		}
	}
	if al.confidential {
		if err := al.a.UnprotectGPA(rng.Start, int(rng.End-rng.Start)); err != nil {
			return nil, err
		}
	}
	al.held = append(al.held, rng)
	log.WithField("range", fmt.Sprintf("%v-%v", rng.Start, rng.End)).Debug("iomem acquired")
	return &IoMem{
		alloc:  al,
		rng:    rng,
		policy: policy,
		sens:   Insensitive,
		shadow: make([]byte, int(rng.End-rng.Start)),
	}, nil
}

type errAccessDenied struct{}

func (errAccessDenied) Error() string { return "access denied" }

// Drop releases the window, making the range acquirable again.
func (m *IoMem) Drop() {
	m.alloc.mu.Lock()
	defer m.alloc.mu.Unlock()
	for i, h := range m.alloc.held {
		if h == m.rng {
			m.alloc.held = append(m.alloc.held[:i], m.alloc.held[i+1:]...)
			break
		}
	}
}

// Range returns the window's physical range.
func (m *IoMem) Range() PRange { return m.rng }

// Sensitive reports the window's sensitivity marker.
func (m *IoMem) Sensitive() Sensitivity { return m.sens }

// mmioCopy moves bytes as natural-aligned word moves with a byte head/tail,
// never a bulk copy the compiler may coalesce into wide vector ops.
func mmioCopy(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	i := 0
	for ; i+8 <= n; i += 8 {
		binary.LittleEndian.PutUint64(dst[i:], binary.LittleEndian.Uint64(src[i:]))
	}
	for ; i < n; i++ {
		dst[i] = src[i]
	}
}

// ReadBytes copies len(buf) bytes from the window starting at byte offset
// off. Typed/safe I/O exists only on Insensitive windows; a Sensitive
// window answers AccessDenied (the kernel-internal unsafe path is not
// modeled off real hardware).
func (m *IoMem) ReadBytes(off int, buf []byte) error {
	if m.sens != Insensitive {
		return defs.EACCES
	}
	if off < 0 || off+len(buf) > len(m.shadow) {
		return defs.EINVAL
	}
	mmioCopy(buf, m.shadow[off:off+len(buf)])
	return nil
}

// WriteBytes copies len(buf) bytes into the window starting at byte offset
// off, under the same Insensitive-only contract as ReadBytes.
func (m *IoMem) WriteBytes(off int, buf []byte) error {
	if m.sens != Insensitive {
		return defs.EACCES
	}
	if off < 0 || off+len(buf) > len(m.shadow) {
		return defs.EINVAL
	}
	mmioCopy(m.shadow[off:off+len(buf)], buf)
	return nil
}

// IoReadVal loads one naturally-aligned PodOnce value from the window with
// a single non-tearing access.
func IoReadVal[T arch.PodOnce](m *IoMem, off int) (T, error) {
	var v T
	sz := int(unsafe.Sizeof(v))
	if m.sens != Insensitive {
		return v, defs.EACCES
	}
	if off < 0 || off+sz > len(m.shadow) || off%sz != 0 {
		return v, defs.EINVAL
	}
	return arch.ReadOnce((*T)(unsafe.Pointer(&m.shadow[off]))), nil
}

// IoWriteVal stores one naturally-aligned PodOnce value into the window
// with a single non-tearing access.
func IoWriteVal[T arch.PodOnce](m *IoMem, off int, v T) error {
	sz := int(unsafe.Sizeof(v))
	if m.sens != Insensitive {
		return defs.EACCES
	}
	if off < 0 || off+sz > len(m.shadow) || off%sz != 0 {
		return defs.EINVAL
	}
	arch.WriteOnce((*T)(unsafe.Pointer(&m.shadow[off])), v)
	return nil
}
