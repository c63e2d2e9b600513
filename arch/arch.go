// Package arch is the seam between the core (pagetable, dma) and real MMU
// register programming, TLB shootdown IPIs, and confidential-VM
// hypercalls: it exposes the abstract operations (activate, TLB flush,
// DMA-range sync) and nothing more. A real port supplies an Arch that
// drives actual hardware;
// SoftArch below is the reference implementation this module builds and
// tests against, since nothing here runs on real silicon.
package arch

import "vmkernel/mem"

// CachePolicy selects the caching behavior of a kernel-virtual mapping.
type CachePolicy int

const (
	Uncacheable CachePolicy = iota
	WriteBack
	WriteThrough
)

// Direction restricts which DMA operations are legal for a region.
type Direction int

const (
	ToDevice Direction = iota
	FromDevice
	FromAndToDevice
)

// CanWriteToDevice reports whether the CPU side may write into memory the
// device will read (ToDevice, or bidirectional).
func (d Direction) CanWriteToDevice() bool {
	return d == ToDevice || d == FromAndToDevice
}

// CanReadFromDevice reports whether the CPU side may read memory the device
// wrote (FromDevice, or bidirectional).
func (d Direction) CanReadFromDevice() bool {
	return d == FromDevice || d == FromAndToDevice
}

// FlushOp describes one TLB invalidation request.
type FlushOp struct {
	Root     mem.PAddr
	StartVA  uintptr
	PageSize int
	NumPages int
	All      bool // invalidate every entry, e.g. at fork commit
}

// VRange is a half-open virtual address range, [Start, End).
type VRange struct {
	Start uintptr
	End   uintptr
}

// Len returns End-Start.
func (r VRange) Len() uintptr { return r.End - r.Start }

// Arch is the abstract operation set the core consumes from the
// architecture layer: page-table activation, TLB flush (with
// dispatch/sync), DMA-range sync, the direct-map inverse, and the
// confidential-VM hypercall.
type Arch interface {
	// ActivatePageTable loads root into the current CPU's translation
	// base register under the given cache policy.
	ActivatePageTable(root mem.PAddr, policy CachePolicy)

	// CurrentPageTableRoot returns whatever ActivatePageTable last set on
	// this CPU.
	CurrentPageTableRoot() mem.PAddr

	// FlushTLB queues op for this CPU; Dispatch sends IPIs to the
	// affected CPU set, and Sync waits for acknowledgment. Callers batch
	// flushes and pay for the IPIs once.
	FlushTLB(op FlushOp)
	Dispatch()
	Sync()

	// SyncDMARange issues the clean/invalidate combination appropriate
	// for dir over vrange. A no-op on coherent devices.
	SyncDMARange(dir Direction, vrange VRange)

	// PAddrToVAddr is the inverse of the frame allocator's linear direct
	// map.
	PAddrToVAddr(p mem.PAddr) uintptr

	// UnprotectGPA performs the confidential-VM "share this GPA with the
	// hypervisor" hypercall. A no-op Arch returns nil unconditionally.
	UnprotectGPA(p mem.PAddr, size int) error
}

// PodOnce is a plain-old-data type loadable/storable with one non-tearing
// memory operation.
type PodOnce interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int32 | ~int64 | ~uintptr
}
