// Package vmar implements a process's virtual address space, composing one
// page table (package pagetable) with many VmMappings backed by VMOs
// (package vmo) or device MMIO windows (package dma). It owns the interval
// set of mappings, RSS accounting, RLIMIT_AS enforcement, and the
// page-fault entry point.
package vmar

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"golang.org/x/sync/semaphore"

	"vmkernel/arch"
	"vmkernel/config"
	"vmkernel/defs"
	"vmkernel/dma"
	"vmkernel/klog"
	"vmkernel/mem"
	"vmkernel/pagetable"
	"vmkernel/util"
	"vmkernel/vmo"
)

var log = klog.For("vmar")

// MemorySource is the memory_source field of a VmMapping.
type MemorySource struct {
	VMO       *vmo.Vmo
	VMOOffset uint64

	MMIO *dma.IoMem
}

func (s MemorySource) isMMIO() bool { return s.MMIO != nil }
func (s MemorySource) isVMO() bool  { return s.VMO != nil }

// VmMapping is one entry in a VMAR's interval set.
type VmMapping struct {
	Start, End uintptr
	Source     MemorySource
	Prop       pagetable.Prop
	Cache      arch.CachePolicy
	Mergeable  bool
}

func (m *VmMapping) size() uintptr { return m.End - m.Start }

func mappingLess(a, b *VmMapping) bool { return a.Start < b.Start }

// RssCategory is the kind of page a resident-set delta accounts for.
type RssCategory int

const (
	FilePages RssCategory = iota
	AnonPages
)

// Vmar is a process's virtual address space.
type Vmar struct {
	cfg config.Boot
	a   arch.Arch
	pm  *mem.Physmem_t
	pt  *pagetable.PageTable

	window arch.VRange

	mu   sync.RWMutex
	tree *btree.BTreeG[*VmMapping]

	rssFile atomic.Int64
	rssAnon atomic.Int64
	totalVm atomic.Int64

	rlimitAS uint64
	asSem    *semaphore.Weighted
}

// New constructs an empty VMAR over a fresh user-mode page table, scoped to
// window, enforcing rlimitAS bytes of RLIMIT_AS (0 selects cfg's default).
func New(cfg config.Boot, a arch.Arch, pm *mem.Physmem_t, window arch.VRange, rlimitAS uint64) (*Vmar, error) {
	pt, err := pagetable.New(cfg, pagetable.UserMode, a, pm)
	if err != nil {
		return nil, err
	}
	if rlimitAS == 0 {
		rlimitAS = cfg.DefaultRLimitAS
	}
	v := &Vmar{
		cfg:      cfg,
		a:        a,
		pm:       pm,
		pt:       pt,
		window:   window,
		tree:     btree.NewG(32, mappingLess),
		rlimitAS: rlimitAS,
		asSem:    semaphore.NewWeighted(int64(rlimitAS)),
	}
	return v, nil
}

// PageTable returns the VMAR's backing page table, for the arch layer to
// activate on context switch.
func (v *Vmar) PageTable() *pagetable.PageTable { return v.pt }

// TotalVm returns the sum of every mapping's size.
func (v *Vmar) TotalVm() uint64 { return uint64(v.totalVm.Load()) }

// RSS returns the VMAR's current resident-set counters, summed across
// whatever per-CPU accumulators fed them.
func (v *Vmar) RSS() (filePages, anonPages int64) {
	return v.rssFile.Load(), v.rssAnon.Load()
}

// RssDelta is a short-lived accumulator: a VM operation adds to it as it
// goes and calls Commit (usually via defer) to fold the total into the
// VMAR's counters once.
type RssDelta struct {
	v          *Vmar
	file, anon int64
}

// NewRssDelta starts a fresh accumulator bound to v.
func (v *Vmar) NewRssDelta() *RssDelta { return &RssDelta{v: v} }

// Add records a change of n pages (positive or negative) in category cat.
func (d *RssDelta) Add(cat RssCategory, n int64) {
	switch cat {
	case FilePages:
		d.file += n
	case AnonPages:
		d.anon += n
	}
}

// Commit folds the accumulated delta into the VMAR's RSS counters.
func (d *RssDelta) Commit() {
	if d.file != 0 {
		d.v.rssFile.Add(d.file)
	}
	if d.anon != 0 {
		d.v.rssAnon.Add(d.anon)
	}
}

// reserveAS attempts to reserve size bytes of address space against
// RLIMIT_AS, leaving the reservation in place on success (paired with a
// later releaseAS on unmap/shrink). It returns ENOMEM without side effects
// on failure.
func (v *Vmar) reserveAS(size uint64) error {
	if !v.asSem.TryAcquire(int64(size)) {
		return defs.ENOMEM
	}
	return nil
}

func (v *Vmar) releaseAS(size uint64) {
	v.asSem.Release(int64(size))
}

// CheckExtraSizeFitsRlimit is a read-only dry run of reserveAS: it reports
// whether expand additional bytes would currently fit under RLIMIT_AS,
// returning ENOMEM without reserving (or mutating) anything if not.
func (v *Vmar) CheckExtraSizeFitsRlimit(expand uint64) error {
	if !v.asSem.TryAcquire(int64(expand)) {
		return defs.ENOMEM
	}
	v.asSem.Release(int64(expand))
	return nil
}

func (v *Vmar) pageSize() uintptr { return uintptr(v.cfg.PageSize()) }

func (v *Vmar) inWindow(r arch.VRange) bool {
	return r.Start >= v.window.Start && r.End <= v.window.End && r.Start < r.End
}

// insertWithoutTryMerge adds m to the interval set without attempting to
// fuse it with an adjacent mapping. Caller must already hold
// v.mu for writing and must already have verified m does not overlap an
// existing mapping.
func (v *Vmar) insertWithoutTryMerge(m *VmMapping) {
	v.tree.ReplaceOrInsert(m)
}

// compatible reports whether two adjacent mappings can be fused into one:
// same VMO, contiguous VMO offsets, same permissions, same cache policy.
func compatible(a, b *VmMapping) bool {
	if !a.Source.isVMO() || !b.Source.isVMO() {
		return false
	}
	if a.Source.VMO != b.Source.VMO {
		return false
	}
	if a.Source.VMOOffset+uint64(a.size()) != b.Source.VMOOffset {
		return false
	}
	return a.Prop == b.Prop && a.Cache == b.Cache
}

// insertTryMerge adds m to the interval set, fusing it with a touching
// predecessor and/or successor if compatible. Caller must hold v.mu for writing.
func (v *Vmar) insertTryMerge(m *VmMapping) {
	if pred, ok := v.findEndingAt(m.Start); ok && compatible(pred, m) {
		v.tree.Delete(pred)
		m.Start = pred.Start
		m.Source.VMOOffset = pred.Source.VMOOffset
	}
	if succ, ok := v.findStartingAt(m.End); ok && compatible(m, succ) {
		v.tree.Delete(succ)
		m.End = succ.End
	}
	m.Mergeable = true
	v.tree.ReplaceOrInsert(m)
}

func (v *Vmar) findEndingAt(addr uintptr) (*VmMapping, bool) {
	var found *VmMapping
	v.tree.DescendLessOrEqual(&VmMapping{Start: addr}, func(item *VmMapping) bool {
		if item.End == addr {
			found = item
		}
		return false
	})
	return found, found != nil
}

func (v *Vmar) findStartingAt(addr uintptr) (*VmMapping, bool) {
	m, ok := v.tree.Get(&VmMapping{Start: addr})
	return m, ok
}

// FindOne returns the mapping containing addr, if any.
func (v *Vmar) FindOne(addr uintptr) (*VmMapping, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.findOneLocked(addr)
}

func (v *Vmar) findOneLocked(addr uintptr) (*VmMapping, bool) {
	var found *VmMapping
	v.tree.DescendLessOrEqual(&VmMapping{Start: addr}, func(item *VmMapping) bool {
		if item.Start <= addr && addr < item.End {
			found = item
		}
		return false
	})
	return found, found != nil
}

// FindNext returns the first mapping whose start address is at or above
// addr.
func (v *Vmar) FindNext(addr uintptr) (*VmMapping, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var found *VmMapping
	v.tree.AscendGreaterOrEqual(&VmMapping{Start: addr}, func(item *VmMapping) bool {
		found = item
		return false
	})
	return found, found != nil
}

// FindPrev returns the last mapping whose start address is strictly below
// addr.
func (v *Vmar) FindPrev(addr uintptr) (*VmMapping, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var found *VmMapping
	v.tree.DescendLessOrEqual(&VmMapping{Start: addr}, func(item *VmMapping) bool {
		if item.Start < addr {
			found = item
			return false
		}
		return true
	})
	return found, found != nil
}

// Find returns every mapping overlapping [start, end) in ascending order.
func (v *Vmar) Find(start, end uintptr) []*VmMapping {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []*VmMapping
	v.tree.Ascend(func(item *VmMapping) bool {
		if item.Start >= end {
			return false
		}
		if item.End > start {
			out = append(out, item)
		}
		return true
	})
	return out
}

// overlapsLocked reports whether any existing mapping intersects [start,
// end). Caller must hold v.mu.
func (v *Vmar) overlapsLocked(start, end uintptr) bool {
	overlap := false
	v.tree.Ascend(func(item *VmMapping) bool {
		if item.Start >= end {
			return false
		}
		if item.End > start {
			overlap = true
			return false
		}
		return true
	})
	return overlap
}

// AllocFreeRegionExact checks that exactly [offset, offset+size) is free,
// failing with EEXIST if it overlaps an existing mapping. It records
// nothing: the range stays unclaimed until a mapping is installed there.
func (v *Vmar) AllocFreeRegionExact(offset uintptr, size uintptr) error {
	rng := arch.VRange{Start: offset, End: offset + size}
	if !v.inWindow(rng) {
		return defs.EInvalidVaddrRange
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.overlapsLocked(rng.Start, rng.End) {
		return defs.EEXIST
	}
	return nil
}

// AllocFreeRegionExactTruncate clears [offset, offset+size), splitting or
// unmapping any overlapping mappings and releasing their frames/RSS. Like
// AllocFreeRegionExact, it records no claim on the range.
func (v *Vmar) AllocFreeRegionExactTruncate(offset, size uintptr) error {
	rng := arch.VRange{Start: offset, End: offset + size}
	if !v.inWindow(rng) {
		return defs.EInvalidVaddrRange
	}
	return v.unmapRange(rng.Start, rng.End)
}

// AllocFreeRegion finds size bytes of unused address space aligned to
// align. It first tries just past the highest existing mapping, and only
// when that does not fit walks the set first-fit from the window start, so
// the result is not always the lowest free address.
func (v *Vmar) AllocFreeRegion(size, align uintptr) (uintptr, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	// Fast path: try just past the highest existing mapping.
	var highest *VmMapping
	v.tree.Descend(func(item *VmMapping) bool {
		highest = item
		return false
	})
	candidate := util.Roundup(v.window.Start, align)
	if highest != nil {
		candidate = util.Roundup(highest.End, align)
	}
	if candidate+size <= v.window.End {
		return candidate, nil
	}

	// Slow path: walk the set in order looking for a gap.
	cursor := util.Roundup(v.window.Start, align)
	found := uintptr(0)
	ok := false
	v.tree.Ascend(func(item *VmMapping) bool {
		if cursor+size <= item.Start {
			found = cursor
			ok = true
			return false
		}
		cursor = util.Roundup(item.End, align)
		return true
	})
	if !ok {
		if cursor+size <= v.window.End {
			return cursor, nil
		}
		return 0, defs.ENOMEM
	}
	return found, nil
}
