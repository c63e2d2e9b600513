package vmar

import (
	"vmkernel/arch"
	"vmkernel/defs"
	"vmkernel/dma"
	"vmkernel/mem"
	"vmkernel/pagetable"
)

func aligned(v uintptr, align uintptr) bool { return v%align == 0 }

// MapFrame installs a single page at vaddr, backed by frame, with the
// given properties. vaddr must be aligned to the base page size.
func (v *Vmar) MapFrame(vaddr uintptr, frame mem.Frame, prop pagetable.Prop) error {
	ps := v.pageSize()
	if !aligned(vaddr, ps) {
		return defs.EInvalidVaddr
	}
	rng := arch.VRange{Start: vaddr, End: vaddr + ps}
	if !v.inWindow(rng) {
		return defs.EInvalidVaddrRange
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.overlapsLocked(rng.Start, rng.End) {
		return defs.EEXIST
	}
	if err := v.reserveAS(uint64(ps)); err != nil {
		return err
	}

	c := v.pt.NewCursorMut(vaddr)
	err := c.Map(ps, frame.PAddr(), prop)
	c.Close()
	if err != nil {
		v.releaseAS(uint64(ps))
		return err
	}

	m := &VmMapping{Start: rng.Start, End: rng.End, Prop: prop, Cache: prop.Cache}
	v.insertWithoutTryMerge(m)
	v.totalVm.Add(int64(ps))
	d := v.NewRssDelta()
	d.Add(AnonPages, 1)
	d.Commit()
	return nil
}

// MapFrames installs a contiguous virtual run starting at vaddr, one page
// per frame in seg, in order. seg's frames need not be physically
// contiguous; each page is installed with its own cursor.Map call.
func (v *Vmar) MapFrames(vaddr uintptr, seg mem.Segment, prop pagetable.Prop) error {
	ps := v.pageSize()
	if !aligned(vaddr, ps) {
		return defs.EInvalidVaddr
	}
	length := uintptr(seg.Len()) * ps
	rng := arch.VRange{Start: vaddr, End: vaddr + length}
	if !v.inWindow(rng) {
		return defs.EInvalidVaddrRange
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.overlapsLocked(rng.Start, rng.End) {
		return defs.EEXIST
	}
	if err := v.reserveAS(uint64(length)); err != nil {
		return err
	}

	c := v.pt.NewCursorMut(vaddr)
	for i := 0; i < seg.Len(); i++ {
		if err := c.Map(ps, seg.Frame(i).PAddr(), prop); err != nil {
			c.Close()
			v.releaseAS(uint64(length))
			return err
		}
	}
	c.Close()

	m := &VmMapping{Start: rng.Start, End: rng.End, Prop: prop, Cache: prop.Cache}
	v.insertWithoutTryMerge(m)
	v.totalVm.Add(int64(length))
	d := v.NewRssDelta()
	d.Add(AnonPages, int64(seg.Len()))
	d.Commit()
	return nil
}

// Map installs an identity-style mapping of io's physical range at
// vaddrRange, the path device mappings take.
func (v *Vmar) Map(vaddrRange arch.VRange, io *dma.IoMem, prop pagetable.Prop) error {
	ps := v.pageSize()
	if !aligned(vaddrRange.Start, ps) || !aligned(vaddrRange.Len(), ps) {
		return defs.EInvalidVaddr
	}
	if !v.inWindow(vaddrRange) {
		return defs.EInvalidVaddrRange
	}
	prng := io.Range()
	if uintptr(prng.End-prng.Start) != vaddrRange.Len() {
		return defs.EINVAL
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.overlapsLocked(vaddrRange.Start, vaddrRange.End) {
		return defs.EEXIST
	}
	if err := v.reserveAS(uint64(vaddrRange.Len())); err != nil {
		return err
	}

	c := v.pt.NewCursorMut(vaddrRange.Start)
	err := c.Map(vaddrRange.Len(), prng.Start, prop)
	c.Close()
	if err != nil {
		v.releaseAS(uint64(vaddrRange.Len()))
		return err
	}

	m := &VmMapping{Start: vaddrRange.Start, End: vaddrRange.End, Source: MemorySource{MMIO: io}, Prop: prop, Cache: prop.Cache}
	v.insertWithoutTryMerge(m)
	v.totalVm.Add(int64(vaddrRange.Len()))
	return nil
}

// AddVmoMapping registers a demand-paged VmMapping backed by vmo starting
// at vmoOffset, without eagerly populating the page table.
func (v *Vmar) AddVmoMapping(vaddr uintptr, length uintptr, src MemorySource, prop pagetable.Prop) error {
	ps := v.pageSize()
	if !aligned(vaddr, ps) || !aligned(length, ps) {
		return defs.EInvalidVaddr
	}
	rng := arch.VRange{Start: vaddr, End: vaddr + length}
	if !v.inWindow(rng) {
		return defs.EInvalidVaddrRange
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.overlapsLocked(rng.Start, rng.End) {
		return defs.EEXIST
	}
	if err := v.reserveAS(uint64(length)); err != nil {
		return err
	}

	m := &VmMapping{Start: rng.Start, End: rng.End, Source: src, Prop: prop, Cache: prop.Cache}
	v.insertTryMerge(m)
	v.totalVm.Add(int64(length))
	return nil
}

// Unmap removes every mapping covering [vaddrRange.Start, vaddrRange.End),
// unmapping any resident PTEs and releasing RSS accounting. The range must
// be page-aligned.
func (v *Vmar) Unmap(vaddrRange arch.VRange) error {
	ps := v.pageSize()
	if !aligned(vaddrRange.Start, ps) || !aligned(vaddrRange.Len(), ps) {
		return defs.EInvalidVaddr
	}
	return v.unmapRange(vaddrRange.Start, vaddrRange.End)
}

// unmapRange does the actual work behind Unmap and
// AllocFreeRegionExactTruncate: split any mapping straddling the boundary,
// drop fully covered mappings, and clear any resident PTE in the range one
// page at a time (demand-paged mappings may never have faulted some
// pages in, so a blanket pagetable Unmap over the whole range would spuriously
// fail on an absent PTE; querying first keeps this idempotent).
func (v *Vmar) unmapRange(start, end uintptr) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unmapLocked(start, end)
}

func (v *Vmar) unmapLocked(start, end uintptr) error {
	var toRemove, toReinsert []*VmMapping
	v.tree.Ascend(func(item *VmMapping) bool {
		if item.Start >= end {
			return false
		}
		if item.End <= start {
			return true
		}
		toRemove = append(toRemove, item)
		if item.Start < start {
			left := &VmMapping{Start: item.Start, End: start, Source: item.Source, Prop: item.Prop, Cache: item.Cache}
			toReinsert = append(toReinsert, left)
		}
		if item.End > end {
			right := &VmMapping{Start: end, End: item.End, Source: item.Source, Prop: item.Prop, Cache: item.Cache}
			if item.Source.isVMO() {
				right.Source.VMOOffset = item.Source.VMOOffset + uint64(end-item.Start)
			}
			toReinsert = append(toReinsert, right)
		}
		return true
	})
	for _, m := range toRemove {
		v.tree.Delete(m)
	}
	for _, m := range toReinsert {
		v.tree.ReplaceOrInsert(m)
	}

	ps := v.pageSize()
	d := v.NewRssDelta()
	defer d.Commit()

	for va := start; va < end; va += ps {
		res, ok := v.pt.Query(va)
		if !ok {
			continue
		}
		c := v.pt.NewCursorMut(va)
		if err := c.Unmap(ps); err != nil {
			c.Close()
			return err
		}
		c.Close()
		if isMMIOPAddr(toRemove, va) {
			continue
		}
		v.pm.Refdown(res.PAddr)
		d.Add(AnonPages, -1)
	}

	var freed uintptr
	for _, m := range toRemove {
		lo, hi := m.Start, m.End
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		freed += hi - lo
	}
	v.totalVm.Add(-int64(freed))
	v.releaseAS(uint64(freed))
	return nil
}

// ResizeMapping grows or shrinks the mapping that starts at mapAddr from
// oldSize to newSize bytes. Shrinking truncates the
// mapping and releases the truncated pages' frames and RSS; growing
// requires the adjacent region free and the expansion to fit under
// RLIMIT_AS, and commits nothing (the grown range demand-faults like any
// other).
func (v *Vmar) ResizeMapping(mapAddr, oldSize, newSize uintptr) error {
	ps := v.pageSize()
	if !aligned(mapAddr, ps) || !aligned(oldSize, ps) || !aligned(newSize, ps) || newSize == 0 {
		return defs.EINVAL
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.findStartingAt(mapAddr)
	if !ok || m.size() != oldSize {
		return defs.EINVAL
	}
	switch {
	case newSize == oldSize:
		return nil
	case newSize < oldSize:
		return v.unmapLocked(mapAddr+newSize, mapAddr+oldSize)
	}

	grow := newSize - oldSize
	newEnd := mapAddr + newSize
	if !v.inWindow(arch.VRange{Start: mapAddr, End: newEnd}) {
		return defs.EInvalidVaddrRange
	}
	if v.overlapsLocked(m.End, newEnd) {
		return defs.EEXIST
	}
	if err := v.reserveAS(uint64(grow)); err != nil {
		return err
	}
	m.End = newEnd
	v.totalVm.Add(int64(grow))
	return nil
}

func isMMIOPAddr(removed []*VmMapping, va uintptr) bool {
	for _, m := range removed {
		if va >= m.Start && va < m.End {
			return m.Source.isMMIO()
		}
	}
	return false
}

// Protect rewrites the permission bundle of every page in
// [vaddrRange.Start, vaddrRange.End) via op, and updates the covering
// mappings' recorded Prop so future faults see the new permissions. The
// whole range must be resident: a single absent page (e.g. a demand-paged
// mapping that was never faulted in) fails the call with ProtectingInvalid
// before any PTE or mapping record is touched, so an invalid request never
// partially applies.
func (v *Vmar) Protect(vaddrRange arch.VRange, op func(pagetable.Prop) pagetable.Prop) error {
	ps := v.pageSize()
	if !aligned(vaddrRange.Start, ps) || !aligned(vaddrRange.Len(), ps) {
		return defs.EInvalidVaddr
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	for va := vaddrRange.Start; va < vaddrRange.End; va += ps {
		if _, ok := v.pt.Query(va); !ok {
			return defs.EProtectingInvalid
		}
	}

	c := v.pt.NewCursorMut(vaddrRange.Start)
	err := c.Protect(vaddrRange.Len(), op)
	c.Close()
	if err != nil {
		return err
	}

	// PTEs are all rewritten; only now fold the new permissions into the
	// mapping records.
	v.tree.Ascend(func(item *VmMapping) bool {
		if item.Start >= vaddrRange.End {
			return false
		}
		if item.End > vaddrRange.Start {
			item.Prop = op(item.Prop)
		}
		return true
	})

	v.a.FlushTLB(arch.FlushOp{
		Root:     v.pt.RootPAddr(),
		StartVA:  vaddrRange.Start,
		PageSize: int(ps),
		NumPages: int(vaddrRange.Len() / ps),
	})
	v.a.Dispatch()
	v.a.Sync()
	return nil
}

// PageTableQueryResult is one entry of a Query iteration.
type PageTableQueryResult struct {
	VaRange arch.VRange
	Info    pagetable.Prop
}

// Query reports the resolved mapping info for every resident page in
// [vaddrRange.Start, vaddrRange.End), in ascending address order.
func (v *Vmar) Query(vaddrRange arch.VRange) []PageTableQueryResult {
	ps := v.pageSize()
	var out []PageTableQueryResult
	for va := vaddrRange.Start; va < vaddrRange.End; va += ps {
		res, ok := v.pt.Query(va)
		if !ok {
			continue
		}
		out = append(out, PageTableQueryResult{VaRange: arch.VRange{Start: va, End: va + ps}, Info: res.Prop})
	}
	return out
}
