package vmar

import (
	"vmkernel/defs"
	"vmkernel/mem"
	"vmkernel/pagetable"
	"vmkernel/util"
)

// PageFault handles a user page fault at vaddr; reading the faulting
// address and error code out of the trap frame is ucontext's job, already
// done by the caller. write reports whether the faulting access was a
// store.
func (v *Vmar) PageFault(vaddr uintptr, write bool) error {
	ps := v.pageSize()
	va := util.Rounddown(vaddr, ps)

	v.mu.RLock()
	m, ok := v.findOneLocked(va)
	v.mu.RUnlock()
	if !ok {
		return defs.EFAULT
	}
	if write && !m.Prop.Writable {
		return defs.EACCES
	}
	if !write && !m.Prop.Readable {
		return defs.EACCES
	}

	res, present := v.pt.Query(va)
	if present {
		if write && !res.Prop.Writable {
			return v.handleCOWFault(va, m, res)
		}
		// Already resolved with sufficient permission; a concurrent fault
		// on another CPU beat us to it. Retry.
		return nil
	}
	return v.handleDemandFault(va, write, m)
}

// handleCOWFault duplicates a shared frame on a write to a COW-downgraded
// page: allocate a new frame, copy the old frame's
// bytes, install it writable, and drop this VMAR's share of the old frame.
func (v *Vmar) handleCOWFault(va uintptr, m *VmMapping, old pagetable.QueryResult) error {
	uf, ok := mem.AllocFrame(v.pm, false)
	if !ok {
		return defs.ENOMEM
	}
	copy(uf.Bytes(), v.pm.BytesAt(old.PAddr))

	newProp := m.Prop
	c := v.pt.NewCursorMut(va)
	err := c.Map(v.pageSize(), uf.IntoRaw(), newProp)
	c.Close()
	if err != nil {
		uf.Release()
		return err
	}

	v.pm.Refdown(old.PAddr)

	d := v.NewRssDelta()
	d.Add(AnonPages, 1)
	d.Commit()
	return nil
}

// handleDemandFault installs a frame for a page that has never been
// touched: consult the mapping's VMO if it has one,
// otherwise treat the mapping as pure anonymous memory (zero-page for a
// read, a freshly zeroed frame for a write).
func (v *Vmar) handleDemandFault(va uintptr, write bool, m *VmMapping) error {
	ps := v.pageSize()

	if m.Source.isMMIO() {
		// MMIO mappings are eagerly populated by Map; an absent PTE here
		// means the mapping was torn down underneath the fault.
		return defs.EFAULT
	}

	if m.Source.isVMO() {
		idx := (m.Source.VMOOffset + uint64(va-m.Start)) / uint64(ps)
		frame, resident, err := m.Source.VMO.PageFrame(idx, write)
		if err != nil {
			return err
		}
		cat := FilePages
		if !m.Source.VMO.HasPager() {
			cat = AnonPages
		}
		if !resident {
			return v.installZero(va, m, cat)
		}
		prop := m.Prop
		c := v.pt.NewCursorMut(va)
		err = c.Map(ps, frame.Clone().PAddr(), prop)
		c.Close()
		if err != nil {
			return err
		}
		d := v.NewRssDelta()
		d.Add(cat, 1)
		d.Commit()
		return nil
	}

	if !write {
		return v.installZero(va, m, AnonPages)
	}

	uf, ok := mem.AllocFrame(v.pm, true)
	if !ok {
		return defs.ENOMEM
	}
	prop := m.Prop
	c := v.pt.NewCursorMut(va)
	err := c.Map(ps, uf.IntoRaw(), prop)
	c.Close()
	if err != nil {
		return err
	}
	d := v.NewRssDelta()
	d.Add(AnonPages, 1)
	d.Commit()
	return nil
}

// FaultSignal translates a PageFault error into the user-visible signal:
// SIGSEGV for an access outside any mapping or against
// the mapping's permissions, SIGBUS for everything else (misaligned or
// unbacked access, allocation failure under the fault). ok is false when
// err is nil, i.e. the fault was resolved and the faulting instruction
// should simply retry.
func FaultSignal(err error) (sig defs.Signal, ok bool) {
	if err == nil {
		return 0, false
	}
	if e, isErrno := err.(defs.Err_t); isErrno {
		switch e {
		case defs.EFAULT, defs.EACCES, defs.ENOENT:
			return defs.SIGSEGV, true
		}
	}
	return defs.SIGBUS, true
}

// installZero maps the shared all-zero frame read-only, deferring the
// actual commit of a private frame to the write fault that eventually
// breaks the share. Any anonymous or unbacked-VMO read fault takes this
// path.
func (v *Vmar) installZero(va uintptr, m *VmMapping, cat RssCategory) error {
	prop := m.Prop
	prop.Writable = false
	v.pm.Refup(v.pm.ZeroPage())
	c := v.pt.NewCursorMut(va)
	err := c.Map(v.pageSize(), v.pm.ZeroPage(), prop)
	c.Close()
	if err != nil {
		v.pm.Refdown(v.pm.ZeroPage())
		return err
	}
	d := v.NewRssDelta()
	d.Add(cat, 1)
	d.Commit()
	return nil
}
