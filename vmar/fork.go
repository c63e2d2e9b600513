package vmar

import (
	"github.com/google/btree"
	"golang.org/x/sync/semaphore"

	"vmkernel/arch"
	"vmkernel/defs"
	"vmkernel/pagetable"
)

// ForkFrom builds a child VMAR that copy-on-write shares parent's
// resident pages. RAM-backed pages are downgraded to read-only in both
// parent and child and their frames shared by reference; MMIO mappings
// are re-mapped identically in the child with no COW protection.
func ForkFrom(parent *Vmar) (*Vmar, error) {
	// One atomic-mode window covers the whole fork; the nodes the
	// per-page cursors detach along the way are not reclaimed until the
	// fork has committed and flushed.
	g := pagetable.BeginAtomic()
	defer g.End()

	parent.mu.Lock()
	defer parent.mu.Unlock()

	pt, err := pagetable.New(parent.cfg, pagetable.UserMode, parent.a, parent.pm)
	if err != nil {
		return nil, err
	}

	child := &Vmar{
		cfg:      parent.cfg,
		a:        parent.a,
		pm:       parent.pm,
		pt:       pt,
		window:   parent.window,
		tree:     btree.NewG(32, mappingLess),
		rlimitAS: parent.rlimitAS,
		asSem:    semaphore.NewWeighted(int64(parent.rlimitAS)),
	}

	// Seed RSS counters from the parent (step 2).
	pf, pa := parent.RSS()
	child.rssFile.Store(pf)
	child.rssAnon.Store(pa)

	// Clone total_vm (step 3), reserving the same RLIMIT_AS budget the
	// parent already holds.
	tv := parent.totalVm.Load()
	if tv > 0 && !child.asSem.TryAcquire(tv) {
		return nil, defs.ENOMEM
	}
	child.totalVm.Store(tv)

	var mappings []*VmMapping
	parent.tree.Ascend(func(item *VmMapping) bool {
		mappings = append(mappings, item)
		return true
	})

	for _, m := range mappings {
		childM := &VmMapping{
			Start:     m.Start,
			End:       m.End,
			Source:    m.Source,
			Prop:      m.Prop,
			Cache:     m.Cache,
			Mergeable: m.Mergeable,
		}
		child.tree.ReplaceOrInsert(childM)

		if m.Source.isMMIO() {
			prng := m.Source.MMIO.Range()
			c := pt.NewCursorMut(m.Start)
			err := c.Map(m.size(), prng.Start, m.Prop)
			c.Close()
			if err != nil {
				return nil, err
			}
			continue
		}

		if err := cowCopyMappings(parent, child, m); err != nil {
			return nil, err
		}
	}

	parent.a.FlushTLB(arch.FlushOp{Root: parent.pt.RootPAddr(), All: true})
	parent.a.Dispatch()
	parent.a.Sync()

	return child, nil
}

// cowCopyMappings shares every resident leaf page of m between parent and
// child, downgrading both sides to read-only. It walks page by page via
// PageTable.Query rather than opening a second cursor alongside a
// ForEachLeaf pass on the same table, since pagetable's per-node locks
// are not reentrant.
func cowCopyMappings(parent, child *Vmar, m *VmMapping) error {
	ps := parent.pageSize()
	for va := m.Start; va < m.End; va += ps {
		res, ok := parent.pt.Query(va)
		if !ok {
			continue // never faulted in; nothing to share yet
		}

		newProp := res.Prop
		newProp.Writable = false

		pc := parent.pt.NewCursorMut(va)
		err := pc.Protect(ps, func(pagetable.Prop) pagetable.Prop { return newProp })
		pc.Close()
		if err != nil {
			return err
		}

		parent.pm.Refup(res.PAddr)
		cc := child.pt.NewCursorMut(va)
		err = cc.Map(ps, res.PAddr, newProp)
		cc.Close()
		if err != nil {
			parent.pm.Refdown(res.PAddr)
			return err
		}
	}
	return nil
}
