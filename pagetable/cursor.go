package pagetable

import (
	"vmkernel/arch"
	"vmkernel/defs"
	"vmkernel/mem"
)

// stackEntry is one locked level on a CursorMut's path from the root
// down to its current position.
type stackEntry struct {
	node *Node
	q    mcsNode
	idx  int
}

// CursorMut is a mutable, forward-only traversal of one PageTable, used by
// Map/Unmap/Protect. Its zero value is not valid; obtain
// one from PageTable.NewCursorMut.
type CursorMut struct {
	pt    *PageTable
	va    uintptr
	level int
	stack []*stackEntry
	guard *AtomicModeGuard
}

// NewCursorMut initializes a cursor at va with level = NR_LEVELS, locking
// the root node. The cursor holds an atomic-mode guard for its whole
// lifetime, released by Close.
func (pt *PageTable) NewCursorMut(va uintptr) *CursorMut {
	c := &CursorMut{pt: pt, va: va, level: pt.cfg.NrLevels, guard: BeginAtomic()}
	se := &stackEntry{node: pt.root}
	pt.root.lock.Lock(&se.q)
	se.idx = pt.inFrameIndex(va, c.level)
	c.stack = []*stackEntry{se}
	return c
}

// Close releases every lock the cursor still holds, walking level_up until
// the stack is empty, then ends the cursor's atomic-mode guard (which may
// reclaim nodes this cursor detached). A cursor that has run
// map/unmap/protect to completion should always be closed.
func (c *CursorMut) Close() {
	for len(c.stack) > 0 {
		c.levelUp()
	}
	if c.guard != nil {
		c.guard.End()
		c.guard = nil
	}
}

func (c *CursorMut) top() *stackEntry { return c.stack[len(c.stack)-1] }

// levelDown descends one level beneath the cursor's current slot,
// allocating a fresh child if the slot is absent, or
// splitting a huge leaf into NR_ENTRIES_PER_FRAME child PTEs if the slot
// holds a huge page that must be split to reach finer granularity.
func (c *CursorMut) levelDown(ldProp Prop) error {
	top := c.top()
	e := top.node.entries[top.idx]
	var child *Node
	var err error

	switch {
	case !e.Present():
		child, err = newNode(c.pt.pm, c.pt.cfg, c.level-1)
		if err != nil {
			return err
		}
		arch.WriteOnce(&top.node.entries[top.idx], NewPTE(c.pt.cfg, child.PAddr(), ldProp, false))
		top.node.nrChildren++

	case e.Huge():
		child, err = newNode(c.pt.pm, c.pt.cfg, c.level-1)
		if err != nil {
			return err
		}
		basePA := e.PAddr(c.pt.cfg)
		info := e.Info()
		step := c.pt.pageSize(c.level - 1)
		for i := 0; i < c.pt.cfg.EntriesPerFrame; i++ {
			childPA := mem.PAddr(uintptr(basePA) + uintptr(i)*step)
			// The split references the huge frame's sub-pages
			// individually; MMIO-backed huge leaves have no metadata
			// slot to count against.
			if c.pt.pm.Owns(childPA) {
				c.pt.pm.Refup(childPA)
			}
			child.entries[i] = NewPTE(c.pt.cfg, childPA, info, c.level-1 > 1)
		}
		child.nrChildren = c.pt.cfg.EntriesPerFrame
		arch.WriteOnce(&top.node.entries[top.idx], NewPTE(c.pt.cfg, child.PAddr(), ldProp, false))

	default:
		// Already an intermediate pointer: descend into the existing child.
		childPA := e.PAddr(c.pt.cfg)
		n, ok := nodeRegistry.peek(childPA)
		if !ok {
			return defs.EInvalidModification
		}
		child = n
	}

	se := &stackEntry{node: child}
	child.lock.Lock(&se.q)
	c.level--
	se.idx = c.pt.inFrameIndex(c.va, c.level)
	c.stack = append(c.stack, se)
	return nil
}

// levelUp pops the current level, detaching the popped node if it is now
// empty and not a kernel-shared top-level slot. The parent
// PTE is cleared first, then the node is marked stray and handed to the
// epoch reclaimer; its frame is only released once every atomic-mode guard
// live at this point has ended.
func (c *CursorMut) levelUp() {
	n := len(c.stack)
	popped := c.stack[n-1]
	c.stack = c.stack[:n-1]
	popped.node.lock.Unlock(&popped.q)
	c.level++

	if len(c.stack) == 0 {
		return
	}
	if popped.node.nrChildren != 0 {
		return
	}
	if c.pt.mode == KernelMode && c.level == c.pt.cfg.NrLevels {
		return // kernel-shared top-level slots are never reclaimed
	}
	parent := c.top()
	arch.WriteOnce(&parent.node.entries[parent.idx], Absent)
	parent.node.nrChildren--
	popped.node.stray.Store(true)
	reclaimer.retire(popped.node)
}

// nextSlot advances va by page_size(level), walking up through any
// level boundaries the advance crosses.
func (c *CursorMut) nextSlot() {
	step := c.pt.pageSize(c.level)
	c.va += step
	top := c.top()
	top.idx++
	for top.idx >= c.pt.cfg.EntriesPerFrame && len(c.stack) > 1 {
		c.levelUp()
		top = c.top()
		top.idx++
	}
	if len(c.stack) > 0 {
		c.top().idx = c.pt.inFrameIndex(c.va, c.level)
	}
}

func (c *CursorMut) needsDescend(pageSize uintptr, paddr mem.PAddr) bool {
	if c.level > c.pt.cfg.HighestTranslationLevel {
		return true
	}
	if c.pt.mode == KernelMode && c.level == c.pt.cfg.NrLevels {
		return true
	}
	if c.va%uintptr(pageSize) != 0 {
		return true
	}
	if paddr != 0 && uintptr(paddr)%uintptr(pageSize) != 0 {
		return true
	}
	return false
}

// Map installs paddr (stepping by the current level's page size per
// iteration) across [va, va+length) with the given properties.
func (c *CursorMut) Map(length uintptr, paddr mem.PAddr, prop Prop) error {
	end := c.va + length
	for c.va < end {
		pageSize := c.pt.pageSize(c.level)
		remaining := end - c.va
		if c.needsDescend(pageSize, paddr) || remaining < pageSize {
			if err := c.levelDown(prop); err != nil {
				return err
			}
			continue
		}
		top := c.top()
		prev := top.node.entries[top.idx]
		switch {
		case !prev.Present():
			top.node.nrChildren++
		case !prev.Huge() && c.level > 1:
			// A huge mapping is displacing an existing child subtree;
			// detach it and let the epoch reclaimer tear it down.
			if child, ok := nodeRegistry.peek(prev.PAddr(c.pt.cfg)); ok {
				child.stray.Store(true)
				reclaimer.retire(child)
			}
		}
		arch.WriteOnce(&top.node.entries[top.idx], NewPTE(c.pt.cfg, paddr, prop, c.level > 1))
		c.nextSlot()
		paddr = mem.PAddr(uintptr(paddr) + pageSize)
	}
	return nil
}

// Unmap clears every mapping across [va, va+length).
func (c *CursorMut) Unmap(length uintptr) error {
	end := c.va + length
	for c.va < end {
		pageSize := c.pt.pageSize(c.level)
		remaining := end - c.va
		if c.needsDescend(pageSize, 0) || remaining < pageSize {
			if err := c.levelDown(Prop{}); err != nil {
				return err
			}
			continue
		}
		top := c.top()
		if !top.node.entries[top.idx].Present() {
			return defs.EInvalidModification
		}
		arch.WriteOnce(&top.node.entries[top.idx], Absent)
		top.node.nrChildren--
		c.nextSlot()
	}
	basePageSize := int(c.pt.pageSize(1))
	c.pt.a.FlushTLB(arch.FlushOp{
		Root:     c.pt.RootPAddr(),
		StartVA:  c.va - length,
		PageSize: basePageSize,
		NumPages: int(length) / basePageSize,
	})
	return nil
}

// ForEachLeaf invokes fn with the virtual address and PTE of every present
// leaf mapping in [va, va+length), in ascending address order, and
// rewrites that entry's permission bundle in place (same paddr, same huge
// flag) to whatever fn returns — returning e.Info() unchanged is a no-op.
// The in-place rewrite lets a caller downgrade a mapping's Writable bit
// under the lock this cursor already holds, without opening a second
// cursor on the same table (this cursor's per-node locks are not
// reentrant). vmar's copy-on-write fork does not use it; it walks with
// Query, Protect and Map instead.
func (c *CursorMut) ForEachLeaf(length uintptr, fn func(va uintptr, e PTE) (Prop, error)) error {
	end := c.va + length
	for c.va < end {
		top := c.top()
		e := top.node.entries[top.idx]
		if !e.Present() {
			c.nextSlot()
			continue
		}
		if !e.Huge() && c.level != 1 {
			if err := c.levelDown(e.Info()); err != nil {
				return err
			}
			continue
		}
		newProp, err := fn(c.va, e)
		if err != nil {
			return err
		}
		arch.WriteOnce(&top.node.entries[top.idx], e.WithInfo(c.pt.cfg, newProp))
		c.nextSlot()
	}
	return nil
}

// Protect rewrites the permission bundle of every mapping in
// [va, va+length) via op. A huge leaf
// only partially covered by the range is split first, so the rewrite never
// widens past the bytes the caller named.
func (c *CursorMut) Protect(length uintptr, op func(Prop) Prop) error {
	end := c.va + length
	for c.va < end {
		top := c.top()
		e := top.node.entries[top.idx]
		if !e.Present() {
			return defs.EProtectingInvalid
		}
		if !e.Huge() && c.level != 1 {
			if err := c.levelDown(e.Info()); err != nil {
				return err
			}
			continue
		}
		pageSize := c.pt.pageSize(c.level)
		if e.Huge() && (c.va%pageSize != 0 || end-c.va < pageSize) {
			if err := c.levelDown(op(e.Info())); err != nil {
				return err
			}
			continue
		}
		arch.WriteOnce(&top.node.entries[top.idx], e.WithInfo(c.pt.cfg, op(e.Info())))
		c.nextSlot()
	}
	return nil
}
