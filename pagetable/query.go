package pagetable

import (
	"vmkernel/arch"
	"vmkernel/mem"
)

// QueryResult is what a successful Query returns: the physical address the
// virtual address translates to (already adjusted for in-page offset) and
// the mapping's permission bundle.
type QueryResult struct {
	PAddr mem.PAddr
	Prop  Prop
	Level int
}

// Query performs a read-only page walk from the root: follow intermediate
// PTEs; stop on an absent PTE (no mapping), a huge leaf (its paddr plus
// the in-page offset), or level 1. No node locks are taken; atomicity is
// per-entry read.
func (pt *PageTable) Query(va uintptr) (QueryResult, bool) {
	pt.mu.RLock()
	root := pt.root
	pt.mu.RUnlock()

	node := root
	level := pt.cfg.NrLevels
	for {
		idx := pt.inFrameIndex(va, level)
		e := arch.ReadOnce(&node.entries[idx])
		if !e.Present() {
			return QueryResult{}, false
		}
		if e.Huge() || level == 1 {
			pageSize := pt.pageSize(level)
			base := e.PAddr(pt.cfg)
			offset := va % uintptr(pageSize)
			return QueryResult{
				PAddr: mem.PAddr(uintptr(base) + offset),
				Prop:  e.Info(),
				Level: level,
			}, true
		}
		childPA := e.PAddr(pt.cfg)
		child, ok := nodeRegistry.peek(childPA)
		if !ok || child.stray.Load() {
			// A stray node was detached by a concurrent unmap after this
			// walk read its parent PTE; back off and report no mapping.
			return QueryResult{}, false
		}
		node = child
		level--
	}
}
