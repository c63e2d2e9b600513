package pagetable

import (
	"sync/atomic"

	"vmkernel/config"
	"vmkernel/mem"
)

func init() {
	mem.RegisterOnDrop(mem.KindPageTableNode, onNodeDrop)
}

// nodeRegistry maps a node frame's physical address back to its *Node so
// the on_drop hook (invoked by the mem package with only a PAddr and raw
// bytes) can recursively release the node's live children. Entries are added when a node is constructed and
// removed once its on_drop hook has run.
var nodeRegistry nodeRegistryT

func onNodeDrop(pa mem.PAddr, _ []byte) {
	n, ok := nodeRegistry.take(pa)
	if !ok {
		return
	}
	for i := range n.entries {
		e := n.entries[i]
		if !e.Present() {
			continue
		}
		if e.Huge() || n.level == 1 {
			continue // leaf mapping: owned by the VMO/segment, not the node
		}
		childPA := e.PAddr(n.cfg)
		n.owner.Refdown(childPA)
	}
}

// Node is a page-table node: a frame holding one table's worth of PTEs
// plus a small mutable record (child count, stray flag, level, lock).
// Entries are kept in
// a parallel Go slice rather than literally overlaid on the node frame's
// byte storage — this module does not model a CPU reading raw physical
// memory for anything other than VMO/segment payload bytes, so the frame
// exists purely to make node allocation consume real, refcounted physical
// memory the way the spec's frame accounting expects.
type Node struct {
	owner   *mem.Physmem_t
	cfg     config.Boot
	frame   mem.UniqueFrame
	entries []PTE

	level      int
	nrChildren int
	stray      atomic.Bool
	lock       mcsLock
}

func newNode(owner *mem.Physmem_t, cfg config.Boot, level int) (*Node, error) {
	f, ok := mem.AllocFrame(owner, true)
	if !ok {
		return nil, errOutOfFrames{}
	}
	owner.SetKind(f.PAddr(), mem.KindPageTableNode)
	n := &Node{
		owner:   owner,
		cfg:     cfg,
		frame:   f,
		entries: make([]PTE, cfg.EntriesPerFrame),
		level:   level,
	}
	nodeRegistry.put(f.PAddr(), n)
	return n, nil
}

type errOutOfFrames struct{}

func (errOutOfFrames) Error() string { return "pagetable: out of frames allocating node" }

// PAddr returns the node's own backing frame address, the value a parent
// PTE points at.
func (n *Node) PAddr() mem.PAddr { return n.frame.PAddr() }
