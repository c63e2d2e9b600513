package pagetable

import (
	"sync"

	"vmkernel/mem"
)

// nodeRegistryT is a process-wide address->Node map, the side channel the
// on_drop hook needs since mem.OnDropFunc only carries a PAddr.
type nodeRegistryT struct {
	mu sync.Mutex
	m  map[mem.PAddr]*Node
}

func (r *nodeRegistryT) put(pa mem.PAddr, n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[mem.PAddr]*Node)
	}
	r.m[pa] = n
}

func (r *nodeRegistryT) take(pa mem.PAddr) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.m[pa]
	if ok {
		delete(r.m, pa)
	}
	return n, ok
}

// peek looks up a node by its backing frame's address without removing it,
// used to resolve an intermediate PTE's child pointer back to its *Node.
func (r *nodeRegistryT) peek(pa mem.PAddr) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.m[pa]
	return n, ok
}
