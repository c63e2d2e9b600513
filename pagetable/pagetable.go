package pagetable

import (
	"sync"

	"vmkernel/arch"
	"vmkernel/config"
	"vmkernel/defs"
	"vmkernel/klog"
	"vmkernel/mem"
)

var log = klog.For("pagetable")

// Mode is the phantom tag on a PageTable determining which virtual-address
// range it is permitted to touch.
type Mode int

const (
	UserMode Mode = iota
	KernelMode
	DeviceMode
)

// PageTable is a root page-table node of level cfg.NrLevels plus its mode
// tag.
type PageTable struct {
	cfg  config.Boot
	mode Mode
	a    arch.Arch
	pm   *mem.Physmem_t

	mu   sync.RWMutex // orders MakeSharedTables' root writes against Fork's copy; node-level locks guard entries
	root *Node
}

// New allocates a fresh, empty page table of the given mode.
func New(cfg config.Boot, mode Mode, a arch.Arch, pm *mem.Physmem_t) (*PageTable, error) {
	root, err := newNode(pm, cfg, cfg.NrLevels)
	if err != nil {
		return nil, err
	}
	return &PageTable{cfg: cfg, mode: mode, a: a, pm: pm, root: root}, nil
}

func (pt *PageTable) pageSize(level int) uintptr {
	// Each level up multiplies the span by EntriesPerFrame; level 1 is a
	// base page.
	sz := uintptr(pt.cfg.PageSize())
	for l := 1; l < level; l++ {
		sz *= uintptr(pt.cfg.EntriesPerFrame)
	}
	return sz
}

func (pt *PageTable) inFrameIndex(va uintptr, level int) int {
	shift := pt.cfg.PageShift
	for l := 1; l < level; l++ {
		shift += entriesShift(pt.cfg.EntriesPerFrame)
	}
	idx := int((va >> shift) % uintptr(pt.cfg.EntriesPerFrame))
	return idx
}

func entriesShift(n int) uint {
	shift := uint(0)
	for (1 << shift) < n {
		shift++
	}
	return shift
}

// RootPAddr returns the physical address of the table's root node, the
// value an Arch loads into its translation-root register.
func (pt *PageTable) RootPAddr() mem.PAddr {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.root.PAddr()
}

// MakeSharedTables pre-allocates child nodes for the given top-level
// index range on a KernelMode table with permission RWX/global/
// uncacheable, then writes pointer PTEs for them. It is the step that
// lets every subsequently forked user table share the same kernel
// sub-trees.
func (pt *PageTable) MakeSharedTables(indices []int) error {
	if pt.mode != KernelMode {
		return defs.EInvalidModification
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, idx := range indices {
		if idx < 0 || idx >= pt.cfg.EntriesPerFrame {
			return defs.EInvalidVaddr
		}
		if pt.root.entries[idx].Present() {
			continue
		}
		child, err := newNode(pt.pm, pt.cfg, pt.root.level-1)
		if err != nil {
			return err
		}
		prop := Prop{Writable: true, Readable: true, Executable: true, Global: true, Cache: arch.Uncacheable}
		arch.WriteOnce(&pt.root.entries[idx], NewPTE(pt.cfg, child.PAddr(), prop, false))
		pt.root.nrChildren++
	}
	return nil
}

// Fork constructs a new table sharing this table's structure: forking
// from a KernelMode table copies the root's entries byte-for-byte and
// shares references to the per-index child frames, so every derived user
// table observes the same kernel mappings. Copy-on-write forking of a
// UserMode table is driven by the address-space layer against its mapping
// list, not here.
func (pt *PageTable) Fork(childMode Mode) (*PageTable, error) {
	if pt.mode != KernelMode {
		return nil, defs.EInvalidModification
	}
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	child, err := newNode(pt.pm, pt.cfg, pt.cfg.NrLevels)
	if err != nil {
		return nil, err
	}
	for i, e := range pt.root.entries {
		if !e.Present() {
			continue
		}
		child.entries[i] = e
		pt.pm.Refup(e.PAddr(pt.cfg)) // share the child frame reference
	}
	child.nrChildren = pt.root.nrChildren
	return &PageTable{cfg: pt.cfg, mode: childMode, a: pt.a, pm: pt.pm, root: child}, nil
}
