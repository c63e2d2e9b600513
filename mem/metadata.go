package mem

import "sync/atomic"

// FrameKind discriminates what a frame's metadata slot currently holds.
// A frame only ever has one kind at a time; changing kind happens at alloc/free, never while
// the frame is live with a different kind.
type FrameKind uint8

const (
	// KindFree marks a frame sitting in an allocator free list.
	KindFree FrameKind = iota
	// KindUntyped is a plain, uninterpreted RAM frame.
	KindUntyped
	// KindLink is a frame currently linked into an intrusive LinkedList.
	KindLink
	// KindPageTableNode is a frame holding NR_ENTRIES_PER_FRAME PTEs.
	KindPageTableNode
)

// OnDropFunc is invoked with a read-only view of a frame's bytes just
// before it returns to the free pool. Registered per-kind so a
// page-table-node frame can recursively release its child PTEs without the
// allocator knowing anything about page tables.
type OnDropFunc func(p PAddr, bytes []byte)

var onDropHooks [4]OnDropFunc

// RegisterOnDrop installs fn as the on_drop hook for kind. Called once per
// kind during package initialization by packages that introduce a kind
// (pagetable registers KindPageTableNode's hook).
func RegisterOnDrop(kind FrameKind, fn OnDropFunc) {
	onDropHooks[kind] = fn
}

// metadata is the fixed-size per-frame record.
type metadata struct {
	refcnt atomic.Int32
	kind   FrameKind
	inList uint64 // 0 when not a member of any LinkedList
	// link/prev double as the free-list next pointer (kind == KindFree)
	// and the intrusive LinkedList next/prev pointers (kind == KindLink);
	// a frame is never both at once, so one slot serves both roles.
	link uint32
	prev uint32
}

func (m *metadata) reset(kind FrameKind) {
	m.refcnt.Store(0)
	m.kind = kind
	m.inList = 0
	m.link = 0
	m.prev = 0
}
