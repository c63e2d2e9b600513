package mem

import "sync/atomic"

var listIDs atomic.Uint64

// LinkedList is an intrusive, doubly-linked list of frames that never
// touches the heap for its own bookkeeping: the links live in each member
// frame's metadata slot. The type parameter M is a phantom marker buying
// compile-time protection against splicing a frame meant for one kind of
// list into a differently-typed list.
type LinkedList[M any] struct {
	owner *Physmem_t
	id    uint64
	head  uint32
	tail  uint32
	count int
}

// NewLinkedList allocates a fresh list identity. Two lists never compare
// equal, including across restarts within one process, so a stale in_list
// tag can never be mistaken for membership in a different list created
// later (ids only grow).
func NewLinkedList[M any](owner *Physmem_t) *LinkedList[M] {
	return &LinkedList[M]{
		owner: owner,
		id:    listIDs.Add(1),
		head:  none,
		tail:  none,
	}
}

// Len returns the number of frames currently in the list.
func (l *LinkedList[M]) Len() int { return l.count }

func (l *LinkedList[M]) markListKind(i uint32) {
	m := &l.owner.meta[i]
	m.kind = KindLink
	m.inList = l.id
	m.link = none
	m.prev = none
}

// PushFront inserts f at the front of the list. f must not already belong
// to any list; pushing a frame still tagged as a member of another list
// panics, since that is state corruption rather than an error the caller
// can handle.
func (l *LinkedList[M]) PushFront(f UniqueFrame) {
	i := l.owner.idx(f.pa)
	if l.owner.meta[i].inList != 0 {
		panic("mem: frame already belongs to a list")
	}
	l.markListKind(i)
	if l.head == none {
		l.head = i
		l.tail = i
	} else {
		l.owner.meta[i].link = l.head
		l.owner.meta[l.head].prev = i
		l.head = i
	}
	l.count++
}

// PushBack inserts f at the back of the list, under the same contract as
// PushFront.
func (l *LinkedList[M]) PushBack(f UniqueFrame) {
	i := l.owner.idx(f.pa)
	if l.owner.meta[i].inList != 0 {
		panic("mem: frame already belongs to a list")
	}
	l.markListKind(i)
	if l.tail == none {
		l.head = i
		l.tail = i
	} else {
		l.owner.meta[i].prev = l.tail
		l.owner.meta[l.tail].link = i
		l.tail = i
	}
	l.count++
}

func (l *LinkedList[M]) unlink(i uint32) {
	m := &l.owner.meta[i]
	if m.prev != none {
		l.owner.meta[m.prev].link = m.link
	} else {
		l.head = m.link
	}
	if m.link != none {
		l.owner.meta[m.link].prev = m.prev
	} else {
		l.tail = m.prev
	}
	m.inList = 0
	m.link = none
	m.prev = none
	m.kind = KindUntyped
	l.count--
}

// PopFront removes and returns the frame at the front of the list, or
// ok == false if the list is empty.
func (l *LinkedList[M]) PopFront() (f UniqueFrame, ok bool) {
	if l.head == none {
		return UniqueFrame{}, false
	}
	i := l.head
	pa := l.owner.paddr(i)
	l.unlink(i)
	return UniqueFrame{owner: l.owner, pa: pa}, true
}

// PopBack removes and returns the frame at the back of the list, or
// ok == false if the list is empty.
func (l *LinkedList[M]) PopBack() (f UniqueFrame, ok bool) {
	if l.tail == none {
		return UniqueFrame{}, false
	}
	i := l.tail
	pa := l.owner.paddr(i)
	l.unlink(i)
	return UniqueFrame{owner: l.owner, pa: pa}, true
}

// Contains reports whether the frame at pa is currently a member of this
// list, an O(1) check comparing the frame's in_list tag to the list's id.
func (l *LinkedList[M]) Contains(pa PAddr) bool {
	i := l.owner.idx(pa)
	return l.owner.meta[i].inList == l.id
}

// Cursor is a mutable position within a LinkedList, permitting O(1) removal
// and splicing at that position.
type Cursor[M any] struct {
	list *LinkedList[M]
	at   uint32 // none means "off the end"
}

// CursorAt returns a cursor positioned at pa iff pa is currently a member
// of the list.
func (l *LinkedList[M]) CursorAt(pa PAddr) (Cursor[M], bool) {
	if !l.Contains(pa) {
		return Cursor[M]{}, false
	}
	return Cursor[M]{list: l, at: l.owner.idx(pa)}, true
}

// CursorFront returns a cursor at the head of the list; At() reports false
// if the list is empty.
func (l *LinkedList[M]) CursorFront() Cursor[M] {
	return Cursor[M]{list: l, at: l.head}
}

// At reports whether the cursor currently sits on a valid element.
func (c Cursor[M]) At() bool { return c.at != none }

// PAddr returns the address of the frame the cursor sits on. Calling it
// when At() is false panics.
func (c Cursor[M]) PAddr() PAddr {
	if !c.At() {
		panic("mem: cursor is not positioned on an element")
	}
	return c.list.owner.paddr(c.at)
}

// TakeCurrent removes the element the cursor sits on from the list and
// returns it, leaving the cursor off the list.
func (c *Cursor[M]) TakeCurrent() (UniqueFrame, bool) {
	if !c.At() {
		return UniqueFrame{}, false
	}
	pa := c.list.owner.paddr(c.at)
	c.list.unlink(c.at)
	c.at = none
	return UniqueFrame{owner: c.list.owner, pa: pa}, true
}

// InsertBefore splices f into the list immediately before the cursor's
// current element.
func (c *Cursor[M]) InsertBefore(f UniqueFrame) {
	l := c.list
	i := l.owner.idx(f.pa)
	if l.owner.meta[i].inList != 0 {
		panic("mem: frame already belongs to a list")
	}
	l.markListKind(i)
	if !c.At() {
		// Splicing before "off the end" means appending at the tail.
		l.owner.meta[i].prev = l.tail
		if l.tail != none {
			l.owner.meta[l.tail].link = i
		} else {
			l.head = i
		}
		l.tail = i
		l.count++
		return
	}
	before := l.owner.meta[c.at].prev
	l.owner.meta[i].prev = before
	l.owner.meta[i].link = c.at
	l.owner.meta[c.at].prev = i
	if before != none {
		l.owner.meta[before].link = i
	} else {
		l.head = i
	}
	l.count++
}
