package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type listMarker struct{}

func TestLinkedListFastContains(t *testing.T) {
	p := newTestPhysmem(t)
	f1, _ := AllocFrame(p, false)
	f2, _ := AllocFrame(p, false)
	f3, _ := AllocFrame(p, false)

	a := NewLinkedList[listMarker](p)
	a.PushBack(f1)
	a.PushBack(f2)

	popped, ok := a.PopFront()
	require.True(t, ok)
	require.Equal(t, f1.PAddr(), popped.PAddr())

	require.True(t, a.Contains(f2.PAddr()))
	require.False(t, a.Contains(f1.PAddr()))
	require.False(t, a.Contains(f3.PAddr()))

	b := NewLinkedList[listMarker](p)
	require.Panics(t, func() { b.PushBack(f2) })
}

func TestLinkedListCursorSplice(t *testing.T) {
	p := newTestPhysmem(t)
	f1, _ := AllocFrame(p, false)
	f2, _ := AllocFrame(p, false)
	f3, _ := AllocFrame(p, false)

	l := NewLinkedList[listMarker](p)
	l.PushBack(f1)
	l.PushBack(f3)

	c, ok := l.CursorAt(f3.PAddr())
	require.True(t, ok)
	c.InsertBefore(f2)

	require.Equal(t, 3, l.Len())
	first, _ := l.PopFront()
	second, _ := l.PopFront()
	third, _ := l.PopFront()
	require.Equal(t, f1.PAddr(), first.PAddr())
	require.Equal(t, f2.PAddr(), second.PAddr())
	require.Equal(t, f3.PAddr(), third.PAddr())
}
