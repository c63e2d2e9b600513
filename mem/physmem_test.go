package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPhysmem(t *testing.T) *Physmem_t {
	t.Helper()
	p, err := New(256)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAllocFrameZeroed(t *testing.T) {
	p := newTestPhysmem(t)
	f, ok := AllocFrame(p, true)
	require.True(t, ok)
	for _, b := range f.Bytes() {
		require.Zero(t, b)
	}
	require.Equal(t, 1, p.Refcnt(f.PAddr()))
}

func TestShareAndRefcount(t *testing.T) {
	p := newTestPhysmem(t)
	f, ok := AllocFrame(p, true)
	require.True(t, ok)
	shared := f.Share()
	require.Equal(t, 1, p.Refcnt(shared.PAddr()))

	other := shared.Clone()
	require.Equal(t, 2, p.Refcnt(shared.PAddr()))

	require.False(t, shared.Drop())
	require.Equal(t, 1, p.Refcnt(shared.PAddr()))
	require.True(t, other.Drop())
	require.Equal(t, 0, p.Refcnt(shared.PAddr()))
}

func TestSegmentSplitRoundTrip(t *testing.T) {
	p := newTestPhysmem(t)
	seg, ok := AllocSegment(p, 4, true)
	require.True(t, ok)
	defer seg.Drop()

	w := seg.Writer(0)
	_, err := w.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	left, right := seg.Split(2)
	require.Equal(t, 2, left.Len())
	require.Equal(t, 2, right.Len())

	r := left.Reader(0)
	buf := make([]byte, 4)
	n, _ := r.Read(buf)
	require.Equal(t, []byte{1, 2, 3, 4}, buf[:n])
}

func TestSegmentSplitPanicsAtBoundaries(t *testing.T) {
	p := newTestPhysmem(t)
	seg, ok := AllocSegment(p, 3, true)
	require.True(t, ok)
	defer seg.Drop()

	require.Panics(t, func() { seg.Split(0) })
	require.Panics(t, func() { seg.Split(3) })
}
