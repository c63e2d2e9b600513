package vmo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/mem"
)

func newPhysmem(t *testing.T, pages int) *mem.Physmem_t {
	t.Helper()
	pm, err := mem.New(pages)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })
	return pm
}

func TestAllocZeroed(t *testing.T) {
	pm := newPhysmem(t, 8)
	v, err := NewOptions(uint64(mem.PageSize)).Alloc(pm)
	require.NoError(t, err)

	got, err := ReadVal[uint64](v, 0)
	require.NoError(t, err)
	require.Zero(t, got)
}

func TestAllocContiguousPrecommits(t *testing.T) {
	pm := newPhysmem(t, 64)
	ps := uint64(mem.PageSize)

	v, err := NewOptions(10 * ps).WithFlags(Contiguous).Alloc(pm)
	require.NoError(t, err)
	require.EqualValues(t, 10*ps, v.Size())
	require.Len(t, v.committed, 10)
}

func TestWriteBytesReinterpretedAsVal(t *testing.T) {
	pm := newPhysmem(t, 8)
	v, err := NewOptions(uint64(mem.PageSize)).Alloc(pm)
	require.NoError(t, err)

	require.NoError(t, WriteVal[uint8](v, 111, 42))
	got8, err := ReadVal[uint8](v, 111)
	require.NoError(t, err)
	require.EqualValues(t, 42, got8)

	// A typed read reinterprets the raw bytes in memory order.
	require.NoError(t, v.WriteBytes(222, []byte{0x12, 0x34, 0x56, 0x78}))
	got32, err := ReadVal[uint32](v, 222)
	require.NoError(t, err)
	require.EqualValues(t, 0x78563412, got32)
}

func TestCowWriteVisibility(t *testing.T) {
	pm := newPhysmem(t, 64)
	ps := uint64(mem.PageSize)

	parent, err := NewOptions(2 * ps).Alloc(pm)
	require.NoError(t, err)
	require.NoError(t, WriteVal[uint8](parent, 1, 42))

	// The child's range may extend past its parent; the excess reads as
	// zero until committed.
	child, err := NewCowChild(parent, 0, 10*ps).Alloc()
	require.NoError(t, err)

	got8, err := ReadVal[uint8](child, 1)
	require.NoError(t, err)
	require.EqualValues(t, 42, got8)

	require.NoError(t, WriteVal[uint32](child, 99, 0x1234))

	v, err := ReadVal[uint32](child, 99)
	require.NoError(t, err)
	require.EqualValues(t, 0x1234, v)

	v, err = ReadVal[uint32](parent, 99)
	require.NoError(t, err)
	require.EqualValues(t, 0, v)

	got8, err = ReadVal[uint8](parent, 1)
	require.NoError(t, err)
	require.EqualValues(t, 42, got8)

	got8, err = ReadVal[uint8](child, 1)
	require.NoError(t, err)
	require.EqualValues(t, 42, got8)

	require.NoError(t, WriteVal[uint8](parent, 10, 123))

	got8, err = ReadVal[uint8](parent, 10)
	require.NoError(t, err)
	require.EqualValues(t, 123, got8)

	// child already committed page 0 on its first write (offset 99), so
	// it does not observe the parent's later write at offset 10.
	got8, err = ReadVal[uint8](child, 10)
	require.NoError(t, err)
	require.EqualValues(t, 0, got8)

	// A parent write on a page the child never copied is still shared.
	require.NoError(t, WriteVal[uint32](parent, ps+10, 12345))
	got32, err := ReadVal[uint32](child, ps+10)
	require.NoError(t, err)
	require.EqualValues(t, 12345, got32)

	// Pages past the parent's end read as zero.
	got32, err = ReadVal[uint32](child, 5*ps)
	require.NoError(t, err)
	require.Zero(t, got32)
}

func TestCowChildFlagInheritanceMasks(t *testing.T) {
	pm := newPhysmem(t, 64)
	ps := uint64(mem.PageSize)

	parent, err := NewOptions(2 * ps).WithFlags(Contiguous).Alloc(pm)
	require.NoError(t, err)

	// CONTIGUOUS/DMA come from the parent; RESIZABLE is the child's own
	// choice; a child cannot grant itself DMA the parent lacks.
	child, err := NewCowChild(parent, 0, 2*ps).WithFlags(Resizable | DMA).Alloc()
	require.NoError(t, err)
	require.Equal(t, Contiguous|Resizable, child.Flags())

	plainParent, err := NewOptions(ps).Alloc(pm)
	require.NoError(t, err)
	plainChild, err := NewCowChild(plainParent, 0, ps).WithFlags(Contiguous).Alloc()
	require.NoError(t, err)
	require.Equal(t, Flags(0), plainChild.Flags())
}

func TestCowChildMustOverlapParent(t *testing.T) {
	pm := newPhysmem(t, 8)
	ps := uint64(mem.PageSize)

	parent, err := NewOptions(ps).Alloc(pm)
	require.NoError(t, err)

	_, err = NewCowChild(parent, 2*ps, 3*ps).Alloc()
	require.Error(t, err)
}

func TestResizableGrowthReadsZero(t *testing.T) {
	pm := newPhysmem(t, 64)
	ps := uint64(mem.PageSize)

	v, err := NewOptions(ps).WithFlags(Resizable).Alloc(pm)
	require.NoError(t, err)
	require.NoError(t, WriteVal[uint8](v, 10, 42))

	require.NoError(t, v.Resize(2*ps))
	got, err := ReadVal[uint8](v, 10)
	require.NoError(t, err)
	require.EqualValues(t, 42, got)

	require.NoError(t, WriteVal[uint8](v, ps+20, 123))

	require.NoError(t, v.Resize(ps))
	got, err = ReadVal[uint8](v, 10)
	require.NoError(t, err)
	require.EqualValues(t, 42, got)

	// offset ps+20 is now out of range.
	err = v.ReadBytes(ps+20, make([]byte, 1))
	require.Error(t, err)
}

func TestAllocSizeZeroInvalid(t *testing.T) {
	pm := newPhysmem(t, 8)
	_, err := NewOptions(0).Alloc(pm)
	require.Error(t, err)
}

func TestAllocRoundsUpToPage(t *testing.T) {
	pm := newPhysmem(t, 8)
	v, err := NewOptions(1).Alloc(pm)
	require.NoError(t, err)
	require.EqualValues(t, mem.PageSize, v.Size())
}
