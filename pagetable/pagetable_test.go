package pagetable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/arch"
	"vmkernel/config"
	"vmkernel/mem"
)

func newTestEnv(t *testing.T) (config.Boot, *mem.Physmem_t, arch.Arch) {
	t.Helper()
	cfg := config.Default()
	pm, err := mem.New(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })
	prev := mem.Physmem
	mem.Physmem = pm
	t.Cleanup(func() { mem.Physmem = prev })
	return cfg, pm, arch.NewSoft(false, 0)
}

func allocData(t *testing.T, pm *mem.Physmem_t) mem.PAddr {
	t.Helper()
	f, ok := mem.AllocFrame(pm, true)
	require.True(t, ok)
	return f.PAddr()
}

func TestMapThenQueryRoundTrips(t *testing.T) {
	cfg, pm, a := newTestEnv(t)
	pt, err := New(cfg, UserMode, a, pm)
	require.NoError(t, err)

	pa := allocData(t, pm)
	va := uintptr(0x400000)
	c := pt.NewCursorMut(va)
	defer c.Close()

	prop := Prop{Writable: true, Readable: true}
	require.NoError(t, c.Map(uintptr(cfg.PageSize()), pa, prop))

	res, ok := pt.Query(va)
	require.True(t, ok)
	require.Equal(t, pa, res.PAddr)
	require.True(t, res.Prop.Writable)
}

func TestQueryAbsentReturnsFalse(t *testing.T) {
	cfg, pm, a := newTestEnv(t)
	pt, err := New(cfg, UserMode, a, pm)
	require.NoError(t, err)

	_, ok := pt.Query(0x1000)
	require.False(t, ok)
}

func TestUnmapAbsentIsInvalidModification(t *testing.T) {
	cfg, pm, a := newTestEnv(t)
	pt, err := New(cfg, UserMode, a, pm)
	require.NoError(t, err)

	c := pt.NewCursorMut(0x8000)
	defer c.Close()
	err = c.Unmap(uintptr(cfg.PageSize()))
	require.Error(t, err)
}

func TestProtectAbsentIsProtectingInvalid(t *testing.T) {
	cfg, pm, a := newTestEnv(t)
	pt, err := New(cfg, UserMode, a, pm)
	require.NoError(t, err)

	c := pt.NewCursorMut(0x9000)
	defer c.Close()
	err = c.Protect(uintptr(cfg.PageSize()), func(p Prop) Prop { return p })
	require.Error(t, err)
}

func TestMapUnmapThenQueryFails(t *testing.T) {
	cfg, pm, a := newTestEnv(t)
	pt, err := New(cfg, UserMode, a, pm)
	require.NoError(t, err)

	pa := allocData(t, pm)
	va := uintptr(0x500000)

	c := pt.NewCursorMut(va)
	require.NoError(t, c.Map(uintptr(cfg.PageSize()), pa, Prop{Writable: true, Readable: true}))
	c.Close()

	c2 := pt.NewCursorMut(va)
	require.NoError(t, c2.Unmap(uintptr(cfg.PageSize())))
	c2.Close()

	_, ok := pt.Query(va)
	require.False(t, ok)
}

func TestProtectClearsWritable(t *testing.T) {
	cfg, pm, a := newTestEnv(t)
	pt, err := New(cfg, UserMode, a, pm)
	require.NoError(t, err)

	pa := allocData(t, pm)
	va := uintptr(0x600000)

	c := pt.NewCursorMut(va)
	require.NoError(t, c.Map(uintptr(cfg.PageSize()), pa, Prop{Writable: true, Readable: true}))
	c.Close()

	c2 := pt.NewCursorMut(va)
	require.NoError(t, c2.Protect(uintptr(cfg.PageSize()), func(p Prop) Prop {
		p.Writable = false
		return p
	}))
	c2.Close()

	res, ok := pt.Query(va)
	require.True(t, ok)
	require.False(t, res.Prop.Writable)
}

func TestMakeSharedTablesAndKernelForkShareChildFrames(t *testing.T) {
	cfg, pm, a := newTestEnv(t)
	kpt, err := New(cfg, KernelMode, a, pm)
	require.NoError(t, err)

	require.NoError(t, kpt.MakeSharedTables([]int{1, 2, 3}))

	upt, err := kpt.Fork(UserMode)
	require.NoError(t, err)
	require.NotEqual(t, kpt.RootPAddr(), upt.RootPAddr())

	kChild := kpt.root.entries[1]
	uChild := upt.root.entries[1]
	require.True(t, kChild.Present())
	require.True(t, uChild.Present())
	require.Equal(t, kChild.PAddr(cfg), uChild.PAddr(cfg))
	require.Equal(t, 2, pm.Refcnt(kChild.PAddr(cfg)))
}

// TestPartialProtectSplitsHugeLeaf maps one huge page at level 2, then
// protects only its first base page: the huge leaf must split so the
// permission change applies per-PTE instead of widening to the whole huge
// page.
func TestPartialProtectSplitsHugeLeaf(t *testing.T) {
	cfg, pm, a := newTestEnv(t)
	pt, err := New(cfg, UserMode, a, pm)
	require.NoError(t, err)

	hugeSize := pt.pageSize(2)
	va := hugeSize
	pa := mem.PAddr(0x40000000) // device-range paddr, aligned for a level-2 leaf

	c := pt.NewCursorMut(va)
	require.NoError(t, c.Map(hugeSize, pa, Prop{Writable: true, Readable: true}))
	c.Close()

	res, ok := pt.Query(va + 0x1000)
	require.True(t, ok)
	require.Equal(t, pa+0x1000, res.PAddr)
	require.Equal(t, 2, res.Level)

	c2 := pt.NewCursorMut(va)
	require.NoError(t, c2.Protect(uintptr(cfg.PageSize()), func(p Prop) Prop {
		p.Writable = false
		return p
	}))
	c2.Close()

	first, ok := pt.Query(va)
	require.True(t, ok)
	require.Equal(t, 1, first.Level)
	require.False(t, first.Prop.Writable)

	second, ok := pt.Query(va + uintptr(cfg.PageSize()))
	require.True(t, ok)
	require.Equal(t, pa+mem.PAddr(cfg.PageSize()), second.PAddr)
	require.True(t, second.Prop.Writable)
}

// TestStrayNodeReclaimWaitsForAtomicGuards pins the RCU-substitute
// lifecycle: a node detached by an unmap survives, stray, for as long as an
// atomic-mode guard from before the detachment is still active, and is only
// returned to the frame allocator once that guard ends.
func TestStrayNodeReclaimWaitsForAtomicGuards(t *testing.T) {
	cfg, pm, a := newTestEnv(t)
	pt, err := New(cfg, UserMode, a, pm)
	require.NoError(t, err)

	pa := allocData(t, pm)
	va := uintptr(0x700000)

	c := pt.NewCursorMut(va)
	require.NoError(t, c.Map(uintptr(cfg.PageSize()), pa, Prop{Readable: true}))
	c.Close()

	rootIdx := pt.inFrameIndex(va, cfg.NrLevels)
	childPA := pt.root.entries[rootIdx].PAddr(cfg)
	require.Equal(t, 1, pm.Refcnt(childPA))
	require.Equal(t, mem.KindPageTableNode, pm.Kind(childPA))

	g := BeginAtomic()

	c2 := pt.NewCursorMut(va)
	require.NoError(t, c2.Unmap(uintptr(cfg.PageSize())))
	c2.Close()

	// The subtree under the root was detached, but g's epoch holds it.
	require.Equal(t, 1, pm.Refcnt(childPA))
	require.Equal(t, mem.KindPageTableNode, pm.Kind(childPA))

	g.End()
	require.Equal(t, 0, pm.Refcnt(childPA))
	require.Equal(t, mem.KindFree, pm.Kind(childPA))
}

func TestMultiPageMapSpansSecondLevel(t *testing.T) {
	cfg, pm, a := newTestEnv(t)
	pt, err := New(cfg, UserMode, a, pm)
	require.NoError(t, err)

	n := cfg.EntriesPerFrame + 4 // crosses one level-1 table boundary
	pas := make([]mem.PAddr, n)
	for i := range pas {
		pas[i] = allocData(t, pm)
	}

	va := uintptr(0x10000000)
	c := pt.NewCursorMut(va)
	for i := 0; i < n; i++ {
		require.NoError(t, c.Map(uintptr(cfg.PageSize()), pas[i], Prop{Writable: true, Readable: true}))
	}
	c.Close()

	for i := 0; i < n; i++ {
		res, ok := pt.Query(va + uintptr(i*cfg.PageSize()))
		require.True(t, ok, "index %d", i)
		require.Equal(t, pas[i], res.PAddr)
	}
}
