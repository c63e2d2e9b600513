package dma

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/arch"
	"vmkernel/config"
	"vmkernel/mem"
)

func newTestEnv(t *testing.T) (*mem.Physmem_t, *arch.SoftArch) {
	t.Helper()
	pm, err := mem.New(64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })
	prev := mem.Physmem
	mem.Physmem = pm
	t.Cleanup(func() { mem.Physmem = prev })
	return pm, arch.NewSoft(false, 0)
}

func TestIoMemAcquireRejectsOverlap(t *testing.T) {
	_, a := newTestEnv(t)
	al := NewAllocator(a, false)

	w1, err := al.Acquire(PRange{Start: 0x1000, End: 0x3000}, arch.Uncacheable)
	require.NoError(t, err)
	require.NotNil(t, w1)

	_, err = al.Acquire(PRange{Start: 0x2000, End: 0x4000}, arch.Uncacheable)
	require.Error(t, err)
}

func TestIoMemDropReenablesAcquire(t *testing.T) {
	_, a := newTestEnv(t)
	al := NewAllocator(a, false)

	rng := PRange{Start: 0x5000, End: 0x6000}
	w1, err := al.Acquire(rng, arch.WriteBack)
	require.NoError(t, err)
	w1.Drop()

	w2, err := al.Acquire(rng, arch.WriteBack)
	require.NoError(t, err)
	require.Equal(t, rng, w2.Range())
}

func TestIoMemReadWriteRoundTrip(t *testing.T) {
	_, a := newTestEnv(t)
	al := NewAllocator(a, false)

	w, err := al.Acquire(PRange{Start: 0x7000, End: 0x8000}, arch.Uncacheable)
	require.NoError(t, err)

	require.NoError(t, IoWriteVal[uint32](w, 8, 0xdeadbeef))
	got, err := IoReadVal[uint32](w, 8)
	require.NoError(t, err)
	require.EqualValues(t, 0xdeadbeef, got)

	// Misaligned typed access is rejected before touching the window.
	_, err = IoReadVal[uint32](w, 6)
	require.Error(t, err)

	payload := []byte("ring descriptor")
	require.NoError(t, w.WriteBytes(64, payload))
	buf := make([]byte, len(payload))
	require.NoError(t, w.ReadBytes(64, buf))
	require.Equal(t, payload, buf)

	require.Error(t, w.ReadBytes(mem.PageSize-2, make([]byte, 8)))
}

func TestToDeviceStreamCoherentWriteVisibleAfterSync(t *testing.T) {
	pm, a := newTestEnv(t)
	s, err := NewToDeviceStream(pm, a, 2, Attrs{CacheCoherent: true})
	require.NoError(t, err)

	payload := []byte("hello device")
	_, err = s.Writer(0).Write(payload)
	require.NoError(t, err)
	require.NoError(t, s.SyncToDevice(0, len(payload)))

	buf := make([]byte, len(payload))
	n, _ := s.c.region.deviceSegment().Reader(0).Read(buf)
	require.Equal(t, payload, buf[:n])
}

func TestBidirectionalStreamNonCoherentRoundTrip(t *testing.T) {
	pm, a := newTestEnv(t)
	s, err := NewBidirectionalStream(pm, a, 1, Attrs{})
	require.NoError(t, err)

	payload := []byte("round trip")
	_, err = s.Writer(0).Write(payload)
	require.NoError(t, err)
	require.NoError(t, s.SyncToDevice(0, len(payload)))

	require.NoError(t, s.SyncFromDevice(0, len(payload)))
	buf := make([]byte, len(payload))
	n, _ := s.Reader(0).Read(buf)
	require.Equal(t, payload, buf[:n])
}

func TestStreamDeviceAddrIsPhysicalWithoutIommu(t *testing.T) {
	pm, a := newTestEnv(t)
	s, err := NewToDeviceStream(pm, a, 2, Attrs{CacheCoherent: true})
	require.NoError(t, err)
	require.EqualValues(t, s.c.region.deviceSegment().PAddrAt(0), s.DeviceAddr())
}

func TestIommuStreamGetsTranslatedDeviceAddr(t *testing.T) {
	pm, a := newTestEnv(t)
	iommu, err := NewIommu(config.Default(), a, pm)
	require.NoError(t, err)

	s, err := NewToDeviceStream(pm, a, 4, Attrs{CacheCoherent: true, Iommu: iommu})
	require.NoError(t, err)

	seg := s.c.region.deviceSegment()
	require.NotEqualValues(t, seg.PAddrAt(0), s.DeviceAddr())

	// The IOMMU presents the possibly-scattered frames as one linear
	// device range.
	for k := 0; k < seg.Len(); k++ {
		pa, ok := iommu.Translate(s.DeviceAddr() + DAddr(k*mem.PageSize))
		require.True(t, ok)
		require.Equal(t, seg.PAddrAt(k), pa)
	}

	left, right := s.Split(2)
	require.Equal(t, s.DeviceAddr(), left.DeviceAddr())
	require.Equal(t, s.DeviceAddr()+DAddr(2*mem.PageSize), right.DeviceAddr())
}

func TestStreamSplitPanicsAtBoundaries(t *testing.T) {
	pm, a := newTestEnv(t)
	s, err := NewToDeviceStream(pm, a, 4, Attrs{CacheCoherent: true})
	require.NoError(t, err)

	require.Panics(t, func() { s.Split(0) })
	require.Panics(t, func() { s.Split(4) })
}

func TestStreamSplitPreservesBytes(t *testing.T) {
	pm, a := newTestEnv(t)
	s, err := NewToDeviceStream(pm, a, 4, Attrs{CacheCoherent: true})
	require.NoError(t, err)

	_, err = s.Writer(0).Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	left, right := s.Split(2)
	require.NotNil(t, left)
	require.NotNil(t, right)

	buf := make([]byte, 4)
	n, _ := left.c.region.cpuSegment().Reader(0).Read(buf)
	require.Equal(t, []byte{1, 2, 3, 4}, buf[:n])
}

func TestFromDeviceStreamCannotWrite(t *testing.T) {
	pm, a := newTestEnv(t)
	s, err := NewFromDeviceStream(pm, a, 1, Attrs{CacheCoherent: true})
	require.NoError(t, err)

	// FromDeviceStream exposes no Writer method at all; the compiler, not
	// a runtime check, is what keeps the CPU from writing into a
	// device-to-CPU stream. This test exercises the symmetric half that
	// does exist.
	buf := make([]byte, mem.PageSize)
	n, err := s.Reader(0).Read(buf)
	require.NoError(t, err)
	require.Equal(t, mem.PageSize, n)
}
