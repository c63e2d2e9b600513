package dma

import (
	"fmt"

	"vmkernel/arch"
	"vmkernel/mem"
)

// Attrs selects how a DMA stream is prepared: cache coherency plus the
// platform-wide toggles.
type Attrs struct {
	// CacheCoherent reports that the device observes CPU caches, so no
	// staging or explicit cache synchronization is needed.
	CacheCoherent bool

	// ConfidentialVM forces staging through frames pre-declared shared
	// with the hypervisor; every device-visible frame is unprotected via
	// hypercall at prepare time.
	ConfidentialVM bool

	// Iommu, when non-nil, translates device accesses; the stream's
	// DeviceAddr is then an IOMMU-allocated range rather than a physical
	// address.
	Iommu *Iommu

	// Uninit skips zeroing freshly allocated frames, for callers about to overwrite the whole buffer.
	Uninit bool
}

// region is the shape a DMA region actually takes. Exactly one of direct or staging is
// populated for shapes (a)/(b); user joins staging for shape (c).
type region struct {
	direct  *mem.Segment // (a) device-usable directly
	staging *mem.Segment // (b)/(c) kernel-virtual staging frames
	user    *mem.Segment // (c) user-visible segment paired with staging
}

func (r region) cpuSegment() *mem.Segment {
	if r.user != nil {
		return r.user
	}
	if r.direct != nil {
		return r.direct
	}
	return r.staging
}

// deviceSegment is the memory the device actually addresses: the staging
// frames when a bounce buffer is in play, the direct segment otherwise.
func (r region) deviceSegment() *mem.Segment {
	if r.staging != nil {
		return r.staging
	}
	return r.direct
}

// core is the shared implementation behind the three direction-typed
// wrappers below. The direction must statically restrict which operations
// are callable, and Go has no trait-bound-on-const-generic equivalent, so
// the restriction is modeled as three distinct named types, each exposing
// only the methods legal for its direction, rather than one generic type
// with runtime direction checks.
type core struct {
	a            arch.Arch
	dir          arch.Direction
	region       region
	needsStaging bool

	daddr DAddr
	iommu *Iommu
}

// prepare computes the device-visible address for the region's device
// segment: an IOMMU mapping when one is configured, the first frame's
// physical address otherwise. On
// confidential-VM targets every device-visible frame is shared with the
// hypervisor first.
func (c *core) prepare(attrs Attrs) error {
	seg := c.region.deviceSegment()
	if attrs.ConfidentialVM {
		for k := 0; k < seg.Len(); k++ {
			if err := c.a.UnprotectGPA(seg.PAddrAt(k), mem.PageSize); err != nil {
				return err
			}
		}
	}
	if attrs.Iommu != nil {
		d, err := attrs.Iommu.MapSegment(*seg)
		if err != nil {
			return err
		}
		c.daddr = d
		c.iommu = attrs.Iommu
		return nil
	}
	c.daddr = DAddr(seg.PAddrAt(0))
	return nil
}

func newCore(pm *mem.Physmem_t, a arch.Arch, dir arch.Direction, n int, attrs Attrs) (*core, error) {
	if !dir.CanWriteToDevice() && !attrs.Uninit {
		return nil, fmt.Errorf("dma: alloc requires a direction that can write to the device")
	}
	seg, ok := mem.AllocSegment(pm, n, !attrs.Uninit)
	if !ok {
		return nil, fmt.Errorf("dma: out of frames allocating %d-page stream", n)
	}
	c := &core{a: a, dir: dir}
	if attrs.CacheCoherent && !attrs.ConfidentialVM {
		c.region = region{direct: &seg}
	} else {
		c.needsStaging = true
		c.region = region{staging: &seg}
	}
	if err := c.prepare(attrs); err != nil {
		return nil, err
	}
	return c, nil
}

// mapCore wraps an existing segment the same way newCore allocates one, for
// mapping a VMO-backed segment into a stream instead of allocating fresh
// frames. If staging is needed, both the original segment and the staging
// area are retained and copied at sync time.
func mapCore(pm *mem.Physmem_t, a arch.Arch, dir arch.Direction, seg mem.Segment, attrs Attrs) (*core, error) {
	c := &core{a: a, dir: dir}
	if attrs.CacheCoherent && !attrs.ConfidentialVM {
		c.region = region{direct: &seg}
	} else {
		staging, ok := mem.AllocSegment(pm, seg.Len(), true)
		if !ok {
			return nil, fmt.Errorf("dma: out of frames staging a %d-page map", seg.Len())
		}
		c.needsStaging = true
		c.region = region{user: &seg, staging: &staging}
	}
	if err := c.prepare(attrs); err != nil {
		return nil, err
	}
	return c, nil
}

// syncToDevice pushes CPU writes out to where the device will read them.
// When the stream has a distinct user-visible segment (the bounce-buffer
// case from Map), that means copying into the staging frames the device
// actually sees; otherwise the single backing segment IS what the device
// reads, and the arch layer only needs a cache/coherency sync.
func (c *core) syncToDevice(byteRange [2]int) error {
	seg := c.region.cpuSegment()
	if byteRange[1] > seg.Bytes() || byteRange[0] < 0 || byteRange[0] > byteRange[1] {
		return fmt.Errorf("dma: sync_to_device range out of bounds")
	}
	if c.region.user == nil {
		c.a.SyncDMARange(c.dir, rangeOf(byteRange))
		return nil
	}
	return copySegmentRange(*c.region.staging, *c.region.user, byteRange)
}

// syncFromDevice is syncToDevice's mirror image for pulling device writes
// back into CPU-visible memory.
func (c *core) syncFromDevice(byteRange [2]int) error {
	seg := c.region.cpuSegment()
	if byteRange[1] > seg.Bytes() || byteRange[0] < 0 || byteRange[0] > byteRange[1] {
		return fmt.Errorf("dma: sync_from_device range out of bounds")
	}
	if c.region.user == nil {
		c.a.SyncDMARange(c.dir, rangeOf(byteRange))
		return nil
	}
	return copySegmentRange(*c.region.user, *c.region.staging, byteRange)
}

func rangeOf(byteRange [2]int) arch.VRange {
	return arch.VRange{Start: uintptr(byteRange[0]), End: uintptr(byteRange[1])}
}

// copySegmentRange is the bounce-buffer copy between a stream's paired
// segments. The caller has already bounds-checked byteRange against both,
// so a short copy is a broken invariant, not a condition to paper over.
func copySegmentRange(dst, src mem.Segment, byteRange [2]int) error {
	n := byteRange[1] - byteRange[0]
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	rn, err := src.Reader(byteRange[0]).Read(buf)
	if err != nil {
		return fmt.Errorf("dma: staging copy read: %w", err)
	}
	if rn != n {
		return fmt.Errorf("dma: staging copy read %d of %d bytes", rn, n)
	}
	wn, err := dst.Writer(byteRange[0]).Write(buf)
	if err != nil {
		return fmt.Errorf("dma: staging copy write: %w", err)
	}
	if wn != n {
		return fmt.Errorf("dma: staging copy write %d of %d bytes", wn, n)
	}
	return nil
}

// split divides the underlying segment at a page-aligned offset, splitting
// any paired staging area and the device address range identically.
func (c *core) split(offsetPages int) (*core, *core) {
	left := &core{a: c.a, dir: c.dir, needsStaging: c.needsStaging}
	right := &core{a: c.a, dir: c.dir, needsStaging: c.needsStaging}
	splitField := func(s *mem.Segment) (*mem.Segment, *mem.Segment) {
		if s == nil {
			return nil, nil
		}
		l, r := s.Split(offsetPages)
		return &l, &r
	}
	left.region.direct, right.region.direct = splitField(c.region.direct)
	left.region.staging, right.region.staging = splitField(c.region.staging)
	left.region.user, right.region.user = splitField(c.region.user)

	if c.iommu != nil {
		// The IOMMU mapped the device range consecutively, so the daddr
		// range splits arithmetically.
		left.iommu, right.iommu = c.iommu, c.iommu
		left.daddr = c.daddr
		right.daddr = c.daddr + DAddr(offsetPages*mem.PageSize)
	} else {
		left.daddr = DAddr(left.region.deviceSegment().PAddrAt(0))
		right.daddr = DAddr(right.region.deviceSegment().PAddrAt(0))
	}
	return left, right
}

// ToDeviceStream is a DmaStream usable only for CPU-writes/device-reads
//: writer() exists, reader() does not.
type ToDeviceStream struct{ c *core }

// NewToDeviceStream allocates a ToDevice-direction DMA stream.
func NewToDeviceStream(pm *mem.Physmem_t, a arch.Arch, n int, attrs Attrs) (*ToDeviceStream, error) {
	c, err := newCore(pm, a, arch.ToDevice, n, attrs)
	if err != nil {
		return nil, err
	}
	return &ToDeviceStream{c: c}, nil
}

// MapToDeviceStream wraps an existing segment (e.g. a VMO's committed
// frames) as a ToDevice stream instead of allocating fresh ones.
func MapToDeviceStream(pm *mem.Physmem_t, a arch.Arch, seg mem.Segment, attrs Attrs) (*ToDeviceStream, error) {
	c, err := mapCore(pm, a, arch.ToDevice, seg, attrs)
	if err != nil {
		return nil, err
	}
	return &ToDeviceStream{c: c}, nil
}

// Writer returns a write cursor into the stream's CPU-visible segment.
func (s *ToDeviceStream) Writer(off int) *mem.SegmentWriter { return s.c.region.cpuSegment().Writer(off) }

// DeviceAddr returns the address the device must issue to reach the start
// of the stream.
func (s *ToDeviceStream) DeviceAddr() DAddr { return s.c.daddr }

// SyncToDevice flushes writes in byteRange so the device observes them.
func (s *ToDeviceStream) SyncToDevice(start, end int) error { return s.c.syncToDevice([2]int{start, end}) }

// Split divides the stream at offsetPages.
func (s *ToDeviceStream) Split(offsetPages int) (*ToDeviceStream, *ToDeviceStream) {
	l, r := s.c.split(offsetPages)
	return &ToDeviceStream{c: l}, &ToDeviceStream{c: r}
}

// FromDeviceStream is a DmaStream usable only for device-writes/CPU-reads
//: reader() exists, writer() does not.
type FromDeviceStream struct{ c *core }

// NewFromDeviceStream allocates a FromDevice-direction DMA stream. The
// frames are allocated without the zeroing pass alloc performs for writable
// directions.
func NewFromDeviceStream(pm *mem.Physmem_t, a arch.Arch, n int, attrs Attrs) (*FromDeviceStream, error) {
	attrs.Uninit = true
	c, err := newCore(pm, a, arch.FromDevice, n, attrs)
	if err != nil {
		return nil, err
	}
	return &FromDeviceStream{c: c}, nil
}

// Reader returns a read cursor into the stream's CPU-visible segment.
func (s *FromDeviceStream) Reader(off int) *mem.SegmentReader { return s.c.region.cpuSegment().Reader(off) }

// DeviceAddr returns the address the device must issue to reach the start
// of the stream.
func (s *FromDeviceStream) DeviceAddr() DAddr { return s.c.daddr }

// SyncFromDevice pulls the device's writes into CPU-visible memory.
func (s *FromDeviceStream) SyncFromDevice(start, end int) error {
	return s.c.syncFromDevice([2]int{start, end})
}

// Split divides the stream at offsetPages.
func (s *FromDeviceStream) Split(offsetPages int) (*FromDeviceStream, *FromDeviceStream) {
	l, r := s.c.split(offsetPages)
	return &FromDeviceStream{c: l}, &FromDeviceStream{c: r}
}

// BidirectionalStream is a DmaStream usable for both directions
// (FromAndToDevice).
type BidirectionalStream struct{ c *core }

// NewBidirectionalStream allocates a FromAndToDevice-direction DMA stream.
func NewBidirectionalStream(pm *mem.Physmem_t, a arch.Arch, n int, attrs Attrs) (*BidirectionalStream, error) {
	c, err := newCore(pm, a, arch.FromAndToDevice, n, attrs)
	if err != nil {
		return nil, err
	}
	return &BidirectionalStream{c: c}, nil
}

// MapBidirectionalStream wraps an existing segment as a bidirectional
// stream.
func MapBidirectionalStream(pm *mem.Physmem_t, a arch.Arch, seg mem.Segment, attrs Attrs) (*BidirectionalStream, error) {
	c, err := mapCore(pm, a, arch.FromAndToDevice, seg, attrs)
	if err != nil {
		return nil, err
	}
	return &BidirectionalStream{c: c}, nil
}

func (s *BidirectionalStream) Reader(off int) *mem.SegmentReader { return s.c.region.cpuSegment().Reader(off) }
func (s *BidirectionalStream) Writer(off int) *mem.SegmentWriter { return s.c.region.cpuSegment().Writer(off) }

// DeviceAddr returns the address the device must issue to reach the start
// of the stream.
func (s *BidirectionalStream) DeviceAddr() DAddr { return s.c.daddr }

func (s *BidirectionalStream) SyncToDevice(start, end int) error {
	return s.c.syncToDevice([2]int{start, end})
}
func (s *BidirectionalStream) SyncFromDevice(start, end int) error {
	return s.c.syncFromDevice([2]int{start, end})
}

func (s *BidirectionalStream) Split(offsetPages int) (*BidirectionalStream, *BidirectionalStream) {
	l, r := s.c.split(offsetPages)
	return &BidirectionalStream{c: l}, &BidirectionalStream{c: r}
}
