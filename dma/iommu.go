package dma

import (
	"sync"

	"vmkernel/arch"
	"vmkernel/config"
	"vmkernel/mem"
	"vmkernel/pagetable"
)

// DAddr is a device-visible address: what a device must issue on the bus to
// reach memory, after any IOMMU translation. On
// platforms without an IOMMU it equals the physical address.
type DAddr uintptr

// Iommu is the I/O memory management unit: a DeviceMode page table
// translating device-visible addresses to physical frames, plus a bump
// allocator over the device address space. The DMA-prepare path installs
// mappings here when the platform does not let devices address physical
// memory directly. The same page-table engine serves CPU and IOMMU
// tables; only the mode tag differs.
type Iommu struct {
	cfg config.Boot
	pm  *mem.Physmem_t
	pt  *pagetable.PageTable

	mu   sync.Mutex
	next uintptr
}

// NewIommu constructs an IOMMU over a fresh DeviceMode page table.
func NewIommu(cfg config.Boot, a arch.Arch, pm *mem.Physmem_t) (*Iommu, error) {
	pt, err := pagetable.New(cfg, pagetable.DeviceMode, a, pm)
	if err != nil {
		return nil, err
	}
	return &Iommu{cfg: cfg, pm: pm, pt: pt, next: uintptr(cfg.PageSize())}, nil
}

// MapSegment installs seg's frames at consecutive device addresses and
// returns the base. The frames need not be physically contiguous; the
// IOMMU translation is what makes the device see one linear range. Each
// mapped frame gains a reference held until Unmap.
func (i *Iommu) MapSegment(seg mem.Segment) (DAddr, error) {
	ps := uintptr(i.cfg.PageSize())
	i.mu.Lock()
	base := i.next
	i.next += uintptr(seg.Len()) * ps
	i.mu.Unlock()

	prop := pagetable.Prop{Readable: true, Writable: true}
	c := i.pt.NewCursorMut(base)
	for k := 0; k < seg.Len(); k++ {
		if err := c.Map(ps, seg.Frame(k).PAddr(), prop); err != nil {
			c.Close()
			return 0, err
		}
	}
	c.Close()
	return DAddr(base), nil
}

// Unmap releases the translation for pages device pages starting at base,
// dropping the references MapSegment took.
func (i *Iommu) Unmap(base DAddr, pages int) error {
	ps := uintptr(i.cfg.PageSize())
	for k := 0; k < pages; k++ {
		da := uintptr(base) + uintptr(k)*ps
		res, ok := i.pt.Query(da)
		if !ok {
			continue
		}
		c := i.pt.NewCursorMut(da)
		if err := c.Unmap(ps); err != nil {
			c.Close()
			return err
		}
		c.Close()
		if i.pm.Owns(res.PAddr) {
			i.pm.Refdown(res.PAddr)
		}
	}
	return nil
}

// Translate resolves one device-visible address, for tests and for drivers
// double-checking a programmed daddr.
func (i *Iommu) Translate(d DAddr) (mem.PAddr, bool) {
	res, ok := i.pt.Query(uintptr(d))
	if !ok {
		return 0, false
	}
	return res.PAddr, true
}
