// Package mem is the frame and metadata layer: typed
// ownership of physical page frames, a per-frame metadata slot, and
// intrusive doubly-linked lists that never touch the heap. Every other
// component in this module allocates frames from here.
package mem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageShift is the base-2 exponent of the page size.
const PageShift uint = 12

// PageSize is the size of a single frame in bytes.
const PageSize int = 1 << PageShift

// PageOffsetMask masks the in-page offset of an address.
const PageOffsetMask PAddr = PAddr(PageSize - 1)

// PageMask masks the frame number of an address.
const PageMask PAddr = ^PageOffsetMask

// PAddr is a physical address.
type PAddr uintptr

// Frame returns the frame index p falls within.
func (p PAddr) Frame() uint64 { return uint64(p >> PageShift) }

// PageAlignedDown rounds p down to a page boundary.
func (p PAddr) PageAlignedDown() PAddr { return p & PageMask }

// Offset returns the in-page offset of p.
func (p PAddr) Offset() PAddr { return p & PageOffsetMask }

func (p PAddr) String() string { return fmt.Sprintf("0x%x", uintptr(p)) }

// arena is the simulated span of physical RAM this kernel manages. Real
// hardware gives the kernel physical memory for free; off real silicon we
// back it with one anonymous mmap region so frame addresses are real
// page-aligned pointers and PAddrToVAddr is a genuine linear-map inverse
// rather than an index into a Go slice.
type arena struct {
	base  uintptr
	bytes []byte
	pages int
}

func newArena(pages int) (*arena, error) {
	size := pages * PageSize
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mem: reserve %d pages: %w", pages, err)
	}
	return &arena{
		base:  uintptr(unsafe.Pointer(unsafe.SliceData(b))),
		bytes: b,
		pages: pages,
	}, nil
}

func (a *arena) paddrOf(pageIdx int) PAddr {
	return PAddr(a.base) + PAddr(pageIdx*PageSize)
}

func (a *arena) pageIdxOf(p PAddr) int {
	return int((uintptr(p) - a.base) / uintptr(PageSize))
}

func (a *arena) bytesAt(p PAddr, n int) []byte {
	idx := a.pageIdxOf(p.PageAlignedDown())
	off := int(p.Offset())
	return a.bytes[idx*PageSize+off : idx*PageSize+off+n]
}

func (a *arena) release() error {
	if a.bytes == nil {
		return nil
	}
	err := unix.Munmap(a.bytes)
	a.bytes = nil
	return err
}
