// Package vmo implements resizable, pager-backed or anonymous virtual
// memory objects with copy-on-write children: a single capability-typed
// container of logical pages with a builder-style constructor, independent
// of any address space.
package vmo

import (
	"sync"
	"unsafe"

	"golang.org/x/sync/singleflight"

	"vmkernel/arch"
	"vmkernel/defs"
	"vmkernel/klog"
	"vmkernel/mem"
	"vmkernel/util"
)

var log = klog.For("vmo")

// Pager is the demand-loading interface a file-backed VMO consults on a
// cold page. It is the one true dynamic
// dispatch point in the core.
type Pager interface {
	ReadPage(idx uint64) (mem.Frame, error)
	WritePage(idx uint64, f mem.Frame) error
	NPages() uint64
}

// Rights is the capability set a VMO handle carries.
type Rights uint8

const (
	Read Rights = 1 << iota
	Write
	Exec
	Dup
)

// Has reports whether r contains every bit set in want.
func (r Rights) Has(want Rights) bool { return r&want == want }

// Flags are the VMO-level allocation options.
type Flags uint8

const (
	Resizable Flags = 1 << iota
	Contiguous
	DMA
)

// Has reports whether f contains every bit set in want.
func (f Flags) Has(want Flags) bool { return f&want == want }

// pageRange is a half-open range of page indices a COW child inherits from
// its parent.
type pageRange struct {
	start uint64 // first parent page index this child's page 0 maps to
	count uint64 // number of pages the child's range spans
}

// Vmo is a capability-typed container of logical pages addressed by byte
// offset.
type Vmo struct {
	pm *mem.Physmem_t

	mu        sync.Mutex
	size      uint64 // bytes, always a multiple of mem.PageSize
	flags     Flags
	rights    Rights
	pager     Pager
	committed map[uint64]mem.Frame // page index -> materialized frame

	cow    bool
	parent *Vmo
	prange pageRange

	sf singleflight.Group
}

// Options is the builder a VMO is allocated through.
type Options struct {
	size   uint64
	flags  Flags
	rights Rights
	pager  Pager
}

// NewOptions starts a builder for a size-byte VMO.
func NewOptions(size uint64) *Options {
	return &Options{size: size, rights: Read | Write | Dup}
}

// WithFlags sets the VMO's flags.
func (o *Options) WithFlags(f Flags) *Options {
	o.flags = f
	return o
}

// WithPager attaches a demand-loading Pager, making the VMO file-backed.
func (o *Options) WithPager(p Pager) *Options {
	o.pager = p
	return o
}

// WithRights overrides the default Read|Write|Dup capability set.
func (o *Options) WithRights(r Rights) *Options {
	o.rights = r
	return o
}

// Alloc rounds size up to a page and allocates the VMO. A size of zero is
// invalid; a size that is not a page multiple rounds up and succeeds.
func (o *Options) Alloc(pm *mem.Physmem_t) (*Vmo, error) {
	if o.size == 0 {
		return nil, defs.EINVAL
	}
	size := util.Roundup(o.size, uint64(mem.PageSize))
	v := &Vmo{
		pm:        pm,
		size:      size,
		flags:     o.flags,
		rights:    o.rights,
		pager:     o.pager,
		committed: make(map[uint64]mem.Frame),
	}
	if o.flags.Has(Contiguous) {
		n := int(size / uint64(mem.PageSize))
		seg, ok := mem.AllocSegment(pm, n, true)
		if !ok {
			return nil, defs.ENOMEM
		}
		for i := 0; i < n; i++ {
			v.committed[uint64(i)] = seg.Frame(i)
		}
		seg.Drop() // the committed map now holds its own references
	}
	log.WithField("size", size).WithField("flags", o.flags).Debug("vmo allocated")
	return v, nil
}

// Flags a COW child inherits from its parent, and flags a child may set
// for itself. RESIZABLE is never inherited: whether a child can be resized
// independently is the child's own decision, while CONTIGUOUS and DMA
// describe the backing memory both generations share.
const (
	ParentFlagsMask = Contiguous | DMA
	ChildFlagsMask  = Resizable
)

// ChildOptions is the builder for a COW child.
type ChildOptions struct {
	parent     *Vmo
	start, end uint64
	flags      Flags
}

// NewCowChild starts a builder for a COW child of parent covering byte
// range [start, end). The range may go beyond the parent's current size;
// pages beyond the parent read as zero until the child commits them.
func NewCowChild(parent *Vmo, start, end uint64) *ChildOptions {
	return &ChildOptions{
		parent: parent,
		start:  start,
		end:    end,
		flags:  parent.flags & ParentFlagsMask,
	}
}

// WithFlags sets the child's own flags. Only bits in ChildFlagsMask take
// effect; the ParentFlagsMask bits always come from the parent regardless
// of what f carries.
func (o *ChildOptions) WithFlags(f Flags) *ChildOptions {
	o.flags = (o.parent.flags & ParentFlagsMask) | (f & ChildFlagsMask)
	return o
}

// Alloc constructs the COW child. The range must be page-aligned and must
// start within the parent (a child that shares nothing with its parent is
// not a COW child).
func (o *ChildOptions) Alloc() (*Vmo, error) {
	if o.end < o.start || !util.Aligned(o.start, uint64(mem.PageSize)) || !util.Aligned(o.end, uint64(mem.PageSize)) {
		return nil, defs.EINVAL
	}
	if o.start > o.parent.Size() {
		return nil, defs.EINVAL
	}
	size := o.end - o.start
	child := &Vmo{
		pm:        o.parent.pm,
		size:      size,
		flags:     o.flags,
		rights:    o.parent.rights | Write, // a child always gains WRITE so COW writes are legal
		committed: make(map[uint64]mem.Frame),
		cow:       true,
		parent:    o.parent,
		prange:    pageRange{start: o.start / uint64(mem.PageSize), count: size / uint64(mem.PageSize)},
	}
	log.WithField("range", [2]uint64{o.start, o.end}).Debug("cow vmo child allocated")
	return child, nil
}

// Size returns the VMO's current size in bytes.
func (v *Vmo) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// Rights returns the VMO's capability set.
func (v *Vmo) Rights() Rights { return v.rights }

// Flags returns the VMO's flags.
func (v *Vmo) Flags() Flags { return v.flags }

// inParentRange reports whether parent page index pidx is within the
// child's inherited range AND within the parent's current size.
func (v *Vmo) inParentRange(idx uint64) (uint64, bool) {
	if idx >= v.prange.count {
		return 0, false
	}
	pidx := v.prange.start + idx
	if pidx*uint64(mem.PageSize) >= v.parent.Size() {
		return 0, false
	}
	return pidx, true
}

// pageBytesForRead resolves page idx for a read without committing a new
// frame, returning nil if the page should read as all-zero.
func (v *Vmo) pageBytesForRead(idx uint64) []byte {
	v.mu.Lock()
	if f, ok := v.committed[idx]; ok {
		v.mu.Unlock()
		return f.Bytes()
	}
	v.mu.Unlock()

	if v.cow {
		if pidx, ok := v.inParentRange(idx); ok {
			return v.parent.pageBytesForRead(pidx)
		}
		return nil
	}
	if v.pager != nil {
		f, err := v.loadFromPager(idx)
		if err != nil {
			return nil
		}
		return f.Bytes()
	}
	return nil
}

// pageFrameForWrite resolves page idx for a write, committing (and, for a
// COW child, lazily duplicating) a frame if one is not already committed.
func (v *Vmo) pageFrameForWrite(idx uint64) (mem.Frame, error) {
	v.mu.Lock()
	if f, ok := v.committed[idx]; ok {
		v.mu.Unlock()
		return f, nil
	}
	v.mu.Unlock()

	var src []byte
	switch {
	case v.cow:
		if pidx, ok := v.inParentRange(idx); ok {
			src = v.parent.pageBytesForRead(pidx)
		}
	case v.pager != nil:
		if f, err := v.loadFromPager(idx); err == nil {
			src = f.Bytes()
		}
	}

	uf, ok := mem.AllocFrame(v.pm, src == nil)
	if !ok {
		return mem.Frame{}, defs.ENOMEM
	}
	if src != nil {
		copy(uf.Bytes(), src)
	}
	fr := uf.Share()

	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.committed[idx]; ok {
		// Lost a race with a concurrent writer to the same cold page;
		// keep the winner, drop ours.
		fr.Drop()
		return existing, nil
	}
	v.committed[idx] = fr
	return fr, nil
}

// loadFromPager reads page idx through the VMO's Pager, coalescing
// concurrent misses on the same page into one Pager.ReadPage call via
// singleflight.Group.
func (v *Vmo) loadFromPager(idx uint64) (mem.Frame, error) {
	key := frameKey(idx)
	res, err, _ := v.sf.Do(key, func() (any, error) {
		v.mu.Lock()
		if f, ok := v.committed[idx]; ok {
			v.mu.Unlock()
			return f, nil
		}
		v.mu.Unlock()

		f, err := v.pager.ReadPage(idx)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.committed[idx] = f
		v.mu.Unlock()
		return f, nil
	})
	if err != nil {
		return mem.Frame{}, err
	}
	return res.(mem.Frame), nil
}

func frameKey(idx uint64) string {
	buf := [20]byte{}
	n := len(buf)
	if idx == 0 {
		n--
		buf[n] = '0'
	}
	for idx > 0 {
		n--
		buf[n] = byte('0' + idx%10)
		idx /= 10
	}
	return string(buf[n:])
}

// HasPager reports whether the VMO is file-backed (demand-loaded through a
// Pager) rather than purely anonymous, used by vmar's page-fault handler to
// classify a freshly committed page as FILEPAGES vs ANONPAGES RSS.
func (v *Vmo) HasPager() bool { return v.pager != nil }

// PageFrame resolves the materialized frame backing page idx for a caller
// that needs to install it directly into a page table. If forWrite is
// true, a frame is always committed (duplicating a COW parent's page if needed)
// and resident is always true. If forWrite is false and no frame is
// currently materialized for idx, resident is false and the caller should
// treat the page as all-zero rather than commit one itself.
func (v *Vmo) PageFrame(idx uint64, forWrite bool) (frame mem.Frame, resident bool, err error) {
	if forWrite {
		f, err := v.pageFrameForWrite(idx)
		if err != nil {
			return mem.Frame{}, false, err
		}
		return f, true, nil
	}

	v.mu.Lock()
	if f, ok := v.committed[idx]; ok {
		v.mu.Unlock()
		return f, true, nil
	}
	v.mu.Unlock()

	if v.cow {
		if pidx, ok := v.inParentRange(idx); ok {
			return v.parent.PageFrame(pidx, false)
		}
		return mem.Frame{}, false, nil
	}
	if v.pager != nil {
		f, err := v.loadFromPager(idx)
		if err != nil {
			return mem.Frame{}, false, err
		}
		return f, true, nil
	}
	return mem.Frame{}, false, nil
}

// Resize grows or shrinks the VMO in place, legal only if RESIZABLE.
// Shrinking drops committed frames at or beyond the new size; growing
// never commits (subsequent access demand-faults zero-filled pages).
func (v *Vmo) Resize(newSize uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.flags.Has(Resizable) {
		return defs.EINVAL
	}
	newSize = util.Roundup(newSize, uint64(mem.PageSize))
	if newSize < v.size {
		newPages := newSize / uint64(mem.PageSize)
		for idx, f := range v.committed {
			if idx >= newPages {
				f.Drop()
				delete(v.committed, idx)
			}
		}
	}
	v.size = newSize
	return nil
}

// ReadBytes copies len(buf) bytes starting at offset into buf. A COW
// child's uncommitted page inside its parent's range reads the parent's
// bytes; a page with no committed frame, pager page or parent page reads
// as zero.
func (v *Vmo) ReadBytes(offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > v.Size() {
		return defs.EINVAL
	}
	off := offset
	rest := buf
	for len(rest) > 0 {
		idx := off / uint64(mem.PageSize)
		pageOff := off % uint64(mem.PageSize)
		n := util.Min(uint64(len(rest)), uint64(mem.PageSize)-pageOff)
		if src := v.pageBytesForRead(idx); src != nil {
			copy(rest[:n], src[pageOff:pageOff+n])
		} else {
			for i := uint64(0); i < n; i++ {
				rest[i] = 0
			}
		}
		rest = rest[n:]
		off += n
	}
	return nil
}

// WriteBytes copies len(buf) bytes from buf into the VMO starting at
// offset, committing (and COW-duplicating) frames as needed.
func (v *Vmo) WriteBytes(offset uint64, buf []byte) error {
	if offset+uint64(len(buf)) > v.Size() {
		return defs.EINVAL
	}
	off := offset
	rest := buf
	for len(rest) > 0 {
		idx := off / uint64(mem.PageSize)
		pageOff := off % uint64(mem.PageSize)
		n := util.Min(uint64(len(rest)), uint64(mem.PageSize)-pageOff)
		f, err := v.pageFrameForWrite(idx)
		if err != nil {
			return err
		}
		copy(f.Bytes()[pageOff:pageOff+n], rest[:n])
		rest = rest[n:]
		off += n
	}
	return nil
}

// ReadVal loads a PodOnce value at offset. The bytes are copied out through
// ReadBytes and then reinterpreted, so the load is not a single atomic
// access.
func ReadVal[T arch.PodOnce](v *Vmo, offset uint64) (T, error) {
	var val T
	buf := make([]byte, unsafe.Sizeof(val))
	if err := v.ReadBytes(offset, buf); err != nil {
		return val, err
	}
	return *(*T)(unsafe.Pointer(&buf[0])), nil
}

// WriteVal stores a PodOnce value at offset. The value's bytes are copied
// in through WriteBytes, so the store is not a single atomic access.
func WriteVal[T arch.PodOnce](v *Vmo, offset uint64, val T) error {
	sz := unsafe.Sizeof(val)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&val)), sz)
	return v.WriteBytes(offset, buf)
}

// Reader returns a sequential read cursor starting at byte offset off.
func (v *Vmo) Reader(off uint64) *Reader { return &Reader{v: v, pos: off} }

// Writer returns a sequential write cursor starting at byte offset off.
func (v *Vmo) Writer(off uint64) *Writer { return &Writer{v: v, pos: off} }

// Reader is a sequential read cursor over the VMO's pages.
type Reader struct {
	v   *Vmo
	pos uint64
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	remaining := r.v.Size() - r.pos
	if remaining == 0 {
		return 0, errEOF{}
	}
	n := util.Min(uint64(len(p)), remaining)
	if err := r.v.ReadBytes(r.pos, p[:n]); err != nil {
		return 0, err
	}
	r.pos += n
	return int(n), nil
}

// Writer is a VmWriter-shaped sequential cursor.
type Writer struct {
	v   *Vmo
	pos uint64
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	remaining := w.v.Size() - w.pos
	if remaining == 0 {
		return 0, errEOF{}
	}
	n := util.Min(uint64(len(p)), remaining)
	if err := w.v.WriteBytes(w.pos, p[:n]); err != nil {
		return 0, err
	}
	w.pos += n
	return int(n), nil
}

type errEOF struct{}

func (errEOF) Error() string { return "vmo: past end of object" }
