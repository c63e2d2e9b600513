package mem

import "fmt"

// Segment is an ordered run of frames treated as one logical buffer; the
// frames are not necessarily physically adjacent. Segments own the reference count on every frame
// they span and release it when Drop is called.
type Segment struct {
	owner  *Physmem_t
	frames []PAddr
}

// AllocSegment allocates n frames as one Segment, one frame at a time from
// the frame allocator's pools; the frames are not guaranteed to be
// physically contiguous. This module does not
// distinguish a separately-typed "unique" segment from a shared one the way
// it does for single frames: a Segment's frames each carry their own
// per-frame refcount, so uniqueness is simply "refcount == 1 on every
// frame", checked by IsUnique.
func AllocSegment(p *Physmem_t, n int, zeroed bool) (Segment, bool) {
	if n <= 0 {
		panic("mem: segment length must be positive")
	}
	frames := make([]PAddr, 0, n)
	for i := 0; i < n; i++ {
		uf, ok := AllocFrame(p, zeroed)
		if !ok {
			for _, f := range frames {
				FromRaw(p, f).Drop()
			}
			return Segment{}, false
		}
		frames = append(frames, uf.PAddr())
	}
	return Segment{owner: p, frames: frames}, true
}

// Len returns the segment's length in pages.
func (s Segment) Len() int { return len(s.frames) }

// Bytes returns the byte length of the segment.
func (s Segment) Bytes() int { return len(s.frames) * PageSize }

// Frame returns the i'th frame in the segment as a shared Frame handle
// (the caller shares ownership with the segment; dropping the returned
// handle does not shrink the segment).
func (s Segment) Frame(i int) Frame {
	return FromRaw(s.owner, s.frames[i]).Clone()
}

// PAddrAt returns the physical address of the i'th frame without taking a
// new reference, for callers that only need the address (device-address
// computation, confidential-VM hypercalls).
func (s Segment) PAddrAt(i int) PAddr { return s.frames[i] }

// IsUnique reports whether every frame in the segment currently has
// refcount 1, i.e. no handle besides this segment observes it.
func (s Segment) IsUnique() bool {
	for _, f := range s.frames {
		if s.owner.Refcnt(f) != 1 {
			return false
		}
	}
	return true
}

// Split divides the segment at a page boundary into two independently
// owned segments. offsetPages is in pages. Split panics if the offset is
// 0 or equal to the segment's length: one "half" of such a split would
// alias the whole, which no caller legitimately wants.
func (s Segment) Split(offsetPages int) (Segment, Segment) {
	if offsetPages <= 0 || offsetPages >= len(s.frames) {
		panic(fmt.Sprintf("mem: segment split at %d out of (0, %d)", offsetPages, len(s.frames)))
	}
	left := Segment{owner: s.owner, frames: append([]PAddr(nil), s.frames[:offsetPages]...)}
	right := Segment{owner: s.owner, frames: append([]PAddr(nil), s.frames[offsetPages:]...)}
	return left, right
}

// Reader returns a cursor for sequential reads starting at byte offset off.
func (s Segment) Reader(off int) *SegmentReader {
	return &SegmentReader{seg: s, pos: off}
}

// Writer returns a cursor for sequential writes starting at byte offset off.
func (s Segment) Writer(off int) *SegmentWriter {
	return &SegmentWriter{seg: s, pos: off}
}

// Drop releases the segment's hold on every frame it spans.
func (s Segment) Drop() {
	for _, f := range s.frames {
		FromRaw(s.owner, f).Drop()
	}
}

func (s Segment) pageBytes(pageIdx int) []byte {
	return s.owner.arena.bytesAt(s.frames[pageIdx], PageSize)
}

// SegmentReader is a read cursor over a Segment's bytes.
type SegmentReader struct {
	seg Segment
	pos int
}

// Read implements io.Reader.
func (r *SegmentReader) Read(p []byte) (int, error) {
	total := r.seg.Bytes()
	if r.pos >= total {
		return 0, fmt.Errorf("mem: read past end of segment")
	}
	n := 0
	for n < len(p) && r.pos < total {
		page := r.pos / PageSize
		off := r.pos % PageSize
		chunk := r.seg.pageBytes(page)[off:]
		c := copy(p[n:], chunk)
		n += c
		r.pos += c
	}
	return n, nil
}

// SegmentWriter is a write cursor over a Segment's bytes.
type SegmentWriter struct {
	seg Segment
	pos int
}

// Write implements io.Writer.
func (w *SegmentWriter) Write(p []byte) (int, error) {
	total := w.seg.Bytes()
	if w.pos >= total {
		return 0, fmt.Errorf("mem: write past end of segment")
	}
	n := 0
	for n < len(p) && w.pos < total {
		page := w.pos / PageSize
		off := w.pos % PageSize
		chunk := w.seg.pageBytes(page)[off:]
		c := copy(chunk, p[n:])
		n += c
		w.pos += c
	}
	return n, nil
}
