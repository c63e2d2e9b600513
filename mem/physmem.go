package mem

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"vmkernel/klog"
)

var log = klog.For("mem")

const none = ^uint32(0)

// NumShards bounds the pooled free lists that stand in for per-CPU pools.
// Standard Go exposes no portable "which CPU am I running on" hint, so
// shard selection is a round-robin counter rather than true core affinity;
// what matters is that hot allocation avoids a single global lock.
const NumShards = 32

// shardCap bounds how many frames a shard holds before it must push
// surplus back to the global free list.
const shardCap = 128

// Physmem is the global physical-memory allocator, a process-wide
// singleton: it must be initialized (New) before any other component
// allocates a frame, and it is never torn down during normal operation.
var Physmem *Physmem_t

// Physmem_t manages every physical frame this kernel instance owns.
type Physmem_t struct {
	arena *arena
	meta  []metadata

	mu       sync.Mutex
	freeHead uint32
	freeLen  int32

	shards [NumShards]shard

	zero    PAddr
	hasZero bool

	lowMemoryCh chan LowMemoryNotice
}

type shard struct {
	mu   sync.Mutex
	head uint32
	len  int32
}

var shardCounter atomic.Uint64

func nextShard() int {
	return int(shardCounter.Add(1) % NumShards)
}

// New reserves pages physical pages of simulated RAM and returns the
// allocator over them. A frame owned by the free list is never
// simultaneously owned by a VMO or page table; every frame starts in
// exactly one free list.
func New(pages int) (*Physmem_t, error) {
	a, err := newArena(pages)
	if err != nil {
		return nil, err
	}
	p := &Physmem_t{
		arena:       a,
		meta:        make([]metadata, pages),
		lowMemoryCh: make(chan LowMemoryNotice),
	}
	p.freeHead = 0
	p.freeLen = int32(pages)
	for i := range p.meta {
		p.meta[i].kind = KindFree
		if i == pages-1 {
			p.meta[i].link = none
		} else {
			p.meta[i].link = uint32(i + 1)
		}
	}
	for i := range p.shards {
		p.shards[i].head = none
	}
	_, zp, ok := p._allocRaw(true)
	if !ok {
		return nil, errOOM{}
	}
	p.zero = zp
	p.hasZero = true
	p.refup(zp)
	log.WithField("pages", pages).Info("physical memory reserved")
	return p, nil
}

type errOOM struct{}

func (errOOM) Error() string { return "mem: out of physical frames" }

// ZeroPage is the address of a single always-zero, refcounted frame used
// to back demand-zero anonymous pages without allocating.
func (p *Physmem_t) ZeroPage() PAddr { return p.zero }

func (p *Physmem_t) idx(pa PAddr) uint32 {
	return uint32(p.arena.pageIdxOf(pa))
}

func (p *Physmem_t) paddr(i uint32) PAddr {
	return p.arena.paddrOf(int(i))
}

// _allocRaw pulls one frame off the shard pool, falling back to the global
// list under a bounded exponential backoff rather than a bare spin, so
// balancing under contention cannot live-lock.
func (p *Physmem_t) _allocRaw(zero bool) ([]byte, PAddr, bool) {
	si := nextShard()
	sh := &p.shards[si]

	sh.mu.Lock()
	if sh.head != none {
		i := sh.head
		sh.head = p.meta[i].link
		sh.len--
		sh.mu.Unlock()
		return p.finishAlloc(i, zero)
	}
	sh.mu.Unlock()

	b := backoff.Backoff{Min: 50 * time.Microsecond, Max: 2 * time.Millisecond, Factor: 2}
	for attempt := 0; attempt < 4; attempt++ {
		p.mu.Lock()
		if p.freeHead != none {
			i := p.freeHead
			p.freeHead = p.meta[i].link
			p.freeLen--
			p.mu.Unlock()
			return p.finishAlloc(i, zero)
		}
		p.mu.Unlock()
		if attempt < 3 {
			time.Sleep(b.Duration())
		}
	}
	p.notifyLowMemory(1)
	return nil, 0, false
}

func (p *Physmem_t) finishAlloc(i uint32, zero bool) ([]byte, PAddr, bool) {
	p.meta[i].reset(KindUntyped)
	pa := p.paddr(i)
	buf := p.arena.bytesAt(pa, PageSize)
	if zero {
		for j := range buf {
			buf[j] = 0
		}
	}
	return buf, pa, true
}

func (p *Physmem_t) free(pa PAddr) {
	i := p.idx(pa)
	si := nextShard()
	sh := &p.shards[si]
	sh.mu.Lock()
	if sh.len < shardCap {
		p.meta[i].link = sh.head
		sh.head = i
		sh.len++
		sh.mu.Unlock()
		return
	}
	sh.mu.Unlock()

	p.mu.Lock()
	p.meta[i].link = p.freeHead
	p.freeHead = i
	p.freeLen++
	p.mu.Unlock()
}

// Owns reports whether pa falls inside this allocator's managed arena,
// i.e. whether it is a RAM frame with a metadata slot as opposed to a
// device/MMIO physical address. Refcount operations are only legal on
// owned addresses.
func (p *Physmem_t) Owns(pa PAddr) bool {
	return uintptr(pa) >= p.arena.base &&
		uintptr(pa) < p.arena.base+uintptr(p.arena.pages*PageSize)
}

// Kind returns the discriminated metadata type currently stamped on the
// frame at pa.
func (p *Physmem_t) Kind(pa PAddr) FrameKind {
	return p.meta[p.idx(pa)].kind
}

// SetKind retags the frame at pa as kind, used by packages that build their
// own metadata type atop a plain allocated frame — for instance pagetable tagging a
// freshly allocated node frame as KindPageTableNode so its on_drop hook
// runs when the node's last reference goes away.
func (p *Physmem_t) SetKind(pa PAddr, kind FrameKind) {
	p.meta[p.idx(pa)].kind = kind
}

// Refcnt returns the current reference count of the frame at pa.
func (p *Physmem_t) Refcnt(pa PAddr) int {
	return int(p.meta[p.idx(pa)].refcnt.Load())
}

// Refup is the exported form of refup, for callers outside this package
// that hold a bare PAddr shared by reference rather than a Frame/UniqueFrame
// handle — notably pagetable, which shares child-node and leaf-mapping
// frames across page tables by address during fork.
func (p *Physmem_t) Refup(pa PAddr) { p.refup(pa) }

// Refdown is the exported form of refdown; see Refup.
func (p *Physmem_t) Refdown(pa PAddr) bool { return p.refdown(pa) }

// refup increments the reference count of the frame at pa, promoting a
// uniquely-owned frame to shared.
func (p *Physmem_t) refup(pa PAddr) {
	i := p.idx(pa)
	c := p.meta[i].refcnt.Add(1)
	if c <= 0 {
		panic("mem: refup on a frame with non-positive refcount")
	}
}

// refdown decrements the reference count of the frame at pa, running its
// kind's on_drop hook and returning it to the free pool when the count
// reaches zero. It returns true iff the frame was freed.
func (p *Physmem_t) refdown(pa PAddr) bool {
	i := p.idx(pa)
	c := p.meta[i].refcnt.Add(-1)
	if c < 0 {
		panic("mem: refcount underflow")
	}
	if c != 0 {
		return false
	}
	kind := p.meta[i].kind
	if hook := onDropHooks[kind]; hook != nil {
		hook(pa, p.arena.bytesAt(pa, PageSize))
	}
	p.meta[i].kind = KindFree
	p.free(pa)
	return true
}

// BytesAt returns a direct view of the page at pa, for callers that
// already hold a live reference to that frame through some other handle
// (e.g. a page table's existing PTE during a copy-on-write fault) and need
// to read or copy its bytes without acquiring a brand new ownership
// handle.
func (p *Physmem_t) BytesAt(pa PAddr) []byte {
	return p.arena.bytesAt(pa, PageSize)
}

// PAddrToVAddr is the linear direct-map inverse consumed by arch.SoftArch.
func (p *Physmem_t) PAddrToVAddr(pa PAddr) uintptr {
	return uintptr(pa)
}

// Close releases the simulated arena. Physmem is a kernel-lifetime
// singleton in production; Close exists for tests that construct scoped
// instances via New.
func (p *Physmem_t) Close() error {
	return p.arena.release()
}
