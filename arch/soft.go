package arch

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"vmkernel/klog"
	"vmkernel/mem"
)

var log = klog.For("arch")

// SoftArch is the Arch this module builds and tests against: there is no
// real MMU or IOMMU behind it, only bookkeeping that lets the rest of the
// core observe the effects an Arch is contracted to have (a loaded root, a
// bumped TLB generation, a paced flush queue). A hardware port replaces this
// wholesale; nothing above the arch package depends on SoftArch directly.
type SoftArch struct {
	confidentialVM bool

	mu       sync.Mutex
	roots    map[int]mem.PAddr // per (simulated) CPU id -> loaded root
	curCPU   int
	flushGen atomic.Uint64

	// pending holds flushes queued by FlushTLB but not yet Dispatch()ed,
	// modeling a per-CPU flusher queue.
	pending []FlushOp

	// limiter paces Dispatch so a heavy unmap/protect burst cannot turn
	// into an IPI storm.
	limiter *rate.Limiter

	dispatches atomic.Uint64
	syncs      atomic.Uint64
}

// NewSoft constructs a SoftArch. burstIPIs bounds how many flush IPIs may be
// dispatched in one burst before the limiter starts pacing them; 0 disables
// pacing entirely (every Dispatch proceeds immediately).
func NewSoft(confidentialVM bool, burstIPIs int) *SoftArch {
	a := &SoftArch{
		confidentialVM: confidentialVM,
		roots:          make(map[int]mem.PAddr),
	}
	if burstIPIs > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(burstIPIs*1000), burstIPIs)
	}
	return a
}

func (a *SoftArch) ActivatePageTable(root mem.PAddr, policy CachePolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roots[a.curCPU] = root
}

func (a *SoftArch) CurrentPageTableRoot() mem.PAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roots[a.curCPU]
}

func (a *SoftArch) FlushTLB(op FlushOp) {
	a.mu.Lock()
	a.pending = append(a.pending, op)
	a.mu.Unlock()
}

func (a *SoftArch) Dispatch() {
	if a.limiter != nil {
		// Best-effort pacing: a burst beyond the configured IPI rate
		// blocks briefly rather than dropping a shootdown.
		_ = a.limiter.Wait(context.Background())
	}
	a.dispatches.Add(1)
	a.flushGen.Add(1)
}

func (a *SoftArch) Sync() {
	a.mu.Lock()
	a.pending = a.pending[:0]
	a.mu.Unlock()
	a.syncs.Add(1)
}

func (a *SoftArch) SyncDMARange(dir Direction, vrange VRange) {
	// Coherent-by-construction in the simulator: nothing to do beyond
	// the copy the dma package itself performs for staging areas.
}

func (a *SoftArch) PAddrToVAddr(p mem.PAddr) uintptr {
	return mem.Physmem.PAddrToVAddr(p)
}

func (a *SoftArch) UnprotectGPA(p mem.PAddr, size int) error {
	if !a.confidentialVM {
		return nil
	}
	log.WithField("paddr", p).WithField("size", size).Debug("unprotect gpa hypercall")
	return nil
}

// Generation returns the current TLB-flush generation, bumped once per
// Dispatch, so comparing two readings shows whether a shootdown was
// dispatched in between.
func (a *SoftArch) Generation() uint64 {
	return a.flushGen.Load()
}
