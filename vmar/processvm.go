package vmar

// ProcessVm is the per-process owner of a Vmar plus the VM policy that does
// not belong to the address space itself: the program break and the initial
// stack layout. The clone
// pipeline's CLONE_VM decision shares or forks at this granularity, never
// at the bare Vmar.
type ProcessVm struct {
	root *Vmar

	brk           uintptr
	initStackTop  uintptr
	initStackSize uintptr
}

// NewProcessVm wraps v as a process's VM with the program break starting at
// brk0.
func NewProcessVm(v *Vmar, brk0 uintptr) *ProcessVm {
	return &ProcessVm{root: v, brk: brk0}
}

// Vmar returns the address space this process VM owns.
func (p *ProcessVm) Vmar() *Vmar { return p.root }

// Brk returns the current program break.
func (p *ProcessVm) Brk() uintptr { return p.brk }

// SetBrk moves the program break. Growth is checked against RLIMIT_AS but
// commits nothing; the grown range demand-faults like any other anonymous
// memory. Moving the break below its initial value is the caller's mistake
// to police (Linux brk(2) silently refuses; syscall dispatch is out of
// scope here).
func (p *ProcessVm) SetBrk(newBrk uintptr) error {
	if newBrk > p.brk {
		if err := p.root.CheckExtraSizeFitsRlimit(uint64(newBrk - p.brk)); err != nil {
			return err
		}
	}
	p.brk = newBrk
	return nil
}

// SetInitStack records the initial stack layout chosen by the (out of
// scope) program loader.
func (p *ProcessVm) SetInitStack(top, size uintptr) {
	p.initStackTop = top
	p.initStackSize = size
}

// InitStack returns the recorded initial stack layout.
func (p *ProcessVm) InitStack() (top, size uintptr) {
	return p.initStackTop, p.initStackSize
}

// ForkProcessVm builds the child's ProcessVm for a non-CLONE_VM clone:
// the address space forks copy-on-write and the VM policy is snapshotted.
func ForkProcessVm(parent *ProcessVm) (*ProcessVm, error) {
	childVmar, err := ForkFrom(parent.root)
	if err != nil {
		return nil, err
	}
	return &ProcessVm{
		root:          childVmar,
		brk:           parent.brk,
		initStackTop:  parent.initStackTop,
		initStackSize: parent.initStackSize,
	}, nil
}
