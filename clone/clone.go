// Package clone implements the clone/fork pipeline that turns a parent
// thread plus a CloneArgs flag set into either a new thread in the current
// process or a whole new process. PosixThread and ProcessBuilder are
// deliberately thin: they carry exactly the fields the pipeline touches,
// since the full process/thread subsystem lives elsewhere.
package clone

import (
	"sync"
	"sync/atomic"

	"github.com/mohae/deepcopy"

	"vmkernel/defs"
	"vmkernel/klog"
	"vmkernel/ucontext"
	"vmkernel/vmar"
)

var log = klog.For("clone")

// CloneFlags names the Linux clone(2) flags this pipeline implements. The
// bit values are this package's own and do not match Linux's. Unrecognized
// bits are rejected by CloneChild rather than silently accepted.
type CloneFlags uint32

const (
	CLONE_VM CloneFlags = 1 << iota
	CLONE_FS
	CLONE_FILES
	CLONE_SIGHAND
	CLONE_THREAD
	CLONE_SYSVSEM
	CLONE_SETTLS
	CLONE_PARENT_SETTID
	CLONE_CHILD_SETTID
	CLONE_CHILD_CLEARTID
)

const knownFlags = CLONE_VM | CLONE_FS | CLONE_FILES | CLONE_SIGHAND |
	CLONE_THREAD | CLONE_SYSVSEM | CLONE_SETTLS |
	CLONE_PARENT_SETTID | CLONE_CHILD_SETTID | CLONE_CHILD_CLEARTID

// Has reports whether f contains every bit set in want.
func (f CloneFlags) Has(want CloneFlags) bool { return f&want == want }

// CloneArgs is the input to CloneChild.
type CloneArgs struct {
	NewSP        uintptr
	StackSize    uintptr
	ParentTidPtr uintptr
	ChildTidPtr  uintptr
	TLS          uintptr
	Flags        CloneFlags
}

// UserMemory is the narrow seam CloneChild uses for the
// CLONE_*_SETTID/CLEARTID writes into user memory; a full syscall layer
// would back this with a vmar/vmo read-write path, which is out of scope
// here.
type UserMemory interface {
	WriteU64(addr uintptr, val uint64) error
}

// Credentials is always snapshotted into the child, never shared.
type Credentials struct {
	UID, GID uint32
}

// FileTable stands in for the process's open-file table.
type FileTable struct {
	mu      sync.Mutex
	Entries map[int]string
}

// NewFileTable constructs an empty file table.
func NewFileTable() *FileTable { return &FileTable{Entries: make(map[int]string)} }

// Clone deep-copies the table for a child cloned without CLONE_FILES.
func (t *FileTable) Clone() *FileTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := deepcopy.Copy(t.Entries).(map[int]string)
	return &FileTable{Entries: cp}
}

// FsResolver stands in for the process's filesystem root/cwd resolver.
type FsResolver struct {
	Root, Cwd string
}

// Clone copies root+cwd into a fresh resolver.
func (r *FsResolver) Clone() *FsResolver {
	cp := *r
	return &cp
}

// SysVSemUndo stands in for the process's System V semaphore-adjustment
// list.
type SysVSemUndo struct {
	mu          sync.Mutex
	Adjustments map[int]int
}

// NewSysVSemUndo constructs an empty adjustment list.
func NewSysVSemUndo() *SysVSemUndo {
	return &SysVSemUndo{Adjustments: make(map[int]int)}
}

// Clone deep-copies the adjustment list.
func (s *SysVSemUndo) Clone() *SysVSemUndo {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := deepcopy.Copy(s.Adjustments).(map[int]int)
	return &SysVSemUndo{Adjustments: cp}
}

// SignalDispositions stands in for the process's per-signal handler table.
type SignalDispositions struct {
	mu       sync.Mutex
	Handlers map[defs.Signal]uintptr
}

// NewSignalDispositions constructs an empty disposition table.
func NewSignalDispositions() *SignalDispositions {
	return &SignalDispositions{Handlers: make(map[defs.Signal]uintptr)}
}

// Clone deep-copies the disposition table.
func (s *SignalDispositions) Clone() *SignalDispositions {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := deepcopy.Copy(s.Handlers).(map[defs.Signal]uintptr)
	return &SignalDispositions{Handlers: cp}
}

// PosixThread is the minimal per-thread record the clone pipeline builds
// and installs.
type PosixThread struct {
	Tid     defs.Tid_t
	Process *ProcessBuilder
	Ctx     *ucontext.UserContext
	Creds   Credentials
	SigMask uint64

	childSetTidPtr   uintptr
	childClearTidPtr uintptr
}

// Exit writes zero to the thread's CLONE_CHILD_CLEARTID pointer. It does
// not wake a futex waiting on that address: there is no futex subsystem,
// and the wake is only recorded as a debug log line.
func (t *PosixThread) Exit(um UserMemory) error {
	if t.childClearTidPtr == 0 {
		return nil
	}
	if err := um.WriteU64(t.childClearTidPtr, 0); err != nil {
		return err
	}
	log.WithField("tid", t.Tid).Debug("child_cleartid cleared, futex wake skipped (no futex subsystem)")
	return nil
}

// ProcessBuilder is the minimal per-process record the clone pipeline
// builds.
type ProcessBuilder struct {
	Pid      defs.Pid_t
	Vm       *vmar.ProcessVm
	Files    *FileTable
	Fs       *FsResolver
	SigHand  *SignalDispositions
	SysVSem  *SysVSemUndo
	Creds    Credentials
	Nice     int
	Umask    uint32
	ExecPath string

	mu       sync.Mutex
	threads  []*PosixThread
	children []*ProcessBuilder
}

// Children returns the child processes spawned from p via cloneProcess.
func (p *ProcessBuilder) Children() []*ProcessBuilder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.children
}

// Threads returns the threads currently registered under p.
func (p *ProcessBuilder) Threads() []*PosixThread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threads
}

var nextTid atomic.Int64

func allocTid() defs.Tid_t {
	return defs.Tid_t(nextTid.Add(1))
}

// applySpRegsAndTLS copies the parent's general, floating-point and TLS
// registers into a fresh UserContext, clears the syscall-return register,
// positions SP, and optionally installs the TLS pointer — the
// register/TLS/SP logic shared verbatim by both the thread and process
// clone paths.
func applySpRegsAndTLS(parentCtx *ucontext.UserContext, args CloneArgs) *ucontext.UserContext {
	child := ucontext.New()
	*child.GeneralRegs() = *parentCtx.GeneralRegs()
	*child.FPRegs() = *parentCtx.FPRegs()
	child.SetTLSPointer(parentCtx.TLSPointer())
	child.GeneralRegs().RAX = 0 // syscall-return register reads 0 in the child

	if args.NewSP != 0 {
		if args.StackSize != 0 {
			child.SetStackPointer(args.NewSP + args.StackSize) // bottom-up stack
		} else {
			child.SetStackPointer(args.NewSP) // top-down stack
		}
	}
	if args.Flags.Has(CLONE_SETTLS) {
		child.SetTLSPointer(args.TLS)
	}
	return child
}

// doTidOps performs the CLONE_PARENT_SETTID / CLONE_CHILD_SETTID /
// CLONE_CHILD_CLEARTID bookkeeping common to both clone paths.
func doTidOps(t *PosixThread, args CloneArgs, um UserMemory) error {
	if args.Flags.Has(CLONE_PARENT_SETTID) && args.ParentTidPtr != 0 {
		if err := um.WriteU64(args.ParentTidPtr, uint64(t.Tid)); err != nil {
			return err
		}
	}
	if args.Flags.Has(CLONE_CHILD_SETTID) && args.ChildTidPtr != 0 {
		t.childSetTidPtr = args.ChildTidPtr
		// The real kernel defers this write to the child's own return to
		// user space; there is no such suspension point to hook here, so
		// it happens immediately.
		if err := um.WriteU64(t.childSetTidPtr, uint64(t.Tid)); err != nil {
			return err
		}
	}
	if args.Flags.Has(CLONE_CHILD_CLEARTID) && args.ChildTidPtr != 0 {
		t.childClearTidPtr = args.ChildTidPtr
	}
	return nil
}

// CloneChild runs the clone pipeline for parent, returning the new
// thread's TID (which, for a new process, is also its PID — Linux clone()
// semantics). um backs any CLONE_*_SETTID/CLEARTID writes args requests.
func CloneChild(parent *PosixThread, args CloneArgs, um UserMemory) (defs.Tid_t, error) {
	if args.Flags&^knownFlags != 0 {
		return 0, defs.EINVAL
	}
	if args.Flags.Has(CLONE_THREAD) {
		return cloneThread(parent, args, um)
	}
	return cloneProcess(parent, args, um)
}

// cloneThread builds a new thread in the current process (CLONE_THREAD,
// which implies CLONE_VM|CLONE_FILES|CLONE_SIGHAND).
func cloneThread(parent *PosixThread, args CloneArgs, um UserMemory) (defs.Tid_t, error) {
	proc := parent.Process

	ctx := applySpRegsAndTLS(parent.Ctx, args)
	tid := allocTid()

	child := &PosixThread{
		Tid:     tid,
		Process: proc,
		Ctx:     ctx,
		Creds:   parent.Creds,
		SigMask: parent.SigMask,
	}

	proc.mu.Lock()
	proc.threads = append(proc.threads, child)
	proc.mu.Unlock()

	if err := doTidOps(child, args, um); err != nil {
		return 0, err
	}
	log.WithField("tid", tid).WithField("pid", proc.Pid).Debug("thread cloned")
	return tid, nil
}

// cloneProcess builds a whole new process from the parent thread.
func cloneProcess(parent *PosixThread, args CloneArgs, um UserMemory) (defs.Tid_t, error) {
	parentProc := parent.Process

	var childVm *vmar.ProcessVm
	if args.Flags.Has(CLONE_VM) {
		childVm = parentProc.Vm
	} else {
		var err error
		childVm, err = vmar.ForkProcessVm(parentProc.Vm)
		if err != nil {
			return 0, err
		}
	}

	ctx := applySpRegsAndTLS(parent.Ctx, args)

	var files *FileTable
	if args.Flags.Has(CLONE_FILES) {
		files = parentProc.Files
	} else {
		files = parentProc.Files.Clone()
	}

	var fs *FsResolver
	if args.Flags.Has(CLONE_FS) {
		fs = parentProc.Fs
	} else {
		fs = parentProc.Fs.Clone()
	}

	var sigHand *SignalDispositions
	if args.Flags.Has(CLONE_SIGHAND) {
		sigHand = parentProc.SigHand
	} else {
		sigHand = parentProc.SigHand.Clone()
	}

	var sysvsem *SysVSemUndo
	if args.Flags.Has(CLONE_SYSVSEM) {
		sysvsem = parentProc.SysVSem
	} else {
		sysvsem = parentProc.SysVSem.Clone()
	}

	creds := parentProc.Creds // always snapshot

	tid := allocTid()
	childProc := &ProcessBuilder{
		Pid:      defs.Pid_t(tid),
		Vm:       childVm,
		Files:    files,
		Fs:       fs,
		SigHand:  sigHand,
		SysVSem:  sysvsem,
		Creds:    creds,
		Nice:     parentProc.Nice,
		Umask:    parentProc.Umask,
		ExecPath: parentProc.ExecPath,
	}
	mainThread := &PosixThread{
		Tid:     tid,
		Process: childProc,
		Ctx:     ctx,
		Creds:   creds,
		SigMask: parent.SigMask,
	}
	childProc.threads = []*PosixThread{mainThread}

	parentProc.mu.Lock()
	parentProc.children = append(parentProc.children, childProc)
	parentProc.mu.Unlock()

	if err := doTidOps(mainThread, args, um); err != nil {
		return 0, err
	}
	log.WithField("pid", childProc.Pid).WithField("parent_pid", parentProc.Pid).Debug("process cloned")
	return tid, nil
}
