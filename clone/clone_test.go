package clone

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"vmkernel/arch"
	"vmkernel/config"
	"vmkernel/mem"
	"vmkernel/ucontext"
	"vmkernel/vmar"
)

type fakeUserMemory struct {
	mu    sync.Mutex
	cells map[uintptr]uint64
}

func newFakeUserMemory() *fakeUserMemory {
	return &fakeUserMemory{cells: make(map[uintptr]uint64)}
}

func (f *fakeUserMemory) WriteU64(addr uintptr, val uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells[addr] = val
	return nil
}

func (f *fakeUserMemory) read(addr uintptr) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cells[addr]
}

func newTestProcess(t *testing.T) *PosixThread {
	t.Helper()
	cfg := config.Default()
	pm, err := mem.New(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })
	prev := mem.Physmem
	mem.Physmem = pm
	t.Cleanup(func() { mem.Physmem = prev })

	a := arch.NewSoft(false, 0)
	window := arch.VRange{Start: 0, End: 1 << 40}
	v, err := vmar.New(cfg, a, pm, window, 0)
	require.NoError(t, err)

	proc := &ProcessBuilder{
		Pid:     1,
		Vm:      vmar.NewProcessVm(v, 0x10000000),
		Files:   NewFileTable(),
		Fs:      &FsResolver{Root: "/", Cwd: "/"},
		SigHand: NewSignalDispositions(),
		SysVSem: NewSysVSemUndo(),
		Creds:   Credentials{UID: 1000, GID: 1000},
	}
	main := &PosixThread{Tid: 1, Process: proc, Ctx: ucontext.New()}
	proc.threads = []*PosixThread{main}
	return main
}

// TestCloneThreadSharesVmAndWritesChildTid:
// a CLONE_VM|CLONE_FILES|CLONE_SIGHAND|CLONE_THREAD|CLONE_SETTLS|
// CLONE_CHILD_SETTID clone shares the VM, installs the new SP and TLS, and
// leaves the child TID readable at the child_tidptr.
func TestCloneThreadSharesVmAndWritesChildTid(t *testing.T) {
	parent := newTestProcess(t)
	um := newFakeUserMemory()

	args := CloneArgs{
		NewSP:       0x7f0000,
		ChildTidPtr: 0x600000,
		TLS:         0x500000,
		Flags: CLONE_VM | CLONE_FILES | CLONE_SIGHAND | CLONE_THREAD |
			CLONE_SETTLS | CLONE_CHILD_SETTID,
	}

	tid, err := CloneChild(parent, args, um)
	require.NoError(t, err)
	require.NotZero(t, tid)

	require.Equal(t, uint64(tid), um.read(args.ChildTidPtr))

	child := parent.Process.threads[len(parent.Process.threads)-1]
	require.Same(t, parent.Process, child.Process)
	require.Same(t, parent.Process.Vm, child.Process.Vm)
	require.Equal(t, uint64(0x7f0000), child.Ctx.GeneralRegs().RSP)
	require.Equal(t, uintptr(0x500000), child.Ctx.TLSPointer())
}

func TestCloneProcessForksVmWithoutCloneVm(t *testing.T) {
	parent := newTestProcess(t)
	um := newFakeUserMemory()

	args := CloneArgs{Flags: CLONE_FILES}
	pid, err := CloneChild(parent, args, um)
	require.NoError(t, err)
	require.NotEqual(t, parent.Process.Pid, pid)
	require.Len(t, parent.Process.children, 1)

	childProc := parent.Process.children[0]
	require.NotSame(t, parent.Process.Vm, childProc.Vm)
	require.Equal(t, parent.Process.Vm.Brk(), childProc.Vm.Brk())
	require.Same(t, parent.Process.Files, childProc.Files)
	require.NotSame(t, parent.Process.Fs, childProc.Fs)
	require.Equal(t, parent.Process.Fs.Root, childProc.Fs.Root)
	require.NotSame(t, parent.Process.SysVSem, childProc.SysVSem)
}

func TestCloneSharesSysvsemWhenRequested(t *testing.T) {
	parent := newTestProcess(t)
	um := newFakeUserMemory()

	_, err := CloneChild(parent, CloneArgs{Flags: CLONE_SYSVSEM}, um)
	require.NoError(t, err)

	childProc := parent.Process.children[0]
	require.Same(t, parent.Process.SysVSem, childProc.SysVSem)
}

func TestCloneParentSetTidWritesParentPointer(t *testing.T) {
	parent := newTestProcess(t)
	um := newFakeUserMemory()

	args := CloneArgs{ParentTidPtr: 0x400000, Flags: CLONE_PARENT_SETTID}
	tid, err := CloneChild(parent, args, um)
	require.NoError(t, err)
	require.Equal(t, uint64(tid), um.read(args.ParentTidPtr))
}

func TestCloneRejectsUnknownFlags(t *testing.T) {
	parent := newTestProcess(t)
	um := newFakeUserMemory()

	_, err := CloneChild(parent, CloneArgs{Flags: 1 << 30}, um)
	require.Error(t, err)
}

func TestExitClearsChildTid(t *testing.T) {
	parent := newTestProcess(t)
	um := newFakeUserMemory()

	args := CloneArgs{ChildTidPtr: 0x600000, Flags: CLONE_CHILD_CLEARTID}
	tid, err := CloneChild(parent, args, um)
	require.NoError(t, err)

	childProc := parent.Process.children[0]
	child := childProc.threads[0]
	require.Equal(t, tid, child.Tid)

	require.NoError(t, child.Exit(um))
	require.Equal(t, uint64(0), um.read(args.ChildTidPtr))
}

func TestFileTableCloneIsIndependent(t *testing.T) {
	ft := NewFileTable()
	ft.Entries[3] = "/tmp/a"

	cp := ft.Clone()
	cp.Entries[4] = "/tmp/b"

	require.Len(t, ft.Entries, 1)
	require.Len(t, cp.Entries, 2)
}
