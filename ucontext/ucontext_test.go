package ucontext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	vecSyscall  = 0x80
	vecPF       = 14
	vecTimer    = 0x20
)

func testVectorTable() VectorTable {
	return VectorTable{
		SyscallVector: vecSyscall,
		Exceptions:    map[int]ExceptionKind{vecPF: FaultOrTrap},
	}
}

type scriptedEntry struct {
	vectors []int
	i       int
}

func (e *scriptedEntry) EnterUser(ctx *UserContext) (int, uint64, uintptr) {
	v := e.vectors[e.i]
	e.i++
	if v == vecPF {
		return v, 4, 0xdead0000
	}
	return v, 0, 0
}

func TestExecuteReturnsUserSyscall(t *testing.T) {
	uc := New()
	entry := &scriptedEntry{vectors: []int{vecSyscall}}
	reason := uc.Execute(entry, testVectorTable(), nil, nil)
	require.Equal(t, UserSyscall, reason)
	require.NotZero(t, uc.GeneralRegs().RFlags&rflagsIF)
}

func TestExecuteReturnsUserExceptionWithTrapInfo(t *testing.T) {
	uc := New()
	entry := &scriptedEntry{vectors: []int{vecPF}}
	reason := uc.Execute(entry, testVectorTable(), nil, nil)
	require.Equal(t, UserException, reason)
	info := uc.TrapInformation()
	require.Equal(t, vecPF, info.Vector)
	require.Equal(t, uint64(4), info.ErrorCode)
	require.Equal(t, uintptr(0xdead0000), info.FaultingAddr)
}

func TestExecuteRoutesInterruptsUntilKernelEvent(t *testing.T) {
	uc := New()
	entry := &scriptedEntry{vectors: []int{vecTimer, vecTimer, vecTimer}}
	var routed []int
	calls := 0
	hasEvent := func() bool {
		calls++
		return calls == 3
	}
	reason := uc.Execute(entry, testVectorTable(), hasEvent, func(v int) {
		routed = append(routed, v)
	})
	require.Equal(t, KernelEvent, reason)
	require.Equal(t, []int{vecTimer, vecTimer, vecTimer}, routed)
}

func TestSetTLSAndStackPointer(t *testing.T) {
	uc := New()
	uc.SetTLSPointer(0x7000)
	uc.SetStackPointer(0x8000)
	uc.SetInstructionPointer(0x9000)
	require.Equal(t, uintptr(0x7000), uc.TLSPointer())
	require.Equal(t, uint64(0x8000), uc.GeneralRegs().RSP)
	require.Equal(t, uint64(0x9000), uc.GeneralRegs().RIP)
}
