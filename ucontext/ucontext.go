// Package ucontext implements the per-thread saved register state and the
// execute-until-event loop a scheduler drives to run a thread in user
// mode. Execute returns to the kernel on a syscall, a classified CPU
// exception, or a caller-signaled kernel event.
package ucontext

import "sync"

// GeneralRegs is the saved general-purpose register file. Field names are
// x86-64's, since this module has no second architecture to generalize
// across yet.
type GeneralRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFlags        uint64
}

const rflagsIF = 1 << 9 // interrupt-enable bit, forced on before user entry

// FPState is the floating-point register file, modeled as an opaque blob
// guarded by a validity flag rather than a real fxsave/fxrstor image.
type FPState struct {
	Data    [512]byte
	IsValid bool
}

// TrapInfo is the last trap/exception the thread took: vector number,
// error code, and faulting address.
type TrapInfo struct {
	Vector       int
	ErrorCode    uint64
	FaultingAddr uintptr
}

// UserContext is created per thread and lives as long as the thread.
type UserContext struct {
	mu   sync.Mutex
	regs GeneralRegs
	fp   FPState
	trap TrapInfo
	tls  uint64
}

// New constructs a zeroed UserContext for a fresh thread.
func New() *UserContext { return &UserContext{} }

// GeneralRegs returns a pointer to the saved register file for in-place
// inspection or mutation.
func (uc *UserContext) GeneralRegs() *GeneralRegs { return &uc.regs }

// FPRegs returns a pointer to the saved floating-point state.
func (uc *UserContext) FPRegs() *FPState { return &uc.fp }

// TrapInformation returns the most recent trap/exception recorded against
// this context, the page-fault handler's first read.
func (uc *UserContext) TrapInformation() TrapInfo {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.trap
}

// SetInstructionPointer sets the saved RIP.
func (uc *UserContext) SetInstructionPointer(ip uintptr) { uc.regs.RIP = uint64(ip) }

// SetStackPointer sets the saved RSP.
func (uc *UserContext) SetStackPointer(sp uintptr) { uc.regs.RSP = uint64(sp) }

// SetTLSPointer sets the saved TLS base (FS base on x86-64, modeled here as
// a dedicated field since it is not one of the general-purpose registers).
func (uc *UserContext) SetTLSPointer(tls uintptr) { uc.tls = uint64(tls) }

// TLSPointer returns the saved TLS base.
func (uc *UserContext) TLSPointer() uintptr { return uintptr(uc.tls) }

// ExceptionKind classifies a CPU exception vector.
type ExceptionKind int

const (
	Fault ExceptionKind = iota
	Trap
	FaultOrTrap
)

// VectorTable tells Execute which trap vector is the syscall gate and how
// to classify every other vector the architecture can raise.
type VectorTable struct {
	SyscallVector int
	Exceptions    map[int]ExceptionKind
}

func (vt VectorTable) classify(vector int) (isSyscall, isException bool) {
	if vector == vt.SyscallVector {
		return true, false
	}
	_, ok := vt.Exceptions[vector]
	return false, ok
}

// Entry is the architecture's "iret-class primitive": it runs ctx's saved registers until
// the next trap and reports what was taken. No real CPU backs this module,
// so tests and the demo CLI supply a scripted Entry.
type Entry interface {
	EnterUser(ctx *UserContext) (vector int, errorCode uint64, faultingAddr uintptr)
}

// InterruptHandler is invoked for any trap vector that is neither the
// syscall gate nor a classified exception.
type InterruptHandler func(vector int)

// MightPreempt is the scheduler hint Execute calls once per iteration.
// The default is a no-op; a real scheduler integration replaces it at
// process start.
var MightPreempt func() = func() {}

// ReturnReason is why Execute returned control to the kernel.
type ReturnReason int

const (
	UserSyscall ReturnReason = iota
	UserException
	KernelEvent
)

// Execute runs uc in user mode via entry until a syscall, a classified CPU
// exception, or hasKernelEvent reports true after routing an otherwise
// unclassified trap through handler.
func (uc *UserContext) Execute(entry Entry, vt VectorTable, hasKernelEvent func() bool, handler InterruptHandler) ReturnReason {
	for {
		uc.regs.RFlags |= rflagsIF
		MightPreempt()

		vector, errCode, faultAddr := entry.EnterUser(uc)

		isSyscall, isException := vt.classify(vector)
		switch {
		case isSyscall:
			return UserSyscall
		case isException:
			uc.mu.Lock()
			uc.trap = TrapInfo{Vector: vector, ErrorCode: errCode, FaultingAddr: faultAddr}
			uc.mu.Unlock()
			return UserException
		default:
			if handler != nil {
				handler(vector)
			}
			if hasKernelEvent != nil && hasKernelEvent() {
				return KernelEvent
			}
		}
	}
}
