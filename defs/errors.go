// Package defs holds the error and identifier vocabulary shared by every
// kernel package in this module. Nothing here may import another package in
// this module: it sits below everyone.
package defs

import "fmt"

// Err_t is a kernel-internal error code: a positive value (a POSIX errno,
// or ENOHEAP), a negative kernel-local kind with no errno counterpart, or
// zero for success. It is returned by value and never panics across an API
// boundary; panics in this module are reserved for invariant violations
// (corrupt refcounts, double-locks, and the like).
type Err_t int

// Error kinds, one-to-one with the POSIX errnos they stand in for where
// applicable.
const (
	EINVAL       Err_t = 22  // InvalidArgs
	EACCES       Err_t = 13  // AccessDenied
	ENOMEM       Err_t = 12  // NoMemory
	ENOENT       Err_t = 2   // NotFound
	EEXIST       Err_t = 17  // AlreadyExists
	EFAULT       Err_t = 14
	ENAMETOOLONG Err_t = 36
	ENOHEAP      Err_t = 200 // kernel-internal: transient heap pressure, retry
	EBUSY        Err_t = 16
)

// Kernel-local error kinds that do not correspond to a POSIX errno.
const (
	EInvalidModification Err_t = -1000 - iota
	EProtectingInvalid
	EInvalidVaddr
	EInvalidVaddrRange
)

// Error implements the error interface so Err_t can be used anywhere Go
// code expects one, while kernel-internal call sites keep comparing the
// bare Err_t value against named constants.
func (e Err_t) Error() string {
	if e == 0 {
		return "success"
	}
	if name, ok := errNames[e]; ok {
		return name
	}
	return fmt.Sprintf("errno %d", int(e))
}

var errNames = map[Err_t]string{
	EINVAL:               "invalid argument",
	EACCES:               "access denied",
	ENOMEM:               "out of memory",
	ENOENT:               "not found",
	EEXIST:               "already exists",
	EFAULT:               "bad address",
	ENAMETOOLONG:         "name too long",
	ENOHEAP:              "transient heap pressure",
	EBUSY:                "resource busy",
	EInvalidModification: "invalid modification of absent pte",
	EProtectingInvalid:   "protecting invalid pte",
	EInvalidVaddr:        "invalid vaddr",
	EInvalidVaddrRange:   "invalid vaddr range",
}

// Tid_t is a thread/task identifier, handed out by the clone pipeline.
type Tid_t int

// Pid_t is a process identifier.
type Pid_t int

// Signal is a POSIX signal number raised against user-visible failures.
type Signal int

// Signals raised for user-visible memory faults.
const (
	SIGSEGV Signal = 11
	SIGBUS  Signal = 7
)
