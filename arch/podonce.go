package arch

import (
	"sync/atomic"
	"unsafe"
)

// ReadOnce loads *p with a single non-tearing operation, the spec's
// "read_once<T: PodOnce>". The width of T selects which atomic primitive
// backs the load, so a concurrent ReadOnce/WriteOnce pair never observes a
// torn value regardless of T's size.
func ReadOnce[T PodOnce](p *T) T {
	var zero T
	switch unsafe.Sizeof(zero) {
	case 4:
		v := atomic.LoadUint32((*uint32)(unsafe.Pointer(p)))
		return *(*T)(unsafe.Pointer(&v))
	case 8:
		v := atomic.LoadUint64((*uint64)(unsafe.Pointer(p)))
		return *(*T)(unsafe.Pointer(&v))
	default:
		// 1- and 2-byte loads are naturally non-tearing on every
		// architecture this module targets.
		return *p
	}
}

// WriteOnce stores v into *p with a single non-tearing operation.
func WriteOnce[T PodOnce](p *T, v T) {
	switch unsafe.Sizeof(v) {
	case 4:
		atomic.StoreUint32((*uint32)(unsafe.Pointer(p)), *(*uint32)(unsafe.Pointer(&v)))
	case 8:
		atomic.StoreUint64((*uint64)(unsafe.Pointer(p)), *(*uint64)(unsafe.Pointer(&v)))
	default:
		*p = v
	}
}
