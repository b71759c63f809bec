package shm

import (
	"sync/atomic"
	"unsafe"
)

// Header words live in memory shared with other processes, so they are
// accessed with full barriers. addr must be 8-byte aligned.

// AtomicLoadInt64 loads an int64 from shared memory atomically.
func AtomicLoadInt64(addr unsafe.Pointer) int64 {
	return atomic.LoadInt64((*int64)(addr))
}

// AtomicStoreInt64 stores an int64 to shared memory atomically.
func AtomicStoreInt64(addr unsafe.Pointer, val int64) {
	atomic.StoreInt64((*int64)(addr), val)
}
