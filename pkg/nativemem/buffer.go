// Package nativemem manages memory that lives outside the Go heap.
//
// A Buffer either owns a block obtained from the operating system page
// allocator, or borrows a block owned by someone else (for example a shared
// memory mapping). Owned blocks are returned to the OS exactly once; borrowed
// blocks are only ever detached. Array layers fixed-size record indexing on
// top of a Buffer.
//
// The garbage collector does not scan this memory, so nothing stored in it may
// hold Go pointers.
package nativemem

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

var (
	// ErrNegativeSize is returned for negative byte or record counts.
	ErrNegativeSize = errors.New("nativemem: negative size")
	// ErrBorrowed is returned when an operation needs ownership of borrowed memory.
	ErrBorrowed = errors.New("nativemem: buffer memory is borrowed")
	// ErrIndexOutOfRange is returned by Array for indexes outside [0, Len()).
	ErrIndexOutOfRange = errors.New("nativemem: index out of range")
	// ErrZeroSizedRecord is returned when an Array is built over a zero-sized type.
	ErrZeroSizedRecord = errors.New("nativemem: zero-sized record type")
)

type ownership uint8

const (
	stateFreed ownership = iota
	stateOwned
	stateBorrowed
)

func (o ownership) String() string {
	switch o {
	case stateOwned:
		return "owned"
	case stateBorrowed:
		return "borrowed"
	default:
		return "freed"
	}
}

// Buffer is a block of native memory with explicit ownership.
//
// The zero value is an empty, freed buffer ready for Allocate or Attach.
// A Buffer is safe for concurrent use; the bytes it exposes are not guarded.
type Buffer struct {
	mu    sync.Mutex
	mem   []byte
	state ownership
}

// New allocates size bytes of zeroed native memory. A size of 0 returns an
// empty buffer.
func New(size int) (*Buffer, error) {
	b := &Buffer{}
	if err := b.Allocate(size); err != nil {
		return nil, err
	}
	runtime.SetFinalizer(b, (*Buffer).finalize)
	return b, nil
}

// Wrap returns a buffer borrowing mem. Freeing the buffer never releases mem.
func Wrap(mem []byte) *Buffer {
	b := &Buffer{}
	if len(mem) > 0 {
		b.mem = mem
		b.state = stateBorrowed
	}
	return b
}

// Allocate replaces the contents with size bytes of fresh, zeroed native
// memory. Any owned block is freed first, borrowed memory is detached. A size
// of 0 just frees.
func (b *Buffer) Allocate(size int) error {
	if size < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeSize, size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.freeLocked(); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	mem, err := osAlloc(size)
	if err != nil {
		return fmt.Errorf("nativemem: allocate %d bytes: %w", size, err)
	}
	b.mem = mem
	b.state = stateOwned
	return nil
}

// Attach adopts mem without taking ownership. Owned memory held before the
// call is freed.
func (b *Buffer) Attach(mem []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.freeLocked(); err != nil {
		return err
	}
	if len(mem) > 0 {
		b.mem = mem
		b.state = stateBorrowed
	}
	return nil
}

// Detach gives borrowed memory back to the caller and leaves the buffer empty.
// It returns nil when the buffer is not borrowing anything.
func (b *Buffer) Detach() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detachLocked()
}

func (b *Buffer) detachLocked() []byte {
	if b.state != stateBorrowed {
		return nil
	}
	mem := b.mem
	b.mem = nil
	b.state = stateFreed
	return mem
}

// Reallocate resizes owned memory to size bytes, keeping the first
// min(Len(), size) bytes. Reallocating to 0 frees the buffer. Borrowed memory
// cannot be reallocated.
func (b *Buffer) Reallocate(size int) error {
	if size < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeSize, size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateBorrowed {
		return ErrBorrowed
	}
	if size == 0 {
		return b.freeLocked()
	}
	if size == len(b.mem) {
		return nil
	}
	mem, err := osAlloc(size)
	if err != nil {
		return fmt.Errorf("nativemem: reallocate %d bytes: %w", size, err)
	}
	copy(mem, b.mem)
	if err := b.freeLocked(); err != nil {
		_ = osFree(mem)
		return err
	}
	b.mem = mem
	b.state = stateOwned
	return nil
}

// Free releases owned memory to the OS and detaches borrowed memory. It is
// safe to call any number of times.
func (b *Buffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeLocked()
}

// Close is Free, for use with defer and io.Closer.
func (b *Buffer) Close() error {
	return b.Free()
}

func (b *Buffer) freeLocked() error {
	switch b.state {
	case stateOwned:
		mem := b.mem
		b.mem = nil
		b.state = stateFreed
		if err := osFree(mem); err != nil {
			return fmt.Errorf("nativemem: free: %w", err)
		}
	case stateBorrowed:
		b.detachLocked()
	}
	return nil
}

func (b *Buffer) finalize() {
	_ = b.Free()
}

// Bytes returns the memory as a slice. The slice is invalid after Free,
// Reallocate or Allocate.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem
}

// Len returns the size of the block in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mem)
}

// Pointer returns the address of the first byte, or nil for an empty buffer.
func (b *Buffer) Pointer() unsafe.Pointer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.mem) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b.mem))
}

// Owned reports whether the buffer is responsible for freeing its memory.
func (b *Buffer) Owned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOwned
}

// Borrowed reports whether the buffer holds memory it does not own.
func (b *Buffer) Borrowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateBorrowed
}

// IsFreed reports whether the buffer holds no memory.
func (b *Buffer) IsFreed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateFreed
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("nativemem.Buffer{%s, %d bytes}", b.state, len(b.mem))
}
