package nativemem

import (
	"fmt"
	"unsafe"
)

// Array indexes a Buffer as a sequence of fixed-size S records.
//
// S must not contain Go pointers. Array is not safe for concurrent Resize.
type Array[S any] struct {
	buf     *Buffer
	n       int
	recSize int
}

func recordSize[S any]() (int, error) {
	var zero S
	size := int(unsafe.Sizeof(zero))
	if size == 0 {
		return 0, fmt.Errorf("%w: %T", ErrZeroSizedRecord, zero)
	}
	return size, nil
}

// NewArray allocates owned native memory for n records of S.
func NewArray[S any](n int) (*Array[S], error) {
	size, err := recordSize[S]()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %d records", ErrNegativeSize, n)
	}
	buf, err := New(n * size)
	if err != nil {
		return nil, err
	}
	return &Array[S]{buf: buf, n: n, recSize: size}, nil
}

// WrapArray views buf as records of S. Trailing bytes that do not make up a
// whole record are ignored.
func WrapArray[S any](buf *Buffer) (*Array[S], error) {
	size, err := recordSize[S]()
	if err != nil {
		return nil, err
	}
	return &Array[S]{buf: buf, n: buf.Len() / size, recSize: size}, nil
}

// Len returns the number of records.
func (a *Array[S]) Len() int {
	return a.n
}

// RecordSize returns sizeof(S) in bytes.
func (a *Array[S]) RecordSize() int {
	return a.recSize
}

// ByteSize returns Len() * RecordSize().
func (a *Array[S]) ByteSize() int {
	return a.n * a.recSize
}

// Buffer returns the underlying memory.
func (a *Array[S]) Buffer() *Buffer {
	return a.buf
}

// ElementPointer returns the address of record i.
func (a *Array[S]) ElementPointer(i int) (unsafe.Pointer, error) {
	if i < 0 || i >= a.n {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, a.n)
	}
	mem := a.buf.Bytes()
	off := i * a.recSize
	if off+a.recSize > len(mem) {
		return nil, fmt.Errorf("%w: %d beyond %d backing bytes", ErrIndexOutOfRange, i, len(mem))
	}
	return unsafe.Pointer(&mem[off]), nil
}

// At returns record i.
func (a *Array[S]) At(i int) (*S, error) {
	p, err := a.ElementPointer(i)
	if err != nil {
		return nil, err
	}
	return (*S)(p), nil
}

// Resize changes the record count, keeping the leading min(Len(), n) records.
// Len is left untouched when the reallocation fails.
func (a *Array[S]) Resize(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d records", ErrNegativeSize, n)
	}
	if err := a.buf.Reallocate(n * a.recSize); err != nil {
		return err
	}
	a.n = n
	return nil
}

// Free releases the underlying buffer.
func (a *Array[S]) Free() error {
	a.n = 0
	return a.buf.Free()
}
