package nativemem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X, Y int32
	Tag  uint64
}

func TestArrayIndexing(t *testing.T) {
	a, err := NewArray[point](4)
	require.NoError(t, err)
	defer a.Free()

	assert.Equal(t, 4, a.Len())
	assert.Equal(t, 16, a.RecordSize())
	assert.Equal(t, 64, a.ByteSize())
	assert.Equal(t, 64, a.Buffer().Len())

	for i := 0; i < a.Len(); i++ {
		p, err := a.At(i)
		require.NoError(t, err)
		*p = point{X: int32(i), Y: int32(-i), Tag: uint64(i) << 40}
	}
	p, err := a.At(3)
	require.NoError(t, err)
	assert.Equal(t, point{X: 3, Y: -3, Tag: 3 << 40}, *p)

	first, err := a.ElementPointer(0)
	require.NoError(t, err)
	assert.Equal(t, a.Buffer().Pointer(), first)
}

func TestArrayBounds(t *testing.T) {
	a, err := NewArray[int64](2)
	require.NoError(t, err)
	defer a.Free()

	_, err = a.At(2)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = a.ElementPointer(-1)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestArrayResize(t *testing.T) {
	a, err := NewArray[int64](3)
	require.NoError(t, err)
	defer a.Free()

	for i := 0; i < 3; i++ {
		p, _ := a.At(i)
		*p = int64(100 + i)
	}
	require.NoError(t, a.Resize(5))
	assert.Equal(t, 5, a.Len())
	for i := 0; i < 3; i++ {
		p, err := a.At(i)
		require.NoError(t, err)
		assert.Equal(t, int64(100+i), *p)
	}

	assert.ErrorIs(t, a.Resize(-1), ErrNegativeSize)
	assert.Equal(t, 5, a.Len())
}

func TestWrapArrayOverBorrowedMemory(t *testing.T) {
	mem := make([]int64, 3)
	buf := Wrap(unsafeBytes(mem))
	a, err := WrapArray[int64](buf)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Len())

	p, err := a.At(1)
	require.NoError(t, err)
	*p = 42
	assert.Equal(t, int64(42), mem[1])

	assert.ErrorIs(t, a.Resize(4), ErrBorrowed)
	assert.Equal(t, 3, a.Len())
}

func TestZeroSizedRecord(t *testing.T) {
	_, err := NewArray[struct{}](1)
	assert.ErrorIs(t, err, ErrZeroSizedRecord)
	_, err = WrapArray[[0]int](Wrap(make([]byte, 8)))
	assert.ErrorIs(t, err, ErrZeroSizedRecord)
}

func unsafeBytes(s []int64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*8)
}
