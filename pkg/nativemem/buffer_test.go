package nativemem

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsZeroedAndOwned(t *testing.T) {
	b, err := New(4096)
	require.NoError(t, err)
	defer b.Free()

	assert.True(t, b.Owned())
	assert.False(t, b.Borrowed())
	assert.Equal(t, 4096, b.Len())
	assert.NotNil(t, b.Pointer())
	assert.Equal(t, make([]byte, 4096), b.Bytes())
}

func TestNewZeroAndNegative(t *testing.T) {
	b, err := New(0)
	require.NoError(t, err)
	assert.True(t, b.IsFreed())
	assert.Nil(t, b.Pointer())

	_, err = New(-1)
	assert.ErrorIs(t, err, ErrNegativeSize)
}

func TestFreeIsIdempotent(t *testing.T) {
	b, err := New(128)
	require.NoError(t, err)

	require.NoError(t, b.Free())
	assert.True(t, b.IsFreed())
	assert.Zero(t, b.Len())
	require.NoError(t, b.Free())
	require.NoError(t, b.Close())
}

func TestAllocateZeroFrees(t *testing.T) {
	var b Buffer
	require.NoError(t, b.Allocate(64))
	assert.True(t, b.Owned())
	require.NoError(t, b.Allocate(0))
	assert.True(t, b.IsFreed())
}

func TestWrapDoesNotTakeOwnership(t *testing.T) {
	mem := []byte("borrowed bytes")
	b := Wrap(mem)
	assert.True(t, b.Borrowed())
	assert.False(t, b.Owned())

	require.NoError(t, b.Free())
	assert.True(t, b.IsFreed())
	assert.Equal(t, "borrowed bytes", string(mem))
}

func TestAttachFreesOwnedMemoryFirst(t *testing.T) {
	b, err := New(32)
	require.NoError(t, err)

	mem := make([]byte, 8)
	require.NoError(t, b.Attach(mem))
	assert.True(t, b.Borrowed())
	assert.Equal(t, 8, b.Len())

	got := b.Detach()
	assert.Len(t, got, 8)
	assert.True(t, b.IsFreed())
	assert.Nil(t, b.Detach())
}

func TestReallocatePreservesPrefix(t *testing.T) {
	for _, tc := range []struct{ from, to int }{
		{16, 4096},
		{4096, 16},
		{100, 100},
		{1, 70000},
	} {
		b, err := New(tc.from)
		require.NoError(t, err)
		for i := range b.Bytes() {
			b.Bytes()[i] = byte(i*7 + 3)
		}
		before := bytes.Clone(b.Bytes())

		require.NoError(t, b.Reallocate(tc.to))
		keep := min(tc.from, tc.to)
		assert.Equal(t, tc.to, b.Len())
		assert.Equal(t, before[:keep], b.Bytes()[:keep], "%d -> %d", tc.from, tc.to)
		require.NoError(t, b.Free())
	}
}

func TestReallocateEdgeCases(t *testing.T) {
	b, err := New(10)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Reallocate(-5), ErrNegativeSize)
	assert.Equal(t, 10, b.Len())

	require.NoError(t, b.Reallocate(0))
	assert.True(t, b.IsFreed())

	require.NoError(t, b.Reallocate(12))
	assert.True(t, b.Owned())
	assert.Equal(t, make([]byte, 12), b.Bytes())
	require.NoError(t, b.Free())

	assert.ErrorIs(t, Wrap(make([]byte, 4)).Reallocate(8), ErrBorrowed)
}

func TestString(t *testing.T) {
	b := Wrap(make([]byte, 3))
	assert.Equal(t, "nativemem.Buffer{borrowed, 3 bytes}", b.String())
}
