//go:build windows

package shm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreMutexReleasedFromAnotherGoroutine(t *testing.T) {
	name := fmt.Sprintf("shmseg-test-%d", time.Now().UnixNano())
	a, err := OpenMutex(name, "")
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenMutex(name, "")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Lock(context.Background()))
	ok, err := b.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)

	done := make(chan error, 1)
	go func() { done <- a.Unlock() }()
	require.NoError(t, <-done)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Lock(ctx))
	require.NoError(t, b.Unlock())
}

func TestSemaphoreMutexLockTimesOut(t *testing.T) {
	name := fmt.Sprintf("shmseg-test-%d", time.Now().UnixNano())
	m, err := OpenMutex(name, "")
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Lock(context.Background()))
	defer m.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Lock(ctx), context.DeadlineExceeded)
}
