package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmseg/pkg/shm"
)

func pair(t *testing.T) (*SegmentTransport, *SegmentTransport) {
	t.Helper()
	dir := t.TempDir()

	sendOpts := shm.DefaultOpenOptions("transport")
	sendOpts.Dir = dir
	sendOpts.Mode = shm.ModeCreate
	sendOpts.Size = 32
	sender := NewSegmentTransport(sendOpts, time.Second)
	require.NoError(t, sender.Start())
	t.Cleanup(func() { _ = sender.Stop() })

	recvOpts := shm.DefaultOpenOptions("transport")
	recvOpts.Dir = dir
	recvOpts.Mode = shm.ModeAttach
	receiver := NewSegmentTransport(recvOpts, time.Second)
	require.NoError(t, receiver.Start())
	t.Cleanup(func() { _ = receiver.Stop() })
	return sender, receiver
}

func TestSendReceiveOnce(t *testing.T) {
	sender, receiver := pair(t)
	assert.Equal(t, int64(32), sender.MaxMessageSize())

	_, err := receiver.Receive()
	assert.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, sender.Send([]byte("first")))
	got, err := receiver.Receive()
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	_, err = receiver.Receive()
	assert.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, sender.Send([]byte("second")))
	require.NoError(t, sender.Send([]byte("third")))
	got, err = receiver.Receive()
	require.NoError(t, err)
	assert.Equal(t, "third", string(got))
}

func TestSendTooLarge(t *testing.T) {
	sender, _ := pair(t)
	assert.ErrorIs(t, sender.Send(make([]byte, 33)), shm.ErrCapacity)
}

func TestAwait(t *testing.T) {
	sender, receiver := pair(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = sender.Send([]byte("eventually"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := receiver.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "eventually", string(got))

	short, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	_, err = receiver.Await(short)
	assert.Error(t, err)
}

func TestNotStarted(t *testing.T) {
	tr := NewSegmentTransport(shm.DefaultOpenOptions("idle"), 0)
	assert.ErrorIs(t, tr.Send(nil), ErrNotStarted)
	_, err := tr.Receive()
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, tr.Stop())
	assert.Zero(t, tr.MaxMessageSize())
}
