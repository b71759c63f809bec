// Package transport moves messages between processes through a shared
// memory segment.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/shmseg/pkg/shm"
)

// Transport defines the interface for message transports.
type Transport interface {
	// Start opens the transport.
	Start() error
	// Stop closes the transport and releases its resources.
	Stop() error
	// Send publishes data.
	Send(data []byte) error
	// Receive returns the next unseen message.
	Receive() ([]byte, error)
}

var (
	// ErrNotStarted is returned before Start and after Stop.
	ErrNotStarted = errors.New("transport: not started")
	// ErrNoMessage is returned by Receive when nothing new was sent.
	ErrNoMessage = errors.New("transport: no new message")
)

const seqSize = 8

// SegmentTransport is a latest-value slot: every Send overwrites the
// previous message, and Receive returns a message at most once per reader.
// Each message is framed as a little-endian uint64 sequence number
// followed by the payload.
type SegmentTransport struct {
	opts    shm.OpenOptions
	timeout time.Duration

	mu      sync.Mutex
	seg     *shm.Segment
	lastSeq uint64
}

var _ Transport = (*SegmentTransport)(nil)

// NewSegmentTransport returns a transport over the segment described by
// opts. Segments used as transports are always synchronized. timeout bounds
// every lock wait; zero waits forever.
func NewSegmentTransport(opts shm.OpenOptions, timeout time.Duration) *SegmentTransport {
	opts.Synchronized = true
	return &SegmentTransport{opts: opts, timeout: timeout}
}

// MaxMessageSize is the largest payload Send accepts, or 0 before Start.
func (t *SegmentTransport) MaxMessageSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seg == nil {
		return 0
	}
	return t.seg.EffectiveSize() - seqSize
}

func (t *SegmentTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seg != nil {
		return nil
	}
	opts := t.opts
	if opts.Mode != shm.ModeAttach {
		opts.Size += seqSize
	}
	ctx, cancel := t.context()
	defer cancel()
	seg, err := shm.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("transport: start: %w", err)
	}
	if seg.EffectiveSize() < seqSize {
		_ = seg.Close()
		return fmt.Errorf("transport: segment %q too small for framing", opts.Name)
	}
	t.seg = seg
	return nil
}

func (t *SegmentTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seg == nil {
		return nil
	}
	err := t.seg.Close()
	t.seg = nil
	return err
}

func (t *SegmentTransport) context() (context.Context, context.CancelFunc) {
	if t.timeout > 0 {
		return context.WithTimeout(context.Background(), t.timeout)
	}
	return context.WithCancel(context.Background())
}

func (t *SegmentTransport) segment() (*shm.Segment, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seg == nil {
		return nil, ErrNotStarted
	}
	return t.seg, nil
}

// Send publishes data under a sequence number one above the current one.
func (t *SegmentTransport) Send(data []byte) error {
	seg, err := t.segment()
	if err != nil {
		return err
	}
	ctx, cancel := t.context()
	defer cancel()

	lock, err := seg.AcquireLock(ctx)
	if err != nil {
		return err
	}
	defer lock.Release()

	cur, err := lock.ReadBytes()
	if err != nil {
		return err
	}
	frame := make([]byte, seqSize+len(data))
	binary.LittleEndian.PutUint64(frame, sequence(cur)+1)
	copy(frame[seqSize:], data)
	return lock.WriteBytes(frame)
}

// Receive returns the current message if this transport has not returned
// it before.
func (t *SegmentTransport) Receive() ([]byte, error) {
	seg, err := t.segment()
	if err != nil {
		return nil, err
	}
	ctx, cancel := t.context()
	defer cancel()
	frame, err := seg.ReadBytes(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	seq := sequence(frame)
	if seq == 0 || seq == t.lastSeq {
		return nil, ErrNoMessage
	}
	t.lastSeq = seq
	return frame[seqSize:], nil
}

// Await polls Receive with exponential backoff until a message arrives or
// ctx is done.
func (t *SegmentTransport) Await(ctx context.Context) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.RetryWithData(func() ([]byte, error) {
		data, err := t.Receive()
		if err == nil || errors.Is(err, ErrNoMessage) {
			return data, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func sequence(frame []byte) uint64 {
	if len(frame) < seqSize {
		return 0
	}
	return binary.LittleEndian.Uint64(frame)
}
