package shm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ScopedLock is a held named mutex. Release it exactly once; further
// releases are no-ops, and so is releasing a nil lock, which is what
// unsynchronized segments hand out.
//
// The named mutex is not re-entrant. While holding a ScopedLock use its
// ReadBytes and WriteBytes; the Segment methods would wait for the lock
// held by the caller.
type ScopedLock struct {
	seg      *Segment
	released atomic.Bool
}

// AcquireLock takes the segment's named mutex, waiting until ctx is done.
// A context without a deadline waits forever. Unsynchronized segments
// return a nil lock immediately.
func (s *Segment) AcquireLock(ctx context.Context) (*ScopedLock, error) {
	if !s.opts.Synchronized {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		return nil, nil
	}
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	if err := s.lockNamed(ctx); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	return &ScopedLock{seg: s}, nil
}

// AcquireLockTimeout is AcquireLock bounded by d. A non-positive d tries
// once without waiting.
func (s *Segment) AcquireLockTimeout(d time.Duration) (*ScopedLock, error) {
	if d > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		return s.AcquireLock(ctx)
	}
	if !s.opts.Synchronized {
		return s.AcquireLock(context.Background())
	}
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	ok, err := s.mutex.TryLock()
	if err != nil || !ok {
		s.mu.RUnlock()
		if err != nil {
			return nil, platformError("lock", s.name, err)
		}
		return nil, fmt.Errorf("%w: %q", ErrLockTimeout, s.name)
	}
	return &ScopedLock{seg: s}, nil
}

// Release unlocks the named mutex.
func (l *ScopedLock) Release() error {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return nil
	}
	s := l.seg
	defer s.mu.RUnlock()
	if err := s.mutex.Unlock(); err != nil {
		return platformError("unlock", s.name, err)
	}
	return nil
}

// Close is Release, for defer and io.Closer.
func (l *ScopedLock) Close() error {
	return l.Release()
}

func (l *ScopedLock) held() error {
	if l == nil || l.released.Load() {
		return fmt.Errorf("%w: lock not held", ErrClosed)
	}
	return nil
}

// ReadBytes is Segment.ReadBytes inside the held lock.
func (l *ScopedLock) ReadBytes() ([]byte, error) {
	if err := l.held(); err != nil {
		return nil, err
	}
	data, err := l.seg.readLocked()
	if err == nil {
		l.seg.metrics.addBytes("read", len(data))
	}
	return data, err
}

// WriteBytes is Segment.WriteBytes inside the held lock.
func (l *ScopedLock) WriteBytes(data []byte) error {
	if err := l.held(); err != nil {
		return err
	}
	s := l.seg
	if int64(len(data)) > s.EffectiveSize() {
		s.metrics.capacityRejected()
		return &CapacityError{Need: int64(len(data)), Have: s.EffectiveSize()}
	}
	s.writeLocked(data)
	s.metrics.addBytes("write", len(data))
	return nil
}
