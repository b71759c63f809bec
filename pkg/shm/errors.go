package shm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	internalshm "github.com/srediag/shmseg/internal/shm"
)

var (
	// ErrInvalidArgument reports a bad name, size or mode. Nothing was created.
	ErrInvalidArgument = errors.New("shm: invalid argument")
	// ErrCapacity reports a payload larger than the segment's effective size.
	ErrCapacity = errors.New("shm: payload exceeds segment capacity")
	// ErrSerialization reports an object that could not be encoded or decoded.
	ErrSerialization = errors.New("shm: serialization failed")
	// ErrClosed is returned by operations on a closed segment.
	ErrClosed = errors.New("shm: segment is closed")
	// ErrLockTimeout is returned when the named mutex is not acquired in time.
	ErrLockTimeout = errors.New("shm: lock acquisition timed out")
	// ErrCorruptHeader reports header words inconsistent with the mapping.
	ErrCorruptHeader = errors.New("shm: corrupt segment header")
	// ErrAlreadyExists is returned by ModeCreate when the segment is alive.
	ErrAlreadyExists = errors.New("shm: segment already exists")
	// ErrNotFound is returned by ModeAttach when no segment has that name.
	ErrNotFound = errors.New("shm: segment not found")

	// ErrInsufficientSpace reports a backing store too small for a new segment.
	ErrInsufficientSpace = internalshm.ErrNoSpace
	// ErrUnsupportedPlatform is returned where no shared memory backend exists.
	ErrUnsupportedPlatform = internalshm.ErrUnsupported
)

// PlatformError is a failure reported by the operating system, carrying its
// error number.
type PlatformError struct {
	Op   string
	Name string
	Code int
	Err  error
}

func (e *PlatformError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("shm: %s %q: %v (code %d)", e.Op, e.Name, e.Err, e.Code)
	}
	return fmt.Sprintf("shm: %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// CapacityError is returned when a payload does not fit. It matches ErrCapacity.
type CapacityError struct {
	Need int64
	Have int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v: need %d bytes, have %d", ErrCapacity, e.Need, e.Have)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

func platformError(op, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, internalshm.ErrInvalidName):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, internalshm.ErrUnsupported):
		return err
	}
	return &PlatformError{Op: op, Name: name, Code: internalshm.ErrorCode(err), Err: err}
}

func notFoundError(name string, err error) error {
	if err == nil {
		err = fs.ErrNotExist
	}
	code := internalshm.ErrorCode(err)
	if code == 0 {
		code = internalshm.CodeNotFound
	}
	return &PlatformError{Op: "attach", Name: name, Code: code, Err: fmt.Errorf("%w: %w", ErrNotFound, err)}
}

func alreadyExistsError(name string) error {
	return &PlatformError{Op: "create", Name: name, Code: internalshm.CodeAlreadyExists, Err: ErrAlreadyExists}
}

func lockError(name string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %q", ErrLockTimeout, name)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("shm: lock %q: %w", name, err)
	}
	return platformError("lock", name, err)
}
