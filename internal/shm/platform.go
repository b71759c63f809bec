// Package shm contains the platform layer for named shared memory: OS
// objects that can be mapped by several processes, and named mutexes that
// serialize access to them.
package shm

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/disk"
)

var (
	// ErrUnsupported is returned on platforms without a shared memory backend.
	ErrUnsupported = errors.New("shared memory is not supported on this platform")
	// ErrInvalidName is returned for names the platform cannot represent.
	ErrInvalidName = errors.New("invalid shared memory name")
	// ErrNoSpace is returned when the backing store cannot hold a new object.
	ErrNoSpace = errors.New("insufficient space for shared memory object")
	// ErrInvalidSize is returned when a new object would be made without a
	// positive size.
	ErrInvalidSize = errors.New("invalid shared memory size")
)

// MapOptions defines options for opening a shared memory object.
type MapOptions struct {
	Name string
	// Dir holds the backing files on unix. Empty means DefaultDir().
	Dir string
	// Size is needed only when a new object is actually made. With Create
	// set and Size 0 a live object is still opened; a missing or stale one
	// fails with ErrInvalidSize. Attaching takes the size of the existing
	// object.
	Size int
	// Create allows a new object to be made. An existing live object is
	// opened instead and reported through MappedRegion.Existed.
	Create bool
	// Perm applies to newly created backing files. Zero means 0600.
	Perm uint32
}

func (o MapOptions) perm() uint32 {
	if o.Perm == 0 {
		return 0o600
	}
	return o.Perm
}

// MappedRegion represents a shared memory object and, after Map, its view
// in this process.
type MappedRegion struct {
	Name string
	// Addr is the mapped view. It is nil until Map succeeds.
	Addr []byte
	// Existed is set when the object was already alive before OpenRegion.
	Existed bool

	size int
	sys  regionSys
}

// ValidateName checks name against the platform naming rules, including the
// derived mutex name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case len(name) > MaxNameLength:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(name), MaxNameLength)
	case strings.ContainsAny(name, invalidNameChars):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	}
	return nil
}

// ErrorCode extracts the OS error number carried by err, or 0.
func ErrorCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}

// CheckSpace makes sure dir has at least need free bytes. An empty dir is
// not checked.
func CheckSpace(dir string, need int64) error {
	if dir == "" {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", dir, err)
	}
	if need > 0 && usage.Free < uint64(need) {
		return fmt.Errorf("%w: %s has %d bytes free, need %d", ErrNoSpace, dir, usage.Free, need)
	}
	return nil
}
