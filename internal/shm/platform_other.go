//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package shm

import "context"

const (
	MaxNameLength    = 255
	invalidNameChars = "/\x00"
)

var (
	CodeAlreadyExists = 0
	CodeNotFound      = 0
)

func DefaultDir() string {
	return ""
}

type regionSys struct{}

func OpenRegion(context.Context, MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

func (r *MappedRegion) Map() error   { return ErrUnsupported }
func (r *MappedRegion) Unmap() error { return nil }
func (r *MappedRegion) Close() error { return nil }

type NamedMutex struct {
	name string
}

func OpenMutex(string, string) (*NamedMutex, error) {
	return nil, ErrUnsupported
}

func (m *NamedMutex) Name() string               { return m.name }
func (m *NamedMutex) Lock(context.Context) error { return ErrUnsupported }
func (m *NamedMutex) TryLock() (bool, error)     { return false, ErrUnsupported }
func (m *NamedMutex) Unlock() error              { return ErrUnsupported }
func (m *NamedMutex) Close() error               { return nil }
