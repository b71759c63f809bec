//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmseg/internal/logging"
)

const (
	filePrefix  = "shmseg."
	mutexSuffix = ".mutex"

	// MaxNameLength keeps "shmseg.<name>.mutex" within one file name component.
	MaxNameLength = 255 - len(filePrefix) - len(mutexSuffix)

	invalidNameChars = "/\x00"
)

// OS error numbers reported for the create and attach policy failures.
var (
	CodeAlreadyExists = int(unix.EEXIST)
	CodeNotFound      = int(unix.ENOENT)
)

var logger = logging.New("shm", os.Stderr)

// DefaultDir returns /dev/shm when it exists, the temp dir otherwise.
func DefaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func resolveDir(dir string) string {
	if dir == "" {
		return DefaultDir()
	}
	return dir
}

// ObjectPath returns the backing file of the named object.
func ObjectPath(dir, name string) string {
	return filepath.Join(resolveDir(dir), filePrefix+name)
}

// MutexPath returns the lock file of the named mutex.
func MutexPath(dir, name string) string {
	return filepath.Join(resolveDir(dir), filePrefix+name+mutexSuffix)
}

// regionSys holds the backing file. Every open handle keeps a shared flock
// on it; the handle that can upgrade to an exclusive lock on close is the
// last one and removes the file.
type regionSys struct {
	fd   int
	path string
}

// OpenRegion creates or opens the named object without mapping it. Callers
// serialize OpenRegion and Close with the object's NamedMutex.
func OpenRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := ObjectPath(opts.Dir, opts.Name)
	r := &MappedRegion{Name: opts.Name, sys: regionSys{fd: -1, path: path}}

	if opts.Size < 0 {
		return nil, fmt.Errorf("create %s: %w %d", path, ErrInvalidSize, opts.Size)
	}
	if opts.Create && opts.Size > 0 {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, opts.perm())
		switch {
		case err == nil:
			r.sys.fd = fd
			if err := r.initFresh(opts.Size); err != nil {
				_ = unix.Unlink(path)
				_ = unix.Close(fd)
				return nil, err
			}
			return r, nil
		case !errors.Is(err, unix.EEXIST):
			return nil, fmt.Errorf("open: %w", err)
		}
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if opts.Create && errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("create %s: %w %d", path, ErrInvalidSize, opts.Size)
		}
		return nil, fmt.Errorf("open: %w", err)
	}
	r.sys.fd = fd

	// A file nobody holds a shared lock on was left behind by a process
	// that died without closing.
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err == nil {
		logger.Infof("reclaiming stale object %s", path)
		if !opts.Create || opts.Size == 0 {
			_ = unix.Unlink(path)
			_ = unix.Close(fd)
			if opts.Create {
				return nil, fmt.Errorf("create %s: %w %d", path, ErrInvalidSize, opts.Size)
			}
			return nil, fmt.Errorf("open: %w", unix.ENOENT)
		}
		if err := unix.Ftruncate(fd, 0); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
		if err := r.initFresh(opts.Size); err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
		return r, nil
	} else if !errors.Is(err, unix.EWOULDBLOCK) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("flock: %w", err)
	}

	if err := flockRetry(fd, unix.LOCK_SH); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("flock: %w", err)
	}
	r.Existed = true
	return r, nil
}

func (r *MappedRegion) initFresh(size int) error {
	if err := unix.Ftruncate(r.sys.fd, int64(size)); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}
	// Converts an exclusive lock taken during reclaim, if any.
	if err := flockRetry(r.sys.fd, unix.LOCK_SH); err != nil {
		return fmt.Errorf("flock: %w", err)
	}
	r.size = size
	return nil
}

// Map maps the whole object read-write and shared.
func (r *MappedRegion) Map() error {
	if r.Addr != nil {
		return nil
	}
	if r.sys.fd < 0 {
		return fmt.Errorf("mmap %s: %w", r.Name, unix.EBADF)
	}
	size := r.size
	if size == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(r.sys.fd, &st); err != nil {
			return fmt.Errorf("fstat: %w", err)
		}
		size = int(st.Size)
	}
	if size <= 0 {
		return fmt.Errorf("mmap %s: empty object: %w", r.Name, unix.EINVAL)
	}
	addr, err := unix.Mmap(r.sys.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	r.Addr = addr
	r.size = size
	return nil
}

// Unmap removes this process's view. The object stays open.
func (r *MappedRegion) Unmap() error {
	if r.Addr == nil {
		return nil
	}
	addr := r.Addr
	r.Addr = nil
	if err := unix.Munmap(addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Close unmaps the view and drops this handle. The backing file is removed
// when no other handle remains. Close is idempotent.
func (r *MappedRegion) Close() error {
	if r == nil {
		return nil
	}
	err := r.Unmap()
	if r.sys.fd < 0 {
		return err
	}
	fd := r.sys.fd
	r.sys.fd = -1
	if unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB) == nil {
		if uerr := unix.Unlink(r.sys.path); uerr != nil && !errors.Is(uerr, unix.ENOENT) {
			logger.Warnf("unlink %s: %v", r.sys.path, uerr)
		}
	}
	if cerr := unix.Close(fd); cerr != nil && err == nil {
		err = fmt.Errorf("close: %w", cerr)
	}
	return err
}

func flockRetry(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// NamedMutex is a cross-process mutex backed by an exclusive flock on a lock
// file. flock excludes other open file descriptions only, so a one-slot gate
// serializes goroutines sharing the handle.
//
// The lock file is never removed: a process could otherwise lock an unlinked
// file while another locks its replacement.
type NamedMutex struct {
	name string
	path string
	fd   int
	gate chan struct{}
}

// OpenMutex creates or opens the named mutex.
func OpenMutex(name, dir string) (*NamedMutex, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	path := MutexPath(dir, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open mutex: %w", err)
	}
	return &NamedMutex{
		name: name,
		path: path,
		fd:   fd,
		gate: make(chan struct{}, 1),
	}, nil
}

// Name returns the mutex name.
func (m *NamedMutex) Name() string {
	return m.name
}

// Lock blocks until the mutex is held or ctx is done. A context without a
// Done channel waits forever.
func (m *NamedMutex) Lock(ctx context.Context) error {
	select {
	case m.gate <- struct{}{}:
	default:
		select {
		case m.gate <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var err error
	if ctx.Done() == nil {
		err = flockRetry(m.fd, unix.LOCK_EX)
	} else {
		err = m.poll(ctx)
	}
	if err != nil {
		<-m.gate
		return err
	}
	return nil
}

func (m *NamedMutex) poll(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := unix.Flock(m.fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return err
		}
		return backoff.Permanent(fmt.Errorf("flock: %w", err))
	}, backoff.WithContext(b, ctx))
}

// TryLock takes the mutex only if it is free right now.
func (m *NamedMutex) TryLock() (bool, error) {
	select {
	case m.gate <- struct{}{}:
	default:
		return false, nil
	}
	err := unix.Flock(m.fd, unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	<-m.gate
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, fmt.Errorf("flock: %w", err)
}

// Unlock releases a mutex taken by Lock or TryLock.
func (m *NamedMutex) Unlock() error {
	err := flockRetry(m.fd, unix.LOCK_UN)
	select {
	case <-m.gate:
	default:
		return errors.New("unlock of unlocked mutex " + m.name)
	}
	if err != nil {
		return fmt.Errorf("flock: %w", err)
	}
	return nil
}

// Close releases the handle. A held lock is dropped with it.
func (m *NamedMutex) Close() error {
	if m == nil || m.fd < 0 {
		return nil
	}
	fd := m.fd
	m.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close mutex: %w", err)
	}
	return nil
}
