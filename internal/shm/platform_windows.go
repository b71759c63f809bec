//go:build windows

package shm

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	mutexPrefix = `Global\`
	mutexSuffix = "Mutex"

	// MaxNameLength keeps the derived mutex name within MAX_PATH.
	MaxNameLength = 260 - len(mutexPrefix) - len(mutexSuffix)

	invalidNameChars = "\\\x00"

	fileMapAllAccess = 0xF001F

	waitObject0 = 0x00000000
	waitTimeout = 0x00000102
	infinite    = 0xFFFFFFFF

	pollSlice = 50 * time.Millisecond
)

// OS error numbers reported for the create and attach policy failures.
var (
	CodeAlreadyExists = int(windows.ERROR_ALREADY_EXISTS)
	CodeNotFound      = int(windows.ERROR_FILE_NOT_FOUND)
)

var (
	modkernel32            = windows.NewLazySystemDLL("kernel32.dll")
	procCreateFileMappingW = modkernel32.NewProc("CreateFileMappingW")
	procOpenFileMappingW   = modkernel32.NewProc("OpenFileMappingW")
	procCreateSemaphoreW   = modkernel32.NewProc("CreateSemaphoreW")
	procReleaseSemaphore   = modkernel32.NewProc("ReleaseSemaphore")
)

// DefaultDir is empty: mappings live in the kernel object namespace and are
// backed by the paging file.
func DefaultDir() string {
	return ""
}

// regionSys holds the mapping handle and the view address. The kernel
// destroys the object when its last handle closes.
type regionSys struct {
	handle windows.Handle
	view   uintptr
}

// OpenRegion creates or opens the named mapping without mapping a view.
func OpenRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := windows.UTF16PtrFromString(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	r := &MappedRegion{Name: opts.Name}

	if opts.Size < 0 {
		return nil, fmt.Errorf("CreateFileMapping %s: %w %d", opts.Name, ErrInvalidSize, opts.Size)
	}
	if !opts.Create || opts.Size == 0 {
		h, _, e := procOpenFileMappingW.Call(fileMapAllAccess, 0, uintptr(unsafe.Pointer(name)))
		if h == 0 {
			if opts.Create && errors.Is(e, windows.ERROR_FILE_NOT_FOUND) {
				return nil, fmt.Errorf("CreateFileMapping %s: %w %d", opts.Name, ErrInvalidSize, opts.Size)
			}
			return nil, fmt.Errorf("OpenFileMapping: %w", e)
		}
		r.sys.handle = windows.Handle(h)
		r.Existed = true
		return r, nil
	}
	size := uint64(opts.Size)
	h, _, e := procCreateFileMappingW.Call(
		uintptr(windows.InvalidHandle),
		0,
		windows.PAGE_READWRITE,
		uintptr(size>>32),
		uintptr(size&0xFFFFFFFF),
		uintptr(unsafe.Pointer(name)),
	)
	if h == 0 {
		return nil, fmt.Errorf("CreateFileMapping: %w", e)
	}
	r.sys.handle = windows.Handle(h)
	if errors.Is(e, windows.ERROR_ALREADY_EXISTS) {
		r.Existed = true
	} else {
		r.size = opts.Size
	}
	return r, nil
}

// Map maps a view of the whole object.
func (r *MappedRegion) Map() error {
	if r.Addr != nil {
		return nil
	}
	view, err := windows.MapViewOfFile(r.sys.handle, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("MapViewOfFile: %w", err)
	}
	size := r.size
	if size == 0 {
		var info windows.MemoryBasicInformation
		if err := windows.VirtualQuery(view, &info, unsafe.Sizeof(info)); err != nil {
			_ = windows.UnmapViewOfFile(view)
			return fmt.Errorf("VirtualQuery: %w", err)
		}
		size = int(info.RegionSize)
	}
	r.sys.view = view
	r.size = size
	r.Addr = unsafe.Slice((*byte)(unsafe.Pointer(view)), size)
	return nil
}

// Unmap removes this process's view. The object stays open.
func (r *MappedRegion) Unmap() error {
	if r.sys.view == 0 {
		return nil
	}
	view := r.sys.view
	r.sys.view = 0
	r.Addr = nil
	if err := windows.UnmapViewOfFile(view); err != nil {
		return fmt.Errorf("UnmapViewOfFile: %w", err)
	}
	return nil
}

// Close unmaps the view and closes the mapping handle. Close is idempotent.
func (r *MappedRegion) Close() error {
	if r == nil {
		return nil
	}
	err := r.Unmap()
	if r.sys.handle == 0 {
		return err
	}
	h := r.sys.handle
	r.sys.handle = 0
	if cerr := windows.CloseHandle(h); cerr != nil && err == nil {
		err = fmt.Errorf("CloseHandle: %w", cerr)
	}
	return err
}

// NamedMutex is a global named semaphore with a single slot. Unlike a
// Windows mutex it is not owned by a thread, so any goroutine may release it.
// It is also never abandoned: a process that exits while holding it leaves
// it held until every handle to it is closed and the object is recreated.
type NamedMutex struct {
	name   string
	handle windows.Handle
}

// OpenMutex creates or opens the named mutex.
func OpenMutex(name, _ string) (*NamedMutex, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	full, err := windows.UTF16PtrFromString(mutexPrefix + name + mutexSuffix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	h, _, e := procCreateSemaphoreW.Call(0, 1, 1, uintptr(unsafe.Pointer(full)))
	if h == 0 {
		return nil, fmt.Errorf("CreateSemaphore: %w", e)
	}
	return &NamedMutex{name: name, handle: windows.Handle(h)}, nil
}

// Name returns the mutex name.
func (m *NamedMutex) Name() string {
	return m.name
}

// Lock blocks until the mutex is held or ctx is done.
func (m *NamedMutex) Lock(ctx context.Context) error {
	for {
		wait := uint32(infinite)
		if deadline, ok := ctx.Deadline(); ok {
			wait = uint32(max(time.Until(deadline), 0) / time.Millisecond)
		} else if ctx.Done() != nil {
			wait = uint32(pollSlice / time.Millisecond)
		}
		ok, err := m.wait(wait)
		if err != nil || ok {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, hasDeadline := ctx.Deadline(); hasDeadline {
			// Woke up at the deadline before ctx noticed it.
			return context.DeadlineExceeded
		}
	}
}

func (m *NamedMutex) wait(ms uint32) (bool, error) {
	ev, err := windows.WaitForSingleObject(m.handle, ms)
	switch ev {
	case waitObject0:
		return true, nil
	case waitTimeout:
		return false, nil
	}
	return false, fmt.Errorf("WaitForSingleObject: %w", err)
}

// TryLock takes the mutex only if it is free right now.
func (m *NamedMutex) TryLock() (bool, error) {
	return m.wait(0)
}

// Unlock releases a mutex taken by Lock or TryLock.
func (m *NamedMutex) Unlock() error {
	ok, _, e := procReleaseSemaphore.Call(uintptr(m.handle), 1, 0)
	if ok == 0 {
		return fmt.Errorf("ReleaseSemaphore: %w", e)
	}
	return nil
}

// Close releases the handle.
func (m *NamedMutex) Close() error {
	if m == nil || m.handle == 0 {
		return nil
	}
	h := m.handle
	m.handle = 0
	if err := windows.CloseHandle(h); err != nil {
		return fmt.Errorf("CloseHandle: %w", err)
	}
	return nil
}
