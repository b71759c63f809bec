package shm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmseg/internal/logging"
	internalshm "github.com/srediag/shmseg/internal/shm"
	"github.com/srediag/shmseg/pkg/audit"
	"github.com/srediag/shmseg/pkg/nativemem"
)

var logger = logging.New("shm", os.Stderr)

const (
	wordCompleteSize = 0
	wordDataLength   = 1
)

// Segment is a named block of memory shared between processes. The first
// two words hold the complete mapped size and the length of the current
// payload; the payload follows.
//
// A Segment is safe for concurrent use. When synchronized, every read and
// write holds the named mutex, which also excludes other processes.
type Segment struct {
	name         string
	opts         OpenOptions
	completeSize int64
	attached     bool

	// mu keeps the mapping alive for in-flight operations; Close takes it
	// exclusively.
	mu     sync.RWMutex
	closed atomic.Bool

	mutex  *internalshm.NamedMutex
	region *internalshm.MappedRegion
	buf    *nativemem.Buffer
	header *nativemem.Array[int64]

	tel     *telemetry
	metrics *Metrics
}

// Info describes a segment.
type Info struct {
	Name          string `json:"name" yaml:"name"`
	CompleteSize  int64  `json:"complete_size" yaml:"complete_size"`
	EffectiveSize int64  `json:"effective_size" yaml:"effective_size"`
	DataLength    int64  `json:"data_length" yaml:"data_length"`
	Attached      bool   `json:"attached" yaml:"attached"`
	Synchronized  bool   `json:"synchronized" yaml:"synchronized"`
}

// Open creates or attaches the segment described by opts.
//
// Construction holds the named mutex from before the OS object is touched
// until the header is consistent, whether or not the segment is
// synchronized. A failed Open leaves nothing behind.
func Open(ctx context.Context, opts OpenOptions) (s *Segment, err error) {
	if err := opts.Verify(); err != nil {
		return nil, err
	}
	tel := newTelemetry(opts.Meter, opts.Tracer)
	ctx, span := tel.start(ctx, "open", opts.Name)
	defer func() {
		tel.finish(ctx, span, "open", opts.Name, err)
		opts.Metrics.observeOp("open", err)
		if err != nil {
			logger.Debugf("open %q (%v): %v", opts.Name, opts.Mode, err)
		}
	}()

	if opts.Mode != ModeAttach && opts.Size > 0 && !opts.SkipSpaceCheck {
		if err := internalshm.CheckSpace(opts.dir(), int64(opts.Size)+HeaderSize); err != nil {
			if errors.Is(err, ErrInsufficientSpace) {
				return nil, fmt.Errorf("shm: create %q: %w", opts.Name, err)
			}
			logger.Warnf("skipping space check for %q: %v", opts.Name, err)
		}
	}

	mutex, err := internalshm.OpenMutex(opts.Name, opts.Dir)
	if err != nil {
		return nil, platformError("open mutex", opts.Name, err)
	}
	start := time.Now()
	err = mutex.Lock(ctx)
	opts.Metrics.observeLockWait(time.Since(start))
	if err != nil {
		_ = mutex.Close()
		return nil, lockError(opts.Name, err)
	}

	s = &Segment{
		name:    opts.Name,
		opts:    opts,
		mutex:   mutex,
		tel:     tel,
		metrics: opts.Metrics,
	}
	err = s.initLocked(ctx)
	if err != nil {
		if rerr := s.release(); rerr != nil {
			logger.Warnf("cleanup after failed open of %q: %v", s.name, rerr)
		}
	}
	if uerr := mutex.Unlock(); uerr != nil && err == nil {
		err = platformError("unlock", s.name, uerr)
		if rerr := s.release(); rerr != nil {
			logger.Warnf("cleanup after failed open of %q: %v", s.name, rerr)
		}
	}
	if err != nil {
		_ = mutex.Close()
		return nil, err
	}

	s.metrics.segmentOpened()
	if opts.Registry != nil {
		opts.Registry.add(s)
	}
	s.audit(audit.EventOpen, map[string]interface{}{
		"name":     s.name,
		"mode":     opts.Mode.String(),
		"attached": s.attached,
		"size":     s.EffectiveSize(),
	})
	runtime.SetFinalizer(s, (*Segment).finalize)
	return s, nil
}

// initLocked creates or attaches the OS object, maps it and settles the
// header. The named mutex is held.
func (s *Segment) initLocked(ctx context.Context) error {
	mode := s.opts.Mode
	size := 0
	if mode != ModeAttach && s.opts.Size > 0 {
		size = s.opts.Size + HeaderSize
	}
	region, err := internalshm.OpenRegion(ctx, internalshm.MapOptions{
		Name:   s.name,
		Dir:    s.opts.Dir,
		Size:   size,
		Create: mode != ModeAttach,
		Perm:   s.opts.perm(),
	})
	if err != nil {
		if mode == ModeAttach && errors.Is(err, fs.ErrNotExist) {
			return notFoundError(s.name, err)
		}
		if errors.Is(err, internalshm.ErrInvalidSize) {
			return fmt.Errorf("%w: %q does not exist and size %d cannot create it: %w", ErrInvalidArgument, s.name, s.opts.Size, err)
		}
		op := "create"
		if mode == ModeAttach {
			op = "attach"
		}
		return platformError(op, s.name, err)
	}
	s.region = region

	if mode == ModeCreate && region.Existed {
		return alreadyExistsError(s.name)
	}
	if err := region.Map(); err != nil {
		return platformError("map", s.name, err)
	}
	if len(region.Addr) < HeaderSize {
		return fmt.Errorf("%w: %q maps %d bytes", ErrCorruptHeader, s.name, len(region.Addr))
	}

	s.header, err = nativemem.WrapArray[int64](nativemem.Wrap(region.Addr[:HeaderSize]))
	if err != nil {
		return err
	}
	s.attached = region.Existed
	if s.attached {
		size := s.loadWord(wordCompleteSize)
		if size < HeaderSize || size > int64(len(region.Addr)) {
			return fmt.Errorf("%w: %q records %d bytes, mapping has %d", ErrCorruptHeader, s.name, size, len(region.Addr))
		}
		s.completeSize = size
	} else {
		s.completeSize = int64(s.opts.Size) + HeaderSize
		s.storeWord(wordCompleteSize, s.completeSize)
		s.storeWord(wordDataLength, 0)
	}
	s.buf = nativemem.Wrap(region.Addr[:s.completeSize])
	return nil
}

// release drops the mapping and the OS object handle. Open's failure path
// and Close both end here, with the named mutex held when possible.
func (s *Segment) release() error {
	if s.buf != nil {
		s.buf.Detach()
		s.buf = nil
	}
	if s.header != nil {
		s.header.Buffer().Detach()
		s.header = nil
	}
	if s.region == nil {
		return nil
	}
	region := s.region
	s.region = nil
	if err := region.Close(); err != nil {
		return platformError("close", s.name, err)
	}
	return nil
}

func (s *Segment) loadWord(i int) int64 {
	p, err := s.header.ElementPointer(i)
	if err != nil {
		panic(err)
	}
	return internalshm.AtomicLoadInt64(p)
}

func (s *Segment) storeWord(i int, v int64) {
	p, err := s.header.ElementPointer(i)
	if err != nil {
		panic(err)
	}
	internalshm.AtomicStoreInt64(p, v)
}

func (s *Segment) payload() []byte {
	return s.buf.Bytes()[HeaderSize:]
}

// Create makes a new synchronized or unsynchronized segment with size
// payload bytes. It fails with ErrAlreadyExists if the name is alive.
func Create(ctx context.Context, name string, size int, synchronized bool) (*Segment, error) {
	opts := DefaultOpenOptions(name)
	opts.Mode = ModeCreate
	opts.Size = size
	opts.Synchronized = synchronized
	return Open(ctx, opts)
}

// Attach opens a live segment. It fails with ErrNotFound if there is none.
func Attach(ctx context.Context, name string, synchronized bool) (*Segment, error) {
	opts := DefaultOpenOptions(name)
	opts.Mode = ModeAttach
	opts.Size = 0
	opts.Synchronized = synchronized
	return Open(ctx, opts)
}

// CreateOrAttach attaches a live segment or creates one with size payload
// bytes.
func CreateOrAttach(ctx context.Context, name string, size int, synchronized bool) (*Segment, error) {
	opts := DefaultOpenOptions(name)
	opts.Mode = ModeCreateOrAttach
	opts.Size = size
	opts.Synchronized = synchronized
	return Open(ctx, opts)
}

// NewFromBytes creates a segment sized to data and stores data in it.
// opts.Mode and opts.Size are ignored.
func NewFromBytes(ctx context.Context, opts OpenOptions, data []byte) (*Segment, error) {
	opts.Mode = ModeCreate
	opts.Size = len(data)
	s, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := s.WriteBytes(ctx, data); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewFromReader creates a segment holding everything read from r.
func NewFromReader(ctx context.Context, opts OpenOptions, r io.Reader) (*Segment, error) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if _, err := bb.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("shm: read source for %q: %w", opts.Name, err)
	}
	return NewFromBytes(ctx, opts, bb.B)
}

// Name returns the segment name.
func (s *Segment) Name() string {
	return s.name
}

// CompleteSize is the mapped size including the header.
func (s *Segment) CompleteSize() int64 {
	return s.completeSize
}

// EffectiveSize is the payload capacity.
func (s *Segment) EffectiveSize() int64 {
	return s.completeSize - HeaderSize
}

// IsAttached reports whether Open found the segment already alive.
func (s *Segment) IsAttached() bool {
	return s.attached
}

// IsSynchronized reports whether reads and writes take the named mutex.
func (s *Segment) IsSynchronized() bool {
	return s.opts.Synchronized
}

// IsClosed reports whether Close was called.
func (s *Segment) IsClosed() bool {
	return s.closed.Load()
}

// enter pins the mapping and, for synchronized segments, takes the named
// mutex. The returned func undoes both.
func (s *Segment) enter(ctx context.Context) (func(), error) {
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	if !s.opts.Synchronized {
		return s.mu.RUnlock, nil
	}
	if err := s.lockNamed(ctx); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	return func() {
		if err := s.mutex.Unlock(); err != nil {
			logger.Warnf("unlock %q: %v", s.name, err)
		}
		s.mu.RUnlock()
	}, nil
}

func (s *Segment) lockNamed(ctx context.Context) error {
	start := time.Now()
	err := s.mutex.Lock(ctx)
	s.metrics.observeLockWait(time.Since(start))
	if err != nil {
		err = lockError(s.name, err)
		if errors.Is(err, ErrLockTimeout) {
			s.audit(audit.EventLockTimeout, map[string]interface{}{"name": s.name})
		}
		return err
	}
	return nil
}

// WriteBytes replaces the payload with data. A payload larger than
// EffectiveSize is rejected with a *CapacityError before anything changes.
func (s *Segment) WriteBytes(ctx context.Context, data []byte) (err error) {
	if int64(len(data)) > s.EffectiveSize() {
		s.metrics.capacityRejected()
		s.audit(audit.EventCapacityRejected, map[string]interface{}{
			"name": s.name,
			"need": len(data),
			"have": s.EffectiveSize(),
		})
		return &CapacityError{Need: int64(len(data)), Have: s.EffectiveSize()}
	}
	ctx, span := s.tel.start(ctx, "write", s.name)
	defer func() {
		s.tel.finish(ctx, span, "write", s.name, err)
		s.metrics.observeOp("write", err)
	}()

	leave, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	s.writeLocked(data)
	s.tel.addBytes(ctx, "write", s.name, len(data))
	s.metrics.addBytes("write", len(data))
	return nil
}

func (s *Segment) writeLocked(data []byte) {
	copy(s.payload(), data)
	s.storeWord(wordDataLength, int64(len(data)))
}

// ReadBytes returns a copy of the current payload.
func (s *Segment) ReadBytes(ctx context.Context) (data []byte, err error) {
	ctx, span := s.tel.start(ctx, "read", s.name)
	defer func() {
		s.tel.finish(ctx, span, "read", s.name, err)
		s.metrics.observeOp("read", err)
	}()

	leave, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer leave()
	data, err = s.readLocked()
	if err != nil {
		return nil, err
	}
	s.tel.addBytes(ctx, "read", s.name, len(data))
	s.metrics.addBytes("read", len(data))
	return data, nil
}

func (s *Segment) readLocked() ([]byte, error) {
	n := s.loadWord(wordDataLength)
	if n < 0 || n > s.EffectiveSize() {
		return nil, fmt.Errorf("%w: %q data length %d outside [0, %d]", ErrCorruptHeader, s.name, n, s.EffectiveSize())
	}
	out := make([]byte, n)
	copy(out, s.payload()[:n])
	return out, nil
}

// WriteTo copies the payload to w, waiting for the lock without a limit.
func (s *Segment) WriteTo(w io.Writer) (int64, error) {
	return s.CopyTo(context.Background(), w)
}

// CopyTo is WriteTo with the lock wait bounded by ctx.
func (s *Segment) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	data, err := s.ReadBytes(ctx)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// ReadFrom replaces the payload with everything read from r. A source
// longer than EffectiveSize is rejected and the payload is left unchanged.
func (s *Segment) ReadFrom(r io.Reader) (int64, error) {
	return s.CopyFrom(context.Background(), r)
}

// CopyFrom is ReadFrom with the lock wait bounded by ctx.
func (s *Segment) CopyFrom(ctx context.Context, r io.Reader) (int64, error) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	n, err := bb.ReadFrom(io.LimitReader(r, s.EffectiveSize()+1))
	if err != nil {
		return n, fmt.Errorf("shm: read source for %q: %w", s.name, err)
	}
	if err := s.WriteBytes(ctx, bb.B); err != nil {
		return 0, err
	}
	return n, nil
}

// Info returns the sizes, flags and current data length.
func (s *Segment) Info(ctx context.Context) (Info, error) {
	leave, err := s.enter(ctx)
	if err != nil {
		return Info{}, err
	}
	defer leave()
	return Info{
		Name:          s.name,
		CompleteSize:  s.completeSize,
		EffectiveSize: s.EffectiveSize(),
		DataLength:    s.loadWord(wordDataLength),
		Attached:      s.attached,
		Synchronized:  s.opts.Synchronized,
	}, nil
}

// Close unmaps the segment and releases its handles. Close is idempotent.
//
// Operations and ScopedLocks of this process must finish first. If they do
// not within OpenOptions.CloseTimeout, Close returns ErrLockTimeout and the
// segment stays open, so a goroutine holding a ScopedLock must release it
// before closing. The named mutex is waited for with the rest of the
// timeout; past that Close proceeds without it.
func (s *Segment) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.closeTimeout())
	defer cancel()
	return s.close(ctx, false)
}

func (s *Segment) finalize() {
	logger.Warnf("segment %q was garbage collected without Close", s.name)
	_ = s.close(context.Background(), true)
}

// lockHandle takes s.mu for writing, giving up when ctx is done.
func (s *Segment) lockHandle(ctx context.Context, tryOnly bool) bool {
	if s.mu.TryLock() {
		return true
	}
	if tryOnly {
		return false
	}
	acquired := make(chan struct{})
	go func() {
		s.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return true
	case <-ctx.Done():
		go func() {
			<-acquired
			s.mu.Unlock()
		}()
		return false
	}
}

func (s *Segment) close(ctx context.Context, tryOnly bool) (err error) {
	if s.closed.Load() {
		return nil
	}
	if !s.lockHandle(ctx, tryOnly) {
		return fmt.Errorf("%w: %q has operations in flight in this process", ErrLockTimeout, s.name)
	}
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	runtime.SetFinalizer(s, nil)

	ctx, span := s.tel.start(ctx, "close", s.name)
	defer func() {
		s.tel.finish(ctx, span, "close", s.name, err)
		s.metrics.observeOp("close", err)
	}()

	var locked bool
	if tryOnly {
		locked, err = s.mutex.TryLock()
	} else {
		err = s.mutex.Lock(ctx)
		locked = err == nil
	}
	if !locked {
		logger.Warnf("closing %q without the named mutex (err=%v)", s.name, err)
	}

	err = s.release()
	if locked {
		if uerr := s.mutex.Unlock(); uerr != nil && err == nil {
			err = platformError("unlock", s.name, uerr)
		}
	}
	if cerr := s.mutex.Close(); cerr != nil && err == nil {
		err = platformError("close mutex", s.name, cerr)
	}

	s.metrics.segmentClosed()
	if s.opts.Registry != nil {
		s.opts.Registry.remove(s)
	}
	s.audit(audit.EventClose, map[string]interface{}{"name": s.name})
	return err
}

func (s *Segment) audit(event string, details map[string]interface{}) {
	if s.opts.Audit == nil {
		return
	}
	if err := s.opts.Audit.LogEvent(event, details); err != nil {
		logger.Warnf("audit %s for %q: %v", event, s.name, err)
	}
}
