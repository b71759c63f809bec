// Package lifecycle keeps configured segments open for the lifetime of a
// host process, so that other processes can attach to them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/srediag/shmseg/internal/logging"
	"github.com/srediag/shmseg/pkg/audit"
	"github.com/srediag/shmseg/pkg/shm"
)

// State of a hosted segment.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// ErrUnknownSegment is returned for names the host was never asked to start.
var ErrUnknownSegment = errors.New("lifecycle: unknown segment")

// LifecycleManager defines segment lifecycle management.
type LifecycleManager interface {
	// StartSegment opens a segment and keeps it open.
	StartSegment(ctx context.Context, cfg SegmentConfig) error
	// StopSegment closes a hosted segment.
	StopSegment(name string) error
	// ReloadSegment replaces the hosted handle with a fresh one.
	ReloadSegment(ctx context.Context, name string) error
	// GetState returns the current state of a segment.
	GetState(name string) (State, error)
}

type hosted struct {
	cfg   SegmentConfig
	seg   *shm.Segment
	state State
	err   error
}

// Host implements LifecycleManager.
type Host struct {
	base shm.OpenOptions
	log  *logging.Logger

	mu       sync.Mutex
	segments map[string]*hosted
}

var _ LifecycleManager = (*Host)(nil)

// NewHost returns a host opening segments with base as the option template.
// A registry is created when base has none.
func NewHost(base shm.OpenOptions) *Host {
	if base.Registry == nil {
		base.Registry = shm.NewRegistry()
	}
	return &Host{
		base:     base,
		log:      logging.New("lifecycle", os.Stderr),
		segments: make(map[string]*hosted),
	}
}

// Registry holds every running segment.
func (h *Host) Registry() *shm.Registry {
	return h.base.Registry
}

func (h *Host) StartSegment(ctx context.Context, cfg SegmentConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.segments[cfg.Name]; ok && cur.state == StateRunning {
		return fmt.Errorf("lifecycle: segment %q already running", cfg.Name)
	}
	entry := &hosted{cfg: cfg}
	h.segments[cfg.Name] = entry

	seg, err := h.open(ctx, cfg, cfg.Mode)
	if err != nil {
		entry.state, entry.err = StateFailed, err
		h.log.Warnf("start %q: %v", cfg.Name, err)
		return err
	}
	entry.seg, entry.state = seg, StateRunning
	h.log.Infof("started %q (%d bytes, attached=%v)", cfg.Name, seg.EffectiveSize(), seg.IsAttached())
	h.auditEvent(audit.EventSegmentStarted, cfg.Name)
	return nil
}

func (h *Host) open(ctx context.Context, cfg SegmentConfig, mode shm.CreationMode) (*shm.Segment, error) {
	opts := cfg.options(h.base)
	opts.Mode = mode
	seg, err := shm.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Initial != "" && !seg.IsAttached() {
		if err := seg.WriteBytes(ctx, []byte(cfg.Initial)); err != nil {
			_ = seg.Close()
			return nil, err
		}
	}
	return seg, nil
}

func (h *Host) StopSegment(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.segments[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSegment, name)
	}
	return h.stopLocked(entry)
}

func (h *Host) stopLocked(entry *hosted) error {
	if entry.state != StateRunning {
		return nil
	}
	err := entry.seg.Close()
	entry.seg = nil
	entry.state, entry.err = StateStopped, err
	h.log.Infof("stopped %q", entry.cfg.Name)
	h.auditEvent(audit.EventSegmentStopped, entry.cfg.Name)
	return err
}

// ReloadSegment attaches a new handle before closing the old one, so the
// segment and its payload survive the reload. A stopped or failed segment
// is started again with its configured mode.
func (h *Host) ReloadSegment(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.segments[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSegment, name)
	}

	mode := entry.cfg.Mode
	if entry.state == StateRunning {
		mode = shm.ModeAttach
	}
	seg, err := h.open(ctx, entry.cfg, mode)
	if err != nil {
		h.log.Warnf("reload %q: %v", name, err)
		return err
	}
	if entry.state == StateRunning {
		if err := entry.seg.Close(); err != nil {
			h.log.Warnf("reload %q: closing previous handle: %v", name, err)
		}
	}
	entry.seg, entry.state, entry.err = seg, StateRunning, nil
	h.auditEvent(audit.EventSegmentReloaded, name)
	return nil
}

func (h *Host) GetState(name string) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.segments[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSegment, name)
	}
	return entry.state, entry.err
}

// Segment returns the running handle for name.
func (h *Host) Segment(name string) (*shm.Segment, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.segments[name]
	if !ok || entry.state != StateRunning {
		return nil, false
	}
	return entry.seg, true
}

// Names lists every segment the host knows about.
func (h *Host) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.segments))
	for name := range h.segments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops every running segment.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for _, entry := range h.segments {
		if err := h.stopLocked(entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Host) auditEvent(event, name string) {
	if h.base.Audit == nil {
		return
	}
	if err := h.base.Audit.LogEvent(event, map[string]interface{}{"name": name}); err != nil {
		h.log.Warnf("audit %s: %v", event, err)
	}
}
