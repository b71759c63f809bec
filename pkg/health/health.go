// Package health exposes liveness and readiness of the segments a process
// keeps open.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmseg/pkg/shm"
)

// DefaultLockTimeout bounds how long a readiness check waits for a named mutex.
const DefaultLockTimeout = 250 * time.Millisecond

// HealthProvider reports the health of named segments.
type HealthProvider interface {
	// LivenessCheck reports whether the segment is open and mapped.
	LivenessCheck(name string) (bool, error)
	// ReadinessCheck fails when the segment's named mutex cannot be taken
	// in time.
	ReadinessCheck(name string) error
}

// Checker implements HealthProvider over a shm.Registry.
type Checker struct {
	registry    *shm.Registry
	lockTimeout time.Duration
}

// NewChecker returns a checker; a non-positive lockTimeout selects
// DefaultLockTimeout.
func NewChecker(registry *shm.Registry, lockTimeout time.Duration) *Checker {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Checker{registry: registry, lockTimeout: lockTimeout}
}

func (c *Checker) LivenessCheck(name string) (bool, error) {
	seg, ok := c.registry.Get(name)
	if !ok {
		return false, fmt.Errorf("segment %q is not open", name)
	}
	if seg.IsClosed() {
		return false, fmt.Errorf("segment %q is closed", name)
	}
	return true, nil
}

func (c *Checker) ReadinessCheck(name string) error {
	seg, ok := c.registry.Get(name)
	if !ok {
		return fmt.Errorf("segment %q is not open", name)
	}
	lock, err := seg.AcquireLockTimeout(c.lockTimeout)
	if err != nil {
		return fmt.Errorf("segment %q: %w", name, err)
	}
	return lock.Release()
}

// Live checks every registered segment.
func (c *Checker) Live() error {
	var errs []error
	c.registry.Each(func(name string, _ *shm.Segment) {
		if _, err := c.LivenessCheck(name); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// Ready checks every registered segment.
func (c *Checker) Ready() error {
	var errs []error
	c.registry.Each(func(name string, _ *shm.Segment) {
		if err := c.ReadinessCheck(name); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// Options configures NewHandler.
type Options struct {
	// LockTimeout bounds each readiness lock attempt.
	LockTimeout time.Duration
	// Registerer, when set, also exports check results as Prometheus gauges.
	Registerer prometheus.Registerer
	// Namespace prefixes the exported gauges.
	Namespace string
}

// NewHandler serves /live and /ready for the segments in registry. Segments
// registered at call time get their own "lock:<name>" readiness check; the
// aggregate "segments-lockable" check covers later ones.
func NewHandler(registry *shm.Registry, opts Options) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, opts.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	c := NewChecker(registry, opts.LockTimeout)
	budget := 4*c.lockTimeout + time.Second

	h.AddLivenessCheck("segments-mapped", c.Live)
	h.AddReadinessCheck("segments-lockable", healthcheck.Timeout(c.Ready, budget))
	for _, name := range registry.Names() {
		h.AddReadinessCheck("lock:"+name, healthcheck.Timeout(func() error {
			return c.ReadinessCheck(name)
		}, budget))
	}
	return h
}
