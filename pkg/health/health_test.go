package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmseg/pkg/shm"
)

func openRegistered(t *testing.T, reg *shm.Registry, dir, name string) *shm.Segment {
	t.Helper()
	opts := shm.DefaultOpenOptions(name)
	opts.Dir = dir
	opts.Size = 16
	opts.Registry = reg
	seg, err := shm.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })
	return seg
}

func get(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestHandlerReportsReadiness(t *testing.T) {
	dir := t.TempDir()
	reg := shm.NewRegistry()
	openRegistered(t, reg, dir, "ready")

	h := NewHandler(reg, Options{LockTimeout: 20 * time.Millisecond, Registerer: prometheus.NewRegistry(), Namespace: "shmseg"})
	assert.Equal(t, http.StatusOK, get(h, "/live"))
	assert.Equal(t, http.StatusOK, get(h, "/ready"))

	other := shm.DefaultOpenOptions("ready")
	other.Dir = dir
	other.Mode = shm.ModeAttach
	holder, err := shm.Open(context.Background(), other)
	require.NoError(t, err)
	defer holder.Close()
	lock, err := holder.AcquireLock(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(h, "/live"))
	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/ready"))

	require.NoError(t, lock.Release())
	assert.Equal(t, http.StatusOK, get(h, "/ready"))
}

func TestCheckerUnknownSegment(t *testing.T) {
	c := NewChecker(shm.NewRegistry(), 0)
	ok, err := c.LivenessCheck("missing")
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Error(t, c.ReadinessCheck("missing"))
	assert.NoError(t, c.Live())
	assert.NoError(t, c.Ready())
}

func TestCheckerAfterClose(t *testing.T) {
	reg := shm.NewRegistry()
	seg := openRegistered(t, reg, t.TempDir(), "gone")
	c := NewChecker(reg, 10*time.Millisecond)

	ok, err := c.LivenessCheck("gone")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, seg.Close())
	ok, _ = c.LivenessCheck("gone")
	assert.False(t, ok)
}
