package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmseg/pkg/lifecycle"
	"github.com/srediag/shmseg/pkg/shm"
)

var nameSeq int

// useTempDir points the global --dir flag at a fresh directory and resets
// the output flags for the duration of the test.
func useTempDir(t *testing.T) string {
	t.Helper()
	prevDir, prevJSON, prevQuiet := dir, jsonOut, quiet
	dir = t.TempDir()
	jsonOut, quiet = false, false
	t.Cleanup(func() {
		dir, jsonOut, quiet = prevDir, prevJSON, prevQuiet
	})
	return dir
}

func uniqueName(prefix string) string {
	nameSeq++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), nameSeq)
}

func openTestSegment(t *testing.T, name string, size int) *shm.Segment {
	t.Helper()
	opts := segmentOptions(name)
	opts.Mode = shm.ModeCreate
	opts.Size = size
	seg, err := shm.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = seg.Close() })
	return seg
}

func TestWriteReadInfo(t *testing.T) {
	useTempDir(t)
	ctx := context.Background()
	name := uniqueName("cli")
	seg := openTestSegment(t, name, 64)

	var out bytes.Buffer
	require.NoError(t, runWrite(ctx, &out, name, "hello", nil, time.Second))
	assert.Contains(t, out.String(), "Wrote 5 bytes")

	data, err := seg.ReadBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out.Reset()
	require.NoError(t, runRead(ctx, &out, name, time.Second))
	assert.Equal(t, "hello", out.String())

	out.Reset()
	require.NoError(t, runWrite(ctx, &out, name, "", strings.NewReader("from stdin"), time.Second))
	out.Reset()
	require.NoError(t, runRead(ctx, &out, name, time.Second))
	assert.Equal(t, "from stdin", out.String())

	jsonOut = true
	out.Reset()
	require.NoError(t, runInfo(ctx, &out, name, time.Second))
	var info shm.Info
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, name, info.Name)
	assert.Equal(t, int64(64), info.EffectiveSize)
	assert.Equal(t, int64(10), info.DataLength)
	assert.True(t, info.Attached)
}

func TestReadAndWriteHonorTimeout(t *testing.T) {
	useTempDir(t)
	name := uniqueName("cli-busy")
	seg := openTestSegment(t, name, 16)

	lock, err := seg.AcquireLock(context.Background())
	require.NoError(t, err)
	defer lock.Release()

	start := time.Now()
	err = runRead(context.Background(), io.Discard, name, 50*time.Millisecond)
	assert.ErrorIs(t, err, shm.ErrLockTimeout)
	err = runWrite(context.Background(), io.Discard, name, "", strings.NewReader("x"), 50*time.Millisecond)
	assert.ErrorIs(t, err, shm.ErrLockTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	useTempDir(t)
	name := uniqueName("cli-cap")
	openTestSegment(t, name, 4)

	err := runWrite(context.Background(), io.Discard, name, "too long", nil, time.Second)
	assert.ErrorIs(t, err, shm.ErrCapacity)
}

func TestInfoMissingSegment(t *testing.T) {
	useTempDir(t)
	err := runInfo(context.Background(), io.Discard, uniqueName("missing"), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, shm.ErrNotFound)
}

func TestCreateWithoutHold(t *testing.T) {
	useTempDir(t)
	name := uniqueName("cli-create")

	var out bytes.Buffer
	err := runCreate(context.Background(), &out, name, createFlags{size: 32, data: "seed", timeout: time.Second})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Segment "+name)
	assert.Contains(t, out.String(), "Data length:    4 bytes")

	// The only handle was closed, so the segment is gone.
	err = runInfo(context.Background(), io.Discard, name, time.Second)
	assert.ErrorIs(t, err, shm.ErrNotFound)
}

func TestCreateHoldsUntilCancelled(t *testing.T) {
	useTempDir(t)
	name := uniqueName("cli-hold")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- runCreate(ctx, io.Discard, name, createFlags{size: 32, data: "held", hold: true, timeout: time.Second})
	}()

	require.Eventually(t, func() bool {
		return runInfo(context.Background(), io.Discard, name, time.Second) == nil
	}, 5*time.Second, 10*time.Millisecond)

	var out bytes.Buffer
	require.NoError(t, runRead(context.Background(), &out, name, time.Second))
	assert.Equal(t, "held", out.String())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("create did not return after cancel")
	}
}

func TestServerEndpoints(t *testing.T) {
	tmp := useTempDir(t)
	name := uniqueName("served")
	cfg := lifecycle.DefaultConfig()
	cfg.Dir = tmp
	cfg.Segments = []lifecycle.SegmentConfig{
		{Name: name, Mode: shm.ModeCreate, Size: 128, Initial: "boot"},
	}
	require.NoError(t, cfg.Verify())

	s, err := newServer(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	ts := httptest.NewServer(s.handler)
	defer ts.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/live")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get("/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body := get("/segments")
	require.Equal(t, http.StatusOK, code)
	var infos []shm.Info
	require.NoError(t, json.Unmarshal([]byte(body), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, name, infos[0].Name)
	assert.Equal(t, int64(4), infos[0].DataLength)

	code, body = get("/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "shmseg_open_segments 1")
	assert.Contains(t, body, "shmseg_operations_total")
}

func TestServerStartFailureClosesSegments(t *testing.T) {
	tmp := useTempDir(t)
	first := uniqueName("ok")
	cfg := lifecycle.DefaultConfig()
	cfg.Dir = tmp
	cfg.Segments = []lifecycle.SegmentConfig{
		{Name: first, Mode: shm.ModeCreate, Size: 16},
		{Name: uniqueName("absent"), Mode: shm.ModeAttach},
	}

	_, err := newServer(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, shm.ErrNotFound)

	err = runInfo(context.Background(), io.Discard, first, time.Second)
	assert.ErrorIs(t, err, shm.ErrNotFound)
}

func TestBench(t *testing.T) {
	useTempDir(t)
	jsonOut = true

	var out bytes.Buffer
	err := runBench(context.Background(), &out, uniqueName("bench"), benchFlags{
		size:      256,
		payload:   64,
		ops:       50,
		workers:   4,
		opTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	var res benchResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 50, res.Ops)
	assert.Zero(t, res.Errors)
	assert.Equal(t, 4, res.Workers)
	assert.LessOrEqual(t, res.Min, res.P50)
	assert.LessOrEqual(t, res.P50, res.P99)
	assert.LessOrEqual(t, res.P99, res.Max)
}

func TestBenchRejectsBadFlags(t *testing.T) {
	useTempDir(t)
	assert.Error(t, runBench(context.Background(), io.Discard, "b", benchFlags{size: 8, payload: 16, ops: 1, workers: 1}))
	assert.Error(t, runBench(context.Background(), io.Discard, "b", benchFlags{size: 8, payload: 1, ops: 0, workers: 1}))
}

func TestSummarize(t *testing.T) {
	samples := make([]benchSample, 0, 101)
	for i := 100; i >= 1; i-- {
		samples = append(samples, benchSample{latency: time.Duration(i) * time.Millisecond})
	}
	samples = append(samples, benchSample{err: shm.ErrLockTimeout})

	res := summarize(samples, time.Second)
	assert.Equal(t, 101, res.Ops)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, time.Millisecond, res.Min)
	assert.Equal(t, 100*time.Millisecond, res.Max)
	assert.Equal(t, 50*time.Millisecond, res.P50)
	assert.Equal(t, 99*time.Millisecond, res.P99)
	assert.Equal(t, 50500*time.Microsecond, res.Avg)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	defer versionCmd.SetOut(nil)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "shmseg "+version)
}
