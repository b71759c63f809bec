package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmseg/pkg/audit"
	"github.com/srediag/shmseg/pkg/shm"
)

const sampleConfig = `
listen: 127.0.0.1:0
log_level: info
lock_timeout: 100ms
segments:
  - name: config
    mode: create
    size: 64
    initial: "v1"
  - name: scratch
    mode: create-or-attach
    size: 128
    synchronized: false
`

type HostSuite struct {
	suite.Suite
	dir  string
	ctx  context.Context
	rec  *audit.Recorder
	host *Host
}

func TestHostSuite(t *testing.T) {
	suite.Run(t, new(HostSuite))
}

func (s *HostSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.ctx = context.Background()
	s.rec = audit.NewRecorder()
	base := shm.DefaultOpenOptions("")
	base.Dir = s.dir
	base.Audit = s.rec
	s.host = NewHost(base)
}

func (s *HostSuite) TearDownTest() {
	s.NoError(s.host.Close())
}

func (s *HostSuite) TestParseConfig() {
	cfg, err := ParseConfig([]byte(sampleConfig))
	s.Require().NoError(err)
	s.Equal("127.0.0.1:0", cfg.Listen)
	s.Equal(100*time.Millisecond, cfg.LockTimeout)
	s.Require().Len(cfg.Segments, 2)
	s.Equal(shm.ModeCreate, cfg.Segments[0].Mode)
	s.True(cfg.Segments[0].synchronized())
	s.Equal(shm.ModeCreateOrAttach, cfg.Segments[1].Mode)
	s.False(cfg.Segments[1].synchronized())
}

func (s *HostSuite) TestLoadConfigDefaults() {
	path := filepath.Join(s.dir, "serve.yaml")
	s.Require().NoError(os.WriteFile(path, []byte("segments: []\n"), 0o600))
	cfg, err := LoadConfig(path)
	s.Require().NoError(err)
	s.Equal(DefaultConfig().Listen, cfg.Listen)
	s.Equal("warn", cfg.LogLevel)

	_, err = LoadConfig(filepath.Join(s.dir, "absent.yaml"))
	s.Error(err)
}

func (s *HostSuite) TestInvalidConfigs() {
	for _, doc := range []string{
		"log_level: shouting\n",
		"segments:\n  - name: a\n    size: 0\n",
		"segments:\n  - name: a/b\n    size: 8\n",
		"segments:\n  - name: a\n    mode: sometimes\n    size: 8\n",
		"segments:\n  - {name: a, size: 8}\n  - {name: a, size: 8}\n",
		"segments:\n  - {name: a, size: 2, initial: toolong}\n",
	} {
		_, err := ParseConfig([]byte(doc))
		s.Error(err, doc)
	}
}

func (s *HostSuite) TestStartWritesInitialPayload() {
	cfg, err := ParseConfig([]byte(sampleConfig))
	s.Require().NoError(err)
	for _, sc := range cfg.Segments {
		s.Require().NoError(s.host.StartSegment(s.ctx, sc))
	}
	s.Equal([]string{"config", "scratch"}, s.host.Names())
	s.Equal([]string{"config", "scratch"}, s.host.Registry().Names())

	seg, ok := s.host.Segment("config")
	s.Require().True(ok)
	data, err := seg.ReadBytes(s.ctx)
	s.Require().NoError(err)
	s.Equal("v1", string(data))

	state, err := s.host.GetState("config")
	s.NoError(err)
	s.Equal(StateRunning, state)

	s.Error(s.host.StartSegment(s.ctx, cfg.Segments[0]))
}

func (s *HostSuite) TestStopAndRestart() {
	sc := SegmentConfig{Name: "cycle", Mode: shm.ModeCreate, Size: 16}
	s.Require().NoError(s.host.StartSegment(s.ctx, sc))
	s.Require().NoError(s.host.StopSegment("cycle"))

	state, err := s.host.GetState("cycle")
	s.NoError(err)
	s.Equal(StateStopped, state)
	_, ok := s.host.Segment("cycle")
	s.False(ok)
	s.Zero(s.host.Registry().Len())
	s.NoError(s.host.StopSegment("cycle"))

	s.Require().NoError(s.host.ReloadSegment(s.ctx, "cycle"))
	state, _ = s.host.GetState("cycle")
	s.Equal(StateRunning, state)

	s.Equal([]string{
		audit.EventOpen, audit.EventSegmentStarted,
		audit.EventClose, audit.EventSegmentStopped,
		audit.EventOpen, audit.EventSegmentReloaded,
	}, s.rec.Events())
}

func (s *HostSuite) TestReloadKeepsPayload() {
	s.Require().NoError(s.host.StartSegment(s.ctx, SegmentConfig{Name: "keep", Mode: shm.ModeCreate, Size: 16}))
	seg, _ := s.host.Segment("keep")
	s.Require().NoError(seg.WriteBytes(s.ctx, []byte("survives")))

	s.Require().NoError(s.host.ReloadSegment(s.ctx, "keep"))
	fresh, ok := s.host.Segment("keep")
	s.Require().True(ok)
	s.NotSame(seg, fresh)
	s.True(seg.IsClosed())

	data, err := fresh.ReadBytes(s.ctx)
	s.Require().NoError(err)
	s.Equal("survives", string(data))
}

func (s *HostSuite) TestFailedStart() {
	err := s.host.StartSegment(s.ctx, SegmentConfig{Name: "nobody", Mode: shm.ModeAttach})
	s.ErrorIs(err, shm.ErrNotFound)
	state, err := s.host.GetState("nobody")
	s.Equal(StateFailed, state)
	s.ErrorIs(err, shm.ErrNotFound)
}

func (s *HostSuite) TestUnknownSegment() {
	_, err := s.host.GetState("never")
	s.ErrorIs(err, ErrUnknownSegment)
	s.ErrorIs(s.host.StopSegment("never"), ErrUnknownSegment)
	s.ErrorIs(s.host.ReloadSegment(s.ctx, "never"), ErrUnknownSegment)
}
