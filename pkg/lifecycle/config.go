package lifecycle

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/shmseg/internal/logging"
	"github.com/srediag/shmseg/pkg/shm"
)

// SegmentConfig describes one segment kept open by a Host.
type SegmentConfig struct {
	Name string           `yaml:"name"`
	Mode shm.CreationMode `yaml:"mode"`
	Size int              `yaml:"size"`
	// Synchronized defaults to true.
	Synchronized *bool `yaml:"synchronized,omitempty"`
	// Initial is written when the segment is newly created.
	Initial string `yaml:"initial,omitempty"`
}

func (c SegmentConfig) synchronized() bool {
	return c.Synchronized == nil || *c.Synchronized
}

// Config is the daemon configuration read by "shmseg serve".
type Config struct {
	Listen      string          `yaml:"listen"`
	Dir         string          `yaml:"dir"`
	LogLevel    string          `yaml:"log_level"`
	LockTimeout time.Duration   `yaml:"lock_timeout"`
	Segments    []SegmentConfig `yaml:"segments"`
}

// DefaultConfig returns the configuration used for missing keys.
func DefaultConfig() Config {
	return Config{
		Listen:      "127.0.0.1:9477",
		LogLevel:    "warn",
		LockTimeout: 250 * time.Millisecond,
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig and verifies the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Verify(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Verify checks the log level, segment names and duplicates.
func (c Config) Verify() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("config: negative lock_timeout %v", c.LockTimeout)
	}
	seen := make(map[string]bool, len(c.Segments))
	for i, s := range c.Segments {
		if seen[s.Name] {
			return fmt.Errorf("config: segment %q listed twice", s.Name)
		}
		seen[s.Name] = true
		if err := s.options(shm.OpenOptions{Dir: c.Dir}).Verify(); err != nil {
			return fmt.Errorf("config: segments[%d]: %w", i, err)
		}
		if s.Initial != "" && len(s.Initial) > s.Size && s.Mode != shm.ModeAttach {
			return fmt.Errorf("config: segments[%d]: initial payload of %d bytes exceeds size %d", i, len(s.Initial), s.Size)
		}
	}
	return nil
}

// options applies c on top of base.
func (c SegmentConfig) options(base shm.OpenOptions) shm.OpenOptions {
	opts := base
	opts.Name = c.Name
	opts.Mode = c.Mode
	opts.Size = c.Size
	opts.Synchronized = c.synchronized()
	return opts
}
