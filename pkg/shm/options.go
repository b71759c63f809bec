package shm

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	internalshm "github.com/srediag/shmseg/internal/shm"
	"github.com/srediag/shmseg/pkg/audit"
)

const (
	// HeaderWordSize is the width of one header word.
	HeaderWordSize = 8
	// HeaderSize precedes the payload: complete size, then data length.
	HeaderSize = 2 * HeaderWordSize

	// DefaultSize is the payload size used by DefaultOpenOptions.
	DefaultSize = 64 << 10
	// DefaultCloseTimeout bounds the lock wait in Close.
	DefaultCloseTimeout = 5 * time.Second

	// EnvDir overrides the backing directory picked by DefaultOpenOptions.
	EnvDir = "SHMSEG_DIR"
)

// MaxNameLength is the longest segment name the platform accepts.
const MaxNameLength = internalshm.MaxNameLength

// CreationMode selects how Open treats an existing segment.
type CreationMode int

const (
	// ModeCreate makes a new segment and fails if one is alive.
	ModeCreate CreationMode = iota
	// ModeAttach opens a live segment and fails if there is none.
	ModeAttach
	// ModeCreateOrAttach does whichever applies.
	ModeCreateOrAttach
)

func (m CreationMode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeAttach:
		return "attach"
	case ModeCreateOrAttach:
		return "create-or-attach"
	}
	return fmt.Sprintf("CreationMode(%d)", int(m))
}

// ParseCreationMode parses the names printed by String.
func ParseCreationMode(s string) (CreationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return ModeCreate, nil
	case "attach", "open":
		return ModeAttach, nil
	case "create-or-attach", "create_or_attach", "createorattach":
		return ModeCreateOrAttach, nil
	}
	return 0, fmt.Errorf("%w: unknown creation mode %q", ErrInvalidArgument, s)
}

func (m CreationMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *CreationMode) UnmarshalText(text []byte) error {
	mode, err := ParseCreationMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// OpenOptions defines options for creating or opening a segment.
type OpenOptions struct {
	// Name is the identifier for the shared memory segment.
	Name string
	// Mode decides between creating and attaching.
	Mode CreationMode
	// Size is the payload capacity in bytes. Required unless Mode is ModeAttach.
	Size int
	// Synchronized guards reads and writes with the named mutex.
	// Construction and Close take the mutex regardless.
	Synchronized bool

	// Dir holds backing files on unix. Empty means /dev/shm or the temp dir.
	Dir string
	// Perm applies to newly created backing files.
	Perm os.FileMode
	// SkipSpaceCheck disables the free space check before creating.
	SkipSpaceCheck bool
	// CloseTimeout bounds the lock wait in Close. Zero means DefaultCloseTimeout.
	CloseTimeout time.Duration

	Meter    metric.Meter
	Tracer   trace.Tracer
	Metrics  *Metrics
	Audit    audit.AuditLogger
	Registry *Registry
}

// DefaultOpenOptions returns synchronized create-or-attach options with
// DefaultSize. The backing directory comes from SHMSEG_DIR when set.
func DefaultOpenOptions(name string) OpenOptions {
	return OpenOptions{
		Name:         name,
		Mode:         ModeCreateOrAttach,
		Size:         DefaultSize,
		Synchronized: true,
		Dir:          os.Getenv(EnvDir),
		Perm:         0o600,
		CloseTimeout: DefaultCloseTimeout,
	}
}

// Verify checks the options without touching the OS.
func (o OpenOptions) Verify() error {
	if err := internalshm.ValidateName(o.Name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	switch o.Mode {
	case ModeCreate:
		if o.Size <= 0 {
			return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidArgument, o.Size)
		}
	case ModeCreateOrAttach, ModeAttach:
		// Zero attaches to whatever size the creator chose.
		if o.Size < 0 {
			return fmt.Errorf("%w: negative size %d", ErrInvalidArgument, o.Size)
		}
	default:
		return fmt.Errorf("%w: %v", ErrInvalidArgument, o.Mode)
	}
	if o.Size > math.MaxInt-HeaderSize {
		return fmt.Errorf("%w: size %d too large", ErrInvalidArgument, o.Size)
	}
	if o.CloseTimeout < 0 {
		return fmt.Errorf("%w: negative close timeout", ErrInvalidArgument)
	}
	return nil
}

func (o OpenOptions) closeTimeout() time.Duration {
	if o.CloseTimeout == 0 {
		return DefaultCloseTimeout
	}
	return o.CloseTimeout
}

func (o OpenOptions) perm() uint32 {
	if o.Perm == 0 {
		return 0o600
	}
	return uint32(o.Perm.Perm())
}

func (o OpenOptions) dir() string {
	if o.Dir == "" {
		return internalshm.DefaultDir()
	}
	return o.Dir
}
