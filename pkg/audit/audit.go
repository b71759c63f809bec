// Package audit records segment lifecycle events for governance and
// troubleshooting.
package audit

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/srediag/shmseg/internal/logging"
)

// Event names emitted by the shm package.
const (
	EventOpen             = "segment.open"
	EventClose            = "segment.close"
	EventCapacityRejected = "segment.capacity_rejected"
	EventLockTimeout      = "segment.lock_timeout"
	EventSegmentStarted   = "host.segment_started"
	EventSegmentStopped   = "host.segment_stopped"
	EventSegmentReloaded  = "host.segment_reloaded"
)

// Compliance policies understood by SetCompliancePolicy.
const (
	// PolicyAll records every event.
	PolicyAll = "all"
	// PolicyLifecycle records open, close and host events only.
	PolicyLifecycle = "lifecycle"
	// PolicyNone drops everything.
	PolicyNone = "none"
)

// AuditLogger defines the interface for segment audit logging.
type AuditLogger interface {
	// LogEvent records an audit event.
	LogEvent(event string, details map[string]interface{}) error
	// SetCompliancePolicy selects which events are recorded.
	SetCompliancePolicy(policy string) error
}

type policyFilter struct {
	mu     sync.RWMutex
	policy string
}

func (f *policyFilter) set(policy string) error {
	switch policy {
	case "":
		policy = PolicyAll
	case PolicyAll, PolicyLifecycle, PolicyNone:
	default:
		return fmt.Errorf("audit: unknown compliance policy %q", policy)
	}
	f.mu.Lock()
	f.policy = policy
	f.mu.Unlock()
	return nil
}

func (f *policyFilter) allows(event string) bool {
	f.mu.RLock()
	policy := f.policy
	f.mu.RUnlock()
	switch policy {
	case PolicyNone:
		return false
	case PolicyLifecycle:
		return event == EventOpen || event == EventClose || strings.HasPrefix(event, "host.")
	}
	return true
}

// LogAuditor writes events through the shared leveled logger at Info.
type LogAuditor struct {
	filter policyFilter
	log    *logging.Logger
}

// NewLogAuditor returns an auditor logging to stderr.
func NewLogAuditor() *LogAuditor {
	return &LogAuditor{
		filter: policyFilter{policy: PolicyAll},
		log:    logging.New("audit", os.Stderr),
	}
}

func (a *LogAuditor) LogEvent(event string, details map[string]interface{}) error {
	if !a.filter.allows(event) {
		return nil
	}
	a.log.Infof("%s %s", event, formatDetails(details))
	return nil
}

func (a *LogAuditor) SetCompliancePolicy(policy string) error {
	return a.filter.set(policy)
}

func formatDetails(details map[string]interface{}) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%v", k, details[k])
	}
	return sb.String()
}

// Record is one captured event.
type Record struct {
	Time    time.Time
	Event   string
	Details map[string]interface{}
}

// Recorder keeps events in memory. It is meant for tests and for the
// serve command's recent-events view.
type Recorder struct {
	filter policyFilter

	mu      sync.Mutex
	records []Record
}

// NewRecorder returns an empty recorder with PolicyAll.
func NewRecorder() *Recorder {
	return &Recorder{filter: policyFilter{policy: PolicyAll}}
}

func (r *Recorder) LogEvent(event string, details map[string]interface{}) error {
	if !r.filter.allows(event) {
		return nil
	}
	cp := make(map[string]interface{}, len(details))
	for k, v := range details {
		cp[k] = v
	}
	r.mu.Lock()
	r.records = append(r.records, Record{Time: time.Now(), Event: event, Details: cp})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) SetCompliancePolicy(policy string) error {
	return r.filter.set(policy)
}

// Records returns a copy of everything recorded so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Events returns the recorded event names in order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Event
	}
	return out
}
