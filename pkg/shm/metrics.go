package shm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for segment activity. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Operations         *prometheus.CounterVec
	Bytes              *prometheus.CounterVec
	LockWait           prometheus.Histogram
	CapacityRejections prometheus.Counter
	OpenSegments       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmseg",
			Name:      "operations_total",
			Help:      "Segment operations by kind and result.",
		}, []string{"op", "result"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shmseg",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes copied in and out of segments.",
		}, []string{"direction"}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shmseg",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the named mutex.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmseg",
			Name:      "capacity_rejections_total",
			Help:      "Writes rejected because the payload did not fit.",
		}),
		OpenSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmseg",
			Name:      "open_segments",
			Help:      "Segment handles currently open in this process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Bytes, m.LockWait, m.CapacityRejections, m.OpenSegments)
	}
	return m
}

func (m *Metrics) observeOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) addBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) observeLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) capacityRejected() {
	if m == nil {
		return
	}
	m.CapacityRejections.Inc()
}

func (m *Metrics) segmentOpened() {
	if m == nil {
		return
	}
	m.OpenSegments.Inc()
}

func (m *Metrics) segmentClosed() {
	if m == nil {
		return
	}
	m.OpenSegments.Dec()
}
