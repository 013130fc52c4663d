package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stategc"

// GCMetrics records collector activity. A nil *GCMetrics is valid and
// records nothing.
type GCMetrics struct {
	marked        prometheus.Counter
	markDuration  prometheus.Histogram
	scanned       prometheus.Counter
	kept          prometheus.Counter
	deleted       *prometheus.CounterVec
	recycled      prometheus.Counter
	batchDuration prometheus.Histogram
	phase         *prometheus.GaugeVec
	cycles        prometheus.Counter
	failures      *prometheus.CounterVec
	binEntries    prometheus.Gauge
	binBytes      prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

var phases = []string{"build_reach", "sweep_expired", "incremental"}

// NewGCMetrics returns nil when metrics are disabled.
func NewGCMetrics() *GCMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &GCMetrics{
		marked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marked_nodes_total",
			Help:      "Nodes reached by mark passes",
		}),
		markDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mark_duration_seconds",
			Help:      "Duration of mark passes",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms .. ~27min
		}),
		scanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_scanned_total",
			Help:      "Nodes examined by sweeps",
		}),
		kept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_kept_total",
			Help:      "Nodes kept by sweeps",
		}),
		deleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deleted_nodes_total",
			Help:      "Nodes deleted, by the path that deleted them",
		}, []string{"path"}), // "sweep", "incremental"
		recycled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recycled_nodes_total",
			Help:      "Deleted nodes whose payload went to the recycle bin",
		}),
		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_batch_duration_seconds",
			Help:      "Time between committed sweep batches",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase",
			Help:      "1 for the orchestrator's current phase",
		}, []string{"phase"}),
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed full mark and sweep cycles",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed phases by error code",
		}, []string{"phase", "code"}),
		binEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recycle_bin_entries",
			Help:      "Records in the recycle bin",
		}),
		binBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recycle_bin_bytes",
			Help:      "Payload bytes held by the recycle bin",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful phase",
		}),
	}
}

// ObserveMark records a finished mark pass.
func (m *GCMetrics) ObserveMark(marked uint64, d time.Duration) {
	if m == nil {
		return
	}
	m.marked.Add(float64(marked))
	m.markDuration.Observe(d.Seconds())
}

// ObserveSweepBatch records the delta of one committed sweep batch.
func (m *GCMetrics) ObserveSweepBatch(scanned, kept, deleted, recycled uint64, d time.Duration) {
	if m == nil {
		return
	}
	m.scanned.Add(float64(scanned))
	m.kept.Add(float64(kept))
	m.deleted.WithLabelValues("sweep").Add(float64(deleted))
	m.recycled.Add(float64(recycled))
	m.batchDuration.Observe(d.Seconds())
}

// ObserveIncremental records an incremental pass.
func (m *GCMetrics) ObserveIncremental(deleted, recycled uint64) {
	if m == nil {
		return
	}
	m.deleted.WithLabelValues("incremental").Add(float64(deleted))
	m.recycled.Add(float64(recycled))
}

// SetPhase marks phase as current.
func (m *GCMetrics) SetPhase(phase string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.phase.WithLabelValues(p).Set(v)
	}
}

// CycleCompleted counts a finished full cycle.
func (m *GCMetrics) CycleCompleted() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

// PhaseSucceeded stamps the last success time.
func (m *GCMetrics) PhaseSucceeded(now time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.Set(float64(now.Unix()))
}

// PhaseFailed counts a failed phase.
func (m *GCMetrics) PhaseFailed(phase, code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(phase, code).Inc()
}

// SetRecycleBin records the bin's current size.
func (m *GCMetrics) SetRecycleBin(entries, bytes uint64) {
	if m == nil {
		return
	}
	m.binEntries.Set(float64(entries))
	m.binBytes.Set(float64(bytes))
}
