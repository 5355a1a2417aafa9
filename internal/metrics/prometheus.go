package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matteso1/guardian/internal/storage"
)

const namespace = "guardian"

// Metrics collects store measurements into a Prometheus registry. It
// implements storage.Observer; pass it as storage.Config.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Operations
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec

	// Compaction
	compactions        *prometheus.CounterVec
	compactionDuration *prometheus.HistogramVec
	compactionRecords  *prometheus.CounterVec
	reclaimedBytes     prometheus.Counter

	corruptions prometheus.Counter

	startTime time.Time
}

var _ storage.Observer = (*Metrics)(nil)

// NewMetrics registers the collectors with reg, or with a fresh registry
// when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Store operations by name and result",
			},
			[]string{"op", "result"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Store operation latency in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
			},
			[]string{"op"},
		),
		compactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compactions_total",
				Help:      "Compaction runs by kind and result",
			},
			[]string{"kind", "result"},
		),
		compactionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compaction_duration_seconds",
				Help:      "Compaction run duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"kind"},
		),
		compactionRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compaction_records_total",
				Help:      "Records handled by compaction by outcome",
			},
			[]string{"kind", "outcome"},
		),
		reclaimedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_reclaimed_bytes_total",
			Help:      "Disk bytes released by compaction",
		}),
		corruptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corruptions_total",
			Help:      "Corrupt records encountered on read",
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the metrics were created",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveOperation records one store operation.
func (m *Metrics) ObserveOperation(op string, d time.Duration, err error) {
	m.operations.WithLabelValues(op, result(err)).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveCompaction records a finished compaction run.
func (m *Metrics) ObserveCompaction(kind storage.CompactionKind, res storage.CompactionResult, err error) {
	k := kind.String()
	m.compactions.WithLabelValues(k, result(err)).Inc()
	m.compactionDuration.WithLabelValues(k).Observe(res.Duration.Seconds())
	m.compactionRecords.WithLabelValues(k, "copied").Add(float64(res.RecordsCopied))
	m.compactionRecords.WithLabelValues(k, "dropped").Add(float64(res.RecordsDropped))
	m.compactionRecords.WithLabelValues(k, "purged").Add(float64(res.TombstonesPurged))
	if err == nil && res.BytesBefore > res.BytesAfter {
		m.reclaimedBytes.Add(float64(res.BytesBefore - res.BytesAfter))
	}
}

// ObserveCorruption records a corrupt read.
func (m *Metrics) ObserveCorruption() {
	m.corruptions.Inc()
}

// RegisterStore exports the store's Statistics, read at scrape time.
func (m *Metrics) RegisterStore(stats func() storage.Statistics) error {
	return m.registry.Register(newStatsCollector(stats))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
