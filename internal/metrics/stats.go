package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matteso1/guardian/internal/storage"
)

type gauge struct {
	desc  *prometheus.Desc
	value func(storage.Statistics) float64
}

// statsCollector turns storage.Statistics into gauges on every scrape.
type statsCollector struct {
	stats  func() storage.Statistics
	gauges []gauge

	status   *prometheus.Desc
	runs     *prometheus.Desc
	failures *prometheus.Desc
}

func newStatsCollector(stats func() storage.Statistics) *statsCollector {
	g := func(name, help string, value func(storage.Statistics) float64) gauge {
		return gauge{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
			value: value,
		}
	}
	return &statsCollector{
		stats: stats,
		gauges: []gauge{
			g("segments", "Segments on disk", func(s storage.Statistics) float64 { return float64(s.Segments) }),
			g("sealed_segments", "Sealed segments on disk", func(s storage.Statistics) float64 { return float64(s.SealedSegments) }),
			g("disk_bytes", "Bytes used by segment files", func(s storage.Statistics) float64 { return float64(s.DiskBytes) }),
			g("records", "Records on disk, live or not", func(s storage.Statistics) float64 { return float64(s.Records) }),
			g("tombstones", "Tombstone records on disk", func(s storage.Statistics) float64 { return float64(s.Tombstones) }),
			g("live_records", "Keys in the index", func(s storage.Statistics) float64 { return float64(s.LiveRecords) }),
			g("live_bytes", "Bytes of records referenced by the index", func(s storage.Statistics) float64 { return float64(s.LiveBytes) }),
			g("garbage_bytes", "Bytes of records no longer referenced", func(s storage.Statistics) float64 { return float64(s.GarbageBytes) }),
			g("schemas", "Payload schemas registered", func(s storage.Statistics) float64 { return float64(s.Schemas) }),
		},
		status: prometheus.NewDesc(prometheus.BuildFQName(namespace, "compaction", "status"),
			"Current compactor status, 1 for the active one", []string{"status"}, nil),
		runs: prometheus.NewDesc(prometheus.BuildFQName(namespace, "compaction", "runs"),
			"Successful compaction runs since open", nil, nil),
		failures: prometheus.NewDesc(prometheus.BuildFQName(namespace, "compaction", "failures"),
			"Failed compaction runs since open", nil, nil),
	}
}

var statuses = []storage.CompactionStatus{
	storage.StatusIdle, storage.StatusMinor, storage.StatusMajor, storage.StatusError,
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
	ch <- c.status
	ch <- c.runs
	ch <- c.failures
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.value(st))
	}
	for _, s := range statuses {
		v := 0.0
		if st.Compaction.Status == s {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, v, s.String())
	}
	ch <- prometheus.MustNewConstMetric(c.runs, prometheus.GaugeValue, float64(st.Compaction.Runs))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(st.Compaction.Failures))
}
