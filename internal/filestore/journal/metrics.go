package journal

import "github.com/prometheus/client_golang/prometheus"

// Metrics contains the metrics of a journal.
type Metrics struct {
	entriesTotal        prometheus.Counter
	bytesTotal          prometheus.Counter
	droppedEntriesTotal prometheus.Counter
	trimmedEntriesTotal prometheus.Counter
	writeLatency        prometheus.Histogram
	batchSize           prometheus.Histogram
}

// NewMetrics returns a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		entriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_journal_entries_total",
			Help: "Number of entries written to the journal.",
		}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_journal_bytes_total",
			Help: "Number of bytes written to the journal.",
		}),
		droppedEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_journal_dropped_entries_total",
			Help: "Number of entries not journaled because the journal was full.",
		}),
		trimmedEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_journal_trimmed_entries_total",
			Help: "Number of entries removed from the journal after being committed.",
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "filestore_journal_write_latency_seconds",
			Help:    "Latency of persisting a batch of journal entries.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "filestore_journal_batch_entries",
			Help:    "Number of entries persisted together.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.entriesTotal.Collect(metrics)
	m.bytesTotal.Collect(metrics)
	m.droppedEntriesTotal.Collect(metrics)
	m.trimmedEntriesTotal.Collect(metrics)
	m.writeLatency.Collect(metrics)
	m.batchSize.Collect(metrics)
}
