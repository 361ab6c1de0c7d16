package filestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxmox/ceph-sub001/internal/filestore/journal"
)

// Metrics contains the metrics of an object store.
type Metrics struct {
	queuedBatchesTotal *prometheus.CounterVec
	queuedBytesTotal   prometheus.Counter
	appliedTotal       prometheus.Counter
	applyLatency       prometheus.Histogram
	commitsTotal       prometheus.Counter
	commitLatency      prometheus.Histogram
	committedSeq       prometheus.Gauge
	replayedTotal      prometheus.Counter
	throttleOps        prometheus.Gauge
	throttleBytes      prometheus.Gauge

	journal *journal.Metrics
}

// NewMetrics returns a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		queuedBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filestore_queued_batches_total",
			Help: "Number of batches of transactions queued.",
		}, []string{"journal_mode"}),
		queuedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_queued_bytes_total",
			Help: "Number of bytes of transactions queued.",
		}),
		appliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_applied_batches_total",
			Help: "Number of batches applied to the file system.",
		}),
		applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "filestore_apply_latency_seconds",
			Help:    "Latency between queueing a batch and it becoming readable.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		commitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_commits_total",
			Help: "Number of commit cycles that committed new batches.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "filestore_commit_latency_seconds",
			Help:    "Latency of a commit cycle.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		committedSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filestore_committed_seq",
			Help: "Sequence number the store has been committed through.",
		}),
		replayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filestore_replayed_batches_total",
			Help: "Number of batches replayed from the journal at mount.",
		}),
		throttleOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filestore_queue_ops",
			Help: "Number of batches admitted by the submission throttle and not yet applied.",
		}),
		throttleBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filestore_queue_bytes",
			Help: "Number of bytes admitted by the submission throttle and not yet applied.",
		}),
		journal: journal.NewMetrics(),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.queuedBatchesTotal.Collect(metrics)
	m.queuedBytesTotal.Collect(metrics)
	m.appliedTotal.Collect(metrics)
	m.applyLatency.Collect(metrics)
	m.commitsTotal.Collect(metrics)
	m.commitLatency.Collect(metrics)
	m.committedSeq.Collect(metrics)
	m.replayedTotal.Collect(metrics)
	m.throttleOps.Collect(metrics)
	m.throttleBytes.Collect(metrics)
	m.journal.Collect(metrics)
}
