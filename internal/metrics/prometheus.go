package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the changelog node. Every
// instance registers into its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// Log storage metrics
	LogAppendsTotal         prometheus.Counter
	LogAppendDuration       prometheus.Histogram
	LogAppendBytes          prometheus.Histogram
	LogRejectedAppendsTotal prometheus.Counter
	LogTruncationsTotal     prometheus.Counter
	LogTruncatedBytesTotal  prometheus.Counter
	LogRotationsTotal       prometheus.Counter
	LogPurgedRecordsTotal   prometheus.Counter

	// Indexer metrics
	IndexRecordsTotal     prometheus.CounterVec
	IndexerState          prometheus.Gauge
	IndexerQueueDepth     prometheus.Gauge
	IndexerPublishRetries prometheus.Counter
	IndexerEventsTotal    prometheus.CounterVec

	// Purge metrics
	PurgeRunsTotal   prometheus.CounterVec
	PurgeRunDuration prometheus.Histogram

	// Gossip metrics
	GossipMembersTotal prometheus.Gauge
	GossipEventsTotal  prometheus.CounterVec

	// System metrics
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(nodeID string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		registry: registry,

		LogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "log_appends_total",
			Help:        "Total number of records appended to changelog files",
			ConstLabels: labels,
		}),
		LogAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "log_append_duration_seconds",
			Help:        "Histogram of record append durations",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		}),
		LogAppendBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "log_append_bytes",
			Help:        "Histogram of appended record sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(64, 2, 12), // 64B to 128KB
		}),
		LogRejectedAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "log_rejected_appends_total",
			Help:        "Total number of appends rejected for key ordering",
			ConstLabels: labels,
		}),
		LogTruncationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "log_truncations_total",
			Help:        "Total number of partial records truncated during recovery",
			ConstLabels: labels,
		}),
		LogTruncatedBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "log_truncated_bytes_total",
			Help:        "Total number of bytes dropped during recovery",
			ConstLabels: labels,
		}),
		LogRotationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "log_rotations_total",
			Help:        "Total number of head file rotations",
			ConstLabels: labels,
		}),
		LogPurgedRecordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "log_purged_records_total",
			Help:        "Total number of records removed by purge",
			ConstLabels: labels,
		}),

		IndexRecordsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "index_records_total",
			Help:        "Total number of change number index records written",
			ConstLabels: labels,
		}, []string{"domain"}),
		IndexerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "indexer_state",
			Help:        "Indexer state (0=idle, 1=merging, 2=shutting down, 3=stopped)",
			ConstLabels: labels,
		}),
		IndexerQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "indexer_queue_depth",
			Help:        "Number of events waiting for the indexer",
			ConstLabels: labels,
		}),
		IndexerPublishRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "indexer_publish_retries_total",
			Help:        "Total number of publish retries on a full indexer queue",
			ConstLabels: labels,
		}),
		IndexerEventsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "indexer_events_total",
			Help:        "Total number of events processed by the indexer",
			ConstLabels: labels,
		}, []string{"type"}),

		PurgeRunsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "purge_runs_total",
			Help:        "Total number of purge runs",
			ConstLabels: labels,
		}, []string{"status"}),
		PurgeRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "changelog",
			Name:        "purge_run_duration_seconds",
			Help:        "Histogram of purge run durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Total number of gossip members",
			ConstLabels: labels,
		}),
		GossipEventsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "events_total",
			Help:        "Total number of membership events",
			ConstLabels: labels,
		}, []string{"type"}),

		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Available disk space in bytes",
			ConstLabels: labels,
		}),
		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Disk usage percentage",
			ConstLabels: labels,
		}),
	}
}

// Registry returns the registry the metrics are registered in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAppend records a successful record append
func (m *Metrics) ObserveAppend(bytes int, duration time.Duration) {
	m.LogAppendsTotal.Inc()
	m.LogAppendDuration.Observe(duration.Seconds())
	m.LogAppendBytes.Observe(float64(bytes))
}

// ObserveRejectedAppend records an append rejected for key ordering
func (m *Metrics) ObserveRejectedAppend() {
	m.LogRejectedAppendsTotal.Inc()
}

// ObserveTruncation records a recovery truncation
func (m *Metrics) ObserveTruncation(_ string, droppedBytes int64) {
	m.LogTruncationsTotal.Inc()
	m.LogTruncatedBytesTotal.Add(float64(droppedBytes))
}

// ObserveRotation records a head rotation
func (m *Metrics) ObserveRotation() {
	m.LogRotationsTotal.Inc()
}

// ObservePurge records purged records
func (m *Metrics) ObservePurge(records int64) {
	m.LogPurgedRecordsTotal.Add(float64(records))
}

// RecordIndexRecord records an emitted index record
func (m *Metrics) RecordIndexRecord(domain string) {
	m.IndexRecordsTotal.WithLabelValues(domain).Inc()
}

// RecordIndexerEvent records an event processed by the indexer
func (m *Metrics) RecordIndexerEvent(eventType string) {
	m.IndexerEventsTotal.WithLabelValues(eventType).Inc()
}

// UpdateIndexerState updates the indexer state gauge
func (m *Metrics) UpdateIndexerState(state int) {
	m.IndexerState.Set(float64(state))
}

// UpdateIndexerQueueDepth updates the queue depth gauge
func (m *Metrics) UpdateIndexerQueueDepth(depth int) {
	m.IndexerQueueDepth.Set(float64(depth))
}

// RecordPublishRetry records a publish retry
func (m *Metrics) RecordPublishRetry() {
	m.IndexerPublishRetries.Inc()
}

// RecordPurgeRun records a purge run
func (m *Metrics) RecordPurgeRun(status string, duration time.Duration) {
	m.PurgeRunsTotal.WithLabelValues(status).Inc()
	m.PurgeRunDuration.Observe(duration.Seconds())
}

// UpdateGossipMembers updates the member count
func (m *Metrics) UpdateGossipMembers(total int) {
	m.GossipMembersTotal.Set(float64(total))
}

// RecordGossipEvent records a membership event
func (m *Metrics) RecordGossipEvent(eventType string) {
	m.GossipEventsTotal.WithLabelValues(eventType).Inc()
}

// UpdateDiskStats updates disk statistics
func (m *Metrics) UpdateDiskStats(usagePercent float64, availableBytes uint64) {
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(availableBytes))
}
