package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ledati16/drfw/pkg/audit"
	"github.com/ledati16/drfw/pkg/snapshot"
)

// SnapshotCollector reports the state of the snapshot store at scrape time.
type SnapshotCollector struct {
	store *snapshot.Store

	stored     *prometheus.Desc
	invalid    *prometheus.Desc
	generation *prometheus.Desc
	pending    *prometheus.Desc
}

// NewSnapshotCollector creates a new SnapshotCollector
func NewSnapshotCollector(store *snapshot.Store) *SnapshotCollector {
	return &SnapshotCollector{
		store: store,
		stored: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "snapshot", "stored"),
			"Snapshot generations on disk",
			nil, nil,
		),
		invalid: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "snapshot", "invalid"),
			"Stored snapshots that fail to load or validate",
			nil, nil,
		),
		generation: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "snapshot", "latest_generation"),
			"Newest stored generation",
			nil, nil,
		),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "snapshot", "pending_confirmation"),
			"1 while an apply awaits confirmation",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *SnapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stored
	ch <- c.invalid
	ch <- c.generation
	ch <- c.pending
}

// Collect implements prometheus.Collector
func (c *SnapshotCollector) Collect(ch chan<- prometheus.Metric) {
	entries, err := c.store.List()
	if err == nil {
		invalid := 0
		for _, e := range entries {
			if _, err := snapshot.Load(e.Path); err != nil {
				invalid++
			}
		}
		latest := 0.0
		if len(entries) > 0 {
			latest = float64(entries[0].Generation)
		}
		ch <- prometheus.MustNewConstMetric(c.stored, prometheus.GaugeValue, float64(len(entries)))
		ch <- prometheus.MustNewConstMetric(c.invalid, prometheus.GaugeValue, float64(invalid))
		ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, latest)
	}

	pending := 0.0
	if _, ok, _ := c.store.ReadPending(); ok {
		pending = 1
	}
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, pending)
}

// AuditStats is implemented by *audit.FileLogger.
type AuditStats interface {
	GetStats() audit.Stats
}

// AuditCollector collects metrics from an audit logger
type AuditCollector struct {
	logger AuditStats

	totalEvents      *prometheus.Desc
	failedWrites     *prometheus.Desc
	checksumFailures *prometheus.Desc
	rotatedFiles     *prometheus.Desc
	currentFileSize  *prometheus.Desc
}

// NewAuditCollector creates a new AuditCollector
func NewAuditCollector(logger AuditStats) *AuditCollector {
	return &AuditCollector{
		logger: logger,
		totalEvents: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "audit", "logged_events_total"),
			"Total audit events logged",
			nil, nil,
		),
		failedWrites: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "audit", "write_failures_total"),
			"Failed audit log writes",
			nil, nil,
		),
		checksumFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "audit", "integrity_failures_total"),
			"Checksum integrity check failures",
			nil, nil,
		),
		rotatedFiles: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "audit", "rotated_files_total"),
			"Total rotated log files",
			nil, nil,
		),
		currentFileSize: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "audit", "current_file_size_bytes"),
			"Current audit log file size in bytes",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *AuditCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalEvents
	ch <- c.failedWrites
	ch <- c.checksumFailures
	ch <- c.rotatedFiles
	ch <- c.currentFileSize
}

// Collect implements prometheus.Collector
func (c *AuditCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.logger.GetStats()

	ch <- prometheus.MustNewConstMetric(c.totalEvents, prometheus.CounterValue, float64(stats.TotalEvents))
	ch <- prometheus.MustNewConstMetric(c.failedWrites, prometheus.CounterValue, float64(stats.FailedWrites))
	ch <- prometheus.MustNewConstMetric(c.checksumFailures, prometheus.CounterValue, float64(stats.ChecksumFailures))
	ch <- prometheus.MustNewConstMetric(c.rotatedFiles, prometheus.CounterValue, float64(stats.RotatedFiles))
	ch <- prometheus.MustNewConstMetric(c.currentFileSize, prometheus.GaugeValue, float64(stats.CurrentFileSize))
}
