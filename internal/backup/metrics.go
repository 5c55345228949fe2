package backup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ctbackup"

// Collector is a prometheus.Collector for the backup service. A nil
// *Collector records nothing.
type Collector struct {
	captures         *prometheus.CounterVec
	dedupHits        prometheus.Counter
	replications     *prometheus.CounterVec
	verifications    *prometheus.CounterVec
	repairs          prometheus.Counter
	dataLoss         prometheus.Counter
	restores         *prometheus.CounterVec
	restoreDuration  prometheus.Histogram
	sweepDeletions   prometheus.Counter
	blobsPurged      prometheus.Counter
	orphansRemoved   prometheus.Counter
	alerts           *prometheus.CounterVec
	replicationQueue prometheus.Gauge
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		captures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "captures_total",
				Help:      "Snapshot captures by trigger and outcome.",
			}, []string{"trigger", "outcome"},
		),
		dedupHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dedup_hits_total",
				Help:      "Captures whose content was already stored.",
			},
		),
		replications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "replications_total",
				Help:      "Region replication results by outcome.",
			}, []string{"outcome"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "verifications_total",
				Help:      "Integrity checks by outcome.",
			}, []string{"outcome"},
		),
		repairs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "repairs_total",
				Help:      "Corrupt backups repaired from a healthy replica.",
			},
		),
		dataLoss: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "data_loss_total",
				Help:      "Corrupt backups with no healthy replica.",
			},
		),
		restores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "restores_total",
				Help:      "Restore attempts by outcome.",
			}, []string{"outcome"},
		),
		restoreDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "restore_duration_seconds",
				Help:      "Time taken by restore attempts.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		sweepDeletions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sweep_deletions_total",
				Help:      "Backups removed by retention.",
			},
		),
		blobsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "blobs_purged_total",
				Help:      "Blobs physically deleted after their last reference went away.",
			},
		),
		orphansRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "orphans_removed_total",
				Help:      "Blob files removed because no catalog row referenced them.",
			},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "alerts_total",
				Help:      "Alerts raised by kind.",
			}, []string{"kind"},
		),
		replicationQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "replication_queue_depth",
				Help:      "Replication jobs waiting for a worker.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.captures.Describe(ch)
	c.dedupHits.Describe(ch)
	c.replications.Describe(ch)
	c.verifications.Describe(ch)
	c.repairs.Describe(ch)
	c.dataLoss.Describe(ch)
	c.restores.Describe(ch)
	c.restoreDuration.Describe(ch)
	c.sweepDeletions.Describe(ch)
	c.blobsPurged.Describe(ch)
	c.orphansRemoved.Describe(ch)
	c.alerts.Describe(ch)
	c.replicationQueue.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.captures.Collect(ch)
	c.dedupHits.Collect(ch)
	c.replications.Collect(ch)
	c.verifications.Collect(ch)
	c.repairs.Collect(ch)
	c.dataLoss.Collect(ch)
	c.restores.Collect(ch)
	c.restoreDuration.Collect(ch)
	c.sweepDeletions.Collect(ch)
	c.blobsPurged.Collect(ch)
	c.orphansRemoved.Collect(ch)
	c.alerts.Collect(ch)
	c.replicationQueue.Collect(ch)
}

func (c *Collector) capture(trigger, outcome string, dedup bool) {
	if c == nil {
		return
	}
	c.captures.WithLabelValues(trigger, outcome).Inc()
	if dedup {
		c.dedupHits.Inc()
	}
}

func (c *Collector) replication(outcome string) {
	if c == nil {
		return
	}
	c.replications.WithLabelValues(outcome).Inc()
}

func (c *Collector) verification(outcome string) {
	if c == nil {
		return
	}
	c.verifications.WithLabelValues(outcome).Inc()
}

func (c *Collector) repaired() {
	if c == nil {
		return
	}
	c.repairs.Inc()
}

func (c *Collector) lost() {
	if c == nil {
		return
	}
	c.dataLoss.Inc()
}

func (c *Collector) restore(outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.restores.WithLabelValues(outcome).Inc()
	c.restoreDuration.Observe(took.Seconds())
}

func (c *Collector) swept(deleted, purged, orphans int) {
	if c == nil {
		return
	}
	c.sweepDeletions.Add(float64(deleted))
	c.blobsPurged.Add(float64(purged))
	c.orphansRemoved.Add(float64(orphans))
}

func (c *Collector) alert(kind Kind) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) queueDepth(n int) {
	if c == nil {
		return
	}
	c.replicationQueue.Set(float64(n))
}
