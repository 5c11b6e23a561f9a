// Package prometheus exports database metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	db := oil.New(path, oil.WithMetricsCollector(oilprom.New(reg)))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package prometheus

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/oil"
)

// Namespace prefixes every metric name.
const Namespace = "oil"

// Collector implements oil.MetricsCollector with Prometheus metrics.
type Collector struct {
	opLatency   *prom.HistogramVec
	ops         *prom.CounterVec
	recoveries  *prom.CounterVec
	recovered   prom.Counter
	recovery    prom.Histogram
	defrags     *prom.CounterVec
	defragTime  prom.Histogram
	logBytes    prom.Gauge
	reclaimed   prom.Counter
	backups     *prom.CounterVec
	backupBytes prom.Counter
	backupTime  prom.Histogram
}

var _ oil.MetricsCollector = (*Collector)(nil)

// New creates a collector and registers its metrics with reg. A nil reg
// uses prometheus.DefaultRegisterer. It panics if the metrics are already
// registered, like prometheus.MustRegister.
func New(reg prom.Registerer) *Collector {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	c := &Collector{
		opLatency: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of collection operations",
			Buckets:   prom.DefBuckets,
		}, []string{"kind", "op", "status"}),
		ops: prom.NewCounterVec(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Collection operations by kind, operation and status",
		}, []string{"kind", "op", "status"}),
		recoveries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "recoveries_total",
			Help:      "Log replays on open",
		}, []string{"status"}),
		recovered: prom.NewCounter(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "recovered_records_total",
			Help:      "Records replayed on open",
		}),
		recovery: prom.NewHistogram(prom.HistogramOpts{
			Namespace: Namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of log replays",
			Buckets:   prom.ExponentialBuckets(0.001, 4, 10),
		}),
		defrags: prom.NewCounterVec(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "defragments_total",
			Help:      "Log rewrites",
		}, []string{"status"}),
		defragTime: prom.NewHistogram(prom.HistogramOpts{
			Namespace: Namespace,
			Name:      "defragment_duration_seconds",
			Help:      "Duration of log rewrites",
			Buckets:   prom.ExponentialBuckets(0.001, 4, 10),
		}),
		logBytes: prom.NewGauge(prom.GaugeOpts{
			Namespace: Namespace,
			Name:      "compacted_log_bytes",
			Help:      "Log size after the last rewrite",
		}),
		reclaimed: prom.NewCounter(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "reclaimed_bytes_total",
			Help:      "Bytes removed from the log by rewrites",
		}),
		backups: prom.NewCounterVec(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "backups_total",
			Help:      "Backups by status",
		}, []string{"status"}),
		backupBytes: prom.NewCounter(prom.CounterOpts{
			Namespace: Namespace,
			Name:      "backup_bytes_total",
			Help:      "Bytes uploaded by successful backups",
		}),
		backupTime: prom.NewHistogram(prom.HistogramOpts{
			Namespace: Namespace,
			Name:      "backup_duration_seconds",
			Help:      "Duration of backups",
			Buckets:   prom.ExponentialBuckets(0.01, 4, 10),
		}),
	}
	reg.MustRegister(
		c.opLatency, c.ops,
		c.recoveries, c.recovered, c.recovery,
		c.defrags, c.defragTime, c.logBytes, c.reclaimed,
		c.backups, c.backupBytes, c.backupTime,
	)
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordOperation implements oil.MetricsCollector.
func (c *Collector) RecordOperation(kind oil.CollectionKind, op string, d time.Duration, err error) {
	s := status(err)
	c.opLatency.WithLabelValues(kind.String(), op, s).Observe(d.Seconds())
	c.ops.WithLabelValues(kind.String(), op, s).Inc()
}

// RecordRecovery implements oil.MetricsCollector.
func (c *Collector) RecordRecovery(records int, d time.Duration, err error) {
	c.recoveries.WithLabelValues(status(err)).Inc()
	c.recovered.Add(float64(records))
	c.recovery.Observe(d.Seconds())
}

// RecordDefragment implements oil.MetricsCollector.
func (c *Collector) RecordDefragment(_ int, before, after int64, d time.Duration, err error) {
	c.defrags.WithLabelValues(status(err)).Inc()
	c.defragTime.Observe(d.Seconds())
	if err != nil {
		return
	}
	c.logBytes.Set(float64(after))
	if before > after {
		c.reclaimed.Add(float64(before - after))
	}
}

// RecordBackup implements oil.MetricsCollector.
func (c *Collector) RecordBackup(bytes int64, d time.Duration, err error) {
	c.backups.WithLabelValues(status(err)).Inc()
	c.backupTime.Observe(d.Seconds())
	if err == nil {
		c.backupBytes.Add(float64(bytes))
	}
}
