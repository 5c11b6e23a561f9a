package oil

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// metrics/prometheus package provides one for Prometheus.
type MetricsCollector interface {
	// RecordOperation is called after each collection operation that
	// touches the log or fails. op is the method name ("put", "push", ...).
	RecordOperation(kind CollectionKind, op string, duration time.Duration, err error)

	// RecordRecovery is called after replaying the log on Open.
	RecordRecovery(records int, duration time.Duration, err error)

	// RecordDefragment is called after each log rewrite.
	RecordDefragment(records int, bytesBefore, bytesAfter int64, duration time.Duration, err error)

	// RecordBackup is called after each backup.
	RecordBackup(bytes int64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordOperation(CollectionKind, string, time.Duration, error) {}
func (NoopMetricsCollector) RecordRecovery(int, time.Duration, error)                    {}
func (NoopMetricsCollector) RecordDefragment(int, int64, int64, time.Duration, error)    {}
func (NoopMetricsCollector) RecordBackup(int64, time.Duration, error)                    {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	IndexOps        atomic.Int64
	IndexErrors     atomic.Int64
	IndexTotalNanos atomic.Int64
	QueueOps        atomic.Int64
	QueueErrors     atomic.Int64
	QueueTotalNanos atomic.Int64

	RecoveredRecords atomic.Int64
	RecoveryErrors   atomic.Int64

	DefragmentCount  atomic.Int64
	DefragmentErrors atomic.Int64
	BytesReclaimed   atomic.Int64

	BackupCount  atomic.Int64
	BackupErrors atomic.Int64
	BackupBytes  atomic.Int64
}

// RecordOperation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordOperation(kind CollectionKind, op string, duration time.Duration, err error) {
	switch kind {
	case CollectionIndex:
		b.IndexOps.Add(1)
		b.IndexTotalNanos.Add(duration.Nanoseconds())
		if err != nil {
			b.IndexErrors.Add(1)
		}
	case CollectionQueue:
		b.QueueOps.Add(1)
		b.QueueTotalNanos.Add(duration.Nanoseconds())
		if err != nil {
			b.QueueErrors.Add(1)
		}
	}
}

// RecordRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecovery(records int, duration time.Duration, err error) {
	b.RecoveredRecords.Add(int64(records))
	if err != nil {
		b.RecoveryErrors.Add(1)
	}
}

// RecordDefragment implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDefragment(records int, bytesBefore, bytesAfter int64, duration time.Duration, err error) {
	b.DefragmentCount.Add(1)
	if err != nil {
		b.DefragmentErrors.Add(1)
		return
	}
	if bytesBefore > bytesAfter {
		b.BytesReclaimed.Add(bytesBefore - bytesAfter)
	}
}

// RecordBackup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBackup(bytes int64, duration time.Duration, err error) {
	b.BackupCount.Add(1)
	if err != nil {
		b.BackupErrors.Add(1)
		return
	}
	b.BackupBytes.Add(bytes)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		IndexOps:         b.IndexOps.Load(),
		IndexErrors:      b.IndexErrors.Load(),
		IndexAvgNanos:    avg(b.IndexTotalNanos.Load(), b.IndexOps.Load()),
		QueueOps:         b.QueueOps.Load(),
		QueueErrors:      b.QueueErrors.Load(),
		QueueAvgNanos:    avg(b.QueueTotalNanos.Load(), b.QueueOps.Load()),
		RecoveredRecords: b.RecoveredRecords.Load(),
		RecoveryErrors:   b.RecoveryErrors.Load(),
		DefragmentCount:  b.DefragmentCount.Load(),
		DefragmentErrors: b.DefragmentErrors.Load(),
		BytesReclaimed:   b.BytesReclaimed.Load(),
		BackupCount:      b.BackupCount.Load(),
		BackupErrors:     b.BackupErrors.Load(),
		BackupBytes:      b.BackupBytes.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	IndexOps         int64
	IndexErrors      int64
	IndexAvgNanos    int64
	QueueOps         int64
	QueueErrors      int64
	QueueAvgNanos    int64
	RecoveredRecords int64
	RecoveryErrors   int64
	DefragmentCount  int64
	DefragmentErrors int64
	BytesReclaimed   int64
	BackupCount      int64
	BackupErrors     int64
	BackupBytes      int64
}
