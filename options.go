package oil

import (
	"log/slog"

	"github.com/hupe1980/oil/internal/fs"
	"github.com/hupe1980/oil/internal/wal"
)

// Durability controls when log appends reach stable storage.
type Durability = wal.Durability

const (
	// DurabilitySync returns from every mutation only after an fsync covering
	// its record. Concurrent mutations share one fsync.
	DurabilitySync = wal.DurabilitySync
	// DurabilityAsync leaves records in the page cache until Sync, Close or
	// Defragment.
	DurabilityAsync = wal.DurabilityAsync
)

// Compression selects how values are stored in the log.
type Compression = wal.Compression

const (
	CompressionNone = wal.CompressionNone
	CompressionZstd = wal.CompressionZstd
	CompressionLZ4  = wal.CompressionLZ4
)

// ParseDurability parses "sync" or "async".
func ParseDurability(s string) (Durability, error) { return wal.ParseDurability(s) }

// ParseCompression parses "none", "zstd" or "lz4".
func ParseCompression(s string) (Compression, error) { return wal.ParseCompression(s) }

// DefaultMaxItemsPerExtent is the queue extent capacity used when
// WithMaxItemsPerExtent is not given.
const DefaultMaxItemsPerExtent = 1024

type options struct {
	maxItemsPerExtent int
	durability        Durability
	compression       Compression
	metricsCollector  MetricsCollector
	logger            *Logger
	progress          ProgressMonitor
	fs                fs.FileSystem

	autoDefragMinBytes int64
	autoDefragRatio    float64

	backupRateLimit   int64
	backupConcurrency int
	backupMemory      int64
}

// Option configures a Database.
type Option func(*options)

// WithMaxItemsPerExtent sets the capacity of queue extents.
//
// The capacity is not stored in the log. Reopening a database with a
// capacity smaller than a logged slot index fails with a RecoveryError.
func WithMaxItemsPerExtent(n int) Option {
	return func(o *options) {
		o.maxItemsPerExtent = n
	}
}

// WithDurability sets the log durability mode. The default is DurabilitySync.
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithCompression compresses large values in the log.
//
// Records are self-describing, so a database can be reopened with a
// different setting.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &oil.BasicMetricsCollector{}
//	db := oil.New("data/oil.log", oil.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	db := oil.New(path, oil.WithLogger(oil.NewJSONLogger(slog.LevelInfo)))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithProgressMonitor receives progress of recovery, defragment and backup.
func WithProgressMonitor(pm ProgressMonitor) Option {
	return func(o *options) {
		if pm == nil {
			pm = NoopProgressMonitor{}
		}
		o.progress = pm
	}
}

// WithAutoDefragment starts a background Defragment once the log is at
// least minBytes large and has grown by ratio since it was last compacted.
//
// Example:
//
//	// compact when the log passes 64 MiB and doubled since the last compaction
//	db := oil.New(path, oil.WithAutoDefragment(64<<20, 2))
func WithAutoDefragment(minBytes int64, ratio float64) Option {
	return func(o *options) {
		o.autoDefragMinBytes = minBytes
		o.autoDefragRatio = ratio
	}
}

// WithBackupRateLimit caps backup uploads at bytesPerSec. 0 means unlimited.
func WithBackupRateLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.backupRateLimit = bytesPerSec
	}
}

// WithBackupConcurrency sets how many backup objects are uploaded at once.
func WithBackupConcurrency(n int) Option {
	return func(o *options) {
		o.backupConcurrency = n
	}
}

// WithBackupMemoryLimit bounds the memory concurrent backups of this
// database hold for snapshots. A backup larger than the limit runs alone.
// 0 means unlimited.
func WithBackupMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.backupMemory = bytes
	}
}

// withFileSystem swaps the file system, for fault injection in tests.
func withFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		maxItemsPerExtent: DefaultMaxItemsPerExtent,
		durability:        DurabilitySync,
		compression:       CompressionNone,
		metricsCollector:  NoopMetricsCollector{},
		logger:            NoopLogger(),
		progress:          NoopProgressMonitor{},
		fs:                fs.Default,
		backupConcurrency: 2,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func (o *options) autoDefragment() bool {
	return o.autoDefragMinBytes > 0 && o.autoDefragRatio > 0
}
