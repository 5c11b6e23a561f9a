package oil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with oil-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))
}

// WithPath adds the database path to the logger.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("path", path),
	}
}

// WithCollection adds collection fields to the logger.
func (l *Logger) WithCollection(kind CollectionKind, name string, id uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("kind", kind.String(), "collection", name, "id", id),
	}
}

// LogOpen logs opening a database.
func (l *Logger) LogOpen(ctx context.Context, collections int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "database opened",
			"collections", collections,
		)
	}
}

// LogRecovery logs a log replay.
func (l *Logger) LogRecovery(ctx context.Context, recordsReplayed int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"records_replayed", recordsReplayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery completed",
			"records_replayed", recordsReplayed,
			"duration", d,
		)
	}
}

// LogClose logs closing a database.
func (l *Logger) LogClose(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "close failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "database closed")
	}
}

// LogDefragment logs a log rewrite.
func (l *Logger) LogDefragment(ctx context.Context, records int, before, after int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "defragment failed",
			"bytes_before", before,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "defragment completed",
			"records", records,
			"bytes_before", before,
			"bytes_after", after,
		)
	}
}

// LogBackup logs a backup.
func (l *Logger) LogBackup(ctx context.Context, backupID uint64, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "backup failed",
			"backup_id", backupID,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "backup completed",
			"backup_id", backupID,
			"bytes", bytes,
		)
	}
}

// LogRestore logs a restore.
func (l *Logger) LogRestore(ctx context.Context, backupID uint64, target string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed",
			"backup_id", backupID,
			"target", target,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "restore completed",
			"backup_id", backupID,
			"target", target,
		)
	}
}

// LogOperation logs a collection operation at debug level, or its failure.
func (l *Logger) LogOperation(ctx context.Context, op string, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, op+" completed")
	}
}
