package oil

import (
	"errors"
	"fmt"

	"github.com/hupe1980/oil/internal/catalog"
	"github.com/hupe1980/oil/internal/fs"
	"github.com/hupe1980/oil/internal/wal"
)

var (
	// ErrClosed is returned when the database is closed, or when a handle
	// obtained before the last Close is used.
	ErrClosed = errors.New("database is closed")

	// ErrInvalidArgument is returned for nil values, empty names and other
	// rejected arguments.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIllegalIteratorState is returned by iterator accessors when there is
	// no current entry.
	ErrIllegalIteratorState = errors.New("iterator has no current entry")

	// ErrNotFound is returned when the entry an iterator points at was
	// removed by someone else.
	ErrNotFound = errors.New("not found")

	// ErrLocked is returned by Open when another process holds the database.
	ErrLocked = fs.ErrLocked

	// ErrExists is returned by Restore when the target database exists.
	ErrExists = errors.New("database already exists")

	// ErrBackupCorrupt is returned by Restore when a backup file does not
	// match its manifest or does not decode.
	ErrBackupCorrupt = errors.New("backup is corrupt")

	// ErrNoBackup is returned by Restore when the store holds no such backup.
	ErrNoBackup = errors.New("backup not found")
)

// RecoveryError reports a log that cannot be replayed.
//
// Offset is the file offset of the failing record, or -1 when the record
// decoded cleanly but could not be applied.
type RecoveryError struct {
	Path   string
	Offset int64
	LSN    uint64
	cause  error
}

func (e *RecoveryError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("recovery of %s failed at lsn %d: %v", e.Path, e.LSN, e.cause)
	}
	return fmt.Sprintf("recovery of %s failed at offset %d (after lsn %d): %v", e.Path, e.Offset, e.LSN, e.cause)
}

func (e *RecoveryError) Unwrap() error { return e.cause }

// IOError reports a failed log or catalog operation. Memory is never ahead
// of the log: the mutation that triggered it did not happen.
type IOError struct {
	Op    string
	cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.cause)
}

func (e *IOError) Unwrap() error { return e.cause }

// translateError maps errors from the internal packages onto the public
// error types.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	var re *RecoveryError
	if errors.As(err, &re) {
		return err
	}
	var ie *IOError
	if errors.As(err, &ie) {
		return err
	}

	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, ErrInvalidArgument):
		return err
	case errors.Is(err, fs.ErrLocked):
		return err
	case errors.Is(err, catalog.ErrInvalidName):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, wal.ErrRecordTooLarge):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	case errors.Is(err, catalog.ErrCatalogLoad):
		return &RecoveryError{Offset: -1, cause: err}
	}

	var rpe *wal.ReplayError
	if errors.As(err, &rpe) {
		return &RecoveryError{Path: rpe.Path, Offset: rpe.Offset, LSN: rpe.LSN, cause: rpe.Err}
	}
	if errors.Is(err, wal.ErrInvalidHeader) || errors.Is(err, wal.ErrIncompatibleVersion) ||
		errors.Is(err, wal.ErrDatabaseMismatch) {
		return &RecoveryError{Offset: 0, cause: err}
	}

	return &IOError{Op: op, cause: err}
}
