package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/oil/internal/fs"
)

// Durability controls the durability guarantees of the log.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache. Records reach stable
	// storage on Sync, Close or Rewrite.
	DurabilityAsync Durability = iota
	// DurabilitySync returns from Append only after an fsync covering the
	// record. Concurrent appends share one fsync (group commit).
	DurabilitySync
)

func (d Durability) String() string {
	if d == DurabilityAsync {
		return "async"
	}
	return "sync"
}

// ParseDurability maps "sync" or "async" to a Durability.
func ParseDurability(s string) (Durability, error) {
	switch s {
	case "", "sync":
		return DurabilitySync, nil
	case "async":
		return DurabilityAsync, nil
	default:
		return DurabilitySync, fmt.Errorf("unknown durability %q", s)
	}
}

const (
	logMagic      = "OILWAL\x00\x01" // 8 bytes
	logVersion    = 1                // 4 bytes
	logHeaderSize = 8 + 4 + 16       // magic + version + database id
)

var (
	ErrIncompatibleVersion = errors.New("incompatible log version")
	ErrInvalidHeader       = errors.New("invalid log header")
	ErrDatabaseMismatch    = errors.New("log belongs to a different database")
	ErrClosed              = errors.New("log is closed")
)

// Options configures a Log.
type Options struct {
	Durability  Durability
	Compression Compression
}

// DefaultOptions returns synchronous durability without compression.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// Log is the append-only record log of a database.
//
// Every record is written with a single Write call. A failed write is rolled
// back by truncating the file to the previous end, so a retry never sees a
// partial record. If the rollback itself fails the log latches the error and
// refuses further appends.
type Log struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	file fs.File
	path string
	id   uuid.UUID
	opts Options

	lsn  uint64 // last assigned LSN
	size int64  // end of the last complete record
	buf  []byte

	// Group commit state
	syncedOffset int64
	syncing      bool
	syncCond     *sync.Cond // wakes the syncer
	doneCond     *sync.Cond // wakes waiters after a sync
	closed       bool
	lastErr      error // terminal
	wg           sync.WaitGroup
}

// Open opens or creates the log at path. A new log is stamped with id; an
// existing log must carry the same id.
func Open(fsys fs.FileSystem, path string, id uuid.UUID, opts Options) (*Log, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	offset := stat.Size()

	if offset == 0 {
		if _, err := f.Write(encodeHeader(id)); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		offset = logHeaderSize
	} else {
		got, err := readHeader(io.NewSectionReader(f, 0, offset))
		if err != nil {
			f.Close()
			return nil, err
		}
		if got != id {
			f.Close()
			return nil, fmt.Errorf("%w: log %s, expected %s", ErrDatabaseMismatch, got, id)
		}
	}

	l := &Log{
		fs:           fsys,
		file:         f,
		path:         path,
		id:           id,
		opts:         opts,
		size:         offset,
		syncedOffset: offset,
	}
	l.syncCond = sync.NewCond(&l.mu)
	l.doneCond = sync.NewCond(&l.mu)

	if opts.Durability == DurabilitySync {
		l.wg.Add(1)
		go l.runSyncer()
	}
	return l, nil
}

func encodeHeader(id uuid.UUID) []byte {
	header := make([]byte, logHeaderSize)
	copy(header[0:8], logMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(logVersion))
	copy(header[12:], id[:])
	return header
}

func readHeader(r io.Reader) (uuid.UUID, error) {
	header := make([]byte, logHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return uuid.Nil, fmt.Errorf("%w: file too small", ErrInvalidHeader)
		}
		return uuid.Nil, err
	}
	if string(header[0:8]) != logMagic {
		return uuid.Nil, fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != logVersion {
		return uuid.Nil, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, logVersion)
	}
	var id uuid.UUID
	copy(id[:], header[12:])
	return id, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// ID returns the database id stamped into the log header.
func (l *Log) ID() uuid.UUID { return l.id }

// Size returns the size of the log in bytes.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// LSN returns the last assigned LSN.
func (l *Log) LSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lsn
}

// Err returns the terminal error, if any.
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func (l *Log) runSyncer() {
	defer l.wg.Done()
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		for l.size <= l.syncedOffset && !l.closed {
			l.syncCond.Wait()
		}
		if l.closed && l.size <= l.syncedOffset {
			return
		}

		target := l.size
		file := l.file

		l.syncing = true
		l.mu.Unlock()
		err := file.Sync()
		l.mu.Lock()
		l.syncing = false

		if err != nil {
			l.lastErr = fmt.Errorf("log sync failed: %w", err)
			l.doneCond.Broadcast()
			return
		}
		if target > l.syncedOffset {
			l.syncedOffset = target
		}
		l.doneCond.Broadcast()
	}
}

// Append assigns the next LSN to rec, writes it and, in DurabilitySync
// mode, waits until it is on stable storage.
func (l *Log) Append(rec *Record) (uint64, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	if l.lastErr != nil {
		err := l.lastErr
		l.mu.Unlock()
		return 0, err
	}

	rec.LSN = l.lsn + 1
	buf, err := rec.AppendBinary(l.buf[:0], l.opts.Compression)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	l.buf = buf

	n, err := l.file.Write(buf)
	if err != nil || n != len(buf) {
		if err == nil {
			err = io.ErrShortWrite
		}
		if terr := l.file.Truncate(l.size); terr != nil {
			l.lastErr = fmt.Errorf("log rollback failed after %v: %w", err, terr)
		}
		l.mu.Unlock()
		return 0, err
	}

	l.lsn = rec.LSN
	l.size += int64(n)
	end := l.size

	if l.opts.Durability != DurabilitySync {
		l.mu.Unlock()
		return rec.LSN, nil
	}
	l.syncCond.Signal()
	for l.syncedOffset < end && !l.closed && l.lastErr == nil {
		l.doneCond.Wait()
	}
	err = l.lastErr
	if err == nil && l.syncedOffset < end {
		err = ErrClosed
	}
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return rec.LSN, nil
}

// Sync ensures all appended records are committed to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.lastErr != nil {
		return l.lastErr
	}

	if l.opts.Durability == DurabilityAsync {
		if err := l.file.Sync(); err != nil {
			l.lastErr = fmt.Errorf("log sync failed: %w", err)
			return l.lastErr
		}
		l.syncedOffset = l.size
		return nil
	}

	target := l.size
	l.syncCond.Signal()
	for l.syncedOffset < target && !l.closed && l.lastErr == nil {
		l.doneCond.Wait()
	}
	return l.lastErr
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	l.syncCond.Signal()
	l.mu.Unlock()

	l.wg.Wait()

	var err error
	if l.opts.Durability == DurabilityAsync || l.Err() == nil {
		err = l.file.Sync()
	}
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Replay yields every record in write order. Each call re-reads the log
// from the start. Errors are reported as *ReplayError and end the sequence.
// A complete pass advances the LSN counter past the last record read.
func (l *Log) Replay() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		r, err := OpenReader(l.fs, l.path)
		if err != nil {
			yield(nil, &ReplayError{Path: l.path, Err: err})
			return
		}
		defer r.Close()

		for rec, err := range r.All() {
			if err != nil {
				yield(nil, err)
				return
			}
			l.mu.Lock()
			if rec.LSN > l.lsn {
				l.lsn = rec.LSN
			}
			l.mu.Unlock()
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Rewrite replaces the log with the records fn writes. The new log is built
// in a sibling file, synced and renamed over the old one, so a crash leaves
// either the old or the new log complete. Appends must not run concurrently.
func (l *Log) Rewrite(fn func(w *Writer) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.lastErr != nil {
		return l.lastErr
	}
	for l.syncing {
		l.doneCond.Wait()
	}

	tmp := l.path + ".compact"
	f, err := l.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	abort := func(err error) error {
		_ = f.Close()
		_ = l.fs.Remove(tmp)
		return err
	}

	bw := bufio.NewWriter(f)
	w, err := NewWriter(bw, l.id, l.opts.Compression, l.lsn)
	if err != nil {
		return abort(err)
	}
	if err := fn(w); err != nil {
		return abort(err)
	}
	if err := bw.Flush(); err != nil {
		return abort(err)
	}
	if err := f.Sync(); err != nil {
		return abort(err)
	}
	if err := f.Close(); err != nil {
		_ = l.fs.Remove(tmp)
		return err
	}
	if err := l.fs.Rename(tmp, l.path); err != nil {
		_ = l.fs.Remove(tmp)
		return err
	}
	l.syncDir()

	nf, err := l.fs.OpenFile(l.path, os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		l.lastErr = fmt.Errorf("reopen after rewrite: %w", err)
		return l.lastErr
	}
	_ = l.file.Close()
	l.file = nf
	l.lsn = w.LSN()
	l.size = logHeaderSize + w.Size()
	l.syncedOffset = l.size
	return nil
}

// syncDir makes the rename durable. Not every platform can fsync a
// directory, so failures are ignored.
func (l *Log) syncDir() {
	d, err := l.fs.OpenFile(filepath.Dir(l.path), os.O_RDONLY, 0)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Writer encodes a complete log image (header plus records) to an
// io.Writer. It backs Rewrite and backups.
type Writer struct {
	w           io.Writer
	compression Compression
	lsn         uint64
	n           int64
	count       int
	buf         []byte
}

// NewWriter writes the log header for id to w. Records get LSNs after
// startLSN.
func NewWriter(w io.Writer, id uuid.UUID, c Compression, startLSN uint64) (*Writer, error) {
	if _, err := w.Write(encodeHeader(id)); err != nil {
		return nil, err
	}
	return &Writer{w: w, compression: c, lsn: startLSN}, nil
}

// Write appends rec with the next LSN.
func (w *Writer) Write(rec *Record) error {
	rec.LSN = w.lsn + 1
	buf, err := rec.AppendBinary(w.buf[:0], w.compression)
	if err != nil {
		return err
	}
	w.buf = buf
	n, err := w.w.Write(buf)
	w.n += int64(n)
	if err != nil {
		return err
	}
	w.lsn = rec.LSN
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int { return w.count }

// Size returns the number of record bytes written, excluding the header.
func (w *Writer) Size() int64 { return w.n }

// LSN returns the last LSN written.
func (w *Writer) LSN() uint64 { return w.lsn }
