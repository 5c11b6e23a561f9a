package wal

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/google/uuid"

	"github.com/hupe1980/oil/internal/fs"
)

// ReplayError reports where reading the log failed.
type ReplayError struct {
	Path   string
	Offset int64  // start of the failing record
	LSN    uint64 // last good LSN before the failure
	Err    error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("log %s: offset %d (after lsn %d): %v", e.Path, e.Offset, e.LSN, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Reader iterates over the records of a log image.
type Reader struct {
	r       *bufio.Reader
	c       io.Closer
	path    string
	id      uuid.UUID
	offset  int64
	lastLSN uint64
}

// NewReader reads and validates the log header from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	id, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	return &Reader{r: br, id: id, offset: logHeaderSize}, nil
}

// OpenReader opens the log file at path for reading with a separate handle.
func OpenReader(fsys fs.FileSystem, path string) (*Reader, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.c = f
	r.path = path
	return r, nil
}

// ID returns the database id from the header.
func (r *Reader) ID() uuid.UUID { return r.id }

// Next reads the next record. Returns io.EOF when done.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &ReplayError{Path: r.path, Offset: r.offset, LSN: r.lastLSN, Err: err}
	}
	r.offset += n
	r.lastLSN = rec.LSN
	return rec, nil
}

// Offset returns the end of the last record read.
func (r *Reader) Offset() int64 {
	return r.offset
}

// All yields the remaining records. A read error ends the sequence.
func (r *Reader) All() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		for {
			rec, err := r.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Close closes the underlying file, if the reader opened one.
func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

// ReadID returns the database id stamped into the log at path.
func ReadID(fsys fs.FileSystem, path string) (uuid.UUID, error) {
	r, err := OpenReader(fsys, path)
	if err != nil {
		return uuid.Nil, err
	}
	defer r.Close()
	return r.ID(), nil
}
