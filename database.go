package oil

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/oil/internal/catalog"
	"github.com/hupe1980/oil/internal/fs"
	"github.com/hupe1980/oil/internal/resource"
	"github.com/hupe1980/oil/internal/wal"
)

// CollectionKind tells indexes and queues apart. Index and queue names are
// separate namespaces.
type CollectionKind uint8

const (
	CollectionIndex CollectionKind = CollectionKind(catalog.KindIndex)
	CollectionQueue CollectionKind = CollectionKind(catalog.KindQueue)
)

func (k CollectionKind) String() string {
	return catalog.Kind(k).String()
}

// CollectionInfo describes one collection of an open database.
type CollectionInfo struct {
	Name string
	Kind CollectionKind
	ID   uint32
	Size int
}

// Database is an embedded store of named indexes and queues backed by one
// write-ahead log.
//
// Files: the log at path, the name catalog at path+".cat" and a process
// lock at path+".lock".
//
// Every collection operation holds the database lock in shared mode. Open,
// Close, Defragment and the snapshot phase of Backup hold it exclusively.
type Database struct {
	path       string
	opts       options
	logger     *Logger
	controller *resource.Controller

	mu        sync.RWMutex
	open      bool
	session   uint64
	flock     *fs.FileLock
	log       *wal.Log
	cat       *catalog.Catalog
	compacted int64 // log size after the last open or defragment

	regMu   sync.Mutex
	indexes map[uint32]*Index
	queues  map[uint32]*Queue

	bgMu    sync.Mutex
	closing bool
	bg      sync.WaitGroup
}

// sessions numbers every Open in the process, so handles and references
// never match a session of another Database value, even on the same file.
var sessions atomic.Uint64

// New returns a closed database for the log file at path.
func New(path string, optFns ...Option) *Database {
	o := applyOptions(optFns)
	return &Database{
		path:   path,
		opts:   o,
		logger: o.logger.WithPath(path),
		controller: resource.NewController(resource.Config{
			MemoryLimitBytes:   o.backupMemory,
			MaxBackgroundJobs:  1,
			IOLimitBytesPerSec: o.backupRateLimit,
		}),
	}
}

// Open opens the database and replays its log. Opening an open database
// is a no-op. On failure every resource is released and the database stays
// closed.
func (db *Database) Open() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.open {
		return nil
	}
	if db.opts.maxItemsPerExtent <= 0 {
		return fmt.Errorf("%w: maxItemsPerExtent must be positive, got %d", ErrInvalidArgument, db.opts.maxItemsPerExtent)
	}

	ctx := context.Background()
	defer func() {
		if err != nil {
			_ = db.release()
		}
		db.logger.LogOpen(ctx, len(db.indexes)+len(db.queues), err)
	}()

	fsys := db.opts.fs
	if err := fsys.MkdirAll(filepath.Dir(db.path), 0o755); err != nil {
		return translateError("open", err)
	}

	db.flock, err = fs.Lock(db.path + ".lock")
	if err != nil {
		return translateError("lock", err)
	}

	db.cat, err = catalog.Open(fsys, db.path+".cat")
	if err != nil {
		return db.recoveryError(translateError("open catalog", err))
	}

	db.log, err = wal.Open(fsys, db.path, db.cat.ID(), wal.Options{
		Durability:  db.opts.durability,
		Compression: db.opts.compression,
	})
	if err != nil {
		return db.recoveryError(translateError("open log", err))
	}

	db.session = sessions.Add(1)
	db.indexes = make(map[uint32]*Index)
	db.queues = make(map[uint32]*Queue)
	for _, e := range db.cat.Entries() {
		db.register(e)
	}

	if err := db.replay(ctx); err != nil {
		return err
	}

	db.compacted = db.log.Size()
	db.open = true
	return nil
}

func (db *Database) recoveryError(err error) error {
	var re *RecoveryError
	if errors.As(err, &re) && re.Path == "" {
		re.Path = db.path
	}
	return err
}

// register creates the in-memory instance for a catalog entry.
func (db *Database) register(e catalog.Entry) {
	switch CollectionKind(e.Kind) {
	case CollectionIndex:
		db.indexes[e.ID] = newIndex(db, e.ID, e.Name)
	case CollectionQueue:
		db.queues[e.ID] = newQueue(db, e.ID, e.Name)
	}
}

func (db *Database) replay(ctx context.Context) error {
	start := time.Now()
	progress := newProgressCounter(db.opts.progress, TaskRecovery, -1)

	var (
		records int
		err     error
	)
	for rec, rerr := range db.log.Replay() {
		if rerr != nil {
			err = db.recoveryError(translateError("replay", rerr))
			break
		}
		if aerr := db.apply(rec); aerr != nil {
			err = &RecoveryError{Path: db.path, Offset: -1, LSN: rec.LSN, cause: aerr}
			break
		}
		records++
		progress.add(1)
	}
	if err == nil {
		progress.finish()
	}

	db.opts.metricsCollector.RecordRecovery(records, time.Since(start), err)
	db.logger.LogRecovery(ctx, records, time.Since(start), err)
	return err
}

var errUnknownCollection = errors.New("record for unknown collection")

// apply routes a replayed record to its collection.
func (db *Database) apply(rec *wal.Record) error {
	switch {
	case rec.Kind.IsIndex():
		ix, ok := db.indexes[rec.Collection]
		if !ok {
			return db.unknownCollection(rec, rec.Collection)
		}
		return ix.apply(rec)
	case rec.Kind == wal.KindQueueMove:
		src, ok := db.queues[rec.Collection]
		if !ok {
			return db.unknownCollection(rec, rec.Collection)
		}
		dst, ok := db.queues[rec.Target]
		if !ok {
			return db.unknownCollection(rec, rec.Target)
		}
		return applyMove(src, dst, rec)
	default:
		q, ok := db.queues[rec.Collection]
		if !ok {
			return db.unknownCollection(rec, rec.Collection)
		}
		return q.apply(rec)
	}
}

func (db *Database) unknownCollection(rec *wal.Record, id uint32) error {
	if e, ok := db.cat.Get(id); ok {
		return fmt.Errorf("%w: %s record for %s %q", errUnknownCollection, rec.Kind, e.Kind, e.Name)
	}
	return fmt.Errorf("%w: %s record for id %d", errUnknownCollection, rec.Kind, id)
}

// Close flushes the log and releases the database. Every Index, Queue,
// iterator and Reference obtained before returns ErrClosed or reports
// absence afterwards. Closing a closed database returns nil.
func (db *Database) Close() error {
	db.bgMu.Lock()
	db.closing = true
	db.bgMu.Unlock()
	db.bg.Wait()

	db.mu.Lock()
	defer db.mu.Unlock()
	defer func() {
		db.bgMu.Lock()
		db.closing = false
		db.bgMu.Unlock()
	}()

	if !db.open {
		return nil
	}
	db.open = false

	err := db.release()
	db.logger.LogClose(context.Background(), err)
	return translateError("close", err)
}

// release closes whatever Open managed to acquire.
func (db *Database) release() error {
	var errs []error
	if db.log != nil {
		errs = append(errs, db.log.Close())
		db.log = nil
	}
	if db.cat != nil {
		errs = append(errs, db.cat.Close())
		db.cat = nil
	}
	if db.flock != nil {
		errs = append(errs, db.flock.Unlock())
		db.flock = nil
	}
	db.indexes = nil
	db.queues = nil
	return errors.Join(errs...)
}

// Path returns the log file path.
func (db *Database) Path() string { return db.path }

// Index returns the index called name, creating it on first use.
// Repeated calls return the same instance while the database is open.
func (db *Database) Index(name string) (*Index, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.open {
		return nil, ErrClosed
	}

	db.regMu.Lock()
	defer db.regMu.Unlock()

	id, err := db.assign(CollectionIndex, name)
	if err != nil {
		return nil, err
	}
	return db.indexes[id], nil
}

// Queue returns the queue called name, creating it on first use.
// Repeated calls return the same instance while the database is open.
func (db *Database) Queue(name string) (*Queue, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.open {
		return nil, ErrClosed
	}

	db.regMu.Lock()
	defer db.regMu.Unlock()

	id, err := db.assign(CollectionQueue, name)
	if err != nil {
		return nil, err
	}
	return db.queues[id], nil
}

// assign looks up or persists the id of a collection. Caller holds regMu.
func (db *Database) assign(kind CollectionKind, name string) (uint32, error) {
	if id, ok := db.cat.Lookup(catalog.Kind(kind), name); ok {
		return id, nil
	}
	id, err := db.cat.Assign(catalog.Kind(kind), name)
	if err != nil {
		return 0, translateError("assign collection id", err)
	}
	db.register(catalog.Entry{ID: id, Kind: catalog.Kind(kind), Name: name})
	db.logger.WithCollection(kind, name, id).Info("collection created")
	return id, nil
}

// Collections describes every collection in id order.
func (db *Database) Collections() ([]CollectionInfo, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.open {
		return nil, ErrClosed
	}

	db.regMu.Lock()
	defer db.regMu.Unlock()

	entries := db.cat.Entries()
	infos := make([]CollectionInfo, 0, len(entries))
	for _, e := range entries {
		info := CollectionInfo{Name: e.Name, Kind: CollectionKind(e.Kind), ID: e.ID}
		switch info.Kind {
		case CollectionIndex:
			info.Size = db.indexes[e.ID].len()
		case CollectionQueue:
			info.Size = db.queues[e.ID].len()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Sync flushes the log to stable storage. It matters with DurabilityAsync.
func (db *Database) Sync() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.open {
		return ErrClosed
	}
	return translateError("sync", db.log.Sync())
}

// LogSize returns the current size of the log file in bytes.
func (db *Database) LogSize() (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.open {
		return 0, ErrClosed
	}
	return db.log.Size(), nil
}

// Defragment rewrites the log with only the live state: one Put per key of
// every index in key order and one Push per item of every queue in queue
// order, each item keeping its extent and slot. It blocks every collection
// operation while it runs. Handles and references stay valid.
func (db *Database) Defragment() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.open {
		return ErrClosed
	}
	return db.defragmentLocked()
}

func (db *Database) defragmentLocked() error {
	start := time.Now()
	before := db.log.Size()

	progress := newProgressCounter(db.opts.progress, TaskDefragment, int64(db.liveCount()))
	var records int
	err := db.log.Rewrite(func(w *wal.Writer) error {
		if err := db.writeAll(w, progress); err != nil {
			return err
		}
		records = w.Count()
		return nil
	})

	after := db.log.Size()
	if err == nil {
		db.compacted = after
		progress.finish()
	}

	db.opts.metricsCollector.RecordDefragment(records, before, after, time.Since(start), err)
	db.logger.LogDefragment(context.Background(), records, before, after, err)
	return translateError("defragment", err)
}

// liveCount returns the number of records a minimal log holds.
func (db *Database) liveCount() int {
	n := 0
	for _, ix := range db.indexes {
		n += ix.len()
	}
	for _, q := range db.queues {
		n += q.len()
	}
	return n
}

// writeAll writes the minimal record set of every collection in id order.
// Caller holds the database lock exclusively.
func (db *Database) writeAll(w *wal.Writer, progress *progressCounter) error {
	for _, e := range db.cat.Entries() {
		var err error
		switch CollectionKind(e.Kind) {
		case CollectionIndex:
			err = db.indexes[e.ID].writeAll(w, progress)
		case CollectionQueue:
			err = db.queues[e.ID].writeAll(w, progress)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// append writes rec to the log. Callers hold the shared database lock and
// the collection's write lock, and mutate memory only if append succeeds.
func (db *Database) append(rec *wal.Record) error {
	if _, err := db.log.Append(rec); err != nil {
		return translateError("append "+rec.Kind.String(), err)
	}
	db.maybeAutoDefragment()
	return nil
}

// maybeAutoDefragment starts a background Defragment when the log outgrew
// its compacted size. Caller holds the shared database lock.
func (db *Database) maybeAutoDefragment() {
	if !db.opts.autoDefragment() {
		return
	}
	size := db.log.Size()
	if size < db.opts.autoDefragMinBytes || float64(size) < db.opts.autoDefragRatio*float64(db.compacted) {
		return
	}

	db.bgMu.Lock()
	defer db.bgMu.Unlock()
	if db.closing || !db.controller.TryAcquireBackground() {
		return
	}

	session := db.session
	db.bg.Add(1)
	go func() {
		defer db.bg.Done()
		defer db.controller.ReleaseBackground()

		db.mu.Lock()
		defer db.mu.Unlock()
		if !db.open || db.session != session {
			return
		}
		// Failures are logged and counted by defragmentLocked.
		_ = db.defragmentLocked()
	}()
}
