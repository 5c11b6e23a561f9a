package oil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/oil/blobstore"
	"github.com/hupe1980/oil/internal/catalog"
	"github.com/hupe1980/oil/internal/fs"
	"github.com/hupe1980/oil/internal/hash"
	"github.com/hupe1980/oil/internal/manifest"
	"github.com/hupe1980/oil/internal/resource"
	"github.com/hupe1980/oil/internal/wal"
)

type (
	// BackupManifest describes one backup in a blob store.
	BackupManifest = manifest.Manifest
	// BackupFile is one file of a backup.
	BackupFile = manifest.File
	// BackupCollection records a collection as it was at backup time.
	BackupCollection = manifest.Collection
)

// snapshot is the state a backup copies, taken under the exclusive lock.
type snapshot struct {
	id          uuid.UUID
	lsn         uint64
	records     int
	log         []byte
	catalog     []byte
	collections []manifest.Collection
}

// Backup writes a compacted copy of the database to store and makes it the
// current backup of the store.
//
// Collection operations are blocked only while the snapshot is taken; the
// upload runs without the database lock.
func (db *Database) Backup(ctx context.Context, store blobstore.BlobStore) (m *BackupManifest, err error) {
	start := time.Now()
	var id uint64
	defer func() {
		var n int64
		if m != nil {
			n = m.Size()
		}
		db.opts.metricsCollector.RecordBackup(n, time.Since(start), err)
		db.logger.LogBackup(ctx, id, n, err)
	}()

	ms := manifest.NewStore(store)
	id, err = ms.NextID(ctx)
	if err != nil {
		return nil, &IOError{Op: "backup", cause: err}
	}

	estimate, err := db.snapshotEstimate()
	if err != nil {
		return nil, err
	}
	if err := db.controller.AcquireMemory(ctx, estimate); err != nil {
		return nil, err
	}
	defer db.controller.ReleaseMemory(estimate)

	snap, err := db.snapshot()
	if err != nil {
		return nil, err
	}

	files := []struct {
		role string
		data []byte
	}{
		{manifest.RoleLog, snap.log},
		{manifest.RoleCatalog, snap.catalog},
	}

	m = &BackupManifest{
		ID:          id,
		DatabaseID:  snap.id,
		LSN:         snap.lsn,
		Records:     snap.records,
		Compression: db.opts.compression.String(),
		Collections: snap.collections,
		Files:       make([]manifest.File, len(files)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(db.opts.backupConcurrency, 1))
	for i, f := range files {
		g.Go(func() error {
			name := manifest.FileName(id, f.role)
			if err := db.upload(gctx, store, name, f.data); err != nil {
				return fmt.Errorf("upload %s: %w", name, err)
			}
			m.Files[i] = manifest.File{
				Role:   f.role,
				Name:   name,
				Size:   int64(len(f.data)),
				CRC32C: hash.CRC32C(f.data),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &IOError{Op: "backup", cause: err}
	}

	if err := ms.Save(ctx, m); err != nil {
		return nil, &IOError{Op: "backup", cause: err}
	}
	return m, nil
}

// snapshotEstimate bounds the memory of a snapshot by the current log and
// catalog sizes.
func (db *Database) snapshotEstimate() (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.open {
		return 0, ErrClosed
	}
	// Catalog entries are small; 64 bytes each covers header and names
	// of ordinary length.
	return db.log.Size() + int64(db.cat.Len()+1)*64, nil
}

func (db *Database) snapshot() (*snapshot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.open {
		return nil, ErrClosed
	}

	progress := newProgressCounter(db.opts.progress, TaskBackup, int64(db.liveCount()))

	var logBuf bytes.Buffer
	w, err := wal.NewWriter(&logBuf, db.log.ID(), db.opts.compression, 0)
	if err != nil {
		return nil, translateError("backup", err)
	}
	if err := db.writeAll(w, progress); err != nil {
		return nil, translateError("backup", err)
	}

	var catBuf bytes.Buffer
	if err := db.cat.Encode(&catBuf); err != nil {
		return nil, translateError("backup", err)
	}

	snap := &snapshot{
		id:      db.log.ID(),
		lsn:     db.log.LSN(),
		records: w.Count(),
		log:     logBuf.Bytes(),
		catalog: catBuf.Bytes(),
	}
	for _, e := range db.cat.Entries() {
		c := manifest.Collection{ID: e.ID, Kind: uint8(e.Kind), Name: e.Name}
		switch CollectionKind(e.Kind) {
		case CollectionIndex:
			c.Size = db.indexes[e.ID].len()
		case CollectionQueue:
			c.Size = db.queues[e.ID].len()
		}
		snap.collections = append(snap.collections, c)
	}
	progress.finish()
	return snap, nil
}

func (db *Database) upload(ctx context.Context, store blobstore.BlobStore, name string, data []byte) error {
	w, err := store.Create(ctx, name)
	if err != nil {
		return err
	}
	rw := resource.NewRateLimitedWriter(ctx, w, db.controller)
	if _, err := io.Copy(rw, bytes.NewReader(data)); err != nil {
		return errors.Join(err, blobstore.Abort(w))
	}
	return w.Close()
}

// ListBackups returns the readable backups in store, oldest first.
func ListBackups(ctx context.Context, store blobstore.BlobStore) ([]*BackupManifest, error) {
	return manifest.NewStore(store).ListVersions(ctx)
}

// PruneBackups deletes all but the newest keep backups in store and returns
// the deleted ids. The current backup is never deleted.
func PruneBackups(ctx context.Context, store blobstore.BlobStore, keep int) ([]uint64, error) {
	return manifest.NewStore(store).Prune(ctx, keep)
}

// Restore creates a new database at path from the current backup in store.
// It refuses to overwrite an existing database. Only Option values that
// affect file access (the backup rate limit, logging) apply.
func Restore(ctx context.Context, store blobstore.BlobStore, path string, optFns ...Option) (*BackupManifest, error) {
	return RestoreVersion(ctx, store, 0, path, optFns...)
}

// RestoreVersion is Restore for the backup with the given id. id 0 selects
// the current backup.
func RestoreVersion(ctx context.Context, store blobstore.BlobStore, id uint64, path string, optFns ...Option) (m *BackupManifest, err error) {
	o := applyOptions(optFns)
	logger := o.logger.WithPath(path)
	defer func() {
		backupID := id
		if m != nil {
			backupID = m.ID
		}
		logger.LogRestore(ctx, backupID, path, err)
	}()

	fsys := o.fs
	catPath := path + ".cat"
	for _, p := range []string{path, catPath} {
		ok, err := fs.Exists(fsys, p)
		if err != nil {
			return nil, &IOError{Op: "restore", cause: err}
		}
		if ok {
			return nil, fmt.Errorf("%w: %s", ErrExists, p)
		}
	}

	m, err = manifest.NewStore(store).LoadVersion(ctx, id)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrNoBackup, err)
		}
		if errors.Is(err, manifest.ErrCorrupt) || errors.Is(err, manifest.ErrIncompatibleVersion) {
			return nil, fmt.Errorf("%w: %w", ErrBackupCorrupt, err)
		}
		return nil, &IOError{Op: "restore", cause: err}
	}

	rc := resource.NewController(resource.Config{IOLimitBytesPerSec: o.backupRateLimit})
	var files []manifest.File
	for _, role := range []string{manifest.RoleLog, manifest.RoleCatalog} {
		f, ok := m.File(role)
		if !ok {
			return nil, fmt.Errorf("%w: backup %d has no %s file", ErrBackupCorrupt, m.ID, role)
		}
		files = append(files, f)
	}
	data := make([][]byte, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.backupConcurrency, 1))
	for i, f := range files {
		g.Go(func() error {
			b, err := download(gctx, store, f, rc)
			data[i] = b
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := verifyBackup(m, data[0], data[1]); err != nil {
		return nil, err
	}

	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &IOError{Op: "restore", cause: err}
	}
	flock, err := fs.Lock(path + ".lock")
	if err != nil {
		return nil, translateError("restore", err)
	}
	defer func() { _ = flock.Unlock() }()

	// The log goes first: a log without its catalog fails to open with a
	// database mismatch instead of opening empty.
	if err := fs.WriteFileAtomic(fsys, path, data[0], 0o644); err != nil {
		return nil, &IOError{Op: "restore", cause: err}
	}
	if err := fs.WriteFileAtomic(fsys, catPath, data[1], 0o644); err != nil {
		return nil, &IOError{Op: "restore", cause: err}
	}
	return m, nil
}

func download(ctx context.Context, store blobstore.BlobStore, f manifest.File, rc *resource.Controller) ([]byte, error) {
	b, err := store.Open(ctx, f.Name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrBackupCorrupt, err)
		}
		return nil, &IOError{Op: "restore " + f.Name, cause: err}
	}
	defer func() { _ = b.Close() }()

	if b.Size() != f.Size || f.Size == 0 {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrBackupCorrupt, f.Name, b.Size(), f.Size)
	}
	body, err := b.ReadRange(ctx, 0, f.Size)
	if err != nil {
		return nil, &IOError{Op: "restore " + f.Name, cause: err}
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(resource.NewRateLimitedReader(ctx, body, rc))
	if err != nil {
		return nil, &IOError{Op: "restore " + f.Name, cause: err}
	}
	if int64(len(data)) != f.Size {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrBackupCorrupt, f.Name, len(data), f.Size)
	}
	if sum := hash.CRC32C(data); sum != f.CRC32C {
		return nil, fmt.Errorf("%w: %s checksum %08x, want %08x", ErrBackupCorrupt, f.Name, sum, f.CRC32C)
	}
	return data, nil
}

// verifyBackup decodes both images and checks them against the manifest.
func verifyBackup(m *BackupManifest, logData, catData []byte) error {
	catID, entries, err := catalog.Read(bytes.NewReader(catData))
	if err != nil {
		return fmt.Errorf("%w: catalog: %w", ErrBackupCorrupt, err)
	}
	if catID != m.DatabaseID {
		return fmt.Errorf("%w: catalog belongs to database %s, want %s", ErrBackupCorrupt, catID, m.DatabaseID)
	}
	if len(entries) != len(m.Collections) {
		return fmt.Errorf("%w: catalog has %d collections, want %d", ErrBackupCorrupt, len(entries), len(m.Collections))
	}

	r, err := wal.NewReader(bytes.NewReader(logData))
	if err != nil {
		return fmt.Errorf("%w: log: %w", ErrBackupCorrupt, err)
	}
	if r.ID() != m.DatabaseID {
		return fmt.Errorf("%w: log belongs to database %s, want %s", ErrBackupCorrupt, r.ID(), m.DatabaseID)
	}
	records := 0
	for _, err := range r.All() {
		if err != nil {
			return fmt.Errorf("%w: log: %w", ErrBackupCorrupt, err)
		}
		records++
	}
	if records != m.Records {
		return fmt.Errorf("%w: log has %d records, want %d", ErrBackupCorrupt, records, m.Records)
	}
	return nil
}
