package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/oil/blobstore"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// File roles.
const (
	RoleLog     = "log"
	RoleCatalog = "catalog"
)

// File is one blob of a backup.
type File struct {
	Role   string `json:"role"`
	Name   string `json:"name"` // blob name, relative to the store
	Size   int64  `json:"size"`
	CRC32C uint32 `json:"crc32c"`
}

// Collection records a collection as it was at backup time.
type Collection struct {
	ID   uint32 `json:"id"`
	Kind uint8  `json:"kind"`
	Name string `json:"name"`
	Size int    `json:"size"`
}

// Manifest describes one backup.
type Manifest struct {
	Version     int          `json:"version"`
	ID          uint64       `json:"id"`
	CreatedAt   time.Time    `json:"created_at"`
	DatabaseID  uuid.UUID    `json:"database_id"`
	LSN         uint64       `json:"lsn"` // last LSN of the source log
	Records     int          `json:"records"`
	Compression string       `json:"compression"`
	Collections []Collection `json:"collections"`
	Files       []File       `json:"files"`
}

// File returns the file with the given role.
func (m *Manifest) File(role string) (File, bool) {
	for _, f := range m.Files {
		if f.Role == role {
			return f, true
		}
	}
	return File{}, false
}

// Size returns the total size of the backup's files.
func (m *Manifest) Size() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// FileName returns the blob name of a backup file.
func FileName(id uint64, role string) string {
	return path.Join("backups", fmt.Sprintf("%06d", id), role)
}

func manifestName(id uint64) string {
	return fmt.Sprintf("%s-%06d.bin", ManifestFileName, id)
}

func parseManifestName(name string) (uint64, bool) {
	s, ok := strings.CutPrefix(name, ManifestFileName+"-")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".bin")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 10, 64)
	return id, err == nil
}

// Store reads and writes manifests in a blob store.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a manifest store on store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// Load loads the manifest CURRENT points at.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	return s.LoadVersion(ctx, 0)
}

// LoadVersion loads the manifest of backup id. 0 means CURRENT.
func (s *Store) LoadVersion(ctx context.Context, id uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, id)
}

func (s *Store) load(ctx context.Context, id uint64) (*Manifest, error) {
	name := manifestName(id)
	if id == 0 {
		content, err := blobstore.Get(ctx, s.store, CurrentFileName)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		name = strings.TrimSpace(string(content))
	}

	data, err := blobstore.Get(ctx, s.store, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read manifest %s: %w", name, err)
	}
	m, err := ReadBinary(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	return m, nil
}

// ListVersions returns every readable manifest ordered by id. Unreadable
// manifests are skipped.
func (s *Store) ListVersions(ctx context.Context) ([]*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.ids(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Manifest
	for _, id := range ids {
		m, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) ids(ctx context.Context) ([]uint64, error) {
	names, err := s.store.List(ctx, ManifestFileName)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, name := range names {
		if id, ok := parseManifestName(name); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// NextID returns an id above every manifest in the store.
func (s *Store) NextID(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.ids(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 1, nil
	}
	return ids[len(ids)-1] + 1, nil
}

// Save writes m as MANIFEST-<id>.bin and then points CURRENT at it. The
// files m lists must already be stored.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	if m.ID == 0 {
		return errors.New("manifest id must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	var buf bytes.Buffer
	if err := m.WriteBinary(&buf); err != nil {
		return err
	}
	name := manifestName(m.ID)
	if err := s.store.Put(ctx, name, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.store.Put(ctx, CurrentFileName, []byte(name)); err != nil {
		return fmt.Errorf("update %s: %w", CurrentFileName, err)
	}
	return nil
}

// DeleteVersion removes backup id: first its manifest, then its files.
// The backup CURRENT points at cannot be deleted.
func (s *Store) DeleteVersion(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, err := s.load(ctx, 0); err == nil && cur.ID == id {
		return fmt.Errorf("%w: %d", ErrCurrent, id)
	}
	m, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, manifestName(id)); err != nil {
		return err
	}
	var errs []error
	for _, f := range m.Files {
		errs = append(errs, s.store.Delete(ctx, f.Name))
	}
	return errors.Join(errs...)
}

// Prune deletes all but the newest keep backups and returns the ids it
// deleted. The current backup is always kept.
func (s *Store) Prune(ctx context.Context, keep int) ([]uint64, error) {
	if keep < 1 {
		keep = 1
	}
	s.mu.Lock()
	ids, err := s.ids(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(ids) <= keep {
		return nil, nil
	}

	var deleted []uint64
	for _, id := range ids[:len(ids)-keep] {
		err := s.DeleteVersion(ctx, id)
		if errors.Is(err, ErrCurrent) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}
