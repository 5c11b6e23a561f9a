// Package catalog maps collection names to the small numeric ids used in log
// records.
//
// The catalog file is append-only:
//
//	Header: [Magic 8]["OILCAT\x00\x01"][Version 4][DatabaseID 16]
//	Entry:  [CRC32 4][Kind 1][ID 4][NameLen 2][Name NameLen]
//
// The CRC covers everything after itself. Entries are never rewritten, so
// the id of a name is stable for the lifetime of the database.
package catalog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hupe1980/oil/internal/fs"
)

const (
	catalogMagic      = "OILCAT\x00\x01"
	catalogVersion    = 1
	catalogHeaderSize = 8 + 4 + 16
	entryHeaderSize   = 4 + 1 + 4 + 2

	// MaxNameLen is the maximum collection name length in bytes.
	MaxNameLen = 1<<16 - 1
)

var (
	ErrCatalogLoad  = errors.New("failed to load catalog")
	ErrCatalogWrite = errors.New("failed to write catalog")
	ErrInvalidName  = errors.New("invalid collection name")
	ErrClosed       = errors.New("catalog is closed")
)

// Kind is the collection type an entry names.
type Kind uint8

const (
	KindIndex Kind = 1
	KindQueue Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindIndex:
		return "index"
	case KindQueue:
		return "queue"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entry is one name assignment.
type Entry struct {
	ID   uint32
	Kind Kind
	Name string
}

type nameKey struct {
	kind Kind
	name string
}

// Catalog is the persistent name-to-id table of a database.
type Catalog struct {
	mu      sync.RWMutex
	fs      fs.FileSystem
	file    fs.File
	path    string
	id      uuid.UUID
	entries map[uint32]Entry
	names   map[nameKey]uint32
	nextID  uint32
	size    int64
}

// ValidateName rejects names that cannot be stored in an entry.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidName, MaxNameLen)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: name must be valid UTF-8", ErrInvalidName)
	}
	return nil
}

// Open loads the catalog at path, creating it with a fresh database id when
// the file is missing or empty.
//
// A torn entry at the end of the file is the remainder of an interrupted
// Assign and is cut off. Any other damage fails with ErrCatalogLoad.
func Open(fsys fs.FileSystem, path string) (*Catalog, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogLoad, err)
	}

	c := &Catalog{
		fs:      fsys,
		file:    f,
		path:    path,
		entries: make(map[uint32]Entry),
		names:   make(map[nameKey]uint32),
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrCatalogLoad, err)
	}

	if stat.Size() == 0 {
		c.id = uuid.New()
		if _, err := f.Write(encodeHeader(c.id)); err != nil {
			_ = f.Truncate(0)
			f.Close()
			return nil, fmt.Errorf("%w: %w", ErrCatalogWrite, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %w", ErrCatalogWrite, err)
		}
		c.size = catalogHeaderSize
		return c, nil
	}

	id, entries, good, err := decode(io.NewSectionReader(f, 0, stat.Size()))
	if err != nil {
		f.Close()
		return nil, err
	}
	if good < stat.Size() {
		if err := f.Truncate(good); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: cut torn entry: %w", ErrCatalogLoad, err)
		}
	}

	c.id = id
	c.size = good
	for _, e := range entries {
		c.insert(e)
	}
	return c, nil
}

// Read decodes a catalog image, as produced by Encode.
func Read(r io.Reader) (uuid.UUID, []Entry, error) {
	id, entries, _, err := decode(r)
	return id, entries, err
}

// decode parses a catalog image. It returns the offset after the last
// complete entry; a trailing partial entry is not an error.
func decode(r io.Reader) (uuid.UUID, []Entry, int64, error) {
	br := bufio.NewReader(r)

	header := make([]byte, catalogHeaderSize)
	if _, err := io.ReadFull(br, header); err != nil {
		return uuid.Nil, nil, 0, fmt.Errorf("%w: header: %w", ErrCatalogLoad, err)
	}
	if string(header[:8]) != catalogMagic {
		return uuid.Nil, nil, 0, fmt.Errorf("%w: invalid magic %q", ErrCatalogLoad, header[:8])
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != catalogVersion {
		return uuid.Nil, nil, 0, fmt.Errorf("%w: unsupported version %d", ErrCatalogLoad, v)
	}
	var id uuid.UUID
	copy(id[:], header[12:])

	var (
		entries []Entry
		offset  int64 = catalogHeaderSize
		hdr     [entryHeaderSize]byte
		seen    = make(map[uint32]struct{})
	)
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return id, entries, offset, nil
			}
			return uuid.Nil, nil, 0, fmt.Errorf("%w: %w", ErrCatalogLoad, err)
		}
		nameLen := binary.LittleEndian.Uint16(hdr[9:11])
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return id, entries, offset, nil
			}
			return uuid.Nil, nil, 0, fmt.Errorf("%w: %w", ErrCatalogLoad, err)
		}

		crc := crc32.NewIEEE()
		crc.Write(hdr[4:])
		crc.Write(name)
		if crc.Sum32() != binary.LittleEndian.Uint32(hdr[0:4]) {
			// Only the last entry may be torn.
			if _, err := br.Peek(1); err == io.EOF {
				return id, entries, offset, nil
			}
			return uuid.Nil, nil, 0, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCatalogLoad, offset)
		}

		e := Entry{
			Kind: Kind(hdr[4]),
			ID:   binary.LittleEndian.Uint32(hdr[5:9]),
			Name: string(name),
		}
		if e.Kind != KindIndex && e.Kind != KindQueue {
			return uuid.Nil, nil, 0, fmt.Errorf("%w: unknown kind %d at offset %d", ErrCatalogLoad, hdr[4], offset)
		}
		if _, dup := seen[e.ID]; dup {
			return uuid.Nil, nil, 0, fmt.Errorf("%w: duplicate id %d at offset %d", ErrCatalogLoad, e.ID, offset)
		}
		seen[e.ID] = struct{}{}
		entries = append(entries, e)
		offset += int64(entryHeaderSize) + int64(nameLen)
	}
}

func encodeHeader(id uuid.UUID) []byte {
	header := make([]byte, catalogHeaderSize)
	copy(header[:8], catalogMagic)
	binary.LittleEndian.PutUint32(header[8:12], catalogVersion)
	copy(header[12:], id[:])
	return header
}

func appendEntry(dst []byte, e Entry) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0, byte(e.Kind))
	dst = binary.LittleEndian.AppendUint32(dst, e.ID)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(e.Name)))
	dst = append(dst, e.Name...)
	binary.LittleEndian.PutUint32(dst[start:], crc32.ChecksumIEEE(dst[start+4:]))
	return dst
}

func (c *Catalog) insert(e Entry) {
	c.entries[e.ID] = e
	c.names[nameKey{e.Kind, e.Name}] = e.ID
	if e.ID >= c.nextID {
		c.nextID = e.ID + 1
	}
}

// ID returns the database id.
func (c *Catalog) ID() uuid.UUID { return c.id }

// Path returns the catalog file path.
func (c *Catalog) Path() string { return c.path }

// Lookup returns the id assigned to (kind, name).
func (c *Catalog) Lookup(kind Kind, name string) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.names[nameKey{kind, name}]
	return id, ok
}

// Get returns the entry with the given id.
func (c *Catalog) Get(id uint32) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Assign returns the id of (kind, name), persisting a new entry first if the
// name is unknown. The entry is synced before the id is handed out; on
// failure the catalog is unchanged.
func (c *Catalog) Assign(kind Kind, name string) (uint32, error) {
	if kind != KindIndex && kind != KindQueue {
		return 0, fmt.Errorf("%w: unknown kind %d", ErrInvalidName, kind)
	}
	if err := ValidateName(name); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return 0, ErrClosed
	}
	if id, ok := c.names[nameKey{kind, name}]; ok {
		return id, nil
	}

	e := Entry{ID: c.nextID, Kind: kind, Name: name}
	buf := appendEntry(nil, e)
	n, err := c.file.Write(buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = c.file.Sync()
	}
	if err != nil {
		// A leftover tail would be cut at the next Open anyway.
		_ = c.file.Truncate(c.size)
		return 0, fmt.Errorf("%w: %w", ErrCatalogWrite, err)
	}

	c.size += int64(n)
	c.insert(e)
	return e.ID, nil
}

// Entries returns all entries ordered by id.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Encode writes a complete catalog image to w.
func (c *Catalog) Encode(w io.Writer) error {
	var buf bytes.Buffer
	buf.Write(encodeHeader(c.id))
	var scratch []byte
	for _, e := range c.Entries() {
		scratch = appendEntry(scratch[:0], e)
		buf.Write(scratch)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Close closes the catalog file.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return ErrClosed
	}
	err := c.file.Close()
	c.file = nil
	return err
}
