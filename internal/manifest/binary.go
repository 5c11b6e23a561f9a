package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/oil/internal/hash"
)

const (
	binaryMagic      = 0x4d4c494f // "OILM"
	binaryHeaderSize = 16
	maxPayloadSize   = 64 << 20
)

// WriteBinary writes the manifest in binary format.
//
// Header: magic u32, version u32, CRC32C of payload u32, payload length u32.
//
// Payload:
//
//	ID u64, CreatedAt u64 (UnixNano), DatabaseID [16], LSN u64,
//	Records u64, Compression string,
//	NumCollections u32, then per collection: ID u32, Kind u8, Name string, Size u64
//	NumFiles u32, then per file: Role string, Name string, Size u64, CRC32C u32
//
// Strings are a u16 length followed by the bytes.
func (m *Manifest) WriteBinary(w io.Writer) error {
	pb := newPayloadBuffer(make([]byte, 0, 128+len(m.Collections)*32+len(m.Files)*64))

	pb.writeUint64(m.ID)
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	pb.writeBytes(m.DatabaseID[:])
	pb.writeUint64(m.LSN)
	pb.writeUint64(uint64(m.Records))
	pb.writeString(m.Compression)

	pb.writeUint32(uint32(len(m.Collections)))
	for _, c := range m.Collections {
		pb.writeUint32(c.ID)
		pb.writeBytes([]byte{c.Kind})
		pb.writeString(c.Name)
		pb.writeUint64(uint64(c.Size))
	}

	pb.writeUint32(uint32(len(m.Files)))
	for _, f := range m.Files {
		pb.writeString(f.Role)
		pb.writeString(f.Name)
		pb.writeUint64(uint64(f.Size))
		pb.writeUint32(f.CRC32C)
	}
	if pb.err != nil {
		return pb.err
	}

	payload := pb.buf
	header := make([]byte, binaryHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(header[4:8], CurrentVersion)
	binary.LittleEndian.PutUint32(header[8:12], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadBinary reads a manifest written by WriteBinary.
func ReadBinary(r io.Reader) (*Manifest, error) {
	header := make([]byte, binaryHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}

	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != binaryMagic {
		return nil, fmt.Errorf("%w: invalid magic %#x", ErrCorrupt, magic)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	checksum := binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])
	if length > maxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d", ErrCorrupt, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrCorrupt, err)
	}
	if hash.CRC32C(payload) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	pb := newPayloadBuffer(payload)
	m := &Manifest{Version: int(version)}

	m.ID = pb.readUint64()
	m.CreatedAt = time.Unix(0, int64(pb.readUint64()))
	copy(m.DatabaseID[:], pb.readBytes(len(uuid.UUID{})))
	m.LSN = pb.readUint64()
	m.Records = int(pb.readUint64())
	m.Compression = pb.readString()

	n := pb.readUint32()
	if n > math.MaxUint16*16 {
		return nil, fmt.Errorf("%w: %d collections", ErrCorrupt, n)
	}
	for range n {
		var c Collection
		c.ID = pb.readUint32()
		if b := pb.readBytes(1); len(b) == 1 {
			c.Kind = b[0]
		}
		c.Name = pb.readString()
		c.Size = int(pb.readUint64())
		m.Collections = append(m.Collections, c)
	}

	n = pb.readUint32()
	if n > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d files", ErrCorrupt, n)
	}
	for range n {
		var f File
		f.Role = pb.readString()
		f.Name = pb.readString()
		f.Size = int64(pb.readUint64())
		f.CRC32C = pb.readUint32()
		m.Files = append(m.Files, f)
	}

	if pb.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, pb.err)
	}
	return m, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		p.err = fmt.Errorf("string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) readBytes(n int) []byte {
	if p.err != nil {
		return nil
	}
	if p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *payloadBuffer) readUint64() uint64 {
	if b := p.readBytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (p *payloadBuffer) readUint32() uint32 {
	if b := p.readBytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (p *payloadBuffer) readString() string {
	b := p.readBytes(2)
	if b == nil {
		return ""
	}
	return string(p.readBytes(int(binary.LittleEndian.Uint16(b))))
}
