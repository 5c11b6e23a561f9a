package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Kind identifies the type of log record.
type Kind uint8

const (
	KindIndexPut    Kind = 1
	KindIndexRemove Kind = 2
	KindIndexClear  Kind = 3
	KindQueuePush   Kind = 4
	KindQueueRemove Kind = 5
	KindQueueClear  Kind = 6
	KindQueueMove   Kind = 7
)

var kindNames = [...]string{
	KindIndexPut:    "IndexPut",
	KindIndexRemove: "IndexRemove",
	KindIndexClear:  "IndexClear",
	KindQueuePush:   "QueuePush",
	KindQueueRemove: "QueueRemove",
	KindQueueClear:  "QueueClear",
	KindQueueMove:   "QueueMove",
}

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	return k >= KindIndexPut && k <= KindQueueMove
}

// IsIndex reports whether k targets an index.
func (k Kind) IsIndex() bool {
	return k >= KindIndexPut && k <= KindIndexClear
}

// IsQueue reports whether k targets a queue.
func (k Kind) IsQueue() bool {
	return k >= KindQueuePush && k <= KindQueueMove
}

var (
	ErrInvalidCRC     = errors.New("invalid log record checksum")
	ErrInvalidKind    = errors.New("invalid log record kind")
	ErrMalformed      = errors.New("malformed log record")
	ErrTruncated      = errors.New("truncated log record")
	ErrRecordTooLarge = errors.New("log record too large")
)

// MaxRecordSize bounds the payload of a single record.
const MaxRecordSize = 64 << 20

// recordHeaderSize is [CRC 4][Kind 1][Flags 1][LSN 8][Length 4].
const recordHeaderSize = 18

// Record is a single logged mutation.
//
// Which fields are meaningful depends on Kind:
//
//	IndexPut     Collection, Key, Value
//	IndexRemove  Collection, Key
//	IndexClear   Collection
//	QueuePush    Collection, Extent, Slot, Value
//	QueueRemove  Collection, Extent, Slot
//	QueueClear   Collection
//	QueueMove    Collection, Extent, Slot, Target, TargetExtent, TargetSlot
type Record struct {
	LSN          uint64
	Kind         Kind
	Collection   uint32
	Key          string
	Value        []byte
	Extent       uint32
	Slot         uint32
	Target       uint32
	TargetExtent uint32
	TargetSlot   uint32
}

func (r *Record) String() string {
	switch r.Kind {
	case KindIndexPut:
		return fmt.Sprintf("#%d %s id=%d key=%q len=%d", r.LSN, r.Kind, r.Collection, r.Key, len(r.Value))
	case KindIndexRemove:
		return fmt.Sprintf("#%d %s id=%d key=%q", r.LSN, r.Kind, r.Collection, r.Key)
	case KindQueuePush:
		return fmt.Sprintf("#%d %s id=%d extent=%d slot=%d len=%d", r.LSN, r.Kind, r.Collection, r.Extent, r.Slot, len(r.Value))
	case KindQueueRemove:
		return fmt.Sprintf("#%d %s id=%d extent=%d slot=%d", r.LSN, r.Kind, r.Collection, r.Extent, r.Slot)
	case KindQueueMove:
		return fmt.Sprintf("#%d %s id=%d extent=%d slot=%d -> id=%d extent=%d slot=%d",
			r.LSN, r.Kind, r.Collection, r.Extent, r.Slot, r.Target, r.TargetExtent, r.TargetSlot)
	default:
		return fmt.Sprintf("#%d %s id=%d", r.LSN, r.Kind, r.Collection)
	}
}

// AppendBinary appends the framed encoding of r to dst.
//
// Format:
//
//	[CRC32 4][Kind 1][Flags 1][LSN 8][Length 4][Payload Length]
//
// The CRC covers everything after itself. Values are stored as
// [RawLen 4][Stored...] at the end of the payload; the low bits of Flags
// name the compression applied to Stored.
func (r *Record) AppendBinary(dst []byte, c Compression) ([]byte, error) {
	if !r.Kind.Valid() {
		return dst, ErrInvalidKind
	}

	var stored []byte
	applied := CompressionNone
	if r.Kind == KindIndexPut || r.Kind == KindQueuePush {
		stored, applied = compressValue(r.Value, c)
	}

	payloadLen := 4
	switch r.Kind {
	case KindIndexPut:
		payloadLen += 4 + len(r.Key) + 4 + len(stored)
	case KindIndexRemove:
		payloadLen += 4 + len(r.Key)
	case KindQueuePush:
		payloadLen += 8 + 4 + len(stored)
	case KindQueueRemove:
		payloadLen += 8
	case KindQueueMove:
		payloadLen += 20
	}
	if payloadLen > MaxRecordSize {
		return dst, ErrRecordTooLarge
	}

	start := len(dst)
	dst = append(dst, make([]byte, recordHeaderSize)...)
	hdr := dst[start:]
	hdr[4] = byte(r.Kind)
	hdr[5] = byte(applied) & flagCompressionMask
	binary.LittleEndian.PutUint64(hdr[6:], r.LSN)
	binary.LittleEndian.PutUint32(hdr[14:], uint32(payloadLen))

	dst = binary.LittleEndian.AppendUint32(dst, r.Collection)
	switch r.Kind {
	case KindIndexPut:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Key)))
		dst = append(dst, r.Key...)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Value)))
		dst = append(dst, stored...)
	case KindIndexRemove:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Key)))
		dst = append(dst, r.Key...)
	case KindQueuePush:
		dst = binary.LittleEndian.AppendUint32(dst, r.Extent)
		dst = binary.LittleEndian.AppendUint32(dst, r.Slot)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Value)))
		dst = append(dst, stored...)
	case KindQueueRemove:
		dst = binary.LittleEndian.AppendUint32(dst, r.Extent)
		dst = binary.LittleEndian.AppendUint32(dst, r.Slot)
	case KindQueueMove:
		dst = binary.LittleEndian.AppendUint32(dst, r.Extent)
		dst = binary.LittleEndian.AppendUint32(dst, r.Slot)
		dst = binary.LittleEndian.AppendUint32(dst, r.Target)
		dst = binary.LittleEndian.AppendUint32(dst, r.TargetExtent)
		dst = binary.LittleEndian.AppendUint32(dst, r.TargetSlot)
	}

	crc := crc32.ChecksumIEEE(dst[start+4:])
	binary.LittleEndian.PutUint32(dst[start:], crc)
	return dst, nil
}

// Decode reads one record from r and returns it with the number of bytes
// consumed. It returns io.EOF only when r is exhausted exactly at a record
// boundary; a partial record yields ErrTruncated.
func Decode(r io.Reader) (*Record, int64, error) {
	var hdr [recordHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, int64(n), ErrTruncated
		}
		return nil, int64(n), err
	}

	checksum := binary.LittleEndian.Uint32(hdr[0:])
	kind := Kind(hdr[4])
	flags := hdr[5]
	lsn := binary.LittleEndian.Uint64(hdr[6:])
	length := binary.LittleEndian.Uint32(hdr[14:])

	if length > MaxRecordSize {
		return nil, recordHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	m, err := io.ReadFull(r, payload)
	consumed := int64(recordHeaderSize + m)
	if err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, consumed, ErrTruncated
		}
		return nil, consumed, err
	}

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, consumed, ErrInvalidCRC
	}
	if !kind.Valid() {
		return nil, consumed, fmt.Errorf("%w: %d", ErrInvalidKind, uint8(kind))
	}

	rec := &Record{LSN: lsn, Kind: kind}
	if err := rec.parse(payload, Compression(flags&flagCompressionMask)); err != nil {
		return nil, consumed, err
	}
	return rec, consumed, nil
}

// payloadReader is a bounds-checked cursor over a record payload.
type payloadReader struct {
	buf []byte
	off int
	err error
}

func (p *payloadReader) uint32() uint32 {
	if p.err != nil {
		return 0
	}
	if len(p.buf)-p.off < 4 {
		p.err = fmt.Errorf("%w: short payload", ErrMalformed)
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.off:])
	p.off += 4
	return v
}

func (p *payloadReader) bytes(n uint32) []byte {
	if p.err != nil {
		return nil
	}
	if uint32(len(p.buf)-p.off) < n {
		p.err = fmt.Errorf("%w: short payload", ErrMalformed)
		return nil
	}
	b := p.buf[p.off : p.off+int(n)]
	p.off += int(n)
	return b
}

func (p *payloadReader) rest() []byte {
	if p.err != nil {
		return nil
	}
	b := p.buf[p.off:]
	p.off = len(p.buf)
	return b
}

func (p *payloadReader) value(c Compression) []byte {
	rawLen := p.uint32()
	stored := p.rest()
	if p.err != nil {
		return nil
	}
	if rawLen > MaxRecordSize {
		p.err = fmt.Errorf("%w: value length %d", ErrMalformed, rawLen)
		return nil
	}
	v, err := decompressValue(stored, rawLen, c)
	if err != nil {
		p.err = fmt.Errorf("%w: %v", ErrMalformed, err)
		return nil
	}
	return v
}

func (r *Record) parse(payload []byte, c Compression) error {
	p := &payloadReader{buf: payload}
	r.Collection = p.uint32()

	switch r.Kind {
	case KindIndexPut:
		r.Key = string(p.bytes(p.uint32()))
		r.Value = p.value(c)
	case KindIndexRemove:
		r.Key = string(p.bytes(p.uint32()))
	case KindQueuePush:
		r.Extent = p.uint32()
		r.Slot = p.uint32()
		r.Value = p.value(c)
	case KindQueueRemove:
		r.Extent = p.uint32()
		r.Slot = p.uint32()
	case KindQueueMove:
		r.Extent = p.uint32()
		r.Slot = p.uint32()
		r.Target = p.uint32()
		r.TargetExtent = p.uint32()
		r.TargetSlot = p.uint32()
	}

	if p.err != nil {
		return p.err
	}
	if p.off != len(payload) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(payload)-p.off)
	}
	return nil
}
