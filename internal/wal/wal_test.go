package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/oil/internal/fs"
)

func sampleRecords() []*Record {
	big := bytes.Repeat([]byte("compressible "), 100)
	return []*Record{
		{Kind: KindIndexPut, Collection: 1, Key: "alpha", Value: []byte("v1")},
		{Kind: KindIndexPut, Collection: 1, Key: "", Value: []byte{}},
		{Kind: KindIndexPut, Collection: 1, Key: "big", Value: big},
		{Kind: KindIndexRemove, Collection: 1, Key: "alpha"},
		{Kind: KindIndexClear, Collection: 1},
		{Kind: KindQueuePush, Collection: 2, Extent: 3, Slot: 15, Value: []byte("item")},
		{Kind: KindQueuePush, Collection: 2, Extent: 0, Slot: 0, Value: big},
		{Kind: KindQueueRemove, Collection: 2, Extent: 3, Slot: 15},
		{Kind: KindQueueClear, Collection: 2},
		{Kind: KindQueueMove, Collection: 2, Extent: 1, Slot: 2, Target: 4, TargetExtent: 5, TargetSlot: 6},
	}
}

func TestLog(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.db")
			id := uuid.New()
			opts := Options{Durability: DurabilityAsync, Compression: c}

			l, err := Open(nil, path, id, opts)
			require.NoError(t, err)

			want := sampleRecords()
			for i, rec := range want {
				lsn, err := l.Append(rec)
				require.NoError(t, err)
				assert.Equal(t, uint64(i+1), lsn)
			}
			require.NoError(t, l.Close())

			l, err = Open(nil, path, id, opts)
			require.NoError(t, err)
			defer l.Close()

			var got []*Record
			for rec, err := range l.Replay() {
				require.NoError(t, err)
				got = append(got, rec)
			}
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i], got[i], "record %d", i)
			}

			// Replay is restartable and continues the LSN sequence.
			n := 0
			for _, err := range l.Replay() {
				require.NoError(t, err)
				n++
			}
			assert.Equal(t, len(want), n)

			lsn, err := l.Append(&Record{Kind: KindIndexClear, Collection: 9})
			require.NoError(t, err)
			assert.Equal(t, uint64(len(want)+1), lsn)
		})
	}
}

func TestLog_Compression(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 4096)
	rec := &Record{Kind: KindIndexPut, Collection: 1, Key: "k", Value: big}

	raw, err := rec.AppendBinary(nil, CompressionNone)
	require.NoError(t, err)
	z, err := rec.AppendBinary(nil, CompressionZstd)
	require.NoError(t, err)
	l4, err := rec.AppendBinary(nil, CompressionLZ4)
	require.NoError(t, err)

	assert.Less(t, len(z), len(raw))
	assert.Less(t, len(l4), len(raw))

	// Decoding never depends on the configured compression.
	for _, buf := range [][]byte{raw, z, l4} {
		got, n, err := Decode(bytes.NewReader(buf))
		require.NoError(t, err)
		assert.Equal(t, int64(len(buf)), n)
		assert.Equal(t, big, got.Value)
	}

	small := &Record{Kind: KindQueuePush, Value: []byte("tiny")}
	a, err := small.AppendBinary(nil, CompressionNone)
	require.NoError(t, err)
	b, err := small.AppendBinary(nil, CompressionZstd)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLog_DatabaseMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	l, err := Open(nil, path, uuid.New(), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = Open(nil, path, uuid.New(), DefaultOptions())
	assert.ErrorIs(t, err, ErrDatabaseMismatch)
}

func TestLog_InvalidHeader(t *testing.T) {
	dir := t.TempDir()

	t.Run("TooSmall", func(t *testing.T) {
		path := filepath.Join(dir, "small.db")
		require.NoError(t, os.WriteFile(path, []byte("OIL"), 0644))
		_, err := Open(nil, path, uuid.New(), DefaultOptions())
		assert.ErrorIs(t, err, ErrInvalidHeader)
	})

	t.Run("BadMagic", func(t *testing.T) {
		path := filepath.Join(dir, "magic.db")
		require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), logHeaderSize), 0644))
		_, err := Open(nil, path, uuid.New(), DefaultOptions())
		assert.ErrorIs(t, err, ErrInvalidHeader)
	})

	t.Run("Version", func(t *testing.T) {
		path := filepath.Join(dir, "version.db")
		hdr := encodeHeader(uuid.New())
		hdr[8] = 99
		require.NoError(t, os.WriteFile(path, hdr, 0644))
		_, err := Open(nil, path, uuid.New(), DefaultOptions())
		assert.ErrorIs(t, err, ErrIncompatibleVersion)
	})
}

func writeLog(t *testing.T, path string, id uuid.UUID, recs ...*Record) {
	t.Helper()
	l, err := Open(nil, path, id, Options{Durability: DurabilityAsync})
	require.NoError(t, err)
	for _, rec := range recs {
		_, err := l.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())
}

func replayAll(l *Log) ([]*Record, error) {
	var out []*Record
	for rec, err := range l.Replay() {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestLog_Corrupt(t *testing.T) {
	id := uuid.New()

	t.Run("TruncatedTail", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.db")
		writeLog(t, path, id, sampleRecords()[:3]...)

		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, info.Size()-3))

		l, err := Open(nil, path, id, DefaultOptions())
		require.NoError(t, err)
		defer l.Close()

		got, err := replayAll(l)
		assert.Len(t, got, 2)
		assert.ErrorIs(t, err, ErrTruncated)

		var re *ReplayError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, uint64(2), re.LSN)
		assert.Greater(t, re.Offset, int64(logHeaderSize))
	})

	t.Run("FlippedByte", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.db")
		writeLog(t, path, id, sampleRecords()[:2]...)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[logHeaderSize+recordHeaderSize+1] ^= 0xff
		require.NoError(t, os.WriteFile(path, data, 0644))

		l, err := Open(nil, path, id, DefaultOptions())
		require.NoError(t, err)
		defer l.Close()

		got, err := replayAll(l)
		assert.Empty(t, got)
		assert.ErrorIs(t, err, ErrInvalidCRC)
	})
}

func TestRecord_DecodeErrors(t *testing.T) {
	valid, err := (&Record{Kind: KindIndexPut, Collection: 1, Key: "k", Value: []byte("v")}).AppendBinary(nil, CompressionNone)
	require.NoError(t, err)

	t.Run("Empty", func(t *testing.T) {
		_, n, err := Decode(bytes.NewReader(nil))
		assert.Equal(t, io.EOF, err)
		assert.Zero(t, n)
	})

	t.Run("ShortHeader", func(t *testing.T) {
		_, _, err := Decode(bytes.NewReader(valid[:5]))
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("TooLarge", func(t *testing.T) {
		buf := append([]byte(nil), valid...)
		buf[14], buf[15], buf[16], buf[17] = 0xff, 0xff, 0xff, 0x7f
		_, _, err := Decode(bytes.NewReader(buf))
		assert.ErrorIs(t, err, ErrRecordTooLarge)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		rec := &Record{Kind: KindIndexClear, Collection: 1}
		buf, err := rec.AppendBinary(nil, CompressionNone)
		require.NoError(t, err)
		buf[4] = 42
		fixCRC(buf)
		_, _, err = Decode(bytes.NewReader(buf))
		assert.ErrorIs(t, err, ErrInvalidKind)
	})

	t.Run("ShortPayload", func(t *testing.T) {
		rec := &Record{Kind: KindQueueRemove, Collection: 1, Extent: 1, Slot: 1}
		buf, err := rec.AppendBinary(nil, CompressionNone)
		require.NoError(t, err)
		buf[4] = byte(KindQueueMove)
		fixCRC(buf)
		_, _, err = Decode(bytes.NewReader(buf))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("EncodeInvalidKind", func(t *testing.T) {
		_, err := (&Record{Kind: 0}).AppendBinary(nil, CompressionNone)
		assert.ErrorIs(t, err, ErrInvalidKind)
	})
}

func fixCRC(buf []byte) {
	binary.LittleEndian.PutUint32(buf, crc32.ChecksumIEEE(buf[4:]))
}

func TestLog_AppendFailureRollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	id := uuid.New()
	ffs := fs.NewFaultyFS(nil)

	l, err := Open(ffs, path, id, Options{Durability: DurabilityAsync})
	require.NoError(t, err)

	_, err = l.Append(&Record{Kind: KindIndexPut, Collection: 1, Key: "a", Value: []byte("1")})
	require.NoError(t, err)
	before := l.Size()

	ffs.SetLimit(ffs.Written() + 10)
	_, err = l.Append(&Record{Kind: KindIndexPut, Collection: 1, Key: "b", Value: []byte("2")})
	assert.ErrorIs(t, err, fs.ErrInjected)
	assert.Equal(t, before, l.Size())
	assert.Equal(t, uint64(1), l.LSN())
	assert.NoError(t, l.Err())

	ffs.SetLimit(-1)
	lsn, err := l.Append(&Record{Kind: KindIndexPut, Collection: 1, Key: "c", Value: []byte("3")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), lsn)
	require.NoError(t, l.Close())

	l, err = Open(nil, path, id, DefaultOptions())
	require.NoError(t, err)
	defer l.Close()
	got, err := replayAll(l)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "c", got[1].Key)
}

func TestLog_FailedRollbackIsTerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	id := uuid.New()
	writeLog(t, path, id)

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("test.db", fs.Fault{FailAfterBytes: 0, FailOnTruncate: true})

	l, err := Open(ffs, path, id, Options{Durability: DurabilityAsync})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(&Record{Kind: KindIndexClear, Collection: 1})
	require.Error(t, err)
	require.Error(t, l.Err())

	_, err = l.Append(&Record{Kind: KindIndexClear, Collection: 1})
	assert.ErrorIs(t, err, l.Err())
}

func TestLog_SyncFailureIsTerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ffs := fs.NewFaultyFS(nil)

	l, err := Open(ffs, path, uuid.New(), Options{Durability: DurabilityAsync})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	ffs.AddRule("test.db", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	l, err = Open(ffs, path, l.ID(), Options{Durability: DurabilitySync})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(&Record{Kind: KindIndexClear, Collection: 1})
	assert.ErrorIs(t, err, fs.ErrInjected)
	_, err = l.Append(&Record{Kind: KindIndexClear, Collection: 1})
	assert.ErrorIs(t, err, fs.ErrInjected)
}

func TestLog_Rewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	id := uuid.New()

	l, err := Open(nil, path, id, DefaultOptions())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := l.Append(&Record{Kind: KindIndexPut, Collection: 1, Key: "k", Value: []byte{byte(i)}})
		require.NoError(t, err)
	}
	before := l.Size()

	err = l.Rewrite(func(w *Writer) error {
		return w.Write(&Record{Kind: KindIndexPut, Collection: 1, Key: "k", Value: []byte{9}})
	})
	require.NoError(t, err)
	assert.Less(t, l.Size(), before)
	assert.Equal(t, uint64(11), l.LSN())

	lsn, err := l.Append(&Record{Kind: KindIndexRemove, Collection: 1, Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, uint64(12), lsn)
	require.NoError(t, l.Close())

	_, err = os.Stat(path + ".compact")
	assert.True(t, os.IsNotExist(err))

	l, err = Open(nil, path, id, DefaultOptions())
	require.NoError(t, err)
	defer l.Close()
	got, err := replayAll(l)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{9}, got[0].Value)
	assert.Equal(t, KindIndexRemove, got[1].Kind)
}

func TestLog_RewriteFailureKeepsOldLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ffs := fs.NewFaultyFS(nil)

	l, err := Open(ffs, path, uuid.New(), DefaultOptions())
	require.NoError(t, err)
	defer l.Close()
	_, err = l.Append(&Record{Kind: KindIndexPut, Collection: 1, Key: "k", Value: []byte("v")})
	require.NoError(t, err)

	t.Run("CallbackError", func(t *testing.T) {
		boom := errors.New("boom")
		err := l.Rewrite(func(*Writer) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("RenameError", func(t *testing.T) {
		ffs.FailRename("test.db", nil)
		defer ffs.Reset()
		err := l.Rewrite(func(w *Writer) error { return nil })
		assert.ErrorIs(t, err, fs.ErrInjected)
	})

	got, err := replayAll(l)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NoError(t, l.Err())

	_, err = os.Stat(path + ".compact")
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_Reader(t *testing.T) {
	var buf bytes.Buffer
	id := uuid.New()

	w, err := NewWriter(&buf, id, CompressionZstd, 100)
	require.NoError(t, err)
	for _, rec := range sampleRecords() {
		require.NoError(t, w.Write(rec))
	}
	assert.Equal(t, len(sampleRecords()), w.Count())
	assert.Equal(t, uint64(100+len(sampleRecords())), w.LSN())
	assert.Equal(t, int64(buf.Len()-logHeaderSize), w.Size())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, id, r.ID())

	n := 0
	for rec, err := range r.All() {
		require.NoError(t, err)
		assert.Equal(t, uint64(101+n), rec.LSN)
		n++
	}
	assert.Equal(t, len(sampleRecords()), n)
}

func TestParse(t *testing.T) {
	c, err := ParseCompression("lz4")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, c)
	_, err = ParseCompression("snappy")
	assert.Error(t, err)

	d, err := ParseDurability("async")
	require.NoError(t, err)
	assert.Equal(t, DurabilityAsync, d)
	_, err = ParseDurability("never")
	assert.Error(t, err)

	assert.Equal(t, "QueueMove", KindQueueMove.String())
	assert.True(t, KindIndexClear.IsIndex())
	assert.True(t, KindQueueMove.IsQueue())
	assert.False(t, Kind(0).Valid())
}
