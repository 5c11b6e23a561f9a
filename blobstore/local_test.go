package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	name := "backups/000001/log.bin"
	data := []byte("hello world, this is a test blob for oil")

	w, err := store.Create(ctx, name)
	require.NoError(t, err)
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Not visible before Close.
	_, err = store.Open(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(tmpDir, "backups", "000001", "log.bin"))
	require.NoError(t, err)

	blob, err := store.Open(ctx, name)
	require.NoError(t, err)
	defer blob.Close()
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err = blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))

	r, err := blob.ReadRange(ctx, 13, 4)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "this", string(content))

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin")))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"CURRENT", name}, names)

	names, err = store.List(ctx, "backups/")
	require.NoError(t, err)
	require.Equal(t, []string{name}, names)

	require.NoError(t, store.Delete(ctx, name))
	require.NoError(t, store.Delete(ctx, name), "deleting a missing blob is not an error")

	names, err = store.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"CURRENT"}, names)

	_, err = store.Open(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_ReadRangeBoundaries(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	data := []byte("0123456789")
	require.NoError(t, store.Put(ctx, "boundary.bin", data))

	blob, err := store.Open(ctx, "boundary.bin")
	require.NoError(t, err)
	defer blob.Close()

	r, err := blob.ReadRange(ctx, 0, 10)
	require.NoError(t, err)
	content, _ := io.ReadAll(r)
	require.NoError(t, r.Close())
	require.Equal(t, data, content)

	r, err = blob.ReadRange(ctx, 8, 5)
	require.NoError(t, err)
	content, err = io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "89", string(content))

	_, err = blob.ReadRange(ctx, 20, 5)
	require.ErrorIs(t, err, io.EOF)

	buf := make([]byte, 4)
	n, err := blob.ReadAt(ctx, buf, 8)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 2, n)
}

func TestLocalStore_ListMissingRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "missing"))
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_CanceledContext(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	require.NoError(t, store.Put(context.Background(), "a", []byte("x")))

	blob, err := store.Open(context.Background(), "a")
	require.NoError(t, err)
	defer blob.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = blob.ReadAt(ctx, make([]byte, 1), 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	for name, store := range map[string]BlobStore{
		"memory": NewMemoryStore(),
		"local":  NewLocalStore(t.TempDir()),
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Put(ctx, "blob", []byte("content")))
			require.NoError(t, store.Put(ctx, "empty", nil))

			got, err := Get(ctx, store, "blob")
			require.NoError(t, err)
			assert.Equal(t, []byte("content"), got)

			got, err = Get(ctx, store, "empty")
			require.NoError(t, err)
			assert.Empty(t, got)

			_, err = Get(ctx, store, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
