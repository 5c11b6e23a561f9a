package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	w, err := store.Create(ctx, "b/1")
	require.NoError(t, err)
	_, err = w.Write([]byte("streamed"))
	require.NoError(t, err)

	_, err = store.Open(ctx, "b/1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Close())
	_, err = w.Write([]byte("late"))
	require.ErrorIs(t, err, io.ErrClosedPipe)

	data := []byte("put")
	require.NoError(t, store.Put(ctx, "a", data))
	data[0] = 'X'

	got, err := Get(ctx, store, "a")
	require.NoError(t, err)
	assert.Equal(t, "put", string(got))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b/1"}, names)

	names, err = store.List(ctx, "b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1"}, names)

	blob, err := store.Open(ctx, "b/1")
	require.NoError(t, err)
	r, err := blob.ReadRange(ctx, 2, 3)
	require.NoError(t, err)
	part, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "rea", string(part))

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Open(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Corrupt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "a", []byte{0x00, 0x01}))

	blob, err := store.Open(ctx, "a")
	require.NoError(t, err)

	require.True(t, store.Corrupt("a", 1))
	assert.False(t, store.Corrupt("a", 2))
	assert.False(t, store.Corrupt("missing", 0))

	got, err := Get(ctx, store, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xfe}, got)

	// Handles opened earlier keep the old content.
	old, err := ReadAll(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01}, old)
}
