package s3

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/oil/blobstore"
)

func TestIntegration_Store(t *testing.T) {
	bucket := os.Getenv("OIL_TEST_S3_BUCKET")
	if bucket == "" {
		t.Skip("OIL_TEST_S3_BUCKET not set")
	}

	ctx := context.Background()
	store, err := NewStoreFromConfig(ctx, bucket, fmt.Sprintf("oil-test-%d", time.Now().UnixNano()))
	require.NoError(t, err)

	data := make([]byte, 1<<20)
	_, _ = rand.Read(data)

	w, err := store.Create(ctx, "backups/1/log")
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	defer func() { _ = store.Delete(ctx, "backups/1/log") }()

	names, err := store.List(ctx, "backups/")
	require.NoError(t, err)
	assert.Contains(t, names, "backups/1/log")

	got, err := blobstore.Get(ctx, store, "backups/1/log")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = store.Open(ctx, "nonexistent")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
