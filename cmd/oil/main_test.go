package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/oil"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func seed(t *testing.T, path string) {
	t.Helper()
	db := oil.New(path)
	require.NoError(t, db.Open())
	defer db.Close()

	ix, err := db.Index("users")
	require.NoError(t, err)
	_, err = ix.Put("alice", []byte("a"))
	require.NoError(t, err)
	q, err := db.Queue("jobs")
	require.NoError(t, err)
	for _, v := range []string{"x", "y"} {
		_, err := q.Push([]byte(v))
		require.NoError(t, err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "oil.yaml")
	require.NoError(t, os.WriteFile(file, []byte(strings.Join([]string{
		"logStore:",
		"  file: /data/app.log",
		"maxItemsPerExtent: 64",
		"compression: zstd",
		"backup:",
		"  target: minio",
		"  bucket: backups",
	}, "\n")), 0o644))

	t.Setenv("OIL_DURABILITY", "async")
	t.Setenv("OIL_BACKUP_KEEP", "3")

	cfg, err := loadConfig(newViper(), file)
	require.NoError(t, err)
	assert.Equal(t, "/data/app.log", cfg.LogStore.File)
	assert.Equal(t, 64, cfg.MaxItemsPerExtent)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, "async", cfg.Durability)
	assert.Equal(t, "minio", cfg.Backup.Target)
	assert.Equal(t, "backups", cfg.Backup.Bucket)
	assert.Equal(t, 3, cfg.Backup.Keep)
	assert.Equal(t, 2, cfg.Backup.Concurrency)
	assert.True(t, cfg.Backup.UseSSL)

	opts, err := cfg.options()
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)
	assert.Equal(t, oil.DefaultMaxItemsPerExtent, cfg.MaxItemsPerExtent)
	assert.Equal(t, "sync", cfg.Durability)
	assert.Equal(t, "none", cfg.Compression)
	assert.Equal(t, "dir", cfg.Backup.Target)

	_, err = cfg.open()
	assert.ErrorIs(t, err, errNoLogFile)
}

func TestConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Durability", func(c *Config) { c.Durability = "sometimes" }},
		{"Compression", func(c *Config) { c.Compression = "gzip" }},
		{"LogLevel", func(c *Config) { c.Log.Level = "loud" }},
		{"LogFormat", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(newViper(), "")
			require.NoError(t, err)
			tt.mutate(cfg)
			_, err = cfg.options()
			assert.Error(t, err)
		})
	}

	cfg, err := loadConfig(newViper(), "")
	require.NoError(t, err)
	cfg.Backup.Target = "ftp"
	_, err = cfg.blobStore(t.Context())
	assert.Error(t, err)
	cfg.Backup.Target = "dir"
	_, err = cfg.blobStore(t.Context())
	assert.Error(t, err, "dir target needs backup.dir")
}

func TestStatAndDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.log")
	seed(t, path)

	out, err := run(t, "stat", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "users")
	assert.Contains(t, out, "jobs")
	assert.Contains(t, out, "log:")

	out, err = run(t, "dump", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "IndexPut")
	assert.Contains(t, out, "(index:users)")
	assert.Equal(t, 2, strings.Count(out, "QueuePush"))

	out, err = run(t, "dump", "--db", path, "--json")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var rec dumpRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, uint64(1), rec.LSN)
	assert.Equal(t, "IndexPut", rec.Kind)
	assert.Equal(t, "index:users", rec.Collection)
	assert.Equal(t, "alice", rec.Key)
}

func TestDefrag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.log")
	seed(t, path)

	out, err := run(t, "defrag", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "->")
}

func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.log")
	seed(t, path)

	t.Setenv("OIL_BACKUP_DIR", filepath.Join(dir, "backups"))

	for range 3 {
		out, err := run(t, "backup", "--db", path)
		require.NoError(t, err)
		assert.Contains(t, out, "3 records")
	}

	out, err := run(t, "backups", "list")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 4)

	out, err = run(t, "backups", "prune", "--keep", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 2 backups")

	target := filepath.Join(dir, "restored", "db.log")
	out, err = run(t, "restore", target)
	require.NoError(t, err)
	assert.Contains(t, out, "restored backup 3")

	_, err = run(t, "restore", target)
	assert.ErrorIs(t, err, oil.ErrExists)

	out, err = run(t, "stat", "--db", target)
	require.NoError(t, err)
	assert.Contains(t, out, "users")
}
