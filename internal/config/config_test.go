package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/contextdb/internal/hashing"
	"github.com/syntrixbase/contextdb/internal/storage"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, filepath.Join("config", "matchers.yml"), cfg.MatchersPath)
	assert.Equal(t, storage.BackendPebble, cfg.Storage.Backend)
	assert.Equal(t, filepath.Join("data", "contextdb"), cfg.Storage.Path)
	assert.Equal(t, hashing.SHA1, cfg.Engine.FingerprintAlgorithm)
	assert.Equal(t, hashing.DJB2, cfg.Engine.BindingAlgorithm)
	assert.Equal(t, "_seq", cfg.Engine.Fields.Increment)
	assert.Equal(t, 3*time.Second, cfg.Engine.Tombstone.TTL)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, filepath.Join("data", "logs"), cfg.Logging.Dir)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/contextdb
matchers_path: views.yml
storage:
  backend: bolt
  path: ctx.db
engine:
  binding_algorithm: xxhash
  fields:
    primary_key: key
  tombstone:
    ttl: 5s
  reindex:
    workers: 2
server:
  listen: 127.0.0.1:7000
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(path), "views.yml"), cfg.MatchersPath)
	assert.Equal(t, storage.BackendBolt, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/contextdb/ctx.db", cfg.Storage.Path)
	assert.Equal(t, hashing.XXHash, cfg.Engine.BindingAlgorithm)
	assert.Equal(t, hashing.SHA1, cfg.Engine.FingerprintAlgorithm)
	assert.Equal(t, "key", cfg.Engine.Fields.PrimaryKey)
	assert.Equal(t, "_seq", cfg.Engine.Fields.Increment)
	assert.Equal(t, 5*time.Second, cfg.Engine.Tombstone.TTL)
	assert.Equal(t, 2, cfg.Engine.Reindex.Workers)
	assert.Equal(t, 500, cfg.Engine.Reindex.BatchSize)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "debug", cfg.Logging.Console.Level)
	assert.Equal(t, "/var/lib/contextdb/logs", cfg.Logging.Dir)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONTEXTDB_DATA_DIR", "/srv")
	t.Setenv("CONTEXTDB_MATCHERS", "/etc/contextdb/matchers.yml")
	t.Setenv("CONTEXTDB_STORAGE_BACKEND", "badger")
	t.Setenv("CONTEXTDB_LISTEN", ":9090")
	t.Setenv("CONTEXTDB_LOG_LEVEL", "warn")
	t.Setenv("CONTEXTDB_BINDING_ALGORITHM", "blake3")

	path := writeConfig(t, "logging:\n  console:\n    level: debug\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv", cfg.DataDir)
	assert.Equal(t, "/etc/contextdb/matchers.yml", cfg.MatchersPath)
	assert.Equal(t, storage.BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, "/srv/contextdb", cfg.Storage.Path)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "warn", cfg.Logging.Console.Level, "the environment overrides every sink")
	assert.Equal(t, hashing.BLAKE3, cfg.Engine.BindingAlgorithm)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "storage: [broken"},
		{"unknown backend", "storage:\n  backend: rocks\n"},
		{"unknown algorithm", "engine:\n  binding_algorithm: md5\n"},
		{"reserved field clash", "engine:\n  fields:\n    primary_key: _seq\n"},
		{"bad log level", "logging:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
