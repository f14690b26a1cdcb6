package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err)

	assert.Equal(t, "async", cfg.Pipeline.Mode)
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.RetryBase)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, time.Hour, cfg.Sweeper.StaleAfter)
	assert.Equal(t, 10, cfg.Sweeper.Batch)
	assert.Equal(t, 5, cfg.Recommend.DefaultK)
	assert.Equal(t, 5000, cfg.Recommend.DenseWarnSize)
	assert.False(t, cfg.Redis.Enabled)
}

func TestParse_Overrides(t *testing.T) {
	yml := `
log:
  level: debug
  format: json
worker:
  count: 8
  task_timeout: 45s
pipeline:
  mode: inline
  retry_base: 2m
recommend:
  artifact_dir: /var/lib/talent-match
  build_dense: true
`
	cfg, err := Parse([]byte(yml))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, 45*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, "inline", cfg.Pipeline.Mode)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.RetryBase)
	assert.Equal(t, "/var/lib/talent-match", cfg.Recommend.ArtifactDir)
	assert.True(t, cfg.Recommend.BuildDense)
	// untouched sections keep defaults
	assert.Equal(t, 64, cfg.Worker.BufferSize)
	assert.Equal(t, 16, cfg.Recommend.GraphM)
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("TM_DATABASE_URL", "postgres://app:secret@db:5432/jobs")
	t.Setenv("TM_REDIS_ADDR", "redis:6379")

	yml := `
store:
  backend: postgres
postgres:
  url: ${TM_DATABASE_URL}
queue:
  backend: redis
redis:
  addr: ${TM_REDIS_ADDR}
`
	cfg, err := Parse([]byte(yml))
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:secret@db:5432/jobs", cfg.Postgres.URL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Postgres.Enabled)
	assert.True(t, cfg.Redis.Enabled)
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{"unknown mode", "pipeline:\n  mode: batch\n"},
		{"unknown queue backend", "queue:\n  backend: kafka\n"},
		{"zero workers", "worker:\n  count: 0\n"},
		{"negative retries", "pipeline:\n  max_retries: -1\n"},
		{"bad log level", "log:\n  level: verbose\n"},
		{"postgres without url", "store:\n  backend: postgres\n"},
		{"redis with inline", "queue:\n  backend: redis\npipeline:\n  mode: inline\n"},
		{"zero sweep rate", "sweeper:\n  rate: 0\n"},
		{"malformed yaml", "worker: [\n"},
		{"bad duration", "worker:\n  task_timeout: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  count: 2\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Worker.Count)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
