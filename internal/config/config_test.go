package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, types.ModeFIFO, cfg.QueueMode())
	assert.Equal(t, 1000, cfg.Queue.MaxDepth)
	assert.Equal(t, 60*time.Second, cfg.Workers.HeartbeatTimeout)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":9000"
  cors_origins: ["http://localhost:3000"]
queue:
  mode: round_robin
  max_depth: 50
  job_timeout: 2m
storage:
  backend: sqlite
  path: /tmp/q.db
events:
  journal_path: ""
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
	assert.Equal(t, types.ModeRoundRobin, cfg.QueueMode())
	assert.Equal(t, 50, cfg.Queue.MaxDepth)
	assert.Equal(t, 2*time.Minute, cfg.Queue.JobTimeout)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Empty(t, cfg.Events.JournalPath)

	// 未出現的欄位保留預設值
	assert.Equal(t, 30*time.Second, cfg.Queue.ReaperInterval)
	assert.Equal(t, ":50051", cfg.Server.GRPCAddr)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "queue: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown mode", func(c *Config) { c.Queue.Mode = "lottery" }},
		{"zero depth", func(c *Config) { c.Queue.MaxDepth = 0 }},
		{"zero job timeout", func(c *Config) { c.Queue.JobTimeout = 0 }},
		{"zero heartbeat timeout", func(c *Config) { c.Workers.HeartbeatTimeout = 0 }},
		{"negative limit", func(c *Config) { c.Limits.ResultBytes = -1 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"sqlite without path", func(c *Config) { c.Storage.Backend = BackendSQLite; c.Storage.Path = "" }},
		{"snapshot without interval", func(c *Config) { c.Storage.SnapshotInterval = 0 }},
		{"negative resubscribe", func(c *Config) { c.Events.MaxResubscribeAttempts = -1 }},
		{"negative journal size", func(c *Config) { c.Events.JournalMaxBytes = -1 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	log.Info("hidden")
	log.Warn("shown", "job_id", "j1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"job_id":"j1"`)

	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
