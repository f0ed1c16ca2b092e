// ============================================================================
// gpu-queue Configuration
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: YAML 配置檔的結構、預設值、載入與驗證
//
// 載入順序:
//   1. Default() 提供完整的預設值
//   2. Load(path) 以 YAML 覆寫（未出現的欄位保留預設值）
//   3. Validate() 檢查範圍與列舉值
//   4. CLI flag 可再覆寫部分欄位（由 internal/cli 處理）
//
// 時間欄位使用 Go duration 字串，例如 "30s"、"10m"
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// ErrInvalidConfig 配置驗證失敗
var ErrInvalidConfig = errors.New("invalid config")

// Backend 名稱
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config 完整系統配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Queue   QueueConfig   `yaml:"queue"`
	Workers WorkersConfig `yaml:"workers"`
	Limits  LimitsConfig  `yaml:"limits"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr"`
	GRPCAddr    string   `yaml:"grpc_addr"` // 空字串表示不啟動 gRPC
	CORSOrigins []string `yaml:"cors_origins"`
	Version     string   `yaml:"version"`
}

type QueueConfig struct {
	Mode           string        `yaml:"mode"`
	MaxDepth       int           `yaml:"max_depth"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	ReaperInterval time.Duration `yaml:"reaper_interval"`
}

type WorkersConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

type LimitsConfig struct {
	PayloadBytes  int `yaml:"payload_bytes"`
	MetadataBytes int `yaml:"metadata_bytes"`
	ResultBytes   int `yaml:"result_bytes"`
	ErrorLength   int `yaml:"error_length"`
	OwnerLength   int `yaml:"owner_length"`
}

type StorageConfig struct {
	Backend          string        `yaml:"backend"`
	Path             string        `yaml:"path"` // SQLite 資料庫檔案
	OpTimeout        time.Duration `yaml:"op_timeout"`
	SnapshotPath     string        `yaml:"snapshot_path"` // 記憶體後端的快照檔，空字串表示不快照
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotBackups  int           `yaml:"snapshot_backups"`
}

type EventsConfig struct {
	BufferSize             int    `yaml:"buffer_size"`
	ObserverBuffer         int    `yaml:"observer_buffer"`
	MaxResubscribeAttempts int    `yaml:"max_resubscribe_attempts"`
	JournalPath            string `yaml:"journal_path"` // 空字串表示不寫日誌
	JournalMaxBytes        int64  `yaml:"journal_max_bytes"` // 超過即旋轉壓縮，0 表示不旋轉
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 回傳預設配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:    ":8000",
			GRPCAddr:    ":50051",
			CORSOrigins: []string{"*"},
			Version:     "1.0.0",
		},
		Queue: QueueConfig{
			Mode:           string(types.ModeFIFO),
			MaxDepth:       1000,
			JobTimeout:     10 * time.Minute,
			ReaperInterval: 30 * time.Second,
		},
		Workers: WorkersConfig{
			HeartbeatTimeout: 60 * time.Second,
		},
		Limits: LimitsConfig{
			PayloadBytes:  10 << 20,
			MetadataBytes: 10 << 10,
			ResultBytes:   1 << 20,
			ErrorLength:   5000,
			OwnerLength:   100,
		},
		Storage: StorageConfig{
			Backend:          BackendMemory,
			Path:             "data/queue.db",
			OpTimeout:        5 * time.Second,
			SnapshotPath:     "data/snapshot.json",
			SnapshotInterval: 30 * time.Second,
			SnapshotBackups:  3,
		},
		Events: EventsConfig{
			BufferSize:             256,
			ObserverBuffer:         64,
			MaxResubscribeAttempts: 10,
			JournalPath:            "data/events.jsonl",
			JournalMaxBytes:        64 << 20,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load 讀取 YAML 配置檔並套用在預設值之上
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置；所有問題合併在一個錯誤中回報
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.HTTPAddr == "" {
		add("server.http_addr is required")
	}
	if _, err := types.ParseQueueMode(c.Queue.Mode); err != nil {
		add("queue.mode: %v", err)
	}
	if c.Queue.MaxDepth <= 0 {
		add("queue.max_depth must be positive")
	}
	if c.Queue.JobTimeout <= 0 {
		add("queue.job_timeout must be positive")
	}
	if c.Queue.ReaperInterval <= 0 {
		add("queue.reaper_interval must be positive")
	}
	if c.Workers.HeartbeatTimeout <= 0 {
		add("workers.heartbeat_timeout must be positive")
	}
	if c.Limits.PayloadBytes <= 0 || c.Limits.MetadataBytes <= 0 || c.Limits.ResultBytes <= 0 ||
		c.Limits.ErrorLength <= 0 || c.Limits.OwnerLength <= 0 {
		add("limits must all be positive")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			add("storage.path is required for the sqlite backend")
		}
	default:
		add("storage.backend must be %q or %q", BackendMemory, BackendSQLite)
	}
	if c.Storage.OpTimeout <= 0 {
		add("storage.op_timeout must be positive")
	}
	if c.Storage.SnapshotPath != "" && c.Storage.SnapshotInterval <= 0 {
		add("storage.snapshot_interval must be positive when snapshot_path is set")
	}
	if c.Events.BufferSize <= 0 || c.Events.ObserverBuffer <= 0 {
		add("events buffers must be positive")
	}
	if c.Events.MaxResubscribeAttempts < 0 {
		add("events.max_resubscribe_attempts must not be negative")
	}
	if c.Events.JournalMaxBytes < 0 {
		add("events.journal_max_bytes must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format must be text or json")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// QueueMode 回傳已驗證的佇列模式
func (c *Config) QueueMode() types.QueueMode {
	mode, err := types.ParseQueueMode(c.Queue.Mode)
	if err != nil {
		return types.ModeFIFO
	}
	return mode
}
