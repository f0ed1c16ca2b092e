package snapshot

// ============================================================================
// 職責說明：
// 1. 將記憶體後端的完整狀態序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 定期快照（Scheduler），重啟時由 Restore 還原佇列
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

const schemaVersion = 1

// Manager 快照管理器
type Manager struct {
	path        string
	keepBackups int // 保留的舊快照數量，0 表示不保留
	mu          sync.Mutex
}

// NewManager 建立快照管理器實例
//
// 參數：
//   - path: 快照檔案路徑
//   - keepBackups: 覆寫前保留的舊快照數量
func NewManager(path string, keepBackups int) *Manager {
	if keepBackups < 0 {
		keepBackups = 0
	}
	return &Manager{path: path, keepBackups: keepBackups}
}

// Path 取得快照檔案路徑
func (m *Manager) Path() string {
	return m.path
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Write 原子性寫入快照
//
// 流程：
//  1. 寫入臨時檔案（.tmp）並 fsync
//  2. 需要保留備份時，把舊快照改名為 path.<時間戳>
//  3. os.Rename 原子性替換
func (m *Manager) Write(data *types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = schemaVersion
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, raw); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if m.keepBackups > 0 && m.Exists() {
		backup := m.path + "." + time.Now().Format("20060102_150405.000")
		if err := os.Rename(m.path, backup); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	if m.keepBackups > 0 {
		if err := m.pruneBackups(); err != nil {
			return err
		}
	}
	return nil
}

func writeSynced(path string, raw []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Backups 依時間由新到舊列出備份檔
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	backups := matches[:0]
	for _, p := range matches {
		if filepath.Ext(p) == ".tmp" {
			continue
		}
		backups = append(backups, p)
	}
	// 時間戳格式可依字典序排序
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

func (m *Manager) pruneBackups() error {
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("failed to list snapshot backups: %w", err)
	}
	for i := m.keepBackups; i < len(backups); i++ {
		if err := os.Remove(backups[i]); err != nil {
			return fmt.Errorf("failed to remove old snapshot: %w", err)
		}
	}
	return nil
}

// Load 載入快照
//
// 返回值：
//   - 檔案不存在時回傳 ErrSnapshotNotFound
//   - 內容無法解碼時回傳 ErrCorruptedSnapshot
//   - 版本不符時回傳 ErrIncompatibleVersion
func (m *Manager) Load() (*types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != schemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}
	if data.Counters == nil {
		data.Counters = make(map[string]int64)
	}
	return &data, nil
}

// ============================================================================
// 還原與定期快照
// ============================================================================

// Restore 把快照載入後端；沒有快照檔時回傳 (false, nil)
func Restore(ctx context.Context, m *Manager, target storage.Snapshotter) (bool, error) {
	data, err := m.Load()
	if errors.Is(err, ErrSnapshotNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := target.Import(ctx, data); err != nil {
		return false, fmt.Errorf("failed to import snapshot: %w", err)
	}
	return true, nil
}

// Save 匯出後端狀態並寫入快照檔
func Save(ctx context.Context, m *Manager, source storage.Snapshotter) (*types.SnapshotData, error) {
	data, err := source.Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export state: %w", err)
	}
	if err := m.Write(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Scheduler 定期快照
type Scheduler struct {
	manager  *Manager
	source   storage.Snapshotter
	interval time.Duration
	log      *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewScheduler 建立定期快照排程器
func NewScheduler(m *Manager, source storage.Snapshotter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{manager: m, source: source, interval: interval, log: logger}
}

// Start 啟動背景快照循環
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.stopCh)
}

func (s *Scheduler) loop(stopCh chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.snapshot()
		}
	}
}

func (s *Scheduler) snapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	start := time.Now()
	data, err := Save(ctx, s.manager, s.source)
	if err != nil {
		s.log.Error("Snapshot failed", "path", s.manager.Path(), "error", err)
		return
	}
	s.log.Debug("Snapshot written", "path", s.manager.Path(), "records", len(data.Records), "duration", time.Since(start))
}

// Stop 停止循環並寫入最後一次快照
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.snapshot()
}
