// ============================================================================
// gpu-queue Worker Pool - 一台主機上的多張 GPU
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 與共用的心跳迴圈
//
// 架構:
//   ┌──────────────────────────┐
//   │ Pool                     │
//   │  ┌────────┐              │
//   │  │gpu-0   │──Next/Report─┼──▶ JobSource (HTTP | gRPC)
//   │  │gpu-1   │──Next/Report─┼──▶
//   │  └────────┘              │
//   │  heartbeatLoop ──────────┼──▶ Heartbeat(每個 worker id)
//   └──────────────────────────┘
//
// 生命週期:
//   1. NewPool(source, executor, cfg)
//   2. Start() - 先送一次心跳，再啟動 Concurrency 個 Worker 與心跳迴圈
//   3. Stop()  - 取消 ctx，等待執行中的任務回報完畢
//
// 心跳間隔應小於佇列的 workers.heartbeat_timeout，
// 長時間執行的任務才不會被 reaper 誤判為失聯
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolClosed 表示 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// Config Pool 配置
type Config struct {
	// worker id 前綴，實際 id 為 <IDPrefix>-<index>
	IDPrefix          string
	Concurrency       int
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
	ReportTimeout     time.Duration
	MaxErrorLength    int
	Logger            *slog.Logger
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		IDPrefix:          "gpu",
		Concurrency:       1,
		PollInterval:      500 * time.Millisecond,
		MaxPollInterval:   10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		JobTimeout:        10 * time.Minute,
		ReportTimeout:     10 * time.Second,
		MaxErrorLength:    5000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IDPrefix == "" {
		c.IDPrefix = d.IDPrefix
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = d.ReportTimeout
	}
	if c.MaxErrorLength <= 0 {
		c.MaxErrorLength = d.MaxErrorLength
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type counters struct {
	completed    atomic.Int64
	failed       atomic.Int64
	lost         atomic.Int64
	pollErrors   atomic.Int64
	reportErrors atomic.Int64
}

// Stats Pool 累計統計
type Stats struct {
	Completed    int64
	Failed       int64
	Lost         int64
	PollErrors   int64
	ReportErrors int64
}

// Pool 管理一組 Worker
type Pool struct {
	source   JobSource
	executor Executor
	cfg      Config
	stats    counters
	workers  []*Worker

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// NewPool 建立 Worker Pool
func NewPool(source JobSource, executor Executor, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{source: source, executor: executor, cfg: cfg}
	for i := 0; i < cfg.Concurrency; i++ {
		id := fmt.Sprintf("%s-%d", cfg.IDPrefix, i)
		p.workers = append(p.workers, newWorker(id, source, executor, cfg, &p.stats))
	}
	return p
}

// WorkerIDs 返回所有 worker 識別碼
func (p *Pool) WorkerIDs() []string {
	ids := make([]string, len(p.workers))
	for i, w := range p.workers {
		ids[i] = w.ID()
	}
	return ids
}

// Start 啟動所有 Worker 與心跳迴圈
//
// 返回值：
//   - error: 重複啟動、已關閉，或首次心跳被拒絕（例如 id 不合法）
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	for _, id := range p.WorkerIDs() {
		if err := p.source.Heartbeat(ctx, id); errors.Is(err, ErrRejected) {
			return fmt.Errorf("failed to register worker %s: %w", id, err)
		} else if err != nil {
			p.cfg.Logger.Warn("Initial heartbeat failed", "worker_id", id, "error", err)
		}
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	p.started = true
	p.cfg.Logger.Info("Worker pool started", "workers", len(p.workers))
	return nil
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range p.WorkerIDs() {
				if err := p.source.Heartbeat(ctx, id); err != nil && ctx.Err() == nil {
					p.cfg.Logger.Warn("Heartbeat failed", "worker_id", id, "error", err)
				}
			}
		}
	}
}

// Stop 停止領取新任務並等待執行中任務回報完畢
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.cfg.Logger.Info("Worker pool stopped", "completed", p.stats.completed.Load(), "failed", p.stats.failed.Load())
}

// Stats 返回累計統計
func (p *Pool) Stats() Stats {
	return Stats{
		Completed:    p.stats.completed.Load(),
		Failed:       p.stats.failed.Load(),
		Lost:         p.stats.lost.Load(),
		PollErrors:   p.stats.pollErrors.Load(),
		ReportErrors: p.stats.reportErrors.Load(),
	}
}
