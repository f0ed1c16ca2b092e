// ============================================================================
// gpu-queue 過期任務回收器
// ============================================================================
//
// Package: internal/reaper
// 文件: reaper.go
// 功能: 定期掃描卡在 running 的任務並標記為 failed
//
// 判斷依據只有逾時：started_at 早於 now - job_timeout 的任務一律回收，
// 不區分「worker 已死」與「worker 很慢」。
//
// 與 worker 回報的競態:
//   回收走的是與 Complete / Fail 相同的 Mutate 路徑，先落地的轉換勝出；
//   輸家看到 ErrInvalidState / ErrNotFound，只記錄日誌。
//
// ============================================================================

package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/gpu-queue/internal/queue"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// Engine is what the reaper needs from the queue engine.
type Engine interface {
	RunningBefore(ctx context.Context, cutoff time.Time) ([]types.JobID, error)
	Reclaim(ctx context.Context, id types.JobID) (*types.Job, error)
}

// Config 回收器配置
type Config struct {
	Interval   time.Duration // 掃描間隔
	JobTimeout time.Duration // running 超過此時間即視為過期
	Logger     *slog.Logger
	Now        func() time.Time
}

// Reaper 過期任務回收器
type Reaper struct {
	engine   Engine
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

func New(engine Engine, cfg Config) *Reaper {
	r := &Reaper{
		engine:   engine,
		interval: cfg.Interval,
		timeout:  cfg.JobTimeout,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
	if r.interval <= 0 {
		r.interval = 30 * time.Second
	}
	if r.timeout <= 0 {
		r.timeout = 10 * time.Minute
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Sweep 執行一次掃描
//
// 返回值：
//   - int: 本次成功回收的任務數（輸掉競態的不計入）
//   - error: 列出過期任務失敗；單一任務的回收錯誤只記錄日誌
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.timeout)
	ids, err := r.engine.RunningBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range ids {
		_, err := r.engine.Reclaim(ctx, id)
		switch {
		case err == nil:
			reclaimed++
			r.log.Warn("Reclaimed stale job", "job_id", id, "timeout", r.timeout)
		case errors.Is(err, queue.ErrInvalidState), errors.Is(err, queue.ErrNotFound):
			// 已被 worker 完成或被其他掃描回收
			r.log.Debug("Stale job already transitioned", "job_id", id, "error", err)
		default:
			r.log.Error("Failed to reclaim stale job", "job_id", id, "error", err)
		}
	}
	return reclaimed, nil
}

// Start 啟動背景掃描循環
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.loop(r.stopCh)
}

func (r *Reaper) loop(stopCh chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			r.log.Info("Reaper loop stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			n, err := r.Sweep(ctx)
			cancel()
			if err != nil {
				// 後端暫時不可用，下一輪重試
				r.log.Error("Reaper sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.log.Info("Reaper sweep finished", "reclaimed", n)
			}
		}
	}
}

// Stop 停止背景循環並等待退出
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}
