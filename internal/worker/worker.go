// ============================================================================
// gpu-queue Worker - 單一 GPU 的執行迴圈
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 領取任務 → 執行 → 回報，每個 Worker 在獨立 goroutine 中運行
//
// 執行迴圈:
//   ┌──────────────────────────────────────┐
//   │ for ctx 未取消                         │
//   │   ├─ source.Next(id)                  │
//   │   │    ├─ 無任務/錯誤 → 退避等待         │
//   │   │    └─ 有任務 → 重設退避             │
//   │   ├─ executor.Execute (帶超時 ctx)     │
//   │   └─ source.Complete / source.Fail    │
//   └──────────────────────────────────────┘
//
// 退避:
//   空佇列與連線錯誤都用指數退避（PollInterval → MaxPollInterval），
//   領到任務後立即重設，讓忙碌時不會有額外延遲
//
// 回報失敗:
//   ErrJobLost 表示任務已被回收或取消，只記錄日誌不重試
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// Worker 單一執行單元，對應一張 GPU
type Worker struct {
	id       string
	source   JobSource
	executor Executor
	cfg      Config
	stats    *counters
	log      *slog.Logger
}

func newWorker(id string, source JobSource, executor Executor, cfg Config, stats *counters) *Worker {
	return &Worker{
		id:       id,
		source:   source,
		executor: executor,
		cfg:      cfg,
		stats:    stats,
		log:      cfg.Logger.With("worker_id", id),
	}
}

// ID 返回 worker 識別碼
func (w *Worker) ID() string { return w.id }

func (w *Worker) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.PollInterval
	eb.MaxInterval = w.cfg.MaxPollInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(eb, ctx)
}

// Run 執行迴圈，直到 ctx 取消
func (w *Worker) Run(ctx context.Context) {
	b := w.newBackoff(ctx)
	for ctx.Err() == nil {
		job, err := w.source.Next(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.stats.pollErrors.Add(1)
			w.log.Warn("Failed to fetch job", "error", err)
		}
		if job == nil {
			if !sleep(ctx, b.NextBackOff()) {
				return
			}
			continue
		}

		b.Reset()
		w.process(ctx, job)
	}
}

// process 執行單一任務並回報結果；已領取的任務不受 Stop 取消，只受 JobTimeout 限制
func (w *Worker) process(ctx context.Context, job *types.Job) {
	start := time.Now()
	log := w.log.With("job_id", job.ID)
	log.Info("Job started")

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.JobTimeout)
	result, err := w.execute(execCtx, job)
	cancel()

	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ReportTimeout)
	defer cancelReport()

	if err != nil {
		w.stats.failed.Add(1)
		msg := failureMessage(err, w.cfg.MaxErrorLength)
		log.Warn("Job failed", "error", msg, "duration", time.Since(start))
		w.report(log, w.source.Fail(reportCtx, job.ID, msg))
		return
	}

	w.stats.completed.Add(1)
	log.Info("Job completed", "duration", time.Since(start))
	w.report(log, w.source.Complete(reportCtx, job.ID, result))
}

// execute 呼叫 executor 並把 panic 轉為錯誤
func (w *Worker) execute(ctx context.Context, job *types.Job) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("executor panicked")
			w.log.Error("Executor panic", "job_id", job.ID, "panic", r)
		}
	}()
	result, err = w.executor.Execute(ctx, job)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && result == nil {
		result = map[string]interface{}{}
	}
	return result, err
}

func (w *Worker) report(log *slog.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrJobLost):
		w.stats.lost.Add(1)
		log.Warn("Job was reclaimed before the result arrived", "error", err)
	default:
		w.stats.reportErrors.Add(1)
		log.Error("Failed to report job result", "error", err)
	}
}

// failureMessage 失敗訊息不可為空，且不超過佇列的長度上限
func failureMessage(err error, max int) string {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "job timed out: " + msg
	}
	if msg == "" {
		msg = "job failed"
	}
	if max > 0 && len([]rune(msg)) > max {
		msg = string([]rune(msg)[:max])
	}
	return msg
}

// sleep 等待 d 或 ctx 取消；backoff.Stop 視為取消
func sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
