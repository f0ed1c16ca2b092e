// ============================================================================
// gpu-queue 佇列引擎 - 任務狀態機實現
// ============================================================================
//
// Package: internal/queue
// 文件: engine.go
// 功能: 組合 jobstore 與排程索引，提供原子的任務操作
//
// 任務狀態轉換 (State Machine):
//   pending ──SelectNext──▶ running ──Complete──▶ completed
//      │                      │──────Fail / Reclaim──▶ failed
//      │                      └──────Cancel──▶ cancelled（保留供稽核）
//      └──Cancel──▶ 直接刪除
//
// 狀態轉換規則:
//   - 終態（completed / failed / cancelled）不可再轉換
//   - Complete / Fail 只能從 running 發起，否則回傳 ErrInvalidState
//   - Reprioritize 只能在 pending 時發起
//
// 並發安全:
//   引擎本身不持有鎖。每個操作分解為一或多次後端原子原語：
//   - SelectNext 是單次 ClaimMin（pop-min + 改寫為 running）
//   - 其餘轉換是單次 Mutate（單鍵 read-modify-write）
//   兩個同時進行的轉換只會有一個成功，輸家看到轉換後的狀態。
//
// 事件:
//   每次成功的變更都發布一個事件；發布永不阻塞，也不會讓操作失敗。
//   變更在後端臨界區內取得序號（ticket），事件依序號送出，
//   因此事件順序與提交順序一致。
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/gpu-queue/internal/jobstore"
	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotFound    = jobstore.ErrNotFound
	ErrQueueFull   = jobstore.ErrQueueFull
	ErrUnavailable = jobstore.ErrUnavailable
	ErrValidation  = jobstore.ErrValidation

	// 任務狀態不允許此操作
	ErrInvalidState = errors.New("invalid state transition")
	// 任務已在終態，無法取消
	ErrCannotCancel = errors.New("cannot cancel job")
)

// StaleJobMessage is the error recorded on jobs reclaimed by the reaper.
const StaleJobMessage = "stale job timeout"

// ============================================================================
// 協作者介面
// ============================================================================

// Publisher receives every state change. Publish must not block.
type Publisher interface {
	Publish(evt types.Event)
}

// Liveness is the slice of the worker tracker the engine needs.
type Liveness interface {
	Heartbeat(ctx context.Context, workerID string)
	Active(ctx context.Context) ([]string, error)
}

// Recorder receives queue metrics.
type Recorder interface {
	RecordSubmitted(priority string)
	RecordRejected(reason string)
	RecordStarted(wait time.Duration)
	RecordFinished(status string, runtime time.Duration)
	RecordReclaimed()
}

type nopPublisher struct{}

func (nopPublisher) Publish(types.Event) {}

type nopLiveness struct{}

func (nopLiveness) Heartbeat(context.Context, string)         {}
func (nopLiveness) Active(context.Context) ([]string, error) { return nil, nil }

type nopRecorder struct{}

func (nopRecorder) RecordSubmitted(string)               {}
func (nopRecorder) RecordRejected(string)                {}
func (nopRecorder) RecordStarted(time.Duration)          {}
func (nopRecorder) RecordFinished(string, time.Duration) {}
func (nopRecorder) RecordReclaimed()                     {}

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 引擎配置
type Config struct {
	Mode      types.QueueMode // 排程模式
	MaxDepth  int             // pending 上限，<= 0 表示不限
	Publisher Publisher
	Liveness  Liveness
	Recorder  Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine 佇列引擎
type Engine struct {
	store    *jobstore.Store
	mode     types.QueueMode
	maxDepth int
	pub      Publisher
	live     Liveness
	rec      Recorder
	log      *slog.Logger
	now      func() time.Time
	seq      *sequencer
}

// SubmitRequest 提交請求
type SubmitRequest struct {
	Owner    string
	Payload  map[string]interface{}
	Priority *types.Priority // nil means normal
	Metadata map[string]interface{}
}

// ListOptions 查詢條件
type ListOptions struct {
	Owner  string
	Status types.JobStatus
	Limit  int
}

// New 建立佇列引擎
//
// 參數：
//   - store: 任務存儲
//   - cfg: 引擎配置，未設定的協作者以 no-op 取代
//
// 返回值：
//   - *Engine: 引擎實例
//   - error: 模式不合法
func New(store *jobstore.Store, cfg Config) (*Engine, error) {
	mode, err := types.ParseQueueMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:    store,
		mode:     mode,
		maxDepth: cfg.MaxDepth,
		pub:      cfg.Publisher,
		live:     cfg.Liveness,
		rec:      cfg.Recorder,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
	if e.pub == nil {
		e.pub = nopPublisher{}
	}
	if e.live == nil {
		e.live = nopLiveness{}
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.seq = newSequencer(e.pub.Publish)
	return e, nil
}

func (e *Engine) Mode() types.QueueMode {
	return e.mode
}

func (e *Engine) MaxDepth() int {
	return e.maxDepth
}

func (e *Engine) Store() *jobstore.Store {
	return e.store
}

func (e *Engine) ticket() *ticket {
	return &ticket{seq: e.seq}
}

// takeTicket is a Hook that places the change in the event order.
func takeTicket(t *ticket) storage.Hook {
	return func(*storage.Record, storage.Counters) error {
		t.take()
		return nil
	}
}

func (e *Engine) event(kind string, job *types.Job, extra map[string]interface{}) types.Event {
	data := map[string]interface{}{
		"job_id":   string(job.ID),
		"user_id":  job.Owner,
		"status":   string(job.Status),
		"priority": job.Priority.String(),
	}
	if job.AssignedWorker != "" {
		data["worker_id"] = job.AssignedWorker
	}
	for k, v := range extra {
		data[k] = v
	}
	return types.Event{Type: kind, Data: data, Timestamp: e.now().UTC()}
}

// ============================================================================
// 核心方法
// ============================================================================

// Submit 驗證並加入新任務
//
// 參數：
//   - req: 提交內容
//
// 返回值：
//   - *types.Job: 已存入的任務（status=pending）
//   - error: ErrValidation / ErrQueueFull / ErrUnavailable
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*types.Job, error) {
	now := e.now().UTC()
	priority := types.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}
	job := &types.Job{
		ID:        types.JobID(uuid.NewString()),
		Owner:     req.Owner,
		Payload:   req.Payload,
		Metadata:  req.Metadata,
		Status:    types.StatusPending,
		Priority:  priority,
		CreatedAt: now,
	}
	if err := e.store.Validate(job); err != nil {
		e.rec.RecordRejected("validation")
		return nil, err
	}

	t := e.ticket()
	defer t.release()
	score := Score(e.mode, job.Priority, now, 0)
	hooks := []storage.Hook{takeTicket(t)}
	if e.mode == types.ModeRoundRobin {
		hooks = append(hooks, assignRound(job.Priority, job.Owner, &score))
	}

	if err := e.store.Create(ctx, job, score, e.maxDepth, hooks...); err != nil {
		if errors.Is(err, ErrQueueFull) {
			e.rec.RecordRejected("queue_full")
			return nil, err
		}
		return nil, fmt.Errorf("failed to store job: %w", err)
	}

	e.rec.RecordSubmitted(job.Priority.String())
	t.publish(e.event(types.EventJobCreated, job, nil))
	e.log.Debug("Job submitted", "job_id", job.ID, "user_id", job.Owner, "priority", job.Priority, "score", score)
	return job, nil
}

// SelectNext 原子地取出下一個任務並標記為 running
//
// 參數：
//   - workerID: 領取任務的 worker，無論是否取得任務都會刷新其存活紀錄
//
// 返回值：
//   - *types.Job: 取得的任務；佇列為空時為 nil（不是錯誤）
//   - error: worker id 不合法時為 ErrValidation，其餘為後端錯誤
func (e *Engine) SelectNext(ctx context.Context, workerID string) (*types.Job, error) {
	if err := e.store.Limits().ValidateIdentifier("worker_id", workerID); err != nil {
		return nil, err
	}
	e.live.Heartbeat(ctx, workerID)

	now := e.now().UTC()
	t := e.ticket()
	defer t.release()
	hooks := []storage.Hook{takeTicket(t)}
	if e.mode == types.ModeRoundRobin {
		hooks = append(hooks, advanceRound)
	}
	job, ok, err := e.store.ClaimNext(ctx, func(job *types.Job, _ *int64) (storage.Op, error) {
		job.Status = types.StatusRunning
		job.StartedAt = &now
		job.AssignedWorker = workerID
		return storage.OpPut, nil
	}, hooks...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim next job: %w", err)
	}
	if !ok {
		return nil, nil
	}

	e.rec.RecordStarted(now.Sub(job.CreatedAt))
	t.publish(e.event(types.EventJobStarted, job, nil))
	e.log.Debug("Job started", "job_id", job.ID, "worker_id", workerID)
	return job, nil
}

// finish 是 Complete / Fail / Reclaim 共用的 running → 終態轉換
func (e *Engine) finish(ctx context.Context, id types.JobID, t *ticket, apply func(job *types.Job)) (*types.Job, error) {
	now := e.now().UTC()
	return e.store.Mutate(ctx, id, func(job *types.Job, _ *int64) (storage.Op, error) {
		if job.Status != types.StatusRunning {
			return storage.OpPut, fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, job.Status)
		}
		t.take()
		job.CompletedAt = &now
		apply(job)
		return storage.OpPut, nil
	})
}

func runtimeOf(job *types.Job) time.Duration {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return 0
	}
	return job.CompletedAt.Sub(*job.StartedAt)
}

// Complete 標記任務成功並記錄結果
//
// 返回值：
//   - error: ErrValidation（結果過大）/ ErrNotFound / ErrInvalidState
func (e *Engine) Complete(ctx context.Context, id types.JobID, result map[string]interface{}) (*types.Job, error) {
	if err := e.store.Limits().ValidateResult(result); err != nil {
		return nil, err
	}
	t := e.ticket()
	defer t.release()
	job, err := e.finish(ctx, id, t, func(job *types.Job) {
		job.Status = types.StatusCompleted
		job.Result = result
		job.Error = ""
	})
	if err != nil {
		return nil, err
	}

	// 計數器失敗不影響已完成的轉換
	if _, err := e.store.IncrCounter(ctx, storage.CompletionCounter(job.Owner)); err != nil {
		e.log.Warn("Failed to increment completion counter", "user_id", job.Owner, "error", err)
	}
	e.rec.RecordFinished(string(types.StatusCompleted), runtimeOf(job))
	t.publish(e.event(types.EventJobCompleted, job, nil))
	return job, nil
}

// Fail 標記任務失敗
//
// 返回值：
//   - error: ErrValidation（空白或過長的錯誤訊息）/ ErrNotFound / ErrInvalidState
func (e *Engine) Fail(ctx context.Context, id types.JobID, msg string) (*types.Job, error) {
	msg, err := e.store.Limits().ValidateError(msg)
	if err != nil {
		return nil, err
	}
	t := e.ticket()
	defer t.release()
	job, err := e.finish(ctx, id, t, func(job *types.Job) {
		job.Status = types.StatusFailed
		job.Error = msg
		job.Result = nil
	})
	if err != nil {
		return nil, err
	}
	e.rec.RecordFinished(string(types.StatusFailed), runtimeOf(job))
	t.publish(e.event(types.EventJobFailed, job, map[string]interface{}{"error": msg}))
	return job, nil
}

// Reclaim fails a stale running job on behalf of the reaper and clears its
// worker assignment.
func (e *Engine) Reclaim(ctx context.Context, id types.JobID) (*types.Job, error) {
	var worker string
	t := e.ticket()
	defer t.release()
	job, err := e.finish(ctx, id, t, func(job *types.Job) {
		worker = job.AssignedWorker
		job.Status = types.StatusFailed
		job.Error = StaleJobMessage
		job.Result = nil
		job.AssignedWorker = ""
	})
	if err != nil {
		return nil, err
	}
	e.rec.RecordReclaimed()
	e.rec.RecordFinished(string(types.StatusFailed), runtimeOf(job))
	t.publish(e.event(types.EventJobFailed, job, map[string]interface{}{
		"error":          StaleJobMessage,
		"reclaimed_from": worker,
	}))
	return job, nil
}

// Cancel 取消任務：pending 直接移除，running 原地標記為 cancelled
//
// 返回值：
//   - *types.Job: 取消前（pending）或取消後（running）的任務
//   - error: ErrNotFound / ErrCannotCancel
func (e *Engine) Cancel(ctx context.Context, id types.JobID) (*types.Job, error) {
	now := e.now().UTC()
	var previous types.JobStatus
	t := e.ticket()
	defer t.release()
	job, err := e.store.Mutate(ctx, id, func(job *types.Job, _ *int64) (storage.Op, error) {
		previous = job.Status
		switch job.Status {
		case types.StatusPending:
			t.take()
			job.Status = types.StatusCancelled
			return storage.OpDelete, nil
		case types.StatusRunning:
			t.take()
			job.Status = types.StatusCancelled
			job.CompletedAt = &now
			return storage.OpPut, nil
		default:
			return storage.OpPut, fmt.Errorf("%w: job %s is %s", ErrCannotCancel, id, job.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	e.rec.RecordFinished(string(types.StatusCancelled), 0)
	t.publish(e.event(types.EventJobCancelled, job, map[string]interface{}{
		"previous_status": string(previous),
		"removed":         previous == types.StatusPending,
	}))
	return job, nil
}

// Reprioritize 變更 pending 任務的優先級並重新計算排程分數
//
// 返回值：
//   - error: ErrValidation（未知優先級）/ ErrNotFound / ErrInvalidState
func (e *Engine) Reprioritize(ctx context.Context, id types.JobID, p types.Priority) (*types.Job, error) {
	if !p.Valid() {
		return nil, &jobstore.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown class %d", int(p))}
	}
	var old types.Priority
	t := e.ticket()
	defer t.release()
	job, err := e.store.Mutate(ctx, id, func(job *types.Job, score *int64) (storage.Op, error) {
		if job.Status != types.StatusPending {
			return storage.OpPut, fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, job.Status)
		}
		t.take()
		old = job.Priority
		job.Priority = p
		*score = Rescore(e.mode, *score, p)
		return storage.OpPut, nil
	})
	if err != nil {
		return nil, err
	}
	t.publish(e.event(types.EventJobPriorityChanged, job, map[string]interface{}{
		"old_priority": old.String(),
	}))
	return job, nil
}

// ============================================================================
// 查詢
// ============================================================================

// Get 取得任務，pending 任務附帶 1-based 排隊位置
func (e *Engine) Get(ctx context.Context, id types.JobID) (*types.JobView, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &types.JobView{Job: job}
	if job.Status == types.StatusPending {
		pos, err := e.store.Rank(ctx, id)
		switch {
		case err == nil:
			view.PositionInQueue = &pos
		case errors.Is(err, ErrNotFound):
			// 讀取後已被領走，位置不再適用
		default:
			return nil, err
		}
	}
	return view, nil
}

func (e *Engine) List(ctx context.Context, opts ListOptions) ([]*types.Job, error) {
	return e.store.List(ctx, storage.Filter{Owner: opts.Owner, Status: opts.Status, Limit: opts.Limit})
}

// Stats 由儲存層索引即時計算佇列統計
func (e *Engine) Stats(ctx context.Context) (*types.QueueStats, error) {
	counts, err := e.store.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	active, err := e.live.Active(ctx)
	if err != nil {
		e.log.Warn("Failed to list active workers", "error", err)
	}
	return &types.QueueStats{
		Mode:          e.mode,
		Counts:        counts,
		Pending:       counts[types.StatusPending],
		Running:       counts[types.StatusRunning],
		Completed:     counts[types.StatusCompleted],
		Failed:        counts[types.StatusFailed],
		Cancelled:     counts[types.StatusCancelled],
		ActiveWorkers: len(active),
		QueueDepth:    counts[types.StatusPending],
		MaxDepth:      e.maxDepth,
	}, nil
}

// RunningBefore lists running jobs started before cutoff.
func (e *Engine) RunningBefore(ctx context.Context, cutoff time.Time) ([]types.JobID, error) {
	return e.store.RunningBefore(ctx, cutoff)
}

// PendingBy returns how many of owner's jobs are waiting.
func (e *Engine) PendingBy(ctx context.Context, owner string) (int, error) {
	return e.store.PendingByOwner(ctx, owner)
}

// Ping checks the backing store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// CompletedBy returns how many jobs owner has completed.
func (e *Engine) CompletedBy(ctx context.Context, owner string) (int64, error) {
	return e.store.Counter(ctx, storage.CompletionCounter(owner))
}
