// ============================================================================
// gpu-queue 任務存儲
// ============================================================================
//
// Package: internal/jobstore
// 文件: store.go
// 功能: 任務紀錄的驗證、編碼與存取
//
// 職責說明：
//   1. 建立前驗證 owner / workflow / metadata，驗證失敗不觸碰後端
//   2. 將 types.Job 編碼為 storage.Record（JSON），讀取時解碼
//   3. 損毀的紀錄視為不存在並記錄日誌，不讓呼叫端崩潰
//   4. 每次後端呼叫套用逾時，逾時轉為 ErrUnavailable
//
// 本層不含任何排程策略；分數由佇列引擎計算後傳入。
//
// ============================================================================

package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// 轉出儲存層錯誤，呼叫端不需要匯入 storage
var (
	ErrNotFound    = storage.ErrNotFound
	ErrExists      = storage.ErrExists
	ErrQueueFull   = storage.ErrQueueFull
	ErrUnavailable = storage.ErrUnavailable

	errMalformed = errors.New("malformed job record")
)

// MutateFunc edits job in place and may replace its scheduling score. A
// non-nil error aborts the write.
type MutateFunc func(job *types.Job, score *int64) (storage.Op, error)

// Store 任務存儲
type Store struct {
	backend storage.Backend
	limits  Limits
	timeout time.Duration
	log     *slog.Logger
}

// Config for New. Zero Limits fields fall back to DefaultLimits.
type Config struct {
	Limits    Limits
	OpTimeout time.Duration
	Logger    *slog.Logger
}

// New 建立任務存儲
func New(backend storage.Backend, cfg Config) *Store {
	def := DefaultLimits()
	l := cfg.Limits
	if l.PayloadBytes <= 0 {
		l.PayloadBytes = def.PayloadBytes
	}
	if l.MetadataBytes <= 0 {
		l.MetadataBytes = def.MetadataBytes
	}
	if l.ResultBytes <= 0 {
		l.ResultBytes = def.ResultBytes
	}
	if l.ErrorLength <= 0 {
		l.ErrorLength = def.ErrorLength
	}
	if l.OwnerLength <= 0 {
		l.OwnerLength = def.OwnerLength
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{backend: backend, limits: l, timeout: cfg.OpTimeout, log: log}
}

func (s *Store) Limits() Limits {
	return s.limits
}

func (s *Store) Backend() storage.Backend {
	return s.backend
}

// call runs fn under the per-call timeout and folds deadline/closed errors
// into ErrUnavailable.
func (s *Store) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	err := fn(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, storage.ErrClosed):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

// ============================================================================
// 編碼
// ============================================================================

func encode(job *types.Job, score int64) (storage.Record, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return storage.Record{}, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	rec := storage.Record{
		ID:     job.ID,
		Owner:  job.Owner,
		Status: job.Status,
		Score:  score,
		Data:   data,
	}
	if job.StartedAt != nil {
		rec.StartedAt = *job.StartedAt
	}
	return rec, nil
}

func decode(rec storage.Record) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(rec.Data, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if job.ID != rec.ID || !job.Status.Valid() {
		return nil, fmt.Errorf("%w: id %q status %q", errMalformed, job.ID, job.Status)
	}
	return &job, nil
}

// ============================================================================
// 核心方法
// ============================================================================

// Validate checks everything Create checks, without writing.
func (s *Store) Validate(job *types.Job) error {
	if err := s.limits.ValidateIdentifier("user_id", job.Owner); err != nil {
		return err
	}
	if err := s.limits.ValidatePayload(job.Payload); err != nil {
		return err
	}
	if !job.Priority.Valid() {
		return invalid("priority", "unknown class %d", int(job.Priority))
	}
	return s.limits.ValidateMetadata(job.Metadata)
}

// Create validates job and writes it with the given score. maxDepth bounds the
// pending depth; the check and the write, hooks included, are one backend
// primitive.
func (s *Store) Create(ctx context.Context, job *types.Job, score int64, maxDepth int, hooks ...storage.Hook) error {
	if err := s.Validate(job); err != nil {
		return err
	}
	rec, err := encode(job, score)
	if err != nil {
		return err
	}
	return s.call(ctx, func(ctx context.Context) error {
		_, err := s.backend.Create(ctx, rec, maxDepth, hooks...)
		return err
	})
}

// Get returns ErrNotFound for missing and malformed records alike.
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	var rec storage.Record
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.backend.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	job, err := decode(rec)
	if err != nil {
		s.log.Warn("Malformed job record treated as not found", "job_id", id, "error", err)
		return nil, ErrNotFound
	}
	return job, nil
}

// Mutate is the read-modify-write path every state transition goes through.
func (s *Store) Mutate(ctx context.Context, id types.JobID, fn MutateFunc) (*types.Job, error) {
	var out *types.Job
	err := s.call(ctx, func(ctx context.Context) error {
		_, err := s.backend.Mutate(ctx, id, s.wrap(fn, &out))
		return err
	})
	if errors.Is(err, errMalformed) {
		s.log.Warn("Malformed job record treated as not found", "job_id", id, "error", err)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) wrap(fn MutateFunc, out **types.Job) storage.MutateFunc {
	return func(cur storage.Record) (storage.Record, storage.Op, error) {
		job, err := decode(cur)
		if err != nil {
			return cur, storage.OpPut, err
		}
		score := cur.Score
		op, err := fn(job, &score)
		if err != nil {
			return cur, op, err
		}
		*out = job
		if op == storage.OpDelete {
			return cur, op, nil
		}
		next, err := encode(job, score)
		return next, op, err
	}
}

// Update overwrites the stored job, keeping its score.
func (s *Store) Update(ctx context.Context, job *types.Job) error {
	_, err := s.Mutate(ctx, job.ID, func(cur *types.Job, _ *int64) (storage.Op, error) {
		*cur = *job.Clone()
		return storage.OpPut, nil
	})
	return err
}

// Delete removes the record and every index membership.
func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	err := s.call(ctx, func(ctx context.Context) error {
		_, err := s.backend.Mutate(ctx, id, func(cur storage.Record) (storage.Record, storage.Op, error) {
			return cur, storage.OpDelete, nil
		})
		return err
	})
	return err
}

// ClaimNext applies fn to the lowest-scored pending job atomically. Corrupt
// pending records met along the way are deleted and skipped. ok is false when
// nothing is pending. hooks see the rewritten record.
func (s *Store) ClaimNext(ctx context.Context, fn MutateFunc, hooks ...storage.Hook) (*types.Job, bool, error) {
	for {
		var (
			out     *types.Job
			corrupt bool
			ok      bool
			rec     storage.Record
		)
		err := s.call(ctx, func(ctx context.Context) error {
			var err error
			rec, ok, err = s.backend.ClaimMin(ctx, func(cur storage.Record) (storage.Record, storage.Op, error) {
				if _, err := decode(cur); err != nil {
					// 損毀的紀錄直接移除，否則它會永遠卡在佇列最前面
					corrupt = true
					return cur, storage.OpDelete, nil
				}
				return s.wrap(fn, &out)(cur)
			}, hooks...)
			return err
		})
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		if corrupt {
			s.log.Error("Dropped malformed pending job", "job_id", rec.ID)
			continue
		}
		return out, true, nil
	}
}

// ============================================================================
// 查詢
// ============================================================================

// Rank returns the 1-based queue position of a pending job.
func (s *Store) Rank(ctx context.Context, id types.JobID) (int, error) {
	var rank int
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		rank, err = s.backend.Rank(ctx, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return rank + 1, nil
}

func (s *Store) RunningBefore(ctx context.Context, cutoff time.Time) ([]types.JobID, error) {
	var ids []types.JobID
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		ids, err = s.backend.RunningBefore(ctx, cutoff)
		return err
	})
	return ids, err
}

func (s *Store) Counts(ctx context.Context) (map[types.JobStatus]int, error) {
	var counts map[types.JobStatus]int
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		counts, err = s.backend.CountByStatus(ctx)
		return err
	})
	return counts, err
}

func (s *Store) PendingByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.backend.CountPendingByOwner(ctx, owner)
		return err
	})
	return n, err
}

// List decodes matching records, skipping malformed ones.
func (s *Store) List(ctx context.Context, f storage.Filter) ([]*types.Job, error) {
	var recs []storage.Record
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		recs, err = s.backend.List(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, len(recs))
	for _, rec := range recs {
		job, err := decode(rec)
		if err != nil {
			s.log.Warn("Skipping malformed job record", "job_id", rec.ID, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) IncrCounter(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		v, err = s.backend.Incr(ctx, name, 1)
		return err
	})
	return v, err
}

func (s *Store) Counter(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		v, err = s.backend.Counter(ctx, name)
		return err
	})
	return v, err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.call(ctx, s.backend.Ping)
}
