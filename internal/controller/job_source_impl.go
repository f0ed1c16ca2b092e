package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/gpu-queue/internal/queue"
	"github.com/ChuLiYu/gpu-queue/internal/worker"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// ============================================================================
// 同進程 JobSource
// ============================================================================

// localSource 讓同一進程內的 worker.Pool 直接呼叫引擎，不經過網路
type localSource struct {
	c *Controller
}

var _ worker.JobSource = localSource{}

// LocalSource 返回直接操作本 Controller 的 JobSource
func (c *Controller) LocalSource() worker.JobSource {
	return localSource{c: c}
}

// mapErr 與 HTTP worker 端點一致：狀態不符視為找不到
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrInvalidState):
		return fmt.Errorf("%w: %v", worker.ErrJobLost, err)
	case errors.Is(err, queue.ErrValidation):
		return fmt.Errorf("%w: %v", worker.ErrRejected, err)
	default:
		return err
	}
}

func (s localSource) Next(ctx context.Context, workerID string) (*types.Job, error) {
	job, err := s.c.engine.SelectNext(ctx, workerID)
	return job, mapErr(err)
}

func (s localSource) Complete(ctx context.Context, id types.JobID, result map[string]interface{}) error {
	_, err := s.c.engine.Complete(ctx, id, result)
	return mapErr(err)
}

func (s localSource) Fail(ctx context.Context, id types.JobID, msg string) error {
	_, err := s.c.engine.Fail(ctx, id, msg)
	return mapErr(err)
}

func (s localSource) Heartbeat(ctx context.Context, workerID string) error {
	if err := s.c.store.Limits().ValidateIdentifier("worker_id", workerID); err != nil {
		return mapErr(err)
	}
	s.c.tracker.Heartbeat(ctx, workerID)
	return nil
}
