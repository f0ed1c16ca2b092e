package worker

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/gpu-queue/internal/rpc"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// GRPCSource 透過 gpuqueue.v1.WorkerService 與佇列溝通
type GRPCSource struct {
	client *rpc.Client
}

var _ JobSource = (*GRPCSource)(nil)

// NewGRPCSource conn 應為已建立的 gRPC 連線
func NewGRPCSource(conn grpc.ClientConnInterface) *GRPCSource {
	return &GRPCSource{client: rpc.NewClient(conn)}
}

// mapErr 把 rpc 客戶端錯誤轉為本套件的哨兵錯誤
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rpc.ErrJobNotFound):
		return fmt.Errorf("%w: %v", ErrJobLost, err)
	case errors.Is(err, rpc.ErrRejected):
		return fmt.Errorf("%w: %v", ErrRejected, err)
	default:
		return err
	}
}

func (s *GRPCSource) Next(ctx context.Context, workerID string) (*types.Job, error) {
	job, err := s.client.NextJob(ctx, workerID)
	return job, mapErr(err)
}

func (s *GRPCSource) Complete(ctx context.Context, id types.JobID, result map[string]interface{}) error {
	return mapErr(s.client.CompleteJob(ctx, id, result))
}

func (s *GRPCSource) Fail(ctx context.Context, id types.JobID, msg string) error {
	return mapErr(s.client.FailJob(ctx, id, msg))
}

func (s *GRPCSource) Heartbeat(ctx context.Context, workerID string) error {
	return mapErr(s.client.Heartbeat(ctx, workerID))
}
