package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/gpu-queue/internal/events"
	"github.com/ChuLiYu/gpu-queue/internal/jobstore"
	"github.com/ChuLiYu/gpu-queue/internal/queue"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// Queue 是 worker 端需要的佇列操作，由 *queue.Engine 實作
type Queue interface {
	SelectNext(ctx context.Context, workerID string) (*types.Job, error)
	Complete(ctx context.Context, id types.JobID, result map[string]interface{}) (*types.Job, error)
	Fail(ctx context.Context, id types.JobID, msg string) (*types.Job, error)
}

// Workers 由 *liveness.Tracker 實作
type Workers interface {
	Heartbeat(ctx context.Context, workerID string)
}

// Observers 由 *events.Hub 實作
type Observers interface {
	Register(o events.Observer) (unregister func())
}

// Config 服務配置
type Config struct {
	Limits         jobstore.Limits
	ObserverBuffer int
	Logger         *slog.Logger
}

// Server 實作 WorkerServiceServer
type Server struct {
	queue     Queue
	workers   Workers
	observers Observers
	limits    jobstore.Limits
	buffer    int
	log       *slog.Logger
}

var _ WorkerServiceServer = (*Server)(nil)

func NewServer(q Queue, w Workers, o Observers, cfg Config) *Server {
	if cfg.Limits == (jobstore.Limits{}) {
		cfg.Limits = jobstore.DefaultLimits()
	}
	if cfg.ObserverBuffer <= 0 {
		cfg.ObserverBuffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		queue:     q,
		workers:   w,
		observers: o,
		limits:    cfg.Limits,
		buffer:    cfg.ObserverBuffer,
		log:       cfg.Logger,
	}
}

// NewGRPCServer 建立帶有日誌攔截器的 grpc.Server 並註冊服務
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.logUnary),
	)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, s)
	return gs
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("gRPC request", "method", info.FullMethod, "code", status.Code(err), "duration", time.Since(start))
	return resp, err
}

// toStatus 把佇列錯誤轉為 gRPC 狀態；與 HTTP worker 端點一致，狀態不符視為找不到
func (s *Server) toStatus(method string, err error) error {
	switch {
	case errors.Is(err, queue.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrInvalidState):
		return status.Error(codes.NotFound, err.Error())
	default:
		s.log.Error("gRPC request failed", "method", method, "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}

func success() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{"status": structpb.NewStringValue("success")}}
}

func (s *Server) NextJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	job, err := s.queue.SelectNext(ctx, stringField(in, "worker_id"))
	if err != nil {
		return nil, s.toStatus(methodNextJob, err)
	}
	v, err := encodeJob(job)
	if err != nil {
		return nil, s.toStatus(methodNextJob, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"job": v}}, nil
}

func (s *Server) CompleteJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := types.JobID(stringField(in, "job_id"))
	if _, err := s.queue.Complete(ctx, id, structField(in, "result")); err != nil {
		return nil, s.toStatus(methodCompleteJob, err)
	}
	return success(), nil
}

func (s *Server) FailJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := types.JobID(stringField(in, "job_id"))
	if _, err := s.queue.Fail(ctx, id, stringField(in, "error")); err != nil {
		return nil, s.toStatus(methodFailJob, err)
	}
	return success(), nil
}

func (s *Server) Heartbeat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	workerID := stringField(in, "worker_id")
	if err := s.limits.ValidateIdentifier("worker_id", workerID); err != nil {
		return nil, s.toStatus(methodHeartbeat, err)
	}
	s.workers.Heartbeat(ctx, workerID)
	return &structpb.Struct{}, nil
}

// WatchEvents 把事件串流給客戶端，直到客戶端離開或跟不上事件速度
func (s *Server) WatchEvents(_ *structpb.Struct, stream grpc.ServerStream) error {
	obs := events.NewChannelObserver(s.buffer)
	unregister := s.observers.Register(obs)
	defer unregister()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-obs.C:
			if !ok {
				return status.Error(codes.ResourceExhausted, "event stream fell behind")
			}
			msg, err := encodeEvent(evt)
			if err != nil {
				s.log.Warn("Skipping unencodable event", "type", evt.Type, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
