// ============================================================================
// gpu-queue gRPC Worker Service
// ============================================================================
//
// Package: internal/rpc
// 文件: service.go
// 功能: gpuqueue.v1.WorkerService 的服務描述
//
// 方法 (訊息皆為 google.protobuf.Struct):
//   NextJob      {worker_id}              → {job: Job | null}
//   CompleteJob  {job_id, result}         → {status: "success"}
//   FailJob      {job_id, error}          → {status: "success"}
//   Heartbeat    {worker_id}              → {}
//   WatchEvents  {}                       → stream {type, data, timestamp}
//
// 服務描述以手寫方式提供，與 protoc-gen-go-grpc 產生的結構相同，
// 不需要 .proto 編譯步驟
//
// ============================================================================

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "gpuqueue.v1.WorkerService"

const (
	methodNextJob     = "/" + ServiceName + "/NextJob"
	methodCompleteJob = "/" + ServiceName + "/CompleteJob"
	methodFailJob     = "/" + ServiceName + "/FailJob"
	methodHeartbeat   = "/" + ServiceName + "/Heartbeat"
	methodWatchEvents = "/" + ServiceName + "/WatchEvents"
)

// WorkerServiceServer 是服務端需要實作的介面
type WorkerServiceServer interface {
	NextJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FailJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc 描述 WorkerService，供 grpc.Server.RegisterService 使用
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "NextJob", Handler: unaryHandler(methodNextJob, WorkerServiceServer.NextJob)},
		{MethodName: "CompleteJob", Handler: unaryHandler(methodCompleteJob, WorkerServiceServer.CompleteJob)},
		{MethodName: "FailJob", Handler: unaryHandler(methodFailJob, WorkerServiceServer.FailJob)},
		{MethodName: "Heartbeat", Handler: unaryHandler(methodHeartbeat, WorkerServiceServer.Heartbeat)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "gpuqueue/v1/worker.proto",
}

type unaryMethod func(WorkerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(WorkerServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WorkerServiceServer).WatchEvents(in, stream)
}
