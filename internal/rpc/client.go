package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

var (
	// ErrJobNotFound 任務不存在或已不在 running 狀態
	ErrJobNotFound = errors.New("job not found or not running")
	// ErrRejected 伺服器拒絕請求內容
	ErrRejected = errors.New("request rejected")
)

// Client 是 WorkerService 的客戶端
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient conn 應為已建立的連線（grpc.NewClient 或 bufconn）
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// fromStatus 把 gRPC 狀態轉回可用 errors.Is 判斷的錯誤
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrJobNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrRejected, st.Message())
	default:
		return err
	}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// NextJob 領取下一個任務；佇列為空時回傳 nil
func (c *Client) NextJob(ctx context.Context, workerID string) (*types.Job, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{"worker_id": structpb.NewStringValue(workerID)}}
	out, err := c.invoke(ctx, methodNextJob, in)
	if err != nil {
		return nil, err
	}
	return decodeJob(out.GetFields()["job"])
}

// CompleteJob 回報任務完成
func (c *Client) CompleteJob(ctx context.Context, id types.JobID, result map[string]interface{}) error {
	res, err := toStruct(result)
	if err != nil {
		return err
	}
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id": structpb.NewStringValue(string(id)),
		"result": structpb.NewStructValue(res),
	}}
	if result == nil {
		in.Fields["result"] = structpb.NewNullValue()
	}
	_, err = c.invoke(ctx, methodCompleteJob, in)
	return err
}

// FailJob 回報任務失敗
func (c *Client) FailJob(ctx context.Context, id types.JobID, msg string) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id": structpb.NewStringValue(string(id)),
		"error":  structpb.NewStringValue(msg),
	}}
	_, err := c.invoke(ctx, methodFailJob, in)
	return err
}

// Heartbeat 刷新 worker 存活紀錄
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{"worker_id": structpb.NewStringValue(workerID)}}
	_, err := c.invoke(ctx, methodHeartbeat, in)
	return err
}

// WatchEvents 訂閱事件串流，handler 對每個事件呼叫一次
//
// 返回值：ctx 取消時為 nil；串流結束或 handler 出錯時為對應錯誤
func (c *Client) WatchEvents(ctx context.Context, handler func(types.Event) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], methodWatchEvents)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		evt, err := decodeEvent(msg)
		if err != nil {
			return err
		}
		if err := handler(evt); err != nil {
			return err
		}
	}
}
