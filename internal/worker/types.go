package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// Executor 執行任務的工作流程，回傳結果或錯誤
type Executor interface {
	Execute(ctx context.Context, job *types.Job) (map[string]interface{}, error)
}

// ExecutorFunc 讓普通函式實作 Executor
type ExecutorFunc func(ctx context.Context, job *types.Job) (map[string]interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *types.Job) (map[string]interface{}, error) {
	return f(ctx, job)
}

// HTTPExecutor 把工作流程 POST 給生成後端，JSON 回應即為結果
type HTTPExecutor struct {
	Endpoint string
	Client   *http.Client
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor client 為 nil 時使用 http.DefaultClient；超時由任務 ctx 控制
func NewHTTPExecutor(endpoint string, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExecutor{Endpoint: endpoint, Client: client}
}

func (e *HTTPExecutor) Execute(ctx context.Context, job *types.Job) (map[string]interface{}, error) {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-ID", string(job.ID))

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach generator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("generator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode generator response: %w", err)
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	return result, nil
}
