// ============================================================================
// gpu-queue Job Source
// ============================================================================
//
// Package: internal/worker
// 文件: source.go
// 功能: worker 領取任務與回報結果的抽象
//
// 兩種實作:
//   - HTTPSource: 呼叫 /workers/* REST 端點
//   - GRPCSource: 呼叫 gpuqueue.v1.WorkerService
//
// Pool 只依賴 JobSource，與傳輸方式無關
//
// ============================================================================

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

var (
	// ErrJobLost 任務已不在 running 狀態（被回收、取消或重複回報）
	ErrJobLost = errors.New("job no longer running")
	// ErrRejected 佇列拒絕請求內容（例如 worker id 不合法）
	ErrRejected = errors.New("request rejected by queue")
)

// JobSource 領取任務並回報結果
type JobSource interface {
	// Next 領取下一個任務；佇列為空時回傳 (nil, nil)
	Next(ctx context.Context, workerID string) (*types.Job, error)
	// Complete 回報成功結果；任務已不在執行中時回傳 ErrJobLost
	Complete(ctx context.Context, id types.JobID, result map[string]interface{}) error
	// Fail 回報失敗訊息
	Fail(ctx context.Context, id types.JobID, msg string) error
	// Heartbeat 刷新存活紀錄
	Heartbeat(ctx context.Context, workerID string) error
}

// HTTPSource 透過 REST 端點與佇列溝通
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

var _ JobSource = (*HTTPSource)(nil)

// NewHTTPSource 建立 HTTP 任務來源
//
// 參數：
//   - baseURL: 佇列服務位址，例如 http://localhost:8000
//   - client: 可為 nil，預設 30 秒超時
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *HTTPSource) Next(ctx context.Context, workerID string) (*types.Job, error) {
	var resp struct {
		Job *types.Job `json:"job"`
	}
	q := url.Values{"worker_id": {workerID}}
	if err := s.do(ctx, http.MethodGet, "/workers/next-job", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (s *HTTPSource) Complete(ctx context.Context, id types.JobID, result map[string]interface{}) error {
	body := map[string]interface{}{"result": result}
	return s.do(ctx, http.MethodPost, "/workers/complete-job", url.Values{"job_id": {string(id)}}, body, nil)
}

func (s *HTTPSource) Fail(ctx context.Context, id types.JobID, msg string) error {
	body := map[string]string{"error": msg}
	return s.do(ctx, http.MethodPost, "/workers/fail-job", url.Values{"job_id": {string(id)}}, body, nil)
}

func (s *HTTPSource) Heartbeat(ctx context.Context, workerID string) error {
	return s.do(ctx, http.MethodPost, "/workers/heartbeat", url.Values{"worker_id": {workerID}}, nil, nil)
}

func (s *HTTPSource) do(ctx context.Context, method, path string, q url.Values, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path+"?"+q.Encode(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrJobLost, detail(resp.Body))
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, detail(resp.Body))
	case resp.StatusCode >= 300:
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, detail(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// detail 取出錯誤回應的 detail 欄位
func detail(r io.Reader) string {
	var body struct {
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Detail == "" {
		return strings.TrimSpace(string(raw))
	}
	return body.Detail
}
