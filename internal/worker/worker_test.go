package worker

// ============================================================================
// Worker Pool Test File
// Purpose: 驗證領取/執行/回報迴圈、超時、心跳與兩種傳輸實作
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// fakeSource 是記憶體中的 JobSource
type fakeSource struct {
	mu         sync.Mutex
	pending    []*types.Job
	completed  map[types.JobID]map[string]interface{}
	failed     map[types.JobID]string
	heartbeats map[string]int
	claimedBy  map[types.JobID]string

	heartbeatErr error
	completeErr  error
	nextCalls    atomic.Int64
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{
		completed:  map[types.JobID]map[string]interface{}{},
		failed:     map[types.JobID]string{},
		heartbeats: map[string]int{},
		claimedBy:  map[types.JobID]string{},
	}
	for i := 0; i < n; i++ {
		s.pending = append(s.pending, &types.Job{
			ID:      types.JobID(fmt.Sprintf("job-%d", i)),
			Payload: map[string]interface{}{"prompt": fmt.Sprintf("cat %d", i)},
			Status:  types.StatusRunning,
		})
	}
	return s
}

func (s *fakeSource) Next(_ context.Context, workerID string) (*types.Job, error) {
	s.nextCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	job := s.pending[0]
	s.pending = s.pending[1:]
	s.claimedBy[job.ID] = workerID
	return job, nil
}

func (s *fakeSource) Complete(_ context.Context, id types.JobID, result map[string]interface{}) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = result
	return nil
}

func (s *fakeSource) Fail(_ context.Context, id types.JobID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = msg
	return nil
}

func (s *fakeSource) Heartbeat(_ context.Context, workerID string) error {
	if s.heartbeatErr != nil {
		return s.heartbeatErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[workerID]++
	return nil
}

func (s *fakeSource) counts() (completed, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed), len(s.failed)
}

func testConfig(concurrency int) Config {
	return Config{
		Concurrency:       concurrency,
		PollInterval:      time.Millisecond,
		MaxPollInterval:   5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		JobTimeout:        time.Second,
	}
}

var echo = ExecutorFunc(func(_ context.Context, job *types.Job) (map[string]interface{}, error) {
	return map[string]interface{}{"echo": job.Payload["prompt"]}, nil
})

// ============================================================================
// Pool Tests
// ============================================================================

func TestPoolProcessesJobs(t *testing.T) {
	src := newFakeSource(10)
	pool := NewPool(src, echo, testConfig(3))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		completed, _ := src.counts()
		return completed == 10
	}, 2*time.Second, time.Millisecond)

	src.mu.Lock()
	assert.Equal(t, "cat 3", src.completed["job-3"]["echo"])
	for _, id := range pool.WorkerIDs() {
		assert.Equal(t, 1, src.heartbeats[id], "initial heartbeat for %s", id)
	}
	src.mu.Unlock()

	assert.Equal(t, []string{"gpu-0", "gpu-1", "gpu-2"}, pool.WorkerIDs())
	assert.EqualValues(t, 10, pool.Stats().Completed)
}

func TestPoolReportsFailures(t *testing.T) {
	tests := []struct {
		name     string
		executor Executor
		timeout  time.Duration
		contains string
	}{
		{
			name: "executor error",
			executor: ExecutorFunc(func(context.Context, *types.Job) (map[string]interface{}, error) {
				return nil, errors.New("CUDA out of memory")
			}),
			contains: "CUDA out of memory",
		},
		{
			name: "timeout",
			executor: ExecutorFunc(func(ctx context.Context, _ *types.Job) (map[string]interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			timeout:  20 * time.Millisecond,
			contains: "job timed out",
		},
		{
			name: "panic",
			executor: ExecutorFunc(func(context.Context, *types.Job) (map[string]interface{}, error) {
				panic("boom")
			}),
			contains: "executor panicked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource(1)
			cfg := testConfig(1)
			if tt.timeout > 0 {
				cfg.JobTimeout = tt.timeout
			}
			pool := NewPool(src, tt.executor, cfg)
			require.NoError(t, pool.Start(context.Background()))
			defer pool.Stop()

			require.Eventually(t, func() bool {
				_, failed := src.counts()
				return failed == 1
			}, 2*time.Second, time.Millisecond)

			src.mu.Lock()
			assert.Contains(t, src.failed["job-0"], tt.contains)
			src.mu.Unlock()
			assert.EqualValues(t, 1, pool.Stats().Failed)
		})
	}
}

func TestNilResultBecomesEmpty(t *testing.T) {
	src := newFakeSource(1)
	exec := ExecutorFunc(func(context.Context, *types.Job) (map[string]interface{}, error) { return nil, nil })
	pool := NewPool(src, exec, testConfig(1))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		completed, _ := src.counts()
		return completed == 1
	}, 2*time.Second, time.Millisecond)

	src.mu.Lock()
	assert.NotNil(t, src.completed["job-0"])
	src.mu.Unlock()
}

func TestLostJobIsCounted(t *testing.T) {
	src := newFakeSource(2)
	src.completeErr = fmt.Errorf("%w: reclaimed", ErrJobLost)
	pool := NewPool(src, echo, testConfig(1))
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool { return pool.Stats().Lost == 2 }, 2*time.Second, time.Millisecond)
	assert.Zero(t, pool.Stats().ReportErrors)
}

func TestEmptyQueueBacksOff(t *testing.T) {
	src := newFakeSource(0)
	cfg := testConfig(1)
	cfg.PollInterval = 20 * time.Millisecond
	cfg.MaxPollInterval = 50 * time.Millisecond
	pool := NewPool(src, echo, cfg)
	require.NoError(t, pool.Start(context.Background()))

	time.Sleep(150 * time.Millisecond)
	pool.Stop()

	calls := src.nextCalls.Load()
	assert.GreaterOrEqual(t, calls, int64(2))
	assert.Less(t, calls, int64(15))
}

func TestHeartbeatLoop(t *testing.T) {
	src := newFakeSource(0)
	cfg := testConfig(2)
	cfg.HeartbeatInterval = 5 * time.Millisecond
	pool := NewPool(src, echo, cfg)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.heartbeats["gpu-0"] >= 3 && src.heartbeats["gpu-1"] >= 3
	}, 2*time.Second, time.Millisecond)
}

func TestPoolLifecycle(t *testing.T) {
	t.Run("start twice", func(t *testing.T) {
		pool := NewPool(newFakeSource(0), echo, testConfig(1))
		require.NoError(t, pool.Start(context.Background()))
		assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolStarted)
		pool.Stop()
		pool.Stop()
	})

	t.Run("start after stop", func(t *testing.T) {
		pool := NewPool(newFakeSource(0), echo, testConfig(1))
		pool.Stop()
		assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolClosed)
	})

	t.Run("rejected worker id", func(t *testing.T) {
		src := newFakeSource(0)
		src.heartbeatErr = fmt.Errorf("%w: worker_id must match", ErrRejected)
		pool := NewPool(src, echo, Config{IDPrefix: "bad id"})
		err := pool.Start(context.Background())
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("unreachable queue still starts", func(t *testing.T) {
		src := newFakeSource(0)
		src.heartbeatErr = errors.New("connection refused")
		pool := NewPool(src, echo, testConfig(1))
		require.NoError(t, pool.Start(context.Background()))
		pool.Stop()
	})
}

func TestStopWaitsForRunningJob(t *testing.T) {
	src := newFakeSource(1)
	started := make(chan struct{})
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ *types.Job) (map[string]interface{}, error) {
		close(started)
		<-release
		return map[string]interface{}{"ok": true}, ctx.Err()
	})
	pool := NewPool(src, exec, testConfig(1))
	require.NoError(t, pool.Start(context.Background()))
	<-started

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned before the running job finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-stopped
	completed, failed := src.counts()
	assert.Equal(t, 1, completed)
	assert.Zero(t, failed)
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		max  int
		want string
	}{
		{"plain", errors.New("oops"), 100, "oops"},
		{"empty", errors.New(""), 100, "job failed"},
		{"deadline", context.DeadlineExceeded, 100, "job timed out: context deadline exceeded"},
		{"truncated", errors.New("abcdef"), 3, "abc"},
		{"multibyte truncation", errors.New("顯存不足錯誤"), 4, "顯存不足"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failureMessage(tt.err, tt.max))
		})
	}
}

// ============================================================================
// HTTP Transport Tests
// ============================================================================

func TestHTTPSource(t *testing.T) {
	var (
		mu       sync.Mutex
		complete map[string]interface{}
		fail     map[string]string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /workers/next-job", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("worker_id") {
		case "gpu-0":
			_, _ = w.Write([]byte(`{"job":{"id":"j1","user_id":"alice","workflow":{"prompt":"fox"},"status":"running"}}`))
		case "idle":
			_, _ = w.Write([]byte(`{"job":null}`))
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"detail":"worker_id contains invalid characters"}`))
		}
	})
	mux.HandleFunc("POST /workers/complete-job", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("job_id") != "j1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Job not found or not running"}`))
			return
		}
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&complete)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	})
	mux.HandleFunc("POST /workers/fail-job", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&fail)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	})
	mux.HandleFunc("POST /workers/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("worker_id") == "boom" {
			http.Error(w, "backend down", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", nil)
	ctx := context.Background()

	job, err := src.Next(ctx, "gpu-0")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.JobID("j1"), job.ID)
	assert.Equal(t, "fox", job.Payload["prompt"])

	job, err = src.Next(ctx, "idle")
	require.NoError(t, err)
	assert.Nil(t, job)

	_, err = src.Next(ctx, "../etc")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "invalid characters")

	require.NoError(t, src.Complete(ctx, "j1", map[string]interface{}{"images": []interface{}{"x.png"}}))
	assert.ErrorIs(t, src.Complete(ctx, "j2", map[string]interface{}{}), ErrJobLost)
	require.NoError(t, src.Fail(ctx, "j1", "bad seed"))

	mu.Lock()
	assert.Equal(t, []interface{}{"x.png"}, complete["result"].(map[string]interface{})["images"])
	assert.Equal(t, "bad seed", fail["error"])
	mu.Unlock()

	require.NoError(t, src.Heartbeat(ctx, "gpu-0"))
	err = src.Heartbeat(ctx, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var workflow map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&workflow)
		if workflow["prompt"] == "fail" {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"images": []string{r.Header.Get("X-Job-ID") + ".png"},
		})
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL, nil)
	ctx := context.Background()

	result, err := exec.Execute(ctx, &types.Job{ID: "j9", Payload: map[string]interface{}{"prompt": "owl"}})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"j9.png"}, result["images"])

	_, err = exec.Execute(ctx, &types.Job{ID: "j10", Payload: map[string]interface{}{"prompt": "fail"}})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "503") && strings.Contains(err.Error(), "model not loaded"))
}
