// ============================================================================
// gpu-queue HTTP API
// ============================================================================
//
// Package: internal/api
// 文件: server.go
// 功能: REST 端點、WebSocket 事件流、CORS、/metrics 與 /health
//
// 路由:
//   POST   /jobs                       提交任務
//   GET    /jobs                       列出任務 (?owner=&status=&limit=)
//   GET    /jobs/{id}                  任務詳情（含排隊位置）
//   DELETE /jobs/{id}                  取消任務
//   PATCH  /jobs/{id}/priority         調整優先權
//   GET    /queue/status               佇列統計
//   GET    /users/{id}/stats           單一使用者的完成數與排隊數
//   GET    /workers/next-job           worker 領取任務
//   POST   /workers/complete-job       worker 回報完成
//   POST   /workers/fail-job           worker 回報失敗
//   POST   /workers/heartbeat          worker 心跳
//   GET    /workers                    存活 worker 列表
//   GET    /workers/{id}               單一 worker 狀態
//   GET    /health                     健康檢查
//   GET    /metrics                    Prometheus 指標
//   GET    /ws                         WebSocket 事件流
//
// 錯誤對應:
//   驗證失敗 422、找不到 404、狀態不允許 400、佇列已滿 429、其餘 500
//   錯誤回應格式：{"detail": "..."}
//
// ============================================================================

package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/ChuLiYu/gpu-queue/internal/events"
	"github.com/ChuLiYu/gpu-queue/internal/jobstore"
	"github.com/ChuLiYu/gpu-queue/internal/queue"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// Queue 是 API 需要的佇列操作，由 *queue.Engine 實作
type Queue interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (*types.Job, error)
	Get(ctx context.Context, id types.JobID) (*types.JobView, error)
	List(ctx context.Context, opts queue.ListOptions) ([]*types.Job, error)
	Cancel(ctx context.Context, id types.JobID) (*types.Job, error)
	Reprioritize(ctx context.Context, id types.JobID, p types.Priority) (*types.Job, error)
	Stats(ctx context.Context) (*types.QueueStats, error)
	SelectNext(ctx context.Context, workerID string) (*types.Job, error)
	Complete(ctx context.Context, id types.JobID, result map[string]interface{}) (*types.Job, error)
	Fail(ctx context.Context, id types.JobID, msg string) (*types.Job, error)
	CompletedBy(ctx context.Context, owner string) (int64, error)
	PendingBy(ctx context.Context, owner string) (int, error)
	Ping(ctx context.Context) error
}

// Workers 是 worker 存活查詢，由 *liveness.Tracker 實作
type Workers interface {
	Heartbeat(ctx context.Context, workerID string)
	Status(ctx context.Context, workerID string) (types.WorkerStatus, error)
	Active(ctx context.Context) ([]string, error)
}

// Observers 讓 WebSocket 連線註冊為事件觀察者，由 *events.Hub 實作
type Observers interface {
	Register(o events.Observer) (unregister func())
}

// Config API 配置
type Config struct {
	Version        string
	CORSOrigins    []string
	Limits         jobstore.Limits // worker / user id 的驗證規則
	ObserverBuffer int             // 每條 WebSocket 連線的事件緩衝
	Metrics        http.Handler    // nil 時不掛載 /metrics
	PingInterval   time.Duration   // WebSocket ping 間隔
	Logger         *slog.Logger
	Now            func() time.Time
}

// Server HTTP API
type Server struct {
	queue     Queue
	workers   Workers
	observers Observers
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
	started   time.Time
	handler   http.Handler
}

// New 建立 API 並組裝路由
func New(q Queue, w Workers, o Observers, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ObserverBuffer <= 0 {
		cfg.ObserverBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Limits == (jobstore.Limits{}) {
		cfg.Limits = jobstore.DefaultLimits()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		queue:     q,
		workers:   w,
		observers: o,
		cfg:       cfg,
		log:       cfg.Logger,
		now:       cfg.Now,
		started:   cfg.Now(),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /jobs", s.submitJob)
	mux.HandleFunc("GET /jobs", s.listJobs)
	mux.HandleFunc("GET /jobs/{id}", s.getJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.cancelJob)
	mux.HandleFunc("PATCH /jobs/{id}/priority", s.updatePriority)
	mux.HandleFunc("GET /queue/status", s.queueStatus)
	mux.HandleFunc("GET /users/{id}/stats", s.userStats)

	mux.HandleFunc("GET /workers/next-job", s.nextJob)
	mux.HandleFunc("POST /workers/complete-job", s.completeJob)
	mux.HandleFunc("POST /workers/fail-job", s.failJob)
	mux.HandleFunc("POST /workers/heartbeat", s.heartbeat)
	mux.HandleFunc("GET /workers", s.listWorkers)
	mux.HandleFunc("GET /workers/{id}", s.workerStatus)

	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /ws", s.stream)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: explicitOrigins(s.cfg.CORSOrigins),
	})
	return c.Handler(s.logRequests(mux))
}

// explicitOrigins reports whether origins names every allowed origin.
// Credentialed CORS is only enabled for such lists.
func explicitOrigins(origins []string) bool {
	if len(origins) == 0 {
		return false
	}
	for _, o := range origins {
		if strings.Contains(o, "*") {
			return false
		}
	}
	return true
}

// Handler 回傳完整的 HTTP handler（含 CORS）
func (s *Server) Handler() http.Handler {
	return s.handler
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the hijacker for /ws.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// 長連線，記錄在 stream 內
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
