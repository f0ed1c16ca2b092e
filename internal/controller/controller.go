// ============================================================================
// gpu-queue 控制器 - 系統組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依配置建立所有元件，依序啟動與關閉
//
// 元件:
//   - Backend: memory（可快照）或 sqlite
//   - Store / Engine: 任務存儲與佇列引擎
//   - Tracker: worker 存活紀錄
//   - Bus / Hub: 事件發布與扇出
//   - Journal: 事件稽核日誌（Hub 的觀察者）
//   - Reaper: 過期任務回收
//   - Snapshot Scheduler: 記憶體後端的定期快照
//   - Metrics: Prometheus 收集器
//   - HTTP API 與 gRPC WorkerService
//
// 啟動流程:
//   1. restoreSnapshot() - 記憶體後端從快照恢復
//   2. 啟動 Hub 並等待訂閱建立
//   3. 啟動 Reaper、快照排程與維護循環
//   4. 監聽 HTTP / gRPC
//
// 關閉流程:
//   1. HTTP Shutdown，等待進行中的請求
//   2. 關閉 Bus，Hub 送完剩餘事件後關閉觀察者（含 Journal）
//   3. gRPC GracefulStop
//   4. 停止 Reaper，寫入最後一次快照
//   5. 關閉 Backend
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/gpu-queue/internal/api"
	"github.com/ChuLiYu/gpu-queue/internal/config"
	"github.com/ChuLiYu/gpu-queue/internal/events"
	"github.com/ChuLiYu/gpu-queue/internal/jobstore"
	"github.com/ChuLiYu/gpu-queue/internal/journal"
	"github.com/ChuLiYu/gpu-queue/internal/liveness"
	"github.com/ChuLiYu/gpu-queue/internal/metrics"
	"github.com/ChuLiYu/gpu-queue/internal/queue"
	"github.com/ChuLiYu/gpu-queue/internal/reaper"
	"github.com/ChuLiYu/gpu-queue/internal/rpc"
	"github.com/ChuLiYu/gpu-queue/internal/snapshot"
	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/internal/storage/memory"
	"github.com/ChuLiYu/gpu-queue/internal/storage/sqlite"
)

var (
	// ErrAlreadyStarted Controller 已啟動
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrStopped Controller 已停止，無法再啟動
	ErrStopped = errors.New("controller stopped")
)

// maintenanceInterval 維護循環的間隔（日誌寫入、指標更新）
const maintenanceInterval = time.Second

// Options 非配置檔的依賴注入
type Options struct {
	Logger   *slog.Logger
	Registry prometheus.Registerer // nil 時使用 prometheus.DefaultRegisterer
}

// Controller 持有所有元件
type Controller struct {
	cfg *config.Config
	log *slog.Logger

	backend storage.Backend
	store   *jobstore.Store
	tracker *liveness.Tracker
	bus     *events.Bus
	hub     *events.Hub
	engine  *queue.Engine
	reaper  *reaper.Reaper
	journal *journal.Journal
	snaps   *snapshot.Manager
	sched   *snapshot.Scheduler
	metrics *metrics.Collector

	httpServer *http.Server
	grpcServer *grpc.Server
	httpLn     net.Listener
	grpcLn     net.Listener

	cancel    context.CancelFunc
	hubDone   chan struct{}
	loopWg    sync.WaitGroup
	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
}

// New 依配置建立 Controller；不監聽任何埠，也不啟動背景循環
//
// 參數：
//   - cfg: 已驗證的配置
//   - opts: 日誌與指標註冊器
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 開啟後端或日誌失敗
func New(cfg *config.Config, opts Options) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Controller{cfg: cfg, log: log}

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		return nil, err
	}
	c.backend = backend

	if cfg.Metrics.Enabled {
		c.metrics = metrics.NewCollector(opts.Registry)
	}

	c.store = jobstore.New(backend, jobstore.Config{
		Limits:    Limits(cfg.Limits),
		OpTimeout: cfg.Storage.OpTimeout,
		Logger:    log,
	})
	c.tracker = liveness.New(backend, liveness.Config{
		TTL:       cfg.Workers.HeartbeatTimeout,
		OpTimeout: cfg.Storage.OpTimeout,
		Logger:    log,
	})
	c.bus = events.NewBus(cfg.Events.BufferSize)

	hubCfg := events.HubConfig{
		MaxResubscribeAttempts: cfg.Events.MaxResubscribeAttempts,
		Logger:                 log,
	}
	engineCfg := queue.Config{
		Mode:      cfg.QueueMode(),
		MaxDepth:  cfg.Queue.MaxDepth,
		Publisher: c.bus,
		Liveness:  c.tracker,
		Logger:    log,
	}
	if c.metrics != nil {
		hubCfg.Recorder = c.metrics
		engineCfg.Recorder = c.metrics
	}
	c.hub = events.NewHub(c.bus, hubCfg)

	c.engine, err = queue.New(c.store, engineCfg)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create queue engine: %w", err)
	}
	c.reaper = reaper.New(c.engine, reaper.Config{
		Interval:   cfg.Queue.ReaperInterval,
		JobTimeout: cfg.Queue.JobTimeout,
		Logger:     log,
	})

	if p := cfg.Events.JournalPath; p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			backend.Close()
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		c.journal, err = journal.Open(p, journal.Options{FlushInterval: maintenanceInterval})
		if err != nil {
			backend.Close()
			return nil, err
		}
	}

	if _, ok := backend.(storage.Snapshotter); ok && cfg.Storage.SnapshotPath != "" {
		c.snaps = snapshot.NewManager(cfg.Storage.SnapshotPath, cfg.Storage.SnapshotBackups)
	}

	return c, nil
}

func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		st, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		return st, nil
	default:
		return memory.New(), nil
	}
}

// Limits 把配置轉為驗證規則
func Limits(l config.LimitsConfig) jobstore.Limits {
	return jobstore.Limits{
		PayloadBytes:  l.PayloadBytes,
		MetadataBytes: l.MetadataBytes,
		ResultBytes:   l.ResultBytes,
		ErrorLength:   l.ErrorLength,
		OwnerLength:   l.OwnerLength,
	}
}

// Start 恢復狀態、啟動背景循環並開始監聽
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()

	// 1. 恢復階段
	if err := c.restoreSnapshot(ctx); err != nil {
		return err
	}

	// 2. 事件扇出
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if c.journal != nil {
		c.hub.Register(c.journal)
	}
	c.hubDone = make(chan struct{})
	go func() {
		defer close(c.hubDone)
		if err := c.hub.Run(runCtx); err != nil && !errors.Is(err, events.ErrBusClosed) {
			c.log.Error("Event hub stopped", "error", err)
		}
	}()
	if err := c.waitForSubscriber(ctx); err != nil {
		c.abort()
		return err
	}

	// 3. 背景循環
	c.reaper.Start()
	if c.snaps != nil {
		c.sched = snapshot.NewScheduler(c.snaps, c.backend.(storage.Snapshotter), c.cfg.Storage.SnapshotInterval, c.log)
		c.sched.Start()
	}
	c.loopWg.Add(1)
	go c.maintenanceLoop(runCtx)

	// 4. 對外服務
	if err := c.listen(); err != nil {
		c.abort()
		return err
	}

	c.started = true
	c.log.Info("Controller started",
		"http", c.HTTPAddr(),
		"grpc", c.GRPCAddr(),
		"backend", c.cfg.Storage.Backend,
		"mode", c.cfg.QueueMode(),
		"recovery", time.Since(c.startTime))
	return nil
}

// restoreSnapshot 記憶體後端從快照恢復；running 任務保持原狀，由 reaper 依超時回收
func (c *Controller) restoreSnapshot(ctx context.Context) error {
	if c.snaps == nil {
		return nil
	}
	start := time.Now()
	restored, err := snapshot.Restore(ctx, c.snaps, c.backend.(storage.Snapshotter))
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	if restored {
		stats, err := c.engine.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read restored state: %w", err)
		}
		c.log.Info("Snapshot restored",
			"duration", time.Since(start),
			"pending", stats.Pending,
			"running", stats.Running)
	}
	return nil
}

// waitForSubscriber 等 Hub 完成訂閱，避免啟動後的第一批事件遺失
func (c *Controller) waitForSubscriber(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	for c.bus.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return errors.New("event hub did not subscribe in time")
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Controller) listen() error {
	apiServer := api.New(c.engine, c.tracker, c.hub, api.Config{
		Version:        c.cfg.Server.Version,
		CORSOrigins:    c.cfg.Server.CORSOrigins,
		Limits:         c.store.Limits(),
		ObserverBuffer: c.cfg.Events.ObserverBuffer,
		Metrics:        c.metricsHandler(),
		Logger:         c.log,
	})

	ln, err := net.Listen("tcp", c.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.Server.HTTPAddr, err)
	}
	c.httpLn = ln
	c.httpServer = &http.Server{Handler: apiServer.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := c.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("HTTP server stopped", "error", err)
		}
	}()

	if c.cfg.Server.GRPCAddr == "" {
		return nil
	}
	gln, err := net.Listen("tcp", c.cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.Server.GRPCAddr, err)
	}
	c.grpcLn = gln
	c.grpcServer = rpc.NewGRPCServer(rpc.NewServer(c.engine, c.tracker, c.hub, rpc.Config{
		Limits:         c.store.Limits(),
		ObserverBuffer: c.cfg.Events.ObserverBuffer,
		Logger:         c.log,
	}))
	go func() {
		if err := c.grpcServer.Serve(gln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			c.log.Error("gRPC server stopped", "error", err)
		}
	}()
	return nil
}

func (c *Controller) metricsHandler() http.Handler {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.Handler()
}

// maintenanceLoop 定期寫入日誌緩衝並更新佇列指標
func (c *Controller) maintenanceLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.journal != nil {
				c.maintainJournal()
			}
			if c.metrics != nil {
				stats, err := c.engine.Stats(ctx)
				if err != nil {
					c.log.Warn("Failed to collect queue stats", "error", err)
					continue
				}
				c.metrics.UpdateQueueStats(*stats)
			}
		}
	}
}

// maintainJournal 寫出緩衝區，檔案超過上限時旋轉
func (c *Controller) maintainJournal() {
	if err := c.journal.Flush(); err != nil {
		if !errors.Is(err, journal.ErrClosed) {
			c.log.Error("Failed to flush journal", "error", err)
		}
		return
	}
	limit := c.cfg.Events.JournalMaxBytes
	if limit <= 0 {
		return
	}
	size, err := c.journal.Size()
	if err != nil || size < limit {
		return
	}
	rotated, err := c.journal.Rotate()
	if err != nil {
		c.log.Error("Failed to rotate journal", "error", err)
		return
	}
	c.log.Info("Journal rotated", "file", rotated, "size", size)
}

// abort 清理啟動到一半的元件
func (c *Controller) abort() {
	if c.httpServer != nil {
		c.httpServer.Close()
	}
	if c.httpLn != nil {
		c.httpLn.Close()
	}
	if c.grpcServer != nil {
		c.grpcServer.Stop()
	}
	c.reaper.Stop()
	if c.sched != nil {
		c.sched.Stop()
	}
	c.cancel()
	c.bus.Close()
	<-c.hubDone
	c.loopWg.Wait()
	c.closeStorage()
	c.stopped = true
}

// Stop 依序關閉所有元件；ctx 限制等待 HTTP 請求結束的時間
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		c.log.Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	if !c.started {
		c.closeStorage()
		return nil
	}
	c.log.Info("Stopping controller...")

	var errs []error
	if err := c.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down HTTP server: %w", err))
		c.httpServer.Close()
	}

	// 關閉 Bus 讓 Hub 送完剩餘事件後結束；Hub 結束時會關閉所有觀察者，
	// WatchEvents 串流隨之返回，gRPC 才能 GracefulStop
	var grpcDone chan struct{}
	if c.grpcServer != nil {
		grpcDone = make(chan struct{})
		go func() {
			c.grpcServer.GracefulStop()
			close(grpcDone)
		}()
	}
	c.bus.Close()
	<-c.hubDone
	if grpcDone != nil {
		select {
		case <-grpcDone:
		case <-ctx.Done():
			c.grpcServer.Stop()
			<-grpcDone
		}
	}

	c.reaper.Stop()
	if c.sched != nil {
		c.sched.Stop()
	}
	c.cancel()
	c.loopWg.Wait()

	if err := c.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	c.log.Info("Controller stopped", "uptime", time.Since(c.startTime))
	return errors.Join(errs...)
}

func (c *Controller) closeStorage() error {
	var errs []error
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
		}
	}
	if err := c.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close backend: %w", err))
	}
	return errors.Join(errs...)
}

// HTTPAddr 返回實際監聽位址（配置為 :0 時可取得隨機埠）
func (c *Controller) HTTPAddr() string {
	if c.httpLn == nil {
		return ""
	}
	return c.httpLn.Addr().String()
}

// GRPCAddr 返回 gRPC 監聽位址；未啟用時為空字串
func (c *Controller) GRPCAddr() string {
	if c.grpcLn == nil {
		return ""
	}
	return c.grpcLn.Addr().String()
}

// Engine 返回佇列引擎
func (c *Controller) Engine() *queue.Engine { return c.engine }

// Reaper 返回回收器
func (c *Controller) Reaper() *reaper.Reaper { return c.reaper }

// Uptime 返回啟動至今的時間
func (c *Controller) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0
	}
	return time.Since(c.startTime)
}
