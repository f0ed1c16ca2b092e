// ============================================================================
// gpu-queue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and operating the queue
//
// Command Structure:
//   gpu-queue                      # Root command
//   ├── serve                      # Start the queue server (HTTP + gRPC)
//   ├── submit                     # Submit a workflow to a running server
//   ├── status                     # Show queue or job status
//   ├── worker                     # Run a GPU worker agent
//   ├── journal                    # Inspect the event journal
//   │   ├── replay
//   │   └── verify
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --log-level                # Overrides log.level
//
// Config Loading:
//   The default config path is optional: when it does not exist the built-in
//   defaults are used. An explicitly passed path must exist.
//
// Signal Handling:
//   serve and worker stop on SIGINT / SIGTERM and shut down gracefully:
//   1. Stop accepting requests / stop polling
//   2. Let running jobs report
//   3. Write the final snapshot and flush the journal
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/gpu-queue/internal/config"
	"github.com/ChuLiYu/gpu-queue/internal/controller"
	"github.com/ChuLiYu/gpu-queue/internal/worker"
)

// Version is injected at build time with -ldflags "-X .../internal/cli.Version=..."
var Version = "1.0.0"

const defaultConfigPath = "configs/default.yaml"

// shutdownTimeout bounds how long serve waits for in-flight requests.
const shutdownTimeout = 30 * time.Second

type rootOptions struct {
	configFile string
	logLevel   string
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "gpu-queue",
		Short: "gpu-queue: a job queue for shared GPU image generation",
		Long: `gpu-queue arbitrates a pool of GPU workers between many users:
- FIFO, round-robin and priority scheduling
- Worker heartbeats and stale job reclamation
- Real-time events over WebSocket and gRPC
- Snapshot or SQLite persistence`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildWorkerCommand(opts))
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

// loadConfig 讀取配置；預設路徑不存在時使用內建預設值
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if errors.Is(err, os.ErrNotExist) && o.configFile == defaultConfigPath {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg *config.Config, w io.Writer) *slog.Logger {
	log := cfg.Log.NewLogger(w)
	slog.SetDefault(log)
	return log
}

// signalContext 在收到 SIGINT / SIGTERM 時取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// serve
// ============================================================================

type serveOptions struct {
	httpAddr    string
	grpcAddr    string
	backend     string
	mode        string
	workers     int
	executorURL string
}

func buildServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue server",
		Long:  "Start the HTTP API, the gRPC worker service and the background loops. Optionally run GPU workers in the same process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			return runServe(cmd.Context(), cfg, opts, root.logger(cfg, cmd.ErrOrStderr()))
		},
	}

	cmd.Flags().StringVar(&opts.httpAddr, "http", "", "HTTP listen address (overrides server.http_addr)")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", "", "gRPC listen address, empty string disables (overrides server.grpc_addr)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "storage backend: memory or sqlite")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "scheduling mode: fifo, round_robin or priority")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "number of in-process GPU workers")
	cmd.Flags().StringVar(&opts.executorURL, "executor", "", "generation endpoint for in-process workers")

	return cmd
}

// apply 只覆寫使用者明確指定的 flag
func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("http") {
		cfg.Server.HTTPAddr = o.httpAddr
	}
	if cmd.Flags().Changed("grpc") {
		cfg.Server.GRPCAddr = o.grpcAddr
	}
	if cmd.Flags().Changed("backend") {
		cfg.Storage.Backend = o.backend
	}
	if cmd.Flags().Changed("mode") {
		cfg.Queue.Mode = o.mode
	}
}

func runServe(ctx context.Context, cfg *config.Config, opts *serveOptions, log *slog.Logger) error {
	if opts.workers > 0 && opts.executorURL == "" {
		return errors.New("--executor is required when --workers is set")
	}

	ctrl, err := controller.New(cfg, controller.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	var pool *worker.Pool
	if opts.workers > 0 {
		pool = worker.NewPool(ctrl.LocalSource(), worker.NewHTTPExecutor(opts.executorURL, nil), worker.Config{
			IDPrefix:    "local",
			Concurrency: opts.workers,
			JobTimeout:  cfg.Queue.JobTimeout,
			// 心跳間隔取存活時間的三分之一
			HeartbeatInterval: cfg.Workers.HeartbeatTimeout / 3,
			MaxErrorLength:    cfg.Limits.ErrorLength,
			Logger:            log,
		})
		if err := pool.Start(ctx); err != nil {
			shutdown(ctrl, log)
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}

	log.Info("System started successfully", "version", cfg.Server.Version)
	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")

	if pool != nil {
		pool.Stop()
	}
	if err := shutdown(ctrl, log); err != nil {
		return err
	}
	log.Info("System stopped. Goodbye!")
	return nil
}

func shutdown(ctrl *controller.Controller, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ctrl.Stop(ctx); err != nil {
		log.Error("Shutdown finished with errors", "error", err)
		return err
	}
	return nil
}

// ============================================================================
// worker
// ============================================================================

type workerOptions struct {
	server      string
	grpcAddr    string
	idPrefix    string
	concurrency int
	executorURL string
	poll        time.Duration
	maxPoll     time.Duration
	heartbeat   time.Duration
	jobTimeout  time.Duration
}

func buildWorkerCommand(root *rootOptions) *cobra.Command {
	opts := &workerOptions{}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a GPU worker agent",
		Long:  "Poll the queue for jobs, forward each workflow to the generation endpoint and report the result. Uses gRPC when --grpc is set, HTTP otherwise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), opts, root.logger(cfg, cmd.ErrOrStderr()))
		},
	}

	def := worker.DefaultConfig()
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8000", "queue HTTP address")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", "", "queue gRPC address (e.g. localhost:50051); overrides --server")
	cmd.Flags().StringVar(&opts.idPrefix, "id", hostnameOr("gpu"), "worker id prefix; ids are <id>-<n>")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "n", 1, "number of GPUs on this host")
	cmd.Flags().StringVar(&opts.executorURL, "executor", "", "generation endpoint that receives the workflow JSON")
	cmd.Flags().DurationVar(&opts.poll, "poll", def.PollInterval, "initial poll interval when the queue is empty")
	cmd.Flags().DurationVar(&opts.maxPoll, "max-poll", def.MaxPollInterval, "maximum poll interval")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", def.HeartbeatInterval, "heartbeat interval")
	cmd.Flags().DurationVar(&opts.jobTimeout, "job-timeout", def.JobTimeout, "per-job execution limit")
	_ = cmd.MarkFlagRequired("executor")

	return cmd
}

func runWorker(ctx context.Context, opts *workerOptions, log *slog.Logger) error {
	var source worker.JobSource
	if opts.grpcAddr != "" {
		conn, err := dialGRPC(opts.grpcAddr)
		if err != nil {
			return err
		}
		defer conn.Close()
		source = worker.NewGRPCSource(conn)
		log.Info("Using gRPC job source", "addr", opts.grpcAddr)
	} else {
		source = worker.NewHTTPSource(opts.server, nil)
		log.Info("Using HTTP job source", "server", opts.server)
	}

	pool := worker.NewPool(source, worker.NewHTTPExecutor(opts.executorURL, nil), worker.Config{
		IDPrefix:          opts.idPrefix,
		Concurrency:       opts.concurrency,
		PollInterval:      opts.poll,
		MaxPollInterval:   opts.maxPoll,
		HeartbeatInterval: opts.heartbeat,
		JobTimeout:        opts.jobTimeout,
		Logger:            log,
	})

	ctx, stop := signalContext(ctx)
	defer stop()

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	<-ctx.Done()
	log.Info("Stopping worker node...")
	pool.Stop()

	stats := pool.Stats()
	log.Info("Worker node stopped", "completed", stats.Completed, "failed", stats.Failed, "lost", stats.Lost)
	return nil
}

func hostnameOr(fallback string) string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return fallback
	}
	return sanitizeID(name)
}

// sanitizeID 把主機名稱轉成合法的 worker id（英數字、- 與 _）
func sanitizeID(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "gpu"
	}
	return string(out)
}
