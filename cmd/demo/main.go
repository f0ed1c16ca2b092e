package main

// Demo 在單一行程內啟動佇列與模擬 GPU worker
//
// 用法:
//   go run ./cmd/demo start     # 三位使用者送出不等量的任務，觀察排程順序
//   go run ./cmd/demo recover   # 從上次的快照恢復並處理剩餘任務
//
// start 途中按 Ctrl+C 會寫出最終快照，再以 recover 驗證 pending 任務未遺失

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/gpu-queue/internal/config"
	"github.com/ChuLiYu/gpu-queue/internal/controller"
	"github.com/ChuLiYu/gpu-queue/internal/queue"
	"github.com/ChuLiYu/gpu-queue/internal/worker"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

const gpus = 2

// burst 每位使用者送出的任務數
var burst = []struct {
	user string
	jobs int
}{
	{"alice", 12},
	{"bob", 3},
	{"carol", 3},
}

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("configs/default.yaml")
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Storage.Backend = config.BackendMemory
	if cfg.Storage.SnapshotPath == "" {
		cfg.Storage.SnapshotPath = "data/snapshot.json"
	}
	cfg.Log.Level = "warn"

	ctrl, err := controller.New(cfg, controller.Options{Logger: cfg.Log.NewLogger(os.Stderr)})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Queue started (mode: %s, scheduling: %s, http: %s)\n", mode, cfg.Queue.Mode, ctrl.HTTPAddr())

	stats, err := ctrl.Engine().Stats(ctx)
	if err != nil {
		log.Fatalf("Failed to read stats: %v", err)
	}
	if mode == "recover" {
		fmt.Printf("\n📊 Restored from snapshot:\n")
		printStats(stats)
	} else if stats.Pending+stats.Running > 0 {
		fmt.Printf("\n⚠️  Found %d unfinished jobs from a previous run, processing them first\n", stats.Pending+stats.Running)
	} else {
		total := 0
		for _, b := range burst {
			for i := 0; i < b.jobs; i++ {
				_, err := ctrl.Engine().Submit(ctx, queue.SubmitRequest{
					Owner:   b.user,
					Payload: map[string]interface{}{"prompt": fmt.Sprintf("%s image %d", b.user, i+1), "steps": 20},
				})
				if err != nil {
					log.Fatalf("Failed to submit job: %v", err)
				}
				total++
			}
		}
		fmt.Printf("✓ Submitted %d jobs (alice first, then bob and carol)\n", total)
		fmt.Printf("💡 Press Ctrl+C while jobs are pending, then run 'recover'\n\n")
	}

	var (
		mu    sync.Mutex
		order []string
	)
	gpu := worker.ExecutorFunc(func(ctx context.Context, job *types.Job) (map[string]interface{}, error) {
		select {
		case <-time.After(time.Duration(150+rand.Intn(250)) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		mu.Lock()
		order = append(order, job.Owner)
		mu.Unlock()
		return map[string]interface{}{"images": []string{"out/" + string(job.ID) + ".png"}}, nil
	})

	pool := worker.NewPool(ctrl.LocalSource(), gpu, worker.Config{
		IDPrefix:        "demo-gpu",
		Concurrency:     gpus,
		PollInterval:    50 * time.Millisecond,
		MaxPollInterval: 500 * time.Millisecond,
	})
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			break loop
		case <-ticker.C:
			stats, err := ctrl.Engine().Stats(context.Background())
			if err != nil {
				continue
			}
			fmt.Printf("📊 Status: Pending=%d, Running=%d, Completed=%d\n", stats.Pending, stats.Running, stats.Completed)
			if stats.Pending+stats.Running == 0 {
				break loop
			}
		}
	}

	pool.Stop()
	mu.Lock()
	if len(order) > 0 {
		fmt.Printf("\n🖼  Completion order: %s\n", strings.Join(order, " → "))
	}
	mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Stop(shutdownCtx); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
	fmt.Printf("✓ Queue stopped, snapshot written to %s\n", cfg.Storage.SnapshotPath)
}

func printStats(s *types.QueueStats) {
	fmt.Printf("  Pending:   %d\n", s.Pending)
	fmt.Printf("  Running:   %d\n", s.Running)
	fmt.Printf("  Completed: %d\n", s.Completed)
	fmt.Printf("  Failed:    %d\n", s.Failed)
	fmt.Printf("  Cancelled: %d\n", s.Cancelled)
}
