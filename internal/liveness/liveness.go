// Package liveness tracks worker presence as TTL records in the backing store.
package liveness

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// Tracker 以 TTL 紀錄追蹤 worker 存活狀態
type Tracker struct {
	backend storage.Backend
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger
}

// Config for New.
type Config struct {
	TTL       time.Duration // presence lifetime after each heartbeat
	OpTimeout time.Duration
	Logger    *slog.Logger
}

func New(backend storage.Backend, cfg Config) *Tracker {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Tracker{backend: backend, ttl: ttl, timeout: cfg.OpTimeout, log: log}
}

func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

func (t *Tracker) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout > 0 {
		return context.WithTimeout(ctx, t.timeout)
	}
	return context.WithCancel(ctx)
}

// Heartbeat refreshes the worker's presence. It never fails the caller; a
// store error is logged and the next heartbeat retries.
func (t *Tracker) Heartbeat(ctx context.Context, workerID string) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	if err := t.backend.SetPresence(ctx, workerID, t.ttl); err != nil {
		t.log.Warn("Failed to record heartbeat", "worker_id", workerID, "error", err)
	}
}

// IsAlive reports whether the worker's record has not expired. Store errors
// count as not alive.
func (t *Tracker) IsAlive(ctx context.Context, workerID string) bool {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	_, ok, err := t.backend.Presence(ctx, workerID)
	if err != nil {
		t.log.Warn("Failed to read presence", "worker_id", workerID, "error", err)
		return false
	}
	return ok
}

// Status 回傳單一 worker 的狀態
func (t *Tracker) Status(ctx context.Context, workerID string) (types.WorkerStatus, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	seen, ok, err := t.backend.Presence(ctx, workerID)
	if err != nil {
		return types.WorkerStatus{}, err
	}
	st := types.WorkerStatus{WorkerID: workerID, Alive: ok}
	if ok {
		seen = seen.UTC()
		st.LastSeen = &seen
	}
	return st, nil
}

// Active lists the ids of every worker whose record is live, sorted.
func (t *Tracker) Active(ctx context.Context) ([]string, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	all, err := t.backend.ListPresence(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
