// ============================================================================
// gpu-queue 儲存層契約
// ============================================================================
//
// Package: internal/storage
// 文件: storage.go
// 功能: 定義佇列引擎依賴的原子原語（atomic primitives）
//
// 佇列引擎本身不持有任何鎖，所有互斥都來自後端提供的原語：
//   - Create   - 帶容量檢查的條件建立（背壓）
//   - Mutate   - 單鍵 read-modify-write
//   - ClaimMin - 彈出分數最小的 pending 紀錄並在同一臨界區內改寫
//   - Hook     - Create / ClaimMin 在同一臨界區內讀寫計數器（round-robin 輪次）
//   - SetPresence / Presence - 帶 TTL 的 worker 存活紀錄
//
// 每個原語在後端內部都是原子的：memory 後端每次呼叫持有一把鎖，
// sqlite 後端每次呼叫使用一個交易。
//
// ============================================================================

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 紀錄不存在
	ErrNotFound = errors.New("job not found")
	// 紀錄 ID 重複
	ErrExists = errors.New("job already exists")
	// pending 深度已達上限
	ErrQueueFull = errors.New("queue is full")
	// 後端無法使用（逾時、連線中斷）
	ErrUnavailable = errors.New("backing store unavailable")
	// 後端已關閉
	ErrClosed = errors.New("backing store closed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Record is the stored form of a job. Indices are derived from Owner, Status,
// Score, Seq and StartedAt; Data holds the encoded job and is opaque here.
type Record struct {
	ID        types.JobID
	Owner     string
	Status    types.JobStatus
	Score     int64
	Seq       uint64 // assigned by the backend on Create, never reused
	StartedAt time.Time
	Data      []byte
}

// Op tells Mutate and ClaimMin what to do with the record returned by the
// callback.
type Op int

const (
	OpPut Op = iota
	OpDelete
)

// MutateFunc receives the current record and returns its replacement. A
// non-nil error aborts the primitive without writing anything.
type MutateFunc func(cur Record) (next Record, op Op, err error)

// Counters reads and writes named counters inside the critical section of the
// primitive that passed it. Writes are discarded when the primitive aborts.
type Counters interface {
	Get(name string) (int64, error)
	Set(name string, v int64) error
}

// Hook runs inside Create or ClaimMin once the record to be written is known
// and before anything is committed. Create hooks may change rec.Score; other
// record fields must be left alone. A non-nil error aborts the primitive.
type Hook func(rec *Record, c Counters) error

// Filter narrows List. Zero values match everything; Limit <= 0 is unbounded.
type Filter struct {
	Owner  string
	Status types.JobStatus
	Limit  int
}

// Backend is the contract every backing store implements.
type Backend interface {
	// Create inserts rec if its id is unused and, for pending records, the
	// pending depth is below maxPending (maxPending <= 0 disables the check).
	// hooks run after both checks pass.
	Create(ctx context.Context, rec Record, maxPending int, hooks ...Hook) (Record, error)
	Get(ctx context.Context, id types.JobID) (Record, error)
	// Mutate applies fn to the current record while holding exclusivity for id.
	Mutate(ctx context.Context, id types.JobID, fn MutateFunc) (Record, error)
	// ClaimMin applies fn to the lowest (Score, Seq) pending record in the same
	// critical section that finds it. ok is false when nothing is pending.
	// hooks run only when fn returns OpPut.
	ClaimMin(ctx context.Context, fn MutateFunc, hooks ...Hook) (rec Record, ok bool, err error)

	// Rank returns the 0-based position of a pending record in claim order.
	Rank(ctx context.Context, id types.JobID) (int, error)
	RunningBefore(ctx context.Context, cutoff time.Time) ([]types.JobID, error)
	CountByStatus(ctx context.Context) (map[types.JobStatus]int, error)
	CountPendingByOwner(ctx context.Context, owner string) (int, error)
	List(ctx context.Context, f Filter) ([]Record, error)

	Incr(ctx context.Context, counter string, delta int64) (int64, error)
	Counter(ctx context.Context, counter string) (int64, error)

	// SetPresence records that worker was seen now; reads made after ttl
	// elapses no longer see it.
	SetPresence(ctx context.Context, worker string, ttl time.Duration) error
	Presence(ctx context.Context, worker string) (lastSeen time.Time, ok bool, err error)
	ListPresence(ctx context.Context) (map[string]time.Time, error)

	Ping(ctx context.Context) error
	Close() error
}

// Snapshotter is implemented by backends whose state lives only in process
// memory and must be written out to survive a restart.
type Snapshotter interface {
	Export(ctx context.Context) (*types.SnapshotData, error)
	Import(ctx context.Context, data *types.SnapshotData) error
}

// CompletionCounter names the per-owner completion counter.
func CompletionCounter(owner string) string {
	return "completed:" + owner
}
