// ============================================================================
// gpu-queue 記憶體後端
// ============================================================================
//
// Package: internal/storage/memory
// 文件: memory.go
// 功能: 以行程內資料結構實作 storage.Backend
//
// 數據結構設計:
//   records map[JobID]Record - 主存儲，單一真實來源
//   輔助索引（每次寫入時同步維護）:
//   - pending   btree (score, seq) - 排程索引，Min() 即下一個要派發的任務
//   - byStatus  map status -> set  - 狀態計數與查詢
//   - byOwner   map owner  -> set  - 使用者查詢
//   - ownerPending map owner -> int - round-robin 評分用的 pending 計數
//
// 並發安全:
//   每個原語呼叫持有一次 mu，因此 ClaimMin 的「找最小值」與「改寫」
//   在同一臨界區內完成，不存在 peek-then-delete 競態。
//
// 快照支持:
//   Export() / Import() 搭配 internal/snapshot 使用。
//
// ============================================================================

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

const (
	btreeDegree   = 32
	schemaVersion = 1
)

type pendingKey struct {
	score int64
	seq   uint64
	id    types.JobID
}

func lessPending(a, b pendingKey) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.seq < b.seq
}

type presenceEntry struct {
	lastSeen  time.Time
	expiresAt time.Time
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock replaces time.Now, used by presence expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Backend 記憶體後端
type Backend struct {
	mu           sync.Mutex
	now          func() time.Time
	records      map[types.JobID]storage.Record
	pending      *btree.BTreeG[pendingKey]
	byStatus     map[types.JobStatus]map[types.JobID]struct{}
	byOwner      map[string]map[types.JobID]struct{}
	ownerPending map[string]int
	counters     map[string]int64
	presence     map[string]presenceEntry
	seq          uint64
	closed       bool
}

var (
	_ storage.Backend     = (*Backend)(nil)
	_ storage.Snapshotter = (*Backend)(nil)
)

// New 建立空的記憶體後端
func New(opts ...Option) *Backend {
	b := &Backend{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.reset()
	return b
}

func (b *Backend) reset() {
	b.records = make(map[types.JobID]storage.Record)
	b.pending = btree.NewG[pendingKey](btreeDegree, lessPending)
	b.byStatus = make(map[types.JobStatus]map[types.JobID]struct{})
	b.byOwner = make(map[string]map[types.JobID]struct{})
	b.ownerPending = make(map[string]int)
	b.counters = make(map[string]int64)
	b.presence = make(map[string]presenceEntry)
	b.seq = 0
}

// begin 取得鎖並檢查後端狀態；呼叫端負責 Unlock
func (b *Backend) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return storage.ErrClosed
	}
	return nil
}

// ============================================================================
// 索引維護
// ============================================================================

func (b *Backend) index(rec storage.Record) {
	b.records[rec.ID] = rec

	set, ok := b.byStatus[rec.Status]
	if !ok {
		set = make(map[types.JobID]struct{})
		b.byStatus[rec.Status] = set
	}
	set[rec.ID] = struct{}{}

	owned, ok := b.byOwner[rec.Owner]
	if !ok {
		owned = make(map[types.JobID]struct{})
		b.byOwner[rec.Owner] = owned
	}
	owned[rec.ID] = struct{}{}

	if rec.Status == types.StatusPending {
		b.pending.ReplaceOrInsert(pendingKey{score: rec.Score, seq: rec.Seq, id: rec.ID})
		b.ownerPending[rec.Owner]++
	}
}

func (b *Backend) unindex(rec storage.Record) {
	delete(b.records, rec.ID)
	if set, ok := b.byStatus[rec.Status]; ok {
		delete(set, rec.ID)
	}
	if owned, ok := b.byOwner[rec.Owner]; ok {
		delete(owned, rec.ID)
		if len(owned) == 0 {
			delete(b.byOwner, rec.Owner)
		}
	}
	if rec.Status == types.StatusPending {
		b.pending.Delete(pendingKey{score: rec.Score, seq: rec.Seq, id: rec.ID})
		if b.ownerPending[rec.Owner]--; b.ownerPending[rec.Owner] <= 0 {
			delete(b.ownerPending, rec.Owner)
		}
	}
}

// apply 在持鎖狀態下執行 fn 並更新索引
func (b *Backend) apply(cur storage.Record, fn storage.MutateFunc) (storage.Record, error) {
	next, op, err := fn(cur)
	if err != nil {
		return storage.Record{}, err
	}
	b.unindex(cur)
	if op == storage.OpDelete {
		return cur, nil
	}
	next.ID = cur.ID
	next.Seq = cur.Seq
	b.index(next)
	return next, nil
}

// ============================================================================
// 原語實作
// ============================================================================

// stagedCounters 暫存 hook 的計數器寫入，原語成功後才套用
type stagedCounters struct {
	base   map[string]int64
	writes map[string]int64
}

func (c *stagedCounters) Get(name string) (int64, error) {
	if v, ok := c.writes[name]; ok {
		return v, nil
	}
	return c.base[name], nil
}

func (c *stagedCounters) Set(name string, v int64) error {
	c.writes[name] = v
	return nil
}

func (c *stagedCounters) commit() {
	for k, v := range c.writes {
		c.base[k] = v
	}
}

func (b *Backend) runHooks(rec *storage.Record, hooks []storage.Hook) (*stagedCounters, error) {
	staged := &stagedCounters{base: b.counters, writes: make(map[string]int64)}
	for _, h := range hooks {
		if err := h(rec, staged); err != nil {
			return nil, err
		}
	}
	return staged, nil
}

// Create 條件建立，容量檢查與寫入在同一次持鎖內完成
func (b *Backend) Create(ctx context.Context, rec storage.Record, maxPending int, hooks ...storage.Hook) (storage.Record, error) {
	if err := b.begin(ctx); err != nil {
		return storage.Record{}, err
	}
	defer b.mu.Unlock()

	if _, exists := b.records[rec.ID]; exists {
		return storage.Record{}, storage.ErrExists
	}
	if rec.Status == types.StatusPending && maxPending > 0 && b.pending.Len() >= maxPending {
		return storage.Record{}, storage.ErrQueueFull
	}
	staged, err := b.runHooks(&rec, hooks)
	if err != nil {
		return storage.Record{}, err
	}
	b.seq++
	rec.Seq = b.seq
	b.index(rec)
	staged.commit()
	return rec, nil
}

func (b *Backend) Get(ctx context.Context, id types.JobID) (storage.Record, error) {
	if err := b.begin(ctx); err != nil {
		return storage.Record{}, err
	}
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

func (b *Backend) Mutate(ctx context.Context, id types.JobID, fn storage.MutateFunc) (storage.Record, error) {
	if err := b.begin(ctx); err != nil {
		return storage.Record{}, err
	}
	defer b.mu.Unlock()

	cur, ok := b.records[id]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return b.apply(cur, fn)
}

func (b *Backend) ClaimMin(ctx context.Context, fn storage.MutateFunc, hooks ...storage.Hook) (storage.Record, bool, error) {
	if err := b.begin(ctx); err != nil {
		return storage.Record{}, false, err
	}
	defer b.mu.Unlock()

	key, ok := b.pending.Min()
	if !ok {
		return storage.Record{}, false, nil
	}
	cur, ok := b.records[key.id]
	if !ok {
		// 索引與主存儲不一致，移除孤兒索引
		b.pending.Delete(key)
		return storage.Record{}, false, fmt.Errorf("pending index references missing job %s", key.id)
	}
	var staged *stagedCounters
	rec, err := b.apply(cur, func(cur storage.Record) (storage.Record, storage.Op, error) {
		next, op, err := fn(cur)
		if err != nil || op != storage.OpPut {
			return next, op, err
		}
		next.ID, next.Seq = cur.ID, cur.Seq
		staged, err = b.runHooks(&next, hooks)
		return next, op, err
	})
	if err != nil {
		return storage.Record{}, false, err
	}
	if staged != nil {
		staged.commit()
	}
	return rec, true, nil
}

func (b *Backend) Rank(ctx context.Context, id types.JobID) (int, error) {
	if err := b.begin(ctx); err != nil {
		return 0, err
	}
	defer b.mu.Unlock()

	rec, ok := b.records[id]
	if !ok || rec.Status != types.StatusPending {
		return 0, storage.ErrNotFound
	}
	rank := 0
	b.pending.AscendLessThan(pendingKey{score: rec.Score, seq: rec.Seq}, func(pendingKey) bool {
		rank++
		return true
	})
	return rank, nil
}

func (b *Backend) RunningBefore(ctx context.Context, cutoff time.Time) ([]types.JobID, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	var ids []types.JobID
	for id := range b.byStatus[types.StatusRunning] {
		if rec := b.records[id]; rec.StartedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return b.records[ids[i]].Seq < b.records[ids[j]].Seq })
	return ids, nil
}

func (b *Backend) CountByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	counts := make(map[types.JobStatus]int, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		counts[st] = len(b.byStatus[st])
	}
	return counts, nil
}

func (b *Backend) CountPendingByOwner(ctx context.Context, owner string) (int, error) {
	if err := b.begin(ctx); err != nil {
		return 0, err
	}
	defer b.mu.Unlock()
	return b.ownerPending[owner], nil
}

// List 依提交順序回傳符合條件的紀錄
func (b *Backend) List(ctx context.Context, f storage.Filter) ([]storage.Record, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	var candidates map[types.JobID]struct{}
	switch {
	case f.Owner != "":
		candidates = b.byOwner[f.Owner]
	case f.Status != "":
		candidates = b.byStatus[f.Status]
	}

	out := make([]storage.Record, 0)
	match := func(rec storage.Record) {
		if f.Owner != "" && rec.Owner != f.Owner {
			return
		}
		if f.Status != "" && rec.Status != f.Status {
			return
		}
		out = append(out, rec)
	}
	if f.Owner == "" && f.Status == "" {
		for _, rec := range b.records {
			match(rec)
		}
	} else {
		for id := range candidates {
			match(b.records[id])
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (b *Backend) Incr(ctx context.Context, counter string, delta int64) (int64, error) {
	if err := b.begin(ctx); err != nil {
		return 0, err
	}
	defer b.mu.Unlock()

	b.counters[counter] += delta
	return b.counters[counter], nil
}

func (b *Backend) Counter(ctx context.Context, counter string) (int64, error) {
	if err := b.begin(ctx); err != nil {
		return 0, err
	}
	defer b.mu.Unlock()
	return b.counters[counter], nil
}

// ============================================================================
// Worker 存活紀錄（TTL）
// ============================================================================

func (b *Backend) SetPresence(ctx context.Context, worker string, ttl time.Duration) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	defer b.mu.Unlock()

	now := b.now()
	b.presence[worker] = presenceEntry{lastSeen: now, expiresAt: now.Add(ttl)}
	return nil
}

func (b *Backend) Presence(ctx context.Context, worker string) (time.Time, bool, error) {
	if err := b.begin(ctx); err != nil {
		return time.Time{}, false, err
	}
	defer b.mu.Unlock()

	entry, ok := b.presence[worker]
	if !ok {
		return time.Time{}, false, nil
	}
	if !b.now().Before(entry.expiresAt) {
		// 過期即不可見，順手清除
		delete(b.presence, worker)
		return time.Time{}, false, nil
	}
	return entry.lastSeen, true, nil
}

func (b *Backend) ListPresence(ctx context.Context) (map[string]time.Time, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	now := b.now()
	out := make(map[string]time.Time, len(b.presence))
	for worker, entry := range b.presence {
		if !now.Before(entry.expiresAt) {
			delete(b.presence, worker)
			continue
		}
		out[worker] = entry.lastSeen
	}
	return out, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	b.mu.Unlock()
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// ============================================================================
// 快照
// ============================================================================

// Export 序列化所有紀錄與計數器；presence 為暫態資料，不寫入快照
func (b *Backend) Export(ctx context.Context) (*types.SnapshotData, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	data := &types.SnapshotData{
		Records:   make([]types.SnapshotRecord, 0, len(b.records)),
		Counters:  make(map[string]int64, len(b.counters)),
		SchemaVer: schemaVersion,
		LastSeq:   b.seq,
	}
	for _, rec := range b.records {
		sr := types.SnapshotRecord{
			ID:     rec.ID,
			Owner:  rec.Owner,
			Status: rec.Status,
			Score:  rec.Score,
			Seq:    rec.Seq,
			Data:   append([]byte(nil), rec.Data...),
		}
		if !rec.StartedAt.IsZero() {
			sr.StartedAt = rec.StartedAt.UnixMilli()
		}
		data.Records = append(data.Records, sr)
	}
	sort.Slice(data.Records, func(i, j int) bool { return data.Records[i].Seq < data.Records[j].Seq })
	for name, v := range b.counters {
		data.Counters[name] = v
	}
	return data, nil
}

// Import 以快照內容取代目前狀態
func (b *Backend) Import(ctx context.Context, data *types.SnapshotData) error {
	if data == nil {
		return fmt.Errorf("snapshot data is nil")
	}
	if data.SchemaVer != schemaVersion {
		return fmt.Errorf("unsupported snapshot schema version %d", data.SchemaVer)
	}
	if err := b.begin(ctx); err != nil {
		return err
	}
	defer b.mu.Unlock()

	b.reset()
	for _, sr := range data.Records {
		if !sr.Status.Valid() {
			return fmt.Errorf("snapshot record %s has invalid status %q", sr.ID, sr.Status)
		}
		rec := storage.Record{
			ID:     sr.ID,
			Owner:  sr.Owner,
			Status: sr.Status,
			Score:  sr.Score,
			Seq:    sr.Seq,
			Data:   append([]byte(nil), sr.Data...),
		}
		if sr.StartedAt != 0 {
			rec.StartedAt = time.UnixMilli(sr.StartedAt)
		}
		b.index(rec)
		if rec.Seq > b.seq {
			b.seq = rec.Seq
		}
	}
	if data.LastSeq > b.seq {
		b.seq = data.LastSeq
	}
	for name, v := range data.Counters {
		b.counters[name] = v
	}
	return nil
}
