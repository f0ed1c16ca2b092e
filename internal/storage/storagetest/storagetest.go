// Package storagetest holds the behavioural suite every storage.Backend must
// pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// Factory returns a fresh, empty backend. Run closes it.
type Factory func(t *testing.T) storage.Backend

func pending(id, owner string, score int64) storage.Record {
	return storage.Record{
		ID:     types.JobID(id),
		Owner:  owner,
		Status: types.StatusPending,
		Score:  score,
		Data:   []byte(fmt.Sprintf(`{"id":%q}`, id)),
	}
}

func claimRunning(cur storage.Record) (storage.Record, storage.Op, error) {
	cur.Status = types.StatusRunning
	cur.StartedAt = time.Now()
	return cur, storage.OpPut, nil
}

// Run executes the suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"CreateAssignsIncreasingSeq", testCreateSeq},
		{"CreateRejectsDuplicate", testCreateDuplicate},
		{"CreateEnforcesCapacity", testCreateCapacity},
		{"GetMissing", testGetMissing},
		{"ClaimMinOrder", testClaimMinOrder},
		{"ClaimMinEmpty", testClaimMinEmpty},
		{"ClaimMinAbortLeavesRecord", testClaimMinAbort},
		{"ClaimMinConcurrent", testClaimMinConcurrent},
		{"MutatePutReindexes", testMutatePut},
		{"MutateDelete", testMutateDelete},
		{"MutateErrorWritesNothing", testMutateError},
		{"RankAndRunningBefore", testRankAndRunningBefore},
		{"ListFilters", testListFilters},
		{"Counters", testCounters},
		{"CreateHooks", testCreateHooks},
		{"ClaimMinHooks", testClaimMinHooks},
		{"PresenceTTL", testPresence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			defer b.Close()
			tt.fn(t, b)
		})
	}
}

func testCreateSeq(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	first, err := b.Create(ctx, pending("a", "u1", 10), 0)
	require.NoError(t, err)
	second, err := b.Create(ctx, pending("b", "u1", 10), 0)
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, first.Seq, got.Seq)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.JSONEq(t, `{"id":"a"}`, string(got.Data))
}

func testCreateDuplicate(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	_, err := b.Create(ctx, pending("a", "u1", 1), 0)
	require.NoError(t, err)
	_, err = b.Create(ctx, pending("a", "u2", 2), 0)
	assert.ErrorIs(t, err, storage.ErrExists)
}

func testCreateCapacity(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.Create(ctx, pending(fmt.Sprintf("j%d", i), "u1", int64(i)), 3)
		require.NoError(t, err)
	}
	_, err := b.Create(ctx, pending("overflow", "u1", 99), 3)
	assert.ErrorIs(t, err, storage.ErrQueueFull)

	_, err = b.Get(ctx, "overflow")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	counts, err := b.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[types.StatusPending])

	// 領走一個後應可再次提交
	_, ok, err := b.ClaimMin(ctx, claimRunning)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = b.Create(ctx, pending("after", "u1", 100), 3)
	assert.NoError(t, err)
}

func testGetMissing(t *testing.T, b storage.Backend) {
	_, err := b.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = b.Mutate(context.Background(), "nope", claimRunning)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testClaimMinOrder(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	// same score: seq breaks the tie
	for _, r := range []storage.Record{
		pending("late-low", "u1", 300),
		pending("tie-1", "u1", 100),
		pending("tie-2", "u2", 100),
		pending("early", "u3", 50),
	} {
		_, err := b.Create(ctx, r, 0)
		require.NoError(t, err)
	}

	var order []types.JobID
	for {
		rec, ok, err := b.ClaimMin(ctx, claimRunning)
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, types.StatusRunning, rec.Status)
		order = append(order, rec.ID)
	}
	assert.Equal(t, []types.JobID{"early", "tie-1", "tie-2", "late-low"}, order)
}

func testClaimMinEmpty(t *testing.T, b storage.Backend) {
	_, ok, err := b.ClaimMin(context.Background(), claimRunning)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testClaimMinAbort(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	_, err := b.Create(ctx, pending("a", "u1", 1), 0)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, _, err = b.ClaimMin(ctx, func(cur storage.Record) (storage.Record, storage.Op, error) {
		return cur, storage.OpPut, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	rank, err := b.Rank(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, rank)
}

func testClaimMinConcurrent(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	const jobs, callers = 20, 50
	for i := 0; i < jobs; i++ {
		_, err := b.Create(ctx, pending(fmt.Sprintf("job-%02d", i), "u1", int64(i)), 0)
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[types.JobID]int)
		empty   int
		wg      sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok, err := b.ClaimMin(ctx, claimRunning)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				claimed[rec.ID]++
			} else {
				empty++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
	assert.Equal(t, callers-jobs, empty)
}

func testMutatePut(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	_, err := b.Create(ctx, pending("a", "u1", 500), 0)
	require.NoError(t, err)
	_, err = b.Create(ctx, pending("b", "u1", 100), 0)
	require.NoError(t, err)

	_, err = b.Mutate(ctx, "a", func(cur storage.Record) (storage.Record, storage.Op, error) {
		cur.Score = 1
		return cur, storage.OpPut, nil
	})
	require.NoError(t, err)

	rank, err := b.Rank(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, rank)

	rec, ok, err := b.ClaimMin(ctx, claimRunning)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.JobID("a"), rec.ID)

	_, err = b.Rank(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testMutateDelete(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	_, err := b.Create(ctx, pending("a", "u1", 1), 0)
	require.NoError(t, err)

	_, err = b.Mutate(ctx, "a", func(cur storage.Record) (storage.Record, storage.Op, error) {
		return cur, storage.OpDelete, nil
	})
	require.NoError(t, err)

	_, err = b.Get(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	n, err := b.CountPendingByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok, err := b.ClaimMin(ctx, claimRunning)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testMutateError(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	_, err := b.Create(ctx, pending("a", "u1", 1), 0)
	require.NoError(t, err)

	boom := errors.New("illegal")
	_, err = b.Mutate(ctx, "a", func(cur storage.Record) (storage.Record, storage.Op, error) {
		cur.Status = types.StatusCompleted
		return cur, storage.OpPut, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
}

func testRankAndRunningBefore(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		_, err := b.Create(ctx, pending(id, "u1", int64(i)), 0)
		require.NoError(t, err)
	}
	rank, err := b.Rank(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, rank)

	old := time.Now().Add(-time.Hour)
	_, err = b.Mutate(ctx, "a", func(cur storage.Record) (storage.Record, storage.Op, error) {
		cur.Status = types.StatusRunning
		cur.StartedAt = old
		return cur, storage.OpPut, nil
	})
	require.NoError(t, err)
	_, err = b.Mutate(ctx, "b", func(cur storage.Record) (storage.Record, storage.Op, error) {
		cur.Status = types.StatusRunning
		cur.StartedAt = time.Now()
		return cur, storage.OpPut, nil
	})
	require.NoError(t, err)

	stale, err := b.RunningBefore(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"a"}, stale)

	rank, err = b.Rank(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 0, rank)
}

func testListFilters(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	for i, r := range []storage.Record{
		pending("a", "alice", 3),
		pending("b", "bob", 2),
		pending("c", "alice", 1),
	} {
		_, err := b.Create(ctx, r, 0)
		require.NoError(t, err, "record %d", i)
	}
	_, err := b.Mutate(ctx, "c", claimRunning)
	require.NoError(t, err)

	all, err := b.List(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, types.JobID("a"), all[0].ID)

	alice, err := b.List(ctx, storage.Filter{Owner: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice, 2)

	running, err := b.List(ctx, storage.Filter{Owner: "alice", Status: types.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, types.JobID("c"), running[0].ID)

	limited, err := b.List(ctx, storage.Filter{Status: types.StatusPending, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := b.List(ctx, storage.Filter{Owner: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, none)

	n, err := b.CountPendingByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testCounters(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	v, err := b.Counter(ctx, "completed:u1")
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = b.Incr(ctx, "completed:u1", 1)
	require.NoError(t, err)
	v, err = b.Incr(ctx, "completed:u1", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)
}

func testCreateHooks(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	bump := func(rec *storage.Record, c storage.Counters) error {
		n, err := c.Get("round")
		if err != nil {
			return err
		}
		rec.Score = n
		return c.Set("round", n+1)
	}
	for _, id := range []string{"a", "b"} {
		_, err := b.Create(ctx, pending(id, "u1", 99), 0, bump)
		require.NoError(t, err)
	}
	got, err := b.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Score)

	// hook 失敗時紀錄與計數器都不寫入
	boom := errors.New("boom")
	_, err = b.Create(ctx, pending("c", "u1", 99), 0, bump, func(*storage.Record, storage.Counters) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = b.Get(ctx, "c")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	n, err := b.Counter(ctx, "round")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// 容量不足時 hook 不執行
	_, err = b.Create(ctx, pending("d", "u1", 99), 2, bump)
	assert.ErrorIs(t, err, storage.ErrQueueFull)
	n, err = b.Counter(ctx, "round")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func testClaimMinHooks(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	_, err := b.Create(ctx, pending("a", "u1", 7), 0)
	require.NoError(t, err)
	_, err = b.Create(ctx, pending("b", "u1", 9), 0)
	require.NoError(t, err)

	var seen []types.JobID
	track := func(rec *storage.Record, c storage.Counters) error {
		seen = append(seen, rec.ID)
		assert.Equal(t, types.StatusRunning, rec.Status)
		return c.Set("last", rec.Score)
	}
	boom := errors.New("boom")
	_, _, err = b.ClaimMin(ctx, claimRunning, track, func(*storage.Record, storage.Counters) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	last, err := b.Counter(ctx, "last")
	require.NoError(t, err)
	assert.Zero(t, last)

	rec, ok, err := b.ClaimMin(ctx, claimRunning, track)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.JobID("a"), rec.ID)
	last, err = b.Counter(ctx, "last")
	require.NoError(t, err)
	assert.Equal(t, int64(7), last)

	// 刪除不觸發 hook
	_, ok, err = b.ClaimMin(ctx, func(cur storage.Record) (storage.Record, storage.Op, error) {
		return cur, storage.OpDelete, nil
	}, track)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []types.JobID{"a", "a"}, seen)
}

func testPresence(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.SetPresence(ctx, "gpu-1", time.Hour))
	require.NoError(t, b.SetPresence(ctx, "gpu-2", time.Millisecond))

	seen, ok, err := b.Presence(ctx, "gpu-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), seen, time.Minute)

	require.Eventually(t, func() bool {
		_, ok, err := b.Presence(ctx, "gpu-2")
		return err == nil && !ok
	}, time.Second, 5*time.Millisecond)

	all, err := b.ListPresence(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, "gpu-1")
	assert.NotContains(t, all, "gpu-2")

	_, ok, err = b.Presence(ctx, "never")
	require.NoError(t, err)
	assert.False(t, ok)
}
