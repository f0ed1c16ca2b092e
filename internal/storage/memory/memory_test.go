package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/internal/storage/storagetest"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

func TestBackendConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return New()
	})
}

func TestPresenceUsesClock(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, b.SetPresence(ctx, "w1", 30*time.Second))

	now = now.Add(29 * time.Second)
	_, ok, err := b.Presence(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, err = b.Presence(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok, "presence must be invisible once ttl has elapsed")
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := New()

	for _, id := range []types.JobID{"a", "b", "c"} {
		_, err := src.Create(ctx, storage.Record{ID: id, Owner: "u1", Status: types.StatusPending, Score: 7, Data: []byte(`{}`)}, 0)
		require.NoError(t, err)
	}
	started := time.UnixMilli(time.Now().UnixMilli())
	_, _, err := src.ClaimMin(ctx, func(cur storage.Record) (storage.Record, storage.Op, error) {
		cur.Status = types.StatusRunning
		cur.StartedAt = started
		return cur, storage.OpPut, nil
	})
	require.NoError(t, err)
	_, err = src.Incr(ctx, storage.CompletionCounter("u1"), 4)
	require.NoError(t, err)

	data, err := src.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, data.Records, 3)
	assert.EqualValues(t, 3, data.LastSeq)

	dst := New()
	require.NoError(t, dst.Import(ctx, data))

	rec, err := dst.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, rec.Status)
	assert.True(t, started.Equal(rec.StartedAt))

	rank, err := dst.Rank(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, rank)

	v, err := dst.Counter(ctx, storage.CompletionCounter("u1"))
	require.NoError(t, err)
	assert.EqualValues(t, 4, v)

	// 匯入後的序號必須延續，不可重複
	next, err := dst.Create(ctx, storage.Record{ID: "d", Owner: "u1", Status: types.StatusPending, Data: []byte(`{}`)}, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, next.Seq)
}

func TestImportRejectsUnknownSchema(t *testing.T) {
	b := New()
	err := b.Import(context.Background(), &types.SnapshotData{SchemaVer: 99})
	assert.Error(t, err)
}

func TestClosedBackend(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	_, err := b.Get(context.Background(), "a")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, b.Ping(context.Background()), storage.ErrClosed)
}
