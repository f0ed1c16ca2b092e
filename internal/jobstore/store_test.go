package jobstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gpu-queue/internal/storage"
	"github.com/ChuLiYu/gpu-queue/internal/storage/memory"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

func newJob(id, owner string) *types.Job {
	return &types.Job{
		ID:        types.JobID(id),
		Owner:     owner,
		Payload:   map[string]interface{}{"a": 1.0},
		Status:    types.StatusPending,
		Priority:  types.PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidateIdentifier(t *testing.T) {
	l := DefaultLimits()
	tests := []struct {
		name    string
		owner   string
		wantErr bool
	}{
		{"hyphen", "user-1", false},
		{"underscore", "user_1", false},
		{"upper", "USER1", false},
		{"single char", "a", false},
		{"max length", strings.Repeat("a", 100), false},
		{"empty", "", true},
		{"traversal", "../admin", true},
		{"slash", "user/1", true},
		{"backslash", `user\1`, true},
		{"dots", "user..name", true},
		{"at sign", "user@domain", true},
		{"space", "user 1", true},
		{"too long", strings.Repeat("a", 101), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.ValidateIdentifier("user_id", tt.owner)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateError(t *testing.T) {
	l := DefaultLimits()

	msg, err := l.ValidateError("  CUDA out of memory \n")
	require.NoError(t, err)
	assert.Equal(t, "CUDA out of memory", msg)

	_, err = l.ValidateError(" \t\n")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = l.ValidateError(strings.Repeat("x", 5001))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateErrorCountsCharacters(t *testing.T) {
	l := Limits{ErrorLength: 5}
	tests := []struct {
		name    string
		msg     string
		wantErr bool
	}{
		{"ascii at limit", "abcde", false},
		{"ascii over limit", "abcdef", true},
		{"multibyte at limit", "顯存不足！", false}, // 15 bytes, 5 characters
		{"emoji at limit", "🔥🔥🔥🔥🔥", false},
		{"multibyte over limit", "顯示卡記憶體不足", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := l.ValidateError(tt.msg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestValidateSizes(t *testing.T) {
	l := Limits{PayloadBytes: 32, MetadataBytes: 16, ResultBytes: 16, ErrorLength: 10, OwnerLength: 10}

	assert.ErrorIs(t, l.ValidatePayload(nil), ErrValidation)
	assert.ErrorIs(t, l.ValidatePayload(map[string]interface{}{}), ErrValidation)
	assert.NoError(t, l.ValidatePayload(map[string]interface{}{"a": 1}))
	assert.ErrorIs(t, l.ValidatePayload(map[string]interface{}{"a": strings.Repeat("x", 64)}), ErrValidation)

	assert.NoError(t, l.ValidateMetadata(nil))
	assert.ErrorIs(t, l.ValidateMetadata(map[string]interface{}{"k": strings.Repeat("x", 32)}), ErrValidation)

	assert.ErrorIs(t, l.ValidateResult(nil), ErrValidation)
	assert.NoError(t, l.ValidateResult(map[string]interface{}{}))
	assert.ErrorIs(t, l.ValidateResult(map[string]interface{}{"out": strings.Repeat("x", 32)}), ErrValidation)

	var verr *ValidationError
	err := l.ValidatePayload(nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "workflow", verr.Field)
}

func TestCreateAndGet(t *testing.T) {
	s := New(memory.New(), Config{})
	ctx := context.Background()

	job := newJob("j1", "user-1")
	job.Metadata = map[string]interface{}{"source": "ui"}
	require.NoError(t, s.Create(ctx, job, 42, 0))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.Owner)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, types.PriorityNormal, got.Priority)
	assert.Equal(t, map[string]interface{}{"a": 1.0}, got.Payload)
	assert.Equal(t, "ui", got.Metadata["source"])

	rank, err := s.Rank(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, rank)
}

func TestCreateRejectsInvalidWithoutWriting(t *testing.T) {
	backend := memory.New()
	s := New(backend, Config{})
	ctx := context.Background()

	err := s.Create(ctx, newJob("bad", "../admin"), 0, 0)
	assert.ErrorIs(t, err, ErrValidation)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[types.StatusPending])
}

func TestCreateQueueFull(t *testing.T) {
	s := New(memory.New(), Config{})
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newJob("j1", "u1"), 1, 1))
	err := s.Create(ctx, newJob("j2", "u1"), 2, 1)
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = s.Get(ctx, "j2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMalformedRecordIsNotFound(t *testing.T) {
	backend := memory.New()
	s := New(backend, Config{})
	ctx := context.Background()

	_, err := backend.Create(ctx, storage.Record{ID: "broken", Owner: "u1", Status: types.StatusRunning, Data: []byte("{not json")}, 0)
	require.NoError(t, err)

	_, err = s.Get(ctx, "broken")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Mutate(ctx, "broken", func(job *types.Job, _ *int64) (storage.Op, error) {
		return storage.OpPut, nil
	})
	assert.ErrorIs(t, err, ErrNotFound)

	jobs, err := s.List(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClaimNextSkipsCorruptPending(t *testing.T) {
	backend := memory.New()
	s := New(backend, Config{})
	ctx := context.Background()

	_, err := backend.Create(ctx, storage.Record{ID: "broken", Owner: "u1", Status: types.StatusPending, Score: 0, Data: []byte("[]")}, 0)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newJob("good", "u1"), 10, 0))

	job, ok, err := s.ClaimNext(ctx, func(job *types.Job, _ *int64) (storage.Op, error) {
		job.Status = types.StatusRunning
		return storage.OpPut, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.JobID("good"), job.ID)

	_, err = backend.Get(ctx, "broken")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, ok, err = s.ClaimNext(ctx, func(job *types.Job, _ *int64) (storage.Op, error) {
		return storage.OpPut, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateAndDelete(t *testing.T) {
	s := New(memory.New(), Config{})
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newJob("j1", "u1"), 5, 0))

	job, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	job.Metadata = map[string]interface{}{"note": "x"}
	require.NoError(t, s.Update(ctx, job))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Metadata["note"])

	require.NoError(t, s.Delete(ctx, "j1"))
	_, err = s.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "j1"), ErrNotFound)
}

// slowBackend blocks Get until the context expires.
type slowBackend struct {
	*memory.Backend
}

func (b slowBackend) Get(ctx context.Context, id types.JobID) (storage.Record, error) {
	<-ctx.Done()
	return storage.Record{}, ctx.Err()
}

func TestOpTimeoutSurfacesUnavailable(t *testing.T) {
	s := New(slowBackend{memory.New()}, Config{OpTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := s.Get(context.Background(), "j1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClosedBackendSurfacesUnavailable(t *testing.T) {
	backend := memory.New()
	s := New(backend, Config{})
	require.NoError(t, backend.Close())

	assert.ErrorIs(t, s.Ping(context.Background()), ErrUnavailable)
}
