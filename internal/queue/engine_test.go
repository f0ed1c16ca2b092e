package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gpu-queue/internal/jobstore"
	"github.com/ChuLiYu/gpu-queue/internal/storage/memory"
	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *recordingPublisher) Publish(evt types.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingLiveness struct {
	mu    sync.Mutex
	beats map[string]int
}

func (l *recordingLiveness) Heartbeat(_ context.Context, workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.beats == nil {
		l.beats = make(map[string]int)
	}
	l.beats[workerID]++
}

func (l *recordingLiveness) Active(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.beats))
	for id := range l.beats {
		out = append(out, id)
	}
	return out, nil
}

// tickingClock 每次呼叫前進 1ms，讓提交時間嚴格遞增
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fixture struct {
	engine *Engine
	pub    *recordingPublisher
	live   *recordingLiveness
}

func newFixture(t *testing.T, mode types.QueueMode, maxDepth int) *fixture {
	t.Helper()
	pub := &recordingPublisher{}
	live := &recordingLiveness{}
	clock := &tickingClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := jobstore.New(memory.New(), jobstore.Config{})
	e, err := New(store, Config{
		Mode:      mode,
		MaxDepth:  maxDepth,
		Publisher: pub,
		Liveness:  live,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	return &fixture{engine: e, pub: pub, live: live}
}

func prio(p types.Priority) *types.Priority { return &p }

func (f *fixture) submit(t *testing.T, owner string, p types.Priority, tag string) *types.Job {
	t.Helper()
	job, err := f.engine.Submit(context.Background(), SubmitRequest{
		Owner:    owner,
		Payload:  map[string]interface{}{"tag": tag},
		Priority: prio(p),
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) drain(t *testing.T) []*types.Job {
	t.Helper()
	var out []*types.Job
	for {
		job, err := f.engine.SelectNext(context.Background(), "gpu-0")
		require.NoError(t, err)
		if job == nil {
			return out
		}
		out = append(out, job)
	}
}

func tags(jobs []*types.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Payload["tag"].(string))
	}
	return out
}

// ============================================================================
// 排程順序
// ============================================================================

func TestNewRejectsUnknownMode(t *testing.T) {
	_, err := New(jobstore.New(memory.New(), jobstore.Config{}), Config{Mode: "lottery"})
	assert.Error(t, err)
}

func TestPriorityModeClassDominates(t *testing.T) {
	f := newFixture(t, types.ModePriority, 0)
	f.submit(t, "u1", types.PriorityLow, "low-1")
	f.submit(t, "u2", types.PriorityNormal, "normal-1")
	f.submit(t, "u1", types.PriorityHigh, "high-1")
	f.submit(t, "u3", types.PriorityLow, "low-2")
	f.submit(t, "u2", types.PriorityOverride, "override-1")
	f.submit(t, "u3", types.PriorityHigh, "high-2")
	f.submit(t, "u1", types.PriorityNormal, "normal-2")

	got := f.drain(t)
	assert.Equal(t, []string{"override-1", "high-1", "high-2", "normal-1", "normal-2", "low-1", "low-2"}, tags(got))

	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Priority.Less(got[i-1].Priority),
			"%s served after %s", got[i-1].Priority, got[i].Priority)
	}
}

func TestFIFOModeIgnoresPriority(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	f.submit(t, "u1", types.PriorityLow, "a")
	f.submit(t, "u2", types.PriorityOverride, "b")
	f.submit(t, "u1", types.PriorityHigh, "c")

	assert.Equal(t, []string{"a", "b", "c"}, tags(f.drain(t)))
}

func TestSameClassTieBreakWithSameTimestamp(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := jobstore.New(memory.New(), jobstore.Config{})
	e, err := New(store, Config{Mode: types.ModePriority, Now: func() time.Time { return fixed }})
	require.NoError(t, err)
	f := &fixture{engine: e}

	for i := 0; i < 5; i++ {
		f.submit(t, "u1", types.PriorityNormal, fmt.Sprint(i))
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, tags(f.drain(t)))
}

func TestRoundRobinCyclesOwners(t *testing.T) {
	f := newFixture(t, types.ModeRoundRobin, 0)
	f.submit(t, "alice", types.PriorityNormal, "a1")
	f.submit(t, "alice", types.PriorityNormal, "a2")
	f.submit(t, "alice", types.PriorityNormal, "a3")
	f.submit(t, "bob", types.PriorityNormal, "b1")
	f.submit(t, "bob", types.PriorityNormal, "b2")
	f.submit(t, "carol", types.PriorityNormal, "c1")

	assert.Equal(t, []string{"a1", "b1", "c1", "a2", "b2", "a3"}, tags(f.drain(t)))
}

func TestRoundRobinPriorityPreempts(t *testing.T) {
	f := newFixture(t, types.ModeRoundRobin, 0)
	f.submit(t, "alice", types.PriorityNormal, "a1")
	f.submit(t, "bob", types.PriorityLow, "b1")
	f.submit(t, "bob", types.PriorityHigh, "b2")
	f.submit(t, "alice", types.PriorityNormal, "a2")
	f.submit(t, "carol", types.PriorityOverride, "c1")
	f.submit(t, "carol", types.PriorityOverride, "c2")

	assert.Equal(t, []string{"c1", "c2", "b2", "a1", "a2", "b1"}, tags(f.drain(t)))
}

func (f *fixture) claim(t *testing.T) string {
	t.Helper()
	job, err := f.engine.SelectNext(context.Background(), "gpu-0")
	require.NoError(t, err)
	require.NotNil(t, job)
	return job.Payload["tag"].(string)
}

func TestRoundRobinInterleavedKeepsOwnerOrder(t *testing.T) {
	type sub struct{ owner, tag string }
	tests := []struct {
		name  string
		after []sub // submitted after the two claims
		want  []string
	}{
		{"same owner", []sub{{"alice", "a4"}}, []string{"a3", "a4"}},
		{"same owner twice", []sub{{"alice", "a4"}, {"alice", "a5"}}, []string{"a3", "a4", "a5"}},
		{"new owner joins current round", []sub{{"alice", "a4"}, {"bob", "b1"}}, []string{"b1", "a3", "a4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, types.ModeRoundRobin, 0)
			f.submit(t, "alice", types.PriorityNormal, "a1")
			f.submit(t, "alice", types.PriorityNormal, "a2")
			f.submit(t, "alice", types.PriorityNormal, "a3")
			assert.Equal(t, "a1", f.claim(t))
			assert.Equal(t, "a2", f.claim(t))

			for _, s := range tt.after {
				f.submit(t, s.owner, types.PriorityNormal, s.tag)
			}
			assert.Equal(t, tt.want, tags(f.drain(t)))
		})
	}
}

func TestRoundRobinWaitingOwnerNotStarved(t *testing.T) {
	f := newFixture(t, types.ModeRoundRobin, 0)
	for i := 1; i <= 4; i++ {
		f.submit(t, "alice", types.PriorityNormal, fmt.Sprintf("a%d", i))
	}
	for i := 1; i <= 3; i++ {
		assert.Equal(t, fmt.Sprintf("a%d", i), f.claim(t))
	}

	// bob 每提交一個就被領走一個，alice 剩下的 a4 最多等 bob 一輪
	var served []string
	for i := 1; i <= 5; i++ {
		f.submit(t, "bob", types.PriorityNormal, fmt.Sprintf("b%d", i))
		served = append(served, f.claim(t))
	}
	assert.Equal(t, []string{"b1", "a4", "b2", "b3", "b4"}, served)
	assert.Equal(t, []string{"b5"}, tags(f.drain(t)))
}

func TestRoundRobinIdleOwnerRejoinsAtCurrentRound(t *testing.T) {
	f := newFixture(t, types.ModeRoundRobin, 0)
	f.submit(t, "bob", types.PriorityNormal, "b1")
	f.submit(t, "bob", types.PriorityNormal, "b2")
	f.submit(t, "bob", types.PriorityNormal, "b3")
	f.submit(t, "alice", types.PriorityNormal, "a1")
	assert.Equal(t, []string{"b1", "a1", "b2", "b3"}, tags(f.drain(t)))

	// alice 閒置期間的輪次不會累積成優先權
	f.submit(t, "bob", types.PriorityNormal, "b4")
	f.submit(t, "bob", types.PriorityNormal, "b5")
	f.submit(t, "alice", types.PriorityNormal, "a2")
	f.submit(t, "alice", types.PriorityNormal, "a3")
	assert.Equal(t, []string{"a2", "b4", "a3", "b5"}, tags(f.drain(t)))
}

// ============================================================================
// 原子選取
// ============================================================================

func TestSelectNextConcurrentExactlyOnce(t *testing.T) {
	f := newFixture(t, types.ModePriority, 0)
	const jobs, callers = 25, 60
	for i := 0; i < jobs; i++ {
		f.submit(t, fmt.Sprintf("u%d", i%4), types.AllPriorities[i%4], fmt.Sprint(i))
	}

	var (
		mu      sync.Mutex
		got     = make(map[types.JobID]string)
		dupes   int
		nothing int
		wg      sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			job, err := f.engine.SelectNext(context.Background(), worker)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if job == nil {
				nothing++
				return
			}
			if _, seen := got[job.ID]; seen {
				dupes++
			}
			got[job.ID] = worker
		}(fmt.Sprintf("gpu-%d", i))
	}
	wg.Wait()

	assert.Zero(t, dupes)
	assert.Len(t, got, jobs)
	assert.Equal(t, callers-jobs, nothing)

	stats, err := f.engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, jobs, stats.Running)
}

func TestSelectNextEmptyStillHeartbeats(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	job, err := f.engine.SelectNext(context.Background(), "gpu-7")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, 1, f.live.beats["gpu-7"])
}

func TestSelectNextRejectsBadWorkerID(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	f.submit(t, "u1", types.PriorityNormal, "x")

	job, err := f.engine.SelectNext(context.Background(), "../gpu")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Nil(t, job)
	assert.Zero(t, f.live.beats["../gpu"])

	stats, err := f.engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestSelectNextMarksRunning(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	submitted := f.submit(t, "u1", types.PriorityNormal, "x")

	job, err := f.engine.SelectNext(context.Background(), "gpu-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, submitted.ID, job.ID)
	assert.Equal(t, types.StatusRunning, job.Status)
	assert.Equal(t, "gpu-1", job.AssignedWorker)
	require.NotNil(t, job.StartedAt)

	view, err := f.engine.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, view.Status)
	assert.Nil(t, view.PositionInQueue)
	assert.Equal(t, []string{types.EventJobCreated, types.EventJobStarted}, f.pub.kinds())
}

// ============================================================================
// 狀態機
// ============================================================================

func TestCompleteScenario(t *testing.T) {
	f := newFixture(t, types.ModePriority, 0)
	ctx := context.Background()

	job, err := f.engine.Submit(ctx, SubmitRequest{Owner: "user-1", Payload: map[string]interface{}{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, types.PriorityNormal, job.Priority)

	claimed, err := f.engine.SelectNext(ctx, "gpu-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, types.StatusRunning, claimed.Status)

	done, err := f.engine.Complete(ctx, job.ID, map[string]interface{}{"out": "x.png"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)

	stored, err := f.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, stored.Status)
	assert.Equal(t, map[string]interface{}{"out": "x.png"}, stored.Result)
	assert.Empty(t, stored.Error)
	assert.NotNil(t, stored.CompletedAt)

	_, err = f.engine.Complete(ctx, job.ID, map[string]interface{}{"out": "y.png"})
	assert.ErrorIs(t, err, ErrInvalidState)

	n, err := f.engine.CompletedBy(ctx, "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCompleteAndFailRequireRunning(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		setup func(f *fixture, id types.JobID)
	}{
		{"pending", func(*fixture, types.JobID) {}},
		{"completed", func(f *fixture, id types.JobID) {
			_, _ = f.engine.SelectNext(ctx, "w")
			_, _ = f.engine.Complete(ctx, id, map[string]interface{}{"ok": true})
		}},
		{"failed", func(f *fixture, id types.JobID) {
			_, _ = f.engine.SelectNext(ctx, "w")
			_, _ = f.engine.Fail(ctx, id, "boom")
		}},
		{"cancelled", func(f *fixture, id types.JobID) {
			_, _ = f.engine.SelectNext(ctx, "w")
			_, _ = f.engine.Cancel(ctx, id)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, types.ModeFIFO, 0)
			job := f.submit(t, "u1", types.PriorityNormal, "x")
			tt.setup(f, job.ID)

			before, err := f.engine.Get(ctx, job.ID)
			require.NoError(t, err)

			_, err = f.engine.Complete(ctx, job.ID, map[string]interface{}{"late": true})
			assert.ErrorIs(t, err, ErrInvalidState)
			_, err = f.engine.Fail(ctx, job.ID, "late")
			assert.ErrorIs(t, err, ErrInvalidState)

			after, err := f.engine.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, before.Job, after.Job, "record must not change")
		})
	}
}

func TestCompleteMissingJob(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	_, err := f.engine.Complete(context.Background(), "missing", map[string]interface{}{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.Fail(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailValidatesMessage(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	ctx := context.Background()
	job := f.submit(t, "u1", types.PriorityNormal, "x")
	_, err := f.engine.SelectNext(ctx, "w")
	require.NoError(t, err)

	_, err = f.engine.Fail(ctx, job.ID, "   ")
	assert.ErrorIs(t, err, ErrValidation)

	failed, err := f.engine.Fail(ctx, job.ID, "  out of memory  ")
	require.NoError(t, err)
	assert.Equal(t, "out of memory", failed.Error)
	assert.Nil(t, failed.Result, "result and error are mutually exclusive")
}

func TestResultAndErrorNeverBothSet(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		f.submit(t, "u1", types.PriorityNormal, fmt.Sprint(i))
	}
	for i := 0; i < 6; i++ {
		job, err := f.engine.SelectNext(ctx, "w")
		require.NoError(t, err)
		// 同一個任務上競爭 complete 與 fail
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = f.engine.Complete(ctx, job.ID, map[string]interface{}{"i": i}) }()
		go func() { defer wg.Done(); _, _ = f.engine.Fail(ctx, job.ID, "racing failure") }()
		wg.Wait()
	}

	jobs, err := f.engine.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs, 6)
	for _, j := range jobs {
		assert.True(t, j.Status.IsTerminal())
		assert.False(t, j.Result != nil && j.Error != "", "job %s has both result and error", j.ID)
	}
}

// ============================================================================
// 取消與優先級變更
// ============================================================================

func TestCancelPendingRemovesJob(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	ctx := context.Background()
	doomed := f.submit(t, "u1", types.PriorityNormal, "doomed")
	f.submit(t, "u1", types.PriorityNormal, "kept")

	_, err := f.engine.Cancel(ctx, doomed.ID)
	require.NoError(t, err)

	_, err = f.engine.Get(ctx, doomed.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"kept"}, tags(f.drain(t)))
}

func TestCancelRunningIsSoft(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	ctx := context.Background()
	job := f.submit(t, "u1", types.PriorityNormal, "x")
	_, err := f.engine.SelectNext(ctx, "gpu-1")
	require.NoError(t, err)

	cancelled, err := f.engine.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	stored, err := f.engine.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, stored.Status)

	// worker 晚到的回報被拒絕，不會覆寫
	_, err = f.engine.Complete(ctx, job.ID, map[string]interface{}{"out": "late.png"})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrCannotCancel)
}

func TestCancelMissing(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	_, err := f.engine.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReprioritize(t *testing.T) {
	f := newFixture(t, types.ModePriority, 0)
	ctx := context.Background()
	f.submit(t, "u1", types.PriorityNormal, "first")
	late := f.submit(t, "u2", types.PriorityLow, "late")

	view, err := f.engine.Get(ctx, late.ID)
	require.NoError(t, err)
	require.NotNil(t, view.PositionInQueue)
	assert.Equal(t, 2, *view.PositionInQueue)

	changed, err := f.engine.Reprioritize(ctx, late.ID, types.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, types.PriorityHigh, changed.Priority)

	view, err = f.engine.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *view.PositionInQueue)

	assert.Equal(t, []string{"late", "first"}, tags(f.drain(t)))

	_, err = f.engine.Reprioritize(ctx, late.ID, types.PriorityLow)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.engine.Reprioritize(ctx, "missing", types.PriorityLow)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.Reprioritize(ctx, late.ID, types.Priority(9))
	assert.ErrorIs(t, err, ErrValidation)

	assert.Contains(t, f.pub.kinds(), types.EventJobPriorityChanged)
}

// ============================================================================
// 驗證與背壓
// ============================================================================

func TestSubmitValidationLeavesQueueUnchanged(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, SubmitRequest{Owner: "../admin", Payload: map[string]interface{}{"a": 1}})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.engine.Submit(ctx, SubmitRequest{Owner: "user-1", Payload: map[string]interface{}{}})
	assert.ErrorIs(t, err, ErrValidation)

	stats, err := f.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.QueueDepth)
	assert.Empty(t, f.pub.kinds())
}

func TestSubmitBackpressure(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 2)
	ctx := context.Background()
	f.submit(t, "u1", types.PriorityNormal, "1")
	f.submit(t, "u1", types.PriorityNormal, "2")

	_, err := f.engine.Submit(ctx, SubmitRequest{Owner: "u1", Payload: map[string]interface{}{"tag": "3"}})
	assert.ErrorIs(t, err, ErrQueueFull)

	stats, err := f.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.QueueDepth)
	assert.Equal(t, 2, stats.MaxDepth)
}

func TestReclaimClearsWorker(t *testing.T) {
	f := newFixture(t, types.ModeFIFO, 0)
	ctx := context.Background()
	job := f.submit(t, "u1", types.PriorityNormal, "x")
	_, err := f.engine.SelectNext(ctx, "gpu-9")
	require.NoError(t, err)

	reclaimed, err := f.engine.Reclaim(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, reclaimed.Status)
	assert.Equal(t, StaleJobMessage, reclaimed.Error)
	assert.Empty(t, reclaimed.AssignedWorker)

	_, err = f.engine.Reclaim(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStatsCounts(t *testing.T) {
	f := newFixture(t, types.ModeRoundRobin, 10)
	ctx := context.Background()
	a := f.submit(t, "u1", types.PriorityNormal, "a")
	f.submit(t, "u2", types.PriorityNormal, "b")
	f.submit(t, "u3", types.PriorityNormal, "c")

	_, err := f.engine.SelectNext(ctx, "gpu-1")
	require.NoError(t, err)
	_, err = f.engine.Complete(ctx, a.ID, map[string]interface{}{})
	require.NoError(t, err)
	_, err = f.engine.SelectNext(ctx, "gpu-2")
	require.NoError(t, err)

	stats, err := f.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ModeRoundRobin, stats.Mode)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.ActiveWorkers)
}
