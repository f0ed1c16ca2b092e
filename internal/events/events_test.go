package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

func evt(kind string) types.Event {
	return types.Event{Type: kind, Data: map[string]interface{}{"job_id": "j1"}, Timestamp: time.Now()}
}

// ============================================================================
// Bus
// ============================================================================

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBus(4)
	assert.NotPanics(t, func() { b.Publish(evt(types.EventJobCreated)) })
	assert.Zero(t, b.Subscribers())
}

func TestBusDropsSlowSubscriberOnly(t *testing.T) {
	b := NewBus(2)
	slow, err := b.Subscribe()
	require.NoError(t, err)
	fast, err := b.Subscribe()
	require.NoError(t, err)

	received := make(chan types.Event, 10)
	go func() {
		for e := range fast.C {
			received <- e
		}
	}()

	for i := 0; i < 3; i++ {
		b.Publish(evt(types.EventJobCreated))
		// 給 fast 訂閱者時間清空緩衝
		require.Eventually(t, func() bool { return len(received) == i+1 }, time.Second, time.Millisecond)
	}

	// slow 的緩衝區在第三個事件時已滿，應被斷開並關閉
	n := 0
	for range slow.C {
		n++
	}
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 1, b.Dropped())
	assert.Equal(t, 1, b.Subscribers())
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	b := NewBus(1)
	sub, err := b.Subscribe()
	require.NoError(t, err)
	b.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()

	_, err = b.Subscribe()
	assert.ErrorIs(t, err, ErrBusClosed)
}

// ============================================================================
// Hub
// ============================================================================

type recordingObserver struct {
	mu     sync.Mutex
	events []types.Event
	fail   bool
	closed atomic.Bool
}

func (o *recordingObserver) Notify(e types.Event) error {
	if o.fail {
		return errors.New("connection reset")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
	return nil
}

func (o *recordingObserver) Close() error {
	o.closed.Store(true)
	return nil
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func TestBroadcastRemovesOnlyFailingObserver(t *testing.T) {
	h := NewHub(NewBus(4), HubConfig{})
	good1 := &recordingObserver{}
	bad := &recordingObserver{fail: true}
	good2 := &recordingObserver{}
	h.Register(good1)
	h.Register(bad)
	h.Register(good2)

	h.Broadcast(evt(types.EventJobStarted))
	h.Broadcast(evt(types.EventJobCompleted))

	assert.Equal(t, 2, good1.count())
	assert.Equal(t, 2, good2.count())
	assert.True(t, bad.closed.Load())
	assert.Equal(t, 2, h.Observers())
}

func TestBroadcastWithZeroObservers(t *testing.T) {
	h := NewHub(NewBus(4), HubConfig{})
	assert.NotPanics(t, func() { h.Broadcast(evt(types.EventJobCreated)) })
}

func TestUnregister(t *testing.T) {
	h := NewHub(NewBus(4), HubConfig{})
	o := &recordingObserver{}
	unregister := h.Register(o)
	unregister()
	unregister()

	h.Broadcast(evt(types.EventJobCreated))
	assert.Zero(t, o.count())
	assert.Zero(t, h.Observers())
}

func TestRunDeliversInOrderAndNoReplay(t *testing.T) {
	bus := NewBus(16)
	h := NewHub(bus, HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)

	early := &recordingObserver{}
	h.Register(early)
	bus.Publish(evt(types.EventJobCreated))
	bus.Publish(evt(types.EventJobStarted))
	require.Eventually(t, func() bool { return early.count() == 2 }, time.Second, time.Millisecond)

	late := &recordingObserver{}
	h.Register(late)
	bus.Publish(evt(types.EventJobCompleted))
	require.Eventually(t, func() bool { return early.count() == 3 && late.count() == 1 }, time.Second, time.Millisecond)

	early.mu.Lock()
	assert.Equal(t, types.EventJobCreated, early.events[0].Type)
	assert.Equal(t, types.EventJobStarted, early.events[1].Type)
	assert.Equal(t, types.EventJobCompleted, early.events[2].Type)
	early.mu.Unlock()
	late.mu.Lock()
	assert.Equal(t, types.EventJobCompleted, late.events[0].Type)
	late.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
	assert.True(t, early.closed.Load())
}

// flakySource 前幾次訂閱失敗，之後委派給真正的匯流排
type flakySource struct {
	bus      *Bus
	failures atomic.Int32
	mu       sync.Mutex
	subs     []*Subscription
}

func (s *flakySource) Subscribe() (*Subscription, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("broker unavailable")
	}
	sub, err := s.bus.Subscribe()
	if err == nil {
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	return sub, err
}

func (s *flakySource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *flakySource) dropLatest() {
	s.mu.Lock()
	sub := s.subs[len(s.subs)-1]
	s.mu.Unlock()
	sub.Close()
}

func TestRunResubscribesAfterFailures(t *testing.T) {
	bus := NewBus(16)
	src := &flakySource{bus: bus}
	src.failures.Store(2)
	h := NewHub(src, HubConfig{MaxResubscribeAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	o := &recordingObserver{}
	h.Register(o)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	require.Eventually(t, func() bool { return src.count() == 1 }, time.Second, time.Millisecond)
	bus.Publish(evt(types.EventJobCreated))
	require.Eventually(t, func() bool { return o.count() == 1 }, time.Second, time.Millisecond)

	// 訂閱被斷開後應自動重新訂閱
	src.dropLatest()
	require.Eventually(t, func() bool { return src.count() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)
	bus.Publish(evt(types.EventJobStarted))
	require.Eventually(t, func() bool { return o.count() == 2 }, time.Second, time.Millisecond)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	src := &flakySource{bus: NewBus(1)}
	src.failures.Store(1000)
	h := NewHub(src, HubConfig{MaxResubscribeAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})

	err := h.Run(context.Background())
	assert.Error(t, err)
	assert.EqualValues(t, 1000-4, src.failures.Load())
}

func TestRunStopsWhenBusClosed(t *testing.T) {
	bus := NewBus(1)
	bus.Close()
	h := NewHub(bus, HubConfig{MaxResubscribeAttempts: 100, InitialBackoff: time.Hour})

	err := h.Run(context.Background())
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestChannelObserver(t *testing.T) {
	o := NewChannelObserver(1)
	require.NoError(t, o.Notify(evt(types.EventJobCreated)))
	assert.ErrorIs(t, o.Notify(evt(types.EventJobStarted)), ErrObserverFull)

	got := <-o.C
	assert.Equal(t, types.EventJobCreated, got.Type)

	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	assert.ErrorIs(t, o.Notify(evt(types.EventJobCreated)), ErrObserverClosed)
	_, ok := <-o.C
	assert.False(t, ok)
}
