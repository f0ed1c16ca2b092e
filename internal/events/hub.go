// ============================================================================
// gpu-queue 事件扇出中心
// ============================================================================
//
// Package: internal/events
// 文件: hub.go
// 功能: 唯一的背景監聽者，把匯流排上的事件推送給所有觀察者
//
// 核心循環 (Run):
//   1. 訂閱匯流排（失敗時以指數退避重試，連續失敗達上限才放棄）
//   2. 逐一取出事件，對當下的觀察者快照逐一推送
//   3. 訂閱被斷開時回到步驟 1
//
// 隔離保證:
//   - 單一觀察者推送失敗只移除該觀察者，不影響其他觀察者
//   - Run 的任何錯誤都不會傳回請求處理路徑
//   - 註冊 / 註銷與推送並行安全：推送使用觀察者集合的快照
//
// ============================================================================

package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

var (
	// 觀察者的緩衝區已滿
	ErrObserverFull = errors.New("observer buffer full")
	// 觀察者已關閉
	ErrObserverClosed = errors.New("observer closed")
)

// Observer receives broadcast events. Notify must not block; a non-nil error
// removes the observer from the hub.
type Observer interface {
	Notify(evt types.Event) error
}

// Subscriber is the event source the hub listens to.
type Subscriber interface {
	Subscribe() (*Subscription, error)
}

// Recorder receives broadcast metrics.
type Recorder interface {
	RecordBroadcast(eventType string, observers int)
	RecordObserverDropped()
	RecordResubscribe()
}

type nopRecorder struct{}

func (nopRecorder) RecordBroadcast(string, int) {}
func (nopRecorder) RecordObserverDropped()      {}
func (nopRecorder) RecordResubscribe()          {}

// HubConfig 扇出中心配置
type HubConfig struct {
	MaxResubscribeAttempts int           // 連續訂閱失敗上限，<= 0 表示不限
	InitialBackoff         time.Duration // 第一次重試前的等待時間
	MaxBackoff             time.Duration
	Recorder               Recorder
	Logger                 *slog.Logger
}

// Hub 事件扇出中心
type Hub struct {
	source Subscriber
	cfg    HubConfig
	rec    Recorder
	log    *slog.Logger

	mu        sync.RWMutex
	observers map[uint64]Observer
	nextID    uint64
}

func NewHub(source Subscriber, cfg HubConfig) *Hub {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	h := &Hub{
		source:    source,
		cfg:       cfg,
		rec:       cfg.Recorder,
		log:       cfg.Logger,
		observers: make(map[uint64]Observer),
	}
	if h.rec == nil {
		h.rec = nopRecorder{}
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	return h
}

// Register adds o and returns the function that removes it.
func (h *Hub) Register(o Observer) (unregister func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.observers[id] = o
	h.mu.Unlock()

	return func() { h.remove(id, false) }
}

func (h *Hub) remove(id uint64, failed bool) {
	h.mu.Lock()
	o, ok := h.observers[id]
	delete(h.observers, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	if failed {
		h.rec.RecordObserverDropped()
	}
	if c, ok := o.(io.Closer); ok {
		_ = c.Close()
	}
}

// Observers returns the number of registered observers.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Broadcast pushes evt to a snapshot of the observers. Failing observers are
// removed; nothing is returned to the caller.
func (h *Hub) Broadcast(evt types.Event) {
	h.mu.RLock()
	snapshot := make(map[uint64]Observer, len(h.observers))
	for id, o := range h.observers {
		snapshot[id] = o
	}
	h.mu.RUnlock()

	for id, o := range snapshot {
		if err := o.Notify(evt); err != nil {
			h.log.Warn("Removing observer after failed send", "observer", id, "event", evt.Type, "error", err)
			h.remove(id, true)
		}
	}
	h.rec.RecordBroadcast(evt.Type, len(snapshot))
}

func (h *Hub) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = h.cfg.InitialBackoff
	eb.MaxInterval = h.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = eb
	if h.cfg.MaxResubscribeAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(h.cfg.MaxResubscribeAttempts))
	}
	return backoff.WithContext(b, ctx)
}

func (h *Hub) subscribe(ctx context.Context) (*Subscription, error) {
	var sub *Subscription
	op := func() error {
		s, err := h.source.Subscribe()
		if errors.Is(err, ErrBusClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		sub = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		h.log.Warn("Event subscription failed, retrying", "error", err, "backoff", wait)
	}
	if err := backoff.RetryNotify(op, h.newBackoff(ctx), notify); err != nil {
		return nil, err
	}
	return sub, nil
}

// Run is the background listener. It returns nil when ctx is cancelled and an
// error once re-subscription has failed MaxResubscribeAttempts times in a row.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	first := true
	for {
		if !first {
			h.rec.RecordResubscribe()
		}
		first = false

		sub, err := h.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, ErrBusClosed) {
				h.log.Error("Giving up on event subscription", "error", err)
			}
			return err
		}

		if h.drain(ctx, sub) {
			sub.Close()
			return nil
		}
		h.log.Warn("Event subscription dropped, re-subscribing")
	}
}

// drain 推送事件直到訂閱中斷；回傳 true 表示 ctx 已取消
func (h *Hub) drain(ctx context.Context, sub *Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case evt, ok := <-sub.C:
			if !ok {
				return false
			}
			h.Broadcast(evt)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	observers := h.observers
	h.observers = make(map[uint64]Observer)
	h.mu.Unlock()
	for _, o := range observers {
		if c, ok := o.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// ============================================================================
// 通道觀察者
// ============================================================================

// ChannelObserver buffers events for a consumer that drains C at its own pace
// (a WebSocket or gRPC stream writer). Notify fails once the buffer is full.
type ChannelObserver struct {
	C <-chan types.Event

	mu     sync.Mutex
	ch     chan types.Event
	closed bool
}

func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan types.Event, buffer)
	return &ChannelObserver{C: ch, ch: ch}
}

func (o *ChannelObserver) Notify(evt types.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrObserverClosed
	}
	select {
	case o.ch <- evt:
		return nil
	default:
		return ErrObserverFull
	}
}

// Close closes C. Safe to call more than once.
func (o *ChannelObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
	return nil
}
