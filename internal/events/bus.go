// ============================================================================
// gpu-queue 事件匯流排
// ============================================================================
//
// Package: internal/events
// 文件: bus.go
// 功能: 行程內的發布/訂閱通道，佇列引擎的唯一發布點
//
// 設計:
//   - Publish 永不阻塞：訂閱者的緩衝區滿了就直接斷開該訂閱者
//     （訂閱者的 channel 被關閉，由它自己決定是否重新訂閱）
//   - 新訂閱者只收到訂閱之後發布的事件，沒有回放
//
// ============================================================================

package events

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

var (
	// 匯流排已關閉
	ErrBusClosed = errors.New("event bus closed")
)

// Bus 事件匯流排
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	dropped uint64
}

// Subscription is one consumer of the bus. C is closed when the subscriber is
// dropped for falling behind, when it is closed, or when the bus closes.
type Subscription struct {
	C <-chan types.Event

	ch  chan types.Event
	id  uint64
	bus *Bus
}

// NewBus 建立事件匯流排
//
// 參數：
//   - buffer: 每個訂閱者的緩衝大小
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Publish delivers evt to every subscriber without blocking.
func (b *Bus) Publish(evt types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			// 跟不上的訂閱者直接斷開
			delete(b.subs, id)
			close(sub.ch)
			b.dropped++
		}
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	ch := make(chan types.Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, id: b.nextID, bus: b}
	b.subs[sub.id] = sub
	return sub, nil
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many subscribers were cut off for falling behind.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscription; later Subscribe calls fail.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
