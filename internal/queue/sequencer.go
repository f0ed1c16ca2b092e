package queue

import (
	"sync"

	"github.com/ChuLiYu/gpu-queue/pkg/types"
)

// sequencer delivers events in the order their changes were committed.
//
// A ticket is taken inside the backend critical section of the change, so
// ticket order is commit order. Events are handed to deliver strictly in
// ticket order; a ticket released without an event is skipped.
type sequencer struct {
	mu      sync.Mutex
	next    uint64
	head    uint64
	ready   map[uint64]*types.Event
	deliver func(types.Event)
}

func newSequencer(deliver func(types.Event)) *sequencer {
	return &sequencer{ready: make(map[uint64]*types.Event), deliver: deliver}
}

func (s *sequencer) reserve() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	return n
}

// done settles ticket n and flushes every consecutive settled ticket.
func (s *sequencer) done(n uint64, evt *types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready[n] = evt
	for {
		evt, ok := s.ready[s.head]
		if !ok {
			return
		}
		delete(s.ready, s.head)
		s.head++
		if evt != nil {
			s.deliver(*evt)
		}
	}
}

// ticket is one operation's place in the event order. take may run once per
// backend attempt; only the last attempt's place is kept.
type ticket struct {
	seq  *sequencer
	n    uint64
	held bool
}

func (t *ticket) take() {
	if t.held {
		t.seq.done(t.n, nil)
	}
	t.n = t.seq.reserve()
	t.held = true
}

func (t *ticket) publish(evt types.Event) {
	if !t.held {
		return
	}
	t.held = false
	t.seq.done(t.n, &evt)
}

// release gives the place up; it is a no-op after publish.
func (t *ticket) release() {
	if !t.held {
		return
	}
	t.held = false
	t.seq.done(t.n, nil)
}
