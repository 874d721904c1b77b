package scheduler

import (
	"sync"

	"fetchd/model"
)

// Event is one observation tuple consumed by the presentation layer. The
// engine assumes nothing about the renderer; subscribers that fall behind
// miss intermediate samples, never terminal transitions they can re-read
// from the store.
type Event struct {
	TaskID        string       `json:"task_id"`
	Status        model.Status `json:"status"`
	Bytes         int64        `json:"bytes_transferred"`
	Total         int64        `json:"total_size"`
	Speed         float64      `json:"speed"`
	ETASec        int64        `json:"eta_sec"`
	ErrorCategory string       `json:"error_category,omitempty"`
	ErrorMsg      string       `json:"error_msg,omitempty"`
}

// Broadcaster fans events out to any number of subscribers.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewBroadcaster creates an empty fanout.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered event channel and a cancel function.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event without ever blocking the scheduler.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
