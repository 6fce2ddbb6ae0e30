package eventbus

import (
	"sync"
	"time"
)

// Event is one signal from a run to its observers. Data carries one of the
// payload types in events.go.
type Event struct {
	Type  string
	Time  time.Time
	RunID string
	Data  any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

// New returns an in-memory bus. It starts no goroutines.
func New() Bus { return &fanout{} }

type subscriber struct {
	ch chan Event
}

type fanout struct {
	// Held for reading while sending, so an unsubscribe cannot close a
	// channel mid-send.
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	return s.ch, func() { b.drop(s) }
}

func (b *fanout) drop(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Nop returns a bus that discards everything. Its subscribers never receive.
func Nop() Bus { return discard{} }

type discard struct{}

func (discard) Publish(Event) {}

func (discard) Subscribe(int) (<-chan Event, func()) {
	return make(chan Event), func() {}
}
