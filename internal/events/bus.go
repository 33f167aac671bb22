package events

import (
	"sync"
	"sync/atomic"
)

type subscriber struct {
	id int
	ch chan any
}

// Bus fans events out to channel subscribers. Publish never blocks: a
// subscriber that falls behind loses messages rather than stalling the
// tick path.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[Event][]subscriber
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]subscriber)}
}

// Subscribe registers a listener for e with the given channel buffer.
// The returned function removes the subscription and closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	b.nextID++
	sub := subscriber{id: b.nextID, ch: make(chan any, buffer)}
	b.subs[e] = append(b.subs[e], sub)
	b.mu.Unlock()

	return sub.ch, func() { b.remove(e, sub.id) }
}

func (b *Bus) remove(e Event, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs[e] {
		if s.id == id {
			b.subs[e] = append(b.subs[e][:i], b.subs[e][i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish delivers payload to every subscriber of e, skipping any whose
// buffer is full.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[e] {
		select {
		case s.ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many messages were discarded on full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
