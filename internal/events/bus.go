// Package events provides an in-process pub/sub bus for chunk and aggregate
// lifecycle notifications.
package events

import (
	"sync"
	"sync/atomic"
)

// Kind identifies the lifecycle event.
type Kind int

const (
	ChunkCompressed Kind = iota
	ChunkDecompressed
	ChunkDropped
	AggregateRefreshed
	HypertableDropped
)

func (k Kind) String() string {
	switch k {
	case ChunkCompressed:
		return "chunk_compressed"
	case ChunkDecompressed:
		return "chunk_decompressed"
	case ChunkDropped:
		return "chunk_dropped"
	case AggregateRefreshed:
		return "aggregate_refreshed"
	case HypertableDropped:
		return "hypertable_dropped"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification.
type Event struct {
	Kind       Kind
	Hypertable string

	// ChunkID is set for chunk events, Aggregate for refresh events.
	ChunkID   string
	Aggregate string
}

// Subscription receives events matching its hypertable filter.
type Subscription struct {
	id         uint64
	hypertable string // empty matches all
	ch         chan Event
}

// C returns the subscription's event channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose channel is full misses the event.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64

	bufferSize int
}

// NewBus creates a bus whose subscriber channels buffer bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a subscriber. An empty hypertable receives every
// event; otherwise only events for that hypertable are delivered.
func (b *Bus) Subscribe(hypertable string) *Subscription {
	sub := &Subscription{
		id:         b.nextID.Add(1),
		hypertable: hypertable,
		ch:         make(chan Event, b.bufferSize),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.hypertable != "" && sub.hypertable != ev.Hypertable {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
