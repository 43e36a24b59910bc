// Package events is a small in-process publish/subscribe bus the engines
// report on, plus a Tally subscriber that tracks cache savings.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies an engine event.
type Type string

const (
	CacheHit        Type = "cache_hit"
	CacheMiss       Type = "cache_miss"
	CacheStored     Type = "cache_stored"
	CacheEvicted    Type = "cache_evicted"
	MemoryStored    Type = "memory_stored"
	MemoryRetrieved Type = "memory_retrieved"
	MemoryDeleted   Type = "memory_deleted"
	HybridSearch    Type = "hybrid_search"
)

// Event is one engine occurrence.
type Event struct {
	Type       Type
	Timestamp  time.Time
	Collection string
	Data       map[string]any
}

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

// Bus fans events out to subscribers. A nil *Bus drops everything, so
// engines can publish unconditionally.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[Type][]Handler
	allHandlers []Handler
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, h)
}

// Publish delivers e to the type's handlers, then to the catch-all ones.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[e.Type]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Emit is shorthand for publishing an event with data.
func (b *Bus) Emit(t Type, collection string, data map[string]any) {
	b.Publish(Event{Type: t, Collection: collection, Data: data})
}

// Tally counts cache outcomes and the LLM tokens hits avoided.
type Tally struct {
	hits        atomic.Int64
	misses      atomic.Int64
	stored      atomic.Int64
	tokensSaved atomic.Int64
}

// Stats is a point-in-time copy of a Tally.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Stored      int64   `json:"stored"`
	TokensSaved int64   `json:"tokens_saved"`
	HitRate     float64 `json:"hit_rate"`
}

// NewTally returns a Tally subscribed to b.
func NewTally(b *Bus) *Tally {
	t := &Tally{}
	b.Subscribe(CacheHit, func(e Event) {
		t.hits.Add(1)
		t.tokensSaved.Add(int64(intValue(e.Data["tokens_saved"])))
	})
	b.Subscribe(CacheMiss, func(Event) { t.misses.Add(1) })
	b.Subscribe(CacheStored, func(Event) { t.stored.Add(1) })
	return t
}

func (t *Tally) Stats() Stats {
	s := Stats{
		Hits:        t.hits.Load(),
		Misses:      t.misses.Load(),
		Stored:      t.stored.Load(),
		TokensSaved: t.tokensSaved.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
