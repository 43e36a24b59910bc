package events

import (
	"sync"
	"testing"
)

func TestBus_Subscribe(t *testing.T) {
	b := NewBus()
	var got Event
	b.Subscribe(CacheHit, func(e Event) { got = e })

	b.Emit(CacheHit, "semantic_cache", map[string]any{"score": 0.97})

	if got.Type != CacheHit || got.Collection != "semantic_cache" {
		t.Errorf("Unexpected event %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if got.Data["score"] != 0.97 {
		t.Error("Data not passed through")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	b := NewBus()
	count := 0
	b.SubscribeAll(func(Event) { count++ })

	b.Emit(CacheMiss, "c", nil)
	b.Emit(MemoryStored, "m", nil)
	b.Emit(HybridSearch, "m", nil)

	if count != 3 {
		t.Errorf("Expected 3 calls, got %d", count)
	}
}

func TestBus_Nil(t *testing.T) {
	var b *Bus
	b.Emit(CacheHit, "c", nil)
}

func TestBus_HandlerMaySubscribe(t *testing.T) {
	b := NewBus()
	b.Subscribe(CacheStored, func(Event) {
		b.Subscribe(CacheHit, func(Event) {})
	})
	b.Emit(CacheStored, "c", nil)
}

func TestTally(t *testing.T) {
	b := NewBus()
	tally := NewTally(b)

	b.Emit(CacheHit, "c", map[string]any{"tokens_saved": 120})
	b.Emit(CacheHit, "c", map[string]any{"tokens_saved": float64(30)})
	b.Emit(CacheMiss, "c", nil)
	b.Emit(CacheStored, "c", nil)
	b.Emit(MemoryStored, "m", nil)

	s := tally.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Stored != 1 {
		t.Errorf("Unexpected counts %+v", s)
	}
	if s.TokensSaved != 150 {
		t.Errorf("Expected 150 tokens saved, got %d", s.TokensSaved)
	}
	if s.HitRate < 0.66 || s.HitRate > 0.67 {
		t.Errorf("Expected hit rate 2/3, got %f", s.HitRate)
	}
}

func TestTally_Concurrent(t *testing.T) {
	b := NewBus()
	tally := NewTally(b)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(CacheHit, "c", map[string]any{"tokens_saved": 2})
		}()
	}
	wg.Wait()

	if s := tally.Stats(); s.Hits != 50 || s.TokensSaved != 100 {
		t.Errorf("Unexpected stats %+v", s)
	}
}
