package cli

import (
	"context"
	"io"
	"time"

	"github.com/felixgeelhaar/recall/internal/cache"
	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/embed"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/felixgeelhaar/recall/internal/events"
	"github.com/felixgeelhaar/recall/internal/hybrid"
	"github.com/felixgeelhaar/recall/internal/memory"
	"github.com/felixgeelhaar/recall/internal/observe"
	"github.com/felixgeelhaar/recall/internal/vectorstore"
	"github.com/sethvargo/go-retry"
)

// Runner owns the process-wide pieces one command needs. The embedder and
// the store are opened on first use.
type Runner struct {
	Config   config.Config
	Observer *observe.Observer
	Bus      *events.Bus
	Tally    *events.Tally
	Retries  uint64

	emb   embed.Embedder
	store vectorstore.Store
}

// NewRunner wires the event bus and tally; providers and stores are opened
// on first use.
func NewRunner(cfg config.Config, obs *observe.Observer, retries uint64) *Runner {
	bus := events.NewBus()
	bus.SubscribeAll(func(e events.Event) {
		obs.Log().Debug().Str("event", string(e.Type)).Str("collection", e.Collection).Msg("event")
	})
	return &Runner{Config: cfg, Observer: obs, Bus: bus, Tally: events.NewTally(bus), Retries: retries}
}

// Embedder returns the configured embedding provider.
func (r *Runner) Embedder() (embed.Embedder, error) {
	if r.emb != nil {
		return r.emb, nil
	}
	e, err := embed.New(r.Config.Embedding)
	if err != nil {
		return nil, err
	}
	r.Observer.Log().Debug().Str("provider", e.Name()).Str("model", e.Model()).Int("dimension", e.Dimension()).Msg("embedding provider ready")
	r.emb = e
	return e, nil
}

// Store returns the configured vector store.
func (r *Runner) Store() (vectorstore.Store, error) {
	if r.store != nil {
		return r.store, nil
	}
	s, err := openStore(r.Config.Store)
	if err != nil {
		return nil, err
	}
	r.store = s
	return s, nil
}

// Cache builds the similarity cache engine.
func (r *Runner) Cache() (*cache.Engine, error) {
	s, e, err := r.deps()
	if err != nil {
		return nil, err
	}
	dist, err := vectorstore.ParseDistance(r.Config.Cache.Distance)
	if err != nil {
		return nil, err
	}
	eng := cache.New(s, e, r.Observer, cache.Settings{
		Collection:   r.Config.Cache.Collection,
		Threshold:    &r.Config.Cache.Threshold,
		Distance:     dist,
		StoreTimeout: r.Config.Store.Timeout.Std(),
	})
	eng.SetBus(r.Bus)
	return eng, nil
}

// Memory builds the memory retrieval engine.
func (r *Runner) Memory() (*memory.Engine, error) {
	s, e, err := r.deps()
	if err != nil {
		return nil, err
	}
	dist, err := vectorstore.ParseDistance(r.Config.Memory.Distance)
	if err != nil {
		return nil, err
	}
	eng := memory.New(s, e, r.Observer, memory.Settings{
		Collection:   r.Config.Memory.Collection,
		TopK:         r.Config.Memory.TopK,
		Threshold:    &r.Config.Memory.Threshold,
		Distance:     dist,
		StoreTimeout: r.Config.Store.Timeout.Std(),
	})
	eng.SetBus(r.Bus)
	return eng, nil
}

// Searcher builds the hybrid searcher over the memory collection.
func (r *Runner) Searcher() (*hybrid.Searcher, error) {
	s, e, err := r.deps()
	if err != nil {
		return nil, err
	}
	h := hybrid.NewSearcher(s, e, r.Observer, r.Config.Memory.Collection, hybrid.Defaults{
		TopK:         r.Config.Search.TopK,
		Threshold:    &r.Config.Search.Threshold,
		StoreTimeout: r.Config.Store.Timeout.Std(),
	})
	h.SetBus(r.Bus)
	return h, nil
}

// Do runs fn, retrying connection errors up to Retries times with
// Fibonacci backoff.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.Retries == 0 {
		return fn(ctx)
	}
	attempt := 0
	b := retry.WithMaxRetries(r.Retries, retry.NewFibonacci(200*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if errs.Retryable(err) {
			r.Observer.Log().Warn().Int("attempt", attempt).Err(err).Msg("retrying")
			return retry.RetryableError(err)
		}
		return err
	})
}

func (r *Runner) Close() error {
	if st := r.Tally.Stats(); st.Hits+st.Misses > 0 {
		r.Observer.Log().Info().Int("hits", int(st.Hits)).Int("misses", int(st.Misses)).Int("tokens_saved", int(st.TokensSaved)).Msg("cache summary")
	}
	if c, ok := r.emb.(io.Closer); ok {
		c.Close()
	}
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

func (r *Runner) deps() (vectorstore.Store, embed.Embedder, error) {
	e, err := r.Embedder()
	if err != nil {
		return nil, nil, err
	}
	s, err := r.Store()
	if err != nil {
		return nil, nil, err
	}
	return s, e, nil
}
