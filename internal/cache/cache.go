// Package cache implements the similarity cache: answers to previous queries
// are reused when a new query is close enough in meaning.
//
// Entries are keyed by a UUID derived from the exact query text, so storing
// the same query again overwrites the earlier answer. Lookups embed the
// incoming query and accept the single best match only when its score
// reaches the threshold. Eviction is purely age based.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/felixgeelhaar/recall/internal/collection"
	"github.com/felixgeelhaar/recall/internal/embed"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/felixgeelhaar/recall/internal/events"
	"github.com/felixgeelhaar/recall/internal/hybrid"
	"github.com/felixgeelhaar/recall/internal/observe"
	"github.com/felixgeelhaar/recall/internal/vectorstore"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultThreshold is tuned high: a hit replaces real work, so a wrong
// answer costs more than a needless miss.
const DefaultThreshold = 0.92

// EntryType is the payload "type" of every cache entry.
const EntryType = "cache"

// namespace seeds the deterministic entry ids.
var namespace = uuid.MustParse("6f1c3c1e-8d0a-4c55-9b1e-2a7d5b0e4f13")

// Settings configure an Engine.
type Settings struct {
	Collection string
	// Threshold is nil for DefaultThreshold; zero is a valid threshold.
	Threshold    *float64
	Distance     vectorstore.Distance
	StoreTimeout time.Duration
}

// Engine is the similarity cache. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	store vectorstore.Store
	emb   embed.Embedder
	obs   *observe.Observer
	bus   *events.Bus
	cfg   Settings
	now   func() time.Time
	// threshold is cfg.Threshold resolved.
	threshold float64
}

// New returns an Engine over store s and embedder e. Zero Settings fields
// take the package defaults; a nil Observer discards output.
func New(s vectorstore.Store, e embed.Embedder, o *observe.Observer, cfg Settings) *Engine {
	if cfg.Collection == "" {
		cfg.Collection = "semantic_cache"
	}
	if cfg.Distance == "" {
		cfg.Distance = vectorstore.Cosine
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 30 * time.Second
	}
	if o == nil {
		o = observe.Discard()
	}
	threshold := DefaultThreshold
	if cfg.Threshold != nil {
		threshold = *cfg.Threshold
	}
	return &Engine{
		store:     s,
		emb:       e,
		obs:       o,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		threshold: threshold,
	}
}

// SetBus attaches an event bus.
func (e *Engine) SetBus(b *events.Bus) {
	e.bus = b
}

// Collection returns the cache collection name.
func (e *Engine) Collection() string {
	return e.cfg.Collection
}

// Init creates the cache collection sized for the embedding provider.
func (e *Engine) Init(ctx context.Context) (collection.Status, error) {
	ctx, span := e.obs.StartSpan(ctx, "cache.Init", attribute.String("collection", e.cfg.Collection))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	status, err := collection.Ensure(ctx, e.store, collection.Spec{
		Name:      e.cfg.Collection,
		Dimension: e.emb.Dimension(),
		Distance:  e.cfg.Distance,
		Content:   collection.Cache,
	})
	if err != nil {
		e.obs.Log().Error().Str("collection", e.cfg.Collection).Err(err).Msg("cache init failed")
		return status, e.obs.Fail(span, err)
	}
	e.obs.Log().Info().Str("collection", e.cfg.Collection).Str("status", string(status)).Msg("cache collection ready")
	return status, nil
}

// Result is the outcome of Check. A miss is a normal result, not an error.
type Result struct {
	Hit         bool      `json:"cache_hit"`
	ID          string    `json:"id,omitempty"`
	Score       float64   `json:"score,omitempty"`
	Query       string    `json:"query"`
	Response    string    `json:"response,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
	Model       string    `json:"model,omitempty"`
	Project     string    `json:"project,omitempty"`
	TokensSaved int       `json:"tokens_saved,omitempty"`
}

type checkOptions struct {
	threshold float64
}

// CheckOption adjusts a single Check.
type CheckOption func(*checkOptions)

// WithThreshold sets the minimum similarity for a hit.
func WithThreshold(t float64) CheckOption {
	return func(o *checkOptions) { o.threshold = t }
}

// Check looks for a cached answer to query. Result.Query echoes the input on
// a miss and holds the cached query on a hit.
func (e *Engine) Check(ctx context.Context, query string, opts ...CheckOption) (Result, error) {
	o := checkOptions{threshold: e.threshold}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := e.obs.StartSpan(ctx, "cache.Check",
		attribute.String("collection", e.cfg.Collection),
		attribute.Float64("threshold", o.threshold),
	)
	defer span.End()

	miss := Result{Query: query}

	if _, err := e.verify(ctx); err != nil {
		if errs.Is(err, errs.NotFound) {
			e.obs.Log().Debug().Str("collection", e.cfg.Collection).Msg("cache collection missing, treating as miss")
			e.bus.Emit(events.CacheMiss, e.cfg.Collection, map[string]any{"query": query})
			return miss, nil
		}
		return miss, e.obs.Fail(span, err)
	}

	vec, err := e.emb.Embed(ctx, query)
	if err != nil {
		e.obs.Log().Error().Str("provider", e.emb.Name()).Err(err).Msg("embedding failed")
		return miss, e.obs.Fail(span, err)
	}

	req, err := hybrid.Plan(vec, hybrid.Predicates{}, 1, o.threshold)
	if err != nil {
		return miss, e.obs.Fail(span, err)
	}

	hits, err := e.search(ctx, req)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return miss, nil
		}
		e.obs.Log().Error().Str("collection", e.cfg.Collection).Err(err).Msg("cache search failed")
		return miss, e.obs.Fail(span, err)
	}

	if len(hits) == 0 || float64(hits[0].Score) < o.threshold {
		span.SetAttributes(attribute.Bool("hit", false))
		e.obs.Log().Info().Str("collection", e.cfg.Collection).Msg("cache miss")
		e.bus.Emit(events.CacheMiss, e.cfg.Collection, map[string]any{"query": query})
		return miss, nil
	}

	res, err := decodeHit(hits[0])
	if err != nil {
		return miss, e.obs.Fail(span, err)
	}
	span.SetAttributes(attribute.Bool("hit", true), attribute.Float64("score", res.Score))
	e.obs.Log().Info().Str("collection", e.cfg.Collection).Str("id", res.ID).Int("tokens_saved", res.TokensSaved).Msg("cache hit")
	e.bus.Emit(events.CacheHit, e.cfg.Collection, map[string]any{
		"id":           res.ID,
		"score":        res.Score,
		"tokens_saved": res.TokensSaved,
	})
	return res, nil
}

// Metadata accompanies a stored answer.
type Metadata struct {
	Model   string
	Project string
	// Extra payload fields. Reserved keys are ignored.
	Extra map[string]any
}

// Stored confirms a cache write.
type Stored struct {
	Status     string    `json:"status"`
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	TokenCount int       `json:"token_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store records response as the answer to query, replacing any earlier
// answer to exactly the same query.
func (e *Engine) Store(ctx context.Context, query, response string, meta Metadata) (Stored, error) {
	const op = "cache.store"
	ctx, span := e.obs.StartSpan(ctx, "cache.Store", attribute.String("collection", e.cfg.Collection))
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return Stored{}, e.obs.Fail(span, errs.E(errs.Invalid, op, "query must not be empty"))
	}
	if _, err := e.verify(ctx); err != nil {
		return Stored{}, e.obs.Fail(span, err)
	}

	vec, err := e.emb.Embed(ctx, query)
	if err != nil {
		e.obs.Log().Error().Str("provider", e.emb.Name()).Err(err).Msg("embedding failed")
		return Stored{}, e.obs.Fail(span, err)
	}

	now := e.now()
	tokens := TokenCount(response)
	payload := vectorstore.Payload{}
	for k, v := range meta.Extra {
		payload[k] = v
	}
	payload["type"] = EntryType
	payload["query"] = query
	payload["response"] = response
	payload["timestamp"] = now.Format(time.RFC3339Nano)
	payload["model"] = meta.Model
	payload["token_count"] = tokens
	if meta.Project != "" {
		payload["project"] = meta.Project
	}

	id := EntryID(query)
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.store.Upsert(sctx, e.cfg.Collection, vectorstore.Point{ID: id, Vector: vec, Payload: payload}); err != nil {
		e.obs.Log().Error().Str("collection", e.cfg.Collection).Err(err).Msg("cache store failed")
		return Stored{}, e.obs.Fail(span, err)
	}

	e.obs.Log().Info().Str("collection", e.cfg.Collection).Str("id", id).Int("token_count", tokens).Msg("cache entry stored")
	e.bus.Emit(events.CacheStored, e.cfg.Collection, map[string]any{"id": id, "token_count": tokens})
	return Stored{Status: "stored", ID: id, Collection: e.cfg.Collection, TokenCount: tokens, Timestamp: now}, nil
}

// Eviction reports a delete sweep.
type Eviction struct {
	Status  string    `json:"status"`
	Deleted int       `json:"deleted"`
	Cutoff  time.Time `json:"cutoff,omitzero"`
}

// Evict deletes cache entries whose timestamp is before now-olderThan.
// Entries of other types in the same collection are never touched.
func (e *Engine) Evict(ctx context.Context, olderThan time.Duration) (Eviction, error) {
	const op = "cache.evict"
	ctx, span := e.obs.StartSpan(ctx, "cache.Evict",
		attribute.String("collection", e.cfg.Collection),
		attribute.String("older_than", olderThan.String()),
	)
	defer span.End()

	if olderThan < 0 {
		return Eviction{}, e.obs.Fail(span, errs.E(errs.Invalid, op, "older_than must not be negative, got %s", olderThan))
	}

	cutoff := e.now().Add(-olderThan)
	n, err := e.delete(ctx, vectorstore.Filter{Must: []vectorstore.Condition{
		vectorstore.Before("timestamp", cutoff),
		vectorstore.MatchValue("type", EntryType),
	}})
	if err != nil {
		return Eviction{}, e.obs.Fail(span, err)
	}

	e.obs.Log().Info().Str("collection", e.cfg.Collection).Int("deleted", n).Str("cutoff", cutoff.Format(time.RFC3339)).Msg("cache evicted")
	e.bus.Emit(events.CacheEvicted, e.cfg.Collection, map[string]any{"deleted": n, "cutoff": cutoff})
	return Eviction{Status: "cleared", Deleted: n, Cutoff: cutoff}, nil
}

// Clear deletes every cache entry regardless of age.
func (e *Engine) Clear(ctx context.Context) (Eviction, error) {
	ctx, span := e.obs.StartSpan(ctx, "cache.Clear", attribute.String("collection", e.cfg.Collection))
	defer span.End()

	n, err := e.delete(ctx, vectorstore.Filter{Must: []vectorstore.Condition{
		vectorstore.MatchValue("type", EntryType),
	}})
	if err != nil {
		return Eviction{}, e.obs.Fail(span, err)
	}

	e.obs.Log().Info().Str("collection", e.cfg.Collection).Int("deleted", n).Msg("cache cleared")
	e.bus.Emit(events.CacheEvicted, e.cfg.Collection, map[string]any{"deleted": n})
	return Eviction{Status: "cleared", Deleted: n}, nil
}

// EntryID is the deterministic id of the entry for query.
func EntryID(query string) string {
	return uuid.NewMD5(namespace, []byte(query)).String()
}

// TokenCount estimates tokens as whitespace separated words.
func TokenCount(s string) int {
	return len(strings.Fields(s))
}

func (e *Engine) verify(ctx context.Context) (vectorstore.Collection, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return collection.Verify(ctx, e.store, e.cfg.Collection, e.emb.Dimension(), collection.Cache)
}

func (e *Engine) search(ctx context.Context, req vectorstore.SearchRequest) ([]vectorstore.ScoredPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return e.store.Search(ctx, e.cfg.Collection, req)
}

func (e *Engine) delete(ctx context.Context, f vectorstore.Filter) (int, error) {
	if _, err := e.verify(ctx); err != nil {
		if errs.Is(err, errs.NotFound) {
			return 0, nil
		}
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	n, err := e.store.Delete(ctx, e.cfg.Collection, f)
	if err != nil {
		e.obs.Log().Error().Str("collection", e.cfg.Collection).Err(err).Msg("cache delete failed")
	}
	return n, err
}

func decodeHit(p vectorstore.ScoredPoint) (Result, error) {
	const op = "cache.decode"
	response, ok := p.Payload["response"].(string)
	if !ok {
		return Result{}, errs.E(errs.Malformed, op, "entry %s has no response", p.ID)
	}
	res := Result{
		Hit:      true,
		ID:       p.ID,
		Score:    float64(p.Score),
		Response: response,
	}
	res.Query, _ = p.Payload["query"].(string)
	res.Model, _ = p.Payload["model"].(string)
	res.Project, _ = p.Payload["project"].(string)
	if ts, ok := p.Payload["timestamp"].(string); ok {
		res.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if n, ok := p.Payload["token_count"].(float64); ok {
		res.TokensSaved = int(n)
	}
	return res, nil
}
