package hybrid

import (
	"context"
	"time"

	"github.com/felixgeelhaar/recall/internal/collection"
	"github.com/felixgeelhaar/recall/internal/embed"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/felixgeelhaar/recall/internal/events"
	"github.com/felixgeelhaar/recall/internal/observe"
	"github.com/felixgeelhaar/recall/internal/vectorstore"
	"go.opentelemetry.io/otel/attribute"
)

const (
	ModeHybrid   = "hybrid"
	ModeSemantic = "semantic"
)

// DefaultThreshold is the similarity floor when none is configured.
const DefaultThreshold = 0.6

// Defaults for a Query.
type Defaults struct {
	TopK int
	// Threshold is nil for DefaultThreshold.
	Threshold    *float64
	StoreTimeout time.Duration
}

// Query is a hybrid search request. Zero TopK and a nil Threshold take the
// searcher's defaults.
type Query struct {
	Include   map[string]any
	Exclude   map[string]any
	TopK      int
	Threshold *float64
}

// Hit is one search result.
type Hit struct {
	ID             string         `json:"id"`
	Score          float64        `json:"score"`
	Content        string         `json:"content"`
	Type           string         `json:"type,omitempty"`
	Project        string         `json:"project,omitempty"`
	Tags           []string       `json:"tags"`
	Timestamp      string         `json:"timestamp,omitempty"`
	MatchedFilters map[string]any `json:"matched_filters"`
}

// Result of a Search.
type Result struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"keyword_filters"`
	Results []Hit          `json:"results"`
	Total   int            `json:"total"`
	Mode    string         `json:"search_type"`
}

// Searcher runs hybrid queries against one collection.
type Searcher struct {
	store      vectorstore.Store
	emb        embed.Embedder
	obs        *observe.Observer
	bus        *events.Bus
	collection string
	defaults   Defaults
	threshold  float64
}

// NewSearcher returns a Searcher over collection coll.
func NewSearcher(s vectorstore.Store, e embed.Embedder, o *observe.Observer, coll string, d Defaults) *Searcher {
	if d.TopK == 0 {
		d.TopK = 10
	}
	if d.StoreTimeout == 0 {
		d.StoreTimeout = 30 * time.Second
	}
	if o == nil {
		o = observe.Discard()
	}
	threshold := DefaultThreshold
	if d.Threshold != nil {
		threshold = *d.Threshold
	}
	return &Searcher{store: s, emb: e, obs: o, collection: coll, defaults: d, threshold: threshold}
}

// SetBus attaches an event bus.
func (s *Searcher) SetBus(b *events.Bus) {
	s.bus = b
}

// Search embeds text and returns the closest items that also satisfy every
// include and exclude predicate.
func (s *Searcher) Search(ctx context.Context, text string, q Query) (Result, error) {
	if q.TopK == 0 {
		q.TopK = s.defaults.TopK
	}
	threshold := s.threshold
	if q.Threshold != nil {
		threshold = *q.Threshold
	}
	preds := Predicates{Include: q.Include, Exclude: q.Exclude}

	// Mode reflects keyword includes only; excludes narrow a semantic search.
	out := Result{Query: text, Filters: q.Include, Results: []Hit{}, Mode: ModeSemantic}
	if len(q.Include) > 0 {
		out.Mode = ModeHybrid
	}
	if out.Filters == nil {
		out.Filters = map[string]any{}
	}

	ctx, span := s.obs.StartSpan(ctx, "hybrid.Search",
		attribute.String("collection", s.collection),
		attribute.String("mode", out.Mode),
		attribute.Int("top_k", q.TopK),
		attribute.Float64("threshold", threshold),
	)
	defer span.End()

	vctx, cancel := context.WithTimeout(ctx, s.defaults.StoreTimeout)
	_, err := collection.Verify(vctx, s.store, s.collection, s.emb.Dimension(), "")
	cancel()
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return out, nil
		}
		return out, s.obs.Fail(span, err)
	}

	vec, err := s.emb.Embed(ctx, text)
	if err != nil {
		s.obs.Log().Error().Str("provider", s.emb.Name()).Err(err).Msg("embedding failed")
		return out, s.obs.Fail(span, err)
	}

	req, err := Plan(vec, preds, q.TopK, threshold)
	if err != nil {
		return out, s.obs.Fail(span, err)
	}

	sctx, cancel := context.WithTimeout(ctx, s.defaults.StoreTimeout)
	defer cancel()
	hits, err := s.store.Search(sctx, s.collection, req)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return out, nil
		}
		s.obs.Log().Error().Str("collection", s.collection).Err(err).Msg("hybrid search failed")
		return out, s.obs.Fail(span, err)
	}

	for _, h := range hits {
		out.Results = append(out.Results, decodeHit(h, out.Filters))
	}
	out.Total = len(out.Results)

	s.obs.Log().Info().Str("collection", s.collection).Str("mode", out.Mode).Int("results", out.Total).Msg("hybrid search")
	s.bus.Emit(events.HybridSearch, s.collection, map[string]any{"mode": out.Mode, "results": out.Total})
	return out, nil
}

func decodeHit(h vectorstore.ScoredPoint, matched map[string]any) Hit {
	hit := Hit{ID: h.ID, Score: float64(h.Score), Tags: []string{}, MatchedFilters: matched}
	hit.Content, _ = h.Payload["content"].(string)
	hit.Type, _ = h.Payload["type"].(string)
	hit.Project, _ = h.Payload["project"].(string)
	hit.Timestamp, _ = h.Payload["timestamp"].(string)
	if tags, ok := h.Payload["tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				hit.Tags = append(hit.Tags, s)
			}
		}
	}
	return hit
}
