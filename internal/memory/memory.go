// Package memory is the long-term store of typed text items (decisions,
// code notes, errors, conversations) retrieved by meaning, so a caller can
// include a few relevant chunks instead of a whole history.
package memory

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

// Type categorises a memory item.
type Type string

const (
	Decision     Type = "decision"
	Code         Type = "code"
	Error        Type = "error"
	Conversation Type = "conversation"
	Technical    Type = "technical"
)

// Types lists every valid Type.
var Types = []Type{Decision, Code, Error, Conversation, Technical}

// ParseType validates s as a Type.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", errs.E(errs.Invalid, "memory.type",
		"unknown memory type %q (want decision, code, error, conversation or technical)", s)
}

const (
	DefaultTopK      = 5
	DefaultThreshold = 0.7
	DefaultListLimit = 20
	previewLen       = 200
)

// Settings configure an Engine.
type Settings struct {
	Collection string
	TopK       int
	// Threshold is nil for DefaultThreshold; zero is a valid threshold.
	Threshold    *float64
	Distance     vectorstore.Distance
	StoreTimeout time.Duration
}

// Engine stores and retrieves memory items. Safe for concurrent use.
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
// take the package defaults.
func New(s vectorstore.Store, e embed.Embedder, o *observe.Observer, cfg Settings) *Engine {
	if cfg.Collection == "" {
		cfg.Collection = "agent_memory"
	}
	if cfg.TopK == 0 {
		cfg.TopK = DefaultTopK
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

// Collection returns the memory collection name.
func (e *Engine) Collection() string {
	return e.cfg.Collection
}

// Init creates the memory collection sized for the embedding provider.
func (e *Engine) Init(ctx context.Context) (collection.Status, error) {
	ctx, span := e.obs.StartSpan(ctx, "memory.Init", attribute.String("collection", e.cfg.Collection))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	status, err := collection.Ensure(ctx, e.store, collection.Spec{
		Name:      e.cfg.Collection,
		Dimension: e.emb.Dimension(),
		Distance:  e.cfg.Distance,
		Content:   collection.Memory,
	})
	if err != nil {
		e.obs.Log().Error().Str("collection", e.cfg.Collection).Err(err).Msg("memory init failed")
		return status, e.obs.Fail(span, err)
	}
	e.obs.Log().Info().Str("collection", e.cfg.Collection).Str("status", string(status)).Msg("memory collection ready")
	return status, nil
}

// Filters narrow retrieval and listing. Zero values are ignored.
type Filters struct {
	Type    Type
	Project string
	Tags    []string
}

// BuildFilter turns f into a store filter: equality on type and project,
// contains-any on tags. It returns nil when no filter is set.
func BuildFilter(f Filters) *vectorstore.Filter {
	preds := hybrid.Predicates{Include: map[string]any{}}
	if f.Type != "" {
		preds.Include["type"] = string(f.Type)
	}
	if f.Project != "" {
		preds.Include["project"] = f.Project
	}
	if len(f.Tags) > 0 {
		preds.AnyOf = map[string][]string{"tags": f.Tags}
	}
	return hybrid.Filter(preds)
}

// Item is one retrieved memory chunk.
type Item struct {
	ID            string    `json:"id"`
	Score         float64   `json:"score"`
	Content       string    `json:"content"`
	Type          Type      `json:"type,omitempty"`
	Project       string    `json:"project,omitempty"`
	Tags          []string  `json:"tags"`
	Timestamp     time.Time `json:"timestamp,omitzero"`
	TokenEstimate int       `json:"token_estimate"`
}

// Retrieval is the result of Retrieve.
type Retrieval struct {
	Query       string `json:"query"`
	Items       []Item `json:"chunks"`
	Total       int    `json:"total_chunks"`
	TotalTokens int    `json:"total_tokens_estimate"`
	// Truncated is set when the token budget cut ranked items off.
	Truncated bool `json:"truncated,omitempty"`
}

type retrieveOptions struct {
	filters   Filters
	topK      int
	threshold float64
	budget    int
}

// RetrieveOption adjusts a single Retrieve.
type RetrieveOption func(*retrieveOptions)

func WithFilters(f Filters) RetrieveOption {
	return func(o *retrieveOptions) { o.filters = f }
}

func WithTopK(k int) RetrieveOption {
	return func(o *retrieveOptions) { o.topK = k }
}

func WithThreshold(t float64) RetrieveOption {
	return func(o *retrieveOptions) { o.threshold = t }
}

// WithTokenBudget caps the summed token estimate of the result. Items are
// kept in rank order up to the first one that does not fit. Zero means no
// cap.
func WithTokenBudget(tokens int) RetrieveOption {
	return func(o *retrieveOptions) { o.budget = tokens }
}

// Retrieve returns up to top_k items relevant to query, best first. Nothing
// relevant enough yields an empty Retrieval.
func (e *Engine) Retrieve(ctx context.Context, query string, opts ...RetrieveOption) (Retrieval, error) {
	o := retrieveOptions{topK: e.cfg.TopK, threshold: e.threshold}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := e.obs.StartSpan(ctx, "memory.Retrieve",
		attribute.String("collection", e.cfg.Collection),
		attribute.Int("top_k", o.topK),
		attribute.Float64("threshold", o.threshold),
	)
	defer span.End()

	out := Retrieval{Query: query, Items: []Item{}}
	if o.budget < 0 {
		return out, e.obs.Fail(span, errs.E(errs.Invalid, "memory.retrieve", "token budget must not be negative"))
	}

	c, err := e.verify(ctx)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return out, nil
		}
		return out, e.obs.Fail(span, err)
	}

	vec, err := e.emb.Embed(ctx, query)
	if err != nil {
		e.obs.Log().Error().Str("provider", e.emb.Name()).Err(err).Msg("embedding failed")
		return out, e.obs.Fail(span, err)
	}

	req, err := hybrid.Plan(vec, hybrid.Predicates{}, o.topK, o.threshold)
	if err != nil {
		return out, e.obs.Fail(span, err)
	}
	req.Filter = e.scope(c, o.filters)

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	hits, err := e.store.Search(sctx, e.cfg.Collection, req)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return out, nil
		}
		e.obs.Log().Error().Str("collection", e.cfg.Collection).Err(err).Msg("memory search failed")
		return out, e.obs.Fail(span, err)
	}

	for _, h := range hits {
		it := decodeItem(h.ID, h.Payload)
		it.Score = float64(h.Score)
		if o.budget > 0 && out.TotalTokens+it.TokenEstimate > o.budget {
			out.Truncated = true
			break
		}
		out.Items = append(out.Items, it)
		out.TotalTokens += it.TokenEstimate
	}
	out.Total = len(out.Items)

	e.obs.Log().Info().Str("collection", e.cfg.Collection).Int("chunks", out.Total).Int("tokens", out.TotalTokens).Msg("memory retrieved")
	e.bus.Emit(events.MemoryRetrieved, e.cfg.Collection, map[string]any{"chunks": out.Total, "tokens": out.TotalTokens})
	return out, nil
}

// Metadata accompanies a stored item.
type Metadata struct {
	Project string
	Tags    []string
	// Extra payload fields. Reserved keys are ignored.
	Extra map[string]any
}

// Stored confirms a memory write.
type Stored struct {
	Status     string `json:"status"`
	ID         string `json:"point_id"`
	Type       Type   `json:"type"`
	TokenCount int    `json:"token_count"`
}

// Store adds a new item under a fresh random id. Items are never
// overwritten.
func (e *Engine) Store(ctx context.Context, content string, typ Type, meta Metadata) (Stored, error) {
	const op = "memory.store"
	ctx, span := e.obs.StartSpan(ctx, "memory.Store",
		attribute.String("collection", e.cfg.Collection),
		attribute.String("type", string(typ)),
	)
	defer span.End()

	if _, err := ParseType(string(typ)); err != nil {
		return Stored{}, e.obs.Fail(span, err)
	}
	if strings.TrimSpace(content) == "" {
		return Stored{}, e.obs.Fail(span, errs.E(errs.Invalid, op, "content must not be empty"))
	}
	if _, err := e.verify(ctx); err != nil {
		return Stored{}, e.obs.Fail(span, err)
	}

	vec, err := e.emb.Embed(ctx, content)
	if err != nil {
		e.obs.Log().Error().Str("provider", e.emb.Name()).Err(err).Msg("embedding failed")
		return Stored{}, e.obs.Fail(span, err)
	}

	tokens := len(strings.Fields(content))
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}
	payload := vectorstore.Payload{}
	for k, v := range meta.Extra {
		payload[k] = v
	}
	payload["content"] = content
	payload["type"] = string(typ)
	payload["tags"] = tags
	payload["timestamp"] = e.now().Format(time.RFC3339Nano)
	payload["token_count"] = tokens
	if meta.Project != "" {
		payload["project"] = meta.Project
	}

	id := uuid.NewString()
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.store.Upsert(sctx, e.cfg.Collection, vectorstore.Point{ID: id, Vector: vec, Payload: payload}); err != nil {
		e.obs.Log().Error().Str("collection", e.cfg.Collection).Err(err).Msg("memory store failed")
		return Stored{}, e.obs.Fail(span, err)
	}

	e.obs.Log().Info().Str("collection", e.cfg.Collection).Str("id", id).Str("type", string(typ)).Msg("memory stored")
	e.bus.Emit(events.MemoryStored, e.cfg.Collection, map[string]any{"id": id, "type": string(typ), "token_count": tokens})
	return Stored{Status: "stored", ID: id, Type: typ, TokenCount: tokens}, nil
}

// ListOptions page through items.
type ListOptions struct {
	Filters Filters
	Limit   int
	Offset  string
}

// Summary is a listed item with a content preview.
type Summary struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type,omitempty"`
	ContentPreview string    `json:"content_preview"`
	Project        string    `json:"project,omitempty"`
	Tags           []string  `json:"tags"`
	Timestamp      time.Time `json:"timestamp,omitzero"`
}

// Listing is one page of List.
type Listing struct {
	Items      []Summary `json:"memories"`
	Count      int       `json:"count"`
	HasMore    bool      `json:"has_more"`
	NextOffset string    `json:"next_offset,omitempty"`
}

// List pages through items in id order without ranking.
func (e *Engine) List(ctx context.Context, opts ListOptions) (Listing, error) {
	if opts.Limit == 0 {
		opts.Limit = DefaultListLimit
	}
	ctx, span := e.obs.StartSpan(ctx, "memory.List",
		attribute.String("collection", e.cfg.Collection),
		attribute.Int("limit", opts.Limit),
	)
	defer span.End()

	out := Listing{Items: []Summary{}}

	c, err := e.verify(ctx)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return out, nil
		}
		return out, e.obs.Fail(span, err)
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	page, err := e.store.Scroll(sctx, e.cfg.Collection, vectorstore.ScrollRequest{
		Filter: e.scope(c, opts.Filters),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return out, nil
		}
		return out, e.obs.Fail(span, err)
	}

	for _, p := range page.Points {
		it := decodeItem(p.ID, p.Payload)
		out.Items = append(out.Items, Summary{
			ID:             it.ID,
			Type:           it.Type,
			ContentPreview: preview(it.Content),
			Project:        it.Project,
			Tags:           it.Tags,
			Timestamp:      it.Timestamp,
		})
	}
	out.Count = len(out.Items)
	out.NextOffset = page.NextOffset
	out.HasMore = page.NextOffset != ""
	return out, nil
}

// Delete removes the items with the given ids and reports how many existed.
func (e *Engine) Delete(ctx context.Context, ids ...string) (int, error) {
	const op = "memory.delete"
	ctx, span := e.obs.StartSpan(ctx, "memory.Delete", attribute.String("collection", e.cfg.Collection))
	defer span.End()

	if len(ids) == 0 {
		return 0, e.obs.Fail(span, errs.E(errs.Invalid, op, "no ids given"))
	}
	if _, err := e.verify(ctx); err != nil {
		return 0, e.obs.Fail(span, err)
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	n, err := e.store.Delete(sctx, e.cfg.Collection, vectorstore.Filter{Must: []vectorstore.Condition{vectorstore.HasIDs(ids...)}})
	if err != nil {
		e.obs.Log().Error().Str("collection", e.cfg.Collection).Err(err).Msg("memory delete failed")
		return 0, e.obs.Fail(span, err)
	}

	e.obs.Log().Info().Str("collection", e.cfg.Collection).Int("deleted", n).Msg("memory deleted")
	e.bus.Emit(events.MemoryDeleted, e.cfg.Collection, map[string]any{"deleted": n})
	return n, nil
}

func (e *Engine) verify(ctx context.Context) (vectorstore.Collection, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	return collection.Verify(ctx, e.store, e.cfg.Collection, e.emb.Dimension(), collection.Memory)
}

// scope adds the caller's filters and, in an untyped collection, hides
// cache entries.
func (e *Engine) scope(c vectorstore.Collection, f Filters) *vectorstore.Filter {
	filter := BuildFilter(f)
	if c.Content != "" {
		return filter
	}
	if filter == nil {
		filter = &vectorstore.Filter{}
	}
	filter.MustNot = append(filter.MustNot, vectorstore.MatchValue("type", collection.Cache))
	return filter
}

func decodeItem(id string, p vectorstore.Payload) Item {
	it := Item{ID: id, Tags: []string{}}
	it.Content, _ = p["content"].(string)
	if t, ok := p["type"].(string); ok {
		it.Type = Type(t)
	}
	it.Project, _ = p["project"].(string)
	if ts, ok := p["timestamp"].(string); ok {
		it.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if raw, ok := p["tags"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				it.Tags = append(it.Tags, s)
			}
		}
	}
	it.TokenEstimate = len(strings.Fields(it.Content))
	return it
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "..."
}
