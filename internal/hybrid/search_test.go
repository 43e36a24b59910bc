package hybrid

import (
	"context"
	"fmt"
	"testing"

	"github.com/felixgeelhaar/recall/internal/collection"
	"github.com/felixgeelhaar/recall/internal/embed"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/felixgeelhaar/recall/internal/events"
	"github.com/felixgeelhaar/recall/internal/observe"
	"github.com/felixgeelhaar/recall/internal/vectorstore"
)

const dim = 32

const query = "kubernetes deployment failed"

// seed stores points that all share the query's vector, so only the
// predicates decide what comes back.
func seed(t *testing.T) (*Searcher, vectorstore.Store) {
	t.Helper()
	ctx := context.Background()
	store := vectorstore.NewMemoryStore()
	emb := embed.NewStub(dim)
	if _, err := collection.Ensure(ctx, store, collection.Spec{Name: "agent_memory", Dimension: dim, Content: collection.Memory}); err != nil {
		t.Fatal(err)
	}
	vec, _ := emb.Embed(ctx, query)

	payloads := []vectorstore.Payload{
		{"content": "pull failed", "type": "error", "project": "api", "error_code": "ImagePullBackOff", "namespace": "production", "tags": []string{"k8s"}},
		{"content": "pull failed in staging", "type": "error", "project": "api", "error_code": "ImagePullBackOff", "namespace": "staging"},
		{"content": "crash loop", "type": "error", "project": "web", "error_code": "CrashLoopBackOff", "namespace": "production"},
		{"content": "rollout decision", "type": "decision", "project": "web", "namespace": "production"},
		{"content": "resolved pull failure", "type": "error", "project": "api", "error_code": "ImagePullBackOff", "namespace": "production", "status": "resolved"},
	}
	for i, p := range payloads {
		if err := store.Upsert(ctx, "agent_memory", vectorstore.Point{ID: fmt.Sprintf("p%d", i), Vector: vec, Payload: p}); err != nil {
			t.Fatal(err)
		}
	}
	return NewSearcher(store, emb, observe.Discard(), "agent_memory", Defaults{}), store
}

func TestSearcher_Semantic(t *testing.T) {
	s, _ := seed(t)
	res, err := s.Search(context.Background(), query, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != ModeSemantic {
		t.Errorf("Expected semantic mode, got %s", res.Mode)
	}
	if res.Total != 5 || len(res.Results) != 5 {
		t.Errorf("Expected all 5 points, got %d", res.Total)
	}
	if res.Results[0].ID != "p0" || res.Results[0].Score < 0.99 {
		t.Errorf("Expected tie broken by id with full score, got %+v", res.Results[0])
	}
	if len(res.Results[0].Tags) != 1 || res.Results[0].Tags[0] != "k8s" {
		t.Errorf("Expected tags decoded, got %v", res.Results[0].Tags)
	}
}

func TestSearcher_FilterConjunction(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		include map[string]any
		exclude map[string]any
		want    []string
		mode    string
	}{
		{"Include", map[string]any{"error_code": "ImagePullBackOff"}, nil, []string{"p0", "p1", "p4"}, ModeHybrid},
		{"IncludeAll", map[string]any{"error_code": "ImagePullBackOff", "namespace": "production"}, nil, []string{"p0", "p4"}, ModeHybrid},
		{"Exclude", map[string]any{"error_code": "ImagePullBackOff", "namespace": "production"}, map[string]any{"status": "resolved"}, []string{"p0"}, ModeHybrid},
		{"ExcludeOnly", nil, map[string]any{"type": "error"}, []string{"p3"}, ModeSemantic},
		{"NoMatch", map[string]any{"namespace": "dev"}, nil, nil, ModeHybrid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := s.Search(ctx, query, Query{Include: tc.include, Exclude: tc.exclude})
			if err != nil {
				t.Fatal(err)
			}
			if res.Mode != tc.mode {
				t.Errorf("Expected %s mode, got %s", tc.mode, res.Mode)
			}
			if len(res.Results) != len(tc.want) {
				t.Fatalf("Expected %v, got %d results", tc.want, len(res.Results))
			}
			for i, h := range res.Results {
				if h.ID != tc.want[i] {
					t.Errorf("Result %d: expected %s, got %s", i, tc.want[i], h.ID)
				}
			}
		})
	}
}

func TestSearcher_MatchedFilters(t *testing.T) {
	s, _ := seed(t)
	include := map[string]any{"namespace": "staging"}
	res, err := s.Search(context.Background(), query, Query{Include: include})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Results[0].MatchedFilters["namespace"] != "staging" {
		t.Errorf("Unexpected result %+v", res)
	}
	if res.Filters["namespace"] != "staging" {
		t.Errorf("Expected filters echoed, got %v", res.Filters)
	}
}

func TestSearcher_TopKAndThreshold(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()

	res, err := s.Search(ctx, query, Query{TopK: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 {
		t.Errorf("Expected 2 results, got %d", res.Total)
	}

	res, err = s.Search(ctx, "completely unrelated words here", Query{Threshold: ptr(0.99)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 0 {
		t.Errorf("Expected no results above 0.99, got %d", res.Total)
	}

	if _, err := s.Search(ctx, query, Query{TopK: -1}); !errs.Is(err, errs.Invalid) {
		t.Errorf("Expected Invalid for negative top_k, got %v", err)
	}
}

func TestSearcher_MissingCollection(t *testing.T) {
	s := NewSearcher(vectorstore.NewMemoryStore(), embed.NewStub(dim), nil, "absent", Defaults{})
	res, err := s.Search(context.Background(), query, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 0 || res.Results == nil {
		t.Errorf("Expected empty result, got %+v", res)
	}
}

func TestSearcher_DimensionMismatch(t *testing.T) {
	_, store := seed(t)
	s := NewSearcher(store, embed.NewStub(dim*2), nil, "agent_memory", Defaults{})
	if _, err := s.Search(context.Background(), query, Query{}); !errs.Is(err, errs.Config) {
		t.Errorf("Expected Config error, got %v", err)
	}
}

func TestSearcher_Event(t *testing.T) {
	s, _ := seed(t)
	bus := events.NewBus()
	var got events.Event
	bus.Subscribe(events.HybridSearch, func(e events.Event) { got = e })
	s.SetBus(bus)

	s.Search(context.Background(), query, Query{Include: map[string]any{"project": "web"}})
	if got.Data["mode"] != ModeHybrid || got.Data["results"] != 2 {
		t.Errorf("Unexpected event %+v", got)
	}
}

func ptr(f float64) *float64 { return &f }

func TestNewSearcher_ZeroThreshold(t *testing.T) {
	if s := NewSearcher(vectorstore.NewMemoryStore(), embed.NewStub(dim), nil, "agent_memory", Defaults{}); s.threshold != DefaultThreshold {
		t.Errorf("Expected default threshold, got %v", s.threshold)
	}
	if s := NewSearcher(vectorstore.NewMemoryStore(), embed.NewStub(dim), nil, "agent_memory", Defaults{Threshold: ptr(0)}); s.threshold != 0 {
		t.Errorf("Expected explicit zero threshold kept, got %v", s.threshold)
	}
}
