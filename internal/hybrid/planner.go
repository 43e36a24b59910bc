// Package hybrid combines a similarity query with structured include and
// exclude predicates into one vector store lookup.
package hybrid

import (
	"sort"
	"strings"

	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/felixgeelhaar/recall/internal/vectorstore"
)

// Predicates are the structured half of a hybrid query.
type Predicates struct {
	// Include fields must equal the value (AND).
	Include map[string]any
	// Exclude fields must not equal the value (AND of negations).
	Exclude map[string]any
	// AnyOf fields must contain at least one of the values.
	AnyOf map[string][]string
}

// IsEmpty reports whether no predicate is set.
func (p Predicates) IsEmpty() bool {
	return len(p.Include) == 0 && len(p.Exclude) == 0 && len(p.AnyOf) == 0
}

// Plan builds the store query. It performs no I/O. With no predicates the
// request carries a nil Filter, i.e. a pure similarity search.
func Plan(vector []float32, preds Predicates, topK int, threshold float64) (vectorstore.SearchRequest, error) {
	const op = "hybrid.plan"
	if topK < 1 {
		return vectorstore.SearchRequest{}, errs.E(errs.Invalid, op, "top_k must be at least 1, got %d", topK)
	}
	if threshold < 0 || threshold > 1 {
		return vectorstore.SearchRequest{}, errs.E(errs.Invalid, op, "threshold must be within [0,1], got %v", threshold)
	}

	return vectorstore.SearchRequest{
		Vector:         vector,
		Limit:          topK,
		ScoreThreshold: float32(threshold),
		Filter:         Filter(preds),
	}, nil
}

// Filter renders preds as a store filter, with conditions ordered by key. It
// returns nil when no predicate is set.
func Filter(preds Predicates) *vectorstore.Filter {
	if preds.IsEmpty() {
		return nil
	}
	f := &vectorstore.Filter{}
	for _, k := range sortedKeys(preds.Include) {
		f.Must = append(f.Must, vectorstore.MatchValue(k, preds.Include[k]))
	}
	for _, k := range sortedKeys(preds.AnyOf) {
		if len(preds.AnyOf[k]) == 0 {
			continue
		}
		f.Must = append(f.Must, vectorstore.MatchAny(k, preds.AnyOf[k]...))
	}
	for _, k := range sortedKeys(preds.Exclude) {
		f.MustNot = append(f.MustNot, vectorstore.MatchValue(k, preds.Exclude[k]))
	}
	if f.IsEmpty() {
		return nil
	}
	return f
}

// ParsePairs turns "key=value" strings into a predicate map, splitting on the
// first '=' and trimming whitespace. Entries without a key or '=' are
// skipped.
func ParsePairs(pairs []string) map[string]any {
	out := make(map[string]any)
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
