package embed

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/felixgeelhaar/recall/internal/errs"
)

// StubDimension is the stub's vector length unless configured otherwise.
const StubDimension = 384

const conceptWeight = 3

// Stub is a deterministic offline embedder: a signed, hashed bag of words,
// unit normalised. Words listed in the concept lexicon also add a heavier
// shared component, which lets related wording land close together.
type Stub struct {
	dim      int
	lexicon  map[string]string
	// concepts own the top dimensions; words hash into the rest.
	concepts map[string]int
	wordDims int
}

// StubOption configures a Stub.
type StubOption func(*Stub)

// WithLexicon maps lowercase words to concept labels. Words sharing a
// concept embed closer together.
func WithLexicon(lexicon map[string]string) StubOption {
	return func(s *Stub) {
		for w, c := range lexicon {
			s.lexicon[strings.ToLower(w)] = c
		}
	}
}

// NewStub returns a stub producing dim-length vectors, StubDimension when
// dim is not positive.
func NewStub(dim int, opts ...StubOption) *Stub {
	if dim <= 0 {
		dim = StubDimension
	}
	s := &Stub{dim: dim, lexicon: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}

	var labels []string
	seen := make(map[string]bool)
	for _, c := range s.lexicon {
		if !seen[c] {
			seen[c] = true
			labels = append(labels, c)
		}
	}
	sort.Strings(labels)
	if len(labels) > dim/4 {
		labels = labels[:dim/4]
	}
	s.concepts = make(map[string]int, len(labels))
	for i, c := range labels {
		s.concepts[c] = dim - 1 - i
	}
	s.wordDims = dim - len(labels)
	return s
}

func (s *Stub) Name() string   { return "stub" }
func (s *Stub) Model() string  { return "hashed-bow" }
func (s *Stub) Dimension() int { return s.dim }

func (s *Stub) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Transport("stub.embed", err)
	}

	acc := make([]float64, s.dim)
	for _, word := range tokenize(text) {
		s.addWord(acc, word)
		if idx, ok := s.concepts[s.lexicon[word]]; ok {
			acc[idx] += conceptWeight
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	out := make([]float32, s.dim)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (s *Stub) Health(ctx context.Context) Health {
	return Health{Available: true, Provider: s.Name(), Model: s.Model(), Dimension: s.dim, Status: StatusOK}
}

func (s *Stub) addWord(acc []float64, word string) {
	h := fnv.New64a()
	h.Write([]byte(word))
	sum := h.Sum64()
	idx := int(sum % uint64(s.wordDims))
	if sum>>63 == 1 {
		acc[idx]--
		return
	}
	acc[idx]++
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
