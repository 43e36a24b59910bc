package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func floats(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = float64(i%7) / 7
	}
	return v
}

func TestNew(t *testing.T) {
	t.Run("Unknown", func(t *testing.T) {
		_, err := New(config.EmbeddingConfig{Provider: "cohere"})
		if !errs.Is(err, errs.Config) {
			t.Errorf("Expected Config error, got %v", err)
		}
	})

	t.Run("Stub", func(t *testing.T) {
		e, err := New(config.EmbeddingConfig{Provider: "stub"})
		if err != nil {
			t.Fatal(err)
		}
		if e.Name() != "stub" || e.Dimension() != StubDimension {
			t.Errorf("Unexpected stub: %s %d", e.Name(), e.Dimension())
		}
	})

	t.Run("OpenAIMissingKey", func(t *testing.T) {
		_, err := New(config.EmbeddingConfig{Provider: "openai"})
		if !errs.Is(err, errs.Config) {
			t.Errorf("Expected Config error, got %v", err)
		}
	})

	t.Run("GeminiMissingKey", func(t *testing.T) {
		_, err := New(config.EmbeddingConfig{Provider: "gemini"})
		if !errs.Is(err, errs.Config) {
			t.Errorf("Expected Config error, got %v", err)
		}
	})

	t.Run("UnknownModel", func(t *testing.T) {
		_, err := New(config.EmbeddingConfig{Provider: "ollama", Model: "llama3"})
		if !errs.Is(err, errs.Config) {
			t.Errorf("Expected Config error, got %v", err)
		}
	})

	t.Run("DimensionOverride", func(t *testing.T) {
		e, err := New(config.EmbeddingConfig{Provider: "ollama", Model: "snowflake-arctic-embed", Dimension: 1024})
		if err != nil {
			t.Fatal(err)
		}
		if e.Model() != "snowflake-arctic-embed" || e.Dimension() != 1024 {
			t.Errorf("Unexpected model/dimension: %s %d", e.Model(), e.Dimension())
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		e, err := New(config.EmbeddingConfig{Provider: "ollama"})
		if err != nil {
			t.Fatal(err)
		}
		if e.Model() != "nomic-embed-text" || e.Dimension() != 768 {
			t.Errorf("Unexpected defaults: %s %d", e.Model(), e.Dimension())
		}
	})
}

func newOllama(t *testing.T, h http.HandlerFunc) *Ollama {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	o, err := NewOllama(config.EmbeddingConfig{OllamaURL: srv.URL, Model: "all-minilm"})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestOllama_Embed(t *testing.T) {
	o := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "all-minilm" || req["prompt"] != "hello" {
			t.Errorf("Unexpected request %v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"embedding": floats(384)})
	})

	vec, err := o.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("Expected 384 dims, got %d", len(vec))
	}
	if o.Name() != "ollama" {
		t.Errorf("Expected 'ollama', got %q", o.Name())
	}
}

func TestOllama_Errors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   any
		want   errs.Kind
	}{
		{"ModelNotFound", http.StatusNotFound, map[string]string{"error": `model "all-minilm" not found, try pulling it first`}, errs.Config},
		{"ServerError", http.StatusInternalServerError, map[string]string{"error": "boom"}, errs.Connection},
		{"WrongLength", http.StatusOK, map[string]any{"embedding": floats(12)}, errs.Malformed},
		{"Empty", http.StatusOK, map[string]any{"embedding": []float64{}}, errs.Malformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(tc.body)
			})
			_, err := o.Embed(context.Background(), "hello")
			if errs.KindOf(err) != tc.want {
				t.Errorf("Expected %v, got %v (%v)", tc.want, errs.KindOf(err), err)
			}
		})
	}

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		o, _ := NewOllama(config.EmbeddingConfig{OllamaURL: url})
		_, err := o.Embed(context.Background(), "hello")
		if !errs.Is(err, errs.Connection) {
			t.Errorf("Expected Connection error, got %v", err)
		}
		if h := o.Health(context.Background()); h.Available || h.Status != StatusUnreachable {
			t.Errorf("Expected unreachable health, got %+v", h)
		}
	})

	t.Run("BadURL", func(t *testing.T) {
		if _, err := NewOllama(config.EmbeddingConfig{OllamaURL: "localhost"}); !errs.Is(err, errs.Config) {
			t.Errorf("Expected Config error, got %v", err)
		}
	})
}

func TestOllama_Health(t *testing.T) {
	tags := func(names ...string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var models []map[string]string
			for _, n := range names {
				models = append(models, map[string]string{"name": n, "model": n})
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"models": models})
		}
	}

	o := newOllama(t, tags("all-minilm:latest", "llama3:latest"))
	h := o.Health(context.Background())
	if !h.Available || h.Status != StatusOK {
		t.Errorf("Expected healthy, got %+v", h)
	}
	if len(h.Models) != 2 {
		t.Errorf("Expected 2 models, got %v", h.Models)
	}

	o = newOllama(t, tags("llama3:latest"))
	h = o.Health(context.Background())
	if h.Available || h.Status != StatusMissingModel {
		t.Errorf("Expected missing model, got %+v", h)
	}
}

func newOpenAI(t *testing.T, h http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := NewOpenAI(config.EmbeddingConfig{OpenAIKey: "test-key", OpenAIBaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestOpenAI_Embed(t *testing.T) {
	p := newOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data":   []map[string]any{{"object": "embedding", "index": 0, "embedding": floats(1536)}},
		})
	})

	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 1536 || p.Dimension() != 1536 {
		t.Errorf("Expected 1536 dims, got %d", len(vec))
	}
}

func TestOpenAI_Errors(t *testing.T) {
	apiError := func(status int, msg string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": msg, "type": "invalid_request_error"},
			})
		}
	}

	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    errs.Kind
	}{
		{"Unauthorized", apiError(http.StatusUnauthorized, "Incorrect API key provided"), errs.Config},
		{"RateLimited", apiError(http.StatusTooManyRequests, "Rate limit reached"), errs.Connection},
		{"ServerError", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }, errs.Connection},
		{"NoData", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"object":"list","data":[]}`))
		}, errs.Malformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newOpenAI(t, tc.handler)
			_, err := p.Embed(context.Background(), "hello")
			if errs.KindOf(err) != tc.want {
				t.Errorf("Expected %v, got %v (%v)", tc.want, errs.KindOf(err), err)
			}
		})
	}
}

func TestOpenAI_Health(t *testing.T) {
	p := newOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"id": "text-embedding-3-small", "object": "model"}},
		})
	})
	h := p.Health(context.Background())
	if !h.Available || h.Status != StatusOK || len(h.Models) != 1 {
		t.Errorf("Expected healthy, got %+v", h)
	}
}

type fakeInvoker struct {
	body []byte
	err  error
	got  *bedrockruntime.InvokeModelInput
}

func (f *fakeInvoker) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.body}, nil
}

type fakeIdentity struct{ err error }

func (f fakeIdentity) GetCallerIdentity(ctx context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
}

func TestBedrock_Embed(t *testing.T) {
	t.Run("Titan", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{"embedding": floats(1024)})
		inv := &fakeInvoker{body: body}
		b := &Bedrock{runtime: inv, model: "amazon.titan-embed-text-v2:0", dim: 1024, timeout: cloudTimeout}

		vec, err := b.Embed(context.Background(), "hello")
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if len(vec) != 1024 {
			t.Errorf("Expected 1024 dims, got %d", len(vec))
		}
		var req map[string]any
		json.Unmarshal(inv.got.Body, &req)
		if req["inputText"] != "hello" {
			t.Errorf("Expected titan request body, got %v", req)
		}
		if aws.ToString(inv.got.ModelId) != "amazon.titan-embed-text-v2:0" {
			t.Errorf("Unexpected model id %q", aws.ToString(inv.got.ModelId))
		}
	})

	t.Run("Cohere", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{"embeddings": [][]float64{floats(1024)}})
		inv := &fakeInvoker{body: body}
		b := &Bedrock{runtime: inv, model: "cohere.embed-english-v3", dim: 1024, timeout: cloudTimeout}

		if _, err := b.Embed(context.Background(), "hello"); err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		var req struct {
			Texts     []string `json:"texts"`
			InputType string   `json:"input_type"`
		}
		json.Unmarshal(inv.got.Body, &req)
		if len(req.Texts) != 1 || req.Texts[0] != "hello" || req.InputType != "search_document" {
			t.Errorf("Expected cohere request body, got %+v", req)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		b := &Bedrock{runtime: &fakeInvoker{body: []byte("not json")}, model: "amazon.titan-embed-text-v1", dim: 1536, timeout: cloudTimeout}
		if _, err := b.Embed(context.Background(), "x"); !errs.Is(err, errs.Malformed) {
			t.Errorf("Expected Malformed, got %v", err)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		cases := map[string]errs.Kind{
			"ThrottlingException":       errs.Connection,
			"AccessDeniedException":     errs.Config,
			"ResourceNotFoundException": errs.Config,
			"SomethingNew":              errs.Malformed,
		}
		for code, want := range cases {
			inv := &fakeInvoker{err: &smithy.GenericAPIError{Code: code, Message: "x"}}
			b := &Bedrock{runtime: inv, model: "amazon.titan-embed-text-v2:0", dim: 1024, timeout: cloudTimeout}
			if _, err := b.Embed(context.Background(), "x"); errs.KindOf(err) != want {
				t.Errorf("%s: expected %v, got %v", code, want, errs.KindOf(err))
			}
		}
		inv := &fakeInvoker{err: errors.New("failed to retrieve credentials")}
		b := &Bedrock{runtime: inv, model: "amazon.titan-embed-text-v2:0", dim: 1024, timeout: cloudTimeout}
		if _, err := b.Embed(context.Background(), "x"); !errs.Is(err, errs.Config) {
			t.Errorf("Expected missing credentials to be Config, got %v", err)
		}
	})
}

func TestBedrock_Health(t *testing.T) {
	b := &Bedrock{identity: fakeIdentity{}, region: "eu-west-1", model: "amazon.titan-embed-text-v2:0", dim: 1024}
	if h := b.Health(context.Background()); !h.Available || h.Status != StatusOK {
		t.Errorf("Expected healthy, got %+v", h)
	}

	b.identity = fakeIdentity{err: &smithy.GenericAPIError{Code: "ExpiredTokenException", Message: "expired"}}
	if h := b.Health(context.Background()); h.Available || h.Status != StatusAuthError {
		t.Errorf("Expected auth error, got %+v", h)
	}
}

type fakeGemini struct {
	values []float32
	err    error
}

func (f fakeGemini) EmbedContent(ctx context.Context, parts ...genai.Part) (*genai.EmbedContentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &genai.EmbedContentResponse{Embedding: &genai.ContentEmbedding{Values: f.values}}, nil
}

func (f fakeGemini) Info(ctx context.Context) (*genai.ModelInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &genai.ModelInfo{DisplayName: "Text Embedding 004"}, nil
}

func TestGemini(t *testing.T) {
	g := &Gemini{em: fakeGemini{values: make([]float32, 768)}, model: "text-embedding-004", dim: 768, timeout: cloudTimeout}
	vec, err := g.Embed(context.Background(), "hello")
	if err != nil || len(vec) != 768 {
		t.Fatalf("Expected 768 dims, got %d %v", len(vec), err)
	}
	if h := g.Health(context.Background()); !h.Available {
		t.Errorf("Expected healthy, got %+v", h)
	}

	cases := map[codes.Code]errs.Kind{
		codes.Unavailable:      errs.Connection,
		codes.DeadlineExceeded: errs.Connection,
		codes.PermissionDenied: errs.Config,
		codes.NotFound:         errs.Config,
		codes.DataLoss:         errs.Malformed,
	}
	for code, want := range cases {
		g.em = fakeGemini{err: status.Error(code, "x")}
		if _, err := g.Embed(context.Background(), "x"); errs.KindOf(err) != want {
			t.Errorf("%v: expected %v, got %v", code, want, errs.KindOf(err))
		}
	}
	if g.Close() != nil {
		t.Error("Expected nil Close without client")
	}
}

func cosine(a, b []float32) float64 {
	var d, na, nb float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return d / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestStub(t *testing.T) {
	ctx := context.Background()
	s := NewStub(128, WithLexicon(map[string]string{
		"postgresql": "relational-db",
		"database":   "relational-db",
		"redis":      "kv-cache",
		"cache":      "kv-cache",
	}))

	a1, _ := s.Embed(ctx, "How do I reset my password?")
	a2, _ := s.Embed(ctx, "how do i reset my PASSWORD")
	if len(a1) != 128 {
		t.Fatalf("Expected 128 dims, got %d", len(a1))
	}
	if c := cosine(a1, a2); c < 0.9999 {
		t.Errorf("Expected identical wording to embed identically, got %f", c)
	}

	var norm float64
	for _, v := range a1 {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("Expected unit vector, got norm %f", norm)
	}

	db, _ := s.Embed(ctx, "PostgreSQL")
	q, _ := s.Embed(ctx, "database")
	kv, _ := s.Embed(ctx, "redis")
	if cosine(db, q) <= cosine(db, kv) {
		t.Error("Expected shared concept to raise similarity")
	}

	zero, _ := s.Embed(ctx, "   ")
	for _, v := range zero {
		if v != 0 {
			t.Fatal("Expected zero vector for empty text")
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Embed(cancelled, "x"); err == nil {
		t.Error("Expected error on cancelled context")
	}
	if h := s.Health(ctx); !h.Available {
		t.Error("Expected stub to be healthy")
	}
}

func TestModels(t *testing.T) {
	if got := Models("ollama"); len(got) != 3 || got[0] != "all-minilm" {
		t.Errorf("Unexpected ollama models %v", got)
	}
	if DefaultModel("bedrock") != "amazon.titan-embed-text-v2:0" {
		t.Errorf("Unexpected bedrock default %q", DefaultModel("bedrock"))
	}
}

func TestMissingKey(t *testing.T) {
	h, ok := MissingKey(config.EmbeddingConfig{Provider: "openai"})
	if !ok {
		t.Fatal("Expected missing key for openai without a key")
	}
	if h.Available || h.Status != StatusMissingKey || h.Model != "text-embedding-3-small" || h.Dimension != 1536 {
		t.Errorf("Unexpected health %+v", h)
	}

	h, ok = MissingKey(config.EmbeddingConfig{Provider: "gemini", Model: "custom-embed"})
	if !ok || h.Model != "custom-embed" || h.Detail != "GEMINI_API_KEY is not set" {
		t.Errorf("Unexpected gemini health %+v (ok=%v)", h, ok)
	}

	for _, cfg := range []config.EmbeddingConfig{
		{Provider: "openai", OpenAIKey: "sk-test"},
		{Provider: "gemini", GeminiKey: "g-test"},
		{Provider: "ollama"},
		{Provider: "stub"},
	} {
		if _, ok := MissingKey(cfg); ok {
			t.Errorf("Expected no missing key for %+v", cfg)
		}
	}
}
