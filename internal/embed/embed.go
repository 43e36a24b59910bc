// Package embed turns text into fixed-length vectors through one of several
// embedding backends. Exactly one Embedder is built per process from the
// configuration; callers never choose a backend per call.
package embed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/errs"
)

// Embedder is an embedding provider.
type Embedder interface {
	// Embed returns the vector for text. Its length is always Dimension().
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the vector length this provider and model produce.
	Dimension() int

	// Health probes the backend without embedding anything.
	Health(ctx context.Context) Health

	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string

	// Model returns the embedding model in use.
	Model() string
}

// Health status values.
const (
	StatusOK           = "ok"
	StatusUnreachable  = "unreachable"
	StatusMissingModel = "missing_model"
	StatusMissingKey   = "missing_key"
	StatusAuthError    = "auth_error"
	StatusError        = "error"
)

// Health is the result of a provider probe.
type Health struct {
	Available bool     `json:"available"`
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
	Dimension int      `json:"dimension"`
	Status    string   `json:"status"`
	Detail    string   `json:"detail,omitempty"`
	Models    []string `json:"models,omitempty"`
}

const (
	localTimeout  = 60 * time.Second
	cloudTimeout  = 30 * time.Second
	healthTimeout = 10 * time.Second
)

// New builds the configured provider.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case "ollama":
		return NewOllama(cfg)
	case "openai":
		return NewOpenAI(cfg)
	case "bedrock":
		return NewBedrock(context.Background(), cfg)
	case "gemini":
		return NewGemini(context.Background(), cfg)
	case "plugin":
		return NewPlugin(cfg)
	case "stub":
		dim := cfg.Dimension
		if dim == 0 {
			dim = StubDimension
		}
		return NewStub(dim), nil
	}
	return nil, errs.E(errs.Config, "embed.new", "unknown embedding provider %q (supported: %s)",
		cfg.Provider, strings.Join(config.Providers, ", "))
}

// keyVars names the API key each keyed provider needs.
var keyVars = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GEMINI_API_KEY",
}

// MissingKey returns the health of a provider that cannot be built because
// its API key is not configured. ok is false when the provider has its key
// or takes none.
func MissingKey(cfg config.EmbeddingConfig) (h Health, ok bool) {
	provider := strings.ToLower(cfg.Provider)
	env, keyed := keyVars[provider]
	if !keyed {
		return Health{}, false
	}
	key := cfg.OpenAIKey
	if provider == "gemini" {
		key = cfg.GeminiKey
	}
	if key != "" {
		return Health{}, false
	}
	model, dim, err := resolve(provider, cfg.Model, cfg.Dimension)
	if err != nil {
		model = cfg.Model
	}
	return Health{
		Provider:  provider,
		Model:     model,
		Dimension: dim,
		Status:    StatusMissingKey,
		Detail:    env + " is not set",
		Models:    Models(provider),
	}, true
}

func timeoutOr(d config.Duration, fallback time.Duration) time.Duration {
	if d > 0 {
		return d.Std()
	}
	return fallback
}

// checkVector converts and validates a backend response.
func checkVector[T float32 | float64](op string, raw []T, want int) ([]float32, error) {
	if len(raw) == 0 {
		return nil, errs.E(errs.Malformed, op, "no embedding returned")
	}
	if len(raw) != want {
		return nil, errs.E(errs.Malformed, op, "embedding has %d dimensions, expected %d", len(raw), want)
	}
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

// classifyStatus maps an HTTP status from a provider to an error kind.
func classifyStatus(op string, status int, msg string) error {
	kind := errs.Malformed
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		kind = errs.Connection
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = errs.Config
	case status == http.StatusNotFound || isModelNotFound(msg):
		kind = errs.Config
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return errs.E(kind, op, "status %d: %s", status, msg)
}

func isModelNotFound(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "model") && (strings.Contains(m, "not found") || strings.Contains(m, "does not exist"))
}

func probeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, healthTimeout)
}

func healthFailure(h Health, status string, err error) Health {
	h.Available = false
	h.Status = status
	h.Detail = fmt.Sprint(err)
	return h
}
