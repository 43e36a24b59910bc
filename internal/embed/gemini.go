package embed

import (
	"context"
	"time"

	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type contentEmbedder interface {
	EmbedContent(ctx context.Context, parts ...genai.Part) (*genai.EmbedContentResponse, error)
	Info(ctx context.Context) (*genai.ModelInfo, error)
}

// Gemini embeds through the Google AI API.
type Gemini struct {
	client  *genai.Client
	em      contentEmbedder
	model   string
	dim     int
	timeout time.Duration
}

// NewGemini builds the Gemini provider. A missing GEMINI_API_KEY is a
// Config error.
func NewGemini(ctx context.Context, cfg config.EmbeddingConfig) (*Gemini, error) {
	const op = "gemini.new"
	if cfg.GeminiKey == "" {
		return nil, errs.E(errs.Config, op, "GEMINI_API_KEY is required for the gemini provider")
	}
	model, dim, err := resolve("gemini", cfg.Model, cfg.Dimension)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiKey))
	if err != nil {
		return nil, errs.Wrap(errs.Config, op, err)
	}

	return &Gemini{
		client:  client,
		em:      client.EmbeddingModel(model),
		model:   model,
		dim:     dim,
		timeout: timeoutOr(cfg.Timeout, cloudTimeout),
	}, nil
}

func (g *Gemini) Name() string   { return "gemini" }
func (g *Gemini) Model() string  { return g.model }
func (g *Gemini) Dimension() int { return g.dim }

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "gemini.embed"
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, classifyGRPC(op, err)
	}
	if res == nil || res.Embedding == nil {
		return nil, errs.E(errs.Malformed, op, "no embedding returned")
	}
	return checkVector(op, res.Embedding.Values, g.dim)
}

// Health fetches the model's metadata.
func (g *Gemini) Health(ctx context.Context) Health {
	h := Health{Provider: g.Name(), Model: g.model, Dimension: g.dim, Models: Models("gemini")}
	ctx, cancel := probeContext(ctx)
	defer cancel()

	info, err := g.em.Info(ctx)
	if err != nil {
		err = classifyGRPC("gemini.health", err)
		st := StatusUnreachable
		if errs.Is(err, errs.Config) {
			st = StatusAuthError
		}
		return healthFailure(h, st, err)
	}
	h.Available = true
	h.Status = StatusOK
	if info != nil {
		h.Detail = info.DisplayName
	}
	return h
}

// Close releases the gRPC connection.
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func classifyGRPC(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errs.Transport(op, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal, codes.Aborted:
		return errs.E(errs.Connection, op, "%s: %s", st.Code(), st.Message())
	case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound, codes.InvalidArgument, codes.FailedPrecondition:
		return errs.E(errs.Config, op, "%s: %s", st.Code(), st.Message())
	}
	return errs.E(errs.Malformed, op, "%s: %s", st.Code(), st.Message())
}
