package embed

import (
	"context"
	"errors"
	"time"

	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/errs"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI embeds through the OpenAI API or any compatible endpoint.
type OpenAI struct {
	client  *openai.Client
	model   string
	dim     int
	timeout time.Duration
}

// NewOpenAI builds the OpenAI provider. A missing OPENAI_API_KEY is a
// Config error.
func NewOpenAI(cfg config.EmbeddingConfig) (*OpenAI, error) {
	if cfg.OpenAIKey == "" {
		return nil, errs.E(errs.Config, "openai.new", "OPENAI_API_KEY is required for the openai provider")
	}
	model, dim, err := resolve("openai", cfg.Model, cfg.Dimension)
	if err != nil {
		return nil, err
	}

	oc := openai.DefaultConfig(cfg.OpenAIKey)
	if cfg.OpenAIBaseURL != "" {
		oc.BaseURL = cfg.OpenAIBaseURL
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		dim:     dim,
		timeout: timeoutOr(cfg.Timeout, cloudTimeout),
	}, nil
}

func (p *OpenAI) Name() string   { return "openai" }
func (p *OpenAI) Model() string  { return p.model }
func (p *OpenAI) Dimension() int { return p.dim }

func (p *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "openai.embed"
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, classifyOpenAI(op, err)
	}
	if len(resp.Data) == 0 {
		return nil, errs.E(errs.Malformed, op, "no embedding returned")
	}
	return checkVector(op, resp.Data[0].Embedding, p.dim)
}

// Health lists the models visible to the key.
func (p *OpenAI) Health(ctx context.Context) Health {
	h := Health{Provider: p.Name(), Model: p.model, Dimension: p.dim}
	ctx, cancel := probeContext(ctx)
	defer cancel()

	list, err := p.client.ListModels(ctx)
	if err != nil {
		err = classifyOpenAI("openai.health", err)
		status := StatusUnreachable
		if errs.Is(err, errs.Config) {
			status = StatusAuthError
		}
		return healthFailure(h, status, err)
	}
	for _, m := range list.Models {
		h.Models = append(h.Models, m.ID)
	}
	h.Available = true
	h.Status = StatusOK
	return h
}

func classifyOpenAI(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(op, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(op, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return errs.Transport(op, err)
}
