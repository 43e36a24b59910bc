package embed

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/ollama/ollama/api"
)

// Ollama embeds through a local Ollama server.
type Ollama struct {
	client  *api.Client
	model   string
	dim     int
	timeout time.Duration
}

// NewOllama builds the Ollama provider. No request is made until the first
// Embed or Health.
func NewOllama(cfg config.EmbeddingConfig) (*Ollama, error) {
	const op = "ollama.new"
	model, dim, err := resolve("ollama", cfg.Model, cfg.Dimension)
	if err != nil {
		return nil, err
	}

	base := cfg.OllamaURL
	if base == "" {
		base = "http://localhost:11434"
	}
	uri, err := url.Parse(base)
	if err != nil || uri.Scheme == "" || uri.Host == "" {
		return nil, errs.E(errs.Config, op, "invalid ollama url %q", base)
	}

	return &Ollama{
		client:  api.NewClient(uri, http.DefaultClient),
		model:   model,
		dim:     dim,
		timeout: timeoutOr(cfg.Timeout, localTimeout),
	}, nil
}

func (o *Ollama) Name() string   { return "ollama" }
func (o *Ollama) Model() string  { return o.model }
func (o *Ollama) Dimension() int { return o.dim }

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "ollama.embed"
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  o.model,
		Prompt: text,
	})
	if err != nil {
		return nil, o.classify(op, err)
	}
	return checkVector(op, resp.Embedding, o.dim)
}

// Health lists the locally pulled models and checks ours is among them.
func (o *Ollama) Health(ctx context.Context) Health {
	h := Health{Provider: o.Name(), Model: o.model, Dimension: o.dim}
	ctx, cancel := probeContext(ctx)
	defer cancel()

	list, err := o.client.List(ctx)
	if err != nil {
		return healthFailure(h, StatusUnreachable, o.classify("ollama.health", err))
	}

	found := false
	for _, m := range list.Models {
		name := strings.TrimSuffix(m.Name, ":latest")
		h.Models = append(h.Models, name)
		if name == o.model || m.Name == o.model {
			found = true
		}
	}
	if !found {
		h.Status = StatusMissingModel
		h.Detail = "run: ollama pull " + o.model
		return h
	}
	h.Available = true
	h.Status = StatusOK
	return h
}

func (o *Ollama) classify(op string, err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		msg := se.ErrorMessage
		if msg == "" {
			msg = se.Status
		}
		return classifyStatus(op, se.StatusCode, msg)
	}
	return errs.Transport(op, err)
}
