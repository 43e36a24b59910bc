package embed

import (
	"context"
	"errors"
	"io"
	"net/rpc"
	"os"
	"time"

	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/felixgeelhaar/recall/internal/plugin"
)

// Plugin embeds through an external plugin process.
type Plugin struct {
	impl    plugin.Embedder
	kill    func()
	name    string
	model   string
	dim     int
	timeout time.Duration
}

// NewPlugin launches the plugin binary named in cfg.PluginPath and asks it
// for its model and dimension.
func NewPlugin(cfg config.EmbeddingConfig) (*Plugin, error) {
	const op = "plugin.new"
	if cfg.PluginPath == "" {
		return nil, errs.E(errs.Config, op, "plugin_path is required for the plugin provider")
	}
	impl, kill, err := plugin.Launch(cfg.PluginPath, os.Stderr)
	if err != nil {
		return nil, errs.Wrap(errs.Config, op, err)
	}
	p, err := newPlugin(impl, kill, cfg)
	if err != nil {
		kill()
		return nil, err
	}
	return p, nil
}

func newPlugin(impl plugin.Embedder, kill func(), cfg config.EmbeddingConfig) (*Plugin, error) {
	const op = "plugin.new"
	info, err := impl.Info()
	if err != nil {
		return nil, classifyRPC(op, err)
	}
	if info.Dimension <= 0 {
		return nil, errs.E(errs.Malformed, op, "plugin reported dimension %d", info.Dimension)
	}
	if cfg.Dimension > 0 && cfg.Dimension != info.Dimension {
		return nil, errs.E(errs.Config, op, "configured dimension %d but plugin %s produces %d",
			cfg.Dimension, info.Name, info.Dimension)
	}
	if kill == nil {
		kill = func() {}
	}
	return &Plugin{
		impl:    impl,
		kill:    kill,
		name:    info.Name,
		model:   info.Model,
		dim:     info.Dimension,
		timeout: timeoutOr(cfg.Timeout, localTimeout),
	}, nil
}

func (p *Plugin) Name() string   { return "plugin:" + p.name }
func (p *Plugin) Model() string  { return p.model }
func (p *Plugin) Dimension() int { return p.dim }

// Embed runs the RPC in the background so ctx can abandon it; net/rpc calls
// carry no deadline of their own.
func (p *Plugin) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "plugin.embed"
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		vec []float32
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := p.impl.Embed(text)
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errs.Transport(op, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, classifyRPC(op, r.err)
		}
		return checkVector(op, r.vec, p.dim)
	}
}

func (p *Plugin) Health(ctx context.Context) Health {
	h := Health{Provider: p.Name(), Model: p.model, Dimension: p.dim}
	if _, err := p.impl.Info(); err != nil {
		return healthFailure(h, StatusUnreachable, classifyRPC("plugin.health", err))
	}
	h.Available = true
	h.Status = StatusOK
	return h
}

// Close stops the plugin process.
func (p *Plugin) Close() error {
	p.kill()
	return nil
}

// classifyRPC treats a lost plugin process as a connection failure and an
// error reported by the plugin as a malformed answer.
func classifyRPC(op string, err error) error {
	var se rpc.ServerError
	switch {
	case errors.As(err, &se):
		return errs.E(errs.Malformed, op, "plugin: %s", string(se))
	case errors.Is(err, rpc.ErrShutdown), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return errs.Wrap(errs.Connection, op, err)
	}
	return errs.Transport(op, err)
}
