package embed

import (
	"context"
	"errors"
	"io"
	"net/rpc"
	"testing"
	"time"

	"github.com/felixgeelhaar/recall/internal/config"
	"github.com/felixgeelhaar/recall/internal/errs"
	"github.com/felixgeelhaar/recall/internal/plugin"
)

type fakePlugin struct {
	info    plugin.Info
	infoErr error
	vec     []float32
	err     error
	block   chan struct{}
}

func (f *fakePlugin) Embed(string) ([]float32, error) {
	if f.block != nil {
		<-f.block
	}
	return f.vec, f.err
}

func (f *fakePlugin) Info() (plugin.Info, error) { return f.info, f.infoErr }

func newFakePlugin() *fakePlugin {
	return &fakePlugin{
		info: plugin.Info{Name: "local", Model: "mini-3", Dimension: 3},
		vec:  []float32{0.1, 0.2, 0.3},
	}
}

func TestNewPlugin(t *testing.T) {
	t.Run("MissingPath", func(t *testing.T) {
		_, err := New(config.EmbeddingConfig{Provider: "plugin"})
		if !errs.Is(err, errs.Config) {
			t.Errorf("Expected Config error, got %v", err)
		}
	})

	t.Run("MissingBinary", func(t *testing.T) {
		_, err := NewPlugin(config.EmbeddingConfig{Provider: "plugin", PluginPath: "/nonexistent/recall-embedder"})
		if !errs.Is(err, errs.Config) {
			t.Errorf("Expected Config error, got %v", err)
		}
	})

	t.Run("Info", func(t *testing.T) {
		p, err := newPlugin(newFakePlugin(), nil, config.EmbeddingConfig{})
		if err != nil {
			t.Fatal(err)
		}
		if p.Name() != "plugin:local" || p.Model() != "mini-3" || p.Dimension() != 3 {
			t.Errorf("Unexpected plugin: %s %s %d", p.Name(), p.Model(), p.Dimension())
		}
		if err := p.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		_, err := newPlugin(newFakePlugin(), nil, config.EmbeddingConfig{Dimension: 768})
		if !errs.Is(err, errs.Config) {
			t.Errorf("Expected Config error, got %v", err)
		}
	})

	t.Run("ZeroDimension", func(t *testing.T) {
		f := newFakePlugin()
		f.info.Dimension = 0
		if _, err := newPlugin(f, nil, config.EmbeddingConfig{}); !errs.Is(err, errs.Malformed) {
			t.Errorf("Expected Malformed error, got %v", err)
		}
	})
}

func TestPlugin_Embed(t *testing.T) {
	ctx := context.Background()

	t.Run("OK", func(t *testing.T) {
		p, _ := newPlugin(newFakePlugin(), nil, config.EmbeddingConfig{})
		vec, err := p.Embed(ctx, "hello")
		if err != nil {
			t.Fatal(err)
		}
		if len(vec) != 3 || vec[2] != 0.3 {
			t.Errorf("Unexpected vector %v", vec)
		}
	})

	t.Run("WrongLength", func(t *testing.T) {
		f := newFakePlugin()
		f.vec = []float32{1}
		p, _ := newPlugin(f, nil, config.EmbeddingConfig{})
		if _, err := p.Embed(ctx, "hello"); !errs.Is(err, errs.Malformed) {
			t.Errorf("Expected Malformed error, got %v", err)
		}
	})

	errCases := map[string]struct {
		err  error
		kind errs.Kind
	}{
		"ServerError": {rpc.ServerError("model not loaded"), errs.Malformed},
		"Shutdown":    {rpc.ErrShutdown, errs.Connection},
		"EOF":         {io.ErrUnexpectedEOF, errs.Connection},
	}
	for name, tc := range errCases {
		t.Run(name, func(t *testing.T) {
			f := newFakePlugin()
			f.err = tc.err
			p, _ := newPlugin(f, nil, config.EmbeddingConfig{})
			if _, err := p.Embed(ctx, "hello"); !errs.Is(err, tc.kind) {
				t.Errorf("Expected %v error, got %v", tc.kind, err)
			}
		})
	}

	t.Run("Timeout", func(t *testing.T) {
		f := newFakePlugin()
		f.block = make(chan struct{})
		defer close(f.block)
		p, _ := newPlugin(f, nil, config.EmbeddingConfig{Timeout: config.Duration(20 * time.Millisecond)})
		_, err := p.Embed(ctx, "hello")
		if !errs.Is(err, errs.Connection) {
			t.Errorf("Expected Connection error, got %v", err)
		}
	})
}

func TestPlugin_Health(t *testing.T) {
	f := newFakePlugin()
	p, _ := newPlugin(f, nil, config.EmbeddingConfig{})
	if h := p.Health(context.Background()); !h.Available || h.Status != StatusOK || h.Dimension != 3 {
		t.Errorf("Unexpected health %+v", h)
	}

	f.infoErr = errors.New("connection reset")
	if h := p.Health(context.Background()); h.Available || h.Status != StatusUnreachable {
		t.Errorf("Unexpected health %+v", h)
	}
}

func TestPlugin_Close(t *testing.T) {
	killed := false
	p, err := newPlugin(newFakePlugin(), func() { killed = true }, config.EmbeddingConfig{})
	if err != nil {
		t.Fatal(err)
	}
	p.Close()
	if !killed {
		t.Error("Expected Close to stop the plugin process")
	}
}
