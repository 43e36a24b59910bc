package plugin

import (
	"errors"
	"strings"
	"testing"

	hcplugin "github.com/hashicorp/go-plugin"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("empty text")
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (fakeEmbedder) Info() (Info, error) {
	return Info{Name: "fake", Model: "fake-3", Dimension: 3}, nil
}

func dispense(t *testing.T) Embedder {
	t.Helper()
	client, _ := hcplugin.TestPluginRPCConn(t, map[string]hcplugin.Plugin{Name: &EmbedderPlugin{Impl: fakeEmbedder{}}}, nil)
	t.Cleanup(func() { client.Close() })

	raw, err := client.Dispense(Name)
	if err != nil {
		t.Fatalf("Dispense failed: %v", err)
	}
	e, ok := raw.(Embedder)
	if !ok {
		t.Fatalf("Dispensed %T, want Embedder", raw)
	}
	return e
}

func TestEmbedderRPC(t *testing.T) {
	e := dispense(t)

	vec, err := e.Embed("hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 5 {
		t.Errorf("Unexpected vector %v", vec)
	}

	info, err := e.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Name != "fake" || info.Dimension != 3 {
		t.Errorf("Unexpected info %+v", info)
	}
}

func TestEmbedderRPC_Error(t *testing.T) {
	e := dispense(t)
	_, err := e.Embed("")
	if err == nil || !strings.Contains(err.Error(), "empty text") {
		t.Errorf("Expected remote error, got %v", err)
	}
}

func TestLaunch_MissingBinary(t *testing.T) {
	_, _, err := Launch("/nonexistent/recall-plugin", nil)
	if err == nil {
		t.Error("Expected launch of a missing binary to fail")
	}
}
