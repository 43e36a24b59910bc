// Command recall-embedder serves the offline hashing embedder as a recall
// plugin. Point embedding.plugin_path at this binary to run it out of
// process; EMBEDDING_DIMENSION sets the vector length.
package main

import (
	"context"
	"os"
	"strconv"

	"github.com/felixgeelhaar/recall/internal/embed"
	"github.com/felixgeelhaar/recall/internal/plugin"
)

type server struct {
	stub *embed.Stub
}

func (s server) Embed(text string) ([]float32, error) {
	return s.stub.Embed(context.Background(), text)
}

func (s server) Info() (plugin.Info, error) {
	return plugin.Info{Name: s.stub.Name(), Model: s.stub.Model(), Dimension: s.stub.Dimension()}, nil
}

func main() {
	dim, _ := strconv.Atoi(os.Getenv("EMBEDDING_DIMENSION"))
	plugin.Serve(server{stub: embed.NewStub(dim)})
}
