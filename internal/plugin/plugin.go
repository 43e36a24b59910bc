// Package plugin runs embedding backends as separate processes over
// hashicorp/go-plugin. A plugin binary calls Serve with its implementation;
// recall starts it with Launch and talks to it over net/rpc.
package plugin

import (
	"io"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	hcplugin "github.com/hashicorp/go-plugin"
)

// Handshake is shared by host and plugin. A binary that does not present it
// is refused.
var Handshake = hcplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "RECALL_PLUGIN_MAGIC_COOKIE",
	MagicCookieValue: "recall-embedder",
}

// Name is the dispense name of the embedder plugin.
const Name = "embedder"

// Info describes the backend behind a plugin.
type Info struct {
	Name      string
	Model     string
	Dimension int
}

// Embedder is implemented by plugin binaries.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Info() (Info, error)
}

// EmbedderPlugin is the hcplugin.Plugin for Embedder.
type EmbedderPlugin struct {
	Impl Embedder
}

func (p *EmbedderPlugin) Server(*hcplugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *EmbedderPlugin) Client(b *hcplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// RPCClient is the host side of an Embedder.
type RPCClient struct {
	client *rpc.Client
}

func (c *RPCClient) Embed(text string) ([]float32, error) {
	var resp []float32
	err := c.client.Call("Plugin.Embed", text, &resp)
	return resp, err
}

func (c *RPCClient) Info() (Info, error) {
	var resp Info
	err := c.client.Call("Plugin.Info", new(interface{}), &resp)
	return resp, err
}

// RPCServer is the plugin side of an Embedder.
type RPCServer struct {
	Impl Embedder
}

func (s *RPCServer) Embed(text string, resp *[]float32) error {
	v, err := s.Impl.Embed(text)
	if err != nil {
		return err
	}
	*resp = v
	return nil
}

func (s *RPCServer) Info(args interface{}, resp *Info) error {
	info, err := s.Impl.Info()
	if err != nil {
		return err
	}
	*resp = info
	return nil
}

// Serve runs impl as a plugin. It blocks until the host disconnects.
func Serve(impl Embedder) {
	hcplugin.Serve(&hcplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]hcplugin.Plugin{Name: &EmbedderPlugin{Impl: impl}},
	})
}

// Launch starts the plugin binary at path. The returned func stops the
// process. Plugin log output goes to logs at warn level and above.
func Launch(path string, logs io.Writer) (Embedder, func(), error) {
	client := hcplugin.NewClient(&hcplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          map[string]hcplugin.Plugin{Name: &EmbedderPlugin{}},
		Cmd:              exec.Command(path),
		AllowedProtocols: []hcplugin.Protocol{hcplugin.ProtocolNetRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:   "plugin",
			Output: logs,
			Level:  hclog.Warn,
		}),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, err
	}
	raw, err := rpcClient.Dispense(Name)
	if err != nil {
		client.Kill()
		return nil, nil, err
	}
	return raw.(Embedder), client.Kill, nil
}
