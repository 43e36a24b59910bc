// Package config holds the process configuration: which embedding provider
// to use, where vectors live and the cache/memory defaults. It is built once
// at startup from a YAML (or JSON) file overlaid by environment variables and
// then passed to constructors.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/recall/internal/credential"
	"github.com/felixgeelhaar/recall/internal/errs"
	"gopkg.in/yaml.v3"
)

// Providers lists the supported embedding backends.
var Providers = []string{"ollama", "openai", "bedrock", "gemini", "plugin", "stub"}

// Drivers lists the supported vector store backends.
var Drivers = []string{"sqlite", "memory"}

type Config struct {
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Memory    MemoryConfig    `yaml:"memory" json:"memory"`
	Search    SearchConfig    `yaml:"search" json:"search"`
}

type EmbeddingConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	// Model is empty for the provider's default model.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
	// Dimension overrides the model table; required for models it does not
	// know.
	Dimension int `yaml:"dimension,omitempty" json:"dimension,omitempty"`
	// Timeout bounds one embedding call. Zero selects the provider default.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	OllamaURL     string `yaml:"ollama_url,omitempty" json:"ollama_url,omitempty"`
	OpenAIKey     string `yaml:"openai_api_key,omitempty" json:"openai_api_key,omitempty"`
	OpenAIBaseURL string `yaml:"openai_base_url,omitempty" json:"openai_base_url,omitempty"`
	GeminiKey     string `yaml:"gemini_api_key,omitempty" json:"gemini_api_key,omitempty"`
	AWSRegion     string `yaml:"aws_region,omitempty" json:"aws_region,omitempty"`
	AWSProfile    string `yaml:"aws_profile,omitempty" json:"aws_profile,omitempty"`
	// PluginPath is the embedder plugin binary for the plugin provider.
	PluginPath string `yaml:"plugin_path,omitempty" json:"plugin_path,omitempty"`
}

type StoreConfig struct {
	Driver  string   `yaml:"driver" json:"driver"`
	Path    string   `yaml:"path,omitempty" json:"path,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type CacheConfig struct {
	Collection string  `yaml:"collection" json:"collection"`
	Threshold  float64 `yaml:"threshold" json:"threshold"`
	Distance   string  `yaml:"distance" json:"distance"`
}

type MemoryConfig struct {
	Collection string  `yaml:"collection" json:"collection"`
	TopK       int     `yaml:"top_k" json:"top_k"`
	Threshold  float64 `yaml:"threshold" json:"threshold"`
	Distance   string  `yaml:"distance" json:"distance"`
}

type SearchConfig struct {
	TopK      int     `yaml:"top_k" json:"top_k"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			OllamaURL: "http://localhost:11434",
			AWSRegion: "eu-west-1",
		},
		Store: StoreConfig{
			Driver:  "sqlite",
			Path:    filepath.Join(Dir(), "recall.db"),
			Timeout: Duration(10 * time.Second),
		},
		Cache: CacheConfig{
			Collection: "semantic_cache",
			Threshold:  0.92,
			Distance:   "cosine",
		},
		Memory: MemoryConfig{
			Collection: "agent_memory",
			TopK:       5,
			Threshold:  0.7,
			Distance:   "cosine",
		},
		Search: SearchConfig{
			TopK:      10,
			Threshold: 0.6,
		},
	}
}

// Dir is the per-user state directory, ~/.recall.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recall"
	}
	return filepath.Join(home, ".recall")
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults. Sealed secrets are opened.
func Load(path string) (Config, error) {
	const op = "config.load"
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errs.Wrap(errs.Config, op, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errs.Wrap(errs.Config, op, fmt.Errorf("parse %s: %w", path, err))
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errs.Wrap(errs.Config, op, fmt.Errorf("parse %s: %w", path, err))
		}
	default:
		return cfg, errs.E(errs.Config, op, "unsupported config format: %s (use .yaml or .json)", ext)
	}

	if err := cfg.openSecrets(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables read through lookup (os.LookupEnv
// in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	const op = "config.env"
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("EMBEDDING_MODEL", &c.Embedding.Model)
	str("OLLAMA_URL", &c.Embedding.OllamaURL)
	str("OPENAI_API_KEY", &c.Embedding.OpenAIKey)
	str("OPENAI_BASE_URL", &c.Embedding.OpenAIBaseURL)
	str("GEMINI_API_KEY", &c.Embedding.GeminiKey)
	str("AWS_REGION", &c.Embedding.AWSRegion)
	str("AWS_PROFILE", &c.Embedding.AWSProfile)
	str("EMBEDDING_PLUGIN", &c.Embedding.PluginPath)
	str("RECALL_STORE", &c.Store.Driver)
	str("RECALL_DB", &c.Store.Path)
	str("CACHE_COLLECTION", &c.Cache.Collection)
	str("MEMORY_COLLECTION", &c.Memory.Collection)

	if v, ok := lookup("EMBEDDING_DIMENSION"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.E(errs.Config, op, "EMBEDDING_DIMENSION: %q is not an integer", v)
		}
		c.Embedding.Dimension = n
	}
	c.Embedding.Provider = strings.ToLower(c.Embedding.Provider)
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	return nil
}

// Validate reports the first configuration problem as an errs.Config error.
func (c Config) Validate() error {
	const op = "config.validate"
	if !contains(Providers, c.Embedding.Provider) {
		return errs.E(errs.Config, op, "unknown embedding provider %q (supported: %s)",
			c.Embedding.Provider, strings.Join(Providers, ", "))
	}
	if c.Embedding.Provider == "plugin" && c.Embedding.PluginPath == "" {
		return errs.E(errs.Config, op, "plugin_path is required for the plugin provider")
	}
	if c.Embedding.Dimension < 0 {
		return errs.E(errs.Config, op, "embedding dimension must not be negative")
	}
	if !contains(Drivers, c.Store.Driver) {
		return errs.E(errs.Config, op, "unknown store driver %q (supported: %s)",
			c.Store.Driver, strings.Join(Drivers, ", "))
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return errs.E(errs.Config, op, "store path is required for the sqlite driver")
	}
	if c.Cache.Collection == "" || c.Memory.Collection == "" {
		return errs.E(errs.Config, op, "collection names must not be empty")
	}
	for name, v := range map[string]float64{
		"cache.threshold":  c.Cache.Threshold,
		"memory.threshold": c.Memory.Threshold,
		"search.threshold": c.Search.Threshold,
	} {
		if v < 0 || v > 1 {
			return errs.E(errs.Config, op, "%s must be within [0,1], got %v", name, v)
		}
	}
	if c.Memory.TopK < 1 || c.Search.TopK < 1 {
		return errs.E(errs.Config, op, "top_k must be at least 1")
	}
	return nil
}

// Save writes c to path with API keys sealed. The format follows the file
// extension.
func (c Config) Save(path string) error {
	const op = "config.save"
	out, err := c.sealSecrets()
	if err != nil {
		return err
	}

	var data []byte
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		data, err = json.MarshalIndent(out, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(out)
	default:
		return errs.E(errs.Config, op, "unsupported config format: %s (use .yaml or .json)", ext)
	}
	if err != nil {
		return errs.Wrap(errs.Config, op, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errs.Wrap(errs.Config, op, fmt.Errorf("create config directory: %w", err))
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errs.Wrap(errs.Config, op, err)
	}
	return nil
}

func (c *Config) secrets() []*string {
	return []*string{&c.Embedding.OpenAIKey, &c.Embedding.GeminiKey}
}

func (c *Config) openSecrets() error {
	var sealer *credential.Sealer
	for _, s := range c.secrets() {
		if !credential.IsSealed(*s) {
			continue
		}
		if sealer == nil {
			var err error
			if sealer, err = credential.Default(); err != nil {
				return errs.Wrap(errs.Config, "config.secrets", err)
			}
		}
		plain, err := sealer.Open(*s)
		if err != nil {
			return errs.Wrap(errs.Config, "config.secrets", err)
		}
		*s = plain
	}
	return nil
}

func (c Config) sealSecrets() (Config, error) {
	var sealer *credential.Sealer
	for _, s := range c.secrets() {
		if *s == "" || credential.IsSealed(*s) {
			continue
		}
		if sealer == nil {
			var err error
			if sealer, err = credential.Default(); err != nil {
				return c, errs.Wrap(errs.Config, "config.secrets", err)
			}
		}
		sealed, err := sealer.Seal(*s)
		if err != nil {
			return c, errs.Wrap(errs.Config, "config.secrets", err)
		}
		*s = sealed
	}
	return c, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
