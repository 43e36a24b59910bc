package embed

import (
	"sort"

	"github.com/felixgeelhaar/recall/internal/errs"
)

// models maps provider to model to output dimension.
var models = map[string]map[string]int{
	"ollama": {
		"nomic-embed-text":  768,
		"mxbai-embed-large": 1024,
		"all-minilm":        384,
	},
	"openai": {
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"text-embedding-ada-002": 1536,
	},
	"bedrock": {
		"amazon.titan-embed-text-v2:0": 1024,
		"amazon.titan-embed-text-v1":   1536,
		"cohere.embed-english-v3":      1024,
		"cohere.embed-multilingual-v3": 1024,
	},
	"gemini": {
		"text-embedding-004": 768,
		"embedding-001":      768,
	},
}

var defaultModels = map[string]string{
	"ollama":  "nomic-embed-text",
	"openai":  "text-embedding-3-small",
	"bedrock": "amazon.titan-embed-text-v2:0",
	"gemini":  "text-embedding-004",
}

// DefaultModel returns the model a provider uses when none is configured.
func DefaultModel(provider string) string {
	return defaultModels[provider]
}

// Models lists the known models of a provider, sorted.
func Models(provider string) []string {
	var out []string
	for m := range models[provider] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// resolve picks the model and its dimension. A positive override accepts
// models missing from the table.
func resolve(provider, model string, override int) (string, int, error) {
	if model == "" {
		model = DefaultModel(provider)
	}
	if override > 0 {
		return model, override, nil
	}
	dim, ok := models[provider][model]
	if !ok {
		return "", 0, errs.E(errs.Config, "embed.model",
			"unsupported %s model %q (known: %v; set embedding.dimension for other models)",
			provider, model, Models(provider))
	}
	return model, dim, nil
}
