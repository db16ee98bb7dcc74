package embedder

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/scrypster/openmemory/pkg/types"
)

// Settings describes a provider pipeline in configuration terms; BuildService
// turns it into a running Service with the fallback chain resolved.
type Settings struct {
	// Kind is the head provider: synthetic, openai, gemini, ollama, or
	// router_cpu.
	Kind string

	// Fallback names providers tried in order after Kind fails. The
	// synthetic fingerprint is always the implicit last resort.
	Fallback []string

	// VecDim is the guaranteed output dimension.
	VecDim int

	// RouterSectorModels maps sector name to provider name (router_cpu).
	RouterSectorModels map[string]string

	// HybridFusion makes the router fuse provider vectors with synthetic
	// fingerprints.
	HybridFusion bool

	// Parallel bounds per-sector fan-out for non-batching providers.
	Parallel bool

	OpenAIAPIKey string
	OpenAIModel  string
	GeminiAPIKey string
	GeminiModel  string
	OllamaURL    string
	OllamaModel  string

	Logs   LogSink
	Logger *zap.Logger
}

// BuildService resolves Settings into a Service. Unknown or misconfigured
// provider names fail loudly; a bare synthetic pipeline never fails.
func BuildService(s Settings) (*Service, error) {
	var chain []Provider

	names := append([]string{s.Kind}, s.Fallback...)
	for _, name := range names {
		p, err := buildProvider(name, s)
		if err != nil {
			return nil, err
		}
		if p != nil {
			chain = append(chain, p)
		}
	}

	parallel := 1
	if s.Parallel {
		parallel = 4
	}

	return NewService(ServiceConfig{
		Dim:       s.VecDim,
		Providers: chain,
		Tier:      s.Kind,
		Parallel:  parallel,
		Logs:      s.Logs,
		Logger:    s.Logger,
	}), nil
}

func buildProvider(name string, s Settings) (Provider, error) {
	switch name {
	case "", "synthetic":
		// Implicit last resort inside the Service; nothing to add.
		return nil, nil
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{APIKey: s.OpenAIAPIKey, Model: s.OpenAIModel})
	case "gemini":
		return NewGeminiProvider(GeminiConfig{APIKey: s.GeminiAPIKey, Model: s.GeminiModel})
	case "ollama", "local":
		return NewOllamaProvider(OllamaConfig{BaseURL: s.OllamaURL, Model: s.OllamaModel}), nil
	case "router_cpu":
		return buildRouter(s)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrProvider, name)
	}
}

func buildRouter(s Settings) (Provider, error) {
	table := make(map[types.Sector]string, len(s.RouterSectorModels))
	providers := make(map[string]Provider, len(s.RouterSectorModels))
	for sectorName, providerName := range s.RouterSectorModels {
		sector, err := types.ParseSector(sectorName)
		if err != nil {
			return nil, fmt.Errorf("%w: router table: %v", ErrProvider, err)
		}
		if providerName == "router_cpu" {
			return nil, fmt.Errorf("%w: router table cannot route to itself", ErrProvider)
		}
		p, err := buildProvider(providerName, s)
		if err != nil {
			return nil, err
		}
		if p == nil {
			p = NewSynthetic(s.VecDim)
		}
		table[sector] = providerName
		providers[providerName] = p
	}

	syn := NewSynthetic(s.VecDim)
	return NewRouter(RouterConfig{
		Table:     table,
		Providers: providers,
		Fallback:  syn,
		Fuse:      s.HybridFusion,
		Synthetic: syn,
	}), nil
}
