package embedder

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/scrypster/openmemory/pkg/types"
)

// OpenAIProvider embeds through the OpenAI embeddings API. The sector is
// ignored; the model sees only text.
type OpenAIProvider struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	timeout time.Duration
}

// OpenAIConfig holds OpenAI provider configuration.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // optional override for compatible endpoints
	Model   string // default text-embedding-3-small
	Timeout time.Duration
}

// NewOpenAIProvider creates the provider. The API key is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   openai.EmbeddingModel(cfg.Model),
		timeout: cfg.Timeout,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Embed(ctx context.Context, text string, sector types.Sector) ([]float32, error) {
	vs, err := p.EmbedBatch(ctx, []string{text}, sector)
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string, _ types.Sector) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: p.model,
	})
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: openai returned %d embeddings for %d inputs",
			ErrProvider, len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: openai returned out-of-range index %d", ErrProvider, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func classifyOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", ErrProvider, err)
}
