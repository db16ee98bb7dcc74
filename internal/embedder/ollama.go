package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scrypster/openmemory/pkg/types"
)

// OllamaProvider embeds through a local Ollama-compatible HTTP runtime.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

// OllamaConfig holds Ollama provider configuration.
type OllamaConfig struct {
	BaseURL string // default http://localhost:11434
	Model   string // default nomic-embed-text
	Timeout time.Duration
}

// NewOllamaProvider creates the provider with defaults applied.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OllamaProvider{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

// ollamaEmbedRequest is the request body for POST /api/embed. Input accepts a
// string or an array of strings; the response embeddings field is always 2D.
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *OllamaProvider) Embed(ctx context.Context, text string, sector types.Sector) ([]float32, error) {
	vs, err := p.EmbedBatch(ctx, []string{text}, sector)
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string, _ types.Sector) ([][]float32, error) {
	payload, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrProvider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		if hint := retryAfterHint(resp.Header.Get("Retry-After")); hint > 0 {
			return nil, &RateLimitError{Provider: "ollama", RetryAfter: hint}
		}
		return nil, fmt.Errorf("%w: ollama status 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: ollama status %d: %s", ErrProvider, resp.StatusCode, raw)
	}

	var body ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	if len(body.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: ollama returned %d embeddings for %d inputs",
			ErrProvider, len(body.Embeddings), len(texts))
	}
	return body.Embeddings, nil
}
