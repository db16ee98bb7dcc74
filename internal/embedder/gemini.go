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

// GeminiProvider embeds through the Google generative-language REST API.
type GeminiProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// GeminiConfig holds Gemini provider configuration.
type GeminiConfig struct {
	APIKey  string
	BaseURL string // default https://generativelanguage.googleapis.com
	Model   string // default text-embedding-004
	Timeout time.Duration
}

// NewGeminiProvider creates the provider. The API key is required.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-004"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &GeminiProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

// geminiContent is one embeddable text part.
type geminiContent struct {
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiEmbedRequest struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type geminiBatchRequest struct {
	Requests []geminiEmbedRequest `json:"requests"`
}

type geminiEmbedding struct {
	Values []float32 `json:"values"`
}

type geminiEmbedResponse struct {
	Embedding geminiEmbedding `json:"embedding"`
}

type geminiBatchResponse struct {
	Embeddings []geminiEmbedding `json:"embeddings"`
}

func newGeminiContent(text string) geminiContent {
	var c geminiContent
	c.Parts = append(c.Parts, struct {
		Text string `json:"text"`
	}{Text: text})
	return c
}

func (p *GeminiProvider) Embed(ctx context.Context, text string, _ types.Sector) ([]float32, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:embedContent?key=%s", p.baseURL, p.model, p.apiKey)
	body := geminiEmbedRequest{Model: "models/" + p.model, Content: newGeminiContent(text)}

	var resp geminiEmbedResponse
	if err := p.post(ctx, url, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: gemini returned an empty embedding", ErrProvider)
	}
	return resp.Embedding.Values, nil
}

func (p *GeminiProvider) EmbedBatch(ctx context.Context, texts []string, _ types.Sector) ([][]float32, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents?key=%s", p.baseURL, p.model, p.apiKey)
	req := geminiBatchRequest{}
	for _, t := range texts {
		req.Requests = append(req.Requests, geminiEmbedRequest{
			Model:   "models/" + p.model,
			Content: newGeminiContent(t),
		})
	}

	var resp geminiBatchResponse
	if err := p.post(ctx, url, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: gemini returned %d embeddings for %d inputs",
			ErrProvider, len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

func (p *GeminiProvider) post(ctx context.Context, url string, body, into any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrProvider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		if hint := retryAfterHint(resp.Header.Get("Retry-After")); hint > 0 {
			return &RateLimitError{Provider: "gemini", RetryAfter: hint}
		}
		return fmt.Errorf("%w: gemini status 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: gemini status %d: %s", ErrProvider, resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	return nil
}
