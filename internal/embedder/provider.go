// Package embedder produces dense vectors per (text, sector) across multiple
// providers with fallback, batching, caching, and fusion. The caller never
// sees a provider failure: the chain ends in the deterministic synthetic
// provider, so every embed operation returns a vector of the configured
// dimension.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/openmemory/pkg/types"
)

// ErrProvider marks a recoverable upstream embedding failure. It never
// reaches callers of the embedding service; the fallback chain converts it
// into a synthetic result.
var ErrProvider = errors.New("embedding provider error")

// ErrRateLimited wraps ErrProvider for 429-class failures; the service marks
// the provider unhealthy for a cool-down window when it sees one.
var ErrRateLimited = errors.New("embedding provider rate limited")

// RateLimitError is a rate-limit failure carrying the server's retry hint.
// It unwraps to ErrRateLimited; the service uses the hint as the cool-down
// window instead of the default.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// retryAfterHint parses a Retry-After header value, delta-seconds or HTTP
// date. Zero means no usable hint.
func retryAfterHint(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Provider is the minimum capability: embed one text for one sector. Cloud
// providers ignore the sector (the model is text-only); the synthetic
// provider folds the sector weight into the vector.
type Provider interface {
	Name() string
	Embed(ctx context.Context, text string, sector types.Sector) ([]float32, error)
}

// BatchProvider additionally embeds several texts in one upstream call.
// The service prefers this path when embedding a query for all sectors.
type BatchProvider interface {
	Provider
	EmbedBatch(ctx context.Context, texts []string, sector types.Sector) ([][]float32, error)
}

// Resize forces v to dim by truncating or zero-padding. Providers return
// whatever their model emits; the service guarantees the configured vec_dim.
func Resize(v []float32, dim int) []float32 {
	if len(v) == dim {
		return v
	}
	out := make([]float32, dim)
	copy(out, v)
	return out
}
