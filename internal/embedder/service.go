package embedder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/openmemory/pkg/types"
)

// LogSink persists EmbedLog rows. The storage.Store satisfies it; tests use
// an in-memory fake. A nil sink disables logging.
type LogSink interface {
	InsertEmbedLog(ctx context.Context, l *types.EmbedLog) error
	UpdateEmbedLog(ctx context.Context, id string, status types.EmbedStatus, errMsg string) error
}

const (
	unhealthyWindow = 5 * time.Minute
	maxAttempts     = 3
	cacheSize       = 500
	cacheTTL        = 5 * time.Minute
	textPrefixLen   = 100
)

// Service is the outer retry/fallback driver shared by every provider. It
// walks a deduplicated provider chain, skips providers marked unhealthy,
// wraps each call in a circuit breaker, retries with exponential backoff,
// and falls back to the synthetic provider as a last resort. Callers always
// receive vectors of the configured dimension, never an error.
type Service struct {
	dim       int
	tier      string
	chain     []Provider
	synthetic *Synthetic
	parallel  int
	backoff   time.Duration
	logs      LogSink
	log       *zap.Logger

	breakers map[string]*gobreaker.CircuitBreaker

	mu        sync.Mutex
	unhealthy map[string]time.Time // provider -> healthy again at

	cache *expirable.LRU[string, map[types.Sector][]float32]
}

// ServiceConfig configures NewService.
type ServiceConfig struct {
	// Dim is the guaranteed output dimension (vec_dim).
	Dim int

	// Providers is the ordered fallback chain, configured provider first.
	// The synthetic provider is always appended as the final fallback and
	// need not be listed.
	Providers []Provider

	// Tier tags cache keys so different pipeline tiers do not collide.
	Tier string

	// Parallel bounds per-sector fan-out when the provider cannot batch.
	// Zero means 4.
	Parallel int

	// Backoff is the first retry delay; attempts wait backoff, 2x, 4x.
	// Zero means 1 second. Tests shrink it.
	Backoff time.Duration

	Logs   LogSink
	Logger *zap.Logger
}

// NewService builds the driver.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Dim < 1 {
		cfg.Dim = 256
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 4
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Service{
		dim:       cfg.Dim,
		tier:      cfg.Tier,
		synthetic: NewSynthetic(cfg.Dim),
		parallel:  cfg.Parallel,
		backoff:   cfg.Backoff,
		logs:      cfg.Logs,
		log:       cfg.Logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		unhealthy: make(map[string]time.Time),
		cache:     expirable.NewLRU[string, map[types.Sector][]float32](cacheSize, nil, cacheTTL),
	}

	seen := map[string]bool{}
	for _, p := range cfg.Providers {
		if p == nil || seen[p.Name()] {
			continue
		}
		seen[p.Name()] = true
		s.chain = append(s.chain, p)
		s.breakers[p.Name()] = newBreaker(p.Name())
	}
	return s
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// EmbedForSector returns a vector of length Dim for (text, sector). Provider
// failures degrade to the synthetic fingerprint; this method never fails.
func (s *Service) EmbedForSector(ctx context.Context, text string, sector types.Sector) []float32 {
	for _, p := range s.chain {
		v, err := s.callOne(ctx, p, text, sector)
		if err == nil {
			return Resize(v, s.dim)
		}
	}
	v, _ := s.synthetic.Embed(ctx, text, sector)
	return v
}

// EmbedQueryAllSectors embeds one query text for every searched sector,
// preferring a single upstream batch call. Results are cached.
func (s *Service) EmbedQueryAllSectors(ctx context.Context, text string, sectors []types.Sector) map[types.Sector][]float32 {
	if len(sectors) == 0 {
		return map[types.Sector][]float32{}
	}
	key := s.cacheKey(text, sectors)
	if hit, ok := s.cache.Get(key); ok {
		return hit
	}

	out := s.embedAllSectors(ctx, text, sectors)
	s.cache.Add(key, out)
	return out
}

func (s *Service) embedAllSectors(ctx context.Context, text string, sectors []types.Sector) map[types.Sector][]float32 {
	for _, p := range s.chain {
		if s.isUnhealthy(p.Name()) {
			continue
		}
		if bp, ok := p.(BatchProvider); ok {
			texts := make([]string, len(sectors))
			for i := range sectors {
				texts[i] = text
			}
			res, err := s.callBatch(ctx, bp, texts, sectors[0])
			if err == nil {
				out := make(map[types.Sector][]float32, len(sectors))
				for i, sec := range sectors {
					out[sec] = Resize(res[i], s.dim)
				}
				return out
			}
			continue
		}

		out := make(map[types.Sector][]float32, len(sectors))
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.parallel)
		for _, sec := range sectors {
			sec := sec
			g.Go(func() error {
				v, err := s.callOne(gctx, p, text, sec)
				if err != nil {
					return err
				}
				mu.Lock()
				out[sec] = Resize(v, s.dim)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err == nil {
			return out
		}
	}

	// Synthetic never fails; per-sector weights make each vector distinct.
	out := make(map[types.Sector][]float32, len(sectors))
	for _, sec := range sectors {
		v, _ := s.synthetic.Embed(ctx, text, sec)
		out[sec] = v
	}
	return out
}

// EmbedMultiSector embeds a memory's text for every sector it belongs to,
// recording an EmbedLog row that transitions pending -> completed, or
// pending -> failed -> completed with the synthetic model on total failure.
func (s *Service) EmbedMultiSector(ctx context.Context, id, text string, sectors []types.Sector) map[types.Sector][]float32 {
	model := "synthetic"
	if len(s.chain) > 0 {
		model = s.chain[0].Name()
	}
	s.logPending(ctx, id, model)

	out := make(map[types.Sector][]float32, len(sectors))
	failed := false
	for _, sec := range sectors {
		v, err := s.embedWithChain(ctx, text, sec)
		if err != nil {
			failed = true
			v, _ = s.synthetic.Embed(ctx, text, sec)
		}
		out[sec] = Resize(v, s.dim)
	}

	if failed {
		s.logStatus(ctx, id, types.EmbedFailed, "all providers failed, synthetic fallback")
		s.logStatus(ctx, id, types.EmbedCompleted, "")
	} else {
		s.logStatus(ctx, id, types.EmbedCompleted, "")
	}
	return out
}

// embedWithChain walks the provider chain for one (text, sector) and reports
// an error only when every real provider fails.
func (s *Service) embedWithChain(ctx context.Context, text string, sector types.Sector) ([]float32, error) {
	var lastErr error
	for _, p := range s.chain {
		v, err := s.callOne(ctx, p, text, sector)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no providers configured", ErrProvider)
	}
	return nil, lastErr
}

// callOne runs one provider with health check, breaker, and backoff retries.
func (s *Service) callOne(ctx context.Context, p Provider, text string, sector types.Sector) ([]float32, error) {
	if s.isUnhealthy(p.Name()) {
		return nil, fmt.Errorf("%w: %s is cooling down", ErrProvider, p.Name())
	}
	res, err := s.execute(ctx, p.Name(), func() (any, error) {
		return p.Embed(ctx, text, sector)
	})
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}

func (s *Service) callBatch(ctx context.Context, p BatchProvider, texts []string, sector types.Sector) ([][]float32, error) {
	if s.isUnhealthy(p.Name()) {
		return nil, fmt.Errorf("%w: %s is cooling down", ErrProvider, p.Name())
	}
	res, err := s.execute(ctx, p.Name(), func() (any, error) {
		return p.EmbedBatch(ctx, texts, sector)
	})
	if err != nil {
		return nil, err
	}
	return res.([][]float32), nil
}

// execute retries fn up to maxAttempts times with exponential backoff behind
// the provider's circuit breaker. A rate-limit error marks the provider
// unhealthy for the cool-down window and stops retrying.
func (s *Service) execute(ctx context.Context, name string, fn func() (any, error)) (any, error) {
	br := s.breakers[name]
	delay := s.backoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := br.Execute(fn)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, ErrRateLimited) {
			window := unhealthyWindow
			var rl *RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				window = rl.RetryAfter
			}
			s.markUnhealthyFor(name, window)
			s.log.Warn("provider rate limited, cooling down",
				zap.String("provider", name),
				zap.Duration("window", window))
			break
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	s.log.Debug("provider failed", zap.String("provider", name), zap.Error(lastErr))
	return nil, lastErr
}

func (s *Service) isUnhealthy(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.unhealthy[name]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.unhealthy, name)
		return false
	}
	return true
}

func (s *Service) markUnhealthyFor(name string, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhealthy[name] = time.Now().Add(window)
}

func (s *Service) cacheKey(text string, sectors []types.Sector) string {
	names := make([]string, len(sectors))
	for i, sec := range sectors {
		names[i] = string(sec)
	}
	sort.Strings(names)

	head := "synthetic"
	if len(s.chain) > 0 {
		head = s.chain[0].Name()
	}
	prefix := text
	if len(prefix) > textPrefixLen {
		prefix = prefix[:textPrefixLen]
	}
	return head + "|" + s.tier + "|" + strings.Join(names, ",") + "|" + prefix
}

func (s *Service) logPending(ctx context.Context, id, model string) {
	if s.logs == nil {
		return
	}
	err := s.logs.InsertEmbedLog(ctx, &types.EmbedLog{
		ID: id, Model: model, Status: types.EmbedPending, TS: types.NowMillis(),
	})
	if err != nil {
		s.log.Warn("failed to record embed log", zap.String("id", id), zap.Error(err))
	}
}

func (s *Service) logStatus(ctx context.Context, id string, status types.EmbedStatus, msg string) {
	if s.logs == nil {
		return
	}
	if err := s.logs.UpdateEmbedLog(ctx, id, status, msg); err != nil {
		s.log.Warn("failed to update embed log", zap.String("id", id), zap.Error(err))
	}
}
