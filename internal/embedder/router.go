package embedder

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/scrypster/openmemory/pkg/types"
)

// Router dispatches each sector to a named model provider per a routing
// table, optionally fusing the routed vector with a synthetic fingerprint.
// Routing decisions are cached with a TTL so table lookups and the default
// fallback resolve once per sector per window.
type Router struct {
	table     map[types.Sector]string // sector -> model name
	providers map[string]Provider     // model name -> provider
	fallback  Provider
	synthetic *Synthetic
	fuse      bool
	decisions *expirable.LRU[types.Sector, Provider]
}

// RouterConfig wires the routing table to concrete providers.
type RouterConfig struct {
	// Table maps sectors to model names; sectors absent from the table use
	// Fallback.
	Table     map[types.Sector]string
	Providers map[string]Provider
	Fallback  Provider

	// Fuse enables synthetic+semantic fusion with per-sector weights.
	Fuse      bool
	Synthetic *Synthetic

	// DecisionTTL bounds how long a routing decision is reused. Zero means
	// 10 minutes.
	DecisionTTL time.Duration
}

// NewRouter builds a router. Fallback is required.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.DecisionTTL == 0 {
		cfg.DecisionTTL = 10 * time.Minute
	}
	return &Router{
		table:     cfg.Table,
		providers: cfg.Providers,
		fallback:  cfg.Fallback,
		synthetic: cfg.Synthetic,
		fuse:      cfg.Fuse && cfg.Synthetic != nil,
		decisions: expirable.NewLRU[types.Sector, Provider](16, nil, cfg.DecisionTTL),
	}
}

func (r *Router) Name() string { return "router" }

// route resolves the provider for a sector through the decision cache.
func (r *Router) route(sector types.Sector) Provider {
	if p, ok := r.decisions.Get(sector); ok {
		return p
	}
	p := r.fallback
	if model, ok := r.table[sector]; ok {
		if routed, ok := r.providers[model]; ok {
			p = routed
		}
	}
	r.decisions.Add(sector, p)
	return p
}

func (r *Router) Embed(ctx context.Context, text string, sector types.Sector) ([]float32, error) {
	v, err := r.route(sector).Embed(ctx, text, sector)
	if err != nil {
		return nil, err
	}
	if !r.fuse {
		return v, nil
	}
	syn, _ := r.synthetic.Embed(ctx, text, sector)
	wSyn, wSem := FusionWeightsFor(sector)
	return Fuse(Resize(syn, len(v)), v, wSyn, wSem), nil
}
