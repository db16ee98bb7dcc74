package dynamics

import (
	"context"
	"math"
	"sort"

	"github.com/scrypster/openmemory/pkg/types"
)

// Spreading-activation safety budgets.
const (
	ActivationThreshold = 0.05
	MaxSourcesPerHop    = 500
	MaxTraversals       = 10_000
	MaxActiveNodes      = 2_000
)

// NeighborFunc returns the outgoing waypoints of a batch of source ids. The
// engine binds this to the store's batched neighbor lookup so the graph is
// pulled one hop at a time, never loaded whole.
type NeighborFunc func(ctx context.Context, srcIDs []string) ([]*types.Waypoint, error)

// Spread runs spreading activation from the seed ids. Seeds start at
// activation 1; each hop propagates weight * current * exp(-Gamma*hop) along
// outgoing edges and keeps the max activation per node. The walk stops when
// nothing changes, maxIterations hops have run, or a safety budget trips.
// On node overflow the top MaxActiveNodes by activation are retained.
func Spread(ctx context.Context, seeds []string, maxIterations int, neighbors NeighborFunc) (map[string]float64, error) {
	activation := make(map[string]float64, len(seeds))
	for _, id := range seeds {
		activation[id] = 1.0
	}
	if len(seeds) == 0 || maxIterations < 1 {
		return activation, nil
	}

	traversals := 0
	for hop := 1; hop <= maxIterations; hop++ {
		sources := make([]string, 0, len(activation))
		for id, a := range activation {
			if a >= ActivationThreshold {
				sources = append(sources, id)
			}
		}
		if len(sources) == 0 {
			break
		}
		sort.Strings(sources)
		if len(sources) > MaxSourcesPerHop {
			sources = topByActivation(sources, activation, MaxSourcesPerHop)
		}

		edges, err := neighbors(ctx, sources)
		if err != nil {
			return nil, err
		}

		damping := math.Exp(-Gamma * float64(hop))
		changed := false
		for _, e := range edges {
			traversals++
			if traversals > MaxTraversals {
				return activation, nil
			}
			propagated := types.ClampWeight(e.Weight) * activation[e.SrcID] * damping
			if propagated > activation[e.DstID] {
				activation[e.DstID] = propagated
				changed = true
			}
		}
		if !changed {
			break
		}

		if len(activation) > MaxActiveNodes {
			trimToTop(activation, MaxActiveNodes)
		}
	}
	return activation, nil
}

// topByActivation returns the n highest-activation ids from the sorted slice,
// preserving id order among equals for determinism.
func topByActivation(ids []string, activation map[string]float64, n int) []string {
	sort.SliceStable(ids, func(i, j int) bool {
		return activation[ids[i]] > activation[ids[j]]
	})
	ids = ids[:n]
	sort.Strings(ids)
	return ids
}

func trimToTop(activation map[string]float64, n int) {
	ids := make([]string, 0, len(activation))
	for id := range activation {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sort.SliceStable(ids, func(i, j int) bool {
		return activation[ids[i]] > activation[ids[j]]
	})
	for _, id := range ids[n:] {
		delete(activation, id)
	}
}
