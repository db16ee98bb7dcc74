// Package dynamics holds the pure scalar functions of the memory lifecycle:
// decay, recency, reinforcement, resonance, and spreading activation. Nothing
// here performs I/O; the retrieval engine and maintenance jobs compose these.
package dynamics

import (
	"math"

	"github.com/scrypster/openmemory/pkg/types"
)

// Default lifecycle constants.
const (
	LambdaFast = 0.015 // fast decay phase, per day
	LambdaSlow = 0.002 // slow (consolidated) decay phase, per day
	Theta      = 0.4   // consolidation coefficient
	Gamma      = 0.35  // spreading-activation hop damping
	Eta        = 0.18  // reinforcement learning rate
	TauRecency = 0.5   // recency time constant, days
	TauBoost   = 0.5   // similarity boost saturation
	MaxDays    = 60.0  // recency horizon, days
)

const millisPerDay = 86_400_000.0

// Sigmoid is the logistic function, clamped for |x| > 40 where exp would
// overflow or vanish.
func Sigmoid(x float64) float64 {
	if x > 40 {
		return 1
	}
	if x < -40 {
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}

// Boost saturates a similarity score: 1 - exp(-tau*s).
func Boost(sim float64) float64 {
	return 1 - math.Exp(-TauBoost*sim)
}

// Recency maps a last-seen timestamp to [0,1]: recently seen memories score
// near 1, memories older than MaxDays score 0.
func Recency(lastSeenMs, nowMs int64) float64 {
	d := float64(nowMs-lastSeenMs) / millisPerDay
	if d < 0 {
		d = 0
	}
	r := math.Exp(-d/TauRecency) * (1 - d/MaxDays)
	if r < 0 {
		return 0
	}
	return r
}

// DualPhaseDecay returns the decayed salience after deltaDays. The retention
// factor combines a fast and a slow exponential weighted by the consolidation
// coefficient; it is exactly 1 at deltaDays = 0 and strictly decreasing.
func DualPhaseDecay(salience, deltaDays float64) float64 {
	return DualPhaseDecayWith(salience, deltaDays, LambdaFast, LambdaSlow)
}

// DualPhaseDecayWith lets the caller substitute per-memory decay rates.
func DualPhaseDecayWith(salience, deltaDays, lambdaFast, lambdaSlow float64) float64 {
	if deltaDays < 0 {
		deltaDays = 0
	}
	retention := (1-Theta)*math.Exp(-lambdaFast*deltaDays) + Theta*math.Exp(-lambdaSlow*deltaDays)
	return salience * retention
}

// RetrievalReinforcement bumps salience toward 1 with diminishing returns.
func RetrievalReinforcement(salience float64) float64 {
	s := salience + Eta*(1-salience)
	if s > 1 {
		return 1
	}
	return s
}

// Propagate returns the salience increment a neighbor receives when a source
// memory is reinforced.
func Propagate(sourceSalience, waypointWeight float64) float64 {
	return Eta * waypointWeight * sourceSalience
}

// resonanceMatrix rows are the memory's sector, columns the query's sector,
// in types.AllSectors order. Symmetric with unit diagonal.
var resonanceMatrix = [5][5]float64{
	{1.0, 0.7, 0.3, 0.6, 0.6}, // episodic
	{0.7, 1.0, 0.4, 0.7, 0.8}, // semantic
	{0.3, 0.4, 1.0, 0.5, 0.2}, // procedural
	{0.6, 0.7, 0.5, 1.0, 0.8}, // emotional
	{0.6, 0.8, 0.2, 0.8, 1.0}, // reflective
}

// Resonance scales base by the cross-sector affinity of the memory's sector
// and the query's sector. Unknown sectors scale by the weakest off-diagonal
// entry rather than failing.
func Resonance(memorySector, querySector types.Sector, base float64) float64 {
	return base * ResonanceFactor(memorySector, querySector)
}

// ResonanceFactor returns the raw matrix entry for a sector pair.
func ResonanceFactor(memorySector, querySector types.Sector) float64 {
	mi := types.SectorIndex(memorySector)
	qi := types.SectorIndex(querySector)
	if mi < 0 || qi < 0 {
		return 0.2
	}
	return resonanceMatrix[mi][qi]
}
