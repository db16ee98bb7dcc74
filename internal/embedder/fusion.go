package embedder

import (
	"math"

	"github.com/scrypster/openmemory/pkg/types"
)

// fusionWeights are the per-sector (synthetic, semantic) weights used by the
// smart tier. Sectors without an entry use an even split.
var fusionWeights = map[types.Sector][2]float64{
	types.SectorSemantic:   {0.4, 0.6},
	types.SectorProcedural: {0.45, 0.55},
}

// FusionWeightsFor returns the (synthetic, semantic) weight pair for a sector.
func FusionWeightsFor(sector types.Sector) (float64, float64) {
	if w, ok := fusionWeights[sector]; ok {
		return w[0], w[1]
	}
	return 0.5, 0.5
}

// Fuse combines two vectors of equal length as a weighted element-wise sum
// followed by L2 normalization. Weights are normalized to sum to 1 first.
// Mismatched lengths fall back to the first vector.
func Fuse(v1, v2 []float32, w1, w2 float64) []float32 {
	if len(v1) != len(v2) || len(v1) == 0 {
		return v1
	}
	total := w1 + w2
	if total <= 0 {
		w1, w2, total = 0.5, 0.5, 1
	}
	w1 /= total
	w2 /= total

	out := make([]float32, len(v1))
	var norm float64
	for i := range v1 {
		f := w1*float64(v1[i]) + w2*float64(v2[i])
		out[i] = float32(f)
		norm += f * f
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range out {
			out[i] = float32(float64(out[i]) / norm)
		}
	}
	return out
}
