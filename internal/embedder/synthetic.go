package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/scrypster/openmemory/pkg/types"
)

// sectorWeights scale the synthetic fingerprint per sector so the same text
// lands in slightly different regions of each sector space.
var sectorWeights = map[types.Sector]float64{
	types.SectorEpisodic:   1.3,
	types.SectorSemantic:   1.0,
	types.SectorProcedural: 1.2,
	types.SectorEmotional:  1.4,
	types.SectorReflective: 0.9,
}

// Synthetic is the deterministic, CPU-only fallback provider. It builds a
// hashing-trick fingerprint from tokens, character n-grams, token bigrams and
// trigrams, skip-grams, and positional sinusoids, then L2-normalizes. Similar
// texts share features and therefore direction; it is a fingerprint, not a
// learned semantic space.
type Synthetic struct {
	dim int
}

// NewSynthetic builds a synthetic provider emitting vectors of dim.
func NewSynthetic(dim int) *Synthetic {
	if dim < 1 {
		dim = 256
	}
	return &Synthetic{dim: dim}
}

func (s *Synthetic) Name() string { return "synthetic" }

// Embed never fails; the context is accepted for interface symmetry.
func (s *Synthetic) Embed(_ context.Context, text string, sector types.Sector) ([]float32, error) {
	v := make([]float64, s.dim)
	tokens := strings.Fields(strings.ToLower(text))

	for i, tok := range tokens {
		s.addFeature(v, "tok:"+tok, 1.0)
		// Positional sinusoid ties a token to where it appears.
		pos := float64(i) / float64(len(tokens))
		s.addFeature(v, "pos:"+tok, 0.3*math.Sin(math.Pi*pos))

		for _, n := range []int{2, 3} {
			for j := 0; j+n <= len(tok); j++ {
				s.addFeature(v, "ng:"+tok[j:j+n], 0.5)
			}
		}
		if i+1 < len(tokens) {
			s.addFeature(v, "bi:"+tok+"_"+tokens[i+1], 0.8)
		}
		if i+2 < len(tokens) {
			s.addFeature(v, "tri:"+tok+"_"+tokens[i+1]+"_"+tokens[i+2], 0.6)
			s.addFeature(v, "skip:"+tok+"_"+tokens[i+2], 0.4)
		}
	}

	w := sectorWeights[sector]
	if w == 0 {
		w = 1
	}
	var norm float64
	for i := range v {
		v[i] *= w
		norm += v[i] * v[i]
	}
	out := make([]float32, s.dim)
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			out[i] = float32(v[i] / norm)
		}
	}
	return out, nil
}

// EmbedBatch satisfies BatchProvider; the work is local so it just loops.
func (s *Synthetic) EmbedBatch(ctx context.Context, texts []string, sector types.Sector) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := s.Embed(ctx, t, sector)
		out[i] = v
	}
	return out, nil
}

// addFeature hashes the feature into two buckets with a signed weight, the
// usual collision-mitigation trick for hashed feature spaces.
func (s *Synthetic) addFeature(v []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	sign := 1.0
	if (sum>>63)&1 == 1 {
		sign = -1.0
	}
	primary := int(sum % uint64(s.dim))
	secondary := int((sum >> 32) % uint64(s.dim))
	v[primary] += sign * weight
	v[secondary] += 0.5 * sign * weight
}
