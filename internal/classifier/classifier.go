// Package classifier maps text onto cognitive sectors. The primary path is
// pattern scoring: each sector owns an ordered set of regular expressions and
// a weight, and the summed match count decides the primary sector, additional
// sectors, and a confidence value. An optional per-tenant learned model can
// override low-confidence results.
package classifier

import (
	"regexp"
	"strings"

	"github.com/scrypster/openmemory/pkg/types"
)

// Result is the classifier output for one text.
type Result struct {
	Primary    types.Sector
	Additional []types.Sector
	Confidence float64 // [0,1]
}

// LearnedModel classifies a precomputed mean vector. Training pipelines live
// outside the core; the hook only consumes a trained model.
type LearnedModel interface {
	// Classify returns the predicted sector and a confidence in [0,1].
	Classify(vec []float32) (types.Sector, float64)
}

// sectorPatterns pairs a sector with its expression set. Declaration order is
// the tie-break order for equal scores.
type sectorPatterns struct {
	sector   types.Sector
	weight   float64
	patterns []*regexp.Regexp
}

// Classifier scores text against per-sector pattern sets.
type Classifier struct {
	sectors []sectorPatterns
	learned LearnedModel
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

// New builds a classifier with the default pattern sets and sector weights.
func New() *Classifier {
	return &Classifier{
		sectors: []sectorPatterns{
			{
				sector: types.SectorEpisodic,
				weight: 1.3,
				patterns: compile(
					`\b(yesterday|today|tonight|tomorrow)\b`,
					`\blast (night|week|month|year|summer|winter|spring|fall)\b`,
					`\bthis (morning|afternoon|evening|weekend)\b`,
					`\b\d+ (minutes?|hours?|days?|weeks?|months?|years?) ago\b`,
					`\b(i|we) (visited|went|met|saw|attended|traveled|travelled|arrived)\b`,
					`\b(remember when|that time|happened|trip to)\b`,
					`\bon (monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`,
				),
			},
			{
				sector: types.SectorSemantic,
				weight: 1.0,
				patterns: compile(
					`\b(is|are|was|were) (a|an|the)\b`,
					`\b(means|defined as|refers to|consists of|known as)\b`,
					`\b(always|never|typically|generally|usually)\b`,
					`\b(fact|definition|concept|principle|theory)\b`,
					`\bworks by\b`,
				),
			},
			{
				sector: types.SectorProcedural,
				weight: 1.2,
				patterns: compile(
					`\bhow to\b`,
					`\bstep(s| \d+)?\b`,
					`\b(first|then|next|after that|finally)\b`,
					`\b(install|configure|build|compile|deploy|run|execute|setup|set up)\b`,
					`\b(click|press|select|type|enter|open)\b`,
					`\b(procedure|process|instructions?|recipe|workflow|checklist)\b`,
				),
			},
			{
				sector: types.SectorEmotional,
				weight: 1.4,
				patterns: compile(
					`\b(feel|feels|feeling|felt)\b`,
					`\b(happy|glad|joyful|excited|thrilled|delighted|proud)\b`,
					`\b(sad|upset|depressed|unhappy|miserable|disappointed)\b`,
					`\b(angry|furious|annoyed|frustrated|irritated)\b`,
					`\b(afraid|scared|anxious|worried|nervous|terrified)\b`,
					`\b(love|loved|hate|hated|adore|despise)\b`,
				),
			},
			{
				sector: types.SectorReflective,
				weight: 0.9,
				patterns: compile(
					`\bi (think|believe|suppose|guess|wonder)\b`,
					`\b(realized|realised|learned that|came to understand)\b`,
					`\b(looking back|in hindsight|in retrospect|on reflection)\b`,
					`\b(insight|lesson|takeaway|conclusion)\b`,
					`\bwhat if\b`,
					`\bshould have\b`,
				),
			},
		},
	}
}

// WithLearnedModel attaches a per-tenant learned override model.
func (c *Classifier) WithLearnedModel(m LearnedModel) *Classifier {
	c.learned = m
	return c
}

// Classify scores text against every sector. An explicit "sector" key in meta
// short-circuits with confidence 1. A text matching nothing defaults to
// semantic with confidence 0.2.
func (c *Classifier) Classify(text string, meta map[string]any) Result {
	if meta != nil {
		if raw, ok := meta["sector"]; ok {
			if s, ok := raw.(string); ok {
				if sector, err := types.ParseSector(s); err == nil {
					return Result{Primary: sector, Confidence: 1}
				}
			}
		}
	}

	scores := make([]float64, len(c.sectors))
	for i, sp := range c.sectors {
		matches := 0
		for _, re := range sp.patterns {
			matches += len(re.FindAllStringIndex(text, -1))
		}
		scores[i] = float64(matches) * sp.weight
	}

	best, second := -1, -1
	for i := range scores {
		if best < 0 || scores[i] > scores[best] {
			second = best
			best = i
			continue
		}
		if second < 0 || scores[i] > scores[second] {
			second = i
		}
	}

	if scores[best] == 0 {
		return Result{Primary: types.SectorSemantic, Confidence: 0.2}
	}

	primary := scores[best]
	secondScore := 0.0
	if second >= 0 {
		secondScore = scores[second]
	}

	threshold := 0.3 * primary
	if threshold < 1 {
		threshold = 1
	}
	var additional []types.Sector
	for i, sp := range c.sectors {
		if i == best {
			continue
		}
		if scores[i] >= threshold {
			additional = append(additional, sp.sector)
		}
	}

	conf := primary / (primary + secondScore + 1)
	if conf > 1 {
		conf = 1
	}
	return Result{
		Primary:    c.sectors[best].sector,
		Additional: additional,
		Confidence: conf,
	}
}

// ClassifyWithVector runs the pattern path and, when a learned model is
// attached, lets it override a low-confidence semantic default if the model
// is confident enough on the mean vector.
func (c *Classifier) ClassifyWithVector(text string, meta map[string]any, meanVec []float32) Result {
	res := c.Classify(text, meta)
	if c.learned == nil || len(meanVec) == 0 {
		return res
	}
	if res.Primary != types.SectorSemantic || res.Confidence > 0.5 {
		return res
	}
	sector, conf := c.learned.Classify(meanVec)
	if conf > 0.6 && sector.Valid() {
		res.Primary = sector
		res.Confidence = conf
	}
	return res
}

// Tokenize returns the canonical lowercase token set of text, used by the
// retrieval engine for overlap scoring.
func Tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(tok) > 1 {
			out[tok] = struct{}{}
		}
	}
	return out
}
