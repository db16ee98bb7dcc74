package classifier

import (
	"testing"

	"github.com/scrypster/openmemory/pkg/types"
)

func TestClassifyEpisodic(t *testing.T) {
	c := New()
	res := c.Classify("I visited Paris last summer", nil)
	if res.Primary != types.SectorEpisodic {
		t.Errorf("primary = %s, want episodic", res.Primary)
	}
	if res.Confidence <= 0.2 {
		t.Errorf("confidence = %v, want > 0.2", res.Confidence)
	}
}

func TestClassifyProcedural(t *testing.T) {
	c := New()
	res := c.Classify("How to deploy the service: first build the image, then run the container", nil)
	if res.Primary != types.SectorProcedural {
		t.Errorf("primary = %s, want procedural", res.Primary)
	}
}

func TestClassifyEmotional(t *testing.T) {
	c := New()
	res := c.Classify("I felt so happy and proud after the launch", nil)
	if res.Primary != types.SectorEmotional {
		t.Errorf("primary = %s, want emotional", res.Primary)
	}
}

func TestClassifyDefaultsToSemantic(t *testing.T) {
	c := New()
	res := c.Classify("xylophone quartz", nil)
	if res.Primary != types.SectorSemantic {
		t.Errorf("primary = %s, want semantic", res.Primary)
	}
	if res.Confidence != 0.2 {
		t.Errorf("confidence = %v, want 0.2", res.Confidence)
	}
	if len(res.Additional) != 0 {
		t.Errorf("additional = %v, want empty", res.Additional)
	}
}

func TestClassifyExplicitSectorOverride(t *testing.T) {
	c := New()
	res := c.Classify("anything at all", map[string]any{"sector": "reflective"})
	if res.Primary != types.SectorReflective {
		t.Errorf("primary = %s, want reflective", res.Primary)
	}
	if res.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", res.Confidence)
	}
}

func TestClassifyInvalidExplicitSectorFallsThrough(t *testing.T) {
	c := New()
	res := c.Classify("I visited Rome yesterday", map[string]any{"sector": "bogus"})
	if res.Primary != types.SectorEpisodic {
		t.Errorf("primary = %s, want episodic", res.Primary)
	}
}

func TestClassifyAdditionalSectors(t *testing.T) {
	c := New()
	res := c.Classify("Yesterday I learned that I felt anxious whenever we deployed; looking back the process needed a checklist", nil)
	if len(res.Additional) == 0 {
		t.Errorf("expected additional sectors for mixed text, got none")
	}
	for _, s := range res.Additional {
		if s == res.Primary {
			t.Errorf("additional contains the primary sector %s", s)
		}
	}
}

func TestConfidenceBounds(t *testing.T) {
	c := New()
	texts := []string{
		"I visited Paris last summer",
		"how to build and deploy",
		"xylophone",
		"I felt sad yesterday and realized I should have rested",
	}
	for _, text := range texts {
		res := c.Classify(text, nil)
		if res.Confidence < 0 || res.Confidence > 1 {
			t.Errorf("Classify(%q) confidence = %v, outside [0,1]", text, res.Confidence)
		}
	}
}

type fixedModel struct {
	sector types.Sector
	conf   float64
}

func (m fixedModel) Classify([]float32) (types.Sector, float64) { return m.sector, m.conf }

func TestLearnedOverride(t *testing.T) {
	c := New().WithLearnedModel(fixedModel{sector: types.SectorEmotional, conf: 0.9})

	// Low-confidence semantic default gets overridden.
	res := c.ClassifyWithVector("xylophone quartz", nil, []float32{0.1, 0.2})
	if res.Primary != types.SectorEmotional {
		t.Errorf("primary = %s, want emotional from learned model", res.Primary)
	}

	// Confident pattern result is left alone.
	res = c.ClassifyWithVector("I visited Paris last summer", nil, []float32{0.1, 0.2})
	if res.Primary != types.SectorEpisodic {
		t.Errorf("primary = %s, want episodic", res.Primary)
	}
}

func TestLearnedOverrideIgnoresWeakModel(t *testing.T) {
	c := New().WithLearnedModel(fixedModel{sector: types.SectorEmotional, conf: 0.3})
	res := c.ClassifyWithVector("xylophone quartz", nil, []float32{0.1})
	if res.Primary != types.SectorSemantic {
		t.Errorf("primary = %s, want semantic (weak model must not override)", res.Primary)
	}
}

func TestTokenize(t *testing.T) {
	toks := Tokenize("The build-pipeline broke, AGAIN! v2")
	for _, want := range []string{"the", "build", "pipeline", "broke", "again", "v2"} {
		if _, ok := toks[want]; !ok {
			t.Errorf("missing token %q in %v", want, toks)
		}
	}
	if _, ok := toks["v"]; ok {
		t.Errorf("single-char token should be dropped")
	}
}
