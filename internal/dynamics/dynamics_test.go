package dynamics

import (
	"math"
	"testing"

	"github.com/scrypster/openmemory/pkg/types"
)

func TestSigmoid(t *testing.T) {
	tests := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{100, 1},
		{-100, 0},
	}
	for _, tt := range tests {
		got := Sigmoid(tt.x)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Sigmoid(%v) = %v, want %v", tt.x, got, tt.want)
		}
	}
	if s := Sigmoid(2); s <= 0.5 || s >= 1 {
		t.Errorf("Sigmoid(2) = %v, want in (0.5, 1)", s)
	}
}

func TestDualPhaseDecayIdentityAtZero(t *testing.T) {
	for _, s := range []float64{0, 0.25, 0.5, 1} {
		if got := DualPhaseDecay(s, 0); math.Abs(got-s) > 1e-12 {
			t.Errorf("DualPhaseDecay(%v, 0) = %v, want %v", s, got, s)
		}
	}
}

func TestDualPhaseDecayMonotonic(t *testing.T) {
	prev := DualPhaseDecay(1, 0)
	for d := 1.0; d <= 365; d++ {
		cur := DualPhaseDecay(1, d)
		if cur > prev {
			t.Fatalf("decay increased at day %v: %v > %v", d, cur, prev)
		}
		prev = cur
	}
	if prev <= 0 {
		t.Errorf("decay after a year = %v, want > 0", prev)
	}
}

func TestDualPhaseDecayThirtyDays(t *testing.T) {
	// (1-0.4)*exp(-0.015*30) + 0.4*exp(-0.002*30)
	want := 0.6*math.Exp(-0.45) + 0.4*math.Exp(-0.06)
	got := DualPhaseDecay(1, 30)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("DualPhaseDecay(1, 30) = %v, want %v", got, want)
	}
}

func TestRecency(t *testing.T) {
	now := int64(1_700_000_000_000)
	if got := Recency(now, now); math.Abs(got-1) > 1e-9 {
		t.Errorf("Recency(now, now) = %v, want 1", got)
	}
	dayAgo := Recency(now-86_400_000, now)
	weekAgo := Recency(now-7*86_400_000, now)
	if dayAgo <= weekAgo {
		t.Errorf("recency not decreasing: day=%v week=%v", dayAgo, weekAgo)
	}
	if got := Recency(now-100*86_400_000, now); got != 0 {
		t.Errorf("Recency beyond horizon = %v, want 0", got)
	}
}

func TestRetrievalReinforcement(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 0.18},
		{0.5, 0.5 + 0.18*0.5},
		{1, 1},
	}
	for _, tt := range tests {
		if got := RetrievalReinforcement(tt.in); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("RetrievalReinforcement(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReinforcementNeverExceedsOne(t *testing.T) {
	s := 0.1
	for i := 0; i < 100; i++ {
		s = RetrievalReinforcement(s)
		if s > 1 {
			t.Fatalf("salience exceeded 1 after %d reinforcements: %v", i+1, s)
		}
	}
}

func TestResonanceMatrixSymmetricUnitDiagonal(t *testing.T) {
	all := types.AllSectors()
	for i, a := range all {
		if got := ResonanceFactor(a, a); got != 1.0 {
			t.Errorf("diagonal M[%s][%s] = %v, want 1", a, a, got)
		}
		for j, b := range all {
			if i == j {
				continue
			}
			ab, ba := ResonanceFactor(a, b), ResonanceFactor(b, a)
			if ab != ba {
				t.Errorf("asymmetric: M[%s][%s]=%v M[%s][%s]=%v", a, b, ab, b, a, ba)
			}
			if ab < 0.2 || ab > 0.9 {
				t.Errorf("M[%s][%s] = %v outside [0.2, 0.9]", a, b, ab)
			}
		}
	}
}

func TestResonanceKnownValues(t *testing.T) {
	if got := ResonanceFactor(types.SectorEpisodic, types.SectorSemantic); got != 0.7 {
		t.Errorf("M[episodic][semantic] = %v, want 0.7", got)
	}
	if got := ResonanceFactor(types.SectorProcedural, types.SectorReflective); got != 0.2 {
		t.Errorf("M[procedural][reflective] = %v, want 0.2", got)
	}
	if got := Resonance(types.SectorSemantic, types.SectorReflective, 0.5); math.Abs(got-0.4) > 1e-12 {
		t.Errorf("Resonance(semantic, reflective, 0.5) = %v, want 0.4", got)
	}
}

func TestResonanceUnknownSector(t *testing.T) {
	if got := ResonanceFactor("bogus", types.SectorSemantic); got != 0.2 {
		t.Errorf("unknown sector factor = %v, want 0.2", got)
	}
}

func TestBoost(t *testing.T) {
	if got := Boost(0); got != 0 {
		t.Errorf("Boost(0) = %v, want 0", got)
	}
	if a, b := Boost(0.5), Boost(1); a >= b || b >= 1 {
		t.Errorf("Boost not increasing and bounded: Boost(0.5)=%v Boost(1)=%v", a, b)
	}
}

func TestPropagate(t *testing.T) {
	if got := Propagate(0.5, 0.5); math.Abs(got-0.18*0.25) > 1e-12 {
		t.Errorf("Propagate(0.5, 0.5) = %v, want %v", got, 0.18*0.25)
	}
}
