package types

import "fmt"

// Sector identifies the cognitive aspect a memory belongs to. Each sector
// routes to its own embedding space, classification rules, and scoring
// weights.
type Sector string

const (
	SectorEpisodic   Sector = "episodic"
	SectorSemantic   Sector = "semantic"
	SectorProcedural Sector = "procedural"
	SectorEmotional  Sector = "emotional"
	SectorReflective Sector = "reflective"
)

// AllSectors returns every sector in declaration order. The order matters:
// classifier tie-breaking and the resonance matrix both index by it.
func AllSectors() []Sector {
	return []Sector{
		SectorEpisodic,
		SectorSemantic,
		SectorProcedural,
		SectorEmotional,
		SectorReflective,
	}
}

// SectorIndex returns the position of s in AllSectors order, or -1 when s is
// not a known sector.
func SectorIndex(s Sector) int {
	switch s {
	case SectorEpisodic:
		return 0
	case SectorSemantic:
		return 1
	case SectorProcedural:
		return 2
	case SectorEmotional:
		return 3
	case SectorReflective:
		return 4
	default:
		return -1
	}
}

// ParseSector validates and normalizes a sector name.
func ParseSector(s string) (Sector, error) {
	sec := Sector(s)
	if SectorIndex(sec) < 0 {
		return "", fmt.Errorf("unknown sector %q", s)
	}
	return sec, nil
}

// Valid reports whether s is one of the five known sectors.
func (s Sector) Valid() bool {
	return SectorIndex(s) >= 0
}

func (s Sector) String() string {
	return string(s)
}
