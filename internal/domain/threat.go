package domain

// ThreatLevel is the four-tier severity derived from a threat score.
type ThreatLevel string

const (
	ThreatLevelLow      ThreatLevel = "low"
	ThreatLevelMedium   ThreatLevel = "medium"
	ThreatLevelHigh     ThreatLevel = "high"
	ThreatLevelCritical ThreatLevel = "critical"
)

// ThreatLevels lists every level from least to most severe.
var ThreatLevels = []ThreatLevel{ThreatLevelLow, ThreatLevelMedium, ThreatLevelHigh, ThreatLevelCritical}

// LevelForScore maps an additive heuristic score onto a level.
func LevelForScore(score float64) ThreatLevel {
	switch {
	case score >= 4:
		return ThreatLevelCritical
	case score >= 3:
		return ThreatLevelHigh
	case score >= 2:
		return ThreatLevelMedium
	default:
		return ThreatLevelLow
	}
}

// Rank orders levels; unknown values rank below low.
func (l ThreatLevel) Rank() int {
	switch l {
	case ThreatLevelLow:
		return 1
	case ThreatLevelMedium:
		return 2
	case ThreatLevelHigh:
		return 3
	case ThreatLevelCritical:
		return 4
	default:
		return 0
	}
}

func (l ThreatLevel) Valid() bool {
	return l.Rank() > 0
}

// AtLeast reports whether l is as severe as other.
func (l ThreatLevel) AtLeast(other ThreatLevel) bool {
	return l.Rank() >= other.Rank()
}

// ThreatAnalysis is computed per request and never stored directly.
type ThreatAnalysis struct {
	Score           float64     `json:"score"`
	Level           ThreatLevel `json:"level"`
	MatchedPatterns []string    `json:"matchedPatterns"`
}

// NoThreat is the degraded result used when analysis cannot run.
func NoThreat() ThreatAnalysis {
	return ThreatAnalysis{Level: ThreatLevelLow, MatchedPatterns: []string{}}
}
