package risk

import "fmt"

// Thresholds parameterize the fusion of classifier probability and anomaly
// score. Level checks are strict greater-than, evaluated Critical first.
type Thresholds struct {
	CriticalProb    float64
	CriticalAnomaly float64
	HighProb        float64
	HighAnomaly     float64
	BlockProb       float64
	BlockAnomaly    float64
}

// DefaultThresholds are the production fusion thresholds.
var DefaultThresholds = Thresholds{
	CriticalProb:    0.70,
	CriticalAnomaly: 1.0,
	HighProb:        0.30,
	HighAnomaly:     0.30,
	BlockProb:       0.85,
	BlockAnomaly:    2.0,
}

// Validate rejects tables that would make the level non-monotonic.
func (t Thresholds) Validate() error {
	if t.HighProb > t.CriticalProb || t.HighAnomaly > t.CriticalAnomaly {
		return fmt.Errorf("high thresholds must not exceed critical thresholds")
	}
	if t.BlockProb < 0 || t.BlockAnomaly < 0 {
		return fmt.Errorf("block thresholds must be non-negative")
	}
	return nil
}

// Scorer fuses the two model signals.
type Scorer struct {
	t Thresholds
}

// NewScorer creates a scorer with the default thresholds.
func NewScorer() *Scorer {
	return &Scorer{t: DefaultThresholds}
}

// WithThresholds overrides the thresholds.
func (s *Scorer) WithThresholds(t Thresholds) (*Scorer, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	s.t = t
	return s, nil
}

// Level maps the signals to a risk level.
func (s *Scorer) Level(prob, anomaly float64) Level {
	switch {
	case prob > s.t.CriticalProb || anomaly > s.t.CriticalAnomaly:
		return LevelCritical
	case prob > s.t.HighProb || anomaly > s.t.HighAnomaly:
		return LevelHigh
	default:
		return LevelLow
	}
}

// Blocked is the block decision. It does not depend on the level.
func (s *Scorer) Blocked(prob, anomaly float64) bool {
	return prob > s.t.BlockProb || anomaly > s.t.BlockAnomaly
}

// Score returns level and block decision together.
func (s *Scorer) Score(prob, anomaly float64) (Level, bool) {
	return s.Level(prob, anomaly), s.Blocked(prob, anomaly)
}
