package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScorer_Levels(t *testing.T) {
	s := NewScorer()

	tests := []struct {
		name    string
		prob    float64
		anomaly float64
		level   Level
		blocked bool
	}{
		{"clean", 0.05, 0.05, LevelLow, false},
		{"prob at high boundary is low", 0.30, 0, LevelLow, false},
		{"prob just above high", 0.31, 0, LevelHigh, false},
		{"anomaly just above high", 0, 0.31, LevelHigh, false},
		{"prob at critical boundary is high", 0.70, 0, LevelHigh, false},
		{"prob above critical", 0.71, 0, LevelCritical, false},
		{"anomaly above critical", 0, 1.01, LevelCritical, false},
		{"prob at block boundary", 0.85, 0, LevelCritical, false},
		{"prob above block", 0.86, 0, LevelCritical, true},
		{"anomaly at block boundary", 0, 2.0, LevelCritical, false},
		{"anomaly above block", 0, 2.01, LevelCritical, true},
		{"both extreme", 1, 10, LevelCritical, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, blocked := s.Score(tt.prob, tt.anomaly)
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.blocked, blocked)
		})
	}
}

func TestScorer_BlockIffThreshold(t *testing.T) {
	s := NewScorer()
	for p := 0.0; p <= 1.0; p += 0.01 {
		for a := 0.0; a <= 3.0; a += 0.05 {
			want := p > 0.85 || a > 2.0
			assert.Equal(t, want, s.Blocked(p, a), "prob=%v anomaly=%v", p, a)
		}
	}
}

func TestScorer_LevelIsMonotonic(t *testing.T) {
	s := NewScorer()
	grid := []float64{0, 0.1, 0.29, 0.3, 0.31, 0.5, 0.69, 0.7, 0.71, 0.9, 1.0, 1.01, 1.5, 2.5, 5}

	for _, a := range grid {
		prev := -1
		for _, p := range grid {
			if p > 1 {
				continue
			}
			r := s.Level(p, a).Rank()
			assert.GreaterOrEqual(t, r, prev, "prob increasing at anomaly=%v", a)
			prev = r
		}
	}
	for _, p := range grid {
		if p > 1 {
			continue
		}
		prev := -1
		for _, a := range grid {
			r := s.Level(p, a).Rank()
			assert.GreaterOrEqual(t, r, prev, "anomaly increasing at prob=%v", p)
			prev = r
		}
	}
}

func TestScorer_WithThresholdsValidates(t *testing.T) {
	_, err := NewScorer().WithThresholds(Thresholds{HighProb: 0.9, CriticalProb: 0.5})
	assert.Error(t, err)

	custom := DefaultThresholds
	custom.BlockProb = 0.5
	s, err := NewScorer().WithThresholds(custom)
	require.NoError(t, err)
	assert.True(t, s.Blocked(0.6, 0))
}
