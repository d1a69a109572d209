// Package upi scores instant-payment transfers against the sender's segment.
//
// The Sentinel is a pure decision function: volume cap, velocity trap, then a
// VAE anomaly percentile normalized to the personal baseline. The Service
// supplies it with store-derived context (segment, 24h spend, time gap) under
// a per-user lock so the read-decide-append sequence cannot interleave.
package upi

import (
	"fmt"
	"math"

	"github.com/mbd888/riskgate/internal/models"
	"github.com/mbd888/riskgate/internal/profiles"
	"github.com/shopspring/decimal"
)

// Verdict is the three-way UPI outcome.
type Verdict string

const (
	Approved Verdict = "APPROVED"
	Flagged  Verdict = "FLAGGED"
	Blocked  Verdict = "BLOCKED"
)

// Reason codes.
const (
	ReasonVolume           = "volume_violation"
	ReasonVelocity         = "velocity_violation"
	ReasonImpossible       = "statistically_impossible_pattern"
	ReasonStepUp           = "step_up_auth_required"
	ReasonNormal           = "normal_behavior"
	ReasonBlockedEntity    = "blocked_entity"
	ReasonModelUnavailable = "model_unavailable"
)

// Calibration of the VAE reconstruction error on the personal baseline.
const (
	errorMean      = 0.002153
	errorStd       = 0.007513
	businessStdMul = 2.0
	maxZ           = 4.0
	minPercentile  = 0.01
	maxPercentile  = 99.99

	// NoHistoryGap is the time gap assumed when the user has no prior UPI
	// transaction. Gaps at or above it skip the velocity trap.
	NoHistoryGap = 3600.0
	velocityMin  = 2.0
	velocityMax  = 15.0
)

// baseLimit is the personal daily cap every segment is normalized to.
var baseLimit = decimal.NewFromInt(50_000)

type thresholds struct{ block, flag float64 }

var segmentThresholds = map[profiles.Segment]thresholds{
	profiles.SegmentPersonal: {block: 99.9, flag: 95},
	profiles.SegmentBusiness: {block: 99.95, flag: 98},
}

// Reconstructor is the anomaly model the sentinel consults.
type Reconstructor interface {
	ReconstructionError(x []float64) (float64, error)
}

var _ Reconstructor = (*models.VAE)(nil)

// Input is everything the sentinel needs to decide.
type Input struct {
	UserID     string
	Amount     float64
	TimeGap    float64 // seconds since the previous UPI transaction
	DailyTotal decimal.Decimal
	Segment    profiles.Segment
}

// Decision is the sentinel's output.
type Decision struct {
	Verdict    Verdict
	Reason     string
	Message    string
	RiskScore  float64 // 0..100
	Percentile float64 // set only when the model ran
	ModelRan   bool
}

// Sentinel applies the UPI rules. A nil model yields the configured fallback
// once the deterministic rules have passed.
type Sentinel struct {
	model    Reconstructor
	cautious bool
}

// NewSentinel creates a sentinel over model (may be nil).
func NewSentinel(model Reconstructor, cautious bool) *Sentinel {
	return &Sentinel{model: model, cautious: cautious}
}

// Evaluate runs volume cap, velocity trap and anomaly check in that order.
func (s *Sentinel) Evaluate(in Input) Decision {
	limit := in.Segment.DailyLimit()
	amount := decimal.NewFromFloat(in.Amount)

	if in.DailyTotal.Add(amount).GreaterThan(limit) {
		return Decision{
			Verdict:   Blocked,
			Reason:    ReasonVolume,
			Message:   fmt.Sprintf("VOLUME_VIOLATION: Exceeded %s limit (%s)", segmentName(in.Segment), limit.StringFixed(0)),
			RiskScore: 100,
		}
	}

	if VelocityViolation(in.TimeGap) {
		return Decision{
			Verdict:   Blocked,
			Reason:    ReasonVelocity,
			Message:   fmt.Sprintf("VELOCITY_VIOLATION: Speed limit breached (%.0fs gap)", in.TimeGap),
			RiskScore: 100,
		}
	}

	if s.model == nil {
		return s.unavailable()
	}
	mse, err := s.model.ReconstructionError(Features(in))
	if err != nil {
		return s.unavailable()
	}

	pct := Percentile(mse, in.Segment)
	d := Decision{RiskScore: pct, Percentile: pct, ModelRan: true}
	t := thresholdsFor(in.Segment)
	switch {
	case pct > t.block:
		d.Verdict, d.Reason = Blocked, ReasonImpossible
		d.Message = "AI_ANOMALY_DETECTED: Pattern is statistically impossible"
	case pct > t.flag:
		d.Verdict, d.Reason = Flagged, ReasonStepUp
		d.Message = "SUSPICIOUS_ACTIVITY: Step-Up Auth Required"
	default:
		d.Verdict, d.Reason = Approved, ReasonNormal
		d.Message = "NORMAL_BEHAVIOR"
	}
	return d
}

func (s *Sentinel) unavailable() Decision {
	if s.cautious {
		return Decision{
			Verdict:   Flagged,
			Reason:    ReasonModelUnavailable,
			Message:   "Anomaly model unavailable: step-up authentication required",
			RiskScore: 50,
		}
	}
	return Decision{
		Verdict: Approved,
		Reason:  ReasonModelUnavailable,
		Message: "Anomaly model offline: rules-only evaluation",
	}
}

// VelocityViolation reports whether gap falls inside the velocity trap. Gaps
// of NoHistoryGap or more are a first transaction and never trip it.
func VelocityViolation(gap float64) bool {
	if gap >= NoHistoryGap {
		return false
	}
	return gap > velocityMin && gap < velocityMax
}

// Features builds the normalized VAE input
// [amount, time_gap, log_velocity, amount_1h, amount_24h].
func Features(in Input) []float64 {
	factor := baseLimit.Div(in.Segment.DailyLimit()).InexactFloat64()
	normAmt := in.Amount * factor
	normDaily := in.DailyTotal.Add(decimal.NewFromFloat(in.Amount)).InexactFloat64() * factor
	logVel := math.Log1p(normAmt / (in.TimeGap + 1))
	return []float64{normAmt, in.TimeGap, logVel, normAmt, normDaily}
}

// Percentile converts a reconstruction error to a calibrated 0..100
// confidence. Business accounts get twice the spread.
func Percentile(mse float64, segment profiles.Segment) float64 {
	std := errorStd
	if segment == profiles.SegmentBusiness {
		std *= businessStdMul
	}
	z := math.Min((mse-errorMean)/std, maxZ)
	pct := models.NormalCDF(z) * 100
	return math.Min(maxPercentile, math.Max(minPercentile, pct))
}

func thresholdsFor(s profiles.Segment) thresholds {
	if t, ok := segmentThresholds[s]; ok {
		return t
	}
	return segmentThresholds[profiles.SegmentPersonal]
}

func segmentName(s profiles.Segment) string {
	if s == "" {
		return string(profiles.SegmentPersonal)
	}
	return string(s)
}
