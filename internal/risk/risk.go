// Package risk implements the general-channel decision path.
//
// Every transaction first passes the blocklist gate. Survivors are scored by
// the population classifier and the sender's personal autoencoder, the two
// signals are fused into a risk level and a block decision, and the geo rule
// table may then force a block. The verdict is persisted with the transaction.
package risk

import (
	"errors"
	"time"
)

// Level is a discrete risk level. Levels are ordered Low < High < Critical.
type Level string

const (
	LevelLow      Level = "Low"
	LevelHigh     Level = "High"
	LevelCritical Level = "Critical"
)

// Rank orders levels for comparisons.
func (l Level) Rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelHigh:
		return 1
	default:
		return 0
	}
}

var (
	// ErrStoreUnavailable means a verdict could not be reached or persisted
	// because a backing store failed. Callers must not treat it as approval.
	ErrStoreUnavailable = errors.New("risk: store unavailable")
	ErrInvalidRequest   = errors.New("risk: invalid request")
)

// Request is a general-channel scoring request.
type Request struct {
	UserID            string  `json:"user_id" binding:"required"`
	Amount            float64 `json:"amount" binding:"gte=0"`
	TransactionType   string  `json:"transaction_type"`
	MerchantCategory  string  `json:"merchant_category"`
	Location          string  `json:"location"`
	Device            string  `json:"device_used"`
	TimeSinceLast     float64 `json:"time_since_last_transaction"`
	SpendingDeviation float64 `json:"spending_deviation_score"`
	VelocityScore     float64 `json:"velocity_score"`
	GeoAnomaly        float64 `json:"geo_anomaly_score"`
	PaymentChannel    string  `json:"payment_channel"`
	Latitude          float64 `json:"lat"`
	Longitude         float64 `json:"long"`
	ReceiverID        string  `json:"receiver_account"`
	Language          string  `json:"language"`
}

// Assessment is the outcome of scoring one transaction.
type Assessment struct {
	TransactionID    string    `json:"transaction_id"`
	FraudProbability float64   `json:"fraud_probability"`
	AnomalyScore     float64   `json:"anomaly_score"`
	RiskLevel        Level     `json:"risk_level"`
	IsBlocked        bool      `json:"is_blocked"`
	Reasoning        string    `json:"reasoning"`
	BlockedEntity    string    `json:"blocked_entity,omitempty"`
	BlockedSide      string    `json:"blocked_side,omitempty"`
	GeoRule          string    `json:"geo_rule,omitempty"`
	Degraded         []string  `json:"degraded,omitempty"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}
