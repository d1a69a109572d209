// Package transactions holds the append-only per-user transaction history.
//
// Both scoring channels write here once a verdict exists: the general channel
// records every assessed transaction (status completed or blocked), the UPI
// channel records only approved and flagged payments so blocked attempts never
// count toward the daily cap. Rows are never updated after Append.
package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/pagination"
)

// DefaultReceiver is the receiver id used when the caller does not name one.
const DefaultReceiver = "Unknown"

// AmountScale is the number of decimal places amounts are stored with. It
// matches the NUMERIC(20,2) column so every Store sees the same value.
const AmountScale = 2

// Rail identifies which scoring channel produced a transaction.
type Rail string

const (
	RailGeneral Rail = "general"
	RailUPI     Rail = "upi"
)

// Status values persisted with a transaction.
const (
	StatusCompleted = "completed"
	StatusBlocked   = "blocked"
)

// ErrNotFound is returned when a transaction id does not exist.
var ErrNotFound = errors.New("transactions: not found")

// Transaction is one scored payment. Immutable once appended.
type Transaction struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	ReceiverID        string    `json:"receiverId"`
	Amount            float64   `json:"amount"`
	Type              string    `json:"transactionType,omitempty"`
	MerchantCategory  string    `json:"merchantCategory,omitempty"`
	Location          string    `json:"location,omitempty"`
	Device            string    `json:"deviceUsed,omitempty"`
	PaymentChannel    string    `json:"paymentChannel,omitempty"`
	Latitude          float64   `json:"lat"`
	Longitude         float64   `json:"long"`
	TimeSinceLast     float64   `json:"timeSinceLastTransaction"`
	SpendingDeviation float64   `json:"spendingDeviationScore"`
	VelocityScore     float64   `json:"velocityScore"`
	GeoAnomaly        float64   `json:"geoAnomalyScore"`
	Rail              Rail      `json:"rail"`
	Status            string    `json:"status"`
	FraudProbability  *float64  `json:"fraudProbability,omitempty"`
	AnomalyScore      *float64  `json:"anomalyScore,omitempty"`
	RiskLevel         string    `json:"riskLevel,omitempty"`
	IsBlocked         bool      `json:"isBlocked"`
	Reasoning         string    `json:"reasoning,omitempty"`
	Verdict           string    `json:"verdict,omitempty"`
	RiskScore         *float64  `json:"riskScore,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Receiver returns the receiver id, substituting DefaultReceiver for blanks.
func (t *Transaction) Receiver() string {
	if t.ReceiverID == "" {
		return DefaultReceiver
	}
	return t.ReceiverID
}

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor restricts results to transactions older than the cursor position.
func WithCursor(c *pagination.Cursor) ListOption {
	return func(o *listOpts) { o.cursor = c }
}

// Store persists transaction history. Implementations must return
// ListRecent results newest-first, ties broken by descending ID.
type Store interface {
	Append(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	ListRecent(ctx context.Context, userID string, limit int, opts ...ListOption) ([]*Transaction, error)
	// SpendSince sums Amount for the user's rail transactions created at or after since.
	SpendSince(ctx context.Context, userID string, rail Rail, since time.Time) (decimal.Decimal, error)
	// LastAt reports when the user's most recent rail transaction was created.
	LastAt(ctx context.Context, userID string, rail Rail) (time.Time, bool, error)
	// ActiveUsers lists users with at least one transaction at or after since.
	ActiveUsers(ctx context.Context, since time.Time) ([]string, error)
	// ListByStatus returns the newest transactions with the given status across all users.
	ListByStatus(ctx context.Context, status string, limit int) ([]*Transaction, error)
	Ping(ctx context.Context) error
}

// Observer is notified after a transaction is appended.
type Observer interface {
	ObserveTransaction(tx *Transaction)
}

// Recorder appends to a Store and fans the result out to observers.
type Recorder struct {
	store     Store
	observers []Observer
}

// NewRecorder wraps store.
func NewRecorder(store Store, observers ...Observer) *Recorder {
	return &Recorder{store: store, observers: observers}
}

// AddObserver registers o for future appends.
func (r *Recorder) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// Record fills ID and CreatedAt when unset, rounds Amount to AmountScale,
// appends, then notifies observers.
func (r *Recorder) Record(ctx context.Context, tx *Transaction) error {
	tx.Amount = RoundAmount(tx.Amount)
	if tx.ID == "" {
		tx.ID = "tx_" + uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.ReceiverID == "" {
		tx.ReceiverID = DefaultReceiver
	}
	if err := r.store.Append(ctx, tx); err != nil {
		return err
	}
	for _, o := range r.observers {
		o.ObserveTransaction(tx)
	}
	return nil
}

// RoundAmount rounds a to AmountScale places, half away from zero.
func RoundAmount(a float64) float64 {
	return decimal.NewFromFloat(a).Round(AmountScale).InexactFloat64()
}

// Store returns the underlying store.
func (r *Recorder) Store() Store {
	return r.store
}

func clone(tx *Transaction) *Transaction {
	cp := *tx
	cp.FraudProbability = cloneFloat(tx.FraudProbability)
	cp.AnomalyScore = cloneFloat(tx.AnomalyScore)
	cp.RiskScore = cloneFloat(tx.RiskScore)
	return &cp
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to f, for populating optional score fields.
func Float(f float64) *float64 {
	return &f
}
