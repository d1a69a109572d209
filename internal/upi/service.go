package upi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/riskgate/internal/alerts"
	"github.com/mbd888/riskgate/internal/blocklist"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/models"
	"github.com/mbd888/riskgate/internal/profiles"
	"github.com/mbd888/riskgate/internal/syncutil"
	"github.com/mbd888/riskgate/internal/traces"
	"github.com/mbd888/riskgate/internal/transactions"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest   = errors.New("upi: invalid request")
	ErrStoreUnavailable = errors.New("upi: store unavailable")
)

const spendWindow = 24 * time.Hour

// Request is a UPI scoring request. TimeGap overrides the store-derived gap.
type Request struct {
	UserID     string   `json:"user_id" binding:"required"`
	Amount     float64  `json:"amount" binding:"gt=0"`
	TimeGap    *float64 `json:"time_gap,omitempty"`
	ReceiverID string   `json:"receiver_account,omitempty"`
}

// Result is the API response for a UPI request.
type Result struct {
	TransactionID string           `json:"transaction_id,omitempty"`
	UserID        string           `json:"user_id"`
	Verdict       Verdict          `json:"verdict"`
	Reason        string           `json:"reason"`
	Message       string           `json:"message"`
	RiskScore     float64          `json:"risk_score"`
	Segment       profiles.Segment `json:"segment,omitempty"`
	DailySpent    float64          `json:"daily_spent"`
	DailyLimit    float64          `json:"daily_limit"`
	TimeGap       float64          `json:"time_gap"`
	BlockedEntity string           `json:"blocked_entity,omitempty"`
	EvaluatedAt   time.Time        `json:"evaluated_at"`
}

// Service runs the UPI decision path.
type Service struct {
	gate     *blocklist.Gate
	profiles profiles.Store
	recorder *transactions.Recorder
	models   *models.Registry
	alerts   *alerts.Manager
	locker   syncutil.Locker
	logger   *slog.Logger

	cautious  bool
	onVerdict func(*Result)
	now       func() time.Time
}

// NewService wires the UPI path with an in-process per-user lock.
func NewService(gate *blocklist.Gate, profileStore profiles.Store, recorder *transactions.Recorder,
	registry *models.Registry, alertManager *alerts.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gate:     gate,
		profiles: profileStore,
		recorder: recorder,
		models:   registry,
		alerts:   alertManager,
		locker:   syncutil.NewContextShardedMutex(syncutil.DefaultShards),
		logger:   logger,
		now:      time.Now,
	}
}

// WithLocker replaces the per-user lock (e.g. a Chain with a RedisLock).
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locker = l
	return s
}

// WithCautiousFallback makes a missing VAE flag instead of approve.
func (s *Service) WithCautiousFallback(on bool) *Service {
	s.cautious = on
	return s
}

// OnVerdict registers a callback fired for every verdict.
func (s *Service) OnVerdict(fn func(*Result)) *Service {
	s.onVerdict = fn
	return s
}

// Evaluate decides req. Approved and flagged transfers are appended to the
// history before the per-user lock is released; blocked ones never are.
func (s *Service) Evaluate(ctx context.Context, req Request) (*Result, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if req.TimeGap != nil && *req.TimeGap < 0 {
		return nil, fmt.Errorf("%w: time_gap must not be negative", ErrInvalidRequest)
	}

	ctx, span := traces.StartSpan(ctx, "upi.Evaluate", traces.UserID(req.UserID), traces.Amount(req.Amount))
	defer span.End()
	logger := logging.Scoped(ctx, s.logger)

	unlock, err := s.locker.LockContext(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", ErrStoreUnavailable, req.UserID, err)
	}
	defer unlock()

	res, err := s.decide(ctx, req, logger)
	if err != nil {
		return nil, err
	}
	res.UserID = req.UserID
	res.EvaluatedAt = s.now().UTC()
	span.SetAttributes(traces.Verdict(string(res.Verdict)), traces.Segment(string(res.Segment)))

	metrics.UPIVerdictsTotal.WithLabelValues(string(res.Verdict), res.Reason, string(res.Segment)).Inc()
	logger.Info("upi verdict",
		"user", req.UserID, "verdict", res.Verdict, "reason", res.Reason,
		"riskScore", res.RiskScore, "segment", res.Segment, "dailySpent", res.DailySpent)

	if s.onVerdict != nil {
		s.onVerdict(res)
	}
	return res, nil
}

func (s *Service) decide(ctx context.Context, req Request, logger *slog.Logger) (*Result, error) {
	hit, err := s.gate.Check(ctx, req.UserID, req.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if hit != nil {
		metrics.OverridesTotal.WithLabelValues("blocklist").Inc()
		return &Result{
			Verdict:       Blocked,
			Reason:        ReasonBlockedEntity,
			Message:       hit.Reasoning(""),
			RiskScore:     100,
			BlockedEntity: hit.Entity.EntityID,
		}, nil
	}

	segment, err := profiles.Resolve(ctx, s.profiles, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := s.now()
	store := s.recorder.Store()
	daily, err := store.SpendSince(ctx, req.UserID, transactions.RailUPI, now.Add(-spendWindow))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	gap, err := s.timeGap(ctx, req, now)
	if err != nil {
		return nil, err
	}

	in := Input{UserID: req.UserID, Amount: req.Amount, TimeGap: gap, DailyTotal: daily, Segment: segment}
	d := s.sentinel().Evaluate(in)
	if d.ModelRan {
		metrics.UPIAnomalyPercentile.WithLabelValues(string(segment)).Observe(d.Percentile)
	}
	if d.Reason == ReasonModelUnavailable {
		metrics.ModelFallbacksTotal.WithLabelValues(models.NameVAE).Inc()
	}

	res := &Result{
		Verdict:    d.Verdict,
		Reason:     d.Reason,
		Message:    d.Message,
		RiskScore:  d.RiskScore,
		Segment:    segment,
		DailySpent: daily.InexactFloat64(),
		DailyLimit: segment.DailyLimit().InexactFloat64(),
		TimeGap:    gap,
	}

	if d.Reason == ReasonVolume {
		s.raiseVolumeAlert(ctx, req, segment, daily, logger)
	}
	if d.Verdict == Blocked {
		return res, nil
	}

	tx := &transactions.Transaction{
		UserID:     req.UserID,
		ReceiverID: req.ReceiverID,
		Amount:     req.Amount,
		Type:       "UPI",
		Rail:       transactions.RailUPI,
		Status:     transactions.StatusCompleted,
		Verdict:    string(d.Verdict),
		RiskScore:  transactions.Float(d.RiskScore),
		Reasoning:  d.Message,
		CreatedAt:  now.UTC(),
	}
	if err := s.recorder.Record(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	res.TransactionID = tx.ID
	res.DailySpent = daily.Add(decimal.NewFromFloat(req.Amount)).InexactFloat64()
	return res, nil
}

func (s *Service) timeGap(ctx context.Context, req Request, now time.Time) (float64, error) {
	if req.TimeGap != nil {
		return *req.TimeGap, nil
	}
	last, ok, err := s.recorder.Store().LastAt(ctx, req.UserID, transactions.RailUPI)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return NoHistoryGap, nil
	}
	gap := now.Sub(last).Seconds()
	if gap < 0 {
		gap = 0
	}
	return gap, nil
}

func (s *Service) sentinel() *Sentinel {
	var model Reconstructor
	if s.models != nil {
		if v := s.models.VAE(); v != nil {
			model = v
		}
	}
	return NewSentinel(model, s.cautious)
}

// The alert is best effort: the block already stands on its own.
func (s *Service) raiseVolumeAlert(ctx context.Context, req Request, segment profiles.Segment, daily decimal.Decimal, logger *slog.Logger) {
	if s.alerts == nil {
		return
	}
	_, err := s.alerts.Raise(ctx, alerts.Alert{
		Type:     alerts.TypeVolumeViolation,
		Severity: alerts.SeverityHigh,
		Message: fmt.Sprintf("Volume violation: %s (%s) attempted %.2f with %s already spent against a %s daily limit",
			req.UserID, segment, req.Amount, daily.StringFixed(2), segment.DailyLimit().StringFixed(0)),
		SourceUser:     req.UserID,
		TargetReceiver: req.ReceiverID,
		Amount:         req.Amount,
	})
	if err != nil {
		logger.Error("failed to record volume alert", "user", req.UserID, "error", err)
	}
}
