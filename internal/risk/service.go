package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/riskgate/internal/blocklist"
	"github.com/mbd888/riskgate/internal/explain"
	"github.com/mbd888/riskgate/internal/geo"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/models"
	"github.com/mbd888/riskgate/internal/traces"
	"github.com/mbd888/riskgate/internal/transactions"
)

// Explainer produces the reasoning text. Implementations return usable text
// even when they also return an error.
type Explainer interface {
	Explain(ctx context.Context, req explain.Request) (string, error)
}

// Fallback scores used when a model artifact is not loaded.
const (
	cautiousProbability = 0.5
	cautiousAnomaly     = 0.5
)

// Service runs the general-channel decision path.
type Service struct {
	gate      *blocklist.Gate
	models    *models.Registry
	scorer    *Scorer
	geo       *geo.Rules
	explainer Explainer
	recorder  *transactions.Recorder
	logger    *slog.Logger

	cautious   bool
	onAssessed func(*Assessment, *transactions.Transaction)
	now        func() time.Time
}

// NewService wires the decision path. explainer and geoRules may be nil.
func NewService(gate *blocklist.Gate, registry *models.Registry, recorder *transactions.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gate:     gate,
		models:   registry,
		scorer:   NewScorer(),
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// WithGeoRules installs the geo override table.
func (s *Service) WithGeoRules(r *geo.Rules) *Service {
	s.geo = r
	return s
}

// WithExplainer installs the reasoning generator.
func (s *Service) WithExplainer(e Explainer) *Service {
	s.explainer = e
	return s
}

// WithScorer overrides the fusion thresholds.
func (s *Service) WithScorer(sc *Scorer) *Service {
	s.scorer = sc
	return s
}

// WithCautiousFallback makes missing models score as suspicious instead of
// clean. Production enables it.
func (s *Service) WithCautiousFallback(on bool) *Service {
	s.cautious = on
	return s
}

// OnAssessed registers a callback fired after a verdict is persisted.
func (s *Service) OnAssessed(fn func(*Assessment, *transactions.Transaction)) *Service {
	s.onAssessed = fn
	return s
}

// Analyze scores, persists and returns a verdict for req.
func (s *Service) Analyze(ctx context.Context, req Request) (*Assessment, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrInvalidRequest)
	}
	receiver := strings.TrimSpace(req.ReceiverID)
	if receiver == "" {
		receiver = transactions.DefaultReceiver
	}

	ctx, span := traces.StartSpan(ctx, "risk.Analyze",
		traces.UserID(req.UserID), traces.ReceiverID(receiver), traces.Amount(req.Amount))
	defer span.End()
	logger := logging.Scoped(ctx, s.logger)

	hit, err := s.gate.Check(ctx, req.UserID, receiver)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var a *Assessment
	if hit != nil {
		metrics.OverridesTotal.WithLabelValues("blocklist").Inc()
		a = s.blockedByRegistry(req, hit)
	} else {
		a = s.score(ctx, req)
	}
	a.EvaluatedAt = s.now().UTC()
	span.SetAttributes(traces.RiskLevel(string(a.RiskLevel)))

	tx := s.transaction(req, receiver, a)
	if err := s.recorder.Record(ctx, tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	a.TransactionID = tx.ID

	metrics.AssessmentsTotal.WithLabelValues(string(a.RiskLevel), metrics.BoolLabel(a.IsBlocked)).Inc()
	logger.Info("transaction assessed",
		"user", req.UserID, "receiver", receiver, "txId", tx.ID,
		"riskLevel", a.RiskLevel, "blocked", a.IsBlocked,
		"fraudProbability", a.FraudProbability, "anomalyScore", a.AnomalyScore)

	if s.onAssessed != nil {
		s.onAssessed(a, tx)
	}
	return a, nil
}

// A registry hit pins both scores to their maximum and skips the models.
func (s *Service) blockedByRegistry(req Request, hit *blocklist.Hit) *Assessment {
	return &Assessment{
		FraudProbability: 1.0,
		AnomalyScore:     1.0,
		RiskLevel:        LevelCritical,
		IsBlocked:        true,
		Reasoning:        hit.Reasoning(req.Location),
		BlockedEntity:    hit.Entity.EntityID,
		BlockedSide:      string(hit.Side),
	}
}

func (s *Service) score(ctx context.Context, req Request) *Assessment {
	a := &Assessment{}
	a.FraudProbability = s.classify(req, a)
	a.AnomalyScore = s.anomaly(req, a)
	a.RiskLevel, a.IsBlocked = s.scorer.Score(a.FraudProbability, a.AnomalyScore)

	if s.geo != nil {
		if m := s.geo.Evaluate(req.UserID, req.Location, req.Latitude, req.Longitude); m != nil {
			metrics.OverridesTotal.WithLabelValues("geo").Inc()
			a.IsBlocked = true
			a.RiskLevel = LevelCritical
			a.GeoRule = m.RuleID
			a.Reasoning = m.Reasoning()
			return a
		}
	}

	a.Reasoning = s.explain(ctx, req, a)
	return a
}

func (s *Service) classify(req Request, a *Assessment) float64 {
	c := s.models.Classifier()
	if c == nil {
		return s.fallback(models.NameClassifier, cautiousProbability, a)
	}
	return c.Predict(models.Features{
		Amount:            req.Amount,
		TransactionType:   req.TransactionType,
		MerchantCategory:  req.MerchantCategory,
		Location:          req.Location,
		Device:            req.Device,
		TimeSinceLast:     req.TimeSinceLast,
		SpendingDeviation: req.SpendingDeviation,
		VelocityScore:     req.VelocityScore,
		GeoAnomaly:        req.GeoAnomaly,
		PaymentChannel:    req.PaymentChannel,
	})
}

func (s *Service) anomaly(req Request, a *Assessment) float64 {
	p := s.models.Personal()
	if p == nil {
		return s.fallback(models.NamePersonal, cautiousAnomaly, a)
	}
	return p.Score(req.UserID, req.Amount, req.Latitude, req.Longitude)
}

func (s *Service) fallback(model string, cautious float64, a *Assessment) float64 {
	metrics.ModelFallbacksTotal.WithLabelValues(model).Inc()
	a.Degraded = append(a.Degraded, model)
	if s.cautious {
		return cautious
	}
	return 0
}

func (s *Service) explain(ctx context.Context, req Request, a *Assessment) string {
	if s.explainer == nil {
		return explain.Fallback
	}
	lang := "en"
	if strings.EqualFold(req.Language, "hi") {
		lang = "hi"
	}
	text, _ := s.explainer.Explain(ctx, explain.Request{
		UserID:           req.UserID,
		Amount:           req.Amount,
		Location:         req.Location,
		MerchantCategory: req.MerchantCategory,
		Device:           req.Device,
		RiskLevel:        string(a.RiskLevel),
		FraudProbability: a.FraudProbability,
		AnomalyScore:     a.AnomalyScore,
		Language:         lang,
	})
	if text == "" {
		return explain.Fallback
	}
	return text
}

func (s *Service) transaction(req Request, receiver string, a *Assessment) *transactions.Transaction {
	status := transactions.StatusCompleted
	if a.IsBlocked {
		status = transactions.StatusBlocked
	}
	return &transactions.Transaction{
		UserID:            req.UserID,
		ReceiverID:        receiver,
		Amount:            req.Amount,
		Type:              req.TransactionType,
		MerchantCategory:  req.MerchantCategory,
		Location:          req.Location,
		Device:            req.Device,
		PaymentChannel:    req.PaymentChannel,
		Latitude:          req.Latitude,
		Longitude:         req.Longitude,
		TimeSinceLast:     req.TimeSinceLast,
		SpendingDeviation: req.SpendingDeviation,
		VelocityScore:     req.VelocityScore,
		GeoAnomaly:        req.GeoAnomaly,
		Rail:              transactions.RailGeneral,
		Status:            status,
		FraudProbability:  transactions.Float(a.FraudProbability),
		AnomalyScore:      transactions.Float(a.AnomalyScore),
		RiskLevel:         string(a.RiskLevel),
		IsBlocked:         a.IsBlocked,
		Reasoning:         a.Reasoning,
		CreatedAt:         a.EvaluatedAt,
	}
}
