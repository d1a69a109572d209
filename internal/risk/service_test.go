package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/riskgate/internal/blocklist"
	"github.com/mbd888/riskgate/internal/explain"
	"github.com/mbd888/riskgate/internal/geo"
	"github.com/mbd888/riskgate/internal/models"
	"github.com/mbd888/riskgate/internal/transactions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExplainer struct {
	calls int
	last  explain.Request
	err   error
}

func (s *stubExplainer) Explain(ctx context.Context, req explain.Request) (string, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return explain.Fallback, s.err
	}
	return "- generated rationale", nil
}

// constantClassifier always predicts p.
func constantClassifier(p float64) *models.Classifier {
	return &models.Classifier{
		Trees: []models.Tree{{Nodes: []models.Node{{Left: -1, Right: -1, Leaf: math.Log(p / (1 - p))}}}},
	}
}

// personalModels gives user an autoencoder whose decoder outputs zeros, so
// with zero coordinates the anomaly score is (amount/scale)^2 / 3.
func personalModels(t *testing.T, user string, scale float64) *models.PersonalModels {
	t.Helper()
	doc := fmt.Sprintf(`{"users":{%q:{
		"scaler":{"mean":[0,0,0],"scale":[%g,1,1]},
		"encoder":[{"name":"enc","activation":"linear","w":[[1,0],[0,1],[0,0]],"b":[0,0]}],
		"decoder":[{"name":"dec","activation":"linear","w":[[0,0,0],[0,0,0]],"b":[0,0,0]}]
	}}}`, user, scale)
	var p models.PersonalModels
	require.NoError(t, json.Unmarshal([]byte(doc), &p))
	return &p
}

type fixture struct {
	svc       *Service
	blocks    *blocklist.MemoryStore
	gate      *blocklist.Gate
	txs       *transactions.MemoryStore
	registry  *models.Registry
	explainer *stubExplainer
}

func newFixture(t *testing.T, prob float64) *fixture {
	t.Helper()
	f := &fixture{
		blocks:    blocklist.NewMemoryStore(),
		txs:       transactions.NewMemoryStore(),
		registry:  models.NewRegistry(t.TempDir(), nil),
		explainer: &stubExplainer{},
	}
	require.NoError(t, f.registry.SetClassifier(constantClassifier(prob)))
	require.NoError(t, f.registry.SetPersonal(personalModels(t, "ACC_1001", 1000)))

	rules, err := geo.LoadRules("")
	require.NoError(t, err)

	f.gate = blocklist.NewGate(f.blocks, nil)
	f.svc = NewService(f.gate, f.registry, transactions.NewRecorder(f.txs), nil).
		WithGeoRules(rules).
		WithExplainer(f.explainer)
	return f
}

func (f *fixture) block(t *testing.T, id, reason string) {
	t.Helper()
	_, err := f.gate.Block(context.Background(), blocklist.BlockRequest{EntityID: id, Reason: reason, Location: "Delhi NCR"})
	require.NoError(t, err)
}

func baseRequest() Request {
	return Request{
		UserID:           "ACC_1001",
		Amount:           500,
		TransactionType:  "UPI",
		MerchantCategory: "Grocery",
		Location:         "Mumbai, MH",
		Device:           "Mobile",
		PaymentChannel:   "App",
	}
}

func TestAnalyze_LowRiskPersistsCompleted(t *testing.T) {
	f := newFixture(t, 0.05)
	a, err := f.svc.Analyze(context.Background(), baseRequest())
	require.NoError(t, err)

	assert.Equal(t, LevelLow, a.RiskLevel)
	assert.False(t, a.IsBlocked)
	assert.InDelta(t, 0.05, a.FraudProbability, 1e-9)
	assert.InDelta(t, 0.25/3, a.AnomalyScore, 1e-9)
	assert.Equal(t, "- generated rationale", a.Reasoning)
	assert.Empty(t, a.Degraded)

	stored, err := f.txs.Get(context.Background(), a.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusCompleted, stored.Status)
	assert.Equal(t, transactions.RailGeneral, stored.Rail)
	assert.Equal(t, transactions.DefaultReceiver, stored.ReceiverID)
	assert.Equal(t, "Low", stored.RiskLevel)
}

func TestAnalyze_AnomalyDrivesBlock(t *testing.T) {
	f := newFixture(t, 0.05)
	req := baseRequest()
	req.Amount = 3000 // (3000/1000)^2/3 = 3.0 > 2.0

	a, err := f.svc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, a.AnomalyScore, 1e-9)
	assert.Equal(t, LevelCritical, a.RiskLevel)
	assert.True(t, a.IsBlocked)

	stored, err := f.txs.Get(context.Background(), a.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusBlocked, stored.Status)
}

func TestAnalyze_UserWithoutPersonalModelScoresZeroAnomaly(t *testing.T) {
	f := newFixture(t, 0.4)
	req := baseRequest()
	req.UserID = "ACC_7777"
	req.Amount = 1e6

	a, err := f.svc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, a.AnomalyScore)
	assert.Equal(t, LevelHigh, a.RiskLevel)
	assert.Empty(t, a.Degraded)
}

func TestAnalyze_BlockedSenderOverridesModels(t *testing.T) {
	f := newFixture(t, 0.01)
	req := baseRequest()
	req.UserID = "X"
	f.block(t, "X", "known fraudster")

	a, err := f.svc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, a.IsBlocked)
	assert.Equal(t, LevelCritical, a.RiskLevel)
	assert.Equal(t, 1.0, a.FraudProbability)
	assert.Equal(t, "X", a.BlockedEntity)
	assert.Equal(t, "SENDER", a.BlockedSide)
	assert.Contains(t, a.Reasoning, "(SENDER)")
	assert.Contains(t, a.Reasoning, "known fraudster")
	assert.Zero(t, f.explainer.calls, "registry hits skip the explanation service")

	stored, err := f.txs.Get(context.Background(), a.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusBlocked, stored.Status)
}

func TestAnalyze_BlockedReceiver(t *testing.T) {
	f := newFixture(t, 0.01)
	f.block(t, "MULE_9", "mule account")
	req := baseRequest()
	req.ReceiverID = "MULE_9"

	a, err := f.svc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, a.IsBlocked)
	assert.Equal(t, "RECEIVER", a.BlockedSide)
	assert.Contains(t, a.Reasoning, "(RECEIVER)")
}

func TestAnalyze_SenderBlockWinsOverReceiverBlock(t *testing.T) {
	f := newFixture(t, 0.01)
	f.block(t, "ACC_1001", "sender")
	f.block(t, "MULE_9", "receiver")
	req := baseRequest()
	req.ReceiverID = "MULE_9"

	a, err := f.svc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "SENDER", a.BlockedSide)
	assert.Equal(t, "ACC_1001", a.BlockedEntity)
}

func TestAnalyze_BlocklistAlwaysCritical(t *testing.T) {
	for _, p := range []float64{0.001, 0.5, 0.99} {
		f := newFixture(t, p)
		f.block(t, "ACC_1001", "x")
		a, err := f.svc.Analyze(context.Background(), baseRequest())
		require.NoError(t, err)
		assert.True(t, a.IsBlocked)
		assert.Equal(t, LevelCritical, a.RiskLevel)
	}
}

func TestAnalyze_GeoOverride(t *testing.T) {
	f := newFixture(t, 0.01)
	req := baseRequest()
	req.Location = "London, UK"

	a, err := f.svc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, a.IsBlocked)
	assert.Equal(t, LevelCritical, a.RiskLevel)
	assert.Equal(t, "geo-acc1001-home", a.GeoRule)
	assert.Contains(t, a.Reasoning, "CRITICAL GEO-ANOMALY")
	assert.InDelta(t, 0.01, a.FraudProbability, 1e-9, "model scores are still reported")
	assert.Zero(t, f.explainer.calls)
}

func TestAnalyze_GeoRuleOnlyForItsUser(t *testing.T) {
	f := newFixture(t, 0.01)
	req := baseRequest()
	req.UserID = "ACC_2002"
	req.Location = "London, UK"

	a, err := f.svc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, a.IsBlocked)
	assert.Empty(t, a.GeoRule)
}

func TestAnalyze_ExplanationFailureUsesFallback(t *testing.T) {
	f := newFixture(t, 0.5)
	f.explainer.err = errors.New("upstream down")

	a, err := f.svc.Analyze(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, explain.Fallback, a.Reasoning)
}

func TestAnalyze_HindiLanguageForwarded(t *testing.T) {
	f := newFixture(t, 0.5)
	req := baseRequest()
	req.Language = "HI"

	_, err := f.svc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hi", f.explainer.last.Language)
	assert.Equal(t, "High", f.explainer.last.RiskLevel)
}

func TestAnalyze_MissingModels(t *testing.T) {
	newSvc := func(cautious bool) *Service {
		return NewService(
			blocklist.NewGate(blocklist.NewMemoryStore(), nil),
			models.NewRegistry(t.TempDir(), nil),
			transactions.NewRecorder(transactions.NewMemoryStore()),
			nil,
		).WithCautiousFallback(cautious)
	}

	a, err := newSvc(false).Analyze(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Zero(t, a.FraudProbability)
	assert.Equal(t, LevelLow, a.RiskLevel)
	assert.ElementsMatch(t, []string{models.NameClassifier, models.NamePersonal}, a.Degraded)
	assert.Equal(t, explain.Fallback, a.Reasoning)

	a, err = newSvc(true).Analyze(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, 0.5, a.FraudProbability)
	assert.Equal(t, LevelHigh, a.RiskLevel, "production posture leans toward review")
	assert.False(t, a.IsBlocked)
}

func TestAnalyze_StoreFailuresFailClosed(t *testing.T) {
	f := newFixture(t, 0.01)
	f.txs.SetUnavailable(errors.New("db down"))
	_, err := f.svc.Analyze(context.Background(), baseRequest())
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	f = newFixture(t, 0.01)
	f.blocks.SetUnavailable(errors.New("registry down"))
	_, err = f.svc.Analyze(context.Background(), baseRequest())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestAnalyze_Validation(t *testing.T) {
	f := newFixture(t, 0.01)
	_, err := f.svc.Analyze(context.Background(), Request{UserID: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Analyze(context.Background(), Request{UserID: "u", Amount: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAnalyze_OnAssessedCallback(t *testing.T) {
	f := newFixture(t, 0.01)
	var got *transactions.Transaction
	f.svc.OnAssessed(func(a *Assessment, tx *transactions.Transaction) { got = tx })

	a, err := f.svc.Analyze(context.Background(), baseRequest())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.TransactionID, got.ID)
}

func TestHandler_AnalyzeTransaction(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t, 0.9)
	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))

	body, _ := json.Marshal(baseRequest())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/transactions/analyze", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data Assessment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Data.IsBlocked)
	assert.Equal(t, LevelCritical, resp.Data.RiskLevel)
	assert.NotEmpty(t, resp.Data.TransactionID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/transactions/analyze", bytes.NewReader([]byte(`{"amount": 5}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.txs.SetUnavailable(errors.New("down"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/transactions/analyze", bytes.NewReader(body)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "store_unavailable")
}
