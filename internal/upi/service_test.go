package upi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/mbd888/riskgate/internal/alerts"
	"github.com/mbd888/riskgate/internal/blocklist"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/models"
	"github.com/mbd888/riskgate/internal/profiles"
	"github.com/mbd888/riskgate/internal/transactions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityVAE reconstructs its input exactly, so every request reaching the
// model scores the calibration floor and is approved.
const identityVAE = `{
	"scaler": {"mean": [0,0,0,0,0], "scale": [1,1,1,1,1]},
	"encoder": [{"name": "z_mean", "activation": "linear",
		"w": [[1,0,0,0,0],[0,1,0,0,0],[0,0,1,0,0],[0,0,0,1,0],[0,0,0,0,1]], "b": [0,0,0,0,0]}],
	"decoder": [{"name": "out", "activation": "linear",
		"w": [[1,0,0,0,0],[0,1,0,0,0],[0,0,1,0,0],[0,0,0,1,0],[0,0,0,0,1]], "b": [0,0,0,0,0]}]
}`

type fixture struct {
	svc      *Service
	blocks   *blocklist.MemoryStore
	txs      *transactions.MemoryStore
	users    *profiles.MemoryStore
	alerts   *alerts.MemoryStore
	registry *models.Registry
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		blocks:   blocklist.NewMemoryStore(),
		txs:      transactions.NewMemoryStore(),
		users:    profiles.NewMemoryStore(),
		alerts:   alerts.NewMemoryStore(),
		registry: models.NewRegistry(t.TempDir(), nil),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	var vae models.VAE
	require.NoError(t, json.Unmarshal([]byte(identityVAE), &vae))
	require.NoError(t, f.registry.SetVAE(&vae))

	f.svc = NewService(
		blocklist.NewGate(f.blocks, nil),
		f.users,
		transactions.NewRecorder(f.txs),
		f.registry,
		alerts.NewManager(f.alerts, nil, nil),
		nil,
	)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// seed appends a prior UPI transfer ago before the fixture's clock.
func (f *fixture) seed(t *testing.T, user string, amount float64, ago time.Duration) {
	t.Helper()
	require.NoError(t, f.txs.Append(context.Background(), &transactions.Transaction{
		ID: "seed_" + ago.String(), UserID: user, ReceiverID: transactions.DefaultReceiver, Amount: amount,
		Rail: transactions.RailUPI, Status: transactions.StatusCompleted, CreatedAt: f.now.Add(-ago),
	}))
}

func gap(v float64) *float64 { return &v }

func TestEvaluate_VolumeViolationScenario(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ACC_1001", 49000, 2*time.Hour)

	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 2000})
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.Verdict)
	assert.Equal(t, ReasonVolume, res.Reason)
	assert.Equal(t, 100.0, res.RiskScore)
	assert.Equal(t, profiles.SegmentPersonal, res.Segment)
	assert.Equal(t, 49000.0, res.DailySpent, "blocked transfers do not count as spend")
	assert.Equal(t, 50000.0, res.DailyLimit)
	assert.Empty(t, res.TransactionID)

	recent, err := f.txs.ListRecent(context.Background(), "ACC_1001", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1, "blocked transfer was not persisted")

	raised, err := f.alerts.List(context.Background(), alerts.Filter{Type: alerts.TypeVolumeViolation})
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, alerts.SeverityHigh, raised[0].Severity)
	assert.Equal(t, "ACC_1001", raised[0].SourceUser)
	assert.Equal(t, 2000.0, raised[0].Amount)
}

func TestEvaluate_SpendOutsideWindowIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ACC_1001", 49000, 25*time.Hour)

	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 2000})
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Verdict)
	assert.Equal(t, 2000.0, res.DailySpent)
}

func TestEvaluate_ApprovedIsPersistedAndCounted(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 30000})
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Verdict)
	assert.Equal(t, NoHistoryGap, res.TimeGap)
	assert.Equal(t, 30000.0, res.DailySpent)
	require.NotEmpty(t, res.TransactionID)

	stored, err := f.txs.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transactions.RailUPI, stored.Rail)
	assert.Equal(t, string(Approved), stored.Verdict)
	require.NotNil(t, stored.RiskScore)

	// Ten minutes later the first transfer counts toward the cap.
	f.now = f.now.Add(10 * time.Minute)
	res, err = f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 25000})
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.Verdict)
	assert.Equal(t, ReasonVolume, res.Reason)
	assert.Equal(t, 30000.0, res.DailySpent)
	assert.InDelta(t, 600, res.TimeGap, 1e-9)
}

func TestEvaluate_VelocityFromStore(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ACC_1001", 100, 5*time.Second)

	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.Verdict)
	assert.Equal(t, ReasonVelocity, res.Reason)
	assert.InDelta(t, 5, res.TimeGap, 1e-9)
}

func TestEvaluate_TimeGapOverride(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ACC_1001", 100, 5*time.Second)

	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 100, TimeGap: gap(120)})
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Verdict)
	assert.Equal(t, 120.0, res.TimeGap)

	_, err = f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 100, TimeGap: gap(-1)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEvaluate_BusinessLimit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.users.Put(context.Background(), &profiles.Profile{UserID: "BIZ_1", Segment: profiles.SegmentBusiness}))

	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "BIZ_1", Amount: 400000})
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Verdict)
	assert.Equal(t, profiles.SegmentBusiness, res.Segment)
	assert.Equal(t, 1_000_000.0, res.DailyLimit)
}

func TestEvaluate_BlockedEntity(t *testing.T) {
	f := newFixture(t)
	_, err := blocklist.NewGate(f.blocks, nil).Block(context.Background(), blocklist.BlockRequest{EntityID: "X", Reason: "known fraudster"})
	require.NoError(t, err)

	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "X", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.Verdict)
	assert.Equal(t, ReasonBlockedEntity, res.Reason)
	assert.Equal(t, "X", res.BlockedEntity)
	assert.Contains(t, res.Message, "known fraudster")

	recent, err := f.txs.ListRecent(context.Background(), "X", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	res, err = f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1", Amount: 10, ReceiverID: "X"})
	require.NoError(t, err)
	assert.Equal(t, ReasonBlockedEntity, res.Reason)
}

func TestEvaluate_MissingModel(t *testing.T) {
	f := newFixture(t)
	f.svc.models = models.NewRegistry(t.TempDir(), nil)

	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, Approved, res.Verdict)
	assert.Equal(t, ReasonModelUnavailable, res.Reason)

	f.svc.WithCautiousFallback(true)
	res, err = f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1002", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, Flagged, res.Verdict)
	assert.Equal(t, ReasonModelUnavailable, res.Reason)
	assert.NotEmpty(t, res.TransactionID, "flagged transfers are persisted")
}

func TestEvaluate_FallbackCountedOnlyWhenModelStepReached(t *testing.T) {
	f := newFixture(t)
	f.svc.models = models.NewRegistry(t.TempDir(), nil)
	fallbacks := metrics.ModelFallbacksTotal.WithLabelValues(models.NameVAE)

	before := promtest.ToFloat64(fallbacks)
	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 60000})
	require.NoError(t, err)
	assert.Equal(t, ReasonVolume, res.Reason)
	assert.Equal(t, before, promtest.ToFloat64(fallbacks), "volume cap decides before the model")

	res, err = f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, ReasonModelUnavailable, res.Reason)
	assert.Equal(t, before+1, promtest.ToFloat64(fallbacks))
}

func TestEvaluate_StoreFailuresFailClosed(t *testing.T) {
	cases := map[string]func(f *fixture){
		"transactions": func(f *fixture) { f.txs.SetUnavailable(errors.New("down")) },
		"profiles":     func(f *fixture) { f.users.SetUnavailable(errors.New("down")) },
		"blocklist":    func(f *fixture) { f.blocks.SetUnavailable(errors.New("down")) },
	}
	for name, breakStore := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			breakStore(f)
			_, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 100})
			assert.ErrorIs(t, err, ErrStoreUnavailable)
		})
	}
}

func TestEvaluate_AlertFailureDoesNotUnblock(t *testing.T) {
	f := newFixture(t)
	f.alerts.SetUnavailable(errors.New("down"))

	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 60000})
	require.NoError(t, err)
	assert.Equal(t, Blocked, res.Verdict)
}

func TestEvaluate_ConcurrentRequestsRespectCap(t *testing.T) {
	f := newFixture(t)
	var verdicts sync.Map
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 10000, TimeGap: gap(NoHistoryGap)})
			if err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
			verdicts.Store(i, res.Verdict)
		}(i)
	}
	wg.Wait()

	approved := 0
	verdicts.Range(func(_, v any) bool {
		if v.(Verdict) == Approved {
			approved++
		}
		return true
	})
	assert.Equal(t, 5, approved, "exactly the cap's worth of transfers is approved")

	spent, err := f.txs.SpendSince(context.Background(), "ACC_1001", transactions.RailUPI, f.now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "50000", spent.String())
}

func TestEvaluate_LockCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	unlock, err := f.svc.locker.LockContext(context.Background(), "ACC_1001")
	require.NoError(t, err)
	defer unlock()

	_, err = f.svc.Evaluate(ctx, Request{UserID: "ACC_1001", Amount: 100})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestEvaluate_OnVerdict(t *testing.T) {
	f := newFixture(t)
	var got *Result
	f.svc.OnVerdict(func(r *Result) { got = r })

	res, err := f.svc.Evaluate(context.Background(), Request{UserID: "ACC_1001", Amount: 100})
	require.NoError(t, err)
	assert.Same(t, res, got)
	assert.Equal(t, "ACC_1001", got.UserID)
}

func TestHandler_Analyze(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/upi/analyze", bytes.NewBufferString(body)))
		return w
	}

	w := post(`{"user_id":"ACC_1001","amount":1500}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			Verdict    string  `json:"verdict"`
			DailySpent float64 `json:"daily_spent"`
			DailyLimit float64 `json:"daily_limit"`
			Segment    string  `json:"segment"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "APPROVED", resp.Data.Verdict)
	assert.Equal(t, 1500.0, resp.Data.DailySpent)
	assert.Equal(t, 50000.0, resp.Data.DailyLimit)
	assert.Equal(t, "personal", resp.Data.Segment)

	assert.Equal(t, http.StatusBadRequest, post(`{"user_id":"ACC_1001","amount":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"amount":10}`).Code)

	f.txs.SetUnavailable(errors.New("down"))
	w = post(`{"user_id":"ACC_1001","amount":10}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "store_unavailable")
}
