package heatmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/riskgate/internal/blocklist"
	"github.com/mbd888/riskgate/internal/transactions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	txs    *transactions.MemoryStore
	blocks *blocklist.MemoryStore
	gate   *blocklist.Gate
	seq    int
}

func newFixture() *fixture {
	f := &fixture{txs: transactions.NewMemoryStore(), blocks: blocklist.NewMemoryStore()}
	f.gate = blocklist.NewGate(f.blocks, nil)
	return f
}

func (f *fixture) blockedTx(t *testing.T, location, txType string) {
	t.Helper()
	f.seq++
	require.NoError(t, f.txs.Append(context.Background(), &transactions.Transaction{
		ID: fmt.Sprintf("tx_%d", f.seq), UserID: "U", Location: location, Type: txType,
		Status: transactions.StatusBlocked, CreatedAt: time.Now().Add(time.Duration(f.seq) * time.Millisecond),
	}))
}

func (f *fixture) blockEntity(t *testing.T, id, location string) {
	t.Helper()
	_, err := f.gate.Block(context.Background(), blocklist.BlockRequest{EntityID: id, Location: location})
	require.NoError(t, err)
}

func TestBuild_WeightsAndPins(t *testing.T) {
	f := newFixture()
	for i := 0; i < 3; i++ {
		f.blockedTx(t, "Mumbai", "UPI")
	}
	f.blockedTx(t, "Mumbai", "Card")
	f.blockedTx(t, "Pune", "UPI")
	f.blockedTx(t, "Atlantis", "UPI")
	f.blockEntity(t, "MULE_1", "Delhi")
	f.blockEntity(t, "MULE_2", "Mumbai")
	f.blockEntity(t, "MULE_3", "")

	m, err := NewBuilder(f.txs, f.gate, nil).Build(context.Background())
	require.NoError(t, err)

	weights := map[int]int{}
	for _, p := range m.Points {
		weights[p.Weight]++
	}
	assert.Equal(t, map[int]int{8: 1, 2: 1, 20: 2}, weights, "Mumbai 4 tx, Pune 1 tx, two placed entities")

	require.Len(t, m.Pins, 2, "Pune's severity of 1 is not pinned")
	assert.Equal(t, "Mumbai", m.Pins[0].Title)
	assert.Equal(t, 14, m.Pins[0].Severity)
	assert.Equal(t, "UPI", m.Pins[0].CommonFraudType)
	assert.Contains(t, m.Pins[0].Description, "Risk Score: 14")
	assert.Contains(t, m.Pins[0].Description, "Blocked Entity Detected")

	assert.Equal(t, "Delhi", m.Pins[1].Title)
	assert.Equal(t, 10, m.Pins[1].Severity)
	assert.Equal(t, defaultFraudType, m.Pins[1].CommonFraudType)
}

func TestBuild_TopTenPins(t *testing.T) {
	f := newFixture()
	cities := []string{"Mumbai", "Delhi", "Bangalore", "Chennai", "Kolkata", "Hyderabad", "Pune", "Ahmedabad", "Jaipur", "Lucknow", "London", "Dubai"}
	for i, city := range cities {
		f.blockEntity(t, fmt.Sprintf("E%d", i), city)
	}
	// One extra transaction makes Dubai the top pin.
	f.blockedTx(t, "Dubai", "")

	m, err := NewBuilder(f.txs, f.gate, nil).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, m.Pins, maxPins)
	assert.Equal(t, "Dubai", m.Pins[0].Title)
	assert.Equal(t, 11, m.Pins[0].Severity)
}

func TestBuild_StoreFailure(t *testing.T) {
	f := newFixture()
	f.txs.SetUnavailable(errors.New("down"))
	_, err := NewBuilder(f.txs, f.gate, nil).Build(context.Background())
	assert.Error(t, err)
}

func TestHandler_Get(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture()
	f.blockEntity(t, "MULE_1", "Delhi")

	r := gin.New()
	NewHandler(NewBuilder(f.txs, f.gate, nil)).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/heatmap", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []Point `json:"data"`
		Pins []Pin   `json:"pins"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 20, resp.Data[0].Weight)
	assert.NotZero(t, resp.Data[0].Location.Lat)
	require.Len(t, resp.Pins, 1)

	f.blocks.SetUnavailable(errors.New("down"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/heatmap", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
