// Package heatmap aggregates blocked activity into map points and pins.
package heatmap

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/riskgate/internal/blocklist"
	"github.com/mbd888/riskgate/internal/geo"
	"github.com/mbd888/riskgate/internal/transactions"
)

const (
	txWeight         = 2
	txSeverity       = 1
	entityWeight     = 20
	entitySeverity   = 10
	minPinSeverity   = 5
	maxPins          = 10
	maxBlockedTxs    = 1000
	defaultFraudType = "Cyber Fraud"
)

// Point is one weighted heat source.
type Point struct {
	Location geo.Point `json:"location"`
	Weight   int       `json:"weight"`
}

// Pin marks a high-risk location.
type Pin struct {
	Location        geo.Point `json:"location"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Severity        int       `json:"severity"`
	CommonFraudType string    `json:"common_fraud_type"`
}

// Map is the aggregated heatmap.
type Map struct {
	Points []Point `json:"data"`
	Pins   []Pin   `json:"pins"`
}

// Builder reads blocked transactions and entities.
type Builder struct {
	txs       transactions.Store
	blocks    *blocklist.Gate
	gazetteer *geo.Gazetteer
}

// NewBuilder creates a heatmap builder. A nil gazetteer uses the built-in one.
func NewBuilder(txs transactions.Store, blocks *blocklist.Gate, gazetteer *geo.Gazetteer) *Builder {
	if gazetteer == nil {
		gazetteer = geo.DefaultGazetteer()
	}
	return &Builder{txs: txs, blocks: blocks, gazetteer: gazetteer}
}

type candidate struct {
	point    geo.Point
	title    string
	severity int
	sources  map[string]bool
	types    map[string]int
}

// Build aggregates by location. Locations the gazetteer cannot place are
// skipped.
func (b *Builder) Build(ctx context.Context) (*Map, error) {
	blockedTxs, err := b.txs.ListByStatus(ctx, transactions.StatusBlocked, maxBlockedTxs)
	if err != nil {
		return nil, fmt.Errorf("list blocked transactions: %w", err)
	}
	entities, err := b.blocks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list blocked entities: %w", err)
	}

	m := &Map{Points: []Point{}, Pins: []Pin{}}
	byLocation := make(map[string]*candidate)
	var order []string
	pin := func(location string, p geo.Point) *candidate {
		key := strings.ToLower(strings.TrimSpace(location))
		c, ok := byLocation[key]
		if !ok {
			c = &candidate{point: p, title: strings.TrimSpace(location), sources: map[string]bool{}, types: map[string]int{}}
			byLocation[key] = c
			order = append(order, key)
		}
		return c
	}

	txCounts := make(map[string]int)
	var txOrder []string
	for _, tx := range blockedTxs {
		if _, ok := b.gazetteer.Lookup(tx.Location); !ok {
			continue
		}
		if txCounts[tx.Location] == 0 {
			txOrder = append(txOrder, tx.Location)
		}
		txCounts[tx.Location]++
		if tx.Type != "" {
			p, _ := b.gazetteer.Lookup(tx.Location)
			pin(tx.Location, p).types[tx.Type]++
		}
	}
	for _, loc := range txOrder {
		p, _ := b.gazetteer.Lookup(loc)
		n := txCounts[loc]
		m.Points = append(m.Points, Point{Location: p, Weight: n * txWeight})
		c := pin(loc, p)
		c.severity += n * txSeverity
		c.sources[fmt.Sprintf("Blocked Transactions: %d cases", n)] = true
	}

	for _, e := range entities {
		p, ok := b.gazetteer.Lookup(e.Location)
		if e.Location == "" || !ok {
			continue
		}
		m.Points = append(m.Points, Point{Location: p, Weight: entityWeight})
		c := pin(e.Location, p)
		c.severity += entitySeverity
		c.sources["Blocked Entity Detected"] = true
	}

	for _, key := range order {
		c := byLocation[key]
		if c.severity <= minPinSeverity {
			continue
		}
		m.Pins = append(m.Pins, Pin{
			Location:        c.point,
			Title:           c.title,
			Description:     describe(c),
			Severity:        c.severity,
			CommonFraudType: commonType(c.types),
		})
	}
	sort.SliceStable(m.Pins, func(i, j int) bool { return m.Pins[i].Severity > m.Pins[j].Severity })
	if len(m.Pins) > maxPins {
		m.Pins = m.Pins[:maxPins]
	}
	return m, nil
}

func describe(c *candidate) string {
	sources := make([]string, 0, len(c.sources))
	for s := range c.sources {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	if len(sources) > 2 {
		sources = sources[:2]
	}
	return fmt.Sprintf("Risk Score: %d | Sources: %s", c.severity, strings.Join(sources, ", "))
}

func commonType(types map[string]int) string {
	best, bestN := defaultFraudType, 0
	for t, n := range types {
		if n > bestN || (n == bestN && t < best) {
			best, bestN = t, n
		}
	}
	return best
}

// Handler serves GET /heatmap.
type Handler struct {
	builder *Builder
}

// NewHandler creates a heatmap handler.
func NewHandler(builder *Builder) *Handler {
	return &Handler{builder: builder}
}

// RegisterRoutes mounts the heatmap route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/heatmap", h.Get)
}

// Get handles GET /v1/heatmap
func (h *Handler) Get(c *gin.Context) {
	m, err := h.builder.Build(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": m.Points, "pins": m.Pins})
}
