package transactions

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskgate/internal/pagination"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Handler exposes read-only transaction history.
type Handler struct {
	store Store
}

// NewHandler creates a new transaction history handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up transaction history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:userId", h.ListHistory)
	r.GET("/transactions/:userId/:txId", h.GetTransaction)
}

// ListHistory handles GET /v1/transactions/:userId?limit=&cursor=
func (h *Handler) ListHistory(c *gin.Context) {
	limit := ParseLimit(c.Query("limit"), defaultHistoryLimit, maxHistoryLimit)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "cursor is malformed",
		})
		return
	}

	txs, err := h.store.ListRecent(c.Request.Context(), c.Param("userId"), limit+1, WithCursor(cursor))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Transaction history is temporarily unavailable",
		})
		return
	}
	txs, next, hasMore := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	if txs == nil {
		txs = []*Transaction{}
	}

	resp := gin.H{
		"userId":       c.Param("userId"),
		"transactions": txs,
		"count":        len(txs),
		"hasMore":      hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransaction handles GET /v1/transactions/:userId/:txId
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.store.Get(c.Request.Context(), c.Param("txId"))
	if errors.Is(err, ErrNotFound) || (err == nil && tx.UserID != c.Param("userId")) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Transaction history is temporarily unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ParseLimit parses a ?limit= query value, falling back to def and capping at max.
func ParseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
