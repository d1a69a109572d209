package blocklist

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the blocklist.
type Handler struct {
	gate *Gate
}

// NewHandler creates a new blocklist handler.
func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

// RegisterRoutes sets up blocklist routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/blocklist", h.BlockEntity)
	r.GET("/blocklist", h.ListEntities)
	r.GET("/blocklist/:entityId", h.GetEntity)
	r.DELETE("/blocklist/:entityId", h.UnblockEntity)
	r.POST("/blocklist/check", h.CheckParties)
}

// BlockEntity handles POST /v1/blocklist
func (h *Handler) BlockEntity(c *gin.Context) {
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "entity_id is required",
		})
		return
	}

	e, err := h.gate.Block(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidEntity) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Failed to write blocklist entry",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":  "success",
		"message": "Entity " + e.EntityID + " blocked successfully.",
		"entity":  e,
	})
}

// ListEntities handles GET /v1/blocklist
func (h *Handler) ListEntities(c *gin.Context) {
	entities, err := h.gate.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Failed to read blocklist",
		})
		return
	}
	if entities == nil {
		entities = []*Entity{}
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities, "count": len(entities)})
}

// GetEntity handles GET /v1/blocklist/:entityId
func (h *Handler) GetEntity(c *gin.Context) {
	e, err := h.gate.Get(c.Request.Context(), c.Param("entityId"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity": e})
}

// UnblockEntity handles DELETE /v1/blocklist/:entityId
func (h *Handler) UnblockEntity(c *gin.Context) {
	if err := h.gate.Unblock(c.Request.Context(), c.Param("entityId")); err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "entityId": c.Param("entityId")})
}

// CheckRequest names the parties of a prospective transaction.
type CheckRequest struct {
	SenderID   string `json:"sender_id" binding:"required"`
	ReceiverID string `json:"receiver_id"`
}

// CheckParties handles POST /v1/blocklist/check
func (h *Handler) CheckParties(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sender_id is required",
		})
		return
	}
	hit, err := h.gate.Check(c.Request.Context(), req.SenderID, req.ReceiverID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Failed to read blocklist",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": hit != nil, "hit": hit})
}

func (h *Handler) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Entity is not blocked",
		})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "store_unavailable",
		"message": "Failed to read blocklist",
	})
}
