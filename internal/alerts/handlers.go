package alerts

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the alert log.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new alert handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up alert routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.ListAlerts)
}

// ListAlerts handles GET /v1/alerts?type=&user=&limit=
func (h *Handler) ListAlerts(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 500)
		}
	}

	list, err := h.manager.List(c.Request.Context(), Filter{
		Type:       c.Query("type"),
		SourceUser: c.Query("user"),
		Limit:      limit,
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Alert log is temporarily unavailable",
		})
		return
	}
	if list == nil {
		list = []*Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": list, "count": len(list)})
}
