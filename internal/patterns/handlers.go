package patterns

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes on-demand scans to operators.
type Handler struct {
	detector *Detector
}

// NewHandler creates a patterns handler.
func NewHandler(detector *Detector) *Handler {
	return &Handler{detector: detector}
}

// RegisterAdminRoutes mounts POST /patterns/scan on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/patterns/scan", h.Scan)
}

// Scan handles POST /v1/admin/patterns/scan
func (h *Handler) Scan(c *gin.Context) {
	report, err := h.detector.Scan(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scan_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": report})
}
