package models

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes model lifecycle operations.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new model admin handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterAdminRoutes mounts reload and status routes on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/models", h.Status)
	r.POST("/models/reload", h.Reload)
}

// Status handles GET /v1/admin/models
func (h *Handler) Status(c *gin.Context) {
	out := gin.H{}
	if m := h.registry.Classifier(); m != nil {
		out[NameClassifier] = gin.H{"loaded": true, "version": m.Version, "trees": len(m.Trees)}
	} else {
		out[NameClassifier] = gin.H{"loaded": false}
	}
	if m := h.registry.Personal(); m != nil {
		out[NamePersonal] = gin.H{"loaded": true, "version": m.Version, "users": len(m.Users)}
	} else {
		out[NamePersonal] = gin.H{"loaded": false}
	}
	if m := h.registry.VAE(); m != nil {
		out[NameVAE] = gin.H{"loaded": true, "version": m.Version}
	} else {
		out[NameVAE] = gin.H{"loaded": false}
	}
	c.JSON(http.StatusOK, gin.H{"models": out})
}

// Reload handles POST /v1/admin/models/reload
func (h *Handler) Reload(c *gin.Context) {
	results := h.registry.Reload(c.Request.Context())
	status := http.StatusOK
	for _, r := range results {
		if r.Error != "" {
			status = http.StatusUnprocessableEntity
		}
	}
	c.JSON(status, gin.H{"results": results})
}
