package profiles

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides the user directory endpoints.
type Handler struct {
	store Store
}

// NewHandler creates a new profile handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up user directory routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users", h.ListUsers)
	r.GET("/users/:userId", h.GetUser)
	r.PUT("/users/:userId", h.PutUser)
}

// PutRequest is the body of PUT /v1/users/:userId.
type PutRequest struct {
	Name    string  `json:"name"`
	Segment Segment `json:"segment" binding:"required"`
}

// ListUsers handles GET /v1/users
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "User directory is temporarily unavailable",
		})
		return
	}
	if users == nil {
		users = []*Profile{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// GetUser handles GET /v1/users/:userId. Unknown users are reported with
// the default personal segment rather than 404, matching how scoring treats them.
func (h *Handler) GetUser(c *gin.Context) {
	userID := c.Param("userId")
	p, err := h.store.Get(c.Request.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		p = &Profile{UserID: userID, Segment: SegmentPersonal}
	} else if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "User directory is temporarily unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":       p,
		"dailyLimit": p.Segment.DailyLimit(),
	})
}

// PutUser handles PUT /v1/users/:userId
func (h *Handler) PutUser(c *gin.Context) {
	var req PutRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Segment.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": ErrInvalidSegment.Error(),
		})
		return
	}

	p := &Profile{
		UserID:    c.Param("userId"),
		Name:      req.Name,
		Segment:   req.Segment,
		UpdatedAt: time.Now().UTC(),
	}
	if err := h.store.Put(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Failed to save profile",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": p, "dailyLimit": p.Segment.DailyLimit()})
}
