package burst

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shijo-seo/shijo/internal/usage"
)

// Handler provides HTTP endpoints for burst records.
type Handler struct {
	service *Service
}

// NewHandler creates a new burst handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin-only burst routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/burst", h.GetBurst)
	r.PUT("/users/:userId/burst", h.Recompute)
}

// GetBurst handles GET /v1/admin/users/:userId/burst
func (h *Handler) GetBurst(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, usage.ErrBurstNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No burst record for this user",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"burst": rec})
}

// Recompute handles PUT /v1/admin/users/:userId/burst
func (h *Handler) Recompute(c *gin.Context) {
	var req Signals
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.TenureDays < 0 || req.AvgUsagePercent < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tenureDays and avgUsagePercent must not be negative",
		})
		return
	}

	rec, res, err := h.service.Recompute(c.Request.Context(), c.Param("userId"), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"burst": rec, "evaluation": res})
}
