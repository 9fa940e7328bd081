package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shijo-seo/shijo/internal/logging"
)

// Handler exposes reconciliation reports to admins.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin-only reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetReport)
	r.POST("/reconciliation/run", h.Run)
}

// GetReport handles GET /v1/admin/reconciliation
func (h *Handler) GetReport(c *gin.Context) {
	rep := h.service.Last()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.service.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}
