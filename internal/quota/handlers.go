package quota

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shijo-seo/shijo/internal/logging"
	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/usage"
)

// Handler provides HTTP endpoints for access checks and usage.
type Handler struct {
	engine   *Engine
	recorder *Recorder
	credits  usage.CreditLedger
}

// NewHandler creates a new quota handler.
func NewHandler(engine *Engine, recorder *Recorder, credits usage.CreditLedger) *Handler {
	return &Handler{engine: engine, recorder: recorder, credits: credits}
}

// RegisterRoutes sets up service-authenticated metering routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/access/check", h.CheckAccess)
	r.POST("/users/:userId/usage/record", h.RecordUsage)
	r.GET("/users/:userId/usage", h.GetSummary)
	r.GET("/users/:userId/credits/history", h.CreditHistory)
	r.GET("/plans", h.ListPlans)
}

// CheckAccessRequest is the body of an access check.
type CheckAccessRequest struct {
	Feature    string `json:"feature" binding:"required"`
	CreditCost *int64 `json:"creditCost,omitempty"`
}

// CheckAccess handles POST /v1/users/:userId/access/check
//
// A denial is still a 200: the decision is the payload.
func (h *Handler) CheckAccess(c *gin.Context) {
	var req CheckAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	var opts []CheckOption
	if req.CreditCost != nil {
		if *req.CreditCost < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "creditCost must not be negative"})
			return
		}
		opts = append(opts, WithCreditCost(*req.CreditCost))
	}

	d, err := h.engine.CheckAccess(c.Request.Context(), c.Param("userId"), req.Feature, opts...)
	if err != nil {
		logging.L(c.Request.Context()).Error("access check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    "metering_unavailable",
			"message":  "Usage metering is unavailable; access denied",
			"decision": Decision{Allowed: false},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// RecordUsageRequest is the body of a usage record.
type RecordUsageRequest struct {
	Feature         string `json:"feature" binding:"required"`
	CreditsToDeduct int64  `json:"creditsToDeduct"`
}

// RecordUsage handles POST /v1/users/:userId/usage/record
func (h *Handler) RecordUsage(c *gin.Context) {
	var req RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	regime, err := h.recorder.RecordUsage(c.Request.Context(), c.Param("userId"), req.Feature, req.CreditsToDeduct)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownFeature), errors.Is(err, ErrInvalidCredits):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		default:
			logging.L(c.Request.Context()).Error("usage record failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to record usage"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true, "regime": regime})
}

// GetSummary handles GET /v1/users/:userId/usage
func (h *Handler) GetSummary(c *gin.Context) {
	s, err := h.engine.Summary(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, usage.ErrNotProvisioned) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User is not provisioned"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": s})
}

// CreditHistory handles GET /v1/users/:userId/credits/history
func (h *Handler) CreditHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	cursor, err := usage.ParseCursor(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	entries, err := h.credits.CreditHistory(c.Request.Context(), c.Param("userId"), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	next := ""
	if len(entries) > limit {
		entries = entries[:limit]
		next = usage.NextCursor(entries[len(entries)-1])
	}
	if entries == nil {
		entries = []*usage.CreditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":     entries,
		"count":       len(entries),
		"next_cursor": next,
		"has_more":    next != "",
	})
}

// PlanView is the wire form of one plan.
type PlanView struct {
	Tier            plans.Tier       `json:"tier"`
	Name            string           `json:"name"`
	MonthlyPriceUSD int              `json:"monthlyPriceUsd"`
	Quotas          map[string]int64 `json:"quotas"`
	DailyCaps       map[string]int64 `json:"dailyCaps,omitempty"`
	BurstAllowances map[string]int64 `json:"burstAllowances,omitempty"`
	CreditMetered   []string         `json:"creditMetered,omitempty"`
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	catalog := h.engine.catalog
	views := make([]PlanView, 0, 3)
	for _, p := range catalog.Plans() {
		v := PlanView{Tier: p.Tier, Name: p.Name, MonthlyPriceUSD: p.MonthlyPriceUSD, Quotas: map[string]int64{}}
		for _, f := range plans.Features() {
			v.Quotas[f.Key()] = catalog.QuotaFor(p.Tier, f)
			if dailyCap, ok := catalog.DailyCapFor(p.Tier, f); ok {
				if v.DailyCaps == nil {
					v.DailyCaps = map[string]int64{}
				}
				v.DailyCaps[f.Key()] = dailyCap
			}
			if b := catalog.BurstAllowanceFor(p.Tier, f); b > 0 {
				if v.BurstAllowances == nil {
					v.BurstAllowances = map[string]int64{}
				}
				v.BurstAllowances[f.Key()] = b
			}
			if catalog.IsCreditMetered(p.Tier, f) {
				v.CreditMetered = append(v.CreditMetered, f.Key())
			}
		}
		views = append(views, v)
	}

	costs := map[string]int64{}
	for _, f := range plans.Features() {
		if cost := catalog.CreditCost(f); cost > 0 {
			costs[f.Key()] = cost
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"plans":       views,
		"creditPacks": catalog.CreditPacks(),
		"creditCosts": costs,
	})
}
