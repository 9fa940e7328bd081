package billing

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shijo-seo/shijo/internal/logging"
	"github.com/shijo-seo/shijo/internal/usage"
)

// maxWebhookBody caps webhook payloads read into memory.
const maxWebhookBody = 65536

// EventParser verifies and decodes a provider webhook payload.
type EventParser interface {
	Parse(body []byte, sigHeader string) (Event, error)
}

// Handler provides the billing webhook and account lifecycle endpoints.
type Handler struct {
	reactor *Reactor
	parser  EventParser
}

// NewHandler creates a new billing handler. parser may be nil when no
// webhook secret is configured; the webhook then answers 503.
func NewHandler(reactor *Reactor, parser EventParser) *Handler {
	return &Handler{reactor: reactor, parser: parser}
}

// RegisterWebhookRoutes sets up the provider-facing routes. They carry no
// API key: the payload signature authenticates them.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// RegisterAdminRoutes sets up admin-only lifecycle routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/provision", h.Provision)
	r.DELETE("/users/:userId", h.DeleteUser)
}

// StripeWebhook handles POST /v1/webhooks/stripe
//
// Only storage failures answer 5xx so the provider redelivers; everything
// else, including events for unknown customers, is acknowledged.
func (h *Handler) StripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	if h.parser == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "Webhook secret is not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "failed to read body"})
		return
	}

	ev, err := h.parser.Parse(body, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, ErrIgnoredEvent):
		c.JSON(http.StatusOK, gin.H{"received": true, "result": ResultIgnored})
		return
	case errors.Is(err, ErrInvalidSignature):
		logging.L(ctx).Warn("stripe webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "signature verification failed"})
		return
	case err != nil:
		logging.L(ctx).Warn("stripe webhook payload rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": err.Error()})
		return
	}

	res, err := h.reactor.Handle(ctx, ev)
	if err != nil {
		logging.L(ctx).Error("billing event failed", "event_type", ev.Type(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to apply event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": res})
}

// ProvisionRequest is the optional body of a provision call.
type ProvisionRequest struct {
	CustomerRef string `json:"customerRef"`
}

// AccountResponse describes a user's plan state.
type AccountResponse struct {
	UserID             string                   `json:"userId"`
	Tier               string                   `json:"tier"`
	SubscriptionStatus usage.SubscriptionStatus `json:"subscriptionStatus"`
	BillingCycleStart  time.Time                `json:"billingCycleStart"`
	BillingCycleEnd    time.Time                `json:"billingCycleEnd"`
	CreditsBalance     int64                    `json:"creditsBalance"`
}

// Provision handles POST /v1/admin/users/:userId/provision
func (h *Handler) Provision(c *gin.Context) {
	var req ProvisionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}

	rec, err := h.reactor.Provision(c.Request.Context(), c.Param("userId"), req.CustomerRef)
	if err != nil {
		logging.L(c.Request.Context()).Error("provision failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to provision user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": AccountResponse{
		UserID:             rec.UserID,
		Tier:               string(rec.Tier),
		SubscriptionStatus: rec.SubscriptionStatus,
		BillingCycleStart:  rec.BillingCycleStart,
		BillingCycleEnd:    rec.BillingCycleEnd,
		CreditsBalance:     rec.CreditsBalance,
	}})
}

// DeleteUser handles DELETE /v1/admin/users/:userId
func (h *Handler) DeleteUser(c *gin.Context) {
	if err := h.reactor.DeleteUser(c.Request.Context(), c.Param("userId")); err != nil {
		logging.L(c.Request.Context()).Error("delete user failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete user"})
		return
	}
	c.Status(http.StatusNoContent)
}
