package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shijo-seo/shijo/internal/burst"
	"github.com/shijo-seo/shijo/internal/logging"
	"github.com/shijo-seo/shijo/internal/metrics"
	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/traces"
	"github.com/shijo-seo/shijo/internal/usage"
)

// Ledger is the subset of the usage store the engine reads.
type Ledger interface {
	usage.QuotaStore
	usage.DailyStore
	usage.BurstStore
}

// Engine answers access checks. It only reads state.
type Engine struct {
	catalog *plans.Catalog
	ledger  Ledger
	burst   burst.Checker
	now     func() time.Time
}

// Option configures an Engine or Recorder.
type Option func(*clock)

type clock struct {
	now func() time.Time
}

// WithClock replaces time.Now, used to pick the UTC day for daily caps.
func WithClock(now func() time.Time) Option {
	return func(c *clock) { c.now = now }
}

func applyOptions(opts []Option) func() time.Time {
	c := clock{now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c.now
}

// NewEngine creates a decision engine.
func NewEngine(catalog *plans.Catalog, ledger Ledger, burst burst.Checker, opts ...Option) *Engine {
	return &Engine{
		catalog: catalog,
		ledger:  ledger,
		burst:   burst,
		now:     applyOptions(opts),
	}
}

// CheckAccess decides whether userID may use featureKey once. Business
// denials come back as a Decision; only storage failures return an error,
// which callers should treat as a denial.
func (e *Engine) CheckAccess(ctx context.Context, userID, featureKey string, opts ...CheckOption) (Decision, error) {
	ctx, span := traces.StartSpan(ctx, "quota.CheckAccess",
		traces.UserID(userID), traces.Feature(featureKey))
	defer span.End()
	ctx = logging.WithUserID(ctx, userID)

	var o checkOptions
	for _, opt := range opts {
		opt(&o)
	}

	d, f, err := e.decide(ctx, userID, featureKey, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	metrics.QuotaDecisionsTotal.WithLabelValues(f.Key(), d.outcome(), string(d.Code)).Inc()
	span.SetAttributes(
		attribute.Bool("quota.allowed", d.Allowed),
		attribute.String("quota.code", string(d.Code)),
	)
	return d, nil
}

func (e *Engine) decide(ctx context.Context, userID, featureKey string, o checkOptions) (Decision, plans.Feature, error) {
	f, ok := plans.ParseFeature(featureKey)
	if !ok {
		logging.Anomaly(ctx, "unknown_feature", "access check for unknown feature", "feature", featureKey)
		metrics.AnomaliesTotal.WithLabelValues("unknown_feature").Inc()
		return deny(CodeUnknownFeature, ReasonUnknownFeature), f, nil
	}

	rec, err := e.ledger.GetQuota(ctx, userID)
	if errors.Is(err, usage.ErrNotProvisioned) {
		logging.Anomaly(ctx, "not_provisioned", "access check for user without quota record", "feature", f.Key())
		metrics.AnomaliesTotal.WithLabelValues("not_provisioned").Inc()
		return deny(CodeNotProvisioned, ReasonNotProvisioned), f, nil
	}
	if err != nil {
		return Decision{}, f, fmt.Errorf("failed to read quota record: %w", err)
	}
	tier := plans.ParseTier(string(rec.Tier))

	var d Decision
	if dailyCap, capped := e.catalog.DailyCapFor(tier, f); tier == plans.TierFree && capped {
		d, err = e.checkDaily(ctx, userID, f, dailyCap)
	} else {
		d, err = e.checkMonthly(ctx, userID, tier, f, rec.Counter(f))
	}
	if err != nil || !d.Allowed {
		return d, f, err
	}

	cost := o.creditCost
	if !o.hasCreditCost && e.catalog.IsCreditMetered(tier, f) {
		cost = e.catalog.CreditCost(f)
	}
	if cost > 0 && rec.CreditsBalance < cost {
		return deny(CodeInsufficientCredits, ReasonInsufficientCredits).withPrompt(PromptBuyCredits,
			fmt.Sprintf("This action costs %d credits and your balance is %d. Buy a credit pack to continue.",
				cost, rec.CreditsBalance)), f, nil
	}
	return d, f, nil
}

func (e *Engine) checkDaily(ctx context.Context, userID string, f plans.Feature, dailyCap int64) (Decision, error) {
	count, err := e.ledger.GetDaily(ctx, userID, f, usage.Day(e.now()))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read daily usage: %w", err)
	}
	if count >= dailyCap {
		prompt := fmt.Sprintf("You've used today's %d free %s. The limit resets at midnight UTC.", dailyCap, f.Label())
		if pro := e.catalog.QuotaFor(plans.TierPro, f); pro > 0 {
			prompt += fmt.Sprintf(" Upgrade to Pro for %d per month.", pro)
		}
		return deny(CodeDailyLimitReached, ReasonDailyLimitReached).withPrompt(PromptTryTomorrow, prompt), nil
	}
	return allow(CodeOK, dailyCap-count), nil
}

func (e *Engine) checkMonthly(ctx context.Context, userID string, tier plans.Tier, f plans.Feature, c usage.Counter) (Decision, error) {
	if c.Quota <= 0 {
		return deny(CodeNotInPlan, ReasonNotInPlan).withPrompt(PromptUpgrade, e.unlockPrompt(tier, f)), nil
	}

	// used < 80% of quota, in integers.
	if c.Used*10 < c.Quota*8 {
		return allow(CodeOK, c.Quota-c.Used), nil
	}
	if c.Used < c.Quota {
		pct := c.Used * 100 / c.Quota
		return allow(CodeSoftWarning, c.Quota-c.Used).withPrompt(PromptSoftWarning,
			fmt.Sprintf("You've used %d%% of your monthly %s quota. %s", pct, f.Label(), e.raisePrompt(tier, f))), nil
	}

	if allowance := e.catalog.BurstAllowanceFor(tier, f); allowance > 0 && c.Used < c.Quota+allowance {
		eligible, err := e.burst.IsEligible(ctx, userID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to evaluate burst eligibility: %w", err)
		}
		if eligible {
			remaining := c.Quota + allowance - c.Used
			d := allow(CodeBurst, remaining).withPrompt(PromptBurst,
				fmt.Sprintf("Monthly %s quota reached. You're using bonus capacity: %d of %d left this cycle.",
					f.Label(), remaining, allowance))
			d.BurstUsed = true
			return d, nil
		}
	}

	return deny(CodeMonthlyQuotaExceeded, ReasonMonthlyQuotaExceeded).
		withPrompt(PromptUpgrade, e.raisePrompt(tier, f)), nil
}

// raisePrompt recommends the next tier up, or sales on the top tier.
func (e *Engine) raisePrompt(tier plans.Tier, f plans.Feature) string {
	next, ok := tier.Next()
	if !ok {
		return fmt.Sprintf("Contact sales to raise your %s limit.", f.Label())
	}
	name := string(next)
	if p, ok := e.catalog.Plan(next); ok {
		name = p.Name
	}
	if q := e.catalog.QuotaFor(next, f); q > 0 {
		return fmt.Sprintf("Upgrade to %s for %d %s per month.", name, q, f.Label())
	}
	return fmt.Sprintf("Upgrade to %s for higher limits.", name)
}

// unlockPrompt names the lowest higher tier that includes f.
func (e *Engine) unlockPrompt(tier plans.Tier, f plans.Feature) string {
	for t, ok := tier.Next(); ok; t, ok = t.Next() {
		if q := e.catalog.QuotaFor(t, f); q > 0 {
			name := string(t)
			if p, found := e.catalog.Plan(t); found {
				name = p.Name
			}
			return fmt.Sprintf("%s is not included in your plan. Upgrade to %s for %d per month.", f.Label(), name, q)
		}
	}
	return fmt.Sprintf("%s is not included in your plan. Contact sales to enable it.", f.Label())
}
