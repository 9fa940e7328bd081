package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shijo-seo/shijo/internal/logging"
	"github.com/shijo-seo/shijo/internal/metrics"
	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/traces"
	"github.com/shijo-seo/shijo/internal/usage"
)

// Regime names the counter a recorded unit landed on.
type Regime string

const (
	RegimeDaily   Regime = "daily"
	RegimeMonthly Regime = "monthly"
	RegimeBurst   Regime = "burst"
	RegimeNone    Regime = "none"
)

// Recorder writes consumption after a gated action has succeeded.
type Recorder struct {
	catalog *plans.Catalog
	store   usage.Store
	now     func() time.Time
}

// NewRecorder creates a consumption recorder.
func NewRecorder(catalog *plans.Catalog, store usage.Store, opts ...Option) *Recorder {
	return &Recorder{
		catalog: catalog,
		store:   store,
		now:     applyOptions(opts),
	}
}

// RecordUsage charges one unit of featureKey to userID and deducts
// creditsToDeduct from the credit balance. The deduction is not re-checked
// and not clamped: a negative balance is logged as an anomaly. A user
// without a quota record is a logged no-op.
func (r *Recorder) RecordUsage(ctx context.Context, userID, featureKey string, creditsToDeduct int64) (Regime, error) {
	ctx, span := traces.StartSpan(ctx, "quota.RecordUsage",
		traces.UserID(userID), traces.Feature(featureKey), traces.Credits(creditsToDeduct))
	defer span.End()
	ctx = logging.WithUserID(ctx, userID)

	regime, err := r.record(ctx, userID, featureKey, creditsToDeduct)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return regime, err
	}
	span.SetAttributes(attribute.String("quota.regime", string(regime)))
	return regime, nil
}

func (r *Recorder) record(ctx context.Context, userID, featureKey string, credits int64) (Regime, error) {
	f, ok := plans.ParseFeature(featureKey)
	if !ok {
		logging.Anomaly(ctx, "unknown_feature", "usage recorded for unknown feature", "feature", featureKey)
		metrics.AnomaliesTotal.WithLabelValues("unknown_feature").Inc()
		return RegimeNone, ErrUnknownFeature
	}
	if credits < 0 {
		return RegimeNone, ErrInvalidCredits
	}

	rec, err := r.store.GetQuota(ctx, userID)
	if errors.Is(err, usage.ErrNotProvisioned) {
		logging.Anomaly(ctx, "record_not_provisioned", "usage recorded for user without quota record", "feature", f.Key())
		metrics.AnomaliesTotal.WithLabelValues("record_not_provisioned").Inc()
		return RegimeNone, nil
	}
	if err != nil {
		return RegimeNone, fmt.Errorf("failed to read quota record: %w", err)
	}
	tier := plans.ParseTier(string(rec.Tier))

	var regime Regime
	if _, capped := r.catalog.DailyCapFor(tier, f); tier == plans.TierFree && capped {
		if _, err := r.store.IncrementDaily(ctx, userID, f, usage.Day(r.now())); err != nil {
			return RegimeNone, fmt.Errorf("failed to increment daily usage: %w", err)
		}
		regime = RegimeDaily
	} else {
		regime, err = r.recordMonthly(ctx, userID, tier, f)
		if err != nil {
			return RegimeNone, err
		}
	}
	metrics.UsageRecordedTotal.WithLabelValues(f.Key(), string(regime)).Inc()

	if credits > 0 {
		balance, err := r.store.AdjustCredits(ctx, userID, -credits)
		if err != nil {
			return regime, fmt.Errorf("failed to deduct credits: %w", err)
		}
		metrics.CreditsDeductedTotal.Add(float64(credits))
		if balance < 0 {
			logging.Anomaly(ctx, "negative_credits", "credit balance below zero after deduction",
				"feature", f.Key(), "deducted", credits, "balance", balance)
			metrics.AnomaliesTotal.WithLabelValues("negative_credits").Inc()
		}
	}
	return regime, nil
}

func (r *Recorder) recordMonthly(ctx context.Context, userID string, tier plans.Tier, f plans.Feature) (Regime, error) {
	c, err := r.store.IncrementUsed(ctx, userID, f, 1)
	if err != nil {
		return RegimeNone, fmt.Errorf("failed to increment usage: %w", err)
	}
	if c.Used <= c.Quota {
		return RegimeMonthly, nil
	}

	allowance := r.catalog.BurstAllowanceFor(tier, f)
	if c.Used > c.Quota+allowance {
		logging.Anomaly(ctx, "quota_overshoot", "usage beyond quota and burst allowance",
			"feature", f.Key(), "used", c.Used, "quota", c.Quota, "burst_allowance", allowance)
		metrics.AnomaliesTotal.WithLabelValues("quota_overshoot").Inc()
	}
	if allowance == 0 {
		return RegimeMonthly, nil
	}

	err = r.store.AddBurstUsed(ctx, userID, 1, r.now())
	if errors.Is(err, usage.ErrBurstNotFound) {
		logging.Anomaly(ctx, "burst_untracked", "unit beyond quota for user without burst record", "feature", f.Key())
		metrics.AnomaliesTotal.WithLabelValues("burst_untracked").Inc()
		return RegimeBurst, nil
	}
	if err != nil {
		return RegimeBurst, fmt.Errorf("failed to track burst usage: %w", err)
	}
	return RegimeBurst, nil
}
