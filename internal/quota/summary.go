package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/usage"
)

// FeatureUsage is one row of the usage summary.
type FeatureUsage struct {
	Feature        string `json:"feature"`
	Label          string `json:"label"`
	Used           int64  `json:"used"`
	Quota          int64  `json:"quota"`
	DailyUsed      int64  `json:"dailyUsed,omitempty"`
	DailyCap       *int64 `json:"dailyCap,omitempty"`
	BurstAllowance int64  `json:"burstAllowance,omitempty"`
	CreditCost     int64  `json:"creditCost,omitempty"`
}

// Summary is a dashboard view of a user's consumption.
type Summary struct {
	UserID             string                   `json:"userId"`
	Tier               plans.Tier               `json:"tier"`
	SubscriptionStatus usage.SubscriptionStatus `json:"subscriptionStatus"`
	BillingCycleStart  time.Time                `json:"billingCycleStart"`
	BillingCycleEnd    time.Time                `json:"billingCycleEnd"`
	CreditsBalance     int64                    `json:"creditsBalance"`
	BurstEligible      bool                     `json:"burstEligible"`
	BurstUsedThisMonth int64                    `json:"burstUsedThisMonth"`
	Features           []FeatureUsage           `json:"features"`
}

// Summary returns per-feature usage for userID.
func (e *Engine) Summary(ctx context.Context, userID string) (*Summary, error) {
	rec, err := e.ledger.GetQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	tier := plans.ParseTier(string(rec.Tier))

	s := &Summary{
		UserID:             rec.UserID,
		Tier:               tier,
		SubscriptionStatus: rec.SubscriptionStatus,
		BillingCycleStart:  rec.BillingCycleStart,
		BillingCycleEnd:    rec.BillingCycleEnd,
		CreditsBalance:     rec.CreditsBalance,
		Features:           make([]FeatureUsage, 0, plans.NumFeatures),
	}

	if tier.Paid() {
		b, err := e.ledger.GetBurst(ctx, userID)
		switch {
		case err == nil:
			s.BurstUsedThisMonth = b.BurstUsedThisMonth
		case !errors.Is(err, usage.ErrBurstNotFound):
			return nil, fmt.Errorf("failed to read burst record: %w", err)
		}
		if s.BurstEligible, err = e.burst.IsEligible(ctx, userID); err != nil {
			return nil, fmt.Errorf("failed to evaluate burst eligibility: %w", err)
		}
	}

	today := usage.Day(e.now())
	for _, f := range plans.Features() {
		c := rec.Counter(f)
		row := FeatureUsage{
			Feature:        f.Key(),
			Label:          f.Label(),
			Used:           c.Used,
			Quota:          c.Quota,
			BurstAllowance: e.catalog.BurstAllowanceFor(tier, f),
		}
		if tier == plans.TierFree {
			if dailyCap, ok := e.catalog.DailyCapFor(tier, f); ok {
				n, err := e.ledger.GetDaily(ctx, userID, f, today)
				if err != nil {
					return nil, fmt.Errorf("failed to read daily usage: %w", err)
				}
				row.DailyUsed = n
				row.DailyCap = &dailyCap
			}
		}
		if e.catalog.IsCreditMetered(tier, f) {
			row.CreditCost = e.catalog.CreditCost(f)
		}
		s.Features = append(s.Features, row)
	}
	return s, nil
}
