// Package burst decides whether a paid user may draw on bonus capacity
// beyond the monthly quota.
package burst

import (
	"context"
	"errors"
	"fmt"

	"github.com/shijo-seo/shijo/internal/usage"
)

// Policy holds the eligibility thresholds. All conditions must hold.
type Policy struct {
	MinTenureDays      int
	RequirePaymentOK   bool
	MaxAvgUsagePercent float64 // exclusive
}

// DefaultPolicy: 90 days of tenure, healthy payments, average utilization under 80%.
var DefaultPolicy = Policy{
	MinTenureDays:      90,
	RequirePaymentOK:   true,
	MaxAvgUsagePercent: 80,
}

// Result is the outcome of an eligibility check.
type Result struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

// Evaluator derives eligibility from a burst record. It never reads the
// cached BurstEligible flag.
type Evaluator struct {
	policy Policy
}

// NewEvaluator creates an evaluator with the given policy.
func NewEvaluator(p Policy) *Evaluator {
	return &Evaluator{policy: p}
}

// Evaluate applies the policy to rec. A nil record is ineligible.
func (e *Evaluator) Evaluate(rec *usage.BurstRecord) Result {
	if rec == nil {
		return Result{Reason: "no burst record"}
	}
	if rec.TenureDays < e.policy.MinTenureDays {
		return Result{Reason: fmt.Sprintf("tenure %d days below minimum %d", rec.TenureDays, e.policy.MinTenureDays)}
	}
	if e.policy.RequirePaymentOK && !rec.PaymentHealth {
		return Result{Reason: "payment health check failed"}
	}
	if rec.AvgUsagePercent >= e.policy.MaxAvgUsagePercent {
		return Result{Reason: fmt.Sprintf("average usage %.1f%% not below %.1f%%", rec.AvgUsagePercent, e.policy.MaxAvgUsagePercent)}
	}
	return Result{Eligible: true, Reason: "eligible"}
}

// Checker answers burst eligibility for a user. The quota engine depends on
// this interface only.
type Checker interface {
	IsEligible(ctx context.Context, userID string) (bool, error)
}

// Service reads and recomputes burst records.
type Service struct {
	store     usage.BurstStore
	evaluator *Evaluator
}

// NewService creates a burst service.
func NewService(store usage.BurstStore, evaluator *Evaluator) *Service {
	return &Service{store: store, evaluator: evaluator}
}

// IsEligible reports whether userID may use burst capacity. A missing
// record fails closed.
func (s *Service) IsEligible(ctx context.Context, userID string) (bool, error) {
	rec, err := s.store.GetBurst(ctx, userID)
	if errors.Is(err, usage.ErrBurstNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get burst record: %w", err)
	}
	return s.evaluator.Evaluate(rec).Eligible, nil
}

// Get returns the stored record.
func (s *Service) Get(ctx context.Context, userID string) (*usage.BurstRecord, error) {
	return s.store.GetBurst(ctx, userID)
}

// Signals are the externally computed inputs to eligibility.
type Signals struct {
	TenureDays      int     `json:"tenureDays"`
	PaymentHealth   bool    `json:"paymentHealth"`
	AvgUsagePercent float64 `json:"avgUsagePercent"`
}

// Recompute stores fresh signals for userID along with the derived flag.
// The monthly burst tally is left as is.
func (s *Service) Recompute(ctx context.Context, userID string, sig Signals) (*usage.BurstRecord, Result, error) {
	rec := &usage.BurstRecord{
		UserID:          userID,
		TenureDays:      sig.TenureDays,
		PaymentHealth:   sig.PaymentHealth,
		AvgUsagePercent: sig.AvgUsagePercent,
	}
	res := s.evaluator.Evaluate(rec)
	rec.BurstEligible = res.Eligible

	if err := s.store.SaveBurst(ctx, rec); err != nil {
		return nil, res, fmt.Errorf("failed to save burst record: %w", err)
	}
	saved, err := s.store.GetBurst(ctx, userID)
	if err != nil {
		return nil, res, err
	}
	return saved, res, nil
}

var _ Checker = (*Service)(nil)
