// Package quota decides whether a user may perform a billable action and
// records consumption once the action has succeeded.
//
// Callers run CheckAccess before the gated work and RecordUsage only after
// it succeeds. The check and the record are deliberately not wrapped in a
// lock or transaction: concurrent requests can overshoot a quota by a few
// units, which reconciliation reports. Every counter write is atomic in
// the store, so no update is ever lost.
package quota

import (
	"errors"
)

var (
	ErrUnknownFeature = errors.New("quota: unknown feature")
	ErrInvalidCredits = errors.New("quota: credits to deduct must not be negative")
)

// Code is a stable machine-readable decision reason.
type Code string

const (
	CodeOK                   Code = "ok"
	CodeSoftWarning          Code = "soft_warning"
	CodeBurst                Code = "burst"
	CodeNotProvisioned       Code = "not_provisioned"
	CodeUnknownFeature       Code = "unknown_feature"
	CodeDailyLimitReached    Code = "daily_limit_reached"
	CodeNotInPlan            Code = "not_in_plan"
	CodeMonthlyQuotaExceeded Code = "monthly_quota_exceeded"
	CodeInsufficientCredits  Code = "insufficient_credits"
)

// Human-readable reasons carried on denials.
const (
	ReasonNotProvisioned       = "account not provisioned"
	ReasonUnknownFeature       = "feature not available"
	ReasonDailyLimitReached    = "daily limit reached"
	ReasonNotInPlan            = "feature not included in this plan"
	ReasonMonthlyQuotaExceeded = "monthly quota exceeded"
	ReasonInsufficientCredits  = "insufficient credits"
)

// PromptKind tells the UI which action a prompt asks for.
type PromptKind string

const (
	PromptNone        PromptKind = ""
	PromptUpgrade     PromptKind = "upgrade"
	PromptBuyCredits  PromptKind = "buy_credits"
	PromptTryTomorrow PromptKind = "try_tomorrow"
	PromptSoftWarning PromptKind = "soft_warning"
	PromptBurst       PromptKind = "burst"
)

// Decision is the verdict for one access check. Denials are ordinary
// values, never errors.
type Decision struct {
	Allowed        bool       `json:"allowed"`
	Code           Code       `json:"code"`
	Reason         string     `json:"reason,omitempty"`
	RemainingQuota *int64     `json:"remainingQuota,omitempty"`
	UpgradePrompt  string     `json:"upgradePrompt,omitempty"`
	PromptKind     PromptKind `json:"promptKind,omitempty"`
	BurstUsed      bool       `json:"burstUsed,omitempty"`
}

func (d Decision) outcome() string {
	if d.Allowed {
		return "allow"
	}
	return "deny"
}

func allow(code Code, remaining int64) Decision {
	return Decision{Allowed: true, Code: code, RemainingQuota: &remaining}
}

func deny(code Code, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

func (d Decision) withPrompt(kind PromptKind, prompt string) Decision {
	d.PromptKind = kind
	d.UpgradePrompt = prompt
	return d
}

type checkOptions struct {
	creditCost    int64
	hasCreditCost bool
}

// CheckOption adjusts a single access check.
type CheckOption func(*checkOptions)

// WithCreditCost overrides the catalog credit cost for this call.
func WithCreditCost(cost int64) CheckOption {
	return func(o *checkOptions) {
		o.creditCost = cost
		o.hasCreditCost = true
	}
}
