// Package usage is the durable usage ledger: monthly per-feature counters and
// credit balance per user, free-tier daily counters, burst signals, the
// append-only credit top-up ledger and billing-customer links.
//
// Every counter mutation is a single atomic statement at the storage layer
// (increment, decrement or insert-or-increment); callers never read-modify-write.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/shijo-seo/shijo/internal/plans"
)

var (
	ErrNotProvisioned   = errors.New("usage: quota record not found")
	ErrBurstNotFound    = errors.New("usage: burst record not found")
	ErrDuplicateTopUp   = errors.New("usage: credit top-up already applied")
	ErrDuplicateReset   = errors.New("usage: cycle reset already applied")
	ErrCustomerNotFound = errors.New("usage: billing customer not linked")
	ErrUnknownFeature   = errors.New("usage: unknown feature")
)

// SubscriptionStatus mirrors the billing provider's subscription state.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
)

// Counter is one feature's monthly consumption against its quota.
type Counter struct {
	Used  int64 `json:"used"`
	Quota int64 `json:"quota"`
}

// QuotaRecord is the per-user monthly ledger row. Tier is the single source
// of truth for the user's plan.
type QuotaRecord struct {
	UserID             string
	Tier               plans.Tier
	SubscriptionID     string
	SubscriptionStatus SubscriptionStatus
	BillingCycleStart  time.Time
	BillingCycleEnd    time.Time
	Counters           [plans.NumFeatures]Counter
	CreditsBalance     int64
	// LastEventAt is when the newest billing event applied to the absolute
	// fields occurred. Zero until the first one.
	LastEventAt time.Time
	UpdatedAt   time.Time
}

// Counter returns the counter of f, or a zero counter for unknown features.
func (r *QuotaRecord) Counter(f plans.Feature) Counter {
	if !f.Valid() {
		return Counter{}
	}
	return r.Counters[f]
}

// Clone returns a deep copy.
func (r *QuotaRecord) Clone() *QuotaRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// DailyUsage is a free-tier counter for one (user, feature, UTC day).
type DailyUsage struct {
	UserID  string
	Feature plans.Feature
	Day     string
	Count   int64
}

// Day formats t as the UTC calendar day key used by daily counters.
func Day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// BurstRecord holds the signals the burst evaluator derives eligibility from.
// BurstEligible is a cached copy of the last derivation, not ground truth.
type BurstRecord struct {
	UserID             string     `json:"userId"`
	TenureDays         int        `json:"tenureDays"`
	PaymentHealth      bool       `json:"paymentHealth"`
	AvgUsagePercent    float64    `json:"avgUsagePercent"`
	BurstEligible      bool       `json:"burstEligible"`
	LastBurstGranted   *time.Time `json:"lastBurstGranted,omitempty"`
	BurstUsedThisMonth int64      `json:"burstUsedThisMonth"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// CreditEntry is an immutable record of a credit top-up.
type CreditEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      int64     `json:"amount"`
	PaymentRef  string    `json:"paymentRef"`
	EventID     string    `json:"eventId,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// QuotaStore persists monthly quota records.
type QuotaStore interface {
	GetQuota(ctx context.Context, userID string) (*QuotaRecord, error)
	// SaveQuota upserts the absolute fields of a record (tier, subscription,
	// cycle bounds, quotas). Used counters and the credit balance start at zero
	// on insert and are left untouched on update. An update whose LastEventAt
	// is older than the stored one is dropped.
	SaveQuota(ctx context.Context, rec *QuotaRecord) error
	// ResetCycle zeroes every used counter and the monthly burst tally in one
	// step, at most once per ref. A repeated ref returns ErrDuplicateReset and
	// changes nothing; an empty ref always resets.
	ResetCycle(ctx context.Context, userID, ref string) error
	// IncrementUsed atomically adds delta to the feature's used counter and
	// returns the counter after the increment.
	IncrementUsed(ctx context.Context, userID string, f plans.Feature, delta int64) (Counter, error)
	// AdjustCredits atomically adds delta (negative to deduct) to the credit
	// balance without clamping and returns the new balance.
	AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error)
	// ListQuotas pages through records ordered by user id.
	ListQuotas(ctx context.Context, afterUserID string, limit int) ([]*QuotaRecord, error)
}

// DailyStore persists free-tier daily counters.
type DailyStore interface {
	GetDaily(ctx context.Context, userID string, f plans.Feature, day string) (int64, error)
	// IncrementDaily inserts the (user, feature, day) counter with 1 or
	// increments it, atomically, and returns the new count.
	IncrementDaily(ctx context.Context, userID string, f plans.Feature, day string) (int64, error)
	// PruneDaily deletes counters for days strictly before the given day.
	PruneDaily(ctx context.Context, before string) (int64, error)
}

// BurstStore persists burst signals.
type BurstStore interface {
	GetBurst(ctx context.Context, userID string) (*BurstRecord, error)
	SaveBurst(ctx context.Context, rec *BurstRecord) error
	AddBurstUsed(ctx context.Context, userID string, delta int64, at time.Time) error
}

// CreditLedger records credit top-ups exactly once per payment reference.
type CreditLedger interface {
	// TopUp appends the entry and increments the balance in one transaction.
	// A repeated PaymentRef returns ErrDuplicateTopUp and changes nothing.
	TopUp(ctx context.Context, entry *CreditEntry) (int64, error)
	CreditHistory(ctx context.Context, userID string, cursor *Cursor, limit int) ([]*CreditEntry, error)
}

// CustomerStore links users to billing-provider customers.
type CustomerStore interface {
	LinkCustomer(ctx context.Context, userID, customerRef string) error
	UserForCustomer(ctx context.Context, customerRef string) (string, error)
}

// Store is the complete ledger.
type Store interface {
	QuotaStore
	DailyStore
	BurstStore
	CreditLedger
	CustomerStore
	// DeleteUser removes every row owned by the user.
	DeleteUser(ctx context.Context, userID string) error
}

// WithDailyStore returns a Store whose daily counters live in daily while
// everything else stays in base.
func WithDailyStore(base Store, daily DailyStore) Store {
	return &splitStore{Store: base, daily: daily}
}

type splitStore struct {
	Store
	daily DailyStore
}

func (s *splitStore) GetDaily(ctx context.Context, userID string, f plans.Feature, day string) (int64, error) {
	return s.daily.GetDaily(ctx, userID, f, day)
}

func (s *splitStore) IncrementDaily(ctx context.Context, userID string, f plans.Feature, day string) (int64, error) {
	return s.daily.IncrementDaily(ctx, userID, f, day)
}

func (s *splitStore) PruneDaily(ctx context.Context, before string) (int64, error) {
	return s.daily.PruneDaily(ctx, before)
}

// DeleteUser removes the user from base and, when the daily store holds
// per-user state of its own, from the daily store too.
func (s *splitStore) DeleteUser(ctx context.Context, userID string) error {
	if err := s.Store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	if p, ok := s.daily.(interface {
		PurgeUser(ctx context.Context, userID string) error
	}); ok {
		return p.PurgeUser(ctx, userID)
	}
	return nil
}
