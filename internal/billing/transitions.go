package billing

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shijo-seo/shijo/internal/plans"
	"github.com/shijo-seo/shijo/internal/usage"
)

// Effect is a side effect requested by a transition.
type Effect interface {
	effect()
}

// SaveRecord upserts the absolute fields of the quota record: tier,
// subscription, cycle bounds and quotas. Used counters and credits are
// never written by it.
type SaveRecord struct {
	Record *usage.QuotaRecord
}

// ResetCycle zeroes every used counter and the monthly burst tally once
// per Ref.
type ResetCycle struct {
	Ref string
}

// Skip reports an event that was received but left the ledger untouched.
type Skip struct {
	Reason string
	Attrs  []any
}

// TopUp appends a credit ledger entry and credits the balance once per
// PaymentRef.
type TopUp struct {
	Entry usage.CreditEntry
}

// Notify is a log-only hook.
type Notify struct {
	Level   slog.Level
	Message string
	Attrs   []any
}

func (SaveRecord) effect() {}
func (ResetCycle) effect() {}
func (TopUp) effect()      {}
func (Notify) effect()     {}
func (Skip) effect()       {}

// FreeRecord is the record of a freshly provisioned user.
func FreeRecord(catalog *plans.Catalog, userID string, now time.Time) *usage.QuotaRecord {
	rec := &usage.QuotaRecord{
		UserID:             userID,
		Tier:               plans.TierFree,
		SubscriptionStatus: usage.StatusNone,
		BillingCycleStart:  now.UTC(),
		BillingCycleEnd:    now.UTC().AddDate(0, 1, 0),
	}
	setQuotas(rec, catalog, plans.TierFree)
	return rec
}

func setQuotas(rec *usage.QuotaRecord, catalog *plans.Catalog, tier plans.Tier) {
	q := catalog.QuotaSet(tier)
	for i := range rec.Counters {
		rec.Counters[i].Quota = q[i]
	}
}

// Transition computes the next record and the effects of ev. current is
// nil when the user has no quota record yet; a free record is assumed.
// It performs no I/O.
//
// Subscription events set absolute fields, so one that occurred before the
// last event applied to the record is skipped rather than rolling it back.
func Transition(catalog *plans.Catalog, userID string, current *usage.QuotaRecord, ev Event) (*usage.QuotaRecord, []Effect) {
	provisioned := current != nil
	at := ev.meta().OccurredAt
	if !provisioned {
		current = FreeRecord(catalog, userID, at)
	}
	next := current.Clone()
	stale := at.Before(current.LastEventAt)

	var effects []Effect
	if !provisioned {
		effects = append(effects, Notify{Level: slog.LevelWarn, Message: "billing event for unprovisioned user; provisioning free record"})
	}

	switch ev.(type) {
	case SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted:
		if stale {
			return next, append(effects, Skip{Reason: "stale billing event",
				Attrs: []any{"occurred_at", at, "last_event_at", current.LastEventAt}})
		}
		next.LastEventAt = at
	}

	switch e := ev.(type) {
	case SubscriptionCreated:
		tier, known := resolveTier(catalog, e.PriceID)
		if !known {
			effects = append(effects, unknownPrice(e.PriceID))
		}
		next.Tier = tier
		next.SubscriptionID = e.SubscriptionID
		next.SubscriptionStatus = statusOr(e.Status, usage.StatusActive)
		next.BillingCycleStart = firstNonZero(e.PeriodStart, at)
		next.BillingCycleEnd = e.PeriodEnd
		if next.BillingCycleEnd.IsZero() {
			next.BillingCycleEnd = next.BillingCycleStart.AddDate(0, 1, 0)
		}
		setQuotas(next, catalog, tier)
		effects = append(effects, SaveRecord{Record: next})

	case SubscriptionUpdated:
		next.SubscriptionID = firstNonEmpty(e.SubscriptionID, next.SubscriptionID)
		next.SubscriptionStatus = statusOr(e.Status, next.SubscriptionStatus)
		if !e.PeriodStart.IsZero() {
			next.BillingCycleStart = e.PeriodStart
		}
		if !e.PeriodEnd.IsZero() {
			next.BillingCycleEnd = e.PeriodEnd
		}
		if e.PriceID != "" {
			tier, known := resolveTier(catalog, e.PriceID)
			if !known {
				effects = append(effects, unknownPrice(e.PriceID))
			}
			if tier != current.Tier {
				next.Tier = tier
				setQuotas(next, catalog, tier)
				effects = append(effects, Notify{Level: slog.LevelInfo, Message: "plan tier changed",
					Attrs: []any{"from", current.Tier, "to", tier}})
			}
		}
		effects = append(effects, SaveRecord{Record: next})

	case SubscriptionDeleted:
		next.Tier = plans.TierFree
		next.SubscriptionID = ""
		next.SubscriptionStatus = usage.StatusCanceled
		setQuotas(next, catalog, plans.TierFree)
		effects = append(effects, SaveRecord{Record: next})

	case InvoicePaid:
		// A late invoice still rolls usage over but leaves newer cycle bounds.
		if !stale {
			if !e.PeriodStart.IsZero() {
				next.BillingCycleStart = e.PeriodStart
			}
			if !e.PeriodEnd.IsZero() {
				next.BillingCycleEnd = e.PeriodEnd
			}
		}
		if !provisioned || !next.BillingCycleStart.Equal(current.BillingCycleStart) || !next.BillingCycleEnd.Equal(current.BillingCycleEnd) {
			next.LastEventAt = at
			effects = append(effects, SaveRecord{Record: next})
		}
		effects = append(effects, ResetCycle{Ref: firstNonEmpty(e.InvoiceID, e.EventID)})

	case InvoicePaymentFailed:
		if !provisioned {
			effects = append(effects, SaveRecord{Record: next})
		}
		effects = append(effects, Notify{Level: slog.LevelWarn, Message: "invoice payment failed",
			Attrs: []any{"invoice_id", e.InvoiceID, "subscription_id", e.SubscriptionID, "attempt", e.AttemptCount}})

	case OneTimePurchaseCompleted:
		if !provisioned {
			effects = append(effects, SaveRecord{Record: next})
		}
		credits, ok := catalog.CreditsForPurchase(e.PriceID, e.AmountCents)
		if !ok {
			effects = append(effects, Notify{Level: slog.LevelWarn, Message: "purchase does not match a credit pack",
				Attrs: []any{"price_id", e.PriceID, "amount_cents", e.AmountCents}})
			break
		}
		effects = append(effects, TopUp{Entry: usage.CreditEntry{
			UserID:      userID,
			Amount:      credits,
			PaymentRef:  firstNonEmpty(e.PaymentRef, e.EventID),
			EventID:     e.EventID,
			Description: fmt.Sprintf("%d credit pack", credits),
			CreatedAt:   at,
		}})
	}
	return next, effects
}

// resolveTier maps a price to a tier. Unknown prices fall back to pro so a
// paying customer is never left on the free plan.
func resolveTier(catalog *plans.Catalog, priceID string) (plans.Tier, bool) {
	if t, ok := catalog.TierForPrice(priceID); ok {
		return t, true
	}
	return plans.TierPro, false
}

func unknownPrice(priceID string) Notify {
	return Notify{Level: slog.LevelWarn, Message: "unknown subscription price; defaulting to pro",
		Attrs: []any{"price_id", priceID}}
}

func statusOr(s, fallback usage.SubscriptionStatus) usage.SubscriptionStatus {
	if s == "" {
		return fallback
	}
	return s
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZero(a, b time.Time) time.Time {
	if !a.IsZero() {
		return a
	}
	return b
}
