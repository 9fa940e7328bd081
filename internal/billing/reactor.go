package billing

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

// Result describes how an event was handled. Every result except
// ResultError is acknowledged to the provider.
type Result string

const (
	ResultApplied         Result = "applied"
	ResultDuplicate       Result = "duplicate"
	ResultStale           Result = "stale"
	ResultUnknownCustomer Result = "unknown_customer"
	ResultIgnored         Result = "ignored"
	ResultError           Result = "error"
)

// Ledger is the subset of the usage store the reactor writes.
type Ledger interface {
	GetQuota(ctx context.Context, userID string) (*usage.QuotaRecord, error)
	SaveQuota(ctx context.Context, rec *usage.QuotaRecord) error
	ResetCycle(ctx context.Context, userID, ref string) error
	TopUp(ctx context.Context, entry *usage.CreditEntry) (int64, error)
	LinkCustomer(ctx context.Context, userID, customerRef string) error
	UserForCustomer(ctx context.Context, customerRef string) (string, error)
	DeleteUser(ctx context.Context, userID string) error
}

// Reactor applies billing events to the ledger.
type Reactor struct {
	catalog *plans.Catalog
	ledger  Ledger
	now     func() time.Time
}

// NewReactor creates a reactor.
func NewReactor(catalog *plans.Catalog, ledger Ledger) *Reactor {
	return &Reactor{catalog: catalog, ledger: ledger, now: time.Now}
}

// Handle applies ev. Events for customers that cannot be mapped to a user
// are logged and acknowledged. A repeated credit purchase or invoice is
// acknowledged without applying it twice, and a subscription event older
// than the record's last applied event is acknowledged as stale.
func (r *Reactor) Handle(ctx context.Context, ev Event) (Result, error) {
	m := ev.meta()
	ctx, span := traces.StartSpan(ctx, "billing.Handle",
		traces.EventType(string(ev.Type())), traces.EventID(m.EventID))
	defer span.End()

	res, err := r.handle(ctx, ev)
	metrics.BillingEventsTotal.WithLabelValues(string(ev.Type()), string(res)).Inc()
	span.SetAttributes(attribute.String("billing.result", string(res)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (r *Reactor) handle(ctx context.Context, ev Event) (Result, error) {
	m := ev.meta()
	userID, err := r.resolveUser(ctx, m)
	if errors.Is(err, usage.ErrCustomerNotFound) {
		logging.L(ctx).Warn("billing event for unknown customer",
			"event_type", ev.Type(), "event_id", m.EventID, "customer", m.CustomerRef)
		return ResultUnknownCustomer, nil
	}
	if err != nil {
		return ResultError, err
	}
	ctx = logging.WithUserID(ctx, userID)

	current, err := r.ledger.GetQuota(ctx, userID)
	if errors.Is(err, usage.ErrNotProvisioned) {
		current = nil
	} else if err != nil {
		return ResultError, fmt.Errorf("failed to load quota record: %w", err)
	}

	if m.OccurredAt.IsZero() {
		m.OccurredAt = r.now()
		ev = withMeta(ev, m)
	}
	_, effects := Transition(r.catalog, userID, current, ev)

	if current == nil && m.CustomerRef != "" {
		if err := r.ledger.LinkCustomer(ctx, userID, m.CustomerRef); err != nil {
			return ResultError, fmt.Errorf("failed to link customer: %w", err)
		}
	}

	result := ResultApplied
	for _, eff := range effects {
		switch e := eff.(type) {
		case SaveRecord:
			if err := r.ledger.SaveQuota(ctx, e.Record); err != nil {
				return ResultError, fmt.Errorf("failed to save quota record: %w", err)
			}
		case ResetCycle:
			err := r.ledger.ResetCycle(ctx, userID, e.Ref)
			if errors.Is(err, usage.ErrDuplicateReset) {
				logging.L(ctx).Info("billing cycle reset already applied", "reset_ref", e.Ref)
				result = ResultDuplicate
				continue
			}
			if err != nil {
				return ResultError, fmt.Errorf("failed to reset billing cycle: %w", err)
			}
		case TopUp:
			entry := e.Entry
			balance, err := r.ledger.TopUp(ctx, &entry)
			if errors.Is(err, usage.ErrDuplicateTopUp) {
				logging.L(ctx).Info("credit purchase already applied", "payment_ref", entry.PaymentRef)
				result = ResultDuplicate
				continue
			}
			if err != nil {
				return ResultError, fmt.Errorf("failed to top up credits: %w", err)
			}
			metrics.CreditsToppedUpTotal.Add(float64(entry.Amount))
			logging.L(ctx).Info("credits topped up",
				"amount", entry.Amount, "balance", balance, "payment_ref", entry.PaymentRef)
		case Skip:
			logging.L(ctx).Info(e.Reason,
				append([]any{"event_type", ev.Type(), "event_id", m.EventID}, e.Attrs...)...)
			result = ResultStale
		case Notify:
			logging.L(ctx).Log(ctx, e.Level, e.Message,
				append([]any{"event_type", ev.Type(), "event_id", m.EventID}, e.Attrs...)...)
		}
	}
	return result, nil
}

func (r *Reactor) resolveUser(ctx context.Context, m Meta) (string, error) {
	if m.UserID != "" {
		return m.UserID, nil
	}
	if m.CustomerRef == "" {
		return "", usage.ErrCustomerNotFound
	}
	userID, err := r.ledger.UserForCustomer(ctx, m.CustomerRef)
	if err != nil && !errors.Is(err, usage.ErrCustomerNotFound) {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return userID, err
}

// Provision creates the free-tier record for a new user and links the
// billing customer when one is given. Calling it for an existing user only
// updates the customer link.
func (r *Reactor) Provision(ctx context.Context, userID, customerRef string) (*usage.QuotaRecord, error) {
	ctx = logging.WithUserID(ctx, userID)
	if customerRef != "" {
		if err := r.ledger.LinkCustomer(ctx, userID, customerRef); err != nil {
			return nil, fmt.Errorf("failed to link customer: %w", err)
		}
	}

	rec, err := r.ledger.GetQuota(ctx, userID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, usage.ErrNotProvisioned) {
		return nil, fmt.Errorf("failed to load quota record: %w", err)
	}

	rec = FreeRecord(r.catalog, userID, r.now())
	if err := r.ledger.SaveQuota(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save quota record: %w", err)
	}
	logging.L(ctx).Info("user provisioned", "tier", rec.Tier)
	return rec, nil
}

// DeleteUser removes every ledger row of the user.
func (r *Reactor) DeleteUser(ctx context.Context, userID string) error {
	if err := r.ledger.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	logging.L(logging.WithUserID(ctx, userID)).Info("user deleted")
	return nil
}

func withMeta(ev Event, m Meta) Event {
	switch e := ev.(type) {
	case SubscriptionCreated:
		e.Meta = m
		return e
	case SubscriptionUpdated:
		e.Meta = m
		return e
	case SubscriptionDeleted:
		e.Meta = m
		return e
	case InvoicePaid:
		e.Meta = m
		return e
	case InvoicePaymentFailed:
		e.Meta = m
		return e
	case OneTimePurchaseCompleted:
		e.Meta = m
		return e
	}
	return ev
}
