package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/shijo-seo/shijo/internal/usage"
)

// metadataUserID is the subscription/session metadata key the checkout
// flow sets to the application user id.
const metadataUserID = "user_id"

// StripeParser verifies Stripe webhook signatures and converts the events
// the ledger cares about.
type StripeParser struct {
	secret string
}

// NewStripeParser creates a parser for the given endpoint signing secret.
func NewStripeParser(secret string) *StripeParser {
	return &StripeParser{secret: secret}
}

// Parse verifies the Stripe-Signature header and converts the payload.
// Event types outside the handled set return ErrIgnoredEvent.
func (p *StripeParser) Parse(body []byte, sigHeader string) (Event, error) {
	event, err := webhook.ConstructEventWithOptions(body, sigHeader, p.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return FromStripeEvent(event)
}

// FromStripeEvent converts a verified Stripe event.
func FromStripeEvent(event stripe.Event) (Event, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	meta := Meta{EventID: event.ID, OccurredAt: unixTime(event.Created)}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", ErrMalformedEvent, err)
		}
		meta.CustomerRef = customerID(sub.Customer)
		meta.UserID = sub.Metadata[metadataUserID]

		switch event.Type {
		case "customer.subscription.created":
			return SubscriptionCreated{
				Meta:           meta,
				SubscriptionID: sub.ID,
				PriceID:        subscriptionPrice(&sub),
				Status:         usage.SubscriptionStatus(sub.Status),
				PeriodStart:    unixTime(sub.CurrentPeriodStart),
				PeriodEnd:      unixTime(sub.CurrentPeriodEnd),
			}, nil
		case "customer.subscription.updated":
			return SubscriptionUpdated{
				Meta:           meta,
				SubscriptionID: sub.ID,
				PriceID:        subscriptionPrice(&sub),
				Status:         usage.SubscriptionStatus(sub.Status),
				PeriodStart:    unixTime(sub.CurrentPeriodStart),
				PeriodEnd:      unixTime(sub.CurrentPeriodEnd),
			}, nil
		default:
			return SubscriptionDeleted{Meta: meta, SubscriptionID: sub.ID}, nil
		}

	// invoice.paid also fires for the same invoice and is not mapped;
	// redeliveries of payment_succeeded are deduped by invoice id.
	case "invoice.payment_succeeded", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", ErrMalformedEvent, err)
		}
		meta.CustomerRef = customerID(inv.Customer)
		subID := ""
		if inv.Subscription != nil {
			subID = inv.Subscription.ID
		}
		if event.Type == "invoice.payment_failed" {
			return InvoicePaymentFailed{Meta: meta, InvoiceID: inv.ID, SubscriptionID: subID, AttemptCount: inv.AttemptCount}, nil
		}
		start, end := invoicePeriod(&inv)
		return InvoicePaid{Meta: meta, InvoiceID: inv.ID, SubscriptionID: subID, PeriodStart: start, PeriodEnd: end}, nil

	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
		}
		// Subscription checkouts are followed by customer.subscription.created.
		if sess.Mode != stripe.CheckoutSessionModePayment {
			return nil, ErrIgnoredEvent
		}
		meta.CustomerRef = customerID(sess.Customer)
		meta.UserID = firstNonEmpty(sess.Metadata[metadataUserID], sess.ClientReferenceID)
		ref := sess.ID
		if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
			ref = sess.PaymentIntent.ID
		}
		return OneTimePurchaseCompleted{
			Meta:        meta,
			PaymentRef:  ref,
			PriceID:     sessionPrice(&sess),
			AmountCents: sess.AmountTotal,
		}, nil
	}
	return nil, ErrIgnoredEvent
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func subscriptionPrice(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil {
			return item.Price.ID
		}
	}
	return ""
}

// sessionPrice is only populated when line_items were expanded.
func sessionPrice(sess *stripe.CheckoutSession) string {
	if sess.LineItems == nil {
		return ""
	}
	for _, item := range sess.LineItems.Data {
		if item != nil && item.Price != nil {
			return item.Price.ID
		}
	}
	return ""
}

// invoicePeriod prefers the subscription line's service period over the
// invoice's own period, which covers the previous cycle for renewals.
func invoicePeriod(inv *stripe.Invoice) (time.Time, time.Time) {
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line != nil && line.Period != nil && line.Period.End > 0 {
				return unixTime(line.Period.Start), unixTime(line.Period.End)
			}
		}
	}
	return unixTime(inv.PeriodStart), unixTime(inv.PeriodEnd)
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
