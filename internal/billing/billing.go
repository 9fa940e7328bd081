// Package billing reacts to billing-provider events by resizing, resetting
// and topping up the usage ledger.
//
// Events form a closed set (a tagged union). Transition is a pure function
// from (current record, event) to (next record, effects); the Reactor loads
// state, runs Transition and applies the effects.
package billing

import (
	"errors"
	"time"

	"github.com/shijo-seo/shijo/internal/usage"
)

var (
	ErrIgnoredEvent     = errors.New("billing: event type not handled")
	ErrInvalidSignature = errors.New("billing: webhook signature verification failed")
	ErrMalformedEvent   = errors.New("billing: malformed event payload")
)

// EventType is the provider-neutral event vocabulary.
type EventType string

const (
	TypeSubscriptionCreated      EventType = "subscription_created"
	TypeSubscriptionUpdated      EventType = "subscription_updated"
	TypeSubscriptionDeleted      EventType = "subscription_deleted"
	TypeInvoicePaid              EventType = "invoice_paid"
	TypeInvoicePaymentFailed     EventType = "invoice_payment_failed"
	TypeOneTimePurchaseCompleted EventType = "one_time_purchase_completed"
)

// Meta is carried by every event.
type Meta struct {
	EventID     string
	CustomerRef string
	// UserID short-circuits the customer lookup when the provider echoes it.
	UserID     string
	OccurredAt time.Time
}

// Event is one of the concrete event structs below.
type Event interface {
	Type() EventType
	meta() Meta
}

// SubscriptionCreated starts a paid plan.
type SubscriptionCreated struct {
	Meta
	SubscriptionID string
	PriceID        string
	Status         usage.SubscriptionStatus
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// SubscriptionUpdated changes status, cycle bounds or price.
type SubscriptionUpdated struct {
	Meta
	SubscriptionID string
	PriceID        string
	Status         usage.SubscriptionStatus
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// SubscriptionDeleted ends the paid plan.
type SubscriptionDeleted struct {
	Meta
	SubscriptionID string
}

// InvoicePaid rolls the billing cycle over.
type InvoicePaid struct {
	Meta
	InvoiceID      string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// InvoicePaymentFailed is informational.
type InvoicePaymentFailed struct {
	Meta
	InvoiceID      string
	SubscriptionID string
	AttemptCount   int64
}

// OneTimePurchaseCompleted buys a credit pack.
type OneTimePurchaseCompleted struct {
	Meta
	// PaymentRef identifies the payment and is the top-up idempotency key.
	PaymentRef  string
	PriceID     string
	AmountCents int64
}

func (SubscriptionCreated) Type() EventType      { return TypeSubscriptionCreated }
func (SubscriptionUpdated) Type() EventType      { return TypeSubscriptionUpdated }
func (SubscriptionDeleted) Type() EventType      { return TypeSubscriptionDeleted }
func (InvoicePaid) Type() EventType              { return TypeInvoicePaid }
func (InvoicePaymentFailed) Type() EventType     { return TypeInvoicePaymentFailed }
func (OneTimePurchaseCompleted) Type() EventType { return TypeOneTimePurchaseCompleted }

func (m Meta) meta() Meta { return m }
