// Package billing reconciles payment-provider webhook events into per-user
// subscription state and an append-only payment ledger.
package billing

import (
	"context"
	"encoding/json"
	"time"
)

// Stripe event types the router recognizes.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventSubscriptionUpdated     = "customer.subscription.updated"
)

// Outcome classifies how a delivery was handled. Every outcome except an
// internal error is acknowledged to the provider with 200.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeLinkNotFound Outcome = "link_not_found"
	OutcomeAnomaly      Outcome = "anomaly"
	OutcomeFailed       Outcome = "failed"
)

// Envelope is the verified, decoded webhook event.
type Envelope struct {
	ID       string       `json:"id" validate:"required"`
	Type     string       `json:"type" validate:"required"`
	Created  int64        `json:"created"`
	Data     EnvelopeData `json:"data"`
	Verified bool         `json:"-"`
	Raw      []byte       `json:"-"`
}

type EnvelopeData struct {
	Object json.RawMessage `json:"object" validate:"required"`
}

// CreatedAt returns the provider's event timestamp, or the zero time.
func (e *Envelope) CreatedAt() time.Time {
	if e.Created <= 0 {
		return time.Time{}
	}
	return time.Unix(e.Created, 0).UTC()
}

// Result is what a handler reports back to the router.
type Result struct {
	UserID       uint
	Subscription *SubscriptionSnapshot
	LedgerRows   int
	Detail       string
}

// SubscriptionSnapshot is the post-event state published to downstream consumers.
type SubscriptionSnapshot struct {
	UserID                 uint       `json:"user_id"`
	PlanTier               string     `json:"plan_tier"`
	Status                 string     `json:"status"`
	BillingCycle           string     `json:"billing_cycle"`
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	NextBillingDate        *time.Time `json:"next_billing_date,omitempty"`
}

// Acknowledgement is the router's decision for one delivery.
type Acknowledgement struct {
	EventID   string
	EventType string
	Outcome   Outcome
	Err       error
}

// Handler processes one recognized event type.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *Envelope) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, env *Envelope) (Result, error) {
	return f(ctx, env)
}

// Archiver stores verified raw payloads outside the database.
type Archiver interface {
	Archive(ctx context.Context, eventID, eventType string, payload []byte) error
}

// ChangeNotification is published after an event changed subscription state.
type ChangeNotification struct {
	EventID   string               `json:"event_id"`
	EventType string               `json:"event_type"`
	Outcome   Outcome              `json:"outcome"`
	State     SubscriptionSnapshot `json:"subscription"`
}

// Publisher emits subscription change notifications.
type Publisher interface {
	PublishSubscriptionChanged(ctx context.Context, n ChangeNotification) error
}

// SubscriptionPatch lists the fields an event supplies. Nil fields are left
// untouched on an existing row.
type SubscriptionPatch struct {
	ProviderSubscriptionID *string
	PlanTier               *string
	Status                 *string
	BillingCycle           *string
	Amount                 *int64
	Currency               *string
	NextBillingDate        *time.Time
	CancelledAt            *time.Time

	// NewCheckout marks a patch that starts a subscription. It may replace a
	// cancelled row only when it names a different provider subscription.
	NewCheckout bool
	// ObservedAt is used as started_at when the patch starts a subscription.
	ObservedAt time.Time
}

// LedgerEntry is the input for one ledger append.
type LedgerEntry struct {
	UserID               uint
	Amount               int64
	Currency             string
	PaymentMethod        string
	GatewayTransactionID string
	EventType            string
	Status               string
	Metadata             map[string]interface{}
}

func stringPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }
