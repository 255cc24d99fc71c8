package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/billingfox/app/models"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
)

const ledgerStatusCompleted = "completed"

// Where a checkout's billing interval came from, recorded in ledger metadata.
const (
	intervalFromMetadata = "metadata"
	intervalFromProvider = "provider"
	intervalAssumed      = "assumed"
)

// Handlers implements the per-event-type reconciliation steps.
type Handlers struct {
	linker   *Linker
	tiers    *TierResolver
	store    *SubscriptionStore
	ledger   *Ledger
	provider ProviderClient
	log      *logrus.Logger
	now      func() time.Time
}

// NewHandlers wires the handler set. provider may be nil, in which case only
// the event payload is used.
func NewHandlers(linker *Linker, tiers *TierResolver, store *SubscriptionStore, ledger *Ledger, provider ProviderClient, log *logrus.Logger) *Handlers {
	if log == nil {
		log = logrus.New()
	}
	return &Handlers{
		linker:   linker,
		tiers:    tiers,
		store:    store,
		ledger:   ledger,
		provider: provider,
		log:      log,
		now:      time.Now,
	}
}

// Register installs every handler on router.
func (h *Handlers) Register(router *Router) {
	router.Register(EventCheckoutCompleted, HandlerFunc(h.CheckoutCompleted))
	router.Register(EventInvoicePaymentSucceeded, HandlerFunc(h.InvoicePaymentSucceeded))
	router.Register(EventInvoicePaymentFailed, HandlerFunc(h.InvoicePaymentFailed))
	router.Register(EventSubscriptionDeleted, HandlerFunc(h.SubscriptionDeleted))
	router.Register(EventSubscriptionUpdated, HandlerFunc(h.SubscriptionUpdated))
}

func (h *Handlers) CheckoutCompleted(ctx context.Context, env *Envelope) (Result, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(env.Data.Object, &session); err != nil {
		return Result{}, fmt.Errorf("decode checkout session: %w", err)
	}

	customerID := customerIDOf(session.Customer)
	userID, err := h.checkoutUser(ctx, &session, customerID)
	if err != nil {
		return Result{}, err
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	providerSub := h.fetchSubscription(ctx, subscriptionID, session.Subscription)

	interval, intervalSource := normalizeInterval(session.Metadata["billing_cycle"]), intervalFromMetadata
	if interval == intervalUnknown {
		if price := priceOf(providerSub); price != nil && price.Recurring != nil {
			interval, intervalSource = normalizeInterval(string(price.Recurring.Interval)), intervalFromProvider
		}
	}
	if interval == intervalUnknown {
		interval, intervalSource = intervalMonth, intervalAssumed
		h.log.WithFields(logrus.Fields{
			"event_id":   env.ID,
			"session_id": session.ID,
			"user_id":    userID,
			"amount":     session.AmountTotal,
			"assumed":    intervalMonth,
		}).Warn("checkout has no billing interval, assuming monthly for tier resolution")
	}

	observedAt := h.eventTime(env)
	tier := h.tiers.Resolve(session.AmountTotal, interval)
	cycle := billingCycleFor(interval)
	currency := normalizeCurrency(string(session.Currency))

	next := periodEndOf(providerSub)
	if next == nil {
		next = timePtr(advance(observedAt, interval))
	}

	patch := SubscriptionPatch{
		PlanTier:        stringPtr(tier),
		Status:          stringPtr(models.SubscriptionStatusActive),
		BillingCycle:    stringPtr(cycle),
		Amount:          int64Ptr(session.AmountTotal),
		Currency:        stringPtr(currency),
		NextBillingDate: next,
		NewCheckout:     true,
		ObservedAt:      observedAt,
	}
	if subscriptionID != "" {
		patch.ProviderSubscriptionID = stringPtr(subscriptionID)
	}

	sub, err := h.store.Upsert(ctx, userID, patch)
	if err != nil {
		return Result{UserID: userID}, err
	}

	txnID := session.ID
	if session.Invoice != nil && session.Invoice.ID != "" {
		txnID = session.Invoice.ID
	}
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		txnID = session.PaymentIntent.ID
	}

	appended, err := h.ledger.Append(ctx, LedgerEntry{
		UserID:               userID,
		Amount:               session.AmountTotal,
		Currency:             currency,
		PaymentMethod:        paymentMethodOf(session.PaymentMethodTypes),
		GatewayTransactionID: txnID,
		EventType:            env.Type,
		Status:               ledgerStatusCompleted,
		Metadata: map[string]interface{}{
			"session_id":               session.ID,
			"customer_id":              customerID,
			"provider_subscription_id": subscriptionID,
			"plan_tier":                tier,
			"billing_cycle":            cycle,
			"billing_cycle_source":     intervalSource,
			"event_type":               env.Type,
			"transaction_type":         models.TransactionTypeInitial,
		},
	})
	if err != nil {
		return Result{UserID: userID, Subscription: snapshotOf(sub)}, err
	}

	return Result{UserID: userID, Subscription: snapshotOf(sub), LedgerRows: boolToInt(appended)}, nil
}

// checkoutUser prefers the user reference set when the session was created
// and refreshes the profile link; otherwise the customer id is resolved.
func (h *Handlers) checkoutUser(ctx context.Context, session *stripe.CheckoutSession, customerID string) (uint, error) {
	ref := strings.TrimSpace(session.ClientReferenceID)
	if ref == "" {
		ref = strings.TrimSpace(session.Metadata["user_id"])
	}
	if ref == "" {
		return h.linker.Resolve(ctx, customerID)
	}

	id, err := strconv.ParseUint(ref, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user reference %q on session %s", ref, session.ID)
	}
	if err := h.linker.Link(ctx, uint(id), customerID); err != nil {
		return 0, err
	}
	return uint(id), nil
}

func (h *Handlers) InvoicePaymentSucceeded(ctx context.Context, env *Envelope) (Result, error) {
	invoice, userID, err := h.decodeInvoice(ctx, env)
	if err != nil {
		return Result{UserID: userID}, err
	}

	subscriptionID := ""
	if invoice.Subscription != nil {
		subscriptionID = invoice.Subscription.ID
	}
	next := periodEndOf(h.fetchSubscription(ctx, subscriptionID, invoice.Subscription))
	if next == nil {
		next = invoicePeriodEnd(invoice)
	}

	patch := SubscriptionPatch{
		Status:          stringPtr(models.SubscriptionStatusActive),
		NextBillingDate: next,
		ObservedAt:      h.eventTime(env),
	}
	if subscriptionID != "" {
		patch.ProviderSubscriptionID = stringPtr(subscriptionID)
	}

	sub, err := h.store.Upsert(ctx, userID, patch)
	if err != nil {
		return Result{UserID: userID}, err
	}

	txnID := invoice.ID
	if invoice.Charge != nil && invoice.Charge.ID != "" {
		txnID = invoice.Charge.ID
	}
	if invoice.PaymentIntent != nil && invoice.PaymentIntent.ID != "" {
		txnID = invoice.PaymentIntent.ID
	}

	appended, err := h.ledger.Append(ctx, LedgerEntry{
		UserID:               userID,
		Amount:               invoice.AmountPaid,
		Currency:             normalizeCurrency(string(invoice.Currency)),
		PaymentMethod:        "card",
		GatewayTransactionID: txnID,
		EventType:            env.Type,
		Status:               ledgerStatusCompleted,
		Metadata: map[string]interface{}{
			"invoice_id":               invoice.ID,
			"billing_reason":           string(invoice.BillingReason),
			"provider_subscription_id": subscriptionID,
			"plan_tier":                sub.PlanTier,
			"billing_cycle":            sub.BillingCycle,
			"event_type":               env.Type,
			"transaction_type":         models.TransactionTypeRenewal,
		},
	})
	if err != nil {
		return Result{UserID: userID, Subscription: snapshotOf(sub)}, err
	}

	return Result{UserID: userID, Subscription: snapshotOf(sub), LedgerRows: boolToInt(appended)}, nil
}

func (h *Handlers) InvoicePaymentFailed(ctx context.Context, env *Envelope) (Result, error) {
	invoice, userID, err := h.decodeInvoice(ctx, env)
	if err != nil {
		return Result{UserID: userID}, err
	}

	patch := SubscriptionPatch{
		Status:     stringPtr(models.SubscriptionStatusPastDue),
		ObservedAt: h.eventTime(env),
	}
	if invoice.Subscription != nil && invoice.Subscription.ID != "" {
		patch.ProviderSubscriptionID = stringPtr(invoice.Subscription.ID)
	}

	sub, err := h.store.Upsert(ctx, userID, patch)
	if err != nil {
		return Result{UserID: userID}, err
	}
	return Result{UserID: userID, Subscription: snapshotOf(sub), Detail: "attempt " + strconv.FormatInt(invoice.AttemptCount, 10)}, nil
}

func (h *Handlers) decodeInvoice(ctx context.Context, env *Envelope) (*stripe.Invoice, uint, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(env.Data.Object, &invoice); err != nil {
		return nil, 0, fmt.Errorf("decode invoice: %w", err)
	}
	userID, err := h.linker.Resolve(ctx, customerIDOf(invoice.Customer))
	if err != nil {
		return nil, 0, err
	}
	return &invoice, userID, nil
}

func (h *Handlers) SubscriptionDeleted(ctx context.Context, env *Envelope) (Result, error) {
	var providerSub stripe.Subscription
	if err := json.Unmarshal(env.Data.Object, &providerSub); err != nil {
		return Result{}, fmt.Errorf("decode subscription: %w", err)
	}
	userID, err := h.linker.Resolve(ctx, customerIDOf(providerSub.Customer))
	if err != nil {
		return Result{}, err
	}

	patch := SubscriptionPatch{
		Status:      stringPtr(models.SubscriptionStatusCancelled),
		CancelledAt: timePtr(h.cancelledAt(&providerSub, env)),
		ObservedAt:  h.eventTime(env),
	}
	if providerSub.ID != "" {
		patch.ProviderSubscriptionID = stringPtr(providerSub.ID)
	}

	sub, err := h.store.Upsert(ctx, userID, patch)
	if err != nil {
		return Result{UserID: userID}, err
	}
	return Result{UserID: userID, Subscription: snapshotOf(sub)}, nil
}

func (h *Handlers) SubscriptionUpdated(ctx context.Context, env *Envelope) (Result, error) {
	var providerSub stripe.Subscription
	if err := json.Unmarshal(env.Data.Object, &providerSub); err != nil {
		return Result{}, fmt.Errorf("decode subscription: %w", err)
	}
	userID, err := h.linker.Resolve(ctx, customerIDOf(providerSub.Customer))
	if err != nil {
		return Result{}, err
	}

	current := &providerSub
	if priceOf(current) == nil {
		current = h.fetchSubscription(ctx, providerSub.ID, current)
	}

	status := mapProviderStatus(string(providerSub.Status))
	patch := SubscriptionPatch{
		Status:          stringPtr(status),
		NextBillingDate: periodEndOf(&providerSub),
		ObservedAt:      h.eventTime(env),
	}
	if providerSub.ID != "" {
		patch.ProviderSubscriptionID = stringPtr(providerSub.ID)
	}
	if price := priceOf(current); price != nil {
		interval := intervalMonth
		if price.Recurring != nil {
			interval = normalizeInterval(string(price.Recurring.Interval))
		}
		patch.PlanTier = stringPtr(h.tiers.Resolve(price.UnitAmount, interval))
		patch.BillingCycle = stringPtr(billingCycleFor(interval))
		patch.Amount = int64Ptr(price.UnitAmount)
		patch.Currency = stringPtr(normalizeCurrency(string(price.Currency)))
	}
	if status == models.SubscriptionStatusCancelled {
		patch.CancelledAt = timePtr(h.cancelledAt(&providerSub, env))
	}

	sub, err := h.store.Upsert(ctx, userID, patch)
	if err != nil {
		return Result{UserID: userID}, err
	}
	return Result{UserID: userID, Subscription: snapshotOf(sub)}, nil
}

// fetchSubscription asks the provider for the current subscription. It falls
// back to the embedded object when no client is configured or the call fails.
func (h *Handlers) fetchSubscription(ctx context.Context, id string, embedded *stripe.Subscription) *stripe.Subscription {
	if h.provider == nil || id == "" {
		return embedded
	}
	sub, err := h.provider.GetSubscription(ctx, id)
	if err != nil {
		h.log.WithError(err).WithField("provider_subscription_id", id).Warn("provider lookup failed, using event payload")
		return embedded
	}
	return sub
}

// cancelledAt uses the provider's own timestamps so replays stay idempotent.
func (h *Handlers) cancelledAt(sub *stripe.Subscription, env *Envelope) time.Time {
	switch {
	case sub.CanceledAt > 0:
		return time.Unix(sub.CanceledAt, 0).UTC()
	case sub.EndedAt > 0:
		return time.Unix(sub.EndedAt, 0).UTC()
	default:
		return h.eventTime(env)
	}
}

func (h *Handlers) eventTime(env *Envelope) time.Time {
	if t := env.CreatedAt(); !t.IsZero() {
		return t
	}
	return h.now().UTC()
}

func customerIDOf(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func priceOf(sub *stripe.Subscription) *stripe.Price {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil {
		return nil
	}
	return sub.Items.Data[0].Price
}

func periodEndOf(sub *stripe.Subscription) *time.Time {
	if sub == nil || sub.CurrentPeriodEnd <= 0 {
		return nil
	}
	return timePtr(time.Unix(sub.CurrentPeriodEnd, 0).UTC())
}

func invoicePeriodEnd(invoice *stripe.Invoice) *time.Time {
	if invoice.Lines == nil {
		return nil
	}
	var latest int64
	for _, line := range invoice.Lines.Data {
		if line != nil && line.Period != nil && line.Period.End > latest {
			latest = line.Period.End
		}
	}
	if latest == 0 {
		return nil
	}
	return timePtr(time.Unix(latest, 0).UTC())
}

func advance(from time.Time, interval string) time.Time {
	if interval == intervalYear {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

func paymentMethodOf(types []string) string {
	if len(types) > 0 && types[0] != "" {
		return types[0]
	}
	return "card"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
