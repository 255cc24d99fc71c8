package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/billingfox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProfileRepository reads and refreshes the user -> customer linkage.
type ProfileRepository interface {
	FindProfileByCustomerID(ctx context.Context, customerID string) (*models.Profile, error)
	// UpdateProfileCustomerID returns the previous customer id. It never creates a profile.
	UpdateProfileCustomerID(ctx context.Context, userID uint, customerID string) (string, error)
}

// SubscriptionRepository persists the one-row-per-user subscription state.
type SubscriptionRepository interface {
	UpsertSubscription(ctx context.Context, userID uint, patch SubscriptionPatch) (*models.Subscription, error)
	GetSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error)
	ListOverdueSubscriptions(ctx context.Context, before time.Time) ([]models.Subscription, error)
}

// LedgerRepository appends payment transactions.
type LedgerRepository interface {
	AppendTransaction(ctx context.Context, txn *models.PaymentTransaction) (bool, error)
}

// WebhookEventRepository is the inbox of recognized deliveries.
type WebhookEventRepository interface {
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, outcome Outcome, processingError string) error
	GetWebhookEvent(ctx context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error)
	ListFailedWebhookEvents(ctx context.Context, since time.Time) ([]models.BillingWebhookEvent, error)
}

// Repository provides every DB operation used by the billing engine.
type Repository interface {
	ProfileRepository
	SubscriptionRepository
	LedgerRepository
	WebhookEventRepository
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindProfileByCustomerID(ctx context.Context, customerID string) (*models.Profile, error) {
	var profile models.Profile
	err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&profile).Error
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *gormRepository) UpdateProfileCustomerID(ctx context.Context, userID uint, customerID string) (string, error) {
	var previous string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile models.Profile
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&profile).Error; err != nil {
			return err
		}
		previous = profile.StripeCustomerID
		if previous == customerID {
			return nil
		}
		return tx.Model(&profile).Update("stripe_customer_id", customerID).Error
	})
	return previous, err
}

// UpsertSubscription applies patch to the user's row inside a transaction
// that locks the current row first. Only the supplied columns are written on
// conflict, so replays of the same patch converge. A patch observed before
// the last applied event leaves the row untouched and returns the current
// row together with ErrSubscriptionStale.
func (r *gormRepository) UpsertSubscription(ctx context.Context, userID uint, patch SubscriptionPatch) (*models.Subscription, error) {
	var result models.Subscription
	stale := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Subscription
		found := true
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return err
		}

		restart := false
		advance := true
		if found {
			var noop bool
			restart, noop, err = checkTransition(&current, patch)
			if err != nil {
				return err
			}
			if noop {
				result = current
				return nil
			}
			if !restart {
				if isStale(&current, patch) {
					if !isCancel(patch) {
						stale = true
						result = current
						return nil
					}
					advance = false
				}
				patch = keepBillingDateForward(&current, patch)
			}
		}

		row, columns := subscriptionRow(userID, patch, !found || restart)
		if advance && !patch.ObservedAt.IsZero() {
			row.LastEventAt = timePtr(patch.ObservedAt.UTC())
			columns = append(columns, "last_event_at")
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).Create(row).Error; err != nil {
			return err
		}

		return tx.Where("user_id = ?", userID).First(&result).Error
	})
	if err != nil {
		return nil, err
	}
	if stale {
		return &result, ErrSubscriptionStale
	}
	return &result, nil
}

// isStale reports whether patch was observed before the last event applied
// to current. Events without a timestamp are never stale.
func isStale(current *models.Subscription, patch SubscriptionPatch) bool {
	if current.LastEventAt == nil || patch.ObservedAt.IsZero() {
		return false
	}
	return patch.ObservedAt.Before(current.LastEventAt.UTC())
}

// isCancel reports whether patch cancels the subscription. Cancellation is
// terminal and applies regardless of delivery order.
func isCancel(patch SubscriptionPatch) bool {
	return patch.Status != nil && *patch.Status == models.SubscriptionStatusCancelled
}

// keepBillingDateForward drops a next billing date earlier than the stored
// one for the same provider subscription.
func keepBillingDateForward(current *models.Subscription, patch SubscriptionPatch) SubscriptionPatch {
	if patch.NextBillingDate == nil || current.NextBillingDate == nil {
		return patch
	}
	if patch.ProviderSubscriptionID != nil && *patch.ProviderSubscriptionID != current.ProviderSubscriptionID {
		return patch
	}
	if patch.NextBillingDate.Before(current.NextBillingDate.UTC()) {
		patch.NextBillingDate = nil
	}
	return patch
}

// checkTransition enforces the terminal cancelled status and rejects patches
// for a provider subscription the user no longer holds.
func checkTransition(current *models.Subscription, patch SubscriptionPatch) (restart bool, noop bool, err error) {
	incoming := ""
	if patch.ProviderSubscriptionID != nil {
		incoming = *patch.ProviderSubscriptionID
	}
	sameSubscription := incoming == "" || incoming == current.ProviderSubscriptionID

	if current.IsCancelled() {
		if patch.NewCheckout && !sameSubscription {
			return true, false, nil
		}
		if isCancel(patch) && sameSubscription {
			return false, true, nil
		}
		return false, false, ErrSubscriptionCancelled
	}

	if !patch.NewCheckout && !sameSubscription && current.ProviderSubscriptionID != "" {
		return false, false, ErrSubscriptionMismatch
	}
	return false, false, nil
}

// subscriptionRow builds the insert values and the columns to overwrite on
// conflict. Unsupplied fields get column defaults on insert only.
func subscriptionRow(userID uint, patch SubscriptionPatch, starting bool) (*models.Subscription, []string) {
	now := time.Now().UTC()
	row := &models.Subscription{
		UserID:       userID,
		PlanTier:     models.PlanTierBasic,
		Status:       models.SubscriptionStatusActive,
		BillingCycle: models.BillingCycleMonthly,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if !patch.ObservedAt.IsZero() {
		row.StartedAt = patch.ObservedAt.UTC()
	}

	columns := []string{"updated_at"}
	if patch.ProviderSubscriptionID != nil {
		row.ProviderSubscriptionID = *patch.ProviderSubscriptionID
		columns = append(columns, "provider_subscription_id")
	}
	if patch.PlanTier != nil {
		row.PlanTier = *patch.PlanTier
		columns = append(columns, "plan_tier")
	}
	if patch.Status != nil {
		row.Status = *patch.Status
		columns = append(columns, "status")
	}
	if patch.BillingCycle != nil {
		row.BillingCycle = *patch.BillingCycle
		columns = append(columns, "billing_cycle")
	}
	if patch.Amount != nil {
		row.Amount = *patch.Amount
		columns = append(columns, "amount")
	}
	if patch.Currency != nil {
		row.Currency = *patch.Currency
		columns = append(columns, "currency")
	}
	if patch.NextBillingDate != nil {
		row.NextBillingDate = timePtr(patch.NextBillingDate.UTC())
		columns = append(columns, "next_billing_date")
	}
	if patch.CancelledAt != nil {
		row.CancelledAt = timePtr(patch.CancelledAt.UTC())
		columns = append(columns, "cancelled_at")
	}

	if starting {
		// A new subscription replaces whatever a previous one left behind.
		columns = appendMissing(columns, "started_at", "status", "cancelled_at")
		if patch.CancelledAt == nil {
			row.CancelledAt = nil
		}
	}
	return row, columns
}

func appendMissing(columns []string, names ...string) []string {
	for _, name := range names {
		present := false
		for _, c := range columns {
			if c == name {
				present = true
				break
			}
		}
		if !present {
			columns = append(columns, name)
		}
	}
	return columns
}

func (r *gormRepository) GetSubscriptionByUser(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListOverdueSubscriptions(ctx context.Context, before time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_billing_date IS NOT NULL AND next_billing_date < ?", models.SubscriptionStatusActive, before.UTC()).
		Order("next_billing_date ASC").
		Find(&subs).Error
	return subs, err
}

// AppendTransaction inserts txn unless the (gateway_transaction_id,
// event_type) pair is already recorded. A duplicate reports false, nil.
func (r *gormRepository) AppendTransaction(ctx context.Context, txn *models.PaymentTransaction) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "gateway_transaction_id"},
			{Name: "event_type"},
		},
		DoNothing: true,
	}).Create(txn)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, outcome Outcome, processingError string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
		"outcome":          string(outcome),
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) GetWebhookEvent(ctx context.Context, provider, providerEventID string) (*models.BillingWebhookEvent, error) {
	var event models.BillingWebhookEvent
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ListFailedWebhookEvents returns stored events that never completed
// successfully, oldest first.
func (r *gormRepository) ListFailedWebhookEvents(ctx context.Context, since time.Time) ([]models.BillingWebhookEvent, error) {
	var events []models.BillingWebhookEvent
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND (processed_at IS NULL OR processing_error <> ?)", since.UTC(), "").
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}
