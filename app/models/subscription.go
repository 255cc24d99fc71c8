package models

import "time"

const (
	PlanTierBasic    = "Basic"
	PlanTierGold     = "Gold"
	PlanTierPlatinum = "Platinum"
)

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPastDue   = "past_due"
	SubscriptionStatusCancelled = "cancelled"
)

const (
	BillingCycleMonthly = "monthly"
	BillingCycleYearly  = "yearly"
)

// Subscription is the single current-state row per user. Cancellation is a
// status value, never a row deletion.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;uniqueIndex:ux_subscriptions_user" json:"user_id"`
	PlanTier               string     `gorm:"type:varchar(20);not null;default:'Basic'" json:"plan_tier"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	BillingCycle           string     `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_cycle"`
	Amount                 int64      `gorm:"not null;default:0" json:"amount"`
	Currency               string     `gorm:"type:varchar(3);not null;default:''" json:"currency"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;default:'';index" json:"provider_subscription_id"`
	NextBillingDate        *time.Time `gorm:"type:timestamp;default:null;index" json:"next_billing_date,omitempty"`
	StartedAt              time.Time  `gorm:"not null" json:"started_at"`
	CancelledAt            *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	LastEventAt            *time.Time `gorm:"type:timestamp;default:null" json:"last_event_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsCancelled reports whether the subscription reached its terminal status.
func (s *Subscription) IsCancelled() bool {
	return s.Status == SubscriptionStatusCancelled
}
