package models

import "time"

// Profile carries the user -> provider customer linkage written by checkout.
type Profile struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           uint      `gorm:"not null;uniqueIndex" json:"user_id"`
	Email            string    `gorm:"type:varchar(200);default:''" json:"email"`
	StripeCustomerID string    `gorm:"type:varchar(191);not null;default:'';index" json:"stripe_customer_id"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
