package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TransactionTypeInitial = "initial"
	TransactionTypeRenewal = "renewal"
)

// PaymentTransaction is an append-only ledger row. A provider transaction is
// recorded at most once per event type.
type PaymentTransaction struct {
	ID                   string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID               uint              `gorm:"not null;index" json:"user_id"`
	Amount               int64             `gorm:"not null" json:"amount"`
	Currency             string            `gorm:"type:varchar(3);not null;default:''" json:"currency"`
	PaymentMethod        string            `gorm:"type:varchar(50);not null;default:''" json:"payment_method"`
	Gateway              string            `gorm:"type:varchar(20);not null" json:"gateway"`
	GatewayTransactionID string            `gorm:"type:varchar(191);not null;uniqueIndex:ux_payment_transactions_gateway_event,priority:1" json:"gateway_transaction_id"`
	EventType            string            `gorm:"type:varchar(100);not null;uniqueIndex:ux_payment_transactions_gateway_event,priority:2" json:"event_type"`
	Status               string            `gorm:"type:varchar(32);not null" json:"status"`
	Metadata             datatypes.JSONMap `json:"metadata"`
	CreatedAt            time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

func (t *PaymentTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}
