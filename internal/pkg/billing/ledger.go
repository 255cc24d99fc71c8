package billing

import (
	"context"

	"github.com/ManuelReschke/billingfox/app/models"
	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Ledger appends completed payments. It never reads, updates or deletes rows.
type Ledger struct {
	repo    LedgerRepository
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func NewLedger(repo LedgerRepository, log *logrus.Logger, m *metrics.Metrics) *Ledger {
	if log == nil {
		log = logrus.New()
	}
	return &Ledger{repo: repo, log: log, metrics: m}
}

// Append records entry once per (gateway transaction, event type). A
// duplicate is a successful no-op and returns false.
func (l *Ledger) Append(ctx context.Context, entry LedgerEntry) (bool, error) {
	txn := &models.PaymentTransaction{
		UserID:               entry.UserID,
		Amount:               entry.Amount,
		Currency:             entry.Currency,
		PaymentMethod:        entry.PaymentMethod,
		Gateway:              models.BillingProviderStripe,
		GatewayTransactionID: entry.GatewayTransactionID,
		EventType:            entry.EventType,
		Status:               entry.Status,
		Metadata:             datatypes.JSONMap(entry.Metadata),
	}

	appended, err := l.repo.AppendTransaction(ctx, txn)
	if err != nil {
		return false, &DownstreamWriteError{Op: "append ledger", Err: err}
	}

	l.metrics.LedgerAppend(appended)
	if !appended {
		l.log.WithFields(logrus.Fields{
			"user_id":                entry.UserID,
			"gateway_transaction_id": entry.GatewayTransactionID,
			"event_type":             entry.EventType,
		}).Info("ledger row already recorded")
	}
	return appended, nil
}
