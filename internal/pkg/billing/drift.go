package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/billingfox/app/models"
	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DriftReporter finds active subscriptions whose next billing date passed
// more than grace ago, which usually means a renewal event was lost.
type DriftReporter struct {
	subs    SubscriptionRepository
	grace   time.Duration
	log     *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewDriftReporter(subs SubscriptionRepository, grace time.Duration, log *logrus.Logger, m *metrics.Metrics) *DriftReporter {
	if log == nil {
		log = logrus.New()
	}
	return &DriftReporter{subs: subs, grace: grace, log: log, metrics: m, now: time.Now}
}

// Report lists drifting subscriptions and updates the drift gauge.
func (d *DriftReporter) Report(ctx context.Context) ([]models.Subscription, error) {
	cutoff := d.now().UTC().Add(-d.grace)
	overdue, err := d.subs.ListOverdueSubscriptions(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list overdue subscriptions: %w", err)
	}

	d.metrics.Drift(len(overdue))
	for _, sub := range overdue {
		d.log.WithFields(logrus.Fields{
			"user_id":                  sub.UserID,
			"provider_subscription_id": sub.ProviderSubscriptionID,
			"next_billing_date":        sub.NextBillingDate,
		}).Warn("subscription overdue for renewal")
	}
	return overdue, nil
}

// Schedule runs Report on the given cron spec until the returned cron is stopped.
func (d *DriftReporter) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(d.log))))
	if _, err := c.AddFunc(spec, func() {
		if _, err := d.Report(context.Background()); err != nil {
			d.log.WithError(err).Error("drift report failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule drift report %q: %w", spec, err)
	}
	c.Start()
	d.log.WithField("schedule", spec).Info("scheduled drift report")
	return c, nil
}
