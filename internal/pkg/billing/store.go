package billing

import (
	"context"
	"errors"

	"github.com/ManuelReschke/billingfox/app/models"
	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// SubscriptionStore applies handler patches and reports guard rejections as
// anomalies.
type SubscriptionStore struct {
	repo    SubscriptionRepository
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func NewSubscriptionStore(repo SubscriptionRepository, log *logrus.Logger, m *metrics.Metrics) *SubscriptionStore {
	if log == nil {
		log = logrus.New()
	}
	return &SubscriptionStore{repo: repo, log: log, metrics: m}
}

func (s *SubscriptionStore) Upsert(ctx context.Context, userID uint, patch SubscriptionPatch) (*models.Subscription, error) {
	sub, err := s.repo.UpsertSubscription(ctx, userID, patch)
	if err == nil {
		return sub, nil
	}

	fields := logrus.Fields{"user_id": userID}
	if patch.ProviderSubscriptionID != nil {
		fields["provider_subscription_id"] = *patch.ProviderSubscriptionID
	}
	if patch.Status != nil {
		fields["requested_status"] = *patch.Status
	}

	// A stale event still counts as handled; its payment is recorded by the caller.
	if errors.Is(err, ErrSubscriptionStale) {
		fields["observed_at"] = patch.ObservedAt
		if sub != nil && sub.LastEventAt != nil {
			fields["last_event_at"] = sub.LastEventAt.UTC()
		}
		s.metrics.SubscriptionAnomaly(anomalyReason(err))
		s.log.WithFields(fields).Warn("stale subscription event skipped, state left unchanged")
		return sub, nil
	}

	if errors.Is(err, ErrSubscriptionCancelled) || errors.Is(err, ErrSubscriptionMismatch) {
		s.metrics.SubscriptionAnomaly(anomalyReason(err))
		s.log.WithFields(fields).WithError(err).Warn("subscription anomaly, state left unchanged")
		return nil, err
	}
	return nil, &DownstreamWriteError{Op: "upsert subscription", Err: err}
}

func (s *SubscriptionStore) Get(ctx context.Context, userID uint) (*models.Subscription, error) {
	return s.repo.GetSubscriptionByUser(ctx, userID)
}

func snapshotOf(sub *models.Subscription) *SubscriptionSnapshot {
	if sub == nil {
		return nil
	}
	return &SubscriptionSnapshot{
		UserID:                 sub.UserID,
		PlanTier:               sub.PlanTier,
		Status:                 sub.Status,
		BillingCycle:           sub.BillingCycle,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		NextBillingDate:        sub.NextBillingDate,
	}
}
