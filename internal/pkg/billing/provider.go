package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// ProviderClient fetches full provider objects that events only reference.
type ProviderClient interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// BreakerConfig tunes the circuit breaker around provider calls.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

type subscriptionGetter func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)

// StripeProvider calls the Stripe API through a circuit breaker.
type StripeProvider struct {
	get     subscriptionGetter
	breaker *gobreaker.CircuitBreaker[*stripe.Subscription]
}

// NewStripeProvider creates a provider client for secretKey.
func NewStripeProvider(secretKey string, cfg BreakerConfig, log *logrus.Logger, m *metrics.Metrics) *StripeProvider {
	api := client.New(secretKey, nil)
	return newStripeProvider(api.Subscriptions.Get, cfg, log, m)
}

func newStripeProvider(get subscriptionGetter, cfg BreakerConfig, log *logrus.Logger, m *metrics.Metrics) *StripeProvider {
	if log == nil {
		log = logrus.New()
	}
	settings := gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("provider circuit breaker state changed")
			m.BreakerState(name, int(to))
		},
	}
	m.BreakerState(settings.Name, int(gobreaker.StateClosed))

	return &StripeProvider{
		get:     get,
		breaker: gobreaker.NewCircuitBreaker[*stripe.Subscription](settings),
	}
}

// GetSubscription fetches a subscription with its prices expanded.
func (p *StripeProvider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	sub, err := p.breaker.Execute(func() (*stripe.Subscription, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		params.AddExpand("items.data.price")
		return p.get(id, params)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", id, err)
	}
	return sub, nil
}

func (p *StripeProvider) State() gobreaker.State {
	return p.breaker.State()
}
