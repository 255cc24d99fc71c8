package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the billing Prometheus collectors. All methods are safe on a
// nil receiver so components can run without instrumentation in tests.
type Metrics struct {
	WebhookEventsTotal     *prometheus.CounterVec
	WebhookUnverifiedTotal prometheus.Counter
	LedgerAppendsTotal     prometheus.Counter
	LedgerDuplicatesTotal  prometheus.Counter
	SubscriptionAnomalies  *prometheus.CounterVec
	SubscriptionDrift      prometheus.Gauge
	ProviderBreakerState   *prometheus.GaugeVec
	LinkCacheRequestsTotal *prometheus.CounterVec
	ArchiveFailuresTotal   prometheus.Counter
	PublishFailuresTotal   prometheus.Counter
}

// NewMetrics creates and registers all billing collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Webhook deliveries by event type and processing outcome",
			},
			[]string{"type", "outcome"},
		),
		WebhookUnverifiedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_webhook_unverified_total",
			Help: "Webhook deliveries accepted without signature verification",
		}),
		LedgerAppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_ledger_appends_total",
			Help: "Ledger rows appended",
		}),
		LedgerDuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_ledger_duplicates_total",
			Help: "Ledger appends skipped because the transaction was already recorded",
		}),
		SubscriptionAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_subscription_anomalies_total",
				Help: "Events rejected by subscription state guards",
			},
			[]string{"reason"},
		),
		SubscriptionDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billing_subscription_drift",
			Help: "Active subscriptions whose next billing date is overdue",
		}),
		ProviderBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "billing_provider_breaker_state",
				Help: "Provider client circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"name"},
		),
		LinkCacheRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_link_cache_requests_total",
				Help: "Customer link cache lookups by result",
			},
			[]string{"result"},
		),
		ArchiveFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_archive_failures_total",
			Help: "Raw webhook payloads that could not be archived",
		}),
		PublishFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_publish_failures_total",
			Help: "Subscription change notifications that could not be published",
		}),
	}

	registry.MustRegister(
		m.WebhookEventsTotal,
		m.WebhookUnverifiedTotal,
		m.LedgerAppendsTotal,
		m.LedgerDuplicatesTotal,
		m.SubscriptionAnomalies,
		m.SubscriptionDrift,
		m.ProviderBreakerState,
		m.LinkCacheRequestsTotal,
		m.ArchiveFailuresTotal,
		m.PublishFailuresTotal,
	)

	return m
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) UnverifiedWebhook() {
	if m == nil {
		return
	}
	m.WebhookUnverifiedTotal.Inc()
}

func (m *Metrics) LedgerAppend(appended bool) {
	if m == nil {
		return
	}
	if appended {
		m.LedgerAppendsTotal.Inc()
		return
	}
	m.LedgerDuplicatesTotal.Inc()
}

func (m *Metrics) SubscriptionAnomaly(reason string) {
	if m == nil {
		return
	}
	m.SubscriptionAnomalies.WithLabelValues(reason).Inc()
}

func (m *Metrics) Drift(count int) {
	if m == nil {
		return
	}
	m.SubscriptionDrift.Set(float64(count))
}

func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.ProviderBreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) LinkCache(result string) {
	if m == nil {
		return
	}
	m.LinkCacheRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ArchiveFailure() {
	if m == nil {
		return
	}
	m.ArchiveFailuresTotal.Inc()
}

func (m *Metrics) PublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailuresTotal.Inc()
}

// Handler exposes registry in the Prometheus text format as a fiber handler.
func Handler(registry *prometheus.Registry) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
