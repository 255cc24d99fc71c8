package billing

import (
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/billingfox/internal/pkg/env"
)

// Config holds the billing engine settings read from the environment.
type Config struct {
	WebhookSecret           string
	AllowUnverifiedWebhooks bool
	SignatureHeader         string
	StripeSecretKey         string
	TierRulesFile           string
	LinkCacheTTL            time.Duration
	DriftCron               string
	DriftGrace              time.Duration
	Breaker                 BreakerConfig
}

// LoadConfigFromEnv reads the billing configuration.
func LoadConfigFromEnv() Config {
	breaker := DefaultBreakerConfig()
	breaker.Timeout = env.GetEnvDuration("STRIPE_BREAKER_TIMEOUT", breaker.Timeout)

	return Config{
		WebhookSecret:           strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		AllowUnverifiedWebhooks: env.GetEnvBool("ALLOW_UNVERIFIED_WEBHOOKS", false),
		SignatureHeader:         strings.TrimSpace(env.GetEnv("WEBHOOK_SIGNATURE_HEADER", "Stripe-Signature")),
		StripeSecretKey:         strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		TierRulesFile:           strings.TrimSpace(env.GetEnv("TIER_RULES_FILE", "")),
		LinkCacheTTL:            env.GetEnvDuration("LINK_CACHE_TTL", 10*time.Minute),
		DriftCron:               strings.TrimSpace(env.GetEnv("DRIFT_REPORT_CRON", "@hourly")),
		DriftGrace:              env.GetEnvDuration("DRIFT_GRACE", 72*time.Hour),
		Breaker:                 breaker,
	}
}

// Validate refuses to run a production deployment without a webhook secret
// unless that was explicitly allowed.
func (c Config) Validate(production bool) error {
	if c.WebhookSecret == "" && production && !c.AllowUnverifiedWebhooks {
		return errors.New("STRIPE_WEBHOOK_SECRET is required in production (set ALLOW_UNVERIFIED_WEBHOOKS=true to override)")
	}
	return nil
}
