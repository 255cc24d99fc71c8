package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	t.Setenv("WEBHOOK_SIGNATURE_HEADER", "")
	t.Setenv("LINK_CACHE_TTL", "")
	t.Setenv("DRIFT_GRACE", "")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, "Stripe-Signature", cfg.SignatureHeader)
	assert.Equal(t, 10*time.Minute, cfg.LinkCacheTTL)
	assert.Equal(t, 72*time.Hour, cfg.DriftGrace)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", " whsec_test ")
	t.Setenv("WEBHOOK_SIGNATURE_HEADER", "X-Signature")
	t.Setenv("LINK_CACHE_TTL", "1m")
	t.Setenv("ALLOW_UNVERIFIED_WEBHOOKS", "true")

	cfg := LoadConfigFromEnv()
	assert.Equal(t, "whsec_test", cfg.WebhookSecret)
	assert.Equal(t, "X-Signature", cfg.SignatureHeader)
	assert.Equal(t, time.Minute, cfg.LinkCacheTTL)
	assert.True(t, cfg.AllowUnverifiedWebhooks)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate(true))
	assert.NoError(t, Config{}.Validate(false))
	assert.NoError(t, Config{AllowUnverifiedWebhooks: true}.Validate(true))
	assert.NoError(t, Config{WebhookSecret: "whsec"}.Validate(true))
}
