package controllers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ManuelReschke/billingfox/app/models"
	"github.com/ManuelReschke/billingfox/internal/pkg/billing"
	"github.com/ManuelReschke/billingfox/internal/pkg/database"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWebhookSecret = "whsec_controller_test"

type testEnv struct {
	app    *fiber.App
	db     *gorm.DB
	router *billing.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	log, _ := logtest.NewNullLogger()
	repo := billing.NewRepository(db)
	tiers := billing.NewTierResolver(billing.DefaultTierRules())
	store := billing.NewSubscriptionStore(repo, log, nil)

	router := billing.NewRouter(billing.NewVerifier(testWebhookSecret, log, nil), repo, log, nil)
	billing.NewHandlers(
		billing.NewLinker(repo, nil, log, nil),
		tiers,
		store,
		billing.NewLedger(repo, log, nil),
		nil,
		log,
	).Register(router)

	app := fiber.New()
	webhooks := NewWebhookController(router, "Stripe-Signature", log)
	ops := NewOpsController(db, router, store, tiers, log)
	app.Post("/webhook", webhooks.HandleStripeWebhook)
	app.Get("/healthz", ops.HandleHealth)
	app.Get("/ops/subscriptions/:user_id", ops.HandleGetSubscription)
	app.Post("/ops/events/replay-failed", ops.HandleReplayFailed)
	app.Post("/ops/events/:event_id/replay", ops.HandleReplayEvent)
	app.Get("/ops/tiers", ops.HandleListTiers)
	app.Get("/ops/tiers/resolve", ops.HandleResolveTier)

	return &testEnv{app: app, db: db, router: router}
}

func (e *testEnv) seedProfile(t *testing.T, userID uint, customerID string) {
	t.Helper()
	require.NoError(t, e.db.Create(&models.Profile{
		UserID:           userID,
		Email:            fmt.Sprintf("user%d@example.com", userID),
		StripeCustomerID: customerID,
	}).Error)
}

func signStripe(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2024-06-20",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body
}

func checkoutSession(userID uint, customerID string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"id":                  "cs_" + customerID,
		"object":              "checkout.session",
		"customer":            customerID,
		"subscription":        "sub_" + customerID,
		"payment_intent":      "pi_" + customerID,
		"client_reference_id": fmt.Sprint(userID),
		"amount_total":        amount,
		"currency":            "usd",
		"metadata":            map[string]string{"billing_cycle": "monthly"},
	}
}

func failedInvoice(customerID string) map[string]interface{} {
	return map[string]interface{}{
		"id":           "in_" + customerID,
		"object":       "invoice",
		"customer":     customerID,
		"subscription": "sub_" + customerID,
	}
}

