package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/billingfox/app/models"
	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testSecret  = "whsec_test_secret"
	testCreated = int64(1760000000)
)

func newTestDB(t *testing.T) *gorm.DB {
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

	require.NoError(t, db.AutoMigrate(
		&models.Profile{},
		&models.Subscription{},
		&models.PaymentTransaction{},
		&models.BillingWebhookEvent{},
	))
	return db
}

func seedProfile(t *testing.T, db *gorm.DB, userID uint, customerID string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Profile{
		UserID:           userID,
		Email:            fmt.Sprintf("user%d@example.com", userID),
		StripeCustomerID: customerID,
	}).Error)
}

func signPayload(secret string, payload []byte) string {
	return signPayloadAt(secret, payload, time.Now().Unix())
}

func signPayloadAt(secret string, payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(t *testing.T, id, eventType string, object interface{}) []byte {
	t.Helper()
	return eventPayloadAt(t, id, eventType, object, testCreated)
}

func eventPayloadAt(t *testing.T, id, eventType string, object interface{}, created int64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created,
		"api_version": "2024-06-20",
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body
}

func checkoutObject(sessionID, customerID, subscriptionID, paymentIntent string, userID uint, amount int64, cycle string) map[string]interface{} {
	obj := map[string]interface{}{
		"id":                   sessionID,
		"object":               "checkout.session",
		"customer":             customerID,
		"subscription":         subscriptionID,
		"payment_intent":       paymentIntent,
		"amount_total":         amount,
		"currency":             "usd",
		"payment_method_types": []string{"card"},
		"metadata":             map[string]string{"billing_cycle": cycle},
	}
	if userID != 0 {
		obj["client_reference_id"] = fmt.Sprint(userID)
	}
	return obj
}

func invoiceObject(invoiceID, customerID, subscriptionID, paymentIntent string, amount, periodEnd int64) map[string]interface{} {
	return map[string]interface{}{
		"id":             invoiceID,
		"object":         "invoice",
		"customer":       customerID,
		"subscription":   subscriptionID,
		"payment_intent": paymentIntent,
		"amount_paid":    amount,
		"currency":       "usd",
		"billing_reason": "subscription_cycle",
		"attempt_count":  1,
		"lines": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":     "il_" + invoiceID,
					"object": "line_item",
					"period": map[string]interface{}{"start": periodEnd - 30*24*3600, "end": periodEnd},
				},
			},
		},
	}
}

func subscriptionObject(subscriptionID, customerID, status string, unitAmount int64, interval string, periodEnd, canceledAt int64) map[string]interface{} {
	obj := map[string]interface{}{
		"id":                 subscriptionID,
		"object":             "subscription",
		"customer":           customerID,
		"status":             status,
		"current_period_end": periodEnd,
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":     "si_" + subscriptionID,
					"object": "subscription_item",
					"price": map[string]interface{}{
						"id":          "price_" + interval,
						"object":      "price",
						"unit_amount": unitAmount,
						"currency":    "usd",
						"recurring":   map[string]interface{}{"interval": interval},
					},
				},
			},
		},
	}
	if canceledAt > 0 {
		obj["canceled_at"] = canceledAt
	}
	return obj
}

type fakeProvider struct {
	mu    sync.Mutex
	subs  map[string]*stripe.Subscription
	err   error
	calls int
}

func (f *fakeProvider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	return sub, nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived map[string][]byte
	err      error
}

func (f *fakeArchiver) Archive(ctx context.Context, eventID, eventType string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.archived == nil {
		f.archived = make(map[string][]byte)
	}
	f.archived[eventID] = payload
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []ChangeNotification
	err  error
}

func (f *fakePublisher) PublishSubscriptionChanged(ctx context.Context, n ChangeNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

type harness struct {
	db        *gorm.DB
	repo      Repository
	router    *Router
	handlers  *Handlers
	metrics   *metrics.Metrics
	log       *logrus.Logger
	hook      *logtest.Hook
	archiver  *fakeArchiver
	publisher *fakePublisher
}

func newHarness(t *testing.T, provider ProviderClient) *harness {
	t.Helper()

	db := newTestDB(t)
	repo := NewRepository(db)
	log, hook := logtest.NewNullLogger()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	archiver := &fakeArchiver{}
	publisher := &fakePublisher{}

	handlers := NewHandlers(
		NewLinker(repo, nil, log, m),
		NewTierResolver(DefaultTierRules()),
		NewSubscriptionStore(repo, log, m),
		NewLedger(repo, log, m),
		provider,
		log,
	)
	router := NewRouter(NewVerifier(testSecret, log, m), repo, log, m,
		WithArchiver(archiver),
		WithPublisher(publisher),
	)
	handlers.Register(router)

	return &harness{
		db:        db,
		repo:      repo,
		router:    router,
		handlers:  handlers,
		metrics:   m,
		log:       log,
		hook:      hook,
		archiver:  archiver,
		publisher: publisher,
	}
}

func (h *harness) deliver(t *testing.T, payload []byte) (Acknowledgement, error) {
	t.Helper()
	return h.router.HandleDelivery(context.Background(), payload, signPayload(testSecret, payload))
}

func (h *harness) subscription(t *testing.T, userID uint) models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, h.db.Where("user_id = ?", userID).First(&sub).Error)
	return sub
}

func (h *harness) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(model).Count(&n).Error)
	return n
}
