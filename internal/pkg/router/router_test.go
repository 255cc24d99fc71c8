package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/ManuelReschke/billingfox/app/controllers"
	"github.com/ManuelReschke/billingfox/internal/pkg/billing"
	"github.com/ManuelReschke/billingfox/internal/pkg/database"
	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const opsKey = "ops-key"

func newTestApp(t *testing.T, cfg OpsConfig) *fiber.App {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	log, _ := logtest.NewNullLogger()
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	repo := billing.NewRepository(db)
	tiers := billing.NewTierResolver(billing.DefaultTierRules())
	store := billing.NewSubscriptionStore(repo, log, m)
	router := billing.NewRouter(billing.NewVerifier("whsec_router_test", log, m), repo, log, m)

	hash, err := bcrypt.GenerateFromPassword([]byte(opsKey), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.APIKeyHash = string(hash)

	ops := controllers.NewOpsController(db, router, store, tiers, log)
	app := fiber.New()
	InstallRouter(app,
		NewWebhookRouter(controllers.NewWebhookController(router, "Stripe-Signature", log), ops),
		NewOpsRouter(ops, registry, cfg),
	)
	return app
}

func get(t *testing.T, app *fiber.App, path, key string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestOpsRoutesRequireAPIKey(t *testing.T) {
	app := newTestApp(t, OpsConfig{})

	status, _ := get(t, app, "/ops/tiers", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = get(t, app, "/ops/tiers", "wrong")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := get(t, app, "/ops/metrics", opsKey)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "billing_webhook_unverified_total")

	status, _ = get(t, app, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestOpsRoutesAreRateLimited(t *testing.T) {
	app := newTestApp(t, OpsConfig{MaxRequests: 2, LimiterWindow: time.Minute})

	for i := 0; i < 2; i++ {
		status, _ := get(t, app, "/ops/tiers", opsKey)
		require.Equal(t, http.StatusOK, status)
	}
	status, body := get(t, app, "/ops/tiers", opsKey)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, body, "rate_limited")
}

var pathParam = regexp.MustCompile(`\{([^}]+)\}`)

func TestOpenAPIDocumentMatchesRoutes(t *testing.T) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile("../../../docs/openapi.yml")
	require.NoError(t, err)
	require.NoError(t, doc.Validate(context.Background()))

	installed := map[string]bool{}
	for _, route := range newTestApp(t, OpsConfig{}).GetRoutes(true) {
		installed[route.Method+" "+route.Path] = true
	}

	for path, item := range doc.Paths.Map() {
		fiberPath := pathParam.ReplaceAllString(path, ":$1")
		for method := range item.Operations() {
			key := strings.ToUpper(method) + " " + fiberPath
			assert.True(t, installed[key], "documented route %s is not installed", key)
		}
	}
}
