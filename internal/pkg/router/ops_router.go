package router

import (
	"time"

	"github.com/ManuelReschke/billingfox/app/controllers"
	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	"github.com/ManuelReschke/billingfox/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus"
)

type OpsConfig struct {
	APIKeyHash    string
	// Storage backs the rate limiter. Nil uses in-memory storage.
	Storage       fiber.Storage
	MaxRequests   int
	LimiterWindow time.Duration
}

type OpsRouter struct {
	ops      *controllers.OpsController
	registry *prometheus.Registry
	cfg      OpsConfig
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	max := h.cfg.MaxRequests
	if max <= 0 {
		max = 60
	}
	window := h.cfg.LimiterWindow
	if window <= 0 {
		window = time.Minute
	}

	ops := app.Group("/ops",
		limiter.New(limiter.Config{
			Max:        max,
			Expiration: window,
			Storage:    h.cfg.Storage,
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
			},
		}),
		middleware.OpsAPIKeyAuth(h.cfg.APIKeyHash),
	)

	ops.Get("/metrics", metrics.Handler(h.registry))
	ops.Get("/subscriptions/:user_id", h.ops.HandleGetSubscription)
	ops.Post("/events/replay-failed", h.ops.HandleReplayFailed)
	ops.Post("/events/:event_id/replay", h.ops.HandleReplayEvent)
	ops.Get("/tiers", h.ops.HandleListTiers)
	ops.Get("/tiers/resolve", h.ops.HandleResolveTier)
}

func NewOpsRouter(ops *controllers.OpsController, registry *prometheus.Registry, cfg OpsConfig) *OpsRouter {
	return &OpsRouter{ops: ops, registry: registry, cfg: cfg}
}
