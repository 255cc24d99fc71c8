package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/billingfox/app/controllers"
	"github.com/ManuelReschke/billingfox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/billingfox/internal/pkg/cache"
	"github.com/ManuelReschke/billingfox/internal/pkg/env"
	applog "github.com/ManuelReschke/billingfox/internal/pkg/logger"
	"github.com/ManuelReschke/billingfox/internal/pkg/router"
)

func main() {
	env.SetupEnvFile()
	log := applog.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := bootstrap.New(ctx, log)
	if err != nil {
		log.WithError(err).Fatal("failed to start billing engine")
	}
	defer services.Close()

	drift, err := services.Drift.Schedule(services.Config.DriftCron)
	if err != nil {
		log.WithError(err).Fatal("invalid DRIFT_REPORT_CRON")
	}
	defer drift.Stop()

	app := NewApplication(services)
	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped")
	}
}

func NewApplication(services *bootstrap.Services) *fiber.App {
	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/billingfox to project root
		"../../../", // Fallback
	}

	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "docs/openapi.yml"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024, // 1 MiB
		ErrorHandler: errorHandler(services.Log),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + "docs/openapi.yml",
			Path:     "v1",
		}))
	}

	ops := controllers.NewOpsController(services.DB, services.Router, services.Store, services.Tiers, services.Log)
	webhooks := controllers.NewWebhookController(services.Router, services.Config.SignatureHeader, services.Log)

	// ROUTER
	router.InstallRouter(app,
		router.NewWebhookRouter(webhooks, ops),
		router.NewOpsRouter(ops, services.Registry, router.OpsConfig{
			APIKeyHash:    env.GetEnv("OPS_API_KEY_HASH", ""),
			Storage:       cache.LimiterStorage(services.CacheConfig),
			MaxRequests:   60,
			LimiterWindow: time.Minute,
		}),
	)

	return app
}

func errorHandler(log *logrus.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code >= fiber.StatusInternalServerError {
			log.WithError(err).WithField("path", c.Path()).Error("request failed")
		}
		return c.Status(code).JSON(fiber.Map{"error": errorMessage(code, err)})
	}
}

func errorMessage(code int, err error) string {
	if code >= fiber.StatusInternalServerError {
		return "internal_error"
	}
	return err.Error()
}
