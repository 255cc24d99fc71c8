package router

import (
	"github.com/ManuelReschke/billingfox/app/controllers"

	"github.com/gofiber/fiber/v2"
)

type WebhookRouter struct {
	webhooks *controllers.WebhookController
	ops      *controllers.OpsController
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhook", h.webhooks.HandleStripeWebhook)
	app.Get("/healthz", h.ops.HandleHealth)
}

func NewWebhookRouter(webhooks *controllers.WebhookController, ops *controllers.OpsController) *WebhookRouter {
	return &WebhookRouter{webhooks: webhooks, ops: ops}
}
