package router

import (
	"github.com/gofiber/fiber/v2"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter installs the public webhook routes first, then the operator API.
func InstallRouter(app *fiber.App, webhook *WebhookRouter, ops *OpsRouter) {
	setup(app, webhook, ops)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
