package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ManuelReschke/billingfox/internal/pkg/billing"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const fallbackSignatureHeader = "X-Signature"

const webhookTimeout = 15 * time.Second

type WebhookController struct {
	router  *billing.Router
	headers []string
	log     *logrus.Logger
}

// NewWebhookController reads the signature from signatureHeader, falling back
// to X-Signature.
func NewWebhookController(router *billing.Router, signatureHeader string, log *logrus.Logger) *WebhookController {
	if log == nil {
		log = logrus.New()
	}
	headers := []string{fallbackSignatureHeader}
	if h := strings.TrimSpace(signatureHeader); h != "" && !strings.EqualFold(h, fallbackSignatureHeader) {
		headers = []string{h, fallbackSignatureHeader}
	}
	return &WebhookController{router: router, headers: headers, log: log}
}

// HandleStripeWebhook answers 400 for deliveries that fail verification, 500
// when a handler crashed and 200 for everything else. Processing failures are
// kept in the inbox for replay rather than retried by the provider.
func (w *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.Body()...)
	signature := firstHeaderValue(c, w.headers...)

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	ack, err := w.router.HandleDelivery(ctx, rawBody, signature)
	if err != nil {
		var sigErr *billing.SignatureError
		var payloadErr *billing.PayloadError
		switch {
		case errors.As(err, &sigErr):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		case errors.As(err, &payloadErr):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		default:
			w.log.WithFields(logrus.Fields{"event_id": ack.EventID, "event_type": ack.EventType}).
				WithError(err).Error("webhook delivery crashed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error"})
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}
