package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/billingfox/internal/pkg/billing"
	"github.com/ManuelReschke/billingfox/internal/pkg/database"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultReplayWindow = 24 * time.Hour

// OpsController serves the operator API and the health check.
type OpsController struct {
	db     *gorm.DB
	router *billing.Router
	store  *billing.SubscriptionStore
	tiers  *billing.TierResolver
	log    *logrus.Logger
}

func NewOpsController(db *gorm.DB, router *billing.Router, store *billing.SubscriptionStore, tiers *billing.TierResolver, log *logrus.Logger) *OpsController {
	if log == nil {
		log = logrus.New()
	}
	return &OpsController{db: db, router: router, store: store, tiers: tiers, log: log}
}

type ackResponse struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

func toAckResponse(ack billing.Acknowledgement) ackResponse {
	resp := ackResponse{EventID: ack.EventID, EventType: ack.EventType, Outcome: string(ack.Outcome)}
	if ack.Err != nil {
		resp.Error = ack.Err.Error()
	}
	return resp
}

func (o *OpsController) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	if err := database.Ping(ctx, o.db); err != nil {
		o.log.WithError(err).Warn("health check failed")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (o *OpsController) HandleGetSubscription(c *fiber.Ctx) error {
	userID, err := strconv.ParseUint(c.Params("user_id"), 10, 64)
	if err != nil || userID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id"})
	}

	sub, err := o.store.Get(c.UserContext(), uint(userID))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription_not_found"})
	}
	if err != nil {
		o.log.WithField("user_id", userID).WithError(err).Error("subscription lookup failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "lookup_failed"})
	}
	return c.JSON(sub)
}

func (o *OpsController) HandleReplayEvent(c *fiber.Ctx) error {
	eventID := strings.TrimSpace(c.Params("event_id"))
	if eventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_event_id"})
	}

	ack, err := o.router.Replay(c.UserContext(), eventID)
	if err != nil {
		var payloadErr *billing.PayloadError
		switch {
		case errors.Is(err, billing.ErrEventNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event_not_found"})
		case errors.As(err, &payloadErr):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_payload"})
		default:
			o.log.WithField("event_id", eventID).WithError(err).Error("replay failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "replay_failed"})
		}
	}
	return c.JSON(toAckResponse(ack))
}

// HandleReplayFailed replays every unsuccessful event received after ?since
// (RFC 3339, default the last 24 hours).
func (o *OpsController) HandleReplayFailed(c *fiber.Ctx) error {
	since := time.Now().UTC().Add(-defaultReplayWindow)
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_since"})
		}
		since = parsed
	}

	acks, err := o.router.ReplayFailed(c.UserContext(), since)
	if err != nil {
		o.log.WithError(err).Error("replay of failed events aborted")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "replay_failed"})
	}

	results := make([]ackResponse, 0, len(acks))
	for _, ack := range acks {
		results = append(results, toAckResponse(ack))
	}
	return c.JSON(fiber.Map{"replayed": len(results), "results": results})
}

func (o *OpsController) HandleListTiers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"rules": o.tiers.Rules()})
}

func (o *OpsController) HandleResolveTier(c *fiber.Ctx) error {
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_amount"})
	}
	interval := c.Query("interval", "month")

	resp := fiber.Map{"amount": amount, "interval": interval, "tier": o.tiers.Resolve(amount, interval)}
	if rule, ok := o.tiers.Match(amount, interval); ok {
		resp["rule"] = rule
	}
	return c.JSON(resp)
}
