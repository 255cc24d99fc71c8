package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuelReschke/billingfox/app/models"
	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Router verifies deliveries, records them in the inbox and dispatches them
// to the handler registered for their event type.
type Router struct {
	verifier  *Verifier
	events    WebhookEventRepository
	handlers  map[string]Handler
	archiver  Archiver
	publisher Publisher
	log       *logrus.Logger
	metrics   *metrics.Metrics
}

type RouterOption func(*Router)

// WithArchiver stores every verified raw payload.
func WithArchiver(a Archiver) RouterOption {
	return func(r *Router) { r.archiver = a }
}

// WithPublisher emits a change notification after each processed event.
func WithPublisher(p Publisher) RouterOption {
	return func(r *Router) { r.publisher = p }
}

func NewRouter(verifier *Verifier, events WebhookEventRepository, log *logrus.Logger, m *metrics.Metrics, opts ...RouterOption) *Router {
	if log == nil {
		log = logrus.New()
	}
	r := &Router{
		verifier: verifier,
		events:   events,
		handlers: make(map[string]Handler),
		log:      log,
		metrics:  m,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Register(eventType string, h Handler) {
	r.handlers[eventType] = h
}

func (r *Router) Handles(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

// HandleDelivery processes one webhook request. The returned error is a
// verification error (answer 400), an *InternalError (answer 500) or nil.
func (r *Router) HandleDelivery(ctx context.Context, payload []byte, signatureHeader string) (Acknowledgement, error) {
	env, err := r.verifier.Verify(payload, signatureHeader)
	if err != nil {
		r.log.WithError(err).Warn("rejected webhook delivery")
		r.metrics.WebhookEvent("unknown", "rejected")
		return Acknowledgement{}, err
	}

	fields := logrus.Fields{"event_id": env.ID, "event_type": env.Type}

	if r.archiver != nil {
		if err := r.archiver.Archive(ctx, env.ID, env.Type, env.Raw); err != nil {
			r.metrics.ArchiveFailure()
			r.log.WithFields(fields).WithError(err).Warn("failed to archive webhook payload")
		}
	}

	handler, ok := r.handlers[env.Type]
	if !ok {
		r.metrics.WebhookEvent(env.Type, string(OutcomeIgnored))
		r.log.WithFields(fields).Info("ignoring unhandled webhook event type")
		return Acknowledgement{EventID: env.ID, EventType: env.Type, Outcome: OutcomeIgnored}, nil
	}

	var inboxID uint
	created, stored, err := r.events.CreateWebhookEventIfNotExists(ctx, &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: env.ID,
		EventType:       env.Type,
		PayloadJSON:     string(env.Raw),
		SignatureValid:  env.Verified,
	})
	if err != nil {
		r.log.WithFields(fields).WithError(err).Error("failed to record webhook event, processing without inbox")
	} else {
		if !created && stored.Succeeded() {
			r.metrics.WebhookEvent(env.Type, string(OutcomeDuplicate))
			r.log.WithFields(fields).Info("webhook event already processed")
			return Acknowledgement{EventID: env.ID, EventType: env.Type, Outcome: OutcomeDuplicate}, nil
		}
		inboxID = stored.ID
	}

	return r.dispatch(ctx, handler, env, inboxID)
}

// Replay re-dispatches a stored event regardless of its previous outcome.
func (r *Router) Replay(ctx context.Context, eventID string) (Acknowledgement, error) {
	stored, err := r.events.GetWebhookEvent(ctx, models.BillingProviderStripe, eventID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Acknowledgement{}, ErrEventNotFound
	}
	if err != nil {
		return Acknowledgement{}, &DownstreamWriteError{Op: "load webhook event", Err: err}
	}
	return r.replayStored(ctx, stored)
}

// ReplayFailed replays every stored event since the given time that did not
// complete successfully.
func (r *Router) ReplayFailed(ctx context.Context, since time.Time) ([]Acknowledgement, error) {
	events, err := r.events.ListFailedWebhookEvents(ctx, since)
	if err != nil {
		return nil, &DownstreamWriteError{Op: "list failed webhook events", Err: err}
	}

	acks := make([]Acknowledgement, 0, len(events))
	for i := range events {
		ack, err := r.replayStored(ctx, &events[i])
		if err != nil {
			ack = Acknowledgement{EventID: events[i].ProviderEventID, EventType: events[i].EventType, Outcome: OutcomeFailed, Err: err}
		}
		acks = append(acks, ack)
	}
	return acks, nil
}

func (r *Router) replayStored(ctx context.Context, stored *models.BillingWebhookEvent) (Acknowledgement, error) {
	env := &Envelope{}
	if err := json.Unmarshal([]byte(stored.PayloadJSON), env); err != nil {
		return Acknowledgement{}, &PayloadError{Err: err}
	}
	env.Raw = []byte(stored.PayloadJSON)
	env.Verified = stored.SignatureValid

	handler, ok := r.handlers[env.Type]
	if !ok {
		return Acknowledgement{EventID: env.ID, EventType: env.Type, Outcome: OutcomeIgnored}, nil
	}

	r.log.WithFields(logrus.Fields{"event_id": env.ID, "event_type": env.Type}).Info("replaying webhook event")
	return r.dispatch(ctx, handler, env, stored.ID)
}

func (r *Router) dispatch(ctx context.Context, handler Handler, env *Envelope, inboxID uint) (Acknowledgement, error) {
	ack := Acknowledgement{EventID: env.ID, EventType: env.Type}
	fields := logrus.Fields{"event_id": env.ID, "event_type": env.Type}

	result, err := invoke(ctx, handler, env)
	if result.UserID != 0 {
		fields["user_id"] = result.UserID
	}

	var internal *InternalError
	if errors.As(err, &internal) {
		ack.Outcome = OutcomeFailed
		ack.Err = err
		r.metrics.WebhookEvent(env.Type, string(OutcomeFailed))
		r.log.WithFields(fields).WithError(err).Error("webhook handler panicked")
		r.markProcessed(ctx, inboxID, OutcomeFailed, err, fields)
		return ack, err
	}

	ack.Outcome = classify(err)
	ack.Err = err
	fields["outcome"] = string(ack.Outcome)
	r.metrics.WebhookEvent(env.Type, string(ack.Outcome))

	entry := r.log.WithFields(fields)
	switch ack.Outcome {
	case OutcomeProcessed:
		entry.WithField("ledger_rows", result.LedgerRows).Info("webhook event processed")
	case OutcomeAnomaly:
		entry.WithError(err).Warn("webhook event rejected by subscription guard")
	default:
		entry.WithError(err).Error("webhook event processing failed")
	}

	r.markProcessed(ctx, inboxID, ack.Outcome, err, fields)

	if err == nil && result.Subscription != nil && r.publisher != nil {
		n := ChangeNotification{
			EventID:   env.ID,
			EventType: env.Type,
			Outcome:   ack.Outcome,
			State:     *result.Subscription,
		}
		if perr := r.publisher.PublishSubscriptionChanged(ctx, n); perr != nil {
			r.metrics.PublishFailure()
			r.log.WithFields(fields).WithError(perr).Warn("failed to publish subscription change")
		}
	}

	return ack, nil
}

func (r *Router) markProcessed(ctx context.Context, inboxID uint, outcome Outcome, err error, fields logrus.Fields) {
	if inboxID == 0 {
		return
	}
	processingError := ""
	if err != nil {
		processingError = err.Error()
	}
	if merr := r.events.MarkWebhookProcessed(ctx, inboxID, outcome, processingError); merr != nil {
		r.log.WithFields(fields).WithError(merr).Error("failed to mark webhook event processed")
	}
}

func invoke(ctx context.Context, handler Handler, env *Envelope) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Result{}
			err = &InternalError{EventID: env.ID, Cause: rec}
		}
	}()
	return handler.Handle(ctx, env)
}
