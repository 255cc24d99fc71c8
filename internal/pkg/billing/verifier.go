package billing

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuelReschke/billingfox/internal/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Verifier authenticates raw webhook payloads and decodes the envelope.
type Verifier struct {
	secret    string
	tolerance time.Duration
	validate  *validator.Validate
	log       *logrus.Logger
	metrics   *metrics.Metrics
}

// NewVerifier creates a verifier. An empty secret accepts unsigned payloads
// and logs a warning on every delivery.
func NewVerifier(secret string, log *logrus.Logger, m *metrics.Metrics) *Verifier {
	if log == nil {
		log = logrus.New()
	}
	return &Verifier{
		secret:    secret,
		tolerance: webhook.DefaultTolerance,
		validate:  validator.New(),
		log:       log,
		metrics:   m,
	}
}

func (v *Verifier) Enforcing() bool {
	return v.secret != ""
}

// Verify returns a *SignatureError or *PayloadError on failure.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (*Envelope, error) {
	var env *Envelope
	if v.secret == "" {
		v.metrics.UnverifiedWebhook()
		v.log.Warn("webhook secret not configured, accepting unverified payload")

		env = &Envelope{}
		if err := json.Unmarshal(payload, env); err != nil {
			return nil, &PayloadError{Err: err}
		}
	} else {
		event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
			Tolerance:                v.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			if isSignatureFailure(err) {
				return nil, &SignatureError{Err: err}
			}
			return nil, &PayloadError{Err: err}
		}
		env = &Envelope{
			ID:       event.ID,
			Type:     string(event.Type),
			Created:  event.Created,
			Verified: true,
		}
		if event.Data != nil {
			env.Data.Object = event.Data.Raw
		}
	}

	if err := v.validate.Struct(env); err != nil {
		return nil, &PayloadError{Err: err}
	}
	env.Raw = payload
	return env, nil
}

func isSignatureFailure(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
