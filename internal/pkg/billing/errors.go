package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkNotFound is matched by every LinkNotFoundError.
	ErrLinkNotFound = errors.New("no profile linked to provider customer")
	// ErrSubscriptionCancelled rejects events for a subscription in its terminal status.
	ErrSubscriptionCancelled = errors.New("subscription is cancelled")
	// ErrSubscriptionMismatch rejects events naming a provider subscription the user no longer holds.
	ErrSubscriptionMismatch = errors.New("event references a different provider subscription")
	// ErrSubscriptionStale marks an event older than the last one applied to the subscription.
	ErrSubscriptionStale = errors.New("event is older than the subscription state")
	// ErrEventNotFound is returned when replaying an event that was never stored.
	ErrEventNotFound = errors.New("webhook event not found")
)

// SignatureError means the payload could not be authenticated.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature verification failed: %v", e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// PayloadError means the payload was authentic (or unverified) but not a valid event envelope.
type PayloadError struct {
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid webhook payload: %v", e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// LinkNotFoundError means no profile carries the provider customer id.
type LinkNotFoundError struct {
	CustomerID string
	UserID     uint
}

func (e *LinkNotFoundError) Error() string {
	if e.UserID != 0 {
		return fmt.Sprintf("no profile for user %d (customer %q)", e.UserID, e.CustomerID)
	}
	return fmt.Sprintf("no profile linked to customer %q", e.CustomerID)
}

func (e *LinkNotFoundError) Is(target error) bool { return target == ErrLinkNotFound }

// DownstreamWriteError wraps a failed state store or ledger write.
type DownstreamWriteError struct {
	Op  string
	Err error
}

func (e *DownstreamWriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DownstreamWriteError) Unwrap() error { return e.Err }

// InternalError is an unexpected failure after verification succeeded.
type InternalError struct {
	EventID string
	Cause   interface{}
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error while processing event %s: %v", e.EventID, e.Cause)
}

// IsVerificationError reports whether err must be answered with 400.
func IsVerificationError(err error) bool {
	var sigErr *SignatureError
	var payloadErr *PayloadError
	return errors.As(err, &sigErr) || errors.As(err, &payloadErr)
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeProcessed
	case errors.Is(err, ErrLinkNotFound):
		return OutcomeLinkNotFound
	case errors.Is(err, ErrSubscriptionCancelled), errors.Is(err, ErrSubscriptionMismatch), errors.Is(err, ErrSubscriptionStale):
		return OutcomeAnomaly
	default:
		return OutcomeFailed
	}
}

func anomalyReason(err error) string {
	switch {
	case errors.Is(err, ErrSubscriptionCancelled):
		return "cancelled"
	case errors.Is(err, ErrSubscriptionMismatch):
		return "subscription_mismatch"
	case errors.Is(err, ErrSubscriptionStale):
		return "stale"
	default:
		return "other"
	}
}
