package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that do not carry extra structured data.
var (
	// ErrNoEligibleToken is returned when an endpoint requires auth and no
	// eligible token was supplied (spec.md §4.4 step 2).
	ErrNoEligibleToken = errors.New("twitchsub: no eligible access token for endpoint")

	// ErrEmptySubscriptionData is returned when CreateEventSubSubscription
	// returns an empty data array (spec.md §4.6 step 4).
	ErrEmptySubscriptionData = errors.New("twitchsub: subscription create returned no data")

	// ErrUnknownSubscription is returned by Unsubscribe for an unknown id
	// (spec.md §4.6 Unsubscribe step 1).
	ErrUnknownSubscription = errors.New("twitchsub: unknown subscription id")

	// ErrMissingRateLimitHeaders is a fatal transport error (spec.md §4.2).
	ErrMissingRateLimitHeaders = errors.New("twitchsub: response missing rate-limit headers")

	// ErrCancelled is returned by any suspension point whose cancel token
	// fired (spec.md §5 Cancellation).
	ErrCancelled = errors.New("twitchsub: operation cancelled")
)

// ValidationError is a client-side schema mismatch, raised before any
// network I/O (spec.md §7 "Validation failure").
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("twitchsub: validation failed for %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("twitchsub: validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AuthorizationError covers a missing eligible token, a failed scope lookup,
// or a failed token refresh (spec.md §7 "Authorization failure").
// Insufficient scopes are reported with the separate InsufficientScopesError
// type, which does not wrap an AuthorizationError.
type AuthorizationError struct {
	Endpoint string
	Err      error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("twitchsub: authorization failed for %s: %v", e.Endpoint, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// InsufficientScopesError is raised when a user token lacks scopes an
// endpoint requires (spec.md §4.4 step 3).
type InsufficientScopesError struct {
	Endpoint string
	Required ScopeSet
	Granted  []string
}

func (e *InsufficientScopesError) Error() string {
	return fmt.Sprintf("twitchsub: insufficient scopes for %s: need %v, have %v",
		e.Endpoint, e.Required.RequiredScopes(), e.Granted)
}

// ApiError wraps a final HTTP response whose status was not a declared
// success code (spec.md §4.4 step 7, §7 "Unexpected status").
type ApiError struct {
	Status   int
	Endpoint string
	Message  string
}

func (e *ApiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("twitchsub: %s returned status %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("twitchsub: %s returned unexpected status %d", e.Endpoint, e.Status)
}

// RateLimitState is a point-in-time snapshot of rate-limit bookkeeping
// (spec.md §3 "Rate-limit state").
type RateLimitState struct {
	Limit           int
	Remaining       int
	ResetAtUnixMs   int64
	ConsecutiveHits int
}

// RateLimitError is a subtype of ApiError raised after exhausting retries on
// 429 (spec.md §4.4 step 7, §7 "Rate-limit exhausted").
type RateLimitError struct {
	ApiError
	State RateLimitState
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (remaining=%d/%d, resets at %d)",
		e.ApiError.Error(), e.State.Remaining, e.State.Limit, e.State.ResetAtUnixMs)
}

func (e *RateLimitError) Unwrap() error { return &e.ApiError }

// TransportError covers missing rate-limit headers, network errors, and
// cancelled requests (spec.md §7 "Transport failure").
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("twitchsub: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an unrecoverable WebSocket protocol violation: malformed
// frame, duplicate welcome, unknown message type (spec.md §7 "Protocol
// failure (WS)").
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("twitchsub: websocket protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("twitchsub: websocket protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RevocationError is thrown into a subscription's generator when Twitch
// revokes it (spec.md §7 "Revocation", testable property 3).
type RevocationError struct {
	SubscriptionID string
	Reason         string
}

func (e *RevocationError) Error() string {
	return fmt.Sprintf("twitchsub: subscription %s revoked: %s", e.SubscriptionID, e.Reason)
}

// WebhookError is raised by webhook request parsing failures (spec.md §4.7).
type WebhookError struct {
	Reason string
	Err    error
}

func (e *WebhookError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("twitchsub: webhook request rejected: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("twitchsub: webhook request rejected: %s", e.Reason)
}

func (e *WebhookError) Unwrap() error { return e.Err }

// NewWebhookError builds a WebhookError with only a reason, no inner cause.
func NewWebhookError(reason string) *WebhookError {
	return &WebhookError{Reason: reason}
}
