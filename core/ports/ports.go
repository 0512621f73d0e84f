// Package ports declares the interfaces the EventSub and Helix cores depend
// on but do not implement: the HTTP/WebSocket transports, token acquisition,
// and the clock. Concrete adapters live under internal/.
package ports

import (
	"context"
	"time"
)

// QueryValue is a single query-parameter value: either one string or a
// string slice, which produces repeated query parameters in insertion
// order (spec.md §4.2).
type QueryValue any

// FetchRequest is the single-operation contract of the HTTP transport
// (spec.md §4.2).
type FetchRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]QueryValue
	Body    any // marshalled as JSON when non-nil

	// Cancel is a cooperative cancellation channel; closing it aborts an
	// in-flight request. May be nil.
	Cancel <-chan struct{}
}

// RateLimitHeaders is the parsed `Ratelimit-*` response header triplet
// (spec.md §4.2, §6).
type RateLimitHeaders struct {
	Limit     int
	Remaining int
	Reset     int64 // unix seconds
}

// FetchResponse is what the HTTP transport returns for one request.
type FetchResponse struct {
	Status  int
	Body    []byte
	Headers RateLimitHeaders
}

// Transport executes a single HTTP request and returns status, raw body,
// and parsed rate-limit headers. Absence of rate-limit headers is a fatal
// transport error (spec.md §4.2).
type Transport interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Conn is the WebSocket connection contract a Session is built on top of.
// Implementations wrap a concrete library connection (gorilla/websocket in
// this module's case).
type Conn interface {
	// ReadMessage blocks for the next frame. ok is false for non-text
	// frames (binary, ping/pong/close handled internally by the
	// implementation and not surfaced here).
	ReadMessage() (data []byte, ok bool, err error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a new Conn to a URL (spec.md §4.5 `fromUrl`).
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// TokenProvider reports the scopes of a caller-supplied user access token,
// and can refresh a user token when the Helix client sees a 401 (spec.md §4.4 step 6,
// "Source note" open question #2). OAuth acquisition itself is out of
// scope (spec.md §1); this is the narrow seam the Helix core calls into.
type TokenProvider interface {
	// Scopes returns the scopes currently granted to the given user
	// access token.
	Scopes(ctx context.Context, userAccessToken string) ([]string, error)

	// CanRefresh reports whether this provider is able to refresh the
	// given user access token.
	CanRefresh(userAccessToken string) bool

	// Refresh exchanges an expired user access token for a new one.
	Refresh(ctx context.Context, userAccessToken string) (newToken string, err error)
}

// Clock abstracts time for deterministic tests of the rate-limit manager
// and retry/backoff loops.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration, cancel <-chan struct{}) error
}

// Recorder is the narrow observability seam the Helix and EventSub cores
// record spans and domain metrics through, so neither core imports the
// OpenTelemetry SDK directly. The concrete implementation is
// internal/telemetry.Provider; Client constructors default to
// NoopRecorder and accept an override via SetRecorder.
type Recorder interface {
	// StartSpan starts a span named name, returning a derived context and
	// a function that ends the span, recording err (nil for success).
	StartSpan(ctx context.Context, name string) (context.Context, func(err error))

	// IncActiveSubscriptions adjusts the active EventSub subscription
	// gauge by delta (positive on subscribe, negative on unsubscribe).
	IncActiveSubscriptions(delta int)

	// IncReconnects increments the WebSocket reconnect counter.
	IncReconnects()

	// SetRateLimitRemaining records the Helix rate-limit budget remaining
	// after the most recently observed response.
	SetRateLimitRemaining(n int)
}

// NoopRecorder discards everything. It is the default Recorder for
// Helix/EventSub clients built without telemetry wired in.
type NoopRecorder struct{}

func (NoopRecorder) StartSpan(ctx context.Context, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (NoopRecorder) IncActiveSubscriptions(int) {}
func (NoopRecorder) IncReconnects()              {}
func (NoopRecorder) SetRateLimitRemaining(int)   {}
