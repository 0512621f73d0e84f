package helix

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaedren/twitchsub/core/domain"
	"github.com/kaedren/twitchsub/core/ports"
	"github.com/kaedren/twitchsub/core/registry"
	"github.com/kaedren/twitchsub/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport returns a scripted sequence of responses/errors, one per
// Fetch call.
type fakeTransport struct {
	responses []ports.FetchResponse
	errs      []error
	calls     []ports.FetchRequest
	i         int
}

func (f *fakeTransport) Fetch(ctx context.Context, req ports.FetchRequest) (ports.FetchResponse, error) {
	f.calls = append(f.calls, req)
	idx := f.i
	f.i++
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return f.responses[idx], err
}

func okHeaders() ports.RateLimitHeaders {
	return ports.RateLimitHeaders{Limit: 800, Remaining: 799, Reset: time.Now().Unix() + 60}
}

type fakeTokenProvider struct {
	scopes       []string
	scopesErr    error
	canRefresh   bool
	refreshToken string
	refreshErr   error
}

func (f *fakeTokenProvider) Scopes(ctx context.Context, token string) ([]string, error) {
	return f.scopes, f.scopesErr
}
func (f *fakeTokenProvider) CanRefresh(token string) bool { return f.canRefresh }
func (f *fakeTokenProvider) Refresh(ctx context.Context, token string) (string, error) {
	return f.refreshToken, f.refreshErr
}

type fakeClock struct{ slept []time.Duration }

func (f *fakeClock) Now() time.Time { return time.Now() }
func (f *fakeClock) Sleep(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
	f.slept = append(f.slept, d)
	return nil
}

func newTestRegistry() *registry.Registry {
	r := registry.New()
	r.RegisterEndpoint(domain.EndpointDescriptor{
		Name:         "GetUsers",
		Method:       http.MethodGet,
		Path:         "https://api.twitch.tv/helix/users",
		ResponseBody: registry.AnyValidator{},
		SuccessCodes: []int{http.StatusOK},
		ErrorCodes:   []int{http.StatusBadRequest},
		Auth: domain.AuthRequirement{
			UserAccessToken: true,
			AppAccessToken:  true,
		},
	})
	r.RegisterEndpoint(domain.EndpointDescriptor{
		Name:         "ScopedEndpoint",
		Method:       http.MethodGet,
		Path:         "https://api.twitch.tv/helix/scoped",
		SuccessCodes: []int{http.StatusOK},
		Auth: domain.AuthRequirement{
			UserAccessToken: true,
			UserScopes:      domain.NewScope("channel:read:subscriptions"),
		},
	})
	r.RegisterEndpoint(domain.EndpointDescriptor{
		Name:   "NoAuthEndpoint",
		Method: http.MethodGet,
		Path:   "https://api.twitch.tv/helix/public",
		SuccessCodes: []int{http.StatusOK},
	})
	return r
}

func TestCallSuccessWithUserTokenPreferred(t *testing.T) {
	transport := &fakeTransport{responses: []ports.FetchResponse{
		{Status: http.StatusOK, Body: []byte(`{"ok":true}`), Headers: okHeaders()},
	}}
	rl := ratelimit.New(testLogger(), nil)
	client := NewClient(transport, newTestRegistry(), rl, &fakeClock{}, &fakeTokenProvider{}, "cid", testLogger())

	result, err := client.Call(context.Background(), "GetUsers", CallOptions{
		UserAccessToken: "user-tok",
		AppAccessToken:  "app-tok",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)
	assert.Equal(t, "Bearer user-tok", transport.calls[0].Headers["Authorization"])
}

func TestCallFallsBackToAppToken(t *testing.T) {
	transport := &fakeTransport{responses: []ports.FetchResponse{
		{Status: http.StatusOK, Body: []byte(`{}`), Headers: okHeaders()},
	}}
	rl := ratelimit.New(testLogger(), nil)
	client := NewClient(transport, newTestRegistry(), rl, &fakeClock{}, &fakeTokenProvider{}, "cid", testLogger())

	_, err := client.Call(context.Background(), "GetUsers", CallOptions{AppAccessToken: "app-tok"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer app-tok", transport.calls[0].Headers["Authorization"])
}

func TestCallNoEligibleTokenFailsWithoutHTTPCall(t *testing.T) {
	transport := &fakeTransport{}
	rl := ratelimit.New(testLogger(), nil)
	client := NewClient(transport, newTestRegistry(), rl, &fakeClock{}, &fakeTokenProvider{}, "cid", testLogger())

	_, err := client.Call(context.Background(), "GetUsers", CallOptions{})
	var authErr *domain.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Empty(t, transport.calls)
}

func TestCallInsufficientScopes(t *testing.T) {
	transport := &fakeTransport{responses: []ports.FetchResponse{
		{Status: http.StatusOK, Headers: okHeaders()},
	}}
	rl := ratelimit.New(testLogger(), nil)
	tp := &fakeTokenProvider{scopes: []string{"user:read:email"}}
	client := NewClient(transport, newTestRegistry(), rl, &fakeClock{}, tp, "cid", testLogger())

	_, err := client.Call(context.Background(), "ScopedEndpoint", CallOptions{UserAccessToken: "tok"})
	var scopeErr *domain.InsufficientScopesError
	require.ErrorAs(t, err, &scopeErr)
	assert.Empty(t, transport.calls)
}

func TestCallRefreshesOnceOn401(t *testing.T) {
	transport := &fakeTransport{responses: []ports.FetchResponse{
		{Status: http.StatusUnauthorized, Headers: okHeaders()},
		{Status: http.StatusOK, Body: []byte(`{}`), Headers: okHeaders()},
	}}
	rl := ratelimit.New(testLogger(), nil)
	tp := &fakeTokenProvider{canRefresh: true, refreshToken: "new-tok"}
	client := NewClient(transport, newTestRegistry(), rl, &fakeClock{}, tp, "cid", testLogger())

	_, err := client.Call(context.Background(), "GetUsers", CallOptions{UserAccessToken: "old-tok"})
	require.NoError(t, err)
	require.Len(t, transport.calls, 2)
	assert.Equal(t, "Bearer old-tok", transport.calls[0].Headers["Authorization"])
	assert.Equal(t, "Bearer new-tok", transport.calls[1].Headers["Authorization"])
}

func TestCallRetriesOnlyOnceOn401(t *testing.T) {
	responses := make([]ports.FetchResponse, maxRetryIterations+2)
	for i := range responses {
		responses[i] = ports.FetchResponse{Status: http.StatusUnauthorized, Headers: okHeaders()}
	}
	transport := &fakeTransport{responses: responses}
	rl := ratelimit.New(testLogger(), nil)
	tp := &fakeTokenProvider{canRefresh: true, refreshToken: "new-tok"}
	client := NewClient(transport, newTestRegistry(), rl, &fakeClock{}, tp, "cid", testLogger())

	_, err := client.Call(context.Background(), "GetUsers", CallOptions{UserAccessToken: "old-tok"})
	require.Error(t, err)
	// One refresh attempt, then the second 401 after refresh ends the loop
	// without another refresh or retry — exactly 2 calls.
	assert.Len(t, transport.calls, 2)
}

func TestCallWaitsOnRateLimitThenSucceeds(t *testing.T) {
	transport := &fakeTransport{responses: []ports.FetchResponse{
		{Status: http.StatusTooManyRequests, Headers: ports.RateLimitHeaders{Limit: 800, Remaining: 0, Reset: time.Now().Unix()}},
		{Status: http.StatusOK, Headers: okHeaders()},
	}}
	rl := ratelimit.New(testLogger(), nil)
	clock := &fakeClock{}
	client := NewClient(transport, newTestRegistry(), rl, clock, &fakeTokenProvider{}, "cid", testLogger())

	_, err := client.Call(context.Background(), "NoAuthEndpoint", CallOptions{})
	require.NoError(t, err)
	require.Len(t, clock.slept, 1)
}

func TestCallRateLimitExhaustedRaisesRateLimitError(t *testing.T) {
	responses := make([]ports.FetchResponse, maxRetryIterations)
	for i := range responses {
		responses[i] = ports.FetchResponse{Status: http.StatusTooManyRequests, Headers: ports.RateLimitHeaders{Limit: 800, Remaining: 0, Reset: time.Now().Unix()}}
	}
	transport := &fakeTransport{responses: responses}
	rl := ratelimit.New(testLogger(), nil)
	client := NewClient(transport, newTestRegistry(), rl, &fakeClock{}, &fakeTokenProvider{}, "cid", testLogger())

	_, err := client.Call(context.Background(), "NoAuthEndpoint", CallOptions{})
	var rlErr *domain.RateLimitError
	require.ErrorAs(t, err, &rlErr)
}

func TestCallWaitsFixedDurationOn503(t *testing.T) {
	transport := &fakeTransport{responses: []ports.FetchResponse{
		{Status: http.StatusServiceUnavailable, Headers: okHeaders()},
		{Status: http.StatusOK, Headers: okHeaders()},
	}}
	rl := ratelimit.New(testLogger(), nil)
	clock := &fakeClock{}
	client := NewClient(transport, newTestRegistry(), rl, clock, &fakeTokenProvider{}, "cid", testLogger())

	_, err := client.Call(context.Background(), "NoAuthEndpoint", CallOptions{})
	require.NoError(t, err)
	require.Len(t, clock.slept, 1)
	assert.Equal(t, fixedServiceUnavailableWait, clock.slept[0])
}

func TestCallDeclaredErrorCode(t *testing.T) {
	transport := &fakeTransport{responses: []ports.FetchResponse{
		{Status: http.StatusBadRequest, Body: []byte("bad condition"), Headers: okHeaders()},
	}}
	rl := ratelimit.New(testLogger(), nil)
	client := NewClient(transport, newTestRegistry(), rl, &fakeClock{}, &fakeTokenProvider{}, "cid", testLogger())

	_, err := client.Call(context.Background(), "GetUsers", CallOptions{AppAccessToken: "tok"})
	var apiErr *domain.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestCallEmptyBodyWhenResponseExpectedIsError(t *testing.T) {
	transport := &fakeTransport{responses: []ports.FetchResponse{
		{Status: http.StatusOK, Headers: okHeaders()},
	}}
	rl := ratelimit.New(testLogger(), nil)
	client := NewClient(transport, newTestRegistry(), rl, &fakeClock{}, &fakeTokenProvider{}, "cid", testLogger())

	_, err := client.Call(context.Background(), "GetUsers", CallOptions{AppAccessToken: "tok"})
	var apiErr *domain.ApiError
	require.ErrorAs(t, err, &apiErr)
}
