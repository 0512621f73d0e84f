package helix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kaedren/twitchsub/core/domain"
	"github.com/kaedren/twitchsub/core/ports"
	"github.com/kaedren/twitchsub/core/registry"
	"github.com/kaedren/twitchsub/internal/ratelimit"
)

const maxRetryIterations = 5

const fixedServiceUnavailableWait = time.Second

// Client dispatches one Helix call per registered endpoint name, applying
// validation, auth selection, retry, and response classification per
// spec.md §4.4.
type Client struct {
	transport     ports.Transport
	registry      *registry.Registry
	rateLimiter   *ratelimit.Manager
	clock         ports.Clock
	tokenProvider ports.TokenProvider
	clientID      string
	logger        *slog.Logger
	recorder      ports.Recorder
}

// NewClient builds a Helix client.
func NewClient(
	transport ports.Transport,
	reg *registry.Registry,
	rateLimiter *ratelimit.Manager,
	clock ports.Clock,
	tokenProvider ports.TokenProvider,
	clientID string,
	logger *slog.Logger,
) *Client {
	return &Client{
		transport:     transport,
		registry:      reg,
		rateLimiter:   rateLimiter,
		clock:         clock,
		tokenProvider: tokenProvider,
		clientID:      clientID,
		logger:        logger,
		recorder:      ports.NoopRecorder{},
	}
}

// SetRecorder wires a Recorder (internal/telemetry.Provider, typically) in
// place of the default no-op. Call before the client starts serving
// requests; it is not safe to swap concurrently with in-flight calls.
func (c *Client) SetRecorder(r ports.Recorder) {
	c.recorder = r
}

// CallOptions configures one Call invocation.
type CallOptions struct {
	Query           map[string]ports.QueryValue
	Body            any
	UserAccessToken string
	AppAccessToken  string
	Cancel          <-chan struct{}
}

// Call dispatches a single Helix call by endpoint name (spec.md §4.4).
func (c *Client) Call(ctx context.Context, endpointName string, opts CallOptions) (result any, err error) {
	ctx, endSpan := c.recorder.StartSpan(ctx, "helix.call."+endpointName)
	defer func() { endSpan(err) }()

	descriptor, ok := c.registry.LookupEndpoint(endpointName)
	if !ok {
		return nil, &domain.ApiError{Endpoint: endpointName, Message: "unknown endpoint"}
	}

	query := make(map[string]any, len(opts.Query))
	for k, v := range opts.Query {
		query[k] = v
	}
	if err := validateAgainst("query", descriptor.RequestQuery, query); err != nil {
		return nil, err
	}
	if err := validateAgainst("body", descriptor.RequestBody, opts.Body); err != nil {
		return nil, err
	}

	token, usingUserToken, err := c.selectAuth(descriptor, opts)
	if err != nil {
		return nil, err
	}

	if usingUserToken && !descriptor.Auth.UserScopes.IsZero() {
		granted, err := c.tokenProvider.Scopes(ctx, token)
		if err != nil {
			return nil, &domain.AuthorizationError{Endpoint: endpointName, Err: err}
		}
		if !descriptor.Auth.UserScopes.Satisfies(granted) {
			return nil, &domain.InsufficientScopesError{
				Endpoint: endpointName,
				Required: descriptor.Auth.UserScopes,
				Granted:  granted,
			}
		}
	}

	requestID := uuid.NewString()
	headers := map[string]string{"Client-Id": c.clientID, "X-Twitchsub-Request-Id": requestID}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	req := ports.FetchRequest{
		Method:  descriptor.Method,
		URL:     descriptor.Path,
		Headers: headers,
		Query:   opts.Query,
		Body:    opts.Body,
		Cancel:  opts.Cancel,
	}

	refreshed := false
	var resp ports.FetchResponse

	for iteration := 0; iteration < maxRetryIterations; iteration++ {
		resp, err = c.transport.Fetch(ctx, req)
		if err != nil {
			c.logger.Error("helix request failed", slog.String("request_id", requestID), slog.String("endpoint", endpointName), slog.String("error", err.Error()))
			return nil, err
		}
		c.rateLimiter.OnRequestAttempt(resp.Headers)
		c.recorder.SetRateLimitRemaining(c.rateLimiter.GetRateLimitState().Remaining)

		switch {
		case resp.Status == 401 && !refreshed && usingUserToken && c.tokenProvider.CanRefresh(token):
			refreshed = true
			newToken, refreshErr := c.tokenProvider.Refresh(ctx, token)
			if refreshErr != nil {
				return nil, &domain.AuthorizationError{Endpoint: endpointName, Err: refreshErr}
			}
			token = newToken
			retryHeaders := make(map[string]string, len(req.Headers))
			for k, v := range req.Headers {
				retryHeaders[k] = v
			}
			retryHeaders["Authorization"] = "Bearer " + token
			req.Headers = retryHeaders
			continue

		case resp.Status == 429:
			wait := c.rateLimiter.OnRateLimitHit()
			c.logger.Warn("helix rate limited, backing off", slog.String("request_id", requestID), slog.String("endpoint", endpointName), slog.Duration("wait", wait))
			if err := c.clock.Sleep(ctx, wait, opts.Cancel); err != nil {
				return nil, err
			}
			continue

		case resp.Status == 503:
			if err := c.clock.Sleep(ctx, fixedServiceUnavailableWait, opts.Cancel); err != nil {
				return nil, err
			}
			continue

		default:
		}
		break
	}

	return c.classify(descriptor, endpointName, resp)
}

func (c *Client) selectAuth(descriptor domain.EndpointDescriptor, opts CallOptions) (token string, usingUserToken bool, err error) {
	if opts.UserAccessToken != "" && descriptor.Auth.UserAccessToken {
		return opts.UserAccessToken, true, nil
	}
	if opts.AppAccessToken != "" && descriptor.Auth.AppAccessToken {
		return opts.AppAccessToken, false, nil
	}
	if descriptor.Auth.RequiresAuth() {
		return "", false, &domain.AuthorizationError{Endpoint: descriptor.Name, Err: domain.ErrNoEligibleToken}
	}
	return "", false, nil
}

func (c *Client) classify(descriptor domain.EndpointDescriptor, endpointName string, resp ports.FetchResponse) (any, error) {
	switch {
	case descriptor.IsSuccess(resp.Status):
		c.rateLimiter.OnSuccessfulRequest()
		if descriptor.ResponseBody != nil {
			if len(resp.Body) == 0 {
				return nil, &domain.ApiError{Status: resp.Status, Endpoint: endpointName, Message: "empty response body"}
			}
			var raw any
			if err := json.Unmarshal(resp.Body, &raw); err != nil {
				return nil, &domain.ApiError{Status: resp.Status, Endpoint: endpointName, Message: "invalid response body: " + err.Error()}
			}
			return descriptor.ResponseBody.Parse(raw)
		}
		if len(resp.Body) != 0 {
			return nil, &domain.ApiError{Status: resp.Status, Endpoint: endpointName, Message: "unexpected non-empty response body"}
		}
		return nil, nil

	case resp.Status == 429:
		return nil, &domain.RateLimitError{
			ApiError: domain.ApiError{Status: resp.Status, Endpoint: endpointName, Message: "rate limit exceeded"},
			State:    c.rateLimiter.GetRateLimitState(),
		}

	case descriptor.IsDeclaredError(resp.Status):
		return nil, &domain.ApiError{Status: resp.Status, Endpoint: endpointName, Message: string(resp.Body)}

	default:
		return nil, &domain.ApiError{Status: resp.Status, Endpoint: endpointName, Message: "unexpected status"}
	}
}

func validateAgainst(field string, schema domain.SchemaValidator, value any) error {
	if schema == nil {
		if isEmptyRequestValue(value) {
			return nil
		}
		return &domain.ValidationError{
			Field: field,
			Err:   fmt.Errorf("endpoint declares no %s schema, but a non-empty %s was supplied", field, field),
		}
	}
	if value == nil {
		value = map[string]any{}
	}
	if _, err := schema.Parse(value); err != nil {
		var valErr *domain.ValidationError
		if errors.As(err, &valErr) {
			return valErr
		}
		return &domain.ValidationError{Field: field, Err: err}
	}
	return nil
}

// isEmptyRequestValue reports whether value carries nothing a caller would
// expect an endpoint without a declared schema to accept: a nil value, or
// an empty query map.
func isEmptyRequestValue(value any) bool {
	if value == nil {
		return true
	}
	if m, ok := value.(map[string]any); ok {
		return len(m) == 0
	}
	return false
}
