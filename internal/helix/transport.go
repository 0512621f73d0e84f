// Package helix implements the authenticated, retrying Helix HTTP core
// (spec.md §4.4): transport.go is the single-operation ports.Transport
// adapter over net/http; client.go is the per-endpoint dispatcher.
//
// Grounded on the header-attachment and query-building shape of the
// twitch-client.go example's doRequest (Authorization/Client-Id headers,
// url.Values query encoding), adapted to spec.md §4.2's exact contract:
// one fetch operation returning parsed rate-limit headers, with a
// cooperative cancel channel instead of doRequest's context-only model.
package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kaedren/twitchsub/core/domain"
	"github.com/kaedren/twitchsub/core/ports"
)

// HTTPTransport implements ports.Transport over net/http.
type HTTPTransport struct {
	httpClient *http.Client
}

// NewHTTPTransport builds an HTTPTransport using the given http.Client.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	return &HTTPTransport{httpClient: client}
}

// Fetch implements ports.Transport (spec.md §4.2).
func (t *HTTPTransport) Fetch(ctx context.Context, req ports.FetchRequest) (ports.FetchResponse, error) {
	reqURL, err := buildURL(req.URL, req.Query)
	if err != nil {
		return ports.FetchResponse{}, &domain.TransportError{Op: "build url", Err: err}
	}

	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return ports.FetchResponse{}, &domain.TransportError{Op: "encode body", Err: err}
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL, bodyReader)
	if err != nil {
		return ports.FetchResponse{}, &domain.TransportError{Op: "build request", Err: err}
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if req.Cancel != nil {
		cancelCtx, cancel := context.WithCancel(httpReq.Context())
		defer cancel()
		httpReq = httpReq.WithContext(cancelCtx)

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-req.Cancel:
				cancel()
			case <-done:
			}
		}()
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		select {
		case <-req.Cancel:
			return ports.FetchResponse{}, domain.ErrCancelled
		default:
		}
		return ports.FetchResponse{}, &domain.TransportError{Op: "do request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ports.FetchResponse{}, &domain.TransportError{Op: "read body", Err: err}
	}

	headers, err := parseRateLimitHeaders(resp.Header)
	if err != nil {
		return ports.FetchResponse{}, err
	}

	return ports.FetchResponse{
		Status:  resp.StatusCode,
		Body:    body,
		Headers: headers,
	}, nil
}

// buildURL appends query parameters to base, repeating array values in
// insertion order (spec.md §4.2).
func buildURL(base string, query map[string]ports.QueryValue) (string, error) {
	if len(query) == 0 {
		return base, nil
	}

	values := url.Values{}
	for k, v := range query {
		switch val := v.(type) {
		case string:
			values.Add(k, val)
		case []string:
			for _, s := range val {
				values.Add(k, s)
			}
		default:
			return "", fmt.Errorf("unsupported query value type %T for key %q", v, k)
		}
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	parsed.RawQuery = values.Encode()
	return parsed.String(), nil
}

// parseRateLimitHeaders extracts Ratelimit-Limit/Remaining/Reset. Their
// absence is a fatal transport error (spec.md §4.2).
func parseRateLimitHeaders(h http.Header) (ports.RateLimitHeaders, error) {
	limitStr := h.Get("Ratelimit-Limit")
	remainingStr := h.Get("Ratelimit-Remaining")
	resetStr := h.Get("Ratelimit-Reset")

	if limitStr == "" || remainingStr == "" || resetStr == "" {
		return ports.RateLimitHeaders{}, domain.ErrMissingRateLimitHeaders
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return ports.RateLimitHeaders{}, &domain.TransportError{Op: "parse Ratelimit-Limit", Err: err}
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return ports.RateLimitHeaders{}, &domain.TransportError{Op: "parse Ratelimit-Remaining", Err: err}
	}
	reset, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return ports.RateLimitHeaders{}, &domain.TransportError{Op: "parse Ratelimit-Reset", Err: err}
	}

	return ports.RateLimitHeaders{Limit: limit, Remaining: remaining, Reset: reset}, nil
}
