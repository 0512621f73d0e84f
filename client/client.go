// Package client is the module's composition root: it builds a Helix
// client, a WebSocket EventSub client, and (when a callback URL is
// configured) a webhook EventSub client from a single config.Config,
// wiring internal/telemetry through all three. Adapted from the teacher's
// engine.Engine composition root (config → repos/services → router →
// Init/Run/Shutdown), narrowed to a library with no HTTP server or
// database: there is no Run loop here, since hosting a server is the
// caller's job, not this module's (spec.md §1 Non-goals).
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaedren/twitchsub/core/ports"
	"github.com/kaedren/twitchsub/core/registry"
	"github.com/kaedren/twitchsub/internal/config"
	"github.com/kaedren/twitchsub/internal/helix"
	"github.com/kaedren/twitchsub/internal/ratelimit"
	"github.com/kaedren/twitchsub/internal/telemetry"
	"github.com/kaedren/twitchsub/internal/webhook"
	"github.com/kaedren/twitchsub/internal/wsclient"
	"github.com/kaedren/twitchsub/internal/wsproto"
)

// Client composes the Helix and EventSub cores behind a single handle.
// Zero value is not usable; build one with New.
type Client struct {
	Helix     *helix.Client
	Realtime  *wsclient.Client
	Webhook   *webhook.Client // nil unless Options.CallbackURL is set
	Telemetry *telemetry.Provider
}

// Options supplies the collaborators spec.md names as external: the
// catalogue (Registry defaults to registry.DefaultCatalog when nil), the
// OAuth token provider (required), an optional *http.Client (defaults to
// one using cfg.Helix.RequestTimeout), and an optional logger (defaults to
// slog.Default()). A caller hosting its own webhook HTTP server sets CallbackURL to receive a
// non-nil Client.Webhook wired to forward requests into.
type Options struct {
	Registry      *registry.Registry
	TokenProvider ports.TokenProvider
	CallbackURL   string
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// New builds a Client from cfg and opts, grounded on engine.New's
// "load config, connect collaborators, return an unstarted handle" shape.
// Unlike engine.New it never touches a database or starts a server; the
// returned Client is immediately ready for Helix.Call and Realtime.Subscribe.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := opts.Registry
	if reg == nil {
		reg = registry.DefaultCatalog()
	}

	if opts.TokenProvider == nil {
		return nil, fmt.Errorf("build client: TokenProvider is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Helix.RequestTimeout}
	}

	telProvider, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("build client: init telemetry: %w", err)
	}

	transport := helix.NewHTTPTransport(httpClient)
	rateLimiter := ratelimit.New(logger, time.Now)

	helixClient := helix.NewClient(
		transport,
		reg,
		rateLimiter,
		helix.SystemClock{},
		opts.TokenProvider,
		cfg.Helix.ClientID,
		logger,
	)
	helixClient.SetRecorder(telProvider)

	dialer := wsproto.NewGorillaDialer(cfg.Realtime.HandshakeTimeout)
	realtimeClient := wsclient.New(
		helixClient,
		reg,
		dialer,
		cfg.Realtime.WebSocketURL,
		cfg.Realtime.KeepaliveTimeoutSeconds,
		logger,
	)
	realtimeClient.SetRecorder(telProvider)

	c := &Client{
		Helix:     helixClient,
		Realtime:  realtimeClient,
		Telemetry: telProvider,
	}

	if opts.CallbackURL != "" {
		webhookClient := webhook.New(helixClient, reg, opts.CallbackURL, logger)
		webhookClient.SetRecorder(telProvider)
		c.Webhook = webhookClient
	}

	return c, nil
}

// Shutdown flushes telemetry. It does not close an open EventSub WebSocket
// session; Subscription.Unsubscribe removes a subscription and closes its
// generator but leaves the session itself open.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.Telemetry == nil {
		return nil
	}
	return c.Telemetry.Shutdown(ctx)
}

// MetricsHandler exposes the Prometheus exposition endpoint for this
// Client's telemetry. Mounting it on an HTTP server is the caller's
// responsibility.
func (c *Client) MetricsHandler() http.Handler {
	return c.Telemetry.MetricsHandler()
}

// Subscribe is a convenience wrapper over Realtime.Subscribe using the
// zero-value SubscribeOptions, for callers that don't need a user access
// token override or a cancel channel.
func (c *Client) Subscribe(ctx context.Context, eventKey string, condition map[string]any) (*wsclient.Subscription, error) {
	return c.Realtime.Subscribe(ctx, eventKey, condition, wsclient.SubscribeOptions{})
}
