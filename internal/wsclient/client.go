// Package wsclient implements the EventSub WebSocket subscription
// multiplexer (spec.md §4.6): session lifecycle (open/migrate/activate),
// per-subscription generators, and reconnect/revocation handling.
//
// The map-of-state-plus-mutex and register/unregister ownership shape is
// adapted from watchdog's internal/core/realtime.Hub, generalized from
// "broadcast to many connected agents" to "multiplex one WebSocket session
// across many independently-unsubscribable subscriptions."
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	"github.com/kaedren/twitchsub/core/domain"
	"github.com/kaedren/twitchsub/core/ports"
	"github.com/kaedren/twitchsub/core/registry"
	"github.com/kaedren/twitchsub/internal/eventstream"
	"github.com/kaedren/twitchsub/internal/helix"
	"github.com/kaedren/twitchsub/internal/wsproto"
)

// recoverableCloseCodes is spec.md §4.6's recoverable set, extended with
// the local abnormal-closure sentinel wsproto uses when it tears down a
// session itself (keepalive expiry, protocol error) rather than receiving
// a close frame from the server (see DESIGN.md's open-question decision).
var recoverableCloseCodes = map[int]bool{
	1000: true,
	1001: true,
	1006: true, // local sentinel, see wsproto.abnormalClosureCode
	4000: true,
	4004: true,
	4005: true,
	4006: true,
	4007: true,
}

// HelixCaller is the subset of *helix.Client the multiplexer depends on.
type HelixCaller interface {
	Call(ctx context.Context, endpointName string, opts helix.CallOptions) (any, error)
}

// subState is the multiplexer's per-subscription record (spec.md §3
// "Subscription state (WS)").
type subState struct {
	id              string
	state           domain.SubscriptionLifecycleState
	request         domain.CreateSubscriptionRequest
	userAccessToken string
	generator       *eventstream.Generator[domain.NotificationEvent]
}

// Subscription is the handle returned by Subscribe (spec.md §4.6 step 7).
// It holds the underlying subState directly rather than a snapshot of its
// id, so it keeps working after a reconnect substitutes a new id for the
// same live subscription (spec.md §4.6 activateSession step 3).
type Subscription struct {
	client *Client
	state  *subState
}

// ID returns the subscription's current Helix subscription id. This may
// change across a reconnect that re-creates subscriptions.
func (s *Subscription) ID() string {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.state.id
}

// Each drains the subscription's generator, invoking cb per event, until
// the generator closes or ctx is cancelled.
func (s *Subscription) Each(ctx context.Context, cb func(domain.NotificationEvent)) error {
	return s.state.generator.Each(ctx, cb)
}

// Generator exposes the underlying generator directly (the "asyncIterable"
// of spec.md §4.6 step 7).
func (s *Subscription) Generator() *eventstream.Generator[domain.NotificationEvent] {
	return s.state.generator
}

// Unsubscribe removes the subscription (spec.md §4.6 Unsubscribe).
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.client.unsubscribeState(ctx, s.state)
}

type sessionFuture struct {
	done    chan struct{}
	session *wsproto.Session
	err     error
}

// Client is the EventSub WebSocket subscription multiplexer.
type Client struct {
	helix    HelixCaller
	registry *registry.Registry
	dialer   ports.Dialer
	logger   *slog.Logger

	wsURL             string
	keepaliveOverride int

	mu               sync.Mutex
	activeSession    *wsproto.Session
	activeGeneration uint64
	nextGeneration   uint64
	pendingFuture    *sessionFuture
	subscriptions    map[string]*subState

	recorder ports.Recorder
}

// New builds a WebSocket EventSub client.
func New(helixCaller HelixCaller, reg *registry.Registry, dialer ports.Dialer, wsURL string, keepaliveOverride int, logger *slog.Logger) *Client {
	return &Client{
		helix:             helixCaller,
		registry:          reg,
		dialer:            dialer,
		logger:            logger,
		wsURL:             wsURL,
		keepaliveOverride: keepaliveOverride,
		subscriptions:     make(map[string]*subState),
		recorder:          ports.NoopRecorder{},
	}
}

// SetRecorder wires a Recorder (internal/telemetry.Provider, typically) in
// place of the default no-op. Call before Subscribe is first used.
func (c *Client) SetRecorder(r ports.Recorder) {
	c.recorder = r
}

// SubscribeOptions configures one Subscribe call.
type SubscribeOptions struct {
	UserAccessToken string
	Cancel          <-chan struct{}
}

// Subscribe creates a new EventSub subscription over the active (or newly
// opened) WebSocket session (spec.md §4.6 "Subscribe operation").
func (c *Client) Subscribe(ctx context.Context, eventKey string, condition map[string]any, opts SubscribeOptions) (result *Subscription, err error) {
	ctx, endSpan := c.recorder.StartSpan(ctx, "wsclient.subscribe."+eventKey)
	defer func() { endSpan(err) }()

	descriptor, ok := c.registry.LookupByKey(eventKey)
	if !ok {
		return nil, &domain.ValidationError{Field: "eventKey", Err: fmt.Errorf("unknown event key %q", eventKey)}
	}
	if descriptor.Condition != nil {
		if _, err := descriptor.Condition.Parse(toAny(condition)); err != nil {
			return nil, err
		}
	}

	session, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	body := domain.CreateSubscriptionRequest{
		Type:      descriptor.Type,
		Version:   descriptor.Version,
		Condition: condition,
		Transport: domain.SubscriptionTransport{
			Method:    domain.TransportWebSocket,
			SessionID: session.SessionID(),
		},
	}

	created, err := c.createSubscription(ctx, body, opts.UserAccessToken)
	if err != nil {
		return nil, err
	}

	sub := &subState{
		id:              created.ID,
		state:           domain.SubscriptionActive,
		request:         body,
		userAccessToken: opts.UserAccessToken,
		generator:       eventstream.New[domain.NotificationEvent](),
	}

	c.mu.Lock()
	c.subscriptions[sub.id] = sub
	c.mu.Unlock()

	handle := &Subscription{state: sub, client: c}
	c.recorder.IncActiveSubscriptions(1)

	if opts.Cancel != nil {
		select {
		case <-opts.Cancel:
			go c.unsubscribeState(context.Background(), sub)
		default:
			go func() {
				<-opts.Cancel
				c.unsubscribeState(context.Background(), sub)
			}()
		}
	}

	return handle, nil
}

func (c *Client) createSubscription(ctx context.Context, body domain.CreateSubscriptionRequest, userAccessToken string) (*domain.CreatedSubscription, error) {
	raw, err := c.helix.Call(ctx, registry.EndpointCreateEventSubSubscription, helix.CallOptions{
		Body:            body,
		UserAccessToken: userAccessToken,
	})
	if err != nil {
		return nil, err
	}

	var resp domain.CreateSubscriptionResponse
	if err := reencode(raw, &resp); err != nil {
		return nil, &domain.ApiError{Endpoint: registry.EndpointCreateEventSubSubscription, Message: "malformed create-subscription response: " + err.Error()}
	}
	if len(resp.Data) == 0 {
		return nil, domain.ErrEmptySubscriptionData
	}
	return &resp.Data[0], nil
}

// Unsubscribe removes a subscription by its current id (spec.md §4.6
// Unsubscribe). Prefer Subscription.Unsubscribe when you hold the handle
// returned by Subscribe: it survives a reconnect-triggered id change.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	c.mu.Lock()
	sub, ok := c.subscriptions[id]
	c.mu.Unlock()
	if !ok {
		return domain.ErrUnknownSubscription
	}
	return c.unsubscribeState(ctx, sub)
}

func (c *Client) unsubscribeState(ctx context.Context, sub *subState) error {
	c.mu.Lock()
	id := sub.id
	if _, ok := c.subscriptions[id]; !ok {
		c.mu.Unlock()
		return domain.ErrUnknownSubscription
	}
	sub.state = domain.SubscriptionInactive
	c.mu.Unlock()

	_, err := c.helix.Call(ctx, registry.EndpointDeleteEventSubSubscription, helix.CallOptions{
		Query:           map[string]ports.QueryValue{"id": id},
		UserAccessToken: sub.userAccessToken,
	})
	if err != nil {
		c.mu.Lock()
		sub.state = domain.SubscriptionActive
		c.mu.Unlock()
		c.logger.Warn("unsubscribe failed, restoring subscription", slog.String("id", id), slog.String("error", err.Error()))
		return err
	}

	c.mu.Lock()
	delete(c.subscriptions, id)
	c.mu.Unlock()
	sub.generator.Close()
	c.recorder.IncActiveSubscriptions(-1)
	return nil
}

// ensureSession returns the active session, opening one if none exists.
func (c *Client) ensureSession(ctx context.Context) (*wsproto.Session, error) {
	c.mu.Lock()
	if c.activeSession != nil {
		session := c.activeSession
		c.mu.Unlock()
		return session, nil
	}
	c.mu.Unlock()
	return c.openSession(ctx)
}

// openSession implements spec.md §4.6 "openSession": pendingSessionPromise
// is the serialisation point for concurrent callers.
func (c *Client) openSession(ctx context.Context) (*wsproto.Session, error) {
	c.mu.Lock()
	if f := c.pendingFuture; f != nil {
		c.mu.Unlock()
		<-f.done
		return f.session, f.err
	}
	c.nextGeneration++
	generation := c.nextGeneration
	future := &sessionFuture{done: make(chan struct{})}
	c.pendingFuture = future
	c.mu.Unlock()

	session, err := wsproto.FromURL(ctx, c.dialer, c.sessionURL(), c.sessionCallbacks(generation), c.logger)

	c.mu.Lock()
	c.pendingFuture = nil
	c.mu.Unlock()
	future.session, future.err = session, err
	close(future.done)

	if err != nil {
		return nil, err
	}

	c.activateSession(session, generation, true)
	return session, nil
}

// migrateSession implements spec.md §4.6 "migrateSession": same shape as
// openSession but dials reconnectURL directly and does not recreate
// subscriptions (Twitch re-sends them bound to the new session_id
// automatically during a planned reconnect). On failure it falls back to
// openSession.
func (c *Client) migrateSession(ctx context.Context, reconnectURL string) {
	c.recorder.IncReconnects()
	c.mu.Lock()
	if f := c.pendingFuture; f != nil {
		c.mu.Unlock()
		<-f.done
		return
	}
	c.nextGeneration++
	generation := c.nextGeneration
	future := &sessionFuture{done: make(chan struct{})}
	c.pendingFuture = future
	c.mu.Unlock()

	session, err := wsproto.FromURL(ctx, c.dialer, reconnectURL, c.sessionCallbacks(generation), c.logger)

	c.mu.Lock()
	c.pendingFuture = nil
	c.mu.Unlock()
	future.session, future.err = session, err
	close(future.done)

	if err != nil {
		c.logger.Warn("session migration failed, falling back to openSession", slog.String("error", err.Error()))
		c.openSession(ctx)
		return
	}

	c.activateSession(session, generation, false)
}

func (c *Client) sessionURL() string {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return c.wsURL
	}
	if c.keepaliveOverride > 0 {
		q := u.Query()
		q.Set("keepalive_timeout_seconds", strconv.Itoa(c.keepaliveOverride))
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// activateSession implements spec.md §4.6 "activateSession".
func (c *Client) activateSession(session *wsproto.Session, generation uint64, recreate bool) {
	c.mu.Lock()
	old := c.activeSession
	c.activeSession = session
	c.activeGeneration = generation
	c.mu.Unlock()

	if old != nil && old != session {
		old.Dispose()
	}

	if recreate {
		c.recreateSubscriptions(context.Background(), session)
	}
}

// recreateSubscriptions re-issues createEventSubSubscription for every
// currently-tracked subscription against the new session id, substituting
// each subscription's id on success (spec.md §4.6 activateSession step 3).
func (c *Client) recreateSubscriptions(ctx context.Context, session *wsproto.Session) {
	c.mu.Lock()
	snapshot := make([]*subState, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		snapshot = append(snapshot, sub)
	}
	c.mu.Unlock()

	for _, sub := range snapshot {
		body := sub.request
		body.Transport.SessionID = session.SessionID()

		created, err := c.createSubscription(ctx, body, sub.userAccessToken)
		if err != nil {
			c.mu.Lock()
			delete(c.subscriptions, sub.id)
			c.mu.Unlock()
			sub.generator.Throw(err)
			c.recorder.IncActiveSubscriptions(-1)
			continue
		}

		c.mu.Lock()
		delete(c.subscriptions, sub.id)
		sub.id = created.ID
		sub.request = body
		sub.state = domain.SubscriptionActive
		c.subscriptions[sub.id] = sub
		c.mu.Unlock()
	}
}

// sessionCallbacks builds the wsproto.Callbacks for a session opened under
// the given generation number (spec.md §4.6 activateSession step 2). The
// generation, fixed at session-creation time, lets close/reconnect events
// from a superseded session be recognized as stale and ignored instead of
// disrupting the session that has since replaced it.
func (c *Client) sessionCallbacks(generation uint64) wsproto.Callbacks {
	return wsproto.Callbacks{
		OnError: func(err error) {
			c.logger.Error("eventsub session error", slog.String("error", err.Error()))
		},
		OnClose: func(code int) {
			c.handleSessionClose(generation, code)
		},
		OnReconnect: func(p wsproto.ReconnectPayload) {
			if !c.isCurrentGeneration(generation) {
				return
			}
			go c.migrateSession(context.Background(), p.Session.ReconnectURL)
		},
		OnRevocation: func(p wsproto.RevocationPayload) {
			c.handleRevocation(p)
		},
		OnNotification: func(p wsproto.NotificationPayload) {
			c.handleNotification(p)
		},
	}
}

func (c *Client) isCurrentGeneration(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeGeneration == generation
}

func (c *Client) handleSessionClose(generation uint64, code int) {
	c.mu.Lock()
	if c.activeGeneration != generation {
		c.mu.Unlock()
		return
	}
	c.activeSession = nil
	c.mu.Unlock()

	if recoverableCloseCodes[code] {
		c.recorder.IncReconnects()
		c.markAllSubscriptionsInactive()
		go c.openSession(context.Background())
		return
	}

	c.failAllSubscriptions(&domain.ProtocolError{Reason: fmt.Sprintf("eventsub session closed with unrecoverable code %d", code)})
}

func (c *Client) markAllSubscriptionsInactive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscriptions {
		sub.state = domain.SubscriptionInactive
	}
}

func (c *Client) failAllSubscriptions(err error) {
	c.mu.Lock()
	subs := make([]*subState, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.subscriptions = make(map[string]*subState)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.generator.Throw(err)
	}
	c.recorder.IncActiveSubscriptions(-len(subs))
}

func (c *Client) handleRevocation(p wsproto.RevocationPayload) {
	c.mu.Lock()
	sub, ok := c.subscriptions[p.Subscription.ID]
	if ok {
		delete(c.subscriptions, p.Subscription.ID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	sub.generator.Throw(&domain.RevocationError{SubscriptionID: p.Subscription.ID, Reason: p.Subscription.Status})
	c.recorder.IncActiveSubscriptions(-1)
}

func (c *Client) handleNotification(p wsproto.NotificationPayload) {
	c.mu.Lock()
	sub, ok := c.subscriptions[p.Subscription.ID]
	active := ok && sub.state == domain.SubscriptionActive
	c.mu.Unlock()

	if !active {
		return
	}

	var event any
	if len(p.Event) > 0 {
		if err := json.Unmarshal(p.Event, &event); err != nil {
			c.logger.Warn("failed to decode notification event", slog.String("subscription_id", p.Subscription.ID), slog.String("error", err.Error()))
			return
		}
	}

	sub.generator.Push(domain.NotificationEvent{
		Type:         p.Subscription.Type,
		Version:      p.Subscription.Version,
		Subscription: map[string]any{"id": p.Subscription.ID, "status": p.Subscription.Status},
		Condition:    p.Subscription.Condition,
		Event:        event,
	})
}

func toAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// reencode round-trips v through JSON into out, used to decode an
// AnyValidator-parsed `any` (typically map[string]any from an HTTP JSON
// body) into a concrete struct.
func reencode(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
