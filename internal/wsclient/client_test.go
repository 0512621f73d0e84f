package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaedren/twitchsub/core/domain"
	"github.com/kaedren/twitchsub/core/ports"
	"github.com/kaedren/twitchsub/core/registry"
	"github.com/kaedren/twitchsub/internal/helix"
	"github.com/kaedren/twitchsub/internal/wsproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type frame struct {
	data []byte
	ok   bool
	err  error
}

type fakeConn struct {
	mu       sync.Mutex
	incoming chan frame
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan frame, 16)}
}

func (c *fakeConn) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.incoming <- frame{data: data, ok: true}
}

func (c *fakeConn) pushErr(err error) { c.incoming <- frame{err: err} }

func (c *fakeConn) ReadMessage() ([]byte, bool, error) {
	f, ok := <-c.incoming
	if !ok {
		return nil, false, errors.New("fakeConn closed")
	}
	return f.data, f.ok, f.err
}

func (c *fakeConn) WriteMessage(data []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}

type closeWithCode struct{ code int }

func (e closeWithCode) Error() string  { return "closed" }
func (e closeWithCode) CloseCode() int { return e.code }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) next(conn *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, conn)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (ports.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("no conn queued")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func welcomeEnvelope(sessionID string) wsproto.Envelope {
	payload, _ := json.Marshal(wsproto.WelcomePayload{Session: wsproto.WelcomeSession{ID: sessionID, Status: "connected", KeepaliveTimeoutSeconds: 30}})
	return wsproto.Envelope{Metadata: wsproto.Metadata{MessageType: wsproto.MessageTypeWelcome}, Payload: payload}
}

// fakeHelix scripts responses for Call, keyed by the order of invocation.
type fakeHelix struct {
	mu      sync.Mutex
	nextID  int
	deletes []string
}

func (f *fakeHelix) Call(ctx context.Context, endpointName string, opts helix.CallOptions) (any, error) {
	switch endpointName {
	case registry.EndpointCreateEventSubSubscription:
		f.mu.Lock()
		f.nextID++
		id := "sub-" + itoa(f.nextID)
		f.mu.Unlock()
		return map[string]any{
			"data": []any{
				map[string]any{"id": id, "status": "enabled", "type": "channel.follow", "version": "2"},
			},
		}, nil
	case registry.EndpointDeleteEventSubSubscription:
		f.mu.Lock()
		f.deletes = append(f.deletes, opts.Query["id"].(string))
		f.mu.Unlock()
		return nil, nil
	default:
		return nil, errors.New("unexpected endpoint " + endpointName)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newTestRegistry() *registry.Registry {
	return registry.DefaultCatalog()
}

func TestSubscribeOpensSessionAndDeliversNotification(t *testing.T) {
	conn := newFakeConn()
	conn.push(welcomeEnvelope("sess-1"))
	dialer := &fakeDialer{}
	dialer.next(conn)

	fh := &fakeHelix{}
	client := New(fh, newTestRegistry(), dialer, "wss://eventsub.wss.twitch.tv/ws", 0, testLogger())

	sub, err := client.Subscribe(context.Background(), registry.EventChannelFollow,
		map[string]any{"broadcaster_user_id": "123", "moderator_user_id": "456"},
		SubscribeOptions{UserAccessToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID())

	event, _ := json.Marshal(map[string]any{"broadcaster_user_id": "123"})
	notifPayload, _ := json.Marshal(wsproto.NotificationPayload{
		Subscription: wsproto.NotificationSubscription{ID: "sub-1", Type: "channel.follow", Version: "2"},
		Event:        event,
	})
	conn.push(wsproto.Envelope{Metadata: wsproto.Metadata{MessageType: wsproto.MessageTypeNotification}, Payload: notifPayload})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, ok, err := sub.Generator().Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "channel.follow", v.Type)
}

func TestSubscribeRejectsInvalidCondition(t *testing.T) {
	conn := newFakeConn()
	conn.push(welcomeEnvelope("sess-1"))
	dialer := &fakeDialer{}
	dialer.next(conn)

	client := New(&fakeHelix{}, newTestRegistry(), dialer, "wss://eventsub.wss.twitch.tv/ws", 0, testLogger())

	_, err := client.Subscribe(context.Background(), registry.EventChannelFollow, map[string]any{}, SubscribeOptions{})
	assert.Error(t, err)
}

func TestUnsubscribeClosesGenerator(t *testing.T) {
	conn := newFakeConn()
	conn.push(welcomeEnvelope("sess-1"))
	dialer := &fakeDialer{}
	dialer.next(conn)

	fh := &fakeHelix{}
	client := New(fh, newTestRegistry(), dialer, "wss://eventsub.wss.twitch.tv/ws", 0, testLogger())

	sub, err := client.Subscribe(context.Background(), registry.EventChannelFollow,
		map[string]any{"broadcaster_user_id": "1", "moderator_user_id": "2"}, SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe(context.Background()))
	assert.Equal(t, []string{"sub-1"}, fh.deletes)

	_, ok, err := sub.Generator().Next(context.Background())
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestRevocationThrowsIntoGenerator(t *testing.T) {
	conn := newFakeConn()
	conn.push(welcomeEnvelope("sess-1"))
	dialer := &fakeDialer{}
	dialer.next(conn)

	client := New(&fakeHelix{}, newTestRegistry(), dialer, "wss://eventsub.wss.twitch.tv/ws", 0, testLogger())

	sub, err := client.Subscribe(context.Background(), registry.EventChannelFollow,
		map[string]any{"broadcaster_user_id": "1", "moderator_user_id": "2"}, SubscribeOptions{})
	require.NoError(t, err)

	revokePayload, _ := json.Marshal(wsproto.RevocationPayload{Subscription: wsproto.RevocationSubscription{ID: sub.ID(), Status: "user_removed"}})
	conn.push(wsproto.Envelope{Metadata: wsproto.Metadata{MessageType: wsproto.MessageTypeRevocation}, Payload: revokePayload})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok, err := sub.Generator().Next(ctx)
	assert.False(t, ok)
	var revErr *domain.RevocationError
	assert.ErrorAs(t, err, &revErr)
}

func TestRecoverableCloseReopensAndRecreatesSubscriptions(t *testing.T) {
	conn1 := newFakeConn()
	conn1.push(welcomeEnvelope("sess-1"))
	conn2 := newFakeConn()
	conn2.push(welcomeEnvelope("sess-2"))

	dialer := &fakeDialer{}
	dialer.next(conn1)
	dialer.next(conn2)

	fh := &fakeHelix{}
	client := New(fh, newTestRegistry(), dialer, "wss://eventsub.wss.twitch.tv/ws", 0, testLogger())

	sub, err := client.Subscribe(context.Background(), registry.EventChannelFollow,
		map[string]any{"broadcaster_user_id": "1", "moderator_user_id": "2"}, SubscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID())

	conn1.pushErr(closeWithCode{code: 1000})

	require.Eventually(t, func() bool {
		return sub.ID() == "sub-2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnrecoverableCloseFailsAllSubscriptions(t *testing.T) {
	conn := newFakeConn()
	conn.push(welcomeEnvelope("sess-1"))
	dialer := &fakeDialer{}
	dialer.next(conn)

	client := New(&fakeHelix{}, newTestRegistry(), dialer, "wss://eventsub.wss.twitch.tv/ws", 0, testLogger())

	sub, err := client.Subscribe(context.Background(), registry.EventChannelFollow,
		map[string]any{"broadcaster_user_id": "1", "moderator_user_id": "2"}, SubscribeOptions{})
	require.NoError(t, err)

	conn.pushErr(closeWithCode{code: 4003})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok, err := sub.Generator().Next(ctx)
	assert.False(t, ok)
	assert.Error(t, err)
}
