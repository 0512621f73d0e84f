package wsproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaedren/twitchsub/core/domain"
	"github.com/kaedren/twitchsub/core/ports"
)

// SessionState is the session's lifecycle state (spec.md §4.5).
type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionLive
	SessionDisposed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionLive:
		return "live"
	case SessionDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

const defaultKeepaliveTimeout = 10 * time.Second

// Callbacks wires a Session's emitted events to a client (spec.md §4.5/§4.6).
// Callbacks are bound once, when the session is constructed, and cannot be
// replaced afterwards. OnError, OnReconnect, OnRevocation and OnNotification
// are invoked from the session's single read-pump goroutine; OnClose is
// invoked from whichever goroutine disposes the session (the read pump, the
// keepalive timer, or a Dispose caller).
type Callbacks struct {
	OnError        func(err error)
	OnClose        func(code int)
	OnReconnect    func(payload ReconnectPayload)
	OnRevocation   func(payload RevocationPayload)
	OnNotification func(payload NotificationPayload)
}

// Session is one live connection to the EventSub WebSocket endpoint,
// implementing the CONNECTING -> LIVE -> DISPOSED state machine of
// spec.md §4.5.
//
// The read-pump/keepalive-timer/idempotent-dispose shape is adapted from
// watchdog's internal/core/realtime.Client read pump and
// cmd/agent.Connection's closeOnce/closeCh idiom, generalized from
// ping/pong liveness to EventSub's session_keepalive message.
type Session struct {
	conn   ports.Conn
	logger *slog.Logger

	mu               sync.Mutex
	state            SessionState
	sessionID        string
	keepaliveSeconds int
	keepaliveTimer   *time.Timer

	callbacks Callbacks

	disposeOnce sync.Once
	closedCh    chan struct{}
}

// FromURL dials url, awaits the first message, and requires it to be a
// valid session_welcome (spec.md §4.5 `fromUrl`). On success it returns a
// LIVE session with the keepalive timer armed and the read pump running.
// url is dialed as given; any keepalive_timeout_seconds query parameter
// must already be part of it.
func FromURL(ctx context.Context, dialer ports.Dialer, url string, callbacks Callbacks, logger *slog.Logger) (*Session, error) {
	conn, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, &domain.TransportError{Op: "dial eventsub websocket", Err: err}
	}
	return newSessionFromConn(conn, callbacks, logger)
}

// FromExisting skips the dial (the caller already holds a Conn pre-
// associated with a session by Twitch, e.g. a reconnect_url target) but
// still awaits and validates the welcome frame the normal message loop
// would receive (spec.md §4.5 `fromExisting`). The contract is the same:
// a session returned in LIVE has a non-empty sessionID.
func FromExisting(conn ports.Conn, callbacks Callbacks, logger *slog.Logger) (*Session, error) {
	return newSessionFromConn(conn, callbacks, logger)
}

func newSessionFromConn(conn ports.Conn, callbacks Callbacks, logger *slog.Logger) (*Session, error) {
	s := &Session{
		conn:      conn,
		logger:    logger,
		state:     SessionConnecting,
		callbacks: callbacks,
		closedCh:  make(chan struct{}),
	}

	if err := s.awaitWelcome(); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readPump()

	return s, nil
}

func (s *Session) awaitWelcome() error {
	data, ok, err := s.conn.ReadMessage()
	if err != nil {
		return &domain.TransportError{Op: "read welcome", Err: err}
	}
	if !ok {
		return &domain.ProtocolError{Reason: "first frame was not a text frame"}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &domain.ProtocolError{Reason: "malformed welcome envelope", Err: err}
	}
	if env.Metadata.MessageType != MessageTypeWelcome {
		return &domain.ProtocolError{Reason: fmt.Sprintf("expected session_welcome, got %q", env.Metadata.MessageType)}
	}

	var payload WelcomePayload
	if err := env.ParsePayload(&payload); err != nil {
		return &domain.ProtocolError{Reason: "malformed welcome payload", Err: err}
	}
	if payload.Session.ID == "" {
		return &domain.ProtocolError{Reason: "welcome missing session id"}
	}

	s.mu.Lock()
	s.sessionID = payload.Session.ID
	s.keepaliveSeconds = payload.Session.KeepaliveTimeoutSeconds
	s.state = SessionLive
	s.armKeepaliveLocked()
	s.mu.Unlock()

	return nil
}

// SessionID returns the session id assigned by the welcome message.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// armKeepaliveLocked must be called with mu held.
func (s *Session) armKeepaliveLocked() {
	timeout := time.Duration(s.keepaliveSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultKeepaliveTimeout
	}
	// Twitch's grace window is keepalive + a buffer; the design note
	// (§4.5, §9 open question) leaves this implementation-defined. We
	// allow one extra second of network jitter before treating the
	// session as unhealthy.
	timeout += time.Second

	if s.keepaliveTimer == nil {
		s.keepaliveTimer = time.AfterFunc(timeout, s.onKeepaliveExpired)
		return
	}
	s.keepaliveTimer.Reset(timeout)
}

// onKeepaliveExpired fires when no recognized frame arrived within the
// keepalive window. The original hub/client pair this module is grounded
// on arms an equivalent timer but leaves its expiry handler empty; here the
// session is unhealthy and must be torn down so the owning client sees a
// reconnectable close (spec.md §4.5 "Keepalive timer").
func (s *Session) onKeepaliveExpired() {
	s.logger.Warn("eventsub session keepalive expired", slog.String("session_id", s.SessionID()))
	s.dispose(abnormalClosureCode)
}

// abnormalClosureCode is a local sentinel for "torn down locally, not by a
// close frame from the server" — distinct from any code Twitch itself
// sends, but a member of the client's recoverable-close set, which adds
// 1006 to the server close codes of spec.md §4.6's recoverable set (see
// wsclient's recoverableCloseCodes).
const abnormalClosureCode = 1006

func (s *Session) readPump() {
	for {
		data, ok, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if !ok {
			s.protocolError(&domain.ProtocolError{Reason: "received a non-text frame"})
			return
		}
		if !s.handleFrame(data) {
			return
		}
	}
}

// handleFrame processes one text frame. It returns false if the session
// was disposed as a result (protocol error), signaling the read pump to
// stop.
func (s *Session) handleFrame(data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.protocolError(&domain.ProtocolError{Reason: "malformed frame", Err: err})
		return false
	}

	s.mu.Lock()
	s.armKeepaliveLocked()
	s.mu.Unlock()

	switch env.Metadata.MessageType {
	case MessageTypeWelcome:
		s.protocolError(&domain.ProtocolError{Reason: "session_welcome received after handshake"})
		return false

	case MessageTypeKeepalive:
		return true

	case MessageTypeReconnect:
		var payload ReconnectPayload
		if err := env.ParsePayload(&payload); err != nil {
			s.protocolError(&domain.ProtocolError{Reason: "malformed reconnect payload", Err: err})
			return false
		}
		if s.callbacks.OnReconnect != nil {
			s.callbacks.OnReconnect(payload)
		}
		return true

	case MessageTypeRevocation:
		var payload RevocationPayload
		if err := env.ParsePayload(&payload); err != nil {
			s.protocolError(&domain.ProtocolError{Reason: "malformed revocation payload", Err: err})
			return false
		}
		if s.callbacks.OnRevocation != nil {
			s.callbacks.OnRevocation(payload)
		}
		return true

	case MessageTypeNotification:
		var payload NotificationPayload
		if err := env.ParsePayload(&payload); err != nil {
			s.protocolError(&domain.ProtocolError{Reason: "malformed notification payload", Err: err})
			return false
		}
		if s.callbacks.OnNotification != nil {
			s.callbacks.OnNotification(payload)
		}
		return true

	default:
		s.protocolError(&domain.ProtocolError{Reason: fmt.Sprintf("unknown message type %q", env.Metadata.MessageType)})
		return false
	}
}

// protocolError emits error(err) then disposes the session (spec.md §4.5
// "any parse failure... is an unrecoverable protocol error").
func (s *Session) protocolError(err error) {
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
	s.dispose(abnormalClosureCode)
}

func (s *Session) handleReadError(err error) {
	code := closeCodeFromError(err)
	s.dispose(code)
}

// Dispose tears down the session from the owning client (e.g. on
// migration). Idempotent.
func (s *Session) Dispose() {
	s.dispose(normalClosureCode)
}

const normalClosureCode = 1000

// dispose transitions the session to DISPOSED, closes the underlying
// connection, stops the keepalive timer, and emits close(code) exactly
// once (spec.md §4.5 "Close event always emits close(code) exactly once;
// dispose() is idempotent").
func (s *Session) dispose(code int) {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		s.state = SessionDisposed
		if s.keepaliveTimer != nil {
			s.keepaliveTimer.Stop()
		}
		s.mu.Unlock()

		s.conn.Close()
		close(s.closedCh)

		if s.callbacks.OnClose != nil {
			s.callbacks.OnClose(code)
		}
	})
}

// closeCodeFromError maps a connection-level read error to a close code.
// Without a structured close code from the transport, any read error is
// treated as an abnormal closure — a member of the client's recoverable
// set (spec.md §4.6).
func closeCodeFromError(err error) int {
	var closeErr interface{ CloseCode() int }
	if errors.As(err, &closeErr) {
		return closeErr.CloseCode()
	}
	return abnormalClosureCode
}
