// Package wsproto implements the EventSub WebSocket wire protocol: message
// envelope/payload decoding (messages.go) and the per-connection session
// state machine (session.go), spec.md §4.5.
//
// The envelope and ParsePayload shape is adapted from cmd/agent/message.go's
// Message/ParsePayload pattern, generalized from that agent protocol's
// custom auth/heartbeat/task vocabulary to Twitch's EventSub message types.
package wsproto

import (
	"encoding/json"
)

// EventSub message types (spec.md §6).
const (
	MessageTypeWelcome      = "session_welcome"
	MessageTypeKeepalive    = "session_keepalive"
	MessageTypeReconnect    = "session_reconnect"
	MessageTypeRevocation   = "revocation"
	MessageTypeNotification = "notification"
)

// Envelope is the outer shape of every EventSub WebSocket frame (spec.md
// §4.5 "validate the envelope {metadata:{message_type, ...}, payload:...}").
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// Metadata carries the message type dispatch key and identifiers.
type Metadata struct {
	MessageID        string `json:"message_id"`
	MessageType      string `json:"message_type"`
	MessageTimestamp string `json:"message_timestamp"`
}

// ParsePayload unmarshals the envelope's payload into v.
func (e *Envelope) ParsePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// WelcomePayload is the payload of a session_welcome message.
type WelcomePayload struct {
	Session WelcomeSession `json:"session"`
}

// WelcomeSession carries the session metadata assigned at handshake time.
type WelcomeSession struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url"`
}

// ReconnectPayload is the payload of a session_reconnect message.
type ReconnectPayload struct {
	Session ReconnectSession `json:"session"`
}

// ReconnectSession carries the URL the client must migrate to.
type ReconnectSession struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ReconnectURL string `json:"reconnect_url"`
}

// RevocationPayload is the payload of a revocation message.
type RevocationPayload struct {
	Subscription RevocationSubscription `json:"subscription"`
}

// RevocationSubscription carries the revoked subscription's id and reason.
type RevocationSubscription struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"` // user_removed | authorization_revoked | notification_failures_exceeded | version_removed
	Type      string         `json:"type"`
	Version   string         `json:"version"`
	Condition map[string]any `json:"condition"`
}

// NotificationPayload is the payload of a notification message.
type NotificationPayload struct {
	Subscription NotificationSubscription `json:"subscription"`
	Event        json.RawMessage          `json:"event"`
}

// NotificationSubscription identifies the subscription an event belongs to.
type NotificationSubscription struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Type      string         `json:"type"`
	Version   string         `json:"version"`
	Condition map[string]any `json:"condition"`
}
