package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound events emitted by the client.
const (
	SendMessage  = "send_message"
	TypingStart  = "typing_start"
	TypingStop   = "typing_stop"
	JoinChannel  = "join_channel"
	LeaveChannel = "leave_channel"
)

// Inbound events pushed by the server.
const (
	MessageReceived     = "message_received"
	MessageSent         = "message_sent"
	MessageNotification = "message_notification"
	SendMessageError    = "send_message_error"
	UserTyping          = "user_typing"
	ChannelJoined       = "channel_joined"
	JoinChannelError    = "join_channel_error"
	UserJoined          = "user_joined"
	UserLeft            = "user_left"
	PresenceUpdate      = "presence_update"
	PresenceOverride    = "presence_override"
	UserDisconnected    = "user_disconnected"
)

// Connection lifecycle events produced locally by the transport.
const (
	Connect      = "connect"
	Disconnect   = "disconnect"
	ConnectError = "connect_error"
	Reconnecting = "reconnecting"
	AuthError    = "auth_error"
)

// Local events produced by the engine components.
const (
	MessageSendFailed = "message_send_failed"
)

// Any matches every event name when used as a listener filter.
const Any = "*"

// Envelope is the wire frame shared by the socket and polling transports.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// New marshals payload into an envelope of the given type.
func New(eventType string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType, Timestamp: time.Now().Unix()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env.Data = raw
	return env, nil
}

// MustNew is New for payloads that are known to marshal.
func MustNew(eventType string, payload any) Envelope {
	env, err := New(eventType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}
