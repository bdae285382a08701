package chat

import "time"

// TransportMode selects how the push transport is established.
type TransportMode string

const (
	TransportSocket  TransportMode = "socket"
	TransportPolling TransportMode = "polling"
	TransportAuto    TransportMode = "auto"
)

// Valid reports whether the mode is one of the known modes.
func (m TransportMode) Valid() bool {
	switch m {
	case TransportSocket, TransportPolling, TransportAuto:
		return true
	}
	return false
}

// ConnectionState is the transport state machine position.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// Session captures one authenticated identity's push connection.
type Session struct {
	ID        string          `json:"id"`
	Token     string          `json:"-"`
	Mode      TransportMode   `json:"mode"`
	State     ConnectionState `json:"state"`
	Transport TransportMode   `json:"transport,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
