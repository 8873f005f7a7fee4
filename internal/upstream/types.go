package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrTimeout         = errors.New("request timeout")
	ErrShuttingDown    = errors.New("shutting down")
	ErrAlreadyClosed   = errors.New("already closed")
)

// Error is a JSON-RPC error payload returned by the provider,
// surfaced to callers verbatim.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// request is an outbound JSON-RPC 2.0 request.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// inboundMessage is any frame read from the provider: a response
// (numeric id, result or error) or a notification (method + params).
type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// notificationParams is the params payload of an upstream notification.
type notificationParams struct {
	Subscription int64           `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Notification is an unsolicited upstream message, forwarded verbatim.
type Notification struct {
	Method       string
	Subscription int64
	Result       json.RawMessage
}

// EventType discriminates manager events.
type EventType int

const (
	// EventNotification carries an upstream subscription notification.
	EventNotification EventType = iota

	// EventReconnected signals a successful (re)connect. All upstream
	// subscription ids issued before it are invalid.
	EventReconnected
)

// Event is an ordered manager event consumed by the subscription
// registry. Ordering between reconnects and notifications is
// significant, so both share one stream.
type Event struct {
	Type         EventType
	Notification Notification
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g. wss://api.mainnet-beta.solana.com)
	PingInterval time.Duration // Keepalive ping period
	PingTimeout  time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	URL               string        // WebSocket URL of the provider
	RequestTimeout    time.Duration // Fixed per-request timeout
	ReconnectBaseWait time.Duration // Base wait time for reconnection
	ReconnectMaxWait  time.Duration // Max wait time for reconnection
	PingInterval      time.Duration // Keepalive ping period
	PingTimeout       time.Duration // Staleness threshold
	WriteTimeout      time.Duration // Write deadline for sends
	BufferSize        int           // Client message channel buffer size
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		RequestTimeout:    30 * time.Second,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  30 * time.Second,
		PingInterval:      15 * time.Second,
		PingTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1000,
	}
}

// ManagerStats is a read-only snapshot for the health surface.
type ManagerStats struct {
	Connected         bool
	ReconnectAttempts int
	PendingRequests   int
}
