package connection

import (
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrHandshake       = errors.New("stomp handshake failed")
	ErrBroker          = errors.New("broker error")
	ErrNoCredentials   = errors.New("no credentials")
)

// State is the connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Delivery is one MESSAGE frame received on a subscription.
type Delivery struct {
	Topic          string    // Destination the subscription was opened on
	SubscriptionID string    // STOMP subscription id
	MessageID      string    // Broker message-id header
	Body           []byte    // Frame body (JSON)
	ReceivedAt     time.Time // Local timestamp when the WebSocket message arrived
}

// DeliverFunc receives deliveries for one subscription, in transport order.
type DeliverFunc func(Delivery)

// FrameKind tells the router which channel a frame arrived on.
type FrameKind int

const (
	FrameMessage      FrameKind = iota // Room topic the consumer subscribed to
	FrameNotification                  // Always-on notification channel
)

// String returns the kind name.
func (k FrameKind) String() string {
	if k == FrameNotification {
		return "notification"
	}
	return "message"
}

// Frame is a delivery tagged with the room and channel it arrived on.
type Frame struct {
	Kind  FrameKind
	Room  string // Subscribed room; empty for notifications
	Epoch uint64 // Connection epoch the frame arrived in
	Delivery
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://admin.example.com/ws)
	Header           http.Header   // Extra upgrade headers (Authorization)
	HandshakeTimeout time.Duration // WebSocket upgrade timeout
	PingInterval     time.Duration // Interval between keepalive pings
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// Topics maps rooms to STOMP destinations.
type Topics struct {
	RoomPrefix    string // Room topic = RoomPrefix + room
	SendPrefix    string // Send destination = SendPrefix + room + SendSuffix
	SendSuffix    string
	Notifications string // Always-on notification channel; empty disables it
}

// DefaultTopics returns the reference destinations.
func DefaultTopics() Topics {
	return Topics{
		RoomPrefix:    "/topic/rooms/",
		SendPrefix:    "/app/rooms/",
		SendSuffix:    "/send",
		Notifications: "/user/queue/notifications",
	}
}

// Room returns the topic a room's messages arrive on.
func (t Topics) Room(room string) string {
	return t.RoomPrefix + room
}

// Send returns the destination outbound messages for a room are published to.
func (t Topics) Send(room string) string {
	return t.SendPrefix + room + t.SendSuffix
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Topics            Topics
	ReconnectDelay    time.Duration // Wait before the first retry
	ReconnectMaxDelay time.Duration // Backoff cap; equal to ReconnectDelay for a fixed interval
	MailboxSize       int           // Control loop event buffer
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Topics:            DefaultTopics(),
		ReconnectDelay:    5 * time.Second,
		ReconnectMaxDelay: 5 * time.Second,
		MailboxSize:       64,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State        State
	Epoch        uint64
	DesiredRooms int
	LiveRooms    int
	Connects     int64
	Drops        int64
}
