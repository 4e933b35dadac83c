package connection

import "time"

// EventKind classifies a connection event.
type EventKind string

const (
	EventConnecting         EventKind = "connecting"
	EventConnected          EventKind = "connected"
	EventHandshakeFailed    EventKind = "handshake_failed"
	EventTransportLost      EventKind = "transport_lost"
	EventDisconnected       EventKind = "disconnected"
	EventReconnectScheduled EventKind = "reconnect_scheduled"
	EventSubscribed         EventKind = "subscribed"
	EventSubscribeFailed    EventKind = "subscribe_failed"
	EventUnsubscribed       EventKind = "unsubscribed"
	EventTeardownFailed     EventKind = "teardown_failed"
	EventSendRejected       EventKind = "send_rejected"
	EventSendFailed         EventKind = "send_failed"
)

// Event is one entry on the internal error/event channel. Failures that are
// absorbed rather than returned to callers all show up here.
type Event struct {
	At    time.Time
	Kind  EventKind
	Epoch uint64
	Room  string        // Empty for connection-level events
	Delay time.Duration // Set for EventReconnectScheduled
	Err   error
}

// EventSink consumes connection events. Record must not block and must not
// call back into the manager.
type EventSink interface {
	Record(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Record calls f(e).
func (f EventSinkFunc) Record(e Event) { f(e) }
