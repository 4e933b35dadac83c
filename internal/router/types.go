package router

import (
	"github.com/rickgao/supportdesk-live/internal/model"
)

// Config holds configuration for the router.
type Config struct {
	QueueSize int // Initial inbound queue capacity; the queue grows as needed
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize: 1024,
	}
}

// Sink receives parsed frames. dispatch.Dispatcher implements it.
type Sink interface {
	DispatchMessage(room string, msg model.Message) int
	DispatchNotification(n model.Notification) int
}

// Stats contains runtime statistics.
type Stats struct {
	Received      int64 // Frames enqueued by the transport
	Messages      int64 // Room messages dispatched
	Notifications int64 // Notifications dispatched
	ParseErrors   int64 // Malformed frames dropped
	Unhandled     int64 // Messages for rooms with no handler
	Queue         QueueStats
}
