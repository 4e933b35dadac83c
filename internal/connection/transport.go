package connection

import (
	"context"

	"github.com/rickgao/supportdesk-live/internal/auth"
)

// Transport is one authenticated, message-oriented connection. It is valid
// for a single connection epoch; after an error or Close it is discarded.
type Transport interface {
	// Subscribe opens a topic subscription. deliver is called from the
	// transport's read goroutine, in arrival order.
	Subscribe(topic string, deliver DeliverFunc) (TopicSubscription, error)

	// Publish sends a body to a destination.
	Publish(destination string, body []byte) error

	// Errors reports the error that ended the connection.
	Errors() <-chan error

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// TopicSubscription is a live subscription handle, invalid across reconnects.
type TopicSubscription interface {
	ID() string
	Topic() string
	Unsubscribe() error
}

// Dialer opens and authenticates a transport.
type Dialer func(ctx context.Context, creds auth.Credentials) (Transport, error)
