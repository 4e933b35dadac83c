package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/supportdesk-live/internal/connection"
	"github.com/rickgao/supportdesk-live/internal/model"
)

// Router decouples the transport read loop from UI handlers. Deliveries are
// queued as they arrive and one goroutine parses and dispatches them in
// arrival order.
type Router struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	queue *Queue[connection.Frame]

	started  atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCtx  func() bool

	received      atomic.Int64
	messages      atomic.Int64
	notifications atomic.Int64
	parseErrors   atomic.Int64
	unhandled     atomic.Int64
}

// New creates a router that dispatches to sink.
func New(cfg Config, sink Sink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Router{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		queue:  NewQueue[connection.Frame](cfg.QueueSize),
	}
}

// Enqueue accepts a frame from the transport. It never blocks. Frames that
// arrive after Stop are dropped.
func (r *Router) Enqueue(f connection.Frame) {
	if !r.queue.Push(f) {
		r.logger.Debug("router stopped, dropping frame", "room", f.Room, "kind", f.Kind.String())
		return
	}
	r.received.Add(1)
}

// Start begins routing. Cancelling ctx stops accepting frames; queued ones
// are still dispatched.
func (r *Router) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("message router already started")
	}
	r.stopCtx = context.AfterFunc(ctx, r.queue.Close)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started", "queue_size", r.cfg.QueueSize)

	return nil
}

// Stop closes the queue and waits for the backlog to drain.
func (r *Router) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.logger.Info("stopping message router", "backlog", r.queue.Len())
		if r.stopCtx != nil {
			r.stopCtx()
		}
		r.queue.Close()
	})

	// Wait for goroutine to finish
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out", "backlog", r.queue.Len())
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	return Stats{
		Received:      r.received.Load(),
		Messages:      r.messages.Load(),
		Notifications: r.notifications.Load(),
		ParseErrors:   r.parseErrors.Load(),
		Unhandled:     r.unhandled.Load(),
		Queue:         r.queue.Stats(),
	}
}

// routeLoop is the main routing goroutine.
func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		f, ok := r.queue.Pop()
		if !ok {
			return
		}
		r.route(f)
	}
}

// route parses and dispatches a single frame. A malformed frame is logged
// and dropped without affecting the ones after it.
func (r *Router) route(f connection.Frame) {
	switch f.Kind {
	case connection.FrameMessage:
		msg, err := ParseMessage(f)
		if err != nil {
			r.dropMalformed(f, err)
			return
		}
		if r.sink.DispatchMessage(f.Room, msg) == 0 {
			r.unhandled.Add(1)
		}
		r.messages.Add(1)

	case connection.FrameNotification:
		n, err := ParseNotification(f)
		if err != nil {
			r.dropMalformed(f, err)
			return
		}
		r.sink.DispatchNotification(n)
		r.notifications.Add(1)

	default:
		r.logger.Debug("skipping frame", "kind", int(f.Kind))
	}
}

func (r *Router) dropMalformed(f connection.Frame, err error) {
	r.parseErrors.Add(1)
	r.logger.Warn("dropping malformed frame",
		"kind", f.Kind.String(),
		"room", f.Room,
		"topic", f.Topic,
		"message_id", f.MessageID,
		"error", err,
	)
}

var errMissingRoom = errors.New("missing roomId")

// ParseMessage decodes a room frame. The room id falls back to the room the
// frame was subscribed on, the kind to CHAT and the timestamp to the local
// receive time.
func ParseMessage(f connection.Frame) (model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(f.Body, &msg); err != nil {
		return model.Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.RoomID == "" {
		msg.RoomID = f.Room
	}
	if msg.Kind == "" {
		msg.Kind = model.KindChat
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = model.Timestamp{Time: f.ReceivedAt.UTC()}
	}
	return msg, nil
}

// ParseNotification decodes a notification-channel frame.
func ParseNotification(f connection.Frame) (model.Notification, error) {
	var n model.Notification
	if err := json.Unmarshal(f.Body, &n); err != nil {
		return model.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.RoomID == "" {
		return model.Notification{}, errMissingRoom
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = model.Timestamp{Time: f.ReceivedAt.UTC()}
	}
	return n, nil
}
