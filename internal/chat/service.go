// Package chat is the support-desk live chat core as UI code sees it: one
// Service per process owning the connection, the room subscriptions and the
// handler sets.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/supportdesk-live/internal/auth"
	"github.com/rickgao/supportdesk-live/internal/config"
	"github.com/rickgao/supportdesk-live/internal/connection"
	"github.com/rickgao/supportdesk-live/internal/dispatch"
	"github.com/rickgao/supportdesk-live/internal/model"
	"github.com/rickgao/supportdesk-live/internal/router"
)

// ErrNoRoom is returned by Send without a room.
var ErrNoRoom = errors.New("room is required")

// Config holds the settings of every component the service owns.
type Config struct {
	Session connection.SessionConfig
	Manager connection.ManagerConfig
	Router  router.Config
}

// ConfigFrom maps the file configuration onto the service components.
func ConfigFrom(c *config.Config) Config {
	t := c.Transport
	return Config{
		Session: connection.SessionConfig{
			Client: connection.ClientConfig{
				URL:              t.WSURL,
				HandshakeTimeout: t.HandshakeTimeout,
				PingInterval:     t.PingInterval,
				PingTimeout:      t.PingTimeout,
				WriteTimeout:     t.WriteTimeout,
				BufferSize:       t.BufferSize,
			},
			Host: t.Host,
		},
		Manager: connection.ManagerConfig{
			Topics: connection.Topics{
				RoomPrefix:    t.RoomTopicPrefix,
				SendPrefix:    t.SendPrefix,
				SendSuffix:    t.SendSuffix,
				Notifications: t.NotificationTopic,
			},
			ReconnectDelay:    c.Reconnect.Delay,
			ReconnectMaxDelay: c.Reconnect.MaxDelay,
		},
		Router: router.Config{
			QueueSize: c.Router.QueueSize,
		},
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Components log through children of it.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDialer replaces the STOMP session dialer.
func WithDialer(dial connection.Dialer) Option {
	return func(s *Service) { s.dial = dial }
}

// WithEventSink receives every connection event.
func WithEventSink(sink connection.EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// WithClock sets the time source used to stamp outgoing messages.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Stats is a snapshot across the service's components.
type Stats struct {
	Connection    connection.ManagerStats
	Router        router.Stats
	Dispatch      dispatch.Stats
	SendsRejected int64
}

// Service is the facade. Construct one per process and share it.
type Service struct {
	logger *slog.Logger
	dial   connection.Dialer
	events connection.EventSink
	now    func() time.Time

	gate       *auth.Gate
	dispatcher *dispatch.Dispatcher
	router     *router.Router
	manager    *connection.Manager

	sendLog  rate.Sometimes
	rejected atomic.Int64
}

// New wires the service. Nothing connects until Start has been called and
// credentials are set.
func New(cfg Config, opts ...Option) *Service {
	s := &Service{
		logger:  slog.Default(),
		now:     time.Now,
		sendLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.dial == nil {
		s.dial = connection.NewSessionDialer(cfg.Session, s.logger.With("component", "session"))
	}

	s.dispatcher = dispatch.New(s.logger.With("component", "dispatch"))
	s.router = router.New(cfg.Router, s.dispatcher, s.logger.With("component", "router"))
	s.manager = connection.NewManager(cfg.Manager, s.dial, connection.Hooks{
		Inbound: s.router.Enqueue,
		Status:  s.dispatcher,
		Events:  s.events,
	}, s.logger.With("component", "connection"))

	// Credential changes are the only path into connect
	s.gate = auth.NewGate(s.logger.With("component", "auth"))
	s.gate.OnChange(s.manager.CredentialsChanged)

	return s
}

// Start runs the router and the connection manager.
func (s *Service) Start(ctx context.Context) error {
	if err := s.router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	return nil
}

// Stop disconnects, then drains frames already received.
func (s *Service) Stop(ctx context.Context) error {
	return errors.Join(
		s.manager.Stop(ctx),
		s.router.Stop(ctx),
	)
}

// SetCredentials stores the credential and connects if not connected. An
// empty identity is taken from the token's sub claim.
func (s *Service) SetCredentials(token, identity string) error {
	return s.gate.Set(token, identity)
}

// ClearCredentials disconnects and drops every desired room. Handlers stay
// registered.
func (s *Service) ClearCredentials() {
	s.gate.Clear()
}

// Identity returns the identity of the held credential.
func (s *Service) Identity() (string, bool) {
	creds, ok := s.gate.Current()
	return creds.Identity, ok
}

// Subscribe makes room part of the desired state. It is subscribed now if
// connected, otherwise on the next connect.
func (s *Service) Subscribe(room string) {
	s.manager.Subscribe(room)
}

// Unsubscribe removes room from the desired state.
func (s *Service) Unsubscribe(room string) {
	s.manager.Unsubscribe(room)
}

// Rooms returns the desired rooms.
func (s *Service) Rooms() []string {
	return s.manager.Rooms()
}

// Send publishes a draft to room, stamped with the held identity and the
// current time. While disconnected it logs and returns
// connection.ErrNotConnected without touching the transport.
func (s *Service) Send(room string, draft model.Draft) error {
	if room == "" {
		return ErrNoRoom
	}

	creds, ok := s.gate.Current()
	if !ok || !s.manager.IsConnected() {
		s.reject(room)
		return connection.ErrNotConnected
	}

	body, err := json.Marshal(draft.Stamp(creds.Identity, room, s.now()))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	if err := s.manager.Publish(room, body); err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			s.reject(room)
			return err
		}
		s.logger.Warn("send failed", "room", room, "error", err)
		return err
	}
	return nil
}

func (s *Service) reject(room string) {
	s.rejected.Add(1)
	s.sendLog.Do(func() {
		s.logger.Warn("send while disconnected, message dropped",
			"room", room,
			"rejected_total", s.rejected.Load(),
		)
	})
}

// AddMessageHandler registers h for room. Use dispatch.OnMessage to wrap a func.
func (s *Service) AddMessageHandler(room string, h dispatch.MessageHandler) {
	s.dispatcher.AddMessageHandler(room, h)
}

// RemoveMessageHandler unregisters h. It receives nothing after this returns.
func (s *Service) RemoveMessageHandler(room string, h dispatch.MessageHandler) {
	s.dispatcher.RemoveMessageHandler(room, h)
}

// AddNotificationHandler registers h for notifications on any room.
func (s *Service) AddNotificationHandler(h dispatch.NotificationHandler) {
	s.dispatcher.AddNotificationHandler(h)
}

// RemoveNotificationHandler unregisters h.
func (s *Service) RemoveNotificationHandler(h dispatch.NotificationHandler) {
	s.dispatcher.RemoveNotificationHandler(h)
}

// AddStatusHandler registers h and calls it once with the current status.
func (s *Service) AddStatusHandler(h dispatch.StatusHandler) {
	s.dispatcher.AddStatusHandler(h)
}

// RemoveStatusHandler unregisters h.
func (s *Service) RemoveStatusHandler(h dispatch.StatusHandler) {
	s.dispatcher.RemoveStatusHandler(h)
}

// IsConnected reports whether the service holds a live connection.
func (s *Service) IsConnected() bool {
	return s.manager.IsConnected()
}

// Stats returns current statistics.
func (s *Service) Stats() Stats {
	return Stats{
		Connection:    s.manager.Stats(),
		Router:        s.router.Stats(),
		Dispatch:      s.dispatcher.Stats(),
		SendsRejected: s.rejected.Load(),
	}
}
