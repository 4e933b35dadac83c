package connection

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"

	"github.com/rickgao/supportdesk-live/internal/auth"
	"github.com/rickgao/supportdesk-live/internal/version"
)

// SessionConfig configures a STOMP session.
type SessionConfig struct {
	Client ClientConfig
	Host   string // STOMP virtual host; defaults to the WebSocket URL host
}

// session is a STOMP 1.2 session over one WebSocket client.
type session struct {
	client Client
	logger *slog.Logger

	errs      chan error
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]*subscription // subscription id → subscription
}

// subscription implements TopicSubscription.
type subscription struct {
	s       *session
	id      string
	topic   string
	deliver DeliverFunc

	once sync.Once
	err  error
}

// NewSessionDialer returns a Dialer that opens STOMP sessions.
func NewSessionDialer(cfg SessionConfig, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, creds auth.Credentials) (Transport, error) {
		return DialSession(ctx, cfg, creds, logger)
	}
}

// DialSession connects the WebSocket, performs the STOMP CONNECT handshake
// with the bearer credential and starts the read loop.
func DialSession(ctx context.Context, cfg SessionConfig, creds auth.Credentials, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !creds.Complete() {
		return nil, ErrNoCredentials
	}

	clientCfg := cfg.Client
	clientCfg.Header = clientCfg.Header.Clone()
	if clientCfg.Header == nil {
		clientCfg.Header = make(map[string][]string)
	}
	clientCfg.Header.Set("Authorization", "Bearer "+creds.Token)
	if clientCfg.Header.Get("User-Agent") == "" {
		clientCfg.Header.Set("User-Agent", version.UserAgent())
	}

	c := NewClient(clientCfg, logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	s := &session{
		client: c,
		logger: logger,
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		subs:   make(map[string]*subscription),
	}

	host := cfg.Host
	if host == "" {
		if u, err := url.Parse(clientCfg.URL); err == nil {
			host = u.Hostname()
		}
	}

	if err := s.handshake(ctx, host, creds, clientCfg.HandshakeTimeout); err != nil {
		c.Close()
		return nil, err
	}

	go s.readLoop()

	return s, nil
}

// handshake sends CONNECT and waits for CONNECTED.
func (s *session) handshake(ctx context.Context, host string, creds auth.Credentials, timeout time.Duration) error {
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, "0,0",
	)
	for k, v := range creds.Headers() {
		connect.Header.Set(k, v)
	}

	if err := s.write(connect); err != nil {
		return fmt.Errorf("%w: send CONNECT: %w", ErrHandshake, err)
	}

	if timeout <= 0 {
		timeout = DefaultClientConfig().HandshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: %w", ErrHandshake, ErrTimeout)
		case err := <-s.client.Errors():
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		case msg := <-s.client.Messages():
			f, err := decodeFrame(msg.Data)
			if err != nil {
				return fmt.Errorf("%w: decode reply: %w", ErrHandshake, err)
			}
			if f == nil {
				continue // heart-beat
			}
			switch f.Command {
			case frame.CONNECTED:
				s.logger.Debug("stomp session established",
					"version", f.Header.Get(frame.Version),
					"server", f.Header.Get(frame.Server),
				)
				return nil
			case frame.ERROR:
				return fmt.Errorf("%w: %s", ErrHandshake, errorText(f))
			default:
				return fmt.Errorf("%w: unexpected %s frame", ErrHandshake, f.Command)
			}
		}
	}
}

// Subscribe sends SUBSCRIBE. The subscription is registered before the frame
// goes out so a MESSAGE racing the reply is not lost.
func (s *session) Subscribe(topic string, deliver DeliverFunc) (TopicSubscription, error) {
	select {
	case <-s.done:
		return nil, ErrAlreadyClosed
	default:
	}

	sub := &subscription{
		s:       s,
		id:      "sub-" + uuid.NewString(),
		topic:   topic,
		deliver: deliver,
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		frame.Id, sub.id,
		frame.Destination, topic,
		frame.Ack, "auto",
	)
	if err := s.write(f); err != nil {
		s.remove(sub.id)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s.logger.Debug("subscribed", "topic", topic, "sub_id", sub.id)
	return sub, nil
}

// Publish sends a JSON body to a destination.
func (s *session) Publish(destination string, body []byte) error {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	if err := s.write(f); err != nil {
		return fmt.Errorf("send %s: %w", destination, err)
	}
	return nil
}

// Errors returns the channel that receives the error ending the session.
func (s *session) Errors() <-chan error {
	return s.errs
}

// Close sends DISCONNECT (best-effort) and closes the socket.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.client.IsConnected() {
			if werr := s.write(frame.New(frame.DISCONNECT)); werr != nil {
				s.logger.Debug("failed to send DISCONNECT", "error", werr)
			}
		}
		close(s.done)
		err = s.client.Close()
	})
	return err
}

// readLoop demultiplexes inbound frames to subscriptions.
func (s *session) readLoop() {
	for {
		select {
		case <-s.done:
			return

		case err := <-s.client.Errors():
			s.fail(err)
			return

		case msg := <-s.client.Messages():
			f, err := decodeFrame(msg.Data)
			if err != nil {
				s.logger.Warn("dropping malformed frame", "error", err, "bytes", len(msg.Data))
				continue
			}
			if f == nil {
				continue // heart-beat
			}

			switch f.Command {
			case frame.MESSAGE:
				s.route(f, msg.ReceivedAt)

			case frame.ERROR:
				s.fail(fmt.Errorf("%w: %s", ErrBroker, errorText(f)))
				return

			default:
				s.logger.Debug("ignoring frame", "command", f.Command)
			}
		}
	}
}

// route hands a MESSAGE frame to its subscription.
func (s *session) route(f *frame.Frame, receivedAt time.Time) {
	id := f.Header.Get(frame.Subscription)

	s.mu.Lock()
	sub := s.subs[id]
	s.mu.Unlock()

	if sub == nil {
		s.logger.Debug("message for unknown subscription", "sub_id", id)
		return
	}

	sub.deliver(Delivery{
		Topic:          sub.topic,
		SubscriptionID: id,
		MessageID:      f.Header.Get(frame.MessageId),
		Body:           f.Body,
		ReceivedAt:     receivedAt,
	})
}

func (s *session) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *session) remove(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *session) write(f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return s.client.Send(data)
}

// ID returns the STOMP subscription id.
func (sub *subscription) ID() string { return sub.id }

// Topic returns the subscribed destination.
func (sub *subscription) Topic() string { return sub.topic }

// Unsubscribe stops delivery and sends UNSUBSCRIBE. Repeated calls return
// the first result.
func (sub *subscription) Unsubscribe() error {
	sub.once.Do(func() {
		sub.s.remove(sub.id)
		if err := sub.s.write(frame.New(frame.UNSUBSCRIBE, frame.Id, sub.id)); err != nil {
			sub.err = fmt.Errorf("unsubscribe %s: %w", sub.topic, err)
		}
	})
	return sub.err
}

// encodeFrame serializes one frame into a WebSocket message.
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// decodeFrame parses one WebSocket message. A nil frame with nil error is a
// heart-beat.
func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func errorText(f *frame.Frame) string {
	msg := f.Header.Get(frame.Message)
	if len(f.Body) > 0 {
		if msg != "" {
			return msg + ": " + string(f.Body)
		}
		return string(f.Body)
	}
	if msg == "" {
		return "no detail"
	}
	return msg
}
