package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	hasToken := c.API.Token != "" || c.API.TokenFile != ""
	hasLogin := c.API.Username != "" && c.API.Password != ""
	if !hasToken && !hasLogin {
		return errors.New("api.token, api.token_file or api.username/api.password is required")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if err := validateWSURL(c.Transport.WSURL); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Transport.RoomTopicPrefix, "/") {
		return fmt.Errorf("transport.room_topic_prefix must start with /, got %q", c.Transport.RoomTopicPrefix)
	}
	if !strings.HasPrefix(c.Transport.SendPrefix, "/") {
		return fmt.Errorf("transport.send_prefix must start with /, got %q", c.Transport.SendPrefix)
	}
	if c.Transport.HandshakeTimeout <= 0 {
		return errors.New("transport.handshake_timeout must be > 0")
	}
	if c.Transport.PingTimeout < c.Transport.PingInterval {
		return fmt.Errorf("transport.ping_timeout (%s) cannot be less than ping_interval (%s)",
			c.Transport.PingTimeout, c.Transport.PingInterval)
	}
	if c.Transport.BufferSize < 1 {
		return errors.New("transport.buffer_size must be >= 1")
	}

	if c.Reconnect.Delay <= 0 {
		return errors.New("reconnect.delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return fmt.Errorf("reconnect.max_delay (%s) cannot be less than delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.Delay)
	}

	if c.Router.QueueSize < 1 {
		return errors.New("router.queue_size must be >= 1")
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.EventLog.BatchSize < 1 {
		return errors.New("eventlog.batch_size must be >= 1")
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 0 and 65535, got %d", c.Health.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}

	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("transport.ws_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("transport.ws_url must use ws or wss, got %q", raw)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
