package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "supportdesk"
	DefaultRestURL           = "http://localhost:8080"
	DefaultWSURL             = "ws://localhost:8080/ws"
	DefaultAPITimeout        = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultRoomTopicPrefix   = "/topic/rooms/"
	DefaultSendPrefix        = "/app/rooms/"
	DefaultSendSuffix        = "/send"
	DefaultNotificationTopic = "/user/queue/notifications"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultPingTimeout       = 90 * time.Second
	DefaultBufferSize        = 1000
	DefaultReconnectDelay    = 5 * time.Second
	DefaultQueueSize         = 256
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultEventBatchSize    = 100
	DefaultEventFlushEvery   = 2 * time.Second
	DefaultLogLevel          = "info"
)

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	// Transport defaults
	t := &c.Transport
	if t.WSURL == "" {
		t.WSURL = DefaultWSURL
	}
	if t.RoomTopicPrefix == "" {
		t.RoomTopicPrefix = DefaultRoomTopicPrefix
	}
	if t.SendPrefix == "" {
		t.SendPrefix = DefaultSendPrefix
	}
	if t.SendSuffix == "" {
		t.SendSuffix = DefaultSendSuffix
	}
	if t.NotificationTopic == "" {
		t.NotificationTopic = DefaultNotificationTopic
	}
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = DefaultWriteTimeout
	}
	if t.PingInterval == 0 {
		t.PingInterval = DefaultPingInterval
	}
	if t.PingTimeout == 0 {
		t.PingTimeout = DefaultPingTimeout
	}
	if t.BufferSize == 0 {
		t.BufferSize = DefaultBufferSize
	}

	// Reconnect defaults: fixed delay unless a larger max is given
	if c.Reconnect.Delay == 0 {
		c.Reconnect.Delay = DefaultReconnectDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = c.Reconnect.Delay
	}

	if c.Router.QueueSize == 0 {
		c.Router.QueueSize = DefaultQueueSize
	}

	// Database defaults only matter when a database is configured
	if c.Database.Enabled() {
		if c.Database.Port == 0 {
			c.Database.Port = DefaultDBPort
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = DefaultDBSSLMode
		}
		if c.Database.MaxConns == 0 {
			c.Database.MaxConns = DefaultMaxConns
		}
		if c.Database.MinConns == 0 {
			c.Database.MinConns = DefaultMinConns
		}
	}

	if c.EventLog.BatchSize == 0 {
		c.EventLog.BatchSize = DefaultEventBatchSize
	}
	if c.EventLog.FlushInterval == 0 {
		c.EventLog.FlushInterval = DefaultEventFlushEvery
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}
