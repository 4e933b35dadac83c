package config

import "time"

// Config is the root configuration for a support-desk console instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	API       APIConfig       `yaml:"api"`
	Transport TransportConfig `yaml:"transport"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Router    RouterConfig    `yaml:"router"`
	Database  DBConfig        `yaml:"database"`
	EventLog  EventLogConfig  `yaml:"eventlog"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log"`
}

// InstanceConfig identifies this console.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// APIConfig holds the session REST API settings and the credential source.
// Either Token (optionally with Identity) or Username/Password must be set.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Token      string        `yaml:"token"`
	TokenFile  string        `yaml:"token_file"` // Read when Token is empty
	Identity   string        `yaml:"identity"`   // Derived from the token's sub claim when empty
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// TransportConfig holds the STOMP-over-WebSocket endpoint settings.
type TransportConfig struct {
	WSURL             string        `yaml:"ws_url"`
	Host              string        `yaml:"host"`               // STOMP virtual host
	RoomTopicPrefix   string        `yaml:"room_topic_prefix"`  // Room topic = prefix + room
	SendPrefix        string        `yaml:"send_prefix"`        // Send destination = prefix + room + SendSuffix
	SendSuffix        string        `yaml:"send_suffix"`
	NotificationTopic string        `yaml:"notification_topic"` // Always-on notification channel
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
}

// ReconnectConfig holds the reconnect scheduler settings. With MaxDelay equal
// to Delay the retry interval is fixed.
type ReconnectConfig struct {
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// RouterConfig holds inbound routing settings.
type RouterConfig struct {
	QueueSize int `yaml:"queue_size"` // Initial inbound queue capacity
}

// DBConfig holds the optional Postgres connection for the event log.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}

// EventLogConfig holds connection event log settings.
type EventLogConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// HealthConfig holds the health endpoint settings. Port 0 disables it.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}
