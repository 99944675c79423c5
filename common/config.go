package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Chat Transport Related Config

// ChatEndpointConfig defines chat API endpoint config
type ChatEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the chat APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ConnectionsConfig defines per-user connection lifecycle parameters
type ConnectionsConfig struct {
	// MaxPerUser is the live-connection ceiling for a single user
	MaxPerUser int `mapstructure:"max_per_user" json:"max_per_user" validate:"gte=1"`
	// SendBufferLen is the per-connection outbound frame buffer length
	SendBufferLen int `mapstructure:"send_buffer_len" json:"send_buffer_len" validate:"gte=1"`
}

// RateLimitConfig defines the per-connection sliding-window message gate
type RateLimitConfig struct {
	// MaxMessages is the max number of inbound messages per window
	MaxMessages int `mapstructure:"max_messages" json:"max_messages" validate:"gte=1"`
	// WindowSec is the sliding window length in seconds
	WindowSec int `mapstructure:"window_sec" json:"window_sec" validate:"gte=1"`
}

// HeartbeatConfig defines stale connection detection parameters
type HeartbeatConfig struct {
	// SweepIntervalSec is the interval between liveness sweeps in seconds
	SweepIntervalSec int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// TimeoutSec is the max heartbeat silence before forced disconnect in seconds
	TimeoutSec int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=1"`
}

// OfflineDeliveryConfig defines offline delivery queue parameters
type OfflineDeliveryConfig struct {
	// MaxRetries is the max number of delivery attempts before an item is failed
	MaxRetries int `mapstructure:"max_retries" json:"max_retries" validate:"gte=0"`
	// RetryIntervalSec is the delay between delivery attempts in seconds
	RetryIntervalSec int `mapstructure:"retry_interval_sec" json:"retry_interval_sec" validate:"gte=1"`
	// TaskBufferLen is the queue operation task buffer length
	TaskBufferLen int `mapstructure:"task_buffer_len" json:"task_buffer_len" validate:"gte=1"`
	// SubjectPrefix is the NATS subject prefix for delivery handoff
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// ChatServerConfig defines configuration for the chat transport server
type ChatServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the chat server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the chat server
	Endpoints ChatEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Connections are the connection lifecycle parameters
	Connections ConnectionsConfig `mapstructure:"connections" json:"connections" validate:"required,dive"`
	// RateLimit are the inbound message rate gate parameters
	RateLimit RateLimitConfig `mapstructure:"ratelimit" json:"ratelimit" validate:"required,dive"`
	// Heartbeat are the liveness sweep parameters
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// Offline are the offline delivery queue parameters
	Offline OfflineDeliveryConfig `mapstructure:"offline" json:"offline" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the chat transport service
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Chat are the chat transport server configs
	Chat *ChatServerConfig `mapstructure:"chat,omitempty" json:"chat,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default chat server settings
	viper.SetDefault("chat.endpoint_config.path_prefix", "/")
	viper.SetDefault("chat.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("chat.api_server.server_config.listen_port", 3000)
	viper.SetDefault("chat.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("chat.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("chat.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"chat.api_server.logging_config.request_id_header", "Habitloop-Request-ID",
	)
	viper.SetDefault(
		"chat.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("chat.connections.max_per_user", 3)
	viper.SetDefault("chat.connections.send_buffer_len", 64)
	viper.SetDefault("chat.ratelimit.max_messages", 60)
	viper.SetDefault("chat.ratelimit.window_sec", 60)
	viper.SetDefault("chat.heartbeat.sweep_interval_sec", 30)
	viper.SetDefault("chat.heartbeat.timeout_sec", 60)
	viper.SetDefault("chat.offline.max_retries", 3)
	viper.SetDefault("chat.offline.retry_interval_sec", 30)
	viper.SetDefault("chat.offline.task_buffer_len", 256)
	viper.SetDefault("chat.offline.subject_prefix", "habitloop.offline_delivery")
}
