package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server, which receives a copy
// of every publication routed by the realms.
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// SubjectPrefix is the first token of the NATS subject publications are mirrored to
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the WebSocket and admin APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Router Related Config

// RouterConfig defines the realm routing parameters
type RouterConfig struct {
	// Realms is the list of realms to define at startup
	Realms []string `mapstructure:"realms" json:"realms" validate:"omitempty,dive,required"`
	// AutoCreateRealms whether a HELLO for an unknown realm creates that realm
	AutoCreateRealms bool `mapstructure:"auto_create_realms" json:"auto_create_realms"`
	// CallTimeout is the max duration a CALL waits for the callee's answer in milliseconds
	CallTimeout int `mapstructure:"call_timeout_ms" json:"call_timeout_ms" validate:"gte=1"`
}

// CallTimeoutDuration return the call timeout as time.Duration
func (c RouterConfig) CallTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.CallTimeout)
}

// WebSocketConfig defines the WebSocket transport parameters
type WebSocketConfig struct {
	// ReadBufferSize is the WebSocket upgrader read buffer size in bytes
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size" validate:"gte=0"`
	// WriteBufferSize is the WebSocket upgrader write buffer size in bytes
	WriteBufferSize int `mapstructure:"write_buffer_size" json:"write_buffer_size" validate:"gte=0"`
	// MaxMessageSize is the largest inbound frame accepted in bytes. Zero is unlimited.
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size" validate:"gte=0"`
	// OutboundQueueLen is the number of outbound frames buffered per connection
	OutboundQueueLen int `mapstructure:"outbound_queue_len" json:"outbound_queue_len" validate:"gte=1"`
	// PingInterval is the keep-alive ping interval in seconds. Zero disables pings.
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=0"`
	// WriteTimeout is the max duration of one frame write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the router server
type SystemConfig struct {
	// Router are the realm routing parameters
	Router RouterConfig `mapstructure:"router" json:"router" validate:"required"`
	// WebSocket are the WebSocket transport parameters
	WebSocket WebSocketConfig `mapstructure:"websocket" json:"websocket" validate:"required"`
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
	// NATS are the NATS related config parameters. The publication mirror is
	// only active when this is provided.
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default router settings
	viper.SetDefault("router.realms", []string{"realm1"})
	viper.SetDefault("router.auto_create_realms", true)
	viper.SetDefault("router.call_timeout_ms", 30000)

	// Default WebSocket settings
	viper.SetDefault("websocket.read_buffer_size", 4096)
	viper.SetDefault("websocket.write_buffer_size", 4096)
	viper.SetDefault("websocket.max_message_size", 1048576)
	viper.SetDefault("websocket.outbound_queue_len", 256)
	viper.SetDefault("websocket.ping_interval_sec", 30)
	viper.SetDefault("websocket.write_timeout_sec", 10)

	// Default API server settings
	viper.SetDefault("endpoint_config.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 8080)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Wamprouter-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
