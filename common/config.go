package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Marketplace Related Config

// StompHeartbeatConfig defines the STOMP heart-beat intervals requested at connect
type StompHeartbeatConfig struct {
	// OutgoingMS is the interval the client promises to send heart-beats at, in ms. 0 disables.
	OutgoingMS int `mapstructure:"outgoing_ms" json:"outgoing_ms" validate:"gte=0"`
	// IncomingMS is the interval the client wants to receive heart-beats at, in ms. 0 disables.
	IncomingMS int `mapstructure:"incoming_ms" json:"incoming_ms" validate:"gte=0"`
}

// MarketplaceConfig defines parameters for connecting to the marketplace realtime endpoint
type MarketplaceConfig struct {
	// WebSocketURL is the STOMP over WebSocket endpoint URL
	WebSocketURL string `mapstructure:"ws_url" json:"ws_url" validate:"required,uri"`
	// AuthToken is the bearer token presented on connect
	AuthToken string `mapstructure:"auth_token" json:"-"`
	// ConnectTimeout is the max duration of one connect handshake in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// ReconnectDelay is the fixed delay between automatic reconnect attempts in seconds
	ReconnectDelay int `mapstructure:"reconnect_delay_sec" json:"reconnect_delay_sec" validate:"gte=1"`
	// Heartbeat defines the STOMP heart-beat settings
	Heartbeat StompHeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// TypingExpiry is the time a typing indicator stays active without refresh in ms
	TypingExpiry int `mapstructure:"typing_expiry_ms" json:"typing_expiry_ms" validate:"gte=1"`
}

// ConnectTimeoutDuration return the connect timeout as a duration
func (c MarketplaceConfig) ConnectTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.ConnectTimeout)
}

// ReconnectDelayDuration return the reconnect delay as a duration
func (c MarketplaceConfig) ReconnectDelayDuration() time.Duration {
	return time.Second * time.Duration(c.ReconnectDelay)
}

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
// Relay Related Config

// RelayConfig defines which marketplace topics are forwarded onto NATS
type RelayConfig struct {
	// SubjectPrefix is prepended to every NATS subject published by the relay
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// AccountUpdates whether to forward the global account broadcast topic
	AccountUpdates bool `mapstructure:"account_updates" json:"account_updates"`
	// ChatAccounts are the account IDs whose chat channel is forwarded
	ChatAccounts []string `mapstructure:"chat_accounts" json:"chat_accounts" validate:"dive,required"`
	// NotificationUsers are the user IDs whose notification channel is forwarded
	NotificationUsers []string `mapstructure:"notification_users" json:"notification_users" validate:"dive,required"`
	// TypingUsers are the user IDs whose typing channel is forwarded
	TypingUsers []string `mapstructure:"typing_users" json:"typing_users" validate:"dive,required"`
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
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// StatusServerConfig defines configuration for the status / metrics API server
type StatusServerConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the status APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete config used by the relay daemon
type SystemConfig struct {
	// Marketplace are the marketplace realtime endpoint parameters
	Marketplace MarketplaceConfig `mapstructure:"marketplace" json:"marketplace" validate:"required,dive"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Relay are the relay forwarding parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// Status are the status API server configs
	Status StatusServerConfig `mapstructure:"status" json:"status" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default marketplace settings
	viper.SetDefault("marketplace.ws_url", "ws://127.0.0.1:8080/ws/websocket")
	viper.SetDefault("marketplace.connect_timeout_sec", 30)
	viper.SetDefault("marketplace.reconnect_delay_sec", 5)
	viper.SetDefault("marketplace.heartbeat.outgoing_ms", 10000)
	viper.SetDefault("marketplace.heartbeat.incoming_ms", 10000)
	viper.SetDefault("marketplace.typing_expiry_ms", 3000)

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default relay settings
	viper.SetDefault("relay.subject_prefix", "marketlink")
	viper.SetDefault("relay.account_updates", true)
	viper.SetDefault("relay.chat_accounts", []string{})
	viper.SetDefault("relay.notification_users", []string{})
	viper.SetDefault("relay.typing_users", []string{})

	// Default status server settings
	viper.SetDefault("status.path_prefix", "/")
	viper.SetDefault("status.request_id_header", "Marketlink-Request-ID")
	viper.SetDefault("status.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("status.server_config.listen_port", 3010)
	viper.SetDefault("status.server_config.read_timeout_sec", 60)
	viper.SetDefault("status.server_config.write_timeout_sec", 60)
	viper.SetDefault("status.server_config.idle_timeout_sec", 600)
}
