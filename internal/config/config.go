package config

import "time"

// BotConfig is the root configuration for a bot process.
type BotConfig struct {
	Bot     CredentialsConfig `yaml:"bot"`
	Gateway GatewayConfig     `yaml:"gateway"`
	Rest    RestConfig        `yaml:"rest"`
	Shards  ShardsConfig      `yaml:"shards"`
	Events  EventsConfig      `yaml:"events"`
}

// CredentialsConfig identifies the bot to the vendor.
type CredentialsConfig struct {
	Token   string `yaml:"token" env:"QQ_TOKEN"`
	Intents int64  `yaml:"intents" env:"QQ_INTENTS"`
}

// GatewayConfig holds websocket connection settings.
type GatewayConfig struct {
	URL              string        `yaml:"url"` // optional; discovered via /gateway/bot when empty
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"` // max silence before the connection is zombied
}

// RestConfig holds REST dispatcher settings.
type RestConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// ShardsConfig holds shard manager settings.
type ShardsConfig struct {
	Count           int           `yaml:"count"`           // 0 = use the gateway's recommended count
	MaxConcurrency  int           `yaml:"max_concurrency"` // 0 = use the gateway's session start limit
	IdentifySpacing time.Duration `yaml:"identify_spacing"`
	MaxRestarts     int           `yaml:"max_restarts"`
	RestartWindow   time.Duration `yaml:"restart_window"`
}

// EventsConfig holds event bridge settings.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}
