package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL          = "https://api.sgroup.qq.com"
	DefaultRestTimeout      = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultHeartbeatTimeout = 60 * time.Second
	DefaultIdentifySpacing  = 5 * time.Second
	DefaultMaxRestarts      = 5
	DefaultRestartWindow    = time.Minute
	DefaultEventBufferSize  = 4096
)

func (c *BotConfig) applyDefaults() {
	if c.Rest.BaseURL == "" {
		c.Rest.BaseURL = DefaultRestURL
	}
	if c.Rest.Timeout == 0 {
		c.Rest.Timeout = DefaultRestTimeout
	}
	if c.Rest.MaxRetries == 0 {
		c.Rest.MaxRetries = DefaultMaxRetries
	}
	if c.Rest.RetryBackoff == 0 {
		c.Rest.RetryBackoff = DefaultRetryBackoff
	}

	if c.Gateway.HandshakeTimeout == 0 {
		c.Gateway.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = DefaultWriteTimeout
	}
	if c.Gateway.HeartbeatTimeout == 0 {
		c.Gateway.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	if c.Shards.IdentifySpacing == 0 {
		c.Shards.IdentifySpacing = DefaultIdentifySpacing
	}
	if c.Shards.MaxRestarts == 0 {
		c.Shards.MaxRestarts = DefaultMaxRestarts
	}
	if c.Shards.RestartWindow == 0 {
		c.Shards.RestartWindow = DefaultRestartWindow
	}

	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = DefaultEventBufferSize
	}
}
