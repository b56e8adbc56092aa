package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *BotConfig) Validate() error {
	if c.Bot.Token == "" {
		return errors.New("bot.token is required")
	}
	if c.Bot.Intents < 0 {
		return errors.New("bot.intents must be >= 0")
	}

	if c.Rest.BaseURL == "" {
		return errors.New("rest.base_url is required")
	}
	if c.Rest.MaxRetries < 0 {
		return errors.New("rest.max_retries must be >= 0")
	}
	if c.Rest.Timeout <= 0 {
		return errors.New("rest.timeout must be > 0")
	}

	if c.Gateway.HeartbeatTimeout <= 0 {
		return errors.New("gateway.heartbeat_timeout must be > 0")
	}

	if c.Shards.Count < 0 {
		return fmt.Errorf("shards.count must be >= 0, got %d", c.Shards.Count)
	}
	if c.Shards.MaxConcurrency < 0 {
		return fmt.Errorf("shards.max_concurrency must be >= 0, got %d", c.Shards.MaxConcurrency)
	}
	if c.Shards.MaxRestarts < 1 {
		return errors.New("shards.max_restarts must be >= 1")
	}
	if c.Shards.IdentifySpacing <= 0 {
		return errors.New("shards.identify_spacing must be > 0")
	}

	if c.Events.BufferSize < 1 {
		return errors.New("events.buffer_size must be >= 1")
	}

	return nil
}
