package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
bot:
  token: abc123
  intents: 513
shards:
  count: 2
events:
  buffer_size: 128
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)

	assert.Equal(t, "abc123", cfg.Bot.Token)
	assert.Equal(t, int64(513), cfg.Bot.Intents)
	assert.Equal(t, 2, cfg.Shards.Count)
	assert.Equal(t, 128, cfg.Events.BufferSize)
}

func TestDefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
bot:
  token: abc123
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultRestURL, cfg.Rest.BaseURL)
	assert.Equal(t, DefaultMaxRetries, cfg.Rest.MaxRetries)
	assert.Equal(t, DefaultHeartbeatTimeout, cfg.Gateway.HeartbeatTimeout)
	assert.Equal(t, DefaultIdentifySpacing, cfg.Shards.IdentifySpacing)
	assert.Equal(t, DefaultEventBufferSize, cfg.Events.BufferSize)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "secret-from-env")

	path := writeConfig(t, `
bot:
  token: ${TEST_BOT_TOKEN}
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Bot.Token)
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("QQ_TOKEN", "overlay-token")

	path := writeConfig(t, `
bot:
  token: from-file
`)

	cfg, err := LoadAndValidate(path)
	require.NoError(t, err)
	assert.Equal(t, "overlay-token", cfg.Bot.Token)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BotConfig)
		wantErr string
	}{
		{
			name:    "missing token",
			mutate:  func(c *BotConfig) { c.Bot.Token = "" },
			wantErr: "bot.token is required",
		},
		{
			name:    "negative shard count",
			mutate:  func(c *BotConfig) { c.Shards.Count = -1 },
			wantErr: "shards.count must be >= 0",
		},
		{
			name:    "zero buffer",
			mutate:  func(c *BotConfig) { c.Events.BufferSize = -5 },
			wantErr: "events.buffer_size must be >= 1",
		},
		{
			name:    "bad rest timeout",
			mutate:  func(c *BotConfig) { c.Rest.Timeout = -time.Second },
			wantErr: "rest.timeout must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &BotConfig{}
			cfg.Bot.Token = "tok"
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
