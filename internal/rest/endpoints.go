package rest

import (
	"context"
	"net/http"
)

// GatewayBot is the bootstrap response: where to connect, how many shards
// the vendor recommends, and how fast sessions may be started.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit bounds Identify attempts per bot.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"` // milliseconds
	MaxConcurrency int   `json:"max_concurrency"`
}

// User is the minimal identity returned by /users/@me.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Message is the minimal shape of a created or fetched message.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// MessageSend is the body of a message creation call.
type MessageSend struct {
	Content string `json:"content,omitempty"`
	Image   string `json:"image,omitempty"`
	MsgID   string `json:"msg_id,omitempty"` // reply reference
}

// Guild is the minimal shape of a fetched guild.
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

// GatewayBot fetches the gateway URL, recommended shard count, and session
// start limit. The shard manager calls this once at startup.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var out GatewayBot
	if err := c.doJSON(ctx, NewRoute(http.MethodGet, "/gateway/bot", nil), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Me validates the token by fetching the bot's own user. A 401 here means
// the credentials are bad; callers treat that as fatal.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var out User
	if err := c.doJSON(ctx, NewRoute(http.MethodGet, "/users/@me", nil), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateMessage posts a message to a channel. channel_id is the major
// parameter: each channel gets its own bucket.
func (c *Client) CreateMessage(ctx context.Context, channelID string, send MessageSend) (*Message, error) {
	r := NewRoute(http.MethodPost, "/channels/{channel_id}/messages", map[string]string{
		"channel_id": channelID,
	})
	var out Message
	if err := c.doJSON(ctx, r, send, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMessage fetches one message from a channel.
func (c *Client) GetMessage(ctx context.Context, channelID, messageID string) (*Message, error) {
	r := NewRoute(http.MethodGet, "/channels/{channel_id}/messages/{message_id}", map[string]string{
		"channel_id": channelID,
		"message_id": messageID,
	})
	var out Message
	if err := c.doJSON(ctx, r, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetGuild fetches one guild. guild_id is the major parameter.
func (c *Client) GetGuild(ctx context.Context, guildID string) (*Guild, error) {
	r := NewRoute(http.MethodGet, "/guilds/{guild_id}", map[string]string{
		"guild_id": guildID,
	})
	var out Guild
	if err := c.doJSON(ctx, r, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
