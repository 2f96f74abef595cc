// Package discord is a barebones client for the parts of the Discord REST
// API the puzzle tracker integration needs, plus the typed channel and
// permission-overwrite model the reconciliation engine diffs against.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"unicode"

	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/config"
	"github.com/huntworks/puzzup-sync/internal/ratelimit"
)

const (
	apiBaseURL     = "https://discord.com/api/v10"
	auditLogReason = "via PuzzUp integration"

	// MessageLimit is Discord's per-message content limit in characters.
	MessageLimit = 2000

	// historyPageLimit is the most messages one history page may request.
	historyPageLimit = 100
)

// User is a message author as embedded in message payloads.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Message is a channel message. Only the fields the integration reads are
// modeled.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Author    User   `json:"author"`
	Content   string `json:"content"`
	Pinned    bool   `json:"pinned"`
	Timestamp string `json:"timestamp"`
}

// Embed is a rich embed attached to a message.
type Embed struct {
	Type        string       `json:"type,omitempty"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// EmbedField is a name/value pair rendered inside an embed.
type EmbedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MessagePayload is an outgoing message body.
type MessagePayload struct {
	Content string  `json:"content"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Text wraps a plain string as a message payload.
func Text(s string) MessagePayload {
	return MessagePayload{Content: s}
}

// Client performs authenticated calls against the Discord REST API.
//
// Construct one per process and pass it down explicitly; a nil *Client is
// the "integration disabled" state and every caller in the sync package
// treats it as a no-op.
type Client struct {
	httpClient *http.Client
	token      string
	guildID    string
	baseURL    string
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
}

// NewClient creates a client for one guild. Returns nil when the
// integration is not configured; callers must tolerate a nil client.
func NewClient(cfg *config.DiscordConfig, logger *zap.Logger) *Client {
	if !cfg.Enabled() {
		return nil
	}
	return &Client{
		httpClient: &http.Client{},
		token:      cfg.BotToken,
		guildID:    cfg.GuildID,
		baseURL:    apiBaseURL,
		limiter:    ratelimit.NewLimiter(logger),
		logger:     logger,
	}
}

// GuildID returns the guild this client operates on.
func (c *Client) GuildID() string {
	return c.guildID
}

// SetBaseURL overrides the API base URL (used for testing).
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// request performs one API call. A 204 response leaves out untouched; any
// non-2xx response returns a *APIError with the parsed error body.
func (c *Client) request(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(path); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("X-Audit-Log-Reason", auditLogReason)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	c.limiter.UpdateFromHeaders(path, resp.Header)

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := parseAPIError(resp.StatusCode, respBody)
		if apiErr.IsRateLimited() {
			c.limiter.HandleRateLimited(path, resp.Header)
		}
		c.logger.Error("discord request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", apiErr.Status),
			zap.Int("code", apiErr.Code),
			zap.String("message", apiErr.Message),
		)
		return apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// ListGuildChannels fetches every channel in the guild, categories included.
func (c *Client) ListGuildChannels(ctx context.Context) ([]*Channel, error) {
	var channels []*Channel
	err := c.request(ctx, http.MethodGet, "/guilds/"+c.guildID+"/channels", nil, &channels)
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// GetChannel fetches one channel by id.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.request(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateChannel creates a new channel in the guild from a partial field
// set (name, type, topic, permission_overwrites, ...).
func (c *Client) CreateChannel(ctx context.Context, params map[string]any) (*Channel, error) {
	var ch Channel
	err := c.request(ctx, http.MethodPost, "/guilds/"+c.guildID+"/channels", params, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// UpdateChannel patches only the fields present in updates.
func (c *Client) UpdateChannel(ctx context.Context, channelID string, updates map[string]any) (*Channel, error) {
	var ch Channel
	err := c.request(ctx, http.MethodPatch, "/channels/"+channelID, updates, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateCategory creates a new category channel in the guild.
func (c *Client) CreateCategory(ctx context.Context, name string) (*Channel, error) {
	return c.CreateChannel(ctx, map[string]any{
		"name": name,
		"type": ChannelTypeGuildCategory,
	})
}

// DeleteChannel deletes a channel or category.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	return c.request(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
}

// UpdateChannelPositions bulk-patches channel positions in the guild.
func (c *Client) UpdateChannelPositions(ctx context.Context, positions []ChannelPosition) error {
	return c.request(ctx, http.MethodPatch, "/guilds/"+c.guildID+"/channels", positions, nil)
}

// ChannelPosition is one entry of a bulk position update.
type ChannelPosition struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// GetGuildMember finds a guild member by discord id, or nil if they are
// not in the guild.
func (c *Client) GetGuildMember(ctx context.Context, discordID string) (map[string]any, error) {
	var member map[string]any
	err := c.request(ctx, http.MethodGet, "/guilds/"+c.guildID+"/members/"+discordID, nil, &member)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return nil, nil
		}
		return nil, err
	}
	return member, nil
}

// CreateThread creates a thread under a parent text channel.
func (c *Client) CreateThread(ctx context.Context, channelID string, params map[string]any) (*Thread, error) {
	var th Thread
	err := c.request(ctx, http.MethodPost, "/channels/"+channelID+"/threads", params, &th)
	if err != nil {
		return nil, err
	}
	return &th, nil
}

// AddThreadMember adds a user to a thread.
func (c *Client) AddThreadMember(ctx context.Context, threadID, userID string) error {
	return c.request(ctx, http.MethodPut, "/channels/"+threadID+"/thread-members/"+userID, nil, nil)
}

// RemoveThreadMember removes a user from a thread.
func (c *Client) RemoveThreadMember(ctx context.Context, threadID, userID string) error {
	return c.request(ctx, http.MethodDelete, "/channels/"+threadID+"/thread-members/"+userID, nil, nil)
}

// PostMessage posts a message to a channel.
//
// Content longer than MessageLimit is split into sequential messages at the
// last whitespace boundary at or before the limit, so words are never cut
// in half. Embeds ride on the final chunk. The final chunk's message is
// returned.
func (c *Client) PostMessage(ctx context.Context, channelID string, payload MessagePayload) (*Message, error) {
	chunks := ChunkContent(payload.Content, MessageLimit)
	if len(chunks) == 0 {
		chunks = []string{payload.Content}
	}

	var msg *Message
	for i, chunk := range chunks {
		body := MessagePayload{Content: chunk}
		if i == len(chunks)-1 {
			body.Embeds = payload.Embeds
		}
		var m Message
		err := c.request(ctx, http.MethodPost, "/channels/"+channelID+"/messages", body, &m)
		if err != nil {
			return nil, err
		}
		msg = &m
	}
	return msg, nil
}

// EditMessage replaces a message's payload.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, payload MessagePayload) (*Message, error) {
	var m Message
	err := c.request(ctx, http.MethodPatch, "/channels/"+channelID+"/messages/"+messageID, payload, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return c.request(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
}

// PinMessage pins a message in its channel.
func (c *Client) PinMessage(ctx context.Context, channelID, messageID string) error {
	return c.request(ctx, http.MethodPut, "/channels/"+channelID+"/pins/"+messageID, nil, nil)
}

// GetChannelPins lists a channel's pinned messages.
func (c *Client) GetChannelPins(ctx context.Context, channelID string) ([]Message, error) {
	var msgs []Message
	err := c.request(ctx, http.MethodGet, "/channels/"+channelID+"/pins", nil, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// HistoryOptions select a message page. Discord returns messages newest
// first.
type HistoryOptions struct {
	Before string
	After  string
	Around string
	Limit  int
}

// GetChannelMessages fetches one page of channel messages.
func (c *Client) GetChannelMessages(ctx context.Context, channelID string, opts HistoryOptions) ([]Message, error) {
	params := url.Values{}
	if opts.Before != "" {
		params.Set("before", opts.Before)
	}
	if opts.After != "" {
		params.Set("after", opts.After)
	}
	if opts.Around != "" {
		params.Set("around", opts.Around)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > historyPageLimit {
		limit = historyPageLimit
	}
	params.Set("limit", strconv.Itoa(limit))

	var msgs []Message
	err := c.request(ctx, http.MethodGet, "/channels/"+channelID+"/messages?"+params.Encode(), nil, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetMessageHistory paginates backward through a channel's history until
// total messages are collected, a short or empty page signals the start of
// the channel, or the server starts rate-limiting, in which case whatever
// has been accumulated is returned rather than failing the whole call.
//
// The before-cursor is always the oldest message id seen so far. Pauses
// between full pages when the advertised rate-limit budget is exhausted are
// handled by the limiter inside request.
func (c *Client) GetMessageHistory(ctx context.Context, channelID string, total int) ([]Message, error) {
	var all []Message
	before := ""
	for len(all) < total {
		limit := total - len(all)
		if limit > historyPageLimit {
			limit = historyPageLimit
		}
		page, err := c.GetChannelMessages(ctx, channelID, HistoryOptions{Before: before, Limit: limit})
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.IsRateLimited() {
				c.logger.Warn("message history truncated by rate limit",
					zap.String("channel_id", channelID),
					zap.Int("collected", len(all)),
				)
				return all, nil
			}
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		before = page[len(page)-1].ID
		if len(page) < limit {
			break
		}
	}
	return all, nil
}

// SetChannelPermission creates or replaces one permission overwrite on a
// channel.
func (c *Client) SetChannelPermission(ctx context.Context, channelID string, overwrite Overwrite) error {
	return c.request(ctx, http.MethodPut, "/channels/"+channelID+"/permissions/"+overwrite.ID, overwrite, nil)
}

// DeleteChannelPermission removes one permission overwrite from a channel.
func (c *Client) DeleteChannelPermission(ctx context.Context, channelID, entityID string) error {
	return c.request(ctx, http.MethodDelete, "/channels/"+channelID+"/permissions/"+entityID, nil, nil)
}

// ChunkContent splits content into pieces of at most limit runes, breaking
// at the last whitespace at or before the limit. The whitespace a split
// lands on is consumed; re-joining the chunks with single separators
// reproduces the original content. Content with an unbroken run longer
// than limit is hard-split at the limit.
func ChunkContent(content string, limit int) []string {
	runes := []rune(content)
	if len(runes) <= limit {
		return []string{content}
	}

	var chunks []string
	for len(runes) > limit {
		split := -1
		for i := limit; i >= 0; i-- {
			if unicode.IsSpace(runes[i]) {
				split = i
				break
			}
		}
		if split <= 0 {
			chunks = append(chunks, string(runes[:limit]))
			runes = runes[limit:]
			continue
		}
		chunks = append(chunks, string(runes[:split]))
		runes = runes[split+1:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
