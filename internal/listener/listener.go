// Package listener maintains the Discord mirror tables from gateway
// events, so channels renamed or moved by hand in Discord are reflected
// locally without waiting for the next reconciliation.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/config"
	"github.com/huntworks/puzzup-sync/internal/discord"
	"github.com/huntworks/puzzup-sync/internal/models"
)

const (
	defaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// Gateway opcodes
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11

	// Gateway intents
	intentGuilds       = 1 << 0
	intentGuildMembers = 1 << 1

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute
)

// Store is the mirror persistence the listener writes through.
type Store interface {
	UpsertTextChannel(ctx context.Context, ch *models.TextChannelMirror) error
	DeleteTextChannel(ctx context.Context, id string) error
	UpsertCategory(ctx context.Context, cat *models.CategoryMirror) error
	DeleteCategory(ctx context.Context, id string) error
	UpsertUserDiscordNames(ctx context.Context, discordUserID, username, nickname string) error
}

// Listener is one long-lived gateway connection for the configured guild.
type Listener struct {
	cfg        *config.DiscordConfig
	store      Store
	logger     *zap.Logger
	gatewayURL string

	// connMu serializes writes to conn; the websocket package allows at
	// most one writer at a time, and both the heartbeat goroutine and the
	// read loop send frames.
	conn   *websocket.Conn
	connMu sync.Mutex

	sequenceNum int64
	sequenceMu  sync.RWMutex
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s"`
	T  *string         `json:"t"`
}

type helloPayload struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// New creates a listener. Returns nil when Discord is not configured.
func New(cfg *config.DiscordConfig, store Store, logger *zap.Logger) *Listener {
	if !cfg.Enabled() {
		return nil
	}
	return &Listener{cfg: cfg, store: store, logger: logger, gatewayURL: defaultGatewayURL}
}

// Run connects to the gateway and processes events until ctx is cancelled,
// reconnecting with backoff on any connection failure.
func (l *Listener) Run(ctx context.Context) error {
	delay := reconnectBaseDelay
	for {
		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("gateway connection lost, reconnecting",
			zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// runOnce dials the gateway and reads events until the connection drops.
func (l *Listener) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	defer func() {
		l.connMu.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
			l.conn = nil
		}
		l.connMu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read gateway message: %w", err)
		}

		var payload gatewayPayload
		if err := json.Unmarshal(message, &payload); err != nil {
			l.logger.Error("failed to decode gateway payload", zap.Error(err))
			continue
		}
		if payload.S != nil {
			l.setSequence(*payload.S)
		}

		switch payload.Op {
		case opHello:
			var hello helloPayload
			if err := json.Unmarshal(payload.D, &hello); err != nil {
				return fmt.Errorf("failed to decode HELLO: %w", err)
			}
			interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
			go l.heartbeatLoop(heartbeatCtx, interval)
			if err := l.sendIdentify(); err != nil {
				return err
			}

		case opHeartbeatACK:
			l.logger.Debug("heartbeat acknowledged")

		case opHeartbeat:
			if err := l.sendHeartbeat(); err != nil {
				return err
			}

		case opReconnect, opInvalidSession:
			// Drop the connection; Run re-dials and re-identifies.
			return fmt.Errorf("gateway requested reconnect (op %d)", payload.Op)

		case opDispatch:
			if payload.T == nil {
				continue
			}
			if err := l.handleDispatch(ctx, *payload.T, payload.D); err != nil {
				l.logger.Error("failed to handle gateway event",
					zap.String("event_type", *payload.T), zap.Error(err))
			}
		}
	}
}

func (l *Listener) sendIdentify() error {
	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token": l.cfg.BotToken,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "puzzup-sync",
				"device":  "puzzup-sync",
			},
			"intents": intentGuilds | intentGuildMembers,
		},
	}
	return l.sendJSON(identify)
}

func (l *Listener) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.sendHeartbeat(); err != nil {
				l.logger.Error("failed to send heartbeat", zap.Error(err))
				return
			}
		}
	}
}

func (l *Listener) sendHeartbeat() error {
	l.sequenceMu.RLock()
	seq := l.sequenceNum
	l.sequenceMu.RUnlock()
	return l.sendJSON(map[string]any{"op": opHeartbeat, "d": seq})
}

func (l *Listener) sendJSON(v any) error {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("gateway connection is closed")
	}
	return l.conn.WriteJSON(v)
}

func (l *Listener) setSequence(seq int64) {
	l.sequenceMu.Lock()
	l.sequenceNum = seq
	l.sequenceMu.Unlock()
}

// memberPayload is the subset of GUILD_MEMBER_* events we care about.
type memberPayload struct {
	GuildID string `json:"guild_id"`
	Nick    string `json:"nick"`
	User    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

// handleDispatch routes one gateway event into the mirror tables.
func (l *Listener) handleDispatch(ctx context.Context, eventType string, data json.RawMessage) error {
	switch eventType {
	case "READY":
		l.logger.Info("gateway session ready")
		return nil

	case "CHANNEL_CREATE", "CHANNEL_UPDATE":
		var ch discord.Channel
		if err := json.Unmarshal(data, &ch); err != nil {
			return fmt.Errorf("failed to decode channel event: %w", err)
		}
		return l.upsertChannel(ctx, &ch)

	case "CHANNEL_DELETE":
		var ch discord.Channel
		if err := json.Unmarshal(data, &ch); err != nil {
			return fmt.Errorf("failed to decode channel event: %w", err)
		}
		if ch.GuildID != l.cfg.GuildID {
			return nil
		}
		if ch.Type == discord.ChannelTypeGuildCategory {
			return l.store.DeleteCategory(ctx, ch.ID)
		}
		return l.store.DeleteTextChannel(ctx, ch.ID)

	case "GUILD_MEMBER_ADD", "GUILD_MEMBER_UPDATE":
		var m memberPayload
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to decode member event: %w", err)
		}
		if m.GuildID != l.cfg.GuildID || m.User.ID == "" {
			return nil
		}
		return l.store.UpsertUserDiscordNames(ctx, m.User.ID, m.User.Username, m.Nick)

	default:
		return nil
	}
}

// upsertChannel mirrors one created or updated channel. Categories whose
// names parse to a status are tracked with their status and suffix so the
// engine can find them; anything else in the guild is mirrored too, which
// keeps the child counts honest.
func (l *Listener) upsertChannel(ctx context.Context, ch *discord.Channel) error {
	if ch.GuildID != l.cfg.GuildID {
		return nil
	}
	position := 0
	if ch.Position != nil {
		position = *ch.Position
	}

	switch ch.Type {
	case discord.ChannelTypeGuildCategory:
		cat := &models.CategoryMirror{
			ID:       ch.ID,
			Name:     ch.Name,
			Position: position,
		}
		if st, index, ok := models.ParseCategoryName(l.cfg.CategoryPrefix, ch.Name); ok {
			cat.Status = st
			cat.StatusIndex = index
		}
		return l.store.UpsertCategory(ctx, cat)

	case discord.ChannelTypeGuildText:
		return l.store.UpsertTextChannel(ctx, &models.TextChannelMirror{
			ID:         ch.ID,
			Name:       ch.Name,
			Topic:      ch.Topic,
			Position:   position,
			CategoryID: ch.ParentID,
			Overwrites: ch.Overwrites,
		})

	default:
		return nil
	}
}
