package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/config"
	"github.com/huntworks/puzzup-sync/internal/status"
	"github.com/huntworks/puzzup-sync/internal/testutil"
)

func testListener(t *testing.T) (*Listener, *testutil.FakeStore) {
	t.Helper()
	store := testutil.NewFakeStore()
	cfg := &config.DiscordConfig{
		BotToken:       "tok",
		GuildID:        "g1",
		CategoryPrefix: "🧩 ",
	}
	l := New(cfg, store, zap.NewNop())
	require.NotNil(t, l)
	return l, store
}

func TestNew_DisabledConfig(t *testing.T) {
	assert.Nil(t, New(&config.DiscordConfig{}, testutil.NewFakeStore(), zap.NewNop()))
}

// The heartbeat goroutine and the read loop (identify, op-1 replies) both
// write to the same connection; the websocket package supports only one
// writer at a time, so those sends must be serialized. The server here
// hands out a very short heartbeat interval and then floods heartbeat
// requests, which makes the two writers collide under the race detector
// if they are not.
func TestRunOnce_SerializesConcurrentWrites(t *testing.T) {
	var frames atomic.Int64
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
				frames.Add(1)
			}
		}()

		hello := map[string]any{"op": opHello, "d": map[string]any{"heartbeat_interval": 3}}
		if err := conn.WriteJSON(hello); err != nil {
			return
		}
		for i := 0; i < 100; i++ {
			if err := conn.WriteJSON(map[string]any{"op": opHeartbeat}); err != nil {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	l, _ := testListener(t)
	l.gatewayURL = "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Returns once the server hangs up.
	err := l.runOnce(ctx)
	assert.Error(t, err)
	assert.Greater(t, frames.Load(), int64(50), "identify, ticker heartbeats and op-1 replies all arrived")
}

func TestHandleDispatch_ChannelCreateMirrorsTextChannel(t *testing.T) {
	l, store := testListener(t)

	event := json.RawMessage(`{
		"id": "ch1", "name": "puzzle-001", "type": 0, "guild_id": "g1",
		"parent_id": "cat1", "topic": "t", "position": 3,
		"permission_overwrites": [{"id": "u1", "type": 1, "allow": "1024", "deny": "0"}]
	}`)
	require.NoError(t, l.handleDispatch(context.Background(), "CHANNEL_CREATE", event))

	ch, err := store.TextChannel(context.Background(), "ch1")
	require.NoError(t, err)
	assert.Equal(t, "puzzle-001", ch.Name)
	assert.Equal(t, "cat1", ch.CategoryID)
	assert.Equal(t, 3, ch.Position)
	require.Len(t, ch.Overwrites, 1)
}

func TestHandleDispatch_CategoryNameParsed(t *testing.T) {
	l, store := testListener(t)

	event := json.RawMessage(`{"id": "cat1", "name": "🧩 Writing (Answer Assigned)-2", "type": 4, "guild_id": "g1"}`)
	require.NoError(t, l.handleDispatch(context.Background(), "CHANNEL_UPDATE", event))

	cat, ok := store.Categories["cat1"]
	require.True(t, ok)
	assert.Equal(t, status.Writing, cat.Status)
	assert.Equal(t, 2, cat.StatusIndex)
}

func TestHandleDispatch_UnmanagedCategoryStillMirrored(t *testing.T) {
	l, store := testListener(t)

	event := json.RawMessage(`{"id": "cat2", "name": "general stuff", "type": 4, "guild_id": "g1"}`)
	require.NoError(t, l.handleDispatch(context.Background(), "CHANNEL_CREATE", event))

	cat, ok := store.Categories["cat2"]
	require.True(t, ok)
	assert.Empty(t, cat.Status)
}

func TestHandleDispatch_ChannelDelete(t *testing.T) {
	l, store := testListener(t)

	create := json.RawMessage(`{"id": "ch1", "name": "n", "type": 0, "guild_id": "g1"}`)
	require.NoError(t, l.handleDispatch(context.Background(), "CHANNEL_CREATE", create))

	del := json.RawMessage(`{"id": "ch1", "name": "n", "type": 0, "guild_id": "g1"}`)
	require.NoError(t, l.handleDispatch(context.Background(), "CHANNEL_DELETE", del))

	_, err := store.TextChannel(context.Background(), "ch1")
	assert.Error(t, err)
}

func TestHandleDispatch_IgnoresOtherGuilds(t *testing.T) {
	l, store := testListener(t)

	event := json.RawMessage(`{"id": "ch9", "name": "n", "type": 0, "guild_id": "other"}`)
	require.NoError(t, l.handleDispatch(context.Background(), "CHANNEL_CREATE", event))
	assert.Empty(t, store.TextChannels)
}

func TestHandleDispatch_IgnoresVoiceChannels(t *testing.T) {
	l, store := testListener(t)

	event := json.RawMessage(`{"id": "v1", "name": "voice", "type": 2, "guild_id": "g1"}`)
	require.NoError(t, l.handleDispatch(context.Background(), "CHANNEL_CREATE", event))
	assert.Empty(t, store.TextChannels)
	assert.Empty(t, store.Categories)
}

func TestHandleDispatch_MemberUpdateRefreshesNames(t *testing.T) {
	l, store := testListener(t)

	event := json.RawMessage(`{"guild_id": "g1", "nick": "Frankie", "user": {"id": "d-frank", "username": "frank#0"}}`)
	require.NoError(t, l.handleDispatch(context.Background(), "GUILD_MEMBER_UPDATE", event))
	assert.Equal(t, [2]string{"frank#0", "Frankie"}, store.DiscordNames["d-frank"])

	// Members of other guilds and payloads without a user id are ignored.
	other := json.RawMessage(`{"guild_id": "elsewhere", "user": {"id": "d2", "username": "x"}}`)
	require.NoError(t, l.handleDispatch(context.Background(), "GUILD_MEMBER_ADD", other))
	assert.NotContains(t, store.DiscordNames, "d2")
}

func TestHandleDispatch_UnknownEventIgnored(t *testing.T) {
	l, _ := testListener(t)
	assert.NoError(t, l.handleDispatch(context.Background(), "TYPING_START", json.RawMessage(`{}`)))
}
