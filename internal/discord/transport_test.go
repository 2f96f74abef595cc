package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/config"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(&config.DiscordConfig{BotToken: "tok", GuildID: "g1"}, zap.NewNop())
	require.NotNil(t, client)
	client.SetBaseURL(server.URL)
	return client, server
}

func TestNewClient_DisabledConfig(t *testing.T) {
	assert.Nil(t, NewClient(&config.DiscordConfig{}, zap.NewNop()))
}

func TestRequest_SetsHeaders(t *testing.T) {
	var gotAuth, gotReason string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReason = r.Header.Get("X-Audit-Log-Reason")
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, client.DeleteChannel(context.Background(), "123"))
	assert.Equal(t, "Bot tok", gotAuth)
	assert.NotEmpty(t, gotReason)
}

func TestRequest_ParsesFieldErrors(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{
			"code": 50035,
			"message": "Invalid Form Body",
			"errors": {"parent_id": {"_errors": [{"code": "CHANNEL_PARENT_MAX_CHANNELS", "message": "full"}]}}
		}`)
	}))

	_, err := client.UpdateChannel(context.Background(), "123", map[string]any{"parent_id": "c1"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, 50035, apiErr.Code)
	assert.Equal(t, ErrCodeParentMaxChannels, apiErr.FieldErrorCode("parent_id"))
	assert.Empty(t, apiErr.FieldErrorCode("name"))
}

func TestRequest_NotFound(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code": 10003, "message": "Unknown Channel"}`)
	}))

	_, err := client.GetChannel(context.Background(), "nope")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsNotFound())
}

func TestGetChannelMessages_LimitClamping(t *testing.T) {
	var limits []string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limits = append(limits, r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[]`)
	}))

	// Unset falls back to the Discord default, oversized degrades to the
	// largest legal page.
	_, err := client.GetChannelMessages(context.Background(), "ch1", HistoryOptions{})
	require.NoError(t, err)
	_, err = client.GetChannelMessages(context.Background(), "ch1", HistoryOptions{Limit: 500})
	require.NoError(t, err)
	_, err = client.GetChannelMessages(context.Background(), "ch1", HistoryOptions{Limit: 25})
	require.NoError(t, err)

	assert.Equal(t, []string{"50", "100", "25"}, limits)
}

func TestGetGuildMember(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/members/d1") {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"code": 10007, "message": "Unknown Member"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"nick": "Frankie", "user": {"id": "d1", "username": "frank#0"}}`)
	}))

	member, err := client.GetGuildMember(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, member)
	assert.Equal(t, "Frankie", member["nick"])

	// Non-members come back as nil rather than an error.
	member, err = client.GetGuildMember(context.Background(), "stranger")
	require.NoError(t, err)
	assert.Nil(t, member)
}

func TestPostMessage_Chunked(t *testing.T) {
	var payloads []MessagePayload
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p MessagePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		payloads = append(payloads, p)
		writeMsg(w, strconv.Itoa(len(payloads)))
	}))

	// 4500 chars of words; every chunk must fit the limit and no word may
	// be cut in half.
	content := strings.TrimSpace(strings.Repeat("abcdefghi ", 450))
	embeds := []Embed{{Type: "rich", Description: "d"}}
	msg, err := client.PostMessage(context.Background(), "c1", MessagePayload{Content: content, Embeds: embeds})
	require.NoError(t, err)

	require.Len(t, payloads, 3)
	var parts []string
	for i, p := range payloads {
		assert.LessOrEqual(t, len([]rune(p.Content)), MessageLimit)
		assert.False(t, strings.HasPrefix(p.Content, " "))
		assert.False(t, strings.HasSuffix(p.Content, " "))
		if i < len(payloads)-1 {
			assert.Empty(t, p.Embeds, "embeds must ride only on the final chunk")
		} else {
			assert.Len(t, p.Embeds, 1)
		}
		parts = append(parts, p.Content)
	}
	assert.Equal(t, content, strings.Join(parts, " "))
	// The final chunk's message comes back.
	assert.Equal(t, "3", msg.ID)
}

func TestChunkContent_HardSplit(t *testing.T) {
	content := strings.Repeat("x", 25)
	chunks := ChunkContent(content, 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), "xxxxx"}, chunks)
}

func TestChunkContent_Short(t *testing.T) {
	assert.Equal(t, []string{"hello"}, ChunkContent("hello", 10))
	assert.Equal(t, []string{""}, ChunkContent("", 10))
}

func writeMsg(w http.ResponseWriter, id string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id": %q, "content": "", "author": {"id": "bot"}}`, id)
}

func TestGetMessageHistory_Paginates(t *testing.T) {
	// 150 messages, ids 150 (newest) down to 1.
	var requests []string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.URL.RawQuery)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		newest := 150
		if before := r.URL.Query().Get("before"); before != "" {
			n, _ := strconv.Atoi(before)
			newest = n - 1
		}

		w.Header().Set("Content-Type", "application/json")
		var out []string
		for id := newest; id > 0 && len(out) < limit; id-- {
			out = append(out, fmt.Sprintf(`{"id": "%d", "author": {"id": "u"}}`, id))
		}
		fmt.Fprint(w, "["+strings.Join(out, ",")+"]")
	}))

	msgs, err := client.GetMessageHistory(context.Background(), "c1", 120)
	require.NoError(t, err)
	require.Len(t, msgs, 120)
	assert.Equal(t, "150", msgs[0].ID)
	assert.Equal(t, "31", msgs[119].ID)
	// One full page, then the remainder with a before-cursor.
	require.Len(t, requests, 2)
	assert.Contains(t, requests[1], "before=51")
}

func TestGetMessageHistory_StopsOnShortPage(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id": "2", "author": {"id": "u"}}, {"id": "1", "author": {"id": "u"}}]`)
	}))

	msgs, err := client.GetMessageHistory(context.Background(), "c1", 500)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestGetMessageHistory_RateLimitReturnsAccumulated(t *testing.T) {
	calls := 0
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			var out []string
			for id := 200; len(out) < limit; id-- {
				out = append(out, fmt.Sprintf(`{"id": "%d", "author": {"id": "u"}}`, id))
			}
			fmt.Fprint(w, "["+strings.Join(out, ",")+"]")
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"message": "You are being rate limited.", "retry_after": 0.5}`)
	}))

	msgs, err := client.GetMessageHistory(context.Background(), "c1", 500)
	require.NoError(t, err)
	assert.Len(t, msgs, 100, "accumulated pages are kept on 429")
}
