// Package testutil provides a stateful in-memory Discord guild behind an
// httptest server, plus shared fixtures for engine tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"

	"github.com/huntworks/puzzup-sync/internal/discord"
)

// MockChannel is one channel held by the mock guild.
type MockChannel struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Type       int                 `json:"type"`
	GuildID    string              `json:"guild_id"`
	ParentID   string              `json:"parent_id,omitempty"`
	Topic      string              `json:"topic,omitempty"`
	Position   int                 `json:"position"`
	Overwrites []discord.Overwrite `json:"permission_overwrites"`
}

// MockMessage is one message held by the mock guild.
type MockMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Author  struct {
		ID string `json:"id"`
	} `json:"author"`
	Pinned bool          `json:"pinned"`
	Embeds []interface{} `json:"embeds,omitempty"`
}

// MockGuild is a mock Discord API backed by in-memory state, faithful
// enough to exercise the reconciliation paths: category capacity is
// enforced with the real per-field error body, message edit limits return
// the real error code, and every write is counted so tests can assert that
// a repeated sync performs no writes.
type MockGuild struct {
	Server *httptest.Server

	mu       sync.Mutex
	guildID  string
	nextID   int
	channels map[string]*MockChannel
	// messages are held oldest-first per channel.
	messages map[string][]*MockMessage
	editsPer map[string]int
	// members maps discord user id to nickname.
	members map[string]string

	// CategoryCapacity is the max direct children per category.
	CategoryCapacity int
	// EditLimit, when positive, fails message edits beyond it with the
	// too-many-edits code.
	EditLimit int

	// Write counters, keyed by concern.
	CreateChannelCalls int
	UpdateChannelCalls int
	DeleteChannelCalls int
	PostMessageCalls   int
	EditMessageCalls   int
	PinCalls           int
	PermissionCalls    int
	ThreadCalls        int
}

// NewMockGuild starts a mock guild server. Callers own Close.
func NewMockGuild(guildID string) *MockGuild {
	g := &MockGuild{
		guildID:          guildID,
		nextID:           1000,
		channels:         make(map[string]*MockChannel),
		messages:         make(map[string][]*MockMessage),
		editsPer:         make(map[string]int),
		members:          make(map[string]string),
		CategoryCapacity: 50,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /guilds/"+guildID+"/channels", g.listChannels)
	mux.HandleFunc("POST /guilds/"+guildID+"/channels", g.createChannel)
	mux.HandleFunc("PATCH /guilds/"+guildID+"/channels", g.bulkPositions)
	mux.HandleFunc("GET /channels/{id}", g.getChannel)
	mux.HandleFunc("PATCH /channels/{id}", g.updateChannel)
	mux.HandleFunc("DELETE /channels/{id}", g.deleteChannel)
	mux.HandleFunc("POST /channels/{id}/messages", g.postMessage)
	mux.HandleFunc("GET /channels/{id}/messages", g.getMessages)
	mux.HandleFunc("PATCH /channels/{id}/messages/{mid}", g.editMessage)
	mux.HandleFunc("DELETE /channels/{id}/messages/{mid}", g.deleteMessage)
	mux.HandleFunc("PUT /channels/{id}/pins/{mid}", g.pinMessage)
	mux.HandleFunc("GET /channels/{id}/pins", g.getPins)
	mux.HandleFunc("PUT /channels/{id}/permissions/{oid}", g.setPermission)
	mux.HandleFunc("DELETE /channels/{id}/permissions/{oid}", g.deletePermission)
	mux.HandleFunc("POST /channels/{id}/threads", g.createThread)
	mux.HandleFunc("PUT /channels/{id}/thread-members/{uid}", g.noContent)
	mux.HandleFunc("DELETE /channels/{id}/thread-members/{uid}", g.noContent)
	mux.HandleFunc("GET /guilds/"+guildID+"/members/{uid}", g.getMember)

	g.Server = httptest.NewServer(mux)
	return g
}

// Close shuts the server down.
func (g *MockGuild) Close() {
	g.Server.Close()
}

// URL returns the base URL to point a discord.Client at.
func (g *MockGuild) URL() string {
	return g.Server.URL
}

// WriteCalls sums every state-changing request seen so far.
func (g *MockGuild) WriteCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.CreateChannelCalls + g.UpdateChannelCalls + g.DeleteChannelCalls +
		g.PostMessageCalls + g.EditMessageCalls + g.PinCalls + g.PermissionCalls + g.ThreadCalls
}

// Channel returns a copy of a channel's state, or nil.
func (g *MockGuild) Channel(id string) *MockChannel {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[id]
	if !ok {
		return nil
	}
	cp := *ch
	return &cp
}

// AddChannel seeds a channel directly, bypassing the API.
func (g *MockGuild) AddChannel(ch *MockChannel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch.ID == "" {
		ch.ID = g.allocID()
	}
	ch.GuildID = g.guildID
	g.channels[ch.ID] = ch
}

// AddMessage seeds a message in a channel, bypassing the API.
func (g *MockGuild) AddMessage(channelID, authorID, content string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := &MockMessage{ID: g.allocID(), Content: content}
	m.Author.ID = authorID
	g.messages[channelID] = append(g.messages[channelID], m)
	return m.ID
}

// Pin marks a seeded message as pinned, bypassing the API.
func (g *MockGuild) Pin(channelID, messageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.messages[channelID] {
		if m.ID == messageID {
			m.Pinned = true
		}
	}
}

// ChildCount counts a category's direct children.
func (g *MockGuild) ChildCount(categoryID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.childCountLocked(categoryID)
}

func (g *MockGuild) childCountLocked(categoryID string) int {
	n := 0
	for _, ch := range g.channels {
		if ch.ParentID == categoryID {
			n++
		}
	}
	return n
}

func (g *MockGuild) allocID() string {
	g.nextID++
	return strconv.Itoa(g.nextID)
}

// AddMember seeds a guild member, keyed by discord user id.
func (g *MockGuild) AddMember(userID, nick string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[userID] = nick
}

func (g *MockGuild) getMember(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	userID := r.PathValue("uid")
	nick, ok := g.members[userID]
	if !ok {
		writeError(w, http.StatusNotFound, 10007, "Unknown Member")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nick": nick,
		"user": map[string]any{"id": userID, "username": "user-" + userID},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, map[string]any{"code": code, "message": message})
}

// writeParentFull emits the per-field validation body a real guild returns
// when a category is at capacity.
func writeParentFull(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"code":    50035,
		"message": "Invalid Form Body",
		"errors": map[string]any{
			"parent_id": map[string]any{
				"_errors": []map[string]string{{
					"code":    "CHANNEL_PARENT_MAX_CHANNELS",
					"message": "Maximum number of channels in this category reached (50)",
				}},
			},
		},
	})
}

func (g *MockGuild) listChannels(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*MockChannel, 0, len(g.channels))
	for _, ch := range g.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (g *MockGuild) createChannel(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CreateChannelCalls++

	var params struct {
		Name       string              `json:"name"`
		Type       int                 `json:"type"`
		ParentID   string              `json:"parent_id"`
		Topic      string              `json:"topic"`
		Overwrites []discord.Overwrite `json:"permission_overwrites"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, 0, "invalid body")
		return
	}
	if params.ParentID != "" && g.childCountLocked(params.ParentID) >= g.CategoryCapacity {
		writeParentFull(w)
		return
	}

	ch := &MockChannel{
		ID:         g.allocID(),
		Name:       params.Name,
		Type:       params.Type,
		GuildID:    g.guildID,
		ParentID:   params.ParentID,
		Topic:      params.Topic,
		Position:   len(g.channels),
		Overwrites: params.Overwrites,
	}
	g.channels[ch.ID] = ch
	writeJSON(w, http.StatusCreated, ch)
}

func (g *MockGuild) bulkPositions(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.UpdateChannelCalls++

	var positions []struct {
		ID       string `json:"id"`
		Position int    `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&positions); err != nil {
		writeError(w, http.StatusBadRequest, 0, "invalid body")
		return
	}
	for _, pos := range positions {
		if ch, ok := g.channels[pos.ID]; ok {
			ch.Position = pos.Position
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *MockGuild) getChannel(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, 10003, "Unknown Channel")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (g *MockGuild) updateChannel(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.UpdateChannelCalls++

	ch, ok := g.channels[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, 10003, "Unknown Channel")
		return
	}

	var updates map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, 0, "invalid body")
		return
	}

	if raw, ok := updates["parent_id"]; ok {
		var parentID string
		_ = json.Unmarshal(raw, &parentID)
		if parentID != "" && parentID != ch.ParentID &&
			g.childCountLocked(parentID) >= g.CategoryCapacity {
			writeParentFull(w)
			return
		}
		ch.ParentID = parentID
	}
	if raw, ok := updates["name"]; ok {
		_ = json.Unmarshal(raw, &ch.Name)
	}
	if raw, ok := updates["topic"]; ok {
		_ = json.Unmarshal(raw, &ch.Topic)
	}
	if raw, ok := updates["position"]; ok {
		_ = json.Unmarshal(raw, &ch.Position)
	}
	if raw, ok := updates["permission_overwrites"]; ok {
		var overwrites []discord.Overwrite
		_ = json.Unmarshal(raw, &overwrites)
		ch.Overwrites = overwrites
	}
	writeJSON(w, http.StatusOK, ch)
}

func (g *MockGuild) deleteChannel(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.DeleteChannelCalls++

	id := r.PathValue("id")
	if _, ok := g.channels[id]; !ok {
		writeError(w, http.StatusNotFound, 10003, "Unknown Channel")
		return
	}
	delete(g.channels, id)
	delete(g.messages, id)
	w.WriteHeader(http.StatusNoContent)
}

func (g *MockGuild) postMessage(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PostMessageCalls++

	id := r.PathValue("id")
	if _, ok := g.channels[id]; !ok {
		writeError(w, http.StatusNotFound, 10003, "Unknown Channel")
		return
	}

	var payload struct {
		Content string        `json:"content"`
		Embeds  []interface{} `json:"embeds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, 0, "invalid body")
		return
	}
	m := &MockMessage{ID: g.allocID(), Content: payload.Content, Embeds: payload.Embeds}
	m.Author.ID = "bot"
	g.messages[id] = append(g.messages[id], m)
	writeJSON(w, http.StatusOK, m)
}

func (g *MockGuild) getMessages(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := r.PathValue("id")
	msgs := g.messages[id]

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	var out []*MockMessage
	before := r.URL.Query().Get("before")
	after := r.URL.Query().Get("after")
	if after != "" {
		// After-cursor queries walk forward from the start of history.
		for _, m := range msgs {
			if m.ID <= after {
				continue
			}
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
	} else {
		// Everything else is newest-first.
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if before != "" && m.ID >= before {
				continue
			}
			out = append(out, m)
			if len(out) >= limit {
				break
			}
		}
	}
	if out == nil {
		out = []*MockMessage{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *MockGuild) editMessage(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.EditMessageCalls++

	mid := r.PathValue("mid")
	if g.EditLimit > 0 && g.editsPer[mid] >= g.EditLimit {
		writeError(w, http.StatusBadRequest, 30046, "Maximum number of edits to messages older than 1 hour reached")
		return
	}

	for _, m := range g.messages[r.PathValue("id")] {
		if m.ID == mid {
			var payload struct {
				Content string        `json:"content"`
				Embeds  []interface{} `json:"embeds"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				writeError(w, http.StatusBadRequest, 0, "invalid body")
				return
			}
			m.Content = payload.Content
			m.Embeds = payload.Embeds
			g.editsPer[mid]++
			writeJSON(w, http.StatusOK, m)
			return
		}
	}
	writeError(w, http.StatusNotFound, 10008, "Unknown Message")
}

func (g *MockGuild) deleteMessage(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, mid := r.PathValue("id"), r.PathValue("mid")
	msgs := g.messages[id]
	for i, m := range msgs {
		if m.ID == mid {
			g.messages[id] = append(msgs[:i], msgs[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, 10008, "Unknown Message")
}

func (g *MockGuild) pinMessage(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PinCalls++

	for _, m := range g.messages[r.PathValue("id")] {
		if m.ID == r.PathValue("mid") {
			m.Pinned = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, 10008, "Unknown Message")
}

func (g *MockGuild) getPins(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := []*MockMessage{}
	for _, m := range g.messages[r.PathValue("id")] {
		if m.Pinned {
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *MockGuild) setPermission(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PermissionCalls++

	ch, ok := g.channels[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, 10003, "Unknown Channel")
		return
	}
	var o discord.Overwrite
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, 0, "invalid body")
		return
	}
	for i := range ch.Overwrites {
		if ch.Overwrites[i].ID == o.ID {
			ch.Overwrites[i] = o
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	ch.Overwrites = append(ch.Overwrites, o)
	w.WriteHeader(http.StatusNoContent)
}

func (g *MockGuild) deletePermission(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PermissionCalls++

	ch, ok := g.channels[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, 10003, "Unknown Channel")
		return
	}
	oid := r.PathValue("oid")
	for i := range ch.Overwrites {
		if ch.Overwrites[i].ID == oid {
			ch.Overwrites = append(ch.Overwrites[:i], ch.Overwrites[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *MockGuild) createThread(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ThreadCalls++

	if _, ok := g.channels[r.PathValue("id")]; !ok {
		writeError(w, http.StatusNotFound, 10003, "Unknown Channel")
		return
	}
	var params struct {
		Name      string `json:"name"`
		Type      int    `json:"type"`
		Invitable bool   `json:"invitable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, 0, "invalid body")
		return
	}
	th := &MockChannel{
		ID:       g.allocID(),
		Name:     params.Name,
		Type:     params.Type,
		GuildID:  g.guildID,
		ParentID: r.PathValue("id"),
	}
	g.channels[th.ID] = th
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        th.ID,
		"name":      th.Name,
		"type":      th.Type,
		"parent_id": th.ParentID,
	})
}

func (g *MockGuild) noContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
