package discord

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ChannelType values used by the integration. Discord models categories and
// threads as channels too.
const (
	ChannelTypeGuildText     = 0
	ChannelTypeGuildVoice    = 2
	ChannelTypeGuildCategory = 4
	ChannelTypePublicThread  = 11
	ChannelTypePrivateThread = 12
)

// Channel is a guild channel as returned by the Discord API.
//
// Only the fields the integration reads or writes are modeled; everything
// else a channel payload carries is kept verbatim in Extra and merged back
// on marshal, so a read-modify-write cycle never drops server-set
// attributes we don't know about.
//
// A Channel with an empty ID is pending creation; once created the ID never
// changes.
type Channel struct {
	ID         string
	Name       string
	Type       int
	GuildID    string
	ParentID   string
	Topic      string
	Position   *int
	Overwrites []Overwrite

	Extra map[string]json.RawMessage
}

// Thread is a lightweight channel scoped to a parent text channel. Threads
// are created once and never re-parented.
type Thread struct {
	ID       string
	Name     string
	Type     int
	GuildID  string
	ParentID string

	Extra map[string]json.RawMessage
}

// channelKnownFields lists the JSON keys Channel models explicitly; they
// are stripped from Extra on unmarshal.
var channelKnownFields = map[string]bool{
	"id": true, "name": true, "type": true, "guild_id": true,
	"parent_id": true, "topic": true, "position": true,
	"permission_overwrites": true,
}

func (c *Channel) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := unmarshalString(raw["id"], &c.ID); err != nil {
		return err
	}
	if err := unmarshalString(raw["name"], &c.Name); err != nil {
		return err
	}
	if err := unmarshalString(raw["guild_id"], &c.GuildID); err != nil {
		return err
	}
	if err := unmarshalString(raw["parent_id"], &c.ParentID); err != nil {
		return err
	}
	if err := unmarshalString(raw["topic"], &c.Topic); err != nil {
		return err
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &c.Type); err != nil {
			return err
		}
	}
	if v, ok := raw["position"]; ok && string(v) != "null" {
		var pos int
		if err := json.Unmarshal(v, &pos); err != nil {
			return err
		}
		c.Position = &pos
	}
	if v, ok := raw["permission_overwrites"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &c.Overwrites); err != nil {
			return err
		}
	}

	for k, v := range raw {
		if channelKnownFields[k] {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]json.RawMessage)
		}
		c.Extra[k] = v
	}
	return nil
}

func (c Channel) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+8)
	for k, v := range c.Extra {
		out[k] = v
	}
	out["id"] = c.ID
	out["name"] = c.Name
	out["type"] = c.Type
	if c.GuildID != "" {
		out["guild_id"] = c.GuildID
	}
	if c.ParentID != "" {
		out["parent_id"] = c.ParentID
	}
	if c.Topic != "" {
		out["topic"] = c.Topic
	}
	if c.Position != nil {
		out["position"] = *c.Position
	}
	out["permission_overwrites"] = c.Overwrites
	return json.Marshal(out)
}

var threadKnownFields = map[string]bool{
	"id": true, "name": true, "type": true, "guild_id": true, "parent_id": true,
}

func (t *Thread) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := unmarshalString(raw["id"], &t.ID); err != nil {
		return err
	}
	if err := unmarshalString(raw["name"], &t.Name); err != nil {
		return err
	}
	if err := unmarshalString(raw["guild_id"], &t.GuildID); err != nil {
		return err
	}
	if err := unmarshalString(raw["parent_id"], &t.ParentID); err != nil {
		return err
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &t.Type); err != nil {
			return err
		}
	}
	for k, v := range raw {
		if threadKnownFields[k] {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]json.RawMessage)
		}
		t.Extra[k] = v
	}
	return nil
}

func (t Thread) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Extra)+5)
	for k, v := range t.Extra {
		out[k] = v
	}
	out["id"] = t.ID
	out["name"] = t.Name
	out["type"] = t.Type
	if t.GuildID != "" {
		out["guild_id"] = t.GuildID
	}
	if t.ParentID != "" {
		out["parent_id"] = t.ParentID
	}
	return json.Marshal(out)
}

// unmarshalString decodes a JSON string or null into dst; missing keys
// leave dst untouched.
func unmarshalString(raw json.RawMessage, dst *string) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// overwriteFor finds or appends the overwrite for (id, typ).
func (c *Channel) overwriteFor(id string, typ OverwriteType) *Overwrite {
	for i := range c.Overwrites {
		if c.Overwrites[i].ID == id && c.Overwrites[i].Type == typ {
			return &c.Overwrites[i]
		}
	}
	c.Overwrites = append(c.Overwrites, Overwrite{ID: id, Type: typ})
	return &c.Overwrites[len(c.Overwrites)-1]
}

// MakePrivate denies VIEW_CHANNEL to @everyone (the role whose id equals
// the guild id).
func (c *Channel) MakePrivate() {
	c.overwriteFor(c.GuildID, OverwriteRole).Revoke(PermViewChannel)
}

// MakePublic removes the @everyone VIEW_CHANNEL denial.
//
// This only removes the explicit denial, so the channel falls back to
// inherited visibility: a text channel inside a private category stays
// invisible even when "public" at the channel level.
func (c *Channel) MakePublic() {
	c.overwriteFor(c.GuildID, OverwriteRole).Clear(PermViewChannel)
}

// IsPublic reports whether @everyone is not explicitly denied VIEW_CHANNEL.
func (c *Channel) IsPublic() bool {
	for _, o := range c.Overwrites {
		if o.ID == c.GuildID && o.Type == OverwriteRole {
			return !o.Deny.Has(PermViewChannel)
		}
	}
	return true
}

// AddVisibility grants VIEW_CHANNEL to the given user ids.
func (c *Channel) AddVisibility(userIDs ...string) {
	for _, id := range userIDs {
		c.overwriteFor(id, OverwriteUser).Grant(PermViewChannel)
	}
}

// RemoveVisibility clears the VIEW_CHANNEL overwrite for the given user
// ids, so they inherit the channel default again.
func (c *Channel) RemoveVisibility(userIDs ...string) {
	for _, id := range userIDs {
		c.overwriteFor(id, OverwriteUser).Clear(PermViewChannel)
	}
}

var (
	whitespaceRe  = regexp.MustCompile(`[\s\x{0085}\x{00a0}\x{1680}\x{2000}-\x{200a}\x{2028}\x{2029}\x{202f}\x{205f}\x{3000}]`)
	punctuationRe = regexp.MustCompile(`[#!,()'":?<>{}|[\]@$%^&*=+/\\;.]`)
	hyphenRunRe   = regexp.MustCompile(`-+`)
)

// SanitizeChannelName is a rough approximation of Discord's server-side
// channel name sanitization: lowercase, whitespace to hyphens, a subset of
// punctuation stripped, hyphen runs collapsed.
//
// Comparing sanitized names keeps us from detecting a spurious "name
// changed" forever after the server normalizes a name we sent, which would
// otherwise produce an infinite update loop.
//
// Sanitization is idempotent: SanitizeChannelName(SanitizeChannelName(s))
// == SanitizeChannelName(s) for all s.
func SanitizeChannelName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = whitespaceRe.ReplaceAllString(name, "-")
	name = punctuationRe.ReplaceAllString(name, "")
	name = hyphenRunRe.ReplaceAllString(name, "-")
	return name
}

// Delta computes the partial update needed to turn old into want.
//
// The result always carries the channel id; every other key is present only
// when the field actually differs. Names are compared after sanitization
// (see SanitizeChannelName). Unknown fields are never diffed; they ride
// along on the loaded channel untouched.
func Delta(old, want *Channel) map[string]any {
	updates := map[string]any{"id": old.ID}

	if SanitizeChannelName(old.Name) != SanitizeChannelName(want.Name) {
		updates["name"] = want.Name
	}
	if old.Topic != want.Topic {
		updates["topic"] = want.Topic
	}
	if old.ParentID != want.ParentID {
		updates["parent_id"] = want.ParentID
	}
	if want.Position != nil && (old.Position == nil || *old.Position != *want.Position) {
		updates["position"] = *want.Position
	}
	if !OverwriteSetEqual(old.Overwrites, want.Overwrites) {
		updates["permission_overwrites"] = want.Overwrites
	}
	return updates
}
