// Package models holds the tracker records the sync engine consumes and
// the persisted Discord mirror rows it maintains.
package models

import (
	"time"

	"github.com/huntworks/puzzup-sync/internal/status"
)

// User is a tracker user. DiscordUserID is empty for users who never
// linked a Discord account.
type User struct {
	ID              int64
	Name            string
	DisplayName     string
	CreditsName     string
	DiscordUserID   string
	DiscordUsername string
	DiscordNickname string
	IsEIC           bool
}

// String returns the best human-readable name for the user, used as the
// mention fallback when they have no linked Discord account.
func (u User) String() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.CreditsName != "" {
		return u.CreditsName
	}
	return u.Name
}

// Puzzle is the tracker record a reconciliation runs against. The engine
// reads everything and writes back only DiscordChannelID and
// DiscordInfoMessageID (through the store, once the remote entities exist).
type Puzzle struct {
	ID                   int64
	Name                 string
	Codename             string
	Status               status.Status
	StatusChangedAt      time.Time
	DiscordChannelID     string
	DiscordInfoMessageID string

	Authors      []User
	Editors      []User
	Factcheckers []User
	Spoiled      []User
}

// CrewSize returns the number of distinct authors and editors. Channels
// are only created once a puzzle has more than one person on it.
func (p *Puzzle) CrewSize() int {
	seen := make(map[int64]struct{})
	for _, u := range p.Authors {
		seen[u.ID] = struct{}{}
	}
	for _, u := range p.Editors {
		seen[u.ID] = struct{}{}
	}
	return len(seen)
}

// MustSeeIDs returns the Discord ids of everyone who must be able to see
// the puzzle channel: authors, editors and factcheckers with linked
// accounts.
func (p *Puzzle) MustSeeIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, users := range [][]User{p.Authors, p.Editors, p.Factcheckers} {
		for _, u := range users {
			if u.DiscordUserID != "" {
				ids[u.DiscordUserID] = struct{}{}
			}
		}
	}
	return ids
}

// SpoiledIDs returns the Discord ids of spoiled users with linked accounts.
func (p *Puzzle) SpoiledIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, u := range p.Spoiled {
		if u.DiscordUserID != "" {
			ids[u.DiscordUserID] = struct{}{}
		}
	}
	return ids
}

// TestsolveSession is a testsolving run of one puzzle; each session gets a
// private discussion thread.
type TestsolveSession struct {
	ID              int64
	Puzzle          *Puzzle
	DiscordThreadID string
	Joinable        bool
}
