package testutil

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/huntworks/puzzup-sync/internal/database"
	"github.com/huntworks/puzzup-sync/internal/models"
	"github.com/huntworks/puzzup-sync/internal/status"
)

// FakeStore is an in-memory stand-in for the Postgres store, satisfying
// the sync engine's and listener's store interfaces.
type FakeStore struct {
	Puzzles      map[int64]*models.Puzzle
	Sessions     map[int64]*models.TestsolveSession
	TextChannels map[string]*models.TextChannelMirror
	Categories   map[string]*models.CategoryMirror
	EICs         []models.User

	// DiscordNames records UpsertUserDiscordNames calls, keyed by Discord
	// user id, as {username, nickname} pairs.
	DiscordNames map[string][2]string
}

// NewFakeStore returns an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Puzzles:      make(map[int64]*models.Puzzle),
		Sessions:     make(map[int64]*models.TestsolveSession),
		TextChannels: make(map[string]*models.TextChannelMirror),
		Categories:   make(map[string]*models.CategoryMirror),
		DiscordNames: make(map[string][2]string),
	}
}

func (f *FakeStore) TextChannel(ctx context.Context, id string) (*models.TextChannelMirror, error) {
	ch, ok := f.TextChannels[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (f *FakeStore) UpsertTextChannel(ctx context.Context, ch *models.TextChannelMirror) error {
	cp := *ch
	cp.UpdatedAt = time.Now()
	f.TextChannels[ch.ID] = &cp
	return nil
}

func (f *FakeStore) DeleteTextChannel(ctx context.Context, id string) error {
	delete(f.TextChannels, id)
	return nil
}

func (f *FakeStore) SetChannelCategory(ctx context.Context, channelID, fromCategoryID, toCategoryID string) error {
	if ch, ok := f.TextChannels[channelID]; ok && ch.CategoryID == fromCategoryID {
		ch.CategoryID = toCategoryID
	}
	return nil
}

func (f *FakeStore) UpsertCategory(ctx context.Context, cat *models.CategoryMirror) error {
	cp := *cat
	cp.UpdatedAt = time.Now()
	f.Categories[cat.ID] = &cp
	return nil
}

func (f *FakeStore) DeleteCategory(ctx context.Context, id string) error {
	delete(f.Categories, id)
	return nil
}

func (f *FakeStore) CategoriesForStatus(ctx context.Context, st status.Status) ([]models.CategoryWithCount, error) {
	var out []models.CategoryWithCount
	for _, cat := range f.Categories {
		if cat.Status != st {
			continue
		}
		out = append(out, f.withCount(cat))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusIndex < out[j].StatusIndex })
	return out, nil
}

func (f *FakeStore) StatusCategories(ctx context.Context) ([]models.CategoryWithCount, error) {
	var out []models.CategoryWithCount
	for _, cat := range f.Categories {
		if cat.Status == "" {
			continue
		}
		out = append(out, f.withCount(cat))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeStore) withCount(cat *models.CategoryMirror) models.CategoryWithCount {
	count := 0
	for _, ch := range f.TextChannels {
		if ch.CategoryID == cat.ID {
			count++
		}
	}
	return models.CategoryWithCount{CategoryMirror: *cat, ChannelCount: count}
}

func (f *FakeStore) EditorsInChief(ctx context.Context) ([]models.User, error) {
	return f.EICs, nil
}

func (f *FakeStore) GetPuzzle(ctx context.Context, id int64) (*models.Puzzle, error) {
	p, ok := f.Puzzles[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return p, nil
}

func (f *FakeStore) ListPuzzleIDs(ctx context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(f.Puzzles))
	for id := range f.Puzzles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *FakeStore) PuzzleIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	for id, p := range f.Puzzles {
		for _, users := range [][]models.User{p.Authors, p.Editors, p.Factcheckers} {
			found := false
			for _, u := range users {
				if u.ID == userID {
					ids = append(ids, id)
					found = true
					break
				}
			}
			if found {
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *FakeStore) SetPuzzleChannel(ctx context.Context, puzzleID int64, channelID string) error {
	p, ok := f.Puzzles[puzzleID]
	if !ok {
		return database.ErrNotFound
	}
	p.DiscordChannelID = channelID
	return nil
}

func (f *FakeStore) SetPuzzleInfoMessage(ctx context.Context, puzzleID int64, messageID string) error {
	p, ok := f.Puzzles[puzzleID]
	if !ok {
		return database.ErrNotFound
	}
	p.DiscordInfoMessageID = messageID
	return nil
}

func (f *FakeStore) GetSession(ctx context.Context, id int64) (*models.TestsolveSession, error) {
	s, ok := f.Sessions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return s, nil
}

func (f *FakeStore) SetSessionThread(ctx context.Context, sessionID int64, threadID string) error {
	s, ok := f.Sessions[sessionID]
	if !ok {
		return database.ErrNotFound
	}
	s.DiscordThreadID = threadID
	return nil
}

func (f *FakeStore) UpsertUserDiscordNames(ctx context.Context, discordUserID, username, nickname string) error {
	f.DiscordNames[discordUserID] = [2]string{username, nickname}
	return nil
}

// NewUser builds a linked user fixture.
func NewUser(id int64, discordID string) models.User {
	return models.User{
		ID:            id,
		Name:          fmt.Sprintf("user%d", id),
		DiscordUserID: discordID,
	}
}

// NewPuzzle builds a puzzle fixture with two authors so channel creation
// is not gated away.
func NewPuzzle(id int64, st status.Status) *models.Puzzle {
	return &models.Puzzle{
		ID:              id,
		Name:            fmt.Sprintf("Puzzle %d", id),
		Codename:        fmt.Sprintf("codename-%d", id),
		Status:          st,
		StatusChangedAt: time.Now(),
		Authors:         []models.User{NewUser(id*10+1, fmt.Sprintf("d%d1", id))},
		Editors:         []models.User{NewUser(id*10+2, fmt.Sprintf("d%d2", id))},
	}
}
