// Package sync reconciles the Discord channel topology with the state of
// puzzles in the tracker.
//
// The engine runs per puzzle, on demand. It computes the desired channel
// configuration from the puzzle record, diffs it against the cached or
// remote channel state, and issues the minimal set of API calls to
// converge: a repeated sync of an unchanged puzzle performs no channel
// mutations (only the pinned info post is refreshed). The local database
// mirror and the in-process TTL caches are convergent read models only;
// the remote platform stays the source of truth.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/config"
	"github.com/huntworks/puzzup-sync/internal/database"
	"github.com/huntworks/puzzup-sync/internal/discord"
	"github.com/huntworks/puzzup-sync/internal/models"
	"github.com/huntworks/puzzup-sync/internal/status"
)

const (
	// maxCategoryIndexes bounds the category overflow search: 10 categories
	// of 50 channels each covers the 500-channel guild ceiling.
	maxCategoryIndexes = 10

	// categoryRetryDelay spaces out retries after a capacity-exceeded
	// rejection to reduce rate-limit pressure.
	// TODO: consider honoring the server's advertised retry-after instead
	// of a fixed pause (see DESIGN.md).
	categoryRetryDelay = 100 * time.Millisecond

	// codenameLimit truncates puzzle codenames in channel names so the
	// "-NNN" id suffix always fits under Discord's 100-char name limit.
	codenameLimit = 96

	channelCacheTTL  = 5 * time.Minute
	categoryCacheTTL = 5 * time.Minute
	threadCacheTTL   = 15 * time.Minute
)

// Store is the persistence the engine reads and writes: the Discord mirror
// rows plus the handful of puzzle fields the engine owns.
type Store interface {
	TextChannel(ctx context.Context, id string) (*models.TextChannelMirror, error)
	UpsertTextChannel(ctx context.Context, ch *models.TextChannelMirror) error
	DeleteTextChannel(ctx context.Context, id string) error
	SetChannelCategory(ctx context.Context, channelID, fromCategoryID, toCategoryID string) error
	CategoriesForStatus(ctx context.Context, st status.Status) ([]models.CategoryWithCount, error)
	StatusCategories(ctx context.Context) ([]models.CategoryWithCount, error)
	UpsertCategory(ctx context.Context, cat *models.CategoryMirror) error
	DeleteCategory(ctx context.Context, id string) error

	EditorsInChief(ctx context.Context) ([]models.User, error)
	GetPuzzle(ctx context.Context, id int64) (*models.Puzzle, error)
	ListPuzzleIDs(ctx context.Context) ([]int64, error)
	PuzzleIDsForUser(ctx context.Context, userID int64) ([]int64, error)
	SetPuzzleChannel(ctx context.Context, puzzleID int64, channelID string) error
	SetPuzzleInfoMessage(ctx context.Context, puzzleID int64, messageID string) error
	GetSession(ctx context.Context, id int64) (*models.TestsolveSession, error)
	SetSessionThread(ctx context.Context, sessionID int64, threadID string) error
}

// Syncer is the reconciliation engine. Construct one per process and pass
// it down; there is no package-level instance.
//
// A Syncer built with a nil client (integration disabled) is valid: every
// operation becomes a no-op so the tracker keeps working without Discord.
type Syncer struct {
	client *discord.Client
	store  Store
	cfg    *config.Config
	logger *zap.Logger

	channels   *discord.Cache[*models.TextChannelMirror]
	categories *discord.Cache[models.CategoryMirror]
	threads    *discord.Cache[discord.Thread]
}

// New creates a Syncer. client may be nil when Discord is not configured.
func New(client *discord.Client, store Store, cfg *config.Config, logger *zap.Logger) *Syncer {
	return &Syncer{
		client:     client,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		channels:   discord.NewCache[*models.TextChannelMirror](channelCacheTTL),
		categories: discord.NewCache[models.CategoryMirror](categoryCacheTTL),
		threads:    discord.NewCache[discord.Thread](threadCacheTTL),
	}
}

// Enabled reports whether the syncer has a Discord client to talk through.
func (s *Syncer) Enabled() bool {
	return s != nil && s.client != nil
}

// channelName composes the desired channel name for a puzzle.
func (s *Syncer) channelName(p *models.Puzzle) string {
	codename := []rune(p.Codename)
	if len(codename) > codenameLimit {
		codename = codename[:codenameLimit]
	}
	return fmt.Sprintf("%s-%03d", string(codename), p.ID)
}

// channelTopic composes the desired channel topic for a puzzle.
func (s *Syncer) channelTopic(p *models.Puzzle) string {
	return fmt.Sprintf("%s: %s/puzzle/%d", p.Name, s.cfg.PuzzUp.BaseURL, p.ID)
}

// lookupChannel resolves a puzzle's channel through cache, then mirror,
// then the remote API. Returns (nil, nil) when the puzzle has no channel
// or the channel no longer exists remotely.
func (s *Syncer) lookupChannel(ctx context.Context, id string) (*models.TextChannelMirror, error) {
	if id == "" {
		return nil, nil
	}
	if cached, ok := s.channels.Get(id); ok {
		s.logger.Debug("channel cache hit", zap.String("channel_id", id))
		return cached, nil
	}

	mirror, err := s.store.TextChannel(ctx, id)
	if err == nil {
		s.channels.Set(id, mirror)
		return mirror, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	ch, err := s.client.GetChannel(ctx, id)
	if err != nil {
		var apiErr *discord.APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			// Stored id points at a channel that no longer exists.
			return nil, nil
		}
		return nil, err
	}
	mirror = mirrorFromChannel(ch)
	if err := s.store.UpsertTextChannel(ctx, mirror); err != nil {
		return nil, err
	}
	s.channels.Set(id, mirror)
	return mirror, nil
}

func mirrorFromChannel(ch *discord.Channel) *models.TextChannelMirror {
	position := 0
	if ch.Position != nil {
		position = *ch.Position
	}
	return &models.TextChannelMirror{
		ID:         ch.ID,
		Name:       ch.Name,
		Topic:      ch.Topic,
		Position:   position,
		CategoryID: ch.ParentID,
		Overwrites: ch.Overwrites,
	}
}

// BuildChannelUpdates computes the set of updates (or creation parameters)
// for a puzzle's channel. An empty map means the channel already matches
// the desired state.
func (s *Syncer) BuildChannelUpdates(ctx context.Context, p *models.Puzzle) (*models.TextChannelMirror, map[string]any, error) {
	current, err := s.lookupChannel(ctx, p.DiscordChannelID)
	if err != nil {
		return nil, nil, err
	}

	updates := make(map[string]any)

	name := s.channelName(p)
	if current == nil || discord.SanitizeChannelName(current.Name) != discord.SanitizeChannelName(name) {
		updates["name"] = name
	}

	topic := s.channelTopic(p)
	if current == nil || current.Topic != topic {
		updates["topic"] = topic
	}

	desired, err := s.buildOverwrites(ctx, p, current)
	if err != nil {
		return nil, nil, err
	}
	if current == nil || !discord.OverwriteSetEqual(current.Overwrites, desired) {
		updates["permission_overwrites"] = desired
	}

	return current, updates, nil
}

// buildOverwrites recomputes the channel's permission overwrite list.
//
// Everyone who must see the channel (authors, editors, factcheckers, the
// bot itself) gets view+manage-messages; entities with an existing
// overwrite who are neither must-see nor can-see (spoiled users, EICs)
// have those permissions explicitly revoked; can-see users keep whatever
// overwrite they already have, and get none created for them.
func (s *Syncer) buildOverwrites(ctx context.Context, p *models.Puzzle, current *models.TextChannelMirror) ([]discord.Overwrite, error) {
	overwrites := make(map[string]*discord.Overwrite)
	if current != nil {
		for _, o := range current.Overwrites {
			o := o
			overwrites[o.ID] = &o
		}
	} else {
		// New channels start private.
		everyone := &discord.Overwrite{ID: s.cfg.Discord.GuildID, Type: discord.OverwriteRole}
		everyone.Revoke(discord.PermViewChannel)
		overwrites[everyone.ID] = everyone
	}

	mustSee := p.MustSeeIDs()
	if s.cfg.Discord.ClientID != "" {
		mustSee[s.cfg.Discord.ClientID] = struct{}{}
	}

	canSee := p.SpoiledIDs()
	eics, err := s.store.EditorsInChief(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range eics {
		if u.DiscordUserID != "" {
			canSee[u.DiscordUserID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(overwrites)+len(mustSee))
	for id := range overwrites {
		ids = append(ids, id)
	}
	for id := range mustSee {
		if _, ok := overwrites[id]; !ok {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		o, ok := overwrites[id]
		if !ok {
			o = &discord.Overwrite{ID: id, Type: discord.OverwriteUser}
			overwrites[id] = o
		}
		if _, must := mustSee[id]; must {
			o.Grant(discord.PermViewChannel | discord.PermManageMessages)
		} else if _, can := canSee[id]; !can {
			o.Revoke(discord.PermViewChannel | discord.PermManageMessages)
		}
	}

	out := make([]discord.Overwrite, 0, len(overwrites))
	for _, o := range overwrites {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SyncPuzzleChannel ensures a channel exists for the puzzle with the right
// name, topic, permissions, category and pinned info post.
//
// Channels are created lazily: a puzzle with no channel gets one only when
// it has more than one person on it and is not deferred or dead. Existing
// channels are never deleted here, only reconfigured.
func (s *Syncer) SyncPuzzleChannel(ctx context.Context, p *models.Puzzle) error {
	if !s.Enabled() {
		return nil
	}

	current, updates, err := s.BuildChannelUpdates(ctx, p)
	if err != nil {
		return err
	}

	skipCreate := status.IsTerminal(p.Status) || p.CrewSize() <= 1
	if current == nil && skipCreate {
		// Don't create throwaway channels for trivial or stillborn puzzles.
		return nil
	}

	var ch *discord.Channel
	categoryID := ""
	if current != nil {
		categoryID = current.CategoryID
		if len(updates) > 0 {
			ch, err = s.client.UpdateChannel(ctx, current.ID, updates)
			if err != nil {
				return fmt.Errorf("failed to update puzzle channel: %w", err)
			}
		}
	} else {
		updates["type"] = discord.ChannelTypeGuildText
		ch, err = s.client.CreateChannel(ctx, updates)
		if err != nil {
			return fmt.Errorf("failed to create puzzle channel: %w", err)
		}
		s.logger.Info("created puzzle channel",
			zap.Int64("puzzle_id", p.ID),
			zap.String("channel_id", ch.ID),
		)
	}

	if ch != nil {
		categoryID = ch.ParentID
		mirror := mirrorFromChannel(ch)
		// This races with the gateway listener and that's fine; we want
		// its view to overwrite ours.
		if err := s.store.UpsertTextChannel(ctx, mirror); err != nil {
			return err
		}
		s.channels.Set(ch.ID, mirror)

		if p.DiscordChannelID != ch.ID {
			if err := s.store.SetPuzzleChannel(ctx, p.ID, ch.ID); err != nil {
				return err
			}
			p.DiscordChannelID = ch.ID
		}
	}

	if err := s.placeChannelCategory(ctx, p, categoryID); err != nil {
		return err
	}
	return s.syncInfoPost(ctx, p)
}

// placeChannelCategory makes sure the puzzle's channel sits in a category
// matching its status, creating the category on demand. Full categories
// are skipped in favor of the next numeric suffix; exhausting all indexes
// means the guild itself is out of channel slots.
func (s *Syncer) placeChannelCategory(ctx context.Context, p *models.Puzzle, currentCategoryID string) error {
	if p.DiscordChannelID == "" {
		return nil
	}

	cats, err := s.store.CategoriesForStatus(ctx, p.Status)
	if err != nil {
		return err
	}
	byIndex := make(map[int]models.CategoryWithCount, len(cats))
	for _, cat := range cats {
		byIndex[cat.StatusIndex] = cat
	}

	for i := 0; i < maxCategoryIndexes; i++ {
		var categoryID string
		atCapacity := false
		if cat, ok := byIndex[i]; ok {
			categoryID = cat.ID
			atCapacity = cat.ChannelCount >= models.CategoryCapacity
		} else {
			name := models.CategoryName(s.cfg.Discord.CategoryPrefix, p.Status, i)
			created, err := s.client.CreateCategory(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to create category: %w", err)
			}
			position := 0
			if created.Position != nil {
				position = *created.Position
			}
			mirror := &models.CategoryMirror{
				ID:          created.ID,
				Name:        created.Name,
				Position:    position,
				Status:      p.Status,
				StatusIndex: i,
			}
			if err := s.store.UpsertCategory(ctx, mirror); err != nil {
				return err
			}
			s.categories.Set(mirror.ID, *mirror)
			categoryID = created.ID
		}

		if currentCategoryID == categoryID {
			// Already in the right category.
			return nil
		}
		if atCapacity {
			continue
		}

		_, err := s.client.UpdateChannel(ctx, p.DiscordChannelID, map[string]any{"parent_id": categoryID})
		switch res := classifyMove(err); res.outcome {
		case outcomeOK:
			if err := s.store.SetChannelCategory(ctx, p.DiscordChannelID, currentCategoryID, categoryID); err != nil {
				return err
			}
			s.channels.Drop(p.DiscordChannelID)
			return nil
		case outcomeRetry:
			// The category filled up between the count and the move; keep
			// going, but pause to stay clear of rate limits.
			time.Sleep(categoryRetryDelay)
			continue
		default:
			return res.err
		}
	}

	return &DiscordError{Reason: fmt.Sprintf("all %d categories for status %s are full, guild channel ceiling reached", maxCategoryIndexes, p.Status)}
}

// findInfoPost locates the puzzle's info post when its id was never
// persisted: the bot's pinned message if any, else the earliest message in
// the channel when the bot wrote it.
func (s *Syncer) findInfoPost(ctx context.Context, channelID string) (string, error) {
	pins, err := s.client.GetChannelPins(ctx, channelID)
	if err != nil {
		return "", err
	}
	for _, pin := range pins {
		if pin.Author.ID == s.cfg.Discord.ClientID {
			return pin.ID, nil
		}
	}

	msgs, err := s.client.GetChannelMessages(ctx, channelID, discord.HistoryOptions{After: "0", Limit: 1})
	if err != nil {
		return "", err
	}
	for _, msg := range msgs {
		if msg.Author.ID == s.cfg.Discord.ClientID {
			return msg.ID, nil
		}
	}
	return "", nil
}

// infoPostPayload renders the pinned summary of tracker links and credits.
func (s *Syncer) infoPostPayload(p *models.Puzzle) discord.MessagePayload {
	base := fmt.Sprintf("%s/puzzle/%d", s.cfg.PuzzUp.BaseURL, p.ID)
	description := fmt.Sprintf(
		"Here are some useful links for %q:\n"+
			"\n"+
			"* [PuzzUp entry](%s)\n"+
			"* Here's a Google Doc where you can write your puzzle content: [Puzzle content](%s/content)\n"+
			"* And another Google Doc for your solution here: [Puzzle solution](%s/solution)\n"+
			"* Finally, a Google Drive folder where you can put any additional resources: [Puzzle resources](%s/resource)\n",
		p.Name, base, base, base, base,
	)
	return discord.MessagePayload{
		Embeds: []discord.Embed{{
			Type:        "rich",
			Description: description,
			Fields: []discord.EmbedField{{
				Name:  "Author(s)",
				Value: joinMentions(MentionUsers(p.Authors, false)),
			}},
		}},
	}
}

// syncInfoPost ensures a pinned info post exists in the puzzle's channel
// and reflects the current puzzle state.
func (s *Syncer) syncInfoPost(ctx context.Context, p *models.Puzzle) error {
	if !s.Enabled() || p.DiscordChannelID == "" {
		return nil
	}

	payload := s.infoPostPayload(p)

	messageID := p.DiscordInfoMessageID
	if messageID == "" {
		found, err := s.findInfoPost(ctx, p.DiscordChannelID)
		if err != nil {
			return err
		}
		messageID = found
	}

	if messageID != "" {
		if _, err := s.client.EditMessage(ctx, p.DiscordChannelID, messageID, payload); err != nil {
			var apiErr *discord.APIError
			if errors.As(err, &apiErr) && apiErr.Code == discord.ErrCodeTooManyEdits {
				// Cosmetic platform limit; a later sync will edit again.
				s.logger.Debug("info post hit edit limit", zap.String("message_id", messageID))
			} else {
				return fmt.Errorf("failed to edit info post: %w", err)
			}
		}
	} else {
		msg, err := s.client.PostMessage(ctx, p.DiscordChannelID, payload)
		if err != nil {
			return fmt.Errorf("failed to post info post: %w", err)
		}
		messageID = msg.ID
	}

	if messageID != "" && p.DiscordInfoMessageID == "" {
		if err := s.client.PinMessage(ctx, p.DiscordChannelID, messageID); err != nil {
			return fmt.Errorf("failed to pin info post: %w", err)
		}
		if err := s.store.SetPuzzleInfoMessage(ctx, p.ID, messageID); err != nil {
			return err
		}
		p.DiscordInfoMessageID = messageID
	}
	return nil
}

// SetPuzzleVisibility adds or removes a single user's view overwrite on a
// puzzle channel.
func (s *Syncer) SetPuzzleVisibility(ctx context.Context, p *models.Puzzle, user models.User, visible bool) error {
	if !s.Enabled() || user.DiscordUserID == "" || p.DiscordChannelID == "" {
		return nil
	}
	if visible {
		o := discord.Overwrite{ID: user.DiscordUserID, Type: discord.OverwriteUser}
		o.Grant(discord.PermViewChannel)
		return s.client.SetChannelPermission(ctx, p.DiscordChannelID, o)
	}
	return s.client.DeleteChannelPermission(ctx, p.DiscordChannelID, user.DiscordUserID)
}

// InitUserPerms re-syncs every puzzle a user must see. Called when a
// user's linked Discord id changes; this is slow, so callers only invoke
// it on an actual change.
func (s *Syncer) InitUserPerms(ctx context.Context, user models.User) error {
	if !s.Enabled() || user.DiscordUserID == "" {
		return nil
	}
	ids, err := s.store.PuzzleIDsForUser(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		p, err := s.store.GetPuzzle(ctx, id)
		if err != nil {
			return err
		}
		if err := s.SyncPuzzleChannel(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// MakeTestsolveThread creates the private discussion thread for a
// testsolve session and persists its id.
func (s *Syncer) MakeTestsolveThread(ctx context.Context, session *models.TestsolveSession) error {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.Discord.TestsolveChannelID == "" {
		return &DiscordError{Reason: "DISCORD_TESTSOLVE_CHANNEL_ID is not configured"}
	}

	thread, err := s.client.CreateThread(ctx, s.cfg.Discord.TestsolveChannelID, map[string]any{
		"name":      fmt.Sprintf("Session %d - Puzzle %d (%s)", session.ID, session.Puzzle.ID, session.Puzzle.Codename),
		"type":      discord.ChannelTypePrivateThread,
		"invitable": false,
	})
	if err != nil {
		return fmt.Errorf("failed to create testsolve thread: %w", err)
	}

	s.threads.Set(thread.ID, *thread)
	if err := s.store.SetSessionThread(ctx, session.ID, thread.ID); err != nil {
		return err
	}
	session.DiscordThreadID = thread.ID
	return nil
}
