package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/config"
	"github.com/huntworks/puzzup-sync/internal/discord"
	"github.com/huntworks/puzzup-sync/internal/models"
	"github.com/huntworks/puzzup-sync/internal/status"
	"github.com/huntworks/puzzup-sync/internal/testutil"
)

func newTestSyncer(t *testing.T) (*Syncer, *testutil.FakeStore, *testutil.MockGuild) {
	t.Helper()
	guild := testutil.NewMockGuild("g1")
	t.Cleanup(guild.Close)

	cfg := &config.Config{
		Discord: config.DiscordConfig{
			BotToken:           "tok",
			GuildID:            "g1",
			ClientID:           "bot",
			CategoryPrefix:     "🧩 ",
			TestsolveChannelID: "ts1",
		},
		PuzzUp: config.PuzzUpConfig{BaseURL: "https://puzzup.test"},
	}
	client := discord.NewClient(&cfg.Discord, zap.NewNop())
	require.NotNil(t, client)
	client.SetBaseURL(guild.URL())

	store := testutil.NewFakeStore()
	return New(client, store, cfg, zap.NewNop()), store, guild
}

// seedCategory registers a status category in both the mock guild and the
// mirror, with count channels already inside it.
func seedCategory(store *testutil.FakeStore, guild *testutil.MockGuild, id string, st status.Status, index, count int) {
	guild.AddChannel(&testutil.MockChannel{ID: id, Name: models.CategoryName("🧩 ", st, index), Type: discord.ChannelTypeGuildCategory})
	_ = store.UpsertCategory(context.Background(), &models.CategoryMirror{
		ID: id, Name: models.CategoryName("🧩 ", st, index), Status: st, StatusIndex: index,
	})
	for i := 0; i < count; i++ {
		childID := fmt.Sprintf("%s-child-%d", id, i)
		guild.AddChannel(&testutil.MockChannel{ID: childID, Type: discord.ChannelTypeGuildText, ParentID: id})
		_ = store.UpsertTextChannel(context.Background(), &models.TextChannelMirror{ID: childID, CategoryID: id})
	}
}

func TestSyncPuzzleChannel_CreatesEverything(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	p := testutil.NewPuzzle(1, status.Writing)
	store.Puzzles[1] = p

	require.NoError(t, s.SyncPuzzleChannel(ctx, p))

	require.NotEmpty(t, p.DiscordChannelID)
	ch := guild.Channel(p.DiscordChannelID)
	require.NotNil(t, ch)
	assert.Equal(t, "codename-1-001", ch.Name)
	assert.Equal(t, "Puzzle 1: https://puzzup.test/puzzle/1", ch.Topic)

	// The channel lands in a freshly created category for its status.
	require.NotEmpty(t, ch.ParentID)
	cat := guild.Channel(ch.ParentID)
	require.NotNil(t, cat)
	assert.Equal(t, "🧩 Writing (Answer Assigned)", cat.Name)

	// Permissions: private to @everyone, visible to the crew and the bot.
	byID := make(map[string]discord.Overwrite)
	for _, o := range ch.Overwrites {
		byID[o.ID] = o
	}
	assert.True(t, byID["g1"].Deny.Has(discord.PermViewChannel))
	for _, id := range []string{"d11", "d12", "bot"} {
		assert.True(t, byID[id].Allow.Has(discord.PermViewChannel), "overwrite for %s", id)
		assert.True(t, byID[id].Allow.Has(discord.PermManageMessages), "overwrite for %s", id)
	}

	// The info post exists, is pinned, and its id is persisted.
	require.NotEmpty(t, p.DiscordInfoMessageID)
	assert.Equal(t, 1, guild.PinCalls)

	// The mirror caught up.
	mirror, err := store.TextChannel(ctx, p.DiscordChannelID)
	require.NoError(t, err)
	assert.Equal(t, ch.ParentID, mirror.CategoryID)
}

func TestSyncPuzzleChannel_SecondSyncTouchesNothing(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	p := testutil.NewPuzzle(1, status.Writing)
	store.Puzzles[1] = p
	require.NoError(t, s.SyncPuzzleChannel(ctx, p))

	creates := guild.CreateChannelCalls
	updates := guild.UpdateChannelCalls
	posts := guild.PostMessageCalls
	pins := guild.PinCalls

	require.NoError(t, s.SyncPuzzleChannel(ctx, p))

	assert.Equal(t, creates, guild.CreateChannelCalls, "no channel should be created")
	assert.Equal(t, updates, guild.UpdateChannelCalls, "no channel should be patched")
	assert.Equal(t, posts, guild.PostMessageCalls, "no message should be posted")
	assert.Equal(t, pins, guild.PinCalls, "nothing should be re-pinned")
	// The pinned info post is refreshed in place.
	assert.Equal(t, 1, guild.EditMessageCalls)
}

func TestSyncPuzzleChannel_CreationGating(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	dead := testutil.NewPuzzle(1, status.Dead)
	store.Puzzles[1] = dead
	require.NoError(t, s.SyncPuzzleChannel(ctx, dead))
	assert.Empty(t, dead.DiscordChannelID)

	solo := testutil.NewPuzzle(2, status.Writing)
	solo.Editors = nil
	store.Puzzles[2] = solo
	require.NoError(t, s.SyncPuzzleChannel(ctx, solo))
	assert.Empty(t, solo.DiscordChannelID)

	assert.Equal(t, 0, guild.WriteCalls())
}

func TestSyncPuzzleChannel_ExistingChannelOfDeadPuzzleStillSynced(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	p := testutil.NewPuzzle(1, status.Dead)
	p.DiscordChannelID = "ch1"
	store.Puzzles[1] = p
	guild.AddChannel(&testutil.MockChannel{ID: "ch1", Name: "stale-name", Type: discord.ChannelTypeGuildText})

	require.NoError(t, s.SyncPuzzleChannel(ctx, p))

	ch := guild.Channel("ch1")
	require.NotNil(t, ch, "dead puzzles keep their existing channel")
	assert.Equal(t, "codename-1-001", ch.Name)
	cat := guild.Channel(ch.ParentID)
	require.NotNil(t, cat)
	assert.Equal(t, "🧩 Dead", cat.Name)
}

func TestPlaceChannelCategory_SkipsFullCategory(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	seedCategory(store, guild, "cat0", status.Writing, 0, models.CategoryCapacity)
	guild.AddChannel(&testutil.MockChannel{ID: "ch1", Type: discord.ChannelTypeGuildText})

	p := testutil.NewPuzzle(1, status.Writing)
	p.DiscordChannelID = "ch1"
	store.Puzzles[1] = p

	require.NoError(t, s.placeChannelCategory(ctx, p, ""))

	ch := guild.Channel("ch1")
	cat := guild.Channel(ch.ParentID)
	require.NotNil(t, cat)
	assert.Equal(t, "🧩 Writing (Answer Assigned)-1", cat.Name)
	assert.NotEqual(t, "cat0", ch.ParentID)
}

func TestPlaceChannelCategory_RetriesWhenCategoryFillsUnderneath(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	// The mirror believes cat0 is empty, but the guild has it at capacity:
	// the move is rejected server-side and the next index is used.
	seedCategory(store, guild, "cat0", status.Writing, 0, 0)
	for i := 0; i < models.CategoryCapacity; i++ {
		guild.AddChannel(&testutil.MockChannel{ID: fmt.Sprintf("unseen-%d", i), Type: discord.ChannelTypeGuildText, ParentID: "cat0"})
	}
	guild.AddChannel(&testutil.MockChannel{ID: "ch1", Type: discord.ChannelTypeGuildText})

	p := testutil.NewPuzzle(1, status.Writing)
	p.DiscordChannelID = "ch1"
	store.Puzzles[1] = p

	require.NoError(t, s.placeChannelCategory(ctx, p, ""))

	ch := guild.Channel("ch1")
	require.NotEqual(t, "cat0", ch.ParentID)
	cat := guild.Channel(ch.ParentID)
	require.NotNil(t, cat)
	assert.Equal(t, "🧩 Writing (Answer Assigned)-1", cat.Name)
}

func TestPlaceChannelCategory_GuildFull(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	for i := 0; i < maxCategoryIndexes; i++ {
		seedCategory(store, guild, fmt.Sprintf("cat%d", i), status.Writing, i, models.CategoryCapacity)
	}
	guild.AddChannel(&testutil.MockChannel{ID: "ch1", Type: discord.ChannelTypeGuildText})

	p := testutil.NewPuzzle(1, status.Writing)
	p.DiscordChannelID = "ch1"
	store.Puzzles[1] = p

	err := s.placeChannelCategory(ctx, p, "")
	var derr *DiscordError
	require.ErrorAs(t, err, &derr)
}

func TestPlaceChannelCategory_AlreadyPlaced(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	seedCategory(store, guild, "cat0", status.Writing, 0, 0)
	guild.AddChannel(&testutil.MockChannel{ID: "ch1", Type: discord.ChannelTypeGuildText, ParentID: "cat0"})

	p := testutil.NewPuzzle(1, status.Writing)
	p.DiscordChannelID = "ch1"
	store.Puzzles[1] = p

	before := guild.WriteCalls()
	require.NoError(t, s.placeChannelCategory(ctx, p, "cat0"))
	assert.Equal(t, before, guild.WriteCalls())
}

func TestBuildOverwrites_MustCanNeither(t *testing.T) {
	s, store, _ := newTestSyncer(t)
	ctx := context.Background()

	userA := models.User{ID: 1, DiscordUserID: "A"}
	userB := models.User{ID: 2, DiscordUserID: "B"}
	userC := models.User{ID: 3, DiscordUserID: "C"}
	p := &models.Puzzle{
		ID:      1,
		Authors: []models.User{userA, userB},
		Spoiled: []models.User{userB, userC},
	}
	store.Puzzles[1] = p

	var bDeny discord.Overwrite
	bDeny.ID, bDeny.Type = "B", discord.OverwriteUser
	bDeny.Revoke(discord.PermViewChannel)
	var dAllow discord.Overwrite
	dAllow.ID, dAllow.Type = "D", discord.OverwriteUser
	dAllow.Grant(discord.PermViewChannel)

	current := &models.TextChannelMirror{
		ID:         "ch1",
		Overwrites: []discord.Overwrite{bDeny, dAllow},
	}

	got, err := s.buildOverwrites(ctx, p, current)
	require.NoError(t, err)

	byID := make(map[string]discord.Overwrite)
	for _, o := range got {
		byID[o.ID] = o
	}

	// Must-see users are granted even over an existing denial.
	assert.True(t, byID["A"].Allow.Has(discord.PermViewChannel|discord.PermManageMessages))
	assert.True(t, byID["B"].Allow.Has(discord.PermViewChannel|discord.PermManageMessages))
	assert.False(t, byID["B"].Deny.Has(discord.PermViewChannel))
	// The bot always sees its own channels.
	assert.True(t, byID["bot"].Allow.Has(discord.PermViewChannel))
	// Neither must- nor can-see: existing overwrite is flipped to a denial.
	assert.True(t, byID["D"].Deny.Has(discord.PermViewChannel|discord.PermManageMessages))
	assert.False(t, byID["D"].Allow.Has(discord.PermViewChannel))
	// Can-see users with no overwrite don't get one.
	_, hasC := byID["C"]
	assert.False(t, hasC)
}

func TestBuildOverwrites_Deterministic(t *testing.T) {
	s, store, _ := newTestSyncer(t)
	ctx := context.Background()

	p := testutil.NewPuzzle(1, status.Writing)
	store.Puzzles[1] = p

	first, err := s.buildOverwrites(ctx, p, nil)
	require.NoError(t, err)
	second, err := s.buildOverwrites(ctx, p, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second, "overwrite lists must be stably ordered")
}

func TestSyncInfoPost_AdoptsPinnedBotMessage(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	guild.AddChannel(&testutil.MockChannel{ID: "ch1", Type: discord.ChannelTypeGuildText})
	pinned := guild.AddMessage("ch1", "bot", "old info")
	guild.Pin("ch1", pinned)

	p := testutil.NewPuzzle(1, status.Writing)
	p.DiscordChannelID = "ch1"
	store.Puzzles[1] = p

	require.NoError(t, s.syncInfoPost(ctx, p))
	assert.Equal(t, pinned, p.DiscordInfoMessageID)
	assert.Equal(t, 1, guild.EditMessageCalls)
	assert.Equal(t, 0, guild.PostMessageCalls)
}

func TestSyncInfoPost_FallsBackToEarliestBotMessage(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	guild.AddChannel(&testutil.MockChannel{ID: "ch1", Type: discord.ChannelTypeGuildText})
	first := guild.AddMessage("ch1", "bot", "unpinned info")
	guild.AddMessage("ch1", "human", "chatter")

	p := testutil.NewPuzzle(1, status.Writing)
	p.DiscordChannelID = "ch1"
	store.Puzzles[1] = p

	require.NoError(t, s.syncInfoPost(ctx, p))
	assert.Equal(t, first, p.DiscordInfoMessageID)
	assert.Equal(t, 0, guild.PostMessageCalls)
}

func TestSyncInfoPost_HumanFirstMessagePostsFresh(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	guild.AddChannel(&testutil.MockChannel{ID: "ch1", Type: discord.ChannelTypeGuildText})
	guild.AddMessage("ch1", "human", "I got here first")

	p := testutil.NewPuzzle(1, status.Writing)
	p.DiscordChannelID = "ch1"
	store.Puzzles[1] = p

	require.NoError(t, s.syncInfoPost(ctx, p))
	assert.NotEmpty(t, p.DiscordInfoMessageID)
	assert.Equal(t, 1, guild.PostMessageCalls)
	assert.Equal(t, 1, guild.PinCalls)
}

func TestSyncInfoPost_EditLimitSwallowed(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()
	guild.EditLimit = 1

	guild.AddChannel(&testutil.MockChannel{ID: "ch1", Type: discord.ChannelTypeGuildText})
	p := testutil.NewPuzzle(1, status.Writing)
	p.DiscordChannelID = "ch1"
	store.Puzzles[1] = p

	require.NoError(t, s.syncInfoPost(ctx, p)) // posts
	require.NoError(t, s.syncInfoPost(ctx, p)) // edit #1, allowed
	require.NoError(t, s.syncInfoPost(ctx, p)) // edit #2 hits the limit, swallowed
	assert.Equal(t, 2, guild.EditMessageCalls)
}

func TestSetPuzzleVisibility(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	guild.AddChannel(&testutil.MockChannel{ID: "ch1", Type: discord.ChannelTypeGuildText})
	p := testutil.NewPuzzle(1, status.Writing)
	p.DiscordChannelID = "ch1"
	store.Puzzles[1] = p
	u := models.User{ID: 9, DiscordUserID: "d9"}

	require.NoError(t, s.SetPuzzleVisibility(ctx, p, u, true))
	ch := guild.Channel("ch1")
	require.Len(t, ch.Overwrites, 1)
	assert.True(t, ch.Overwrites[0].Allow.Has(discord.PermViewChannel))

	require.NoError(t, s.SetPuzzleVisibility(ctx, p, u, false))
	assert.Empty(t, guild.Channel("ch1").Overwrites)

	// Users without a linked account are a no-op, not an error.
	require.NoError(t, s.SetPuzzleVisibility(ctx, p, models.User{ID: 10}, true))
}

func TestInitUserPerms_SyncsOnlyTheirPuzzles(t *testing.T) {
	s, store, _ := newTestSyncer(t)
	ctx := context.Background()

	shared := models.User{ID: 100, DiscordUserID: "d100"}
	for i := int64(1); i <= 3; i++ {
		p := testutil.NewPuzzle(i, status.Writing)
		if i != 3 {
			p.Editors = append(p.Editors, shared)
		}
		store.Puzzles[i] = p
	}

	require.NoError(t, s.InitUserPerms(ctx, shared))

	assert.NotEmpty(t, store.Puzzles[1].DiscordChannelID)
	assert.NotEmpty(t, store.Puzzles[2].DiscordChannelID)
	assert.Empty(t, store.Puzzles[3].DiscordChannelID)
}

func TestMakeTestsolveThread(t *testing.T) {
	s, store, guild := newTestSyncer(t)
	ctx := context.Background()

	guild.AddChannel(&testutil.MockChannel{ID: "ts1", Type: discord.ChannelTypeGuildText})
	p := testutil.NewPuzzle(7, status.Testsolving)
	session := &models.TestsolveSession{ID: 42, Puzzle: p}
	store.Sessions[42] = session

	require.NoError(t, s.MakeTestsolveThread(ctx, session))
	require.NotEmpty(t, session.DiscordThreadID)

	th := guild.Channel(session.DiscordThreadID)
	require.NotNil(t, th)
	assert.Equal(t, "Session 42 - Puzzle 7 (codename-7)", th.Name)
	assert.Equal(t, discord.ChannelTypePrivateThread, th.Type)
}

func TestMakeTestsolveThread_Unconfigured(t *testing.T) {
	s, store, _ := newTestSyncer(t)
	s.cfg.Discord.TestsolveChannelID = ""

	session := &models.TestsolveSession{ID: 1, Puzzle: testutil.NewPuzzle(1, status.Testsolving)}
	store.Sessions[1] = session

	var derr *DiscordError
	require.ErrorAs(t, s.MakeTestsolveThread(context.Background(), session), &derr)
}

func TestSyncer_DisabledIsNoop(t *testing.T) {
	store := testutil.NewFakeStore()
	cfg := &config.Config{PuzzUp: config.PuzzUpConfig{BaseURL: "https://puzzup.test"}}
	s := New(nil, store, cfg, zap.NewNop())

	p := testutil.NewPuzzle(1, status.Writing)
	store.Puzzles[1] = p

	assert.False(t, s.Enabled())
	assert.NoError(t, s.SyncPuzzleChannel(context.Background(), p))
	assert.Empty(t, p.DiscordChannelID)
}
