package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/discord"
	"github.com/huntworks/puzzup-sync/internal/models"
	"github.com/huntworks/puzzup-sync/internal/status"
)

const (
	// deadChannelAge is how long a puzzle sits dead before its channel is
	// reclaimed.
	deadChannelAge = 7 * 24 * time.Hour

	// quietChannelProbe is how many recent messages we inspect when deciding
	// whether a channel ever saw human activity.
	quietChannelProbe = 25

	// sortedPositionBase keeps reordered categories below any manually
	// placed ones, which Discord numbers from zero.
	sortedPositionBase = 1000
)

// CleanOptions selects which maintenance passes to run.
type CleanOptions struct {
	// DryRun logs what would be deleted without touching anything.
	DryRun bool
	// DeleteCategories removes empty status categories afterwards.
	DeleteCategories bool
	// SortCategories reorders status categories by pipeline progression.
	SortCategories bool
}

// CleanReport summarizes a maintenance run.
type CleanReport struct {
	ChannelsDeleted   int
	DanglingCleared   int
	Resynced          int
	CategoriesDeleted int
}

// CleanChannels walks every puzzle and reclaims channels that no longer
// earn their slot: puzzles dead for over a week, and channels for solo
// puzzles where nobody but the bot ever spoke. Deferred puzzles keep
// their channel and history for when they come back. Everything that
// survives is re-synced, and stored ids pointing at deleted channels are
// cleared.
func (s *Syncer) CleanChannels(ctx context.Context, opts CleanOptions) (*CleanReport, error) {
	if !s.Enabled() {
		return nil, &DiscordError{Reason: "Discord integration is not configured"}
	}

	report := &CleanReport{}
	ids, err := s.store.ListPuzzleIDs(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, id := range ids {
		p, err := s.store.GetPuzzle(ctx, id)
		if err != nil {
			return report, err
		}
		if p.DiscordChannelID == "" {
			continue
		}

		current, err := s.lookupChannel(ctx, p.DiscordChannelID)
		if err != nil {
			return report, err
		}
		if current == nil {
			// The channel was deleted out from under us; forget it.
			if !opts.DryRun {
				if err := s.store.SetPuzzleChannel(ctx, p.ID, ""); err != nil {
					return report, err
				}
				if err := s.store.DeleteTextChannel(ctx, p.DiscordChannelID); err != nil {
					return report, err
				}
			}
			s.logger.Info("cleared dangling channel id",
				zap.Int64("puzzle_id", p.ID),
				zap.String("channel_id", p.DiscordChannelID),
				zap.Bool("dry_run", opts.DryRun))
			report.DanglingCleared++
			continue
		}

		remove, reason, err := s.shouldReclaim(ctx, p, now)
		if err != nil {
			return report, err
		}
		if remove {
			if !opts.DryRun {
				if err := s.deletePuzzleChannel(ctx, p); err != nil {
					return report, err
				}
			}
			s.logger.Info("reclaimed puzzle channel",
				zap.Int64("puzzle_id", p.ID),
				zap.String("channel_id", p.DiscordChannelID),
				zap.String("reason", reason),
				zap.Bool("dry_run", opts.DryRun))
			report.ChannelsDeleted++
			continue
		}

		if !opts.DryRun {
			if err := s.SyncPuzzleChannel(ctx, p); err != nil {
				return report, fmt.Errorf("failed to re-sync puzzle %d: %w", p.ID, err)
			}
		}
		report.Resynced++
	}

	if opts.SortCategories {
		if err := s.SortStatusCategories(ctx, opts.DryRun); err != nil {
			return report, err
		}
	}
	if opts.DeleteCategories {
		n, err := s.deleteEmptyCategories(ctx, opts.DryRun)
		if err != nil {
			return report, err
		}
		report.CategoriesDeleted = n
	}
	return report, nil
}

// shouldReclaim decides whether a puzzle's channel should be deleted, and
// why.
func (s *Syncer) shouldReclaim(ctx context.Context, p *models.Puzzle, now time.Time) (bool, string, error) {
	if p.Status == status.Dead && now.Sub(p.StatusChangedAt) > deadChannelAge {
		return true, "dead for over a week", nil
	}

	if p.CrewSize() <= 1 {
		quiet, err := s.onlyBotSpoke(ctx, p.DiscordChannelID)
		if err != nil {
			return false, "", err
		}
		if quiet {
			return true, "solo puzzle with no human activity", nil
		}
	}
	return false, "", nil
}

// onlyBotSpoke reports whether a channel's recent history contains nothing
// but the bot's own messages.
func (s *Syncer) onlyBotSpoke(ctx context.Context, channelID string) (bool, error) {
	msgs, err := s.client.GetMessageHistory(ctx, channelID, quietChannelProbe)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		if m.Author.ID != s.cfg.Discord.ClientID {
			return false, nil
		}
	}
	return true, nil
}

func (s *Syncer) deletePuzzleChannel(ctx context.Context, p *models.Puzzle) error {
	if err := s.client.DeleteChannel(ctx, p.DiscordChannelID); err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	if err := s.store.DeleteTextChannel(ctx, p.DiscordChannelID); err != nil {
		return err
	}
	s.channels.Drop(p.DiscordChannelID)
	if err := s.store.SetPuzzleChannel(ctx, p.ID, ""); err != nil {
		return err
	}
	if p.DiscordInfoMessageID != "" {
		if err := s.store.SetPuzzleInfoMessage(ctx, p.ID, ""); err != nil {
			return err
		}
	}
	return nil
}

// SortStatusCategories reorders the status categories to follow the
// pipeline: earlier statuses first, numeric suffixes in order within a
// status.
func (s *Syncer) SortStatusCategories(ctx context.Context, dryRun bool) error {
	cats, err := s.store.StatusCategories(ctx)
	if err != nil {
		return err
	}
	sort.Slice(cats, func(i, j int) bool {
		ri, rj := status.Rank(cats[i].Status), status.Rank(cats[j].Status)
		if ri != rj {
			return ri < rj
		}
		return cats[i].StatusIndex < cats[j].StatusIndex
	})

	positions := make([]discord.ChannelPosition, 0, len(cats))
	for i, cat := range cats {
		positions = append(positions, discord.ChannelPosition{
			ID:       cat.ID,
			Position: sortedPositionBase + i,
		})
	}
	if len(positions) == 0 {
		return nil
	}

	s.logger.Info("sorting status categories",
		zap.Int("count", len(positions)), zap.Bool("dry_run", dryRun))
	if dryRun {
		return nil
	}
	if err := s.client.UpdateChannelPositions(ctx, positions); err != nil {
		return fmt.Errorf("failed to sort categories: %w", err)
	}
	for i := range cats {
		cats[i].Position = sortedPositionBase + i
		if err := s.store.UpsertCategory(ctx, &cats[i].CategoryMirror); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) deleteEmptyCategories(ctx context.Context, dryRun bool) (int, error) {
	cats, err := s.store.StatusCategories(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, cat := range cats {
		if cat.ChannelCount > 0 {
			continue
		}
		s.logger.Info("deleting empty category",
			zap.String("category_id", cat.ID),
			zap.String("name", cat.Name),
			zap.Bool("dry_run", dryRun))
		if !dryRun {
			if err := s.client.DeleteChannel(ctx, cat.ID); err != nil {
				return deleted, fmt.Errorf("failed to delete category: %w", err)
			}
			if err := s.store.DeleteCategory(ctx, cat.ID); err != nil {
				return deleted, err
			}
			s.categories.Drop(cat.ID)
		}
		deleted++
	}
	return deleted, nil
}

// SyncAll re-reconciles every puzzle. Used by the CLI and after bulk
// imports.
func (s *Syncer) SyncAll(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	ids, err := s.store.ListPuzzleIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		p, err := s.store.GetPuzzle(ctx, id)
		if err != nil {
			return err
		}
		if err := s.SyncPuzzleChannel(ctx, p); err != nil {
			return fmt.Errorf("failed to sync puzzle %d: %w", id, err)
		}
	}
	return nil
}
