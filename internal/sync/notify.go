package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/discord"
	"github.com/huntworks/puzzup-sync/internal/models"
	"github.com/huntworks/puzzup-sync/internal/status"
)

// MentionUser renders a user as a Discord mention, falling back to their
// plain name when they have no linked account.
func MentionUser(u models.User) string {
	if u.DiscordUserID != "" {
		return fmt.Sprintf("<@!%s>", u.DiscordUserID)
	}
	return u.String()
}

// MentionUsers renders a list of users as mentions. When skipMissing is
// set, users with no linked account are dropped instead of rendered by
// name.
func MentionUsers(users []models.User, skipMissing bool) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if skipMissing && u.DiscordUserID == "" {
			continue
		}
		out = append(out, MentionUser(u))
	}
	return out
}

func joinMentions(mentions []string) string {
	if len(mentions) == 0 {
		return "(none)"
	}
	return strings.Join(mentions, ", ")
}

// SafePostMessage posts to a channel, absorbing a 404 so callers can fire
// notifications at a stored channel id without first checking that the
// channel still exists.
func (s *Syncer) SafePostMessage(ctx context.Context, channelID string, payload discord.MessagePayload) error {
	if !s.Enabled() || channelID == "" {
		return nil
	}
	_, err := s.client.PostMessage(ctx, channelID, payload)
	if err != nil {
		var apiErr *discord.APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			s.logger.Warn("notification target channel is gone",
				zap.String("channel_id", channelID))
			return nil
		}
		return err
	}
	return nil
}

// AnnouncePeople posts a message in a puzzle channel tagging a set of
// users, e.g. when editors or factcheckers are assigned.
func (s *Syncer) AnnouncePeople(ctx context.Context, p *models.Puzzle, users []models.User, message string) error {
	if len(users) == 0 {
		return nil
	}
	content := fmt.Sprintf("%s: %s", message, joinMentions(MentionUsers(users, false)))
	return s.SafePostMessage(ctx, p.DiscordChannelID, discord.Text(content))
}

// hypePhrases are rotated through when a puzzle advances, so repeated
// status changes don't read like a broken record.
var hypePhrases = []string{
	"Congratulations!",
	"Hooray!",
	"Great news!",
	"Nice work!",
	"Onwards!",
}

// AnnounceStatusChange posts a status-change note in the puzzle channel.
// Advancing past testsolving gets a celebratory phrase; everything else is
// a plain notice.
func (s *Syncer) AnnounceStatusChange(ctx context.Context, p *models.Puzzle, from status.Status) error {
	if p.DiscordChannelID == "" {
		return nil
	}

	var content string
	if status.Rank(p.Status) > status.Rank(from) && status.PastTestsolving(p.Status) {
		phrase := hypePhrases[rand.Intn(len(hypePhrases))]
		content = fmt.Sprintf("%s This puzzle is now **%s** %s",
			phrase, status.Display(p.Status), status.Emoji(p.Status))
	} else {
		content = fmt.Sprintf("This puzzle is now **%s**.", status.Display(p.Status))
	}
	return s.SafePostMessage(ctx, p.DiscordChannelID, discord.Text(content))
}

// AnnounceTestsolveSession posts the kickoff message in a fresh testsolve
// thread, pins it, and adds the initial solvers.
func (s *Syncer) AnnounceTestsolveSession(ctx context.Context, session *models.TestsolveSession, solvers []models.User) error {
	if !s.Enabled() || session.DiscordThreadID == "" {
		return nil
	}

	base := fmt.Sprintf("%s/testsolve/%d", s.cfg.PuzzUp.BaseURL, session.ID)
	content := fmt.Sprintf(
		"Use this thread to talk about your solve!\n"+
			"\n"+
			"* [Testsolve session](%s)\n"+
			"* [Puzzle](%s)\n"+
			"\n"+
			"When you're done, don't forget to fill out the feedback form.",
		base, fmt.Sprintf("%s/testsolve/%d/puzzle", s.cfg.PuzzUp.BaseURL, session.ID),
	)
	msg, err := s.client.PostMessage(ctx, session.DiscordThreadID, discord.Text(content))
	if err != nil {
		return fmt.Errorf("failed to post testsolve kickoff: %w", err)
	}
	if err := s.client.PinMessage(ctx, session.DiscordThreadID, msg.ID); err != nil {
		return fmt.Errorf("failed to pin testsolve kickoff: %w", err)
	}

	for _, u := range solvers {
		if u.DiscordUserID == "" {
			continue
		}
		if err := s.client.AddThreadMember(ctx, session.DiscordThreadID, u.DiscordUserID); err != nil {
			// Missing guild members shouldn't block the rest of the party.
			s.logger.Warn("failed to add testsolver to thread",
				zap.String("user_id", u.DiscordUserID), zap.Error(err))
		}
	}

	mentions := MentionUsers(solvers, true)
	if len(mentions) > 0 {
		notice := "Adding testsolvers: " + strings.Join(mentions, ", ")
		if err := s.SafePostMessage(ctx, session.DiscordThreadID, discord.Text(notice)); err != nil {
			return err
		}
	}
	return nil
}

// AddTestsolver adds one solver to a session's thread mid-solve.
func (s *Syncer) AddTestsolver(ctx context.Context, session *models.TestsolveSession, u models.User) error {
	if !s.Enabled() || session.DiscordThreadID == "" || u.DiscordUserID == "" {
		return nil
	}
	if err := s.client.AddThreadMember(ctx, session.DiscordThreadID, u.DiscordUserID); err != nil {
		return fmt.Errorf("failed to add testsolver: %w", err)
	}
	return s.SafePostMessage(ctx, session.DiscordThreadID,
		discord.Text("Adding testsolver: "+MentionUser(u)))
}
