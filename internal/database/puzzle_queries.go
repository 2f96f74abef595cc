package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/models"
	"github.com/huntworks/puzzup-sync/internal/status"
)

// GetPuzzle loads one puzzle with its author/editor/factchecker/spoiled
// sets, or ErrNotFound.
func (db *DB) GetPuzzle(ctx context.Context, id int64) (*models.Puzzle, error) {
	query := `
		SELECT id, name, codename, status, status_changed_at, discord_channel_id, discord_info_message_id
		FROM puzzles
		WHERE id = $1
	`
	var p models.Puzzle
	var st string
	err := db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Codename, &st, &p.StatusChangedAt,
		&p.DiscordChannelID, &p.DiscordInfoMessageID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get puzzle: %w", err)
	}
	p.Status = status.Status(st)

	if err := db.loadPuzzlePeople(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPuzzleIDs returns every puzzle id, used by maintenance commands.
func (db *DB) ListPuzzleIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM puzzles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list puzzles: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			db.logger.Warn("failed to close rows", zap.Error(err))
		}
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan puzzle id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate puzzles: %w", err)
	}
	return ids, nil
}

// PuzzleIDsForUser returns the ids of every puzzle the user is an author,
// editor or factchecker on: the puzzles whose channels they must see.
func (db *DB) PuzzleIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	query := `
		SELECT DISTINCT puzzle_id FROM (
			SELECT puzzle_id FROM puzzle_authors WHERE user_id = $1
			UNION
			SELECT puzzle_id FROM puzzle_editors WHERE user_id = $1
			UNION
			SELECT puzzle_id FROM puzzle_factcheckers WHERE user_id = $1
		) AS member ORDER BY puzzle_id
	`
	rows, err := db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list puzzles for user: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			db.logger.Warn("failed to close rows", zap.Error(err))
		}
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan puzzle id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate puzzles: %w", err)
	}
	return ids, nil
}

// SetPuzzleChannel persists a puzzle's channel id after creation.
func (db *DB) SetPuzzleChannel(ctx context.Context, puzzleID int64, channelID string) error {
	_, err := db.ExecContext(ctx, `UPDATE puzzles SET discord_channel_id = $1 WHERE id = $2`, channelID, puzzleID)
	if err != nil {
		return fmt.Errorf("failed to set puzzle channel id: %w", err)
	}
	return nil
}

// SetPuzzleInfoMessage persists a puzzle's pinned info post id.
func (db *DB) SetPuzzleInfoMessage(ctx context.Context, puzzleID int64, messageID string) error {
	_, err := db.ExecContext(ctx, `UPDATE puzzles SET discord_info_message_id = $1 WHERE id = $2`, messageID, puzzleID)
	if err != nil {
		return fmt.Errorf("failed to set puzzle info message id: %w", err)
	}
	return nil
}

// EditorsInChief lists users holding the editor-in-chief role.
func (db *DB) EditorsInChief(ctx context.Context) ([]models.User, error) {
	rows, err := db.QueryContext(ctx, userSelect+` WHERE is_eic ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list EICs: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			db.logger.Warn("failed to close rows", zap.Error(err))
		}
	}()
	return scanUsers(rows)
}

// UpsertUserDiscordNames refreshes a user's cached Discord username and
// nickname, keyed by their linked Discord id. Called by the gateway
// listener on member updates; users without a matching link are ignored.
func (db *DB) UpsertUserDiscordNames(ctx context.Context, discordUserID, username, nickname string) error {
	query := `
		UPDATE users
		SET discord_username = $1, discord_nickname = $2
		WHERE discord_user_id = $3
	`
	if _, err := db.ExecContext(ctx, query, username, nickname, discordUserID); err != nil {
		return fmt.Errorf("failed to update user discord names: %w", err)
	}
	return nil
}

// GetSession loads one testsolve session with its puzzle, or ErrNotFound.
func (db *DB) GetSession(ctx context.Context, id int64) (*models.TestsolveSession, error) {
	query := `SELECT id, puzzle_id, discord_thread_id, joinable FROM testsolve_sessions WHERE id = $1`
	var s models.TestsolveSession
	var puzzleID int64
	err := db.QueryRowContext(ctx, query, id).Scan(&s.ID, &puzzleID, &s.DiscordThreadID, &s.Joinable)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	p, err := db.GetPuzzle(ctx, puzzleID)
	if err != nil {
		return nil, err
	}
	s.Puzzle = p
	return &s, nil
}

// SetSessionThread persists a session's discussion thread id.
func (db *DB) SetSessionThread(ctx context.Context, sessionID int64, threadID string) error {
	_, err := db.ExecContext(ctx, `UPDATE testsolve_sessions SET discord_thread_id = $1 WHERE id = $2`, threadID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to set session thread id: %w", err)
	}
	return nil
}

const userSelect = `
	SELECT id, name, display_name, credits_name, discord_user_id, discord_username, discord_nickname, is_eic
	FROM users
`

func (db *DB) loadPuzzlePeople(ctx context.Context, p *models.Puzzle) error {
	relations := []struct {
		table string
		dst   *[]models.User
	}{
		{"puzzle_authors", &p.Authors},
		{"puzzle_editors", &p.Editors},
		{"puzzle_factcheckers", &p.Factcheckers},
		{"puzzle_spoiled", &p.Spoiled},
	}
	for _, rel := range relations {
		query := userSelect + fmt.Sprintf(
			` WHERE id IN (SELECT user_id FROM %s WHERE puzzle_id = $1) ORDER BY id`, rel.table)
		rows, err := db.QueryContext(ctx, query, p.ID)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", rel.table, err)
		}
		users, err := scanUsers(rows)
		closeErr := rows.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			db.logger.Warn("failed to close rows", zap.Error(closeErr))
		}
		*rel.dst = users
	}
	return nil
}

func scanUsers(rows *sql.Rows) ([]models.User, error) {
	var users []models.User
	for rows.Next() {
		var u models.User
		err := rows.Scan(
			&u.ID, &u.Name, &u.DisplayName, &u.CreditsName,
			&u.DiscordUserID, &u.DiscordUsername, &u.DiscordNickname, &u.IsEIC,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}
