package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/models"
	"github.com/huntworks/puzzup-sync/internal/status"
)

// UpsertTextChannel writes a text channel mirror row. Last writer wins:
// the gateway listener and the sync engine both call this, and either view
// is acceptable because both converge to the platform's true state.
func (db *DB) UpsertTextChannel(ctx context.Context, ch *models.TextChannelMirror) error {
	overwrites, err := json.Marshal(ch.Overwrites)
	if err != nil {
		return fmt.Errorf("failed to encode overwrites: %w", err)
	}

	query := `
		INSERT INTO discord_text_channel_cache (id, name, topic, position, category_id, permission_overwrites, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    topic = EXCLUDED.topic,
		    position = EXCLUDED.position,
		    category_id = EXCLUDED.category_id,
		    permission_overwrites = EXCLUDED.permission_overwrites,
		    updated_at = NOW()
	`
	if _, err := db.ExecContext(ctx, query, ch.ID, ch.Name, ch.Topic, ch.Position, ch.CategoryID, overwrites); err != nil {
		return fmt.Errorf("failed to upsert text channel mirror: %w", err)
	}
	return nil
}

// TextChannel loads one text channel mirror row, or ErrNotFound.
func (db *DB) TextChannel(ctx context.Context, id string) (*models.TextChannelMirror, error) {
	query := `
		SELECT id, name, topic, position, category_id, permission_overwrites, updated_at
		FROM discord_text_channel_cache
		WHERE id = $1
	`
	var ch models.TextChannelMirror
	var overwrites []byte
	err := db.QueryRowContext(ctx, query, id).Scan(
		&ch.ID, &ch.Name, &ch.Topic, &ch.Position, &ch.CategoryID, &overwrites, &ch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get text channel mirror: %w", err)
	}
	if err := json.Unmarshal(overwrites, &ch.Overwrites); err != nil {
		return nil, fmt.Errorf("failed to decode overwrites: %w", err)
	}
	return &ch, nil
}

// DeleteTextChannel removes a text channel mirror row.
func (db *DB) DeleteTextChannel(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM discord_text_channel_cache WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete text channel mirror: %w", err)
	}
	return nil
}

// SetChannelCategory moves a mirrored channel to a new category, but only
// when it is still in the category we last observed. Losing the race to
// the gateway listener is fine; its view wins.
func (db *DB) SetChannelCategory(ctx context.Context, channelID, fromCategoryID, toCategoryID string) error {
	query := `
		UPDATE discord_text_channel_cache
		SET category_id = $1, updated_at = NOW()
		WHERE id = $2 AND category_id = $3
	`
	if _, err := db.ExecContext(ctx, query, toCategoryID, channelID, fromCategoryID); err != nil {
		return fmt.Errorf("failed to move channel mirror: %w", err)
	}
	return nil
}

// UpsertCategory writes a category mirror row.
func (db *DB) UpsertCategory(ctx context.Context, cat *models.CategoryMirror) error {
	query := `
		INSERT INTO discord_category_cache (id, name, position, puzzle_status, puzzle_status_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    position = EXCLUDED.position,
		    puzzle_status = EXCLUDED.puzzle_status,
		    puzzle_status_index = EXCLUDED.puzzle_status_index,
		    updated_at = NOW()
	`
	_, err := db.ExecContext(ctx, query, cat.ID, cat.Name, cat.Position, string(cat.Status), cat.StatusIndex)
	if err != nil {
		return fmt.Errorf("failed to upsert category mirror: %w", err)
	}
	return nil
}

// DeleteCategory removes a category mirror row.
func (db *DB) DeleteCategory(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM discord_category_cache WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete category mirror: %w", err)
	}
	return nil
}

// CategoriesForStatus lists the mirrored categories for one status with
// their current direct child counts.
func (db *DB) CategoriesForStatus(ctx context.Context, st status.Status) ([]models.CategoryWithCount, error) {
	query := `
		SELECT c.id, c.name, c.position, c.puzzle_status, c.puzzle_status_index, c.updated_at,
		       COUNT(t.id) AS channel_count
		FROM discord_category_cache c
		LEFT JOIN discord_text_channel_cache t ON t.category_id = c.id
		WHERE c.puzzle_status = $1
		GROUP BY c.id
		ORDER BY c.puzzle_status_index
	`
	rows, err := db.QueryContext(ctx, query, string(st))
	if err != nil {
		return nil, fmt.Errorf("failed to list categories for status: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			db.logger.Warn("failed to close rows", zap.Error(err))
		}
	}()

	return scanCategoryCounts(rows)
}

// StatusCategories lists every mirrored category managed by this system
// (those whose name parsed to a status), with child counts, ordered by
// status rank then suffix.
func (db *DB) StatusCategories(ctx context.Context) ([]models.CategoryWithCount, error) {
	query := `
		SELECT c.id, c.name, c.position, c.puzzle_status, c.puzzle_status_index, c.updated_at,
		       COUNT(t.id) AS channel_count
		FROM discord_category_cache c
		LEFT JOIN discord_text_channel_cache t ON t.category_id = c.id
		WHERE c.puzzle_status <> ''
		GROUP BY c.id
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list status categories: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			db.logger.Warn("failed to close rows", zap.Error(err))
		}
	}()

	return scanCategoryCounts(rows)
}

func scanCategoryCounts(rows *sql.Rows) ([]models.CategoryWithCount, error) {
	var cats []models.CategoryWithCount
	for rows.Next() {
		var cat models.CategoryWithCount
		var st string
		err := rows.Scan(&cat.ID, &cat.Name, &cat.Position, &st, &cat.StatusIndex, &cat.UpdatedAt, &cat.ChannelCount)
		if err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		cat.Status = status.Status(st)
		cats = append(cats, cat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate categories: %w", err)
	}
	return cats, nil
}
