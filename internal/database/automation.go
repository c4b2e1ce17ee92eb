package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetAutomationConfig returns the stored automation config, or nil if it
// has never been saved.
func (db *DB) GetAutomationConfig(ctx context.Context) (*AutomationConfig, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT enabled, cadence, time_of_day, keywords, content_type, word_count,
		categories, admin_email, updated_at FROM automation_config WHERE id = 1`,
	)

	var (
		c          AutomationConfig
		enabled    int
		keywords   sql.NullString
		categories sql.NullString
		updatedAt  string
	)
	err := row.Scan(&enabled, &c.Cadence, &c.TimeOfDay, &keywords, &c.ContentType,
		&c.WordCount, &categories, &c.AdminEmail, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("getting automation config", err)
	}

	c.Enabled = enabled != 0
	if c.Keywords, err = decodeList(keywords); err != nil {
		return nil, persistErr("decoding keywords", err)
	}
	if c.Categories, err = decodeList(categories); err != nil {
		return nil, persistErr("decoding categories", err)
	}
	t, err := parseTime(updatedAt)
	if err != nil {
		return nil, persistErr("parsing updated_at", fmt.Errorf("%q: %w", updatedAt, err))
	}
	c.UpdatedAt = &t
	return &c, nil
}

// SaveAutomationConfig replaces the stored automation config.
func (db *DB) SaveAutomationConfig(ctx context.Context, c AutomationConfig) error {
	keywords, err := encodeList(nonNil(c.Keywords))
	if err != nil {
		return persistErr("encoding keywords", err)
	}
	categories, err := encodeList(nonNil(c.Categories))
	if err != nil {
		return persistErr("encoding categories", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO automation_config
		(id, enabled, cadence, time_of_day, keywords, content_type, word_count, categories, admin_email, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			cadence = excluded.cadence,
			time_of_day = excluded.time_of_day,
			keywords = excluded.keywords,
			content_type = excluded.content_type,
			word_count = excluded.word_count,
			categories = excluded.categories,
			admin_email = excluded.admin_email,
			updated_at = excluded.updated_at`,
		boolToInt(c.Enabled), c.Cadence, c.TimeOfDay, keywords, c.ContentType,
		c.WordCount, categories, c.AdminEmail, formatTime(time.Now()),
	)
	return persistErr("saving automation config", err)
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		args []any
		dest *int
	}{
		{"SELECT COUNT(*) FROM posts WHERE status = 'draft'", nil, &s.Drafts},
		{"SELECT COUNT(*) FROM posts WHERE status = 'scheduled'", nil, &s.Scheduled},
		{"SELECT COUNT(*) FROM posts WHERE status = 'published'", nil, &s.Published},
		{"SELECT COUNT(*) FROM posts WHERE ai_generated = 1", nil, &s.AIGenerated},
		{"SELECT COUNT(*) FROM approval_tokens WHERE expires_at >= ?", []any{formatTime(now)}, &s.ValidTokens},
	}

	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.sql, q.args...).Scan(q.dest); err != nil {
			return nil, persistErr("getting stats", err)
		}
	}

	return s, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
