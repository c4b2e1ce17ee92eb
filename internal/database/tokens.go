package database

import (
	"context"
	"database/sql"
	"time"
)

// InsertToken stores an approval token.
func (db *DB) InsertToken(ctx context.Context, t ApprovalToken) error {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO approval_tokens (token, post_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		t.Token, t.PostID, formatTime(t.ExpiresAt), formatTime(created),
	)
	return persistErr("inserting token", err)
}

// FindValidToken returns the token record for postID if it exists and has
// not expired at now, or nil otherwise.
func (db *DB) FindValidToken(ctx context.Context, postID, token string, now time.Time) (*ApprovalToken, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT token, post_id, expires_at, created_at FROM approval_tokens
		WHERE token = ? AND post_id = ? AND expires_at >= ?`,
		token, postID, formatTime(now),
	)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("finding token", err)
	}
	return t, nil
}

// DeleteToken removes a token and reports whether it existed. Of two
// concurrent deletes of the same token exactly one observes true.
func (db *DB) DeleteToken(ctx context.Context, token string) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM approval_tokens WHERE token = ?`, token)
	if err != nil {
		return false, persistErr("deleting token", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, persistErr("deleting token", err)
	}
	return n == 1, nil
}

// DeleteTokensForPost removes every token issued for a post.
func (db *DB) DeleteTokensForPost(ctx context.Context, postID string) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM approval_tokens WHERE post_id = ?`, postID)
	if err != nil {
		return 0, persistErr("deleting post tokens", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, persistErr("deleting post tokens", err)
	}
	return n, nil
}

// ConsumeToken deletes a live token for postID and publishes the post at now
// in one transaction. It returns nil when no live token matched; on any
// error neither the token nor the post is changed.
func (db *DB) ConsumeToken(ctx context.Context, postID, token string, now time.Time) (*Post, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("consuming token", err)
	}
	defer tx.Rollback() //nolint: errcheck

	result, err := tx.ExecContext(ctx,
		`DELETE FROM approval_tokens WHERE token = ? AND post_id = ? AND expires_at >= ?`,
		token, postID, formatTime(now),
	)
	if err != nil {
		return nil, persistErr("claiming token", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, persistErr("claiming token", err)
	}
	if n == 0 {
		return nil, nil
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE posts SET status = 'published', published_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(now), formatTime(time.Now()), postID,
	)
	if err != nil {
		return nil, persistErr("publishing post", err)
	}
	if n, err = result.RowsAffected(); err != nil {
		return nil, persistErr("publishing post", err)
	}
	if n == 0 {
		return nil, ErrPostNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, persistErr("committing token claim", err)
	}
	return db.GetPost(ctx, postID)
}

// PurgeExpiredTokens deletes tokens that expired before now.
func (db *DB) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM approval_tokens WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, persistErr("purging tokens", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, persistErr("purging tokens", err)
	}
	return n, nil
}

// ListTokensForPost returns all stored tokens for a post, newest first.
func (db *DB) ListTokensForPost(ctx context.Context, postID string) ([]ApprovalToken, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT token, post_id, expires_at, created_at FROM approval_tokens
		WHERE post_id = ? ORDER BY created_at DESC`, postID,
	)
	if err != nil {
		return nil, persistErr("listing tokens", err)
	}
	defer rows.Close()

	var tokens []ApprovalToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, persistErr("scanning token", err)
		}
		tokens = append(tokens, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("listing tokens", err)
	}
	return tokens, nil
}

func scanToken(row rowScanner) (*ApprovalToken, error) {
	var t ApprovalToken
	var expiresAt, createdAt string
	if err := row.Scan(&t.Token, &t.PostID, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if t.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}
