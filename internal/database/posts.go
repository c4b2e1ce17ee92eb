package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

const postColumns = `id, title, slug, content, excerpt, meta_description, keywords, category,
	status, ai_generated, quality_score, featured_image, scheduled_at, published_at,
	created_at, updated_at`

const maxSlugLength = 80

// Slugify derives a URL-safe slug from a title.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		slug = "post"
	}
	return slug
}

// TruncateMeta caps a meta description at MaxMetaDescription characters.
func TruncateMeta(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= MaxMetaDescription {
		return string(r)
	}
	return strings.TrimSpace(string(r[:MaxMetaDescription-3])) + "..."
}

// CreatePost inserts a post, assigning an ID and a unique slug.
// Status defaults to draft.
func (db *DB) CreatePost(ctx context.Context, p *Post) (*Post, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidPost)
	}
	post := *p
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.Status == "" {
		post.Status = StatusDraft
	}
	if err := checkStatusInvariant(post.Status, post.ScheduledAt, post.PublishedAt); err != nil {
		return nil, err
	}
	post.MetaDescription = TruncateMeta(post.MetaDescription)
	post.QualityScore = clampScore(post.QualityScore)

	kwJSON, err := encodeList(post.Keywords)
	if err != nil {
		return nil, persistErr("encoding keywords", err)
	}

	// The slug lookup and the insert share a transaction; with the single
	// connection this keeps concurrent creates from picking the same slug.
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("beginning insert", err)
	}
	defer tx.Rollback() //nolint: errcheck

	slug, err := uniqueSlug(ctx, tx, Slugify(post.Title))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	query, args, err := db.sb.Insert("posts").
		Columns("id", "title", "slug", "content", "excerpt", "meta_description", "keywords",
			"category", "status", "ai_generated", "quality_score", "featured_image",
			"scheduled_at", "published_at", "created_at", "updated_at").
		Values(post.ID, post.Title, slug, post.Content, post.Excerpt, post.MetaDescription, kwJSON,
			post.Category, string(post.Status), boolToInt(post.AIGenerated), post.QualityScore, post.FeaturedImage,
			formatTimePtr(post.ScheduledAt), formatTimePtr(post.PublishedAt), formatTime(now), formatTime(now)).
		ToSql()
	if err != nil {
		return nil, persistErr("building insert", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, persistErr("inserting post", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("committing insert", err)
	}
	return db.GetPost(ctx, post.ID)
}

// uniqueSlug returns base, or base suffixed with -2, -3, ... if taken.
func uniqueSlug(ctx context.Context, tx *sql.Tx, base string) (string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT slug FROM posts WHERE slug = ? OR slug LIKE ?`, base, base+"-%")
	if err != nil {
		return "", persistErr("checking slug", err)
	}
	taken := make(map[string]struct{})
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return "", persistErr("scanning slug", err)
		}
		taken[s] = struct{}{}
	}
	if err := rows.Close(); err != nil {
		return "", persistErr("closing slug rows", err)
	}

	if _, ok := taken[base]; !ok {
		return base, nil
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if _, ok := taken[candidate]; !ok {
			return candidate, nil
		}
	}
}

// GetPost returns a single post by ID, or nil if it does not exist.
func (db *DB) GetPost(ctx context.Context, id string) (*Post, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("getting post", err)
	}
	return p, nil
}

// GetPostBySlug returns a single post by slug, or nil if it does not exist.
func (db *DB) GetPostBySlug(ctx context.Context, slug string) (*Post, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE slug = ?`, slug)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("getting post by slug", err)
	}
	return p, nil
}

// ListPostsByStatus returns posts with the given status, oldest first.
func (db *DB) ListPostsByStatus(ctx context.Context, status PostStatus) ([]Post, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, persistErr("listing posts", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, persistErr("scanning post", err)
		}
		posts = append(posts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("listing posts", err)
	}
	return posts, nil
}

// UpdatePost applies a partial update and returns the updated post.
// Moving to published without a PublishedAt stamps the current time.
func (db *DB) UpdatePost(ctx context.Context, id string, upd PostUpdate) (*Post, error) {
	existing, err := db.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPostNotFound
	}

	status := existing.Status
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidPost, *upd.Status)
		}
		status = *upd.Status
	}
	scheduledAt := existing.ScheduledAt
	if upd.ClearScheduledAt {
		scheduledAt = nil
	}
	if upd.ScheduledAt != nil {
		scheduledAt = upd.ScheduledAt
	}
	publishedAt := existing.PublishedAt
	if upd.PublishedAt != nil {
		publishedAt = upd.PublishedAt
	}
	if status == StatusPublished && publishedAt == nil {
		now := time.Now().UTC()
		publishedAt = &now
	}
	if err := checkStatusInvariant(status, scheduledAt, publishedAt); err != nil {
		return nil, err
	}

	b := db.sb.Update("posts").
		Set("status", string(status)).
		Set("scheduled_at", formatTimePtr(scheduledAt)).
		Set("published_at", formatTimePtr(publishedAt)).
		Set("updated_at", formatTime(time.Now())).
		Where(sq.Eq{"id": id})

	if upd.Title != nil {
		if strings.TrimSpace(*upd.Title) == "" {
			return nil, fmt.Errorf("%w: title is required", ErrInvalidPost)
		}
		b = b.Set("title", *upd.Title)
	}
	if upd.Content != nil {
		b = b.Set("content", *upd.Content)
	}
	if upd.Excerpt != nil {
		b = b.Set("excerpt", *upd.Excerpt)
	}
	if upd.MetaDescription != nil {
		b = b.Set("meta_description", TruncateMeta(*upd.MetaDescription))
	}
	if upd.Keywords != nil {
		kwJSON, err := encodeList(upd.Keywords)
		if err != nil {
			return nil, persistErr("encoding keywords", err)
		}
		b = b.Set("keywords", kwJSON)
	}
	if upd.Category != nil {
		b = b.Set("category", *upd.Category)
	}
	if upd.QualityScore != nil {
		b = b.Set("quality_score", clampScore(*upd.QualityScore))
	}
	if upd.FeaturedImage != nil {
		b = b.Set("featured_image", *upd.FeaturedImage)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, persistErr("building update", err)
	}
	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return nil, persistErr("updating post", err)
	}
	return db.GetPost(ctx, id)
}

// PublishPost marks a post published at the given time, whatever its
// current status.
func (db *DB) PublishPost(ctx context.Context, id string, at time.Time) (*Post, error) {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE posts SET status = 'published', published_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now()), id,
	)
	if err != nil {
		return nil, persistErr("publishing post", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, persistErr("publishing post", err)
	}
	if n == 0 {
		return nil, ErrPostNotFound
	}
	return db.GetPost(ctx, id)
}

// PublishScheduledPost publishes a post only if it is still scheduled and its
// scheduled time is not after now. It reports whether the row changed.
func (db *DB) PublishScheduledPost(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE posts SET status = 'published', published_at = ?, updated_at = ?
		WHERE id = ? AND status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= ?`,
		formatTime(now), formatTime(time.Now()), id, formatTime(now),
	)
	if err != nil {
		return false, persistErr("publishing scheduled post", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, persistErr("publishing scheduled post", err)
	}
	return n == 1, nil
}

// DeletePost removes a post and its approval tokens.
func (db *DB) DeletePost(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	return persistErr("deleting post", err)
}

func checkStatusInvariant(status PostStatus, scheduledAt, publishedAt *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPost, status)
	}
	if status == StatusScheduled && scheduledAt == nil {
		return fmt.Errorf("%w: scheduled post requires scheduledAt", ErrInvalidPost)
	}
	if status == StatusPublished && publishedAt == nil {
		return fmt.Errorf("%w: published post requires publishedAt", ErrInvalidPost)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*Post, error) {
	var (
		p           Post
		status      string
		keywords    sql.NullString
		featured    sql.NullString
		aiGenerated int
		scheduledAt sql.NullString
		publishedAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Slug, &p.Content, &p.Excerpt, &p.MetaDescription,
		&keywords, &p.Category, &status, &aiGenerated, &p.QualityScore, &featured,
		&scheduledAt, &publishedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = PostStatus(status)
	p.AIGenerated = aiGenerated != 0
	if featured.Valid {
		p.FeaturedImage = &featured.String
	}

	var err error
	if p.Keywords, err = decodeList(keywords); err != nil {
		return nil, fmt.Errorf("decoding keywords: %w", err)
	}
	if p.ScheduledAt, err = parseNullTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("parsing scheduled_at: %w", err)
	}
	if p.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return nil, fmt.Errorf("parsing published_at: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

func encodeList(items []string) (*string, error) {
	if items == nil {
		return nil, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func decodeList(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(ns.String), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func clampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
