package database

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr[T any](v T) *T { return &v }

func createPost(t *testing.T, db *DB, p Post) *Post {
	t.Helper()
	created, err := db.CreatePost(context.Background(), &p)
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	return created
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Hello, World!", "hello-world"},
		{"  Go 1.25 -- What's New?  ", "go-1-25-what-s-new"},
		{"Café au lait", "caf-au-lait"},
		{"!!!", "post"},
		{strings.Repeat("word ", 40), strings.TrimRight(strings.Repeat("word-", 16), "-")},
	}
	for _, c := range cases {
		if got := Slugify(c.in); got != c.want {
			t.Errorf("Slugify(%q): expected %q, got %q", c.in, c.want, got)
		}
	}
}

func TestCreatePostDefaults(t *testing.T) {
	db := openTestDB(t)
	p := createPost(t, db, Post{
		Title:           "Scaling Go Services",
		Content:         "Body",
		MetaDescription: strings.Repeat("m", 200),
		Keywords:        []string{"go", "scaling"},
		Category:        "Tech",
		AIGenerated:     true,
		QualityScore:    140,
	})

	if p.ID == "" {
		t.Error("expected an ID to be assigned")
	}
	if p.Slug != "scaling-go-services" {
		t.Errorf("expected slug 'scaling-go-services', got %q", p.Slug)
	}
	if p.Status != StatusDraft {
		t.Errorf("expected draft status, got %q", p.Status)
	}
	if n := len([]rune(p.MetaDescription)); n != MaxMetaDescription {
		t.Errorf("expected meta description capped at %d, got %d", MaxMetaDescription, n)
	}
	if p.QualityScore != 100 {
		t.Errorf("expected quality score clamped to 100, got %d", p.QualityScore)
	}
	if len(p.Keywords) != 2 || p.Keywords[1] != "scaling" {
		t.Errorf("expected keywords round-trip, got %v", p.Keywords)
	}
	if !p.AIGenerated {
		t.Error("expected AIGenerated to be true")
	}
}

func TestCreatePostUniqueSlug(t *testing.T) {
	db := openTestDB(t)
	a := createPost(t, db, Post{Title: "Same Title"})
	b := createPost(t, db, Post{Title: "Same Title"})
	c := createPost(t, db, Post{Title: "Same Title!"})

	if a.Slug != "same-title" || b.Slug != "same-title-2" || c.Slug != "same-title-3" {
		t.Errorf("expected same-title, same-title-2, same-title-3; got %q, %q, %q", a.Slug, b.Slug, c.Slug)
	}
}

func TestCreatePostRejectsBrokenInvariants(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.CreatePost(ctx, &Post{Title: "x", Status: StatusScheduled})
	if !errors.Is(err, ErrInvalidPost) {
		t.Errorf("expected ErrInvalidPost for scheduled without scheduledAt, got %v", err)
	}
	_, err = db.CreatePost(ctx, &Post{Title: "x", Status: StatusPublished})
	if !errors.Is(err, ErrInvalidPost) {
		t.Errorf("expected ErrInvalidPost for published without publishedAt, got %v", err)
	}
	_, err = db.CreatePost(ctx, &Post{Title: "   "})
	if !errors.Is(err, ErrInvalidPost) {
		t.Errorf("expected ErrInvalidPost for empty title, got %v", err)
	}
}

func TestUpdatePostPartial(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := createPost(t, db, Post{Title: "Original", Content: "Old body", Category: "Tech"})

	updated, err := db.UpdatePost(ctx, p.ID, PostUpdate{
		Title:   ptr("Renamed"),
		Content: ptr("New body"),
	})
	if err != nil {
		t.Fatalf("UpdatePost: %v", err)
	}
	if updated.Title != "Renamed" || updated.Content != "New body" {
		t.Errorf("expected title and content updated, got %q / %q", updated.Title, updated.Content)
	}
	if updated.Category != "Tech" {
		t.Errorf("expected category untouched, got %q", updated.Category)
	}
	if updated.Slug != "original" {
		t.Errorf("expected slug to stay 'original', got %q", updated.Slug)
	}
}

func TestUpdatePostStatusInvariants(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := createPost(t, db, Post{Title: "Lifecycle"})

	_, err := db.UpdatePost(ctx, p.ID, PostUpdate{Status: ptr(StatusScheduled)})
	if !errors.Is(err, ErrInvalidPost) {
		t.Fatalf("expected ErrInvalidPost scheduling without time, got %v", err)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	scheduled, err := db.UpdatePost(ctx, p.ID, PostUpdate{Status: ptr(StatusScheduled), ScheduledAt: &at})
	if err != nil {
		t.Fatalf("UpdatePost schedule: %v", err)
	}
	if scheduled.ScheduledAt == nil || !scheduled.ScheduledAt.Equal(at) {
		t.Errorf("expected scheduledAt %s, got %v", at, scheduled.ScheduledAt)
	}

	published, err := db.UpdatePost(ctx, p.ID, PostUpdate{Status: ptr(StatusPublished)})
	if err != nil {
		t.Fatalf("UpdatePost publish: %v", err)
	}
	if published.PublishedAt == nil {
		t.Error("expected publishedAt to be stamped")
	}

	if _, err := db.UpdatePost(ctx, "missing", PostUpdate{Title: ptr("x")}); !errors.Is(err, ErrPostNotFound) {
		t.Errorf("expected ErrPostNotFound, got %v", err)
	}
}

func TestListPostsByStatus(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)
	createPost(t, db, Post{Title: "A"})
	createPost(t, db, Post{Title: "B"})
	createPost(t, db, Post{Title: "C", Status: StatusScheduled, ScheduledAt: &at})

	drafts, err := db.ListPostsByStatus(ctx, StatusDraft)
	if err != nil {
		t.Fatalf("ListPostsByStatus: %v", err)
	}
	if len(drafts) != 2 {
		t.Errorf("expected 2 drafts, got %d", len(drafts))
	}
	scheduled, _ := db.ListPostsByStatus(ctx, StatusScheduled)
	if len(scheduled) != 1 || scheduled[0].Title != "C" {
		t.Errorf("expected only C scheduled, got %v", scheduled)
	}
}

func TestPublishScheduledPostConditional(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	due := createPost(t, db, Post{Title: "Due", Status: StatusScheduled, ScheduledAt: &past})
	later := createPost(t, db, Post{Title: "Later", Status: StatusScheduled, ScheduledAt: &future})
	draft := createPost(t, db, Post{Title: "Draft", ScheduledAt: &past})

	ok, err := db.PublishScheduledPost(ctx, due.ID, now)
	if err != nil || !ok {
		t.Fatalf("expected due post to publish, got ok=%v err=%v", ok, err)
	}
	ok, _ = db.PublishScheduledPost(ctx, due.ID, now.Add(time.Minute))
	if ok {
		t.Error("expected second publish of the same post to be a no-op")
	}
	if ok, _ := db.PublishScheduledPost(ctx, later.ID, now); ok {
		t.Error("expected future post to stay scheduled")
	}
	if ok, _ := db.PublishScheduledPost(ctx, draft.ID, now); ok {
		t.Error("expected draft to be ignored")
	}

	got, _ := db.GetPost(ctx, due.ID)
	if got.Status != StatusPublished || got.PublishedAt == nil || !got.PublishedAt.Equal(now) {
		t.Errorf("expected published at %s, got %s at %v", now, got.Status, got.PublishedAt)
	}
}

func TestDeletePostCascadesTokens(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := createPost(t, db, Post{Title: "Doomed"})
	if err := db.InsertToken(ctx, ApprovalToken{Token: "tok", PostID: p.ID, ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("InsertToken: %v", err)
	}

	if err := db.DeletePost(ctx, p.ID); err != nil {
		t.Fatalf("DeletePost: %v", err)
	}
	if got, _ := db.GetPost(ctx, p.ID); got != nil {
		t.Error("expected post to be gone")
	}
	tokens, _ := db.ListTokensForPost(ctx, p.ID)
	if len(tokens) != 0 {
		t.Errorf("expected tokens to cascade, got %d", len(tokens))
	}
}

func TestTokenLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := createPost(t, db, Post{Title: "Needs approval"})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := db.InsertToken(ctx, ApprovalToken{Token: "valid", PostID: p.ID, ExpiresAt: now.Add(24 * time.Hour)}); err != nil {
		t.Fatalf("InsertToken: %v", err)
	}
	if err := db.InsertToken(ctx, ApprovalToken{Token: "stale", PostID: p.ID, ExpiresAt: now.Add(-time.Second)}); err != nil {
		t.Fatalf("InsertToken: %v", err)
	}

	if tok, _ := db.FindValidToken(ctx, p.ID, "valid", now); tok == nil {
		t.Error("expected valid token to be found")
	}
	if tok, _ := db.FindValidToken(ctx, "other-post", "valid", now); tok != nil {
		t.Error("expected token bound to another post to be rejected")
	}
	if tok, _ := db.FindValidToken(ctx, p.ID, "stale", now); tok != nil {
		t.Error("expected expired token to be rejected")
	}

	deleted, err := db.DeleteToken(ctx, "valid")
	if err != nil || !deleted {
		t.Fatalf("expected first delete to succeed, got %v %v", deleted, err)
	}
	deleted, _ = db.DeleteToken(ctx, "valid")
	if deleted {
		t.Error("expected second delete to report false")
	}

	purged, err := db.PurgeExpiredTokens(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpiredTokens: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged token, got %d", purged)
	}
}

func TestDeleteTokenSingleWinner(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := createPost(t, db, Post{Title: "Race"})
	db.InsertToken(ctx, ApprovalToken{Token: "race", PostID: p.ID, ExpiresAt: time.Now().Add(time.Hour)})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.DeleteToken(ctx, "race")
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestConsumeTokenPublishesOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := createPost(t, db, Post{Title: "Approve me"})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	db.InsertToken(ctx, ApprovalToken{Token: "tok", PostID: p.ID, ExpiresAt: now.Add(time.Hour)})

	if got, err := db.ConsumeToken(ctx, "other-post", "tok", now); err != nil || got != nil {
		t.Fatalf("expected no match for another post, got %v %v", got, err)
	}

	got, err := db.ConsumeToken(ctx, p.ID, "tok", now)
	if err != nil {
		t.Fatalf("ConsumeToken: %v", err)
	}
	if got == nil || got.Status != StatusPublished || got.PublishedAt == nil || !got.PublishedAt.Equal(now) {
		t.Fatalf("expected post published at %v, got %+v", now, got)
	}

	again, err := db.ConsumeToken(ctx, p.ID, "tok", now)
	if err != nil || again != nil {
		t.Errorf("expected second consume to match nothing, got %v %v", again, err)
	}
}

func TestConsumeTokenRollsBackWhenPublishFails(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := createPost(t, db, Post{Title: "Blocked"})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	db.InsertToken(ctx, ApprovalToken{Token: "tok", PostID: p.ID, ExpiresAt: now.Add(time.Hour)})

	_, err := db.conn.Exec(`CREATE TRIGGER block_publish BEFORE UPDATE OF status ON posts
		WHEN NEW.status = 'published' BEGIN SELECT RAISE(ABORT, 'publish blocked'); END`)
	if err != nil {
		t.Fatalf("creating trigger: %v", err)
	}

	if _, err := db.ConsumeToken(ctx, p.ID, "tok", now); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if tok, _ := db.FindValidToken(ctx, p.ID, "tok", now); tok == nil {
		t.Error("expected token to survive the failed publish")
	}
	if got, _ := db.GetPost(ctx, p.ID); got.Status != StatusDraft {
		t.Errorf("expected post to stay draft, got %s", got.Status)
	}

	if _, err := db.conn.Exec(`DROP TRIGGER block_publish`); err != nil {
		t.Fatalf("dropping trigger: %v", err)
	}
	got, err := db.ConsumeToken(ctx, p.ID, "tok", now)
	if err != nil || got == nil || got.Status != StatusPublished {
		t.Errorf("expected retry to publish, got %v %v", got, err)
	}
}

func TestDeleteTokensForPostCount(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := createPost(t, db, Post{Title: "Revoke"})
	for _, tok := range []string{"a", "b"} {
		db.InsertToken(ctx, ApprovalToken{Token: tok, PostID: p.ID, ExpiresAt: time.Now().Add(time.Hour)})
	}
	n, err := db.DeleteTokensForPost(ctx, p.ID)
	if err != nil || n != 2 {
		t.Errorf("expected 2 deleted tokens, got %d %v", n, err)
	}
}

func TestCreatePostConcurrentSameTitle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	slugs := make(map[string]bool)
	var errs []error
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := db.CreatePost(ctx, &Post{Title: "Same Title"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			slugs[p.Slug] = true
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("expected all creates to succeed, got %d errors, first: %v", len(errs), errs[0])
	}
	if len(slugs) != workers {
		t.Errorf("expected %d distinct slugs, got %d", workers, len(slugs))
	}
	if !slugs["same-title"] || !slugs["same-title-20"] {
		t.Errorf("expected slugs same-title .. same-title-20, got %v", slugs)
	}
}

func TestAutomationConfigRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	got, err := db.GetAutomationConfig(ctx)
	if err != nil {
		t.Fatalf("GetAutomationConfig: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil config before first save")
	}

	cfg := AutomationConfig{
		Enabled:     true,
		Cadence:     "weekly",
		TimeOfDay:   "09:30",
		Keywords:    []string{"go"},
		ContentType: "tutorial",
		WordCount:   900,
		Categories:  []string{"Tech", "Cloud"},
		AdminEmail:  "a@b.com",
	}
	if err := db.SaveAutomationConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveAutomationConfig: %v", err)
	}
	cfg.Enabled = false
	cfg.Categories = nil
	if err := db.SaveAutomationConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveAutomationConfig (update): %v", err)
	}

	got, err = db.GetAutomationConfig(ctx)
	if err != nil {
		t.Fatalf("GetAutomationConfig: %v", err)
	}
	if got.Enabled {
		t.Error("expected enabled=false after update")
	}
	if got.Cadence != "weekly" || got.TimeOfDay != "09:30" || got.WordCount != 900 {
		t.Errorf("unexpected config: %+v", got)
	}
	if len(got.Categories) != 0 {
		t.Errorf("expected categories cleared, got %v", got.Categories)
	}
	if got.UpdatedAt == nil {
		t.Error("expected updatedAt to be set")
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()
	p := createPost(t, db, Post{Title: "A", AIGenerated: true})
	createPost(t, db, Post{Title: "B", Status: StatusPublished, PublishedAt: &now})
	db.InsertToken(ctx, ApprovalToken{Token: "t1", PostID: p.ID, ExpiresAt: now.Add(time.Hour)})
	db.InsertToken(ctx, ApprovalToken{Token: "t2", PostID: p.ID, ExpiresAt: now.Add(-time.Hour)})

	stats, err := db.GetStats(ctx, now)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Drafts != 1 || stats.Published != 1 || stats.Scheduled != 0 {
		t.Errorf("unexpected status counts: %+v", stats)
	}
	if stats.AIGenerated != 1 {
		t.Errorf("expected 1 AI generated post, got %d", stats.AIGenerated)
	}
	if stats.ValidTokens != 1 {
		t.Errorf("expected 1 valid token, got %d", stats.ValidTokens)
	}
}
