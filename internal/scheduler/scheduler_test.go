package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TobiSchelling/autopress/internal/database"
	"github.com/TobiSchelling/autopress/internal/generator"
	"github.com/TobiSchelling/autopress/internal/pipeline"
)

type fakeRunner struct {
	calls atomic.Int32
	run   func(ctx context.Context, cfg database.AutomationConfig) (*pipeline.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, cfg database.AutomationConfig) (*pipeline.Result, error) {
	f.calls.Add(1)
	if f.run != nil {
		return f.run(ctx, cfg)
	}
	return &pipeline.Result{Category: "Tech", Post: &database.Post{ID: "p"}}, nil
}

type countingPurger struct{ calls atomic.Int32 }

func (c *countingPurger) Purge(ctx context.Context) (int64, error) {
	c.calls.Add(1)
	return 0, nil
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestScheduler(t *testing.T, store Store, runner Runner) *Scheduler {
	t.Helper()
	s := New(store, runner, nil, Options{
		Seed:     database.AutomationConfig{Cadence: "twice-daily", TimeOfDay: "09:00", ContentType: "article", WordCount: 1200},
		Location: kolkata(t),
	}, zap.NewNop())
	return s
}

func scheduledPost(t *testing.T, db *database.DB, title string, at time.Time) *database.Post {
	t.Helper()
	p, err := db.CreatePost(context.Background(), &database.Post{Title: title, Status: database.StatusScheduled, ScheduledAt: &at})
	require.NoError(t, err)
	return p
}

func TestReconcilePublishesDuePosts(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	past := scheduledPost(t, db, "Past", now.Add(-time.Hour))
	exact := scheduledPost(t, db, "Exact", now)
	future := scheduledPost(t, db, "Future", now.Add(time.Hour))

	s := newTestScheduler(t, db, &fakeRunner{})
	purger := &countingPurger{}
	s.tokens = purger
	s.now = func() time.Time { return now }
	ctx := context.Background()

	r, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Scanned)
	assert.Equal(t, 2, r.Published)
	assert.Zero(t, r.Failed)
	assert.EqualValues(t, 1, purger.calls.Load())

	for _, id := range []string{past.ID, exact.ID} {
		p, err := db.GetPost(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, database.StatusPublished, p.Status)
		require.NotNil(t, p.PublishedAt)
		assert.True(t, p.PublishedAt.Equal(now))
	}
	p, err := db.GetPost(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusScheduled, p.Status)
	assert.Nil(t, p.PublishedAt)
}

func TestReconcileIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	post := scheduledPost(t, db, "Due", now.Add(-time.Minute))

	s := newTestScheduler(t, db, &fakeRunner{})
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Reconcile(ctx)
	require.NoError(t, err)
	first, err := db.GetPost(ctx, post.ID)
	require.NoError(t, err)

	s.now = func() time.Time { return now.Add(time.Second) }
	r, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, r.Published)
	assert.Zero(t, r.Scanned)

	second, err := db.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.PublishedAt.Equal(*second.PublishedAt), "publishedAt unchanged")
}

type flakyStore struct {
	*database.DB
	failID string
}

func (f *flakyStore) PublishScheduledPost(ctx context.Context, id string, now time.Time) (bool, error) {
	if id == f.failID {
		return false, errors.New("disk full")
	}
	return f.DB.PublishScheduledPost(ctx, id, now)
}

func TestReconcileContinuesPastFailures(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	bad := scheduledPost(t, db, "Bad", now.Add(-2*time.Hour))
	good := scheduledPost(t, db, "Good", now.Add(-time.Hour))

	s := newTestScheduler(t, &flakyStore{DB: db, failID: bad.ID}, &fakeRunner{})
	s.now = func() time.Time { return now }

	r, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 1, r.Published)

	p, err := db.GetPost(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusPublished, p.Status)
}

func TestTriggerGatedOnEnabled(t *testing.T) {
	db := openTestDB(t)
	runner := &fakeRunner{}
	s := newTestScheduler(t, db, runner)
	ctx := context.Background()

	_, err := s.Trigger(ctx)
	assert.ErrorIs(t, err, ErrAutomationDisabled)
	assert.Zero(t, runner.calls.Load())

	_, err = s.UpdateConfig(ctx, ConfigUpdate{Enabled: ptr(true)})
	require.NoError(t, err)

	res, err := s.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Tech", res.Category)
	assert.EqualValues(t, 1, runner.calls.Load())
}

func TestTriggerReturnsTypedGenerationError(t *testing.T) {
	db := openTestDB(t)
	runner := &fakeRunner{run: func(ctx context.Context, cfg database.AutomationConfig) (*pipeline.Result, error) {
		return &pipeline.Result{}, &generator.GenerationError{Kind: generator.KindAuthFailure, Status: 401, Err: errors.New("bad key")}
	}}
	s := newTestScheduler(t, db, runner)
	ctx := context.Background()
	_, err := s.UpdateConfig(ctx, ConfigUpdate{Enabled: ptr(true)})
	require.NoError(t, err)

	_, err = s.Trigger(ctx)
	assert.ErrorIs(t, err, generator.ErrAuthFailure)
	assert.NotErrorIs(t, err, generator.ErrQuotaExceeded)
}

func TestUpdateConfigMergesAndNormalizes(t *testing.T) {
	db := openTestDB(t)
	s := newTestScheduler(t, db, &fakeRunner{})
	ctx := context.Background()

	cfg, err := s.UpdateConfig(ctx, ConfigUpdate{
		Cadence:    ptr("hourly-ish"),
		TimeOfDay:  ptr("99:99"),
		Categories: []string{" Tech ", ""},
		AdminEmail: ptr("a@b.com"),
	})
	require.NoError(t, err)
	assert.Equal(t, CadenceTwiceDaily, cfg.Cadence)
	assert.Equal(t, DefaultTimeOfDay, cfg.TimeOfDay)
	assert.Equal(t, []string{"Tech"}, cfg.Categories)
	assert.Equal(t, "article", cfg.ContentType, "seed values survive partial updates")
	assert.Equal(t, 1200, cfg.WordCount)

	cfg, err = s.UpdateConfig(ctx, ConfigUpdate{WordCount: ptr(800)})
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.WordCount)
	assert.Equal(t, "a@b.com", cfg.AdminEmail)

	stored, err := db.GetAutomationConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 800, stored.WordCount)
}

func TestUpdateConfigRejectsInvalidInput(t *testing.T) {
	db := openTestDB(t)
	s := newTestScheduler(t, db, &fakeRunner{})

	_, err := s.UpdateConfig(context.Background(), ConfigUpdate{AdminEmail: ptr("not-an-email")})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = s.UpdateConfig(context.Background(), ConfigUpdate{WordCount: ptr(-5)})
	require.ErrorAs(t, err, &ve)

	stored, err := db.GetAutomationConfig(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored, "rejected updates are not persisted")
}

func TestUpdateConfigRearmsTimers(t *testing.T) {
	db := openTestDB(t)
	s := newTestScheduler(t, db, &fakeRunner{})
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, kolkata(t))
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	assert.False(t, s.Armed(), "seed config is disabled")
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)

	_, err := s.UpdateConfig(ctx, ConfigUpdate{Enabled: ptr(true), Cadence: ptr("weekly"), TimeOfDay: ptr("09:30")})
	require.NoError(t, err)
	assert.True(t, s.Armed())
	next, ok := s.NextRun()
	require.True(t, ok)
	assert.True(t, next.Equal(time.Date(2026, 6, 15, 9, 30, 0, 0, kolkata(t))), "next run %s", next)

	_, err = s.UpdateConfig(ctx, ConfigUpdate{Cadence: ptr("daily"), TimeOfDay: ptr("18:00")})
	require.NoError(t, err)
	next, _ = s.NextRun()
	assert.True(t, next.Equal(time.Date(2026, 6, 10, 18, 0, 0, 0, kolkata(t))), "next run %s", next)

	_, err = s.UpdateConfig(ctx, ConfigUpdate{Enabled: ptr(false)})
	require.NoError(t, err)
	assert.False(t, s.Armed())
	_, ok = s.NextRun()
	assert.False(t, ok)
}

func TestGenerationTimerFires(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveAutomationConfig(ctx, database.AutomationConfig{
		Enabled: true, Cadence: "daily", TimeOfDay: "10:00", Categories: []string{"Tech"},
	}))

	runner := &fakeRunner{}
	s := newTestScheduler(t, db, runner)
	fire := time.Date(2026, 6, 10, 10, 0, 0, 0, kolkata(t))
	s.now = func() time.Time { return fire.Add(-20 * time.Millisecond) }

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Armed())
	require.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	calls := runner.calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, runner.calls.Load(), "no firings after Stop")
}

func TestScheduledCycleSurvivesPanicAndTimeout(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.SaveAutomationConfig(ctx, database.AutomationConfig{Enabled: true, Cadence: "daily", TimeOfDay: "10:00"}))

	runner := &fakeRunner{run: func(ctx context.Context, cfg database.AutomationConfig) (*pipeline.Result, error) {
		panic("boom")
	}}
	s := newTestScheduler(t, db, runner)
	assert.NotPanics(t, func() { s.generateTick(ctx) })

	runner.run = func(ctx context.Context, cfg database.AutomationConfig) (*pipeline.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.timeout = 20 * time.Millisecond
	done := make(chan struct{})
	go func() {
		s.generateTick(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle was not abandoned after its timeout")
	}
	assert.EqualValues(t, 2, runner.calls.Load())
}

func TestGenerateTickSkipsWhenDisabled(t *testing.T) {
	db := openTestDB(t)
	runner := &fakeRunner{}
	s := newTestScheduler(t, db, runner)
	s.generateTick(context.Background())
	assert.Zero(t, runner.calls.Load())
}

func ptr[T any](v T) *T { return &v }
