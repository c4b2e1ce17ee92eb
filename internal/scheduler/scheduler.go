package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/TobiSchelling/autopress/internal/database"
	"github.com/TobiSchelling/autopress/internal/generator"
	"github.com/TobiSchelling/autopress/internal/pipeline"
)

var (
	// ErrAutomationDisabled is returned by Trigger while automation is off.
	ErrAutomationDisabled = errors.New("automation is disabled")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Store is the persistence the scheduler needs.
type Store interface {
	GetAutomationConfig(ctx context.Context) (*database.AutomationConfig, error)
	SaveAutomationConfig(ctx context.Context, c database.AutomationConfig) error
	ListPostsByStatus(ctx context.Context, status database.PostStatus) ([]database.Post, error)
	PublishScheduledPost(ctx context.Context, id string, now time.Time) (bool, error)
}

// Runner runs one generation cycle.
type Runner interface {
	Run(ctx context.Context, cfg database.AutomationConfig) (*pipeline.Result, error)
}

// TokenPurger removes expired approval tokens.
type TokenPurger interface {
	Purge(ctx context.Context) (int64, error)
}

// Options configure a Scheduler.
type Options struct {
	// Seed is used while the store holds no automation config.
	Seed         database.AutomationConfig
	Location     *time.Location
	CycleTimeout time.Duration
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Scanned   int
	Published int
	Failed    int
	Purged    int64
}

type job struct {
	name string
	rule Rule
	stop chan struct{}
}

// Scheduler owns the generation and reconciliation timers. It is Disabled
// when no generation timer is registered and Armed otherwise; the hourly
// reconciliation timer runs whenever the scheduler is started.
type Scheduler struct {
	store    Store
	runner   Runner
	tokens   TokenPurger
	seed     database.AutomationConfig
	loc      *time.Location
	timeout  time.Duration
	now      func() time.Time
	validate *validator.Validate
	logger   *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	genJob   *job
	reconJob *job
	wg       sync.WaitGroup
	inFlight atomic.Bool

	// updateMu serializes read-merge-write of the stored config.
	updateMu sync.Mutex
}

// New creates a scheduler. tokens may be nil.
func New(store Store, runner Runner, tokens TokenPurger, opts Options, logger *zap.Logger) *Scheduler {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	timeout := opts.CycleTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		tokens:   tokens,
		seed:     opts.Seed,
		loc:      loc,
		timeout:  timeout,
		now:      time.Now,
		validate: validator.New(),
		logger:   logger.Named("scheduler"),
	}
}

// Config returns the stored automation config, or the seed when none has
// been saved yet.
func (s *Scheduler) Config(ctx context.Context) (database.AutomationConfig, error) {
	cfg, err := s.store.GetAutomationConfig(ctx)
	if err != nil {
		return database.AutomationConfig{}, err
	}
	if cfg == nil {
		return s.seed, nil
	}
	return *cfg, nil
}

// Start loads the config, arms the reconciliation timer and, if automation
// is enabled, the generation timer. Timers stop when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg, err := s.Config(ctx)
	if err != nil {
		return fmt.Errorf("loading automation config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.reconJob = s.startJob("reconcile", Hourly, s.reconcileTick)
	s.applyLocked(cfg)
	return nil
}

// Reconfigure replaces the generation timer according to cfg: the old
// timer is cancelled first, then a new one is registered if cfg is
// enabled. A cycle already running is left to finish.
func (s *Scheduler) Reconfigure(cfg database.AutomationConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return
	}
	s.applyLocked(cfg)
}

func (s *Scheduler) applyLocked(cfg database.AutomationConfig) {
	if s.genJob != nil {
		close(s.genJob.stop)
		s.logger.Info("generation timer cancelled", zap.String("rule", s.genJob.rule.String()))
		s.genJob = nil
	}
	if !cfg.Enabled {
		s.logger.Info("automation disabled")
		return
	}
	rule := DeriveRule(cfg.Cadence, cfg.TimeOfDay)
	s.genJob = s.startJob("generate", rule, s.generateTick)
	s.logger.Info("generation timer armed",
		zap.String("cadence", rule.Kind.String()),
		zap.String("rule", rule.String()),
		zap.String("timezone", s.loc.String()),
		zap.Time("next", rule.Next(s.now(), s.loc)),
	)
}

// Armed reports whether a generation timer is registered.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.genJob != nil
}

// NextRun returns the next generation firing, or false when disarmed.
func (s *Scheduler) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.genJob == nil {
		return time.Time{}, false
	}
	return s.genJob.rule.Next(s.now(), s.loc), true
}

// Stop cancels both timers and in-flight cycles and waits for the timer
// goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	for _, j := range []*job{s.genJob, s.reconJob} {
		if j != nil {
			close(j.stop)
		}
	}
	s.genJob, s.reconJob = nil, nil
	s.cancel()
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// startJob runs fn at each firing of rule until the job is stopped. Firings
// of one job never overlap.
func (s *Scheduler) startJob(name string, rule Rule, fn func(ctx context.Context)) *job {
	j := &job{name: name, rule: rule, stop: make(chan struct{})}
	ctx := s.ctx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			now := s.now()
			timer := time.NewTimer(rule.Next(now, s.loc).Sub(now))
			select {
			case <-j.stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			select {
			case <-j.stop:
				return
			default:
			}
			s.logger.Debug("timer fired", zap.String("job", j.name))
			fn(ctx)
		}
	}()
	return j
}

func (s *Scheduler) generateTick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn("previous generation cycle still running, skipping firing")
		return
	}
	defer s.inFlight.Store(false)

	cfg, err := s.Config(ctx)
	if err != nil {
		s.logger.Error("loading automation config", zap.Error(err))
		return
	}
	if !cfg.Enabled {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.runCycle(cctx, cfg)
}

// runCycle runs one scheduled cycle. Errors and panics end here.
func (s *Scheduler) runCycle(ctx context.Context, cfg database.AutomationConfig) {
	log := s.logger.With(zap.String("cadence", cfg.Cadence), zap.String("time_of_day", cfg.TimeOfDay))
	defer func() {
		if p := recover(); p != nil {
			log.Error("generation cycle panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()

	start := s.now()
	res, err := s.runner.Run(ctx, cfg)
	if err != nil {
		fields := []zap.Field{zap.Error(err), zap.Duration("elapsed", s.now().Sub(start))}
		if res != nil {
			fields = append(fields, zap.String("category", res.Category))
		}
		var ge *generator.GenerationError
		if errors.As(err, &ge) {
			fields = append(fields, zap.String("kind", ge.Kind.String()), zap.Bool("retryable", ge.Retryable()))
		}
		if errors.Is(err, context.DeadlineExceeded) {
			fields = append(fields, zap.Duration("timeout", s.timeout))
		}
		log.Error("generation cycle failed", fields...)
		return
	}
	log.Info("generation cycle complete",
		zap.String("category", res.Category),
		zap.String("post_id", res.Post.ID),
		zap.Bool("notified", res.Notified),
		zap.Duration("elapsed", s.now().Sub(start)),
	)
}

// Trigger runs exactly one generation cycle synchronously and returns its
// error, typed as *generator.GenerationError for generation failures.
func (s *Scheduler) Trigger(ctx context.Context) (*pipeline.Result, error) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrAutomationDisabled
	}
	s.logger.Info("manual generation cycle triggered")
	return s.runner.Run(ctx, cfg)
}

func (s *Scheduler) reconcileTick(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("reconciliation panicked", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	if _, err := s.Reconcile(ctx); err != nil {
		s.logger.Error("reconciliation failed", zap.Error(err))
	}
}

// Reconcile publishes every scheduled post whose time has come. Each post
// is published with a conditional update, so repeated passes are no-ops.
// A failure on one post does not stop the scan. Expired approval tokens are
// purged afterwards.
func (s *Scheduler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	now := s.now()
	posts, err := s.store.ListPostsByStatus(ctx, database.StatusScheduled)
	if err != nil {
		return nil, fmt.Errorf("listing scheduled posts: %w", err)
	}

	r := &ReconcileResult{Scanned: len(posts)}
	for _, p := range posts {
		if p.ScheduledAt == nil || p.ScheduledAt.After(now) {
			continue
		}
		ok, err := s.store.PublishScheduledPost(ctx, p.ID, now)
		if err != nil {
			r.Failed++
			s.logger.Error("publishing scheduled post", zap.String("post_id", p.ID), zap.Error(err))
			continue
		}
		if ok {
			r.Published++
			s.logger.Info("scheduled post published", zap.String("post_id", p.ID), zap.String("slug", p.Slug))
		}
	}

	if s.tokens != nil {
		n, err := s.tokens.Purge(ctx)
		if err != nil {
			s.logger.Warn("purging expired tokens", zap.Error(err))
		}
		r.Purged = n
	}

	if r.Published > 0 || r.Failed > 0 {
		s.logger.Info("reconciliation complete",
			zap.Int("scanned", r.Scanned),
			zap.Int("published", r.Published),
			zap.Int("failed", r.Failed),
		)
	}
	return r, nil
}

// ConfigUpdate is a partial automation config. Nil fields are unchanged;
// an empty, non-nil list clears it.
type ConfigUpdate struct {
	Enabled     *bool    `json:"enabled"`
	Cadence     *string  `json:"cadence" validate:"omitempty,max=32"`
	TimeOfDay   *string  `json:"timeOfDay" validate:"omitempty,max=8"`
	Keywords    []string `json:"keywords" validate:"omitempty,max=20,dive,max=100"`
	ContentType *string  `json:"contentType" validate:"omitempty,max=50"`
	WordCount   *int     `json:"wordCount" validate:"omitempty,gt=0,lte=100000"`
	Categories  []string `json:"categories" validate:"omitempty,max=20,dive,max=50"`
	AdminEmail  *string  `json:"adminEmail" validate:"omitempty,email"`
}

// ValidationError reports a rejected config update.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid automation config: " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// UpdateConfig validates and merges upd into the current config, persists
// it and re-registers the generation timer before returning. Unknown
// cadences are stored as twice-daily and invalid times as 09:00.
func (s *Scheduler) UpdateConfig(ctx context.Context, upd ConfigUpdate) (*database.AutomationConfig, error) {
	if err := s.validate.Struct(upd); err != nil {
		return nil, &ValidationError{Err: err}
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	cfg, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}

	if upd.Enabled != nil {
		cfg.Enabled = *upd.Enabled
	}
	if upd.Cadence != nil {
		cfg.Cadence = *upd.Cadence
	}
	if upd.TimeOfDay != nil {
		cfg.TimeOfDay = *upd.TimeOfDay
	}
	if upd.Keywords != nil {
		cfg.Keywords = trimAll(upd.Keywords)
	}
	if upd.ContentType != nil {
		cfg.ContentType = strings.TrimSpace(*upd.ContentType)
	}
	if upd.WordCount != nil {
		cfg.WordCount = *upd.WordCount
	}
	if upd.Categories != nil {
		cfg.Categories = trimAll(upd.Categories)
	}
	if upd.AdminEmail != nil {
		cfg.AdminEmail = strings.TrimSpace(*upd.AdminEmail)
	}
	s.normalize(&cfg)

	if err := s.store.SaveAutomationConfig(ctx, cfg); err != nil {
		return nil, err
	}
	saved, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}

	s.Reconfigure(saved)
	return &saved, nil
}

func (s *Scheduler) normalize(cfg *database.AutomationConfig) {
	if c := NormalizeCadence(cfg.Cadence); c != cfg.Cadence {
		s.logger.Warn("unknown cadence, using twice-daily", zap.String("cadence", cfg.Cadence))
		cfg.Cadence = c
	}
	if _, _, ok := ParseTimeOfDay(cfg.TimeOfDay); !ok {
		s.logger.Warn("invalid time of day, using default",
			zap.String("time_of_day", cfg.TimeOfDay),
			zap.String("default", DefaultTimeOfDay),
		)
		cfg.TimeOfDay = DefaultTimeOfDay
	}
}

func trimAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
