package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TobiSchelling/autopress/internal/approval"
	"github.com/TobiSchelling/autopress/internal/database"
	"github.com/TobiSchelling/autopress/internal/generator"
	"github.com/TobiSchelling/autopress/internal/llm"
	"github.com/TobiSchelling/autopress/internal/notify"
	"github.com/TobiSchelling/autopress/internal/pipeline"
	"github.com/TobiSchelling/autopress/internal/scheduler"
	"github.com/TobiSchelling/autopress/internal/topics"
)

// app holds the components shared by the commands. The generation backend
// is only created by commands that run cycles.
type app struct {
	db        *database.DB
	redis     *redis.Client
	approvals *approval.Service
}

func openApp(ctx context.Context) (*app, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	a := &app{db: db}

	var tokens approval.TokenStore = db
	switch cfg.Approval.Backend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Approval.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Approval.RedisAddr, err)
		}
		tokens = approval.NewRedisStore(a.redis)
		logger.Info("approval tokens stored in redis", zap.String("addr", cfg.Approval.RedisAddr))
	case "", "sqlite":
	default:
		logger.Warn("unknown approval backend, using sqlite", zap.String("backend", cfg.Approval.Backend))
	}

	a.approvals = approval.NewService(tokens, db, cfg.Approval.RevokePrevious, logger)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}

// newCycle wires the generation backend, notification transport and topic
// source into a generation cycle.
func (a *app) newCycle(ctx context.Context) (*pipeline.Cycle, error) {
	provider, err := llm.CreateProvider(ctx, cfg.Generation, cfg.APIKey(), logger.Named("llm"))
	if err != nil {
		return nil, err
	}

	var transport notify.Transport
	if cfg.Email.SMTPHost != "" {
		transport = notify.NewSMTPTransport(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.Username, cfg.Email.Password())
	} else {
		transport = notify.NewLogTransport(logger.Named("mail"))
	}

	deps := pipeline.Deps{
		Generator: generator.NewAdapter(provider, cfg.Generation.MaxTokens, logger),
		Posts:     a.db,
		Tokens:    a.approvals,
		Notifier:  notify.NewDispatcher(transport, notify.FormatFrom(cfg.Email.FromName, cfg.Email.From), cfg.Site.BaseURL, logger),
	}
	if src := topics.NewSource(cfg.Topics.Feeds, cfg.Topics.MaxHints, logger); src != nil {
		deps.Hints = src
	}
	return pipeline.New(deps, logger), nil
}

// newScheduler creates a scheduler over runner. runner may be nil for
// commands that only read or write the automation config.
func (a *app) newScheduler(runner scheduler.Runner) *scheduler.Scheduler {
	seed := cfg.Automation
	return scheduler.New(a.db, runner, a.approvals, scheduler.Options{
		Seed: database.AutomationConfig{
			Enabled:     seed.Enabled,
			Cadence:     seed.Cadence,
			TimeOfDay:   seed.TimeOfDay,
			Keywords:    seed.Keywords,
			ContentType: seed.ContentType,
			WordCount:   seed.WordCount,
			Categories:  seed.Categories,
			AdminEmail:  seed.AdminEmail,
		},
		Location:     cfg.Scheduler.Location(),
		CycleTimeout: cfg.Scheduler.CycleTimeout,
	}, logger)
}

// unavailableRunner stands in for the cycle when no generation backend
// could be created, so the server still serves approvals.
type unavailableRunner struct {
	err error
}

func (r unavailableRunner) Run(ctx context.Context, c database.AutomationConfig) (*pipeline.Result, error) {
	return nil, r.err
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(filepath.Join(dataDir, "autopress.db"))
}
