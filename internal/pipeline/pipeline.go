package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/autopress/internal/database"
	"github.com/TobiSchelling/autopress/internal/generator"
)

// DefaultCategories is used when the automation config lists none.
var DefaultCategories = []string{"Technology", "Business", "Health", "Lifestyle", "Education"}

// Generator produces drafts from briefs.
type Generator interface {
	GenerateDraft(ctx context.Context, b generator.Brief) (*generator.DraftContent, error)
}

// PostStore persists generated drafts.
type PostStore interface {
	CreatePost(ctx context.Context, p *database.Post) (*database.Post, error)
}

// TokenIssuer issues approval tokens.
type TokenIssuer interface {
	Issue(ctx context.Context, postID string) (string, error)
}

// Notifier sends approval requests. It reports delivery and never fails.
type Notifier interface {
	SendApprovalRequest(ctx context.Context, post *database.Post, token, to string) bool
}

// HintSource offers topic ideas when no keywords are configured.
type HintSource interface {
	Hints(ctx context.Context) []string
}

// StepResult holds the result of a single cycle step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of one generation cycle.
type Result struct {
	Category string
	Post     *database.Post
	Token    string
	Notified bool
	Steps    []StepResult
}

// Deps are the collaborators of a generation cycle. Hints is optional.
type Deps struct {
	Generator Generator
	Posts     PostStore
	Tokens    TokenIssuer
	Notifier  Notifier
	Hints     HintSource
}

// Cycle runs generation cycles: generate, persist the draft, issue a token
// and notify the admin.
type Cycle struct {
	deps   Deps
	pick   func(n int) int
	now    func() time.Time
	logger *zap.Logger
}

// New creates a generation cycle runner.
func New(deps Deps, logger *zap.Logger) *Cycle {
	return &Cycle{
		deps:   deps,
		pick:   rand.Intn,
		now:    time.Now,
		logger: logger.Named("pipeline"),
	}
}

// Run executes one cycle with cfg. A generation or persistence failure
// aborts the cycle and is returned; token and notification failures are
// logged and recorded in the result only.
func (c *Cycle) Run(ctx context.Context, cfg database.AutomationConfig) (*Result, error) {
	r := &Result{Category: c.pickCategory(cfg.Categories)}
	log := c.logger.With(zap.String("category", r.Category), zap.String("cadence", cfg.Cadence))

	// Step 1: Generate
	brief := generator.Brief{
		Keywords:        cfg.Keywords,
		ContentType:     cfg.ContentType,
		TargetWordCount: cfg.WordCount,
		Category:        r.Category,
	}
	if len(brief.Keywords) == 0 && c.deps.Hints != nil {
		brief.TopicHints = c.deps.Hints.Hints(ctx)
	}
	draft, err := c.deps.Generator.GenerateDraft(ctx, brief)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Generate", Err: err})
		return r, err
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Generate",
		Summary: fmt.Sprintf("%q (quality %d)", draft.Title, draft.QualityScore),
	})

	// Step 2: Persist draft. ScheduledAt records the generation time here;
	// reconciliation only looks at scheduled posts.
	now := c.now()
	post, err := c.deps.Posts.CreatePost(ctx, &database.Post{
		Title:           draft.Title,
		Content:         draft.Content,
		Excerpt:         draft.Excerpt,
		MetaDescription: draft.MetaDescription,
		Keywords:        draft.Keywords,
		Category:        draft.Category,
		Status:          database.StatusDraft,
		AIGenerated:     true,
		QualityScore:    draft.QualityScore,
		ScheduledAt:     &now,
	})
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Persist", Err: err})
		return r, fmt.Errorf("saving draft: %w", err)
	}
	r.Post = post
	r.Steps = append(r.Steps, StepResult{Name: "Persist", Summary: "draft " + post.Slug})
	log = log.With(zap.String("post_id", post.ID))
	log.Info("draft created", zap.String("title", post.Title), zap.Int("quality", post.QualityScore))

	if cfg.AdminEmail == "" {
		return r, nil
	}

	// Step 3: Issue approval token
	token, err := c.deps.Tokens.Issue(ctx, post.ID)
	if err != nil {
		log.Error("issuing approval token", zap.Error(err))
		r.Steps = append(r.Steps, StepResult{Name: "Token", Err: err})
		return r, nil
	}
	r.Token = token
	r.Steps = append(r.Steps, StepResult{Name: "Token", Summary: "issued"})

	// Step 4: Notify
	r.Notified = c.deps.Notifier.SendApprovalRequest(ctx, post, token, cfg.AdminEmail)
	if r.Notified {
		r.Steps = append(r.Steps, StepResult{Name: "Notify", Summary: "sent to " + cfg.AdminEmail})
	} else {
		log.Warn("approval email not delivered; draft remains available in admin")
		r.Steps = append(r.Steps, StepResult{Name: "Notify", Summary: "not delivered"})
	}
	return r, nil
}

func (c *Cycle) pickCategory(categories []string) string {
	var usable []string
	for _, cat := range categories {
		if cat != "" {
			usable = append(usable, cat)
		}
	}
	if len(usable) == 0 {
		usable = DefaultCategories
	}
	return usable[c.pick(len(usable))]
}
