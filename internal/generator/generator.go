package generator

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/autopress/internal/llm"
)

// Length caps applied to every draft, in runes.
const (
	MaxTitle           = 60
	MaxMetaDescription = 160
	MaxExcerpt         = 300
)

// Word count bounds for a brief.
const (
	MinWordCount     = 300
	MaxWordCount     = 5000
	DefaultWordCount = 1200
)

const defaultContentType = "article"

const draftPrompt = `You are a senior editor writing for a professional blog.

Write a %s of roughly %d words for the "%s" category.
%s
Requirements:
- Write the content in markdown with a clear structure of headings and short paragraphs.
- The title must be at most 60 characters.
- The meta description must be at most 160 characters and summarize the post for search results.
- The excerpt must be at most 300 characters.
- Return 3-8 SEO keywords.
- Rate your own draft with a quality score from 0 to 100.

Respond with ONLY this JSON:
{
    "title": "...",
    "content": "markdown body",
    "excerpt": "...",
    "metaDescription": "...",
    "keywords": ["..."],
    "category": "%s",
    "qualityScore": 0
}`

// draftSchema constrains the backend response to the DraftContent shape.
var draftSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":           map[string]any{"type": "string"},
		"content":         map[string]any{"type": "string"},
		"excerpt":         map[string]any{"type": "string"},
		"metaDescription": map[string]any{"type": "string"},
		"keywords":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"category":        map[string]any{"type": "string"},
		"qualityScore":    map[string]any{"type": "number"},
	},
	"required":             []string{"title", "content", "excerpt", "metaDescription", "keywords", "category", "qualityScore"},
	"additionalProperties": false,
}

// Brief describes the draft to generate.
type Brief struct {
	Keywords        []string
	ContentType     string
	TargetWordCount int
	Category        string
	// TopicHints are recent headlines offered when Keywords is empty.
	TopicHints []string
}

// DraftContent is a generated draft that already satisfies the length caps.
type DraftContent struct {
	Title           string
	Content         string
	Excerpt         string
	MetaDescription string
	Keywords        []string
	Category        string
	QualityScore    int
}

type draftPayload struct {
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	Excerpt         string   `json:"excerpt"`
	MetaDescription string   `json:"metaDescription"`
	Keywords        []string `json:"keywords"`
	Category        string   `json:"category"`
	QualityScore    float64  `json:"qualityScore"`
}

// Adapter turns briefs into drafts using a text generation backend.
type Adapter struct {
	provider  llm.Provider
	maxTokens int
	logger    *zap.Logger
}

// NewAdapter creates a content generator adapter.
func NewAdapter(provider llm.Provider, maxTokens int, logger *zap.Logger) *Adapter {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Adapter{provider: provider, maxTokens: maxTokens, logger: logger.Named("generator")}
}

// GenerateDraft produces a draft for the brief. Errors are always
// *GenerationError. A malformed response is retried once.
func (a *Adapter) GenerateDraft(ctx context.Context, b Brief) (*DraftContent, error) {
	b = normalizeBrief(b)
	req := llm.Request{
		Prompt:     buildPrompt(b),
		SchemaName: "blog_draft",
		Schema:     draftSchema,
		MaxTokens:  a.maxTokens,
	}

	var lastErr *GenerationError
	for attempt := 1; attempt <= 2; attempt++ {
		draft, gerr := a.generateOnce(ctx, req, b)
		if gerr == nil {
			return draft, nil
		}
		lastErr = gerr
		if gerr.Kind != KindMalformedResponse || ctx.Err() != nil {
			break
		}
		a.logger.Warn("malformed draft response",
			zap.Int("attempt", attempt),
			zap.String("category", b.Category),
			zap.Error(gerr.Err),
		)
	}
	return nil, lastErr
}

func (a *Adapter) generateOnce(ctx context.Context, req llm.Request, b Brief) (*DraftContent, *GenerationError) {
	raw, err := a.provider.Generate(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	var p draftPayload
	if err := llm.DecodeJSONResponse(raw, &p); err != nil {
		return nil, classify(err)
	}
	if strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Content) == "" {
		return nil, malformed("response is missing title or content")
	}
	return finalize(p, b), nil
}

// finalize enforces the length caps and back-fills from the brief.
func finalize(p draftPayload, b Brief) *DraftContent {
	d := &DraftContent{
		Title:           Truncate(p.Title, MaxTitle),
		Content:         strings.TrimSpace(p.Content),
		Excerpt:         Truncate(p.Excerpt, MaxExcerpt),
		MetaDescription: Truncate(p.MetaDescription, MaxMetaDescription),
		Keywords:        cleanKeywords(p.Keywords),
		Category:        strings.TrimSpace(p.Category),
		QualityScore:    clampScore(p.QualityScore),
	}
	if d.Category == "" {
		d.Category = b.Category
	}
	if len(d.Keywords) == 0 {
		d.Keywords = append([]string(nil), b.Keywords...)
	}
	return d
}

// Truncate shortens s to at most limit runes, ending in "..." when cut.
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return strings.TrimSpace(string(r[:limit-3])) + "..."
}

// ClampWordCount bounds a target word count; zero or less selects the default.
func ClampWordCount(n int) int {
	switch {
	case n <= 0:
		return DefaultWordCount
	case n < MinWordCount:
		return MinWordCount
	case n > MaxWordCount:
		return MaxWordCount
	}
	return n
}

func normalizeBrief(b Brief) Brief {
	b.TargetWordCount = ClampWordCount(b.TargetWordCount)
	b.ContentType = strings.TrimSpace(b.ContentType)
	if b.ContentType == "" {
		b.ContentType = defaultContentType
	}
	b.Keywords = cleanKeywords(b.Keywords)
	return b
}

func buildPrompt(b Brief) string {
	var topic strings.Builder
	if len(b.Keywords) > 0 {
		fmt.Fprintf(&topic, "Focus the post on these keywords: %s.\n", strings.Join(b.Keywords, ", "))
	} else {
		topic.WriteString("Choose a timely, specific topic that readers of this category will find useful.\n")
		if len(b.TopicHints) > 0 {
			topic.WriteString("Recent headlines you may draw on:\n")
			for _, h := range b.TopicHints {
				fmt.Fprintf(&topic, "- %s\n", h)
			}
		}
	}
	return fmt.Sprintf(draftPrompt, b.ContentType, b.TargetWordCount, b.Category, topic.String(), b.Category)
}

func cleanKeywords(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		key := strings.ToLower(k)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
	}
	return out
}

func clampScore(score float64) int {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 100:
		return 100
	}
	return int(math.Round(score))
}
