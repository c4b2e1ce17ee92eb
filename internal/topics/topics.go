package topics

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

const (
	maxPerFeed = 20
	daysBack   = 7
)

// Headline is a recent feed item title.
type Headline struct {
	Title     string
	Published time.Time
}

// Source collects recent headlines from RSS/Atom feeds to seed topic choice
// when no keywords are configured.
type Source struct {
	feeds    []string
	maxHints int
	parser   *gofeed.Parser
	now      func() time.Time
	logger   *zap.Logger
}

// NewSource creates a headline source. It returns nil when no feeds are
// configured; a nil *Source yields no hints.
func NewSource(feeds []string, maxHints int, logger *zap.Logger) *Source {
	if len(feeds) == 0 {
		return nil
	}
	if maxHints <= 0 {
		maxHints = 5
	}
	return &Source{
		feeds:    feeds,
		maxHints: maxHints,
		parser:   gofeed.NewParser(),
		now:      time.Now,
		logger:   logger.Named("topics"),
	}
}

// Hints returns up to maxHints distinct headlines from the last week, newest
// first. Feed failures are logged and skipped.
func (s *Source) Hints(ctx context.Context) []string {
	if s == nil {
		return nil
	}
	cutoff := s.now().AddDate(0, 0, -daysBack)

	var all []Headline
	for _, url := range s.feeds {
		feed, err := s.parser.ParseURLWithContext(url, ctx)
		if err != nil {
			s.logger.Warn("failed to parse feed", zap.String("url", url), zap.Error(err))
			continue
		}
		items := headlines(feed, cutoff)
		s.logger.Debug("parsed feed", zap.String("url", url), zap.Int("headlines", len(items)))
		all = append(all, items...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Published.After(all[j].Published) })

	var hints []string
	seen := make(map[string]struct{})
	for _, h := range all {
		key := strings.ToLower(h.Title)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		hints = append(hints, h.Title)
		if len(hints) >= s.maxHints {
			break
		}
	}
	return hints
}

func headlines(feed *gofeed.Feed, cutoff time.Time) []Headline {
	var out []Headline
	for _, item := range feed.Items {
		if len(out) >= maxPerFeed {
			break
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			continue
		}

		var published time.Time
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			published = *item.UpdatedParsed
		}
		// Undated items get the benefit of the doubt.
		if !published.IsZero() && published.Before(cutoff) {
			continue
		}
		out = append(out, Headline{Title: title, Published: published})
	}
	return out
}
