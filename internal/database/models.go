package database

import "time"

// PostStatus is the lifecycle state of a post.
type PostStatus string

const (
	StatusDraft     PostStatus = "draft"
	StatusScheduled PostStatus = "scheduled"
	StatusPublished PostStatus = "published"
)

// Valid reports whether s is a known status.
func (s PostStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusPublished:
		return true
	}
	return false
}

// MaxMetaDescription is the hard cap on stored meta descriptions.
const MaxMetaDescription = 160

// Post is a blog post and its lifecycle state.
type Post struct {
	ID              string
	Title           string
	Slug            string
	Content         string
	Excerpt         string
	MetaDescription string
	Keywords        []string
	Category        string
	Status          PostStatus
	AIGenerated     bool
	QualityScore    int
	FeaturedImage   *string
	// ScheduledAt is the intended publish time for scheduled posts. Drafts
	// created by the automation cycle carry their generation time here.
	ScheduledAt *time.Time
	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PostUpdate is a partial update; nil fields are left unchanged. The slug is
// not updatable.
type PostUpdate struct {
	Title            *string
	Content          *string
	Excerpt          *string
	MetaDescription  *string
	Keywords         []string
	Category         *string
	Status           *PostStatus
	QualityScore     *int
	FeaturedImage    *string
	ScheduledAt      *time.Time
	ClearScheduledAt bool
	PublishedAt      *time.Time
}

// ApprovalToken binds a single-use approval credential to a post.
type ApprovalToken struct {
	Token     string
	PostID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// AutomationConfig is the persisted automation singleton.
type AutomationConfig struct {
	Enabled     bool       `json:"enabled"`
	Cadence     string     `json:"cadence"`
	TimeOfDay   string     `json:"timeOfDay"`
	Keywords    []string   `json:"keywords"`
	ContentType string     `json:"contentType"`
	WordCount   int        `json:"wordCount"`
	Categories  []string   `json:"categories"`
	AdminEmail  string     `json:"adminEmail"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// Stats contains aggregate database statistics.
type Stats struct {
	Drafts      int
	Scheduled   int
	Published   int
	AIGenerated int
	ValidTokens int
}
