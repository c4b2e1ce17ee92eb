package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/autopress/internal/database"
)

// TokenTTL is how long an issued approval token stays valid.
const TokenTTL = 24 * time.Hour

const tokenBytes = 32

// ErrInvalidToken covers expired, already consumed and never issued tokens.
var ErrInvalidToken = errors.New("invalid or expired approval token")

// TokenStore persists approval tokens.
type TokenStore interface {
	InsertToken(ctx context.Context, t database.ApprovalToken) error
	FindValidToken(ctx context.Context, postID, token string, now time.Time) (*database.ApprovalToken, error)
	// DeleteToken reports whether this call removed the token. Of concurrent
	// callers for the same token at most one sees true.
	DeleteToken(ctx context.Context, token string) (bool, error)
	DeleteTokensForPost(ctx context.Context, postID string) (int64, error)
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// Publisher reads and publishes posts awaiting approval.
type Publisher interface {
	GetPost(ctx context.Context, id string) (*database.Post, error)
	PublishPost(ctx context.Context, id string, at time.Time) (*database.Post, error)
}

// Service issues, validates and consumes single-use approval tokens.
type Service struct {
	tokens         TokenStore
	posts          Publisher
	revokePrevious bool
	now            func() time.Time
	logger         *zap.Logger
}

// NewService creates an approval token service. With revokePrevious set,
// issuing a token deletes any earlier tokens for the same post. posts is
// only used when tokens is not a Consumer.
func NewService(tokens TokenStore, posts Publisher, revokePrevious bool, logger *zap.Logger) *Service {
	return &Service{
		tokens:         tokens,
		posts:          posts,
		revokePrevious: revokePrevious,
		now:            time.Now,
		logger:         logger.Named("approval"),
	}
}

// Issue creates a new token for postID valid for TokenTTL.
func (s *Service) Issue(ctx context.Context, postID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	if s.revokePrevious {
		n, err := s.tokens.DeleteTokensForPost(ctx, postID)
		if err != nil {
			return "", err
		}
		if n > 0 {
			s.logger.Info("revoked previous tokens", zap.String("post_id", postID), zap.Int64("count", n))
		}
	}

	now := s.now()
	if err := s.tokens.InsertToken(ctx, database.ApprovalToken{
		Token:     token,
		PostID:    postID,
		ExpiresAt: now.Add(TokenTTL),
		CreatedAt: now,
	}); err != nil {
		return "", err
	}
	return token, nil
}

// Validate reports whether token is a live token for postID. It never
// changes state.
func (s *Service) Validate(ctx context.Context, postID, token string) (bool, error) {
	if postID == "" || token == "" {
		return false, nil
	}
	t, err := s.tokens.FindValidToken(ctx, postID, token, s.now())
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

// Pending returns the post a live token would publish without consuming
// the token.
func (s *Service) Pending(ctx context.Context, postID, token string) (*database.Post, error) {
	ok, err := s.Validate(ctx, postID, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidToken
	}
	post, err := s.posts.GetPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, ErrInvalidToken
	}
	return post, nil
}

// Consumer is a TokenStore that can claim a token and publish its post in
// one transaction. ConsumeToken returns nil when no live token matched.
type Consumer interface {
	ConsumeToken(ctx context.Context, postID, token string, now time.Time) (*database.Post, error)
}

// Consume claims token and publishes the post. Only one of several
// concurrent calls with the same token succeeds; the others get
// ErrInvalidToken. If publishing fails the token stays valid.
func (s *Service) Consume(ctx context.Context, postID, token string) (*database.Post, error) {
	if postID == "" || token == "" {
		return nil, ErrInvalidToken
	}
	now := s.now()

	var post *database.Post
	var err error
	if c, ok := s.tokens.(Consumer); ok {
		post, err = c.ConsumeToken(ctx, postID, token, now)
		if err != nil {
			return nil, fmt.Errorf("consuming approval token: %w", err)
		}
		if post == nil {
			return nil, ErrInvalidToken
		}
	} else if post, err = s.claimAndPublish(ctx, postID, token, now); err != nil {
		return nil, err
	}

	s.logger.Info("post approved", zap.String("post_id", postID), zap.String("slug", post.Slug))
	return post, nil
}

// claimAndPublish is the two-step path for stores without transactions: the
// token is claimed first and put back if publishing fails.
func (s *Service) claimAndPublish(ctx context.Context, postID, token string, now time.Time) (*database.Post, error) {
	rec, err := s.tokens.FindValidToken(ctx, postID, token, now)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrInvalidToken
	}

	claimed, err := s.tokens.DeleteToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrInvalidToken
	}

	post, err := s.posts.PublishPost(ctx, postID, now)
	if err != nil {
		if rerr := s.tokens.InsertToken(context.WithoutCancel(ctx), *rec); rerr != nil {
			s.logger.Error("restoring approval token", zap.String("post_id", postID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("publishing approved post: %w", err)
	}
	return post, nil
}

// Purge removes expired tokens and returns how many were deleted.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	return s.tokens.PurgeExpiredTokens(ctx, s.now())
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
