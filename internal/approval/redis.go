package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TobiSchelling/autopress/internal/database"
)

const redisKeyPrefix = "autopress:approval:"

type redisToken struct {
	PostID    string    `json:"postId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// RedisStore keeps approval tokens in Redis. Each token key expires with the
// token, and a per-post set indexes tokens for revocation.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a token store on the provided Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func tokenKey(token string) string { return redisKeyPrefix + "token:" + token }

func postKey(postID string) string { return redisKeyPrefix + "post:" + postID }

// InsertToken stores the token with a TTL matching its expiry. Tokens that
// are already expired are not stored.
func (s *RedisStore) InsertToken(ctx context.Context, t database.ApprovalToken) error {
	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	payload, err := json.Marshal(redisToken{PostID: t.PostID, ExpiresAt: t.ExpiresAt.UTC(), CreatedAt: created.UTC()})
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tokenKey(t.Token), payload, ttl)
	pipe.SAdd(ctx, postKey(t.PostID), t.Token)
	pipe.Expire(ctx, postKey(t.PostID), TokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

// FindValidToken returns the token if it is bound to postID and unexpired at now.
func (s *RedisStore) FindValidToken(ctx context.Context, postID, token string, now time.Time) (*database.ApprovalToken, error) {
	data, err := s.client.Get(ctx, tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}

	var rt redisToken
	if err := json.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	if rt.PostID != postID || rt.ExpiresAt.Before(now) {
		return nil, nil
	}
	return &database.ApprovalToken{
		Token:     token,
		PostID:    rt.PostID,
		ExpiresAt: rt.ExpiresAt,
		CreatedAt: rt.CreatedAt,
	}, nil
}

// DeleteToken claims the token with GETDEL; only the caller that removed the
// key sees true.
func (s *RedisStore) DeleteToken(ctx context.Context, token string) (bool, error) {
	data, err := s.client.GetDel(ctx, tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting token: %w", err)
	}

	var rt redisToken
	if json.Unmarshal(data, &rt) == nil && rt.PostID != "" {
		_ = s.client.SRem(ctx, postKey(rt.PostID), token).Err()
	}
	return true, nil
}

// DeleteTokensForPost removes every live token issued for postID.
func (s *RedisStore) DeleteTokensForPost(ctx context.Context, postID string) (int64, error) {
	tokens, err := s.client.SMembers(ctx, postKey(postID)).Result()
	if err != nil {
		return 0, fmt.Errorf("listing post tokens: %w", err)
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = tokenKey(t)
	}
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, keys...)
	pipe.Del(ctx, postKey(postID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("deleting post tokens: %w", err)
	}
	return del.Val(), nil
}

// PurgeExpiredTokens is a no-op: Redis expires token keys on its own.
func (s *RedisStore) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
