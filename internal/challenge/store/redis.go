package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"unigate/internal/challenge/models"
	"unigate/pkg/platform/sentinel"
)

const (
	challengeKeyPrefix = "challenge:"

	// expiredRetention keeps a challenge readable past ExpiresAt so Verify
	// can report it as expired instead of missing.
	expiredRetention = 15 * time.Minute

	maxWatchRetries = 3
)

// RedisStore keeps one JSON value per (subject, purpose). SET replaces the
// prior challenge atomically; MarkVerified uses WATCH for read-modify-write.
//
// Redis writes are not part of SQL transactions. Callers that pair a
// Consume with a postgres write accept that the delete is not rolled back.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

type RedisOption func(*RedisStore)

// WithClock overrides the clock used to compute key expiry.
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		s.now = now
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type redisChallenge struct {
	CodeHash  string            `json:"code_hash"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Verified  bool              `json:"verified"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func redisKey(subjectKey string, purpose models.Purpose) string {
	return challengeKeyPrefix + string(purpose) + ":" + subjectKey
}

func (s *RedisStore) Upsert(ctx context.Context, c *models.Challenge) error {
	payload, err := json.Marshal(redisChallenge{
		CodeHash:  c.CodeHash,
		IssuedAt:  c.IssuedAt,
		ExpiresAt: c.ExpiresAt,
		Verified:  c.Verified,
		Metadata:  c.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	ttl := c.ExpiresAt.Sub(s.now()) + expiredRetention
	if ttl <= 0 {
		ttl = expiredRetention
	}
	if err := s.client.Set(ctx, redisKey(c.SubjectKey, c.Purpose), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set challenge: %w", err)
	}
	return nil
}

func (s *RedisStore) Find(ctx context.Context, subjectKey string, purpose models.Purpose) (*models.Challenge, error) {
	raw, err := s.client.Get(ctx, redisKey(subjectKey, purpose)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("challenge %s/%s: %w", purpose, subjectKey, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	return decodeChallenge(subjectKey, purpose, raw)
}

// MarkVerified flags the challenge only while it still carries codeHash.
func (s *RedisStore) MarkVerified(ctx context.Context, subjectKey string, purpose models.Purpose, codeHash string) error {
	key := redisKey(subjectKey, purpose)

	update := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("challenge %s/%s: %w", purpose, subjectKey, sentinel.ErrNotFound)
			}
			return err
		}
		var stored redisChallenge
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("unmarshal challenge: %w", err)
		}
		if stored.CodeHash != codeHash {
			return fmt.Errorf("challenge %s/%s: %w", purpose, subjectKey, sentinel.ErrNotFound)
		}
		stored.Verified = true
		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal challenge: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := s.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("mark challenge verified: %w", err)
		}
		return nil
	}
	return fmt.Errorf("mark challenge verified: %w", sentinel.ErrConflict)
}

func (s *RedisStore) Delete(ctx context.Context, subjectKey string, purpose models.Purpose) error {
	n, err := s.client.Del(ctx, redisKey(subjectKey, purpose)).Result()
	if err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("challenge %s/%s: %w", purpose, subjectKey, sentinel.ErrNotFound)
	}
	return nil
}

func decodeChallenge(subjectKey string, purpose models.Purpose, raw []byte) (*models.Challenge, error) {
	var stored redisChallenge
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return &models.Challenge{
		SubjectKey: subjectKey,
		Purpose:    purpose,
		CodeHash:   stored.CodeHash,
		IssuedAt:   stored.IssuedAt,
		ExpiresAt:  stored.ExpiresAt,
		Verified:   stored.Verified,
		Metadata:   stored.Metadata,
	}, nil
}
