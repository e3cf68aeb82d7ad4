package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"unigate/internal/ratelimit/models"
)

// slidingWindowScript trims the window, then admits the request when the
// sorted set still has room. Scores are unix milliseconds.
//
// KEYS[1] bucket key
// ARGV[1] now ms, ARGV[2] window ms, ARGV[3] limit, ARGV[4] member
// Returns {allowed, count, oldest ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
	redis.call("ZADD", key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call("PEXPIRE", key, window)

local oldest = now
local first = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if #first == 2 then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// Redis shares sliding windows across replicas. Each request is one sorted
// set member so concurrent checks cannot overshoot the limit.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (s *Redis) Allow(ctx context.Context, key string, limit models.Limit, now time.Time) (*models.Result, error) {
	nowMs := now.UnixMilli()
	raw, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		nowMs,
		limit.Window.Milliseconds(),
		limit.RequestsPerWindow,
		strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("run sliding window: %w", err)
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("sliding window returned %d values", len(raw))
	}

	allowed := raw[0] == 1
	count := int(raw[1])
	resetAt := time.UnixMilli(raw[2]).UTC().Add(limit.Window)

	result := &models.Result{
		Allowed:   allowed,
		Limit:     limit.RequestsPerWindow,
		Remaining: max(limit.RequestsPerWindow-count, 0),
		ResetAt:   resetAt,
	}
	if !allowed {
		result.RetryAfter = models.RetryAfterSeconds(resetAt, now)
	}
	return result, nil
}

func (s *Redis) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}
