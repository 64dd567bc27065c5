package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/TemirB/wb-delivery-sync/internal/pkg/retry"
	"github.com/TemirB/wb-delivery-sync/internal/ratelimit"
)

const (
	backoffStep   = 10 * time.Millisecond
	backoffMax    = 100 * time.Millisecond
	windowSeconds = 1
)

// Fixed one-second window: the first INCR of a window sets its expiry.
var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.Limiter = (*RateLimiter)(nil)

// RateLimiter is a per-second quota shared by every process using the same
// Redis, so replicas of the service stay under the marketplace limit together.
type RateLimiter struct {
	client      *goredis.Client
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRateLimiter(client *goredis.Client, limitPerSec int) (*RateLimiter, error) {
	return newRateLimiter(client, int64(limitPerSec), time.Now, retry.Sleep)
}

func newRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	now func() time.Time,
	sleep func(ctx context.Context, d time.Duration) error,
) (*RateLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if limitPerSec <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", limitPerSec)
	}
	return &RateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         now,
		sleep:       sleep,
	}, nil
}

func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false, errors.New("rate limit key is required")
	}

	window := fmt.Sprintf("ratelimit:%s:%d", key, r.now().UTC().Unix())
	res, err := allowScript.Run(ctx, r.client, []string{window}, r.limitPerSec, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("evaluate rate limit: %w", err)
	}
	return res == 1, nil
}

// Wait blocks until the quota admits one request or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	backoff := backoffStep
	for {
		ok, err := r.Allow(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}
