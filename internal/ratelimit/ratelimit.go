package ratelimit

import "context"

// Limiter enforces a request quota per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
