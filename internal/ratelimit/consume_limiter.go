package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/vibeany/billingcore/internal/config"
)

const keyConsumeUser = "consume:user:%s"

// ConsumeLimiter throttles how fast a single user can submit billable
// actions. A nil limiter allows everything, so callers that run without
// redis never have to branch.
type ConsumeLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewConsumeLimiter(cfg config.Config, client *redis.Client) *ConsumeLimiter {
	if !cfg.RateLimitEnabled || client == nil {
		return nil
	}
	if cfg.ConsumeRatePerSec <= 0 || cfg.ConsumeBurst <= 0 {
		return nil
	}
	return &ConsumeLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.ConsumeRatePerSec,
		burst:  cfg.ConsumeBurst,
	}
}

// Allow reports whether the user may submit another action now. Redis
// failures fail open: a billing engine must not reject work because the
// limiter store is down.
func (l *ConsumeLimiter) Allow(ctx context.Context, userID string) (bool, time.Duration) {
	if l == nil || l.bucket == nil {
		return true, 0
	}
	key := fmt.Sprintf(keyConsumeUser, strings.TrimSpace(userID))
	allowed, retryAfter, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		return true, 0
	}
	return allowed, retryAfter
}
