// Package ratelimit implements the framework's sliding-window rate limiter:
// two adjacent Redis counters interpolated by progress through the current
// window. Grounded on the teacher's internal/middleware/ratelimit.go
// INCR+EXPIRE counter and its user:{id}/ip:{identifier} keying convention,
// generalized from a single hard counter into the spec's two-counter
// sliding estimate.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"actionkit/internal/apperrors"
	"actionkit/internal/conn"
	"actionkit/internal/rdb"
)

// Limiter computes the sliding-window estimate against a shared Redis
// client (spec §4.6).
type Limiter struct {
	client *rdb.Client
	prefix string
}

// New constructs a Limiter. prefix is rateLimit.keyPrefix from config.
func New(client *rdb.Client, prefix string) *Limiter {
	return &Limiter{client: client, prefix: prefix}
}

// Key builds the limiter identity: "user:{id}" when authenticated, else
// "ip:{identifier}" (spec §4.6).
func Key(userID, identifier string) string {
	if userID != "" {
		return fmt.Sprintf("user:%s", userID)
	}
	return fmt.Sprintf("ip:%s", identifier)
}

func (l *Limiter) counterKey(key string, window int64) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, key, window)
}

// Check runs one sliding-window estimate for key at time nowMS (epoch
// milliseconds), against limit over a windowMs-wide window.
func (l *Limiter) Check(ctx context.Context, key string, limit int, windowMS, nowMS int64) (*conn.RateLimitInfo, error) {
	window := nowMS / windowMS
	progress := float64(nowMS%windowMS) / float64(windowMS)

	currentKey := l.counterKey(key, window)
	prevKey := l.counterKey(key, window-1)

	pipe := l.client.Cmd().Pipeline()
	incrCmd := pipe.Incr(ctx, currentKey)
	pipe.Expire(ctx, currentKey, time.Duration(2*windowMS)*time.Millisecond)
	prevCmd := pipe.Get(ctx, prevKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ratelimit: pipeline exec: %w", err)
	}

	current := incrCmd.Val()
	prev := int64(0)
	if v, err := prevCmd.Int64(); err == nil {
		prev = v
	}

	estimate := int64(math.Floor(float64(prev)*(1-progress))) + current

	info := &conn.RateLimitInfo{Limit: limit}
	if estimate > int64(limit) {
		info.Remaining = 0
		info.RetryAfter = int(math.Ceil(float64(windowMS-nowMS%windowMS) / 1000))
		info.ResetAt = (nowMS + int64(info.RetryAfter)*1000) / 1000
		return info, nil
	}

	remaining := int64(limit) - estimate
	if remaining < 0 {
		remaining = 0
	}
	info.Remaining = int(remaining)
	info.ResetAt = int64(math.Ceil(float64((window+1)*windowMS) / 1000))
	return info, nil
}

// Authorize runs Check and returns a typed CONNECTION_RATE_LIMITED error
// (spec §4.6) when retryAfter is set, alongside the info to attach to the
// connection regardless of outcome.
func (l *Limiter) Authorize(ctx context.Context, key string, limit int, windowMS, nowMS int64) (*conn.RateLimitInfo, error) {
	info, err := l.Check(ctx, key, limit, windowMS, nowMS)
	if err != nil {
		return nil, err
	}
	if info.RetryAfter > 0 {
		return info, apperrors.New(apperrors.ConnectionRateLimited, "rate limit exceeded").
			WithKeyValue("retryAfter", info.RetryAfter)
	}
	return info, nil
}
