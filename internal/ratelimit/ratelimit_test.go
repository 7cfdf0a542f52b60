package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionkit/internal/rdb"
)

func newLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := rdb.New(mr.Addr())
	require.NoError(t, err)
	return New(client, "rl")
}

func TestKeyPrefersUser(t *testing.T) {
	assert.Equal(t, "user:42", Key("42", "1.2.3.4"))
	assert.Equal(t, "ip:1.2.3.4", Key("", "1.2.3.4"))
}

func TestCheckAllowsWithinLimit(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	info, err := l.Check(ctx, "ip:1.2.3.4", 5, 60000, 1000)
	require.NoError(t, err)
	assert.Equal(t, 4, info.Remaining)
	assert.Equal(t, 0, info.RetryAfter)
}

func TestCheckEstimateIsMonotoneNonDecreasingWithinAWindow(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	var remainders []int
	for i := int64(1); i <= 5; i++ {
		info, err := l.Check(ctx, "ip:same", 10, 60000, i*1000)
		require.NoError(t, err)
		remainders = append(remainders, info.Remaining)
	}
	for i := 1; i < len(remainders); i++ {
		assert.LessOrEqual(t, remainders[i], remainders[i-1], "remaining must be non-increasing as the estimate grows")
	}
}

func TestCheckTripsLimitAndReturnsRetryAfter(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	var last *assertableInfo
	for i := int64(1); i <= 6; i++ {
		info, err := l.Check(ctx, "ip:5.5.5.5", 5, 60000, i*5000)
		require.NoError(t, err)
		last = &assertableInfo{remaining: info.Remaining, retryAfter: info.RetryAfter}
	}
	require.NotNil(t, last)
	assert.Equal(t, 0, last.remaining)
	assert.Greater(t, last.retryAfter, 0)
	assert.LessOrEqual(t, last.retryAfter, 60)
}

type assertableInfo struct {
	remaining  int
	retryAfter int
}

func TestAuthorizeReturnsTypedErrorWhenLimited(t *testing.T) {
	l := newLimiter(t)
	ctx := context.Background()

	for i := int64(1); i <= 6; i++ {
		_, err := l.Authorize(ctx, "ip:9.9.9.9", 1, 60000, i*1000)
		if i <= 1 {
			require.NoError(t, err)
			continue
		}
		require.Error(t, err)
	}
}
