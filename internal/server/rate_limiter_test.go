package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newRateLimiter(RateLimitConfig{Burst: 3, RefillInterval: 3 * time.Second})
	limiter.now = func() time.Time { return now }
	limiter.lastCheck = now

	req.True(limiter.allow())
	req.True(limiter.allow())
	req.True(limiter.allow())
	req.False(limiter.allow())

	now = now.Add(time.Second)
	req.True(limiter.allow())
	req.False(limiter.allow())

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		req.True(limiter.allow())
	}
	req.False(limiter.allow(), "refill must be capped at the burst size")
}

func TestRateLimiter_InvalidSettingsFallBack(t *testing.T) {
	limiter := newRateLimiter(RateLimitConfig{})
	require.Equal(t, 1.0, limiter.capacity)
	require.Equal(t, 1.0, limiter.rate)
}
