package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/copytrade/internal/domain"
)

func TestSixthCallWaits(t *testing.T) {
	rule := Rule{MaxCalls: 5, Period: time.Second}
	l := NewLimiter(map[domain.EndpointCategory]Rule{domain.CategoryQuery: rule})
	key := domain.RateLimitKey{AccountKey: "kraken:master", Category: domain.CategoryQuery}

	ctx := context.Background()
	start := time.Now()
	stamps := make([]time.Duration, 0, 6)
	for i := 0; i < 6; i++ {
		require.NoError(t, l.Acquire(ctx, key))
		stamps = append(stamps, time.Since(start))
	}

	// Slots are spaced one interval apart from the first call.
	computed := 5 * rule.Interval()
	tolerance := 15 * time.Millisecond
	assert.GreaterOrEqual(t, stamps[5], computed-tolerance)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i]-stamps[i-1], rule.Interval()-tolerance, "call %d", i+1)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(map[domain.EndpointCategory]Rule{
		domain.CategoryEntry: {MaxCalls: 1, Period: time.Hour},
	})
	ctx := context.Background()
	a := domain.RateLimitKey{AccountKey: "kraken:user:a", Category: domain.CategoryEntry}
	b := domain.RateLimitKey{AccountKey: "kraken:user:b", Category: domain.CategoryEntry}

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, a))
	require.NoError(t, l.Acquire(ctx, b))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitHonoursContext(t *testing.T) {
	l := NewLimiter(map[domain.EndpointCategory]Rule{
		domain.CategoryExit: {MaxCalls: 1, Period: time.Hour},
	})
	key := domain.RateLimitKey{AccountKey: "coinbase:master", Category: domain.CategoryExit}
	require.NoError(t, l.Acquire(context.Background(), key))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Wait(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureOverridesDefaults(t *testing.T) {
	l := NewLimiter(nil)
	l.Configure("paper:master", map[domain.EndpointCategory]Rule{
		domain.CategoryEntry: {MaxCalls: 1000, Period: time.Second},
	})
	key := domain.RateLimitKey{AccountKey: "paper:master", Category: domain.CategoryEntry}
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background(), key))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestUnlimitedRule(t *testing.T) {
	assert.Equal(t, time.Duration(0), Rule{}.Interval())
	assert.Equal(t, 200*time.Millisecond, Rule{MaxCalls: 5, Period: time.Second}.Interval())
}
