// Package ratelimit applies per-(account, endpoint category) call spacing and
// caches short-lived read results.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/infrastructure/metrics"
)

// Rule allows MaxCalls per Period, spread evenly: consecutive calls on one key
// are never closer than Period/MaxCalls.
type Rule struct {
	MaxCalls int           `yaml:"max_calls"`
	Period   time.Duration `yaml:"period"`
}

func (r Rule) Interval() time.Duration {
	if r.MaxCalls <= 0 || r.Period <= 0 {
		return 0
	}
	return r.Period / time.Duration(r.MaxCalls)
}

// DefaultRules are conservative spacings that satisfy the strictest broker we drive.
func DefaultRules() map[domain.EndpointCategory]Rule {
	return map[domain.EndpointCategory]Rule{
		domain.CategoryEntry:      {MaxCalls: 1, Period: 2 * time.Second},
		domain.CategoryExit:       {MaxCalls: 1, Period: time.Second},
		domain.CategoryMonitoring: {MaxCalls: 1, Period: 4 * time.Second},
		domain.CategoryQuery:      {MaxCalls: 2, Period: time.Second},
	}
}

// Limiter blocks callers instead of failing them. One instance serves every account.
type Limiter struct {
	mu       sync.Mutex
	defaults map[domain.EndpointCategory]Rule
	accounts map[string]map[domain.EndpointCategory]Rule
	limiters map[domain.RateLimitKey]*rate.Limiter
}

func NewLimiter(defaults map[domain.EndpointCategory]Rule) *Limiter {
	if defaults == nil {
		defaults = DefaultRules()
	}
	return &Limiter{
		defaults: defaults,
		accounts: make(map[string]map[domain.EndpointCategory]Rule),
		limiters: make(map[domain.RateLimitKey]*rate.Limiter),
	}
}

// Configure overrides the rules for one account, typically from its broker config.
// Must be called before the account issues its first call.
func (l *Limiter) Configure(accountKey string, rules map[domain.EndpointCategory]Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[accountKey] = rules
	for k := range l.limiters {
		if k.AccountKey == accountKey {
			delete(l.limiters, k)
		}
	}
}

func (l *Limiter) ruleFor(key domain.RateLimitKey) Rule {
	if rules, ok := l.accounts[key.AccountKey]; ok {
		if r, ok := rules[key.Category]; ok {
			return r
		}
	}
	return l.defaults[key.Category]
}

func (l *Limiter) limiter(key domain.RateLimitKey) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		interval := l.ruleFor(key).Interval()
		if interval <= 0 {
			lim = rate.NewLimiter(rate.Inf, 1)
		} else {
			lim = rate.NewLimiter(rate.Every(interval), 1)
		}
		l.limiters[key] = lim
	}
	return lim
}

// Wait blocks until key may dispatch and returns how long it waited.
// A cancelled context releases the reserved slot.
func (l *Limiter) Wait(ctx context.Context, key domain.RateLimitKey) (time.Duration, error) {
	res := l.limiter(key).Reserve()
	delay := res.Delay()
	if delay <= 0 {
		return 0, nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return delay, nil
	case <-ctx.Done():
		res.Cancel()
		return 0, ctx.Err()
	}
}

// Acquire is Wait with the blocked time recorded in metrics.
func (l *Limiter) Acquire(ctx context.Context, key domain.RateLimitKey) error {
	d, err := l.Wait(ctx, key)
	if err != nil {
		return err
	}
	metrics.ObserveRateLimitWait(string(key.Category), d)
	return nil
}
