package exchange

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/copytrade/internal/domain"
)

// fakeNonces is a counter-backed NonceSource that records jumps.
type fakeNonces struct {
	mu    sync.Mutex
	last  int64
	jumps []int64
}

func (f *fakeNonces) Next(string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= f.last {
		now = f.last + 1
	}
	f.last = now
	return now, nil
}

func (f *fakeNonces) JumpForward(_ string, ms int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jumps = append(f.jumps, ms)
	f.last += ms * int64(time.Millisecond)
	return nil
}

func (f *fakeNonces) jumpCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jumps)
}

func fastSettings(baseURL string) Settings {
	return Settings{
		BaseURL:         baseURL,
		HTTPTimeout:     2 * time.Second,
		PollInterval:    5 * time.Millisecond,
		PollTimeout:     300 * time.Millisecond,
		BackoffBase:     time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		NonceRetryDelay: time.Millisecond,
	}
}

func testDeps(t *testing.T, broker string, nonces domain.NonceSource) Deps {
	t.Helper()
	return Deps{
		Account: domain.Account{Role: domain.RoleMaster, Broker: broker},
		Nonces:  nonces,
		Logger:  zap.NewNop(),
	}
}
