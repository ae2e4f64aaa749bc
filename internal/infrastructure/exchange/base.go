package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/copytrade/internal/domain"
	"github.com/vitos/copytrade/internal/infrastructure/metrics"
	"github.com/vitos/copytrade/internal/infrastructure/ratelimit"
)

// Settings are the per-broker knobs shared by every adapter.
type Settings struct {
	BaseURL          string
	WSURL            string
	RoundTripFeePct  float64
	DustUSD          float64
	HTTPTimeout      time.Duration
	PollInterval     time.Duration
	PollTimeout      time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	NonceJumpMs      int64
	NonceRetryDelay  time.Duration
	NonceMaxAttempts int
	CacheTTL         time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.HTTPTimeout <= 0 {
		s.HTTPTimeout = 10 * time.Second
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 500 * time.Millisecond
	}
	if s.PollTimeout <= 0 {
		s.PollTimeout = 15 * time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 4
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = 500 * time.Millisecond
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = 8 * time.Second
	}
	if s.NonceJumpMs <= 0 {
		s.NonceJumpMs = 60_000
	}
	if s.NonceRetryDelay <= 0 {
		s.NonceRetryDelay = 3 * time.Second
	}
	if s.NonceMaxAttempts <= 0 {
		s.NonceMaxAttempts = 3
	}
	if s.CacheTTL <= 0 {
		s.CacheTTL = ratelimit.DefaultCacheTTL
	}
	return s
}

// Deps are the process-wide services injected into every adapter.
type Deps struct {
	Account domain.Account
	Nonces  domain.NonceSource
	Limiter domain.Limiter
	Logger  *zap.Logger
}

// instrument is the subset of exchange trading rules used for rounding.
type instrument struct {
	BaseIncrement  float64
	QuoteIncrement float64
	MinBase        float64
	MinQuote       float64
}

// base carries the transport, retry and caching shared by every adapter.
type base struct {
	name     string
	key      string
	account  domain.Account
	settings Settings
	nonces   domain.NonceSource
	limiter  domain.Limiter
	logger   *zap.Logger
	client   *http.Client

	balances *ratelimit.Cache[*domain.Balance]
	holdings *ratelimit.Cache[[]domain.Holding]

	instMu      sync.Mutex
	instruments map[string]instrument

	connected atomic.Bool
}

func newBase(name string, deps Deps, s Settings) *base {
	s = s.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &base{
		name:        name,
		key:         deps.Account.Key(),
		account:     deps.Account,
		settings:    s,
		nonces:      deps.Nonces,
		limiter:     deps.Limiter,
		logger:      logger.With(zap.String("broker", name), zap.String("account", deps.Account.Key())),
		client:      &http.Client{Timeout: s.HTTPTimeout},
		balances:    ratelimit.NewCache[*domain.Balance](16, s.CacheTTL),
		holdings:    ratelimit.NewCache[[]domain.Holding](16, s.CacheTTL),
		instruments: make(map[string]instrument),
	}
}

func (b *base) Name() string             { return b.name }
func (b *base) RoundTripFeePct() float64 { return b.settings.RoundTripFeePct }

func (b *base) requireConnected() error {
	if !b.connected.Load() {
		return fmt.Errorf("%s: %w", b.name, domain.ErrNotConnected)
	}
	return nil
}

func (b *base) acquire(ctx context.Context, cat domain.EndpointCategory) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Acquire(ctx, domain.RateLimitKey{AccountKey: b.key, Category: cat})
}

func (b *base) cachedInstrument(symbol string) (instrument, bool) {
	b.instMu.Lock()
	defer b.instMu.Unlock()
	inst, ok := b.instruments[symbol]
	return inst, ok
}

func (b *base) storeInstrument(symbol string, inst instrument) {
	b.instMu.Lock()
	b.instruments[symbol] = inst
	b.instMu.Unlock()
}

// do executes req and classifies transport failures. HTTP status handling is left to callers.
func (b *base) do(req *http.Request) ([]byte, int, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, 0, fmt.Errorf("%s %s: %w", b.name, req.URL.Path, domain.ErrTimeout)
			}
			return nil, 0, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, 0, fmt.Errorf("%s %s: %w: %v", b.name, req.URL.Path, domain.ErrTimeout, err)
		}
		return nil, 0, fmt.Errorf("%s %s: %w: %v", b.name, req.URL.Path, domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s read body: %w: %v", b.name, domain.ErrTransient, err)
	}
	return body, resp.StatusCode, nil
}

// statusError maps generic HTTP failure codes onto the error taxonomy.
func (b *base) statusError(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.PermissionError{Broker: b.name, Message: truncate(string(body), 200)}
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", b.name, domain.ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("%s HTTP %d: %w", b.name, status, domain.ErrTransient)
	case status >= 400:
		return fmt.Errorf("%s HTTP %d: %s", b.name, status, truncate(string(body), 200))
	}
	return nil
}

type retryPolicy int

const (
	// retryAll retries every transient error; safe for reads.
	retryAll retryPolicy = iota
	// retryRejected retries only failures the exchange rejected before acting on,
	// so a submitted order is never sent twice after an ambiguous timeout.
	retryRejected
)

// call runs op under the rate limiter with bounded exponential backoff for
// transient errors and a nonce jump plus short fixed delay for nonce rejections.
func (b *base) call(ctx context.Context, cat domain.EndpointCategory, policy retryPolicy, op func(ctx context.Context) error) error {
	var (
		err          error
		transient    int
		nonceRetries int
	)
	for {
		if err = b.acquire(ctx, cat); err != nil {
			return err
		}
		err = op(ctx)
		if err == nil {
			return nil
		}

		switch {
		case domain.IsNonce(err):
			nonceRetries++
			if nonceRetries >= b.settings.NonceMaxAttempts || b.nonces == nil {
				return err
			}
			if jerr := b.nonces.JumpForward(b.key, b.settings.NonceJumpMs); jerr != nil {
				return fmt.Errorf("%w (jump failed: %v)", err, jerr)
			}
			b.logger.Warn("Nonce rejected, retrying after jump",
				zap.Int("attempt", nonceRetries),
				zap.Duration("delay", b.settings.NonceRetryDelay),
			)
			if serr := sleepCtx(ctx, b.settings.NonceRetryDelay); serr != nil {
				return serr
			}
		case domain.IsRetryable(err):
			if policy == retryRejected && !errors.Is(err, domain.ErrRateLimited) {
				return err
			}
			transient++
			if transient >= b.settings.MaxRetries {
				return err
			}
			delay := b.settings.BackoffBase << (transient - 1)
			if delay > b.settings.BackoffMax {
				delay = b.settings.BackoffMax
			}
			b.logger.Debug("Transient error, backing off",
				zap.Error(err),
				zap.Int("attempt", transient),
				zap.Duration("delay", delay),
			)
			if serr := sleepCtx(ctx, delay); serr != nil {
				return serr
			}
		default:
			return err
		}
	}
}

// pollOrder queries fetch until the order is terminal or PollTimeout elapses.
// A timeout is reported as retryable; the order is never assumed filled.
func (b *base) pollOrder(ctx context.Context, orderID string, fetch func(ctx context.Context) (*domain.OrderResult, error)) (*domain.OrderResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, b.settings.PollTimeout)
	defer cancel()

	var last *domain.OrderResult
	for {
		var res *domain.OrderResult
		err := b.call(pollCtx, domain.CategoryQuery, retryAll, func(ctx context.Context) error {
			var ferr error
			res, ferr = fetch(ctx)
			return ferr
		})
		if err == nil && res != nil {
			last = res
			if res.Status.Terminal() {
				return res, nil
			}
		} else if err != nil && !domain.IsRetryable(err) && pollCtx.Err() == nil {
			return nil, err
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			status := domain.OrderSubmitted
			if last != nil {
				status = last.Status
			}
			return nil, fmt.Errorf("%s order %s still %s after %s: %w",
				b.name, orderID, status, b.settings.PollTimeout, domain.ErrTimeout)
		case <-time.After(b.settings.PollInterval):
		}
	}
}

// finishOrder verifies the confirmation fields, books metrics and invalidates cached reads.
func (b *base) finishOrder(req domain.OrderRequest, res *domain.OrderResult) (*domain.OrderResult, error) {
	b.balances.Invalidate(b.key)
	b.holdings.Invalidate(b.key)

	if err := res.Verify(b.name); err != nil {
		metrics.IncOrder(b.name, string(req.Side), "unconfirmed")
		return nil, err
	}
	metrics.IncOrder(b.name, string(req.Side), string(res.Status))
	switch res.Status {
	case domain.OrderRejected, domain.OrderExpired:
		return res, &domain.ExecutionFailedError{Broker: b.name, OrderID: res.OrderID, Reason: "order " + string(res.Status)}
	}
	if res.RequestedQty > 0 && res.Remaining <= 0 && res.FilledQty < res.RequestedQty && req.SizeType == domain.SizeBase {
		res.Remaining = res.RequestedQty - res.FilledQty
	}
	b.logger.Info("Order confirmed",
		zap.String("symbol", res.Symbol),
		zap.String("side", string(res.Side)),
		zap.String("order_id", res.OrderID),
		zap.String("status", string(res.Status)),
		zap.Float64("filled_qty", res.FilledQty),
		zap.Float64("price", res.FilledPrice),
		zap.Float64("fees", res.Fees),
	)
	return res, nil
}

// cachedBalance serves GetBalance from the short-TTL cache when possible.
func (b *base) cachedBalance(ctx context.Context, fetch func(ctx context.Context) (*domain.Balance, error)) (*domain.Balance, error) {
	if err := b.requireConnected(); err != nil {
		return nil, err
	}
	ck := ratelimit.CacheKey(b.key, "balance")
	if v, ok := b.balances.Get(ck); ok {
		return v, nil
	}
	var bal *domain.Balance
	err := b.call(ctx, domain.CategoryQuery, retryAll, func(ctx context.Context) error {
		var ferr error
		bal, ferr = fetch(ctx)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	b.balances.Put(ck, bal)
	return bal, nil
}

func (b *base) cachedHoldings(ctx context.Context, fetch func(ctx context.Context) ([]domain.Holding, error)) ([]domain.Holding, error) {
	if err := b.requireConnected(); err != nil {
		return nil, err
	}
	ck := ratelimit.CacheKey(b.key, "positions")
	if v, ok := b.holdings.Get(ck); ok {
		return v, nil
	}
	var out []domain.Holding
	err := b.call(ctx, domain.CategoryQuery, retryAll, func(ctx context.Context) error {
		var ferr error
		out, ferr = fetch(ctx)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	b.holdings.Put(ck, out)
	return out, nil
}

func holdingsFromAssets(assets map[string]float64, quote string) []domain.Holding {
	out := make([]domain.Holding, 0, len(assets))
	for asset, qty := range assets {
		if asset == quote || qty <= 0 {
			continue
		}
		out = append(out, domain.Holding{Asset: asset, Quantity: qty})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
