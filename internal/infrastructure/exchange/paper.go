package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/copytrade/internal/domain"
)

// PaperAdapter simulates an exchange in memory. Orders fill immediately at the
// last known price, charging half the round-trip fee on each side.
type PaperAdapter struct {
	*base
	inst   instrument
	prices domain.PriceSource

	mu      sync.Mutex
	quote   float64
	assets  map[string]float64
	last    map[string]float64
	history map[string][]domain.Candle
	failErr error
}

func NewPaperAdapter(startingQuote float64, deps Deps, s Settings) *PaperAdapter {
	return &PaperAdapter{
		base:    newBase("paper", deps, s),
		inst:    instrument{BaseIncrement: 1e-8, QuoteIncrement: 0.01, MinQuote: 1},
		quote:   startingQuote,
		assets:  make(map[string]float64),
		last:    make(map[string]float64),
		history: make(map[string][]domain.Candle),
	}
}

var _ domain.Broker = (*PaperAdapter)(nil)

// WithPriceSource lets a live feed drive paper fills.
func (p *PaperAdapter) WithPriceSource(src domain.PriceSource) *PaperAdapter {
	p.prices = src
	return p
}

// SetPrice records a price tick for symbol.
func (p *PaperAdapter) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[symbol] = price
	p.history[symbol] = append(p.history[symbol], domain.Candle{
		Time: time.Now().Unix(), Open: price, High: price, Low: price, Close: price,
	})
}

// SetHolding seeds a base-asset balance, used to mirror real holdings in dry runs.
func (p *PaperAdapter) SetHolding(asset string, qty float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assets[asset] = qty
	p.holdings.Invalidate(p.key)
}

// FailNext makes the next order submission return err.
func (p *PaperAdapter) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

func (p *PaperAdapter) Connect(ctx context.Context) error {
	p.connected.Store(true)
	p.logger.Info("Connected", zap.Float64("quote_balance", p.quote))
	return nil
}

func (p *PaperAdapter) GetBalance(ctx context.Context) (*domain.Balance, error) {
	return p.cachedBalance(ctx, func(ctx context.Context) (*domain.Balance, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		assets := make(map[string]float64, len(p.assets)+1)
		for k, v := range p.assets {
			assets[k] = v
		}
		assets["USD"] = p.quote
		return &domain.Balance{Currency: "USD", Available: p.quote, Total: p.quote, Assets: assets}, nil
	})
}

func (p *PaperAdapter) GetPositions(ctx context.Context) ([]domain.Holding, error) {
	return p.cachedHoldings(ctx, func(ctx context.Context) ([]domain.Holding, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		return holdingsFromAssets(p.assets, "USD"), nil
	})
}

func (p *PaperAdapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if p.prices != nil {
		if v, ok := p.prices.LastPrice(symbol); ok {
			return v, nil
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.last[symbol]
	if !ok || v <= 0 {
		return 0, fmt.Errorf("paper: no price for %s", symbol)
	}
	return v, nil
}

func (p *PaperAdapter) MinOrderQuote(ctx context.Context, symbol string) (float64, error) {
	return p.inst.MinQuote, nil
}

func (p *PaperAdapter) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if err := p.requireConnected(); err != nil {
		return nil, err
	}
	price, err := p.GetCurrentPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	size, err := prepareSize(req, p.inst, price, p.settings.DustUSD)
	if err != nil {
		return nil, err
	}
	if err := p.acquire(ctx, domain.CategoryForSide(req.Side)); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.failErr != nil {
		err := p.failErr
		p.failErr = nil
		p.mu.Unlock()
		return nil, err
	}
	qty, cost := size, size*price
	if req.SizeType == domain.SizeQuote {
		qty, cost = size/price, size
	}
	fee := cost * p.settings.RoundTripFeePct / 2 / 100
	asset := domain.BaseAsset(req.Symbol)
	status := domain.OrderFilled
	var remaining float64

	switch req.Side {
	case domain.SideBuy:
		if cost+fee > p.quote {
			p.mu.Unlock()
			return nil, fmt.Errorf("paper: insufficient funds: need %.2f have %.2f", cost+fee, p.quote)
		}
		p.quote -= cost + fee
		p.assets[asset] += qty
	case domain.SideSell:
		held := p.assets[asset]
		if held <= 0 {
			p.mu.Unlock()
			return nil, fmt.Errorf("paper: no %s to sell", asset)
		}
		if qty > held {
			remaining = qty - held
			qty, cost = held, held*price
			fee = cost * p.settings.RoundTripFeePct / 2 / 100
			status = domain.OrderPartiallyFilled
		}
		p.assets[asset] = held - qty
		if p.assets[asset] <= 0 {
			delete(p.assets, asset)
		}
		p.quote += cost - fee
	}
	p.mu.Unlock()

	res := &domain.OrderResult{
		OrderID:       uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        status,
		RequestedQty:  qty + remaining,
		FilledQty:     qty,
		FilledPrice:   price,
		Cost:          cost,
		Fees:          fee,
		Remaining:     remaining,
		SubmittedAt:   time.Now().UTC(),
	}
	return p.finishOrder(req, res)
}

func (p *PaperAdapter) GetCandles(ctx context.Context, symbol, interval string, count int) ([]domain.Candle, error) {
	if err := p.acquire(ctx, domain.CategoryMonitoring); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.history[symbol]
	if count > 0 && len(h) > count {
		h = h[len(h)-count:]
	}
	out := make([]domain.Candle, len(h))
	copy(out, h)
	return out, nil
}
