package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/copytrade/internal/domain"
)

// MockBroker is an in-memory spot broker for coordinator and copy tests.
type MockBroker struct {
	name     string
	fee      float64
	minQuote float64

	mu        sync.Mutex
	quote     float64
	holdings  map[string]float64
	prices    map[string]float64
	orders    []domain.OrderRequest
	seq       int
	placeErr  error
	posErr    error
	priceErr  error
	panicOn   string
	connects  int
	connErrs  []error
	resultFor func(req domain.OrderRequest) (*domain.OrderResult, error)
}

func NewMockBroker(name string, quote float64) *MockBroker {
	return &MockBroker{
		name:     name,
		quote:    quote,
		holdings: make(map[string]float64),
		prices:   make(map[string]float64),
	}
}

func (m *MockBroker) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *MockBroker) SetHolding(asset string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdings[asset] = qty
}

func (m *MockBroker) Orders() []domain.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderRequest(nil), m.orders...)
}

func (m *MockBroker) Name() string             { return m.name }
func (m *MockBroker) RoundTripFeePct() float64 { return m.fee }

// Connect fails with each queued connErrs entry in turn, then succeeds.
func (m *MockBroker) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if len(m.connErrs) > 0 {
		err := m.connErrs[0]
		m.connErrs = m.connErrs[1:]
		return err
	}
	return nil
}

func (m *MockBroker) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *MockBroker) GetBalance(ctx context.Context) (*domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &domain.Balance{Currency: "USD", Available: m.quote, Total: m.quote}, nil
}

func (m *MockBroker) GetPositions(ctx context.Context) ([]domain.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.posErr != nil {
		return nil, m.posErr
	}
	var out []domain.Holding
	for a, q := range m.holdings {
		if q > 0 {
			out = append(out, domain.Holding{Asset: a, Quantity: q})
		}
	}
	return out, nil
}

func (m *MockBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicOn == symbol {
		panic("price feed exploded")
	}
	if m.priceErr != nil {
		return 0, m.priceErr
	}
	p, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (m *MockBroker) MinOrderQuote(ctx context.Context, symbol string) (float64, error) {
	return m.minQuote, nil
}

func (m *MockBroker) GetCandles(ctx context.Context, symbol, interval string, count int) ([]domain.Candle, error) {
	return nil, nil
}

func (m *MockBroker) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, req)
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	if m.resultFor != nil {
		return m.resultFor(req)
	}

	price := m.prices[req.Symbol]
	if price <= 0 {
		return nil, fmt.Errorf("no price for %s", req.Symbol)
	}
	m.seq++
	base := domain.BaseAsset(req.Symbol)
	res := &domain.OrderResult{
		OrderID:     fmt.Sprintf("mock-%d", m.seq),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Status:      domain.OrderFilled,
		FilledPrice: price,
	}
	if req.Side == domain.SideBuy {
		qty := req.Size
		if req.SizeType == domain.SizeQuote {
			qty = req.Size / price
		}
		res.FilledQty = qty
		res.Cost = qty * price
		m.holdings[base] += qty
		m.quote -= res.Cost
	} else {
		qty := req.Size
		if qty > m.holdings[base] {
			qty = m.holdings[base]
			res.Status = domain.OrderPartiallyFilled
		}
		res.FilledQty = qty
		res.Cost = qty * price
		m.holdings[base] -= qty
		m.quote += res.Cost
	}
	res.RequestedQty = req.Size
	return res, nil
}

// MockJournal keeps fills and events in memory.
type MockJournal struct {
	mu     sync.Mutex
	fills  []*domain.Fill
	events []*domain.Event
}

func (j *MockJournal) SaveFill(ctx context.Context, f *domain.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, f)
	return nil
}

func (j *MockJournal) ListFills(ctx context.Context, accountKey string, limit int) ([]*domain.Fill, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*domain.Fill
	for _, f := range j.fills {
		if accountKey == "" || f.AccountKey == accountKey {
			out = append(out, f)
		}
	}
	return out, nil
}

func (j *MockJournal) SaveEvent(ctx context.Context, ev *domain.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *MockJournal) ListEvents(ctx context.Context, kind string, limit int) ([]*domain.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*domain.Event
	for _, ev := range j.events {
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (j *MockJournal) count(kind string) int {
	evs, _ := j.ListEvents(context.Background(), kind, 0)
	return len(evs)
}

// recordingPublisher captures published signals.
type recordingPublisher struct {
	mu      sync.Mutex
	signals []domain.TradeSignal
}

func (p *recordingPublisher) Publish(sig domain.TradeSignal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *recordingPublisher) all() []domain.TradeSignal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TradeSignal(nil), p.signals...)
}

func krakenPolicy() domain.ExitPolicy {
	return domain.ExitPolicy{
		RoundTripFeePct: 0.36,
		StopLossPct:     2,
		MaxHold:         48 * time.Hour,
		Steps: []domain.ProfitStep{
			{GrossPct: 0.7, ExitFraction: 0.10},
			{GrossPct: 1.0, ExitFraction: 0.15},
			{GrossPct: 1.5, ExitFraction: 0.25},
		},
	}
}

func coinbasePolicy() domain.ExitPolicy {
	return domain.ExitPolicy{
		RoundTripFeePct: 1.4,
		StopLossPct:     2,
		MaxHold:         48 * time.Hour,
		Steps: []domain.ProfitStep{
			{GrossPct: 2.0, ExitFraction: 0.10},
			{GrossPct: 2.5, ExitFraction: 0.15},
			{GrossPct: 3.0, ExitFraction: 0.25},
		},
	}
}
