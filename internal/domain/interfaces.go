package domain

import "context"

// Broker is the uniform adapter every exchange implements exactly once.
type Broker interface {
	Name() string
	Connect(ctx context.Context) error
	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]Holding, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetCandles(ctx context.Context, symbol, interval string, count int) ([]Candle, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	RoundTripFeePct() float64
	MinOrderQuote(ctx context.Context, symbol string) (float64, error)
}

// NonceSource issues strictly increasing authentication values per account key.
type NonceSource interface {
	Next(accountKey string) (int64, error)
	JumpForward(accountKey string, ms int64) error
}

// Limiter applies blocking backpressure per rate-limit key.
type Limiter interface {
	Acquire(ctx context.Context, key RateLimitKey) error
}

// PriceSource is an optional push feed of last trade prices.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

// EntrySource supplies strategy decisions for one account.
type EntrySource interface {
	NextEntries(ctx context.Context, accountKey string) []EntryIntent
}

// JournalRepository records confirmed fills and telemetry events.
type JournalRepository interface {
	SaveFill(ctx context.Context, fill *Fill) error
	ListFills(ctx context.Context, accountKey string, limit int) ([]*Fill, error)
	SaveEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, kind string, limit int) ([]*Event, error)
}

type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}
