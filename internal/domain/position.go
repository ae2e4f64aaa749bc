package domain

import (
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Position represents a tracked open position owned by one account's ledger.
type Position struct {
	Symbol            string    `json:"symbol"`
	Side              Side      `json:"side"`
	EntryPrice        float64   `json:"entry_price"`
	Quantity          float64   `json:"quantity"`
	SizeQuote         float64   `json:"size_quote"`
	RemainingFraction float64   `json:"remaining_fraction"`
	StopLoss          float64   `json:"stop_loss,omitempty"`
	TakeProfitLevels  []float64 `json:"take_profit_levels,omitempty"`
	OpenedAt          time.Time `json:"opened_at"`
	ExitFlags         uint32    `json:"exit_progress_flags"`
}

// StepFired reports whether the stepped exit with index i already executed.
func (p *Position) StepFired(i int) bool {
	if i < 0 || i > 31 {
		return false
	}
	return p.ExitFlags&(1<<uint(i)) != 0
}

func (p *Position) MarkStep(i int) {
	if i < 0 || i > 31 {
		return
	}
	p.ExitFlags |= 1 << uint(i)
}

// OriginalQuantity reconstructs the quantity at entry from the remaining fraction.
func (p *Position) OriginalQuantity() float64 {
	if p.RemainingFraction <= 0 {
		return p.Quantity
	}
	return p.Quantity / p.RemainingFraction
}

// Holding is one non-quote asset balance reported live by a broker.
type Holding struct {
	Asset    string  `json:"asset"`
	Quantity float64 `json:"quantity"`
}

// Balance is the quote-currency view of an account plus every asset it holds.
type Balance struct {
	Currency  string             `json:"currency"`
	Available float64            `json:"available"`
	Total     float64            `json:"total"`
	Assets    map[string]float64 `json:"assets,omitempty"`
}

// BaseAsset extracts the base currency of a symbol such as "BTC-USD" or "ETH/USDT".
func BaseAsset(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexAny(s, "-/"); i > 0 {
		return s[:i]
	}
	for _, q := range []string{"USDT", "USDC", "USD", "EUR"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)]
		}
	}
	return s
}

// QuoteAsset extracts the quote currency of a symbol, defaulting to USD.
func QuoteAsset(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexAny(s, "-/"); i > 0 && i < len(s)-1 {
		return s[i+1:]
	}
	for _, q := range []string{"USDT", "USDC", "USD", "EUR"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return q
		}
	}
	return "USD"
}
