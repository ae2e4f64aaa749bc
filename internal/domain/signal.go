package domain

import "time"

// TradeSignal is produced once per confirmed master fill and consumed at most once per follower.
type TradeSignal struct {
	ID                   string    `json:"id"`
	Broker               string    `json:"broker"`
	Symbol               string    `json:"symbol"`
	Side                 Side      `json:"side"`
	Price                float64   `json:"price"`
	Size                 float64   `json:"size"`
	SizeType             SizeType  `json:"size_type"`
	MasterBalanceAtTrade float64   `json:"master_balance_at_trade"`
	PositionFraction     float64   `json:"position_fraction,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// EntryIntent is what the upstream strategy engine hands to an account's coordinator.
type EntryIntent struct {
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	EntryPrice       float64   `json:"entry_price"`
	StopLoss         float64   `json:"stop_loss"`
	TakeProfitLevels []float64 `json:"take_profit_levels"`
	SizeQuote        float64   `json:"size_quote"`
}

// Event is a structured telemetry record consumed by downstream observability.
type Event struct {
	ID         string
	Kind       string
	AccountKey string
	Symbol     string
	Detail     string
	CreatedAt  time.Time
}

const (
	EventFillConfirmed   = "fill_confirmed"
	EventExitTriggered   = "exit_triggered"
	EventSignalPublished = "signal_published"
	EventSignalDropped   = "signal_dropped"
	EventCopySkipped     = "copy_skipped"
	EventCopyExecuted    = "copy_executed"
	EventPhantomRemoved  = "phantom_removed"
)
