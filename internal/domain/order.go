package domain

import "time"

type SizeType string

const (
	SizeBase  SizeType = "BASE"
	SizeQuote SizeType = "QUOTE"
)

type OrderStatus string

const (
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further status transitions are expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderPartiallyFilled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Succeeded is true for statuses that carry a fill the caller must book.
func (s OrderStatus) Succeeded() bool {
	return s == OrderFilled || s == OrderPartiallyFilled
}

// OrderRequest is the uniform market order input across brokers.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Size          float64
	SizeType      SizeType
	ClientOrderID string
}

// OrderResult is the canonical view of a submitted market order.
type OrderResult struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Status        OrderStatus `json:"status"`
	RequestedQty  float64     `json:"requested_qty"`
	FilledQty     float64     `json:"filled_qty"`
	FilledPrice   float64     `json:"filled_price"`
	Cost          float64     `json:"cost"`
	Fees          float64     `json:"fees"`
	Remaining     float64     `json:"remaining"`
	SubmittedAt   time.Time   `json:"submitted_at"`
}

// Verify checks the confirmation fields of a result claimed as filled.
// It never assumes success from an empty response.
func (r *OrderResult) Verify(broker string) error {
	if r == nil {
		return &ExecutionFailedError{Broker: broker, Missing: []string{"response"}}
	}
	var missing []string
	if r.OrderID == "" {
		missing = append(missing, "order_id")
	}
	if r.Status.Succeeded() {
		if r.FilledQty <= 0 {
			missing = append(missing, "filled_qty")
		}
		if r.Cost <= 0 && r.FilledPrice <= 0 {
			missing = append(missing, "cost")
		}
	}
	if len(missing) > 0 {
		return &ExecutionFailedError{Broker: broker, OrderID: r.OrderID, Missing: missing}
	}
	if r.FilledPrice <= 0 && r.FilledQty > 0 {
		r.FilledPrice = r.Cost / r.FilledQty
	}
	if r.Cost <= 0 {
		r.Cost = r.FilledPrice * r.FilledQty
	}
	return nil
}

// Fill is a confirmed execution recorded in the trade journal.
type Fill struct {
	ID         string
	AccountKey string
	Broker     string
	Symbol     string
	Side       Side
	OrderID    string
	Quantity   float64
	Price      float64
	Cost       float64
	Fees       float64
	Reason     string
	CreatedAt  time.Time
}
