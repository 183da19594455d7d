package domain

// Broker-agnostic types for order execution and account state.
// These abstract away broker-specific wire formats so the execution
// engine can run against the live adapter or the paper simulator.

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a top-of-book snapshot for one symbol
type Quote struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Timestamp time.Time       `json:"timestamp"`
}

// Age returns how old the quote is relative to now
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// Mid returns the midpoint price
func (q *Quote) Mid() decimal.Decimal {
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// Spread returns ask minus bid
func (q *Quote) Spread() decimal.Decimal {
	return q.AskPrice.Sub(q.BidPrice)
}

// SpreadBps returns the spread as basis points of the mid price
func (q *Quote) SpreadBps() decimal.Decimal {
	mid := q.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return q.Spread().Div(mid).Mul(decimal.NewFromInt(10000))
}

// Usable reports whether the quote can price an order: positive bid
// and ask, ask not below bid.
func (q *Quote) Usable() bool {
	return q.BidPrice.IsPositive() && q.AskPrice.IsPositive() && !q.AskPrice.LessThan(q.BidPrice)
}

// OrderType is the broker order type
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderRequest describes an order to submit. Exactly one of Quantity
// or Notional is set; close-position requests carry neither and are
// routed through the broker's liquidation primitive.
type OrderRequest struct {
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Quantity      *decimal.Decimal `json:"qty,omitempty"`
	Notional      *decimal.Decimal `json:"notional,omitempty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	TimeInForce   string           `json:"time_in_force"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// Order is the broker's view of a submitted order
type Order struct {
	OrderID       string           `json:"order_id"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Status        OrderStatus      `json:"status"`
	RequestedQty  decimal.Decimal  `json:"requested_qty"`
	FilledQty     decimal.Decimal  `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal  `json:"avg_fill_price"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ExecutedOrder is the engine's durable record of one order attempt.
// A re-peg produces a new record sharing the TradeID with AttemptCount
// incremented.
type ExecutedOrder struct {
	OrderID       string             `json:"order_id"`
	TradeID       string             `json:"trade_id"`
	CorrelationID string             `json:"correlation_id"`
	Symbol        string             `json:"symbol"`
	Side          OrderSide          `json:"side"`
	RequestedQty  decimal.Decimal    `json:"requested_qty"`
	FilledQty     decimal.Decimal    `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal    `json:"avg_fill_price"`
	Status        OrderStatus        `json:"status"`
	AttemptCount  int                `json:"attempt_count"`
	Strategy      SubmissionStrategy `json:"submission_strategy"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	TerminalAt    *time.Time         `json:"terminal_at,omitempty"`
}

// TradeUpdate is one event from the broker's trade-update stream
type TradeUpdate struct {
	OrderID   string          `json:"order_id"`
	Event     TradeEventType  `json:"event"`
	Status    OrderStatus     `json:"status"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Position is one holding of the live account
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"qty"`
	AvgEntry     decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
}

// AccountSnapshot is the account state the portfolio stage plans against
type AccountSnapshot struct {
	Cash           decimal.Decimal `json:"cash"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	Positions      []Position      `json:"positions"`
	Timestamp      time.Time       `json:"timestamp"`
}

// PositionFor returns the position for a symbol, or nil if flat
func (a *AccountSnapshot) PositionFor(symbol string) *Position {
	for i := range a.Positions {
		if a.Positions[i].Symbol == symbol {
			return &a.Positions[i]
		}
	}
	return nil
}

// Bar is one OHLCV candle of historical market data
type Bar struct {
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarketClock is the broker's view of the trading calendar
type MarketClock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// TradeResult aggregates the outcome of executing one trade across all
// of its order attempts.
type TradeResult struct {
	TradeID      string          `json:"trade_id"`
	Symbol       string          `json:"symbol"`
	Success      bool            `json:"success"`
	OrderID      string          `json:"order_id,omitempty"`
	RequestedQty decimal.Decimal `json:"requested_qty"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	VWAP         decimal.Decimal `json:"vwap"`
	Attempts     int             `json:"attempts"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
}
