// Package domain provides core domain models and the ports shared
// across pipeline stages. Interfaces live here to break import cycles
// between the stages and the adapters that serve them.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Broker is the capability surface the execution engine consumes.
// Implementations: the live REST adapter and the paper simulator.
type Broker interface {
	// SubmitOrder places a limit, market, or notional order
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// CancelOrder cancels an open order by ID. Canceling an already
	// terminal order is not an error.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrder fetches the current state of an order
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// ListOpenOrders returns all non-terminal orders
	ListOpenOrders(ctx context.Context) ([]Order, error)

	// ClosePosition liquidates an entire position using the broker's
	// native close primitive, avoiding fractional-share residue.
	ClosePosition(ctx context.Context, symbol string) (*Order, error)

	// GetPositions returns current holdings
	GetPositions(ctx context.Context) ([]Position, error)

	// GetAccount returns cash, buying power, and portfolio value
	GetAccount(ctx context.Context) (*AccountSnapshot, error)

	// GetLatestQuote returns a REST snapshot quote
	GetLatestQuote(ctx context.Context, symbol string) (*Quote, error)

	// GetBars returns daily historical bars, oldest first
	GetBars(ctx context.Context, symbol string, lookback int, asOf time.Time) ([]Bar, error)

	// GetClock returns the broker's market calendar state
	GetClock(ctx context.Context) (*MarketClock, error)
}

// TradeStream is a long-lived subscription to order state transitions.
// One stream per process; the execution monitor demultiplexes updates
// per order ID.
type TradeStream interface {
	// Connect establishes the stream; reconnection is handled
	// internally with backoff.
	Connect(ctx context.Context) error

	// Updates yields trade updates in causal order per order ID.
	// The channel closes when the stream is closed.
	Updates() <-chan TradeUpdate

	// Connected reports whether the stream is currently live
	Connected() bool

	// Close tears down the stream and closes Updates
	Close() error
}

// MarketStream is a long-lived quote subscription feeding the quote cache
type MarketStream interface {
	Connect(ctx context.Context) error

	// Subscribe adds symbols to the live feed
	Subscribe(ctx context.Context, symbols ...string) error

	// Unsubscribe removes symbols from the live feed
	Unsubscribe(ctx context.Context, symbols ...string) error

	// Quotes yields streamed quotes. The channel closes on Close.
	Quotes() <-chan Quote

	Connected() bool
	Close() error
}

// MarketData is the market-data port strategy evaluators read from
type MarketData interface {
	// DailyBars returns up to lookback daily bars ending at asOf,
	// oldest first.
	DailyBars(ctx context.Context, symbol string, lookback int, asOf time.Time) ([]Bar, error)
}

// StrategyEvaluator is the port for one strategy: a pure function from
// market data and a timestamp to target weights. The DSL engine behind
// it is external; built-in evaluators implement the same port.
type StrategyEvaluator interface {
	// StrategyID identifies the strategy in allocations and attribution
	StrategyID() string

	// Universe returns the symbols the strategy considers
	Universe() []string

	// Evaluate produces target weights per symbol at asOf. Weights are
	// non-negative; the caller normalizes and applies the dust filter.
	Evaluate(ctx context.Context, data MarketData, asOf time.Time) (map[string]decimal.Decimal, error)
}
