package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunRecord is the durable coordination record for one execution run.
// It is created once by the portfolio stage and mutated monotonically
// by execution workers through atomic conditional updates; all
// inter-worker coordination goes through this record.
type RunRecord struct {
	RunID           string          `json:"run_id"`
	PlanID          string          `json:"plan_id"`
	CorrelationID   string          `json:"correlation_id"`
	Status          RunStatus       `json:"status"`
	TotalTrades     int             `json:"total_trades"`
	CompletedTrades int             `json:"completed_trades"`
	SucceededTrades int             `json:"succeeded_trades"`
	FailedTrades    int             `json:"failed_trades"`
	PendingTradeIDs []string        `json:"pending_trade_ids"`
	RunningTradeIDs []string        `json:"running_trade_ids"`
	CompletedIDs    []string        `json:"completed_trade_ids"`
	FailedIDs       []string        `json:"failed_trade_ids"`
	DayTradedValue  decimal.Decimal `json:"day_traded_value"`
	CompletionPub   bool            `json:"completion_published_flag"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// SetSizesConsistent reports whether the four trade-id sets partition
// the run's trades: |pending|+|running|+|completed|+|failed| == total.
func (r *RunRecord) SetSizesConsistent() bool {
	return len(r.PendingTradeIDs)+len(r.RunningTradeIDs)+len(r.CompletedIDs)+len(r.FailedIDs) == r.TotalTrades
}

// AllTradesTerminal reports whether every trade of the run has reached
// a terminal state.
func (r *RunRecord) AllTradesTerminal() bool {
	return r.CompletedTrades == r.TotalTrades
}

// TerminalStatus derives the final run status from the counters:
// COMPLETED when everything succeeded, COMPLETED_WITH_ERRORS on a mix.
// FAILED is reserved for global gates and is set explicitly.
func (r *RunRecord) TerminalStatus() RunStatus {
	if r.FailedTrades > 0 {
		return RunCompletedWithErrors
	}
	return RunCompleted
}

// TradeStatus is the per-trade child record of a run
type TradeStatus struct {
	RunID       string      `json:"run_id"`
	TradeID     string      `json:"trade_id"`
	Symbol      string      `json:"symbol"`
	Action      TradeAction `json:"action"`
	Phase       TradePhase  `json:"phase"`
	Status      TradeState  `json:"status"`
	OrderID     string      `json:"order_id,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// RunRecordTTL is how long run records are retained after completion
const RunRecordTTL = 30 * 24 * time.Hour
