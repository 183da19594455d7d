package events

import (
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
)

// SignalGeneratedData contains data for SignalGenerated events
type SignalGeneratedData struct {
	ConsolidatedPortfolio domain.ConsolidatedPortfolio `json:"consolidated_portfolio"`
	Allocations           []domain.StrategyAllocation  `json:"allocations,omitempty"`
}

// EventType returns the event type for SignalGeneratedData
func (d *SignalGeneratedData) EventType() EventType {
	return SignalGenerated
}

// RebalancePlannedData contains data for RebalancePlanned events
type RebalancePlannedData struct {
	Plan domain.RebalancePlan `json:"rebalance_plan"`
}

// EventType returns the event type for RebalancePlannedData
func (d *RebalancePlannedData) EventType() EventType {
	return RebalancePlanned
}

// TradeMessageData contains one sharded trade instruction
type TradeMessageData struct {
	Trade domain.TradeMessage `json:"trade"`
}

// EventType returns the event type for TradeMessageData
func (d *TradeMessageData) EventType() EventType {
	return TradeMessage
}

// TradeCompletedData reports one trade reaching a terminal state
type TradeCompletedData struct {
	RunID     string          `json:"run_id"`
	TradeID   string          `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	Success   bool            `json:"success"`
	OrderID   string          `json:"order_id,omitempty"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	VWAP      decimal.Decimal `json:"vwap"`
	Error     string          `json:"error,omitempty"`
}

// EventType returns the event type for TradeCompletedData
func (d *TradeCompletedData) EventType() EventType {
	return TradeCompleted
}

// WorkflowCompletedData contains data for WorkflowCompleted events
type WorkflowCompletedData struct {
	RunID            string           `json:"run_id"`
	Status           domain.RunStatus `json:"status"`
	SucceededTrades  int              `json:"succeeded_trades"`
	FailedTrades     int              `json:"failed_trades"`
	TotalTradedValue decimal.Decimal  `json:"total_traded_value"`
	DurationMs       int64            `json:"duration_ms"`
	FailedTradeIDs   []string         `json:"failed_trade_ids,omitempty"`
}

// EventType returns the event type for WorkflowCompletedData
func (d *WorkflowCompletedData) EventType() EventType {
	return WorkflowCompleted
}

// WorkflowFailedData contains data for WorkflowFailed events
type WorkflowFailedData struct {
	RunID        string `json:"run_id,omitempty"`
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
	FailedStage  string `json:"failed_stage"`
}

// EventType returns the event type for WorkflowFailedData
func (d *WorkflowFailedData) EventType() EventType {
	return WorkflowFailed
}
