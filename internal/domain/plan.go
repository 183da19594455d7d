package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PlanItem is one row of a rebalance plan covering one symbol.
// TradeAmount is signed: positive for BUY, negative for SELL, zero for HOLD.
type PlanItem struct {
	Symbol        string          `json:"symbol"`
	CurrentWeight decimal.Decimal `json:"current_weight"`
	TargetWeight  decimal.Decimal `json:"target_weight"`
	WeightDiff    decimal.Decimal `json:"weight_diff"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	TargetValue   decimal.Decimal `json:"target_value"`
	TradeAmount   decimal.Decimal `json:"trade_amount"`
	Action        TradeAction     `json:"action"`
	Priority      int             `json:"priority"`
}

// Phase derives the execution phase from the item's action.
// HOLD items have no phase and are never dispatched.
func (i *PlanItem) Phase() TradePhase {
	if i.Action == ActionSell {
		return PhaseSell
	}
	return PhaseBuy
}

// RebalancePlan is the immutable output of the portfolio stage: the
// set of trades required to move the account to the target weights.
type RebalancePlan struct {
	PlanID              string            `json:"plan_id"`
	CorrelationID       string            `json:"correlation_id"`
	CausationID         string            `json:"causation_id"`
	Timestamp           time.Time         `json:"timestamp"`
	Items               []PlanItem        `json:"items"`
	TotalPortfolioValue decimal.Decimal   `json:"total_portfolio_value"`
	TotalTradeValue     decimal.Decimal   `json:"total_trade_value"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	SchemaVersion       string            `json:"schema_version"`
}

// Validate checks the plan invariants: at least one item, non-negative
// target weights summing to at most 1 plus tolerance, and the trade
// value identity total_trade_value == sum of |trade_amount|.
func (p *RebalancePlan) Validate() error {
	if p.PlanID == "" {
		return fmt.Errorf("%w: plan_id is empty", ErrValidation)
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("%w: plan has no items", ErrValidation)
	}
	weightSum := decimal.Zero
	tradeSum := decimal.Zero
	for i := range p.Items {
		item := &p.Items[i]
		if item.Symbol == "" {
			return fmt.Errorf("%w: item %d has empty symbol", ErrValidation, i)
		}
		if !item.Action.IsValid() {
			return fmt.Errorf("%w: item %s has invalid action %q", ErrValidation, item.Symbol, item.Action)
		}
		if item.TargetWeight.IsNegative() {
			return fmt.Errorf("%w: item %s has negative target weight %s", ErrValidation, item.Symbol, item.TargetWeight)
		}
		if item.Priority < 1 || item.Priority > 5 {
			return fmt.Errorf("%w: item %s has priority %d outside [1,5]", ErrValidation, item.Symbol, item.Priority)
		}
		switch item.Action {
		case ActionBuy:
			if !item.TradeAmount.IsPositive() {
				return fmt.Errorf("%w: BUY item %s has non-positive amount %s", ErrValidation, item.Symbol, item.TradeAmount)
			}
		case ActionSell:
			if !item.TradeAmount.IsNegative() {
				return fmt.Errorf("%w: SELL item %s has non-negative amount %s", ErrValidation, item.Symbol, item.TradeAmount)
			}
		case ActionHold:
			if !item.TradeAmount.IsZero() {
				return fmt.Errorf("%w: HOLD item %s has non-zero amount %s", ErrValidation, item.Symbol, item.TradeAmount)
			}
		}
		weightSum = weightSum.Add(item.TargetWeight)
		tradeSum = tradeSum.Add(item.TradeAmount.Abs())
	}
	if weightSum.GreaterThan(decimal.NewFromInt(1).Add(WeightSumTolerance)) {
		return fmt.Errorf("%w: target weights sum to %s, exceeds 1+%s", ErrValidation, weightSum, WeightSumTolerance)
	}
	if !tradeSum.Equal(p.TotalTradeValue) {
		return fmt.Errorf("%w: total_trade_value %s != sum of |trade_amount| %s", ErrValidation, p.TotalTradeValue, tradeSum)
	}
	return nil
}

// TradableItems returns the non-HOLD items of the plan
func (p *RebalancePlan) TradableItems() []PlanItem {
	items := make([]PlanItem, 0, len(p.Items))
	for _, item := range p.Items {
		if item.Action != ActionHold {
			items = append(items, item)
		}
	}
	return items
}

// TradeMessage lifts one non-HOLD plan item into its own envelope for
// sharded execution. Messages of one run share a group key (the run ID)
// and are dispatched in sequence-number order.
type TradeMessage struct {
	RunID               string            `json:"run_id"`
	TradeID             string            `json:"trade_id"`
	PlanID              string            `json:"plan_id"`
	CorrelationID       string            `json:"correlation_id"`
	CausationID         string            `json:"causation_id"`
	Symbol              string            `json:"symbol"`
	Action              TradeAction       `json:"action"`
	TradeAmount         decimal.Decimal   `json:"trade_amount"`
	Phase               TradePhase        `json:"phase"`
	SequenceNumber      int               `json:"sequence_number"`
	Priority            int               `json:"priority"`
	TotalPortfolioValue decimal.Decimal   `json:"total_portfolio_value"`
	RunTimestamp        time.Time         `json:"run_timestamp"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	SchemaVersion       string            `json:"schema_version"`
}

// Validate checks the structural invariants of a trade message
func (m *TradeMessage) Validate() error {
	if m.RunID == "" || m.TradeID == "" {
		return fmt.Errorf("%w: trade message missing run_id or trade_id", ErrValidation)
	}
	if m.Symbol == "" {
		return fmt.Errorf("%w: trade message has empty symbol", ErrValidation)
	}
	if m.Action != ActionBuy && m.Action != ActionSell {
		return fmt.Errorf("%w: trade message action %q, want BUY or SELL", ErrValidation, m.Action)
	}
	if m.TradeAmount.IsZero() {
		return fmt.Errorf("%w: trade message has zero amount", ErrValidation)
	}
	if m.Phase != PhaseSell && m.Phase != PhaseBuy {
		return fmt.Errorf("%w: trade message phase %q invalid", ErrValidation, m.Phase)
	}
	if want := SequenceNumber(m.Phase, m.Priority); m.SequenceNumber != want {
		return fmt.Errorf("%w: sequence_number %d does not match phase/priority (want %d)", ErrValidation, m.SequenceNumber, want)
	}
	return nil
}
