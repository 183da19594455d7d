// Package planning computes the rebalance plan: the BUY/SELL/HOLD
// trades that move the account from its current holdings to the
// consolidated target weights.
package planning

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
)

// Priority thresholds on the absolute weight difference
var (
	priorityLargeDiff    = decimal.NewFromFloat(0.05)
	priorityModerateDiff = decimal.NewFromFloat(0.02)
	prioritySmallDiff    = decimal.NewFromFloat(0.01)
)

// Planner turns a consolidated portfolio and an account snapshot into
// a rebalance plan. Planning is pure arithmetic: the same inputs
// always produce the same items.
type Planner struct {
	minTradeAmount decimal.Decimal
	cashReservePct decimal.Decimal
	minCashReserve decimal.Decimal
	log            zerolog.Logger
}

// NewPlanner creates a planner with the configured thresholds
func NewPlanner(minTradeAmount, cashReservePct, minCashReserve decimal.Decimal, log zerolog.Logger) *Planner {
	return &Planner{
		minTradeAmount: minTradeAmount,
		cashReservePct: cashReservePct,
		minCashReserve: minCashReserve,
		log:            log.With().Str("component", "planner").Logger(),
	}
}

// BuildPlan computes the rebalance plan. causationID is the ID of the
// SignalGenerated message that triggered planning.
func (p *Planner) BuildPlan(consolidated *domain.ConsolidatedPortfolio, snapshot *domain.AccountSnapshot, causationID string) (*domain.RebalancePlan, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("%w: no account snapshot", domain.ErrInsufficientData)
	}
	if err := consolidated.Validate(); err != nil {
		return nil, fmt.Errorf("%w: consolidated portfolio: %v", domain.ErrPlanning, err)
	}
	portfolioValue := snapshot.PortfolioValue
	if !portfolioValue.IsPositive() {
		return nil, fmt.Errorf("%w: portfolio value %s not positive", domain.ErrInsufficientData, portfolioValue)
	}

	// The plan covers the union of target symbols and current holdings:
	// held symbols absent from the target are full exits.
	universe := make(map[string]bool, len(consolidated.Weights))
	for symbol := range consolidated.Weights {
		universe[symbol] = true
	}
	for i := range snapshot.Positions {
		universe[domain.NormalizeSymbol(snapshot.Positions[i].Symbol)] = true
	}
	symbols := make([]string, 0, len(universe))
	for symbol := range universe {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	items := make([]domain.PlanItem, 0, len(symbols))
	for _, symbol := range symbols {
		target := consolidated.Weights[symbol] // zero when absent

		currentValue := decimal.Zero
		if pos := snapshot.PositionFor(symbol); pos != nil {
			currentValue = pos.MarketValue
		}
		currentWeight := currentValue.Div(portfolioValue)
		targetValue := target.Mul(portfolioValue).Round(2)
		amount := targetValue.Sub(currentValue).Round(2)

		item := domain.PlanItem{
			Symbol:        symbol,
			CurrentWeight: currentWeight,
			TargetWeight:  target,
			WeightDiff:    target.Sub(currentWeight),
			CurrentValue:  currentValue,
			TargetValue:   targetValue,
		}
		p.classify(&item, amount)
		items = append(items, item)
	}

	items = p.applyCapitalDiscipline(items, snapshot)

	totalTradeValue := decimal.Zero
	for i := range items {
		totalTradeValue = totalTradeValue.Add(items[i].TradeAmount.Abs())
	}

	plan := &domain.RebalancePlan{
		PlanID:              uuid.New().String(),
		CorrelationID:       consolidated.CorrelationID,
		CausationID:         causationID,
		Timestamp:           time.Now().UTC(),
		Items:               items,
		TotalPortfolioValue: portfolioValue,
		TotalTradeValue:     totalTradeValue,
		Metadata: map[string]string{
			"strategy_ids": fmt.Sprintf("%v", consolidated.StrategyIDs),
		},
		SchemaVersion: domain.SchemaVersion,
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPlanning, err)
	}

	p.log.Info().
		Str("plan_id", plan.PlanID).
		Str("correlation_id", plan.CorrelationID).
		Int("items", len(items)).
		Int("tradable", len(plan.TradableItems())).
		Str("total_trade_value", totalTradeValue.String()).
		Msg("Rebalance plan built")
	return plan, nil
}

// classify sets the item's action, amount, and priority from the
// signed trade amount. Amounts at or below the dust threshold demote
// to HOLD.
func (p *Planner) classify(item *domain.PlanItem, amount decimal.Decimal) {
	if amount.Abs().LessThanOrEqual(p.minTradeAmount) {
		item.Action = domain.ActionHold
		item.TradeAmount = decimal.Zero
		item.Priority = 5
		return
	}

	item.TradeAmount = amount
	if amount.IsNegative() {
		item.Action = domain.ActionSell
	} else {
		item.Action = domain.ActionBuy
	}
	item.Priority = p.priority(item)
}

// priority ranks urgency: full exits first, then by weight change size
func (p *Planner) priority(item *domain.PlanItem) int {
	if item.Action == domain.ActionSell && item.TargetWeight.IsZero() && item.CurrentValue.IsPositive() {
		return 1
	}
	diff := item.WeightDiff.Abs()
	switch {
	case diff.GreaterThanOrEqual(priorityLargeDiff):
		return 2
	case diff.GreaterThanOrEqual(priorityModerateDiff):
		return 3
	case diff.GreaterThanOrEqual(prioritySmallDiff):
		return 4
	default:
		return 5
	}
}

// applyCapitalDiscipline scales every BUY proportionally when the buy
// total exceeds deployable capital:
// cash + sell proceeds - max(min reserve, reserve pct of portfolio).
// Scaled items falling to dust are demoted to HOLD.
func (p *Planner) applyCapitalDiscipline(items []domain.PlanItem, snapshot *domain.AccountSnapshot) []domain.PlanItem {
	buyTotal := decimal.Zero
	sellTotal := decimal.Zero
	for i := range items {
		switch items[i].Action {
		case domain.ActionBuy:
			buyTotal = buyTotal.Add(items[i].TradeAmount)
		case domain.ActionSell:
			sellTotal = sellTotal.Add(items[i].TradeAmount.Abs())
		}
	}

	reserve := p.cashReservePct.Mul(snapshot.PortfolioValue)
	if reserve.LessThan(p.minCashReserve) {
		reserve = p.minCashReserve
	}
	deployable := snapshot.Cash.Add(sellTotal).Sub(reserve)
	if deployable.IsNegative() {
		deployable = decimal.Zero
	}
	if buyTotal.LessThanOrEqual(deployable) {
		return items
	}

	scale := deployable.Div(buyTotal)
	p.log.Warn().
		Str("buy_total", buyTotal.String()).
		Str("deployable", deployable.String()).
		Str("scale", scale.String()).
		Msg("Buy total exceeds deployable capital, scaling buys")

	for i := range items {
		if items[i].Action != domain.ActionBuy {
			continue
		}
		scaled := items[i].TradeAmount.Mul(scale).Round(2)
		p.classify(&items[i], scaled)
	}
	return items
}
