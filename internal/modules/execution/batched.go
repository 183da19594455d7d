package execution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
)

const settlementPollInterval = 500 * time.Millisecond

var settlementProceedsRatio = decimal.NewFromFloat(0.95)

// ExecutePlan runs an entire rebalance plan in one invocation: the SELL
// phase, a settlement wait for the released buying power, then the BUY
// phase. Per-trade semantics are identical to sharded execution; a
// redelivered plan resumes where it stopped via the idempotency gate.
func (e *Engine) ExecutePlan(ctx context.Context, plan *domain.RebalancePlan, runID, causationID string) error {
	trades, err := e.runs.ListTrades(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list trades for run %s: %w", runID, err)
	}
	if len(trades) == 0 {
		return fmt.Errorf("%w: run %s has no trades", domain.ErrValidation, runID)
	}

	itemBySymbol := make(map[string]domain.PlanItem, len(plan.Items))
	for _, item := range plan.Items {
		itemBySymbol[item.Symbol] = item
	}

	log := e.log.With().Str("run_id", runID).Str("plan_id", plan.PlanID).Logger()

	baseline, err := e.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("failed to read account before SELL phase: %w", err)
	}

	var sells, buys []domain.TradeMessage
	for _, t := range trades {
		item, ok := itemBySymbol[t.Symbol]
		if !ok {
			return fmt.Errorf("%w: run trade %s has no plan item for %s", domain.ErrValidation, t.TradeID, t.Symbol)
		}
		msg := tradeMessageFromPlan(plan, item, runID, t.TradeID, causationID)
		if t.Phase == domain.PhaseSell {
			sells = append(sells, msg)
		} else {
			buys = append(buys, msg)
		}
	}
	// The run store returns trades grouped by phase but not ordered
	// within it; execute each phase in sequence order, matching the
	// order the sharded dispatcher publishes.
	sortBySequence(sells)
	sortBySequence(buys)

	proceeds := decimal.Zero
	for _, msg := range sells {
		result, err := e.ExecuteTradeMessage(ctx, msg, causationID)
		if err != nil {
			return fmt.Errorf("SELL phase interrupted at %s: %w", msg.Symbol, err)
		}
		if result.Success {
			proceeds = proceeds.Add(result.VWAP.Mul(result.FilledQty))
		}
	}

	if len(buys) > 0 && proceeds.IsPositive() {
		e.awaitSettlement(ctx, baseline.BuyingPower, proceeds, log)
	}

	for _, msg := range buys {
		result, err := e.ExecuteTradeMessage(ctx, msg, causationID)
		if err != nil {
			return fmt.Errorf("BUY phase interrupted at %s: %w", msg.Symbol, err)
		}
		if !result.Success {
			log.Warn().Str("symbol", msg.Symbol).Str("error", result.Error).Msg("Buy did not complete")
		}
	}
	return nil
}

func sortBySequence(msgs []domain.TradeMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SequenceNumber != msgs[j].SequenceNumber {
			return msgs[i].SequenceNumber < msgs[j].SequenceNumber
		}
		return msgs[i].Symbol < msgs[j].Symbol
	})
}

// tradeMessageFromPlan rebuilds the per-trade instruction the sharded
// mode would have carried on the bus, reusing the trade IDs the run
// record was created with.
func tradeMessageFromPlan(plan *domain.RebalancePlan, item domain.PlanItem, runID, tradeID, causationID string) domain.TradeMessage {
	phase := item.Phase()
	return domain.TradeMessage{
		RunID:               runID,
		TradeID:             tradeID,
		PlanID:              plan.PlanID,
		CorrelationID:       plan.CorrelationID,
		CausationID:         causationID,
		Symbol:              item.Symbol,
		Action:              item.Action,
		TradeAmount:         item.TradeAmount,
		Phase:               phase,
		SequenceNumber:      domain.SequenceNumber(phase, item.Priority),
		Priority:            item.Priority,
		TotalPortfolioValue: plan.TotalPortfolioValue,
		RunTimestamp:        plan.Timestamp,
		Metadata:            plan.Metadata,
		SchemaVersion:       domain.SchemaVersion,
	}
}

// awaitSettlement blocks until the broker's reported buying power
// reflects at least 95% of the sell proceeds, or the settlement timeout
// lapses; on timeout the BUY phase proceeds with whatever is available.
func (e *Engine) awaitSettlement(ctx context.Context, baseline, proceeds decimal.Decimal, log zerolog.Logger) {
	threshold := proceeds.Mul(settlementProceedsRatio)
	deadline := time.Now().Add(e.cfg.SettlementTimeout)

	for {
		account, err := e.broker.GetAccount(ctx)
		if err == nil && account.BuyingPower.Sub(baseline).GreaterThanOrEqual(threshold) {
			log.Debug().
				Str("buying_power", account.BuyingPower.String()).
				Str("proceeds", proceeds.String()).
				Msg("Sell proceeds settled")
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("Account read failed during settlement wait")
		}
		if time.Now().After(deadline) {
			log.Warn().
				Str("expected_proceeds", proceeds.String()).
				Dur("waited", e.cfg.SettlementTimeout).
				Msg("Settlement timeout, proceeding with current buying power")
			return
		}
		if err := sleepCtx(ctx, settlementPollInterval); err != nil {
			return
		}
	}
}
