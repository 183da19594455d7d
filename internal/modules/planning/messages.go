package planning

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/helmsman/internal/domain"
)

// BuildTradeMessages lifts each non-HOLD plan item into a trade
// message for sharded dispatch. Messages are ordered by sequence
// number (all SELLs before all BUYs, most urgent first), tie-broken
// lexicographically by symbol.
func BuildTradeMessages(plan *domain.RebalancePlan, runID, causationID string, runTimestamp time.Time) []domain.TradeMessage {
	tradable := plan.TradableItems()
	messages := make([]domain.TradeMessage, 0, len(tradable))
	for _, item := range tradable {
		phase := item.Phase()
		messages = append(messages, domain.TradeMessage{
			RunID:               runID,
			TradeID:             uuid.New().String(),
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
			RunTimestamp:        runTimestamp,
			Metadata:            plan.Metadata,
			SchemaVersion:       domain.SchemaVersion,
		})
	}

	sort.Slice(messages, func(i, j int) bool {
		if messages[i].SequenceNumber != messages[j].SequenceNumber {
			return messages[i].SequenceNumber < messages[j].SequenceNumber
		}
		return messages[i].Symbol < messages[j].Symbol
	})
	return messages
}

// BuildRunRecord creates the coordination record for a run: status
// PENDING with every trade in the pending set.
func BuildRunRecord(plan *domain.RebalancePlan, runID string, messages []domain.TradeMessage, now time.Time) (domain.RunRecord, []domain.TradeStatus) {
	pending := make([]string, 0, len(messages))
	trades := make([]domain.TradeStatus, 0, len(messages))
	for _, m := range messages {
		pending = append(pending, m.TradeID)
		trades = append(trades, domain.TradeStatus{
			RunID:   runID,
			TradeID: m.TradeID,
			Symbol:  m.Symbol,
			Action:  m.Action,
			Phase:   m.Phase,
			Status:  domain.TradePending,
		})
	}

	run := domain.RunRecord{
		RunID:           runID,
		PlanID:          plan.PlanID,
		CorrelationID:   plan.CorrelationID,
		Status:          domain.RunPending,
		TotalTrades:     len(messages),
		PendingTradeIDs: pending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(domain.RunRecordTTL),
	}
	return run, trades
}
