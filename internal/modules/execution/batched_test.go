package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
)

func batchedPlan() *domain.RebalancePlan {
	return &domain.RebalancePlan{
		PlanID:        "plan-1",
		CorrelationID: "corr-1",
		CausationID:   "cause-0",
		Timestamp:     time.Now().UTC(),
		Items: []domain.PlanItem{
			{
				Symbol:       "AAPL",
				TargetWeight: decimal.Zero,
				TradeAmount:  decimal.NewFromInt(-1000),
				Action:       domain.ActionSell,
				Priority:     2,
			},
			{
				Symbol:       "MSFT",
				TargetWeight: decimal.NewFromFloat(0.6),
				TradeAmount:  decimal.NewFromInt(1800),
				Action:       domain.ActionBuy,
				Priority:     2,
			},
		},
		TotalPortfolioValue: decimal.NewFromInt(3000),
		TotalTradeValue:     decimal.NewFromInt(2800),
		SchemaVersion:       domain.SchemaVersion,
	}
}

func TestExecutePlan_SellSettlesBeforeBuy(t *testing.T) {
	// Cash is deliberately short for the buy until the sell proceeds
	// land: 3000 start, 2000 spent seeding, the 1800 buy needs the
	// 1000 the sell releases.
	f := newFixture(t, testConfig(), 3000)
	ctx := context.Background()

	f.pushQuote("AAPL", 200.00, 200.00)
	f.pushQuote("MSFT", 100.00, 100.00)
	f.seedPosition(t, "AAPL", 10)

	f.runs.create("run-1",
		pendingTrade("t-sell", "AAPL", domain.ActionSell),
		pendingTrade("t-buy", "MSFT", domain.ActionBuy),
	)

	require.NoError(t, f.engine.ExecutePlan(ctx, batchedPlan(), "run-1", "cause-1"))

	positions, err := f.sim.GetPositions(ctx)
	require.NoError(t, err)
	bySymbol := make(map[string]decimal.Decimal)
	for _, p := range positions {
		bySymbol[p.Symbol] = p.Quantity
	}
	assert.True(t, bySymbol["AAPL"].Equal(decimal.NewFromInt(5)), "got %s", bySymbol["AAPL"])
	assert.True(t, bySymbol["MSFT"].Equal(decimal.NewFromInt(18)), "got %s", bySymbol["MSFT"])

	workflows := f.bus.ofType(events.WorkflowCompleted)
	require.Len(t, workflows, 1)
	wf := workflows[0].Data.(*events.WorkflowCompletedData)
	assert.Equal(t, domain.RunCompleted, wf.Status)
	assert.Equal(t, 2, wf.SucceededTrades)
}

func TestExecutePlan_ResumesAfterPartialRun(t *testing.T) {
	f := newFixture(t, testConfig(), 3000)
	ctx := context.Background()

	f.pushQuote("AAPL", 200.00, 200.00)
	f.pushQuote("MSFT", 100.00, 100.00)
	f.seedPosition(t, "AAPL", 10)

	sold := pendingTrade("t-sell", "AAPL", domain.ActionSell)
	sold.Status = domain.TradeCompleted
	sold.OrderID = "order-prev"
	f.runs.create("run-1",
		sold,
		pendingTrade("t-buy", "MSFT", domain.ActionBuy),
	)
	// The completed sell already counts toward the run
	f.runs.runs["run-1"].CompletedTrades = 1
	f.runs.runs["run-1"].SucceededTrades = 1

	// Redelivered plan: the sell replays from the stored result without
	// touching the broker; only the buy hits the market.
	require.NoError(t, f.engine.ExecutePlan(ctx, batchedPlan(), "run-1", "cause-1"))

	positions, err := f.sim.GetPositions(ctx)
	require.NoError(t, err)
	bySymbol := make(map[string]decimal.Decimal)
	for _, p := range positions {
		bySymbol[p.Symbol] = p.Quantity
	}
	assert.True(t, bySymbol["AAPL"].Equal(decimal.NewFromInt(10)), "replayed sell must not re-execute")
	assert.True(t, bySymbol["MSFT"].Equal(decimal.NewFromInt(18)), "got %s", bySymbol["MSFT"])
}

func TestExecutePlan_ExecutesPhaseInPriorityOrder(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	for _, sym := range []string{"AAPL", "MSFT", "NVDA"} {
		f.pushQuote(sym, 100.00, 100.00)
	}

	plan := &domain.RebalancePlan{
		PlanID:        "plan-1",
		CorrelationID: "corr-1",
		CausationID:   "cause-0",
		Timestamp:     time.Now().UTC(),
		Items: []domain.PlanItem{
			{Symbol: "MSFT", TargetWeight: decimal.NewFromFloat(0.3), TradeAmount: decimal.NewFromInt(1000), Action: domain.ActionBuy, Priority: 3},
			{Symbol: "AAPL", TargetWeight: decimal.NewFromFloat(0.3), TradeAmount: decimal.NewFromInt(1000), Action: domain.ActionBuy, Priority: 1},
			{Symbol: "NVDA", TargetWeight: decimal.NewFromFloat(0.3), TradeAmount: decimal.NewFromInt(1000), Action: domain.ActionBuy, Priority: 2},
		},
		TotalPortfolioValue: decimal.NewFromInt(100000),
		TotalTradeValue:     decimal.NewFromInt(3000),
		SchemaVersion:       domain.SchemaVersion,
	}

	// Stored in an order unrelated to priority: the run store does not
	// promise intra-phase ordering.
	f.runs.create("run-1",
		pendingTrade("t-msft", "MSFT", domain.ActionBuy),
		pendingTrade("t-nvda", "NVDA", domain.ActionBuy),
		pendingTrade("t-aapl", "AAPL", domain.ActionBuy),
	)

	require.NoError(t, f.engine.ExecutePlan(ctx, plan, "run-1", "cause-1"))

	var submitted []string
	for _, entry := range f.ledger.all() {
		submitted = append(submitted, entry.Symbol)
	}
	assert.Equal(t, []string{"AAPL", "NVDA", "MSFT"}, submitted,
		"buys must run lowest priority value first")
}

func TestExecutePlan_NoTradesRejected(t *testing.T) {
	f := newFixture(t, testConfig(), 3000)
	f.runs.create("run-empty")

	err := f.engine.ExecutePlan(context.Background(), batchedPlan(), "run-empty", "cause-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
