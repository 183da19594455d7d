package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/domain"
)

func TestBuy_RepegsThenMarketFallback(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	// Ask stays above the pegged limit (100.00 + 0.75*0.10 -> 100.08),
	// so every limit attempt rests until it is canceled at the phase
	// timeout and the remainder goes to market.
	f.pushQuote("AAPL", 100.00, 100.10)
	f.runs.create("run-1", pendingTrade("t1", "AAPL", domain.ActionBuy))

	result, err := f.engine.ExecuteTradeMessage(ctx, tradeMsg("run-1", "t1", "AAPL", domain.ActionBuy, 1000), "cause-1")
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts, "two limit attempts plus the market fallback")
	assert.True(t, result.FilledQty.Equal(decimal.RequireFromString("9.990009")),
		"got %s", result.FilledQty)
	assert.True(t, result.VWAP.Equal(decimal.RequireFromString("100.1")), "got %s", result.VWAP)

	entries := f.ledger.all()
	require.Len(t, entries, 3)
	assert.Equal(t, domain.SubmitLimit, entries[0].SubmissionStrategy)
	assert.Equal(t, domain.SubmitLimit, entries[1].SubmissionStrategy)
	assert.Equal(t, domain.SubmitMarket, entries[2].SubmissionStrategy)
	assert.Equal(t, domain.OrderFilled, entries[2].Status)

	trade, err := f.runs.GetTrade(ctx, "run-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCompleted, trade.Status)
}

func TestBuy_MarketableLimitFillsFirstAttempt(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	// Zero spread pegs the limit exactly at the ask, so the first
	// attempt fills immediately.
	f.pushQuote("AAPL", 100.00, 100.00)
	f.runs.create("run-1", pendingTrade("t1", "AAPL", domain.ActionBuy))

	result, err := f.engine.ExecuteTradeMessage(ctx, tradeMsg("run-1", "t1", "AAPL", domain.ActionBuy, 1000), "cause-1")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, result.FilledQty.Equal(decimal.NewFromInt(10)), "got %s", result.FilledQty)
	assert.True(t, result.VWAP.Equal(decimal.NewFromInt(100)), "got %s", result.VWAP)

	entries := f.ledger.all()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SubmitLimit, entries[0].SubmissionStrategy)
	assert.Equal(t, domain.OrderFilled, entries[0].Status)
}

func TestSell_ResidueRoutesToLiquidation(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	f.pushQuote("MSFT", 200.00, 200.00)
	f.seedPosition(t, "MSFT", 10)
	f.runs.create("run-1", pendingTrade("t1", "MSFT", domain.ActionSell))

	// Selling 1990 of a 2000 position leaves a 10-dollar residue, under
	// the 1% close-position threshold: the whole position liquidates.
	result, err := f.engine.ExecuteTradeMessage(ctx, tradeMsg("run-1", "t1", "MSFT", domain.ActionSell, 1990), "cause-1")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, result.FilledQty.Equal(decimal.NewFromInt(10)), "got %s", result.FilledQty)

	entries := f.ledger.all()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SubmitLiquidate, entries[0].SubmissionStrategy)

	positions, err := f.sim.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions, "position should be fully closed")
}

func TestSell_PartialUsesPeggedLimit(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	f.pushQuote("MSFT", 200.00, 200.00)
	f.seedPosition(t, "MSFT", 10)
	f.runs.create("run-1", pendingTrade("t1", "MSFT", domain.ActionSell))

	result, err := f.engine.ExecuteTradeMessage(ctx, tradeMsg("run-1", "t1", "MSFT", domain.ActionSell, 1000), "cause-1")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.FilledQty.Equal(decimal.NewFromInt(5)), "got %s", result.FilledQty)

	entries := f.ledger.all()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SubmitLimit, entries[0].SubmissionStrategy)

	positions, err := f.sim.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(5)), "got %s", positions[0].Quantity)
}

func TestSell_FlatPositionFailsTerminally(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	f.pushQuote("MSFT", 200.00, 200.00)
	f.runs.create("run-1", pendingTrade("t1", "MSFT", domain.ActionSell))

	result, err := f.engine.ExecuteTradeMessage(ctx, tradeMsg("run-1", "t1", "MSFT", domain.ActionSell, 1000), "cause-1")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no position")

	trade, err := f.runs.GetTrade(ctx, "run-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeFailed, trade.Status)
}

func TestWorkerDeadline_LeavesTradeRunning(t *testing.T) {
	cfg := testConfig()
	cfg.SafetyMargin = time.Hour
	f := newFixture(t, cfg, 100000)

	f.pushQuote("AAPL", 100.00, 100.00)
	f.runs.create("run-1", pendingTrade("t1", "AAPL", domain.ActionBuy))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := f.engine.ExecuteTradeMessage(ctx, tradeMsg("run-1", "t1", "AAPL", domain.ActionBuy, 1000), "cause-1")
	require.Error(t, err)
	assert.Nil(t, result)

	// The trade stays RUNNING so the next delivery resumes it
	trade, gerr := f.runs.GetTrade(context.Background(), "run-1", "t1")
	require.NoError(t, gerr)
	assert.Equal(t, domain.TradeRunning, trade.Status)
	assert.Empty(t, f.bus.published)
}
