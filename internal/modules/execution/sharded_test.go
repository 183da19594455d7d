package execution

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
)

func tradeEnvelope(msg domain.TradeMessage) *events.Envelope {
	return events.NewEnvelope(msg.CorrelationID, msg.CausationID, &events.TradeMessageData{Trade: msg}).
		WithGroup(msg.RunID, msg.TradeID)
}

func TestHandleTradeMessage_BuyWaitsForSiblingSells(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	f.pushQuote("AAPL", 200.00, 200.00)
	f.pushQuote("MSFT", 100.00, 100.00)
	f.seedPosition(t, "AAPL", 10)

	f.runs.create("run-1",
		pendingTrade("t-sell", "AAPL", domain.ActionSell),
		pendingTrade("t-buy", "MSFT", domain.ActionBuy),
	)

	sellMsg := tradeMsg("run-1", "t-sell", "AAPL", domain.ActionSell, 1000)
	buyMsg := tradeMsg("run-1", "t-buy", "MSFT", domain.ActionBuy, 500)

	// The buy delivered first must go back to the queue
	err := f.engine.HandleTradeMessage(ctx, tradeEnvelope(buyMsg))
	require.Error(t, err)
	rq, ok := events.AsRequeue(err)
	require.True(t, ok, "expected a requeue, got %v", err)
	assert.Equal(t, siblingRetryDelay, rq.Delay)

	buy, err := f.runs.GetTrade(ctx, "run-1", "t-buy")
	require.NoError(t, err)
	assert.Equal(t, domain.TradePending, buy.Status, "deferred buy must not start")

	require.NoError(t, f.engine.HandleTradeMessage(ctx, tradeEnvelope(sellMsg)))

	require.NoError(t, f.engine.HandleTradeMessage(ctx, tradeEnvelope(buyMsg)))

	buy, err = f.runs.GetTrade(ctx, "run-1", "t-buy")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCompleted, buy.Status)

	workflows := f.bus.ofType(events.WorkflowCompleted)
	require.Len(t, workflows, 1)
	assert.Equal(t, domain.RunCompleted, workflows[0].Data.(*events.WorkflowCompletedData).Status)
}

func TestHandleTradeMessage_FailedSiblingSellStillReleasesBuys(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	f.pushQuote("MSFT", 100.00, 100.00)

	failedSell := pendingTrade("t-sell", "AAPL", domain.ActionSell)
	failedSell.Status = domain.TradeFailed
	f.runs.create("run-1",
		failedSell,
		pendingTrade("t-buy", "MSFT", domain.ActionBuy),
	)
	f.runs.runs["run-1"].CompletedTrades = 1
	f.runs.runs["run-1"].FailedTrades = 1

	// FAILED is terminal: buys proceed past a sell that will never fill
	buyMsg := tradeMsg("run-1", "t-buy", "MSFT", domain.ActionBuy, 500)
	require.NoError(t, f.engine.HandleTradeMessage(ctx, tradeEnvelope(buyMsg)))

	buy, err := f.runs.GetTrade(ctx, "run-1", "t-buy")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCompleted, buy.Status)

	workflows := f.bus.ofType(events.WorkflowCompleted)
	require.Len(t, workflows, 1)
	assert.Equal(t, domain.RunCompletedWithErrors, workflows[0].Data.(*events.WorkflowCompletedData).Status)
}

func TestHandleTradeMessage_MissingRunIsDropped(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)

	msg := tradeMsg("run-gone", "t1", "AAPL", domain.ActionBuy, 1000)
	// Acked, not redelivered: the run record is gone for good
	require.NoError(t, f.engine.HandleTradeMessage(context.Background(), tradeEnvelope(msg)))
	assert.Empty(t, f.bus.published)
}

func TestHandleTradeMessage_WrongPayloadDropped(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)

	env := events.NewEnvelope("corr-1", "cause-1", &events.WorkflowFailedData{
		ErrorKind:    "VALIDATION",
		ErrorMessage: "boom",
		FailedStage:  "planning",
	})
	require.NoError(t, f.engine.HandleTradeMessage(context.Background(), env))
	assert.Empty(t, f.bus.published)
}

func TestHandleTradeMessage_RetriesExhaustedFailTradeAndCloseRun(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)

	// No quote ever arrives, so every delivery fails retryably. Once the
	// bus budget is spent the trade must land FAILED and the run must
	// still reach a terminal status.
	f.runs.create("run-1", pendingTrade("t1", "AAPL", domain.ActionBuy))
	msg := tradeMsg("run-1", "t1", "AAPL", domain.ActionBuy, 1000)

	bus := events.NewMemoryBus(events.DeliveryConfig{
		MaxAttempts: 2,
		Backoff:     []time.Duration{time.Millisecond},
		DedupWindow: time.Minute,
	}, zerolog.New(nil).Level(zerolog.Disabled))
	t.Cleanup(func() { _ = bus.Close() })
	require.NoError(t, bus.Subscribe(events.TradeMessage, "execution", f.engine.HandleTradeMessage))

	require.NoError(t, bus.Publish(context.Background(), tradeEnvelope(msg)))

	require.Eventually(t, func() bool {
		return len(f.bus.ofType(events.WorkflowCompleted)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	trade, err := f.runs.GetTrade(context.Background(), "run-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeFailed, trade.Status)
	assert.Contains(t, trade.Error, "no quote")

	run, err := f.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompletedWithErrors, run.Status)

	workflows := f.bus.ofType(events.WorkflowCompleted)
	data := workflows[0].Data.(*events.WorkflowCompletedData)
	assert.Equal(t, domain.RunCompletedWithErrors, data.Status)
	assert.Equal(t, []string{"t1"}, data.FailedTradeIDs)
}

func TestHandleTradeMessage_PublishesCompletionMetadata(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	f.pushQuote("AAPL", 100.00, 100.00)
	f.runs.create("run-1", pendingTrade("t1", "AAPL", domain.ActionBuy))

	msg := tradeMsg("run-1", "t1", "AAPL", domain.ActionBuy, 1000)
	env := tradeEnvelope(msg)
	require.NoError(t, f.engine.HandleTradeMessage(ctx, env))

	completed := f.bus.ofType(events.TradeCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "run-1", completed[0].GroupKey)
	assert.Equal(t, "completed-t1", completed[0].DedupID)
	assert.Equal(t, "corr-1", completed[0].CorrelationID)
	assert.Equal(t, env.ID, completed[0].CausationID)

	data := completed[0].Data.(*events.TradeCompletedData)
	assert.True(t, data.Success)
	assert.True(t, data.FilledQty.Equal(decimal.NewFromInt(10)), "got %s", data.FilledQty)
	assert.True(t, data.VWAP.Equal(decimal.NewFromInt(100)), "got %s", data.VWAP)
}
