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

func TestAwaitTerminal_ReplaysFillsFromBeforeWatch(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	f.pushQuote("AAPL", 100.00, 100.00)

	// The simulator fills market orders synchronously inside
	// SubmitOrder, before any watcher exists; the parked update must
	// reach AwaitTerminal anyway.
	qty := decimal.NewFromInt(5)
	order, err := f.sim.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeMarket,
		Quantity:    &qty,
		TimeInForce: "day",
	})
	require.NoError(t, err)

	final, err := f.engine.monitor.AwaitTerminal(ctx, order.OrderID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, final.Status)
	assert.True(t, final.FilledQty.Equal(qty), "got %s", final.FilledQty)
}

func TestAwaitTerminal_TimeoutReturnsLiveOrder(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	f.pushQuote("AAPL", 100.00, 100.10)

	// A limit below the ask rests; the await must come back with the
	// order still open rather than block.
	qty := decimal.NewFromInt(5)
	limit := decimal.NewFromFloat(99.50)
	order, err := f.sim.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeLimit,
		Quantity:    &qty,
		LimitPrice:  &limit,
		TimeInForce: "day",
	})
	require.NoError(t, err)

	final, err := f.engine.monitor.AwaitTerminal(ctx, order.OrderID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, final.Status.IsTerminal())
	assert.True(t, final.FilledQty.IsZero())
}

func TestAwaitTerminal_SeesCrossingFill(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)
	ctx := context.Background()

	f.pushQuote("AAPL", 100.00, 100.10)

	qty := decimal.NewFromInt(5)
	limit := decimal.NewFromFloat(100.05)
	order, err := f.sim.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeLimit,
		Quantity:    &qty,
		LimitPrice:  &limit,
		TimeInForce: "day",
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Ask drops through the limit while the worker is waiting
		time.Sleep(20 * time.Millisecond)
		f.pushQuote("AAPL", 99.90, 100.00)
	}()

	final, err := f.engine.monitor.AwaitTerminal(ctx, order.OrderID, 2*time.Second)
	<-done
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, final.Status)
	assert.True(t, final.AvgFillPrice.Equal(decimal.NewFromInt(100)), "got %s", final.AvgFillPrice)
}

func TestAwaitTerminal_CanceledContext(t *testing.T) {
	f := newFixture(t, testConfig(), 100000)

	f.pushQuote("AAPL", 100.00, 100.10)
	qty := decimal.NewFromInt(5)
	limit := decimal.NewFromFloat(99.50)
	order, err := f.sim.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeLimit,
		Quantity:    &qty,
		LimitPrice:  &limit,
		TimeInForce: "day",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.engine.monitor.AwaitTerminal(ctx, order.OrderID, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
