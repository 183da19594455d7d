package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/domain"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE trade_ledger (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id             TEXT NOT NULL,
			run_id               TEXT NOT NULL,
			correlation_id       TEXT NOT NULL,
			order_id             TEXT,
			symbol               TEXT NOT NULL,
			side                 TEXT NOT NULL,
			requested_qty        TEXT NOT NULL,
			filled_qty           TEXT NOT NULL,
			avg_price            TEXT NOT NULL,
			status               TEXT NOT NULL,
			attempt_count        INTEGER NOT NULL DEFAULT 1,
			submission_strategy  TEXT NOT NULL,
			strategy_attribution TEXT,
			submitted_at         TEXT NOT NULL,
			terminal_at          TEXT,
			created_at           TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)
	`)
	require.NoError(t, err)

	return NewRepository(db, zerolog.New(nil).Level(zerolog.Disabled))
}

func TestAppend_PreservesDecimalPrecision(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	qty := decimal.RequireFromString("133.333333")
	price := decimal.RequireFromString("150.075")
	terminal := time.Now().UTC()

	err := repo.Append(ctx, Entry{
		TradeID:            "t1",
		RunID:              "run-1",
		CorrelationID:      "corr-1",
		OrderID:            "ord-1",
		Symbol:             "AAPL",
		Side:               domain.SideBuy,
		RequestedQty:       qty,
		FilledQty:          qty,
		AvgPrice:           price,
		Status:             domain.OrderFilled,
		AttemptCount:       1,
		SubmissionStrategy: domain.SubmitLimit,
		SubmittedAt:        time.Now().UTC(),
		TerminalAt:         &terminal,
	})
	require.NoError(t, err)

	entries, err := repo.ListByTrade(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.True(t, entries[0].RequestedQty.Equal(qty), "got %s", entries[0].RequestedQty)
	assert.True(t, entries[0].AvgPrice.Equal(price), "got %s", entries[0].AvgPrice)
	assert.Equal(t, domain.OrderFilled, entries[0].Status)
	assert.NotNil(t, entries[0].TerminalAt)
}

func TestAppend_RepegAttemptsShareTradeID(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		err := repo.Append(ctx, Entry{
			TradeID:            "t1",
			RunID:              "run-1",
			CorrelationID:      "corr-1",
			OrderID:            "ord-" + string(rune('0'+attempt)),
			Symbol:             "AAPL",
			Side:               domain.SideBuy,
			RequestedQty:       decimal.NewFromInt(100),
			FilledQty:          decimal.NewFromInt(40 * int64(attempt)),
			AvgPrice:           decimal.RequireFromString("150.10"),
			Status:             domain.OrderCanceled,
			AttemptCount:       attempt,
			SubmissionStrategy: domain.SubmitLimit,
			SubmittedAt:        time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	entries, err := repo.ListByTrade(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].AttemptCount)
	assert.Equal(t, 2, entries[1].AttemptCount)
	assert.NotEqual(t, entries[0].OrderID, entries[1].OrderID)
}

func TestAppend_RejectsMissingFields(t *testing.T) {
	repo := setupRepo(t)

	err := repo.Append(context.Background(), Entry{Symbol: "AAPL"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestListByRun(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, repo.Append(ctx, Entry{
			TradeID:            id,
			RunID:              "run-1",
			CorrelationID:      "corr-1",
			Symbol:             "MSFT",
			Side:               domain.SideSell,
			RequestedQty:       decimal.NewFromInt(10),
			FilledQty:          decimal.NewFromInt(10),
			AvgPrice:           decimal.NewFromInt(400),
			Status:             domain.OrderFilled,
			AttemptCount:       1,
			SubmissionStrategy: domain.SubmitMarket,
			SubmittedAt:        time.Now().UTC(),
		}))
	}

	entries, err := repo.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = repo.ListByRun(ctx, "run-other")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
