package runstate

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/domain"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// Single connection keeps the in-memory database alive and shared
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE runs (
			run_id               TEXT PRIMARY KEY,
			plan_id              TEXT NOT NULL,
			correlation_id       TEXT NOT NULL,
			status               TEXT NOT NULL DEFAULT 'PENDING',
			total_trades         INTEGER NOT NULL,
			completed_trades     INTEGER NOT NULL DEFAULT 0,
			succeeded_trades     INTEGER NOT NULL DEFAULT 0,
			failed_trades        INTEGER NOT NULL DEFAULT 0,
			day_traded_micros    INTEGER NOT NULL DEFAULT 0,
			completion_published INTEGER NOT NULL DEFAULT 0,
			created_at           TEXT NOT NULL,
			completed_at         TEXT,
			expires_at           TEXT NOT NULL
		);
		CREATE TABLE run_trades (
			run_id       TEXT NOT NULL,
			trade_id     TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			action       TEXT NOT NULL,
			phase        TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'PENDING',
			order_id     TEXT,
			error        TEXT,
			started_at   TEXT,
			completed_at TEXT,
			PRIMARY KEY (run_id, trade_id)
		);
	`)
	require.NoError(t, err)

	return NewStore(db, zerolog.New(nil).Level(zerolog.Disabled))
}

func seedRun(t *testing.T, store *Store, runID string, tradeIDs ...string) {
	t.Helper()

	trades := make([]domain.TradeStatus, 0, len(tradeIDs))
	for i, id := range tradeIDs {
		action := domain.ActionSell
		phase := domain.PhaseSell
		if i%2 == 1 {
			action = domain.ActionBuy
			phase = domain.PhaseBuy
		}
		trades = append(trades, domain.TradeStatus{
			TradeID: id,
			Symbol:  "AAPL",
			Action:  action,
			Phase:   phase,
		})
	}
	err := store.CreateRun(context.Background(), domain.RunRecord{
		RunID:         runID,
		PlanID:        "plan-1",
		CorrelationID: "corr-1",
	}, trades)
	require.NoError(t, err)
}

func TestCreateRun_InitializesPendingSet(t *testing.T) {
	store := setupStore(t)
	seedRun(t, store, "run-1", "t1", "t2", "t3")

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)

	assert.Equal(t, domain.RunPending, run.Status)
	assert.Equal(t, 3, run.TotalTrades)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, run.PendingTradeIDs)
	assert.Empty(t, run.RunningTradeIDs)
	assert.True(t, run.SetSizesConsistent())
	assert.True(t, run.DayTradedValue.IsZero())
	assert.False(t, run.CompletionPub)
	assert.WithinDuration(t, run.CreatedAt.Add(domain.RunRecordTTL), run.ExpiresAt, time.Second)
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestMarkStarted_TransitionsTradeAndRun(t *testing.T) {
	store := setupStore(t)
	seedRun(t, store, "run-1", "t1", "t2")

	err := store.MarkStarted(context.Background(), "run-1", "t1")
	require.NoError(t, err)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)
	assert.Equal(t, []string{"t2"}, run.PendingTradeIDs)
	assert.Equal(t, []string{"t1"}, run.RunningTradeIDs)
	assert.True(t, run.SetSizesConsistent())

	// Second start of the same trade is a conflict, not a silent no-op
	err = store.MarkStarted(context.Background(), "run-1", "t1")
	assert.ErrorIs(t, err, domain.ErrCASConflict)
}

func TestMarkCompleted_MovesTradeToTerminalSet(t *testing.T) {
	store := setupStore(t)
	seedRun(t, store, "run-1", "t1", "t2")

	require.NoError(t, store.MarkStarted(context.Background(), "run-1", "t1"))
	require.NoError(t, store.MarkCompleted(context.Background(), "run-1", "t1", true, "ord-1", ""))

	require.NoError(t, store.MarkStarted(context.Background(), "run-1", "t2"))
	require.NoError(t, store.MarkCompleted(context.Background(), "run-1", "t2", false, "", "rejected"))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, run.CompletedTrades)
	assert.Equal(t, 1, run.SucceededTrades)
	assert.Equal(t, 1, run.FailedTrades)
	assert.Equal(t, []string{"t1"}, run.CompletedIDs)
	assert.Equal(t, []string{"t2"}, run.FailedIDs)
	assert.True(t, run.SetSizesConsistent())
	assert.True(t, run.AllTradesTerminal())
	assert.Equal(t, domain.RunCompletedWithErrors, run.TerminalStatus())

	trade, err := store.GetTrade(context.Background(), "run-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TradeCompleted, trade.Status)
	assert.Equal(t, "ord-1", trade.OrderID)
	assert.NotNil(t, trade.CompletedAt)

	// Marking an already terminal trade is a conflict
	err = store.MarkCompleted(context.Background(), "run-1", "t1", true, "ord-9", "")
	assert.ErrorIs(t, err, domain.ErrCASConflict)
}

func TestAddDayTradedValue_EnforcesCapInclusively(t *testing.T) {
	store := setupStore(t)
	seedRun(t, store, "run-1", "t1")
	ctx := context.Background()
	cap := decimal.NewFromInt(500000)

	// Three 150k trades fit under the cap
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AddDayTradedValue(ctx, "run-1", decimal.NewFromInt(150000), cap))
	}

	// The fourth would reach 600k and is rejected
	err := store.AddDayTradedValue(ctx, "run-1", decimal.NewFromInt(150000), cap)
	assert.ErrorIs(t, err, domain.ErrDailyLimitExceeded)
	assert.ErrorIs(t, err, domain.ErrGating)

	// Landing exactly on the cap is admitted
	require.NoError(t, store.AddDayTradedValue(ctx, "run-1", decimal.NewFromInt(50000), cap))

	val, err := store.GetDailyTradedValue(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, val.Equal(cap), "got %s", val)

	// Cap reached: nothing more fits
	err = store.AddDayTradedValue(ctx, "run-1", decimal.NewFromInt(1), cap)
	assert.ErrorIs(t, err, domain.ErrDailyLimitExceeded)
}

func TestAddDayTradedValue_UsesAbsoluteValue(t *testing.T) {
	store := setupStore(t)
	seedRun(t, store, "run-1", "t1")
	ctx := context.Background()

	// SELL amounts are negative; the gate accumulates |amount|
	require.NoError(t, store.AddDayTradedValue(ctx, "run-1", decimal.NewFromInt(-20000), decimal.NewFromInt(500000)))

	val, err := store.GetDailyTradedValue(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, val.Equal(decimal.NewFromInt(20000)))
}

func TestTryClaimCompletion_ExactlyOnce(t *testing.T) {
	store := setupStore(t)
	seedRun(t, store, "run-1", "t1")
	ctx := context.Background()

	won, err := store.TryClaimCompletion(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.TryClaimCompletion(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestTryClaimCompletion_ConcurrentWorkers(t *testing.T) {
	store := setupStore(t)
	seedRun(t, store, "run-1", "t1")

	const workers = 8
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.TryClaimCompletion(context.Background(), "run-1")
			if err != nil {
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins, "exactly one worker must win the completion CAS")
}

func TestSetRunStatus_RecordsCompletionTime(t *testing.T) {
	store := setupStore(t)
	seedRun(t, store, "run-1", "t1")
	ctx := context.Background()

	require.NoError(t, store.SetRunStatus(ctx, "run-1", domain.RunCompleted))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)

	err = store.SetRunStatus(ctx, "missing", domain.RunFailed)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestDeleteExpired_SweepsOldRuns(t *testing.T) {
	store := setupStore(t)
	seedRun(t, store, "run-old", "t1")
	seedRun(t, store, "run-new", "t2")

	// Backdate one run past its TTL
	_, err := store.db.Exec(`UPDATE runs SET expires_at = ? WHERE run_id = 'run-old'`,
		time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano))
	require.NoError(t, err)

	deleted, err := store.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetRun(context.Background(), "run-old")
	assert.True(t, errors.Is(err, domain.ErrRunNotFound))
	_, err = store.GetRun(context.Background(), "run-new")
	assert.NoError(t, err)
}

func TestListTrades_SellsBeforeBuys(t *testing.T) {
	store := setupStore(t)
	// seedRun alternates SELL/BUY starting with SELL
	seedRun(t, store, "run-1", "t1", "t2", "t3", "t4")

	trades, err := store.ListTrades(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, trades, 4)
	assert.Equal(t, domain.PhaseSell, trades[0].Phase)
	assert.Equal(t, domain.PhaseSell, trades[1].Phase)
	assert.Equal(t, domain.PhaseBuy, trades[2].Phase)
	assert.Equal(t, domain.PhaseBuy, trades[3].Phase)
}
