// Package runstate persists the coordination record for each execution
// run. Stateless workers share no in-process state; every inter-trade
// decision (idempotency, daily limit, completion) goes through this
// store's conditional updates.
package runstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/database"
	"github.com/quantfold/helmsman/internal/domain"
)

// Monetary values are stored as integer micro-dollars so the
// daily-limit compare-and-add stays a single conditional UPDATE.
var microsPerDollar = decimal.NewFromInt(1_000_000)

func toMicros(d decimal.Decimal) int64 {
	return d.Mul(microsPerDollar).Round(0).IntPart()
}

func fromMicros(m int64) decimal.Decimal {
	return decimal.NewFromInt(m).Div(microsPerDollar)
}

// Store is the run-state store backed by the runstate database
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a run-state store
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("repo", "runstate").Logger(),
	}
}

// CreateRun inserts the run record and its per-trade child records in
// one transaction. All trades start PENDING; total_trades is the child
// count.
func (s *Store) CreateRun(ctx context.Context, run domain.RunRecord, trades []domain.TradeStatus) error {
	if run.RunID == "" {
		return fmt.Errorf("%w: run_id is empty", domain.ErrValidation)
	}
	if len(trades) == 0 {
		return fmt.Errorf("%w: run %s has no trades", domain.ErrValidation, run.RunID)
	}

	now := time.Now().UTC()
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	expiresAt := run.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = createdAt.Add(domain.RunRecordTTL)
	}

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs
			(run_id, plan_id, correlation_id, status, total_trades, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			run.RunID,
			run.PlanID,
			run.CorrelationID,
			string(domain.RunPending),
			len(trades),
			createdAt.Format(time.RFC3339Nano),
			expiresAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		for _, t := range trades {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO run_trades (run_id, trade_id, symbol, action, phase, status)
				VALUES (?, ?, ?, ?, ?, ?)
			`,
				run.RunID, t.TradeID, t.Symbol, string(t.Action), string(t.Phase), string(domain.TradePending),
			)
			if err != nil {
				return fmt.Errorf("failed to insert trade %s: %w", t.TradeID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("run_id", run.RunID).
		Str("correlation_id", run.CorrelationID).
		Int("total_trades", len(trades)).
		Msg("Run record created")
	return nil
}

// GetRun reads the run record and derives the trade-id sets from the
// child rows.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, plan_id, correlation_id, status, total_trades,
		       completed_trades, succeeded_trades, failed_trades,
		       day_traded_micros, completion_published, created_at, completed_at, expires_at
		FROM runs WHERE run_id = ?
	`, runID)

	var r domain.RunRecord
	var dayMicros int64
	var published int
	var createdAt, expiresAt string
	var completedAt sql.NullString
	err := row.Scan(
		&r.RunID, &r.PlanID, &r.CorrelationID, &r.Status, &r.TotalTrades,
		&r.CompletedTrades, &r.SucceededTrades, &r.FailedTrades,
		&dayMicros, &published, &createdAt, &completedAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}

	r.DayTradedValue = fromMicros(dayMicros)
	r.CompletionPub = published != 0
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for run %s: %w", runID, err)
	}
	if r.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("bad expires_at for run %s: %w", runID, err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad completed_at for run %s: %w", runID, err)
		}
		r.CompletedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, status FROM run_trades WHERE run_id = ? ORDER BY trade_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read run trades for %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var tradeID string
		var status domain.TradeState
		if err := rows.Scan(&tradeID, &status); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		switch status {
		case domain.TradePending:
			r.PendingTradeIDs = append(r.PendingTradeIDs, tradeID)
		case domain.TradeRunning:
			r.RunningTradeIDs = append(r.RunningTradeIDs, tradeID)
		case domain.TradeCompleted:
			r.CompletedIDs = append(r.CompletedIDs, tradeID)
		case domain.TradeFailed:
			r.FailedIDs = append(r.FailedIDs, tradeID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trade rows: %w", err)
	}

	return &r, nil
}

// GetTrade reads one per-trade child record
func (s *Store) GetTrade(ctx context.Context, runID, tradeID string) (*domain.TradeStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, trade_id, symbol, action, phase, status, order_id, error, started_at, completed_at
		FROM run_trades WHERE run_id = ? AND trade_id = ?
	`, runID, tradeID)

	var t domain.TradeStatus
	var orderID, errMsg, startedAt, completedAt sql.NullString
	err := row.Scan(&t.RunID, &t.TradeID, &t.Symbol, &t.Action, &t.Phase, &t.Status,
		&orderID, &errMsg, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrTradeNotFound, runID, tradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trade %s/%s: %w", runID, tradeID, err)
	}

	t.OrderID = orderID.String
	t.Error = errMsg.String
	if startedAt.Valid {
		ts, err := parseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad started_at for trade %s: %w", tradeID, err)
		}
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad completed_at for trade %s: %w", tradeID, err)
		}
		t.CompletedAt = &ts
	}
	return &t, nil
}

// ListTrades returns all child records of a run, SELLs before BUYs
func (s *Store) ListTrades(ctx context.Context, runID string) ([]domain.TradeStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, trade_id, symbol, action, phase, status, order_id, error, started_at, completed_at
		FROM run_trades WHERE run_id = ?
		ORDER BY CASE phase WHEN 'SELL' THEN 0 ELSE 1 END, trade_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades for %s: %w", runID, err)
	}
	defer rows.Close()

	var trades []domain.TradeStatus
	for rows.Next() {
		var t domain.TradeStatus
		var orderID, errMsg, startedAt, completedAt sql.NullString
		if err := rows.Scan(&t.RunID, &t.TradeID, &t.Symbol, &t.Action, &t.Phase, &t.Status,
			&orderID, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.OrderID = orderID.String
		t.Error = errMsg.String
		if startedAt.Valid {
			if ts, err := parseTime(startedAt.String); err == nil {
				t.StartedAt = &ts
			}
		}
		if completedAt.Valid {
			if ts, err := parseTime(completedAt.String); err == nil {
				t.CompletedAt = &ts
			}
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// MarkStarted atomically moves a trade PENDING -> RUNNING and the run
// PENDING -> RUNNING on the first trade. A trade that is not PENDING
// is left untouched and reported as a conflict; the caller re-reads
// and lets the idempotency gate decide.
func (s *Store) MarkStarted(ctx context.Context, runID, tradeID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE run_trades SET status = ?, started_at = ?
			WHERE run_id = ? AND trade_id = ? AND status = ?
		`, string(domain.TradeRunning), now, runID, tradeID, string(domain.TradePending))
		if err != nil {
			return fmt.Errorf("failed to mark trade started: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: trade %s/%s is not PENDING", domain.ErrCASConflict, runID, tradeID)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ? WHERE run_id = ? AND status = ?
		`, string(domain.RunRunning), runID, string(domain.RunPending))
		if err != nil {
			return fmt.Errorf("failed to transition run to RUNNING: %w", err)
		}
		return nil
	})
}

// MarkCompleted atomically moves a trade RUNNING -> terminal, bumps the
// run counters, and records the outcome on the child row. Partial
// fills count as completed with the failed counter incremented.
func (s *Store) MarkCompleted(ctx context.Context, runID, tradeID string, success bool, orderID, errMsg string) error {
	terminal := domain.TradeCompleted
	if !success {
		terminal = domain.TradeFailed
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE run_trades SET status = ?, order_id = ?, error = ?, completed_at = ?
			WHERE run_id = ? AND trade_id = ? AND status IN (?, ?)
		`, string(terminal), nullable(orderID), nullable(errMsg), now,
			runID, tradeID, string(domain.TradeRunning), string(domain.TradePending))
		if err != nil {
			return fmt.Errorf("failed to mark trade terminal: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: trade %s/%s already terminal", domain.ErrCASConflict, runID, tradeID)
		}

		succeededDelta := 0
		failedDelta := 0
		if success {
			succeededDelta = 1
		} else {
			failedDelta = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET
				completed_trades = completed_trades + 1,
				succeeded_trades = succeeded_trades + ?,
				failed_trades = failed_trades + ?
			WHERE run_id = ?
		`, succeededDelta, failedDelta, runID)
		if err != nil {
			return fmt.Errorf("failed to bump run counters: %w", err)
		}
		return nil
	})
}

// AddDayTradedValue is the daily-limit gate: a conditional add that
// only lands while the cumulative value stays at or under the cap.
// Reaching the cap exactly is admitted. Returns ErrDailyLimitExceeded
// when the add would cross it.
func (s *Store) AddDayTradedValue(ctx context.Context, runID string, delta, cap decimal.Decimal) error {
	deltaMicros := toMicros(delta.Abs())
	capMicros := toMicros(cap)

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET day_traded_micros = day_traded_micros + ?
		WHERE run_id = ? AND day_traded_micros + ? <= ?
	`, deltaMicros, runID, deltaMicros, capMicros)
	if err != nil {
		return fmt.Errorf("failed to add day traded value: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Either the run is missing or the cap would be crossed
		if _, lookupErr := s.GetRun(ctx, runID); lookupErr != nil {
			return lookupErr
		}
		return fmt.Errorf("%w: adding %s to run %s would exceed %s",
			domain.ErrDailyLimitExceeded, delta.Abs(), runID, cap)
	}
	return nil
}

// GetDailyTradedValue returns the run's cumulative absolute trade value
func (s *Store) GetDailyTradedValue(ctx context.Context, runID string) (decimal.Decimal, error) {
	var micros int64
	err := s.db.QueryRowContext(ctx,
		`SELECT day_traded_micros FROM runs WHERE run_id = ?`, runID).Scan(&micros)
	if err == sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read day traded value: %w", err)
	}
	return fromMicros(micros), nil
}

// TryClaimCompletion is the one-shot CAS on the completion flag. The
// worker that flips 0 -> 1 wins and publishes WorkflowCompleted; every
// other caller gets false.
func (s *Store) TryClaimCompletion(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET completion_published = 1
		WHERE run_id = ? AND completion_published = 0
	`, runID)
	if err != nil {
		return false, fmt.Errorf("failed to claim completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// SetRunStatus records the final run status and completion time for
// terminal statuses.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	var completedAt interface{}
	if status.IsTerminal() {
		completedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = COALESCE(?, completed_at)
		WHERE run_id = ?
	`, string(status), completedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return nil
}

// ListRecentRuns returns run records newest-first, without child sets
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, plan_id, correlation_id, status, total_trades,
		       completed_trades, succeeded_trades, failed_trades,
		       day_traded_micros, completion_published, created_at, completed_at, expires_at
		FROM runs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.RunRecord
	for rows.Next() {
		var r domain.RunRecord
		var dayMicros int64
		var published int
		var createdAt, expiresAt string
		var completedAt sql.NullString
		if err := rows.Scan(
			&r.RunID, &r.PlanID, &r.CorrelationID, &r.Status, &r.TotalTrades,
			&r.CompletedTrades, &r.SucceededTrades, &r.FailedTrades,
			&dayMicros, &published, &createdAt, &completedAt, &expiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.DayTradedValue = fromMicros(dayMicros)
		r.CompletionPub = published != 0
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("bad created_at: %w", err)
		}
		if r.ExpiresAt, err = parseTime(expiresAt); err != nil {
			return nil, fmt.Errorf("bad expires_at: %w", err)
		}
		if completedAt.Valid {
			if t, err := parseTime(completedAt.String); err == nil {
				r.CompletedAt = &t
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteExpired removes run records (and their child rows via cascade)
// whose TTL has lapsed. Returns the number of runs deleted.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE expires_at <= ?`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("Expired run records removed")
	}
	return n, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
