// Package ledger is the append-only audit trail of order attempts.
// Rows are written once per attempt and never updated; re-peg attempts
// append new rows sharing the trade ID.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
)

// Entry is one ledger row: a single order attempt for a trade
type Entry struct {
	ID                  int64
	TradeID             string
	RunID               string
	CorrelationID       string
	OrderID             string
	Symbol              string
	Side                domain.OrderSide
	RequestedQty        decimal.Decimal
	FilledQty           decimal.Decimal
	AvgPrice            decimal.Decimal
	Status              domain.OrderStatus
	AttemptCount        int
	SubmissionStrategy  domain.SubmissionStrategy
	StrategyAttribution string
	SubmittedAt         time.Time
	TerminalAt          *time.Time
}

// ledgerColumns avoids SELECT *; order must match scanEntry
const ledgerColumns = `id, trade_id, run_id, correlation_id, order_id, symbol, side,
	requested_qty, filled_qty, avg_price, status, attempt_count,
	submission_strategy, strategy_attribution, submitted_at, terminal_at`

// Repository writes and reads the trade ledger
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a ledger repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "ledger").Logger(),
	}
}

// Append records one order attempt. Decimals are stored as exact text.
func (r *Repository) Append(ctx context.Context, e Entry) error {
	if e.TradeID == "" || e.Symbol == "" {
		return fmt.Errorf("%w: ledger entry missing trade_id or symbol", domain.ErrValidation)
	}

	var terminalAt interface{}
	if e.TerminalAt != nil {
		terminalAt = e.TerminalAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trade_ledger
		(trade_id, run_id, correlation_id, order_id, symbol, side,
		 requested_qty, filled_qty, avg_price, status, attempt_count,
		 submission_strategy, strategy_attribution, submitted_at, terminal_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.TradeID,
		e.RunID,
		e.CorrelationID,
		nullString(e.OrderID),
		e.Symbol,
		string(e.Side),
		e.RequestedQty.String(),
		e.FilledQty.String(),
		e.AvgPrice.String(),
		string(e.Status),
		e.AttemptCount,
		string(e.SubmissionStrategy),
		nullString(e.StrategyAttribution),
		e.SubmittedAt.UTC().Format(time.RFC3339Nano),
		terminalAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	r.log.Debug().
		Str("trade_id", e.TradeID).
		Str("order_id", e.OrderID).
		Str("symbol", e.Symbol).
		Int("attempt", e.AttemptCount).
		Str("status", string(e.Status)).
		Msg("Ledger entry appended")
	return nil
}

// ListByTrade returns all attempts for one trade, oldest first
func (r *Repository) ListByTrade(ctx context.Context, tradeID string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+ledgerColumns+" FROM trade_ledger WHERE trade_id = ? ORDER BY id", tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for trade %s: %w", tradeID, err)
	}
	defer rows.Close()
	return r.scanEntries(rows)
}

// ListByRun returns all attempts of a run, oldest first
func (r *Repository) ListByRun(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+ledgerColumns+" FROM trade_ledger WHERE run_id = ? ORDER BY id", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for run %s: %w", runID, err)
	}
	defer rows.Close()
	return r.scanEntries(rows)
}

func (r *Repository) scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var orderID, attribution, terminalAt sql.NullString
		var requestedQty, filledQty, avgPrice, side, status, strategy, submittedAt string

		if err := rows.Scan(
			&e.ID, &e.TradeID, &e.RunID, &e.CorrelationID, &orderID, &e.Symbol, &side,
			&requestedQty, &filledQty, &avgPrice, &status, &e.AttemptCount,
			&strategy, &attribution, &submittedAt, &terminalAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}

		e.OrderID = orderID.String
		e.StrategyAttribution = attribution.String
		e.Side = domain.OrderSide(side)
		e.Status = domain.OrderStatus(status)
		e.SubmissionStrategy = domain.SubmissionStrategy(strategy)

		var err error
		if e.RequestedQty, err = decimal.NewFromString(requestedQty); err != nil {
			return nil, fmt.Errorf("bad requested_qty %q: %w", requestedQty, err)
		}
		if e.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
			return nil, fmt.Errorf("bad filled_qty %q: %w", filledQty, err)
		}
		if e.AvgPrice, err = decimal.NewFromString(avgPrice); err != nil {
			return nil, fmt.Errorf("bad avg_price %q: %w", avgPrice, err)
		}
		if e.SubmittedAt, err = time.Parse(time.RFC3339Nano, submittedAt); err != nil {
			return nil, fmt.Errorf("bad submitted_at %q: %w", submittedAt, err)
		}
		if terminalAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, terminalAt.String)
			if err != nil {
				return nil, fmt.Errorf("bad terminal_at %q: %w", terminalAt.String, err)
			}
			e.TerminalAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
