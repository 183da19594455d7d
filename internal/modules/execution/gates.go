package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantfold/helmsman/internal/domain"
)

// preTradeGates runs the per-invocation checks in order: idempotency,
// structural validation, daily limit, market hours, state transition.
//
// Returns (stored, nil) when the trade is already terminal: the caller
// returns the persisted result without any broker call. Returns
// (nil, nil) when the trade passed every gate and is now RUNNING.
// Returns (nil, err) on a gate rejection; the caller classifies the
// error and marks the trade FAILED unless it is retryable.
func (e *Engine) preTradeGates(ctx context.Context, msg domain.TradeMessage) (*domain.TradeStatus, error) {
	// 1. Idempotency: at-least-once delivery means terminal trades come
	// around again.
	trade, err := e.runs.GetTrade(ctx, msg.RunID, msg.TradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status.IsTerminal() {
		return trade, nil
	}

	// 2. Structural validation
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	amount := msg.TradeAmount.Abs()
	if amount.LessThan(e.cfg.MinTradeAmount) {
		return nil, fmt.Errorf("%w: trade amount %s below minimum %s",
			domain.ErrValidation, amount, e.cfg.MinTradeAmount)
	}
	if amount.GreaterThan(e.cfg.MaxSingleOrder) {
		return nil, fmt.Errorf("%w: %s exceeds %s",
			domain.ErrOrderTooLarge, amount, e.cfg.MaxSingleOrder)
	}

	// 3. Daily limit: conditional add on the run record. Reaching the
	// cap exactly is admitted; crossing it rejects the trade.
	if err := e.runs.AddDayTradedValue(ctx, msg.RunID, amount, e.cfg.MaxDailyTradeValue); err != nil {
		return nil, err
	}

	// 4. Market hours
	if err := e.hours.Check(ctx); err != nil {
		return nil, err
	}

	// 5. PENDING -> RUNNING. Losing the CAS means another delivery got
	// here first: re-read and either return its result or take over a
	// trade a crashed worker left RUNNING.
	if err := e.runs.MarkStarted(ctx, msg.RunID, msg.TradeID); err != nil {
		if !errors.Is(err, domain.ErrCASConflict) {
			return nil, err
		}
		trade, readErr := e.runs.GetTrade(ctx, msg.RunID, msg.TradeID)
		if readErr != nil {
			return nil, readErr
		}
		if trade.Status.IsTerminal() {
			return trade, nil
		}
	}
	return nil, nil
}
