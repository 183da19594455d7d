package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
)

// finalizeTrade records the trade's terminal state, publishes
// TradeCompleted, and runs completion detection: the worker that
// terminates the last trade of a run wins the completion CAS and
// publishes WorkflowCompleted exactly once.
func (e *Engine) finalizeTrade(ctx context.Context, msg domain.TradeMessage, causationID string, result *domain.TradeResult) error {
	err := e.runs.MarkCompleted(ctx, msg.RunID, msg.TradeID, result.Success, result.OrderID, result.Error)
	if err != nil {
		// A concurrent delivery already terminated this trade; fall
		// through to completion detection so no run is left unclosed.
		if !errors.Is(err, domain.ErrCASConflict) {
			return fmt.Errorf("failed to record trade outcome: %w", err)
		}
		e.log.Debug().
			Str("run_id", msg.RunID).
			Str("trade_id", msg.TradeID).
			Msg("Trade already terminal in run record")
	}

	completed := events.NewEnvelope(msg.CorrelationID, causationID, &events.TradeCompletedData{
		RunID:     msg.RunID,
		TradeID:   msg.TradeID,
		Symbol:    msg.Symbol,
		Success:   result.Success,
		OrderID:   result.OrderID,
		FilledQty: result.FilledQty,
		VWAP:      result.VWAP,
		Error:     result.Error,
	}).WithGroup(msg.RunID, "completed-"+msg.TradeID)
	if err := e.bus.Publish(ctx, completed); err != nil {
		e.log.Warn().Err(err).Str("trade_id", msg.TradeID).Msg("Failed to publish trade completion")
	}

	return e.detectCompletion(ctx, msg.RunID, msg.CorrelationID, causationID)
}

// detectCompletion checks whether every trade of the run is terminal
// and, if so, races the completion CAS. The winner sets the final run
// status and publishes WorkflowCompleted; losers exit silently.
func (e *Engine) detectCompletion(ctx context.Context, runID, correlationID, causationID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to read run for completion check: %w", err)
	}
	if !run.AllTradesTerminal() {
		return nil
	}

	won, err := e.runs.TryClaimCompletion(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to claim run completion: %w", err)
	}
	if !won {
		return nil
	}

	status := run.TerminalStatus()
	if err := e.runs.SetRunStatus(ctx, runID, status); err != nil {
		return fmt.Errorf("failed to set terminal run status: %w", err)
	}

	env := events.NewEnvelope(correlationID, causationID, &events.WorkflowCompletedData{
		RunID:            runID,
		Status:           status,
		SucceededTrades:  run.SucceededTrades,
		FailedTrades:     run.FailedTrades,
		TotalTradedValue: run.DayTradedValue,
		DurationMs:       time.Since(run.CreatedAt).Milliseconds(),
		FailedTradeIDs:   run.FailedIDs,
	}).WithGroup(runID, "workflow-completed-"+runID)
	if err := e.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish workflow completion: %w", err)
	}

	e.log.Info().
		Str("run_id", runID).
		Str("status", string(status)).
		Int("succeeded", run.SucceededTrades).
		Int("failed", run.FailedTrades).
		Msg("Run completed")
	return nil
}
