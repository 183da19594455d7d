package execution

import (
	"context"
	"errors"
	"time"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
)

// A BUY worker finding sibling SELLs still running returns its message
// to the queue with this visibility delay.
const siblingRetryDelay = 2 * time.Second

// HandleTradeMessage is the sharded-mode bus handler: one invocation,
// one trade. Ordering within a run comes from the bus group key; the
// sells-before-buys discipline is additionally verified with a cheap
// read so a stuck SELL cannot be overtaken by its sibling BUYs.
func (e *Engine) HandleTradeMessage(ctx context.Context, env *events.Envelope) error {
	data, ok := env.Data.(*events.TradeMessageData)
	if !ok {
		e.log.Error().Str("event_id", env.ID).Msg("Trade message with unexpected payload type, dropping")
		return nil
	}
	msg := data.Trade

	if msg.Phase == domain.PhaseBuy {
		ready, err := e.siblingSellsTerminal(ctx, msg.RunID)
		if err != nil {
			if domain.Retryable(err) {
				if events.FinalAttempt(ctx) {
					return e.failTradeTerminally(ctx, msg, env.ID, err)
				}
				return err
			}
			e.log.Error().Err(err).Str("run_id", msg.RunID).Msg("Cannot verify sibling sells, dropping trade")
			return nil
		}
		if !ready {
			e.log.Debug().
				Str("run_id", msg.RunID).
				Str("trade_id", msg.TradeID).
				Msg("Sibling SELL trades still running, requeueing buy")
			return events.Requeue(siblingRetryDelay)
		}
	}

	_, err := e.ExecuteTradeMessage(ctx, msg, env.ID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) || errors.Is(err, domain.ErrTradeNotFound) {
			e.log.Error().Err(err).
				Str("run_id", msg.RunID).
				Str("trade_id", msg.TradeID).
				Msg("Run record missing for delivered trade, dropping")
			return nil
		}
		if events.FinalAttempt(ctx) {
			return e.failTradeTerminally(ctx, msg, env.ID, err)
		}
		return err
	}
	return nil
}

// failTradeTerminally converts a retryable failure on the message's
// last delivery into a terminal FAILED outcome. Without it the trade
// would sit RUNNING forever once the bus stops redelivering, and the
// run could never reach a terminal status.
func (e *Engine) failTradeTerminally(ctx context.Context, msg domain.TradeMessage, causationID string, cause error) error {
	e.log.Error().Err(cause).
		Str("run_id", msg.RunID).
		Str("trade_id", msg.TradeID).
		Str("symbol", msg.Symbol).
		Msg("Retries exhausted, failing trade")
	return e.finalizeTrade(ctx, msg, causationID, failedResult(msg, cause))
}

// siblingSellsTerminal reports whether every SELL trade of the run has
// reached a terminal state.
func (e *Engine) siblingSellsTerminal(ctx context.Context, runID string) (bool, error) {
	trades, err := e.runs.ListTrades(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, t := range trades {
		if t.Phase == domain.PhaseSell && !t.Status.IsTerminal() {
			return false, nil
		}
	}
	return true, nil
}
