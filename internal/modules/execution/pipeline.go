package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/modules/ledger"
)

// A trade succeeds when at least this fraction of the requested
// quantity filled across all attempts.
var fillSuccessRatio = decimal.NewFromFloat(0.99)

// tradeState accumulates fills across the attempts of one trade.
// Each order is counted at most once per observed fill level, so
// re-reading an order after cancellation only adds the delta.
type tradeState struct {
	msg       domain.TradeMessage
	started   time.Time
	requested decimal.Decimal
	filled    decimal.Decimal
	fills     []domain.Fill
	counted   map[string]decimal.Decimal
	attempts  int
	lastOrder string
}

func newTradeState(msg domain.TradeMessage, started time.Time, requested decimal.Decimal) *tradeState {
	return &tradeState{
		msg:       msg,
		started:   started,
		requested: requested,
		counted:   make(map[string]decimal.Decimal),
	}
}

// record adds an order's fill progress, counting only the delta since
// the order was last observed.
func (st *tradeState) record(order *domain.Order) {
	delta := order.FilledQty.Sub(st.counted[order.OrderID])
	if !delta.IsPositive() {
		return
	}
	st.counted[order.OrderID] = order.FilledQty
	st.filled = st.filled.Add(delta)
	st.fills = append(st.fills, domain.Fill{Quantity: delta, Price: order.AvgFillPrice})
}

// done reports whether the fill threshold has been reached
func (st *tradeState) done() bool {
	return st.filled.GreaterThanOrEqual(st.requested.Mul(fillSuccessRatio))
}

func (st *tradeState) result(success bool, errMsg string) *domain.TradeResult {
	return &domain.TradeResult{
		TradeID:      st.msg.TradeID,
		Symbol:       st.msg.Symbol,
		Success:      success,
		OrderID:      st.lastOrder,
		RequestedQty: st.requested,
		FilledQty:    st.filled,
		VWAP:         domain.VWAP(st.fills),
		Attempts:     st.attempts,
		Error:        errMsg,
		StartedAt:    st.started,
		CompletedAt:  time.Now().UTC(),
	}
}

func (st *tradeState) success() *domain.TradeResult { return st.result(true, "") }

func (st *tradeState) failure(err error) *domain.TradeResult { return st.result(false, err.Error()) }

// executeTrade runs the smart limit pipeline for one gated trade:
// quote, size, pegged limit attempts with serial re-pegs, market
// fallback, fill aggregation.
func (e *Engine) executeTrade(ctx context.Context, msg domain.TradeMessage, log zerolog.Logger) (*domain.TradeResult, error) {
	started := time.Now().UTC()
	side := sideFor(msg.Action)
	amount := msg.TradeAmount.Abs()

	if err := e.checkBudget(ctx); err != nil {
		return nil, err
	}

	q, wide, err := e.acquireQuote(ctx, msg.Symbol)
	if err != nil {
		if domain.Retryable(err) {
			return nil, err
		}
		st := newTradeState(msg, started, decimal.Zero)
		return st.failure(err), nil
	}

	// Pinned symbols survive quote-cache eviction while the order is live
	e.quotes.Pin(msg.Symbol)
	defer e.quotes.Unpin(msg.Symbol)

	var pos *domain.Position
	if side == domain.SideSell {
		pos, err = e.positionFor(ctx, msg.Symbol)
		if err != nil {
			if domain.Retryable(err) {
				return nil, err
			}
			st := newTradeState(msg, started, decimal.Zero)
			return st.failure(err), nil
		}
		if pos == nil || !pos.Quantity.IsPositive() {
			st := newTradeState(msg, started, decimal.Zero)
			return st.failure(fmt.Errorf("%w: no position in %s to sell", domain.ErrBrokerPermanent, msg.Symbol)), nil
		}
		if e.shouldLiquidate(pos, amount) {
			return e.liquidate(ctx, msg, pos, started, log)
		}
	}

	var qty decimal.Decimal
	if side == domain.SideBuy {
		qty = domain.FloorShares(amount, q.AskPrice)
	} else {
		qty = domain.FloorShares(amount, q.BidPrice)
		if qty.GreaterThan(pos.Quantity) {
			qty = pos.Quantity
		}
	}
	if !qty.IsPositive() {
		st := newTradeState(msg, started, decimal.Zero)
		return st.failure(fmt.Errorf("%w: trade amount %s rounds to zero shares", domain.ErrValidation, amount)), nil
	}

	st := newTradeState(msg, started, qty)
	timeout := e.phaseTimeout(side)

	if wide {
		log.Warn().
			Str("spread_bps", q.SpreadBps().String()).
			Str("threshold_bps", e.cfg.SpreadWideBps.String()).
			Msg("Spread too wide for a pegged limit, falling through to market order")
	} else {
		result, err := e.limitAttempts(ctx, st, side, q, timeout, log)
		if result != nil || err != nil {
			return result, err
		}
	}

	// Market fallback for whatever the limit attempts left unfilled
	remaining := st.requested.Sub(st.filled)
	if remaining.IsPositive() && !st.done() {
		if err := e.checkBudget(ctx); err != nil {
			return nil, err
		}
		req := domain.OrderRequest{
			Symbol:      msg.Symbol,
			Side:        side,
			Type:        domain.OrderTypeMarket,
			TimeInForce: "day",
		}
		if side == domain.SideBuy && st.filled.IsZero() {
			// Nothing filled yet: the notional primitive sizes the buy
			// broker-side and avoids stale-quote share math.
			notional := amount
			req.Notional = &notional
		} else {
			req.Quantity = &remaining
		}
		order, err := e.submitAndAwait(ctx, st, req, domain.SubmitMarket, timeout)
		if err != nil {
			if domain.Retryable(err) && st.filled.IsZero() {
				return nil, err
			}
			return st.failure(err), nil
		}
		st.record(order)
	}

	if st.done() {
		return st.success(), nil
	}
	return st.failure(fmt.Errorf("%w: filled %s of %s after %d attempts",
		domain.ErrExecutionTimeout, st.filled, st.requested, st.attempts)), nil
}

// limitAttempts runs up to MaxRepegs serial pegged-limit submissions.
// A nil, nil return hands the remainder to the market fallback.
func (e *Engine) limitAttempts(ctx context.Context, st *tradeState, side domain.OrderSide, q *domain.Quote, timeout time.Duration, log zerolog.Logger) (*domain.TradeResult, error) {
	for attempt := 1; attempt <= e.cfg.MaxRepegs; attempt++ {
		if err := e.checkBudget(ctx); err != nil {
			return nil, err
		}

		remaining := st.requested.Sub(st.filled)
		limit := e.limitPriceFor(side, q)
		order, err := e.submitAndAwait(ctx, st, domain.OrderRequest{
			Symbol:      st.msg.Symbol,
			Side:        side,
			Type:        domain.OrderTypeLimit,
			Quantity:    &remaining,
			LimitPrice:  &limit,
			TimeInForce: "day",
		}, domain.SubmitLimit, timeout)
		if err != nil {
			if domain.Retryable(err) && st.filled.IsZero() {
				return nil, err
			}
			return st.failure(err), nil
		}
		st.record(order)
		if st.done() {
			return st.success(), nil
		}

		switch {
		case order.Status == domain.OrderRejected:
			return st.failure(fmt.Errorf("%w: order %s rejected", domain.ErrBrokerPermanent, order.OrderID)), nil
		case order.Status.IsTerminal():
			// Canceled or expired with a remainder: re-peg covers it
		default:
			// Still live at the phase timeout: cancel before repricing
			final := e.cancelRemainder(ctx, order)
			st.record(final)
			if st.done() {
				return st.success(), nil
			}
		}

		if attempt == e.cfg.MaxRepegs {
			break
		}
		if err := sleepCtx(ctx, e.cfg.RepegInterval); err != nil {
			return nil, err
		}
		nq, nwide, err := e.acquireQuote(ctx, st.msg.Symbol)
		if err != nil || nwide {
			log.Warn().Err(err).Bool("wide", nwide).Msg("Re-peg quote unavailable, handing remainder to market fallback")
			break
		}
		q = nq
		log.Debug().
			Int("attempt", attempt+1).
			Str("bid", q.BidPrice.String()).
			Str("ask", q.AskPrice.String()).
			Msg("Re-pegging unfilled remainder")
	}
	return nil, nil
}

// liquidate routes a full-exit sell through the broker's close-position
// primitive, avoiding fractional-share residue.
func (e *Engine) liquidate(ctx context.Context, msg domain.TradeMessage, pos *domain.Position, started time.Time, log zerolog.Logger) (*domain.TradeResult, error) {
	log.Info().
		Str("position_qty", pos.Quantity.String()).
		Msg("Sell leaves at most the residue threshold, liquidating full position")

	st := newTradeState(msg, started, pos.Quantity)
	st.attempts++
	order, err := e.broker.ClosePosition(ctx, msg.Symbol)
	if err != nil {
		if domain.Retryable(err) {
			return nil, err
		}
		return st.failure(err), nil
	}
	st.lastOrder = order.OrderID

	awaited, err := e.monitor.AwaitTerminal(ctx, order.OrderID, e.cfg.SellTimeout)
	if err != nil {
		return nil, err
	}
	e.appendLedger(ctx, st, awaited, domain.SubmitLiquidate)
	st.record(awaited)

	if st.done() {
		return st.success(), nil
	}
	return st.failure(fmt.Errorf("%w: liquidation filled %s of %s",
		domain.ErrExecutionTimeout, st.filled, st.requested)), nil
}

// submitAndAwait places one order, waits for it to settle or time out,
// and appends the attempt to the ledger.
func (e *Engine) submitAndAwait(ctx context.Context, st *tradeState, req domain.OrderRequest, strategy domain.SubmissionStrategy, timeout time.Duration) (*domain.Order, error) {
	st.attempts++
	order, err := e.broker.SubmitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	st.lastOrder = order.OrderID

	awaited, err := e.monitor.AwaitTerminal(ctx, order.OrderID, timeout)
	if err != nil {
		return nil, err
	}
	e.appendLedger(ctx, st, awaited, strategy)
	return awaited, nil
}

// cancelRemainder cancels a live order and re-reads its final state to
// capture fills that landed between the timeout and the cancel.
func (e *Engine) cancelRemainder(ctx context.Context, order *domain.Order) *domain.Order {
	if err := e.broker.CancelOrder(ctx, order.OrderID); err != nil {
		e.log.Warn().Err(err).Str("order_id", order.OrderID).Msg("Failed to cancel unfilled remainder")
	}
	final, err := e.broker.GetOrder(ctx, order.OrderID)
	if err != nil {
		e.log.Warn().Err(err).Str("order_id", order.OrderID).Msg("Failed to re-read canceled order")
		return order
	}
	return final
}

// appendLedger writes one attempt row. The audit trail never blocks
// execution; append failures are logged and the trade continues.
func (e *Engine) appendLedger(ctx context.Context, st *tradeState, order *domain.Order, strategy domain.SubmissionStrategy) {
	submittedAt := order.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}
	var terminalAt *time.Time
	if order.Status.IsTerminal() {
		t := order.UpdatedAt
		if t.IsZero() {
			t = time.Now().UTC()
		}
		terminalAt = &t
	}

	entry := ledger.Entry{
		TradeID:             st.msg.TradeID,
		RunID:               st.msg.RunID,
		CorrelationID:       st.msg.CorrelationID,
		OrderID:             order.OrderID,
		Symbol:              st.msg.Symbol,
		Side:                sideFor(st.msg.Action),
		RequestedQty:        order.RequestedQty,
		FilledQty:           order.FilledQty,
		AvgPrice:            order.AvgFillPrice,
		Status:              order.Status,
		AttemptCount:        st.attempts,
		SubmissionStrategy:  strategy,
		StrategyAttribution: st.msg.Metadata["strategy_ids"],
		SubmittedAt:         submittedAt,
		TerminalAt:          terminalAt,
	}
	if err := e.ledger.Append(ctx, entry); err != nil {
		e.log.Warn().Err(err).Str("trade_id", st.msg.TradeID).Msg("Failed to append ledger entry")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
