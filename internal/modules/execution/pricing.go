package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
)

// acquireQuote returns a usable quote for pricing: streamed if one
// arrives within the quote timeout, REST snapshot otherwise. The bool
// reports a spread wider than the configured threshold; wide-spread
// trades fall through to a market order.
func (e *Engine) acquireQuote(ctx context.Context, symbol string) (*domain.Quote, bool, error) {
	if err := e.quotes.Subscribe(ctx, symbol); err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote subscription failed, relying on REST snapshot")
	}

	q, err := e.quotes.WaitFresh(ctx, symbol, e.cfg.QuoteMaxStaleness, e.cfg.QuoteTimeout)
	if err != nil {
		q, err = e.broker.GetLatestQuote(ctx, symbol)
		if err != nil {
			return nil, false, fmt.Errorf("no quote for %s: %w", symbol, err)
		}
	}

	if !q.Usable() {
		return nil, false, fmt.Errorf("%w: unusable quote for %s (bid %s, ask %s)",
			domain.ErrDataUnavailable, symbol, q.BidPrice, q.AskPrice)
	}
	if q.Age(time.Now()) > e.cfg.QuoteMaxStaleness {
		return nil, false, fmt.Errorf("%w: quote for %s is %s old, max staleness %s",
			domain.ErrDataUnavailable, symbol, q.Age(time.Now()).Round(time.Millisecond), e.cfg.QuoteMaxStaleness)
	}

	wide := q.SpreadBps().GreaterThan(e.cfg.SpreadWideBps)
	return q, wide, nil
}

// limitPriceFor computes the pegged limit price. Buys bid up most of
// the spread, sells undercut the ask; both prefer fill probability over
// price improvement. A zero spread degenerates to a marketable limit.
func (e *Engine) limitPriceFor(side domain.OrderSide, q *domain.Quote) decimal.Decimal {
	spread := q.Spread()
	if side == domain.SideBuy {
		return domain.RoundToTick(q.BidPrice.Add(spread.Mul(e.cfg.PegAggressivenessBuy)))
	}
	return domain.RoundToTick(q.AskPrice.Sub(spread.Mul(e.cfg.PegAggressivenessSell)))
}

// positionFor returns the current holding for a symbol, nil when flat
func (e *Engine) positionFor(ctx context.Context, symbol string) (*domain.Position, error) {
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// shouldLiquidate reports whether a sell of sellValue would leave at
// most the close-position threshold of the holding, in which case the
// broker's native liquidation primitive avoids fractional residue.
func (e *Engine) shouldLiquidate(pos *domain.Position, sellValue decimal.Decimal) bool {
	if pos == nil || !pos.MarketValue.IsPositive() {
		return false
	}
	remaining := pos.MarketValue.Sub(sellValue)
	return remaining.LessThanOrEqual(pos.MarketValue.Mul(e.cfg.ClosePositionThreshold))
}
