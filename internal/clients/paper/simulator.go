// Package paper provides an in-process broker simulator. It implements
// the same ports as the live adapter so the execution engine runs
// unchanged in paper mode and in the end-to-end tests.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
)

// Simulator is a quote-driven paper broker. Market and crossing limit
// orders fill immediately against the current top of book; resting
// limit orders fill when a pushed quote crosses their price. State is
// in-memory and guarded by one mutex.
type Simulator struct {
	log zerolog.Logger

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*domain.Position
	orders    map[string]*domain.Order
	quotes    map[string]domain.Quote
	bars      map[string][]domain.Bar
	clock     *domain.MarketClock

	tradeStream  *TradeStream
	marketStream *MarketStream
}

var _ domain.Broker = (*Simulator)(nil)

// NewSimulator creates a paper broker with the given starting cash
func NewSimulator(startingCash decimal.Decimal, log zerolog.Logger) *Simulator {
	s := &Simulator{
		log:       log.With().Str("component", "paper_broker").Logger(),
		cash:      startingCash,
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]*domain.Order),
		quotes:    make(map[string]domain.Quote),
		bars:      make(map[string][]domain.Bar),
	}
	s.tradeStream = newTradeStream()
	s.marketStream = newMarketStream(s)
	return s
}

// TradeStream returns the simulator's trade-update stream
func (s *Simulator) TradeStream() *TradeStream { return s.tradeStream }

// MarketStream returns the simulator's market-data stream
func (s *Simulator) MarketStream() *MarketStream { return s.marketStream }

// PushQuote publishes a quote: the book updates, resting orders that
// now cross are filled, and subscribers of the market stream receive
// the quote.
func (s *Simulator) PushQuote(q domain.Quote) {
	q.Symbol = domain.NormalizeSymbol(q.Symbol)
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.quotes[q.Symbol] = q
	filled := s.fillCrossingLocked(q.Symbol)
	s.mu.Unlock()

	for _, update := range filled {
		s.tradeStream.publish(update)
	}
	s.marketStream.publish(q)
}

// SeedBars installs the historical bar series for a symbol
func (s *Simulator) SeedBars(symbol string, bars []domain.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[domain.NormalizeSymbol(symbol)] = bars
}

// SetClock overrides the market clock the simulator reports
func (s *Simulator) SetClock(clock domain.MarketClock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = &clock
}

// SubmitOrder accepts an order and fills it immediately when the
// current quote allows.
func (s *Simulator) SubmitOrder(_ context.Context, req domain.OrderRequest) (*domain.Order, error) {
	symbol := domain.NormalizeSymbol(req.Symbol)
	if req.Quantity == nil && req.Notional == nil {
		return nil, fmt.Errorf("%w: order for %s has neither quantity nor notional", domain.ErrValidation, symbol)
	}

	s.mu.Lock()

	now := time.Now().UTC()
	order := &domain.Order{
		OrderID:       uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        domain.OrderNew,
		LimitPrice:    req.LimitPrice,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}

	quote, hasQuote := s.quotes[symbol]
	if req.Quantity != nil {
		order.RequestedQty = *req.Quantity
	} else {
		// Notional orders size at the current touch
		if !hasQuote || !quote.Usable() {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: no quote to size notional order for %s", domain.ErrBrokerTransient, symbol)
		}
		price := quote.AskPrice
		if req.Side == domain.SideSell {
			price = quote.BidPrice
		}
		order.RequestedQty = domain.FloorShares(*req.Notional, price)
	}

	if !order.RequestedQty.IsPositive() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: non-positive quantity for %s", domain.ErrValidation, symbol)
	}
	if req.Side == domain.SideSell {
		held := decimal.Zero
		if pos, ok := s.positions[symbol]; ok {
			held = pos.Quantity
		}
		if order.RequestedQty.GreaterThan(held) {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: insufficient position in %s: have %s, want %s",
				domain.ErrBrokerPermanent, symbol, held, order.RequestedQty)
		}
	}

	s.orders[order.OrderID] = order

	updates := []domain.TradeUpdate{{
		OrderID:   order.OrderID,
		Event:     domain.TradeEventNew,
		Status:    domain.OrderNew,
		Timestamp: now,
	}}
	if fill := s.tryFillLocked(order); fill != nil {
		updates = append(updates, *fill)
	}
	snapshot := *order
	s.mu.Unlock()

	for _, u := range updates {
		s.tradeStream.publish(u)
	}
	return &snapshot, nil
}

// tryFillLocked fills the order against the current quote if it is
// marketable. Returns the fill update, or nil when the order rests.
func (s *Simulator) tryFillLocked(order *domain.Order) *domain.TradeUpdate {
	quote, ok := s.quotes[order.Symbol]
	if !ok || !quote.Usable() {
		return nil
	}

	var price decimal.Decimal
	switch order.Type {
	case domain.OrderTypeMarket:
		if order.Side == domain.SideBuy {
			price = quote.AskPrice
		} else {
			price = quote.BidPrice
		}
	case domain.OrderTypeLimit:
		if order.LimitPrice == nil {
			return nil
		}
		if order.Side == domain.SideBuy {
			if quote.AskPrice.GreaterThan(*order.LimitPrice) {
				return nil
			}
			price = quote.AskPrice
		} else {
			if quote.BidPrice.LessThan(*order.LimitPrice) {
				return nil
			}
			price = quote.BidPrice
		}
	default:
		return nil
	}

	s.settleLocked(order, price)

	update := domain.TradeUpdate{
		OrderID:   order.OrderID,
		Event:     domain.TradeEventFill,
		Status:    domain.OrderFilled,
		FilledQty: order.FilledQty,
		AvgPrice:  order.AvgFillPrice,
		Timestamp: order.UpdatedAt,
	}
	return &update
}

// settleLocked applies a full fill to cash and positions
func (s *Simulator) settleLocked(order *domain.Order, price decimal.Decimal) {
	qty := order.RequestedQty
	notional := qty.Mul(price)

	order.Status = domain.OrderFilled
	order.FilledQty = qty
	order.AvgFillPrice = price
	order.UpdatedAt = time.Now().UTC()

	pos, ok := s.positions[order.Symbol]
	if order.Side == domain.SideBuy {
		s.cash = s.cash.Sub(notional)
		if !ok {
			s.positions[order.Symbol] = &domain.Position{
				Symbol:       order.Symbol,
				Quantity:     qty,
				AvgEntry:     price,
				CurrentPrice: price,
			}
		} else {
			totalCost := pos.AvgEntry.Mul(pos.Quantity).Add(notional)
			pos.Quantity = pos.Quantity.Add(qty)
			pos.AvgEntry = totalCost.Div(pos.Quantity)
			pos.CurrentPrice = price
		}
	} else {
		s.cash = s.cash.Add(notional)
		if ok {
			pos.Quantity = pos.Quantity.Sub(qty)
			pos.CurrentPrice = price
			if !pos.Quantity.IsPositive() {
				delete(s.positions, order.Symbol)
			}
		}
	}

	s.log.Debug().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Msg("Paper fill")
}

// fillCrossingLocked fills all resting orders in symbol that the new
// quote makes marketable, oldest first.
func (s *Simulator) fillCrossingLocked(symbol string) []domain.TradeUpdate {
	resting := make([]*domain.Order, 0)
	for _, order := range s.orders {
		if order.Symbol == symbol && !order.Status.IsTerminal() {
			resting = append(resting, order)
		}
	}
	sort.Slice(resting, func(i, j int) bool {
		return resting[i].SubmittedAt.Before(resting[j].SubmittedAt)
	})

	updates := make([]domain.TradeUpdate, 0, len(resting))
	for _, order := range resting {
		if fill := s.tryFillLocked(order); fill != nil {
			updates = append(updates, *fill)
		}
	}
	return updates
}

// CancelOrder cancels a resting order. Canceling a terminal order is a no-op.
func (s *Simulator) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: order %s", domain.ErrBrokerPermanent, orderID)
	}
	if order.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	order.Status = domain.OrderCanceled
	order.UpdatedAt = time.Now().UTC()
	update := domain.TradeUpdate{
		OrderID:   order.OrderID,
		Event:     domain.TradeEventCanceled,
		Status:    domain.OrderCanceled,
		FilledQty: order.FilledQty,
		AvgPrice:  order.AvgFillPrice,
		Timestamp: order.UpdatedAt,
	}
	s.mu.Unlock()

	s.tradeStream.publish(update)
	return nil
}

// GetOrder fetches the current state of an order
func (s *Simulator) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrBrokerPermanent, orderID)
	}
	snapshot := *order
	return &snapshot, nil
}

// ListOpenOrders returns all non-terminal orders
func (s *Simulator) ListOpenOrders(_ context.Context) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := make([]domain.Order, 0)
	for _, order := range s.orders {
		if !order.Status.IsTerminal() {
			open = append(open, *order)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].SubmittedAt.Before(open[j].SubmittedAt) })
	return open, nil
}

// ClosePosition liquidates the entire position at the current bid
func (s *Simulator) ClosePosition(ctx context.Context, symbol string) (*domain.Order, error) {
	symbol = domain.NormalizeSymbol(symbol)

	s.mu.Lock()
	pos, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no position in %s", domain.ErrBrokerPermanent, symbol)
	}
	qty := pos.Quantity
	s.mu.Unlock()

	return s.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:      symbol,
		Side:        domain.SideSell,
		Type:        domain.OrderTypeMarket,
		Quantity:    &qty,
		TimeInForce: "day",
	})
}

// GetPositions returns current holdings marked at the latest quote mid
func (s *Simulator) GetPositions(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]domain.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		snapshot := *pos
		if quote, ok := s.quotes[pos.Symbol]; ok && quote.Usable() {
			snapshot.CurrentPrice = quote.Mid()
		}
		snapshot.MarketValue = snapshot.Quantity.Mul(snapshot.CurrentPrice)
		snapshot.UnrealizedPL = snapshot.CurrentPrice.Sub(snapshot.AvgEntry).Mul(snapshot.Quantity)
		positions = append(positions, snapshot)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetAccount returns cash plus marked position values
func (s *Simulator) GetAccount(ctx context.Context) (*domain.AccountSnapshot, error) {
	positions, err := s.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	cash := s.cash
	s.mu.Unlock()

	value := cash
	for i := range positions {
		value = value.Add(positions[i].MarketValue)
	}
	return &domain.AccountSnapshot{
		Cash:           cash,
		BuyingPower:    cash,
		PortfolioValue: value,
		Positions:      positions,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// GetLatestQuote returns the current book for a symbol
func (s *Simulator) GetLatestQuote(_ context.Context, symbol string) (*domain.Quote, error) {
	symbol = domain.NormalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	quote, ok := s.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no quote for %s", domain.ErrDataUnavailable, symbol)
	}
	snapshot := quote
	return &snapshot, nil
}

// GetBars returns the seeded bar series trimmed to lookback
func (s *Simulator) GetBars(_ context.Context, symbol string, lookback int, _ time.Time) ([]domain.Bar, error) {
	symbol = domain.NormalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	bars, ok := s.bars[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no bars seeded for %s", domain.ErrDataUnavailable, symbol)
	}
	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	out := make([]domain.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// GetClock returns the configured clock, defaulting to an open market
func (s *Simulator) GetClock(_ context.Context) (*domain.MarketClock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock != nil {
		snapshot := *s.clock
		return &snapshot, nil
	}
	return &domain.MarketClock{Timestamp: time.Now().UTC(), IsOpen: true}, nil
}
