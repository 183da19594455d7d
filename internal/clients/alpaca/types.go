package alpaca

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
)

// Wire types for the broker's REST and streaming APIs. Transformers
// convert these into broker-agnostic domain types at the package
// boundary so nothing upstream sees the wire format.

type apiOrder struct {
	ID            string  `json:"id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Qty           *string `json:"qty"`
	Notional      *string `json:"notional"`
	FilledQty     string  `json:"filled_qty"`
	FilledAvgPx   *string `json:"filled_avg_price"`
	LimitPrice    *string `json:"limit_price"`
	SubmittedAt   string  `json:"submitted_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type apiPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

type apiAccount struct {
	Cash           string `json:"cash"`
	BuyingPower    string `json:"buying_power"`
	PortfolioValue string `json:"portfolio_value"`
}

type apiQuote struct {
	BidPrice  float64 `json:"bp"`
	BidSize   float64 `json:"bs"`
	AskPrice  float64 `json:"ap"`
	AskSize   float64 `json:"as"`
	Timestamp string  `json:"t"`
}

type apiQuoteResponse struct {
	Symbol string   `json:"symbol"`
	Quote  apiQuote `json:"quote"`
}

type apiBar struct {
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
	Timestamp string  `json:"t"`
}

type apiBarsResponse struct {
	Symbol        string   `json:"symbol"`
	Bars          []apiBar `json:"bars"`
	NextPageToken *string  `json:"next_page_token"`
}

type apiClock struct {
	Timestamp string `json:"timestamp"`
	IsOpen    bool   `json:"is_open"`
	NextOpen  string `json:"next_open"`
	NextClose string `json:"next_close"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// submitOrderRequest is the POST body for order submission
type submitOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Qty           string `json:"qty,omitempty"`
	Notional      string `json:"notional,omitempty"`
	LimitPrice    string `json:"limit_price,omitempty"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// orderStatusFromWire maps the broker's order status vocabulary onto
// the internal state machine. Transitional submission states collapse
// to NEW; the broker's several cancellation flavors collapse to
// CANCELED.
func orderStatusFromWire(status string) domain.OrderStatus {
	switch status {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "held":
		return domain.OrderNew
	case "partially_filled":
		return domain.OrderPartiallyFilled
	case "filled":
		return domain.OrderFilled
	case "canceled", "pending_cancel", "pending_replace", "replaced", "done_for_day", "stopped", "suspended":
		return domain.OrderCanceled
	case "rejected":
		return domain.OrderRejected
	case "expired":
		return domain.OrderExpired
	default:
		return domain.OrderNew
	}
}

// tradeEventFromWire maps stream event names to the internal taxonomy
func tradeEventFromWire(event string) domain.TradeEventType {
	switch event {
	case "new", "accepted":
		return domain.TradeEventNew
	case "fill":
		return domain.TradeEventFill
	case "partial_fill":
		return domain.TradeEventPartialFill
	case "canceled":
		return domain.TradeEventCanceled
	case "rejected":
		return domain.TradeEventRejected
	case "expired":
		return domain.TradeEventExpired
	case "done_for_day":
		return domain.TradeEventDoneForDay
	default:
		return domain.TradeEventNew
	}
}

func (o *apiOrder) toDomain() (*domain.Order, error) {
	requested := decimal.Zero
	if o.Qty != nil && *o.Qty != "" {
		q, err := decimal.NewFromString(*o.Qty)
		if err != nil {
			return nil, fmt.Errorf("bad order qty %q: %w", *o.Qty, err)
		}
		requested = q
	}

	filled := decimal.Zero
	if o.FilledQty != "" {
		f, err := decimal.NewFromString(o.FilledQty)
		if err != nil {
			return nil, fmt.Errorf("bad filled qty %q: %w", o.FilledQty, err)
		}
		filled = f
	}

	avgPrice := decimal.Zero
	if o.FilledAvgPx != nil && *o.FilledAvgPx != "" {
		p, err := decimal.NewFromString(*o.FilledAvgPx)
		if err != nil {
			return nil, fmt.Errorf("bad avg fill price %q: %w", *o.FilledAvgPx, err)
		}
		avgPrice = p
	}

	var limitPrice *decimal.Decimal
	if o.LimitPrice != nil && *o.LimitPrice != "" {
		p, err := decimal.NewFromString(*o.LimitPrice)
		if err != nil {
			return nil, fmt.Errorf("bad limit price %q: %w", *o.LimitPrice, err)
		}
		limitPrice = &p
	}

	order := &domain.Order{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Type:          domain.OrderType(o.Type),
		Status:        orderStatusFromWire(o.Status),
		RequestedQty:  requested,
		FilledQty:     filled,
		AvgFillPrice:  avgPrice,
		LimitPrice:    limitPrice,
	}
	if t, err := time.Parse(time.RFC3339Nano, o.SubmittedAt); err == nil {
		order.SubmittedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, o.UpdatedAt); err == nil {
		order.UpdatedAt = t
	}
	return order, nil
}

func (p *apiPosition) toDomain() (domain.Position, error) {
	qty, err := decimal.NewFromString(p.Qty)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad position qty %q: %w", p.Qty, err)
	}
	avgEntry, err := decimal.NewFromString(p.AvgEntryPrice)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad avg entry %q: %w", p.AvgEntryPrice, err)
	}
	current, err := decimal.NewFromString(p.CurrentPrice)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad current price %q: %w", p.CurrentPrice, err)
	}
	marketValue, err := decimal.NewFromString(p.MarketValue)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad market value %q: %w", p.MarketValue, err)
	}
	unrealized, err := decimal.NewFromString(p.UnrealizedPL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bad unrealized P/L %q: %w", p.UnrealizedPL, err)
	}
	return domain.Position{
		Symbol:       p.Symbol,
		Quantity:     qty,
		AvgEntry:     avgEntry,
		CurrentPrice: current,
		MarketValue:  marketValue,
		UnrealizedPL: unrealized,
	}, nil
}

func (a *apiAccount) toDomain() (*domain.AccountSnapshot, error) {
	cash, err := decimal.NewFromString(a.Cash)
	if err != nil {
		return nil, fmt.Errorf("bad cash %q: %w", a.Cash, err)
	}
	buyingPower, err := decimal.NewFromString(a.BuyingPower)
	if err != nil {
		return nil, fmt.Errorf("bad buying power %q: %w", a.BuyingPower, err)
	}
	portfolioValue, err := decimal.NewFromString(a.PortfolioValue)
	if err != nil {
		return nil, fmt.Errorf("bad portfolio value %q: %w", a.PortfolioValue, err)
	}
	return &domain.AccountSnapshot{
		Cash:           cash,
		BuyingPower:    buyingPower,
		PortfolioValue: portfolioValue,
		Timestamp:      time.Now().UTC(),
	}, nil
}

func (q *apiQuote) toDomain(symbol string) (*domain.Quote, error) {
	ts, err := time.Parse(time.RFC3339Nano, q.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("bad quote timestamp %q: %w", q.Timestamp, err)
	}
	return &domain.Quote{
		Symbol:    domain.NormalizeSymbol(symbol),
		BidPrice:  decimal.NewFromFloat(q.BidPrice),
		AskPrice:  decimal.NewFromFloat(q.AskPrice),
		BidSize:   decimal.NewFromFloat(q.BidSize),
		AskSize:   decimal.NewFromFloat(q.AskSize),
		Timestamp: ts,
	}, nil
}

func (b *apiBar) toDomain(symbol string) (domain.Bar, error) {
	ts, err := time.Parse(time.RFC3339Nano, b.Timestamp)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("bad bar timestamp %q: %w", b.Timestamp, err)
	}
	return domain.Bar{
		Symbol:    symbol,
		Open:      decimal.NewFromFloat(b.Open),
		High:      decimal.NewFromFloat(b.High),
		Low:       decimal.NewFromFloat(b.Low),
		Close:     decimal.NewFromFloat(b.Close),
		Volume:    b.Volume,
		Timestamp: ts,
	}, nil
}

func (c *apiClock) toDomain() (*domain.MarketClock, error) {
	ts, err := time.Parse(time.RFC3339Nano, c.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("bad clock timestamp %q: %w", c.Timestamp, err)
	}
	clock := &domain.MarketClock{Timestamp: ts, IsOpen: c.IsOpen}
	if t, err := time.Parse(time.RFC3339Nano, c.NextOpen); err == nil {
		clock.NextOpen = t
	}
	if t, err := time.Parse(time.RFC3339Nano, c.NextClose); err == nil {
		clock.NextClose = t
	}
	return clock, nil
}
