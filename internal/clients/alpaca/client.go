// Package alpaca provides the live broker adapter: a rate-limited REST
// client plus the trade-update and market-data streams.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quantfold/helmsman/internal/domain"
)

const (
	submitTimeout = 10 * time.Second
	cancelTimeout = 5 * time.Second
	queryTimeout  = 5 * time.Second

	defaultRateLimit = 200 // requests per second
)

// Config holds the REST client settings
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading API
	DataURL   string // market-data API
	RateLimit int    // requests per second, 0 means default
}

// Client is the REST adapter for the live broker. All requests pass
// through a shared token bucket so bursts across goroutines stay under
// the broker's rate limit.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

var _ domain.Broker = (*Client)(nil)

// NewClient creates a new broker REST client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(limit), limit),
		log:        log.With().Str("component", "broker_client").Logger(),
	}
}

// SubmitOrder places an order with the broker
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	body := submitOrderRequest{
		Symbol:        domain.NormalizeSymbol(req.Symbol),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	}
	if body.TimeInForce == "" {
		body.TimeInForce = "day"
	}
	if req.Quantity != nil {
		body.Qty = req.Quantity.String()
	}
	if req.Notional != nil {
		body.Notional = req.Notional.StringFixed(2)
	}
	if req.LimitPrice != nil {
		body.LimitPrice = req.LimitPrice.String()
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	var wire apiOrder
	if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/v2/orders", body, &wire); err != nil {
		return nil, fmt.Errorf("failed to submit order for %s: %w", body.Symbol, err)
	}

	order, err := wire.toDomain()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerTransient, err)
	}
	c.log.Debug().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("type", string(order.Type)).
		Msg("Order submitted")
	return order, nil
}

// CancelOrder cancels an open order. The broker answers 422 when the
// order is already terminal; that is a success for our purposes.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	err := c.do(ctx, http.MethodDelete, c.cfg.BaseURL+"/v2/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		var httpErr *httpError
		if errors.As(err, &httpErr) && httpErr.status == http.StatusUnprocessableEntity {
			c.log.Debug().Str("order_id", orderID).Msg("Cancel no-op, order already terminal")
			return nil
		}
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrder fetches the current state of an order
func (c *Client) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var wire apiOrder
	if err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/orders/"+url.PathEscape(orderID), nil, &wire); err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	order, err := wire.toDomain()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerTransient, err)
	}
	return order, nil
}

// ListOpenOrders returns all non-terminal orders
func (c *Client) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var wire []apiOrder
	if err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/orders?status=open&limit=500", nil, &wire); err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	orders := make([]domain.Order, 0, len(wire))
	for i := range wire {
		order, err := wire[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBrokerTransient, err)
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

// ClosePosition liquidates an entire position through the broker's
// native close primitive, clearing fractional-share residue a
// quantity order would leave behind.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (*domain.Order, error) {
	symbol = domain.NormalizeSymbol(symbol)

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	var wire apiOrder
	if err := c.do(ctx, http.MethodDelete, c.cfg.BaseURL+"/v2/positions/"+url.PathEscape(symbol), nil, &wire); err != nil {
		return nil, fmt.Errorf("failed to close position %s: %w", symbol, err)
	}
	order, err := wire.toDomain()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerTransient, err)
	}
	c.log.Info().Str("symbol", symbol).Str("order_id", order.OrderID).Msg("Position close submitted")
	return order, nil
}

// GetPositions returns current holdings
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var wire []apiPosition
	if err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/positions", nil, &wire); err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	positions := make([]domain.Position, 0, len(wire))
	for i := range wire {
		pos, err := wire[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBrokerTransient, err)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetAccount returns cash, buying power, and portfolio value with the
// positions attached.
func (c *Client) GetAccount(ctx context.Context) (*domain.AccountSnapshot, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var wire apiAccount
	if err := c.do(queryCtx, http.MethodGet, c.cfg.BaseURL+"/v2/account", nil, &wire); err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	snapshot, err := wire.toDomain()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerTransient, err)
	}

	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Positions = positions
	return snapshot, nil
}

// GetLatestQuote returns a REST snapshot of the top of book
func (c *Client) GetLatestQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	symbol = domain.NormalizeSymbol(symbol)

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v2/stocks/%s/quotes/latest", c.cfg.DataURL, url.PathEscape(symbol))
	var wire apiQuoteResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &wire); err != nil {
		return nil, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}
	quote, err := wire.Quote.toDomain(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDataUnavailable, err)
	}
	return quote, nil
}

// GetBars returns up to lookback daily bars ending at asOf, oldest first
func (c *Client) GetBars(ctx context.Context, symbol string, lookback int, asOf time.Time) ([]domain.Bar, error) {
	symbol = domain.NormalizeSymbol(symbol)

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// Pull a calendar window wide enough to cover the requested number
	// of trading days, then trim to the lookback.
	start := asOf.AddDate(0, 0, -(lookback*2 + 10))
	params := url.Values{}
	params.Set("timeframe", "1Day")
	params.Set("start", start.UTC().Format("2006-01-02"))
	params.Set("end", asOf.UTC().Format("2006-01-02"))
	params.Set("limit", "10000")
	params.Set("adjustment", "split")

	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.cfg.DataURL, url.PathEscape(symbol), params.Encode())
	var wire apiBarsResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &wire); err != nil {
		return nil, fmt.Errorf("failed to get bars for %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(wire.Bars))
	for i := range wire.Bars {
		bar, err := wire.Bars[i].toDomain(symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrDataUnavailable, err)
		}
		bars = append(bars, bar)
	}
	if len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	return bars, nil
}

// GetClock returns the broker's market calendar state
func (c *Client) GetClock(ctx context.Context) (*domain.MarketClock, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var wire apiClock
	if err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/clock", nil, &wire); err != nil {
		return nil, fmt.Errorf("failed to get market clock: %w", err)
	}
	clock, err := wire.toDomain()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrokerTransient, err)
	}
	return clock, nil
}

// httpError carries the status code alongside the classified sentinel
// so callers can special-case specific statuses.
type httpError struct {
	status int
	kind   error // ErrBrokerTransient or ErrBrokerPermanent
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("broker returned status %d: %s", e.status, e.body)
}

func (e *httpError) Unwrap() error { return e.kind }

// do runs one rate-limited request and decodes the JSON response into
// out when non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", domain.ErrBrokerTransient, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.APISecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: request failed: %v", domain.ErrBrokerTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", domain.ErrBrokerTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classify(resp.StatusCode, respBody, endpoint, resp.Header.Get("Retry-After"))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: failed to parse response: %v", domain.ErrBrokerTransient, err)
		}
	}
	return nil
}

// classify maps an HTTP failure onto the error taxonomy: 429 and 5xx
// are transient, other 4xx are permanent rejections. A Retry-After
// header on a transient rejection is carried up as a redelivery hint.
func (c *Client) classify(status int, body []byte, endpoint, retryAfter string) error {
	message := string(body)
	var wire apiError
	if err := json.Unmarshal(body, &wire); err == nil && wire.Message != "" {
		message = wire.Message
	}
	if len(message) > 300 {
		message = message[:300] + "..."
	}

	kind := domain.ErrBrokerPermanent
	if status == http.StatusTooManyRequests || status >= 500 {
		kind = domain.ErrBrokerTransient
	}

	c.log.Warn().
		Int("status_code", status).
		Str("url", endpoint).
		Str("message", message).
		Str("retry_after", retryAfter).
		Msg("Broker request rejected")

	err := &httpError{status: status, kind: kind, body: message}
	if kind == domain.ErrBrokerTransient {
		if delay := parseRetryAfter(retryAfter); delay > 0 {
			return &domain.RetryAfterError{Delay: delay, Err: err}
		}
	}
	return err
}

// parseRetryAfter handles both Retry-After forms: delay seconds and an
// HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

// NotionalOrder builds a market order sized by dollar amount rather
// than share count.
func NotionalOrder(symbol string, side domain.OrderSide, notional decimal.Decimal) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:      domain.NormalizeSymbol(symbol),
		Side:        side,
		Type:        domain.OrderTypeMarket,
		Notional:    &notional,
		TimeInForce: "day",
	}
}
