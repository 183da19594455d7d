package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"github.com/quantfold/helmsman/internal/domain"
)

// marketFrame is one element of the market-data stream's message
// arrays. The T field discriminates: "q" quotes, "success"/"error"
// control messages, "subscription" confirmations.
type marketFrame struct {
	Type     string  `json:"T"`
	Message  string  `json:"msg,omitempty"`
	Code     int     `json:"code,omitempty"`
	Symbol   string  `json:"S,omitempty"`
	BidPrice float64 `json:"bp,omitempty"`
	BidSize  float64 `json:"bs,omitempty"`
	AskPrice float64 `json:"ap,omitempty"`
	AskSize  float64 `json:"as,omitempty"`
	Time     string  `json:"t,omitempty"`
}

// MarketStream is the live quote subscription feeding the quote cache.
// The subscription set survives reconnects: after a drop the stream
// re-authenticates and re-subscribes everything that was active.
type MarketStream struct {
	url        string
	key        string
	secret     string
	httpClient *http.Client
	log        zerolog.Logger

	mu           sync.RWMutex
	conn         *websocket.Conn
	connCtx      context.Context
	cancelFunc   context.CancelFunc
	connected    bool
	reconnecting bool
	stopped      bool
	symbols      map[string]bool

	quotes    chan domain.Quote
	stopChan  chan struct{}
	closeOnce sync.Once
}

var _ domain.MarketStream = (*MarketStream)(nil)

// NewMarketStream creates the market-data stream client
func NewMarketStream(url, key, secret string, log zerolog.Logger) *MarketStream {
	return &MarketStream{
		url:        url,
		key:        key,
		secret:     secret,
		httpClient: createHTTP1Client(),
		log:        log.With().Str("component", "market_stream").Logger(),
		symbols:    make(map[string]bool),
		quotes:     make(chan domain.Quote, quoteBufferSize),
		stopChan:   make(chan struct{}),
	}
}

// Connect establishes the stream and starts the read loop. Calling
// Connect on a connected stream is a no-op.
func (s *MarketStream) Connect(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		if errors.Is(err, errStreamConnected) {
			return nil
		}
		return err
	}

	s.mu.RLock()
	connCtx := s.connCtx
	s.mu.RUnlock()
	go s.readMessages(connCtx)
	return nil
}

func (s *MarketStream) dial(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return errStreamConnected
	}

	s.log.Info().Str("url", s.url).Msg("Connecting to market-data stream")

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to dial market stream: %v", domain.ErrDataUnavailable, err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	teardown := func(reason string) {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, reason)
	}

	if err := writeJSON(connCtx, conn, map[string]string{
		"action": "auth",
		"key":    s.key,
		"secret": s.secret,
	}); err != nil {
		teardown("auth failed")
		return fmt.Errorf("%w: failed to authenticate market stream: %v", domain.ErrDataUnavailable, err)
	}

	if err := awaitMarketAuth(connCtx, conn); err != nil {
		teardown("auth rejected")
		return err
	}

	// Restore the subscription set after a reconnect
	if len(s.symbols) > 0 {
		resubscribe := make([]string, 0, len(s.symbols))
		for sym := range s.symbols {
			resubscribe = append(resubscribe, sym)
		}
		if err := writeJSON(connCtx, conn, map[string]interface{}{
			"action": "subscribe",
			"quotes": resubscribe,
		}); err != nil {
			teardown("resubscribe failed")
			return fmt.Errorf("%w: failed to resubscribe quotes: %v", domain.ErrDataUnavailable, err)
		}
		s.log.Info().Int("symbols", len(resubscribe)).Msg("Restored quote subscriptions")
	}

	s.conn = conn
	s.connCtx = connCtx
	s.cancelFunc = connCancel
	s.connected = true

	s.log.Info().Msg("Market-data stream connected")
	return nil
}

// awaitMarketAuth reads control frames until authentication resolves
func awaitMarketAuth(ctx context.Context, conn *websocket.Conn) error {
	authCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	for {
		_, payload, err := conn.Read(authCtx)
		if err != nil {
			return fmt.Errorf("%w: no auth response: %v", domain.ErrDataUnavailable, err)
		}

		var frames []marketFrame
		if err := json.Unmarshal(payload, &frames); err != nil {
			continue
		}
		for _, f := range frames {
			switch f.Type {
			case "success":
				if f.Message == "authenticated" {
					return nil
				}
				// "connected" arrives first; keep reading
			case "error":
				return fmt.Errorf("%w: market stream auth rejected: %s (code %d)", domain.ErrBrokerPermanent, f.Message, f.Code)
			}
		}
	}
}

// Subscribe adds symbols to the live quote feed
func (s *MarketStream) Subscribe(ctx context.Context, symbols ...string) error {
	return s.changeSubscription(ctx, "subscribe", symbols, true)
}

// Unsubscribe removes symbols from the live quote feed
func (s *MarketStream) Unsubscribe(ctx context.Context, symbols ...string) error {
	return s.changeSubscription(ctx, "unsubscribe", symbols, false)
}

func (s *MarketStream) changeSubscription(ctx context.Context, action string, symbols []string, active bool) error {
	if len(symbols) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		normalized = append(normalized, domain.NormalizeSymbol(sym))
	}

	s.mu.Lock()
	conn := s.conn
	for _, sym := range normalized {
		if active {
			s.symbols[sym] = true
		} else {
			delete(s.symbols, sym)
		}
	}
	s.mu.Unlock()

	if conn == nil {
		// Not connected yet; the set is applied on the next dial
		return nil
	}
	if err := writeJSON(ctx, conn, map[string]interface{}{
		"action": action,
		"quotes": normalized,
	}); err != nil {
		return fmt.Errorf("%w: failed to %s quotes: %v", domain.ErrDataUnavailable, action, err)
	}
	return nil
}

func (s *MarketStream) readMessages(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.connected = false
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			go s.reconnectLoop()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, payload, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				s.log.Info().Int("status", int(closeStatus)).Msg("Market stream closed normally")
			} else if ctx.Err() != nil {
				s.log.Debug().Msg("Market stream read cancelled")
			} else {
				s.log.Error().Err(err).Msg("Market stream read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		s.handleFrames(payload)
	}
}

func (s *MarketStream) handleFrames(payload []byte) {
	var frames []marketFrame
	if err := json.Unmarshal(payload, &frames); err != nil {
		s.log.Error().Err(err).Msg("Failed to parse market stream payload")
		return
	}

	for _, f := range frames {
		switch f.Type {
		case "q":
			quote := domain.Quote{
				Symbol:   domain.NormalizeSymbol(f.Symbol),
				BidPrice: decimal.NewFromFloat(f.BidPrice),
				AskPrice: decimal.NewFromFloat(f.AskPrice),
				BidSize:  decimal.NewFromFloat(f.BidSize),
				AskSize:  decimal.NewFromFloat(f.AskSize),
			}
			if t, err := time.Parse(time.RFC3339Nano, f.Time); err == nil {
				quote.Timestamp = t
			} else {
				quote.Timestamp = time.Now().UTC()
			}

			select {
			case s.quotes <- quote:
			default:
				// Quote traffic is high-volume and any single quote is
				// replaceable; drop rather than block the read loop.
			}
		case "error":
			s.log.Warn().Int("code", f.Code).Str("message", f.Message).Msg("Market stream error frame")
		case "subscription":
			s.log.Debug().Msg("Subscription state confirmed")
		}
	}
}

func (s *MarketStream) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.stopped {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		attempt++
		delay := calculateBackoff(attempt)
		if attempt <= maxReconnectAttempts {
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting market stream")
		} else {
			s.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Market stream reconnection still failing, retrying")
		}

		select {
		case <-time.After(delay):
		case <-s.stopChan:
			return
		}

		if err := s.dial(context.Background()); err != nil {
			if errors.Is(err, errStreamConnected) {
				// Another caller re-established the connection
				return
			}
			s.log.Error().Err(err).Int("attempt", attempt).Msg("Market stream reconnection failed")
			continue
		}

		s.mu.RLock()
		connCtx := s.connCtx
		s.mu.RUnlock()
		go s.readMessages(connCtx)
		return
	}
}

// Quotes yields streamed quotes. The channel closes on Close.
func (s *MarketStream) Quotes() <-chan domain.Quote {
	return s.quotes
}

// Connected reports whether the stream is currently live
func (s *MarketStream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Close tears down the stream and closes the Quotes channel
func (s *MarketStream) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conn := s.conn
	cancel := s.cancelFunc
	s.conn = nil
	s.cancelFunc = nil
	s.connected = false
	s.mu.Unlock()

	close(s.stopChan)
	if cancel != nil {
		cancel()
	}

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "")
	}
	s.closeOnce.Do(func() { close(s.quotes) })
	return err
}
