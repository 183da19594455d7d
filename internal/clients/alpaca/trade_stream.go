package alpaca

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"github.com/quantfold/helmsman/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 2 * time.Second
	maxReconnectDelay    = 2 * time.Minute
	maxReconnectAttempts = 10

	updateBufferSize = 256
	quoteBufferSize  = 1024
)

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// The broker's edge negotiates HTTP/2 via TLS ALPN, but the WebSocket
// upgrade handshake requires HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// errStreamConnected reports a dial attempt against a stream that
// already holds a live connection. The websocket connection allows only
// one concurrent reader, so a second dial must never spawn a second
// read loop.
var errStreamConnected = errors.New("stream already connected")

// calculateBackoff returns the exponential reconnect delay for attempt,
// capped at maxReconnectDelay.
func calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

// tradeStreamMessage is one frame from the trade-update stream
type tradeStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeUpdateData struct {
	Event       string   `json:"event"`
	Timestamp   string   `json:"timestamp"`
	PositionQty string   `json:"position_qty"`
	Price       string   `json:"price"`
	Qty         string   `json:"qty"`
	Order       apiOrder `json:"order"`
}

type authResultData struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

// TradeStream is the long-lived subscription to order state
// transitions. One stream per process; consumers demultiplex updates
// per order ID off the Updates channel.
type TradeStream struct {
	url        string
	key        string
	secret     string
	httpClient *http.Client
	log        zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	connected  bool
	reconnecting bool
	stopped    bool

	updates  chan domain.TradeUpdate
	stopChan chan struct{}
	closeOnce sync.Once
}

var _ domain.TradeStream = (*TradeStream)(nil)

// NewTradeStream creates the trade-update stream client
func NewTradeStream(url, key, secret string, log zerolog.Logger) *TradeStream {
	return &TradeStream{
		url:        url,
		key:        key,
		secret:     secret,
		httpClient: createHTTP1Client(),
		log:        log.With().Str("component", "trade_stream").Logger(),
		updates:    make(chan domain.TradeUpdate, updateBufferSize),
		stopChan:   make(chan struct{}),
	}
}

// Connect establishes the stream, authenticates, and starts the read
// loop. Reconnection after a drop is handled internally with backoff.
// Calling Connect on a connected stream is a no-op.
func (s *TradeStream) Connect(ctx context.Context) error {
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

// dial opens the WebSocket, authenticates, and subscribes to trade updates
func (s *TradeStream) dial(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return errStreamConnected
	}

	s.log.Info().Str("url", s.url).Msg("Connecting to trade-update stream")

	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to dial trade stream: %v", domain.ErrBrokerTransient, err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	teardown := func(reason string) {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, reason)
	}

	if err := writeJSON(connCtx, conn, map[string]interface{}{
		"action": "auth",
		"key":    s.key,
		"secret": s.secret,
	}); err != nil {
		teardown("auth failed")
		return fmt.Errorf("%w: failed to authenticate trade stream: %v", domain.ErrBrokerTransient, err)
	}

	if err := s.awaitAuth(connCtx, conn); err != nil {
		teardown("auth rejected")
		return err
	}

	if err := writeJSON(connCtx, conn, map[string]interface{}{
		"action": "listen",
		"data":   map[string][]string{"streams": {"trade_updates"}},
	}); err != nil {
		teardown("listen failed")
		return fmt.Errorf("%w: failed to subscribe to trade updates: %v", domain.ErrBrokerTransient, err)
	}

	s.conn = conn
	s.connCtx = connCtx
	s.cancelFunc = connCancel
	s.connected = true

	s.log.Info().Msg("Trade-update stream connected")
	return nil
}

// awaitAuth reads frames until the authorization result arrives
func (s *TradeStream) awaitAuth(ctx context.Context, conn *websocket.Conn) error {
	authCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	for {
		_, payload, err := conn.Read(authCtx)
		if err != nil {
			return fmt.Errorf("%w: no auth response: %v", domain.ErrBrokerTransient, err)
		}

		var msg tradeStreamMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Stream != "authorization" {
			continue
		}

		var result authResultData
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			return fmt.Errorf("%w: malformed auth response: %v", domain.ErrBrokerTransient, err)
		}
		if result.Status != "authorized" {
			return fmt.Errorf("%w: trade stream auth rejected: %s", domain.ErrBrokerPermanent, result.Status)
		}
		return nil
	}
}

// readMessages consumes frames until the connection drops, then hands
// off to the reconnect loop.
func (s *TradeStream) readMessages(ctx context.Context) {
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
				s.log.Info().Int("status", int(closeStatus)).Msg("Trade stream closed normally")
			} else if ctx.Err() != nil {
				s.log.Debug().Msg("Trade stream read cancelled")
			} else {
				s.log.Error().Err(err).Msg("Trade stream read error")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		if err := s.handleFrame(payload); err != nil {
			s.log.Error().Err(err).Msg("Failed to handle trade stream frame")
		}
	}
}

func (s *TradeStream) handleFrame(payload []byte) error {
	var msg tradeStreamMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to parse stream frame: %w", err)
	}
	if msg.Stream != "trade_updates" {
		return nil
	}

	var data tradeUpdateData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return fmt.Errorf("failed to parse trade update: %w", err)
	}

	update := domain.TradeUpdate{
		OrderID: data.Order.ID,
		Event:   tradeEventFromWire(data.Event),
		Status:  orderStatusFromWire(data.Order.Status),
	}
	if data.Order.FilledQty != "" {
		if q, err := decimal.NewFromString(data.Order.FilledQty); err == nil {
			update.FilledQty = q
		}
	}
	if data.Order.FilledAvgPx != nil && *data.Order.FilledAvgPx != "" {
		if p, err := decimal.NewFromString(*data.Order.FilledAvgPx); err == nil {
			update.AvgPrice = p
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, data.Timestamp); err == nil {
		update.Timestamp = t
	} else {
		update.Timestamp = time.Now().UTC()
	}

	select {
	case s.updates <- update:
	default:
		// A full buffer means the consumer stalled; dropping the oldest
		// update is recovered by the polling fallback.
		s.log.Warn().Str("order_id", update.OrderID).Msg("Trade update buffer full, dropping update")
	}
	return nil
}

// reconnectLoop re-dials with exponential backoff until connected or stopped
func (s *TradeStream) reconnectLoop() {
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
			s.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting trade stream")
		} else {
			s.log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Trade stream reconnection still failing, retrying")
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
			s.log.Error().Err(err).Int("attempt", attempt).Msg("Trade stream reconnection failed")
			continue
		}

		s.mu.RLock()
		connCtx := s.connCtx
		s.mu.RUnlock()
		go s.readMessages(connCtx)
		return
	}
}

// Updates yields trade updates. The channel closes on Close.
func (s *TradeStream) Updates() <-chan domain.TradeUpdate {
	return s.updates
}

// Connected reports whether the stream is currently live
func (s *TradeStream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Close tears down the stream and closes the Updates channel
func (s *TradeStream) Close() error {
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
	s.closeOnce.Do(func() { close(s.updates) })
	return err
}

// writeJSON marshals v and writes it as one text frame with a write deadline
func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}
