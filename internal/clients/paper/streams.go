package paper

import (
	"context"
	"sync"

	"github.com/quantfold/helmsman/internal/domain"
)

const streamBufferSize = 256

// TradeStream is the simulator's in-process trade-update feed
type TradeStream struct {
	mu        sync.Mutex
	updates   chan domain.TradeUpdate
	connected bool
	closed    bool
}

var _ domain.TradeStream = (*TradeStream)(nil)

func newTradeStream() *TradeStream {
	return &TradeStream{updates: make(chan domain.TradeUpdate, streamBufferSize)}
}

// Connect marks the stream live
func (t *TradeStream) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// Updates yields trade updates. The channel closes on Close.
func (t *TradeStream) Updates() <-chan domain.TradeUpdate { return t.updates }

// Connected reports whether Connect has been called
func (t *TradeStream) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close tears down the stream
func (t *TradeStream) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	close(t.updates)
	return nil
}

func (t *TradeStream) publish(update domain.TradeUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.updates <- update:
	default:
		// Consumer stalled; the execution monitor recovers via polling
	}
}

// MarketStream is the simulator's in-process quote feed. Only quotes
// for subscribed symbols are delivered, matching the live stream.
type MarketStream struct {
	sim *Simulator

	mu         sync.Mutex
	subscribed map[string]bool
	quotes     chan domain.Quote
	connected  bool
	closed     bool
}

var _ domain.MarketStream = (*MarketStream)(nil)

func newMarketStream(sim *Simulator) *MarketStream {
	return &MarketStream{
		sim:        sim,
		subscribed: make(map[string]bool),
		quotes:     make(chan domain.Quote, streamBufferSize),
	}
}

// Connect marks the stream live
func (m *MarketStream) Connect(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Subscribe adds symbols to the feed
func (m *MarketStream) Subscribe(_ context.Context, symbols ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		m.subscribed[domain.NormalizeSymbol(s)] = true
	}
	return nil
}

// Unsubscribe removes symbols from the feed
func (m *MarketStream) Unsubscribe(_ context.Context, symbols ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		delete(m.subscribed, domain.NormalizeSymbol(s))
	}
	return nil
}

// Quotes yields streamed quotes. The channel closes on Close.
func (m *MarketStream) Quotes() <-chan domain.Quote { return m.quotes }

// Connected reports whether Connect has been called
func (m *MarketStream) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close tears down the stream
func (m *MarketStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.quotes)
	return nil
}

func (m *MarketStream) publish(q domain.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.subscribed[q.Symbol] {
		return
	}
	select {
	case m.quotes <- q:
	default:
	}
}
