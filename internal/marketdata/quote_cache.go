// Package marketdata provides the process-wide quote cache fed by the
// broker's market-data stream and the bar cache backing strategy
// evaluation.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/domain"
)

// QuoteCache holds the latest quote per subscribed symbol. One cache
// per process; the subscription set is bounded and evicts by least
// recent use, never evicting symbols pinned by open orders.
type QuoteCache struct {
	stream     domain.MarketStream
	maxSymbols int
	log        zerolog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	waiters map[string][]chan domain.Quote

	stopOnce sync.Once
	stopChan chan struct{}
}

type cacheEntry struct {
	quote      *domain.Quote
	lastAccess time.Time
	refs       int // open-order pins; pinned entries are not evicted
}

// NewQuoteCache creates the quote cache over a market-data stream
func NewQuoteCache(stream domain.MarketStream, maxSymbols int, log zerolog.Logger) *QuoteCache {
	if maxSymbols <= 0 {
		maxSymbols = 30
	}
	return &QuoteCache{
		stream:     stream,
		maxSymbols: maxSymbols,
		log:        log.With().Str("component", "quote_cache").Logger(),
		entries:    make(map[string]*cacheEntry),
		waiters:    make(map[string][]chan domain.Quote),
		stopChan:   make(chan struct{}),
	}
}

// Start connects the stream and launches the ingest loop
func (c *QuoteCache) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect market-data stream: %w", err)
	}
	go c.ingest()
	return nil
}

// Stop tears down the ingest loop and the stream
func (c *QuoteCache) Stop() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	return c.stream.Close()
}

// ingest consumes streamed quotes, updates the cache, and wakes any
// workers waiting for a fresh quote on that symbol.
func (c *QuoteCache) ingest() {
	quotes := c.stream.Quotes()
	for {
		select {
		case <-c.stopChan:
			return
		case q, ok := <-quotes:
			if !ok {
				c.log.Warn().Msg("Market-data stream channel closed")
				return
			}
			c.store(q)
		}
	}
}

func (c *QuoteCache) store(q domain.Quote) {
	c.mu.Lock()
	e, ok := c.entries[q.Symbol]
	if !ok {
		// Quote for a symbol we no longer track (evicted mid-flight)
		c.mu.Unlock()
		return
	}
	e.quote = &q
	waiters := c.waiters[q.Symbol]
	delete(c.waiters, q.Symbol)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- q
		close(w)
	}
}

// Subscribe adds a symbol to the live feed, evicting the least
// recently used unpinned symbol when the cap is reached.
func (c *QuoteCache) Subscribe(ctx context.Context, symbol string) error {
	symbol = domain.NormalizeSymbol(symbol)

	c.mu.Lock()
	if _, ok := c.entries[symbol]; ok {
		c.entries[symbol].lastAccess = time.Now()
		c.mu.Unlock()
		return nil
	}

	var evicted string
	if len(c.entries) >= c.maxSymbols {
		evicted = c.evictLocked()
		if evicted == "" {
			c.mu.Unlock()
			return fmt.Errorf("quote cache full: %d symbols all pinned by open orders", c.maxSymbols)
		}
	}
	c.entries[symbol] = &cacheEntry{lastAccess: time.Now()}
	c.mu.Unlock()

	if evicted != "" {
		if err := c.stream.Unsubscribe(ctx, evicted); err != nil {
			c.log.Warn().Err(err).Str("symbol", evicted).Msg("Failed to unsubscribe evicted symbol")
		}
		c.log.Debug().Str("evicted", evicted).Str("added", symbol).Msg("Quote cache eviction")
	}

	if err := c.stream.Subscribe(ctx, symbol); err != nil {
		c.mu.Lock()
		delete(c.entries, symbol)
		c.mu.Unlock()
		return fmt.Errorf("failed to subscribe %s: %w", symbol, err)
	}
	return nil
}

// evictLocked picks the least recently used entry with no pins.
// Returns "" when every entry is pinned.
func (c *QuoteCache) evictLocked() string {
	var victim string
	var oldest time.Time
	for symbol, e := range c.entries {
		if e.refs > 0 {
			continue
		}
		if victim == "" || e.lastAccess.Before(oldest) {
			victim = symbol
			oldest = e.lastAccess
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		// Waiters for an evicted symbol will time out on their own
	}
	return victim
}

// Pin marks a symbol as having an open order; pinned symbols survive
// eviction until released.
func (c *QuoteCache) Pin(symbol string) {
	symbol = domain.NormalizeSymbol(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[symbol]; ok {
		e.refs++
	}
}

// Unpin releases one open-order pin
func (c *QuoteCache) Unpin(symbol string) {
	symbol = domain.NormalizeSymbol(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[symbol]; ok && e.refs > 0 {
		e.refs--
	}
}

// Get returns the cached quote for a symbol, or nil when none arrived yet
func (c *QuoteCache) Get(symbol string) *domain.Quote {
	symbol = domain.NormalizeSymbol(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[symbol]
	if !ok || e.quote == nil {
		return nil
	}
	e.lastAccess = time.Now()
	q := *e.quote
	return &q
}

// WaitFresh returns a quote no older than maxAge, waiting up to
// timeout for one to arrive on the stream. The caller falls back to a
// REST snapshot on ErrDataUnavailable.
func (c *QuoteCache) WaitFresh(ctx context.Context, symbol string, maxAge, timeout time.Duration) (*domain.Quote, error) {
	symbol = domain.NormalizeSymbol(symbol)

	c.mu.Lock()
	e, ok := c.entries[symbol]
	if ok && e.quote != nil && e.quote.Age(time.Now()) <= maxAge {
		e.lastAccess = time.Now()
		q := *e.quote
		c.mu.Unlock()
		return &q, nil
	}
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: symbol %s not subscribed", domain.ErrDataUnavailable, symbol)
	}
	// Register a waiter for the next streamed quote
	w := make(chan domain.Quote, 1)
	c.waiters[symbol] = append(c.waiters[symbol], w)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q := <-w:
		return &q, nil
	case <-timer.C:
		c.dropWaiter(symbol, w)
		return nil, fmt.Errorf("%w: no fresh quote for %s within %s", domain.ErrDataUnavailable, symbol, timeout)
	case <-ctx.Done():
		c.dropWaiter(symbol, w)
		return nil, ctx.Err()
	}
}

func (c *QuoteCache) dropWaiter(symbol string, w chan domain.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[symbol]
	for i, cand := range ws {
		if cand == w {
			c.waiters[symbol] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// Symbols returns the currently subscribed symbols
func (c *QuoteCache) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for s := range c.entries {
		out = append(out, s)
	}
	return out
}
