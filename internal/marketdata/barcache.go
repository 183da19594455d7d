package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantfold/helmsman/internal/domain"
)

// cachedBar is the msgpack wire shape of one bar. Decimals travel as
// exact strings so precision survives the round trip.
type cachedBar struct {
	Symbol    string `msgpack:"s"`
	Open      string `msgpack:"o"`
	High      string `msgpack:"h"`
	Low       string `msgpack:"l"`
	Close     string `msgpack:"c"`
	Volume    int64  `msgpack:"v"`
	Timestamp int64  `msgpack:"t"` // unix seconds UTC
}

// BarCache is a read-through cache of daily bar series in front of the
// broker's historical-bars endpoint. Entries are keyed by
// (symbol, lookback, as-of day) so one trading day's evaluations hit
// the broker once per series.
type BarCache struct {
	db     *sql.DB
	source domain.MarketData
	log    zerolog.Logger
}

var _ domain.MarketData = (*BarCache)(nil)

// NewBarCache creates the bar cache over the cache database
func NewBarCache(db *sql.DB, source domain.MarketData, log zerolog.Logger) *BarCache {
	return &BarCache{
		db:     db,
		source: source,
		log:    log.With().Str("component", "bar_cache").Logger(),
	}
}

// DailyBars returns cached bars when present, otherwise fetches from
// the source and stores the encoded series.
func (c *BarCache) DailyBars(ctx context.Context, symbol string, lookback int, asOf time.Time) ([]domain.Bar, error) {
	symbol = domain.NormalizeSymbol(symbol)
	day := asOf.UTC().Format("2006-01-02")

	if bars, ok := c.lookup(ctx, symbol, lookback, day); ok {
		return bars, nil
	}

	bars, err := c.source.DailyBars(ctx, symbol, lookback, asOf)
	if err != nil {
		return nil, err
	}

	if err := c.insert(ctx, symbol, lookback, day, bars); err != nil {
		// Cache write failure is not fatal; the data is good
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache bar series")
	}
	return bars, nil
}

func (c *BarCache) lookup(ctx context.Context, symbol string, lookback int, day string) ([]domain.Bar, bool) {
	var payload []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT payload FROM bar_cache WHERE symbol = ? AND lookback = ? AND as_of_day = ?
	`, symbol, lookback, day).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Bar cache read failed")
		return nil, false
	}

	var encoded []cachedBar
	if err := msgpack.Unmarshal(payload, &encoded); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Bar cache payload undecodable, refetching")
		return nil, false
	}

	bars := make([]domain.Bar, 0, len(encoded))
	for _, cb := range encoded {
		bar, err := cb.toBar()
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("Bar cache entry corrupt, refetching")
			return nil, false
		}
		bars = append(bars, bar)
	}
	return bars, true
}

func (c *BarCache) insert(ctx context.Context, symbol string, lookback int, day string, bars []domain.Bar) error {
	encoded := make([]cachedBar, 0, len(bars))
	for _, b := range bars {
		encoded = append(encoded, cachedBar{
			Symbol:    b.Symbol,
			Open:      b.Open.String(),
			High:      b.High.String(),
			Low:       b.Low.String(),
			Close:     b.Close.String(),
			Volume:    b.Volume,
			Timestamp: b.Timestamp.UTC().Unix(),
		})
	}
	payload, err := msgpack.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("failed to encode bar series: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO bar_cache (symbol, lookback, as_of_day, payload)
		VALUES (?, ?, ?, ?)
	`, symbol, lookback, day, payload)
	if err != nil {
		return fmt.Errorf("failed to write bar cache: %w", err)
	}
	return nil
}

func (cb *cachedBar) toBar() (domain.Bar, error) {
	open, err := decimal.NewFromString(cb.Open)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("bad open %q: %w", cb.Open, err)
	}
	high, err := decimal.NewFromString(cb.High)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("bad high %q: %w", cb.High, err)
	}
	low, err := decimal.NewFromString(cb.Low)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("bad low %q: %w", cb.Low, err)
	}
	closep, err := decimal.NewFromString(cb.Close)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("bad close %q: %w", cb.Close, err)
	}
	return domain.Bar{
		Symbol:    cb.Symbol,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closep,
		Volume:    cb.Volume,
		Timestamp: time.Unix(cb.Timestamp, 0).UTC(),
	}, nil
}

// BrokerBars adapts a Broker's historical-bars endpoint to the
// MarketData port.
type BrokerBars struct {
	broker domain.Broker
}

var _ domain.MarketData = (*BrokerBars)(nil)

// NewBrokerBars wraps a broker as a MarketData source
func NewBrokerBars(broker domain.Broker) *BrokerBars {
	return &BrokerBars{broker: broker}
}

// DailyBars fetches daily bars from the broker
func (b *BrokerBars) DailyBars(ctx context.Context, symbol string, lookback int, asOf time.Time) ([]domain.Bar, error) {
	return b.broker.GetBars(ctx, symbol, lookback, asOf)
}
