// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all databases (always absolute)
	LogLevel  string
	LogPretty bool
	Port      int // Operator API port
	DevMode   bool

	// Workflow
	Mode                    domain.TradingMode // paper or live
	ShardedExecution        bool               // one TradeMessage per worker invocation
	AllowedStrategies       []string
	StrategyAllocations     map[string]decimal.Decimal // strategy id -> allocation share
	MinStrategiesForPartial int                        // minimum surviving strategies for a partial signal
	RunSchedule             string                     // cron expression for the daily run
	Universe                []string                   // symbols the strategies consider
	PaperStartingCash       decimal.Decimal            // simulator seed when no broker keys are set

	// Planning
	MinTradeAmount decimal.Decimal // dust filter, USD
	CashReservePct decimal.Decimal // BUY-phase cash buffer as fraction of portfolio value
	MinCashReserve decimal.Decimal // floor for the cash buffer, USD

	// Gating
	MaxSingleOrder     decimal.Decimal // per-order notional cap, USD
	MaxDailyTradeValue decimal.Decimal // cumulative per-run cap, USD
	MarketHoursBypass  bool            // skip the market-hours gate (paper/testing)

	// Smart limit pipeline
	BuyTimeout             time.Duration
	SellTimeout            time.Duration
	MaxRepegs              int
	RepegInterval          time.Duration
	PegAggressivenessBuy   decimal.Decimal // fraction of the spread past the bid
	PegAggressivenessSell  decimal.Decimal // fraction of the spread below the ask
	QuoteTimeout           time.Duration
	QuoteMaxStaleness      time.Duration
	SpreadWideBps          decimal.Decimal // spreads wider than this fall through to market
	SettlementTimeout      time.Duration
	ClosePositionThreshold decimal.Decimal // residue fraction that converts a sell to a liquidation
	SafetyMargin           time.Duration   // minimum remaining worker budget before bailing out

	// Broker adapter
	BrokerAPIKey        string
	BrokerAPISecret     string
	BrokerBaseURL       string
	BrokerDataURL       string
	BrokerTradeStream   string
	BrokerMarketStream  string
	BrokerRateLimit     int // REST requests per second
	QuoteCacheMaxSymbols int

	// Event bus
	BusDriver string // memory or nats
	NATSURL   string

	// Backups
	BackupEnabled   bool
	BackupBucket    string
	BackupPrefix    string
	BackupEndpoint  string // S3-compatible endpoint override
	BackupRegion    string
	BackupAccessKey string // static key pair; empty falls back to the AWS env chain
	BackupSecretKey string
	BackupKeep      int // most recent archives to retain
}

// defaultUniverse is the out-of-the-box symbol set: liquid US large
// caps with tight spreads, so the smart limit pipeline has quotes to
// peg against.
var defaultUniverse = []string{
	"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META",
	"JPM", "V", "UNH", "XOM", "PG", "HD", "KO", "COST", "AVGO",
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("HELMSMAN_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve data directory path: %v", domain.ErrConfiguration, err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %v", domain.ErrConfiguration, err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		Port:      getEnvAsInt("API_PORT", 8010),
		DevMode:   getEnvAsBool("DEV_MODE", false),

		Mode:                    domain.TradingMode(getEnv("TRADING_MODE", string(domain.ModePaper))),
		ShardedExecution:        getEnvAsBool("SHARDED_EXECUTION", false),
		AllowedStrategies:       getEnvAsStringSlice("ALLOWED_STRATEGIES", []string{"momentum", "sma_crossover", "inverse_volatility"}),
		StrategyAllocations:     getEnvAsDecimalMap("STRATEGY_ALLOCATIONS", nil),
		MinStrategiesForPartial: getEnvAsInt("MIN_STRATEGIES_FOR_PARTIAL", 1),
		RunSchedule:             getEnv("RUN_SCHEDULE", "0 35 9 * * MON-FRI"),
		Universe:                getEnvAsStringSlice("TRADING_UNIVERSE", defaultUniverse),
		PaperStartingCash:       getEnvAsDecimal("PAPER_STARTING_CASH", decimal.NewFromInt(100000)),

		MinTradeAmount: getEnvAsDecimal("MIN_TRADE_AMOUNT_USD", decimal.NewFromInt(5)),
		CashReservePct: getEnvAsDecimal("CASH_RESERVE_PCT", decimal.NewFromFloat(0.01)),
		MinCashReserve: getEnvAsDecimal("MIN_CASH_RESERVE_USD", decimal.NewFromInt(100)),

		MaxSingleOrder:     getEnvAsDecimal("MAX_SINGLE_ORDER_USD", decimal.NewFromInt(100000)),
		MaxDailyTradeValue: getEnvAsDecimal("MAX_DAILY_TRADE_VALUE_USD", decimal.NewFromInt(500000)),
		MarketHoursBypass:  getEnvAsBool("MARKET_HOURS_BYPASS", false),

		BuyTimeout:             getEnvAsDuration("BUY_TIMEOUT_SECONDS", 15*time.Second),
		SellTimeout:            getEnvAsDuration("SELL_TIMEOUT_SECONDS", 10*time.Second),
		MaxRepegs:              getEnvAsInt("MAX_REPEGS_PER_ORDER", 5),
		RepegInterval:          getEnvAsDuration("REPEG_INTERVAL_SECONDS", 3*time.Second),
		PegAggressivenessBuy:   getEnvAsDecimal("PEG_AGGRESSIVENESS_BUY", decimal.NewFromFloat(0.75)),
		PegAggressivenessSell:  getEnvAsDecimal("PEG_AGGRESSIVENESS_SELL", decimal.NewFromFloat(0.85)),
		QuoteTimeout:           getEnvAsDuration("QUOTE_TIMEOUT_SECONDS", 1*time.Second),
		QuoteMaxStaleness:      getEnvAsDuration("QUOTE_MAX_STALENESS_SECONDS", 2*time.Second),
		SpreadWideBps:          getEnvAsDecimal("SPREAD_WIDE_BPS", decimal.NewFromInt(50)),
		SettlementTimeout:      getEnvAsDuration("SETTLEMENT_TIMEOUT_SECONDS", 30*time.Second),
		ClosePositionThreshold: getEnvAsDecimal("CLOSE_POSITION_THRESHOLD", decimal.NewFromFloat(0.01)),
		SafetyMargin:           getEnvAsDuration("SAFETY_MARGIN_SECONDS", 30*time.Second),

		BrokerAPIKey:         getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret:      getEnv("BROKER_API_SECRET", ""),
		BrokerBaseURL:        getEnv("BROKER_BASE_URL", "https://paper-api.alpaca.markets"),
		BrokerDataURL:        getEnv("BROKER_DATA_URL", "https://data.alpaca.markets"),
		BrokerTradeStream:    getEnv("BROKER_TRADE_STREAM_URL", "wss://paper-api.alpaca.markets/stream"),
		BrokerMarketStream:   getEnv("BROKER_MARKET_STREAM_URL", "wss://stream.data.alpaca.markets/v2/iex"),
		BrokerRateLimit:      getEnvAsInt("BROKER_RATE_LIMIT_PER_SEC", 200),
		QuoteCacheMaxSymbols: getEnvAsInt("QUOTE_CACHE_MAX_SYMBOLS", 30),

		BusDriver: getEnv("BUS_DRIVER", "memory"),
		NATSURL:   getEnv("NATS_URL", "nats://127.0.0.1:4222"),

		BackupEnabled:   getEnvAsBool("BACKUP_ENABLED", false),
		BackupBucket:    getEnv("BACKUP_BUCKET", ""),
		BackupPrefix:    getEnv("BACKUP_PREFIX", "helmsman"),
		BackupEndpoint:  getEnv("BACKUP_ENDPOINT", ""),
		BackupRegion:    getEnv("BACKUP_REGION", "auto"),
		BackupAccessKey: getEnv("BACKUP_ACCESS_KEY_ID", ""),
		BackupSecretKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
		BackupKeep:      getEnvAsInt("BACKUP_KEEP", 14),
	}

	if cfg.StrategyAllocations == nil {
		cfg.StrategyAllocations = equalAllocations(cfg.AllowedStrategies)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and coherent
func (c *Config) Validate() error {
	if c.Mode != domain.ModePaper && c.Mode != domain.ModeLive {
		return fmt.Errorf("%w: TRADING_MODE must be paper or live, got %q", domain.ErrConfiguration, c.Mode)
	}
	if c.Mode == domain.ModeLive && (c.BrokerAPIKey == "" || c.BrokerAPISecret == "") {
		return fmt.Errorf("%w: live mode requires BROKER_API_KEY and BROKER_API_SECRET", domain.ErrConfiguration)
	}
	one := decimal.NewFromInt(1)
	if c.PegAggressivenessBuy.IsNegative() || c.PegAggressivenessBuy.GreaterThan(one) {
		return fmt.Errorf("%w: PEG_AGGRESSIVENESS_BUY must be in [0,1], got %s", domain.ErrConfiguration, c.PegAggressivenessBuy)
	}
	if c.PegAggressivenessSell.IsNegative() || c.PegAggressivenessSell.GreaterThan(one) {
		return fmt.Errorf("%w: PEG_AGGRESSIVENESS_SELL must be in [0,1], got %s", domain.ErrConfiguration, c.PegAggressivenessSell)
	}
	if !c.MinTradeAmount.IsPositive() {
		return fmt.Errorf("%w: MIN_TRADE_AMOUNT_USD must be positive", domain.ErrConfiguration)
	}
	if !c.MaxSingleOrder.IsPositive() || !c.MaxDailyTradeValue.IsPositive() {
		return fmt.Errorf("%w: order and daily limits must be positive", domain.ErrConfiguration)
	}
	if c.MaxRepegs < 0 {
		return fmt.Errorf("%w: MAX_REPEGS_PER_ORDER must be >= 0", domain.ErrConfiguration)
	}
	if c.BuyTimeout <= 0 || c.SellTimeout <= 0 {
		return fmt.Errorf("%w: phase timeouts must be positive", domain.ErrConfiguration)
	}
	if len(c.AllowedStrategies) == 0 {
		return fmt.Errorf("%w: ALLOWED_STRATEGIES is empty", domain.ErrConfiguration)
	}
	if len(c.Universe) == 0 {
		return fmt.Errorf("%w: TRADING_UNIVERSE is empty", domain.ErrConfiguration)
	}
	if c.MinStrategiesForPartial < 1 || c.MinStrategiesForPartial > len(c.AllowedStrategies) {
		return fmt.Errorf("%w: MIN_STRATEGIES_FOR_PARTIAL must be in [1,%d]", domain.ErrConfiguration, len(c.AllowedStrategies))
	}
	if c.BusDriver != "memory" && c.BusDriver != "nats" {
		return fmt.Errorf("%w: BUS_DRIVER must be memory or nats, got %q", domain.ErrConfiguration, c.BusDriver)
	}
	if c.BackupEnabled && c.BackupBucket == "" {
		return fmt.Errorf("%w: BACKUP_ENABLED requires BACKUP_BUCKET", domain.ErrConfiguration)
	}

	// Allocation shares must cover the allowed strategies and sum to 1.0
	sum := decimal.Zero
	for _, id := range c.AllowedStrategies {
		share, ok := c.StrategyAllocations[id]
		if !ok {
			return fmt.Errorf("%w: STRATEGY_ALLOCATIONS missing share for %q", domain.ErrConfiguration, id)
		}
		if share.IsNegative() {
			return fmt.Errorf("%w: allocation share for %q is negative", domain.ErrConfiguration, id)
		}
		sum = sum.Add(share)
	}
	if diff := sum.Sub(one).Abs(); diff.GreaterThan(domain.WeightSumTolerance) {
		return fmt.Errorf("%w: strategy allocation shares sum to %s, want 1.0", domain.ErrConfiguration, sum)
	}

	return nil
}

// RestrictStrategies narrows a run to a subset of the allowed
// strategies, renormalizing their allocation shares to sum to 1.
// Used by the CLI --strategies override.
func (c *Config) RestrictStrategies(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: strategy override is empty", domain.ErrConfiguration)
	}

	total := decimal.Zero
	for _, id := range ids {
		share, ok := c.StrategyAllocations[id]
		if !ok {
			return fmt.Errorf("%w: strategy %q is not in ALLOWED_STRATEGIES", domain.ErrConfiguration, id)
		}
		total = total.Add(share)
	}
	if !total.IsPositive() {
		return fmt.Errorf("%w: selected strategies carry zero allocation", domain.ErrConfiguration)
	}

	shares := make(map[string]decimal.Decimal, len(ids))
	running := decimal.Zero
	for _, id := range ids[1:] {
		share := c.StrategyAllocations[id].Div(total).Round(6)
		shares[id] = share
		running = running.Add(share)
	}
	shares[ids[0]] = decimal.NewFromInt(1).Sub(running)

	c.AllowedStrategies = ids
	c.StrategyAllocations = shares
	if c.MinStrategiesForPartial > len(ids) {
		c.MinStrategiesForPartial = len(ids)
	}
	return nil
}

// equalAllocations splits the allocation evenly across strategies,
// assigning any rounding remainder to the first one.
func equalAllocations(ids []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return out
	}
	one := decimal.NewFromInt(1)
	share := one.Div(decimal.NewFromInt(int64(len(ids)))).Round(6)
	total := decimal.Zero
	for _, id := range ids[1:] {
		out[id] = share
		total = total.Add(share)
	}
	out[ids[0]] = one.Sub(total)
	return out
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a number of seconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvAsDecimalMap parses "key1:0.5,key2:0.5" pairs
func getEnvAsDecimalMap(key string, defaultValue map[string]decimal.Decimal) map[string]decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(value, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(kv) != 2 {
			return defaultValue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(kv[1]))
		if err != nil {
			return defaultValue
		}
		out[strings.TrimSpace(kv[0])] = d
	}
	return out
}
