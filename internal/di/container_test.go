package di

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/domain"
)

func testContainerConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		Port:    0,

		Mode:                    domain.ModePaper,
		AllowedStrategies:       []string{"momentum"},
		StrategyAllocations:     map[string]decimal.Decimal{"momentum": decimal.NewFromInt(1)},
		MinStrategiesForPartial: 1,
		Universe:                []string{"AAPL", "MSFT"},
		PaperStartingCash:       decimal.NewFromInt(100000),

		MinTradeAmount: decimal.NewFromInt(5),
		CashReservePct: decimal.NewFromFloat(0.01),
		MinCashReserve: decimal.NewFromInt(100),

		MaxSingleOrder:     decimal.NewFromInt(100000),
		MaxDailyTradeValue: decimal.NewFromInt(500000),
		MarketHoursBypass:  true,

		BuyTimeout:             time.Second,
		SellTimeout:            time.Second,
		MaxRepegs:              1,
		RepegInterval:          100 * time.Millisecond,
		PegAggressivenessBuy:   decimal.NewFromFloat(0.75),
		PegAggressivenessSell:  decimal.NewFromFloat(0.85),
		QuoteTimeout:           100 * time.Millisecond,
		QuoteMaxStaleness:      time.Second,
		SpreadWideBps:          decimal.NewFromInt(50),
		SettlementTimeout:      time.Second,
		ClosePositionThreshold: decimal.NewFromFloat(0.01),
		SafetyMargin:           0,

		QuoteCacheMaxSymbols: 5,
		BusDriver:            "memory",
	}
}

func TestNew_PaperModeWiresSimulator(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	ctx := context.Background()

	c, err := New(ctx, testContainerConfig(t), log)
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Simulator)
	assert.Same(t, c.Broker, c.Simulator)
	assert.Nil(t, c.Backup)
	assert.NotNil(t, c.Server)
	assert.NotNil(t, c.Workflow)

	require.NoError(t, c.Start(ctx))
}

func TestNew_KeyedModeUsesRESTAdapter(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	cfg := testContainerConfig(t)
	cfg.BrokerAPIKey = "key"
	cfg.BrokerAPISecret = "secret"
	cfg.BrokerBaseURL = "https://paper-api.example.test"
	cfg.BrokerDataURL = "https://data.example.test"
	cfg.BrokerTradeStream = "wss://paper-api.example.test/stream"
	cfg.BrokerMarketStream = "wss://stream.example.test/v2/iex"

	c, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Simulator, "keyed config must use the REST adapter")
}

func TestNew_MigratesDatabases(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	ctx := context.Background()

	c, err := New(ctx, testContainerConfig(t), log)
	require.NoError(t, err)
	defer c.Close()

	now := time.Now().UTC()
	run := domain.RunRecord{
		RunID:       "run-1",
		PlanID:      "plan-1",
		Status:      domain.RunPending,
		TotalTrades: 1,
		CreatedAt:   now,
		ExpiresAt:   now.Add(domain.RunRecordTTL),
	}
	trades := []domain.TradeStatus{{
		RunID:   "run-1",
		TradeID: "t1",
		Symbol:  "AAPL",
		Action:  domain.ActionBuy,
		Phase:   domain.PhaseBuy,
		Status:  domain.TradePending,
	}}
	require.NoError(t, c.Runs.CreateRun(ctx, run, trades))

	got, err := c.Runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunPending, got.Status)
}
