// Package di wires the application: databases, bus, broker adapters,
// caches, pipeline stages, and the operator server. Construction order
// follows the dependency graph; Close tears down in reverse.
package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/clients/alpaca"
	"github.com/quantfold/helmsman/internal/clients/paper"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/database"
	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
	"github.com/quantfold/helmsman/internal/marketdata"
	"github.com/quantfold/helmsman/internal/modules/execution"
	"github.com/quantfold/helmsman/internal/modules/ledger"
	"github.com/quantfold/helmsman/internal/modules/market_hours"
	"github.com/quantfold/helmsman/internal/modules/planning"
	"github.com/quantfold/helmsman/internal/modules/portfolio"
	"github.com/quantfold/helmsman/internal/modules/runstate"
	"github.com/quantfold/helmsman/internal/modules/signal"
	"github.com/quantfold/helmsman/internal/reliability"
	"github.com/quantfold/helmsman/internal/server"
	"github.com/quantfold/helmsman/internal/workflow"
)

// Container holds all wired services
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	RunStateDB *database.DB
	LedgerDB   *database.DB
	CacheDB    *database.DB

	Bus events.Bus

	Broker       domain.Broker
	TradeStream  domain.TradeStream
	MarketStream domain.MarketStream
	Simulator    *paper.Simulator // non-nil only when the in-process simulator backs paper mode

	QuoteCache *marketdata.QuoteCache
	Bars       *marketdata.BarCache

	Runs      *runstate.Store
	Ledger    *ledger.Repository
	Hours     *market_hours.Service
	Gate      *market_hours.Gate
	Monitor   *execution.Monitor
	Execution *execution.Engine
	Signal    *signal.Service
	Portfolio *portfolio.Service
	Planning  *planning.Service
	Workflow  *workflow.Engine

	Backup *reliability.BackupService // nil unless backups are enabled

	Server *server.Server
}

// New builds the full container from configuration
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Log: log}

	if err := c.initDatabases(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initBus(); err != nil {
		c.Close()
		return nil, err
	}
	c.initBroker()
	c.initCaches()
	c.initStores()
	c.initPipeline()
	if err := c.initBackup(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initServer(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

func (c *Container) initDatabases() error {
	specs := []struct {
		name    string
		profile database.DatabaseProfile
		target  **database.DB
	}{
		{"runstate", database.ProfileStandard, &c.RunStateDB},
		{"ledger", database.ProfileLedger, &c.LedgerDB},
		{"cache", database.ProfileCache, &c.CacheDB},
	}

	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(c.Config.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			return fmt.Errorf("failed to open %s database: %w", spec.name, err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate %s database: %w", spec.name, err)
		}
		*spec.target = db
	}
	return nil
}

func (c *Container) initBus() error {
	delivery := events.DefaultDeliveryConfig()

	if c.Config.BusDriver == "nats" {
		bus, err := events.NewNATSBus(events.DefaultNATSConfig(c.Config.NATSURL), delivery, c.Log)
		if err != nil {
			return fmt.Errorf("failed to connect NATS bus: %w", err)
		}
		c.Bus = bus
		return nil
	}

	c.Bus = events.NewMemoryBus(delivery, c.Log)
	return nil
}

// initBroker picks the broker adapter. Live mode and keyed paper mode
// both talk to the broker's REST API (the base URL decides which
// account); paper mode without keys runs against the in-process
// simulator so the pipeline works offline.
func (c *Container) initBroker() {
	cfg := c.Config

	if cfg.Mode == domain.ModeLive || cfg.BrokerAPIKey != "" {
		client := alpaca.NewClient(alpaca.Config{
			APIKey:    cfg.BrokerAPIKey,
			APISecret: cfg.BrokerAPISecret,
			BaseURL:   cfg.BrokerBaseURL,
			DataURL:   cfg.BrokerDataURL,
			RateLimit: cfg.BrokerRateLimit,
		}, c.Log)
		c.Broker = client
		c.TradeStream = alpaca.NewTradeStream(cfg.BrokerTradeStream, cfg.BrokerAPIKey, cfg.BrokerAPISecret, c.Log)
		c.MarketStream = alpaca.NewMarketStream(cfg.BrokerMarketStream, cfg.BrokerAPIKey, cfg.BrokerAPISecret, c.Log)
		return
	}

	sim := paper.NewSimulator(cfg.PaperStartingCash, c.Log)
	c.Simulator = sim
	c.Broker = sim
	c.TradeStream = sim.TradeStream()
	c.MarketStream = sim.MarketStream()
}

func (c *Container) initCaches() {
	c.QuoteCache = marketdata.NewQuoteCache(c.MarketStream, c.Config.QuoteCacheMaxSymbols, c.Log)
	c.Bars = marketdata.NewBarCache(c.CacheDB.Conn(), marketdata.NewBrokerBars(c.Broker), c.Log)
}

func (c *Container) initStores() {
	c.Runs = runstate.NewStore(c.RunStateDB.Conn(), c.Log)
	c.Ledger = ledger.NewRepository(c.LedgerDB.Conn(), c.Log)
}

func (c *Container) initPipeline() {
	cfg := c.Config

	c.Hours = market_hours.NewService(c.Log)
	c.Gate = market_hours.NewGate(c.Broker, c.Hours, cfg.MarketHoursBypass, c.Log)

	evaluators := []domain.StrategyEvaluator{
		signal.NewMomentum(cfg.Universe, 0),
		signal.NewSMACrossover(cfg.Universe, 0, 0),
		signal.NewInverseVolatility(cfg.Universe, 0),
	}
	c.Signal = signal.NewService(evaluators, c.Bars, cfg.StrategyAllocations, cfg.MinStrategiesForPartial, c.Bus, c.Log)

	c.Portfolio = portfolio.NewService(c.Broker, c.Log)

	planner := planning.NewPlanner(cfg.MinTradeAmount, cfg.CashReservePct, cfg.MinCashReserve, c.Log)
	c.Planning = planning.NewService(planner, c.Runs, c.Bus, cfg.ShardedExecution, c.Log)

	c.Monitor = execution.NewMonitor(c.TradeStream, c.Broker, c.Log)
	c.Execution = execution.NewEngine(execution.Config{
		MinTradeAmount:         cfg.MinTradeAmount,
		MaxSingleOrder:         cfg.MaxSingleOrder,
		MaxDailyTradeValue:     cfg.MaxDailyTradeValue,
		BuyTimeout:             cfg.BuyTimeout,
		SellTimeout:            cfg.SellTimeout,
		MaxRepegs:              cfg.MaxRepegs,
		RepegInterval:          cfg.RepegInterval,
		PegAggressivenessBuy:   cfg.PegAggressivenessBuy,
		PegAggressivenessSell:  cfg.PegAggressivenessSell,
		QuoteTimeout:           cfg.QuoteTimeout,
		QuoteMaxStaleness:      cfg.QuoteMaxStaleness,
		SpreadWideBps:          cfg.SpreadWideBps,
		SettlementTimeout:      cfg.SettlementTimeout,
		ClosePositionThreshold: cfg.ClosePositionThreshold,
		SafetyMargin:           cfg.SafetyMargin,
	}, c.Broker, c.QuoteCache, c.Monitor, c.Runs, c.Ledger, c.Gate, c.Bus, c.Log)

	c.Workflow = workflow.NewEngine(
		c.Signal,
		c.Portfolio,
		c.Planning,
		c.Execution,
		c.Runs,
		c.Bus,
		cfg.AllowedStrategies,
		cfg.ShardedExecution,
		c.Log,
	)
}

func (c *Container) initBackup(ctx context.Context) error {
	if !c.Config.BackupEnabled {
		return nil
	}

	store, err := reliability.NewS3Client(ctx, reliability.S3Config{
		Bucket:    c.Config.BackupBucket,
		Region:    c.Config.BackupRegion,
		Endpoint:  c.Config.BackupEndpoint,
		AccessKey: c.Config.BackupAccessKey,
		SecretKey: c.Config.BackupSecretKey,
	}, c.Log)
	if err != nil {
		return fmt.Errorf("failed to wire backup storage: %w", err)
	}

	c.Backup = reliability.NewBackupService(
		store,
		[]reliability.Database{c.RunStateDB, c.LedgerDB},
		c.Config.BackupPrefix,
		c.Config.BackupKeep,
		c.Log,
	)
	return nil
}

func (c *Container) initServer() error {
	srv, err := server.New(server.Config{
		Log:       c.Log,
		Port:      c.Config.Port,
		DataDir:   c.Config.DataDir,
		Mode:      c.Config.Mode,
		Runs:      c.Runs,
		Broker:    c.Broker,
		Bus:       c.Bus,
		Databases: []server.Pinger{c.RunStateDB, c.LedgerDB, c.CacheDB},
		DevMode:   c.Config.DevMode,
	})
	if err != nil {
		return err
	}
	c.Server = srv
	return nil
}

// Start brings up the long-running pieces: streams, caches, the
// monitor, and the workflow subscriptions. The HTTP server is started
// separately by the caller so it can own the listener's lifecycle.
func (c *Container) Start(ctx context.Context) error {
	if err := c.TradeStream.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect trade stream: %w", err)
	}
	if err := c.MarketStream.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect market stream: %w", err)
	}
	if err := c.QuoteCache.Start(ctx); err != nil {
		return fmt.Errorf("failed to start quote cache: %w", err)
	}
	if err := c.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start order monitor: %w", err)
	}
	if err := c.Workflow.Start(); err != nil {
		return fmt.Errorf("failed to start workflow engine: %w", err)
	}
	return nil
}

// Close tears everything down in reverse dependency order. Safe to
// call on a partially built container.
func (c *Container) Close() {
	if c.Monitor != nil {
		if err := c.Monitor.Stop(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to stop order monitor")
		}
	}
	if c.QuoteCache != nil {
		if err := c.QuoteCache.Stop(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to stop quote cache")
		}
	}
	if c.MarketStream != nil {
		if err := c.MarketStream.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close market stream")
		}
	}
	if c.TradeStream != nil {
		if err := c.TradeStream.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close trade stream")
		}
	}
	if c.Bus != nil {
		if err := c.Bus.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close event bus")
		}
	}
	for _, db := range []*database.DB{c.CacheDB, c.LedgerDB, c.RunStateDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			c.Log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to close database")
		}
	}
}
