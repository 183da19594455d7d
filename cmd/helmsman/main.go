// Package main is the entry point for helmsman, an autonomous
// multi-strategy equities trading platform. One binary carries the
// operator subcommands and the long-running serve mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/database"
	"github.com/quantfold/helmsman/internal/di"
	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/scheduler"
	"github.com/quantfold/helmsman/pkg/logger"
)

// Exit codes: 0 success, 2 usage, 3 configuration, 4 broker
// connectivity, 5 run finished with failed trades.
const (
	exitOK     = 0
	exitError  = 1
	exitUsage  = 2
	exitConfig = 3
	exitBroker = 4
	exitRunErr = 5
)

const usage = `Usage: helmsman <command> [flags]

Commands:
  run        trigger one trading run and wait for its outcome
             [-mode paper|live] [-sharded] [-strategies a,b] [-timeout 2h]
  status     show recent runs, or one run with its trades
  positions  show account balances and open positions
  cancel     cancel one order by ID, or all open orders
  serve      run the scheduler, workflow engine, and operator API
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitUsage
	}
	command, args := args[0], args[1:]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "helmsman: %v\n", err)
		return exitConfig
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	switch command {
	case "run":
		return cmdRun(cfg, log, args)
	case "status":
		return cmdStatus(cfg, log, args)
	case "positions":
		return cmdPositions(cfg, log, args)
	case "cancel":
		return cmdCancel(cfg, log, args)
	case "serve":
		return cmdServe(cfg, log, args)
	default:
		fmt.Fprintf(os.Stderr, "helmsman: unknown command %q\n%s", command, usage)
		return exitUsage
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// signalContext cancels on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildContainer(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*di.Container, int) {
	c, err := di.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire application")
		return nil, exitConfig
	}
	return c, exitOK
}

func cmdRun(cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 2*time.Hour, "abort the run after this long")
	mode := fs.String("mode", "", "override trading mode: paper or live")
	sharded := fs.Bool("sharded", cfg.ShardedExecution, "fan trades out over the bus")
	strategies := fs.String("strategies", "", "comma-separated subset of the allowed strategies")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if *mode != "" {
		cfg.Mode = domain.TradingMode(*mode)
	}
	cfg.ShardedExecution = *sharded
	if *strategies != "" {
		if err := cfg.RestrictStrategies(splitList(*strategies)); err != nil {
			fmt.Fprintf(os.Stderr, "helmsman: %v\n", err)
			return exitConfig
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "helmsman: %v\n", err)
		return exitConfig
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, code := buildContainer(ctx, cfg, log)
	if code != exitOK {
		return code
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start pipeline")
		return exitBroker
	}

	runCtx, cancelRun := context.WithTimeout(ctx, *timeout)
	defer cancelRun()

	outcome, err := c.Workflow.Run(runCtx, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("Run failed")
		if errors.Is(err, domain.ErrBrokerTransient) || errors.Is(err, domain.ErrBrokerPermanent) {
			return exitBroker
		}
		return exitError
	}

	fmt.Printf("run %s finished: %s (%d succeeded, %d failed)\n",
		outcome.RunID, outcome.Status, outcome.SucceededTrades, outcome.FailedTrades)

	if outcome.Failed() {
		fmt.Printf("failed at stage %s: %s\n", outcome.FailedStage, outcome.ErrorMessage)
		return exitError
	}
	if outcome.FailedTrades > 0 {
		return exitRunErr
	}
	return exitOK
}

func cmdStatus(cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	limit := fs.Int("limit", 10, "number of recent runs to show")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, code := buildContainer(ctx, cfg, log)
	if code != exitOK {
		return code
	}
	defer c.Close()

	if runID := fs.Arg(0); runID != "" {
		return showRun(ctx, c, runID)
	}

	runs, err := c.Runs.ListRecentRuns(ctx, *limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list runs")
		return exitError
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return exitOK
	}

	fmt.Printf("%-38s %-22s %8s %10s %8s  %s\n", "RUN", "STATUS", "TRADES", "SUCCEEDED", "FAILED", "CREATED")
	for _, r := range runs {
		fmt.Printf("%-38s %-22s %8d %10d %8d  %s\n",
			r.RunID, r.Status, r.TotalTrades, r.SucceededTrades, r.FailedTrades,
			r.CreatedAt.Local().Format(time.RFC3339))
	}
	return exitOK
}

func showRun(ctx context.Context, c *di.Container, runID string) int {
	r, err := c.Runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			fmt.Fprintf(os.Stderr, "helmsman: run %s not found\n", runID)
			return exitError
		}
		fmt.Fprintf(os.Stderr, "helmsman: %v\n", err)
		return exitError
	}

	fmt.Printf("run %s  status=%s  trades=%d/%d  succeeded=%d  failed=%d  traded=$%s\n",
		r.RunID, r.Status, r.CompletedTrades, r.TotalTrades,
		r.SucceededTrades, r.FailedTrades, r.DayTradedValue)

	trades, err := c.Runs.ListTrades(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "helmsman: %v\n", err)
		return exitError
	}
	for _, t := range trades {
		line := fmt.Sprintf("  %-12s %-6s %-5s %-10s", t.TradeID, t.Symbol, t.Action, t.Status)
		if t.OrderID != "" {
			line += "  order=" + t.OrderID
		}
		if t.Error != "" {
			line += "  error=" + t.Error
		}
		fmt.Println(line)
	}
	return exitOK
}

func cmdPositions(cfg *config.Config, log zerolog.Logger, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "helmsman: positions takes no arguments")
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, code := buildContainer(ctx, cfg, log)
	if code != exitOK {
		return code
	}
	defer c.Close()

	account, err := c.Broker.GetAccount(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch account")
		return exitBroker
	}

	fmt.Printf("cash=$%s  buying_power=$%s  portfolio_value=$%s\n",
		account.Cash, account.BuyingPower, account.PortfolioValue)
	if len(account.Positions) == 0 {
		fmt.Println("no open positions")
		return exitOK
	}

	fmt.Printf("%-8s %12s %12s %14s %12s\n", "SYMBOL", "QTY", "AVG ENTRY", "MARKET VALUE", "UNREAL P/L")
	for _, p := range account.Positions {
		fmt.Printf("%-8s %12s %12s %14s %12s\n",
			p.Symbol, p.Quantity, p.AvgEntry, p.MarketValue, p.UnrealizedPL)
	}
	return exitOK
}

func cmdCancel(cfg *config.Config, log zerolog.Logger, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "helmsman: cancel takes at most one order ID")
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, code := buildContainer(ctx, cfg, log)
	if code != exitOK {
		return code
	}
	defer c.Close()

	if len(args) == 1 {
		orderID := args[0]
		if err := c.Broker.CancelOrder(ctx, orderID); err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to cancel order")
			return exitBroker
		}
		fmt.Printf("canceled %s\n", orderID)
		return exitOK
	}

	orders, err := c.Broker.ListOpenOrders(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list open orders")
		return exitBroker
	}
	if len(orders) == 0 {
		fmt.Println("no open orders")
		return exitOK
	}

	failed := 0
	for _, o := range orders {
		if err := c.Broker.CancelOrder(ctx, o.OrderID); err != nil {
			log.Error().Err(err).Str("order_id", o.OrderID).Msg("Failed to cancel order")
			failed++
			continue
		}
		fmt.Printf("canceled %s %s %s\n", o.OrderID, o.Side, o.Symbol)
	}
	if failed > 0 {
		return exitBroker
	}
	return exitOK
}

func cmdServe(cfg *config.Config, log zerolog.Logger, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "helmsman: serve takes no arguments")
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	c, code := buildContainer(ctx, cfg, log)
	if code != exitOK {
		return code
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start pipeline")
		return exitBroker
	}

	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.RunSchedule, scheduler.NewDailyRunJob(c.Workflow, log)); err != nil {
		log.Error().Err(err).Msg("Invalid run schedule")
		return exitConfig
	}
	if err := sched.AddJob(scheduler.TTLSweepSchedule, scheduler.NewTTLSweepJob(c.Runs, log)); err != nil {
		log.Error().Err(err).Msg("Failed to register TTL sweep")
		return exitConfig
	}
	maintained := []*database.DB{c.RunStateDB, c.LedgerDB, c.CacheDB}
	if err := sched.AddJob(scheduler.MaintenanceSchedule, scheduler.NewMaintenanceJob(maintained, log)); err != nil {
		log.Error().Err(err).Msg("Failed to register maintenance job")
		return exitConfig
	}
	if c.Backup != nil {
		if err := sched.AddJob(scheduler.BackupSchedule, scheduler.NewBackupJob(c.Backup, log)); err != nil {
			log.Error().Err(err).Msg("Failed to register backup job")
			return exitConfig
		}
	}
	sched.Start()
	defer sched.Stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- c.Server.Start()
	}()

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("schedule", cfg.RunSchedule).
		Bool("sharded", cfg.ShardedExecution).
		Msg("helmsman serving")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
			return exitError
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := c.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	return exitOK
}
