// Package execution implements the trade execution stage: pre-trade
// gating, the smart limit pipeline with re-pegging and market fallback,
// run-state completion tracking, and the batched and sharded dispatch
// modes on top of the shared per-trade logic.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
	"github.com/quantfold/helmsman/internal/modules/ledger"
)

// errWorkerDeadline aborts a trade mid-flight when the remaining worker
// budget drops below the safety margin. The trade is left RUNNING and
// redelivery resumes it from the idempotency gate.
var errWorkerDeadline = errors.New("worker budget below safety margin")

// Config carries the execution tunables. Defaults match the documented
// configuration surface.
type Config struct {
	MinTradeAmount     decimal.Decimal
	MaxSingleOrder     decimal.Decimal
	MaxDailyTradeValue decimal.Decimal

	BuyTimeout            time.Duration
	SellTimeout           time.Duration
	MaxRepegs             int
	RepegInterval         time.Duration
	PegAggressivenessBuy  decimal.Decimal
	PegAggressivenessSell decimal.Decimal

	QuoteTimeout      time.Duration
	QuoteMaxStaleness time.Duration
	SpreadWideBps     decimal.Decimal

	SettlementTimeout      time.Duration
	ClosePositionThreshold decimal.Decimal
	SafetyMargin           time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MinTradeAmount:         decimal.NewFromInt(5),
		MaxSingleOrder:         decimal.NewFromInt(100000),
		MaxDailyTradeValue:     decimal.NewFromInt(500000),
		BuyTimeout:             15 * time.Second,
		SellTimeout:            10 * time.Second,
		MaxRepegs:              5,
		RepegInterval:          3 * time.Second,
		PegAggressivenessBuy:   decimal.NewFromFloat(0.75),
		PegAggressivenessSell:  decimal.NewFromFloat(0.85),
		QuoteTimeout:           1 * time.Second,
		QuoteMaxStaleness:      2 * time.Second,
		SpreadWideBps:          decimal.NewFromInt(50),
		SettlementTimeout:      30 * time.Second,
		ClosePositionThreshold: decimal.NewFromFloat(0.01),
		SafetyMargin:           30 * time.Second,
	}
}

// RunStore is the slice of the run-state store the engine consumes
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)
	GetTrade(ctx context.Context, runID, tradeID string) (*domain.TradeStatus, error)
	ListTrades(ctx context.Context, runID string) ([]domain.TradeStatus, error)
	MarkStarted(ctx context.Context, runID, tradeID string) error
	MarkCompleted(ctx context.Context, runID, tradeID string, success bool, orderID, errMsg string) error
	AddDayTradedValue(ctx context.Context, runID string, delta, cap decimal.Decimal) error
	TryClaimCompletion(ctx context.Context, runID string) (bool, error)
	SetRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
}

// QuoteSource is the quote cache surface the pricing step consumes
type QuoteSource interface {
	Subscribe(ctx context.Context, symbol string) error
	WaitFresh(ctx context.Context, symbol string, maxAge, timeout time.Duration) (*domain.Quote, error)
	Pin(symbol string)
	Unpin(symbol string)
}

// LedgerWriter appends order attempts to the audit trail
type LedgerWriter interface {
	Append(ctx context.Context, e ledger.Entry) error
}

// HoursGate is the pre-trade market-hours check
type HoursGate interface {
	Check(ctx context.Context) error
}

// Engine executes trades. It is stateless across trades; every
// inter-trade decision goes through the run-state store.
type Engine struct {
	cfg     Config
	broker  domain.Broker
	quotes  QuoteSource
	monitor *Monitor
	runs    RunStore
	ledger  LedgerWriter
	hours   HoursGate
	bus     events.Bus
	log     zerolog.Logger
}

// NewEngine creates the execution engine
func NewEngine(
	cfg Config,
	broker domain.Broker,
	quotes QuoteSource,
	monitor *Monitor,
	runs RunStore,
	ledgerRepo LedgerWriter,
	hours HoursGate,
	bus events.Bus,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:     cfg,
		broker:  broker,
		quotes:  quotes,
		monitor: monitor,
		runs:    runs,
		ledger:  ledgerRepo,
		hours:   hours,
		bus:     bus,
		log:     log.With().Str("service", "execution").Logger(),
	}
}

// ExecuteTradeMessage runs one trade end to end: gates, the smart limit
// pipeline, run-state update, and completion detection. causationID is
// the ID of the bus message that delivered the trade.
//
// A nil error means the trade reached a terminal state (possibly
// FAILED) and the run record reflects it. A non-nil error means the
// invocation could not finish; the trade is left for redelivery and the
// idempotency gate makes the retry safe.
func (e *Engine) ExecuteTradeMessage(ctx context.Context, msg domain.TradeMessage, causationID string) (*domain.TradeResult, error) {
	log := e.log.With().
		Str("correlation_id", msg.CorrelationID).
		Str("run_id", msg.RunID).
		Str("trade_id", msg.TradeID).
		Str("symbol", msg.Symbol).
		Logger()

	stored, gateErr := e.preTradeGates(ctx, msg)
	if stored != nil {
		log.Info().Str("status", string(stored.Status)).Msg("Trade already terminal, returning stored result")
		return storedResult(stored), nil
	}
	if gateErr != nil {
		if domain.Retryable(gateErr) {
			return nil, gateErr
		}
		if errors.Is(gateErr, domain.ErrRunNotFound) || errors.Is(gateErr, domain.ErrTradeNotFound) {
			// Nothing to mark terminal; the run record is gone
			return nil, gateErr
		}
		log.Warn().Err(gateErr).Msg("Trade rejected by pre-trade gate")
		result := failedResult(msg, gateErr)
		if err := e.finalizeTrade(ctx, msg, causationID, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	result, err := e.executeTrade(ctx, msg, log)
	if err != nil {
		log.Warn().Err(err).Msg("Trade execution interrupted, leaving trade for redelivery")
		return nil, err
	}

	if err := e.finalizeTrade(ctx, msg, causationID, result); err != nil {
		return nil, err
	}

	log.Info().
		Bool("success", result.Success).
		Str("filled_qty", result.FilledQty.String()).
		Str("vwap", result.VWAP.String()).
		Int("attempts", result.Attempts).
		Msg("Trade executed")
	return result, nil
}

// checkBudget enforces the worker deadline: with less than the safety
// margin remaining the trade is abandoned for the next delivery.
func (e *Engine) checkBudget(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	if time.Until(deadline) < e.cfg.SafetyMargin {
		return errWorkerDeadline
	}
	return nil
}

func sideFor(action domain.TradeAction) domain.OrderSide {
	if action == domain.ActionSell {
		return domain.SideSell
	}
	return domain.SideBuy
}

func (e *Engine) phaseTimeout(side domain.OrderSide) time.Duration {
	if side == domain.SideSell {
		return e.cfg.SellTimeout
	}
	return e.cfg.BuyTimeout
}

// storedResult reconstructs a result from the persisted trade status
// for idempotent redeliveries.
func storedResult(t *domain.TradeStatus) *domain.TradeResult {
	return &domain.TradeResult{
		TradeID: t.TradeID,
		Symbol:  t.Symbol,
		Success: t.Status == domain.TradeCompleted,
		OrderID: t.OrderID,
		Error:   t.Error,
	}
}

func failedResult(msg domain.TradeMessage, err error) *domain.TradeResult {
	now := time.Now().UTC()
	return &domain.TradeResult{
		TradeID:     msg.TradeID,
		Symbol:      msg.Symbol,
		Success:     false,
		Error:       err.Error(),
		StartedAt:   now,
		CompletedAt: now,
	}
}
