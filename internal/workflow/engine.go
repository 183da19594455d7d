// Package workflow wires the pipeline stages together over the event
// bus: signal generation, planning, and execution, plus per-run
// completion tracking for callers that need to block on a result.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
)

// SignalStage evaluates strategies into a consolidated portfolio
type SignalStage interface {
	Generate(ctx context.Context, strategyIDs []string, asOf time.Time) (*domain.ConsolidatedPortfolio, []domain.StrategyAllocation, error)
}

// AccountSource provides the account snapshot planning runs against
type AccountSource interface {
	Snapshot(ctx context.Context) (*domain.AccountSnapshot, error)
}

// PlanningStage builds and dispatches the rebalance plan
type PlanningStage interface {
	Plan(ctx context.Context, consolidated *domain.ConsolidatedPortfolio, snapshot *domain.AccountSnapshot, causationID string) (*domain.RebalancePlan, *domain.RunRecord, error)
}

// Executor is the execution stage in both dispatch modes
type Executor interface {
	ExecutePlan(ctx context.Context, plan *domain.RebalancePlan, runID, causationID string) error
	HandleTradeMessage(ctx context.Context, env *events.Envelope) error
}

// RunFailer marks a run FAILED when a global gate breaks the workflow
type RunFailer interface {
	SetRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
}

// Outcome is the terminal result of one workflow run
type Outcome struct {
	RunID            string
	Status           domain.RunStatus
	SucceededTrades  int
	FailedTrades     int
	TotalTradedValue decimal.Decimal
	DurationMs       int64
	FailedStage      string
	ErrorMessage     string
}

// Failed reports whether the workflow broke before completing its trades
func (o *Outcome) Failed() bool { return o.Status == domain.RunFailed }

// Engine subscribes the stages to the bus and drives runs end to end
type Engine struct {
	signal     SignalStage
	portfolio  AccountSource
	planning   PlanningStage
	executor   Executor
	runs       RunFailer
	bus        events.Bus
	strategies []string
	sharded    bool
	log        zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan Outcome  // keyed by correlation ID
	recent  map[string]recentOutcome // outcomes that finished before their waiter registered
}

type recentOutcome struct {
	outcome Outcome
	at      time.Time
}

// recentOutcomeTTL bounds how long an unclaimed outcome is remembered
const recentOutcomeTTL = 10 * time.Minute

// NewEngine creates the workflow engine
func NewEngine(
	signal SignalStage,
	portfolio AccountSource,
	planning PlanningStage,
	executor Executor,
	runs RunFailer,
	bus events.Bus,
	strategies []string,
	sharded bool,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		signal:     signal,
		portfolio:  portfolio,
		planning:   planning,
		executor:   executor,
		runs:       runs,
		bus:        bus,
		strategies: strategies,
		sharded:    sharded,
		log:        log.With().Str("service", "workflow").Logger(),
		waiters:    make(map[string]chan Outcome),
		recent:     make(map[string]recentOutcome),
	}
}

// Start registers the stage handlers on the bus. Exactly one dispatch
// handler is active per mode: RebalancePlanned in batched mode,
// TradeMessage in sharded mode.
func (e *Engine) Start() error {
	if err := e.bus.Subscribe(events.SignalGenerated, "workflow-planning", e.handleSignal); err != nil {
		return fmt.Errorf("failed to subscribe planning handler: %w", err)
	}
	if e.sharded {
		if err := e.bus.Subscribe(events.TradeMessage, "workflow-execution", e.executor.HandleTradeMessage); err != nil {
			return fmt.Errorf("failed to subscribe sharded execution handler: %w", err)
		}
	} else {
		if err := e.bus.Subscribe(events.RebalancePlanned, "workflow-execution", e.handlePlan); err != nil {
			return fmt.Errorf("failed to subscribe batched execution handler: %w", err)
		}
	}
	if err := e.bus.Subscribe(events.WorkflowCompleted, "workflow-notify", e.handleCompleted); err != nil {
		return fmt.Errorf("failed to subscribe completion handler: %w", err)
	}
	if err := e.bus.Subscribe(events.WorkflowFailed, "workflow-notify", e.handleFailed); err != nil {
		return fmt.Errorf("failed to subscribe failure handler: %w", err)
	}
	return nil
}

// Trigger starts one workflow run by generating the signal; the bus
// drives the remaining stages. Returns the run's correlation ID.
func (e *Engine) Trigger(ctx context.Context, asOf time.Time) (string, error) {
	consolidated, _, err := e.signal.Generate(ctx, e.strategies, asOf)
	if err != nil {
		return "", fmt.Errorf("signal stage failed: %w", err)
	}
	return consolidated.CorrelationID, nil
}

// Run triggers a workflow and blocks until it reaches a terminal
// outcome or the context expires.
func (e *Engine) Run(ctx context.Context, asOf time.Time) (*Outcome, error) {
	started := time.Now()

	correlationID, err := e.Trigger(ctx, asOf)
	if err != nil {
		return nil, err
	}

	// The correlation ID only exists after the trigger, so a fast run
	// can finish before this waiter registers; claim picks those up
	// from the recent-outcome buffer.
	pending := make(chan Outcome, 1)
	e.mu.Lock()
	if r, ok := e.recent[correlationID]; ok {
		delete(e.recent, correlationID)
		pending <- r.outcome
	} else {
		e.waiters[correlationID] = pending
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, correlationID)
		e.mu.Unlock()
	}()

	select {
	case outcome := <-pending:
		e.log.Info().
			Str("correlation_id", correlationID).
			Str("run_id", outcome.RunID).
			Str("status", string(outcome.Status)).
			Dur("elapsed", time.Since(started)).
			Msg("Workflow finished")
		return &outcome, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("workflow %s did not finish: %w", correlationID, ctx.Err())
	}
}

// handleSignal runs the planning stage for a generated signal
func (e *Engine) handleSignal(ctx context.Context, env *events.Envelope) error {
	data, ok := env.Data.(*events.SignalGeneratedData)
	if !ok {
		e.log.Error().Str("event_id", env.ID).Msg("Signal event with unexpected payload type, dropping")
		return nil
	}
	log := e.log.With().Str("correlation_id", env.CorrelationID).Logger()

	snapshot, err := e.portfolio.Snapshot(ctx)
	if err != nil {
		if domain.Retryable(err) && !events.FinalAttempt(ctx) {
			return err
		}
		return e.failWorkflow(ctx, env, "", "planning", err)
	}

	plan, run, err := e.planning.Plan(ctx, &data.ConsolidatedPortfolio, snapshot, env.ID)
	if err != nil {
		if domain.Retryable(err) && !events.FinalAttempt(ctx) {
			return err
		}
		return e.failWorkflow(ctx, env, "", "planning", err)
	}

	if run == nil {
		// Nothing tradable: the run completes trivially
		log.Info().Str("plan_id", plan.PlanID).Msg("Portfolio already on target, no trades")
		completed := events.NewEnvelope(env.CorrelationID, env.ID, &events.WorkflowCompletedData{
			Status:           domain.RunCompleted,
			TotalTradedValue: decimal.Zero,
		}).WithGroup(env.CorrelationID, "workflow-completed-"+plan.PlanID)
		return e.bus.Publish(ctx, completed)
	}
	return nil
}

// handlePlan is the batched-mode dispatch: the whole plan in one
// delivery. Interrupted plans are redelivered and resume through the
// per-trade idempotency gate; structurally broken plans fail the run.
func (e *Engine) handlePlan(ctx context.Context, env *events.Envelope) error {
	data, ok := env.Data.(*events.RebalancePlannedData)
	if !ok {
		e.log.Error().Str("event_id", env.ID).Msg("Plan event with unexpected payload type, dropping")
		return nil
	}
	runID := env.GroupKey

	err := e.executor.ExecutePlan(ctx, &data.Plan, runID, env.ID)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrRunNotFound) {
		return e.failWorkflow(ctx, env, runID, "execution", err)
	}
	if events.FinalAttempt(ctx) {
		// No redelivery left: close the run out as FAILED rather than
		// stranding it RUNNING.
		return e.failWorkflow(ctx, env, runID, "execution", err)
	}
	e.log.Warn().Err(err).Str("run_id", runID).Msg("Plan execution interrupted, leaving for redelivery")
	return err
}

// failWorkflow marks the run FAILED (when one exists) and publishes
// WorkflowFailed. The message is acked: these errors do not heal on
// redelivery.
func (e *Engine) failWorkflow(ctx context.Context, env *events.Envelope, runID, stage string, cause error) error {
	ectx := domain.ErrorContext{
		CorrelationID: env.CorrelationID,
		CausationID:   env.ID,
		Operation:     stage,
		Component:     "workflow",
	}
	if runID != "" {
		ectx.AdditionalData = map[string]string{"run_id": runID}
	}
	e.log.Error().Err(cause).Interface("error_context", ectx).Msg("Workflow failed")

	if runID != "" {
		if err := e.runs.SetRunStatus(ctx, runID, domain.RunFailed); err != nil {
			e.log.Error().Err(err).Str("run_id", runID).Msg("Failed to mark run FAILED")
		}
	}

	group := runID
	if group == "" {
		group = env.CorrelationID
	}
	failed := events.NewEnvelope(env.CorrelationID, env.ID, &events.WorkflowFailedData{
		RunID:        runID,
		ErrorKind:    domain.ErrorKind(cause),
		ErrorMessage: cause.Error(),
		FailedStage:  stage,
	}).WithGroup(group, "workflow-failed-"+group)
	if err := e.bus.Publish(ctx, failed); err != nil {
		return fmt.Errorf("failed to publish workflow failure: %w", err)
	}
	return nil
}

func (e *Engine) handleCompleted(_ context.Context, env *events.Envelope) error {
	data, ok := env.Data.(*events.WorkflowCompletedData)
	if !ok {
		return nil
	}
	e.notify(env.CorrelationID, Outcome{
		RunID:            data.RunID,
		Status:           data.Status,
		SucceededTrades:  data.SucceededTrades,
		FailedTrades:     data.FailedTrades,
		TotalTradedValue: data.TotalTradedValue,
		DurationMs:       data.DurationMs,
	})
	return nil
}

func (e *Engine) handleFailed(_ context.Context, env *events.Envelope) error {
	data, ok := env.Data.(*events.WorkflowFailedData)
	if !ok {
		return nil
	}
	e.notify(env.CorrelationID, Outcome{
		RunID:        data.RunID,
		Status:       domain.RunFailed,
		FailedStage:  data.FailedStage,
		ErrorMessage: data.ErrorMessage,
	})
	return nil
}

// notify hands the outcome to a blocked Run call. Outcomes with no
// waiter yet are buffered briefly; scheduler-triggered runs never claim
// theirs and the TTL sweep drops them.
func (e *Engine) notify(correlationID string, outcome Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ch, ok := e.waiters[correlationID]; ok {
		delete(e.waiters, correlationID)
		select {
		case ch <- outcome:
		default:
		}
		return
	}

	cutoff := time.Now().Add(-recentOutcomeTTL)
	for id, r := range e.recent {
		if r.at.Before(cutoff) {
			delete(e.recent, id)
		}
	}
	e.recent[correlationID] = recentOutcome{outcome: outcome, at: time.Now()}
}
