package planning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
)

// RunCreator is the slice of the run-state store the planning stage needs
type RunCreator interface {
	CreateRun(ctx context.Context, run domain.RunRecord, trades []domain.TradeStatus) error
}

// Service runs the portfolio stage: plan, persist the run record, and
// dispatch either the whole plan (batched) or per-item trade messages
// (sharded).
type Service struct {
	planner *Planner
	runs    RunCreator
	bus     events.Bus
	sharded bool
	log     zerolog.Logger
}

// NewService creates the planning service
func NewService(planner *Planner, runs RunCreator, bus events.Bus, sharded bool, log zerolog.Logger) *Service {
	return &Service{
		planner: planner,
		runs:    runs,
		bus:     bus,
		sharded: sharded,
		log:     log.With().Str("service", "planning").Logger(),
	}
}

// Plan computes the rebalance plan and dispatches it. Returns the plan
// and the created run record; the run is nil when the plan has no
// tradable items (nothing to execute, the run completes trivially).
func (s *Service) Plan(ctx context.Context, consolidated *domain.ConsolidatedPortfolio, snapshot *domain.AccountSnapshot, causationID string) (*domain.RebalancePlan, *domain.RunRecord, error) {
	plan, err := s.planner.BuildPlan(consolidated, snapshot, causationID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	runID := uuid.New().String()
	messages := BuildTradeMessages(plan, runID, causationID, now)
	if len(messages) == 0 {
		s.log.Info().
			Str("plan_id", plan.PlanID).
			Msg("Plan has no tradable items, nothing to execute")
		return plan, nil, nil
	}

	run, trades := BuildRunRecord(plan, runID, messages, now)
	if err := s.runs.CreateRun(ctx, run, trades); err != nil {
		return nil, nil, fmt.Errorf("failed to create run record: %w", err)
	}

	if s.sharded {
		// One message per trade: FIFO per run, deduped per trade
		for i := range messages {
			env := events.NewEnvelope(plan.CorrelationID, causationID, &events.TradeMessageData{
				Trade: messages[i],
			}).WithGroup(runID, messages[i].TradeID)
			if err := s.bus.Publish(ctx, env); err != nil {
				return nil, nil, fmt.Errorf("failed to publish trade message %s: %w", messages[i].TradeID, err)
			}
		}
	} else {
		env := events.NewEnvelope(plan.CorrelationID, causationID, &events.RebalancePlannedData{
			Plan: *plan,
		}).WithGroup(runID, plan.PlanID)
		if err := s.bus.Publish(ctx, env); err != nil {
			return nil, nil, fmt.Errorf("failed to publish rebalance plan: %w", err)
		}
	}

	s.log.Info().
		Str("run_id", runID).
		Str("plan_id", plan.PlanID).
		Int("trades", len(messages)).
		Bool("sharded", s.sharded).
		Msg("Run dispatched")
	return plan, &run, nil
}
