// Package signal evaluates strategies into target allocations and
// consolidates them into one desired portfolio.
package signal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/domain"
	"github.com/quantfold/helmsman/internal/events"
)

// DefaultDustWeight is the minimum surviving normalized weight. Weights
// below it are dropped and the remainder renormalized.
var DefaultDustWeight = decimal.NewFromFloat(0.005)

// Service runs the signal stage: evaluate, normalize, consolidate, publish
type Service struct {
	evaluators map[string]domain.StrategyEvaluator
	data       domain.MarketData
	shares     map[string]decimal.Decimal // allocation share per strategy, sums to 1
	minPartial int                        // minimum surviving strategies for a partial signal
	dust       decimal.Decimal
	bus        events.Bus
	log        zerolog.Logger
}

// NewService creates the signal service. Shares must cover every
// registered evaluator and sum to 1.0.
func NewService(
	evaluators []domain.StrategyEvaluator,
	data domain.MarketData,
	shares map[string]decimal.Decimal,
	minPartial int,
	bus events.Bus,
	log zerolog.Logger,
) *Service {
	byID := make(map[string]domain.StrategyEvaluator, len(evaluators))
	for _, ev := range evaluators {
		byID[ev.StrategyID()] = ev
	}
	if minPartial < 1 {
		minPartial = 1
	}
	return &Service{
		evaluators: byID,
		data:       data,
		shares:     shares,
		minPartial: minPartial,
		dust:       DefaultDustWeight,
		bus:        bus,
		log:        log.With().Str("service", "signal").Logger(),
	}
}

// Generate evaluates the requested strategies at asOf and consolidates
// the survivors into one target portfolio. With more than one strategy
// requested, individual failures are tolerated as long as at least
// minPartial strategies survive; their allocation shares are
// renormalized. The consolidated portfolio is published as
// SignalGenerated.
func (s *Service) Generate(ctx context.Context, strategyIDs []string, asOf time.Time) (*domain.ConsolidatedPortfolio, []domain.StrategyAllocation, error) {
	if len(strategyIDs) == 0 {
		return nil, nil, fmt.Errorf("%w: no strategies requested", domain.ErrConfiguration)
	}

	correlationID := uuid.New().String()
	log := s.log.With().Str("correlation_id", correlationID).Logger()

	allocations := make([]domain.StrategyAllocation, 0, len(strategyIDs))
	var failures []error

	for _, id := range strategyIDs {
		evaluator, ok := s.evaluators[id]
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrConfiguration, id)
		}
		if _, ok := s.shares[id]; !ok {
			return nil, nil, fmt.Errorf("%w: no allocation share for strategy %q", domain.ErrConfiguration, id)
		}

		raw, err := evaluator.Evaluate(ctx, s.data, asOf)
		if err == nil {
			var weights map[string]decimal.Decimal
			weights, err = s.normalize(raw)
			if err == nil {
				allocations = append(allocations, domain.StrategyAllocation{
					StrategyID:    id,
					CorrelationID: correlationID,
					Timestamp:     asOf,
					Weights:       weights,
					SchemaVersion: domain.SchemaVersion,
				})
				log.Debug().Str("strategy", id).Int("symbols", len(weights)).Msg("Strategy evaluated")
				continue
			}
		}

		log.Warn().Err(err).Str("strategy", id).Msg("Strategy evaluation failed")
		failures = append(failures, fmt.Errorf("strategy %s: %w", id, err))
	}

	if len(allocations) == 0 || len(allocations) < s.minPartial || (len(strategyIDs) == 1 && len(failures) > 0) {
		return nil, nil, fmt.Errorf("%w: %d of %d strategies survived (need %d): %v",
			domain.ErrSignalGeneration, len(allocations), len(strategyIDs), s.minPartial, firstError(failures))
	}
	if len(failures) > 0 {
		log.Warn().
			Int("survived", len(allocations)).
			Int("failed", len(failures)).
			Msg("Continuing with partial signal")
	}

	consolidated, err := s.consolidate(correlationID, asOf, allocations)
	if err != nil {
		return nil, nil, err
	}

	env := events.NewEnvelope(correlationID, "", &events.SignalGeneratedData{
		ConsolidatedPortfolio: *consolidated,
		Allocations:           allocations,
	})
	if err := s.bus.Publish(ctx, env); err != nil {
		return nil, nil, fmt.Errorf("failed to publish signal: %w", err)
	}

	log.Info().
		Int("strategies", len(allocations)).
		Int("symbols", len(consolidated.Weights)).
		Msg("Signal generated")
	return consolidated, allocations, nil
}

// normalize converts raw non-negative scores into weights: scale to sum
// 1.0, drop weights below the dust threshold, renormalize.
func (s *Service) normalize(raw map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	normalized, err := domain.NormalizeWeights(raw)
	if err != nil {
		return nil, err
	}

	sum := decimal.Zero
	for symbol, w := range normalized {
		if w.IsNegative() {
			return nil, fmt.Errorf("%w: negative score for %s", domain.ErrSignalGeneration, symbol)
		}
		sum = sum.Add(w)
	}
	if !sum.IsPositive() {
		return nil, fmt.Errorf("%w: no positive scores", domain.ErrSignalGeneration)
	}

	weights := make(map[string]decimal.Decimal, len(normalized))
	kept := decimal.Zero
	for symbol, w := range normalized {
		scaled := w.Div(sum)
		if scaled.LessThan(s.dust) {
			continue
		}
		weights[symbol] = scaled
		kept = kept.Add(scaled)
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: every weight fell below the dust threshold", domain.ErrSignalGeneration)
	}

	// Renormalize the survivors to sum exactly 1.0
	for symbol, w := range weights {
		weights[symbol] = w.Div(kept)
	}
	return weights, nil
}

// consolidate merges the surviving allocations with their configured
// shares renormalized to the survivor set.
func (s *Service) consolidate(correlationID string, asOf time.Time, allocations []domain.StrategyAllocation) (*domain.ConsolidatedPortfolio, error) {
	shareSum := decimal.Zero
	for _, a := range allocations {
		shareSum = shareSum.Add(s.shares[a.StrategyID])
	}
	if !shareSum.IsPositive() {
		return nil, fmt.Errorf("%w: surviving strategies have zero total share", domain.ErrSignalGeneration)
	}

	merged := make(map[string]decimal.Decimal)
	ids := make([]string, 0, len(allocations))
	for _, a := range allocations {
		ids = append(ids, a.StrategyID)
		share := s.shares[a.StrategyID].Div(shareSum)
		for symbol, w := range a.Weights {
			merged[symbol] = merged[symbol].Add(share.Mul(w))
		}
	}
	sort.Strings(ids)

	// Rescale to absorb decimal residue so the sum is exactly 1.0
	total := decimal.Zero
	for _, w := range merged {
		total = total.Add(w)
	}
	for symbol, w := range merged {
		merged[symbol] = w.Div(total)
	}

	consolidated := &domain.ConsolidatedPortfolio{
		CorrelationID: correlationID,
		Timestamp:     asOf,
		Weights:       merged,
		StrategyIDs:   ids,
		SchemaVersion: domain.SchemaVersion,
	}
	if err := consolidated.Validate(); err != nil {
		return nil, fmt.Errorf("%w: consolidated portfolio invalid: %v", domain.ErrSignalGeneration, err)
	}
	return consolidated, nil
}

func firstError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
