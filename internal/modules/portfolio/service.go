// Package portfolio provides the account snapshot the planning stage
// computes against.
package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/domain"
)

const (
	snapshotAttempts = 3
	snapshotBackoff  = 500 * time.Millisecond
)

// Service fetches and validates account state from the broker
type Service struct {
	broker domain.Broker
	log    zerolog.Logger
}

// NewService creates a new portfolio service
func NewService(broker domain.Broker, log zerolog.Logger) *Service {
	return &Service{
		broker: broker,
		log:    log.With().Str("service", "portfolio").Logger(),
	}
}

// Snapshot fetches the current account state, retrying transient broker
// failures. Planning cannot proceed without a coherent snapshot, so an
// unusable one maps to ErrInsufficientData.
func (s *Service) Snapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= snapshotAttempts; attempt++ {
		snapshot, err := s.broker.GetAccount(ctx)
		if err == nil {
			if err := validate(snapshot); err != nil {
				return nil, err
			}
			s.log.Debug().
				Str("cash", snapshot.Cash.String()).
				Str("portfolio_value", snapshot.PortfolioValue.String()).
				Int("positions", len(snapshot.Positions)).
				Msg("Account snapshot fetched")
			return snapshot, nil
		}

		lastErr = err
		if !domain.Retryable(err) {
			break
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("Account fetch failed, retrying")

		select {
		case <-time.After(snapshotBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: account snapshot unavailable: %v", domain.ErrInsufficientData, lastErr)
}

// validate rejects snapshots the planner cannot safely use
func validate(snapshot *domain.AccountSnapshot) error {
	if snapshot.PortfolioValue.IsNegative() {
		return fmt.Errorf("%w: negative portfolio value %s", domain.ErrInsufficientData, snapshot.PortfolioValue)
	}
	if snapshot.PortfolioValue.IsZero() && snapshot.Cash.IsZero() {
		return fmt.Errorf("%w: empty account", domain.ErrInsufficientData)
	}
	for i := range snapshot.Positions {
		if snapshot.Positions[i].Quantity.IsNegative() {
			return fmt.Errorf("%w: short position in %s not supported",
				domain.ErrInsufficientData, snapshot.Positions[i].Symbol)
		}
	}
	return nil
}
