package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WeightSumTolerance is the permitted deviation of an allocation's
// weight sum from 1.0.
var WeightSumTolerance = decimal.NewFromFloat(0.01)

// StrategyAllocation is the output of one strategy evaluation: target
// weights per symbol. Weights are in [0,1] and sum to 1.0 within
// WeightSumTolerance.
type StrategyAllocation struct {
	StrategyID    string                     `json:"strategy_id"`
	CorrelationID string                     `json:"correlation_id"`
	Timestamp     time.Time                  `json:"timestamp"`
	Weights       map[string]decimal.Decimal `json:"weights"`
	SchemaVersion string                     `json:"schema_version"`
}

// Validate checks the allocation invariants: normalized symbols,
// weights in [0,1], weight sum 1.0 within tolerance.
func (a *StrategyAllocation) Validate() error {
	if a.StrategyID == "" {
		return fmt.Errorf("%w: strategy_id is empty", ErrValidation)
	}
	return validateWeights(a.Weights)
}

// ConsolidatedPortfolio is the weighted merge of one or more strategy
// allocations into a single target portfolio.
type ConsolidatedPortfolio struct {
	CorrelationID string                     `json:"correlation_id"`
	Timestamp     time.Time                  `json:"timestamp"`
	Weights       map[string]decimal.Decimal `json:"weights"`
	StrategyIDs   []string                   `json:"strategy_ids"`
	SchemaVersion string                     `json:"schema_version"`
}

// Validate checks the consolidated portfolio invariants
func (c *ConsolidatedPortfolio) Validate() error {
	if len(c.StrategyIDs) == 0 {
		return fmt.Errorf("%w: no contributing strategies", ErrValidation)
	}
	return validateWeights(c.Weights)
}

// Symbols returns the symbols of the portfolio in lexicographic order
func (c *ConsolidatedPortfolio) Symbols() []string {
	symbols := make([]string, 0, len(c.Weights))
	for s := range c.Weights {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// NormalizeSymbol canonicalizes a ticker symbol: trimmed, uppercased.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeWeights canonicalizes the symbol keys of a weight map.
// Two keys collapsing to the same canonical symbol is an error.
func NormalizeWeights(weights map[string]decimal.Decimal) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(weights))
	for symbol, w := range weights {
		norm := NormalizeSymbol(symbol)
		if norm == "" {
			return nil, fmt.Errorf("%w: empty symbol", ErrValidation)
		}
		if _, exists := out[norm]; exists {
			return nil, fmt.Errorf("%w: duplicate symbol %q after normalization", ErrValidation, norm)
		}
		out[norm] = w
	}
	return out, nil
}

func validateWeights(weights map[string]decimal.Decimal) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: allocation has no symbols", ErrValidation)
	}
	sum := decimal.Zero
	for symbol, w := range weights {
		if symbol != NormalizeSymbol(symbol) {
			return fmt.Errorf("%w: symbol %q is not normalized", ErrValidation, symbol)
		}
		if w.IsNegative() || w.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: weight for %s out of [0,1]: %s", ErrValidation, symbol, w)
		}
		sum = sum.Add(w)
	}
	if diff := sum.Sub(decimal.NewFromInt(1)).Abs(); diff.GreaterThan(WeightSumTolerance) {
		return fmt.Errorf("%w: weights sum to %s, want 1.0 ±%s", ErrValidation, sum, WeightSumTolerance)
	}
	return nil
}
