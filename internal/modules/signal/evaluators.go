package signal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/quantfold/helmsman/internal/domain"
)

// Built-in strategy evaluators. Each is a reference implementation of
// the StrategyEvaluator port: a pure function from daily bars to raw
// non-negative scores per symbol. The service normalizes and applies
// the dust filter afterwards.

// closes extracts the close series as float64 for the indicator library
func closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		out[i], _ = bars[i].Close.Float64()
	}
	return out
}

// fetchCloses pulls the close series for a symbol, requiring at least
// minBars observations.
func fetchCloses(ctx context.Context, data domain.MarketData, symbol string, lookback, minBars int, asOf time.Time) ([]float64, error) {
	bars, err := data.DailyBars(ctx, symbol, lookback, asOf)
	if err != nil {
		return nil, err
	}
	if len(bars) < minBars {
		return nil, fmt.Errorf("%w: %s has %d bars, need %d", domain.ErrSignalGeneration, symbol, len(bars), minBars)
	}
	return closes(bars), nil
}

// Momentum scores symbols by their rate of change over the lookback
// window. Symbols with non-positive momentum score zero.
type Momentum struct {
	id       string
	universe []string
	lookback int
}

var _ domain.StrategyEvaluator = (*Momentum)(nil)

// NewMomentum creates a momentum evaluator over the given universe
func NewMomentum(universe []string, lookback int) *Momentum {
	if lookback <= 0 {
		lookback = 90
	}
	return &Momentum{id: "momentum", universe: universe, lookback: lookback}
}

func (m *Momentum) StrategyID() string { return m.id }
func (m *Momentum) Universe() []string { return m.universe }

// Evaluate scores each symbol by its ROC over the lookback period
func (m *Momentum) Evaluate(ctx context.Context, data domain.MarketData, asOf time.Time) (map[string]decimal.Decimal, error) {
	scores := make(map[string]decimal.Decimal, len(m.universe))
	for _, symbol := range m.universe {
		series, err := fetchCloses(ctx, data, symbol, m.lookback+1, m.lookback+1, asOf)
		if err != nil {
			return nil, err
		}

		roc := talib.Roc(series, m.lookback)
		last := roc[len(roc)-1]
		if math.IsNaN(last) {
			return nil, fmt.Errorf("%w: ROC undefined for %s", domain.ErrSignalGeneration, symbol)
		}
		if last > 0 {
			scores[domain.NormalizeSymbol(symbol)] = decimal.NewFromFloat(last)
		} else {
			scores[domain.NormalizeSymbol(symbol)] = decimal.Zero
		}
	}
	return scores, nil
}

// SMACrossover holds symbols whose fast moving average is above the
// slow one, equally weighted.
type SMACrossover struct {
	id       string
	universe []string
	fast     int
	slow     int
}

var _ domain.StrategyEvaluator = (*SMACrossover)(nil)

// NewSMACrossover creates an SMA crossover evaluator
func NewSMACrossover(universe []string, fast, slow int) *SMACrossover {
	if fast <= 0 {
		fast = 20
	}
	if slow <= fast {
		slow = fast * 5
	}
	return &SMACrossover{id: "sma_crossover", universe: universe, fast: fast, slow: slow}
}

func (s *SMACrossover) StrategyID() string { return s.id }
func (s *SMACrossover) Universe() []string { return s.universe }

// Evaluate scores 1 for symbols in an uptrend (fast SMA > slow SMA), 0 otherwise
func (s *SMACrossover) Evaluate(ctx context.Context, data domain.MarketData, asOf time.Time) (map[string]decimal.Decimal, error) {
	scores := make(map[string]decimal.Decimal, len(s.universe))
	for _, symbol := range s.universe {
		series, err := fetchCloses(ctx, data, symbol, s.slow+1, s.slow, asOf)
		if err != nil {
			return nil, err
		}

		fastSMA := talib.Sma(series, s.fast)
		slowSMA := talib.Sma(series, s.slow)
		f := fastSMA[len(fastSMA)-1]
		sl := slowSMA[len(slowSMA)-1]
		if math.IsNaN(f) || math.IsNaN(sl) {
			return nil, fmt.Errorf("%w: SMA undefined for %s", domain.ErrSignalGeneration, symbol)
		}

		if f > sl {
			scores[domain.NormalizeSymbol(symbol)] = decimal.NewFromInt(1)
		} else {
			scores[domain.NormalizeSymbol(symbol)] = decimal.Zero
		}
	}
	return scores, nil
}

// InverseVolatility weights symbols by the reciprocal of their daily
// return volatility, overweighting the calm names.
type InverseVolatility struct {
	id       string
	universe []string
	lookback int
}

var _ domain.StrategyEvaluator = (*InverseVolatility)(nil)

// NewInverseVolatility creates an inverse volatility evaluator
func NewInverseVolatility(universe []string, lookback int) *InverseVolatility {
	if lookback <= 1 {
		lookback = 60
	}
	return &InverseVolatility{id: "inverse_volatility", universe: universe, lookback: lookback}
}

func (v *InverseVolatility) StrategyID() string { return v.id }
func (v *InverseVolatility) Universe() []string { return v.universe }

// Evaluate scores each symbol by 1/stddev of its daily returns
func (v *InverseVolatility) Evaluate(ctx context.Context, data domain.MarketData, asOf time.Time) (map[string]decimal.Decimal, error) {
	scores := make(map[string]decimal.Decimal, len(v.universe))
	for _, symbol := range v.universe {
		series, err := fetchCloses(ctx, data, symbol, v.lookback+1, 3, asOf)
		if err != nil {
			return nil, err
		}

		returns := make([]float64, 0, len(series)-1)
		for i := 1; i < len(series); i++ {
			if series[i-1] == 0 {
				return nil, fmt.Errorf("%w: zero close for %s", domain.ErrSignalGeneration, symbol)
			}
			returns = append(returns, series[i]/series[i-1]-1)
		}

		sigma := stat.StdDev(returns, nil)
		if math.IsNaN(sigma) || sigma <= 0 {
			return nil, fmt.Errorf("%w: volatility undefined for %s", domain.ErrSignalGeneration, symbol)
		}
		scores[domain.NormalizeSymbol(symbol)] = decimal.NewFromFloat(1 / sigma)
	}
	return scores, nil
}
