package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds for the trading workflow. Callers classify failures with
// errors.Is against these sentinels; concrete errors wrap them with
// operation detail.
var (
	// ErrConfiguration signals missing or invalid configuration.
	// The workflow does not start.
	ErrConfiguration = errors.New("configuration error")

	// ErrDataUnavailable signals market data, quotes, or bars exhausted
	// their retries. Retryable at stage level; fatal to a run when it
	// blocks planning.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrSignalGeneration signals a strategy's required indicators
	// could not be computed.
	ErrSignalGeneration = errors.New("signal generation failed")

	// ErrPlanning signals a rebalance plan invariant violation. Fatal
	// to the run.
	ErrPlanning = errors.New("planning error")

	// ErrInsufficientData signals positions or portfolio value could
	// not be fetched for planning.
	ErrInsufficientData = errors.New("insufficient account data")

	// ErrValidation signals a malformed trade message or out-of-bounds
	// parameter. The trade fails, the run continues.
	ErrValidation = errors.New("validation error")

	// ErrGating is the parent kind for pre-trade policy rejections
	ErrGating = errors.New("gating error")

	// ErrBrokerTransient signals a retryable broker failure
	// (5xx, network, rate limit).
	ErrBrokerTransient = errors.New("transient broker error")

	// ErrBrokerPermanent signals a non-retryable broker rejection
	// (invalid symbol, insufficient funds, margin).
	ErrBrokerPermanent = errors.New("permanent broker error")

	// ErrExecutionTimeout signals the re-peg loop exhausted without a
	// full fill; handled by the market fallback.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrCASConflict signals a conditional write lost against a
	// concurrent update; retry with a fresh read.
	ErrCASConflict = errors.New("conditional update conflict")

	// ErrRunNotFound signals a run record lookup miss
	ErrRunNotFound = errors.New("run not found")

	// ErrTradeNotFound signals a trade child record lookup miss
	ErrTradeNotFound = errors.New("trade not found")
)

// Gating subtypes. Each also matches ErrGating under errors.Is.
var (
	ErrDailyLimitExceeded = fmt.Errorf("%w: daily trade value limit exceeded", ErrGating)
	ErrOrderTooLarge      = fmt.Errorf("%w: order notional above single-order limit", ErrGating)
	ErrMarketClosed       = fmt.Errorf("%w: market closed", ErrGating)
)

// Retryable reports whether a failure should be retried by the worker
// or redelivered by the queue.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrBrokerTransient):
		return true
	case errors.Is(err, ErrCASConflict):
		return true
	case errors.Is(err, ErrDataUnavailable):
		return true
	}
	return false
}

// RetryAfterError wraps a transient failure with the wait the server
// asked for (a 429's Retry-After). The bus uses the hint in place of
// its own backoff when scheduling the redelivery.
type RetryAfterError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.Delay)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter extracts a server-provided redelivery hint from err
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.Delay > 0 {
		return ra.Delay, true
	}
	return 0, false
}

// ErrorContext carries the cross-cutting identifiers attached to a
// workflow error when it is logged or published.
type ErrorContext struct {
	CorrelationID  string            `json:"correlation_id"`
	CausationID    string            `json:"causation_id,omitempty"`
	Operation      string            `json:"operation"`
	Component      string            `json:"component"`
	AdditionalData map[string]string `json:"additional_data,omitempty"`
}

// ErrorKind maps an error to its taxonomy name for event payloads and
// operator output.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrDataUnavailable):
		return "DataUnavailableError"
	case errors.Is(err, ErrSignalGeneration):
		return "SignalGenerationError"
	case errors.Is(err, ErrPlanning):
		return "PlanningError"
	case errors.Is(err, ErrInsufficientData):
		return "InsufficientDataError"
	case errors.Is(err, ErrDailyLimitExceeded):
		return "DailyLimitExceeded"
	case errors.Is(err, ErrOrderTooLarge):
		return "OrderTooLarge"
	case errors.Is(err, ErrMarketClosed):
		return "MarketClosed"
	case errors.Is(err, ErrGating):
		return "GatingError"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrBrokerTransient):
		return "BrokerTransientError"
	case errors.Is(err, ErrBrokerPermanent):
		return "BrokerPermanentError"
	case errors.Is(err, ErrExecutionTimeout):
		return "ExecutionTimeout"
	default:
		return "UnknownError"
	}
}
