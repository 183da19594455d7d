package domain

// TradeAction represents the direction of a planned trade
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
	ActionHold TradeAction = "HOLD"
)

// IsValid reports whether the action is one of the known values
func (a TradeAction) IsValid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold:
		return true
	}
	return false
}

// TradePhase represents the execution phase a trade belongs to.
// All SELL trades of a run execute before any BUY trade.
type TradePhase string

const (
	PhaseSell TradePhase = "SELL"
	PhaseBuy  TradePhase = "BUY"
)

// Sequence base offsets per phase. Sequence numbers encode the
// sells-before-buys ordering: every SELL sequence number is strictly
// below every BUY sequence number within a run.
const (
	sequenceBaseSell = 1000
	sequenceBaseBuy  = 2000
)

// SequenceNumber computes the dispatch sequence for a trade from its
// phase and priority (1 = most urgent, 5 = least).
func SequenceNumber(phase TradePhase, priority int) int {
	if phase == PhaseSell {
		return sequenceBaseSell + priority
	}
	return sequenceBaseBuy + priority
}

// RunStatus represents the lifecycle state of an execution run
type RunStatus string

const (
	RunPending             RunStatus = "PENDING"
	RunRunning             RunStatus = "RUNNING"
	RunCompleted           RunStatus = "COMPLETED"
	RunCompletedWithErrors RunStatus = "COMPLETED_WITH_ERRORS"
	RunFailed              RunStatus = "FAILED"
)

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunCompletedWithErrors, RunFailed:
		return true
	}
	return false
}

// TradeState represents the lifecycle state of a single trade within a run.
// A trade advances PENDING -> RUNNING -> {COMPLETED | FAILED} exactly once.
type TradeState string

const (
	TradePending   TradeState = "PENDING"
	TradeRunning   TradeState = "RUNNING"
	TradeCompleted TradeState = "COMPLETED"
	TradeFailed    TradeState = "FAILED"
)

// IsTerminal reports whether the trade has reached a final state
func (s TradeState) IsTerminal() bool {
	return s == TradeCompleted || s == TradeFailed
}

// OrderSide is the broker-facing side of an order
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderStatus mirrors the broker's order state machine
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the broker will make no further changes
// to an order in this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// SubmissionStrategy records how an order was submitted
type SubmissionStrategy string

const (
	SubmitLimit     SubmissionStrategy = "LIMIT"
	SubmitMarket    SubmissionStrategy = "MARKET"
	SubmitLiquidate SubmissionStrategy = "LIQUIDATE"
)

// TradeEventType classifies events on the broker's trade-update stream
type TradeEventType string

const (
	TradeEventNew         TradeEventType = "NEW"
	TradeEventFill        TradeEventType = "FILL"
	TradeEventPartialFill TradeEventType = "PARTIAL_FILL"
	TradeEventCanceled    TradeEventType = "CANCELED"
	TradeEventRejected    TradeEventType = "REJECTED"
	TradeEventExpired     TradeEventType = "EXPIRED"
	TradeEventDoneForDay  TradeEventType = "DONE_FOR_DAY"
)

// ExecutionMode selects how a rebalance plan is dispatched
type ExecutionMode string

const (
	// ModeBatched executes an entire plan in one invocation:
	// SELL phase, settlement wait, BUY phase.
	ModeBatched ExecutionMode = "batched"
	// ModeSharded delivers each non-HOLD plan item as an independent
	// message to a worker pool.
	ModeSharded ExecutionMode = "sharded"
)

// TradingMode selects the broker environment
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// SchemaVersion is stamped on every cross-stage message
const SchemaVersion = "1.0"
