package events

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Handler processes one delivered envelope. Returning nil acknowledges
// the message. Returning an error triggers redelivery with backoff up
// to the delivery budget. Returning a RequeueError redelivers after the
// requested delay without consuming a retry attempt; the message's
// group stays blocked until it is handled, preserving FIFO order.
type Handler func(ctx context.Context, env *Envelope) error

// Bus is the transport between pipeline stages. Implementations:
// the in-process bus (single-process deployments) and the NATS
// JetStream bus (multi-process sharded execution).
type Bus interface {
	// Publish enqueues an envelope. Messages sharing a group key are
	// delivered to each subscription in publish order. A message whose
	// dedup ID was already published within the dedup window is
	// dropped silently.
	Publish(ctx context.Context, env *Envelope) error

	// Subscribe registers a named handler for an event type. The name
	// scopes redelivery tracking; two subscriptions with different
	// names each receive every message.
	Subscribe(eventType EventType, name string, h Handler) error

	// Close stops delivery and waits for in-flight handlers
	Close() error
}

// RequeueError asks the bus to redeliver the message after a delay.
// Used by BUY workers that find sibling SELL trades still running.
type RequeueError struct {
	Delay time.Duration
}

func (e *RequeueError) Error() string {
	return fmt.Sprintf("requeue after %s", e.Delay)
}

// Requeue builds a RequeueError with the given visibility delay
func Requeue(delay time.Duration) error {
	return &RequeueError{Delay: delay}
}

// AsRequeue extracts a RequeueError if err is one
func AsRequeue(err error) (*RequeueError, bool) {
	var rq *RequeueError
	if errors.As(err, &rq) {
		return rq, true
	}
	return nil, false
}

type deliveryAttemptKey struct{}

type deliveryAttempt struct {
	attempt int
	max     int
}

// WithDeliveryAttempt stamps the handler context with the current
// delivery attempt. Buses set this before every invocation.
func WithDeliveryAttempt(ctx context.Context, attempt, maxAttempts int) context.Context {
	return context.WithValue(ctx, deliveryAttemptKey{}, deliveryAttempt{attempt: attempt, max: maxAttempts})
}

// FinalAttempt reports whether the delivery budget is spent after the
// current attempt. A handler that would return a retryable error must
// instead convert the failure into a terminal outcome when this is
// true, because the bus will not redeliver the message again.
func FinalAttempt(ctx context.Context) bool {
	da, ok := ctx.Value(deliveryAttemptKey{}).(deliveryAttempt)
	return ok && da.attempt >= da.max
}

// DeliveryConfig tunes redelivery behavior. The defaults implement the
// retry budget for transient failures: three extra attempts backed off
// 1s, 3s, 10s with jitter.
type DeliveryConfig struct {
	MaxAttempts int             // total delivery attempts per message
	Backoff     []time.Duration // wait before redelivery n (clamped to the last entry)
	DedupWindow time.Duration   // how long dedup IDs are remembered
}

// DefaultDeliveryConfig returns the production delivery settings
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts: 4,
		Backoff:     []time.Duration{1 * time.Second, 3 * time.Second, 10 * time.Second},
		DedupWindow: 5 * time.Minute,
	}
}

// backoffFor returns the wait before redelivering a message that has
// already been attempted `attempt` times (attempt >= 1).
func (c DeliveryConfig) backoffFor(attempt int) time.Duration {
	if len(c.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(c.Backoff) {
		idx = len(c.Backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return c.Backoff[idx]
}
