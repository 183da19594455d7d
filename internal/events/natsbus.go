package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/domain"
)

// NATSConfig holds connection and stream settings for the JetStream bus
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	AckWait       time.Duration
}

// DefaultNATSConfig returns settings suitable for a local deployment
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:           url,
		Stream:        "HELMSMAN",
		SubjectPrefix: "helmsman.events",
		AckWait:       5 * time.Minute,
	}
}

// NATSBus is the JetStream-backed Bus implementation used when trade
// execution is sharded across worker processes. Publish-side dedup maps
// to the stream's duplicate window (Nats-Msg-Id), redelivery to
// NakWithDelay, and dead-lettering to Term after the attempt budget.
//
// Ordering note: JetStream queue groups deliver to workers in parallel,
// so sell-before-buy sequencing within a run is enforced by consumers
// requeueing (Requeue) until their preconditions hold, not by delivery
// order.
type NATSBus struct {
	cfg      NATSConfig
	delivery DeliveryConfig
	log      zerolog.Logger

	nc *nats.Conn
	js nats.JetStreamContext

	mu       sync.Mutex
	subs     []*nats.Subscription
	attempts map[string]int
	closed   bool
}

var _ Bus = (*NATSBus)(nil)

// NewNATSBus connects to the server and ensures the event stream exists
func NewNATSBus(cfg NATSConfig, delivery DeliveryConfig, log zerolog.Logger) (*NATSBus, error) {
	busLog := log.With().Str("component", "natsbus").Logger()

	nc, err := nats.Connect(cfg.URL,
		nats.Name("helmsman"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			busLog.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			busLog.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	b := &NATSBus{
		cfg:      cfg,
		delivery: delivery,
		log:      busLog,
		nc:       nc,
		js:       js,
		attempts: make(map[string]int),
	}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// ensureStream creates the event stream on first use
func (b *NATSBus) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "not found") {
		return fmt.Errorf("failed to look up stream %s: %w", b.cfg.Stream, err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       b.cfg.Stream,
		Subjects:   []string{b.cfg.SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: b.delivery.DedupWindow,
		Storage:    nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", b.cfg.Stream, err)
	}
	b.log.Info().Str("stream", b.cfg.Stream).Msg("Created JetStream event stream")
	return nil
}

func (b *NATSBus) subjectFor(t EventType) string {
	return b.cfg.SubjectPrefix + "." + string(t)
}

// Publish writes the envelope to the stream with dedup via Nats-Msg-Id
func (b *NATSBus) Publish(ctx context.Context, env *Envelope) error {
	if env == nil || env.Data == nil {
		return fmt.Errorf("cannot publish empty envelope")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if env.DedupID != "" {
		opts = append(opts, nats.MsgId(env.DedupID))
	}

	ack, err := b.js.Publish(b.subjectFor(env.Type), data, opts...)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", env.Type, err)
	}
	if ack.Duplicate {
		b.log.Debug().
			Str("event", string(env.Type)).
			Str("dedup_id", env.DedupID).
			Msg("Duplicate publish dropped by stream")
	}
	return nil
}

// Subscribe registers a durable queue consumer for an event type.
// Workers sharing the same name form a queue group and split the load.
func (b *NATSBus) Subscribe(eventType EventType, name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	durable := sanitizeDurable(name)
	sub, err := b.js.QueueSubscribe(b.subjectFor(eventType), durable,
		func(msg *nats.Msg) { b.dispatch(durable, h, msg) },
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxDeliver(-1),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s to %s: %w", name, eventType, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

// dispatch runs the handler and translates the outcome into ack,
// delayed redelivery, or termination.
func (b *NATSBus) dispatch(durable string, h Handler, msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Error().Err(err).Str("subject", msg.Subject).Msg("Undecodable message, terminating")
		_ = msg.Term()
		return
	}

	attempt := b.peekAttempts(durable, env.ID) + 1
	ctx := WithDeliveryAttempt(context.Background(), attempt, b.delivery.MaxAttempts)

	err := h(ctx, &env)
	if err == nil {
		b.clearAttempts(durable, env.ID)
		_ = msg.Ack()
		return
	}

	if rq, ok := AsRequeue(err); ok {
		// Precondition not met yet: redeliver later without
		// consuming an error attempt.
		_ = msg.NakWithDelay(rq.Delay)
		return
	}

	attempts := b.bumpAttempts(durable, env.ID)
	if attempts >= b.delivery.MaxAttempts {
		b.log.Error().
			Err(err).
			Str("subscription", durable).
			Str("event", string(env.Type)).
			Str("message_id", env.ID).
			Int("attempts", attempts).
			Msg("Delivery budget exhausted, terminating message")
		b.clearAttempts(durable, env.ID)
		_ = msg.Term()
		return
	}

	backoff := withJitter(b.delivery.backoffFor(attempts))
	if hint, ok := domain.RetryAfter(err); ok {
		backoff = hint
	}
	b.log.Warn().
		Err(err).
		Str("subscription", durable).
		Str("event", string(env.Type)).
		Int("attempt", attempts).
		Dur("backoff", backoff).
		Msg("Delivery failed, will retry")
	_ = msg.NakWithDelay(backoff)
}

// Error attempts are tracked per process; after a worker restart the
// count starts over, so MaxAttempts bounds attempts per worker rather
// than globally. Requeues never touch the counter.
func (b *NATSBus) bumpAttempts(durable, id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := durable + "/" + id
	b.attempts[key]++
	return b.attempts[key]
}

func (b *NATSBus) peekAttempts(durable, id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[durable+"/"+id]
}

func (b *NATSBus) clearAttempts(durable, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, durable+"/"+id)
}

// Close drains subscriptions so in-flight handlers finish before the
// connection drops.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			b.log.Warn().Err(err).Msg("Failed to drain subscription")
		}
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// sanitizeDurable maps a subscription name onto the characters JetStream
// allows in durable names.
func sanitizeDurable(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
