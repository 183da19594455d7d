package events

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/domain"
)

// MemoryBus is the in-process Bus implementation. Each subscription
// owns one FIFO queue per group key, drained by a single goroutine,
// which gives strict publish-order delivery within a group while
// different groups proceed in parallel. Redelivery and dedup follow
// DeliveryConfig.
type MemoryBus struct {
	cfg DeliveryConfig
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[EventType][]*memSubscription
	dedup  map[string]time.Time
	closed bool

	wg sync.WaitGroup
}

var _ Bus = (*MemoryBus)(nil)

type memSubscription struct {
	name    string
	handler Handler

	mu     sync.Mutex
	groups map[string]*groupQueue
}

type groupQueue struct {
	pending []*memDelivery
	active  bool
}

type memDelivery struct {
	env      *Envelope
	attempts int
}

// NewMemoryBus creates an in-process bus with the given delivery config
func NewMemoryBus(cfg DeliveryConfig, log zerolog.Logger) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		cfg:    cfg,
		log:    log.With().Str("component", "membus").Logger(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[EventType][]*memSubscription),
		dedup:  make(map[string]time.Time),
	}
}

// Subscribe registers a named handler for an event type
func (b *MemoryBus) Subscribe(eventType EventType, name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	for _, sub := range b.subs[eventType] {
		if sub.name == name {
			return fmt.Errorf("subscription %q already exists for %s", name, eventType)
		}
	}
	b.subs[eventType] = append(b.subs[eventType], &memSubscription{
		name:    name,
		handler: h,
		groups:  make(map[string]*groupQueue),
	})
	return nil
}

// Publish enqueues an envelope for every subscription of its type
func (b *MemoryBus) Publish(_ context.Context, env *Envelope) error {
	if env == nil || env.Data == nil {
		return fmt.Errorf("cannot publish empty envelope")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}

	// Dedup window: a second publish with the same dedup ID is dropped.
	if env.DedupID != "" {
		b.sweepDedupLocked()
		if _, seen := b.dedup[env.DedupID]; seen {
			b.mu.Unlock()
			b.log.Debug().
				Str("event", string(env.Type)).
				Str("dedup_id", env.DedupID).
				Msg("Duplicate publish dropped")
			return nil
		}
		b.dedup[env.DedupID] = time.Now()
	}

	subs := append([]*memSubscription(nil), b.subs[env.Type]...)
	b.mu.Unlock()

	if len(subs) == 0 {
		b.log.Debug().Str("event", string(env.Type)).Msg("No subscribers for event")
		return nil
	}

	for _, sub := range subs {
		b.enqueue(sub, env)
	}
	return nil
}

// enqueue appends the envelope to the subscription's group queue and
// starts a drain goroutine if the group is idle.
func (b *MemoryBus) enqueue(sub *memSubscription, env *Envelope) {
	key := env.GroupKey
	if key == "" {
		// Messages without a group key are independent of each other
		key = env.ID
	}

	sub.mu.Lock()
	q, ok := sub.groups[key]
	if !ok {
		q = &groupQueue{}
		sub.groups[key] = q
	}
	q.pending = append(q.pending, &memDelivery{env: env})
	start := !q.active
	if start {
		q.active = true
	}
	sub.mu.Unlock()

	if start {
		b.wg.Add(1)
		go b.drain(sub, key)
	}
}

// drain delivers the group's messages head-first until the queue is
// empty. The head message stays at the head through requeues and
// retries, so later messages of the group never overtake it.
func (b *MemoryBus) drain(sub *memSubscription, key string) {
	defer b.wg.Done()

	for {
		sub.mu.Lock()
		q := sub.groups[key]
		if len(q.pending) == 0 {
			q.active = false
			delete(sub.groups, key)
			sub.mu.Unlock()
			return
		}
		d := q.pending[0]
		sub.mu.Unlock()

		done := b.deliver(sub, d)

		if done {
			sub.mu.Lock()
			q.pending = q.pending[1:]
			sub.mu.Unlock()
		}

		select {
		case <-b.ctx.Done():
			// Shutdown: drop whatever is still queued
			sub.mu.Lock()
			q.pending = nil
			q.active = false
			sub.mu.Unlock()
			return
		default:
		}
	}
}

// deliver runs the handler once and decides whether the message is
// finished (acked, dead-lettered) or must stay at the queue head.
func (b *MemoryBus) deliver(sub *memSubscription, d *memDelivery) (done bool) {
	d.attempts++

	err := b.invoke(sub, d.env, d.attempts)
	if err == nil {
		return true
	}

	if rq, ok := AsRequeue(err); ok {
		// Visibility delay: redeliver without consuming an attempt
		d.attempts--
		b.sleep(rq.Delay)
		return false
	}

	if d.attempts >= b.cfg.MaxAttempts {
		b.log.Error().
			Err(err).
			Str("subscription", sub.name).
			Str("event", string(d.env.Type)).
			Str("message_id", d.env.ID).
			Int("attempts", d.attempts).
			Msg("Delivery budget exhausted, dropping message")
		return true
	}

	// A server-provided hint (429 Retry-After) overrides the configured
	// backoff for this redelivery.
	backoff := withJitter(b.cfg.backoffFor(d.attempts))
	if hint, ok := domain.RetryAfter(err); ok {
		backoff = hint
	}
	b.log.Warn().
		Err(err).
		Str("subscription", sub.name).
		Str("event", string(d.env.Type)).
		Int("attempt", d.attempts).
		Dur("backoff", backoff).
		Msg("Delivery failed, will retry")
	b.sleep(backoff)
	return false
}

// invoke runs the handler with panic recovery
func (b *MemoryBus) invoke(sub *memSubscription, env *Envelope, attempt int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in handler %s: %v", sub.name, p)
		}
	}()
	return sub.handler(WithDeliveryAttempt(b.ctx, attempt, b.cfg.MaxAttempts), env)
}

// sleep waits for d or until the bus shuts down
func (b *MemoryBus) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-b.ctx.Done():
	}
}

// sweepDedupLocked drops dedup entries older than the window
func (b *MemoryBus) sweepDedupLocked() {
	cutoff := time.Now().Add(-b.cfg.DedupWindow)
	for id, at := range b.dedup {
		if at.Before(cutoff) {
			delete(b.dedup, id)
		}
	}
}

// Close stops delivery and waits for in-flight handlers
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

// withJitter adds up to 25% random jitter to a backoff interval
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
