package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/domain"
)

const (
	watchBufferSize = 16
	pollInterval    = 2 * time.Second

	// Updates for orders no worker is watching yet are parked; beyond
	// this many parked orders new ones are dropped (the polling fallback
	// recovers them).
	maxBacklogOrders = 1024
)

// Monitor owns the single trade-update stream per process and
// demultiplexes its events into per-order channels. Workers watch their
// own order ID; a polling fallback covers stream outages.
type Monitor struct {
	stream domain.TradeStream
	broker domain.Broker
	log    zerolog.Logger

	mu       sync.Mutex
	watchers map[string]chan domain.TradeUpdate
	backlog  map[string][]domain.TradeUpdate

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMonitor creates the trade-update monitor
func NewMonitor(stream domain.TradeStream, broker domain.Broker, log zerolog.Logger) *Monitor {
	return &Monitor{
		stream:   stream,
		broker:   broker,
		log:      log.With().Str("component", "trade_monitor").Logger(),
		watchers: make(map[string]chan domain.TradeUpdate),
		backlog:  make(map[string][]domain.TradeUpdate),
		stopChan: make(chan struct{}),
	}
}

// Start connects the stream and launches the demux loop
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.stream.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect trade stream: %w", err)
	}
	go m.demux()
	return nil
}

// Stop tears down the demux loop and the stream
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	return m.stream.Close()
}

func (m *Monitor) demux() {
	updates := m.stream.Updates()
	for {
		select {
		case <-m.stopChan:
			return
		case u, ok := <-updates:
			if !ok {
				m.log.Warn().Msg("Trade stream channel closed")
				return
			}
			m.dispatch(u)
		}
	}
}

// dispatch routes one update to its order's watcher, or parks it for a
// watcher that has not registered yet. The simulator and fast brokers
// can emit fills before the submitting worker starts watching.
func (m *Monitor) dispatch(u domain.TradeUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.watchers[u.OrderID]; ok {
		select {
		case ch <- u:
		default:
			m.log.Warn().
				Str("order_id", u.OrderID).
				Str("event", string(u.Event)).
				Msg("Watcher buffer full, dropping update")
		}
		return
	}

	if _, ok := m.backlog[u.OrderID]; !ok && len(m.backlog) >= maxBacklogOrders {
		return
	}
	m.backlog[u.OrderID] = append(m.backlog[u.OrderID], u)
}

// Watch registers interest in an order and returns its update channel,
// replaying any updates that arrived before registration.
func (m *Monitor) Watch(orderID string) <-chan domain.TradeUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan domain.TradeUpdate, watchBufferSize)
	for _, u := range m.backlog[orderID] {
		ch <- u
	}
	delete(m.backlog, orderID)
	m.watchers[orderID] = ch
	return ch
}

// Release drops the watcher and any parked updates for an order
func (m *Monitor) Release(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watchers, orderID)
	delete(m.backlog, orderID)
}

// AwaitTerminal blocks until the order reaches a terminal status or the
// timeout fires. The stream is the primary signal; while it is
// disconnected a 2s poll against the REST surface takes over. On
// timeout the order's current (non-terminal) state is returned.
func (m *Monitor) AwaitTerminal(ctx context.Context, orderID string, timeout time.Duration) (*domain.Order, error) {
	ch := m.Watch(orderID)
	defer m.Release(orderID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	var last *domain.TradeUpdate
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return m.currentOrder(ctx, orderID, last)
			}
			last = &u
			if u.Status.IsTerminal() {
				return m.currentOrder(ctx, orderID, last)
			}

		case <-poll.C:
			if m.stream.Connected() {
				continue
			}
			order, err := m.broker.GetOrder(ctx, orderID)
			if err != nil {
				m.log.Warn().Err(err).Str("order_id", orderID).Msg("Polling fallback failed")
				continue
			}
			if order.Status.IsTerminal() {
				return order, nil
			}

		case <-timer.C:
			return m.currentOrder(ctx, orderID, last)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// currentOrder fetches the authoritative order state, synthesizing one
// from the last stream update when the REST read fails.
func (m *Monitor) currentOrder(ctx context.Context, orderID string, last *domain.TradeUpdate) (*domain.Order, error) {
	order, err := m.broker.GetOrder(ctx, orderID)
	if err == nil {
		return order, nil
	}
	if last == nil {
		return nil, fmt.Errorf("failed to read order %s: %w", orderID, err)
	}
	m.log.Warn().Err(err).Str("order_id", orderID).Msg("Order read failed, using last stream update")
	return &domain.Order{
		OrderID:      orderID,
		Status:       last.Status,
		FilledQty:    last.FilledQty,
		AvgFillPrice: last.AvgPrice,
		UpdatedAt:    last.Timestamp,
	}, nil
}
