package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/events"
)

// streamedEventTypes are the pipeline events mirrored to SSE clients
var streamedEventTypes = []events.EventType{
	events.SignalGenerated,
	events.RebalancePlanned,
	events.TradeCompleted,
	events.WorkflowCompleted,
	events.WorkflowFailed,
}

// clientBufferSize bounds each connection's event backlog. Slow
// clients drop events rather than blocking the bus.
const clientBufferSize = 100

// EventsStreamHandler mirrors pipeline events to Server-Sent Events
// clients. It holds one bus subscription per event type and fans out
// to per-connection channels.
type EventsStreamHandler struct {
	log     zerolog.Logger
	mu      sync.Mutex
	clients map[chan *events.Envelope]struct{}
	closed  bool
}

// NewEventsStreamHandler subscribes to the pipeline events and returns
// the SSE handler
func NewEventsStreamHandler(bus events.Bus, log zerolog.Logger) (*EventsStreamHandler, error) {
	h := &EventsStreamHandler{
		log:     log.With().Str("component", "events_stream").Logger(),
		clients: make(map[chan *events.Envelope]struct{}),
	}

	for _, eventType := range streamedEventTypes {
		if err := bus.Subscribe(eventType, "api-event-stream", h.broadcast); err != nil {
			return nil, fmt.Errorf("failed to subscribe %s: %w", eventType, err)
		}
	}
	return h, nil
}

// broadcast fans one envelope out to every connected client. Always
// acks: the stream is a mirror, not a processing stage.
func (h *EventsStreamHandler) broadcast(_ context.Context, env *events.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.clients {
		select {
		case ch <- env:
		default:
			h.log.Warn().Str("event_type", string(env.Type)).Msg("Client buffer full, dropping event")
		}
	}
	return nil
}

func (h *EventsStreamHandler) register() chan *events.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan *events.Envelope, clientBufferSize)
	if h.closed {
		close(ch)
		return ch
	}
	h.clients[ch] = struct{}{}
	return ch
}

func (h *EventsStreamHandler) unregister(ch chan *events.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, ch)
}

// Close detaches all clients. The bus subscriptions drain into an
// empty client set until the bus itself closes.
func (h *EventsStreamHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		delete(h.clients, ch)
	}
	h.closed = true
}

// ServeHTTP handles GET /api/events/stream. An optional
// ?types=TRADE_COMPLETED,WORKFLOW_COMPLETED query filters the stream.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var allowedTypes map[events.EventType]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		allowedTypes = make(map[events.EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			allowedTypes[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	ch := h.register()
	defer h.unregister(ch)

	h.log.Info().Int("filters", len(allowedTypes)).Msg("Client connected to event stream")

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", h.encode(map[string]string{
		"message": "connected to event stream",
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	done := r.Context().Done()
	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case env, open := <-ch:
			if !open {
				return
			}
			if allowedTypes != nil && !allowedTypes[env.Type] {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, h.encode(env))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: %s\n\n", h.encode(map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

func (h *EventsStreamHandler) encode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
