// Package events defines the messages that cross pipeline stages and
// the bus they travel on. Delivery is at-least-once with FIFO ordering
// per group key; every message carries the workflow correlation ID and
// the ID of the message that caused it.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a message
type EventType string

const (
	// SignalGenerated carries the consolidated portfolio out of the
	// signal stage.
	SignalGenerated EventType = "SIGNAL_GENERATED"

	// RebalancePlanned carries a whole rebalance plan (batched mode)
	RebalancePlanned EventType = "REBALANCE_PLANNED"

	// TradeMessage carries one non-HOLD plan item (sharded mode).
	// Published with group key = run_id and dedup ID = trade_id.
	TradeMessage EventType = "TRADE_MESSAGE"

	// TradeCompleted reports one trade reaching a terminal state
	TradeCompleted EventType = "TRADE_COMPLETED"

	// WorkflowCompleted is published exactly once per run by the
	// worker that wins the completion CAS.
	WorkflowCompleted EventType = "WORKFLOW_COMPLETED"

	// WorkflowFailed is published when a run cannot complete
	WorkflowFailed EventType = "WORKFLOW_FAILED"
)

// EventData is the interface that all event payload types implement
type EventData interface {
	// EventType returns the event type this payload belongs to
	EventType() EventType
}

// Envelope wraps a payload with the routing and tracing fields every
// cross-stage message carries.
type Envelope struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	GroupKey      string    `json:"group_key,omitempty"`
	DedupID       string    `json:"dedup_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion string    `json:"schema_version"`
	Data          EventData `json:"data"`
}

// NewEnvelope builds an envelope for a payload, stamping a fresh
// message ID and timestamp. The causation ID is the ID of the message
// being handled when this one is produced; the workflow root passes "".
func NewEnvelope(correlationID, causationID string, data EventData) *Envelope {
	return &Envelope{
		ID:            uuid.New().String(),
		Type:          data.EventType(),
		CorrelationID: correlationID,
		CausationID:   causationID,
		Timestamp:     time.Now().UTC(),
		SchemaVersion: "1.0",
		Data:          data,
	}
}

// WithGroup sets the FIFO group key and dedup ID
func (e *Envelope) WithGroup(groupKey, dedupID string) *Envelope {
	e.GroupKey = groupKey
	e.DedupID = dedupID
	return e
}

// MarshalJSON customizes JSON serialization for Envelope
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type Alias Envelope
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for Envelope,
// decoding the payload into the concrete type for the event type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type Alias Envelope
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) == 0 {
		return nil
	}

	var payload EventData
	switch aux.Type {
	case SignalGenerated:
		payload = &SignalGeneratedData{}
	case RebalancePlanned:
		payload = &RebalancePlannedData{}
	case TradeMessage:
		payload = &TradeMessageData{}
	case TradeCompleted:
		payload = &TradeCompletedData{}
	case WorkflowCompleted:
		payload = &WorkflowCompletedData{}
	case WorkflowFailed:
		payload = &WorkflowFailedData{}
	default:
		return fmt.Errorf("unknown event type %q", aux.Type)
	}

	if err := json.Unmarshal(aux.Data, payload); err != nil {
		return err
	}
	e.Data = payload

	return nil
}
