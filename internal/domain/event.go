package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventMessageReceived EventType = "message.received"
	EventMessageSent     EventType = "message.sent"

	// Agent run lifecycle events.
	EventRunStarted   EventType = "run.started"
	EventRunOutput    EventType = "run.output"
	EventRunTimeout   EventType = "run.timeout"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"

	EventIPCQuarantined EventType = "ipc.quarantined"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Group     string          `json:"group,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RunEventPayload is the payload of run.* events.
type RunEventPayload struct {
	Backend  string    `json:"backend"`
	Status   string    `json:"status,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Duration string    `json:"duration,omitempty"`
	Code     ErrorCode `json:"code,omitempty"`
}

// MessageEventPayload is the payload of message.* events.
type MessageEventPayload struct {
	Channel string `json:"channel"`
	ChatJID string `json:"chat_jid"`
	Length  int    `json:"length"`
}

// QuarantineEventPayload is the payload of ipc.quarantined events.
type QuarantineEventPayload struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// MustPayload marshals v for Event.Payload, returning nil on failure.
func MustPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
