// Package bus provides the in-process event bus that binds Overseer's
// services together: pattern-based pub/sub over (source, type) keys, a
// request/response layer with correlation IDs, and event history for replay.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies an event flowing through the bus.
type EventType string

const (
	EventSystem   EventType = "system"
	EventService  EventType = "service"
	EventRequest  EventType = "request"
	EventResponse EventType = "response"
	EventError    EventType = "error"
	EventLog      EventType = "log"
	EventMetric   EventType = "metric"
	EventCustom   EventType = "custom"
)

// Event is one message on the bus. Delivery is keyed by (Source, Type).
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Target    string         `json:"target,omitempty"`
	Data      map[string]any `json:"data,omitempty"`

	// CorrelationID ties a request to its response. A response carries the
	// request's correlation ID in ReplyTo.
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
}

// NewEvent builds an event with a fresh ID and the current timestamp.
func NewEvent(source string, eventType EventType, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      eventType,
		Source:    source,
		Data:      data,
	}
}
