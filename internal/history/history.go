package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventCrash   EventType = "crash"
	EventRestart EventType = "restart"
)

// Event is one lifecycle event of a managed entry.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	EntryID    string    `json:"entry_id"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink records lifecycle events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Recent(ctx context.Context, name string, limit int) ([]Event, error)
	Close() error
}

// NopSink discards every event. Used when no history DSN is configured.
type NopSink struct{}

func (NopSink) Send(context.Context, Event) error { return nil }
func (NopSink) Recent(context.Context, string, int) ([]Event, error) {
	return nil, nil
}
func (NopSink) Close() error { return nil }
