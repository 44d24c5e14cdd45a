package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/matplo/procorg/internal/store"
)

// EventType defines the kind of execution lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
)

// Event mirrors one execution state change to external audit/analytics
// systems. The engine's own state of record stays in the store; sinks are
// strictly write-behind.
type Event struct {
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Execution  store.Execution `json:"execution"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Record sends an event to sink, logging and swallowing failures: a broken
// audit backend must never affect the engine or other executions.
func Record(ctx context.Context, sink Sink, t EventType, e store.Execution) {
	if sink == nil {
		return
	}
	ev := Event{Type: t, OccurredAt: time.Now(), Execution: e}
	if err := sink.Send(ctx, ev); err != nil {
		slog.Warn("history sink send failed", "execution", e.ID, "type", t, "error", err)
	}
}
