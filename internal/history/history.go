// Package history appends service lifecycle events to an audit sink. The
// sink is write-only: the supervisor never reads it back, so no state
// survives a restart through it.
package history

import "time"

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
)

// Event is one lifecycle observation.
type Event struct {
	Type       EventType
	Service    string
	PID        int
	ExitCode   int
	OccurredAt time.Time
}

// Sink receives events. Record must not block the caller for long; failures
// are the sink's to log.
type Sink interface {
	Record(e Event)
	Close() error
}
