// Package runstore persists the run event log and serves read models over
// it. Every run is an append-only sequence of events keyed by run ID; the
// history projection is rebuilt from the log at startup and kept current by
// the engine sink.
package runstore

import (
	"context"
	"time"
)

// Store persists and retrieves run events.
type Store interface {
	// Append adds one event to the log.
	Append(ctx context.Context, runID, eventType string, payload []byte, metadata map[string]string) error

	// RunEvents returns all events of one run in append order.
	RunEvents(ctx context.Context, runID string) ([]Event, error)

	// Range returns events within a time window in append order.
	Range(ctx context.Context, start, end time.Time) ([]Event, error)

	// Close releases the underlying database.
	Close() error
}

// Event is one entry of the run event log.
type Event interface {
	ID() int64
	RunID() string
	Type() string
	Timestamp() time.Time
	Payload() []byte
	Metadata() map[string]string
}

// BaseEvent is the default Event implementation; typed events embed it.
type BaseEvent struct {
	EventID        int64
	EventRunID     string
	EventType      string
	EventTimestamp time.Time
	EventPayload   []byte
	EventMetadata  map[string]string
}

func (e *BaseEvent) ID() int64                   { return e.EventID }
func (e *BaseEvent) RunID() string               { return e.EventRunID }
func (e *BaseEvent) Type() string                { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time        { return e.EventTimestamp }
func (e *BaseEvent) Payload() []byte             { return e.EventPayload }
func (e *BaseEvent) Metadata() map[string]string { return e.EventMetadata }
