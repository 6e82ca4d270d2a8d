// Package eventstore implements the append-only event journal (spec §4.1,
// L2): one ordered stream per aggregate, a global tail for subscribers, and
// optimistic concurrency on append.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event is a single journal entry. Payload is the domain event's JSON
// encoding; Type identifies its Go shape for decoding (e.g.
// "source.registered.v1").
type Event struct {
	StreamID      string          `json:"stream_id" db:"stream_id"`
	Sequence      int64           `json:"sequence" db:"sequence"`
	Type          string          `json:"type" db:"type"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at" db:"occurred_at"`
}

// Checkpoint identifies a position in the global stream for subscribers
// (i.e. the projector) to resume from after a restart.
type Checkpoint int64

// Delivery pairs an event with the checkpoint a subscriber should persist
// once it has durably applied the event.
type Delivery struct {
	Event      Event
	Checkpoint Checkpoint
}

// ErrConcurrencyConflict is returned by Append when expectedVersion does not
// match the stream's current version. Callers retry with a freshly loaded
// aggregate, per spec.md §4.8 (N=3 with jitter).
var ErrConcurrencyConflict = errors.New("eventstore: concurrency conflict")

// NoStreamVersion is the expected version for appending to a brand-new
// stream (i.e. the very first event an aggregate emits).
const NoStreamVersion int64 = 0

// Store is the event journal contract. Implementations must guarantee: (a)
// Append is atomic and linearizable per stream_id, and (b) SubscribeGlobal
// delivers events in per-stream order.
type Store interface {
	// Append adds events to stream_id iff the stream is currently at
	// expectedVersion, returning the stream's new version. expectedVersion
	// of NoStreamVersion means "this stream must not yet exist".
	Append(ctx context.Context, streamID string, expectedVersion int64, events []Event) (newVersion int64, err error)

	// Read returns events for stream_id at or after fromSequence, in order.
	Read(ctx context.Context, streamID string, fromSequence int64) ([]Event, error)

	// SubscribeGlobal starts delivering events from the global tail,
	// beginning just after fromCheckpoint, until ctx is cancelled. The
	// returned channel is closed when the subscription ends (ctx
	// cancellation or an unrecoverable read error, the latter surfaced via
	// errs).
	SubscribeGlobal(ctx context.Context, fromCheckpoint Checkpoint) (<-chan Delivery, <-chan error)
}

// Marshal encodes a typed domain event payload as an Event ready to append.
func Marshal(streamID, eventType string, correlationID string, payload any, occurredAt time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		StreamID:      streamID,
		Type:          eventType,
		Payload:       raw,
		CorrelationID: correlationID,
		OccurredAt:    occurredAt,
	}, nil
}
