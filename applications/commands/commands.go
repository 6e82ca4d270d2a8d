// Package commands is the write-side application service: it loads an
// aggregate's current state from the event journal, runs a pure domain
// command handler, and appends the resulting events with optimistic
// concurrency retry (spec.md §4.8: N=3 attempts with jitter).
package commands

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/toolsgateway/toolsgw/eventstore"
	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/infrastructure/resilience"
)

// Service wires an event store, the command retry policy, and an optional
// post-append callback for every aggregate-specific handler in this package.
type Service struct {
	events     eventstore.Store
	retryCfg   resilience.RetryConfig
	onEvents   func(events []eventstore.Event)
}

// New constructs a Service. onEvents, if non-nil, is invoked synchronously
// after a successful append with the events just written.
// cmd/toolsgateway passes nil, and no other path forwards appended domain
// events to the SSE hub, so SSE subscribers do not receive them.
func New(events eventstore.Store, onEvents func(events []eventstore.Event)) *Service {
	return &Service{events: events, retryCfg: resilience.DefaultRetryConfig(), onEvents: onEvents}
}

// loadEvents reads every event for streamID and returns them alongside the
// stream's current version (= event count).
func (s *Service) loadEvents(ctx context.Context, streamID string) ([]eventstore.Event, int64, error) {
	evs, err := s.events.Read(ctx, streamID, 0)
	if err != nil {
		return nil, 0, gwerrors.DatabaseError("read_stream", err)
	}
	return evs, int64(len(evs)), nil
}

// decodePayload unmarshals an event's JSON payload into a generic map, the
// shape every domain Fold function expects.
func decodePayload(ev eventstore.Event) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// appendWithRetry loads the current stream version, runs handle against it,
// and appends the resulting events. Only eventstore.ErrConcurrencyConflict
// is retried (reload + re-run handle against the fresh version), up to
// RetryConfig.MaxAttempts times with jittered backoff; a business-rule
// rejection from handle is a pure function of state and is returned
// immediately without consuming a retry.
func (s *Service) appendWithRetry(ctx context.Context, streamID string, handle func(expectedVersion int64) ([]eventstore.Event, error)) error {
	delay := s.retryCfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt < s.retryCfg.MaxAttempts; attempt++ {
		_, version, err := s.loadEvents(ctx, streamID)
		if err != nil {
			return err
		}

		newEvents, err := handle(version)
		if err != nil {
			return err
		}
		if len(newEvents) == 0 {
			return nil
		}

		_, appendErr := s.events.Append(ctx, streamID, version, newEvents)
		if appendErr == nil {
			if s.onEvents != nil {
				s.onEvents(newEvents)
			}
			return nil
		}
		if appendErr != eventstore.ErrConcurrencyConflict {
			return gwerrors.DatabaseError("append_stream", appendErr)
		}

		lastErr = appendErr
		if attempt < s.retryCfg.MaxAttempts-1 {
			if err := sleepWithJitter(ctx, delay, s.retryCfg.Jitter); err != nil {
				return err
			}
			delay = nextDelay(delay, s.retryCfg)
		}
	}
	if lastErr == eventstore.ErrConcurrencyConflict {
		return gwerrors.Conflict("concurrent modification, retries exhausted")
	}
	return lastErr
}

func sleepWithJitter(ctx context.Context, d time.Duration, jitter float64) error {
	if jitter > 0 {
		delta := float64(d) * jitter
		d += time.Duration(rand.Float64()*delta*2 - delta)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func nextDelay(current time.Duration, cfg resilience.RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}
