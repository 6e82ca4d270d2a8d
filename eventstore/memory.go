package eventstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store backed by a map of streams, used by
// unit tests for the command handlers and the resolver (spec.md §4.A test
// tooling: "an in-memory event journal/read-model/cache for fast unit
// tests").
type MemoryStore struct {
	mu          sync.Mutex
	streams     map[string][]Event
	global      []Event
	subscribers map[int]chan Delivery
	nextSubID   int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:     make(map[string][]Event),
		subscribers: make(map[int]chan Delivery),
	}
}

func (s *MemoryStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(len(s.streams[streamID]))
	if current != expectedVersion {
		return current, ErrConcurrencyConflict
	}

	seq := current
	appended := make([]Event, 0, len(events))
	for _, e := range events {
		seq++
		e.StreamID = streamID
		e.Sequence = seq
		s.streams[streamID] = append(s.streams[streamID], e)
		s.global = append(s.global, e)
		appended = append(appended, e)
	}

	checkpoint := Checkpoint(len(s.global))
	for i, e := range appended {
		cp := Checkpoint(int(checkpoint) - len(appended) + i + 1)
		for _, ch := range s.subscribers {
			select {
			case ch <- Delivery{Event: e, Checkpoint: cp}:
			default:
				// slow subscriber; the projector/SSE hub own their own
				// buffering and disconnect policy, this store never blocks.
			}
		}
	}

	return seq, nil
}

func (s *MemoryStore) Read(ctx context.Context, streamID string, fromSequence int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.streams[streamID]
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if e.Sequence >= fromSequence {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) SubscribeGlobal(ctx context.Context, fromCheckpoint Checkpoint) (<-chan Delivery, <-chan error) {
	out := make(chan Delivery, 256)
	errs := make(chan error, 1)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = out

	backlog := make([]Delivery, 0)
	for i, e := range s.global {
		cp := Checkpoint(i + 1)
		if cp > fromCheckpoint {
			backlog = append(backlog, Delivery{Event: e, Checkpoint: cp})
		}
	}
	s.mu.Unlock()

	go func() {
		for _, d := range backlog {
			select {
			case out <- d:
			case <-ctx.Done():
				s.unsubscribe(id)
				close(out)
				return
			}
		}
		<-ctx.Done()
		s.unsubscribe(id)
		close(out)
	}()

	return out, errs
}

func (s *MemoryStore) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}
