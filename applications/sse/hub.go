// Package sse implements the admin/agent event fan-out hub (spec.md §4.9):
// a single in-process publisher broadcasts domain events to any number of
// subscribers, each with its own bounded queue and heartbeat.
package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/toolsgateway/toolsgw/infrastructure/logging"
)

// Event is one fan-out message. Name is the SSE "event:" field; Payload is
// marshaled as the "data:" field.
type Event struct {
	Name       string    `json:"-"`
	Payload    any       `json:"-"`
	Sequence   int64     `json:"sequence"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event name constants (spec.md §4.9).
const (
	EventSourceRegistered       = "source_registered"
	EventSourceInventoryUpdated = "source_inventory_updated"
	EventSourceDeleted          = "source_deleted"
	EventToolEnabled            = "tool_enabled"
	EventToolDisabled           = "tool_disabled"
	EventGroupCreated           = "group_created"
	EventGroupUpdated           = "group_updated"
	EventGroupDeleted           = "group_deleted"
	EventPolicyDefined          = "policy_defined"
	EventPolicyActivated        = "policy_activated"
	EventPolicyDeleted          = "policy_deleted"
	EventCircuitOpened          = "circuit_breaker.opened"
	EventCircuitClosed          = "circuit_breaker.closed"
	EventCircuitHalfOpened      = "circuit_breaker.half_opened"
)

// HeartbeatInterval is how often RunHeartbeat publishes a "heartbeat" event
// to every subscriber, per spec.md §4.9.
const HeartbeatInterval = 30 * time.Second

// DefaultMaxPending is the default per-subscriber bounded queue size. A
// subscriber that cannot keep up is disconnected with close code 1011
// rather than blocking the publisher.
const DefaultMaxPending = 64

// DisconnectReason identifies why a subscriber's channel was closed.
type DisconnectReason string

const (
	DisconnectSlowConsumer DisconnectReason = "slow_consumer"
	DisconnectShutdown     DisconnectReason = "shutdown"
	DisconnectUnsubscribed DisconnectReason = "unsubscribed"
)

// subscriber is one connected client's outbound queue.
type subscriber struct {
	id     string
	queue  chan Event
	closed chan DisconnectReason
	once   sync.Once
}

func (s *subscriber) disconnect(reason DisconnectReason) {
	s.once.Do(func() {
		s.closed <- reason
		close(s.closed)
	})
}

// Hub broadcasts Events to all active subscribers. The zero value is not
// usable; construct with New.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	maxPending int
	logger    *logging.Logger
	sequence  int64
	closing   bool
}

// New constructs a Hub. maxPending <= 0 uses DefaultMaxPending.
func New(maxPending int, logger *logging.Logger) *Hub {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Hub{
		subs:       make(map[string]*subscriber),
		maxPending: maxPending,
		logger:     logger,
	}
}

// Subscribe registers a new subscriber and returns a channel of events to
// deliver plus a channel that signals why the subscription ended. Callers
// must call the returned cancel func when the client disconnects.
func (h *Hub) Subscribe(id string) (events <-chan Event, closed <-chan DisconnectReason, cancel func()) {
	sub := &subscriber{
		id:     id,
		queue:  make(chan Event, h.maxPending),
		closed: make(chan DisconnectReason, 1),
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		sub.disconnect(DisconnectShutdown)
		return sub.queue, sub.closed, func() {}
	}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.disconnect(DisconnectUnsubscribed)
	}
	return sub.queue, sub.closed, cancel
}

// Publish broadcasts an event to every current subscriber. A subscriber
// whose queue is full is disconnected rather than blocking the publisher
// or the other subscribers (spec.md §4.9: bounded queue, no backpressure
// propagation).
func (h *Hub) Publish(name string, payload any) {
	h.mu.Lock()
	h.sequence++
	ev := Event{Name: name, Payload: payload, Sequence: h.sequence, OccurredAt: time.Now().UTC()}
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.queue <- ev:
		default:
			h.dropSlowSubscriber(s)
		}
	}
}

func (h *Hub) dropSlowSubscriber(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.WithField("subscriber_id", s.id).Warn("sse subscriber disconnected: queue full")
	}
	s.disconnect(DisconnectSlowConsumer)
}

// Shutdown marks the hub closed to new subscriptions and disconnects every
// subscriber with DisconnectShutdown. It publishes no event itself.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closing = true
	targets := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, s := range targets {
		s.disconnect(DisconnectShutdown)
	}
}

// SubscriberCount reports the current number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// MarshalData encodes an Event's payload for the "data:" SSE field,
// merging the envelope (sequence, occurred_at) with the domain payload.
func MarshalData(ev Event) ([]byte, error) {
	base, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if ev.Payload == nil {
		return base, nil
	}
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(base, &envelope); err != nil {
		return nil, err
	}
	var payloadFields map[string]json.RawMessage
	if err := json.Unmarshal(payloadJSON, &payloadFields); err != nil {
		// Non-object payload (e.g. a scalar) - nest it under "data".
		envelope["data"] = payloadJSON
	} else {
		for k, v := range payloadFields {
			envelope[k] = v
		}
	}
	return json.Marshal(envelope)
}

// RunHeartbeat sends a heartbeat event on every subscriber's queue at
// HeartbeatInterval until ctx is cancelled. Intended to run as a single
// background goroutine per Hub.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Publish("heartbeat", nil)
		}
	}
}
