// Package policy implements the AccessPolicy aggregate: claim matchers and
// group bindings that the access resolver evaluates (spec.md §3, §4.6,
// §4.8).
package policy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toolsgateway/toolsgw/eventstore"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Matcher ops, matching spec.md §4.6.
const (
	OpEq      = "eq"
	OpNe      = "ne"
	OpIn      = "in"
	OpNotIn   = "not_in"
	OpContains = "contains"
	OpPrefix  = "prefix"
	OpSuffix  = "suffix"
	OpExists  = "exists"
)

var validOps = map[string]bool{
	OpEq: true, OpNe: true, OpIn: true, OpNotIn: true,
	OpContains: true, OpPrefix: true, OpSuffix: true, OpExists: true,
}

// Matcher is a predicate over a dotted claim path.
type Matcher struct {
	ClaimPath string `json:"claim_path"`
	Op        string `json:"op"`
	Value     any    `json:"value,omitempty"`
}

// State is the AccessPolicy aggregate.
type State struct {
	ID       string
	Name     string
	Matchers []Matcher
	GroupIDs []string
	Priority int
	Status   string
	Version  int64
}

func (s State) exists() bool { return s.Version > 0 }

const (
	EventDefined          = "policy.defined.v1"
	EventMatchersUpdated  = "policy.matchers_updated.v1"
	EventGroupsUpdated    = "policy.groups_updated.v1"
	EventPriorityChanged  = "policy.priority_changed.v1"
	EventActivated        = "policy.activated.v1"
	EventDeactivated      = "policy.deactivated.v1"
	EventDeleted          = "policy.deleted.v1"
)

// Fold applies a single event payload.
func Fold(s State, eventType string, payload map[string]any) State {
	switch eventType {
	case EventDefined:
		s.ID, _ = payload["id"].(string)
		s.Name, _ = payload["name"].(string)
		s.Priority = int(asFloat(payload["priority"]))
		s.Matchers = decodeMatchers(payload["matchers"])
		s.GroupIDs = decodeStrings(payload["group_ids"])
		s.Status = StatusActive
	case EventMatchersUpdated:
		s.Matchers = decodeMatchers(payload["matchers"])
	case EventGroupsUpdated:
		s.GroupIDs = decodeStrings(payload["group_ids"])
	case EventPriorityChanged:
		s.Priority = int(asFloat(payload["priority"]))
	case EventActivated:
		s.Status = StatusActive
	case EventDeactivated:
		s.Status = StatusInactive
	case EventDeleted:
		s.Status = ""
	}
	s.Version++
	return s
}

func asFloat(v any) float64 { f, _ := v.(float64); return f }

func decodeStrings(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeMatchers(v any) []Matcher {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Matcher, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		claimPath, _ := m["claim_path"].(string)
		op, _ := m["op"].(string)
		out = append(out, Matcher{ClaimPath: claimPath, Op: op, Value: m["value"]})
	}
	return out
}

// ErrBusinessRule marks a non-concurrency command rejection.
type ErrBusinessRule struct{ Reason string }

func (e *ErrBusinessRule) Error() string { return e.Reason }

func businessRule(format string, args ...any) error {
	return &ErrBusinessRule{Reason: fmt.Sprintf(format, args...)}
}

func emit(streamID, eventType string, payload any) ([]eventstore.Event, error) {
	ev, err := eventstore.Marshal(streamID, eventType, "", payload, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return []eventstore.Event{ev}, nil
}

func validateMatchers(matchers []Matcher) error {
	for _, m := range matchers {
		if !validOps[m.Op] {
			return businessRule("invalid matcher op %q", m.Op)
		}
		if m.ClaimPath == "" {
			return businessRule("matcher claim_path is required")
		}
		if (m.Op == OpIn || m.Op == OpNotIn) {
			if _, ok := m.Value.([]any); !ok {
				return businessRule("matcher op %q requires a list value", m.Op)
			}
		}
	}
	return nil
}

// HandleDefineAccessPolicy creates a new policy. An empty matcher set
// matches all agents (spec.md §3 invariant).
func HandleDefineAccessPolicy(s State, name string, matchers []Matcher, groupIDs []string, priority int) ([]eventstore.Event, error) {
	if s.exists() {
		return nil, businessRule("policy already defined")
	}
	if name == "" {
		return nil, businessRule("name is required")
	}
	if err := validateMatchers(matchers); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return emit(id, EventDefined, map[string]any{
		"id": id, "name": name, "matchers": matchers, "group_ids": groupIDs, "priority": priority,
	})
}

// HandleUpdatePolicyMatchers replaces the matcher set atomically.
func HandleUpdatePolicyMatchers(s State, matchers []Matcher) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("policy not found")
	}
	if err := validateMatchers(matchers); err != nil {
		return nil, err
	}
	return emit(s.ID, EventMatchersUpdated, map[string]any{"matchers": matchers})
}

// HandleUpdatePolicyGroups replaces the bound group_ids.
func HandleUpdatePolicyGroups(s State, groupIDs []string) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("policy not found")
	}
	return emit(s.ID, EventGroupsUpdated, map[string]any{"group_ids": groupIDs})
}

// HandleChangePolicyPriority updates the policy's evaluation priority.
func HandleChangePolicyPriority(s State, priority int) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("policy not found")
	}
	return emit(s.ID, EventPriorityChanged, map[string]any{"priority": priority})
}

// HandleActivatePolicy transitions the policy to active.
func HandleActivatePolicy(s State) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("policy not found")
	}
	return emit(s.ID, EventActivated, struct{}{})
}

// HandleDeactivatePolicy transitions the policy to inactive.
func HandleDeactivatePolicy(s State) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("policy not found")
	}
	return emit(s.ID, EventDeactivated, struct{}{})
}

// HandleDeletePolicy emits the terminal deletion event.
func HandleDeletePolicy(s State) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("policy not found")
	}
	return emit(s.ID, EventDeleted, struct{}{})
}
