// Package toolgroup implements the ToolGroup aggregate: curation bundles of
// tool selectors, explicit includes, and exclusions (spec.md §3, §4.8).
package toolgroup

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

// Selector mirrors readmodel.ToolSelector without importing it, keeping the
// aggregate free of read-model dependencies.
type Selector struct {
	Kind    string `json:"kind"`
	Pattern string `json:"pattern"`
}

// State is the ToolGroup aggregate.
type State struct {
	ID              string
	Name            string
	Selectors       []Selector
	ExplicitToolIDs []string
	ExcludedToolIDs []string
	Status          string
	Version         int64
}

func (s State) exists() bool { return s.Version > 0 }

const (
	EventCreated         = "toolgroup.created.v1"
	EventSelectorAdded   = "toolgroup.selector_added.v1"
	EventSelectorRemoved = "toolgroup.selector_removed.v1"
	EventExplicitAdded   = "toolgroup.explicit_tool_added.v1"
	EventExplicitRemoved = "toolgroup.explicit_tool_removed.v1"
	EventToolExcluded    = "toolgroup.tool_excluded.v1"
	EventToolIncluded    = "toolgroup.tool_included.v1"
	EventActivated       = "toolgroup.activated.v1"
	EventDeactivated     = "toolgroup.deactivated.v1"
	EventDeleted         = "toolgroup.deleted.v1"
)

// Fold applies a single event payload, mirroring the projector's handling.
func Fold(s State, eventType string, payload map[string]any) State {
	switch eventType {
	case EventCreated:
		s.ID, _ = payload["id"].(string)
		s.Name, _ = payload["name"].(string)
		s.Status = StatusActive
	case EventSelectorAdded:
		kind, _ := payload["kind"].(string)
		pattern, _ := payload["pattern"].(string)
		s.Selectors = append(s.Selectors, Selector{Kind: kind, Pattern: pattern})
	case EventSelectorRemoved:
		kind, _ := payload["kind"].(string)
		pattern, _ := payload["pattern"].(string)
		s.Selectors = removeSelector(s.Selectors, Selector{Kind: kind, Pattern: pattern})
	case EventExplicitAdded:
		toolID, _ := payload["tool_id"].(string)
		s.ExplicitToolIDs = appendUnique(s.ExplicitToolIDs, toolID)
		s.ExcludedToolIDs = removeString(s.ExcludedToolIDs, toolID)
	case EventExplicitRemoved:
		toolID, _ := payload["tool_id"].(string)
		s.ExplicitToolIDs = removeString(s.ExplicitToolIDs, toolID)
	case EventToolExcluded:
		toolID, _ := payload["tool_id"].(string)
		s.ExcludedToolIDs = appendUnique(s.ExcludedToolIDs, toolID)
		s.ExplicitToolIDs = removeString(s.ExplicitToolIDs, toolID)
	case EventToolIncluded:
		toolID, _ := payload["tool_id"].(string)
		s.ExcludedToolIDs = removeString(s.ExcludedToolIDs, toolID)
	case EventActivated:
		s.Status = StatusActive
	case EventDeactivated:
		s.Status = StatusInactive
	case EventDeleted:
		s.Status = "" // projector removes the document entirely
	}
	s.Version++
	return s
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, e := range list {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}

func removeSelector(list []Selector, v Selector) []Selector {
	out := list[:0:0]
	for _, e := range list {
		if e != v {
			out = append(out, e)
		}
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

// HandleCreateToolGroup creates a new group.
func HandleCreateToolGroup(s State, name string) ([]eventstore.Event, error) {
	if s.exists() {
		return nil, businessRule("tool group already exists")
	}
	if name == "" {
		return nil, businessRule("name is required")
	}
	id := uuid.NewString()
	return emit(id, EventCreated, map[string]any{"id": id, "name": name})
}

// HandleAddSelector appends a membership selector.
func HandleAddSelector(s State, kind, pattern string) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("tool group not found")
	}
	switch kind {
	case "name", "method", "path", "tag", "label", "source":
	default:
		return nil, businessRule("invalid selector kind %q", kind)
	}
	return emit(s.ID, EventSelectorAdded, map[string]any{"kind": kind, "pattern": pattern})
}

// HandleRemoveSelector removes a membership selector.
func HandleRemoveSelector(s State, kind, pattern string) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("tool group not found")
	}
	return emit(s.ID, EventSelectorRemoved, map[string]any{"kind": kind, "pattern": pattern})
}

// HandleAddExplicitTool adds toolID to explicit_tool_ids, clearing any
// exclusion of it (invariant: explicit ∩ excluded = ∅).
func HandleAddExplicitTool(s State, toolID string) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("tool group not found")
	}
	return emit(s.ID, EventExplicitAdded, map[string]any{"tool_id": toolID})
}

// HandleRemoveExplicitTool removes toolID from explicit_tool_ids.
func HandleRemoveExplicitTool(s State, toolID string) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("tool group not found")
	}
	return emit(s.ID, EventExplicitRemoved, map[string]any{"tool_id": toolID})
}

// HandleExcludeTool adds toolID to excluded_tool_ids, clearing any explicit
// inclusion of it.
func HandleExcludeTool(s State, toolID string) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("tool group not found")
	}
	return emit(s.ID, EventToolExcluded, map[string]any{"tool_id": toolID})
}

// HandleIncludeTool removes toolID from excluded_tool_ids.
func HandleIncludeTool(s State, toolID string) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("tool group not found")
	}
	return emit(s.ID, EventToolIncluded, map[string]any{"tool_id": toolID})
}

// HandleActivateGroup transitions the group to active.
func HandleActivateGroup(s State) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("tool group not found")
	}
	return emit(s.ID, EventActivated, struct{}{})
}

// HandleDeactivateGroup transitions the group to inactive.
func HandleDeactivateGroup(s State) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("tool group not found")
	}
	return emit(s.ID, EventDeactivated, struct{}{})
}

// HandleDeleteGroup emits the terminal deletion event.
func HandleDeleteGroup(s State) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("tool group not found")
	}
	return emit(s.ID, EventDeleted, struct{}{})
}
