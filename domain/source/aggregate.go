// Package source implements the UpstreamSource aggregate: command handlers
// are pure functions of (state, command) -> events, replayed from the
// event journal (spec.md §4.1, §4.8).
package source

import (
	"fmt"
	"time"
)

// Status values for UpstreamSource.status.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusFailed   = "failed"
)

// Auth modes for UpstreamSource.auth_mode.
const (
	AuthModeNone             = "none"
	AuthModeBearerPassthrough = "bearer_passthrough"
	AuthModeTokenExchange    = "token_exchange"
)

// Tool is the aggregate's in-memory view of one SourceTool, folded from
// tool.* events.
type Tool struct {
	OperationID     string
	HTTPMethod      string
	PathTemplate    string
	Summary         string
	Tags            []string
	Enabled         bool
	DisabledReason  string
}

// State is the UpstreamSource aggregate, the fold of its event stream.
type State struct {
	ID               string
	Name             string
	SpecURL          string
	AuthMode         string
	DefaultAudience  string
	Status           string
	InventoryVersion int64
	LastRefreshedAt  time.Time
	Version          int64 // event count / state_version

	Tools map[string]Tool // keyed by operation_id
}

// exists reports whether this state was folded from at least one event.
func (s State) exists() bool { return s.Version > 0 }

// Fold applies a single event's payload onto state, returning the next
// state. It is the projector's per-aggregate idempotent application
// function, reused here so command handlers and the projector agree on
// semantics.
func Fold(s State, eventType string, payload map[string]any) State {
	switch eventType {
	case EventRegistered:
		s.ID, _ = payload["id"].(string)
		s.Name, _ = payload["name"].(string)
		s.SpecURL, _ = payload["spec_url"].(string)
		s.AuthMode, _ = payload["auth_mode"].(string)
		s.DefaultAudience, _ = payload["default_audience"].(string)
		s.Status = StatusActive
		s.Tools = make(map[string]Tool)
	case EventInventoryRefreshed:
		s.InventoryVersion = int64(asFloat(payload["inventory_version"]))
		s.LastRefreshedAt = time.Now().UTC()
		if tools, ok := payload["tools"].([]any); ok {
			next := make(map[string]Tool, len(tools))
			for _, raw := range tools {
				m, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				opID, _ := m["operation_id"].(string)
				existing, wasDisabled := s.Tools[opID]
				t := Tool{
					OperationID:  opID,
					HTTPMethod:   strOf(m["http_method"]),
					PathTemplate: strOf(m["path_template"]),
					Summary:      strOf(m["summary"]),
					Tags:         strSliceOf(m["tags"]),
					Enabled:      true,
				}
				if wasDisabled && !existing.Enabled {
					t.Enabled = false
					t.DisabledReason = existing.DisabledReason
				}
				next[opID] = t
			}
			s.Tools = next
		}
	case EventUnregistered:
		s.Status = StatusInactive
	case EventToolEnabled:
		opID, _ := payload["operation_id"].(string)
		if t, ok := s.Tools[opID]; ok {
			t.Enabled = true
			t.DisabledReason = ""
			s.Tools[opID] = t
		}
	case EventToolDisabled:
		opID, _ := payload["operation_id"].(string)
		reason, _ := payload["reason"].(string)
		if t, ok := s.Tools[opID]; ok {
			t.Enabled = false
			t.DisabledReason = reason
			s.Tools[opID] = t
		}
	}
	s.Version++
	return s
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func strSliceOf(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ErrBusinessRule marks a command rejection that is not a concurrency
// conflict (spec.md §4.8).
type ErrBusinessRule struct {
	Reason string
}

func (e *ErrBusinessRule) Error() string { return e.Reason }

func businessRule(format string, args ...any) error {
	return &ErrBusinessRule{Reason: fmt.Sprintf(format, args...)}
}
