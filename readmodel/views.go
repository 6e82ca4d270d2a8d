package readmodel

import "time"

// SourceView is the projected read-model DTO for an UpstreamSource
// (spec.md §3).
type SourceView struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	SpecURL          string    `json:"spec_url"`
	AuthMode         string    `json:"auth_mode"`
	DefaultAudience  string    `json:"default_audience,omitempty"`
	Status           string    `json:"status"`
	InventoryVersion int64     `json:"inventory_version"`
	LastRefreshedAt  time.Time `json:"last_refreshed_at,omitempty"`
	StateVersion     int64     `json:"state_version"`
}

// SourceFields projects the subset of SourceView used by filters (GET
// /tools?source_id=, enabled/status checks, etc).
func SourceFields(v SourceView) map[string]any {
	return map[string]any{
		"id":     v.ID,
		"name":   v.Name,
		"status": v.Status,
	}
}

// SourceToolView is the projected read-model DTO for a SourceTool.
type SourceToolView struct {
	ToolID            string            `json:"tool_id"`
	SourceID          string            `json:"source_id"`
	OperationID       string            `json:"operation_id"`
	HTTPMethod        string            `json:"http_method"`
	PathTemplate      string            `json:"path_template"`
	Summary           string            `json:"summary,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	Parameters        []ToolParameter   `json:"parameters,omitempty"`
	RequestBodySchema map[string]any    `json:"request_body_schema,omitempty"`
	ResponseSchemas   map[string]any    `json:"response_schemas,omitempty"`
	Enabled           bool              `json:"enabled"`
}

// ToolParameter describes one path/query/header parameter of a tool
// (spec.md §4.5).
type ToolParameter struct {
	Name     string `json:"name"`
	In       string `json:"in"` // path|query|header
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// SourceToolFields projects the subset of SourceToolView used by GET
// /tools's filters (source_id, tag, enabled) and the resolver's selectors.
func SourceToolFields(v SourceToolView) map[string]any {
	fields := map[string]any{
		"tool_id":      v.ToolID,
		"source_id":    v.SourceID,
		"operation_id": v.OperationID,
		"http_method":  v.HTTPMethod,
		"path":         v.PathTemplate,
		"enabled":      v.Enabled,
	}
	return fields
}

// ToolGroupView is the projected read-model DTO for a ToolGroup.
type ToolGroupView struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Selectors         []ToolSelector `json:"selectors,omitempty"`
	ExplicitToolIDs   []string       `json:"explicit_tool_ids,omitempty"`
	ExcludedToolIDs   []string       `json:"excluded_tool_ids,omitempty"`
	Status            string         `json:"status"`
	StateVersion      int64          `json:"state_version"`
}

// ToolSelector is a membership rule over the tool catalog (spec.md §3).
type ToolSelector struct {
	Kind    string `json:"kind"` // name|method|path|tag|label|source
	Pattern string `json:"pattern"`
}

func ToolGroupFields(v ToolGroupView) map[string]any {
	return map[string]any{
		"id":     v.ID,
		"name":   v.Name,
		"status": v.Status,
	}
}

// AccessPolicyView is the projected read-model DTO for an AccessPolicy.
type AccessPolicyView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Matchers     []ClaimMatcher `json:"matchers,omitempty"`
	GroupIDs     []string       `json:"group_ids,omitempty"`
	Priority     int            `json:"priority"`
	Status       string         `json:"status"`
	StateVersion int64          `json:"state_version"`
}

// ClaimMatcher is a predicate over a token claim (spec.md §3).
type ClaimMatcher struct {
	ClaimPath string `json:"claim_path"`
	Op        string `json:"op"` // eq|ne|in|not_in|contains|prefix|suffix|exists
	Value     any    `json:"value,omitempty"`
}

func AccessPolicyFields(v AccessPolicyView) map[string]any {
	return map[string]any{
		"id":       v.ID,
		"name":     v.Name,
		"status":   v.Status,
		"priority": float64(v.Priority),
	}
}

// CircuitBreakerView is the projected read-model DTO for
// GET /admin/circuit-breakers.
type CircuitBreakerView struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	SourceID     string    `json:"source_id,omitempty"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

func CircuitBreakerFields(v CircuitBreakerView) map[string]any {
	return map[string]any{
		"id":    v.ID,
		"kind":  v.Kind,
		"state": v.State,
	}
}
