// Package queries is the read-side application service: it exposes
// paginated, filtered views over the read model for the HTTP API (spec.md
// §4.8: page/page_size <= 200, stable sort).
package queries

import (
	"context"

	"github.com/toolsgateway/toolsgw/readmodel"
)

// Result is a single page of items plus the total matching count, for
// building pagination headers/links.
type Result[T any] struct {
	Items []T
	Total int
}

// Service exposes paginated queries over every read-model document store.
type Service struct {
	Sources  readmodel.Store[readmodel.SourceView]
	Tools    readmodel.Store[readmodel.SourceToolView]
	Groups   readmodel.Store[readmodel.ToolGroupView]
	Policies readmodel.Store[readmodel.AccessPolicyView]
	Breakers readmodel.Store[readmodel.CircuitBreakerView]
}

// ListSources returns a page of sources, optionally filtered by status.
func (s *Service) ListSources(ctx context.Context, status string, page readmodel.Page) (Result[readmodel.SourceView], error) {
	filters := statusFilter(status)
	items, total, err := s.Sources.Query(ctx, filters, &readmodel.Sort{Field: "id"}, page, sourceFields)
	return Result[readmodel.SourceView]{Items: items, Total: total}, err
}

// GetSource returns a single source by id.
func (s *Service) GetSource(ctx context.Context, id string) (readmodel.SourceView, bool, error) {
	return s.Sources.Get(ctx, id)
}

// ListTools returns a page of tools, optionally filtered by source_id and
// enabled status.
func (s *Service) ListTools(ctx context.Context, sourceID string, enabledOnly bool, page readmodel.Page) (Result[readmodel.SourceToolView], error) {
	var filters []readmodel.Filter
	if sourceID != "" {
		filters = append(filters, readmodel.Filter{Field: "source_id", Op: readmodel.FilterEq, Value: sourceID})
	}
	if enabledOnly {
		filters = append(filters, readmodel.Filter{Field: "enabled", Op: readmodel.FilterEq, Value: true})
	}
	items, total, err := s.Tools.Query(ctx, filters, &readmodel.Sort{Field: "tool_id"}, page, toolFields)
	return Result[readmodel.SourceToolView]{Items: items, Total: total}, err
}

// GetTool returns a single tool by its composed tool_id.
func (s *Service) GetTool(ctx context.Context, toolID string) (readmodel.SourceToolView, bool, error) {
	return s.Tools.Get(ctx, toolID)
}

// ListGroups returns a page of tool groups, optionally filtered by status.
func (s *Service) ListGroups(ctx context.Context, status string, page readmodel.Page) (Result[readmodel.ToolGroupView], error) {
	var filters []readmodel.Filter
	if status != "" {
		filters = append(filters, readmodel.Filter{Field: "status", Op: readmodel.FilterEq, Value: status})
	}
	items, total, err := s.Groups.Query(ctx, filters, &readmodel.Sort{Field: "id"}, page, groupFields)
	return Result[readmodel.ToolGroupView]{Items: items, Total: total}, err
}

// GetGroup returns a single tool group by id.
func (s *Service) GetGroup(ctx context.Context, id string) (readmodel.ToolGroupView, bool, error) {
	return s.Groups.Get(ctx, id)
}

// ListPolicies returns a page of access policies ordered by priority
// descending. Policies of equal priority are not ordered by id, so their
// relative order is not defined; the resolver, by contrast, evaluates
// policies by priority descending, then id ascending.
func (s *Service) ListPolicies(ctx context.Context, status string, page readmodel.Page) (Result[readmodel.AccessPolicyView], error) {
	var filters []readmodel.Filter
	if status != "" {
		filters = append(filters, readmodel.Filter{Field: "status", Op: readmodel.FilterEq, Value: status})
	}
	items, total, err := s.Policies.Query(ctx, filters, &readmodel.Sort{Field: "priority", Descending: true}, page, policyFields)
	return Result[readmodel.AccessPolicyView]{Items: items, Total: total}, err
}

// GetPolicy returns a single access policy by id.
func (s *Service) GetPolicy(ctx context.Context, id string) (readmodel.AccessPolicyView, bool, error) {
	return s.Policies.Get(ctx, id)
}

// ListCircuitBreakers returns every circuit breaker's current state
// (spec.md §6's admin circuit-breaker listing). There is no pagination
// here: the breaker count is bounded by the number of sources plus one.
func (s *Service) ListCircuitBreakers(ctx context.Context) ([]readmodel.CircuitBreakerView, error) {
	return s.Breakers.All(ctx)
}

func statusFilter(status string) []readmodel.Filter {
	if status == "" {
		return nil
	}
	return []readmodel.Filter{{Field: "status", Op: readmodel.FilterEq, Value: status}}
}

func sourceFields(v readmodel.SourceView) map[string]any {
	return map[string]any{"id": v.ID, "status": v.Status, "auth_mode": v.AuthMode}
}

func toolFields(v readmodel.SourceToolView) map[string]any {
	return map[string]any{"tool_id": v.ToolID, "source_id": v.SourceID, "enabled": v.Enabled}
}

func groupFields(v readmodel.ToolGroupView) map[string]any {
	return map[string]any{"id": v.ID, "status": v.Status}
}

func policyFields(v readmodel.AccessPolicyView) map[string]any {
	return map[string]any{"id": v.ID, "status": v.Status, "priority": v.Priority}
}
