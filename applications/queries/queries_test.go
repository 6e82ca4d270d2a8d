package queries

import (
	"context"
	"testing"

	"github.com/toolsgateway/toolsgw/readmodel"
)

func newService() *Service {
	return &Service{
		Sources:  readmodel.NewMemoryStore[readmodel.SourceView](),
		Tools:    readmodel.NewMemoryStore[readmodel.SourceToolView](),
		Groups:   readmodel.NewMemoryStore[readmodel.ToolGroupView](),
		Policies: readmodel.NewMemoryStore[readmodel.AccessPolicyView](),
		Breakers: readmodel.NewMemoryStore[readmodel.CircuitBreakerView](),
	}
}

func TestListSources_FiltersByStatus(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	_ = svc.Sources.Upsert(ctx, "S1", readmodel.SourceView{ID: "S1", Status: "active"})
	_ = svc.Sources.Upsert(ctx, "S2", readmodel.SourceView{ID: "S2", Status: "inactive"})

	result, err := svc.ListSources(ctx, "active", readmodel.Page{Number: 1, Size: 50})
	if err != nil {
		t.Fatalf("ListSources() error = %v", err)
	}
	if result.Total != 1 || result.Items[0].ID != "S1" {
		t.Fatalf("ListSources() = %+v, want only S1", result)
	}
}

func TestListPolicies_OrderedByPriorityDescending(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	_ = svc.Policies.Upsert(ctx, "low", readmodel.AccessPolicyView{ID: "low", Priority: 1, Status: "active"})
	_ = svc.Policies.Upsert(ctx, "high", readmodel.AccessPolicyView{ID: "high", Priority: 10, Status: "active"})

	result, err := svc.ListPolicies(ctx, "", readmodel.Page{Number: 1, Size: 50})
	if err != nil {
		t.Fatalf("ListPolicies() error = %v", err)
	}
	if len(result.Items) != 2 || result.Items[0].ID != "high" {
		t.Fatalf("ListPolicies() = %+v, want high first", result.Items)
	}
}

func TestListTools_PageSizeClampedTo200(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		_ = svc.Tools.Upsert(ctx, id, readmodel.SourceToolView{ToolID: id, SourceID: "S1", Enabled: true})
	}

	result, err := svc.ListTools(ctx, "S1", true, readmodel.Page{Number: 1, Size: 1000})
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if result.Total != 5 || len(result.Items) != 5 {
		t.Fatalf("ListTools() = %+v, want all 5 within the clamped page", result)
	}
}
