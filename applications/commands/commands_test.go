package commands

import (
	"context"
	"testing"

	"github.com/toolsgateway/toolsgw/domain/source"
	"github.com/toolsgateway/toolsgw/eventstore"
)

func TestSourceService_RegisterThenRefreshInventory(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	svc := NewSourceService(New(store, nil))

	id, err := svc.RegisterSource(ctx, source.RegisterSource{
		Name: "Pizzeria", SpecURL: "http://svc/openapi.json", AuthMode: source.AuthModeNone,
	})
	if err != nil {
		t.Fatalf("RegisterSource() error = %v", err)
	}

	err = svc.RefreshInventory(ctx, id, source.RefreshInventory{
		Tools: []source.NormalizedTool{{OperationID: "get_menu", HTTPMethod: "GET", PathTemplate: "/menu"}},
	})
	if err != nil {
		t.Fatalf("RefreshInventory() error = %v", err)
	}

	state, err := svc.loadState(ctx, id)
	if err != nil {
		t.Fatalf("loadState() error = %v", err)
	}
	if state.InventoryVersion != 1 {
		t.Fatalf("InventoryVersion = %d, want 1", state.InventoryVersion)
	}
	if _, ok := state.Tools["get_menu"]; !ok {
		t.Fatal("expected get_menu tool to be present")
	}
}

func TestSourceService_DisableToolAfterExternalAppend(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	svc := NewSourceService(New(store, nil))

	id, err := svc.RegisterSource(ctx, source.RegisterSource{
		Name: "P", SpecURL: "http://s", AuthMode: source.AuthModeNone,
	})
	if err != nil {
		t.Fatalf("RegisterSource() error = %v", err)
	}
	if err := svc.RefreshInventory(ctx, id, source.RefreshInventory{
		Tools: []source.NormalizedTool{{OperationID: "op"}},
	}); err != nil {
		t.Fatalf("RefreshInventory() error = %v", err)
	}

	// Append an event directly (bypassing the service), then confirm
	// DisableTool reloads the fresh version rather than working off a
	// stale one.
	extra, _ := source.HandleEnableTool(mustLoadState(t, svc, ctx, id), "op")
	if _, err := store.Append(ctx, id, 2, extra); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := svc.DisableTool(ctx, id, "op", "maintenance"); err != nil {
		t.Fatalf("DisableTool() error = %v", err)
	}

	state := mustLoadState(t, svc, ctx, id)
	if state.Tools["op"].Enabled {
		t.Fatal("expected op to be disabled after retry")
	}
}

func mustLoadState(t *testing.T, svc SourceService, ctx context.Context, id string) source.State {
	t.Helper()
	state, err := svc.loadState(ctx, id)
	if err != nil {
		t.Fatalf("loadState() error = %v", err)
	}
	return state
}

func TestSourceService_RejectsInvalidRegistration(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	svc := NewSourceService(New(store, nil))

	if _, err := svc.RegisterSource(ctx, source.RegisterSource{
		Name: "P", SpecURL: "http://s", AuthMode: source.AuthModeNone,
	}); err != nil {
		t.Fatalf("RegisterSource() error = %v", err)
	}
	if _, err := svc.RegisterSource(ctx, source.RegisterSource{
		Name: "", SpecURL: "", AuthMode: "bogus",
	}); err == nil {
		t.Fatal("expected invalid auth_mode to be rejected")
	}
}
