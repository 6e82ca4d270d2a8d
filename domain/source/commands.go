package source

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/toolsgateway/toolsgw/eventstore"
)

// RegisterSource is the command payload for creating a new UpstreamSource.
type RegisterSource struct {
	Name            string
	SpecURL         string
	AuthMode        string
	DefaultAudience string
}

// HandleRegisterSource validates and emits EventRegistered. It is only
// valid against a not-yet-existing stream (s.Version == 0).
func HandleRegisterSource(s State, cmd RegisterSource) ([]eventstore.Event, error) {
	if s.exists() {
		return nil, businessRule("source already registered")
	}
	if cmd.Name == "" {
		return nil, businessRule("name is required")
	}
	if cmd.SpecURL == "" {
		return nil, businessRule("spec_url is required")
	}
	switch cmd.AuthMode {
	case AuthModeNone, AuthModeBearerPassthrough, AuthModeTokenExchange:
	default:
		return nil, businessRule("invalid auth_mode %q", cmd.AuthMode)
	}

	id := uuid.NewString()
	payload := RegisteredPayload{
		ID:              id,
		Name:            cmd.Name,
		SpecURL:         cmd.SpecURL,
		AuthMode:        cmd.AuthMode,
		DefaultAudience: cmd.DefaultAudience,
	}
	ev, err := eventstore.Marshal(id, EventRegistered, "", payload, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", EventRegistered, err)
	}
	return []eventstore.Event{ev}, nil
}

// RefreshInventory reconciles the source's tool set against a freshly
// normalized list, preserving the disabled flag across the refresh for
// tools keyed by operation_id (spec.md §9's recommended resolution).
type RefreshInventory struct {
	Tools []NormalizedTool
}

func HandleRefreshInventory(s State, cmd RefreshInventory) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("source not found")
	}
	if s.Status != StatusActive {
		return nil, businessRule("source is not active")
	}

	seen := make(map[string]bool, len(cmd.Tools))
	for _, t := range cmd.Tools {
		if seen[t.OperationID] {
			return nil, businessRule("duplicate operation_id %q in refresh", t.OperationID)
		}
		seen[t.OperationID] = true
	}

	payload := InventoryRefreshedPayload{
		InventoryVersion: s.InventoryVersion + 1,
		Tools:            cmd.Tools,
	}
	ev, err := eventstore.Marshal(s.ID, EventInventoryRefreshed, "", payload, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", EventInventoryRefreshed, err)
	}
	return []eventstore.Event{ev}, nil
}

// HandleUnregisterSource marks the source inactive; the projector is
// responsible for removing its SourceTool documents from the read model.
func HandleUnregisterSource(s State) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("source not found")
	}
	ev, err := eventstore.Marshal(s.ID, EventUnregistered, "", struct{}{}, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", EventUnregistered, err)
	}
	return []eventstore.Event{ev}, nil
}

func handleToolState(s State, operationID, reason, eventType string) ([]eventstore.Event, error) {
	if !s.exists() {
		return nil, businessRule("source not found")
	}
	if _, ok := s.Tools[operationID]; !ok {
		return nil, businessRule("tool %q not found", operationID)
	}
	payload := ToolStatePayload{OperationID: operationID, Reason: reason}
	ev, err := eventstore.Marshal(s.ID, eventType, "", payload, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return []eventstore.Event{ev}, nil
}

// HandleEnableTool clears a tool's disabled flag.
func HandleEnableTool(s State, operationID string) ([]eventstore.Event, error) {
	return handleToolState(s, operationID, "", EventToolEnabled)
}

// HandleDisableTool sets a tool's disabled flag with an audit reason.
func HandleDisableTool(s State, operationID, reason string) ([]eventstore.Event, error) {
	return handleToolState(s, operationID, reason, EventToolDisabled)
}
