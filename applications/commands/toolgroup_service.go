package commands

import (
	"context"

	"github.com/toolsgateway/toolsgw/domain/toolgroup"
	"github.com/toolsgateway/toolsgw/eventstore"
)

// ToolGroupService runs ToolGroup commands against the event journal.
type ToolGroupService struct{ *Service }

func NewToolGroupService(s *Service) ToolGroupService { return ToolGroupService{s} }

func (svc ToolGroupService) loadState(ctx context.Context, id string) (toolgroup.State, error) {
	evs, _, err := svc.loadEvents(ctx, id)
	if err != nil {
		return toolgroup.State{}, err
	}
	state := toolgroup.State{}
	for _, ev := range evs {
		payload, err := decodePayload(ev)
		if err != nil {
			return toolgroup.State{}, err
		}
		state = toolgroup.Fold(state, ev.Type, payload)
	}
	return state, nil
}

// CreateGroup creates a new ToolGroup, returning its generated id.
func (svc ToolGroupService) CreateGroup(ctx context.Context, name string) (string, error) {
	events, err := toolgroup.HandleCreateToolGroup(toolgroup.State{}, name)
	if err != nil {
		return "", err
	}
	if _, err := svc.events.Append(ctx, events[0].StreamID, 0, events); err != nil {
		return "", err
	}
	if svc.onEvents != nil {
		svc.onEvents(events)
	}
	return events[0].StreamID, nil
}

func (svc ToolGroupService) mutate(ctx context.Context, id string, handle func(toolgroup.State) ([]eventstore.Event, error)) error {
	return svc.appendWithRetry(ctx, id, func(expectedVersion int64) ([]eventstore.Event, error) {
		state, err := svc.loadState(ctx, id)
		if err != nil {
			return nil, err
		}
		return handle(state)
	})
}

func (svc ToolGroupService) AddSelector(ctx context.Context, id, kind, pattern string) error {
	return svc.mutate(ctx, id, func(s toolgroup.State) ([]eventstore.Event, error) {
		return toolgroup.HandleAddSelector(s, kind, pattern)
	})
}

func (svc ToolGroupService) RemoveSelector(ctx context.Context, id, kind, pattern string) error {
	return svc.mutate(ctx, id, func(s toolgroup.State) ([]eventstore.Event, error) {
		return toolgroup.HandleRemoveSelector(s, kind, pattern)
	})
}

func (svc ToolGroupService) AddExplicitTool(ctx context.Context, id, toolID string) error {
	return svc.mutate(ctx, id, func(s toolgroup.State) ([]eventstore.Event, error) {
		return toolgroup.HandleAddExplicitTool(s, toolID)
	})
}

func (svc ToolGroupService) RemoveExplicitTool(ctx context.Context, id, toolID string) error {
	return svc.mutate(ctx, id, func(s toolgroup.State) ([]eventstore.Event, error) {
		return toolgroup.HandleRemoveExplicitTool(s, toolID)
	})
}

func (svc ToolGroupService) ExcludeTool(ctx context.Context, id, toolID string) error {
	return svc.mutate(ctx, id, func(s toolgroup.State) ([]eventstore.Event, error) {
		return toolgroup.HandleExcludeTool(s, toolID)
	})
}

func (svc ToolGroupService) IncludeTool(ctx context.Context, id, toolID string) error {
	return svc.mutate(ctx, id, func(s toolgroup.State) ([]eventstore.Event, error) {
		return toolgroup.HandleIncludeTool(s, toolID)
	})
}

func (svc ToolGroupService) Activate(ctx context.Context, id string) error {
	return svc.mutate(ctx, id, toolgroup.HandleActivateGroup)
}

func (svc ToolGroupService) Deactivate(ctx context.Context, id string) error {
	return svc.mutate(ctx, id, toolgroup.HandleDeactivateGroup)
}

func (svc ToolGroupService) Delete(ctx context.Context, id string) error {
	return svc.mutate(ctx, id, toolgroup.HandleDeleteGroup)
}
