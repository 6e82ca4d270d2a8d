package commands

import (
	"context"

	"github.com/toolsgateway/toolsgw/domain/source"
	"github.com/toolsgateway/toolsgw/eventstore"
)

// SourceService runs UpstreamSource commands against the event journal.
type SourceService struct{ *Service }

// NewSourceService wraps Service for UpstreamSource aggregate commands.
func NewSourceService(s *Service) SourceService { return SourceService{s} }

func (svc SourceService) loadState(ctx context.Context, id string) (source.State, error) {
	evs, _, err := svc.loadEvents(ctx, id)
	if err != nil {
		return source.State{}, err
	}
	state := source.State{}
	for _, ev := range evs {
		payload, err := decodePayload(ev)
		if err != nil {
			return source.State{}, err
		}
		state = source.Fold(state, ev.Type, payload)
	}
	return state, nil
}

// RegisterSource creates a new UpstreamSource. The stream id is generated
// by the domain handler itself, so no retry is needed for brand-new
// streams (expectedVersion is always 0).
func (svc SourceService) RegisterSource(ctx context.Context, cmd source.RegisterSource) (string, error) {
	events, err := source.HandleRegisterSource(source.State{}, cmd)
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

// RefreshInventory reconciles a source's tool inventory.
func (svc SourceService) RefreshInventory(ctx context.Context, id string, cmd source.RefreshInventory) error {
	return svc.appendWithRetry(ctx, id, func(expectedVersion int64) ([]eventstore.Event, error) {
		state, err := svc.loadState(ctx, id)
		if err != nil {
			return nil, err
		}
		return source.HandleRefreshInventory(state, cmd)
	})
}

// UnregisterSource retires a source.
func (svc SourceService) UnregisterSource(ctx context.Context, id string) error {
	return svc.appendWithRetry(ctx, id, func(expectedVersion int64) ([]eventstore.Event, error) {
		state, err := svc.loadState(ctx, id)
		if err != nil {
			return nil, err
		}
		return source.HandleUnregisterSource(state)
	})
}

// EnableTool clears a tool's disabled flag.
func (svc SourceService) EnableTool(ctx context.Context, id, operationID string) error {
	return svc.appendWithRetry(ctx, id, func(expectedVersion int64) ([]eventstore.Event, error) {
		state, err := svc.loadState(ctx, id)
		if err != nil {
			return nil, err
		}
		return source.HandleEnableTool(state, operationID)
	})
}

// DisableTool sets a tool's disabled flag with an audit reason.
func (svc SourceService) DisableTool(ctx context.Context, id, operationID, reason string) error {
	return svc.appendWithRetry(ctx, id, func(expectedVersion int64) ([]eventstore.Event, error) {
		state, err := svc.loadState(ctx, id)
		if err != nil {
			return nil, err
		}
		return source.HandleDisableTool(state, operationID, reason)
	})
}
