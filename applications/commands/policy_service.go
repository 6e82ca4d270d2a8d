package commands

import (
	"context"

	"github.com/toolsgateway/toolsgw/domain/policy"
	"github.com/toolsgateway/toolsgw/eventstore"
)

// PolicyService runs AccessPolicy commands against the event journal.
type PolicyService struct{ *Service }

func NewPolicyService(s *Service) PolicyService { return PolicyService{s} }

func (svc PolicyService) loadState(ctx context.Context, id string) (policy.State, error) {
	evs, _, err := svc.loadEvents(ctx, id)
	if err != nil {
		return policy.State{}, err
	}
	state := policy.State{}
	for _, ev := range evs {
		payload, err := decodePayload(ev)
		if err != nil {
			return policy.State{}, err
		}
		state = policy.Fold(state, ev.Type, payload)
	}
	return state, nil
}

// DefinePolicy creates a new AccessPolicy, returning its generated id.
func (svc PolicyService) DefinePolicy(ctx context.Context, name string, matchers []policy.Matcher, groupIDs []string, priority int) (string, error) {
	events, err := policy.HandleDefineAccessPolicy(policy.State{}, name, matchers, groupIDs, priority)
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

func (svc PolicyService) mutate(ctx context.Context, id string, handle func(policy.State) ([]eventstore.Event, error)) error {
	return svc.appendWithRetry(ctx, id, func(expectedVersion int64) ([]eventstore.Event, error) {
		state, err := svc.loadState(ctx, id)
		if err != nil {
			return nil, err
		}
		return handle(state)
	})
}

func (svc PolicyService) UpdateMatchers(ctx context.Context, id string, matchers []policy.Matcher) error {
	return svc.mutate(ctx, id, func(s policy.State) ([]eventstore.Event, error) {
		return policy.HandleUpdatePolicyMatchers(s, matchers)
	})
}

func (svc PolicyService) UpdateGroups(ctx context.Context, id string, groupIDs []string) error {
	return svc.mutate(ctx, id, func(s policy.State) ([]eventstore.Event, error) {
		return policy.HandleUpdatePolicyGroups(s, groupIDs)
	})
}

func (svc PolicyService) ChangePriority(ctx context.Context, id string, priority int) error {
	return svc.mutate(ctx, id, func(s policy.State) ([]eventstore.Event, error) {
		return policy.HandleChangePolicyPriority(s, priority)
	})
}

func (svc PolicyService) Activate(ctx context.Context, id string) error {
	return svc.mutate(ctx, id, policy.HandleActivatePolicy)
}

func (svc PolicyService) Deactivate(ctx context.Context, id string) error {
	return svc.mutate(ctx, id, policy.HandleDeactivatePolicy)
}

func (svc PolicyService) Delete(ctx context.Context, id string) error {
	return svc.mutate(ctx, id, policy.HandleDeletePolicy)
}
