// Package projector implements the single-consumer read-model projector
// (spec.md §4.1): it tails the global event stream, applies an idempotent
// handler per event type, and advances a durable checkpoint.
package projector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/toolsgateway/toolsgw/domain/policy"
	"github.com/toolsgateway/toolsgw/domain/source"
	"github.com/toolsgateway/toolsgw/domain/toolgroup"
	"github.com/toolsgateway/toolsgw/eventstore"
	"github.com/toolsgateway/toolsgw/infrastructure/logging"
	"github.com/toolsgateway/toolsgw/readmodel"
)

const projectionName = "read_model"

// MaxRetries bounds per-event handler retries before the projection halts
// with a "projection_stalled" alarm (spec.md §4.1).
const MaxRetries = 5

// CheckpointStore is the narrow persistence surface the projector needs.
type CheckpointStore interface {
	Load(ctx context.Context, projection string) (int64, error)
	Save(ctx context.Context, projection string, checkpoint int64) error
}

// Stores bundles every read-model document store the projector writes to.
type Stores struct {
	Sources  readmodel.Store[readmodel.SourceView]
	Tools    readmodel.Store[readmodel.SourceToolView]
	Groups   readmodel.Store[readmodel.ToolGroupView]
	Policies readmodel.Store[readmodel.AccessPolicyView]
	Breakers readmodel.Store[readmodel.CircuitBreakerView]
}

// AlarmFunc is invoked when the projection halts after MaxRetries.
type AlarmFunc func(reason string)

// InvalidateFunc is invoked after policy/group events so the access
// resolver's cache doesn't serve stale results.
type InvalidateFunc func()

// Projector reads eventstore.Store's global stream and writes the read
// model. One instance runs per process; it is not safe to run two
// concurrently against the same checkpoint row.
type Projector struct {
	events     eventstore.Store
	checkpoint CheckpointStore
	stores     Stores
	logger     *logging.Logger
	onStalled  AlarmFunc
	invalidate InvalidateFunc

	sourceStates map[string]source.State
	groupStates  map[string]toolgroup.State
	policyStates map[string]policy.State
}

// New constructs a Projector.
func New(events eventstore.Store, checkpoint CheckpointStore, stores Stores, logger *logging.Logger, onStalled AlarmFunc, invalidate InvalidateFunc) *Projector {
	return &Projector{
		events:       events,
		checkpoint:   checkpoint,
		stores:       stores,
		logger:       logger,
		onStalled:    onStalled,
		invalidate:   invalidate,
		sourceStates: make(map[string]source.State),
		groupStates:  make(map[string]toolgroup.State),
		policyStates: make(map[string]policy.State),
	}
}

// Run subscribes from the last durable checkpoint and applies events until
// ctx is cancelled. It blocks.
func (p *Projector) Run(ctx context.Context) error {
	last, err := p.checkpoint.Load(ctx, projectionName)
	if err != nil {
		return err
	}

	deliveries, errs := p.events.SubscribeGlobal(ctx, eventstore.Checkpoint(last))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if err != nil && p.logger != nil {
				p.logger.WithField("error", err.Error()).Error("projector subscription error")
			}
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := p.applyWithRetry(ctx, delivery.Event); err != nil {
				if p.onStalled != nil {
					p.onStalled("projection_stalled: " + err.Error())
				}
				return err
			}
			if err := p.checkpoint.Save(ctx, projectionName, int64(delivery.Checkpoint)); err != nil && p.logger != nil {
				p.logger.WithField("error", err.Error()).Error("checkpoint save failed")
			}
		}
	}
}

func (p *Projector) applyWithRetry(ctx context.Context, ev eventstore.Event) error {
	var lastErr error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if err := p.apply(ctx, ev); err != nil {
			lastErr = err
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		return nil
	}
	return lastErr
}

// apply is idempotent: re-applying the same event onto the same state
// fold (P2) yields the same read-model document.
func (p *Projector) apply(ctx context.Context, ev eventstore.Event) error {
	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}

	switch {
	case isSourceEvent(ev.Type):
		return p.applySourceEvent(ctx, ev, payload)
	case isGroupEvent(ev.Type):
		return p.applyGroupEvent(ctx, ev, payload)
	case isPolicyEvent(ev.Type):
		return p.applyPolicyEvent(ctx, ev, payload)
	default:
		return nil
	}
}

func isSourceEvent(t string) bool {
	switch t {
	case source.EventRegistered, source.EventInventoryRefreshed, source.EventUnregistered,
		source.EventToolEnabled, source.EventToolDisabled:
		return true
	}
	return false
}

func isGroupEvent(t string) bool {
	switch t {
	case toolgroup.EventCreated, toolgroup.EventSelectorAdded, toolgroup.EventSelectorRemoved,
		toolgroup.EventExplicitAdded, toolgroup.EventExplicitRemoved, toolgroup.EventToolExcluded,
		toolgroup.EventToolIncluded, toolgroup.EventActivated, toolgroup.EventDeactivated, toolgroup.EventDeleted:
		return true
	}
	return false
}

func isPolicyEvent(t string) bool {
	switch t {
	case policy.EventDefined, policy.EventMatchersUpdated, policy.EventGroupsUpdated,
		policy.EventPriorityChanged, policy.EventActivated, policy.EventDeactivated, policy.EventDeleted:
		return true
	}
	return false
}

func (p *Projector) applySourceEvent(ctx context.Context, ev eventstore.Event, payload map[string]any) error {
	state := p.sourceStates[ev.StreamID]
	state = source.Fold(state, ev.Type, payload)
	p.sourceStates[ev.StreamID] = state

	if ev.Type == source.EventUnregistered {
		for opID := range state.Tools {
			_ = p.stores.Tools.Delete(ctx, state.ID+"/"+opID)
		}
		return p.stores.Sources.Delete(ctx, state.ID)
	}

	view := readmodel.SourceView{
		ID: state.ID, Name: state.Name, SpecURL: state.SpecURL, AuthMode: state.AuthMode,
		DefaultAudience: state.DefaultAudience, Status: state.Status,
		InventoryVersion: state.InventoryVersion, LastRefreshedAt: state.LastRefreshedAt,
		StateVersion: state.Version,
	}
	if err := p.stores.Sources.Upsert(ctx, state.ID, view); err != nil {
		return err
	}

	if ev.Type == source.EventInventoryRefreshed {
		for opID, tool := range state.Tools {
			toolView := readmodel.SourceToolView{
				ToolID: state.ID + "/" + opID, SourceID: state.ID, OperationID: opID,
				HTTPMethod: tool.HTTPMethod, PathTemplate: tool.PathTemplate,
				Summary: tool.Summary, Tags: tool.Tags, Enabled: tool.Enabled,
			}
			if err := p.stores.Tools.Upsert(ctx, toolView.ToolID, toolView); err != nil {
				return err
			}
		}
	}
	if ev.Type == source.EventToolEnabled || ev.Type == source.EventToolDisabled {
		opID, _ := payload["operation_id"].(string)
		toolID := state.ID + "/" + opID
		if tool, ok := state.Tools[opID]; ok {
			existing, exists, err := p.stores.Tools.Get(ctx, toolID)
			if err != nil {
				return err
			}
			if exists {
				existing.Enabled = tool.Enabled
				if err := p.stores.Tools.Upsert(ctx, toolID, existing); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Projector) applyGroupEvent(ctx context.Context, ev eventstore.Event, payload map[string]any) error {
	state := p.groupStates[ev.StreamID]
	state = toolgroup.Fold(state, ev.Type, payload)
	p.groupStates[ev.StreamID] = state

	if p.invalidate != nil {
		defer p.invalidate()
	}

	if ev.Type == toolgroup.EventDeleted {
		return p.stores.Groups.Delete(ctx, state.ID)
	}

	selectors := make([]readmodel.ToolSelector, 0, len(state.Selectors))
	for _, s := range state.Selectors {
		selectors = append(selectors, readmodel.ToolSelector{Kind: s.Kind, Pattern: s.Pattern})
	}
	view := readmodel.ToolGroupView{
		ID: state.ID, Name: state.Name, Selectors: selectors,
		ExplicitToolIDs: state.ExplicitToolIDs, ExcludedToolIDs: state.ExcludedToolIDs,
		Status: state.Status, StateVersion: state.Version,
	}
	return p.stores.Groups.Upsert(ctx, state.ID, view)
}

func (p *Projector) applyPolicyEvent(ctx context.Context, ev eventstore.Event, payload map[string]any) error {
	state := p.policyStates[ev.StreamID]
	state = policy.Fold(state, ev.Type, payload)
	p.policyStates[ev.StreamID] = state

	if p.invalidate != nil {
		defer p.invalidate()
	}

	if ev.Type == policy.EventDeleted {
		return p.stores.Policies.Delete(ctx, state.ID)
	}

	matchers := make([]readmodel.ClaimMatcher, 0, len(state.Matchers))
	for _, m := range state.Matchers {
		matchers = append(matchers, readmodel.ClaimMatcher{ClaimPath: m.ClaimPath, Op: m.Op, Value: m.Value})
	}
	view := readmodel.AccessPolicyView{
		ID: state.ID, Name: state.Name, Matchers: matchers, GroupIDs: state.GroupIDs,
		Priority: state.Priority, Status: state.Status, StateVersion: state.Version,
	}
	return p.stores.Policies.Upsert(ctx, state.ID, view)
}
