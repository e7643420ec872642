// Package bulk fans one logical operation out across N agents with
// per-target success/failure accounting.
package bulk

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asedra/fleetctl/internal/apierr"
	"github.com/asedra/fleetctl/internal/dispatcher"
	"github.com/asedra/fleetctl/internal/liveness"
	"github.com/asedra/fleetctl/internal/registry"
	"github.com/asedra/fleetctl/internal/store"
)

// Op is one of the recognised bulk operation values.
type Op string

const (
	OpRefresh    Op = "refresh"
	OpRestart    Op = "restart"
	OpShutdown   Op = "shutdown"
	OpStatus     Op = "status"
	OpUpdateTags Op = "update_tags"
)

func isRecognisedOp(op Op) bool {
	switch op {
	case OpRefresh, OpRestart, OpShutdown, OpStatus, OpUpdateTags:
		return true
	}
	return false
}

// FailedEntry is one failed outcome.
type FailedEntry struct {
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

// Result is the aggregate bulk outcome.
type Result struct {
	Successful []string               `json:"successful"`
	Failed     []FailedEntry          `json:"failed"`
	Results    map[string]interface{} `json:"results"`
}

// Operator fans an Op out across agent ids concurrently, one errgroup
// goroutine per target.
type Operator struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	liveness   *liveness.Tracker
	store      store.Store
}

func New(reg *registry.Registry, disp *dispatcher.Dispatcher, lv *liveness.Tracker, st store.Store) *Operator {
	return &Operator{registry: reg, dispatcher: disp, liveness: lv, store: st}
}

// Args carries op-specific parameters (only Tags is used, for
// update_tags).
type Args struct {
	Tags []string
}

// Run executes op across agentIDs. Per-agent errors never abort the
// overall operation; every input id produces exactly one outcome.
func (o *Operator) Run(ctx context.Context, agentIDs []string, op Op, args Args) (Result, error) {
	if len(agentIDs) == 0 {
		return Result{}, apierr.New(apierr.InvalidArgument, "agent_ids must be non-empty")
	}
	if !isRecognisedOp(op) {
		return Result{}, apierr.New(apierr.InvalidArgument, "unrecognised bulk operation")
	}

	type outcome struct {
		agentID string
		ok      bool
		errMsg  string
		detail  interface{}
	}
	outcomes := make([]outcome, len(agentIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range agentIDs {
		i, id := i, id
		g.Go(func() error {
			detail, err := o.runOne(gctx, id, op, args)
			if err != nil {
				outcomes[i] = outcome{agentID: id, ok: false, errMsg: apierr.As(err).Message}
				return nil
			}
			outcomes[i] = outcome{agentID: id, ok: true, detail: detail}
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Results: make(map[string]interface{})}
	for _, oc := range outcomes {
		if oc.ok {
			result.Successful = append(result.Successful, oc.agentID)
			result.Results[oc.agentID] = oc.detail
		} else {
			result.Failed = append(result.Failed, FailedEntry{AgentID: oc.agentID, Error: oc.errMsg})
		}
	}
	return result, nil
}

func (o *Operator) runOne(ctx context.Context, agentID string, op Op, args Args) (interface{}, error) {
	switch op {
	case OpRefresh:
		return o.refresh(ctx, agentID)
	case OpRestart:
		return o.privilegedCommand(ctx, agentID, "Restart-Computer -Force")
	case OpShutdown:
		return o.privilegedCommand(ctx, agentID, "Stop-Computer -Force")
	case OpStatus:
		return o.status(ctx, agentID)
	case OpUpdateTags:
		return o.updateTags(ctx, agentID, args.Tags)
	default:
		return nil, apierr.New(apierr.InvalidArgument, "unrecognised bulk operation")
	}
}

func (o *Operator) refresh(ctx context.Context, agentID string) (interface{}, error) {
	if _, found, err := o.store.Agents().Get(ctx, agentID); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "failed to load agent", err)
	} else if !found {
		return nil, apierr.New(apierr.NotFound, "Agent not found")
	}

	attached := o.registry.IsConnected(agentID)
	if attached {
		o.registry.Send(agentID, map[string]interface{}{"type": "system_info_request"})
	}

	status := "offline"
	if attached {
		status = "online"
	}
	now := time.Now()
	if err := o.store.Agents().UpdateStatus(ctx, agentID, status, now); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "failed to persist status", err)
	}

	return map[string]interface{}{"status": status, "last_seen": now}, nil
}

func (o *Operator) privilegedCommand(ctx context.Context, agentID, command string) (interface{}, error) {
	if !o.registry.IsConnected(agentID) {
		return nil, apierr.New(apierr.AgentNotConnected, "agent is not connected")
	}
	requestID, err := o.dispatcher.Submit(ctx, agentID, command, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"request_id": requestID}, nil
}

func (o *Operator) status(ctx context.Context, agentID string) (interface{}, error) {
	agent, found, err := o.store.Agents().Get(ctx, agentID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "failed to load agent", err)
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "Agent not found")
	}
	attached := o.registry.IsConnected(agentID)
	classification := o.liveness.Classify(attached, agent.LastSeen, time.Now())
	return map[string]interface{}{"agent": agent, "classification": classification, "is_mock": o.dispatcher.IsMock(agentID)}, nil
}

func (o *Operator) updateTags(ctx context.Context, agentID string, tags []string) (interface{}, error) {
	if _, found, err := o.store.Agents().Get(ctx, agentID); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "failed to load agent", err)
	} else if !found {
		return nil, apierr.New(apierr.NotFound, "Agent not found")
	}
	if err := o.store.Agents().UpdateTags(ctx, agentID, tags); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "failed to persist tags", err)
	}
	return map[string]interface{}{"tags": tags}, nil
}
