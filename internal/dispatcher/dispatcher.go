// Package dispatcher is the public "execute command on agent"
// primitive: it composes the connection registry and the correlator,
// and services real and mock targets through the same path so callers
// cannot tell them apart.
package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/asedra/fleetctl/internal/apierr"
	"github.com/asedra/fleetctl/internal/common/config"
	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/correlator"
	"github.com/asedra/fleetctl/internal/mockagent"
	"github.com/asedra/fleetctl/internal/registry"
	"github.com/asedra/fleetctl/internal/store"
	"github.com/asedra/fleetctl/internal/tracing"
)

// defaultTimeoutKey is the settings key an operator can set to override
// cfg.DefaultTimeoutSeconds at runtime without restarting
// fleetctl-server.
const defaultTimeoutKey = "dispatch.defaultTimeoutSeconds"

// Response is the public command result shape returned to callers.
type Response struct {
	Success       bool    `json:"success"`
	Output        string  `json:"output"`
	Error         string  `json:"error,omitempty"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"`
	RequestID     string  `json:"request_id,omitempty"`
	IsMock        bool    `json:"is_mock"`
}

// Dispatcher composes the Registry and Correlator, and is the Message
// Handler's delivery target for command_result/powershell_result
// frames.
type Dispatcher struct {
	registry   *registry.Registry
	correlator *correlator.Correlator
	store      store.Store
	cfg        config.DispatchConfig
	mockIDs    []string
	mocksOn    bool
	log        *logger.Logger
}

func New(reg *registry.Registry, corr *correlator.Correlator, st store.Store, cfg config.DispatchConfig, mockCfg config.MockAgentsConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry:   reg,
		correlator: corr,
		store:      st,
		cfg:        cfg,
		mockIDs:    mockCfg.IDs,
		mocksOn:    mockCfg.Enabled,
		log:        log,
	}
}

// isMock reports whether agentID is one of the configured mock ids.
func (d *Dispatcher) isMock(agentID string) bool {
	return d.mocksOn && mockagent.IsKnownID(agentID, d.mockIDs)
}

// IsMock reports whether agentID is served by the mock agent subsystem,
// for callers (e.g. GetAgentStatus) that surface is_mock outside a
// Response.
func (d *Dispatcher) IsMock(agentID string) bool {
	return d.isMock(agentID)
}

// DefaultTimeout returns the operator-configured default command
// timeout (dispatch.defaultTimeoutSeconds in Settings), falling back to
// cfg.DefaultTimeout() when no override is stored or the stored value
// does not parse. Always clamped to [1s, 300s].
func (d *Dispatcher) DefaultTimeout(ctx context.Context) time.Duration {
	if d.store == nil {
		return d.cfg.DefaultTimeout()
	}
	raw, ok, err := d.store.Settings().Get(ctx, defaultTimeoutKey)
	if err != nil || !ok {
		return d.cfg.DefaultTimeout()
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return d.cfg.DefaultTimeout()
	}
	return clampTimeout(time.Duration(secs) * time.Second)
}

// clampTimeout enforces the [1s, 300s] bound on command timeouts.
func clampTimeout(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if d > 300*time.Second {
		return 300 * time.Second
	}
	return d
}

// Execute runs command on the target agent and blocks until the reply
// arrives or the timeout fires.
func (d *Dispatcher) Execute(ctx context.Context, agentID, command string, timeout time.Duration) (Response, error) {
	tracer := tracing.Tracer("dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.execute")
	defer span.End()

	timeout = clampTimeout(timeout)

	connected := d.registry.IsConnected(agentID)
	mock := d.isMock(agentID)
	if !connected && !mock {
		return Response{}, d.notConnectedError(agentID)
	}

	requestID := d.correlator.Begin(agentID, command)

	if mock {
		d.scheduleMockResponse(requestID, agentID, command)
	} else {
		msg := map[string]interface{}{
			"type":       "powershell_command",
			"request_id": requestID,
			"command":    command,
			"timeout":    timeout.Seconds(),
			"timestamp":  time.Now().UTC(),
		}
		if ok := d.registry.Send(agentID, msg); !ok {
			return Response{}, apierr.New(apierr.SendFailed, "failed to send command to agent")
		}
	}

	resp, status := d.correlator.Await(requestID, timeout)
	out := Response{
		Success:       resp.Success,
		Output:        resp.Output,
		Error:         resp.Error,
		ExitCode:      resp.ExitCode,
		ExecutionTime: resp.ExecutionTime,
		RequestID:     requestID,
		IsMock:        mock,
	}

	// Real-agent responses are already recorded to history by the
	// message handler as the inbound command_result frame arrives; mock
	// responses never pass through that path, so scheduleMockResponse
	// records them itself. A timed-out entry never gets an inbound
	// frame, so it is recorded here instead.
	if status == correlator.StatusTimeout {
		d.recordHistory(ctx, agentID, command, out)
		d.log.WithAgentID(agentID).WithRequestID(requestID).Warn("command timed out")
	}

	return out, nil
}

// Submit is the async entry point: same as Execute up to the send, but
// returns the request_id immediately instead of awaiting the reply.
func (d *Dispatcher) Submit(ctx context.Context, agentID, command string, timeout time.Duration) (string, error) {
	timeout = clampTimeout(timeout)

	connected := d.registry.IsConnected(agentID)
	mock := d.isMock(agentID)
	if !connected && !mock {
		return "", d.notConnectedError(agentID)
	}

	requestID := d.correlator.Begin(agentID, command)

	if mock {
		d.scheduleMockResponse(requestID, agentID, command)
		return requestID, nil
	}

	msg := map[string]interface{}{
		"type":       "powershell_command",
		"request_id": requestID,
		"command":    command,
		"timeout":    timeout.Seconds(),
		"timestamp":  time.Now().UTC(),
	}
	if ok := d.registry.Send(agentID, msg); !ok {
		return "", apierr.New(apierr.SendFailed, "failed to send command to agent")
	}
	return requestID, nil
}

// GetResult is the polling accessor backing GET /commands/{request_id}.
func (d *Dispatcher) GetResult(requestID string) (Response, correlator.Status, bool) {
	resp, status, ok := d.correlator.Get(requestID)
	agentID, _, metaOK := d.correlator.Meta(requestID)
	return Response{
		Success:       resp.Success,
		Output:        resp.Output,
		Error:         resp.Error,
		ExitCode:      resp.ExitCode,
		ExecutionTime: resp.ExecutionTime,
		RequestID:     requestID,
		IsMock:        metaOK && d.isMock(agentID),
	}, status, ok
}

// Deliver is the message handler's entry point for an inbound
// command_result/powershell_result frame.
func (d *Dispatcher) Deliver(requestID string, resp correlator.Response) {
	d.correlator.Deliver(requestID, resp)
}

func (d *Dispatcher) scheduleMockResponse(requestID, agentID, command string) {
	go func() {
		result := mockagent.Execute(command)
		time.Sleep(time.Duration(result.ExecutionTime * float64(time.Second)))
		resp := Response{
			Success:       result.Success,
			Output:        result.Output,
			Error:         result.Error,
			ExitCode:      result.ExitCode,
			ExecutionTime: result.ExecutionTime,
			RequestID:     requestID,
			IsMock:        true,
		}
		delivered := d.correlator.Deliver(requestID, correlator.Response{
			Success:       resp.Success,
			Output:        resp.Output,
			Error:         resp.Error,
			ExitCode:      resp.ExitCode,
			ExecutionTime: resp.ExecutionTime,
		})
		// Mock responses never flow through the message handler's inbound
		// command_result path, so they are recorded here instead — but
		// only when the delivery actually won. A slow mock that loses the
		// race against a short await timeout already has a timeout row
		// recorded by Execute; writing a second, contradictory row here
		// would leave two outcomes for one request_id.
		if delivered {
			d.recordHistory(context.Background(), agentID, command, resp)
		}
	}()
}

// Correlator exposes the underlying Correlator for the message
// handler's Meta lookups when attributing an inbound command_result
// frame to the agent/command it was begun with.
func (d *Dispatcher) Correlator() *correlator.Correlator {
	return d.correlator
}

func (d *Dispatcher) recordHistory(ctx context.Context, agentID, command string, resp Response) {
	if d.store == nil {
		return
	}
	err := d.store.CommandHistory().Append(ctx, store.CommandHistoryEntry{
		AgentID:       agentID,
		Command:       command,
		Success:       resp.Success,
		Output:        resp.Output,
		Error:         resp.Error,
		ExecutionTime: resp.ExecutionTime,
		Timestamp:     time.Now(),
	})
	if err != nil {
		d.log.WithAgentID(agentID).WithError(err).Warn("failed to record command history")
	}
}

// notConnectedError builds the AGENT_NOT_CONNECTED error with the
// diagnostic connected+mock agent lists.
func (d *Dispatcher) notConnectedError(agentID string) error {
	connected := d.registry.ConnectedAgents()
	details := map[string]interface{}{
		"available_agents": connected,
		"mock_agents":      d.mockIDs,
	}
	suggestions := []string{"verify the agent id is correct", "check the agent's network connectivity"}
	if !d.mocksOn {
		suggestions = append(suggestions, "enable mock agents (MOCK_AGENTS=true) for testing without a real agent")
	}
	return apierr.New(apierr.AgentNotConnected, fmt.Sprintf("agent %q is not connected", agentID)).
		WithDetails(details).
		WithSuggestions(suggestions...)
}
