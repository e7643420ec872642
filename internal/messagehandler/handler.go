// Package messagehandler decodes inbound agent transport frames and
// routes them by type to the connection registry, the dispatcher/
// correlator, and the terminal session manager.
package messagehandler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/correlator"
	"github.com/asedra/fleetctl/internal/dispatcher"
	"github.com/asedra/fleetctl/internal/registry"
	"github.com/asedra/fleetctl/internal/store"
	"github.com/asedra/fleetctl/internal/terminal"
	"github.com/asedra/fleetctl/pkg/wire"
)

// Handler decodes one inbound frame at a time for a given connection.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	terminal   *terminal.Manager
	store      store.Store
	log        *logger.Logger
}

func New(reg *registry.Registry, disp *dispatcher.Dispatcher, term *terminal.Manager, st store.Store, log *logger.Logger) *Handler {
	return &Handler{registry: reg, dispatcher: disp, terminal: term, store: st, log: log}
}

// FirstMessageError signals a registration-protocol violation: the
// caller (wsgateway) must close the transport for any non-register
// first message.
type FirstMessageError struct{ msg string }

func (e FirstMessageError) Error() string { return e.msg }

// Handle decodes raw and routes it. connectionID identifies the
// transport session in the Registry. On malformed JSON or unknown
// type: log and continue — the transport is never closed for content
// errors, only for a registration-protocol violation.
func (h *Handler) Handle(ctx context.Context, connectionID string, raw []byte, isFirstMessage bool) error {
	env, err := wire.UnmarshalEnvelope(raw)
	if err != nil {
		h.log.WithError(err).Warn("malformed inbound frame, ignored")
		return nil
	}

	if isFirstMessage && env.Type != "register" {
		return FirstMessageError{"first message on a new connection must be register"}
	}

	switch env.Type {
	case "register":
		return h.handleRegister(ctx, connectionID, raw)
	case "heartbeat":
		if agentID, ok := h.registry.AgentIDOf(connectionID); ok {
			return h.HandleHeartbeatFor(ctx, connectionID, agentID, raw)
		}
		return h.handleHeartbeat(ctx, connectionID, raw)
	case "command_result", "powershell_result":
		return h.handleCommandResult(ctx, raw)
	case "system_info_update":
		return h.handleSystemInfoUpdate(ctx, connectionID, raw)
	case "pong":
		h.log.Debug("pong received", zap.String("connection_id", connectionID))
		return nil
	case "terminal_output":
		return h.handleTerminalFrame(raw, h.terminal.OnAgentOutput)
	case "terminal_error":
		return h.handleTerminalFrame(raw, h.terminal.OnAgentError)
	case "terminal_closed":
		var frame wire.TerminalFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return nil
		}
		h.terminal.OnAgentClosed(frame.SessionID)
		return nil
	default:
		h.log.Warn("unknown inbound message type, ignored", zap.String("type", env.Type))
		return nil
	}
}

func (h *Handler) handleRegister(ctx context.Context, connectionID string, raw []byte) error {
	var reg wire.Register
	if err := json.Unmarshal(raw, &reg); err != nil {
		h.log.WithError(err).Warn("malformed register frame")
		return nil
	}

	evictedConnID, evictedTransport, ok := h.registry.Bind(connectionID, reg.ID)
	if !ok {
		return nil
	}
	if evictedTransport != nil {
		// The new connection won the binding atomically under the
		// Registry's lock; the displaced transport is closed best-effort
		// out here, never inside the critical section.
		_ = evictedTransport.Close()
		_ = evictedConnID
	}

	version := reg.Version
	if version == "" {
		version = reg.OSVersion
	}

	agent := store.Agent{
		ID:       reg.ID,
		Hostname: reg.Hostname,
		IP:       reg.IP,
		OS:       reg.OS,
		Version:  version,
		Tags:     reg.Tags,
		SystemInfo: reg.SystemInfo,
		Status:   "online",
		LastSeen: time.Now(),
	}
	if h.store != nil {
		if err := h.store.Agents().Upsert(ctx, agent); err != nil {
			h.log.WithAgentID(reg.ID).WithError(err).Error("failed to upsert agent on register")
		}
	}

	h.registry.Send(reg.ID, wire.Welcome{
		Type:         "welcome",
		AgentID:      reg.ID,
		ConnectionID: connectionID,
		Message:      "registered",
	})
	h.log.WithAgentID(reg.ID).WithConnectionID(connectionID).Info("agent registered")
	return nil
}

// handleHeartbeat updates the Registry's last-heartbeat timestamp for
// the connection. The wire Heartbeat frame carries no agent_id (the
// binding already identifies the agent via the connection), so the
// Store's last_seen is refreshed by the caller via HandleHeartbeatFor
// once it resolves connectionID to an agent_id.
func (h *Handler) handleHeartbeat(ctx context.Context, connectionID string, raw []byte) error {
	var hb wire.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		h.log.WithError(err).Warn("malformed heartbeat frame")
		return nil
	}
	h.registry.Heartbeat(connectionID, time.Now())
	return nil
}

// HandleHeartbeatFor persists a heartbeat's last_seen/system_info once
// connectionID has been resolved to agentID.
func (h *Handler) HandleHeartbeatFor(ctx context.Context, connectionID, agentID string, raw []byte) error {
	var hb wire.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		h.log.WithError(err).Warn("malformed heartbeat frame")
		return nil
	}
	h.registry.Heartbeat(connectionID, time.Now())
	if h.store == nil {
		return nil
	}
	// A heartbeat may carry a system_info refresh; upsert it alongside
	// status/last_seen so telemetry reported this way is not lost. The
	// partial-update merge in the store keeps the existing record's tags
	// and system_info when the frame carries none.
	if hb.SystemInfo != nil {
		err := h.store.Agents().Upsert(ctx, store.Agent{
			ID:         agentID,
			SystemInfo: hb.SystemInfo,
			Status:     "online",
			LastSeen:   time.Now(),
		})
		if err != nil {
			h.log.WithAgentID(agentID).WithError(err).Warn("failed to persist heartbeat")
		}
		return nil
	}
	if err := h.store.Agents().UpdateStatus(ctx, agentID, "online", time.Now()); err != nil {
		h.log.WithAgentID(agentID).WithError(err).Warn("failed to persist heartbeat")
	}
	return nil
}

func (h *Handler) handleCommandResult(ctx context.Context, raw []byte) error {
	var result wire.CommandResult
	if err := json.Unmarshal(raw, &result); err != nil {
		h.log.WithError(err).Warn("malformed command_result frame")
		return nil
	}

	requestID := result.CorrelationID()
	if requestID == "" {
		h.log.Warn("command_result missing request_id/command_id, ignored")
		return nil
	}

	output := wire.NormalizeOutput(result.Output)
	h.dispatcher.Deliver(requestID, correlator.Response{
		Success:       result.Success,
		Output:        output,
		Error:         result.Error,
		ExitCode:      result.ExitCode,
		ExecutionTime: result.ExecutionTime,
	})

	// Append the command-history audit row here: this is the one place
	// that sees both the agent/command (via the Correlator's Meta, since
	// the wire frame itself carries only request_id) and the outcome. A
	// request_id the Correlator no longer knows about (already evicted,
	// or a stray late arrival after GC) is skipped rather than recorded
	// with a blank agent_id.
	if h.store != nil {
		if agentID, command, ok := h.dispatcher.Correlator().Meta(requestID); ok {
			if err := h.store.CommandHistory().Append(ctx, store.CommandHistoryEntry{
				AgentID:       agentID,
				Command:       command,
				Success:       result.Success,
				Output:        output,
				Error:         result.Error,
				ExecutionTime: result.ExecutionTime,
				Timestamp:     time.Now(),
			}); err != nil {
				h.log.WithAgentID(agentID).WithError(err).Warn("failed to record command history")
			}
		}
	}
	return nil
}

func (h *Handler) handleSystemInfoUpdate(ctx context.Context, connectionID string, raw []byte) error {
	var update wire.SystemInfoUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		h.log.WithError(err).Warn("malformed system_info_update frame")
		return nil
	}
	h.registry.Heartbeat(connectionID, time.Now())

	if agentID, ok := h.registry.AgentIDOf(connectionID); ok && h.store != nil {
		if err := h.store.Agents().Upsert(ctx, store.Agent{
			ID:         agentID,
			SystemInfo: update.SystemInfo,
			Status:     "online",
			LastSeen:   time.Now(),
		}); err != nil {
			h.log.WithAgentID(agentID).WithError(err).Warn("failed to persist system_info_update")
		}
	}
	return nil
}

func (h *Handler) handleTerminalFrame(raw []byte, route func(sessionID, data string)) error {
	var frame wire.TerminalFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil
	}
	route(frame.SessionID, frame.Data)
	return nil
}
