// Package wire defines the agent transport's wire protocol:
// length-delimited textual JSON, one object per frame, every message
// tagged by `type`.
package wire

import "encoding/json"

// Envelope is the minimal shape every inbound/outbound frame satisfies.
// Concrete payload fields are decoded a second time into the specific
// struct once Type is known.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalEnvelope peeks at the `type` field without fully decoding
// the payload, so the caller can select the concrete struct to decode
// into next.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: peek.Type, Raw: data}, nil
}

// --- Server -> Agent ---

// PowershellCommand dispatches a shell command to the agent (preferred name).
type PowershellCommand struct {
	Type      string  `json:"type"` // "powershell_command"
	RequestID string  `json:"request_id"`
	Command   string  `json:"command"`
	Timeout   float64 `json:"timeout"`
	Timestamp string  `json:"timestamp"`
}

// LegacyCommand is the shape of the deprecated "command" frame; this
// server never emits it and always sends the canonical
// powershell_command form.
type LegacyCommand struct {
	Type             string  `json:"type"` // "command"
	ID               string  `json:"id"`
	Command          string  `json:"command"`
	Timeout          float64 `json:"timeout"`
	WorkingDirectory string  `json:"working_directory,omitempty"`
}

// TerminalStart asks the agent to open a PTY-like session.
type TerminalStart struct {
	Type             string `json:"type"` // "terminal_start"
	SessionID        string `json:"session_id"`
	Rows             int    `json:"rows"`
	Cols             int    `json:"cols"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// TerminalInput forwards UI keystrokes/input to the agent side.
type TerminalInput struct {
	Type      string `json:"type"` // "terminal_input"
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// TerminalResize forwards a geometry change to the agent.
type TerminalResize struct {
	Type      string `json:"type"` // "terminal_resize"
	SessionID string `json:"session_id"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

// TerminalClose tells the agent to tear the session down.
type TerminalClose struct {
	Type      string `json:"type"` // "terminal_close"
	SessionID string `json:"session_id"`
}

// Welcome is sent once, immediately after a successful register.
type Welcome struct {
	Type         string `json:"type"` // "welcome"
	AgentID      string `json:"agent_id"`
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message"`
}

// --- Agent -> Server ---

// Register is the mandatory first message on any new connection.
type Register struct {
	Type       string                 `json:"type"` // "register"
	ID         string                 `json:"id"`
	Hostname   string                 `json:"hostname"`
	IP         string                 `json:"ip,omitempty"`
	OS         string                 `json:"os"`
	OSVersion  string                 `json:"os_version,omitempty"`
	Version    string                 `json:"version,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
	SystemInfo map[string]interface{} `json:"system_info,omitempty"`
}

// Heartbeat is the periodic liveness signal.
type Heartbeat struct {
	Type       string                 `json:"type"` // "heartbeat"
	Timestamp  string                 `json:"timestamp,omitempty"`
	SystemInfo map[string]interface{} `json:"system_info,omitempty"`
}

// CommandResult carries a completed command's outcome. `Output` may
// arrive on the wire as a string, object, or array; decode it with
// NormalizeOutput before storing.
type CommandResult struct {
	Type          string          `json:"type"` // "command_result" or "powershell_result"
	RequestID     string          `json:"request_id,omitempty"`
	CommandID     string          `json:"command_id,omitempty"` // legacy synonym for RequestID
	Success       bool            `json:"success"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExitCode      int             `json:"exit_code,omitempty"`
	ExecutionTime float64         `json:"execution_time"`
	Timestamp     string          `json:"timestamp,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// CorrelationID returns RequestID, falling back to the legacy CommandID
// field.
func (c CommandResult) CorrelationID() string {
	if c.RequestID != "" {
		return c.RequestID
	}
	return c.CommandID
}

// SystemInfoUpdate carries an out-of-band telemetry refresh.
type SystemInfoUpdate struct {
	Type       string                 `json:"type"` // "system_info_update"
	SystemInfo map[string]interface{} `json:"system_info"`
}

// Pong acknowledges a transport-level ping; carries no state.
type Pong struct {
	Type string `json:"type"` // "pong"
}

// TerminalOutput/TerminalError/TerminalClosed share one shape.
type TerminalFrame struct {
	Type      string `json:"type"` // "terminal_output" | "terminal_error" | "terminal_closed"
	SessionID string `json:"session_id"`
	Data      string `json:"data,omitempty"`
}

// NormalizeOutput collapses a raw JSON output field (string, object, or
// array) into a display string; the original structure stays available
// to callers via CommandResult.Data.
func NormalizeOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
