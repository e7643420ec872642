// Package api implements the HTTP API layer: gin handlers over the
// registry/dispatcher/terminal/bulk/store core, with errors rendered
// through the apierr taxonomy.
package api

// RegisterRequest is the public register payload, mirrored from
// pkg/wire.Register for the HTTP-side re-registration convenience
// endpoint.
type RegisterRequest struct {
	ID         string                 `json:"id" binding:"required"`
	Hostname   string                 `json:"hostname" binding:"required"`
	IP         string                 `json:"ip,omitempty"`
	OS         string                 `json:"os"`
	OSVersion  string                 `json:"os_version,omitempty"`
	Version    string                 `json:"version,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
	SystemInfo map[string]interface{} `json:"system_info,omitempty"`
}

// CommandRequest carries the command to run. Both the preferred and the
// legacy field name are accepted.
type CommandRequest struct {
	Command           string `json:"command"`
	PowershellCommand string `json:"powershell_command"`
	TimeoutSeconds    int    `json:"timeout_seconds,omitempty"`
}

// ResolvedCommand returns whichever of Command/PowershellCommand is
// set, preferring the canonical field name.
func (r CommandRequest) ResolvedCommand() string {
	if r.PowershellCommand != "" {
		return r.PowershellCommand
	}
	return r.Command
}

// BulkRequest is the POST /agents/bulk payload.
type BulkRequest struct {
	AgentIDs []string `json:"agent_ids" binding:"required"`
	Op       string   `json:"operation" binding:"required"`
	Tags     []string `json:"tags,omitempty"`
}

// SavedCommandRequest is the create/update payload for saved command
// templates.
type SavedCommandRequest struct {
	Name        string                         `json:"name" binding:"required"`
	Description string                         `json:"description"`
	Category    string                         `json:"category"`
	Command     string                         `json:"command" binding:"required"`
	Parameters  []SavedCommandParameterRequest `json:"parameters,omitempty"`
	Tags        []string                       `json:"tags,omitempty"`
}

type SavedCommandParameterRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required"`
}

// SavedCommandExecutionRequest is the POST /saved-commands/{id}/execute
// payload: dispatches the named template, with $Name placeholders
// substituted from Parameters, to every listed agent.
type SavedCommandExecutionRequest struct {
	AgentIDs       []string          `json:"agent_ids" binding:"required"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// SettingRequest updates one runtime-adjustable setting.
type SettingRequest struct {
	Value string `json:"value" binding:"required"`
}
