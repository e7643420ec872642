// Package store provides the persistence layer: agents, command
// history, saved command templates, users, settings. The core depends
// only on the Store interface in store.go; the two concrete backends
// share one schema (schema.go) via dialect-portable SQL fragments
// isolated in store/dialect, with connection setup split across
// pool.go/postgres_conn.go/sqlite_conn.go.
package store

import "time"

// Agent is the persisted agent record.
type Agent struct {
	ID             string                 `db:"id" json:"id"`
	Hostname       string                 `db:"hostname" json:"hostname"`
	IP             string                 `db:"ip" json:"ip"`
	OS             string                 `db:"os" json:"os"`
	Version        string                 `db:"version" json:"version"`
	Tags           []string               `db:"-" json:"tags"`
	TagsJSON       string                 `db:"tags" json:"-"`
	SystemInfo     map[string]interface{} `db:"-" json:"system_info"`
	SystemInfoJSON string                 `db:"system_info" json:"-"`
	Status         string                 `db:"status" json:"status"`
	LastSeen       time.Time              `db:"last_seen" json:"last_seen"`
	ConnectionID   string                 `db:"connection_id" json:"connection_id,omitempty"`
	IsConnected    bool                   `db:"-" json:"is_connected"` // always recomputed from the Registry, never persisted as truth
}

// CommandHistoryEntry is the append-only audit row. SessionID
// and UserID are populated for rows originating from a terminal session
// so the audit trail can be correlated back to who ran what and from
// which session; both are empty for rows recorded from a direct
// command_result (no terminal session involved).
type CommandHistoryEntry struct {
	ID            int64     `db:"id" json:"id"`
	AgentID       string    `db:"agent_id" json:"agent_id"`
	SessionID     string    `db:"session_id" json:"session_id,omitempty"`
	UserID        string    `db:"user_id" json:"user_id,omitempty"`
	Command       string    `db:"command" json:"command"`
	Success       bool      `db:"success" json:"success"`
	Output        string    `db:"output" json:"output"`
	Error         string    `db:"error" json:"error"`
	ExecutionTime float64   `db:"execution_time" json:"execution_time"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
}

// SavedCommandParameter is one entry in a saved command template's
// parameter list.
type SavedCommandParameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required"`
}

// SavedCommand is a reusable command template.
type SavedCommand struct {
	ID             string                  `db:"id" json:"id"`
	Name           string                  `db:"name" json:"name"`
	Description    string                  `db:"description" json:"description"`
	Category       string                  `db:"category" json:"category"`
	Command        string                  `db:"command" json:"command"`
	Parameters     []SavedCommandParameter `db:"-" json:"parameters"`
	ParametersJSON string                  `db:"parameters" json:"-"`
	Tags           []string                `db:"-" json:"tags"`
	TagsJSON       string                  `db:"tags" json:"-"`
	Version        int                     `db:"version" json:"version"`
	Author         string                  `db:"author" json:"author"`
	IsSystem       bool                    `db:"is_system" json:"is_system"`
}

// User is a minimal user record consumed by the auth layer; the Store
// owns the table.
type User struct {
	ID       string `db:"id" json:"id"`
	Email    string `db:"email" json:"email"`
	Username string `db:"username" json:"username"`
}

// Setting is a narrow key-value row backing the dispatcher's default
// timeout and the liveness tracker's offline threshold when operators
// want them runtime-adjustable.
type Setting struct {
	Key   string `db:"key" json:"key"`
	Value string `db:"value" json:"value"`
}
