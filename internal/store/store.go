package store

import (
	"context"
	"time"
)

// AgentListFilter narrows GET /agents.
type AgentListFilter struct {
	Status    string
	Tags      []string
	Limit     int
	Offset    int
	OrderDesc bool
}

// AgentStore is the narrow persistence contract for Agent rows.
type AgentStore interface {
	Upsert(ctx context.Context, agent Agent) error
	Get(ctx context.Context, id string) (Agent, bool, error)
	// List returns agents deduplicated by hostname, keeping the row with
	// the greatest last_seen.
	List(ctx context.Context, filter AgentListFilter) ([]Agent, int, error)
	UpdateStatus(ctx context.Context, id, status string, lastSeen time.Time) error
	UpdateTags(ctx context.Context, id string, tags []string) error
	SetConnectionID(ctx context.Context, id, connectionID string) error
	Delete(ctx context.Context, id string) error
}

// CommandHistoryStore is the append-only audit log.
type CommandHistoryStore interface {
	Append(ctx context.Context, entry CommandHistoryEntry) error
	ListByAgent(ctx context.Context, agentID string, limit int, since time.Time) ([]CommandHistoryEntry, error)
}

// SavedCommandStore is the saved command template CRUD surface.
type SavedCommandStore interface {
	List(ctx context.Context) ([]SavedCommand, error)
	Get(ctx context.Context, id string) (SavedCommand, bool, error)
	Create(ctx context.Context, cmd SavedCommand) error
	Update(ctx context.Context, cmd SavedCommand) error
	// Delete refuses to remove is_system entries.
	Delete(ctx context.Context, id string) error
	// SeedSystemDefaults inserts the fixed is_system template library on
	// first startup; idempotent, a row already present by id is left
	// untouched.
	SeedSystemDefaults(ctx context.Context) error
}

// UserStore is the narrow surface the auth layer reads users through;
// the core itself never touches it.
type UserStore interface {
	Get(ctx context.Context, id string) (User, bool, error)
}

// SettingsStore backs the runtime-adjustable dispatcher/liveness
// defaults.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
}

// Store aggregates every sub-interface the core depends on; callers
// treat persistence as an opaque relational store behind this narrow
// contract.
type Store interface {
	Agents() AgentStore
	CommandHistory() CommandHistoryStore
	SavedCommands() SavedCommandStore
	Users() UserStore
	Settings() SettingsStore
	Close() error
}
