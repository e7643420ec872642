package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/asedra/fleetctl/internal/store/dialect"
)

// schemaStatements returns the idempotent CREATE TABLE statements for
// driver: JSON text columns for tags and system_info, indices on
// agents(hostname), agents(status), and command_history(agent_id,
// timestamp). Executed once at startup; no migration library.
func schemaStatements(driver string) []string {
	pk := "TEXT PRIMARY KEY"
	autoID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(driver) {
		autoID = "BIGSERIAL PRIMARY KEY"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agents (
			id %s,
			hostname TEXT NOT NULL,
			ip TEXT,
			os TEXT,
			version TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			system_info TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen TIMESTAMP,
			connection_id TEXT
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_agents_hostname ON agents(hostname)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS command_history (
			id %s,
			agent_id TEXT NOT NULL,
			session_id TEXT,
			user_id TEXT,
			command TEXT NOT NULL,
			success BOOLEAN NOT NULL DEFAULT false,
			output TEXT,
			error TEXT,
			execution_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			timestamp TIMESTAMP NOT NULL
		)`, autoID),
		`CREATE INDEX IF NOT EXISTS idx_command_history_agent_ts ON command_history(agent_id, timestamp)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS saved_commands (
			id %s,
			name TEXT NOT NULL,
			description TEXT,
			category TEXT,
			command TEXT NOT NULL,
			parameters TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 1,
			author TEXT,
			is_system BOOLEAN NOT NULL DEFAULT false
		)`, pk),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id %s,
			email TEXT NOT NULL,
			username TEXT NOT NULL
		)`, pk),
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
}

func createSchema(ctx context.Context, db *sqlx.DB, driver string) error {
	for _, stmt := range schemaStatements(driver) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}
