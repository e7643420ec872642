package store

import (
	"context"
	"time"
)

type commandHistoryStore struct {
	pool   *pool
	driver string
}

func (s commandHistoryStore) Append(ctx context.Context, entry CommandHistoryEntry) error {
	_, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		INSERT INTO command_history (agent_id, session_id, user_id, command, success, output, error, execution_time, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.AgentID, entry.SessionID, entry.UserID, entry.Command, entry.Success, entry.Output, entry.Error, entry.ExecutionTime, entry.Timestamp,
	)
	return err
}

func (s commandHistoryStore) ListByAgent(ctx context.Context, agentID string, limit int, since time.Time) ([]CommandHistoryEntry, error) {
	query := `SELECT * FROM command_history WHERE agent_id = ?`
	args := []interface{}{agentID}
	if !since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []CommandHistoryEntry
	if err := s.pool.Reader().SelectContext(ctx, &rows, s.pool.Reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return rows, nil
}
