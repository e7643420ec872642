package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/asedra/fleetctl/internal/store/dialect"
)

type agentStore struct {
	pool   *pool
	driver string
}

func (s agentStore) Upsert(ctx context.Context, agent Agent) error {
	existing, found, err := s.Get(ctx, agent.ID)
	if err != nil {
		return err
	}

	// A partial Upsert (e.g. a heartbeat or system_info_update frame that
	// carries no tags) must not wipe out previously persisted tags or
	// system_info; only a caller that actually supplies a value replaces
	// the prior one.
	tags := agent.Tags
	if tags == nil && found {
		tags = existing.Tags
	}
	sysInfo := agent.SystemInfo
	if sysInfo == nil && found {
		sysInfo = existing.SystemInfo
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	infoJSON, err := json.Marshal(sysInfo)
	if err != nil {
		return err
	}

	if found {
		_, err = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
			UPDATE agents SET hostname=?, ip=?, os=?, version=?, tags=?, system_info=?, status=?, last_seen=?, connection_id=?
			WHERE id=?`),
			orDefault(agent.Hostname, existing.Hostname),
			orDefault(agent.IP, existing.IP),
			orDefault(agent.OS, existing.OS),
			orDefault(agent.Version, existing.Version),
			string(tagsJSON), string(infoJSON),
			orDefault(agent.Status, existing.Status),
			orTime(agent.LastSeen, existing.LastSeen),
			agent.ConnectionID,
			agent.ID,
		)
		return err
	}

	_, err = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(`
		INSERT INTO agents (id, hostname, ip, os, version, tags, system_info, status, last_seen, connection_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		agent.ID, agent.Hostname, agent.IP, agent.OS, agent.Version,
		string(tagsJSON), string(infoJSON), agent.Status, agent.LastSeen, agent.ConnectionID,
	)
	return err
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func orTime(v, fallback time.Time) time.Time {
	if v.IsZero() {
		return fallback
	}
	return v
}

func (s agentStore) Get(ctx context.Context, id string) (Agent, bool, error) {
	var agent Agent
	err := s.pool.Reader().GetContext(ctx, &agent, s.pool.Reader().Rebind(`SELECT * FROM agents WHERE id=?`), id)
	if err != nil {
		if isNoRows(err) {
			return Agent{}, false, nil
		}
		return Agent{}, false, err
	}
	hydrate(&agent)
	return agent, true, nil
}

// List returns agents matching filter, deduplicated by hostname keeping
// the greatest last_seen.
func (s agentStore) List(ctx context.Context, filter AgentListFilter) ([]Agent, int, error) {
	query := `SELECT * FROM agents WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	for _, tag := range filter.Tags {
		query += fmt.Sprintf(` AND %s`, dialect.JSONArrayContainsText(s.driver, "tags"))
		args = append(args, tag)
	}

	query += ` ORDER BY last_seen DESC`

	var rows []Agent
	if err := s.pool.Reader().SelectContext(ctx, &rows, s.pool.Reader().Rebind(query), args...); err != nil {
		return nil, 0, err
	}
	for i := range rows {
		hydrate(&rows[i])
	}

	deduped := dedupeByHostname(rows)

	sort.Slice(deduped, func(i, j int) bool {
		if filter.OrderDesc {
			return deduped[i].LastSeen.After(deduped[j].LastSeen)
		}
		return deduped[i].LastSeen.Before(deduped[j].LastSeen)
	})

	total := len(deduped)
	if filter.Offset > 0 && filter.Offset < len(deduped) {
		deduped = deduped[filter.Offset:]
	} else if filter.Offset >= len(deduped) {
		deduped = nil
	}
	if filter.Limit > 0 && filter.Limit < len(deduped) {
		deduped = deduped[:filter.Limit]
	}

	return deduped, total, nil
}

// dedupeByHostname keeps, per hostname, only the row with the greatest
// last_seen. Hostnames are not unique keys; deduplication is a
// read-side concern.
func dedupeByHostname(rows []Agent) []Agent {
	best := make(map[string]Agent, len(rows))
	for _, r := range rows {
		cur, ok := best[r.Hostname]
		if !ok || r.LastSeen.After(cur.LastSeen) {
			best[r.Hostname] = r
		}
	}
	out := make([]Agent, 0, len(best))
	for _, v := range best {
		out = append(out, v)
	}
	return out
}

func (s agentStore) UpdateStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	_, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(
		`UPDATE agents SET status=?, last_seen=? WHERE id=?`), status, lastSeen, id)
	return err
}

func (s agentStore) UpdateTags(ctx context.Context, id string, tags []string) error {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(
		`UPDATE agents SET tags=? WHERE id=?`), string(tagsJSON), id)
	return err
}

func (s agentStore) SetConnectionID(ctx context.Context, id, connectionID string) error {
	_, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(
		`UPDATE agents SET connection_id=? WHERE id=?`), connectionID, id)
	return err
}

func (s agentStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(
		`DELETE FROM agents WHERE id=?`), id)
	return err
}

func hydrate(a *Agent) {
	if a.TagsJSON != "" {
		_ = json.Unmarshal([]byte(a.TagsJSON), &a.Tags)
	}
	if a.SystemInfoJSON != "" {
		_ = json.Unmarshal([]byte(a.SystemInfoJSON), &a.SystemInfo)
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
