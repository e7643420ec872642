package bulk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asedra/fleetctl/internal/apierr"
	"github.com/asedra/fleetctl/internal/common/config"
	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/correlator"
	"github.com/asedra/fleetctl/internal/dispatcher"
	"github.com/asedra/fleetctl/internal/liveness"
	"github.com/asedra/fleetctl/internal/registry"
	"github.com/asedra/fleetctl/internal/store"
)

// noopTransport satisfies registry.Transport without ever failing a send.
type noopTransport struct{}

func (noopTransport) Send(message interface{}) error { return nil }
func (noopTransport) Close() error                   { return nil }

func newTestOperator(t *testing.T) (*Operator, *registry.Registry, store.Store) {
	t.Helper()
	log := logger.Default()
	path := filepath.Join(t.TempDir(), "bulk-test.db")
	st, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(log, nil)
	corr := correlator.New(log, time.Minute)
	disp := dispatcher.New(reg, corr, st, config.DispatchConfig{DefaultTimeoutSeconds: 30}, config.MockAgentsConfig{}, log)
	lv := liveness.New(config.LivenessConfig{OnlineThresholdSeconds: 30, WarningThresholdSeconds: 60, OfflineThresholdSeconds: 60}, st)

	return New(reg, disp, lv, st), reg, st
}

// TestBulkRefreshMixedAgents: a bulk refresh over a mix of attached,
// detached, and unknown agent ids.
func TestBulkRefreshMixedAgents(t *testing.T) {
	op, reg, st := newTestOperator(t)
	ctx := context.Background()

	require.NoError(t, st.Agents().Upsert(ctx, store.Agent{ID: "A1", Hostname: "H1", Status: "offline", LastSeen: time.Now()}))
	require.NoError(t, st.Agents().Upsert(ctx, store.Agent{ID: "A2", Hostname: "H2", Status: "offline", LastSeen: time.Now()}))

	session := reg.Attach(noopTransport{})
	_, _, ok := reg.Bind(session.ConnectionID, "A1")
	require.True(t, ok)

	result, err := op.Run(ctx, []string{"A1", "UNKNOWN", "A2"}, OpRefresh, Args{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"A1", "A2"}, result.Successful)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "UNKNOWN", result.Failed[0].AgentID)
	assert.Equal(t, "Agent not found", result.Failed[0].Error)

	a1, _, err := st.Agents().Get(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, "online", a1.Status)

	a2, _, err := st.Agents().Get(ctx, "A2")
	require.NoError(t, err)
	assert.Equal(t, "offline", a2.Status)
}

// TestBulkEveryInputProducesExactlyOneOutcome: |successful| + |failed|
// equals the input count and the two sets are disjoint.
func TestBulkEveryInputProducesExactlyOneOutcome(t *testing.T) {
	op, reg, st := newTestOperator(t)
	ctx := context.Background()

	ids := []string{"A1", "A2", "A3", "UNKNOWN1", "UNKNOWN2"}
	for _, id := range []string{"A1", "A2", "A3"} {
		require.NoError(t, st.Agents().Upsert(ctx, store.Agent{ID: id, Hostname: id, Status: "offline", LastSeen: time.Now()}))
	}
	session := reg.Attach(noopTransport{})
	_, _, _ = reg.Bind(session.ConnectionID, "A1")

	result, err := op.Run(ctx, ids, OpRefresh, Args{})
	require.NoError(t, err)
	assert.Equal(t, len(ids), len(result.Successful)+len(result.Failed))

	seen := make(map[string]bool)
	for _, id := range result.Successful {
		assert.False(t, seen[id])
		seen[id] = true
	}
	for _, f := range result.Failed {
		assert.False(t, seen[f.AgentID])
		seen[f.AgentID] = true
	}
	assert.Len(t, seen, len(ids))
}

func TestBulkEmptyAgentIDsIsInvalidArgument(t *testing.T) {
	op, _, _ := newTestOperator(t)
	_, err := op.Run(context.Background(), nil, OpRefresh, Args{})
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidArgument, apierr.As(err).Kind)
}

func TestBulkUnrecognisedOpIsInvalidArgument(t *testing.T) {
	op, _, _ := newTestOperator(t)
	_, err := op.Run(context.Background(), []string{"A1"}, Op("not-a-real-op"), Args{})
	require.Error(t, err)
	assert.Equal(t, apierr.InvalidArgument, apierr.As(err).Kind)
}

func TestBulkRestartRequiresAttached(t *testing.T) {
	op, _, st := newTestOperator(t)
	ctx := context.Background()
	require.NoError(t, st.Agents().Upsert(ctx, store.Agent{ID: "A1", Hostname: "H1", Status: "offline", LastSeen: time.Now()}))

	result, err := op.Run(ctx, []string{"A1"}, OpRestart, Args{})
	require.NoError(t, err)
	assert.Empty(t, result.Successful)
	require.Len(t, result.Failed, 1)
}

func TestBulkRestartSucceedsWhenAttached(t *testing.T) {
	op, reg, st := newTestOperator(t)
	ctx := context.Background()
	require.NoError(t, st.Agents().Upsert(ctx, store.Agent{ID: "A1", Hostname: "H1", Status: "online", LastSeen: time.Now()}))
	session := reg.Attach(noopTransport{})
	_, _, _ = reg.Bind(session.ConnectionID, "A1")

	result, err := op.Run(ctx, []string{"A1"}, OpRestart, Args{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, result.Successful)
	requestID, ok := result.Results["A1"].(map[string]interface{})["request_id"]
	assert.True(t, ok)
	assert.NotEmpty(t, requestID)
}

func TestBulkUpdateTags(t *testing.T) {
	op, _, st := newTestOperator(t)
	ctx := context.Background()
	require.NoError(t, st.Agents().Upsert(ctx, store.Agent{ID: "A1", Hostname: "H1", Status: "online", LastSeen: time.Now()}))

	result, err := op.Run(ctx, []string{"A1"}, OpUpdateTags, Args{Tags: []string{"prod", "db"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, result.Successful)

	agent, _, err := st.Agents().Get(ctx, "A1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prod", "db"}, agent.Tags)
}

func TestBulkUpdateTagsUnknownAgentFails(t *testing.T) {
	op, _, _ := newTestOperator(t)
	result, err := op.Run(context.Background(), []string{"UNKNOWN"}, OpUpdateTags, Args{Tags: []string{"x"}})
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "Agent not found", result.Failed[0].Error)
}

func TestBulkStatus(t *testing.T) {
	op, reg, st := newTestOperator(t)
	ctx := context.Background()
	require.NoError(t, st.Agents().Upsert(ctx, store.Agent{ID: "A1", Hostname: "H1", Status: "online", LastSeen: time.Now()}))
	session := reg.Attach(noopTransport{})
	_, _, _ = reg.Bind(session.ConnectionID, "A1")

	result, err := op.Run(ctx, []string{"A1"}, OpStatus, Args{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, result.Successful)
	detail := result.Results["A1"].(map[string]interface{})
	assert.Equal(t, liveness.Online, detail["classification"])
}
