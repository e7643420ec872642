package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asedra/fleetctl/internal/bulk"
	"github.com/asedra/fleetctl/internal/common/config"
	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/correlator"
	"github.com/asedra/fleetctl/internal/dispatcher"
	"github.com/asedra/fleetctl/internal/liveness"
	"github.com/asedra/fleetctl/internal/registry"
	"github.com/asedra/fleetctl/internal/store"
)

type noopTransport struct{}

func (noopTransport) Send(message interface{}) error { return nil }
func (noopTransport) Close() error                   { return nil }

type testServer struct {
	router   *gin.Engine
	registry *registry.Registry
	store    store.Store
}

func newTestAPI(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	path := filepath.Join(t.TempDir(), "api-test.db")
	st, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(log, nil)
	corr := correlator.New(log, time.Minute)
	dispatchCfg := config.DispatchConfig{DefaultTimeoutSeconds: 30, PendingRetentionSeconds: 300}
	disp := dispatcher.New(reg, corr, st, dispatchCfg, config.MockAgentsConfig{}, log)
	lv := liveness.New(config.LivenessConfig{OnlineThresholdSeconds: 30, WarningThresholdSeconds: 60, OfflineThresholdSeconds: 60}, st)
	bulkOp := bulk.New(reg, disp, lv, st)

	h := NewHandler(reg, disp, lv, bulkOp, st, log)

	router := gin.New()
	router.GET("/agents", h.ListAgents)
	router.POST("/agents/register", h.RegisterAgent)
	router.GET("/agents/:id/status", h.GetAgentStatus)
	router.POST("/agents/:id/refresh", h.RefreshAgent)
	router.POST("/agents/:id/command", h.ExecuteCommand)
	router.POST("/agents/:id/command/async", h.ExecuteCommandAsync)
	router.GET("/agents/:id/history", h.GetAgentHistory)
	router.POST("/agents/bulk", h.BulkOperation)
	router.GET("/commands/:request_id", h.GetCommandResult)
	savedCommands := router.Group("/saved-commands")
	{
		savedCommands.GET("", h.ListSavedCommands)
		savedCommands.POST("", h.CreateSavedCommand)
		savedCommands.PUT("/:id", h.UpdateSavedCommand)
		savedCommands.DELETE("/:id", h.DeleteSavedCommand)
		savedCommands.POST("/:id/execute", h.ExecuteSavedCommand)
	}
	settings := router.Group("/settings")
	{
		settings.GET("", h.ListSettings)
		settings.PUT("/:key", h.UpdateSetting)
	}

	return &testServer{router: router, registry: reg, store: st}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestRegisterAgentThenListAgents(t *testing.T) {
	ts := newTestAPI(t)

	rec := ts.do(t, http.MethodPost, "/agents/register", RegisterRequest{ID: "A1", Hostname: "H1", OS: "windows"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Agents []store.Agent `json:"agents"`
		Total  int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "A1", body.Agents[0].ID)
	assert.False(t, body.Agents[0].IsConnected)
}

func TestRegisterAgentMissingFieldsFailsValidation(t *testing.T) {
	ts := newTestAPI(t)
	rec := ts.do(t, http.MethodPost, "/agents/register", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAgentStatusNotFound(t *testing.T) {
	ts := newTestAPI(t)
	rec := ts.do(t, http.MethodGet, "/agents/unknown/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAgentStatusReflectsLiveness(t *testing.T) {
	ts := newTestAPI(t)
	ts.do(t, http.MethodPost, "/agents/register", RegisterRequest{ID: "A1", Hostname: "H1", OS: "windows"})

	session := ts.registry.Attach(noopTransport{})
	_, _, ok := ts.registry.Bind(session.ConnectionID, "A1")
	require.True(t, ok)

	rec := ts.do(t, http.MethodGet, "/agents/A1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(liveness.Online), body.State)
}

func TestExecuteCommandAgentNotConnectedReturns404(t *testing.T) {
	ts := newTestAPI(t)
	rec := ts.do(t, http.MethodPost, "/agents/A1/command", CommandRequest{Command: "Get-Date"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteCommandMissingCommandIsBadRequest(t *testing.T) {
	ts := newTestAPI(t)
	rec := ts.do(t, http.MethodPost, "/agents/A1/command", CommandRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteCommandAsyncThenPollResult(t *testing.T) {
	ts := newTestAPI(t)
	session := ts.registry.Attach(noopTransport{})
	_, _, ok := ts.registry.Bind(session.ConnectionID, "A1")
	require.True(t, ok)

	rec := ts.do(t, http.MethodPost, "/agents/A1/command/async", CommandRequest{Command: "Get-Date"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitBody struct {
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitBody))
	require.NotEmpty(t, submitBody.RequestID)

	rec = ts.do(t, http.MethodGet, "/commands/"+submitBody.RequestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetCommandResultUnknownRequestIDIs404(t *testing.T) {
	ts := newTestAPI(t)
	rec := ts.do(t, http.MethodGet, "/commands/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkOperationHandlesMixedAgents(t *testing.T) {
	ts := newTestAPI(t)
	ts.do(t, http.MethodPost, "/agents/register", RegisterRequest{ID: "A1", Hostname: "H1", OS: "windows"})

	rec := ts.do(t, http.MethodPost, "/agents/bulk", BulkRequest{AgentIDs: []string{"A1", "UNKNOWN"}, Op: "refresh"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body bulk.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"A1"}, body.Successful)
	require.Len(t, body.Failed, 1)
	assert.Equal(t, "UNKNOWN", body.Failed[0].AgentID)
}

func TestBulkOperationEmptyAgentIDsIsBadRequest(t *testing.T) {
	ts := newTestAPI(t)
	rec := ts.do(t, http.MethodPost, "/agents/bulk", BulkRequest{AgentIDs: nil, Op: "refresh"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshAgentUnknownIs404(t *testing.T) {
	ts := newTestAPI(t)
	rec := ts.do(t, http.MethodPost, "/agents/unknown/refresh", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentHistoryReturnsAppendedEntries(t *testing.T) {
	ts := newTestAPI(t)
	require.NoError(t, ts.store.CommandHistory().Append(context.Background(), store.CommandHistoryEntry{
		AgentID: "A1", Command: "Get-Date", Success: true, Timestamp: time.Now(),
	}))

	rec := ts.do(t, http.MethodGet, "/agents/A1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		History []store.CommandHistoryEntry `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.History, 1)
	assert.Equal(t, "Get-Date", body.History[0].Command)
}

func TestSavedCommandCRUD(t *testing.T) {
	ts := newTestAPI(t)

	rec := ts.do(t, http.MethodPost, "/saved-commands", SavedCommandRequest{
		Name: "List Processes", Command: "Get-Process",
		Parameters: []SavedCommandParameterRequest{{Name: "Path", Type: "string", Required: true}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.SavedCommand
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = ts.do(t, http.MethodGet, "/saved-commands", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		SavedCommands []store.SavedCommand `json:"saved_commands"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.SavedCommands, 1)

	rec = ts.do(t, http.MethodPut, "/saved-commands/"+created.ID, SavedCommandRequest{
		Name: "List Processes v2", Command: "Get-Process",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/saved-commands/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSettingsListAndUpdate(t *testing.T) {
	ts := newTestAPI(t)

	rec := ts.do(t, http.MethodPut, "/settings/dispatch.defaultTimeoutSeconds", SettingRequest{Value: "45"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Settings map[string]string `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "45", body.Settings["dispatch.defaultTimeoutSeconds"])
}

func TestListAgentsTagsFilterAndTotalSuppression(t *testing.T) {
	ts := newTestAPI(t)
	ts.do(t, http.MethodPost, "/agents/register", RegisterRequest{ID: "A1", Hostname: "H1", OS: "windows", Tags: []string{"web", "prod"}})
	ts.do(t, http.MethodPost, "/agents/register", RegisterRequest{ID: "A2", Hostname: "H2", OS: "windows", Tags: []string{"db"}})

	rec := ts.do(t, http.MethodGet, "/agents?tags=web,prod", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	var agents []store.Agent
	require.NoError(t, json.Unmarshal(body["agents"], &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "A1", agents[0].ID)
	assert.Contains(t, body, "total")

	rec = ts.do(t, http.MethodGet, "/agents?include_total=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotContains(t, body, "total")
}
