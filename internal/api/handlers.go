package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/asedra/fleetctl/internal/apierr"
	"github.com/asedra/fleetctl/internal/bulk"
	"github.com/asedra/fleetctl/internal/common/logger"
	"github.com/asedra/fleetctl/internal/dispatcher"
	"github.com/asedra/fleetctl/internal/liveness"
	"github.com/asedra/fleetctl/internal/registry"
	"github.com/asedra/fleetctl/internal/store"
	"github.com/google/uuid"
)

// Handler holds the core collaborators the HTTP surface delegates to.
type Handler struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	liveness   *liveness.Tracker
	bulk       *bulk.Operator
	store      store.Store
	log        *logger.Logger
}

func NewHandler(reg *registry.Registry, disp *dispatcher.Dispatcher, lv *liveness.Tracker, bulkOp *bulk.Operator, st store.Store, log *logger.Logger) *Handler {
	return &Handler{
		registry:   reg,
		dispatcher: disp,
		liveness:   lv,
		bulk:       bulkOp,
		store:      st,
		log:        log.WithFields(zap.String("component", "api")),
	}
}

func writeError(c *gin.Context, err error) {
	apiErr := apierr.As(err)
	c.JSON(apiErr.HTTPStatus(), apiErr.ToBody())
}

// ListAgents handles GET /agents: returns every known agent,
// deduplicated by hostname, tagged with its live is_connected state.
// tags is comma-separated with AND semantics; include_total=false
// suppresses the total count.
func (h *Handler) ListAgents(c *gin.Context) {
	filter := store.AgentListFilter{
		Status: c.Query("status"),
	}
	if tags := c.Query("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
	} else if tag := c.Query("tag"); tag != "" {
		filter.Tags = []string{tag}
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if n, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = n
		}
	}
	filter.OrderDesc = c.Query("order_desc") != "false"

	agents, total, err := h.store.Agents().List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to list agents", err))
		return
	}

	for i := range agents {
		agents[i].IsConnected = h.registry.IsConnected(agents[i].ID)
	}

	body := gin.H{"agents": agents}
	if c.Query("include_total") != "false" {
		body["total"] = total
	}
	c.JSON(http.StatusOK, body)
}

// RegisterAgent handles POST /agents/register: an HTTP-side
// registration path for agents that prefer a request/response
// handshake before opening the WebSocket transport.
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, err.Error()))
		return
	}

	agent := store.Agent{
		ID:         req.ID,
		Hostname:   req.Hostname,
		IP:         req.IP,
		OS:         req.OS,
		Version:    req.Version,
		Tags:       req.Tags,
		SystemInfo: req.SystemInfo,
		Status:     "offline",
		LastSeen:   time.Now(),
	}
	if req.Version == "" {
		agent.Version = req.OSVersion
	}

	if err := h.store.Agents().Upsert(c.Request.Context(), agent); err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to register agent", err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": req.ID, "status": "registered"})
}

// GetAgentStatus handles GET /agents/{id}/status: the agent record plus
// its derived liveness classification.
func (h *Handler) GetAgentStatus(c *gin.Context) {
	agentID := c.Param("id")
	agent, found, err := h.store.Agents().Get(c.Request.Context(), agentID)
	if err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to load agent", err))
		return
	}
	if !found {
		writeError(c, apierr.New(apierr.NotFound, "Agent not found"))
		return
	}

	attached := h.registry.IsConnected(agentID)
	state := h.liveness.Classify(attached, agent.LastSeen, time.Now())
	agent.IsConnected = attached

	c.JSON(http.StatusOK, gin.H{"agent": agent, "state": state, "is_mock": h.dispatcher.IsMock(agentID)})
}

// RefreshAgent handles POST /agents/{id}/refresh.
func (h *Handler) RefreshAgent(c *gin.Context) {
	agentID := c.Param("id")
	result, err := h.bulk.Run(c.Request.Context(), []string{agentID}, bulk.OpRefresh, bulk.Args{})
	if err != nil {
		writeError(c, err)
		return
	}
	if len(result.Failed) > 0 {
		writeError(c, apierr.New(apierr.NotFound, result.Failed[0].Error))
		return
	}
	c.JSON(http.StatusOK, result.Results[agentID])
}

// ExecuteCommand handles POST /agents/{id}/command: synchronous
// dispatch, blocking until the response or the timeout.
func (h *Handler) ExecuteCommand(c *gin.Context) {
	agentID := c.Param("id")
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, err.Error()))
		return
	}
	command := req.ResolvedCommand()
	if command == "" {
		writeError(c, apierr.New(apierr.InvalidArgument, "command is required"))
		return
	}

	timeout := h.dispatcher.DefaultTimeout(c.Request.Context())
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	resp, err := h.dispatcher.Execute(c.Request.Context(), agentID, command, timeout)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ExecuteCommandAsync handles POST /agents/{id}/command/async: submits
// the command and returns request_id immediately.
func (h *Handler) ExecuteCommandAsync(c *gin.Context) {
	agentID := c.Param("id")
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, err.Error()))
		return
	}
	command := req.ResolvedCommand()
	if command == "" {
		writeError(c, apierr.New(apierr.InvalidArgument, "command is required"))
		return
	}

	timeout := h.dispatcher.DefaultTimeout(c.Request.Context())
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	requestID, err := h.dispatcher.Submit(c.Request.Context(), agentID, command, timeout)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"request_id": requestID})
}

// GetCommandResult handles GET /commands/{request_id}: polls for an
// async command's outcome.
func (h *Handler) GetCommandResult(c *gin.Context) {
	requestID := c.Param("request_id")
	resp, status, ok := h.dispatcher.GetResult(requestID)
	if !ok {
		writeError(c, apierr.New(apierr.NotFound, "no command found for that request_id"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "result": resp})
}

// BulkOperation handles POST /agents/bulk.
func (h *Handler) BulkOperation(c *gin.Context) {
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, err.Error()))
		return
	}

	result, err := h.bulk.Run(c.Request.Context(), req.AgentIDs, bulk.Op(req.Op), bulk.Args{Tags: req.Tags})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetAgentHistory handles GET /agents/{id}/history.
func (h *Handler) GetAgentHistory(c *gin.Context) {
	agentID := c.Param("id")
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			limit = n
		}
	}
	var since time.Time
	if sinceStr := c.Query("since"); sinceStr != "" {
		if t, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			since = t
		}
	}

	entries, err := h.store.CommandHistory().ListByAgent(c.Request.Context(), agentID, limit, since)
	if err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to load command history", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// ListSavedCommands handles GET /saved-commands.
func (h *Handler) ListSavedCommands(c *gin.Context) {
	cmds, err := h.store.SavedCommands().List(c.Request.Context())
	if err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to list saved commands", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved_commands": cmds})
}

// CreateSavedCommand handles POST /saved-commands.
func (h *Handler) CreateSavedCommand(c *gin.Context) {
	var req SavedCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, err.Error()))
		return
	}

	cmd := store.SavedCommand{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Command:     req.Command,
		Tags:        req.Tags,
		Version:     1,
	}
	for _, p := range req.Parameters {
		cmd.Parameters = append(cmd.Parameters, store.SavedCommandParameter{
			Name: p.Name, Type: p.Type, Default: p.Default, Required: p.Required,
		})
	}

	if err := h.store.SavedCommands().Create(c.Request.Context(), cmd); err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to create saved command", err))
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// UpdateSavedCommand handles PUT /saved-commands/{id}.
func (h *Handler) UpdateSavedCommand(c *gin.Context) {
	id := c.Param("id")
	existing, found, err := h.store.SavedCommands().Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to load saved command", err))
		return
	}
	if !found {
		writeError(c, apierr.New(apierr.NotFound, "saved command not found"))
		return
	}

	var req SavedCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, err.Error()))
		return
	}

	existing.Name = req.Name
	existing.Description = req.Description
	existing.Category = req.Category
	existing.Command = req.Command
	existing.Tags = req.Tags
	existing.Version++
	existing.Parameters = nil
	for _, p := range req.Parameters {
		existing.Parameters = append(existing.Parameters, store.SavedCommandParameter{
			Name: p.Name, Type: p.Type, Default: p.Default, Required: p.Required,
		})
	}

	if err := h.store.SavedCommands().Update(c.Request.Context(), existing); err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to update saved command", err))
		return
	}
	c.JSON(http.StatusOK, existing)
}

// DeleteSavedCommand handles DELETE /saved-commands/{id}.
func (h *Handler) DeleteSavedCommand(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.SavedCommands().Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExecuteSavedCommand handles POST /saved-commands/{id}/execute:
// resolves the template's $Name placeholders against the request's
// parameters (falling back to each parameter's own default, then an
// empty string) and dispatches the resulting command to every listed
// agent.
func (h *Handler) ExecuteSavedCommand(c *gin.Context) {
	id := c.Param("id")
	cmd, found, err := h.store.SavedCommands().Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to load saved command", err))
		return
	}
	if !found {
		writeError(c, apierr.New(apierr.NotFound, "saved command not found"))
		return
	}

	var req SavedCommandExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, err.Error()))
		return
	}
	if len(req.AgentIDs) == 0 {
		writeError(c, apierr.New(apierr.InvalidArgument, "agent_ids is required"))
		return
	}

	command, err := resolveSavedCommandParameters(cmd, req.Parameters)
	if err != nil {
		writeError(c, err)
		return
	}

	timeout := h.dispatcher.DefaultTimeout(c.Request.Context())
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	results := make(map[string]interface{}, len(req.AgentIDs))
	for _, agentID := range req.AgentIDs {
		resp, err := h.dispatcher.Execute(c.Request.Context(), agentID, command, timeout)
		if err != nil {
			results[agentID] = gin.H{"error": apierr.As(err).Message}
			continue
		}
		results[agentID] = resp
	}

	c.JSON(http.StatusOK, gin.H{"command": command, "results": results})
}

// resolveSavedCommandParameters substitutes every $Name placeholder in
// cmd.Command: a value supplied in provided wins, then the parameter's
// own Default, then an empty string -- except a Required parameter with
// neither is rejected with INVALID_ARGUMENT.
func resolveSavedCommandParameters(cmd store.SavedCommand, provided map[string]string) (string, error) {
	text := cmd.Command
	for _, p := range cmd.Parameters {
		value, ok := provided[p.Name]
		if !ok || value == "" {
			switch {
			case p.Default != "":
				value = p.Default
			case p.Required:
				return "", apierr.New(apierr.InvalidArgument, fmt.Sprintf("missing required parameter %q", p.Name))
			default:
				value = ""
			}
		}
		text = strings.ReplaceAll(text, "$"+p.Name, value)
	}
	return text, nil
}

// ListSettings handles GET /settings.
func (h *Handler) ListSettings(c *gin.Context) {
	settings, err := h.store.Settings().All(c.Request.Context())
	if err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to list settings", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// UpdateSetting handles PUT /settings/{key}.
func (h *Handler) UpdateSetting(c *gin.Context) {
	key := c.Param("key")
	var req SettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, err.Error()))
		return
	}
	if err := h.store.Settings().Set(c.Request.Context(), key, req.Value); err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, "failed to persist setting", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}
